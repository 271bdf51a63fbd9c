package acquisition

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"ResearchWriter/internal/domain"
	"ResearchWriter/internal/ports"
)

// ErrGone is returned when the source no longer serves the paper.
var ErrGone = errors.New("paper is gone from its source")

// Extractor turns a downloaded file into plain text.
type Extractor func(ctx context.Context, path string) (string, error)

// Acquirer downloads full text, indexes it into the library and records the
// new status in the bibliography.
type Acquirer struct {
	client       *http.Client
	dir          string
	maxBytes     int64
	bibliography ports.Bibliography
	library      ports.Library
	extract      Extractor
	logger       *zap.Logger
}

var _ ports.Acquirer = (*Acquirer)(nil)

// Options configure an Acquirer.
type Options struct {
	Client       *http.Client
	Dir          string
	MaxBytes     int64
	Bibliography ports.Bibliography
	Library      ports.Library
	Extract      Extractor
	Logger       *zap.Logger
}

// New builds an Acquirer; Extract defaults to PDFToText.
func New(opts Options) *Acquirer {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: time.Minute}
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 50 << 20
	}
	if opts.Extract == nil {
		opts.Extract = PDFToText
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Acquirer{
		client:       opts.Client,
		dir:          opts.Dir,
		maxBytes:     opts.MaxBytes,
		bibliography: opts.Bibliography,
		library:      opts.Library,
		extract:      opts.Extract,
		logger:       opts.Logger.With(zap.String("component", "acquisition")),
	}
}

// Acquire fetches the record's PDF. Without a PDF url only the abstract is
// indexed and the record stays metadata-only.
func (a *Acquirer) Acquire(ctx context.Context, rec domain.EvidenceRecord) (domain.EvidenceRecord, error) {
	if rec.PDFURL == "" {
		return rec, a.index(ctx, rec.Key, abstractText(rec))
	}

	path, err := a.download(ctx, rec)
	if errors.Is(err, ErrGone) {
		rec.Stale = true
		if markErr := a.bibliography.MarkStale(ctx, rec.Key); markErr != nil {
			return rec, errors.Join(err, markErr)
		}
		a.logger.Warn("source gone, record marked stale", zap.String("key", rec.Key))
		return rec, err
	}
	if err != nil {
		return rec, err
	}

	text, err := a.extract(ctx, path)
	if err != nil || strings.TrimSpace(text) == "" {
		a.logger.Warn("text extraction failed, indexing abstract", zap.String("key", rec.Key), zap.Error(err))
		return rec, a.index(ctx, rec.Key, abstractText(rec))
	}
	if err := a.index(ctx, rec.Key, abstractText(rec)+"\n\n"+text); err != nil {
		return rec, err
	}

	rec.Status = domain.StatusFullTextIndexed
	if err := a.bibliography.Update(ctx, rec); err != nil {
		return rec, fmt.Errorf("record acquisition of %s: %w", rec.Key, err)
	}
	a.logger.Info("full text indexed", zap.String("key", rec.Key), zap.String("path", path))
	return rec, nil
}

func (a *Acquirer) index(ctx context.Context, key, text string) error {
	if a.library == nil || strings.TrimSpace(text) == "" {
		return nil
	}
	if err := a.library.Index(ctx, key, text); err != nil {
		return fmt.Errorf("index %s: %w", key, err)
	}
	return nil
}

func (a *Acquirer) download(ctx context.Context, rec domain.EvidenceRecord) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rec.PDFURL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "ResearchWriter/1.0")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", rec.Key, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return "", fmt.Errorf("%w: %s returned %s", ErrGone, rec.PDFURL, resp.Status)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("download %s: %s", rec.Key, resp.Status)
	}

	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return "", fmt.Errorf("create acquisition dir: %w", err)
	}
	final := filepath.Join(a.dir, safeName(rec.Key)+".pdf")
	tmp, err := os.CreateTemp(a.dir, ".download-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, io.LimitReader(resp.Body, a.maxBytes+1))
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", fmt.Errorf("write %s: %w", rec.Key, err)
	}
	if n > a.maxBytes {
		return "", fmt.Errorf("download %s: larger than %d bytes", rec.Key, a.maxBytes)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return "", fmt.Errorf("store %s: %w", rec.Key, err)
	}
	return final, nil
}

// PDFToText runs the poppler pdftotext command.
func PDFToText(ctx context.Context, path string) (string, error) {
	out, err := exec.CommandContext(ctx, "pdftotext", "-q", "-enc", "UTF-8", path, "-").Output()
	if err != nil {
		return "", fmt.Errorf("pdftotext %s: %w", filepath.Base(path), err)
	}
	return string(out), nil
}

func abstractText(rec domain.EvidenceRecord) string {
	return strings.TrimSpace(rec.Title + "\n\n" + rec.Abstract)
}

func safeName(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-', r == '.':
			return r
		}
		return '_'
	}, key)
}
