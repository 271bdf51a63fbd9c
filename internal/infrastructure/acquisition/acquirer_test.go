package acquisition

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ResearchWriter/internal/domain"
	"ResearchWriter/internal/ports"
)

type recordingBibliography struct {
	ports.Bibliography
	mu      sync.Mutex
	updated []domain.EvidenceRecord
	stale   []string
}

func (b *recordingBibliography) Update(_ context.Context, r domain.EvidenceRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updated = append(b.updated, r)
	return nil
}

func (b *recordingBibliography) MarkStale(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stale = append(b.stale, key)
	return nil
}

type recordingLibrary struct {
	indexed map[string]string
}

func (l *recordingLibrary) Index(_ context.Context, key, content string) error {
	if l.indexed == nil {
		l.indexed = map[string]string{}
	}
	l.indexed[key] = content
	return nil
}

func (l *recordingLibrary) Query(context.Context, string, int) ([]domain.Passage, error) {
	return nil, nil
}

func newAcquirer(t *testing.T, handler http.HandlerFunc, extract Extractor) (*Acquirer, *recordingBibliography, *recordingLibrary, string) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	bib := &recordingBibliography{}
	lib := &recordingLibrary{}
	dir := t.TempDir()
	a := New(Options{Client: server.Client(), Dir: dir, MaxBytes: 64, Bibliography: bib, Library: lib, Extract: extract})
	return a, bib, lib, server.URL
}

func record(url string) domain.EvidenceRecord {
	return domain.EvidenceRecord{
		Key: "Attention_Is_All_Vaswani_2017", Title: "Attention Is All You Need",
		Abstract: "transformers", PDFURL: url, Status: domain.StatusMetadataOnly,
	}
}

func TestAcquireIndexesFullText(t *testing.T) {
	extract := func(_ context.Context, path string) (string, error) {
		raw, err := os.ReadFile(path)
		return "extracted " + string(raw), err
	}
	a, bib, lib, url := newAcquirer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("%PDF-1.4 body"))
	}, extract)

	rec, err := a.Acquire(context.Background(), record(url+"/pdf/1706.03762"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFullTextIndexed, rec.Status)
	require.Len(t, bib.updated, 1)
	assert.Equal(t, domain.StatusFullTextIndexed, bib.updated[0].Status)
	assert.Contains(t, lib.indexed[rec.Key], "extracted %PDF-1.4 body")
	assert.FileExists(t, filepath.Join(a.dir, "Attention_Is_All_Vaswani_2017.pdf"))
}

func TestAcquireMarksGoneSourcesStale(t *testing.T) {
	for _, status := range []int{http.StatusNotFound, http.StatusGone} {
		a, bib, _, url := newAcquirer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}, nil)

		rec, err := a.Acquire(context.Background(), record(url))
		assert.True(t, errors.Is(err, ErrGone))
		assert.True(t, rec.Stale)
		assert.Equal(t, []string{rec.Key}, bib.stale)
		assert.Empty(t, bib.updated)
	}
}

func TestAcquireRejectsOversizedDownloads(t *testing.T) {
	a, bib, _, url := newAcquirer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 200)))
	}, nil)

	_, err := a.Acquire(context.Background(), record(url))
	assert.ErrorContains(t, err, "larger than 64 bytes")
	assert.Empty(t, bib.updated)
	entries, _ := os.ReadDir(a.dir)
	assert.Empty(t, entries, "temporary download is cleaned up")
}

func TestAcquireFallsBackToAbstract(t *testing.T) {
	failing := func(context.Context, string) (string, error) { return "", errors.New("no pdftotext") }
	a, bib, lib, url := newAcquirer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("%PDF"))
	}, failing)

	rec, err := a.Acquire(context.Background(), record(url))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusMetadataOnly, rec.Status)
	assert.Empty(t, bib.updated)
	assert.Equal(t, "Attention Is All You Need\n\ntransformers", lib.indexed[rec.Key])

	noPDF := record("")
	_, err = a.Acquire(context.Background(), noPDF)
	require.NoError(t, err)
}
