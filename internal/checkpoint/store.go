package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"ResearchWriter/internal/domain"
)

const (
	latestName  = "latest.json"
	archiveName = "session.json"
	draftsDir   = "drafts"
)

var checkpointName = regexp.MustCompile(`^checkpoint-(\d+)-[A-Z_]+\.json$`)

// ErrNotFound is returned when no checkpoint exists at a path.
var ErrNotFound = errors.New("checkpoint not found")

// Store writes checkpoints under <root>/<session id>/. Existing files are
// never overwritten except latest.json.
type Store struct {
	root string
	mu   sync.Mutex
	now  func() time.Time
}

// NewStore builds a store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{root: dir, now: time.Now}
}

// Root returns the store directory.
func (s *Store) Root() string { return s.root }

// SessionDir is where a session's files live.
func (s *Store) SessionDir(sessionID string) string {
	return filepath.Join(s.root, sessionID)
}

// Save assigns the next sequence number and writes cp atomically, then
// refreshes latest.json. It returns the checkpoint path.
func (s *Store) Save(cp Checkpoint) (string, error) {
	if cp.SessionID == "" {
		return "", errors.New("checkpoint has no session id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.SessionDir(cp.SessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create session dir: %w", err)
	}
	seq, err := lastSequence(dir)
	if err != nil {
		return "", err
	}
	cp.Version = FormatVersion
	cp.Sequence = seq + 1
	cp.SavedAt = s.now().UTC()
	if cp.ResumePhase == "" {
		cp.ResumePhase = cp.Phase
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal checkpoint: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("checkpoint-%04d-%s.json", cp.Sequence, cp.Phase))
	if err := writeAtomic(path, data); err != nil {
		return "", err
	}
	if err := writeAtomic(filepath.Join(dir, latestName), data); err != nil {
		return "", err
	}
	return path, nil
}

// Load reads a checkpoint file, or latest.json when path is a session
// directory.
func (s *Store) Load(path string) (Checkpoint, error) {
	return Load(path)
}

// Load reads a checkpoint file, or latest.json when path is a session
// directory.
func Load(path string) (Checkpoint, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Checkpoint{}, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return Checkpoint{}, err
	}
	if info.IsDir() {
		path = filepath.Join(path, latestName)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Checkpoint{}, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return Checkpoint{}, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("decode checkpoint %s: %w", path, err)
	}
	if cp.Version > FormatVersion {
		return Checkpoint{}, fmt.Errorf("checkpoint %s has unsupported format version %d", path, cp.Version)
	}
	if !cp.Phase.Valid() {
		return Checkpoint{}, fmt.Errorf("checkpoint %s has unknown phase %q", path, cp.Phase)
	}
	if cp.ResumePhase == "" {
		cp.ResumePhase = cp.Phase
	}
	return cp, nil
}

// List returns a session's checkpoint files in sequence order.
func (s *Store) List(sessionID string) ([]string, error) {
	dir := s.SessionDir(sessionID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if checkpointName.MatchString(e.Name()) {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// SaveDraft stores an immutable draft version. If the version file already
// exists (a resumed run producing the same version again) a suffixed name is
// used instead of overwriting.
func (s *Store) SaveDraft(sessionID string, d domain.Draft) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.SessionDir(sessionID), draftsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create drafts dir: %w", err)
	}
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal draft: %w", err)
	}
	base := fmt.Sprintf("v%04d", d.Version)
	for attempt := 0; ; attempt++ {
		name := base + ".json"
		if attempt > 0 {
			name = base + "-" + strconv.Itoa(attempt) + ".json"
		}
		path := filepath.Join(dir, name)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create draft file: %w", err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			return "", fmt.Errorf("write draft: %w", err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("close draft: %w", err)
		}
		return path, nil
	}
}

// LoadDraft reads a stored draft.
func (s *Store) LoadDraft(path string) (domain.Draft, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Draft{}, fmt.Errorf("read draft: %w", err)
	}
	var d domain.Draft
	if err := json.Unmarshal(data, &d); err != nil {
		return domain.Draft{}, fmt.Errorf("decode draft %s: %w", path, err)
	}
	return d, nil
}

// Archive writes the final session record next to its checkpoints.
func (s *Store) Archive(rec Record) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.ArchivedAt = s.now().UTC()
	dir := s.SessionDir(rec.Checkpoint.SessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create session dir: %w", err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal session record: %w", err)
	}
	path := filepath.Join(dir, archiveName)
	if err := writeAtomic(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// LoadRecord reads the archived record of a finished session.
func LoadRecord(sessionDir string) (Record, error) {
	data, err := os.ReadFile(filepath.Join(sessionDir, archiveName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Record{}, fmt.Errorf("%w: no archive in %s", ErrNotFound, sessionDir)
		}
		return Record{}, fmt.Errorf("read session record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decode session record: %w", err)
	}
	return rec, nil
}

func lastSequence(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("scan session dir: %w", err)
	}
	last := 0
	for _, e := range entries {
		m := checkpointName.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err == nil && n > last {
			last = n
		}
	}
	return last, nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+strings.TrimSuffix(filepath.Base(path), ".json")+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
