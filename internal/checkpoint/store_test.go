package checkpoint

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ResearchWriter/internal/domain"
)

func sample(phase domain.Phase) Checkpoint {
	return Checkpoint{
		SessionID:         "s-1",
		Topic:             "X",
		Budget:            domain.BudgetBalanced,
		Phase:             phase,
		Round:             1,
		MaxRevisionRounds: 3,
		Reviewers:         2,
		Arguments:         &domain.ArgumentMap{Thesis: "t", Claims: []domain.Claim{{ID: "c1", Text: "a"}}},
		EvidenceIDs:       []string{"Attention_Is_All_Vaswani_2017"},
		ClaimSupport:      map[string][]string{"c1": {"Attention_Is_All_Vaswani_2017"}},
		Verdict:           &domain.AggregateVerdict{Outcome: domain.OutcomeMinorRevisions},
		StartedAt:         time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		ElapsedMS:         1500,
	}
}

func TestSaveAssignsSequenceAndLatest(t *testing.T) {
	t.Parallel()

	store := NewStore(t.TempDir())
	first, err := store.Save(sample(domain.PhaseLibraryConsult))
	require.NoError(t, err)
	second, err := store.Save(sample(domain.PhaseDiscovery))
	require.NoError(t, err)

	assert.Equal(t, "checkpoint-0001-LIBRARY_CONSULT.json", filepath.Base(first))
	assert.Equal(t, "checkpoint-0002-DISCOVERY.json", filepath.Base(second))

	latest, err := store.Load(store.SessionDir("s-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseDiscovery, latest.Phase)
	assert.Equal(t, domain.PhaseDiscovery, latest.ResumePhase)
	assert.Equal(t, 2, latest.Sequence)
	assert.Equal(t, FormatVersion, latest.Version)

	paths, err := store.List("s-1")
	require.NoError(t, err)
	assert.Equal(t, []string{first, second}, paths)
}

func TestLoadRoundTripsState(t *testing.T) {
	t.Parallel()

	store := NewStore(t.TempDir())
	cp := sample(domain.PhaseAborted)
	cp.ResumePhase = domain.PhaseRevision
	cp.LastError = &domain.Failure{Phase: domain.PhaseRevision, Round: 1, Class: "SessionTimeoutError", Message: "deadline"}
	path, err := store.Save(cp)
	require.NoError(t, err)

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseRevision, got.ResumePhase)
	assert.Equal(t, cp.ClaimSupport, got.ClaimSupport)
	assert.Equal(t, cp.Arguments, got.Arguments)
	assert.Equal(t, "SessionTimeoutError", got.LastError.Class)
	assert.Equal(t, 1500*time.Millisecond, got.Elapsed())
}

func TestLoadMissing(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadRejectsUnknownPhase(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"format_version":1,"session_id":"s","phase":"DREAMING"}`), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestSaveDraftNeverOverwrites(t *testing.T) {
	t.Parallel()

	store := NewStore(t.TempDir())
	d := domain.Draft{Version: 3, Parent: 2, Title: "T", Sections: []domain.Section{{Heading: "H", Content: "first"}}}
	first, err := store.SaveDraft("s-1", d)
	require.NoError(t, err)

	d.Sections[0].Content = "second"
	second, err := store.SaveDraft("s-1", d)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.Equal(t, "v0003.json", filepath.Base(first))
	assert.Equal(t, "v0003-1.json", filepath.Base(second))

	orig, err := store.LoadDraft(first)
	require.NoError(t, err)
	assert.Equal(t, "first", orig.Sections[0].Content)
	assert.Equal(t, 2, orig.Parent)
}

func TestArchive(t *testing.T) {
	t.Parallel()

	store := NewStore(t.TempDir())
	path, err := store.Archive(Record{Checkpoint: sample(domain.PhaseFinalize), ArtifactPath: "/tmp/out.pdf"})
	require.NoError(t, err)
	assert.FileExists(t, path)
	assert.Equal(t, "session.json", filepath.Base(path))

	rec, err := LoadRecord(store.SessionDir("s-1"))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/out.pdf", rec.ArtifactPath)
	assert.Equal(t, domain.PhaseFinalize, rec.Checkpoint.Phase)

	_, err = LoadRecord(t.TempDir())
	assert.ErrorIs(t, err, ErrNotFound)
}
