package tools

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ResearchWriter/internal/domain"
)

type memoryBibliography struct {
	mu      sync.Mutex
	records []domain.EvidenceRecord
}

func (m *memoryBibliography) Lookup(_ context.Context, key string) (domain.EvidenceRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.Key == key {
			return r, true, nil
		}
	}
	return domain.EvidenceRecord{}, false, nil
}

func (m *memoryBibliography) Add(_ context.Context, r domain.EvidenceRecord) (domain.EvidenceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.records {
		if existing.PaperID == r.PaperID {
			return existing, nil
		}
	}
	m.records = append(m.records, r)
	return r, nil
}

func (m *memoryBibliography) AllKeys(context.Context) ([]string, error) { return nil, nil }

func (m *memoryBibliography) Snapshot(context.Context) ([]domain.EvidenceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.EvidenceRecord(nil), m.records...), nil
}

func (m *memoryBibliography) Update(context.Context, domain.EvidenceRecord) error { return nil }
func (m *memoryBibliography) MarkStale(context.Context, string) error             { return nil }

type fixedSource struct {
	papers []domain.Paper
	err    error
}

func (f fixedSource) Search(context.Context, string, int) ([]domain.Paper, error) {
	return f.papers, f.err
}

func newTestRegistry(bib *memoryBibliography, src fixedSource, journal *Journal) *Registry {
	return NewCoreRegistry(Deps{
		Bibliography: bib,
		Discovery:    src,
		Journal:      journal,
		Now:          func() time.Time { return time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC) },
	})
}

func TestRegistryResolveUnknownTool(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	_, err := reg.Resolve("summon_oracle")

	var notFound *domain.ToolNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "summon_oracle", notFound.Name)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	tool := NewTool("echo", "", `{}`, `{}`, func(_ context.Context, in map[string]any) (map[string]any, error) { return in, nil })
	require.NoError(t, reg.Register(tool))
	assert.Error(t, reg.Register(tool))
}

func TestSubsetExcludesWriteTools(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(&memoryBibliography{}, fixedSource{}, nil)
	sub, err := reg.Subset(ReadOnlyTools...)
	require.NoError(t, err)

	assert.NotContains(t, sub.Names(), AddPaper)
	_, err = sub.Execute(context.Background(), AddPaper, json.RawMessage(`{}`))
	var notFound *domain.ToolNotFoundError
	assert.ErrorAs(t, err, &notFound)
	assert.Len(t, sub.Schemas(), len(ReadOnlyTools))
}

func TestExecuteWrapsBadInput(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(&memoryBibliography{}, fixedSource{}, nil)
	_, err := reg.Execute(context.Background(), FuzzyCite, json.RawMessage(`{"query": 12}`))

	var execErr *domain.ToolExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, FuzzyCite, execErr.Tool)
}

func TestDiscoverSurfacesSourceFailure(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(&memoryBibliography{}, fixedSource{err: errors.New("arxiv down")}, nil)
	_, err := reg.Execute(context.Background(), DiscoverPapers, json.RawMessage(`{"query":"transformers"}`))

	var execErr *domain.ToolExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.ErrorContains(t, err, "arxiv down")
}

func TestAddPaperThenValidate(t *testing.T) {
	t.Parallel()

	bib := &memoryBibliography{}
	journal := &Journal{}
	reg := newTestRegistry(bib, fixedSource{}, journal)
	ctx := context.Background()

	out, err := reg.Execute(ctx, AddPaper, json.RawMessage(`{"paper_id":"arXiv:1706.03762","title":"Attention Is All You Need","authors":["Ashish Vaswani"],"year":2017}`))
	require.NoError(t, err)

	var added addOutput
	require.NoError(t, json.Unmarshal(out, &added))
	assert.Equal(t, "Attention_Is_All_Vaswani_2017", added.Key)
	assert.Equal(t, string(domain.StatusMetadataOnly), added.Status)

	drained := journal.Drain()
	require.Len(t, drained, 1)
	assert.Equal(t, "arXiv:1706.03762", drained[0].PaperID)
	assert.Empty(t, journal.Drain())

	out, err = reg.Execute(ctx, ValidateCitations, json.RawMessage(`{"keys":["Attention_Is_All_Vaswani_2017","vaswani2017"]}`))
	require.NoError(t, err)
	var res struct {
		Valid       []string                     `json:"valid"`
		Invalid     []string                     `json:"invalid"`
		Suggestions map[string][]json.RawMessage `json:"suggestions"`
	}
	require.NoError(t, json.Unmarshal(out, &res))
	assert.Equal(t, []string{"Attention_Is_All_Vaswani_2017"}, res.Valid)
	assert.Equal(t, []string{"vaswani2017"}, res.Invalid)
	assert.Len(t, res.Suggestions["vaswani2017"], 1)
}

func TestFuzzyCiteTool(t *testing.T) {
	t.Parallel()

	bib := &memoryBibliography{records: []domain.EvidenceRecord{
		{Key: "Attention_Is_All_Vaswani_2017", Title: "Attention Is All You Need", Year: 2017},
	}}
	reg := newTestRegistry(bib, fixedSource{}, nil)

	out, err := reg.Execute(context.Background(), FuzzyCite, json.RawMessage(`{"query":"vaswani 2017"}`))
	require.NoError(t, err)
	assert.Contains(t, string(out), "Attention_Is_All_Vaswani_2017")
}
