package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ResearchWriter/internal/citation"
	"ResearchWriter/internal/domain"
	"ResearchWriter/internal/ports"
)

// Core tool names.
const (
	DiscoverPapers    = "discover_papers"
	AddPaper          = "add_paper"
	QueryLibrary      = "query_library"
	ListLibrary       = "list_library"
	FuzzyCite         = "fuzzy_cite"
	ValidateCitations = "validate_citations"
)

// ReadOnlyTools is the reviewer subset: nothing here writes.
var ReadOnlyTools = []string{DiscoverPapers, QueryLibrary, ListLibrary, FuzzyCite, ValidateCitations}

// WriteTools is the drafting and revision subset.
var WriteTools = []string{DiscoverPapers, AddPaper, QueryLibrary, ListLibrary, FuzzyCite, ValidateCitations}

// Deps are the collaborators the core tools call into.
type Deps struct {
	Bibliography ports.Bibliography
	Library      ports.Library
	Discovery    ports.PaperSource
	Acquirer     ports.Acquirer
	Journal      *Journal
	Validator    citation.Validator
	Now          func() time.Time
}

// NewCoreRegistry registers the six core tools.
func NewCoreRegistry(d Deps) *Registry {
	if d.Now == nil {
		d.Now = time.Now
	}
	gate := citation.Gate{Bibliography: d.Bibliography, Validator: d.Validator}

	reg := NewRegistry()
	reg.MustRegister(NewTool(DiscoverPapers,
		"Search external paper indexes. Returns candidate papers that are not yet citable until added with add_paper.",
		`{"type":"object","properties":{"query":{"type":"string"},"limit":{"type":"integer","minimum":1,"maximum":25}},"required":["query"]}`,
		`{"type":"object","properties":{"papers":{"type":"array"}}}`,
		d.discover))
	reg.MustRegister(NewTool(AddPaper,
		"Add a discovered paper to the bibliography and return its citation key.",
		`{"type":"object","properties":{"paper_id":{"type":"string"},"title":{"type":"string"},"authors":{"type":"array","items":{"type":"string"}},"year":{"type":"integer"},"abstract":{"type":"string"},"url":{"type":"string"},"pdf_url":{"type":"string"},"source":{"type":"string"},"acquire":{"type":"boolean"}},"required":["paper_id","title"]}`,
		`{"type":"object","properties":{"key":{"type":"string"},"status":{"type":"string"},"note":{"type":"string"}}}`,
		d.add))
	reg.MustRegister(NewTool(QueryLibrary,
		"Retrieve passages from indexed evidence relevant to a query.",
		`{"type":"object","properties":{"query":{"type":"string"},"limit":{"type":"integer","minimum":1,"maximum":20}},"required":["query"]}`,
		`{"type":"object","properties":{"passages":{"type":"array"}}}`,
		d.query))
	reg.MustRegister(NewTool(ListLibrary,
		"List bibliography entries with their citation keys.",
		`{"type":"object","properties":{"include_stale":{"type":"boolean"}}}`,
		`{"type":"object","properties":{"entries":{"type":"array"}}}`,
		d.list))
	reg.MustRegister(NewTool(FuzzyCite,
		"Find existing citation keys matching free text such as 'vaswani 2017'.",
		`{"type":"object","properties":{"query":{"type":"string"},"limit":{"type":"integer","minimum":1,"maximum":10}},"required":["query"]}`,
		`{"type":"object","properties":{"suggestions":{"type":"array"}}}`,
		func(ctx context.Context, in fuzzyInput) (fuzzyOutput, error) {
			snap, err := gate.Snapshot(ctx)
			if err != nil {
				return fuzzyOutput{}, err
			}
			v := d.Validator
			if in.Limit > 0 {
				v.MaxSuggestions = in.Limit
			}
			return fuzzyOutput{Suggestions: v.Fuzzy(in.Query, snap)}, nil
		}))
	reg.MustRegister(NewTool(ValidateCitations,
		"Check which citation keys exist in the bibliography and suggest replacements for the rest.",
		`{"type":"object","properties":{"keys":{"type":"array","items":{"type":"string"}}},"required":["keys"]}`,
		`{"type":"object","properties":{"valid":{"type":"array"},"invalid":{"type":"array"},"suggestions":{"type":"object"}}}`,
		func(ctx context.Context, in validateInput) (citation.Result, error) {
			res, _, err := gate.Check(ctx, in.Keys)
			return res, err
		}))
	return reg
}

type discoverInput struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

type paperView struct {
	PaperID  string   `json:"paper_id"`
	Title    string   `json:"title"`
	Authors  []string `json:"authors,omitempty"`
	Year     int      `json:"year,omitempty"`
	Abstract string   `json:"abstract,omitempty"`
	URL      string   `json:"url,omitempty"`
	PDFURL   string   `json:"pdf_url,omitempty"`
	Source   string   `json:"source,omitempty"`
}

type discoverOutput struct {
	Papers []paperView `json:"papers"`
}

func (d Deps) discover(ctx context.Context, in discoverInput) (discoverOutput, error) {
	if d.Discovery == nil {
		return discoverOutput{}, errors.New("no discovery source configured")
	}
	if strings.TrimSpace(in.Query) == "" {
		return discoverOutput{}, errors.New("query is empty")
	}
	limit := in.Limit
	if limit <= 0 || limit > 25 {
		limit = 10
	}
	papers, err := d.Discovery.Search(ctx, in.Query, limit)
	if err != nil {
		return discoverOutput{}, err
	}
	out := discoverOutput{Papers: make([]paperView, 0, len(papers))}
	for _, p := range papers {
		out.Papers = append(out.Papers, paperView{
			PaperID: p.ID, Title: p.Title, Authors: p.Authors, Year: p.Year,
			Abstract: truncate(p.Abstract, 600), URL: p.URL, PDFURL: p.PDFURL, Source: p.Source,
		})
	}
	return out, nil
}

type addInput struct {
	PaperID  string   `json:"paper_id"`
	Title    string   `json:"title"`
	Authors  []string `json:"authors,omitempty"`
	Year     int      `json:"year,omitempty"`
	Abstract string   `json:"abstract,omitempty"`
	URL      string   `json:"url,omitempty"`
	PDFURL   string   `json:"pdf_url,omitempty"`
	Source   string   `json:"source,omitempty"`
	Acquire  bool     `json:"acquire,omitempty"`
}

type addOutput struct {
	Key    string `json:"key"`
	Status string `json:"status"`
	Note   string `json:"note,omitempty"`
}

func (d Deps) add(ctx context.Context, in addInput) (addOutput, error) {
	if d.Bibliography == nil {
		return addOutput{}, errors.New("no bibliography configured")
	}
	if strings.TrimSpace(in.PaperID) == "" || strings.TrimSpace(in.Title) == "" {
		return addOutput{}, errors.New("paper_id and title are required")
	}
	rec := domain.RecordFromPaper(domain.Paper{
		ID: in.PaperID, Title: in.Title, Authors: in.Authors, Year: in.Year,
		Abstract: in.Abstract, URL: in.URL, PDFURL: in.PDFURL, Source: in.Source,
	})
	rec.Key = citation.MintKey(in.Title, in.Authors, in.Year)
	rec.AddedAt = d.Now().UTC()

	stored, err := d.Bibliography.Add(ctx, rec)
	if err != nil {
		return addOutput{}, fmt.Errorf("add to bibliography: %w", err)
	}

	out := addOutput{Key: stored.Key, Status: string(stored.Status)}
	if in.Acquire && d.Acquirer != nil && stored.Status != domain.StatusFullTextIndexed {
		acquired, err := d.Acquirer.Acquire(ctx, stored)
		if err != nil {
			out.Note = "full text unavailable: " + err.Error()
		} else {
			stored = acquired
			out.Status = string(acquired.Status)
		}
	}
	if d.Journal != nil {
		d.Journal.Record(stored)
	}
	return out, nil
}

type queryInput struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

type queryOutput struct {
	Passages []domain.Passage `json:"passages"`
}

func (d Deps) query(ctx context.Context, in queryInput) (queryOutput, error) {
	if d.Library == nil {
		return queryOutput{}, errors.New("no library configured")
	}
	limit := in.Limit
	if limit <= 0 || limit > 20 {
		limit = 5
	}
	passages, err := d.Library.Query(ctx, in.Query, limit)
	if err != nil {
		return queryOutput{}, err
	}
	for i := range passages {
		passages[i].Content = truncate(passages[i].Content, 800)
	}
	return queryOutput{Passages: passages}, nil
}

type listInput struct {
	IncludeStale bool `json:"include_stale,omitempty"`
}

type listEntry struct {
	Key    string `json:"key"`
	Title  string `json:"title"`
	Year   int    `json:"year,omitempty"`
	Status string `json:"status"`
	Stale  bool   `json:"stale,omitempty"`
}

type listOutput struct {
	Entries []listEntry `json:"entries"`
}

func (d Deps) list(ctx context.Context, in listInput) (listOutput, error) {
	if d.Bibliography == nil {
		return listOutput{}, errors.New("no bibliography configured")
	}
	records, err := d.Bibliography.Snapshot(ctx)
	if err != nil {
		return listOutput{}, err
	}
	out := listOutput{Entries: []listEntry{}}
	for _, r := range records {
		if r.Stale && !in.IncludeStale {
			continue
		}
		out.Entries = append(out.Entries, listEntry{Key: r.Key, Title: r.Title, Year: r.Year, Status: string(r.Status), Stale: r.Stale})
	}
	return out, nil
}

type fuzzyInput struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

type fuzzyOutput struct {
	Suggestions []citation.Suggestion `json:"suggestions"`
}

type validateInput struct {
	Keys []string `json:"keys"`
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
