package parser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ResearchWriter/internal/config"
	"ResearchWriter/internal/domain"
	"ResearchWriter/internal/scanner"
)

func resultHTML(id, title, authors, submitted string) string {
	var names []string
	for _, a := range strings.Split(authors, ",") {
		names = append(names, fmt.Sprintf(`<a href="/a/%s">%s</a>`, strings.ReplaceAll(a, " ", ""), a))
	}
	return fmt.Sprintf(`
	<li class="arxiv-result">
	  <div class="is-marginless">
	    <p class="list-title is-inline-block"><a href="https://arxiv.org/abs/%[1]s">arXiv:%[1]s</a>
	      <span>&nbsp;[<a href="https://arxiv.org/pdf/%[1]s">pdf</a>]</span></p>
	  </div>
	  <p class="title is-5 mathjax">
	    %[2]s
	  </p>
	  <p class="authors"><span class="search-hit">Authors:</span> %[3]s</p>
	  <p class="abstract mathjax">
	    <span class="abstract-short">Short.</span>
	    <span class="abstract-full">Full abstract of %[2]s. <a class="is-size-7">&#9651; Less</a></span>
	  </p>
	  <p class="is-size-7"><span>Submitted</span> %[4]s; <span>originally announced</span> June 2017.</p>
	</li>`, id, title, strings.Join(names, ", "), submitted)
}

func page(items ...string) string {
	return `<html><body><ol class="breathe-horizontal">` + strings.Join(items, "") + `</ol></body></html>`
}

func TestBuildPageURL(t *testing.T) {
	t.Parallel()

	u, err := buildPageURL("https://arxiv.org/search/", "attention is all", 50, 25)
	require.NoError(t, err)

	parsed, err := url.Parse(u)
	require.NoError(t, err)
	assert.Equal(t, "arxiv.org", parsed.Host)

	q := parsed.Query()
	assert.Equal(t, "attention is all", q.Get("query"))
	assert.Equal(t, "50", q.Get("start"))
	assert.Equal(t, "25", q.Get("size"))
	assert.Equal(t, "all", q.Get("searchtype"))
}

func TestParseEntry(t *testing.T) {
	t.Parallel()

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page(
		resultHTML("1706.03762", "Attention Is All You Need", "Ashish Vaswani,Noam Shazeer", "12 June, 2017"))))
	require.NoError(t, err)

	paper, ok := parseEntry(doc.Find("li.arxiv-result").First(), "arxiv")
	require.True(t, ok)

	assert.Equal(t, "arXiv:1706.03762", paper.ID)
	assert.Equal(t, "Attention Is All You Need", paper.Title)
	assert.Equal(t, []string{"Ashish Vaswani", "Noam Shazeer"}, paper.Authors)
	assert.Equal(t, "Full abstract of Attention Is All You Need.", paper.Abstract)
	assert.Equal(t, "https://arxiv.org/abs/1706.03762", paper.URL)
	assert.Equal(t, "https://arxiv.org/pdf/1706.03762", paper.PDFURL)
	assert.Equal(t, 2017, paper.Year)
	assert.Equal(t, time.Date(2017, time.June, 12, 0, 0, 0, 0, time.UTC), paper.PublishedAt)
	assert.Equal(t, "arxiv", paper.Source)
}

func TestParseEntrySkipsIncompleteResults(t *testing.T) {
	t.Parallel()

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(`<li class="arxiv-result"><p class="title">Orphan</p></li>`))
	require.NoError(t, err)
	_, ok := parseEntry(doc.Find("li.arxiv-result").First(), "arxiv")
	assert.False(t, ok)
}

func TestArxivScannerSearchPaginates(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "residual learning", r.URL.Query().Get("query"))
		switch r.URL.Query().Get("start") {
		case "0":
			_, _ = w.Write([]byte(page(
				resultHTML("1512.03385", "Deep Residual Learning for Image Recognition", "Kaiming He", "10 December, 2015"),
				resultHTML("1603.05027", "Identity Mappings in Deep Residual Networks", "Kaiming He", "16 March, 2016"))))
		default:
			_, _ = w.Write([]byte(page(
				resultHTML("1603.05027", "Identity Mappings in Deep Residual Networks", "Kaiming He", "16 March, 2016"),
				resultHTML("1611.05431", "Aggregated Residual Transformations", "Saining Xie", "16 November, 2016"))))
		}
	}))
	defer server.Close()

	sc := NewArxivScanner(server.Client())
	sc.pageSize = 2

	papers, err := sc.Search(context.Background(), scanner.Request{Query: "residual learning", Limit: 3, Endpoint: server.URL + "/search/", Source: "arxiv"})
	require.NoError(t, err)
	require.Len(t, papers, 3)
	assert.Equal(t, "arXiv:1512.03385", papers[0].ID)
	assert.Equal(t, "arXiv:1611.05431", papers[2].ID)
	assert.Equal(t, int32(2), calls.Load())
}

func TestArxivScannerSearchErrors(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	sc := NewArxivScanner(server.Client())
	_, err := sc.Search(context.Background(), scanner.Request{Query: "x", Endpoint: server.URL})
	assert.ErrorContains(t, err, "503")

	_, err = sc.Search(context.Background(), scanner.Request{Query: "  "})
	assert.Error(t, err)
}

type stubScanner struct {
	name   string
	papers []domain.Paper
	err    error
}

func (s stubScanner) Name() string { return s.name }

func (s stubScanner) Search(context.Context, scanner.Request) ([]domain.Paper, error) {
	return s.papers, s.err
}

func TestStrategySourceInterleavesAndDedupes(t *testing.T) {
	t.Parallel()

	reg := scanner.NewRegistry()
	reg.Register(stubScanner{name: "a", papers: []domain.Paper{{ID: "1"}, {ID: "2"}, {ID: "3"}}})
	reg.Register(stubScanner{name: "b", papers: []domain.Paper{{ID: "2"}, {ID: "4"}}})
	reg.Register(stubScanner{name: "down", err: errors.New("offline")})

	src := NewStrategySource(reg, []config.SourceConfig{
		{Name: "first", Scanner: "a"},
		{Name: "second", Scanner: "b"},
		{Name: "broken", Scanner: "down"},
	}, nil)

	papers, err := src.Search(context.Background(), "q", 4)
	require.NoError(t, err)

	var ids []string
	for _, p := range papers {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"1", "2", "4", "3"}, ids)
	assert.Equal(t, "first", papers[0].Source)
	assert.Equal(t, "second", papers[2].Source)
}

func TestStrategySourceFailsWhenEverySourceFails(t *testing.T) {
	t.Parallel()

	reg := scanner.NewRegistry()
	reg.Register(stubScanner{name: "down", err: errors.New("offline")})

	src := NewStrategySource(reg, []config.SourceConfig{
		{Name: "broken", Scanner: "down"},
		{Name: "unknown", Scanner: "ieee"},
	}, nil)
	_, err := src.Search(context.Background(), "q", 4)
	require.Error(t, err)
	assert.ErrorContains(t, err, "offline")
	assert.ErrorContains(t, err, "not registered")
}
