package parser

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"ResearchWriter/internal/domain"
	"ResearchWriter/internal/scanner"
)

const (
	arxivBaseURL    = "https://arxiv.org"
	arxivSearchURL  = "https://arxiv.org/search/"
	defaultPageSize = 50
)

var (
	submittedExpr = regexp.MustCompile(`Submitted\s+(\d{1,2} [A-Za-z]+, \d{4})`)
	yearExpr      = regexp.MustCompile(`\b(19|20)\d{2}\b`)
	spaceExpr     = regexp.MustCompile(`\s+`)
)

// ArxivScanner queries the arXiv search pages and extracts papers.
type ArxivScanner struct {
	client   *http.Client
	pageSize int
}

var _ scanner.Scanner = (*ArxivScanner)(nil)

// NewArxivScanner wires an HTTP client; pageSize defaults to 50.
func NewArxivScanner(client *http.Client) *ArxivScanner {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	return &ArxivScanner{client: client, pageSize: defaultPageSize}
}

// Name identifies the strategy inside the registry.
func (a *ArxivScanner) Name() string {
	return "arxiv"
}

// Search pages through results until limit papers are collected or the
// result list runs out.
func (a *ArxivScanner) Search(ctx context.Context, req scanner.Request) ([]domain.Paper, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, fmt.Errorf("empty arxiv query")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}
	endpoint := req.Endpoint
	if endpoint == "" {
		endpoint = arxivSearchURL
	}
	source := req.Source
	if source == "" {
		source = a.Name()
	}

	results := make([]domain.Paper, 0, limit)
	seen := map[string]struct{}{}
	for start := 0; len(results) < limit; start += a.pageSize {
		pageURL, err := buildPageURL(endpoint, query, start, a.pageSize)
		if err != nil {
			return nil, err
		}
		doc, err := a.fetchDocument(ctx, pageURL)
		if err != nil {
			return nil, fmt.Errorf("query %q: %w", query, err)
		}

		entries := doc.Find("li.arxiv-result")
		entries.EachWithBreak(func(_ int, li *goquery.Selection) bool {
			paper, ok := parseEntry(li, source)
			if !ok {
				return true
			}
			if _, dup := seen[paper.ID]; dup {
				return true
			}
			seen[paper.ID] = struct{}{}
			results = append(results, paper)
			return len(results) < limit
		})
		if entries.Length() < a.pageSize {
			break
		}
	}
	return results, nil
}

func (a *ArxivScanner) fetchDocument(ctx context.Context, pageURL string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "ResearchWriter/1.0")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("arxiv returned %s", resp.Status)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	return doc, nil
}

func parseEntry(li *goquery.Selection, source string) (domain.Paper, bool) {
	link := li.Find("p.list-title a[href*=\"/abs/\"]").First()
	href, _ := link.Attr("href")
	id := clean(link.Text())
	if id == "" && href != "" {
		id = "arXiv:" + href[strings.LastIndex(href, "/abs/")+len("/abs/"):]
	}
	title := clean(li.Find("p.title").First().Text())
	if id == "" || title == "" {
		return domain.Paper{}, false
	}
	if href != "" && !strings.HasPrefix(href, "http") {
		href = arxivBaseURL + href
	}

	pdf, _ := li.Find("p.list-title a[href*=\"/pdf/\"]").First().Attr("href")
	if pdf != "" && !strings.HasPrefix(pdf, "http") {
		pdf = arxivBaseURL + pdf
	}

	var authors []string
	li.Find("p.authors a").Each(func(_ int, s *goquery.Selection) {
		if name := clean(s.Text()); name != "" {
			authors = append(authors, name)
		}
	})

	abstract := li.Find("span.abstract-full").First()
	abstract.Find("a").Remove()
	summary := clean(abstract.Text())
	if summary == "" {
		summary = clean(li.Find("span.abstract-short").First().Text())
	}

	paper := domain.Paper{
		ID:       id,
		Title:    title,
		Authors:  authors,
		Abstract: summary,
		URL:      href,
		PDFURL:   pdf,
		Source:   source,
	}

	dateline := clean(li.Find("p.is-size-7").Text())
	if m := submittedExpr.FindStringSubmatch(dateline); m != nil {
		if parsed, err := time.Parse("2 January, 2006", m[1]); err == nil {
			paper.PublishedAt = parsed
			paper.Year = parsed.Year()
		}
	}
	if paper.Year == 0 {
		if m := yearExpr.FindString(dateline); m != "" {
			paper.Year, _ = strconv.Atoi(m)
		}
	}
	return paper, true
}

func clean(s string) string {
	s = strings.ReplaceAll(s, "△ Less", "")
	s = strings.TrimPrefix(strings.TrimSpace(s), "Authors:")
	return strings.TrimSpace(spaceExpr.ReplaceAllString(s, " "))
}

func buildPageURL(base, query string, start, pageSize int) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid search url %s: %w", base, err)
	}

	q := parsed.Query()
	q.Set("query", query)
	q.Set("searchtype", "all")
	q.Set("abstracts", "show")
	q.Set("order", "")
	q.Set("start", strconv.Itoa(start))
	q.Set("size", strconv.Itoa(pageSize))
	parsed.RawQuery = q.Encode()
	return parsed.String(), nil
}
