// Package citation gates which reference keys generated text may use.
//
// Validation is pure with respect to the Snapshot it is given: it performs no
// I/O and may be called concurrently from several reviewer loops.
package citation

import (
	"sort"
	"strconv"
	"strings"

	"ResearchWriter/internal/domain"
)

// DefaultMinScore is the lowest fuzzy score reported as a suggestion.
const DefaultMinScore = 0.5

// Entry is the part of a bibliography record used for matching.
type Entry struct {
	Key     string
	Title   string
	Authors []string
	Year    int
}

// Snapshot is an immutable view of the bibliography at one point in time.
type Snapshot struct {
	entries map[string]Entry
	order   []string
	tokens  map[string][]string
}

// NewSnapshot indexes records; later duplicates of a key are ignored.
func NewSnapshot(records []domain.EvidenceRecord) Snapshot {
	s := Snapshot{
		entries: make(map[string]Entry, len(records)),
		tokens:  make(map[string][]string, len(records)),
	}
	for _, r := range records {
		if _, ok := s.entries[r.Key]; ok || r.Key == "" {
			continue
		}
		e := Entry{Key: r.Key, Title: r.Title, Authors: r.Authors, Year: r.Year}
		s.entries[r.Key] = e
		s.order = append(s.order, r.Key)
		s.tokens[r.Key] = contentTokens(matchText(e))
	}
	sort.Strings(s.order)
	return s
}

// Has reports whether key resolves in the snapshot.
func (s Snapshot) Has(key string) bool {
	_, ok := s.entries[key]
	return ok
}

// Len is the number of distinct keys.
func (s Snapshot) Len() int { return len(s.order) }

// Keys returns all keys in sorted order.
func (s Snapshot) Keys() []string { return append([]string(nil), s.order...) }

// Entry returns the matching data for key.
func (s Snapshot) Entry(key string) (Entry, bool) {
	e, ok := s.entries[key]
	return e, ok
}

func matchText(e Entry) string {
	var b strings.Builder
	b.WriteString(e.Key)
	b.WriteString(" ")
	b.WriteString(e.Title)
	for _, a := range e.Authors {
		b.WriteString(" ")
		b.WriteString(a)
	}
	if e.Year > 0 {
		b.WriteString(" ")
		b.WriteString(strconv.Itoa(e.Year))
	}
	return b.String()
}

// Suggestion is a fuzzy-matched existing key.
type Suggestion struct {
	Key   string  `json:"key"`
	Score float64 `json:"score"`
}

// Result partitions the validated keys.
type Result struct {
	Valid       []string                `json:"valid"`
	Invalid     []string                `json:"invalid"`
	Suggestions map[string][]Suggestion `json:"suggestions,omitempty"`
}

// OK reports whether every key resolved.
func (r Result) OK() bool { return len(r.Invalid) == 0 }

// Validator matches keys against a snapshot. The zero value is usable.
type Validator struct {
	// MinScore is the fuzzy threshold; zero means DefaultMinScore.
	MinScore float64
	// MaxSuggestions caps suggestions per invalid key; zero means 3.
	MaxSuggestions int
}

// Validate partitions keys into valid and invalid and suggests replacements
// for invalid ones. Duplicate input keys are reported once, in input order.
func (v Validator) Validate(keys []string, snap Snapshot) Result {
	res := Result{Valid: []string{}, Invalid: []string{}}
	seen := map[string]struct{}{}
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if _, dup := seen[k]; dup || k == "" {
			continue
		}
		seen[k] = struct{}{}
		if snap.Has(k) {
			res.Valid = append(res.Valid, k)
			continue
		}
		res.Invalid = append(res.Invalid, k)
		if sugg := v.Fuzzy(k, snap); len(sugg) > 0 {
			if res.Suggestions == nil {
				res.Suggestions = map[string][]Suggestion{}
			}
			res.Suggestions[k] = sugg
		}
	}
	return res
}

// Fuzzy ranks snapshot keys by token overlap with query, highest score
// first and ties broken by key.
func (v Validator) Fuzzy(query string, snap Snapshot) []Suggestion {
	q := contentTokens(query)
	if len(q) == 0 {
		return nil
	}
	minScore := v.MinScore
	if minScore <= 0 {
		minScore = DefaultMinScore
	}
	limit := v.MaxSuggestions
	if limit <= 0 {
		limit = 3
	}

	var out []Suggestion
	for _, key := range snap.order {
		set := map[string]struct{}{}
		for _, t := range snap.tokens[key] {
			set[t] = struct{}{}
		}
		hits := 0
		for _, t := range q {
			if _, ok := set[t]; ok {
				hits++
			}
		}
		score := float64(hits) / float64(len(q))
		if hits == 0 || score < minScore {
			continue
		}
		out = append(out, Suggestion{Key: key, Score: score})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Key < out[j].Key
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
