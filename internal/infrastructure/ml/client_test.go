package ml

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ResearchWriter/internal/domain"
)

var transformer = domain.Paper{
	Title:    "Attention Is All You Need",
	Abstract: "The dominant sequence transduction models are based on recurrent networks.",
	Year:     2017,
}

func TestClientScore(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/score", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "attention replaces recurrence", body["claim"])
		assert.Equal(t, "Attention Is All You Need", body["title"])
		_, _ = w.Write([]byte(`{"relevance":0.8,"utility":1.4}`))
	}))
	defer server.Close()

	score, err := NewClient(server.URL+"/", "secret").Score(context.Background(), "attention replaces recurrence", transformer)
	require.NoError(t, err)
	assert.InDelta(t, 0.8, score.Relevance, 1e-9)
	assert.InDelta(t, 1.0, score.Utility, 1e-9)
}

func TestClientScoreFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := NewClient(server.URL, "").Score(context.Background(), "claim", transformer)
	assert.ErrorContains(t, err, "502")
}

func TestOverlapScorer(t *testing.T) {
	score, err := OverlapScorer{}.Score(context.Background(), "attention networks", transformer)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, score.Relevance, 1e-9)
	assert.InDelta(t, 0.5, score.Utility, 1e-9)

	score, err = OverlapScorer{}.Score(context.Background(), "protein folding", transformer)
	require.NoError(t, err)
	assert.Zero(t, score.Relevance)
}
