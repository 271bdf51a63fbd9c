package scanner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ResearchWriter/internal/domain"
)

type namedScanner string

func (n namedScanner) Name() string { return string(n) }

func (n namedScanner) Search(context.Context, Request) ([]domain.Paper, error) {
	return []domain.Paper{{ID: string(n)}}, nil
}

func TestRegistryResolve(t *testing.T) {
	reg := NewRegistry()
	reg.Register(namedScanner("arxiv"))
	reg.Register(namedScanner("mirror"))

	sc, err := reg.Resolve("arxiv")
	require.NoError(t, err)
	papers, err := sc.Search(context.Background(), Request{Query: "x"})
	require.NoError(t, err)
	assert.Equal(t, "arxiv", papers[0].ID)

	_, err = reg.Resolve("ieee")
	assert.EqualError(t, err, "scanner ieee is not registered")
	assert.Equal(t, []string{"arxiv", "mirror"}, reg.Names())
}
