package vector

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
)

func TestToLiteral(t *testing.T) {
	require.Equal(t, "[0.500000,-1.000000,0.000000]", ToLiteral([]float32{0.5, -1, 0}))
	require.Equal(t, "[]", ToLiteral(nil))
}

func TestBuildTSQuery(t *testing.T) {
	require.Equal(t, "transformer | attention | 2017", BuildTSQuery([]string{"Transformer", "attention!", "attention", "2017", "--"}))
	require.Equal(t, "", BuildTSQuery(nil))
}

type panicQueryer struct{}

func (panicQueryer) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("query must not run without candidate papers")
}

func TestSearchWithoutCandidatesIsEmpty(t *testing.T) {
	s := NewSearcher(panicQueryer{})
	got, err := s.SearchChunks(context.Background(), []float32{1}, 5, SearchFilters{})
	require.NoError(t, err)
	require.Empty(t, got)
	got, err = s.KeywordSearch(context.Background(), []string{"x"}, 5, SearchFilters{})
	require.NoError(t, err)
	require.Empty(t, got)
}
