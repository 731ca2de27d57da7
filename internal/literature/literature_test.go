package literature

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"genpaper/internal/logger"
	"genpaper/internal/util"
)

func TestOpenAlexSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/works", r.URL.Path)
		require.Equal(t, "graph neural networks", r.URL.Query().Get("search"))
		_, _ = w.Write([]byte(`{"results":[{"id":"https://openalex.org/W1","doi":"https://doi.org/10.1/ABC",
		"title":"Graph Networks","publication_year":2020,"cited_by_count":42,
		"authorships":[{"author":{"display_name":"Ada Lovelace"}}],
		"primary_location":{"source":{"display_name":"NeurIPS"}},
		"best_oa_location":{"pdf_url":"https://example.org/p.pdf"},
		"abstract_inverted_index":{"Graphs":[0],"are":[1],"useful":[2]}}]}`))
	}))
	defer srv.Close()

	hits, err := NewOpenAlex(srv.URL, "", 0).Search(context.Background(), "graph neural networks", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	h := hits[0]
	require.Equal(t, "10.1/abc", h.DOI)
	require.Equal(t, 2020, h.Year)
	require.Equal(t, 42, h.CitationCount)
	require.Equal(t, "Graphs are useful", h.Abstract)
	require.Equal(t, "https://example.org/p.pdf", h.PDFURL)
	require.Equal(t, []string{"Ada Lovelace"}, h.Authors)
}

func TestCrossrefLookupDOI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/works/10.5555/12345678" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"message":{"DOI":"10.5555/12345678","title":["Toward a Unified Theory"],
		"container-title":["J. Things"],"issued":{"date-parts":[[2019,5]]},
		"author":[{"given":"Grace","family":"Hopper"}],"abstract":"<jats:p>We unify.</jats:p>",
		"link":[{"URL":"https://example.org/x.pdf","content-type":"application/pdf"}]}}`))
	}))
	defer srv.Close()

	c := NewCrossref(srv.URL, "", 0)
	m, err := c.LookupDOI(context.Background(), "https://doi.org/10.5555/12345678")
	require.NoError(t, err)
	require.Equal(t, "Toward a Unified Theory", m.Title)
	require.Equal(t, 2019, m.Year)
	require.Equal(t, "We unify.", m.Abstract)
	require.Equal(t, "https://example.org/x.pdf", m.PDFURL)

	_, err = c.LookupDOI(context.Background(), "10.5555/missing")
	require.ErrorIs(t, err, util.ErrNotFound)
}

type stubSearcher struct {
	hits []PaperMetadata
	err  error
}

func (s stubSearcher) Search(context.Context, string, int) ([]PaperMetadata, error) {
	return s.hits, s.err
}

func TestMultiSkipsFailingSource(t *testing.T) {
	m := NewMulti(logger.Nop()).
		Register("openalex", stubSearcher{hits: []PaperMetadata{{Title: "A"}}}).
		Register("crossref", stubSearcher{err: errors.New("boom")})

	hits, err := m.Search(context.Background(), "q", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	hits, err = m.SearchSources(context.Background(), "q", 5, []string{"crossref"})
	require.Error(t, err)
	require.Nil(t, hits)
}
