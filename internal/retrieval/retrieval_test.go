package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"genpaper/internal/literature"
	"genpaper/internal/logger"
	"genpaper/internal/models"
	"genpaper/internal/providers"
	"genpaper/internal/queue"
	"genpaper/internal/util"
	"genpaper/internal/vector"
)

type memPapers struct {
	mu      sync.Mutex
	byID    map[string]models.Paper
	library []string
}

func newMemPapers(ps ...models.Paper) *memPapers {
	m := &memPapers{byID: map[string]models.Paper{}}
	for _, p := range ps {
		m.byID[p.PaperID] = p
		m.library = append(m.library, p.PaperID)
	}
	return m
}

func (m *memPapers) UpsertPaper(_ context.Context, p models.Paper) (models.Paper, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.PaperID == "" {
		p.PaperID = "ext-" + util.ShortHash(p.Title, 6)
	}
	m.byID[p.PaperID] = p
	return p, nil
}

func (m *memPapers) ListLibraryPapers(context.Context, string) ([]models.Paper, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Paper, 0, len(m.library))
	for _, id := range m.library {
		out = append(out, m.byID[id])
	}
	return out, nil
}

func (m *memPapers) ListPapersByIDs(_ context.Context, ids []string) ([]models.Paper, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Paper, 0, len(ids))
	for _, id := range ids {
		if p, ok := m.byID[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

type fakeLit struct {
	hits  []literature.PaperMetadata
	err   error
	calls int
}

func (f *fakeLit) SearchSources(context.Context, string, int, []string) ([]literature.PaperMetadata, error) {
	f.calls++
	return f.hits, f.err
}

type fakeChunks struct {
	vector  []models.ChunkResult
	keyword []models.ChunkResult
	filters []vector.SearchFilters
}

func (f *fakeChunks) SearchChunks(_ context.Context, _ []float32, _ int, filters vector.SearchFilters) ([]models.ChunkResult, error) {
	f.filters = append(f.filters, filters)
	return f.vector, nil
}

func (f *fakeChunks) KeywordSearch(_ context.Context, _ []string, _ int, filters vector.SearchFilters) ([]models.ChunkResult, error) {
	f.filters = append(f.filters, filters)
	return f.keyword, nil
}

type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, providers.EmbedRequest) ([][]float32, providers.ProviderInfo, error) {
	return nil, providers.ProviderInfo{}, errors.New("503 unavailable")
}

func newService(papers *memPapers, lit Literature, chunks ChunkSearcher, ing Ingestor) *Service {
	return New(logger.Nop(), papers, lit, chunks, providers.NewMockProvider(8), ing, Options{
		EmbedDim:     8,
		IngestWait:   2 * time.Second,
		PollInterval: 5 * time.Millisecond,
	})
}

func TestRRFBothListsBeatOne(t *testing.T) {
	scores := RRF([]string{"a", "b"}, []string{"a", "c"}, DefaultRRFK, DefaultVectorWeight, DefaultKeywordWeight)
	require.Greater(t, scores["a"], scores["b"])
	require.Greater(t, scores["a"], scores["c"])
	require.InDelta(t, 0.7/61+0.3/61, scores["a"], 1e-12)
	require.InDelta(t, 0.7/62, scores["b"], 1e-12)
	require.InDelta(t, 0.3/62, scores["c"], 1e-12)
}

func TestRRFMissingItemContributesNothing(t *testing.T) {
	scores := RRF([]string{"a"}, nil, 60, 0.7, 0.3)
	require.Len(t, scores, 1)
	require.InDelta(t, 0.7/61, scores["a"], 1e-12)
}

func TestCitationBoostBounds(t *testing.T) {
	require.Equal(t, 1.0, CitationBoost(0))
	prev := 1.0
	for _, c := range []int{1, 2, 5, 10, 50, 100, 1000, 1_000_000} {
		b := CitationBoost(c)
		require.GreaterOrEqual(t, b, prev, "c=%d", c)
		require.GreaterOrEqual(t, b, 1.0)
		require.LessOrEqual(t, b, 1.1)
		prev = b
	}
	require.Equal(t, 1.1, CitationBoost(1_000_000))
}

func TestFuseOrdersByScore(t *testing.T) {
	v := []models.ChunkResult{{ChunkID: "x", ChunkIndex: 4}, {ChunkID: "y", ChunkIndex: 1}}
	k := []models.ChunkResult{{ChunkID: "y", ChunkIndex: 1}, {ChunkID: "x", ChunkIndex: 4}}
	got := Fuse(v, k)
	require.Len(t, got, 2)
	require.Equal(t, "x", got[0].ChunkID)

	got = Fuse([]models.ChunkResult{{ChunkID: "p", ChunkIndex: 9}}, []models.ChunkResult{{ChunkID: "q", ChunkIndex: 3}})
	require.Equal(t, "p", got[0].ChunkID, "vector weight outranks keyword weight at equal rank")
	require.Empty(t, Fuse(nil, nil))
}

func TestFuseAppliesCitationBoost(t *testing.T) {
	got := Fuse([]models.ChunkResult{{ChunkID: "a"}, {ChunkID: "b", CitationCount: 500}}, nil)
	require.Equal(t, "b", got[0].ChunkID)
	require.InDelta(t, 0.7/62*1.1, got[0].Score, 1e-12)
	require.InDelta(t, 0.7/61, got[1].Score, 1e-12)
}

func TestChunkBudget(t *testing.T) {
	require.Equal(t, 3, ChunkBudget(0))
	require.Equal(t, 3, ChunkBudget(100))
	require.Equal(t, 4, ChunkBudget(600))
	require.Equal(t, 5, ChunkBudget(601))
	require.Equal(t, 12, ChunkBudget(10_000))
}

func TestDiscoverLibraryOnlySkipsExternal(t *testing.T) {
	papers := newMemPapers(models.Paper{PaperID: "p1", Title: "Sparse Attention", HasContent: true})
	lit := &fakeLit{hits: []literature.PaperMetadata{{Title: "Other"}}}
	s := newService(papers, lit, &fakeChunks{}, nil)

	got, err := s.Discover(context.Background(), DiscoverRequest{Topic: "attention", OwnerID: "u1", UseLibraryOnly: true})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "p1", got[0].PaperID)
	require.Zero(t, lit.calls)
}

func TestDiscoverDedupesAndCaps(t *testing.T) {
	papers := newMemPapers(models.Paper{PaperID: "p1", DOI: "10.1/abc", Title: "Sparse Attention"})
	lit := &fakeLit{hits: []literature.PaperMetadata{
		{Source: "openalex", DOI: "https://doi.org/10.1/ABC", Title: "Different title same doi"},
		{Source: "openalex", Title: "Sparse  attention!"},
		{Source: "crossref", Title: "Linear Transformers", Year: 2020, CitationCount: 12},
		{Source: "openalex", Title: "linear transformers"},
		{Source: "crossref", Title: "Performer"},
		{Source: "crossref", Title: "Reformer"},
	}}
	s := newService(papers, lit, &fakeChunks{}, nil)

	got, err := s.Discover(context.Background(), DiscoverRequest{Topic: "attention", IncludeLibrary: true, MaxResults: 2})
	require.NoError(t, err)
	titles := make([]string, 0, len(got))
	for _, p := range got {
		titles = append(titles, p.Title)
	}
	require.Equal(t, []string{"Sparse Attention", "Linear Transformers", "Performer"}, titles)
	require.Equal(t, 2020, got[1].YearOrZero())
}

func TestDiscoverExternalFailure(t *testing.T) {
	lit := &fakeLit{err: errors.New("all literature sources failed")}
	s := newService(newMemPapers(), lit, &fakeChunks{}, nil)
	_, err := s.Discover(context.Background(), DiscoverRequest{Topic: "x"})
	require.Error(t, err)

	withLib := newService(newMemPapers(models.Paper{PaperID: "p1", Title: "A"}), lit, &fakeChunks{}, nil)
	got, err := withLib.Discover(context.Background(), DiscoverRequest{Topic: "x", IncludeLibrary: true})
	require.NoError(t, err)
	require.Len(t, got, 1)
}

type fakeIngestor struct {
	mu     sync.Mutex
	papers *memPapers
	n      int
	jobs   map[string]models.ProcessingJob
	fail   map[string]bool
}

func (f *fakeIngestor) AddJob(_ context.Context, req queue.JobRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	id := fmt.Sprintf("job-%d", f.n)
	f.jobs[id] = models.ProcessingJob{JobID: id, PaperID: req.PaperID, Status: models.JobPending}
	return id, nil
}

// GetJobStatus finishes the job on first poll, then forgets it like the queue does.
func (f *fakeIngestor) GetJobStatus(jobID string) (models.ProcessingJob, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[jobID]
	if j.Status != models.JobPending {
		return models.ProcessingJob{}, false
	}
	if f.fail[j.PaperID] {
		j.Status = models.JobPoisoned
	} else {
		j.Status = models.JobCompleted
		p, _ := f.papers.ListPapersByIDs(context.Background(), []string{j.PaperID})
		p[0].HasContent = true
		_, _ = f.papers.UpsertPaper(context.Background(), p[0])
	}
	f.jobs[jobID] = j
	return j, true
}

func (f *fakeIngestor) JobHistory(_ context.Context, jobID string) (models.ProcessingJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[jobID], nil
}

func TestEnsureIngestedWaitsForJobs(t *testing.T) {
	papers := newMemPapers(
		models.Paper{PaperID: "ready", Title: "A", HasContent: true},
		models.Paper{PaperID: "todo", Title: "B", PDFURL: "https://x/b.pdf"},
		models.Paper{PaperID: "bad", Title: "C", PDFURL: "https://x/c.pdf"},
		models.Paper{PaperID: "nopdf", Title: "D"},
	)
	ing := &fakeIngestor{papers: papers, jobs: map[string]models.ProcessingJob{}, fail: map[string]bool{"bad": true}}
	s := newService(papers, nil, &fakeChunks{}, ing)

	in, _ := papers.ListLibraryPapers(context.Background(), "u1")
	got, err := s.EnsureIngested(context.Background(), "u1", in)
	require.NoError(t, err)
	require.Len(t, got, 4)
	require.Equal(t, 2, ing.n)
	has := map[string]bool{}
	for _, p := range got {
		has[p.PaperID] = p.HasContent
	}
	require.Equal(t, map[string]bool{"ready": true, "todo": true, "bad": false, "nopdf": false}, has)
}

func TestBuildSectionContextsRestrictsToCandidates(t *testing.T) {
	chunks := &fakeChunks{
		vector: []models.ChunkResult{
			{ChunkID: "c1", PaperID: "p1", ChunkIndex: 0},
			{ChunkID: "stray", PaperID: "p9", ChunkIndex: 0},
			{ChunkID: "c2", PaperID: "p1", ChunkIndex: 1},
		},
		keyword: []models.ChunkResult{{ChunkID: "c2", PaperID: "p1", ChunkIndex: 1}},
	}
	papers := []models.Paper{
		{PaperID: "p1", Title: "One"},
		{PaperID: "p2", Title: "Two", Abstract: "An abstract about attention."},
	}
	s := newService(newMemPapers(papers...), nil, chunks, nil)
	outline := models.Outline{Sections: []models.OutlineSection{
		{Key: "intro", Title: "Introduction", CandidatePaperIDs: []string{"p1", "p2", "p1"}, ExpectedWords: 300},
		{Key: "empty", Title: "Nothing"},
	}}

	got, err := s.BuildSectionContexts(context.Background(), "attention", outline, papers)
	require.NoError(t, err)
	require.Len(t, got, 2)
	ids := []string{}
	for _, c := range got[0].Chunks {
		ids = append(ids, c.ChunkID)
	}
	require.Equal(t, []string{"c2", "c1", "abstract:p2"}, ids)
	require.Equal(t, []string{"p1", "p2"}, chunks.filters[0].PaperIDs)
	require.Empty(t, got[1].Chunks)
}

func TestBuildSectionContextsKeywordOnlyWhenEmbeddingFails(t *testing.T) {
	chunks := &fakeChunks{
		vector:  []models.ChunkResult{{ChunkID: "v", PaperID: "p1"}},
		keyword: []models.ChunkResult{{ChunkID: "k", PaperID: "p1"}},
	}
	s := New(logger.Nop(), newMemPapers(), nil, chunks, failingEmbedder{}, nil, Options{})
	got, err := s.BuildSectionContexts(context.Background(), "t", models.Outline{Sections: []models.OutlineSection{
		{Key: "a", Title: "A", CandidatePaperIDs: []string{"p1"}},
	}}, nil)
	require.NoError(t, err)
	require.Len(t, got[0].Chunks, 1)
	require.Equal(t, "k", got[0].Chunks[0].ChunkID)
}
