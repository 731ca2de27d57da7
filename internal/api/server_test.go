package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genpaper/internal/activities"
	"genpaper/internal/citations"
	"genpaper/internal/logger"
	"genpaper/internal/models"
	"genpaper/internal/pipeline"
	"genpaper/internal/queue"
	"genpaper/internal/realtime"
	"genpaper/internal/util"
	"genpaper/internal/workflows"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeProjects struct {
	mu       sync.Mutex
	projects map[string]models.Project
}

func (f *fakeProjects) CreateProject(_ context.Context, p models.Project) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.projects[p.ProjectID] = p
	return nil
}

func (f *fakeProjects) GetProject(_ context.Context, id string) (models.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[id]
	if !ok {
		return models.Project{}, fmt.Errorf("get project: %w", util.ErrNotFound)
	}
	return p, nil
}

type fakePapers struct {
	upserted []models.Paper
	library  map[string][]string
}

func (f *fakePapers) UpsertPaper(_ context.Context, p models.Paper) (models.Paper, error) {
	p.PaperID = "paper-new"
	f.upserted = append(f.upserted, p)
	return p, nil
}

func (f *fakePapers) AddToLibrary(_ context.Context, ownerID, paperID string) error {
	f.library[ownerID] = append(f.library[ownerID], paperID)
	return nil
}

func (f *fakePapers) ListLibraryPapers(_ context.Context, ownerID string) ([]models.Paper, error) {
	var out []models.Paper
	for _, id := range f.library[ownerID] {
		out = append(out, models.Paper{PaperID: id})
	}
	return out, nil
}

type fakeJobs struct{}

func (fakeJobs) GetJob(_ context.Context, id string) (models.ProcessingJob, error) {
	if id == "job-1" {
		return models.ProcessingJob{JobID: "job-1", Status: models.JobCompleted}, nil
	}
	return models.ProcessingJob{}, fmt.Errorf("get job: %w", util.ErrNotFound)
}

type fakeQuotas struct{}

func (fakeQuotas) GetQuota(_ context.Context, owner string) (models.UserQuota, error) {
	return models.UserQuota{OwnerID: owner, DailyPDFLimit: 50, DailyPDFUsed: 3}, nil
}

type fakeCitations struct{}

func (fakeCitations) List(_ context.Context, projectID string) ([]models.Citation, error) {
	return []models.Citation{{
		ProjectID:      projectID,
		PaperID:        "p1",
		CiteKey:        "vaswani2017",
		FirstSeenOrder: 1,
		CSL: models.CSL{
			Title:  "Attention Is All You Need",
			Author: []models.CSLName{{Family: "Vaswani", Given: "Ashish"}},
			Issued: &models.CSLDate{DateParts: [][]int{{2017}}},
		},
	}}, nil
}

type fakeWorkflows struct {
	mu          sync.Mutex
	started     []pipeline.Request
	startErr    error
	progressErr error
	progress    workflows.GenerationProgress
	cancelErr   error
	ingests     []queue.JobRequest
	ingest      workflows.IngestJobStatus
}

func (f *fakeWorkflows) StartGeneration(_ context.Context, req pipeline.Request) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", "", f.startErr
	}
	f.started = append(f.started, req)
	return GenerationWorkflowID(req.ProjectID), "run-1", nil
}

func (f *fakeWorkflows) GenerationProgress(context.Context, string) (workflows.GenerationProgress, error) {
	return f.progress, f.progressErr
}

func (f *fakeWorkflows) CancelGeneration(context.Context, string) error {
	return f.cancelErr
}

func (f *fakeWorkflows) StartIngest(_ context.Context, req queue.JobRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ingests = append(f.ingests, req)
	return "ingest-1", nil
}

func (f *fakeWorkflows) IngestStatus(context.Context, string) (workflows.IngestJobStatus, error) {
	return f.ingest, nil
}

type harness struct {
	srv      *Server
	router   *gin.Engine
	projects *fakeProjects
	papers   *fakePapers
	wf       *fakeWorkflows
	bus      *realtime.LocalBus
}

func newHarness() *harness {
	h := &harness{
		projects: &fakeProjects{projects: map[string]models.Project{}},
		papers:   &fakePapers{library: map[string][]string{}},
		wf:       &fakeWorkflows{},
		bus:      realtime.NewLocalBus(),
	}
	h.srv = NewServer(logger.Nop(), Deps{
		Projects:  h.projects,
		Papers:    h.papers,
		Jobs:      fakeJobs{},
		Quotas:    fakeQuotas{},
		Citations: fakeCitations{},
		Workflows: h.wf,
		Bus:       h.bus,
	}, Options{IngestAck: 200 * time.Millisecond, AckPoll: 10 * time.Millisecond, MaxResults: 20})
	h.router = h.srv.Routes()
	return h
}

func (h *harness) do(method, path string, body any) *httptest.ResponseRecorder {
	var r io.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func decodeErr(t *testing.T, w *httptest.ResponseRecorder) apiError {
	t.Helper()
	var env struct {
		Error apiError `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env.Error
}

func TestCreateProject(t *testing.T) {
	h := newHarness()

	w := h.do(http.MethodPost, "/v1/projects", map[string]string{"owner_id": "u1"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, apiError{Code: "GP-API-4001", Message: "Both owner and topic are required."}, decodeErr(t, w))

	w = h.do(http.MethodPost, "/v1/projects", map[string]string{"owner_id": "u1", "topic": "transformers"})
	require.Equal(t, http.StatusCreated, w.Code)
	var p models.Project
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	assert.NotEmpty(t, p.ProjectID)
	assert.Equal(t, "transformers", p.Title)
	assert.Equal(t, models.ProjectDraft, p.Status)

	w = h.do(http.MethodGet, "/v1/projects/"+p.ProjectID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = h.do(http.MethodGet, "/v1/projects/missing", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "GP-API-4004", decodeErr(t, w).Code)
}

func TestGenerateBuildsRequestFromProject(t *testing.T) {
	h := newHarness()
	h.projects.projects["p1"] = models.Project{ProjectID: "p1", OwnerID: "u1", Title: "Review", Topic: "attention", Status: models.ProjectDraft}

	w := h.do(http.MethodPost, "/v1/projects/p1/generate", map[string]any{"style": "ieee", "use_library_only": true})
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, h.wf.started, 1)
	req := h.wf.started[0]
	assert.Equal(t, "attention", req.Topic)
	assert.Equal(t, "u1", req.OwnerID)
	assert.Equal(t, string(citations.StyleNumeric), req.Style)
	assert.True(t, req.IncludeLibrary)
	assert.Equal(t, 20, req.MaxResults)
	assert.Contains(t, w.Body.String(), `"workflow_id":"generate-p1"`)
}

func TestGenerateWithoutBodyUsesDefaults(t *testing.T) {
	h := newHarness()
	h.projects.projects["p1"] = models.Project{ProjectID: "p1", OwnerID: "u1", Topic: "attention", Status: models.ProjectFailed}

	req := httptest.NewRequest(http.MethodPost, "/v1/projects/p1/generate", nil)
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, h.wf.started, 1)
	assert.Equal(t, string(citations.StyleAuthorYear), h.wf.started[0].Style)
}

func TestGenerateRejections(t *testing.T) {
	h := newHarness()
	h.projects.projects["p1"] = models.Project{ProjectID: "p1", OwnerID: "u1", Topic: "attention", Status: models.ProjectDraft}

	w := h.do(http.MethodPost, "/v1/projects/p1/generate", map[string]any{"style": "chicago"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Citation style must be author-year or numeric.", decodeErr(t, w).Message)

	w = h.do(http.MethodPost, "/v1/projects/nope/generate", map[string]any{})
	require.Equal(t, http.StatusNotFound, w.Code)

	h.wf.startErr = fmt.Errorf("start generation: %w", ErrGenerationRunning)
	w = h.do(http.MethodPost, "/v1/projects/p1/generate", map[string]any{})
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "GP-API-4009", decodeErr(t, w).Code)
}

func TestProgressFallsBackToStoredProject(t *testing.T) {
	h := newHarness()
	h.projects.projects["p1"] = models.Project{
		ProjectID:     "p1",
		Status:        models.ProjectFailed,
		Stage:         string(pipeline.StageSearch),
		ErrorCategory: string(pipeline.CategoryNoPapers),
		ErrorMessage:  "No papers were found for this topic.",
	}

	h.wf.progress = workflows.GenerationProgress{ProjectID: "p1", Stage: pipeline.StageOutline, Percent: 20}
	w := h.do(http.MethodGet, "/v1/projects/p1/progress", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var live workflows.GenerationProgress
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &live))
	assert.Equal(t, pipeline.StageOutline, live.Stage)

	h.wf.progressErr = fmt.Errorf("query progress: %w", util.ErrNotFound)
	w = h.do(http.MethodGet, "/v1/projects/p1/progress", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stored workflows.GenerationProgress
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stored))
	assert.Equal(t, pipeline.StageFailed, stored.Stage)
	assert.Equal(t, pipeline.CategoryNoPapers, stored.Category)
}

func TestCancel(t *testing.T) {
	h := newHarness()
	w := h.do(http.MethodPost, "/v1/projects/p1/cancel", nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	h.wf.cancelErr = fmt.Errorf("cancel generation: %w", util.ErrNotFound)
	w = h.do(http.MethodPost, "/v1/projects/p1/cancel", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestCitationsBibliography(t *testing.T) {
	h := newHarness()
	w := h.do(http.MethodGet, "/v1/projects/p1/citations?style=numeric", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var out struct {
		Style        citations.Style `json:"style"`
		Bibliography []string        `json:"bibliography"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, citations.StyleNumeric, out.Style)
	require.Len(t, out.Bibliography, 1)
	assert.True(t, strings.HasPrefix(out.Bibliography[0], "[1] A. Vaswani"), out.Bibliography[0])

	w = h.do(http.MethodGet, "/v1/projects/p1/citations?style=mla", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIngestRegistersPaperAndWaitsForAcceptance(t *testing.T) {
	h := newHarness()
	h.wf.ingest = workflows.IngestJobStatus{JobID: "job-9", PaperID: "paper-new", Status: models.JobPending}

	w := h.do(http.MethodPost, "/v1/papers/ingest", map[string]any{"owner_id": "u1", "source_url": "https://example.org/deep_learning.pdf"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	require.Len(t, h.papers.upserted, 1)
	assert.Equal(t, "deep learning", h.papers.upserted[0].Title)
	assert.Equal(t, []string{"paper-new"}, h.papers.library["u1"])

	require.Len(t, h.wf.ingests, 1)
	assert.Equal(t, models.PriorityNormal, h.wf.ingests[0].Priority)
	assert.Equal(t, "paper-new", h.wf.ingests[0].PaperID)
	assert.Contains(t, w.Body.String(), `"job_id":"job-9"`)
}

func TestIngestRejections(t *testing.T) {
	h := newHarness()

	w := h.do(http.MethodPost, "/v1/papers/ingest", map[string]any{"owner_id": "u1"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "A source URL is required.", decodeErr(t, w).Message)

	w = h.do(http.MethodPost, "/v1/papers/ingest", map[string]any{"owner_id": "u1", "source_url": "https://x/a.pdf", "priority": "urgent"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	for _, src := range []string{"file:///etc/passwd", "ftp://x/a.pdf", "/etc/passwd"} {
		w = h.do(http.MethodPost, "/v1/papers/ingest", map[string]any{"owner_id": "u1", "source_url": src})
		require.Equal(t, http.StatusBadRequest, w.Code, src)
		assert.Equal(t, "Source URL must be an http or https address.", decodeErr(t, w).Message)
	}
	assert.Empty(t, h.wf.ingests)
	assert.Empty(t, h.papers.upserted)

	h.wf.ingest = workflows.IngestJobStatus{Status: models.JobFailed, ErrorType: activities.ErrTypeQuotaExceeded, LastError: "daily PDF quota exceeded"}
	w = h.do(http.MethodPost, "/v1/papers/ingest", map[string]any{"owner_id": "u1", "paper_id": "p1", "source_url": "https://x/a.pdf"})
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "GP-API-4029", decodeErr(t, w).Code)

	h.wf.ingest = workflows.IngestJobStatus{Status: models.JobFailed, ErrorType: activities.ErrTypeFastTrackTooLarge}
	w = h.do(http.MethodPost, "/v1/papers/ingest", map[string]any{"owner_id": "u1", "paper_id": "p1", "source_url": "https://x/a.pdf", "fast_track": true})
	require.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestFastTrackIngestReturnsTerminalStatus(t *testing.T) {
	h := newHarness()
	h.wf.ingest = workflows.IngestJobStatus{JobID: "fast-1", PaperID: "p1", Status: models.JobCompleted, Attempts: 1}

	w := h.do(http.MethodPost, "/v1/papers/ingest", map[string]any{"owner_id": "u1", "paper_id": "p1", "source_url": "https://x/a.pdf", "fast_track": true})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"completed"`)
	assert.Empty(t, h.papers.upserted)
}

func TestJobsQuotaAndLibrary(t *testing.T) {
	h := newHarness()
	h.papers.library["u1"] = []string{"p1", "p2"}

	w := h.do(http.MethodGet, "/v1/jobs/job-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = h.do(http.MethodGet, "/v1/jobs/job-2", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(http.MethodGet, "/v1/owners/u1/quota", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"daily_pdf_used":3`)

	w = h.do(http.MethodGet, "/v1/owners/u1/papers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"paper_id":"p2"`)
}

func TestEventsStreamEndsOnTerminalStatus(t *testing.T) {
	h := newHarness()
	ts := httptest.NewServer(h.router)
	defer ts.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tick := time.NewTicker(10 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				_ = h.bus.Publish(context.Background(), realtime.StatusEvent{JobID: "other", OwnerID: "u1", Status: models.JobProcessing})
				_ = h.bus.Publish(context.Background(), realtime.StatusEvent{JobID: "job-1", OwnerID: "u1", Status: models.JobCompleted})
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/events?owner_id=u1&job_id=job-1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Contains(t, string(body), "event:status")
	assert.Contains(t, string(body), `"job_id":"job-1"`)
	assert.NotContains(t, string(body), `"job_id":"other"`)
}

func TestToAPIError(t *testing.T) {
	assert.Equal(t, "GP-DB-5001", toAPIError(http.StatusInternalServerError, errors.New(`relation "projects" does not exist`)).Code)
	assert.Equal(t, "GP-DB-5002", toAPIError(http.StatusInternalServerError, errors.New("dial tcp 127.0.0.1:5432: connection refused")).Code)
	assert.Equal(t, "GP-API-5000", toAPIError(http.StatusInternalServerError, errors.New("boom")).Code)
	assert.Equal(t, "Malformed JSON request body.", toAPIError(http.StatusBadRequest, errors.New("invalid json: EOF")).Message)
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		fmt.Errorf("x: %w", util.ErrNotFound):          http.StatusNotFound,
		fmt.Errorf("x: %w", util.ErrQuotaExceeded):     http.StatusTooManyRequests,
		fmt.Errorf("x: %w", util.ErrFastTrackTooLarge): http.StatusRequestEntityTooLarge,
		fmt.Errorf("x: %w", ErrGenerationRunning):      http.StatusConflict,
		errors.New("other"):                            http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusFor(err), err.Error())
	}
}
