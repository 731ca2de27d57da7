package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genpaper/internal/logger"
	"genpaper/internal/models"
	"genpaper/internal/realtime"
	"genpaper/internal/util"
)

type memStore struct {
	mu       sync.Mutex
	jobs     map[string]models.ProcessingJob
	failures []failure
	saveErr  error
}

type failure struct {
	url, jobID string
	at         time.Time
}

func newMemStore() *memStore {
	return &memStore{jobs: map[string]models.ProcessingJob{}}
}

func (s *memStore) SaveJob(_ context.Context, j models.ProcessingJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.jobs[j.JobID] = j
	return nil
}

func (s *memStore) GetJob(_ context.Context, id string) (models.ProcessingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return models.ProcessingJob{}, util.ErrNotFound
	}
	return j, nil
}

func (s *memStore) ListRecoverable(context.Context) ([]models.ProcessingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ProcessingJob
	for _, j := range s.jobs {
		if j.Status == models.JobPending || j.Status == models.JobProcessing {
			out = append(out, j)
		}
	}
	return out, nil
}

func (s *memStore) RecordSourceFailure(_ context.Context, url, jobID, _ string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, failure{url: url, jobID: jobID, at: at})
	return nil
}

func (s *memStore) CountSourceFailures(_ context.Context, url string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]bool{}
	for _, f := range s.failures {
		if f.url == url && !f.at.Before(since) {
			seen[f.jobID] = true
		}
	}
	return len(seen), nil
}

func (s *memStore) get(id string) models.ProcessingJob {
	j, _ := s.GetJob(context.Background(), id)
	return j
}

type memQuota struct {
	mu        sync.Mutex
	remaining int
	ocr       bool
	completed int
	released  int
}

func (q *memQuota) ReserveDailyPDF(context.Context, string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.remaining <= 0 {
		return util.ErrQuotaExceeded
	}
	q.remaining--
	return nil
}

func (q *memQuota) ReleaseDailyPDF(context.Context, string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.remaining++
	q.released++
	return nil
}

func (q *memQuota) left() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.remaining
}

func (q *memQuota) OCRAvailable(context.Context, string) (bool, error) { return q.ocr, nil }

func (q *memQuota) RecordCompletion(context.Context, string, bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed++
	return nil
}

type procFunc func(ctx context.Context, job models.ProcessingJob, opts ProcessOptions) (*models.ExtractionResult, error)

func (f procFunc) Process(ctx context.Context, job models.ProcessingJob, opts ProcessOptions) (*models.ExtractionResult, error) {
	return f(ctx, job, opts)
}

type fixedSizer int64

func (s fixedSizer) Size(context.Context, string) (int64, error) { return int64(s), nil }

func ok(context.Context, models.ProcessingJob, ProcessOptions) (*models.ExtractionResult, error) {
	return &models.ExtractionResult{Method: models.MethodTextLayer, Confidence: models.ConfidenceHigh}, nil
}

func newTestQueue(t *testing.T, opts Options, store *memStore, quota *memQuota, proc Processor) *Queue {
	t.Helper()
	if opts.RetryUnit == 0 {
		opts.RetryUnit = time.Millisecond
	}
	q := New(logger.Nop(), opts, Deps{Store: store, Quota: quota, Processor: proc, Bus: realtime.NewLocalBus()})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = q.Stop(ctx)
	})
	return q
}

func req(paper string, p models.JobPriority) JobRequest {
	return JobRequest{PaperID: paper, SourceURL: "https://example.org/" + paper + ".pdf", OwnerID: "u1", Priority: p}
}

func waitStatus(t *testing.T, store *memStore, id string, want models.JobStatus) models.ProcessingJob {
	t.Helper()
	require.Eventually(t, func() bool { return store.get(id).Status == want }, 3*time.Second, 5*time.Millisecond)
	return store.get(id)
}

func TestBackoffCurve(t *testing.T) {
	require.Equal(t, time.Second, Backoff(0))
	require.Equal(t, 2*time.Second, Backoff(1))
	require.Equal(t, 16*time.Second, Backoff(4))
	require.Equal(t, 30*time.Second, Backoff(5))
	require.Equal(t, 30*time.Second, Backoff(40))
}

func TestPriorityOrdering(t *testing.T) {
	store := newMemStore()
	release := make(chan struct{})
	var mu sync.Mutex
	var order []string
	proc := procFunc(func(ctx context.Context, job models.ProcessingJob, opts ProcessOptions) (*models.ExtractionResult, error) {
		mu.Lock()
		order = append(order, job.PaperID)
		mu.Unlock()
		if job.PaperID == "blocker" {
			<-release
		}
		return ok(ctx, job, opts)
	})
	q := newTestQueue(t, Options{MaxConcurrent: 1}, store, &memQuota{remaining: 10}, proc)

	ctx := context.Background()
	blocker, err := q.AddJob(ctx, req("blocker", models.PriorityNormal))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 1
	}, time.Second, 5*time.Millisecond)

	ids := map[string]string{}
	for _, r := range []JobRequest{req("low", models.PriorityLow), req("high", models.PriorityHigh), req("normal", models.PriorityNormal)} {
		id, err := q.AddJob(ctx, r)
		require.NoError(t, err)
		ids[r.PaperID] = id
		st, found := q.GetJobStatus(id)
		require.True(t, found)
		require.Equal(t, models.JobPending, st.Status)
	}
	close(release)

	waitStatus(t, store, blocker, models.JobCompleted)
	for _, id := range ids {
		waitStatus(t, store, id, models.JobCompleted)
	}
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"blocker", "high", "normal", "low"}, order)
}

func TestAddJobQuotaExceeded(t *testing.T) {
	store := newMemStore()
	q := newTestQueue(t, Options{}, store, &memQuota{}, procFunc(ok))
	_, err := q.AddJob(context.Background(), req("p", models.PriorityNormal))
	require.ErrorIs(t, err, util.ErrQuotaExceeded)
	require.Empty(t, store.jobs)
}

func TestAddJobReleasesSlotWhenSaveFails(t *testing.T) {
	store := newMemStore()
	store.saveErr = errors.New("connection refused")
	quota := &memQuota{remaining: 1}
	q := newTestQueue(t, Options{}, store, quota, procFunc(ok))

	_, err := q.AddJob(context.Background(), req("p", models.PriorityNormal))
	require.Error(t, err)
	require.Equal(t, 1, quota.left())
	require.Equal(t, 1, quota.released)
	pending, processing := q.Depth()
	require.Zero(t, pending+processing)
}

func TestAddJobSameRequestReservesOnce(t *testing.T) {
	store := newMemStore()
	quota := &memQuota{remaining: 5}
	q := newTestQueue(t, Options{}, store, quota, procFunc(ok))

	r := req("p", models.PriorityNormal)
	r.RequestID = "ingest-42"
	first, err := q.AddJob(context.Background(), r)
	require.NoError(t, err)
	waitStatus(t, store, first, models.JobCompleted)

	again, err := q.AddJob(context.Background(), r)
	require.NoError(t, err)
	require.Equal(t, first, again)
	require.Equal(t, 4, quota.left())

	other := req("p", models.PriorityNormal)
	other.RequestID = "ingest-43"
	id, err := q.AddJob(context.Background(), other)
	require.NoError(t, err)
	require.NotEqual(t, first, id)
	require.Equal(t, 3, quota.left())
}

func TestAddJobWhileSchedulerRuns(t *testing.T) {
	store := newMemStore()
	proc := procFunc(func(context.Context, models.ProcessingJob, ProcessOptions) (*models.ExtractionResult, error) {
		return nil, util.ErrExtractionFailure
	})
	q := newTestQueue(t, Options{MaxAttempts: 2, MaxConcurrent: 4, PoisonThreshold: 100}, store, &memQuota{remaining: 100}, proc)

	stop := make(chan struct{})
	ids := make(chan string, 20)
	var readers sync.WaitGroup
	for i := 0; i < 4; i++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				case id := <-ids:
					_, _ = q.GetJobStatus(id)
					ids <- id
				default:
					q.Depth()
				}
			}
		}()
	}

	var adders sync.WaitGroup
	var mu sync.Mutex
	var added []string
	for i := 0; i < 20; i++ {
		adders.Add(1)
		go func() {
			defer adders.Done()
			id, err := q.AddJob(context.Background(), req(string(rune('a'+i)), models.PriorityNormal))
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			added = append(added, id)
			mu.Unlock()
			select {
			case ids <- id:
			default:
			}
		}()
	}
	adders.Wait()
	for _, id := range added {
		j := waitStatus(t, store, id, models.JobFailed)
		require.Equal(t, 2, j.Attempts)
	}
	close(stop)
	readers.Wait()
}

func TestRetryThenSucceed(t *testing.T) {
	store := newMemStore()
	var mu sync.Mutex
	calls := 0
	proc := procFunc(func(ctx context.Context, job models.ProcessingJob, opts ProcessOptions) (*models.ExtractionResult, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return nil, errors.New("connection reset")
		}
		return ok(ctx, job, opts)
	})
	quota := &memQuota{remaining: 1}
	q := newTestQueue(t, Options{}, store, quota, proc)

	id, err := q.AddJob(context.Background(), req("p", models.PriorityNormal))
	require.NoError(t, err)
	j := waitStatus(t, store, id, models.JobCompleted)
	require.Equal(t, 2, j.Attempts)
	require.Empty(t, j.LastError)
	require.NotNil(t, j.Result)
	require.Equal(t, 1, quota.completed)

	_, found := q.GetJobStatus(id)
	require.False(t, found, "terminal jobs are evicted")
	hist, err := q.JobHistory(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, models.JobCompleted, hist.Status)
}

func TestExhaustedAttemptsFail(t *testing.T) {
	store := newMemStore()
	proc := procFunc(func(context.Context, models.ProcessingJob, ProcessOptions) (*models.ExtractionResult, error) {
		return nil, util.ErrExtractionFailure
	})
	q := newTestQueue(t, Options{MaxAttempts: 2}, store, &memQuota{remaining: 1}, proc)

	id, err := q.AddJob(context.Background(), req("p", models.PriorityNormal))
	require.NoError(t, err)
	j := waitStatus(t, store, id, models.JobFailed)
	require.Equal(t, 2, j.Attempts)
	require.Contains(t, j.LastError, "extraction failed")
}

func TestPoisonPill(t *testing.T) {
	store := newMemStore()
	r := req("p", models.PriorityNormal)
	for i := 0; i < 4; i++ {
		store.failures = append(store.failures, failure{url: r.SourceURL, jobID: string(rune('a' + i)), at: time.Now()})
	}
	// A failure outside the window does not count.
	store.failures = append(store.failures, failure{url: r.SourceURL, jobID: "old", at: time.Now().Add(-48 * time.Hour)})

	proc := procFunc(func(context.Context, models.ProcessingJob, ProcessOptions) (*models.ExtractionResult, error) {
		return nil, errors.New("corrupt pdf")
	})
	q := newTestQueue(t, Options{MaxAttempts: 3}, store, &memQuota{remaining: 1}, proc)

	id, err := q.AddJob(context.Background(), r)
	require.NoError(t, err)
	j := waitStatus(t, store, id, models.JobPoisoned)
	require.Equal(t, 1, j.Attempts)
}

func TestAdaptiveTimeout(t *testing.T) {
	store := newMemStore()
	proc := procFunc(func(ctx context.Context, job models.ProcessingJob, opts ProcessOptions) (*models.ExtractionResult, error) {
		select {
		case <-time.After(80 * time.Millisecond):
			return ok(ctx, job, opts)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	opts := Options{MaxAttempts: 1, DefaultTimeout: 20 * time.Millisecond, ExtendedTimeout: time.Second, LargeFileBytes: 100}
	q := newTestQueue(t, opts, store, &memQuota{remaining: 2}, proc)

	small, err := q.AddJob(context.Background(), req("small", models.PriorityNormal))
	require.NoError(t, err)
	j := waitStatus(t, store, small, models.JobFailed)
	require.Contains(t, j.LastError, util.ErrJobTimeout.Error())

	large := req("large", models.PriorityNormal)
	large.SizeBytes = 1000
	id, err := q.AddJob(context.Background(), large)
	require.NoError(t, err)
	waitStatus(t, store, id, models.JobCompleted)
}

func TestFastTrack(t *testing.T) {
	store := newMemStore()
	quota := &memQuota{}
	q := New(logger.Nop(), Options{FastTrackMaxBytes: 100}, Deps{Store: store, Quota: quota, Processor: procFunc(ok), Sizer: fixedSizer(50)})

	job, err := q.FastTrackJob(context.Background(), req("p", models.PriorityHigh))
	require.NoError(t, err, "fast track bypasses the daily quota")
	require.Equal(t, models.JobCompleted, job.Status)
	require.Equal(t, models.JobCompleted, store.get(job.JobID).Status)
	_, found := q.GetJobStatus(job.JobID)
	require.False(t, found)

	big := New(logger.Nop(), Options{FastTrackMaxBytes: 100}, Deps{Store: store, Quota: quota, Processor: procFunc(ok), Sizer: fixedSizer(500)})
	r := req("big", models.PriorityNormal)
	r.FastTrack = true
	_, err = big.AddJob(context.Background(), r)
	require.ErrorIs(t, err, util.ErrFastTrackTooLarge)

	failing := New(logger.Nop(), Options{}, Deps{Store: store, Quota: quota, Sizer: fixedSizer(10),
		Processor: procFunc(func(context.Context, models.ProcessingJob, ProcessOptions) (*models.ExtractionResult, error) {
			return nil, util.ErrNoExtractableText
		})})
	job, err = failing.FastTrackJob(context.Background(), req("bad", models.PriorityNormal))
	require.ErrorIs(t, err, util.ErrFastTrackFailed)
	require.ErrorIs(t, err, util.ErrNoExtractableText)
	require.Equal(t, models.JobFailed, store.get(job.JobID).Status)
}

func TestRecoveryRequeuesInterruptedJobs(t *testing.T) {
	store := newMemStore()
	started := time.Now().Add(-time.Minute)
	store.jobs["j1"] = models.ProcessingJob{
		JobID: "j1", PaperID: "p", SourceURL: "https://example.org/p.pdf", OwnerID: "u1",
		Priority: models.PriorityNormal, Status: models.JobProcessing, Attempts: 1, MaxAttempts: 3,
		CreatedAt: started, StartedAt: &started,
	}
	store.jobs["done"] = models.ProcessingJob{JobID: "done", Status: models.JobCompleted}

	q := newTestQueue(t, Options{}, store, &memQuota{}, procFunc(ok))
	require.NoError(t, q.Start(context.Background()))

	j := waitStatus(t, store, "j1", models.JobCompleted)
	require.Equal(t, 2, j.Attempts)
	require.Equal(t, models.JobCompleted, store.get("done").Status)
}

func TestRecoveryFailsInterruptedFastTrack(t *testing.T) {
	store := newMemStore()
	started := time.Now().Add(-time.Minute)
	store.jobs["fast"] = models.ProcessingJob{
		JobID: "fast", PaperID: "p", SourceURL: "https://example.org/p.pdf", OwnerID: "u1",
		Priority: models.PriorityNormal, Status: models.JobProcessing, Attempts: 1, MaxAttempts: 3,
		FastTrack: true, CreatedAt: started, StartedAt: &started,
	}
	var calls atomic.Int32
	proc := procFunc(func(ctx context.Context, job models.ProcessingJob, opts ProcessOptions) (*models.ExtractionResult, error) {
		calls.Add(1)
		return ok(ctx, job, opts)
	})
	q := newTestQueue(t, Options{}, store, &memQuota{}, proc)
	require.NoError(t, q.Start(context.Background()))

	j := store.get("fast")
	require.Equal(t, models.JobFailed, j.Status)
	require.NotNil(t, j.CompletedAt)
	require.Contains(t, j.LastError, "interrupted")
	_, found := q.GetJobStatus("fast")
	require.False(t, found)
	require.Zero(t, calls.Load())
}

func TestTimedOutAttemptHoldsSlotUntilProcessorReturns(t *testing.T) {
	store := newMemStore()
	var inflight, peak atomic.Int32
	proc := procFunc(func(context.Context, models.ProcessingJob, ProcessOptions) (*models.ExtractionResult, error) {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(60 * time.Millisecond)
		inflight.Add(-1)
		return nil, errors.New("slow source")
	})
	opts := Options{MaxAttempts: 3, MaxConcurrent: 1, DefaultTimeout: 10 * time.Millisecond, PoisonThreshold: 100}
	q := newTestQueue(t, opts, store, &memQuota{remaining: 1}, proc)

	id, err := q.AddJob(context.Background(), req("p", models.PriorityNormal))
	require.NoError(t, err)
	j := waitStatus(t, store, id, models.JobFailed)
	require.Equal(t, 3, j.Attempts)
	require.Contains(t, j.LastError, util.ErrJobTimeout.Error())
	require.Equal(t, int32(1), peak.Load())
}

func TestSubscribeReceivesTransitions(t *testing.T) {
	store := newMemStore()
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	proc := procFunc(func(ctx context.Context, job models.ProcessingJob, opts ProcessOptions) (*models.ExtractionResult, error) {
		entered <- struct{}{}
		<-release
		return ok(ctx, job, opts)
	})
	q := newTestQueue(t, Options{}, store, &memQuota{remaining: 1}, proc)

	id, err := q.AddJob(context.Background(), req("p", models.PriorityNormal))
	require.NoError(t, err)
	<-entered

	var mu sync.Mutex
	seen := map[models.JobStatus]bool{}
	q.Subscribe(id, func(ev realtime.StatusEvent) {
		mu.Lock()
		seen[ev.Status] = true
		mu.Unlock()
	})
	dropped := q.Subscribe(id, func(realtime.StatusEvent) { t.Error("unsubscribed callback invoked") })
	q.Unsubscribe(id, dropped)
	close(release)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen[models.JobCompleted]
	}, 3*time.Second, 5*time.Millisecond)
}
