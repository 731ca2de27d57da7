package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"genpaper/internal/logger"
	"genpaper/internal/metrics"
	"genpaper/internal/models"
	"genpaper/internal/realtime"
	"genpaper/internal/util"
)

type Deps struct {
	Store     Store
	Quota     QuotaStore
	Processor Processor
	Sizer     Sizer
	Bus       realtime.Bus
	Metrics   *metrics.Metrics
}

// Queue is the in-process ingestion queue. One instance owns the jobs table;
// storage is the durable record and memory holds only non-terminal jobs.
type Queue struct {
	log     *logger.Logger
	opts    Options
	store   Store
	quota   QuotaStore
	proc    Processor
	sizer   Sizer
	bus     realtime.Bus
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.Mutex
	jobs    map[string]*models.ProcessingJob
	running map[string]context.CancelFunc
	timers  map[string]*time.Timer
	subs    map[string]map[int]func(realtime.StatusEvent)
	nextSub int
	stopped bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(log *logger.Logger, opts Options, deps Deps) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		log:     log.With("component", "queue"),
		opts:    opts.withDefaults(),
		store:   deps.Store,
		quota:   deps.Quota,
		proc:    deps.Processor,
		sizer:   deps.Sizer,
		bus:     deps.Bus,
		metrics: deps.Metrics,
		now:     time.Now,
		jobs:    map[string]*models.ProcessingJob{},
		running: map[string]context.CancelFunc{},
		timers:  map[string]*time.Timer{},
		subs:    map[string]map[int]func(realtime.StatusEvent){},
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Start reloads jobs left pending or processing by a previous process and schedules them.
// Fast-track jobs are not rerun: their caller already got an answer, so they are failed.
func (q *Queue) Start(ctx context.Context) error {
	jobs, err := q.store.ListRecoverable(ctx)
	if err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	}
	requeued, abandoned := 0, 0
	for _, j := range jobs {
		if j.FastTrack {
			now := q.now()
			j.Status = models.JobFailed
			j.LastError = "fast-track attempt interrupted by restart"
			j.CompletedAt = &now
			if err := q.store.SaveJob(ctx, j); err != nil {
				return fmt.Errorf("abandon fast-track job %s: %w", j.JobID, err)
			}
			abandoned++
			continue
		}
		j.Status = models.JobPending
		j.NextAttemptAt = nil
		if err := q.store.SaveJob(ctx, j); err != nil {
			return fmt.Errorf("recover job %s: %w", j.JobID, err)
		}
		cp := j
		q.mu.Lock()
		q.jobs[j.JobID] = &cp
		q.mu.Unlock()
		requeued++
	}
	if len(jobs) > 0 {
		q.log.Info("recovered jobs", "requeued", requeued, "abandoned_fast_track", abandoned)
	}
	q.schedule()
	return nil
}

// Stop cancels running attempts and waits for them to return. Interrupted jobs stay
// processing in storage and are picked up again by the next Start.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	q.stopped = true
	for id, t := range q.timers {
		t.Stop()
		delete(q.timers, id)
	}
	q.mu.Unlock()
	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) newJob(req JobRequest) models.ProcessingJob {
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.opts.MaxAttempts
	}
	priority := req.Priority
	if priority == "" {
		priority = models.PriorityNormal
	}
	return models.ProcessingJob{
		JobID:       jobIDFor(req.RequestID),
		PaperID:     req.PaperID,
		SourceURL:   req.SourceURL,
		Title:       req.Title,
		OwnerID:     req.OwnerID,
		Priority:    priority,
		Status:      models.JobPending,
		MaxAttempts: maxAttempts,
		EnableOCR:   req.EnableOCR,
		FastTrack:   req.FastTrack,
		SizeBytes:   req.SizeBytes,
		Metadata:    req.Metadata,
		CreatedAt:   q.now(),
	}
}

// jobIDFor derives a stable id from the request id, or a random one without it.
func jobIDFor(requestID string) string {
	if requestID == "" {
		return uuid.NewString()
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("genpaper:job:"+requestID)).String()
}

func validate(req JobRequest) error {
	if req.SourceURL == "" {
		return fmt.Errorf("source url required")
	}
	if req.OwnerID == "" {
		return fmt.Errorf("owner id required")
	}
	if req.PaperID == "" {
		return fmt.Errorf("paper id required")
	}
	return nil
}

// AddJob reserves one daily PDF slot for the owner and enqueues the job.
// Fast-track requests are processed synchronously instead. A repeated RequestID
// returns the existing job without reserving again.
func (q *Queue) AddJob(ctx context.Context, req JobRequest) (string, error) {
	if err := validate(req); err != nil {
		return "", fmt.Errorf("add job: %w", err)
	}
	if req.FastTrack {
		job, err := q.FastTrackJob(ctx, req)
		return job.JobID, err
	}
	q.mu.Lock()
	stopped := q.stopped
	q.mu.Unlock()
	if stopped {
		return "", fmt.Errorf("add job: queue stopped")
	}
	job := q.newJob(req)
	if prev, ok := q.replay(ctx, req, job.JobID); ok {
		q.log.Info("job already enqueued", "job_id", prev.JobID, "request_id", req.RequestID)
		return prev.JobID, nil
	}
	if err := q.quota.ReserveDailyPDF(ctx, req.OwnerID); err != nil {
		return "", fmt.Errorf("add job: %w", err)
	}
	if job.SizeBytes == 0 && q.sizer != nil {
		if n, err := q.sizer.Size(ctx, req.SourceURL); err == nil {
			job.SizeBytes = n
		}
	}
	if err := q.store.SaveJob(ctx, job); err != nil {
		if rerr := q.quota.ReleaseDailyPDF(context.WithoutCancel(ctx), req.OwnerID); rerr != nil {
			q.log.Warn("release daily slot failed", "owner_id", req.OwnerID, "error", rerr)
		}
		return "", fmt.Errorf("add job: %w", err)
	}
	cp := job
	q.mu.Lock()
	q.jobs[job.JobID] = &cp
	q.mu.Unlock()
	q.log.Info("job queued", "job_id", job.JobID, "paper_id", job.PaperID, "priority", job.Priority)
	q.notify(job)
	q.schedule()
	return job.JobID, nil
}

// replay finds a job already created for the request's RequestID.
func (q *Queue) replay(ctx context.Context, req JobRequest, jobID string) (models.ProcessingJob, bool) {
	if req.RequestID == "" {
		return models.ProcessingJob{}, false
	}
	if j, ok := q.GetJobStatus(jobID); ok {
		return j, true
	}
	j, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		return models.ProcessingJob{}, false
	}
	return j, true
}

// FastTrackJob processes a small document immediately, outside the quota and concurrency cap.
func (q *Queue) FastTrackJob(ctx context.Context, req JobRequest) (models.ProcessingJob, error) {
	if err := validate(req); err != nil {
		return models.ProcessingJob{}, fmt.Errorf("fast track: %w", err)
	}
	req.FastTrack = true
	if prev, ok := q.replay(ctx, req, jobIDFor(req.RequestID)); ok {
		if prev.Status == models.JobFailed {
			return prev, fmt.Errorf("fast track %s: %w: %s", prev.JobID, util.ErrFastTrackFailed, prev.LastError)
		}
		return prev, nil
	}
	size := req.SizeBytes
	if q.sizer != nil {
		n, err := q.sizer.Size(ctx, req.SourceURL)
		if err != nil {
			return models.ProcessingJob{}, fmt.Errorf("fast track size check: %w: %w", util.ErrFastTrackFailed, err)
		}
		if n > 0 {
			size = n
		}
	}
	if size > q.opts.FastTrackMaxBytes {
		return models.ProcessingJob{}, fmt.Errorf("fast track %d bytes: %w", size, util.ErrFastTrackTooLarge)
	}
	req.SizeBytes = size

	job := q.newJob(req)
	now := q.now()
	job.Status = models.JobProcessing
	job.Attempts = 1
	job.StartedAt = &now
	if err := q.store.SaveJob(ctx, job); err != nil {
		return models.ProcessingJob{}, fmt.Errorf("fast track: %w", err)
	}
	cp := job
	q.mu.Lock()
	q.jobs[job.JobID] = &cp
	q.mu.Unlock()
	q.notify(job)

	res, usedOCR, err := q.execute(ctx, job)
	if err != nil {
		q.recordFailure(job, err)
		job.Status = models.JobFailed
		job.LastError = err.Error()
		q.finalize(job)
		return job, fmt.Errorf("fast track %s: %w: %w", job.JobID, util.ErrFastTrackFailed, err)
	}
	q.complete(job, res, usedOCR)
	job.Status = models.JobCompleted
	job.Result = res
	return job, nil
}

// GetJobStatus returns the in-memory snapshot. Terminal jobs are evicted; use JobHistory for those.
func (q *Queue) GetJobStatus(jobID string) (models.ProcessingJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok {
		return models.ProcessingJob{}, false
	}
	return *j, true
}

func (q *Queue) JobHistory(ctx context.Context, jobID string) (models.ProcessingJob, error) {
	j, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		return models.ProcessingJob{}, fmt.Errorf("job history: %w", err)
	}
	return j, nil
}

func (q *Queue) Subscribe(jobID string, fn func(realtime.StatusEvent)) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextSub++
	if q.subs[jobID] == nil {
		q.subs[jobID] = map[int]func(realtime.StatusEvent){}
	}
	q.subs[jobID][q.nextSub] = fn
	return q.nextSub
}

func (q *Queue) Unsubscribe(jobID string, subID int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.subs[jobID], subID)
	if len(q.subs[jobID]) == 0 {
		delete(q.subs, jobID)
	}
}

// Depth returns the pending and processing counts.
func (q *Queue) Depth() (pending, processing int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depthLocked()
}

func (q *Queue) depthLocked() (pending, processing int) {
	for _, j := range q.jobs {
		switch {
		case j.Status == models.JobPending:
			pending++
		case j.Status == models.JobProcessing && !j.FastTrack:
			processing++
		}
	}
	return pending, processing
}

// schedule admits pending jobs while there is capacity. It runs on add, on every
// completion or failure, and when a retry timer fires.
func (q *Queue) schedule() {
	for q.processNextJob() {
	}
	pending, processing := q.Depth()
	q.metrics.QueueDepth(pending, processing)
}

// processNextJob is the only place a job leaves pending.
func (q *Queue) processNextJob() bool {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return false
	}
	_, processing := q.depthLocked()
	if processing >= q.opts.MaxConcurrent {
		q.mu.Unlock()
		return false
	}
	now := q.now()
	var candidates []*models.ProcessingJob
	for _, j := range q.jobs {
		if j.Status != models.JobPending {
			continue
		}
		if j.NextAttemptAt != nil && j.NextAttemptAt.After(now) {
			continue
		}
		candidates = append(candidates, j)
	}
	if len(candidates) == 0 {
		q.mu.Unlock()
		return false
	}
	sort.Slice(candidates, func(a, b int) bool {
		x, y := candidates[a], candidates[b]
		if x.Priority.Rank() != y.Priority.Rank() {
			return x.Priority.Rank() > y.Priority.Rank()
		}
		if !x.CreatedAt.Equal(y.CreatedAt) {
			return x.CreatedAt.Before(y.CreatedAt)
		}
		return x.JobID < y.JobID
	})
	next := candidates[0]
	next.Status = models.JobProcessing
	next.Attempts++
	next.StartedAt = &now
	next.NextAttemptAt = nil
	job := *next
	q.wg.Add(1)
	q.mu.Unlock()

	go q.runJob(job)
	return true
}

func (q *Queue) runJob(job models.ProcessingJob) {
	defer q.wg.Done()
	if err := q.store.SaveJob(q.baseCtx, job); err != nil {
		q.log.Warn("persist job start failed", "job_id", job.JobID, "error", err)
	}
	q.notify(job)
	q.log.Info("job started", "job_id", job.JobID, "attempt", job.Attempts, "max_attempts", job.MaxAttempts)

	res, usedOCR, err := q.execute(q.baseCtx, job)
	switch {
	case err == nil:
		q.complete(job, res, usedOCR)
	case q.baseCtx.Err() != nil:
		q.log.Info("job interrupted by shutdown", "job_id", job.JobID)
		return
	default:
		q.handleFailure(job, err)
	}
	q.schedule()
}

func (q *Queue) timeoutFor(job models.ProcessingJob, ocr bool) time.Duration {
	if ocr || job.SizeBytes > q.opts.LargeFileBytes {
		return q.opts.ExtendedTimeout
	}
	return q.opts.DefaultTimeout
}

type outcome struct {
	res *models.ExtractionResult
	err error
}

// execute runs one attempt under the adaptive timeout. A processor that overruns its
// deadline is reported as timed out, but the attempt keeps its slot until Process
// returns so a retry never runs alongside it.
func (q *Queue) execute(ctx context.Context, job models.ProcessingJob) (*models.ExtractionResult, bool, error) {
	ocr := false
	if job.EnableOCR {
		ok, err := q.quota.OCRAvailable(ctx, job.OwnerID)
		if err != nil {
			q.log.Warn("ocr budget check failed", "owner_id", job.OwnerID, "error", err)
		}
		ocr = ok
	}
	timeout := q.timeoutFor(job, ocr)
	jctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	q.mu.Lock()
	q.running[job.JobID] = cancel
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		delete(q.running, job.JobID)
		q.mu.Unlock()
	}()

	done := make(chan outcome, 1)
	go func() {
		res, err := q.proc.Process(jctx, job, ProcessOptions{EnableOCR: ocr})
		done <- outcome{res: res, err: err}
	}()
	var o outcome
	select {
	case o = <-done:
	case <-jctx.Done():
		deadline := q.now()
		<-done
		if late := q.now().Sub(deadline); late > time.Second {
			q.log.Warn("processor returned late", "job_id", job.JobID, "late_by", late)
		}
		o = outcome{err: jctx.Err()}
	}
	if o.err != nil {
		if errors.Is(jctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, false, fmt.Errorf("%w after %s", util.ErrJobTimeout, timeout)
		}
		return nil, false, o.err
	}
	if o.res == nil {
		return nil, false, fmt.Errorf("process job: %w", util.ErrExtractionFailure)
	}
	return o.res, o.res.Method == models.MethodOCR, nil
}

func (q *Queue) complete(job models.ProcessingJob, res *models.ExtractionResult, usedOCR bool) {
	now := q.now()
	job.Status = models.JobCompleted
	job.Result = res
	job.LastError = ""
	job.CompletedAt = &now
	if err := q.quota.RecordCompletion(q.baseCtx, job.OwnerID, usedOCR); err != nil {
		q.log.Warn("record completion failed", "job_id", job.JobID, "error", err)
	}
	q.finalize(job)
}

func (q *Queue) recordFailure(job models.ProcessingJob, cause error) (int, error) {
	now := q.now()
	if err := q.store.RecordSourceFailure(q.baseCtx, job.SourceURL, job.JobID, cause.Error(), now); err != nil {
		q.log.Warn("record source failure failed", "job_id", job.JobID, "error", err)
	}
	return q.store.CountSourceFailures(q.baseCtx, job.SourceURL, now.Add(-q.opts.PoisonWindow))
}

// handleFailure poisons the job when its source keeps failing, otherwise retries
// with backoff until the attempts are used up.
func (q *Queue) handleFailure(job models.ProcessingJob, cause error) {
	job.LastError = cause.Error()
	failures, err := q.recordFailure(job, cause)
	if err != nil {
		q.log.Warn("count source failures failed", "job_id", job.JobID, "error", err)
	}
	switch {
	case err == nil && failures >= q.opts.PoisonThreshold:
		q.log.Warn("job poisoned", "job_id", job.JobID, "source_url", job.SourceURL, "failures", failures)
		job.Status = models.JobPoisoned
		now := q.now()
		job.CompletedAt = &now
		q.finalize(job)
	case job.Attempts < job.MaxAttempts:
		delay := backoff(job.Attempts, q.opts.RetryUnit)
		next := q.now().Add(delay)
		job.Status = models.JobPending
		job.NextAttemptAt = &next
		if err := q.store.SaveJob(q.baseCtx, job); err != nil {
			q.log.Warn("persist retry failed", "job_id", job.JobID, "error", err)
		}
		q.mu.Lock()
		if cur, ok := q.jobs[job.JobID]; ok {
			*cur = job
		}
		if !q.stopped {
			q.timers[job.JobID] = time.AfterFunc(delay, func() {
				q.mu.Lock()
				delete(q.timers, job.JobID)
				q.mu.Unlock()
				q.schedule()
			})
		}
		q.mu.Unlock()
		q.log.Info("job retry scheduled", "job_id", job.JobID, "attempt", job.Attempts, "delay", delay, "error", cause)
		q.notify(job)
	default:
		q.log.Warn("job failed", "job_id", job.JobID, "attempts", job.Attempts, "error", cause)
		job.Status = models.JobFailed
		now := q.now()
		job.CompletedAt = &now
		q.finalize(job)
	}
}

// finalize persists and publishes a terminal job, then evicts it from memory.
func (q *Queue) finalize(job models.ProcessingJob) {
	if err := q.store.SaveJob(context.Background(), job); err != nil {
		q.log.Error("persist terminal job failed", "job_id", job.JobID, "status", job.Status, "error", err)
	}
	q.notify(job)
	q.mu.Lock()
	delete(q.jobs, job.JobID)
	delete(q.subs, job.JobID)
	if t, ok := q.timers[job.JobID]; ok {
		t.Stop()
		delete(q.timers, job.JobID)
	}
	q.mu.Unlock()
	var d time.Duration
	if job.StartedAt != nil {
		d = q.now().Sub(*job.StartedAt)
	}
	q.metrics.JobFinished(string(job.Status), d)
	q.log.Info("job finished", "job_id", job.JobID, "status", job.Status, "attempts", job.Attempts)
}

// notify fans the transition out to subscribers and the bus. Delivery is best-effort.
func (q *Queue) notify(job models.ProcessingJob) {
	ev := realtime.StatusEvent{
		JobID:    job.JobID,
		PaperID:  job.PaperID,
		OwnerID:  job.OwnerID,
		Status:   job.Status,
		Attempts: job.Attempts,
		Error:    job.LastError,
		At:       q.now(),
	}
	q.mu.Lock()
	fns := make([]func(realtime.StatusEvent), 0, len(q.subs[job.JobID]))
	for _, fn := range q.subs[job.JobID] {
		fns = append(fns, fn)
	}
	q.mu.Unlock()
	for _, fn := range fns {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					q.log.Warn("status subscriber panicked", "job_id", job.JobID, "panic", r)
				}
			}()
			fn(ev)
		}()
	}
	if q.bus != nil {
		if err := q.bus.Publish(context.Background(), ev); err != nil {
			q.log.Warn("publish status event failed", "job_id", job.JobID, "error", err)
		}
	}
}
