package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"genpaper/internal/activities"
	"genpaper/internal/archive"
	"genpaper/internal/chunker"
	"genpaper/internal/citations"
	"genpaper/internal/config"
	"genpaper/internal/extraction"
	"genpaper/internal/inbox"
	"genpaper/internal/ingest"
	"genpaper/internal/logger"
	"genpaper/internal/maintenance"
	"genpaper/internal/metrics"
	"genpaper/internal/pipeline"
	"genpaper/internal/providers"
	"genpaper/internal/queue"
	"genpaper/internal/realtime"
	"genpaper/internal/retrieval"
	"genpaper/internal/storage"
	"genpaper/internal/vector"
)

// Worker owns everything the Temporal worker process runs besides the worker itself:
// the single processing queue, the generation pipeline and the housekeeping loops.
type Worker struct {
	Log        *logger.Logger
	Cfg        config.Config
	DB         *storage.DB
	Repos      Repos
	Bus        realtime.Bus
	Registry   *prometheus.Registry
	Metrics    *metrics.Metrics
	Queue      *queue.Queue
	Pipeline   *pipeline.Pipeline
	Activities *activities.Activities

	scheduler  *maintenance.Scheduler
	watcher    *inbox.Watcher
	ocr        *extraction.VisionOCR
	metricsSrv *http.Server
}

func NewWorker(ctx context.Context, log *logger.Logger, cfg config.Config) (*Worker, error) {
	db, repos, err := OpenStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}
	w := &Worker{Log: log, Cfg: cfg, DB: db, Repos: repos}
	if err := w.wire(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return w, nil
}

func (w *Worker) wire(ctx context.Context) error {
	cfg, log, repos := w.Cfg, w.Log, w.Repos

	w.Registry = prometheus.NewRegistry()
	w.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	w.Metrics = metrics.New(w.Registry)

	bus, err := NewBus(log, cfg)
	if err != nil {
		return err
	}
	w.Bus = bus

	mgr, err := providers.NewManager(cfg)
	if err != nil {
		return fmt.Errorf("init providers: %w", err)
	}
	llm := providers.NewAuditedLLM(providers.NewRateLimitedLLM(mgr.LLM(), cfg.LLMRatePerSecond, 2), repos.Audit, log)
	embedder := providers.NewRateLimitedEmbedder(mgr.Embedder(), cfg.EmbedRatePerSecond, 4)

	lit, crossref, err := NewLiterature(log, cfg)
	if err != nil {
		return err
	}

	var ocr extraction.OCR
	if cfg.EnableOCR {
		v, err := extraction.NewVisionOCR(ctx, extraction.ClientOptionsFromEnv()...)
		if err != nil {
			log.Warn("ocr disabled; vision client unavailable", "error", err)
		} else {
			w.ocr, ocr = v, v
		}
	}
	var arch archive.Archiver
	if cfg.S3Bucket != "" {
		s3a, err := archive.NewS3Archiver(ctx, archive.S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
			KeyID:    cfg.S3KeyID,
			Secret:   cfg.S3Secret,
		})
		if err != nil {
			return err
		}
		arch = s3a
	}

	fetcher := ingest.NewFetcher(cfg.MaxDownloadBytes, cfg.DataInRoot)
	proc := ingest.NewProcessor(log,
		ingest.Config{GrobidEndpoint: cfg.GrobidEndpoint, ArtifactsRoot: cfg.DataOutRoot},
		fetcher, arch,
		extraction.NewEngine(log, crossref, ocr),
		chunker.New(cfg.ChunkSize, cfg.ChunkOverlap, cfg.EmbedVersion, cfg.EmbedDim, embedder),
		repos.Chunks, repos.Papers)

	w.Queue = queue.New(log, queue.Options{
		MaxConcurrent:     cfg.MaxConcurrentJobs,
		MaxAttempts:       cfg.MaxJobAttempts,
		PoisonThreshold:   cfg.PoisonThreshold,
		PoisonWindow:      cfg.PoisonWindow,
		DefaultTimeout:    cfg.JobTimeout,
		ExtendedTimeout:   cfg.ExtendedJobTimeout,
		LargeFileBytes:    cfg.LargeFileBytes,
		FastTrackMaxBytes: cfg.FastTrackMaxBytes,
		RetryUnit:         time.Second,
	}, queue.Deps{
		Store:     repos.Jobs,
		Quota:     repos.Quotas,
		Processor: proc,
		Sizer:     fetcher,
		Bus:       bus,
		Metrics:   w.Metrics,
	})

	retriever := retrieval.New(log, repos.Papers, lit, vector.NewSearcher(w.DB.Pool), embedder, w.Queue, retrieval.Options{
		EmbedVersion: cfg.EmbedVersion,
		EmbedDim:     cfg.EmbedDim,
		IngestWait:   cfg.IngestWaitTimeout,
		EnableOCR:    cfg.EnableOCR,
	})
	cites := citations.NewService(log, repos.Citations, repos.Papers)
	cites.OnCreate(w.Metrics.CitationCreated)

	w.Pipeline = pipeline.New(log, pipeline.Deps{
		Retrieval: retriever,
		Citations: cites,
		LLM:       llm,
		Projects:  repos.Projects,
		Metrics:   w.Metrics,
	}, pipeline.Options{
		SectionConcurrency: cfg.SectionConcurrency,
		TotalMaxTokens:     cfg.TotalMaxTokens,
		OverlapThreshold:   cfg.OverlapThreshold,
		Style:              citations.Style(cfg.CitationStyle),
		ArtifactsRoot:      cfg.DataOutRoot,
	})
	w.Activities = activities.New(log, w.Pipeline, w.Queue)

	w.scheduler, err = maintenance.New(log, repos.Quotas, repos.Jobs, maintenance.Schedules{
		QuotaReset:   cfg.QuotaResetSchedule,
		LedgerPrune:  cfg.LedgerPruneSchedule,
		PoisonWindow: cfg.PoisonWindow,
	})
	if err != nil {
		return err
	}
	w.watcher, err = inbox.New(log, cfg.DataInRoot, 0, inbox.QueueHandler(repos.Papers, w.Queue))
	if err != nil {
		return err
	}
	return nil
}

// Start recovers queued jobs and starts the background loops. They stop when ctx is done.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.Queue.Start(ctx); err != nil {
		return err
	}
	w.scheduler.Start()
	go func() {
		if err := w.watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.Log.Error("inbox watcher stopped", "error", err)
		}
	}()

	w.metricsSrv = &http.Server{Addr: w.Cfg.MetricsAddr, Handler: w.MetricsRouter()}
	go func() {
		if err := w.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.Log.Error("metrics server stopped", "error", err)
		}
	}()
	w.Log.Info("worker services started", "metrics_addr", w.Cfg.MetricsAddr, "inbox", w.Cfg.DataInRoot)
	return nil
}

func (w *Worker) MetricsRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		pending, processing := w.Queue.Depth()
		c.JSON(http.StatusOK, gin.H{"ok": true, "pending": pending, "processing": processing})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(w.Registry, promhttp.HandlerOpts{})))
	return r
}

// Close stops the loops, waits for running jobs up to ctx and releases connections.
func (w *Worker) Close(ctx context.Context) {
	if w.metricsSrv != nil {
		_ = w.metricsSrv.Shutdown(ctx)
	}
	if w.scheduler != nil {
		w.scheduler.Stop(ctx)
	}
	if w.Queue != nil {
		if err := w.Queue.Stop(ctx); err != nil {
			w.Log.Warn("queue stop", "error", err)
		}
	}
	if w.ocr != nil {
		_ = w.ocr.Close()
	}
	if w.Bus != nil {
		_ = w.Bus.Close()
	}
	w.DB.Close()
	w.Log.Sync()
}
