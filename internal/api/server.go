package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"genpaper/internal/citations"
	"genpaper/internal/logger"
	"genpaper/internal/models"
	"genpaper/internal/realtime"
)

type ProjectStore interface {
	CreateProject(ctx context.Context, p models.Project) error
	GetProject(ctx context.Context, projectID string) (models.Project, error)
}

type PaperLibrary interface {
	UpsertPaper(ctx context.Context, p models.Paper) (models.Paper, error)
	AddToLibrary(ctx context.Context, ownerID, paperID string) error
	ListLibraryPapers(ctx context.Context, ownerID string) ([]models.Paper, error)
}

type JobStore interface {
	GetJob(ctx context.Context, jobID string) (models.ProcessingJob, error)
}

type QuotaReader interface {
	GetQuota(ctx context.Context, ownerID string) (models.UserQuota, error)
}

type CitationLister interface {
	List(ctx context.Context, projectID string) ([]models.Citation, error)
}

type Deps struct {
	Projects  ProjectStore
	Papers    PaperLibrary
	Jobs      JobStore
	Quotas    QuotaReader
	Citations CitationLister
	Workflows Workflows
	Bus       realtime.Bus
}

type Options struct {
	DefaultStyle citations.Style
	// IngestAck bounds how long an ingest request waits for the job to be accepted.
	IngestAck    time.Duration
	AckPoll      time.Duration
	Heartbeat    time.Duration
	DefaultOCR   bool
	MaxResults   int
	MaxAttempts  int
	AllowOrigins string
}

func (o Options) withDefaults() Options {
	if o.DefaultStyle == "" {
		o.DefaultStyle = citations.StyleAuthorYear
	}
	if o.IngestAck <= 0 {
		o.IngestAck = 5 * time.Second
	}
	if o.AckPoll <= 0 {
		o.AckPoll = 200 * time.Millisecond
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = 15 * time.Second
	}
	if o.AllowOrigins == "" {
		o.AllowOrigins = "*"
	}
	return o
}

type Server struct {
	log  *logger.Logger
	deps Deps
	opts Options
}

func NewServer(log *logger.Logger, deps Deps, opts Options) *Server {
	return &Server{log: log.With("component", "api"), deps: deps, opts: opts.withDefaults()}
}

func (s *Server) Routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog(), s.cors())

	r.GET("/healthz", s.handleHealthz)
	v1 := r.Group("/v1")
	{
		v1.POST("/projects", s.handleCreateProject)
		v1.GET("/projects/:id", s.handleGetProject)
		v1.POST("/projects/:id/generate", s.handleGenerate)
		v1.GET("/projects/:id/progress", s.handleProgress)
		v1.POST("/projects/:id/cancel", s.handleCancel)
		v1.GET("/projects/:id/citations", s.handleCitations)

		v1.POST("/papers/ingest", s.handleIngest)
		v1.GET("/ingest/:workflow_id", s.handleIngestStatus)
		v1.GET("/jobs/:id", s.handleGetJob)
		v1.GET("/events", s.handleEvents)

		v1.GET("/owners/:owner/quota", s.handleQuota)
		v1.GET("/owners/:owner/papers", s.handleLibrary)
	}
	return r
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleCreateProject(c *gin.Context) {
	var req struct {
		OwnerID string `json:"owner_id"`
		Title   string `json:"title"`
		Topic   string `json:"topic"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return
	}
	req.OwnerID = strings.TrimSpace(req.OwnerID)
	req.Topic = strings.TrimSpace(req.Topic)
	if req.OwnerID == "" || req.Topic == "" {
		writeErr(c, http.StatusBadRequest, errors.New("owner_id and topic are required"))
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = req.Topic
	}

	p := models.Project{
		ProjectID: uuid.NewString(),
		OwnerID:   req.OwnerID,
		Title:     title,
		Topic:     req.Topic,
		Status:    models.ProjectDraft,
	}
	if err := s.deps.Projects.CreateProject(c.Request.Context(), p); err != nil {
		writeErr(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (s *Server) handleGetProject(c *gin.Context) {
	p, err := s.deps.Projects.GetProject(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeErr(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) handleQuota(c *gin.Context) {
	q, err := s.deps.Quotas.GetQuota(c.Request.Context(), c.Param("owner"))
	if err != nil {
		writeErr(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, q)
}

func (s *Server) handleLibrary(c *gin.Context) {
	papers, err := s.deps.Papers.ListLibraryPapers(c.Request.Context(), c.Param("owner"))
	if err != nil {
		writeErr(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"papers": papers})
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		kv := []interface{}{"method", c.Request.Method, "path", c.FullPath(), "status", status, "latency_ms", time.Since(start).Milliseconds()}
		if status >= http.StatusInternalServerError {
			s.log.Warn("request failed", append(kv, "errors", c.Errors.String())...)
			return
		}
		s.log.Debug("request", kv...)
	}
}

func (s *Server) cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", s.opts.AllowOrigins)
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		c.Header("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
