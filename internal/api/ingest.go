package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"genpaper/internal/activities"
	"genpaper/internal/inbox"
	"genpaper/internal/models"
	"genpaper/internal/queue"
	"genpaper/internal/realtime"
	"genpaper/internal/util"
	"genpaper/internal/workflows"
)

type ingestBody struct {
	PaperID   string             `json:"paper_id"`
	SourceURL string             `json:"source_url"`
	Title     string             `json:"title"`
	OwnerID   string             `json:"owner_id"`
	Priority  models.JobPriority `json:"priority"`
	FastTrack bool               `json:"fast_track"`
	EnableOCR *bool              `json:"enable_ocr"`
	SizeBytes int64              `json:"size_bytes"`
}

// handleIngest starts an ingest workflow and waits briefly until the job is accepted or rejected.
func (s *Server) handleIngest(c *gin.Context) {
	var body ingestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeErr(c, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return
	}
	body.SourceURL = strings.TrimSpace(body.SourceURL)
	body.OwnerID = strings.TrimSpace(body.OwnerID)
	if body.SourceURL == "" || body.OwnerID == "" {
		writeErr(c, http.StatusBadRequest, errors.New("source_url is required with owner_id"))
		return
	}
	if err := util.CheckRemoteURL(body.SourceURL); err != nil {
		writeErr(c, http.StatusBadRequest, err)
		return
	}
	switch body.Priority {
	case "":
		body.Priority = models.PriorityNormal
	case models.PriorityHigh, models.PriorityNormal, models.PriorityLow:
	default:
		writeErr(c, http.StatusBadRequest, fmt.Errorf("unknown priority %q", body.Priority))
		return
	}

	ctx := c.Request.Context()
	if body.PaperID == "" {
		title := body.Title
		if title == "" {
			title = inbox.TitleFromFilename(body.SourceURL)
		}
		p, err := s.deps.Papers.UpsertPaper(ctx, models.Paper{Title: title, PDFURL: body.SourceURL, Source: "api"})
		if err != nil {
			writeErr(c, statusFor(err), err)
			return
		}
		body.PaperID, body.Title = p.PaperID, p.Title
	}
	if err := s.deps.Papers.AddToLibrary(ctx, body.OwnerID, body.PaperID); err != nil {
		writeErr(c, statusFor(err), err)
		return
	}

	ocr := s.opts.DefaultOCR
	if body.EnableOCR != nil {
		ocr = *body.EnableOCR
	}
	req := queue.JobRequest{
		PaperID:     body.PaperID,
		SourceURL:   body.SourceURL,
		Title:       body.Title,
		OwnerID:     body.OwnerID,
		Priority:    body.Priority,
		FastTrack:   body.FastTrack,
		EnableOCR:   ocr,
		MaxAttempts: s.opts.MaxAttempts,
		SizeBytes:   body.SizeBytes,
		Metadata:    map[string]string{"origin": "api"},
	}
	wfID, err := s.deps.Workflows.StartIngest(ctx, req)
	if err != nil {
		writeErr(c, statusFor(err), err)
		return
	}

	st := s.awaitAccepted(ctx, wfID, body.FastTrack)
	if st.Status == models.JobFailed && st.JobID == "" {
		writeErr(c, ingestStatusCode(st.ErrorType), errors.New(st.LastError))
		return
	}
	code := http.StatusAccepted
	if st.Status.Terminal() {
		code = http.StatusOK
	}
	c.JSON(code, gin.H{"workflow_id": wfID, "paper_id": body.PaperID, "job": st})
}

// awaitAccepted polls the ingest workflow until it reports a job id or a rejection.
// Fast-track requests wait for the terminal status instead.
func (s *Server) awaitAccepted(ctx context.Context, wfID string, fastTrack bool) workflows.IngestJobStatus {
	ctx, cancel := context.WithTimeout(ctx, s.opts.IngestAck)
	defer cancel()
	ticker := time.NewTicker(s.opts.AckPoll)
	defer ticker.Stop()

	var last workflows.IngestJobStatus
	for {
		st, err := s.deps.Workflows.IngestStatus(ctx, wfID)
		if err == nil {
			last = st
			switch {
			case st.Status == models.JobFailed && st.JobID == "":
				return st
			case fastTrack && st.Status.Terminal():
				return st
			case !fastTrack && st.JobID != "":
				return st
			}
		}
		select {
		case <-ctx.Done():
			return last
		case <-ticker.C:
		}
	}
}

func ingestStatusCode(errorType string) int {
	switch errorType {
	case activities.ErrTypeQuotaExceeded:
		return http.StatusTooManyRequests
	case activities.ErrTypeFastTrackTooLarge:
		return http.StatusRequestEntityTooLarge
	case activities.ErrTypeFastTrackFailed:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) handleIngestStatus(c *gin.Context) {
	st, err := s.deps.Workflows.IngestStatus(c.Request.Context(), c.Param("workflow_id"))
	if err != nil {
		writeErr(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleGetJob(c *gin.Context) {
	job, err := s.deps.Jobs.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeErr(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// handleEvents streams job status events as server-sent events. With job_id the stream
// ends after that job's terminal event.
func (s *Server) handleEvents(c *gin.Context) {
	ownerID := c.Query("owner_id")
	jobID := c.Query("job_id")

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	events := make(chan realtime.StatusEvent, 64)
	err := s.deps.Bus.StartForwarder(ctx, func(ev realtime.StatusEvent) {
		if ownerID != "" && ev.OwnerID != ownerID {
			return
		}
		if jobID != "" && ev.JobID != jobID {
			return
		}
		select {
		case events <- ev:
		default:
			s.log.Warn("dropping status event; subscriber is slow", "job_id", ev.JobID)
		}
	})
	if err != nil {
		writeErr(c, http.StatusServiceUnavailable, err)
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	heartbeat := time.NewTicker(s.opts.Heartbeat)
	defer heartbeat.Stop()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-heartbeat.C:
			c.SSEvent("ping", time.Now().UTC().Format(time.RFC3339))
			return true
		case ev := <-events:
			c.SSEvent("status", ev)
			return !(jobID != "" && ev.Status.Terminal())
		}
	})
}
