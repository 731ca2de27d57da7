package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"genpaper/internal/citations"
	"genpaper/internal/models"
	"genpaper/internal/pipeline"
	"genpaper/internal/workflows"
)

type generateBody struct {
	Style           string   `json:"style"`
	LibraryPaperIDs []string `json:"library_paper_ids"`
	IncludeLibrary  bool     `json:"include_library"`
	UseLibraryOnly  bool     `json:"use_library_only"`
	Sources         []string `json:"sources"`
	MaxResults      int      `json:"max_results"`
	TotalMaxTokens  int      `json:"total_max_tokens"`
}

func (s *Server) handleGenerate(c *gin.Context) {
	var body generateBody
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		writeErr(c, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return
	}
	style := s.opts.DefaultStyle
	if body.Style != "" {
		parsed, err := citations.ParseStyle(body.Style)
		if err != nil {
			writeErr(c, http.StatusBadRequest, err)
			return
		}
		style = parsed
	}

	ctx := c.Request.Context()
	p, err := s.deps.Projects.GetProject(ctx, c.Param("id"))
	if err != nil {
		writeErr(c, statusFor(err), err)
		return
	}
	if p.Status == models.ProjectGenerating {
		writeErr(c, http.StatusConflict, ErrGenerationRunning)
		return
	}
	maxResults := body.MaxResults
	if maxResults <= 0 {
		maxResults = s.opts.MaxResults
	}

	req := pipeline.Request{
		ProjectID:       p.ProjectID,
		OwnerID:         p.OwnerID,
		Topic:           p.Topic,
		Title:           p.Title,
		LibraryPaperIDs: body.LibraryPaperIDs,
		IncludeLibrary:  body.IncludeLibrary || body.UseLibraryOnly,
		UseLibraryOnly:  body.UseLibraryOnly,
		Sources:         body.Sources,
		MaxResults:      maxResults,
		Style:           string(style),
		TotalMaxTokens:  body.TotalMaxTokens,
	}
	wfID, runID, err := s.deps.Workflows.StartGeneration(ctx, req)
	if err != nil {
		writeErr(c, statusFor(err), err)
		return
	}
	s.log.Info("generation started", "project_id", p.ProjectID, "workflow_id", wfID, "style", style)
	c.JSON(http.StatusAccepted, gin.H{"project_id": p.ProjectID, "workflow_id": wfID, "run_id": runID})
}

// handleProgress asks the running workflow first and falls back to the stored project row.
func (s *Server) handleProgress(c *gin.Context) {
	ctx := c.Request.Context()
	projectID := c.Param("id")
	progress, err := s.deps.Workflows.GenerationProgress(ctx, projectID)
	if err == nil {
		c.JSON(http.StatusOK, progress)
		return
	}
	s.log.Debug("progress query failed, using stored status", "project_id", projectID, "error", err)

	p, perr := s.deps.Projects.GetProject(ctx, projectID)
	if perr != nil {
		writeErr(c, statusFor(perr), perr)
		return
	}
	c.JSON(http.StatusOK, storedProgress(p))
}

func storedProgress(p models.Project) workflows.GenerationProgress {
	out := workflows.GenerationProgress{
		ProjectID: p.ProjectID,
		Stage:     pipeline.Stage(p.Stage),
		Category:  pipeline.Category(p.ErrorCategory),
		Message:   p.ErrorMessage,
		Steps:     map[string]string{},
	}
	switch p.Status {
	case models.ProjectComplete:
		out.Stage = pipeline.StageComplete
	case models.ProjectFailed:
		out.Stage = pipeline.StageFailed
	case models.ProjectDraft:
		out.Stage = pipeline.StageInitialization
	}
	out.Percent = out.Stage.Progress()
	return out
}

func (s *Server) handleCancel(c *gin.Context) {
	projectID := c.Param("id")
	if err := s.deps.Workflows.CancelGeneration(c.Request.Context(), projectID); err != nil {
		writeErr(c, statusFor(err), err)
		return
	}
	s.log.Info("generation cancel requested", "project_id", projectID)
	c.JSON(http.StatusAccepted, gin.H{"project_id": projectID, "cancel_requested": true})
}

func (s *Server) handleCitations(c *gin.Context) {
	style := s.opts.DefaultStyle
	if q := c.Query("style"); q != "" {
		parsed, err := citations.ParseStyle(q)
		if err != nil {
			writeErr(c, http.StatusBadRequest, err)
			return
		}
		style = parsed
	}
	projectID := c.Param("id")
	list, err := s.deps.Citations.List(c.Request.Context(), projectID)
	if err != nil {
		writeErr(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"project_id":   projectID,
		"style":        style,
		"citations":    list,
		"bibliography": citations.Bibliography(list, style),
	})
}
