package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"genpaper/internal/util"
)

var ErrGenerationRunning = errors.New("generation already running for project")

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeErr(c *gin.Context, code int, err error) {
	c.AbortWithStatusJSON(code, gin.H{"error": toAPIError(code, err)})
}

// statusFor maps domain sentinels to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, util.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, util.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, util.ErrFastTrackTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, util.ErrNoPapersFound):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrGenerationRunning):
		return http.StatusConflict
	case errors.Is(err, util.ErrFastTrackFailed):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func toAPIError(status int, err error) apiError {
	msg := "Request failed."
	code := "GP-API-4000"
	raw := ""
	if err != nil {
		raw = strings.ToLower(err.Error())
	}

	switch {
	case status == http.StatusBadGateway:
		return apiError{Code: "GP-API-5020", Message: "Upstream processing failed. Retry shortly."}
	case status == http.StatusServiceUnavailable:
		return apiError{Code: "GP-API-5030", Message: "Service dependency unavailable. Retry shortly."}
	case status >= 500:
		switch {
		case strings.Contains(raw, "relation") && strings.Contains(raw, "does not exist"):
			return apiError{
				Code:    "GP-DB-5001",
				Message: "Database schema is not initialized. Run migrations and retry.",
			}
		case strings.Contains(raw, "connect"), strings.Contains(raw, "dial tcp"), strings.Contains(raw, "connection refused"):
			return apiError{
				Code:    "GP-DB-5002",
				Message: "Database connection is unavailable. Check local services and retry.",
			}
		default:
			return apiError{
				Code:    "GP-API-5000",
				Message: "Internal server error. Please retry or check service logs.",
			}
		}
	case status == http.StatusBadRequest:
		code = "GP-API-4001"
		msg = "Invalid request. Check inputs and retry."
	case status == http.StatusNotFound:
		code = "GP-API-4004"
		msg = "Requested resource was not found."
	case status == http.StatusConflict:
		code = "GP-API-4009"
		msg = "Operation conflicts with current state. Retry after checking status."
	case status == http.StatusRequestEntityTooLarge:
		code = "GP-API-4013"
		msg = "Document is too large for fast-track processing. Submit it without fast_track."
	case status == http.StatusUnprocessableEntity:
		code = "GP-API-4022"
		msg = "No papers were found for this topic."
	case status == http.StatusTooManyRequests:
		code = "GP-API-4029"
		msg = "Daily PDF quota exceeded. Retry after the quota resets."
	}

	if status == http.StatusBadRequest && err != nil {
		switch {
		case strings.Contains(raw, "owner_id and topic are required"):
			msg = "Both owner and topic are required."
		case strings.Contains(raw, "source_url is required"):
			msg = "A source URL is required."
		case strings.Contains(raw, "source url not allowed"):
			msg = "Source URL must be an http or https address."
		case strings.Contains(raw, "unknown citation style"):
			msg = "Citation style must be author-year or numeric."
		case strings.Contains(raw, "invalid json"):
			msg = "Malformed JSON request body."
		}
	}

	return apiError{Code: code, Message: msg}
}
