package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kurihiro0119/octomirror/internal/aggregator"
	"github.com/kurihiro0119/octomirror/internal/domain"
	apperrors "github.com/kurihiro0119/octomirror/internal/errors"
)

// Organizations lists the organizations the app can act on
type Organizations interface {
	InstallableOrganizations(ctx context.Context) ([]string, error)
}

// Handler handles API requests
type Handler struct {
	aggregator aggregator.Aggregator
	orgs       Organizations
}

// NewHandler creates a new API handler
func NewHandler(agg aggregator.Aggregator, orgs Organizations) *Handler {
	return &Handler{
		aggregator: agg,
		orgs:       orgs,
	}
}

// GetInstallableOrganizations returns every organization the app can be
// installed on
// GET /api/v1/organizations/installable
func (h *Handler) GetInstallableOrganizations(c *gin.Context) {
	if h.orgs == nil {
		respondError(c, apperrors.NewDependencyError("credential broker is not configured", nil))
		return
	}

	orgs, err := h.orgs.InstallableOrganizations(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	if orgs == nil {
		orgs = []string{}
	}

	c.JSON(http.StatusOK, gin.H{
		"data": orgs,
	})
}

// GetRuns returns the most recent runs
// GET /api/v1/runs?limit=20
func (h *Handler) GetRuns(c *gin.Context) {
	limit, ok := parseIntQuery(c, "limit", 20)
	if !ok {
		respondError(c, apperrors.NewBadRequestError("limit must be a positive integer"))
		return
	}

	runs, err := h.aggregator.RecentRuns(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	if runs == nil {
		runs = []*domain.SyncRun{}
	}

	c.JSON(http.StatusOK, gin.H{
		"data": runs,
	})
}

// GetRunSummary returns the per-domain outcome counts of a run
// GET /api/v1/runs/:id/summary
func (h *Handler) GetRunSummary(c *gin.Context) {
	runID := c.Param("id")

	summary, err := h.aggregator.SummarizeRun(c.Request.Context(), runID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": summary,
	})
}

// GetMirrorFailures returns the repositories waiting for a mirror retry
// GET /api/v1/mirrors/failures
func (h *Handler) GetMirrorFailures(c *gin.Context) {
	failures, err := h.aggregator.PendingMirrors(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	if failures == nil {
		failures = []*domain.MirrorFailure{}
	}

	c.JSON(http.StatusOK, gin.H{
		"data": failures,
	})
}

// parseIntQuery parses a positive integer query parameter with a default
// value. ok is false when the parameter is present but invalid.
func parseIntQuery(c *gin.Context, key string, defaultValue int) (int, bool) {
	valueStr := c.Query(key)
	if valueStr == "" {
		return defaultValue, true
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil || value <= 0 {
		return 0, false
	}

	return value, true
}

// HealthCheck returns the health status
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// respondError sends an error response
func respondError(c *gin.Context, err error) {
	if apperrors.IsRateLimited(err) {
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error": gin.H{
				"code":    apperrors.ErrCodeRateLimited,
				"message": err.Error(),
			},
		})
		return
	}

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		status := http.StatusInternalServerError
		switch appErr.Code {
		case apperrors.ErrCodeNotFound:
			status = http.StatusNotFound
		case apperrors.ErrCodeUnauthorized, apperrors.ErrCodeAuth:
			status = http.StatusUnauthorized
		case apperrors.ErrCodeForbidden:
			status = http.StatusForbidden
		case apperrors.ErrCodeBadRequest:
			status = http.StatusBadRequest
		case apperrors.ErrCodeRateLimited:
			status = http.StatusTooManyRequests
		case apperrors.ErrCodeDependency:
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"error": gin.H{
				"code":    appErr.Code,
				"message": appErr.Message,
			},
		})
		return
	}

	c.JSON(http.StatusInternalServerError, gin.H{
		"error": gin.H{
			"code":    "INTERNAL_ERROR",
			"message": err.Error(),
		},
	})
}
