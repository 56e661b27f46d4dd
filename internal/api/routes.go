package api

import (
	"log/slog"

	"github.com/gin-gonic/gin"
)

// SetupRoutes sets up the API routes
func SetupRoutes(handler *Handler, validator AuthValidator, logger *slog.Logger) *gin.Engine {
	router := gin.New()

	// Middleware
	router.Use(Recovery())
	router.Use(CORS())
	router.Use(Logger(logger))

	// Health check
	router.GET("/health", handler.HealthCheck)

	// API v1
	v1 := router.Group("/api/v1")
	{
		orgs := v1.Group("/organizations", RequireAuth(validator))
		{
			orgs.GET("/installable", handler.GetInstallableOrganizations)
		}

		runs := v1.Group("/runs")
		{
			runs.GET("", handler.GetRuns)
			runs.GET("/:id/summary", handler.GetRunSummary)
		}

		v1.GET("/mirrors/failures", handler.GetMirrorFailures)
	}

	return router
}
