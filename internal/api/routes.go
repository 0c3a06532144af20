package api

import (
	"github.com/gin-gonic/gin"
)

func SetupRoutes(router *gin.Engine, handler *Handler) {
	// Health check
	router.GET("/health", handler.HealthCheck)

	// API v1 routes
	v1 := router.Group("/api/v1")
	{
		// Sync routes
		v1.POST("/sync/grades/force", handler.ForceGradeSync)
		v1.GET("/tools/:tool_id/status", handler.GetToolStatus)

		// Deferred course clones
		v1.POST("/restorations", handler.EnqueueRestoration)
	}
}
