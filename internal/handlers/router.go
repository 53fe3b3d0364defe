package handlers

import (
	"net/http"

	"github.com/SAP-F-2025/grading-service/internal/services"
	"github.com/SAP-F-2025/grading-service/internal/utils"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type HandlerManager struct {
	gradingHandler *GradingHandler
	jobHandler     *JobHandler
	gradingService services.GradingService
	gatherer       prometheus.Gatherer
}

// NewHandlerManager builds every handler. gatherer backs /metrics; nil uses the default registry.
func NewHandlerManager(
	gradingService services.GradingService,
	exportService services.ExportService,
	queue JobQueue,
	gatherer prometheus.Gatherer,
	logger utils.Logger,
) *HandlerManager {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &HandlerManager{
		gradingHandler: NewGradingHandler(gradingService, logger),
		jobHandler:     NewJobHandler(queue, exportService, logger),
		gradingService: gradingService,
		gatherer:       gatherer,
	}
}

// SetupRoutes sets up all API routes
func (hm *HandlerManager) SetupRoutes(router *gin.Engine) {
	router.GET("/health", hm.Health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(hm.gatherer, promhttp.HandlerOpts{})))

	// API v1 routes
	v1 := router.Group("/api/v1")
	{
		grading := v1.Group("/grading")
		{
			grading.POST("/grade", hm.gradingHandler.GradeBatch)
		}

		// Job routes
		jobs := v1.Group("/jobs")
		{
			jobs.POST("", hm.jobHandler.SubmitJob)
			jobs.GET("", hm.jobHandler.ListJobs)
			jobs.POST("/trigger", hm.jobHandler.TriggerWorker)
			jobs.GET("/:id", hm.jobHandler.GetJob)
			jobs.GET("/:id/events", hm.jobHandler.StreamJobEvents)
			jobs.POST("/:id/cancel", hm.jobHandler.CancelJob)
			jobs.POST("/:id/retry", hm.jobHandler.RetryJob)
			jobs.GET("/:id/export", hm.jobHandler.ExportJob)
		}

		stats := v1.Group("/stats")
		{
			stats.GET("/queue", hm.jobHandler.QueueStats)
			stats.GET("/cache", hm.gradingHandler.CacheStats)
			stats.GET("/escalations", hm.gradingHandler.EscalationStats)
		}
	}
}

// Health reports liveness and the configured grading engines
func (hm *HandlerManager) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "grading-service",
		"engines": hm.gradingService.Engines(),
	})
}
