package handlers

import (
	"net/http"
	"time"

	"github.com/SAP-F-2025/grading-service/internal/models"
	"github.com/SAP-F-2025/grading-service/internal/services"
	"github.com/SAP-F-2025/grading-service/internal/utils"
	"github.com/gin-gonic/gin"
)

type GradingHandler struct {
	BaseHandler
	gradingService services.GradingService
}

type GradeBatchRequest struct {
	Questions []models.QuestionInput `json:"questions"`
}

func NewGradingHandler(gradingService services.GradingService, logger utils.Logger) *GradingHandler {
	return &GradingHandler{
		BaseHandler:    NewBaseHandler(logger),
		gradingService: gradingService,
	}
}

// GradeBatch grades a batch synchronously without queueing it
// @Summary Grade batch
// @Tags grading
// @Accept json
// @Produce json
// @Param batch body GradeBatchRequest true "Questions to grade"
// @Success 200 {object} models.BatchGradingResult
// @Failure 400 {object} ErrorResponse
// @Router /grading/grade [post]
func (h *GradingHandler) GradeBatch(c *gin.Context) {
	var req GradeBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.RespondWithError(c, http.StatusBadRequest, "Invalid request payload", err, err.Error())
		return
	}

	h.LogRequest(c, "Grading batch", "questions", len(req.Questions))

	result, err := h.gradingService.GradeBatch(c.Request.Context(), req.Questions)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// CacheStats reports L1/L2 cache occupancy and hit rate
// @Router /stats/cache [get]
func (h *GradingHandler) CacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.gradingService.CacheStats(c.Request.Context()))
}

// EscalationStats counts escalation outcomes by type; ?hours= sets the window (default 24)
// @Router /stats/escalations [get]
func (h *GradingHandler) EscalationStats(c *gin.Context) {
	window := 24 * time.Hour
	if raw := c.Query("hours"); raw != "" {
		d, err := time.ParseDuration(raw + "h")
		if err != nil || d <= 0 {
			h.RespondWithError(c, http.StatusBadRequest, "Invalid hours", err, raw)
			return
		}
		window = d
	}

	stats, err := h.gradingService.EscalationStats(c.Request.Context(), time.Now().Add(-window))
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
