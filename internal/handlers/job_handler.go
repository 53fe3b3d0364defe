package handlers

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/SAP-F-2025/grading-service/internal/events"
	"github.com/SAP-F-2025/grading-service/internal/models"
	"github.com/SAP-F-2025/grading-service/internal/repositories"
	"github.com/SAP-F-2025/grading-service/internal/services"
	"github.com/SAP-F-2025/grading-service/internal/utils"
	"github.com/gin-gonic/gin"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// JobQueue is the part of *queue.Queue the HTTP layer drives.
type JobQueue interface {
	SubmitBatch(ctx context.Context, questions []models.QuestionInput, priority models.JobPriority) (string, error)
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ListJobs(ctx context.Context, filters repositories.JobFilters) ([]*models.Job, int64, error)
	SubscribeToJob(ctx context.Context, id string) (*events.Subscription, error)
	CancelJob(ctx context.Context, id string) (bool, error)
	RetryJob(ctx context.Context, id string) (bool, error)
	TriggerWorker()
	GetQueueStats(ctx context.Context) (*models.QueueStats, error)
}

type JobHandler struct {
	BaseHandler
	queue  JobQueue
	export services.ExportService
}

type SubmitJobRequest struct {
	Questions []models.QuestionInput `json:"questions"`
	Priority  models.JobPriority     `json:"priority"`
}

type SubmitJobResponse struct {
	JobID  string           `json:"job_id"`
	Status models.JobStatus `json:"status"`
}

type JobControlResponse struct {
	JobID   string `json:"job_id"`
	Applied bool   `json:"applied"`
}

func NewJobHandler(queue JobQueue, export services.ExportService, logger utils.Logger) *JobHandler {
	return &JobHandler{
		BaseHandler: NewBaseHandler(logger),
		queue:       queue,
		export:      export,
	}
}

// SubmitJob queues a batch for asynchronous grading
// @Router /jobs [post]
func (h *JobHandler) SubmitJob(c *gin.Context) {
	var req SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.RespondWithError(c, http.StatusBadRequest, "Invalid request payload", err, err.Error())
		return
	}

	h.LogRequest(c, "Submitting grading job", "questions", len(req.Questions), "priority", req.Priority)

	jobID, err := h.queue.SubmitBatch(c.Request.Context(), req.Questions, req.Priority)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, SubmitJobResponse{JobID: jobID, Status: models.JobPending})
}

// ListJobs pages through jobs, optionally filtered by status and priority
// @Router /jobs [get]
func (h *JobHandler) ListJobs(c *gin.Context) {
	limit, offset, ok := parsePagination(c)
	if !ok {
		return
	}

	filters := repositories.JobFilters{
		Limit:     limit,
		Offset:    offset,
		SortOrder: c.DefaultQuery("sort_order", "desc"),
	}
	if raw := c.Query("status"); raw != "" {
		status := models.JobStatus(raw)
		filters.Status = &status
	}
	if raw := c.Query("priority"); raw != "" {
		priority := models.JobPriority(raw)
		filters.Priority = &priority
	}

	jobs, total, err := h.queue.ListJobs(c.Request.Context(), filters)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, ListResponse{Items: jobs, Total: total, Limit: limit, Offset: offset})
}

// GetJob returns the job with its stored result, if any
// @Router /jobs/{id} [get]
func (h *JobHandler) GetJob(c *gin.Context) {
	id := ParseStringIDParam(c, "id")
	if id == "" {
		return
	}

	job, err := h.queue.GetJob(c.Request.Context(), id)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// StreamJobEvents sends the current job state, then every transition, as server-sent events.
// The stream ends when the job reaches a terminal state or the client disconnects.
// @Router /jobs/{id}/events [get]
func (h *JobHandler) StreamJobEvents(c *gin.Context) {
	id := ParseStringIDParam(c, "id")
	if id == "" {
		return
	}
	ctx := c.Request.Context()

	sub, err := h.queue.SubscribeToJob(ctx, id)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	defer sub.Close()

	// Snapshot after subscribing so no transition falls between the two.
	job, err := h.queue.GetJob(ctx, id)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.SSEvent("status", models.UpdateFor(job))
	if job.Status.IsTerminal() {
		return
	}

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case update, ok := <-sub.Updates:
			if !ok {
				return false
			}
			c.SSEvent("update", update)
			return !update.Status.IsTerminal()
		}
	})
}

// CancelJob cancels a pending job or requests cancellation of a running one
// @Router /jobs/{id}/cancel [post]
func (h *JobHandler) CancelJob(c *gin.Context) {
	id := ParseStringIDParam(c, "id")
	if id == "" {
		return
	}

	h.LogRequest(c, "Cancelling job", "job_id", id)

	applied, err := h.queue.CancelJob(c.Request.Context(), id)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, JobControlResponse{JobID: id, Applied: applied})
}

// RetryJob re-enqueues a failed job
// @Router /jobs/{id}/retry [post]
func (h *JobHandler) RetryJob(c *gin.Context) {
	id := ParseStringIDParam(c, "id")
	if id == "" {
		return
	}

	h.LogRequest(c, "Retrying job", "job_id", id)

	applied, err := h.queue.RetryJob(c.Request.Context(), id)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, JobControlResponse{JobID: id, Applied: applied})
}

// TriggerWorker wakes the worker pool
// @Router /jobs/trigger [post]
func (h *JobHandler) TriggerWorker(c *gin.Context) {
	h.queue.TriggerWorker()
	h.RespondWithSuccess(c, http.StatusAccepted, "Worker triggered", nil)
}

// ExportJob downloads a completed job's results as xlsx
// @Router /jobs/{id}/export [get]
func (h *JobHandler) ExportJob(c *gin.Context) {
	id := ParseStringIDParam(c, "id")
	if id == "" {
		return
	}

	data, err := h.export.ExportJobResults(c.Request.Context(), id)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=grading-%s.xlsx", id))
	c.Data(http.StatusOK, xlsxContentType, data)
}

// QueueStats reports queue depth and today's throughput
// @Router /stats/queue [get]
func (h *JobHandler) QueueStats(c *gin.Context) {
	stats, err := h.queue.GetQueueStats(c.Request.Context())
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
