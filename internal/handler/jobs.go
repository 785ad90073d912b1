package handler

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/reelforge/api/internal/apperr"
	"github.com/reelforge/api/internal/middleware"
	"github.com/reelforge/api/internal/model"
	"github.com/reelforge/api/internal/queue"
	"github.com/reelforge/api/internal/store"
	"github.com/reelforge/api/pkg/response"
)

// RunningJobs cancels jobs that a worker already holds.
type RunningJobs interface {
	CancelJob(jobID string) bool
	Active() []string
	Size() int
}

// JobMirror answers status lookups for jobs the queue no longer holds.
type JobMirror interface {
	GetJob(ctx context.Context, id string) (*store.JobRecord, error)
}

type JobsHandler struct {
	queue   *queue.Queue
	running RunningJobs
	mirror  JobMirror
}

// NewJobsHandler wires the queue with the worker pool. mirror may be nil.
func NewJobsHandler(q *queue.Queue, running RunningJobs, mirror JobMirror) *JobsHandler {
	return &JobsHandler{
		queue:   q,
		running: running,
		mirror:  mirror,
	}
}

// Authorize hides jobs owned by another user from the per-job routes.
// Unknown ids fall through to the route's own lookup.
func (h *JobsHandler) Authorize(c *fiber.Ctx) error {
	owner, _ := h.ownerOf(c.UserContext(), c.Params("jobId"))
	if owner != "" && owner != middleware.GetUserID(c) {
		return response.NotFound(c, "Job not found")
	}
	return c.Next()
}

// AuthorizeWatch guards the progress socket. The job must exist and belong
// to the caller before the connection is upgraded.
func (h *JobsHandler) AuthorizeWatch(c *fiber.Ctx) error {
	owner, found := h.ownerOf(c.UserContext(), c.Params("jobId"))
	if !found || (owner != "" && owner != middleware.GetUserID(c)) {
		return response.NotFound(c, "Job not found")
	}
	return c.Next()
}

// ownerOf returns the user a job belongs to. HTTP submissions record the
// submitter; render jobs from the other ingresses fall back to their userId.
func (h *JobsHandler) ownerOf(ctx context.Context, jobID string) (string, bool) {
	if job, ok := h.queue.GetJob(jobID); ok {
		if owner, _ := job.Metadata["submittedBy"].(string); owner != "" {
			return owner, true
		}
		if p, ok := job.Payload.(model.RenderJobPayload); ok {
			return p.UserID, true
		}
		return "", true
	}
	if h.mirror != nil {
		if rec, err := h.mirror.GetJob(ctx, jobID); err == nil {
			owner, _ := rec.Metadata["submittedBy"].(string)
			return owner, true
		}
	}
	return "", false
}

// Submit handles POST /api/jobs
// @Summary      Submit job
// @Description  Queue a render, renditions or watermark job
// @Tags         Jobs
// @Accept       json
// @Produce      json
// @Param        request body model.SubmitJobRequest true "Submission envelope"
// @Success      202 {object} model.SubmitJobResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs [post]
func (h *JobsHandler) Submit(c *fiber.Ctx) error {
	var req model.SubmitJobRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if userID := middleware.GetUserID(c); userID != "" {
		if req.Metadata == nil {
			req.Metadata = make(map[string]any)
		}
		req.Metadata["submittedBy"] = userID
	}

	jobID, err := h.queue.Submit(req)
	if err != nil {
		if errors.Is(err, apperr.ErrValidation) {
			return response.ValidationError(c, err.Error(), formatValidationErrors(err))
		}
		return response.ServiceError(c, err.Error())
	}

	return response.Accepted(c, model.SubmitJobResponse{JobID: jobID})
}

// Status handles GET /api/jobs/:jobId
// @Summary      Get job status
// @Tags         Jobs
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.Job
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs/{jobId} [get]
func (h *JobsHandler) Status(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if job, ok := h.queue.GetJob(jobID); ok {
		return response.OK(c, job)
	}

	if h.mirror != nil {
		rec, err := h.mirror.GetJob(c.UserContext(), jobID)
		if err == nil {
			return response.OK(c, rec)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return response.ServiceError(c, err.Error())
		}
	}
	return response.NotFound(c, "Job not found")
}

// Result handles GET /api/jobs/:jobId/result
// @Summary      Get job result
// @Tags         Jobs
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.JobResultResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Failure      422 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs/{jobId}/result [get]
func (h *JobsHandler) Result(c *fiber.Ctx) error {
	job, ok := h.queue.GetJob(c.Params("jobId"))
	if !ok {
		return response.NotFound(c, "Job not found")
	}

	switch job.Status {
	case model.JobStatusCompleted:
		return response.OK(c, model.JobResultResponse{JobID: job.ID, Type: job.Type, Result: job.Result})
	case model.JobStatusFailed:
		return response.JobFailed(c, "Job failed", fiber.Map{"error": job.Error, "attempts": job.Attempts})
	default:
		return response.Conflict(c, "Job not completed", fiber.Map{"status": job.Status})
	}
}

// Cancel handles POST /api/jobs/:jobId/cancel
// @Summary      Cancel job
// @Description  Pending jobs are cancelled at once; running jobs are signalled
// @Tags         Jobs
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.JobActionResponse
// @Success      202 {object} model.JobActionResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs/{jobId}/cancel [post]
func (h *JobsHandler) Cancel(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	job, ok := h.queue.GetJob(jobID)
	if !ok {
		return response.NotFound(c, "Job not found")
	}

	if h.queue.CancelJob(jobID) {
		return response.OK(c, model.JobActionResponse{JobID: jobID, Status: model.JobStatusCancelled})
	}
	if job.Status == model.JobStatusProcessing && h.running != nil && h.running.CancelJob(jobID) {
		return response.Accepted(c, model.JobActionResponse{JobID: jobID, Status: model.JobStatusProcessing, Pending: true})
	}

	// re-read: the job may have moved on between the two calls
	if job, ok = h.queue.GetJob(jobID); ok {
		return response.Conflict(c, "Job cannot be cancelled", fiber.Map{"status": job.Status})
	}
	return response.NotFound(c, "Job not found")
}

// Retry handles POST /api/jobs/:jobId/retry
// @Summary      Retry failed job
// @Tags         Jobs
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.JobActionResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs/{jobId}/retry [post]
func (h *JobsHandler) Retry(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if h.queue.RetryJob(jobID) {
		return response.OK(c, model.JobActionResponse{JobID: jobID, Status: model.JobStatusPending})
	}

	job, ok := h.queue.GetJob(jobID)
	if !ok {
		return response.NotFound(c, "Job not found")
	}
	return response.Conflict(c, "Only failed jobs can be retried", fiber.Map{"status": job.Status})
}

// List handles GET /api/jobs?status=
// @Summary      List jobs
// @Tags         Jobs
// @Produce      json
// @Param        status query string false "Filter by status"
// @Success      200 {object} model.JobListResponse
// @Failure      400 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs [get]
func (h *JobsHandler) List(c *fiber.Ctx) error {
	status := model.JobStatus(c.Query("status"))
	if status != "" && !validStatus(status) {
		return response.ValidationError(c, "Unknown status", fiber.Map{"status": status, "allowed": model.ValidJobStatuses})
	}

	jobs := h.queue.GetJobsByStatus(status)
	return response.OK(c, model.JobListResponse{Jobs: jobs, Count: len(jobs)})
}

// Stats handles GET /api/jobs/stats
// @Summary      Queue statistics
// @Tags         Jobs
// @Produce      json
// @Success      200 {object} model.StatsResponse
// @Security     BearerAuth
// @Router       /api/jobs/stats [get]
func (h *JobsHandler) Stats(c *fiber.Ctx) error {
	resp := model.StatsResponse{QueueStats: h.queue.GetStats(), Active: []string{}}
	if h.running != nil {
		resp.Workers = h.running.Size()
		resp.Active = h.running.Active()
	}
	return response.OK(c, resp)
}

// ClearCompleted handles DELETE /api/jobs/completed
// @Summary      Drop completed jobs
// @Tags         Jobs
// @Produce      json
// @Success      200 {object} model.ClearResponse
// @Security     BearerAuth
// @Router       /api/jobs/completed [delete]
func (h *JobsHandler) ClearCompleted(c *fiber.Ctx) error {
	return response.OK(c, model.ClearResponse{Removed: h.queue.ClearCompleted()})
}

func validStatus(s model.JobStatus) bool {
	for _, v := range model.ValidJobStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// formatValidationErrors formats validator errors for response
func formatValidationErrors(err error) interface{} {
	if fields := queue.FieldErrors(err); len(fields) > 0 {
		return fields
	}
	return nil
}
