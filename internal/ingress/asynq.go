package ingress

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/reelforge/api/internal/model"
)

const TaskTypeSubmit = "render:submit"

// NewSubmitTask wraps an envelope in an asynq task.
func NewSubmitTask(req model.SubmitJobRequest) (*asynq.Task, error) {
	data, err := encodeEnvelope(req)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSubmit, data), nil
}

// Enqueuer publishes envelopes for a remote server to pick up.
type Enqueuer struct {
	client *asynq.Client
	queue  string
}

func NewEnqueuer(client *asynq.Client, queue string) *Enqueuer {
	return &Enqueuer{client: client, queue: queue}
}

func (e *Enqueuer) Enqueue(ctx context.Context, req model.SubmitJobRequest) (*asynq.TaskInfo, error) {
	task, err := NewSubmitTask(req)
	if err != nil {
		return nil, err
	}
	info, err := e.client.EnqueueContext(ctx, task,
		asynq.Queue(e.queue),
		asynq.MaxRetry(3),
		asynq.Retention(24*time.Hour),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}
	return info, nil
}

// AsynqHandler turns submit tasks into queue jobs.
type AsynqHandler struct {
	submitter Submitter
	logger    zerolog.Logger
}

func NewAsynqHandler(s Submitter, logger zerolog.Logger) *AsynqHandler {
	return &AsynqHandler{submitter: s, logger: logger.With().Str("component", "asynq-ingress").Logger()}
}

// ProcessTask handles submit tasks. Invalid envelopes skip asynq's retry.
func (h *AsynqHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	jobID, err := decode(h.submitter, t.Payload(), "asynq")
	if err != nil {
		if permanent(err) {
			h.logger.Warn().Err(err).Msg("rejected submission")
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return err
	}

	if w := t.ResultWriter(); w != nil {
		_, _ = w.Write([]byte(jobID))
	}
	h.logger.Info().Str("jobId", jobID).Msg("job submitted")
	return nil
}

// Mux registers the handler on a fresh serve mux.
func (h *AsynqHandler) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTypeSubmit, h.ProcessTask)
	return mux
}

// AsynqRunner starts srv with h and shuts it down when ctx is done.
func AsynqRunner(srv *asynq.Server, h *AsynqHandler) Runner {
	return func(ctx context.Context) error {
		if err := srv.Start(h.Mux()); err != nil {
			return fmt.Errorf("asynq server: %w", err)
		}
		<-ctx.Done()
		srv.Shutdown()
		return nil
	}
}
