package queue

import (
	"fmt"

	"github.com/reelforge/api/internal/apperr"
	"github.com/reelforge/api/internal/model"
)

// Submit validates a submission envelope, decodes its payload and adds the
// job. HTTP, asynq and AMQP ingress all go through here.
func (q *Queue) Submit(req model.SubmitJobRequest) (string, error) {
	if err := q.validate.Struct(req); err != nil {
		return "", fmt.Errorf("%w: envelope: %w", apperr.ErrValidation, err)
	}
	payload, err := req.DecodePayload()
	if err != nil {
		return "", err
	}
	return q.AddJob(req.Type, payload, AddOptions{
		Priority:    model.Priority(req.Priority),
		MaxAttempts: req.MaxAttempts,
		Metadata:    req.Metadata,
	})
}
