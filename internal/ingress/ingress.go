// Package ingress feeds remote submissions into the in-process queue. Every
// bridge decodes the same envelope and hands it to a Submitter; none of them
// keeps job state of its own.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/reelforge/api/internal/apperr"
	"github.com/reelforge/api/internal/model"
)

// Submitter is satisfied by *queue.Queue.
type Submitter interface {
	Submit(req model.SubmitJobRequest) (string, error)
}

// Runner is a long-running bridge that returns when ctx is done.
type Runner func(ctx context.Context) error

// RunAll runs every bridge until ctx is done or one of them fails, then
// waits for the rest to stop.
func RunAll(ctx context.Context, runners ...Runner) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, run := range runners {
		g.Go(func() error {
			return run(ctx)
		})
	}
	return g.Wait()
}

// decode parses a raw envelope and submits it.
func decode(s Submitter, body []byte, source string) (string, error) {
	var req model.SubmitJobRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return "", apperr.Validation("%s: invalid envelope: %v", source, err)
	}
	if req.Metadata == nil {
		req.Metadata = make(map[string]any)
	}
	req.Metadata["source"] = source
	return s.Submit(req)
}

// permanent reports errors that no redelivery can fix.
func permanent(err error) bool {
	return errors.Is(err, apperr.ErrValidation)
}

func encodeEnvelope(req model.SubmitJobRequest) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}
