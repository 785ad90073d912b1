package model

import (
	"bytes"
	"encoding/json"

	"github.com/reelforge/api/internal/apperr"
)

// SubmitJobRequest is the submission envelope shared by HTTP, asynq and AMQP
type SubmitJobRequest struct {
	Type        JobType         `json:"type" validate:"required,oneof=render renditions watermark"`
	Data        json.RawMessage `json:"data" validate:"required" swaggertype:"object"`
	Priority    string          `json:"priority,omitempty"`
	MaxAttempts int             `json:"maxAttempts,omitempty" validate:"omitempty,min=1,max=10"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
}

// SubmitJobResponse represents the response for a job submission
type SubmitJobResponse struct {
	JobID string `json:"jobId"`
}

// DecodePayload turns the raw data into the payload variant named by Type.
func (r SubmitJobRequest) DecodePayload() (Payload, error) {
	var target Payload
	switch r.Type {
	case JobTypeRender:
		target = &RenderJobPayload{}
	case JobTypeRenditions:
		target = &RenditionJobPayload{}
	case JobTypeWatermark:
		target = &WatermarkJobPayload{}
	default:
		return nil, apperr.Validation("unknown job type %q", r.Type)
	}

	dec := json.NewDecoder(bytes.NewReader(r.Data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return nil, apperr.Validation("invalid %s payload: %v", r.Type, err)
	}

	switch p := target.(type) {
	case *RenderJobPayload:
		return *p, nil
	case *RenditionJobPayload:
		return *p, nil
	case *WatermarkJobPayload:
		return *p, nil
	}
	return target, nil
}
