// Package store mirrors queue jobs into Redis so other processes can read
// job state and follow progress over pub/sub. The queue stays the owner of
// every job; the mirror is written after the fact and may lag.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/reelforge/api/internal/model"
	"github.com/reelforge/api/internal/queue"
)

var ErrNotFound = errors.New("job not found")

const (
	DefaultTTL     = 24 * time.Hour
	DefaultChannel = "reelforge:jobs"

	writeTimeout = 2 * time.Second
)

// Backend is the subset of the redis client the store uses.
type Backend interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

type Config struct {
	TTL     time.Duration
	Channel string
}

// JobRecord is the stored snapshot of a job
type JobRecord struct {
	ID          string                `json:"id"`
	Type        model.JobType         `json:"type"`
	Priority    model.Priority        `json:"priority"`
	Status      model.JobStatus       `json:"status"`
	Attempts    int                   `json:"attempts"`
	MaxAttempts int                   `json:"maxAttempts"`
	Payload     json.RawMessage       `json:"payload,omitempty"`
	Result      json.RawMessage       `json:"result,omitempty"`
	Error       string                `json:"error,omitempty"`
	Metadata    map[string]any        `json:"metadata,omitempty"`
	CreatedAt   time.Time             `json:"createdAt"`
	StartedAt   *time.Time            `json:"startedAt,omitempty"`
	CompletedAt *time.Time            `json:"completedAt,omitempty"`
	Progress    *model.RenderProgress `json:"progress,omitempty"`
	UpdatedAt   time.Time             `json:"updatedAt"`
}

// Message is published on the configured channel
type Message struct {
	Kind     string                `json:"kind"`
	Event    string                `json:"event,omitempty"`
	JobID    string                `json:"jobId"`
	Job      *JobRecord            `json:"job,omitempty"`
	Progress *model.RenderProgress `json:"progress,omitempty"`
}

const (
	KindEvent    = "event"
	KindProgress = "progress"
)

type Store struct {
	backend Backend
	cfg     Config
	logger  zerolog.Logger
	now     func() time.Time
}

func New(backend Backend, cfg Config, logger zerolog.Logger) *Store {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	return &Store{
		backend: backend,
		cfg:     cfg,
		logger:  logger.With().Str("component", "store").Logger(),
		now:     time.Now,
	}
}

func jobKey(id string) string {
	return fmt.Sprintf("job:%s", id)
}

func progressKey(id string) string {
	return fmt.Sprintf("job:%s:progress", id)
}

// Record converts a queue snapshot into its stored form.
func Record(job *model.Job, at time.Time) (*JobRecord, error) {
	rec := &JobRecord{
		ID:          job.ID,
		Type:        job.Type,
		Priority:    job.Priority,
		Status:      job.Status,
		Attempts:    job.Attempts,
		MaxAttempts: job.MaxAttempts,
		Error:       job.Error,
		Metadata:    job.Metadata,
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
		UpdatedAt:   at,
	}
	if job.Payload != nil {
		data, err := json.Marshal(job.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		rec.Payload = data
	}
	if job.Result != nil {
		data, err := json.Marshal(job.Result)
		if err != nil {
			return nil, fmt.Errorf("marshal result: %w", err)
		}
		rec.Result = data
	}
	return rec, nil
}

// SaveJob writes the job snapshot with the configured TTL.
func (s *Store) SaveJob(ctx context.Context, job *model.Job) (*JobRecord, error) {
	rec, err := Record(job, s.now())
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	if err := s.backend.Set(ctx, jobKey(job.ID), data, s.cfg.TTL).Err(); err != nil {
		return nil, fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return rec, nil
}

// SaveProgress stores the latest progress of a job and publishes it.
func (s *Store) SaveProgress(ctx context.Context, p model.RenderProgress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := s.backend.Set(ctx, progressKey(p.JobID), data, s.cfg.TTL).Err(); err != nil {
		return fmt.Errorf("save progress %s: %w", p.JobID, err)
	}
	return s.publish(ctx, Message{Kind: KindProgress, JobID: p.JobID, Progress: &p})
}

// GetJob reads a job snapshot merged with its latest progress.
func (s *Store) GetJob(ctx context.Context, id string) (*JobRecord, error) {
	data, err := s.backend.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var rec JobRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}

	pdata, err := s.backend.Get(ctx, progressKey(id)).Bytes()
	switch {
	case err == nil:
		var p model.RenderProgress
		if err := json.Unmarshal(pdata, &p); err == nil {
			rec.Progress = &p
		}
	case !errors.Is(err, redis.Nil):
		s.logger.Warn().Err(err).Str("jobId", id).Msg("failed to read progress")
	}
	return &rec, nil
}

// Delete removes a job and its progress.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.backend.Del(ctx, jobKey(id), progressKey(id)).Err()
}

// Report implements the worker progress reporter. Write failures are
// logged, never returned to the worker.
func (s *Store) Report(p model.RenderProgress) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.SaveProgress(ctx, p); err != nil {
		s.logger.Warn().Err(err).Str("jobId", p.JobID).Msg("failed to mirror progress")
	}
}

// Consume mirrors queue events until the subscription closes or ctx is
// done. Jobs dropped by the queue keep their record until the TTL expires.
func (s *Store) Consume(ctx context.Context, sub *queue.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if ev.Job == nil {
				continue
			}
			if err := s.apply(ctx, ev); err != nil {
				s.logger.Warn().Err(err).Str("jobId", ev.JobID).Str("event", string(ev.Type)).Msg("failed to mirror event")
			}
		}
	}
}

func (s *Store) apply(ctx context.Context, ev queue.Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	rec, err := s.SaveJob(ctx, ev.Job)
	if err != nil {
		return err
	}
	return s.publish(ctx, Message{Kind: KindEvent, Event: string(ev.Type), JobID: ev.JobID, Job: rec})
}

func (s *Store) publish(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := s.backend.Publish(ctx, s.cfg.Channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Kind, err)
	}
	return nil
}
