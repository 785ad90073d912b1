// Package queue is the in-process priority job queue. It owns every job,
// dispatches pending work to registered processors under a concurrency
// ceiling and retries failures with exponential backoff.
package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/reelforge/api/internal/apperr"
	"github.com/reelforge/api/internal/media"
	"github.com/reelforge/api/internal/model"
)

// Processor runs one job. The job is a snapshot; mutating it has no effect
// on the queue.
type Processor func(ctx context.Context, job *model.Job) (any, error)

// Config controls dispatch and retry behaviour
type Config struct {
	MaxConcurrent  int
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// MediaRoot confines every file reference of a payload to one
	// directory. Empty leaves references untouched.
	MediaRoot string
}

// AddOptions are the optional parts of a submission
type AddOptions struct {
	Priority    model.Priority
	MaxAttempts int
	Metadata    map[string]any
}

type entry struct {
	job *model.Job
	seq uint64
}

// Queue is safe for concurrent use.
type Queue struct {
	cfg      Config
	logger   zerolog.Logger
	validate *validator.Validate
	paths    model.PathResolver

	mu         sync.Mutex
	jobs       map[string]*entry
	pending    map[string]*entry
	processors map[model.JobType]Processor
	seq        uint64
	running    bool
	processing int
	subs       map[uint64]*Subscription
	nextSub    uint64

	looping  bool
	closed   bool
	wake     chan struct{}
	quit     chan struct{}
	loopDone chan struct{}
	inflight sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg Config, logger zerolog.Logger) *Queue {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBaseDelay < 0 {
		cfg.RetryBaseDelay = 0
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = time.Minute
	}

	var paths model.PathResolver
	if cfg.MediaRoot != "" {
		paths = media.NewRoot(cfg.MediaRoot)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		paths:      paths,
		cfg:        cfg,
		logger:     logger.With().Str("component", "queue").Logger(),
		validate:   NewValidator(),
		jobs:       make(map[string]*entry),
		pending:    make(map[string]*entry),
		processors: make(map[model.JobType]Processor),
		subs:       make(map[uint64]*Subscription),
		wake:       make(chan struct{}, 1),
		quit:       make(chan struct{}),
		loopDone:   make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// MaxConcurrent returns the configured ceiling.
func (q *Queue) MaxConcurrent() int {
	return q.cfg.MaxConcurrent
}

// RegisterProcessor binds a processor to a job type, replacing any earlier one.
func (q *Queue) RegisterProcessor(jobType model.JobType, p Processor) {
	q.mu.Lock()
	q.processors[jobType] = p
	q.mu.Unlock()
	q.signal()
}

// AddJob validates the payload and enqueues a new pending job.
func (q *Queue) AddJob(jobType model.JobType, payload model.Payload, opts AddOptions) (string, error) {
	if err := q.validatePayload(jobType, payload); err != nil {
		return "", err
	}
	payload, err := q.resolvePaths(payload)
	if err != nil {
		return "", err
	}
	priority, err := model.ParsePriority(string(opts.Priority))
	if err != nil {
		return "", fmt.Errorf("%w: %w", apperr.ErrValidation, err)
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.MaxAttempts
	}

	job := &model.Job{
		ID:          uuid.NewString(),
		Type:        jobType,
		Payload:     payload,
		Priority:    priority,
		Status:      model.JobStatusPending,
		MaxAttempts: maxAttempts,
		CreatedAt:   time.Now(),
		Metadata:    opts.Metadata,
	}

	q.mu.Lock()
	q.seq++
	e := &entry{job: job, seq: q.seq}
	q.jobs[job.ID] = e
	q.pending[job.ID] = e
	q.emit(EventJobAdded, job, "", 0)
	q.mu.Unlock()

	q.logger.Debug().Str("jobId", job.ID).Str("type", string(jobType)).Str("priority", string(priority)).Msg("job added")
	q.signal()
	return job.ID, nil
}

func (q *Queue) validatePayload(jobType model.JobType, payload model.Payload) error {
	if payload == nil {
		return apperr.Validation("payload is required")
	}
	if payload.JobType() != jobType {
		return apperr.Validation("payload of type %s does not match job type %s", payload.JobType(), jobType)
	}
	if err := q.validate.Struct(payload); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fmt.Errorf("%w: %s payload: %w", apperr.ErrValidation, jobType, verrs)
		}
		return fmt.Errorf("%w: %s payload: %w", apperr.ErrValidation, jobType, err)
	}
	if c, ok := payload.(model.Checker); ok {
		if err := c.Check(); err != nil {
			if !errors.Is(err, apperr.ErrValidation) {
				err = fmt.Errorf("%w: %w", apperr.ErrValidation, err)
			}
			return err
		}
	}
	return nil
}

// resolvePaths rewrites the payload's file references to absolute paths
// under the media root.
func (q *Queue) resolvePaths(payload model.Payload) (model.Payload, error) {
	h, ok := payload.(model.PathHolder)
	if q.paths == nil || !ok {
		return payload, nil
	}
	resolved, err := h.ResolvePaths(q.paths)
	if err != nil {
		if !errors.Is(err, apperr.ErrValidation) {
			err = fmt.Errorf("%w: %w", apperr.ErrValidation, err)
		}
		return nil, err
	}
	return resolved, nil
}

// Start enables dispatch. The dispatch goroutine is created on first use.
// A queue that has been shut down stays stopped.
func (q *Queue) Start() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.logger.Warn().Msg("start after shutdown ignored")
		return
	}
	q.running = true
	if !q.looping {
		q.looping = true
		go q.loop()
	}
	q.mu.Unlock()
	q.signal()
}

// Stop halts dispatch of new work. In-flight jobs keep running.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.running = false
	q.mu.Unlock()
}

// Running reports whether dispatch is enabled.
func (q *Queue) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Shutdown stops dispatch and waits for in-flight jobs. When ctx expires
// first, the processors' context is cancelled and ctx.Err is returned.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.running = false
	q.closed = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.inflight.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		q.cancel()
		<-done
	}

	q.mu.Lock()
	looping := q.looping
	q.looping = false
	q.mu.Unlock()
	if looping {
		close(q.quit)
		<-q.loopDone
	}
	q.cancel()
	return err
}

// CancelJob cancels a pending job. Jobs in any other status are left
// untouched and false is returned.
func (q *Queue) CancelJob(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.jobs[id]
	if !ok || e.job.Status != model.JobStatusPending {
		return false
	}
	delete(q.pending, id)
	now := time.Now()
	e.job.Status = model.JobStatusCancelled
	e.job.CompletedAt = &now
	q.emit(EventJobCancelled, e.job, "", 0)
	q.emitIdle(true)
	return true
}

// RetryJob moves a failed job back to pending with its attempts reset.
func (q *Queue) RetryJob(id string) bool {
	q.mu.Lock()
	e, ok := q.jobs[id]
	if !ok || e.job.Status != model.JobStatusFailed {
		q.mu.Unlock()
		return false
	}
	e.job.Status = model.JobStatusPending
	e.job.Attempts = 0
	e.job.Error = ""
	e.job.Result = nil
	e.job.StartedAt = nil
	e.job.CompletedAt = nil
	e.job.NotBefore = time.Time{}
	q.seq++
	e.seq = q.seq
	q.pending[id] = e
	q.emit(EventJobRetrying, e.job, "", 0)
	q.mu.Unlock()

	q.signal()
	return true
}

// GetJob returns a snapshot of the job.
func (q *Queue) GetJob(id string) (*model.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.jobs[id]
	if !ok {
		return nil, false
	}
	return e.job.Clone(), true
}

// GetJobsByStatus returns snapshots in submission order.
func (q *Queue) GetJobsByStatus(status model.JobStatus) []*model.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := make([]*entry, 0)
	for _, e := range q.jobs {
		if status == "" || e.job.Status == status {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].job.CreatedAt.Equal(entries[j].job.CreatedAt) {
			return entries[i].job.CreatedAt.Before(entries[j].job.CreatedAt)
		}
		return entries[i].seq < entries[j].seq
	})

	out := make([]*model.Job, len(entries))
	for i, e := range entries {
		out[i] = e.job.Clone()
	}
	return out
}

// GetStats counts jobs per status.
func (q *Queue) GetStats() model.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	var s model.QueueStats
	for _, e := range q.jobs {
		switch e.job.Status {
		case model.JobStatusPending:
			s.Pending++
		case model.JobStatusProcessing:
			s.Processing++
		case model.JobStatusCompleted:
			s.Completed++
		case model.JobStatusFailed:
			s.Failed++
		case model.JobStatusCancelled:
			s.Cancelled++
		}
	}
	s.Total = len(q.jobs)
	return s
}

// ClearCompleted drops completed jobs and returns how many were removed.
func (q *Queue) ClearCompleted() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for id, e := range q.jobs {
		if e.job.Status == model.JobStatusCompleted {
			delete(q.jobs, id)
			n++
		}
	}
	return n
}

// ClearAll drops every job that is not currently processing. Processing
// jobs stay until their processor returns.
func (q *Queue) ClearAll() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for id, e := range q.jobs {
		if e.job.Status != model.JobStatusProcessing {
			delete(q.jobs, id)
		}
	}
	clear(q.pending)
}

// Backoff returns the delay before retry number attempt (1-based):
// base * 2^(attempt-1), capped at the configured maximum.
func (q *Queue) Backoff(attempt int) time.Duration {
	return backoff(q.cfg.RetryBaseDelay, q.cfg.RetryMaxDelay, attempt)
}

func backoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) loop() {
	defer close(q.loopDone)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	for {
		if wait := q.dispatch(); wait > 0 {
			timer.Reset(wait)
		}
		select {
		case <-q.wake:
		case <-timer.C:
		case <-q.quit:
			timer.Stop()
			return
		}
		timer.Stop()
	}
}

// dispatch starts as many eligible jobs as the ceiling allows. It returns
// how long until the next delayed retry becomes eligible, or 0.
func (q *Queue) dispatch() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.running {
		return 0
	}
	now := time.Now()
	for q.processing < q.cfg.MaxConcurrent {
		e, wait := q.nextEligible(now)
		if e == nil {
			return wait
		}
		job := e.job
		delete(q.pending, job.ID)

		proc, ok := q.processors[job.Type]
		if !ok {
			job.Status = model.JobStatusFailed
			job.Error = fmt.Sprintf("no processor registered for job type %s", job.Type)
			job.CompletedAt = &now
			q.logger.Error().Str("jobId", job.ID).Str("type", string(job.Type)).Msg("no processor registered")
			q.emit(EventJobFailed, job, job.Error, 0)
			q.emitIdle(true)
			continue
		}

		started := now
		job.Status = model.JobStatusProcessing
		job.StartedAt = &started
		job.NotBefore = time.Time{}
		q.processing++
		q.emit(EventJobStarted, job, "", 0)
		if len(q.pending) == 0 {
			q.emit(EventQueueEmpty, nil, "", 0)
		}

		q.inflight.Add(1)
		go q.execute(job.ID, proc, job.Clone())
	}
	return 0
}

// nextEligible picks the highest priority pending job, oldest first within
// a tier, skipping jobs whose backoff has not elapsed.
func (q *Queue) nextEligible(now time.Time) (*entry, time.Duration) {
	var best *entry
	var wait time.Duration
	for _, e := range q.pending {
		if nb := e.job.NotBefore; !nb.IsZero() && nb.After(now) {
			if d := nb.Sub(now); wait == 0 || d < wait {
				wait = d
			}
			continue
		}
		if best == nil || outranks(e, best) {
			best = e
		}
	}
	return best, wait
}

func outranks(a, b *entry) bool {
	ra, rb := a.job.Priority.Rank(), b.job.Priority.Rank()
	if ra != rb {
		return ra > rb
	}
	return a.seq < b.seq
}

func (q *Queue) execute(id string, proc Processor, job *model.Job) {
	defer q.inflight.Done()

	result, err := q.invoke(proc, job)
	q.finish(id, result, err)
	q.signal()
}

func (q *Queue) invoke(proc Processor, job *model.Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error().Str("jobId", job.ID).Interface("panic", r).Bytes("stack", debug.Stack()).Msg("processor panicked")
			err = fmt.Errorf("%w: processor panic: %v", apperr.ErrProcessing, r)
		}
	}()
	return proc(q.ctx, job)
}

func (q *Queue) finish(id string, result any, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.processing--
	e, ok := q.jobs[id]
	if !ok {
		q.emitIdle(false)
		return
	}
	job := e.job
	now := time.Now()
	log := q.logger.With().Str("jobId", id).Str("type", string(job.Type)).Logger()

	switch {
	case err == nil:
		job.Status = model.JobStatusCompleted
		job.Result = result
		job.Error = ""
		job.CompletedAt = &now
		log.Info().Msg("job completed")
		q.emit(EventJobCompleted, job, "", 0)

	case apperr.IsCancellation(err):
		job.Status = model.JobStatusCancelled
		job.Error = err.Error()
		job.CompletedAt = &now
		log.Info().Msg("job cancelled by worker")
		q.emit(EventJobCancelled, job, job.Error, 0)

	default:
		job.Attempts++
		job.Error = err.Error()
		if apperr.Retryable(err) && job.Attempts < job.MaxAttempts {
			delay := q.Backoff(job.Attempts)
			job.Status = model.JobStatusPending
			job.NotBefore = now.Add(delay)
			q.seq++
			e.seq = q.seq
			q.pending[id] = e
			log.Warn().Err(err).Int("attempt", job.Attempts).Dur("delay", delay).Msg("job failed, retrying")
			q.emit(EventJobRetrying, job, job.Error, delay)
		} else {
			job.Status = model.JobStatusFailed
			job.CompletedAt = &now
			log.Error().Err(err).Int("attempts", job.Attempts).Msg("job failed")
			q.emit(EventJobFailed, job, job.Error, 0)
		}
	}
	q.emitIdle(false)
}

// emitIdle reports queue:empty (when asked) and queue:drained once nothing
// is pending or processing. Caller holds q.mu.
func (q *Queue) emitIdle(empty bool) {
	if len(q.pending) > 0 {
		return
	}
	if empty {
		q.emit(EventQueueEmpty, nil, "", 0)
	}
	if q.processing == 0 {
		q.emit(EventQueueDrained, nil, "", 0)
	}
}
