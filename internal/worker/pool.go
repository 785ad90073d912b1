package worker

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/reelforge/api/internal/apperr"
	"github.com/reelforge/api/internal/model"
	"github.com/reelforge/api/internal/queue"
	"github.com/reelforge/api/internal/transcoder"
)

// Pool owns a fixed set of workers. The queue processor borrows an idle
// worker for each job and hands it back when the job ends.
type Pool struct {
	workers  []*RenderWorker
	idle     chan *RenderWorker
	reporter Reporter
	logger   zerolog.Logger

	mu     sync.Mutex
	active map[string]*RenderWorker
}

// NewPool creates size workers, each with its own adapter from factory.
func NewPool(size int, cfg Config, deps Deps, factory transcoder.Factory, reporter Reporter, logger zerolog.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{
		idle:     make(chan *RenderWorker, size),
		reporter: reporter,
		logger:   logger.With().Str("component", "pool").Logger(),
		active:   make(map[string]*RenderWorker),
	}
	for i := 0; i < size; i++ {
		w := NewRenderWorker(i, cfg, deps, factory(), logger)
		p.workers = append(p.workers, w)
		p.idle <- w
	}
	return p
}

func (p *Pool) Size() int {
	return len(p.workers)
}

// Register installs the pool as the processor of every job type.
func (p *Pool) Register(q *queue.Queue) {
	for _, t := range []model.JobType{model.JobTypeRender, model.JobTypeRenditions, model.JobTypeWatermark} {
		q.RegisterProcessor(t, p.Process)
	}
}

// Process runs job on an idle worker. It has the queue.Processor signature.
func (p *Pool) Process(ctx context.Context, job *model.Job) (any, error) {
	var w *RenderWorker
	select {
	case w = <-p.idle:
	case <-ctx.Done():
		return nil, apperr.Wrap(apperr.ErrCancelled, "", "acquire worker", ctx.Err())
	}

	p.mu.Lock()
	p.active[job.ID] = w
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.active, job.ID)
		p.mu.Unlock()
		p.idle <- w
	}()

	p.logger.Debug().Str("jobId", job.ID).Str("type", string(job.Type)).Int("attempt", job.Attempts).Msg("job assigned")

	switch pl := job.Payload.(type) {
	case *model.RenderJobPayload:
		return p.render(ctx, w, job.ID, *pl)
	case model.RenderJobPayload:
		return p.render(ctx, w, job.ID, pl)
	case *model.RenditionJobPayload:
		return p.renditions(ctx, w, job.ID, *pl)
	case model.RenditionJobPayload:
		return p.renditions(ctx, w, job.ID, pl)
	case *model.WatermarkJobPayload:
		return p.watermark(ctx, w, job.ID, *pl)
	case model.WatermarkJobPayload:
		return p.watermark(ctx, w, job.ID, pl)
	default:
		return nil, apperr.Validation("unsupported payload %T", job.Payload)
	}
}

func (p *Pool) render(ctx context.Context, w *RenderWorker, id string, pl model.RenderJobPayload) (any, error) {
	res, err := w.Render(ctx, id, pl, p.reporter)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (p *Pool) renditions(ctx context.Context, w *RenderWorker, id string, pl model.RenditionJobPayload) (any, error) {
	res, err := w.Renditions(ctx, id, pl, p.reporter)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (p *Pool) watermark(ctx context.Context, w *RenderWorker, id string, pl model.WatermarkJobPayload) (any, error) {
	res, err := w.Watermark(ctx, id, pl, p.reporter)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// CancelJob cancels a job that a worker is currently running.
func (p *Pool) CancelJob(jobID string) bool {
	p.mu.Lock()
	w, ok := p.active[jobID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	return w.Cancel()
}

// Active returns the ids of running jobs.
func (p *Pool) Active() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}
	return ids
}
