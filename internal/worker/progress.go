package worker

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/reelforge/api/internal/model"
)

// Reporter receives render progress. Implementations must not block.
type Reporter interface {
	Report(p model.RenderProgress)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(p model.RenderProgress)

func (f ReporterFunc) Report(p model.RenderProgress) { f(p) }

// MultiReporter fans progress out to several reporters in order.
type MultiReporter []Reporter

func (m MultiReporter) Report(p model.RenderProgress) {
	for _, r := range m {
		if r != nil {
			r.Report(p)
		}
	}
}

// ChannelReporter buffers progress on a channel. Reports that do not fit are
// dropped and logged, as are reports after Close.
type ChannelReporter struct {
	ch     chan model.RenderProgress
	logger zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

func NewChannelReporter(buffer int, logger zerolog.Logger) *ChannelReporter {
	if buffer < 1 {
		buffer = 1
	}
	return &ChannelReporter{ch: make(chan model.RenderProgress, buffer), logger: logger}
}

func (c *ChannelReporter) C() <-chan model.RenderProgress {
	return c.ch
}

func (c *ChannelReporter) Report(p model.RenderProgress) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.ch <- p:
	default:
		c.logger.Warn().Str("jobId", p.JobID).Str("stage", string(p.Stage)).Msg("progress dropped, consumer is behind")
	}
}

// Drain hands every buffered report to fn until the reporter is closed and
// empty.
func (c *ChannelReporter) Drain(fn func(model.RenderProgress)) {
	for p := range c.ch {
		fn(p)
	}
}

// Close ends Drain once the buffer is consumed. It is safe to call more
// than once.
func (c *ChannelReporter) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}

// stageWeight is one stage's share of the overall percentage.
type stageWeight struct {
	stage  model.Stage
	weight int
}

var renderWeights = []stageWeight{
	{model.StagePreparing, 5},
	{model.StageFrames, 25},
	{model.StageAudio, 15},
	{model.StageEncoding, 30},
	{model.StageUpload, 20},
	{model.StageComplete, 5},
}

// batchWeights serve jobs whose work is a single encoding phase.
var batchWeights = []stageWeight{
	{model.StagePreparing, 5},
	{model.StageEncoding, 90},
	{model.StageComplete, 5},
}

// tracker turns stage-local fractions into a non-decreasing overall percent.
type tracker struct {
	jobID    string
	reporter Reporter
	weights  []stageWeight

	mu      sync.Mutex
	stage   model.Stage
	percent int
}

func newTracker(jobID string, reporter Reporter, weights []stageWeight) *tracker {
	return &tracker{jobID: jobID, reporter: reporter, weights: weights}
}

// base returns the cumulative weight of every stage before stage.
func (t *tracker) base(stage model.Stage) (int, int) {
	sum := 0
	for _, w := range t.weights {
		if w.stage == stage {
			return sum, w.weight
		}
		sum += w.weight
	}
	return sum, 0
}

// enter marks the start of stage.
func (t *tracker) enter(stage model.Stage, msg string) {
	t.within(stage, 0, msg, model.RenderProgress{})
}

// skip credits a stage that has no work.
func (t *tracker) skip(stage model.Stage, msg string) {
	t.within(stage, 1, msg, model.RenderProgress{})
}

// within reports fraction (0..1) of stage done. extra carries frame counters.
func (t *tracker) within(stage model.Stage, fraction float64, msg string, extra model.RenderProgress) {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	base, weight := t.base(stage)
	pct := base + int(float64(weight)*fraction)

	t.mu.Lock()
	if pct < t.percent {
		pct = t.percent
	}
	if pct > 100 {
		pct = 100
	}
	t.percent = pct
	t.stage = stage
	t.mu.Unlock()

	extra.JobID = t.jobID
	extra.Stage = stage
	extra.Percent = pct
	extra.Message = msg
	t.report(extra)
}

// complete reports 100%.
func (t *tracker) complete(msg string) {
	t.mu.Lock()
	t.percent = 100
	t.stage = model.StageComplete
	t.mu.Unlock()
	t.report(model.RenderProgress{JobID: t.jobID, Stage: model.StageComplete, Percent: 100, Message: msg})
}

// fail reports a terminal error or cancellation at the last percent reached.
func (t *tracker) fail(stage model.Stage, msg, errMsg string) {
	t.mu.Lock()
	pct := t.percent
	t.stage = stage
	t.mu.Unlock()
	t.report(model.RenderProgress{JobID: t.jobID, Stage: stage, Percent: pct, Message: msg, Error: errMsg})
}

func (t *tracker) current() (model.Stage, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stage, t.percent
}

func (t *tracker) report(p model.RenderProgress) {
	if t.reporter != nil {
		t.reporter.Report(p)
	}
}
