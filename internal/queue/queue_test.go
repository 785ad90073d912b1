package queue

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelforge/api/internal/apperr"
	"github.com/reelforge/api/internal/model"
)

func newTestQueue(cfg Config) *Queue {
	return New(cfg, zerolog.Nop())
}

func renditionPayload() model.RenditionJobPayload {
	return model.RenditionJobPayload{
		SourcePath:       "/in.mp4",
		OutputDir:        "/out",
		RenditionRequest: model.RenditionRequest{Preset: model.PresetBasic, Format: model.ManifestHLS},
	}
}

func addJob(t *testing.T, q *Queue, priority model.Priority, maxAttempts int) string {
	t.Helper()
	id, err := q.AddJob(model.JobTypeRenditions, renditionPayload(), AddOptions{Priority: priority, MaxAttempts: maxAttempts})
	require.NoError(t, err)
	return id
}

func waitForEvent(t *testing.T, sub *Subscription, typ EventType, jobID string) Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sub.C():
			require.True(t, ok, "subscription closed")
			if ev.Type == typ && (jobID == "" || ev.JobID == jobID) {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
			return Event{}
		}
	}
}

func shutdown(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Shutdown(ctx))
}

func TestPriorityOrder(t *testing.T) {
	q := newTestQueue(Config{MaxConcurrent: 1})
	defer shutdown(t, q)
	sub := q.Subscribe(64)
	defer sub.Close()

	var mu sync.Mutex
	var order []model.Priority
	q.RegisterProcessor(model.JobTypeRenditions, func(ctx context.Context, job *model.Job) (any, error) {
		mu.Lock()
		order = append(order, job.Priority)
		mu.Unlock()
		return nil, nil
	})

	addJob(t, q, model.PriorityLow, 0)
	addJob(t, q, model.PriorityUrgent, 0)
	addJob(t, q, model.PriorityHigh, 0)
	q.Start()

	waitForEvent(t, sub, EventQueueDrained, "")
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []model.Priority{model.PriorityUrgent, model.PriorityHigh, model.PriorityLow}, order)
}

func TestFIFOWithinTier(t *testing.T) {
	q := newTestQueue(Config{MaxConcurrent: 1})
	defer shutdown(t, q)
	sub := q.Subscribe(64)
	defer sub.Close()

	var mu sync.Mutex
	var order []string
	q.RegisterProcessor(model.JobTypeRenditions, func(ctx context.Context, job *model.Job) (any, error) {
		mu.Lock()
		order = append(order, job.ID)
		mu.Unlock()
		return nil, nil
	})

	first := addJob(t, q, model.PriorityNormal, 0)
	second := addJob(t, q, model.PriorityNormal, 0)
	third := addJob(t, q, model.PriorityNormal, 0)
	q.Start()

	waitForEvent(t, sub, EventQueueDrained, "")
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{first, second, third}, order)
}

func TestConcurrencyCeilingAndSingleDrained(t *testing.T) {
	q := newTestQueue(Config{MaxConcurrent: 2})
	defer shutdown(t, q)
	sub := q.Subscribe(128)
	defer sub.Close()

	var active, peak int32
	q.RegisterProcessor(model.JobTypeRenditions, func(ctx context.Context, job *model.Job) (any, error) {
		n := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(100 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return "ok", nil
	})

	for i := 0; i < 5; i++ {
		addJob(t, q, model.PriorityNormal, 0)
	}
	q.Start()

	drained := 0
	terminal := 0
	timeout := time.After(5 * time.Second)
	for terminal < 5 || drained < 1 {
		select {
		case ev := <-sub.C():
			switch ev.Type {
			case EventJobCompleted, EventJobFailed, EventJobCancelled:
				terminal++
			case EventQueueDrained:
				drained++
				assert.Equal(t, 5, terminal, "drained before every job finished")
			}
		case <-timeout:
			t.Fatal("timed out")
		}
	}

	// nothing else may arrive
	select {
	case ev := <-sub.C():
		assert.NotEqual(t, EventQueueDrained, ev.Type)
	case <-time.After(200 * time.Millisecond):
	}

	assert.Equal(t, 1, drained)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	assert.Equal(t, 5, q.GetStats().Completed)
}

func TestRetryJobOnlyFromFailed(t *testing.T) {
	q := newTestQueue(Config{MaxConcurrent: 1})
	defer shutdown(t, q)
	sub := q.Subscribe(64)
	defer sub.Close()

	release := make(chan struct{})
	q.RegisterProcessor(model.JobTypeRenditions, func(ctx context.Context, job *model.Job) (any, error) {
		if job.Priority == model.PriorityUrgent {
			<-release
			return nil, nil
		}
		return nil, errors.New("encode failed")
	})

	failing := addJob(t, q, model.PriorityNormal, 1)
	q.Start()
	waitForEvent(t, sub, EventJobFailed, failing)

	job, ok := q.GetJob(failing)
	require.True(t, ok)
	assert.Equal(t, model.JobStatusFailed, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Contains(t, job.Error, "encode failed")

	blocking := addJob(t, q, model.PriorityUrgent, 1)
	waitForEvent(t, sub, EventJobStarted, blocking)

	// a processing job cannot be retried or cancelled
	before, _ := q.GetJob(blocking)
	assert.False(t, q.RetryJob(blocking))
	assert.False(t, q.CancelJob(blocking))
	after, _ := q.GetJob(blocking)
	assert.Equal(t, before, after)

	q.Stop()
	require.True(t, q.RetryJob(failing))
	job, _ = q.GetJob(failing)
	assert.Equal(t, model.JobStatusPending, job.Status)
	assert.Equal(t, 0, job.Attempts)
	assert.Empty(t, job.Error)

	close(release)
	waitForEvent(t, sub, EventJobCompleted, blocking)

	// a completed job cannot be retried
	assert.False(t, q.RetryJob(blocking))
	job, _ = q.GetJob(blocking)
	assert.Equal(t, model.JobStatusCompleted, job.Status)
	assert.False(t, q.RetryJob("missing"))
}

func TestCancelPendingJob(t *testing.T) {
	q := newTestQueue(Config{MaxConcurrent: 1})
	defer shutdown(t, q)

	id := addJob(t, q, model.PriorityNormal, 0)
	assert.True(t, q.CancelJob(id))

	job, _ := q.GetJob(id)
	assert.Equal(t, model.JobStatusCancelled, job.Status)
	assert.NotNil(t, job.CompletedAt)

	// cancelled is terminal
	assert.False(t, q.CancelJob(id))
	assert.False(t, q.RetryJob(id))
	assert.False(t, q.CancelJob("missing"))

	stats := q.GetStats()
	assert.Equal(t, 1, stats.Cancelled)
	assert.Equal(t, 0, stats.Failed)
}

func TestExhaustsAttempts(t *testing.T) {
	q := newTestQueue(Config{MaxConcurrent: 1})
	defer shutdown(t, q)
	sub := q.Subscribe(64)
	defer sub.Close()

	var calls int32
	q.RegisterProcessor(model.JobTypeRenditions, func(ctx context.Context, job *model.Job) (any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("always")
	})

	id := addJob(t, q, model.PriorityNormal, 3)
	q.Start()
	waitForEvent(t, sub, EventJobFailed, id)

	job, _ := q.GetJob(id)
	assert.Equal(t, model.JobStatusFailed, job.Status)
	assert.Equal(t, 3, job.Attempts)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.LessOrEqual(t, job.Attempts, job.MaxAttempts)
}

func TestRetryWaitsForBackoff(t *testing.T) {
	q := newTestQueue(Config{MaxConcurrent: 1, RetryBaseDelay: 150 * time.Millisecond, RetryMaxDelay: time.Second})
	defer shutdown(t, q)
	sub := q.Subscribe(64)
	defer sub.Close()

	var mu sync.Mutex
	var starts []time.Time
	q.RegisterProcessor(model.JobTypeRenditions, func(ctx context.Context, job *model.Job) (any, error) {
		mu.Lock()
		starts = append(starts, time.Now())
		n := len(starts)
		mu.Unlock()
		if n == 1 {
			return nil, errors.New("transient")
		}
		return "done", nil
	})

	id := addJob(t, q, model.PriorityNormal, 2)
	q.Start()

	retry := waitForEvent(t, sub, EventJobRetrying, id)
	assert.Equal(t, 150*time.Millisecond, retry.Delay)
	assert.Equal(t, model.JobStatusPending, retry.Job.Status)

	done := waitForEvent(t, sub, EventJobCompleted, id)
	assert.Equal(t, "done", done.Job.Result)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, starts, 2)
	assert.GreaterOrEqual(t, starts[1].Sub(starts[0]), 140*time.Millisecond)
}

func TestCancellationIsNotRetried(t *testing.T) {
	q := newTestQueue(Config{MaxConcurrent: 1})
	defer shutdown(t, q)
	sub := q.Subscribe(64)
	defer sub.Close()

	q.RegisterProcessor(model.JobTypeRenditions, func(ctx context.Context, job *model.Job) (any, error) {
		return nil, apperr.InStage("encoding", context.Canceled)
	})

	id := addJob(t, q, model.PriorityNormal, 3)
	q.Start()
	waitForEvent(t, sub, EventJobCancelled, id)

	job, _ := q.GetJob(id)
	assert.Equal(t, model.JobStatusCancelled, job.Status)
	assert.Equal(t, 0, job.Attempts)
}

func TestPanicBecomesFailure(t *testing.T) {
	q := newTestQueue(Config{MaxConcurrent: 1})
	defer shutdown(t, q)
	sub := q.Subscribe(64)
	defer sub.Close()

	q.RegisterProcessor(model.JobTypeRenditions, func(ctx context.Context, job *model.Job) (any, error) {
		panic("boom")
	})

	id := addJob(t, q, model.PriorityNormal, 1)
	q.Start()
	ev := waitForEvent(t, sub, EventJobFailed, id)
	assert.Contains(t, ev.Error, "processor panic: boom")
}

func TestAddJobValidation(t *testing.T) {
	q := newTestQueue(Config{})
	defer shutdown(t, q)

	_, err := q.AddJob(model.JobTypeRender, renditionPayload(), AddOptions{})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = q.AddJob(model.JobTypeRenditions, nil, AddOptions{})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	bad := renditionPayload()
	bad.SourcePath = ""
	_, err = q.AddJob(model.JobTypeRenditions, bad, AddOptions{})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	var verrs validator.ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Equal(t, "required", FieldErrors(err)["sourcePath"])

	noLevels := renditionPayload()
	noLevels.Preset = ""
	_, err = q.AddJob(model.JobTypeRenditions, noLevels, AddOptions{})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = q.AddJob(model.JobTypeRenditions, renditionPayload(), AddOptions{Priority: "asap"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	assert.Equal(t, 0, q.GetStats().Total)
}

func TestAddJobDefaults(t *testing.T) {
	q := newTestQueue(Config{MaxAttempts: 4})
	defer shutdown(t, q)
	sub := q.Subscribe(4)
	defer sub.Close()

	id, err := q.AddJob(model.JobTypeRenditions, renditionPayload(), AddOptions{Metadata: map[string]any{"userId": "u1"}})
	require.NoError(t, err)

	ev := waitForEvent(t, sub, EventJobAdded, id)
	assert.Equal(t, model.PriorityNormal, ev.Job.Priority)
	assert.Equal(t, 4, ev.Job.MaxAttempts)
	assert.Equal(t, "u1", ev.Job.Metadata["userId"])
}

func TestMediaRootResolvesPayloadPaths(t *testing.T) {
	root := t.TempDir()
	q := newTestQueue(Config{MediaRoot: root})
	defer shutdown(t, q)

	id, err := q.AddJob(model.JobTypeRenditions, model.RenditionJobPayload{
		SourcePath:       "uploads/in.mp4",
		OutputDir:        "renditions/in",
		RenditionRequest: model.RenditionRequest{Preset: model.PresetBasic},
	}, AddOptions{})
	require.NoError(t, err)

	job, ok := q.GetJob(id)
	require.True(t, ok)
	p := job.Payload.(model.RenditionJobPayload)
	assert.Equal(t, filepath.Join(root, "uploads", "in.mp4"), p.SourcePath)
	assert.Equal(t, filepath.Join(root, "renditions", "in"), p.OutputDir)

	id, err = q.AddJob(model.JobTypeRender, model.RenderJobPayload{
		ID: "r1", ProjectID: "p1", UserID: "u1",
		Slides: []model.SlideData{
			{ID: "s1", ImageURL: "https://cdn.example.com/1.png", Duration: 1},
			{ID: "s2", ImageURL: "slides/2.png", Duration: 1},
		},
		Config: model.RenderConfig{
			Resolution: model.Resolution{Width: 640, Height: 360},
			FPS:        24, Quality: model.QualityLow, Codec: model.CodecH264, Format: model.FormatMP4,
		},
		Watermarks: []model.WatermarkSpec{{Type: model.WatermarkLogo, ImagePath: "brand/logo.png", Opacity: 1}},
	}, AddOptions{})
	require.NoError(t, err)

	job, _ = q.GetJob(id)
	r := job.Payload.(model.RenderJobPayload)
	assert.Equal(t, "https://cdn.example.com/1.png", r.Slides[0].ImageURL)
	assert.Equal(t, filepath.Join(root, "slides", "2.png"), r.Slides[1].ImageURL)
	assert.Equal(t, filepath.Join(root, "brand", "logo.png"), r.Watermarks[0].ImagePath)
}

func TestMediaRootRejectsOutsidePaths(t *testing.T) {
	q := newTestQueue(Config{MediaRoot: t.TempDir()})
	defer shutdown(t, q)

	renditions := func(data string) model.SubmitJobRequest {
		return model.SubmitJobRequest{Type: model.JobTypeRenditions, Data: json.RawMessage(data)}
	}
	for name, req := range map[string]model.SubmitJobRequest{
		"absolute source": renditions(`{"sourcePath": "/etc/passwd", "outputDir": "out", "preset": "basic"}`),
		"absolute output": renditions(`{"sourcePath": "in.mp4", "outputDir": "/etc/cron.d", "preset": "basic"}`),
		"parent escape":   renditions(`{"sourcePath": "../../etc/passwd", "outputDir": "out", "preset": "basic"}`),
		"file url":        renditions(`{"sourcePath": "file:///etc/passwd", "outputDir": "out", "preset": "basic"}`),
		"watermark input": {Type: model.JobTypeWatermark, Data: json.RawMessage(
			`{"inputs": ["ok.mp4", "/etc/shadow"], "outputDir": "out", "watermarks": [{"type": "text", "text": "x", "opacity": 1}]}`)},
		"render slide file url": {Type: model.JobTypeRender, Data: json.RawMessage(`{
			"id": "r1", "projectId": "p1", "userId": "u1",
			"slides": [{"id": "s1", "imageUrl": "file:///etc/passwd", "duration": 1}],
			"config": {"resolution": {"width": 640, "height": 360}, "fps": 24, "quality": "low", "codec": "h264", "format": "mp4"}}`)},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := q.Submit(req)
			require.Error(t, err)
			assert.ErrorIs(t, err, apperr.ErrValidation)
		})
	}
	assert.Zero(t, q.GetStats().Total)
}

func TestClearCompletedAndStats(t *testing.T) {
	q := newTestQueue(Config{MaxConcurrent: 2})
	defer shutdown(t, q)
	sub := q.Subscribe(64)
	defer sub.Close()

	q.RegisterProcessor(model.JobTypeRenditions, func(ctx context.Context, job *model.Job) (any, error) {
		if job.Priority == model.PriorityLow {
			return nil, errors.New("bad source")
		}
		return nil, nil
	})

	addJob(t, q, model.PriorityNormal, 1)
	addJob(t, q, model.PriorityNormal, 1)
	addJob(t, q, model.PriorityLow, 1)
	cancelled := addJob(t, q, model.PriorityHigh, 1)
	require.True(t, q.CancelJob(cancelled))
	q.Start()
	waitForEvent(t, sub, EventQueueDrained, "")

	stats := q.GetStats()
	assert.Equal(t, model.QueueStats{Completed: 2, Failed: 1, Cancelled: 1, Total: 4}, stats)
	assert.Len(t, q.GetJobsByStatus(model.JobStatusCompleted), 2)

	assert.Equal(t, 2, q.ClearCompleted())
	assert.Equal(t, 2, q.GetStats().Total)

	q.ClearAll()
	assert.Equal(t, 0, q.GetStats().Total)
}

func TestProcessorReplacement(t *testing.T) {
	q := newTestQueue(Config{MaxConcurrent: 1})
	defer shutdown(t, q)
	sub := q.Subscribe(16)
	defer sub.Close()

	q.RegisterProcessor(model.JobTypeRenditions, func(ctx context.Context, job *model.Job) (any, error) {
		return "first", nil
	})
	q.RegisterProcessor(model.JobTypeRenditions, func(ctx context.Context, job *model.Job) (any, error) {
		return "second", nil
	})

	id := addJob(t, q, model.PriorityNormal, 0)
	q.Start()
	ev := waitForEvent(t, sub, EventJobCompleted, id)
	assert.Equal(t, "second", ev.Job.Result)
}

func TestStopHaltsDispatch(t *testing.T) {
	q := newTestQueue(Config{MaxConcurrent: 1})
	defer shutdown(t, q)

	var calls int32
	q.RegisterProcessor(model.JobTypeRenditions, func(ctx context.Context, job *model.Job) (any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, nil
	})
	q.Start()
	q.Stop()
	id := addJob(t, q, model.PriorityNormal, 0)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
	job, _ := q.GetJob(id)
	assert.Equal(t, model.JobStatusPending, job.Status)
}

func TestStartAfterShutdown(t *testing.T) {
	q := newTestQueue(Config{MaxConcurrent: 1})
	var calls int32
	q.RegisterProcessor(model.JobTypeRenditions, func(ctx context.Context, job *model.Job) (any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, nil
	})
	q.Start()
	shutdown(t, q)

	assert.NotPanics(t, q.Start)
	assert.False(t, q.Running())

	id := addJob(t, q, model.PriorityNormal, 0)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
	job, _ := q.GetJob(id)
	assert.Equal(t, model.JobStatusPending, job.Status)

	assert.NotPanics(t, func() { shutdown(t, q) })
}

func TestSubscriptionClose(t *testing.T) {
	q := newTestQueue(Config{})
	defer shutdown(t, q)

	sub := q.Subscribe(1)
	sub.Close()
	sub.Close()
	_, ok := <-sub.C()
	assert.False(t, ok)

	// a full subscriber never blocks submission
	full := q.Subscribe(1)
	defer full.Close()
	for i := 0; i < 5; i++ {
		addJob(t, q, model.PriorityNormal, 0)
	}
	assert.Equal(t, 5, q.GetStats().Pending)
}

func TestBackoff(t *testing.T) {
	base, max := 2*time.Second, time.Minute
	assert.Equal(t, 2*time.Second, backoff(base, max, 1))
	assert.Equal(t, 4*time.Second, backoff(base, max, 2))
	assert.Equal(t, 8*time.Second, backoff(base, max, 3))
	assert.Equal(t, time.Minute, backoff(base, max, 10))
	assert.Equal(t, time.Duration(0), backoff(0, max, 3))
}
