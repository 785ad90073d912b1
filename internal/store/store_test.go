package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelforge/api/internal/model"
	"github.com/reelforge/api/internal/queue"
)

type published struct {
	channel string
	message []byte
}

type fakeBackend struct {
	mu       sync.Mutex
	values   map[string]string
	ttls     map[string]time.Duration
	messages []published
	failSet  error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeBackend) Set(_ context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSet != nil {
		return redis.NewStatusResult("", f.failSet)
	}
	switch v := value.(type) {
	case []byte:
		f.values[key] = string(v)
	default:
		f.values[key] = fmt.Sprint(v)
	}
	f.ttls[key] = ttl
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeBackend) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeBackend) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.values[k]; ok {
			delete(f.values, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeBackend) Publish(_ context.Context, channel string, message interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, published{channel: channel, message: message.([]byte)})
	return redis.NewIntResult(1, nil)
}

func (f *fakeBackend) decoded(t *testing.T) []Message {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Message, 0, len(f.messages))
	for _, m := range f.messages {
		var msg Message
		require.NoError(t, json.Unmarshal(m.message, &msg))
		out = append(out, msg)
	}
	return out
}

func testJob() *model.Job {
	return &model.Job{
		ID:          "job-1",
		Type:        model.JobTypeRenditions,
		Priority:    model.PriorityHigh,
		Status:      model.JobStatusCompleted,
		Attempts:    1,
		MaxAttempts: 3,
		Payload: model.RenditionJobPayload{
			SourcePath:       "/in.mp4",
			OutputDir:        "/out",
			RenditionRequest: model.RenditionRequest{Preset: model.PresetBasic},
		},
		Result:    &model.RenditionManifest{Format: model.ManifestHLS, MasterPlaylistPath: "/out/master.m3u8"},
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestSaveAndGetJob(t *testing.T) {
	backend := newFakeBackend()
	s := New(backend, Config{TTL: time.Hour}, zerolog.Nop())
	ctx := context.Background()

	_, err := s.SaveJob(ctx, testJob())
	require.NoError(t, err)
	assert.Equal(t, time.Hour, backend.ttls["job:job-1"])

	rec, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, rec.Status)
	assert.Equal(t, model.PriorityHigh, rec.Priority)
	assert.Nil(t, rec.Progress)

	var manifest model.RenditionManifest
	require.NoError(t, json.Unmarshal(rec.Result, &manifest))
	assert.Equal(t, "/out/master.m3u8", manifest.MasterPlaylistPath)

	var payload model.RenditionJobPayload
	require.NoError(t, json.Unmarshal(rec.Payload, &payload))
	assert.Equal(t, "/in.mp4", payload.SourcePath)
}

func TestGetJobMergesProgress(t *testing.T) {
	backend := newFakeBackend()
	s := New(backend, Config{}, zerolog.Nop())
	ctx := context.Background()

	_, err := s.SaveJob(ctx, testJob())
	require.NoError(t, err)
	s.Report(model.RenderProgress{JobID: "job-1", Stage: model.StageEncoding, Percent: 60})

	rec, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, rec.Progress)
	assert.Equal(t, 60, rec.Progress.Percent)
	assert.Equal(t, DefaultTTL, backend.ttls["job:job-1:progress"])

	msgs := backend.decoded(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, KindProgress, msgs[0].Kind)
	assert.Equal(t, model.StageEncoding, msgs[0].Progress.Stage)
	assert.Equal(t, DefaultChannel, backend.messages[0].channel)
}

func TestGetJobNotFound(t *testing.T) {
	s := New(newFakeBackend(), Config{}, zerolog.Nop())
	_, err := s.GetJob(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDelete(t *testing.T) {
	backend := newFakeBackend()
	s := New(backend, Config{}, zerolog.Nop())
	ctx := context.Background()

	_, err := s.SaveJob(ctx, testJob())
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "job-1"))

	_, err = s.GetJob(ctx, "job-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReportSwallowsBackendErrors(t *testing.T) {
	backend := newFakeBackend()
	backend.failSet = errors.New("connection refused")
	s := New(backend, Config{}, zerolog.Nop())

	assert.NotPanics(t, func() {
		s.Report(model.RenderProgress{JobID: "job-1", Stage: model.StageFrames})
	})
	assert.Empty(t, backend.decoded(t))
}

func TestConsumeMirrorsQueueEvents(t *testing.T) {
	backend := newFakeBackend()
	s := New(backend, Config{Channel: "test:jobs"}, zerolog.Nop())

	q := queue.New(queue.Config{MaxConcurrent: 1}, zerolog.Nop())
	sub := q.Subscribe(64)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		s.Consume(ctx, sub)
		close(done)
	}()

	q.RegisterProcessor(model.JobTypeRenditions, func(ctx context.Context, job *model.Job) (any, error) {
		return &model.RenditionManifest{Format: model.ManifestHLS}, nil
	})
	id, err := q.AddJob(model.JobTypeRenditions, testJob().Payload, queue.AddOptions{})
	require.NoError(t, err)
	q.Start()

	require.Eventually(t, func() bool {
		rec, err := s.GetJob(context.Background(), id)
		return err == nil && rec.Status == model.JobStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	shutdownCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
	defer stop()
	require.NoError(t, q.Shutdown(shutdownCtx))
	sub.Close()
	<-done

	var events []string
	for _, m := range backend.decoded(t) {
		assert.Equal(t, KindEvent, m.Kind)
		events = append(events, m.Event)
	}
	assert.Equal(t, []string{
		string(queue.EventJobAdded),
		string(queue.EventJobStarted),
		string(queue.EventJobCompleted),
	}, events)
	for _, m := range backend.messages {
		assert.Equal(t, "test:jobs", m.channel)
	}
}
