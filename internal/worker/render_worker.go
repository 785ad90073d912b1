package worker

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/reelforge/api/internal/abr"
	"github.com/reelforge/api/internal/apperr"
	"github.com/reelforge/api/internal/client"
	"github.com/reelforge/api/internal/frames"
	"github.com/reelforge/api/internal/model"
	"github.com/reelforge/api/internal/transcoder"
	"github.com/reelforge/api/internal/watermark"
)

// FrameGenerator turns slides into a numbered frame sequence.
type FrameGenerator interface {
	Generate(ctx context.Context, req frames.Request, progress frames.ProgressFunc) (*frames.FrameSet, error)
}

// Watermarker composites overlays onto finished videos.
type Watermarker interface {
	Process(ctx context.Context, input string, opts watermark.Options) (*model.ProcessingResult, error)
	ProcessBatch(ctx context.Context, inputs []string, opts watermark.BatchOptions) *model.BatchResult
}

// Deps are the collaborators shared by every worker of a pool.
type Deps struct {
	Frames     FrameGenerator
	Fetcher    frames.Fetcher
	Uploader   client.UploadSink
	Watermarks Watermarker
	Prober     transcoder.Prober
}

type Config struct {
	// WorkDir holds the per-job temp directories. Empty means os.TempDir.
	WorkDir string
	// StoragePrefix is prepended to every uploaded key.
	StoragePrefix string
}

// RenderWorker runs one job at a time with its own transcoder adapter.
type RenderWorker struct {
	id      int
	cfg     Config
	deps    Deps
	adapter transcoder.Adapter
	logger  zerolog.Logger

	mu     sync.Mutex
	jobID  string
	cancel context.CancelFunc
}

// NewRenderWorker creates a new render worker
func NewRenderWorker(id int, cfg Config, deps Deps, adapter transcoder.Adapter, logger zerolog.Logger) *RenderWorker {
	return &RenderWorker{
		id:      id,
		cfg:     cfg,
		deps:    deps,
		adapter: adapter,
		logger:  logger.With().Str("component", "worker").Int("worker", id).Logger(),
	}
}

// Cancel stops the running job: its context is cancelled and the active
// transcoder process group is killed. It reports whether a job was running.
func (w *RenderWorker) Cancel() bool {
	w.mu.Lock()
	cancel, jobID := w.cancel, w.jobID
	w.mu.Unlock()
	if cancel == nil {
		return false
	}

	w.logger.Info().Str("jobId", jobID).Msg("cancelling job")
	cancel()
	if err := w.adapter.Kill(); err != nil {
		w.logger.Error().Err(err).Str("jobId", jobID).Msg("failed to kill transcoder")
	}
	return true
}

func (w *RenderWorker) begin(ctx context.Context, jobID string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.jobID = jobID
	w.cancel = cancel
	w.mu.Unlock()
	return ctx, func() {
		cancel()
		w.mu.Lock()
		w.jobID = ""
		w.cancel = nil
		w.mu.Unlock()
	}
}

// Render runs the full stage pipeline for one render job.
func (w *RenderWorker) Render(ctx context.Context, jobID string, payload model.RenderJobPayload, reporter Reporter) (*model.RenderResult, error) {
	ctx, done := w.begin(ctx, jobID)
	defer done()

	run := &renderRun{
		w:       w,
		jobID:   jobID,
		payload: payload,
		track:   newTracker(jobID, reporter, renderWeights),
		logger:  w.logger.With().Str("jobId", jobID).Logger(),
		started: time.Now(),
	}
	defer run.cleanup()

	stages := []struct {
		stage model.Stage
		fn    func(context.Context) error
	}{
		{model.StagePreparing, run.prepare},
		{model.StageFrames, run.generateFrames},
		{model.StageAudio, run.audio},
		{model.StageEncoding, run.encode},
		{model.StageUpload, run.upload},
	}
	// the work dir is gone before the terminal event goes out
	fail := func(stage model.Stage, err error) error {
		run.cleanup()
		return w.abort(ctx, run.track, stage, err)
	}
	for _, s := range stages {
		if err := ctx.Err(); err != nil {
			return nil, fail(s.stage, apperr.Wrap(apperr.ErrCancelled, string(s.stage), "render", err))
		}
		if err := s.fn(ctx); err != nil {
			return nil, fail(s.stage, err)
		}
	}

	result := run.result()
	run.cleanup()
	run.track.complete("render complete")
	run.logger.Info().Dur("elapsed", result.RenderTime).Str("url", result.VideoURL).Msg("render completed")
	return result, nil
}

// abort reports the failure or cancellation and tags err with its stage.
func (w *RenderWorker) abort(ctx context.Context, t *tracker, stage model.Stage, err error) error {
	if ctx.Err() != nil && !apperr.IsCancellation(err) {
		err = apperr.Wrap(apperr.ErrCancelled, string(stage), "render", err)
	}
	err = apperr.InStage(string(stage), err)

	log := w.logger.With().Str("jobId", t.jobID).Str("stage", string(stage)).Logger()
	if apperr.IsCancellation(err) {
		log.Info().Msg("job cancelled")
		t.fail(model.StageCancelled, fmt.Sprintf("cancelled during %s", stage), "")
		return err
	}
	log.Error().Err(err).Msg("job failed")
	t.fail(model.StageError, fmt.Sprintf("failed during %s", stage), err.Error())
	return err
}

// transcode runs args on the worker's adapter and forwards progress.
func (w *RenderWorker) transcode(ctx context.Context, stage model.Stage, args []string, onProgress func(transcoder.Progress)) error {
	stream, err := w.adapter.Run(ctx, args)
	if err != nil {
		return err
	}
	if err := stream.Drain(onProgress); err != nil {
		if apperr.Classify(err) == nil {
			err = apperr.Wrap(apperr.ErrTranscoder, string(stage), "transcode", err)
		}
		return err
	}
	return nil
}

func (w *RenderWorker) workDir(jobID string) (string, error) {
	root := w.cfg.WorkDir
	if root == "" {
		root = os.TempDir()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", apperr.Wrap(apperr.ErrResource, "", "create work dir", err)
	}
	dir, err := os.MkdirTemp(root, "job-"+safeName(jobID)+"-")
	if err != nil {
		return "", apperr.Wrap(apperr.ErrResource, "", "create job dir", err)
	}
	return dir, nil
}

// renderRun holds the state of one render passing through the stages.
type renderRun struct {
	w       *RenderWorker
	jobID   string
	payload model.RenderJobPayload
	track   *tracker
	logger  zerolog.Logger
	started time.Time

	dir        string
	frameSet   *frames.FrameSet
	audioPath  string
	videoPath  string
	size       int64
	watermarks int
	manifest   *model.RenditionManifest
	renditions string

	videoURL    string
	manifestURL string
	assetURLs   []string

	cleaned sync.Once
}

// cleanup removes the job dir. Only the first call does any work.
func (r *renderRun) cleanup() {
	r.cleaned.Do(func() {
		if r.dir == "" {
			return
		}
		if err := os.RemoveAll(r.dir); err != nil {
			r.logger.Warn().Err(err).Str("dir", r.dir).Msg("failed to remove job dir")
		}
	})
}

func (r *renderRun) prepare(ctx context.Context) error {
	r.track.enter(model.StagePreparing, "preparing workspace")

	p := r.payload
	if len(p.Slides) == 0 {
		return apperr.Validation("no slides to render")
	}
	if p.Config.FPS < 1 {
		return apperr.Validation("fps must be positive")
	}
	if p.Config.Resolution.Width <= 0 || p.Config.Resolution.Height <= 0 {
		return apperr.Validation("resolution must be positive")
	}
	if err := p.Check(); err != nil {
		return err
	}
	if len(p.Watermarks) > 0 && r.w.deps.Watermarks == nil {
		return apperr.Wrap(apperr.ErrProcessing, "", "watermark", fmt.Errorf("no compositor configured"))
	}
	if r.w.deps.Uploader == nil {
		return apperr.Wrap(apperr.ErrResource, "", "upload", fmt.Errorf("no upload sink configured"))
	}
	if a, ok := r.w.adapter.(interface{ Available() error }); ok {
		if err := a.Available(); err != nil {
			return err
		}
	}

	dir, err := r.w.workDir(r.jobID)
	if err != nil {
		return err
	}
	r.dir = dir
	r.track.skip(model.StagePreparing, "workspace ready")
	return nil
}

func (r *renderRun) generateFrames(ctx context.Context) error {
	r.track.enter(model.StageFrames, "generating frames")
	cfg := r.payload.Config

	set, err := r.w.deps.Frames.Generate(ctx, frames.Request{
		Slides:      r.payload.Slides,
		Resolution:  cfg.Resolution,
		FPS:         cfg.FPS,
		Transitions: cfg.TransitionsEnabled,
		OutputDir:   filepath.Join(r.dir, "frames"),
	}, func(done, total int) {
		if total == 0 {
			return
		}
		r.track.within(model.StageFrames, float64(done)/float64(total),
			fmt.Sprintf("generated %d/%d frames", done, total),
			model.RenderProgress{CurrentFrame: done, TotalFrames: total})
	})
	if err != nil {
		return err
	}
	r.frameSet = set
	r.logger.Debug().Int("frames", set.Count).Msg("frames generated")
	return nil
}

func (r *renderRun) audio(ctx context.Context) error {
	if !r.payload.HasAudio() {
		r.track.skip(model.StageAudio, "no audio")
		return nil
	}
	r.track.enter(model.StageAudio, "fetching audio")

	dir := filepath.Join(r.dir, "audio")
	tracks := make(map[int]string, len(r.payload.AudioTracks))
	steps := float64(len(r.payload.AudioTracks) + 1)
	for i, t := range r.payload.AudioTracks {
		if _, dup := tracks[t.SlideIndex]; dup {
			r.logger.Warn().Int("slide", t.SlideIndex).Msg("slide has more than one audio track, keeping the first")
			continue
		}
		dst := filepath.Join(dir, fmt.Sprintf("track_%03d%s", i, audioExt(t.AudioURL)))
		if err := r.w.deps.Fetcher.Fetch(ctx, t.AudioURL, dst); err != nil {
			return fmt.Errorf("fetch audio for slide %d: %w", t.SlideIndex, err)
		}
		tracks[t.SlideIndex] = dst
		r.track.within(model.StageAudio, float64(i+1)/steps, "fetched audio", model.RenderProgress{})
	}

	out := filepath.Join(r.dir, "audio.wav")
	args := AudioArgs(r.payload.Slides, r.payload.Config.FPS, tracks, out)
	if err := r.w.transcode(ctx, model.StageAudio, args, nil); err != nil {
		return err
	}
	r.audioPath = out
	r.track.skip(model.StageAudio, "audio track mixed")
	return nil
}

func (r *renderRun) encode(ctx context.Context) error {
	r.track.enter(model.StageEncoding, "encoding video")
	p := r.payload

	steps := 1
	if len(p.Watermarks) > 0 {
		steps++
	}
	if p.Renditions != nil {
		steps++
	}
	share := 1 / float64(steps)
	offset := 0.0

	out := filepath.Join(r.dir, "video."+string(p.Config.Format))
	total := r.frameSet.Count
	args := EncodeArgs(r.frameSet, r.audioPath, p.Config, out)
	err := r.w.transcode(ctx, model.StageEncoding, args, func(pr transcoder.Progress) {
		if total == 0 {
			return
		}
		r.track.within(model.StageEncoding, float64(pr.Frame)/float64(total)*share,
			fmt.Sprintf("encoded %d/%d frames", pr.Frame, total),
			model.RenderProgress{CurrentFrame: pr.Frame, TotalFrames: total, FPS: pr.FPS})
	})
	if err != nil {
		return err
	}
	r.videoPath = out
	offset += share
	r.track.within(model.StageEncoding, offset, "video encoded", model.RenderProgress{})

	if len(p.Watermarks) > 0 {
		wmOut := filepath.Join(r.dir, "video_watermarked."+string(p.Config.Format))
		res, err := r.w.deps.Watermarks.Process(ctx, out, watermark.Options{Watermarks: p.Watermarks, OutputPath: wmOut})
		if err != nil {
			return err
		}
		r.videoPath = res.OutputPath
		r.watermarks = res.WatermarksApplied
		offset += share
		r.track.within(model.StageEncoding, offset, fmt.Sprintf("applied %d watermarks", res.WatermarksApplied), model.RenderProgress{})
	}

	info, err := os.Stat(r.videoPath)
	if err != nil {
		return apperr.Wrap(apperr.ErrResource, "", "stat output", err)
	}
	r.size = info.Size()

	if p.Renditions != nil {
		levels, err := p.Renditions.Levels()
		if err != nil {
			return err
		}
		r.renditions = filepath.Join(r.dir, "renditions")
		gen := abr.New(r.w.adapter, r.w.deps.Prober, r.logger)
		base := offset
		m, err := gen.Generate(ctx, abr.Request{
			SourcePath:         r.videoPath,
			OutputDir:          r.renditions,
			QualityLevels:      levels,
			Format:             p.Renditions.Format,
			SegmentDuration:    p.Renditions.SegmentDuration,
			FrameRate:          float64(p.Config.FPS),
			EnableEncryption:   p.Renditions.EnableEncryption,
			GenerateThumbnails: p.Renditions.GenerateThumbnails,
		}, func(completed, total int) {
			r.track.within(model.StageEncoding, base+share*float64(completed)/float64(total),
				fmt.Sprintf("rendition %d/%d done", completed, total), model.RenderProgress{})
		})
		if err != nil {
			return err
		}
		r.manifest = m
	}
	return nil
}

func (r *renderRun) upload(ctx context.Context) error {
	r.track.enter(model.StageUpload, "uploading")
	p := r.payload
	prefix := path.Join(r.w.cfg.StoragePrefix, safeName(p.ProjectID), safeName(r.jobID))
	meta := map[string]string{"job-id": r.jobID, "project-id": p.ProjectID, "user-id": p.UserID}

	files := 1
	if r.manifest != nil {
		files += len(r.manifest.Files)
	}
	uploaded := 0
	step := func(msg string) {
		uploaded++
		r.track.within(model.StageUpload, float64(uploaded)/float64(files), msg, model.RenderProgress{})
	}

	videoKey := path.Join(prefix, "video."+string(p.Config.Format))
	url, err := r.w.deps.Uploader.Upload(ctx, r.videoPath, client.UploadMeta{Key: videoKey, Metadata: meta})
	if err != nil {
		return err
	}
	r.videoURL = url
	step("video uploaded")

	if r.manifest == nil {
		return nil
	}
	master := filepath.Base(r.manifest.MasterPlaylistPath)
	for _, name := range r.manifest.Files {
		key := path.Join(prefix, "renditions", name)
		u, err := r.w.deps.Uploader.Upload(ctx, filepath.Join(r.renditions, name), client.UploadMeta{Key: key, Metadata: meta})
		if err != nil {
			return fmt.Errorf("upload rendition %s: %w", name, err)
		}
		r.assetURLs = append(r.assetURLs, u)
		if name == master {
			r.manifestURL = u
			r.manifest.MasterPlaylistPath = key
		}
		step("uploaded " + name)
	}
	return nil
}

func (r *renderRun) result() *model.RenderResult {
	p := r.payload
	duration := 0.0
	if r.frameSet != nil && r.frameSet.FPS > 0 {
		duration = float64(r.frameSet.Count) / float64(r.frameSet.FPS)
	}
	return &model.RenderResult{
		JobID:       r.jobID,
		VideoURL:    r.videoURL,
		Size:        r.size,
		Duration:    duration,
		Format:      p.Config.Format,
		Watermarks:  r.watermarks,
		Renditions:  r.manifest,
		ManifestURL: r.manifestURL,
		AssetURLs:   r.assetURLs,
		RenderTime:  time.Since(r.started),
	}
}

func audioExt(src string) string {
	ext := strings.ToLower(path.Ext(strings.SplitN(src, "?", 2)[0]))
	switch ext {
	case ".mp3", ".wav", ".m4a", ".aac", ".ogg", ".opus", ".flac":
		return ext
	}
	return ".audio"
}

// safeName keeps ids usable as path components.
func safeName(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}
