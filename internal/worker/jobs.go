package worker

import (
	"context"
	"fmt"

	"github.com/reelforge/api/internal/abr"
	"github.com/reelforge/api/internal/apperr"
	"github.com/reelforge/api/internal/model"
	"github.com/reelforge/api/internal/watermark"
)

// Renditions produces ABR renditions of an existing video into the payload's
// output directory.
func (w *RenderWorker) Renditions(ctx context.Context, jobID string, payload model.RenditionJobPayload, reporter Reporter) (*model.RenditionManifest, error) {
	ctx, done := w.begin(ctx, jobID)
	defer done()

	t := newTracker(jobID, reporter, batchWeights)
	t.enter(model.StagePreparing, "preparing renditions")
	if err := payload.Check(); err != nil {
		return nil, w.abort(ctx, t, model.StagePreparing, err)
	}
	levels, err := payload.Levels()
	if err != nil {
		return nil, w.abort(ctx, t, model.StagePreparing, err)
	}
	t.skip(model.StagePreparing, fmt.Sprintf("%d quality levels", len(levels)))

	gen := abr.New(w.adapter, w.deps.Prober, w.logger.With().Str("jobId", jobID).Logger())
	m, err := gen.Generate(ctx, abr.Request{
		SourcePath:         payload.SourcePath,
		OutputDir:          payload.OutputDir,
		QualityLevels:      levels,
		Format:             payload.Format,
		SegmentDuration:    payload.SegmentDuration,
		EnableEncryption:   payload.EnableEncryption,
		GenerateThumbnails: payload.GenerateThumbnails,
	}, func(completed, total int) {
		t.within(model.StageEncoding, float64(completed)/float64(total),
			fmt.Sprintf("rendition %d/%d done", completed, total), model.RenderProgress{})
	})
	if err != nil {
		return nil, w.abort(ctx, t, model.StageEncoding, err)
	}

	t.complete("renditions complete")
	return m, nil
}

// Watermark applies one watermark set to every input of the payload.
func (w *RenderWorker) Watermark(ctx context.Context, jobID string, payload model.WatermarkJobPayload, reporter Reporter) (*model.BatchResult, error) {
	ctx, done := w.begin(ctx, jobID)
	defer done()

	t := newTracker(jobID, reporter, batchWeights)
	t.enter(model.StagePreparing, "preparing watermarks")
	if w.deps.Watermarks == nil {
		return nil, w.abort(ctx, t, model.StagePreparing,
			apperr.Wrap(apperr.ErrProcessing, "", "watermark", fmt.Errorf("no compositor configured")))
	}
	if err := payload.Check(); err != nil {
		return nil, w.abort(ctx, t, model.StagePreparing, err)
	}
	t.skip(model.StagePreparing, fmt.Sprintf("%d inputs", len(payload.Inputs)))

	t.enter(model.StageEncoding, "applying watermarks")
	batch := w.deps.Watermarks.ProcessBatch(ctx, payload.Inputs, watermark.BatchOptions{
		Watermarks: payload.Watermarks,
		OutputDir:  payload.OutputDir,
		Suffix:     payload.Suffix,
		Parallel:   payload.Parallel,
	})
	if err := ctx.Err(); err != nil {
		return nil, w.abort(ctx, t, model.StageEncoding, apperr.Wrap(apperr.ErrCancelled, string(model.StageEncoding), "watermark batch", err))
	}
	if batch.TotalProcessed == 0 && batch.TotalFailed > 0 {
		return nil, w.abort(ctx, t, model.StageEncoding,
			apperr.Wrap(apperr.ErrProcessing, "", "watermark batch", fmt.Errorf("all %d inputs failed: %s", batch.TotalFailed, batch.Results[0].Error)))
	}

	t.complete(fmt.Sprintf("%d processed, %d failed", batch.TotalProcessed, batch.TotalFailed))
	return batch, nil
}
