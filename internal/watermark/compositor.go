// Package watermark burns text, image and QR overlays into videos.
package watermark

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/reelforge/api/internal/apperr"
	"github.com/reelforge/api/internal/model"
	"github.com/reelforge/api/internal/transcoder"
)

const (
	DefaultMargin   = 20
	DefaultSuffix   = "_watermarked"
	DefaultParallel = 2
	scrollSpeed     = 120
	fadeSeconds     = 1
)

type Options struct {
	Watermarks []model.WatermarkSpec
	OutputPath string
}

type BatchOptions struct {
	Watermarks []model.WatermarkSpec
	OutputDir  string
	Suffix     string
	Parallel   int
}

type ProtectionOptions struct {
	// URL, when set, adds a QR code linking to it.
	URL string
}

// Compositor runs one transcoder process per input video. Each call takes a
// fresh adapter from the factory so batches can run in parallel.
type Compositor struct {
	factory transcoder.Factory
	logger  zerolog.Logger
	now     func() time.Time
}

func New(factory transcoder.Factory, logger zerolog.Logger) *Compositor {
	return &Compositor{
		factory: factory,
		logger:  logger.With().Str("component", "watermark").Logger(),
		now:     time.Now,
	}
}

// Process overlays opts.Watermarks onto input. The returned result is never
// nil; on failure its Error field holds the message.
func (c *Compositor) Process(ctx context.Context, input string, opts Options) (*model.ProcessingResult, error) {
	output := opts.OutputPath
	if output == "" {
		output = suffixed(input, filepath.Dir(input), DefaultSuffix)
	}
	result := &model.ProcessingResult{Input: input, OutputPath: output}

	applied, err := c.process(ctx, input, output, opts.Watermarks)
	if err != nil {
		result.Error = err.Error()
		c.logger.Error().Err(err).Str("input", input).Msg("watermark failed")
		return result, err
	}
	result.Success = true
	result.WatermarksApplied = applied
	return result, nil
}

func (c *Compositor) process(ctx context.Context, input, output string, specs []model.WatermarkSpec) (int, error) {
	if input == "" {
		return 0, apperr.Validation("input video is required")
	}
	if len(specs) == 0 {
		return 0, apperr.Validation("at least one watermark is required")
	}
	for _, s := range specs {
		if err := s.Check(); err != nil {
			return 0, err
		}
	}
	if _, err := os.Stat(input); err != nil {
		return 0, apperr.Wrap(apperr.ErrResource, "", "open input", err)
	}

	tmp, err := os.MkdirTemp("", "watermark-*")
	if err != nil {
		return 0, apperr.Wrap(apperr.ErrResource, "", "create temp dir", err)
	}
	defer os.RemoveAll(tmp)

	overlays := make([]string, len(specs))
	for i, s := range specs {
		p, err := c.rasterize(s, tmp, i)
		if err != nil {
			return 0, err
		}
		overlays[i] = p
	}

	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return 0, apperr.Wrap(apperr.ErrResource, "", "create output dir", err)
	}

	args := BuildArgs(input, output, overlays, specs)
	adapter := c.factory()
	stream, err := adapter.Run(ctx, args)
	if err != nil {
		return 0, err
	}
	if err := stream.Drain(nil); err != nil {
		if apperr.Classify(err) == nil {
			err = apperr.Wrap(apperr.ErrTranscoder, "", "composite", err)
		}
		return 0, err
	}
	c.logger.Debug().Str("input", input).Str("output", output).Int("overlays", len(specs)).Msg("watermarks applied")
	return len(specs), nil
}

// ProcessBatch applies the same watermarks to every input with at most
// opts.Parallel concurrent encodes. Per-file failures land in their result.
func (c *Compositor) ProcessBatch(ctx context.Context, inputs []string, opts BatchOptions) *model.BatchResult {
	parallel := opts.Parallel
	if parallel <= 0 {
		parallel = DefaultParallel
	}
	suffix := opts.Suffix
	if suffix == "" {
		suffix = DefaultSuffix
	}

	outputs := batchOutputs(inputs, opts.OutputDir, suffix)
	results := make([]model.ProcessingResult, len(inputs))
	var g errgroup.Group
	g.SetLimit(parallel)
	for i, in := range inputs {
		out := outputs[i]
		g.Go(func() error {
			res, _ := c.Process(ctx, in, Options{Watermarks: opts.Watermarks, OutputPath: out})
			results[i] = *res
			return nil
		})
	}
	_ = g.Wait()

	batch := &model.BatchResult{Results: results}
	for _, r := range results {
		if r.Success {
			batch.TotalProcessed++
		} else {
			batch.TotalFailed++
		}
	}
	return batch
}

// ApplyProtection stacks the fixed four-layer protection marks.
func (c *Compositor) ApplyProtection(ctx context.Context, input, output, text string, opts ProtectionOptions) (*model.ProcessingResult, error) {
	return c.Process(ctx, input, Options{
		Watermarks: ProtectionMarks(text, opts),
		OutputPath: output,
	})
}

// ProtectionMarks returns the layers ApplyProtection composites, bottom first.
func ProtectionMarks(text string, opts ProtectionOptions) []model.WatermarkSpec {
	marks := []model.WatermarkSpec{
		{Type: model.WatermarkCopyright, Position: model.PositionBottomCenter, Text: text, Opacity: 0.8, FontSize: 24},
		{Type: model.WatermarkText, Position: model.PositionCenter, Text: "PROTECTED", Opacity: 0.15, FontSize: 96, Rotation: -30},
	}
	if opts.URL != "" {
		marks = append(marks, model.WatermarkSpec{Type: model.WatermarkQRCode, Position: model.PositionTopRight, Data: opts.URL, Opacity: 0.8, Width: 120})
	}
	return append(marks, model.WatermarkSpec{Type: model.WatermarkText, Position: model.PositionTopLeft, Text: "CONFIDENTIAL", Opacity: 0.5, FontSize: 24, Color: "#ff3b30"})
}

// BuildArgs assembles the overlay chain: input 0 is the video, input i+1 the
// i-th overlay image.
func BuildArgs(input, output string, overlays []string, specs []model.WatermarkSpec) []string {
	args := []string{"-i", input}
	for _, o := range overlays {
		args = append(args, "-loop", "1", "-i", o)
	}

	var graph strings.Builder
	base := "[0:v]"
	for i, spec := range specs {
		label := fmt.Sprintf("[wm%d]", i)
		fmt.Fprintf(&graph, "[%d:v]format=rgba", i+1)
		if spec.Animation == model.AnimationFade {
			fmt.Fprintf(&graph, ",fade=t=in:st=0:d=%d:alpha=1", fadeSeconds)
		}
		graph.WriteString(label + ";")

		out := fmt.Sprintf("[v%d]", i)
		if i == len(specs)-1 {
			out = "[vout]"
		}
		x, y := position(spec)
		fmt.Fprintf(&graph, "%s%soverlay=x=%s:y=%s:shortest=1%s", base, label, x, y, out)
		if i < len(specs)-1 {
			graph.WriteString(";")
		}
		base = out
	}

	args = append(args,
		"-filter_complex", graph.String(),
		"-map", "[vout]", "-map", "0:a?",
	)
	if strings.EqualFold(filepath.Ext(output), ".webm") {
		args = append(args, "-c:v", "libvpx-vp9", "-crf", "31", "-b:v", "0")
	} else {
		args = append(args, "-c:v", "libx264", "-preset", "veryfast", "-crf", "20")
	}
	return append(args, "-pix_fmt", "yuv420p", "-c:a", "copy", output)
}

// position returns the overlay x and y expressions for spec.
func position(spec model.WatermarkSpec) (string, string) {
	m := DefaultMargin
	if spec.Margin != nil {
		m = *spec.Margin
	}
	ms := strconv.Itoa(m)

	var x, y string
	switch spec.Position {
	case model.PositionTopLeft:
		x, y = ms, ms
	case model.PositionTopRight:
		x, y = "W-w-"+ms, ms
	case model.PositionBottomLeft:
		x, y = ms, "H-h-"+ms
	case model.PositionCenter:
		x, y = "(W-w)/2", "(H-h)/2"
	case model.PositionBottomCenter:
		x, y = "(W-w)/2", "H-h-"+ms
	case model.PositionCustom:
		x, y = strconv.Itoa(spec.X), strconv.Itoa(spec.Y)
	default:
		x, y = "W-w-"+ms, "H-h-"+ms
	}
	if spec.Animation == model.AnimationScroll {
		x = fmt.Sprintf("'W-mod(t*%d,W+w)'", scrollSpeed)
	}
	return x, y
}

// suffixed maps in.ext to dir/in<suffix>.ext.
func suffixed(in, dir, suffix string) string {
	ext := filepath.Ext(in)
	name := strings.TrimSuffix(filepath.Base(in), ext)
	return filepath.Join(dir, name+suffix+ext)
}

// batchOutputs names every output of a batch. Inputs that would land on an
// already taken path get _1, _2, ... in input order.
func batchOutputs(inputs []string, outDir, suffix string) []string {
	outputs := make([]string, len(inputs))
	taken := make(map[string]bool, len(inputs))
	for i, in := range inputs {
		dir := outDir
		if dir == "" {
			dir = filepath.Dir(in)
		}
		out := suffixed(in, dir, suffix)
		for n := 1; taken[out]; n++ {
			out = suffixed(in, dir, fmt.Sprintf("%s_%d", suffix, n))
		}
		taken[out] = true
		outputs[i] = out
	}
	return outputs
}
