// Package frames turns a slide timeline into a numbered PNG frame sequence
// the encoder can read with an image2 input pattern.
package frames

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"

	"github.com/reelforge/api/internal/apperr"
	"github.com/reelforge/api/internal/model"
)

// Pattern is the printf pattern of frame file names.
const Pattern = "frame_%06d.png"

// Fetcher copies a remote or local source to a local file.
type Fetcher interface {
	Fetch(ctx context.Context, src, dst string) error
}

// ProgressFunc receives the number of frames written so far.
type ProgressFunc func(done, total int)

// Request describes one frame generation run
type Request struct {
	Slides      []model.SlideData
	Resolution  model.Resolution
	FPS         int
	Transitions bool
	OutputDir   string
}

// FrameSet is the generated sequence
type FrameSet struct {
	Dir     string
	Pattern string
	Count   int
	FPS     int
}

// InputPattern is the path pattern handed to the encoder.
func (f *FrameSet) InputPattern() string {
	return filepath.Join(f.Dir, f.Pattern)
}

// Path returns the file of frame i (0-based).
func (f *FrameSet) Path(i int) string {
	return filepath.Join(f.Dir, fmt.Sprintf(f.Pattern, i))
}

// Generator renders slides locally. Each slide is scaled once, then linked
// for every frame it spans; crossfades get their own blended frames.
type Generator struct {
	fetcher Fetcher
	logger  zerolog.Logger
}

func NewGenerator(fetcher Fetcher, logger zerolog.Logger) *Generator {
	return &Generator{fetcher: fetcher, logger: logger.With().Str("component", "frames").Logger()}
}

func (g *Generator) Generate(ctx context.Context, req Request, progress ProgressFunc) (*FrameSet, error) {
	if req.FPS < 1 {
		return nil, apperr.Validation("fps must be positive")
	}
	if len(req.Slides) == 0 {
		return nil, apperr.Validation("no slides to render")
	}
	slidesDir := filepath.Join(req.OutputDir, "slides")
	if err := os.MkdirAll(slidesDir, 0o755); err != nil {
		return nil, apperr.Wrap(apperr.ErrResource, "frames", "create slides dir", err)
	}

	total := 0
	for _, s := range req.Slides {
		total += s.FrameCount(req.FPS)
	}

	set := &FrameSet{Dir: req.OutputDir, Pattern: Pattern, FPS: req.FPS}
	w, h := req.Resolution.Width, req.Resolution.Height
	var prev *image.NRGBA

	for i, slide := range req.Slides {
		if err := ctx.Err(); err != nil {
			return nil, apperr.Wrap(apperr.ErrCancelled, "frames", "generate", err)
		}

		src := filepath.Join(slidesDir, fmt.Sprintf("source_%03d%s", i, sourceExt(slide.ImageURL)))
		if err := g.fetcher.Fetch(ctx, slide.ImageURL, src); err != nil {
			return nil, fmt.Errorf("fetch slide %s: %w", slide.ID, err)
		}
		img, err := LoadImage(src)
		if err != nil {
			return nil, apperr.Wrap(apperr.ErrProcessing, "frames", "decode slide "+slide.ID, err)
		}
		canvas := fitCanvas(img, w, h)

		base := filepath.Join(slidesDir, fmt.Sprintf("slide_%03d.png", i))
		if err := imaging.Save(canvas, base); err != nil {
			return nil, apperr.Wrap(apperr.ErrResource, "frames", "write slide", err)
		}

		n := slide.FrameCount(req.FPS)
		fade := 0
		if req.Transitions && prev != nil && slide.Transition != "none" {
			fade = min(req.FPS/2, n/2)
		}

		for k := 0; k < n; k++ {
			if k%req.FPS == 0 {
				if err := ctx.Err(); err != nil {
					return nil, apperr.Wrap(apperr.ErrCancelled, "frames", "generate", err)
				}
			}
			dst := set.Path(set.Count)
			if k < fade {
				alpha := float64(k+1) / float64(fade+1)
				if err := imaging.Save(imaging.Overlay(prev, canvas, image.Pt(0, 0), alpha), dst); err != nil {
					return nil, apperr.Wrap(apperr.ErrResource, "frames", "write transition frame", err)
				}
			} else if err := linkOrCopy(base, dst); err != nil {
				return nil, apperr.Wrap(apperr.ErrResource, "frames", "write frame", err)
			}
			set.Count++
		}
		prev = canvas

		g.logger.Debug().Str("slide", slide.ID).Int("frames", n).Int("fade", fade).Msg("slide rendered")
		if progress != nil {
			progress(set.Count, total)
		}
	}
	return set, nil
}

// fitCanvas letterboxes img onto a black canvas of the target size.
func fitCanvas(img image.Image, w, h int) *image.NRGBA {
	canvas := imaging.New(w, h, color.Black)
	fitted := imaging.Fit(img, w, h, imaging.Lanczos)
	return imaging.PasteCenter(canvas, fitted)
}

// LoadImage decodes png, jpeg, gif and webp files.
func LoadImage(p string) (image.Image, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	if isWebP(data) {
		return webp.Decode(bytes.NewReader(data))
	}
	return imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
}

func isWebP(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WEBP"
}

func sourceExt(src string) string {
	if i := strings.IndexAny(src, "?#"); i >= 0 {
		src = src[:i]
	}
	ext := strings.ToLower(path.Ext(src))
	switch ext {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp":
		return ext
	}
	return ".img"
}

func linkOrCopy(src, dst string) error {
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
