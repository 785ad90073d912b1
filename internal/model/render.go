package model

import (
	"fmt"
	"time"

	"github.com/reelforge/api/internal/apperr"
)

// RenderJobPayload represents the request for a slideshow render
type RenderJobPayload struct {
	ID          string            `json:"id" validate:"required"`
	ProjectID   string            `json:"projectId" validate:"required"`
	UserID      string            `json:"userId" validate:"required"`
	Slides      []SlideData       `json:"slides" validate:"required,min=1,dive"`
	Config      RenderConfig      `json:"config" validate:"required"`
	AudioTracks []AudioTrack      `json:"audioTracks,omitempty" validate:"omitempty,dive"`
	Watermarks  []WatermarkSpec   `json:"watermarks,omitempty" validate:"omitempty,dive"`
	Renditions  *RenditionRequest `json:"renditions,omitempty" validate:"omitempty"`
}

func (RenderJobPayload) JobType() JobType { return JobTypeRender }

// Check validates the cross-field rules of a render payload.
func (p RenderJobPayload) Check() error {
	if p.Config.Resolution.Width%2 != 0 || p.Config.Resolution.Height%2 != 0 {
		return apperr.Validation("resolution %dx%d must have even dimensions",
			p.Config.Resolution.Width, p.Config.Resolution.Height)
	}
	if p.Config.Format == FormatWebM && p.Config.Codec != CodecVP9 {
		return apperr.Validation("format webm requires codec vp9, got %s", p.Config.Codec)
	}
	for i, track := range p.AudioTracks {
		if track.SlideIndex >= len(p.Slides) {
			return apperr.Validation("audioTracks[%d]: slideIndex %d out of range", i, track.SlideIndex)
		}
	}
	for i, wm := range p.Watermarks {
		if err := wm.Check(); err != nil {
			return fmt.Errorf("watermarks[%d]: %w", i, err)
		}
	}
	if p.Renditions != nil {
		if err := p.Renditions.Check(); err != nil {
			return fmt.Errorf("renditions: %w", err)
		}
	}
	return nil
}

func (p RenderJobPayload) ResolvePaths(r PathResolver) (Payload, error) {
	slides := make([]SlideData, len(p.Slides))
	for i, s := range p.Slides {
		ref, err := r.Source(s.ImageURL)
		if err != nil {
			return nil, fmt.Errorf("slides[%d].imageUrl: %w", i, err)
		}
		s.ImageURL = ref
		slides[i] = s
	}
	var tracks []AudioTrack
	if p.AudioTracks != nil {
		tracks = make([]AudioTrack, len(p.AudioTracks))
		for i, a := range p.AudioTracks {
			ref, err := r.Source(a.AudioURL)
			if err != nil {
				return nil, fmt.Errorf("audioTracks[%d].audioUrl: %w", i, err)
			}
			a.AudioURL = ref
			tracks[i] = a
		}
	}
	marks, err := resolveMarks(p.Watermarks, r)
	if err != nil {
		return nil, err
	}
	p.Slides, p.AudioTracks, p.Watermarks = slides, tracks, marks
	return p, nil
}

// TotalDuration sums the slide durations in seconds.
func (p RenderJobPayload) TotalDuration() float64 {
	var total float64
	for _, s := range p.Slides {
		total += s.Duration
	}
	return total
}

// TotalFrames returns the number of output frames at the configured fps.
func (p RenderJobPayload) TotalFrames() int {
	var total int
	for _, s := range p.Slides {
		total += s.FrameCount(p.Config.FPS)
	}
	return total
}

// HasAudio reports whether the audio stage has work to do.
func (p RenderJobPayload) HasAudio() bool {
	return p.Config.AudioEnabled && len(p.AudioTracks) > 0
}

// SlideData is one slide of the timeline
type SlideData struct {
	ID         string  `json:"id" validate:"required"`
	ImageURL   string  `json:"imageUrl" validate:"required"`
	Duration   float64 `json:"duration" validate:"gt=0,lte=600"`
	Transition string  `json:"transition,omitempty" validate:"omitempty,oneof=none fade"`
}

// FrameCount returns how many frames the slide occupies, at least one.
func (s SlideData) FrameCount(fps int) int {
	n := int(s.Duration*float64(fps) + 0.5)
	if n < 1 {
		return 1
	}
	return n
}

// RenderConfig holds the encode settings
type RenderConfig struct {
	Resolution         Resolution `json:"resolution" validate:"required"`
	FPS                int        `json:"fps" validate:"required,min=1,max=120"`
	Quality            Quality    `json:"quality" validate:"required,oneof=low medium high ultra"`
	Codec              Codec      `json:"codec" validate:"required,oneof=h264 h265 vp9"`
	Format             Format     `json:"format" validate:"required,oneof=mp4 mov webm"`
	AudioEnabled       bool       `json:"audioEnabled"`
	TransitionsEnabled bool       `json:"transitionsEnabled"`
}

// Resolution in pixels. Encoders need even dimensions.
type Resolution struct {
	Width  int `json:"width" validate:"required,min=16,max=7680"`
	Height int `json:"height" validate:"required,min=16,max=4320"`
}

// AudioTrack is the narration for one slide
type AudioTrack struct {
	SlideIndex int     `json:"slideIndex" validate:"min=0"`
	AudioURL   string  `json:"audioUrl" validate:"required"`
	Duration   float64 `json:"duration" validate:"gte=0"`
}

// RenderResult is stored as the job result of a completed render
type RenderResult struct {
	JobID       string             `json:"jobId"`
	VideoURL    string             `json:"videoUrl"`
	Size        int64              `json:"size"`
	Duration    float64            `json:"duration"`
	Format      Format             `json:"format"`
	Watermarks  int                `json:"watermarksApplied,omitempty"`
	Renditions  *RenditionManifest `json:"renditions,omitempty"`
	ManifestURL string             `json:"manifestUrl,omitempty"`
	AssetURLs   []string           `json:"assetUrls,omitempty"`
	RenderTime  time.Duration      `json:"renderTime"`
}
