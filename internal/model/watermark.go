package model

import (
	"fmt"

	"github.com/reelforge/api/internal/apperr"
)

// Watermark types
type WatermarkType string

const (
	WatermarkText      WatermarkType = "text"
	WatermarkImage     WatermarkType = "image"
	WatermarkLogo      WatermarkType = "logo"
	WatermarkQRCode    WatermarkType = "qrcode"
	WatermarkCopyright WatermarkType = "copyright"
)

// Watermark anchors
type Position string

const (
	PositionTopLeft      Position = "top_left"
	PositionTopRight     Position = "top_right"
	PositionBottomLeft   Position = "bottom_left"
	PositionBottomRight  Position = "bottom_right"
	PositionCenter       Position = "center"
	PositionBottomCenter Position = "bottom_center"
	PositionCustom       Position = "custom"
)

// Watermark animations
type Animation string

const (
	AnimationNone   Animation = ""
	AnimationFade   Animation = "fade"
	AnimationScroll Animation = "scroll"
)

// WatermarkSpec describes one overlay
type WatermarkSpec struct {
	Type      WatermarkType `json:"type" validate:"required,oneof=text image logo qrcode copyright"`
	Position  Position      `json:"position" validate:"omitempty,oneof=top_left top_right bottom_left bottom_right center bottom_center custom"`
	X         int           `json:"x,omitempty"`
	Y         int           `json:"y,omitempty"`
	Opacity   float64       `json:"opacity" validate:"gte=0,lte=1"`
	Rotation  float64       `json:"rotation,omitempty" validate:"gte=-360,lte=360"`
	Animation Animation     `json:"animation,omitempty" validate:"omitempty,oneof=fade scroll"`
	Text      string        `json:"text,omitempty" validate:"max=200"`
	ImagePath string        `json:"imagePath,omitempty"`
	Data      string        `json:"data,omitempty" validate:"max=1000"`
	FontSize  int           `json:"fontSize,omitempty" validate:"omitempty,min=8,max=256"`
	Color     string        `json:"color,omitempty" validate:"omitempty,hexcolor"`
	Width     int           `json:"width,omitempty" validate:"omitempty,min=1"`
	Margin    *int          `json:"margin,omitempty" validate:"omitempty,min=0"`
}

// Check validates the fields each watermark type requires.
func (w WatermarkSpec) Check() error {
	switch w.Type {
	case WatermarkText, WatermarkCopyright:
		if w.Text == "" {
			return apperr.Validation("%s watermark requires text", w.Type)
		}
	case WatermarkImage, WatermarkLogo:
		if w.ImagePath == "" {
			return apperr.Validation("%s watermark requires imagePath", w.Type)
		}
	case WatermarkQRCode:
		if w.Data == "" {
			return apperr.Validation("qrcode watermark requires data")
		}
	}
	return nil
}

// ProcessingResult is the outcome for one input video
type ProcessingResult struct {
	Input             string `json:"input"`
	Success           bool   `json:"success"`
	WatermarksApplied int    `json:"watermarksApplied"`
	OutputPath        string `json:"outputPath"`
	Error             string `json:"error,omitempty"`
}

// BatchResult aggregates a batch run
type BatchResult struct {
	TotalProcessed int                `json:"totalProcessed"`
	TotalFailed    int                `json:"totalFailed"`
	Results        []ProcessingResult `json:"results"`
}

// WatermarkJobPayload applies one watermark set to many videos
type WatermarkJobPayload struct {
	Inputs     []string        `json:"inputs" validate:"required,min=1,dive,required"`
	OutputDir  string          `json:"outputDir" validate:"required"`
	Suffix     string          `json:"suffix,omitempty"`
	Watermarks []WatermarkSpec `json:"watermarks" validate:"required,min=1,dive"`
	Parallel   int             `json:"parallel,omitempty" validate:"omitempty,min=1,max=16"`
}

func (WatermarkJobPayload) JobType() JobType { return JobTypeWatermark }

func (p WatermarkJobPayload) ResolvePaths(r PathResolver) (Payload, error) {
	inputs := make([]string, len(p.Inputs))
	for i, in := range p.Inputs {
		resolved, err := r.File(in)
		if err != nil {
			return nil, fmt.Errorf("inputs[%d]: %w", i, err)
		}
		inputs[i] = resolved
	}
	out, err := r.File(p.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("outputDir: %w", err)
	}
	marks, err := resolveMarks(p.Watermarks, r)
	if err != nil {
		return nil, err
	}
	p.Inputs, p.OutputDir, p.Watermarks = inputs, out, marks
	return p, nil
}

// resolveMarks copies specs, resolving the image of image and logo marks.
func resolveMarks(specs []WatermarkSpec, r PathResolver) ([]WatermarkSpec, error) {
	if specs == nil {
		return nil, nil
	}
	out := make([]WatermarkSpec, len(specs))
	for i, w := range specs {
		if w.ImagePath != "" {
			resolved, err := r.File(w.ImagePath)
			if err != nil {
				return nil, fmt.Errorf("watermarks[%d].imagePath: %w", i, err)
			}
			w.ImagePath = resolved
		}
		out[i] = w
	}
	return out, nil
}

func (p WatermarkJobPayload) Check() error {
	for _, wm := range p.Watermarks {
		if err := wm.Check(); err != nil {
			return err
		}
	}
	return nil
}
