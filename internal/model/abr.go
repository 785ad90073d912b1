package model

import (
	"fmt"
	"strings"

	"github.com/reelforge/api/internal/apperr"
)

// QualityLevel describes one rendition tier
type QualityLevel struct {
	Name        string `json:"name" validate:"required,alphanum"`
	Width       int    `json:"width" validate:"required,min=16"`
	Height      int    `json:"height" validate:"required,min=16"`
	BitrateKbps int    `json:"bitrateKbps" validate:"required,min=1"`
}

// Resolution formats the level as WIDTHxHEIGHT.
func (q QualityLevel) Resolution() string {
	return fmt.Sprintf("%dx%d", q.Width, q.Height)
}

// Bandwidth in bits per second.
func (q QualityLevel) Bandwidth() int {
	return q.BitrateKbps * 1000
}

// RenditionManifest describes the output of one ABR run
type RenditionManifest struct {
	Format             ManifestFormat `json:"format"`
	MasterPlaylistPath string         `json:"masterPlaylistPath"`
	QualityLevels      []QualityLevel `json:"qualityLevels"`
	TotalSize          int64          `json:"totalSize"`
	Duration           float64        `json:"duration"`
	EncryptionKey      string         `json:"encryptionKey,omitempty"`
	Thumbnails         []string       `json:"thumbnails,omitempty"`
	Files              []string       `json:"files,omitempty"`
}

var (
	level240p  = QualityLevel{Name: "240p", Width: 426, Height: 240, BitrateKbps: 400}
	level360p  = QualityLevel{Name: "360p", Width: 640, Height: 360, BitrateKbps: 800}
	level480p  = QualityLevel{Name: "480p", Width: 854, Height: 480, BitrateKbps: 1400}
	level720p  = QualityLevel{Name: "720p", Width: 1280, Height: 720, BitrateKbps: 2800}
	level1080p = QualityLevel{Name: "1080p", Width: 1920, Height: 1080, BitrateKbps: 5000}
	level1440p = QualityLevel{Name: "1440p", Width: 2560, Height: 1440, BitrateKbps: 9000}
	level2160p = QualityLevel{Name: "2160p", Width: 3840, Height: 2160, BitrateKbps: 14000}
)

// Preset names
const (
	PresetBasic    = "basic"
	PresetStandard = "standard"
	PresetPremium  = "premium"
)

// PresetLevels returns a fresh copy of the named preset's tiers.
func PresetLevels(name string) ([]QualityLevel, error) {
	var levels []QualityLevel
	switch strings.ToLower(name) {
	case PresetBasic:
		levels = []QualityLevel{level360p, level720p, level1080p}
	case PresetStandard:
		levels = []QualityLevel{level240p, level360p, level480p, level720p, level1080p}
	case PresetPremium:
		levels = []QualityLevel{level240p, level360p, level480p, level720p, level1080p, level1440p, level2160p}
	default:
		return nil, apperr.Validation("unknown rendition preset %q", name)
	}
	return levels, nil
}

// RenditionRequest selects the tiers and packaging of an ABR run
type RenditionRequest struct {
	Preset             string         `json:"preset,omitempty" validate:"omitempty,oneof=basic standard premium"`
	QualityLevels      []QualityLevel `json:"qualityLevels,omitempty" validate:"omitempty,dive"`
	Format             ManifestFormat `json:"format" validate:"omitempty,oneof=hls dash"`
	SegmentDuration    int            `json:"segmentDuration,omitempty" validate:"omitempty,min=1,max=60"`
	EnableEncryption   bool           `json:"enableEncryption"`
	GenerateThumbnails bool           `json:"generateThumbnails"`
}

func (r RenditionRequest) Check() error {
	if r.Preset == "" && len(r.QualityLevels) == 0 {
		return apperr.Validation("either preset or qualityLevels is required")
	}
	seen := make(map[string]bool, len(r.QualityLevels))
	for _, l := range r.QualityLevels {
		if seen[l.Name] {
			return apperr.Validation("duplicate quality level %q", l.Name)
		}
		seen[l.Name] = true
	}
	if r.EnableEncryption && r.Format == ManifestDASH {
		return apperr.Validation("encryption is only supported for hls")
	}
	return nil
}

// Levels resolves explicit levels first, then the preset.
func (r RenditionRequest) Levels() ([]QualityLevel, error) {
	if len(r.QualityLevels) > 0 {
		return append([]QualityLevel(nil), r.QualityLevels...), nil
	}
	return PresetLevels(r.Preset)
}

// RenditionJobPayload runs the ABR generator on an existing source file
type RenditionJobPayload struct {
	SourcePath string `json:"sourcePath" validate:"required"`
	OutputDir  string `json:"outputDir" validate:"required"`
	RenditionRequest
}

func (RenditionJobPayload) JobType() JobType { return JobTypeRenditions }

func (p RenditionJobPayload) Check() error {
	return p.RenditionRequest.Check()
}

func (p RenditionJobPayload) ResolvePaths(r PathResolver) (Payload, error) {
	src, err := r.File(p.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("sourcePath: %w", err)
	}
	out, err := r.File(p.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("outputDir: %w", err)
	}
	p.SourcePath, p.OutputDir = src, out
	return p, nil
}
