package worker

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/reelforge/api/internal/frames"
	"github.com/reelforge/api/internal/model"
)

// crfTable maps codec and quality to a constant rate factor.
var crfTable = map[model.Codec]map[model.Quality]int{
	model.CodecH264: {model.QualityLow: 30, model.QualityMedium: 23, model.QualityHigh: 19, model.QualityUltra: 16},
	model.CodecH265: {model.QualityLow: 34, model.QualityMedium: 28, model.QualityHigh: 24, model.QualityUltra: 20},
	model.CodecVP9:  {model.QualityLow: 40, model.QualityMedium: 31, model.QualityHigh: 26, model.QualityUltra: 20},
}

// CRF returns the rate factor for cfg, falling back to medium quality.
func CRF(codec model.Codec, quality model.Quality) int {
	row, ok := crfTable[codec]
	if !ok {
		row = crfTable[model.CodecH264]
	}
	if v, ok := row[quality]; ok {
		return v
	}
	return row[model.QualityMedium]
}

// VideoArgs returns the video encoder flags for cfg.
func VideoArgs(cfg model.RenderConfig) []string {
	crf := strconv.Itoa(CRF(cfg.Codec, cfg.Quality))
	switch cfg.Codec {
	case model.CodecH265:
		args := []string{"-c:v", "libx265", "-preset", "medium", "-crf", crf}
		if cfg.Format == model.FormatMP4 || cfg.Format == model.FormatMOV {
			args = append(args, "-tag:v", "hvc1")
		}
		return args
	case model.CodecVP9:
		return []string{"-c:v", "libvpx-vp9", "-crf", crf, "-b:v", "0", "-row-mt", "1"}
	default:
		return []string{"-c:v", "libx264", "-preset", "medium", "-crf", crf}
	}
}

// EncodeArgs combines the frame sequence and optional audio into out.
func EncodeArgs(set *frames.FrameSet, audioPath string, cfg model.RenderConfig, out string) []string {
	fps := strconv.Itoa(set.FPS)
	args := []string{"-framerate", fps, "-start_number", "0", "-i", set.InputPattern()}
	if audioPath != "" {
		args = append(args, "-i", audioPath)
	}
	args = append(args, "-map", "0:v:0")
	if audioPath != "" {
		args = append(args, "-map", "1:a:0")
	}
	args = append(args, VideoArgs(cfg)...)
	args = append(args, "-pix_fmt", "yuv420p", "-r", fps)
	if audioPath != "" {
		codec := "aac"
		if cfg.Format == model.FormatWebM {
			codec = "libopus"
		}
		args = append(args, "-c:a", codec, "-b:a", "192k", "-shortest")
	}
	if cfg.Format != model.FormatWebM {
		args = append(args, "-movflags", "+faststart")
	}
	return append(args, out)
}

// AudioArgs builds one run that lays the per-slide tracks end to end. Each
// segment is padded or trimmed to its slide's on-screen time; slides without
// a track get silence.
func AudioArgs(slides []model.SlideData, fps int, tracks map[int]string, out string) []string {
	var (
		args   []string
		parts  []string
		labels []string
	)
	for i, slide := range slides {
		dur := float64(slide.FrameCount(fps)) / float64(fps)
		if p, ok := tracks[i]; ok {
			args = append(args, "-i", p)
		} else {
			args = append(args, "-f", "lavfi", "-t", fmt.Sprintf("%.3f", dur), "-i", "anullsrc=r=48000:cl=stereo")
		}
		label := fmt.Sprintf("[a%d]", i)
		labels = append(labels, label)
		parts = append(parts, fmt.Sprintf("[%d:a]aresample=48000,aformat=channel_layouts=stereo,apad,atrim=duration=%.3f,asetpts=PTS-STARTPTS%s", i, dur, label))
	}
	parts = append(parts, fmt.Sprintf("%sconcat=n=%d:v=0:a=1[aout]", strings.Join(labels, ""), len(slides)))

	return append(args,
		"-filter_complex", strings.Join(parts, ";"),
		"-map", "[aout]",
		"-c:a", "pcm_s16le",
		out,
	)
}
