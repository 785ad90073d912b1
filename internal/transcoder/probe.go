package transcoder

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/reelforge/api/internal/apperr"
)

// Prober reads media metadata.
type Prober interface {
	Duration(ctx context.Context, path string) (float64, error)
}

// FrameRater is implemented by probers that can read the video frame rate.
type FrameRater interface {
	FrameRate(ctx context.Context, path string) (float64, error)
}

// FFprobe implements Prober and FrameRater with the ffprobe binary.
type FFprobe struct {
	Path string
}

func NewFFprobe(path string) *FFprobe {
	if path == "" {
		path = "ffprobe"
	}
	return &FFprobe{Path: path}
}

// Duration returns the container duration in seconds.
func (p *FFprobe) Duration(ctx context.Context, path string) (float64, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}

	out, err := exec.CommandContext(ctx, p.Path, args...).Output()
	if err != nil {
		return 0, apperr.Wrap(apperr.ErrTranscoder, "", "ffprobe duration", err)
	}

	raw := strings.TrimSpace(string(out))
	duration, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, apperr.Wrap(apperr.ErrTranscoder, "", "ffprobe duration", fmt.Errorf("parse %q: %w", raw, err))
	}
	return duration, nil
}

// FrameRate returns the frame rate of the first video stream.
func (p *FFprobe) FrameRate(ctx context.Context, path string) (float64, error) {
	args := []string{
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=r_frame_rate",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}

	out, err := exec.CommandContext(ctx, p.Path, args...).Output()
	if err != nil {
		return 0, apperr.Wrap(apperr.ErrTranscoder, "", "ffprobe frame rate", err)
	}
	rate, err := ParseRate(strings.TrimSpace(string(out)))
	if err != nil {
		return 0, apperr.Wrap(apperr.ErrTranscoder, "", "ffprobe frame rate", err)
	}
	return rate, nil
}

// ParseRate parses rates as ffprobe prints them: "30000/1001" or "25".
func ParseRate(s string) (float64, error) {
	num, den, found := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("parse rate %q: %w", s, err)
	}
	d := 1.0
	if found {
		if d, err = strconv.ParseFloat(den, 64); err != nil {
			return 0, fmt.Errorf("parse rate %q: %w", s, err)
		}
	}
	if n <= 0 || d <= 0 {
		return 0, fmt.Errorf("invalid rate %q", s)
	}
	return n / d, nil
}
