package transcoder

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/reelforge/api/internal/apperr"
)

var ErrBusy = errors.New("transcoder already running a process")

// Config holds binary locations and kill behaviour
type Config struct {
	FFmpegPath  string
	FFprobePath string
	KillGrace   time.Duration
	Threads     int
}

// FFmpeg runs ffmpeg as a child process in its own process group.
type FFmpeg struct {
	cfg    Config
	logger zerolog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	exited chan struct{}
	killed bool
}

func NewFFmpeg(cfg Config, logger zerolog.Logger) *FFmpeg {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 5 * time.Second
	}
	return &FFmpeg{cfg: cfg, logger: logger.With().Str("component", "ffmpeg").Logger()}
}

// NewFactory returns a Factory producing independent FFmpeg adapters.
func NewFactory(cfg Config, logger zerolog.Logger) Factory {
	return func() Adapter {
		return NewFFmpeg(cfg, logger)
	}
}

// Available reports whether the ffmpeg binary can be found.
func (f *FFmpeg) Available() error {
	if _, err := exec.LookPath(f.cfg.FFmpegPath); err != nil {
		return apperr.Wrap(apperr.ErrTranscoder, "", "locate ffmpeg", err)
	}
	return nil
}

func (f *FFmpeg) Run(ctx context.Context, args []string) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperr.Wrap(apperr.ErrCancelled, "", "start ffmpeg", err)
	}
	path, err := exec.LookPath(f.cfg.FFmpegPath)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrTranscoder, "", "locate ffmpeg", err)
	}

	full := []string{"-hide_banner", "-nostats", "-loglevel", "error", "-progress", "pipe:1", "-y"}
	if f.cfg.Threads > 0 {
		full = append(full, "-threads", fmt.Sprint(f.cfg.Threads))
	}
	full = append(full, args...)

	f.mu.Lock()
	if f.cmd != nil {
		f.mu.Unlock()
		return nil, ErrBusy
	}

	cmd := exec.Command(path, full...)
	setProcessGroup(cmd)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		f.mu.Unlock()
		return nil, apperr.Wrap(apperr.ErrResource, "", "open ffmpeg stdout", err)
	}
	stderr := newTailBuffer(4096)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		f.mu.Unlock()
		return nil, apperr.Wrap(apperr.ErrTranscoder, "", "start ffmpeg", err)
	}
	exited := make(chan struct{})
	f.cmd = cmd
	f.exited = exited
	f.killed = false
	f.mu.Unlock()

	f.logger.Debug().Int("pid", cmd.Process.Pid).Str("args", strings.Join(args, " ")).Msg("ffmpeg started")

	stream := NewStream(32)
	go func() {
		if err := ParseProgress(stdout, stream.Publish); err != nil {
			f.logger.Warn().Err(err).Msg("failed to read ffmpeg progress")
		}
		waitErr := cmd.Wait()
		close(exited)

		f.mu.Lock()
		killed := f.killed
		f.cmd = nil
		f.exited = nil
		f.mu.Unlock()

		stream.Close(f.exitError(ctx, killed, waitErr, stderr.String()))
	}()

	go func() {
		select {
		case <-ctx.Done():
			if err := f.Kill(); err != nil {
				f.logger.Error().Err(err).Msg("failed to kill ffmpeg on cancel")
			}
		case <-exited:
		}
	}()

	return stream, nil
}

func (f *FFmpeg) exitError(ctx context.Context, killed bool, waitErr error, tail string) error {
	if ctx.Err() != nil {
		return apperr.Wrap(apperr.ErrCancelled, "", "run ffmpeg", ctx.Err())
	}
	if killed {
		return apperr.Wrap(apperr.ErrCancelled, "", "run ffmpeg", errors.New("process killed"))
	}
	if waitErr == nil {
		return nil
	}
	if tail = strings.TrimSpace(tail); tail != "" {
		waitErr = fmt.Errorf("%w: %s", waitErr, tail)
	}
	return apperr.Wrap(apperr.ErrTranscoder, "", "run ffmpeg", waitErr)
}

// Kill terminates the running process group: SIGTERM first, SIGKILL after
// the grace period. Calling Kill with nothing running is a no-op.
func (f *FFmpeg) Kill() error {
	f.mu.Lock()
	cmd := f.cmd
	exited := f.exited
	if cmd != nil {
		f.killed = true
	}
	f.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pid := cmd.Process.Pid

	if err := terminateGroup(pid); err != nil {
		f.logger.Debug().Err(err).Int("pid", pid).Msg("terminate signal failed")
	}
	select {
	case <-exited:
		return nil
	case <-time.After(f.cfg.KillGrace):
	}

	f.logger.Warn().Int("pid", pid).Msg("ffmpeg did not exit after SIGTERM, sending SIGKILL")
	if err := killGroup(pid); err != nil {
		return apperr.Wrap(apperr.ErrTranscoder, "", "kill ffmpeg", err)
	}
	select {
	case <-exited:
		return nil
	case <-time.After(2 * time.Second):
		return apperr.Wrap(apperr.ErrTranscoder, "", "kill ffmpeg", fmt.Errorf("process %d could not be killed", pid))
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
