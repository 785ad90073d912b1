// Package transcodertest provides an in-memory transcoder for tests.
package transcodertest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/reelforge/api/internal/apperr"
	"github.com/reelforge/api/internal/transcoder"
)

// Handler simulates one process run. It may publish progress and create
// files; its return value becomes the exit error.
type Handler func(ctx context.Context, args []string, s *transcoder.Stream) error

// Fake records every invocation and runs Handler in a goroutine.
type Fake struct {
	Handler Handler

	mu     sync.Mutex
	calls  [][]string
	cancel context.CancelFunc
	kills  int
}

func New(h Handler) *Fake {
	return &Fake{Handler: h}
}

// Factory hands out the same fake to every worker.
func (f *Fake) Factory() transcoder.Factory {
	return func() transcoder.Adapter { return f }
}

func (f *Fake) Run(ctx context.Context, args []string) (*transcoder.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperr.Wrap(apperr.ErrCancelled, "", "start fake", err)
	}
	runCtx, cancel := context.WithCancel(ctx)

	f.mu.Lock()
	f.calls = append(f.calls, append([]string(nil), args...))
	f.cancel = cancel
	f.mu.Unlock()

	s := transcoder.NewStream(16)
	go func() {
		defer cancel()
		var err error
		if f.Handler != nil {
			err = f.Handler(runCtx, args, s)
		} else {
			err = TouchOutput(args)
		}
		if err == nil && runCtx.Err() != nil {
			err = apperr.Wrap(apperr.ErrCancelled, "", "run fake", runCtx.Err())
		}
		s.Close(err)
	}()
	return s, nil
}

func (f *Fake) Kill() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kills++
	if f.cancel != nil {
		f.cancel()
	}
	return nil
}

// Calls returns a copy of the recorded argument lists.
func (f *Fake) Calls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// Kills returns how many times Kill was called.
func (f *Fake) Kills() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.kills
}

// OutputPath returns the last argument, which is where ffmpeg writes.
func OutputPath(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[len(args)-1]
}

// TouchOutput creates the output file named by args. For HLS runs it also
// writes a small variant playlist and one segment, honouring the key info
// file when present.
func TouchOutput(args []string) error {
	out := OutputPath(args)
	if out == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return err
	}
	if !strings.HasSuffix(out, ".m3u8") {
		return os.WriteFile(out, []byte("data"), 0o644)
	}

	segment := strings.Replace(ArgValue(args, "-hls_segment_filename"), "%03d", "000", 1)
	if segment == "" {
		segment = strings.TrimSuffix(out, ".m3u8") + "_000.ts"
	}
	if err := os.WriteFile(segment, []byte("segment"), 0o644); err != nil {
		return err
	}
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:6\n")
	if ArgValue(args, "-hls_key_info_file") != "" {
		b.WriteString("#EXT-X-KEY:METHOD=AES-128,URI=\"enc.key\"\n")
	}
	b.WriteString("#EXTINF:6.000000,\n")
	b.WriteString(filepath.Base(segment) + "\n")
	b.WriteString("#EXT-X-ENDLIST\n")
	return os.WriteFile(out, []byte(b.String()), 0o644)
}

// ArgValue returns the value following flag, or "".
func ArgValue(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}
