// Package transcoder supervises the external media encoding binary.
package transcoder

import (
	"context"
	"sync"
	"time"
)

// Adapter runs one transcoder process at a time and can kill it.
type Adapter interface {
	Run(ctx context.Context, args []string) (*Stream, error)
	Kill() error
}

// Factory builds a fresh adapter, one per render worker.
type Factory func() Adapter

// Progress is one transcoder-native progress report.
type Progress struct {
	Frame   int
	FPS     float64
	OutTime time.Duration
	Speed   float64
	Done    bool
}

// Stream delivers progress of a running process and its final result.
// Updates are dropped when the consumer falls behind; Wait always returns
// the exit error.
type Stream struct {
	updates chan Progress
	done    chan struct{}

	mu     sync.Mutex
	closed bool
	err    error
}

// NewStream creates a stream with the given update buffer.
func NewStream(buffer int) *Stream {
	if buffer < 1 {
		buffer = 1
	}
	return &Stream{
		updates: make(chan Progress, buffer),
		done:    make(chan struct{}),
	}
}

// Updates is closed when the process exits.
func (s *Stream) Updates() <-chan Progress {
	return s.updates
}

// Publish offers a progress report without blocking.
func (s *Stream) Publish(p Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.updates <- p:
	default:
	}
}

// Close records the exit result. Only the first call has an effect.
func (s *Stream) Close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.updates)
	close(s.done)
}

// Done is closed when the process has exited.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the process exits and returns its error.
func (s *Stream) Wait() error {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Drain forwards every update to fn until the process exits, then returns
// the exit error.
func (s *Stream) Drain(fn func(Progress)) error {
	for p := range s.updates {
		if fn != nil {
			fn(p)
		}
	}
	return s.Wait()
}
