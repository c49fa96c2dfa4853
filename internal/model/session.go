package model

import (
	"context"
	"errors"
	"sync"

	"github.com/JS2IIU-MH/haru-pan/internal/postprocess"
	"github.com/JS2IIU-MH/haru-pan/internal/preprocess"
)

// Session is an owned handle on one opened model. Close waits for
// in-flight runs to finish.
type Session struct {
	Asset    string
	Path     string
	Metadata *Metadata

	mu     sync.RWMutex
	runner Runner
	closed bool
}

func newSession(asset, path string, meta *Metadata, runner Runner) *Session {
	return &Session{Asset: asset, Path: path, Metadata: meta, runner: runner}
}

// Run executes one forward pass. Unsupported output shapes are returned
// as *postprocess.UnsupportedOutputError, everything else the runtime
// reports is wrapped in a *RuntimeError.
func (s *Session) Run(ctx context.Context, input *preprocess.Tensor) (postprocess.Value, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, &RuntimeError{Asset: s.Asset, Err: ErrSessionClosed}
	}

	out, err := s.runner.Run(input)
	if err != nil {
		var unsupported *postprocess.UnsupportedOutputError
		if errors.As(err, &unsupported) {
			return nil, err
		}
		return nil, &RuntimeError{Asset: s.Asset, Err: err}
	}
	return out, nil
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.runner.Close()
}

// Slot holds the session currently serving requests.
type Slot struct {
	mu      sync.RWMutex
	current *Session
}

// Swap installs next and returns the session it replaced, if any.
func (s *Slot) Swap(next *Session) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.current
	s.current = next
	return prev
}

// Current returns the active session or ErrNoSession.
func (s *Slot) Current() (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.current == nil {
		return nil, ErrNoSession
	}
	return s.current, nil
}
