package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Provider copies bundled model assets to local storage and keeps one open
// session per asset.
type Provider struct {
	assets fs.FS
	dir    string
	engine Engine
	log    logrus.FieldLogger

	group singleflight.Group

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewProvider(assets fs.FS, dir string, engine Engine, log logrus.FieldLogger) *Provider {
	return &Provider{
		assets:   assets,
		dir:      dir,
		engine:   engine,
		log:      log,
		sessions: make(map[string]*Session),
	}
}

// EnsureLoaded returns the session for asset, materializing and opening it
// on first use. Concurrent callers for the same asset share one load.
func (p *Provider) EnsureLoaded(ctx context.Context, asset string) (*Session, error) {
	if s := p.lookup(asset); s != nil {
		return s, nil
	}

	ch := p.group.DoChan(asset, func() (any, error) {
		if s := p.lookup(asset); s != nil {
			return s, nil
		}
		s, err := p.open(asset)
		if err != nil {
			return nil, err
		}

		// a Reload may have installed a session while this one was opening
		p.mu.Lock()
		existing := p.sessions[asset]
		if existing == nil {
			p.sessions[asset] = s
		}
		p.mu.Unlock()

		if existing != nil {
			p.closeQuietly(s)
			return existing, nil
		}
		return s, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Session), nil
	}
}

// Reload opens a fresh session for asset and returns it together with the
// session it replaced, if any. The caller closes prev once nothing can
// pick it up anymore. The local copy of the asset is reused.
func (p *Provider) Reload(ctx context.Context, asset string) (next, prev *Session, err error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	next, err = p.open(asset)
	if err != nil {
		return nil, nil, err
	}

	p.mu.Lock()
	prev = p.sessions[asset]
	p.sessions[asset] = next
	p.mu.Unlock()

	return next, prev, nil
}

// Loaded lists the assets with an open session.
func (p *Provider) Loaded() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	names := make([]string, 0, len(p.sessions))
	for name := range p.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every session opened by the provider.
func (p *Provider) Close() error {
	p.mu.Lock()
	sessions := p.sessions
	p.sessions = make(map[string]*Session)
	p.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Provider) closeQuietly(s *Session) {
	if err := s.Close(); err != nil {
		p.log.WithError(err).WithField("asset", s.Asset).Warn("Failed to close session")
	}
}

func (p *Provider) lookup(asset string) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[asset]
}

func (p *Provider) open(asset string) (*Session, error) {
	log := p.log.WithField("asset", asset)

	local, err := p.Materialize(asset)
	if err != nil {
		return nil, err
	}

	meta, err := readMetadata(p.assets, asset)
	if err != nil {
		return nil, &LoadError{Asset: asset, Err: err}
	}

	runner, err := p.engine.Open(local, meta)
	if err != nil {
		return nil, &LoadError{Asset: asset, Err: err}
	}

	log.WithField("path", local).Info("Model loaded")
	return newSession(asset, local, meta, runner), nil
}

// Materialize copies asset into the provider's directory unless a non-empty
// copy is already there, and returns the local path.
func (p *Provider) Materialize(asset string) (string, error) {
	if asset == "" || !fs.ValidPath(asset) {
		return "", &LoadError{Asset: asset, Err: fmt.Errorf("invalid asset path")}
	}

	local := filepath.Join(p.dir, path.Base(asset))
	if info, err := os.Stat(local); err == nil && info.Size() > 0 {
		return local, nil
	}

	if err := p.copyAsset(asset, local); err != nil {
		return "", &LoadError{Asset: asset, Err: err}
	}
	p.log.WithFields(logrus.Fields{"asset": asset, "path": local}).Debug("Model asset copied")
	return local, nil
}

func (p *Provider) copyAsset(asset, local string) error {
	src, err := p.assets.Open(asset)
	if err != nil {
		return fmt.Errorf("failed to open asset: %w", err)
	}
	defer src.Close()

	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}

	tmp, err := os.CreateTemp(p.dir, ".asset-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, src)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to copy asset: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("asset is empty")
	}

	if err := os.Rename(tmp.Name(), local); err != nil {
		return fmt.Errorf("failed to move asset into place: %w", err)
	}
	return nil
}
