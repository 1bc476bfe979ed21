// Package playback previews finished takes through a single local player.
package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/audiolibrelab/memocapture/internal/encoding"
)

var ErrNotLoaded = errors.New("no preview loaded")

// Controller owns the preview file of one artifact and at most one player
// process for it.
type Controller struct {
	player Player
	dir    string

	mu     sync.Mutex
	path   string
	proc   Process
	paused bool
}

// NewController writes previews under dir, or the system temp dir when
// dir is empty.
func NewController(player Player, dir string) *Controller {
	return &Controller{player: player, dir: dir}
}

// Load replaces the current preview with one for a.
func (c *Controller) Load(a *encoding.Artifact) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.releaseLocked(); err != nil {
		slog.Warn("Releasing previous preview failed", "error", err)
	}

	data, err := encoding.PreviewWAV(a)
	if err != nil {
		return err
	}

	f, err := os.CreateTemp(c.dir, "memocapture-preview-*.wav")
	if err != nil {
		return fmt.Errorf("creating preview file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return fmt.Errorf("writing preview file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return fmt.Errorf("closing preview file: %w", err)
	}

	c.path = f.Name()
	slog.Debug("Preview ready", "path", c.path, "bytes", len(data))
	return nil
}

// Toggle starts playback, or pauses and resumes the running one. Once a
// playback has ended the next Toggle starts from the beginning.
func (c *Controller) Toggle() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.path == "" {
		return ErrNotLoaded
	}

	if c.proc == nil || finished(c.proc) {
		proc, err := c.player.Start(c.path)
		if err != nil {
			return err
		}
		c.proc = proc
		c.paused = false
		return nil
	}

	if c.paused {
		if err := c.proc.Resume(); err != nil {
			return fmt.Errorf("resuming playback: %w", err)
		}
		c.paused = false
		return nil
	}

	if err := c.proc.Pause(); err != nil {
		return fmt.Errorf("pausing playback: %w", err)
	}
	c.paused = true
	return nil
}

// Playing reports whether audio is currently coming out
func (c *Controller) Playing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proc != nil && !c.paused && !finished(c.proc)
}

// Path is the current preview file, or empty
func (c *Controller) Path() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.path
}

// Release stops playback and removes the preview file. Safe to call repeatedly.
func (c *Controller) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.releaseLocked()
}

func (c *Controller) releaseLocked() error {
	var errs []error
	if c.proc != nil {
		if err := c.proc.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stopping player: %w", err))
		}
		c.proc = nil
		c.paused = false
	}
	if c.path != "" {
		if err := os.Remove(c.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("removing preview: %w", err))
		}
		c.path = ""
	}
	return errors.Join(errs...)
}

func finished(p Process) bool {
	select {
	case <-p.Done():
		return true
	default:
		return false
	}
}
