package session

import (
	"errors"
	"fmt"
	"log/slog"
)

type resource string

const (
	resSampler resource = "sampler"
	resTimer   resource = "timer"
	resFlusher resource = "flusher"
	resDevice  resource = "device"
	resPreview resource = "preview"
)

// releaseOrder is the teardown order. Periodic tasks go before the device
// they read from, and the device before the preview built from its output.
var releaseOrder = []resource{resSampler, resTimer, resFlusher, resDevice, resPreview}

// guard tracks every resource held by the current take. It is not
// synchronized; the engine lock covers it.
type guard struct {
	held map[resource]func() error
}

func newGuard() *guard {
	return &guard{held: make(map[resource]func() error)}
}

// hold registers release for kind. A previous holder of the same kind is
// released first.
func (g *guard) hold(kind resource, release func() error) {
	if _, ok := g.held[kind]; ok {
		_ = g.release(kind)
	}
	g.held[kind] = release
}

func (g *guard) holding(kind resource) bool {
	_, ok := g.held[kind]
	return ok
}

// release frees one resource. Releasing something not held is a no-op.
func (g *guard) release(kind resource) error {
	fn, ok := g.held[kind]
	if !ok {
		return nil
	}
	delete(g.held, kind)
	if err := fn(); err != nil {
		slog.Warn("Releasing resource failed", "resource", kind, "error", err)
		return fmt.Errorf("release %s: %w", kind, err)
	}
	return nil
}

func (g *guard) releaseAll() error {
	var errs []error
	for _, kind := range releaseOrder {
		if err := g.release(kind); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// taskRelease adapts a scheduled task to the guard
func taskRelease(cancel func()) func() error {
	return func() error {
		cancel()
		return nil
	}
}
