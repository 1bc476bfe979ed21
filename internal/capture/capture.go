// Package capture owns access to audio input devices: acquiring a live PCM
// stream under a set of processing constraints, negotiating an output format,
// and listing the sources a backend can see.
package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// BaselineFormat is the container every device and encoder supports.
const BaselineFormat = "audio/wav"

// BitDepth of every PCM stream produced by this package (signed little-endian).
const BitDepth = 16

var (
	ErrPermissionDenied  = errors.New("capture permission denied")
	ErrDeviceUnavailable = errors.New("capture device unavailable")
	ErrUnsupportedFormat = errors.New("unsupported capture format")
)

// Constraints are the processing options requested when acquiring a device.
type Constraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	SampleRate       int
	Channels         int
}

func (c Constraints) withDefaults() Constraints {
	if c.SampleRate <= 0 {
		c.SampleRate = 48000
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	return c
}

// PCMFormat describes the interleaved s16le samples a Stream emits.
type PCMFormat struct {
	SampleRate int `json:"sample_rate" yaml:"sample_rate"`
	Channels   int `json:"channels" yaml:"channels"`
}

// FrameSize is the number of bytes per interleaved frame
func (f PCMFormat) FrameSize() int {
	return f.Channels * BitDepth / 8
}

// Stream is a live capture handle. All methods are safe for concurrent use.
type Stream interface {
	Format() PCMFormat

	// Flush returns the PCM bytes captured since the previous flush. It
	// returns whole frames only.
	Flush() ([]byte, error)

	// Analyse copies the most recent mono samples (-1..1) into dst, oldest
	// first, and reports how many were written.
	Analyse(dst []float64) int

	// Pause stops the stream from emitting data while keeping the device held.
	Pause()
	Resume()

	// Release stops capture and frees the device. Safe to call repeatedly.
	Release() error
}

// Device is something that can be acquired for capture.
type Device interface {
	Name() string
	Supports(format string) bool
	Acquire(ctx context.Context, c Constraints) (Stream, error)
}

// Negotiate returns the first entry of preferences that supported accepts. If
// none does, it falls back to BaselineFormat.
func Negotiate(preferences []string, supported func(format string) bool) (string, error) {
	for _, format := range preferences {
		format = strings.TrimSpace(format)
		if format != "" && supported(format) {
			return format, nil
		}
	}

	if supported(BaselineFormat) {
		return BaselineFormat, nil
	}

	return "", fmt.Errorf("%w: none of %v and no %s fallback", ErrUnsupportedFormat, preferences, BaselineFormat)
}
