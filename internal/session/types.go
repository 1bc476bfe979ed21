package session

import (
	"math"
	"time"

	"github.com/audiolibrelab/memocapture/internal/capture"
	"github.com/audiolibrelab/memocapture/internal/encoding"
)

const (
	DefaultMaxDurationMinutes = 120
	DefaultChunkInterval      = time.Second
	DefaultMeterInterval      = time.Second / 60
	timerInterval             = time.Second
)

// DefaultFormatPreference is tried in order when a config leaves it empty
var DefaultFormatPreference = []string{
	"audio/webm;codecs=opus",
	"audio/ogg;codecs=opus",
	capture.BaselineFormat,
}

// CaptureConfig is fixed for the lifetime of one take.
type CaptureConfig struct {
	EchoCancellation bool
	NoiseSuppression bool
	SampleRate       int
	Channels         int
	Bitrate          int

	// FormatPreference is ordered, most preferred first
	FormatPreference []string
	// MaxDurationMinutes may be fractional, e.g. 0.5 for thirty seconds
	MaxDurationMinutes float64

	ChunkInterval time.Duration
	MeterInterval time.Duration
	FFTSize       int
	Smoothing     float64
}

func (c CaptureConfig) withDefaults() CaptureConfig {
	if c.SampleRate <= 0 {
		c.SampleRate = 48000
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if len(c.FormatPreference) == 0 {
		c.FormatPreference = DefaultFormatPreference
	}
	c.FormatPreference = append([]string(nil), c.FormatPreference...)
	if c.MaxDurationMinutes <= 0 {
		c.MaxDurationMinutes = DefaultMaxDurationMinutes
	}
	if c.ChunkInterval <= 0 {
		c.ChunkInterval = DefaultChunkInterval
	}
	if c.MeterInterval <= 0 {
		c.MeterInterval = DefaultMeterInterval
	}
	if c.FFTSize <= 0 {
		c.FFTSize = capture.DefaultFFTSize
	}
	if c.Smoothing <= 0 || c.Smoothing >= 1 {
		c.Smoothing = capture.DefaultSmoothing
	}
	return c
}

func (c CaptureConfig) constraints() capture.Constraints {
	return capture.Constraints{
		EchoCancellation: c.EchoCancellation,
		NoiseSuppression: c.NoiseSuppression,
		SampleRate:       c.SampleRate,
		Channels:         c.Channels,
	}
}

// MaxDurationSeconds is the auto-stop threshold, never below one second
func (c CaptureConfig) MaxDurationSeconds() int {
	return max(int(math.Round(c.MaxDurationMinutes*60)), 1)
}

// Snapshot is a consistent view of the engine at one instant.
type Snapshot struct {
	ID                 string        `json:"id,omitempty"`
	State              State         `json:"state"`
	StartedAt          time.Time     `json:"started_at,omitempty"`
	PausedAccumulated  time.Duration `json:"paused_accumulated"`
	DurationSeconds    int           `json:"duration_seconds"`
	MaxDurationSeconds int           `json:"max_duration_seconds"`
	Level              float64       `json:"level"`
	Format             string        `json:"format,omitempty"`
	Playing            bool          `json:"playing"`
	LastError          *Error        `json:"-"`
}

// Callbacks are invoked after the engine lock is released, in the order the
// events happened. Any of them may be nil.
type Callbacks struct {
	OnStarted      func(id string)
	OnStopped      func(id string)
	OnComplete     func(artifact *encoding.Artifact, durationSeconds int)
	OnError        func(err *Error)
	OnStateChanged func(state State)
	OnDuration     func(seconds int)
}

// Playback renders a finished artifact. The engine owns the one instance and
// releases it whenever the take is dropped.
type Playback interface {
	Load(artifact *encoding.Artifact) error
	Toggle() error
	Playing() bool
	Release() error
}
