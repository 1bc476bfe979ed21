package capture

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/audiolibrelab/memocapture/internal/clock"
)

// SyntheticOptions configure a SyntheticDevice
type SyntheticOptions struct {
	Name      string
	Frequency float64 // sine frequency in Hz
	Amplitude float64 // sine peak, 0..1
	Noise     float64 // peak of the deterministic noise added to the sine

	// Formats restricts Supports; nil accepts every audio/ format.
	Formats []string

	// AcquireErr, when set, is returned by every Acquire.
	AcquireErr error

	// FailFlushAfter makes the Nth and later Flush calls fail (1-based).
	// Zero disables it.
	FailFlushAfter int
	FlushErr       error

	// Gate, when non-nil, blocks Acquire until a value is received or the
	// context ends.
	Gate chan struct{}
}

// SyntheticDevice generates a tone on the scheduler's clock. Generated audio
// depends only on elapsed scheduler time, so a manual clock gives fully
// repeatable captures.
type SyntheticDevice struct {
	clock clock.Scheduler
	opts  SyntheticOptions

	acquired atomic.Int32
	released atomic.Int32
}

func NewSyntheticDevice(sched clock.Scheduler, opts SyntheticOptions) *SyntheticDevice {
	if opts.Name == "" {
		opts.Name = "synthetic"
	}
	if opts.Frequency <= 0 {
		opts.Frequency = 440
	}
	if opts.Amplitude == 0 && opts.Noise == 0 {
		opts.Amplitude = 0.5
		opts.Noise = 0.1
	}
	if opts.FlushErr == nil {
		opts.FlushErr = fmt.Errorf("synthetic flush failure")
	}
	return &SyntheticDevice{clock: sched, opts: opts}
}

func (d *SyntheticDevice) Name() string {
	return d.opts.Name
}

func (d *SyntheticDevice) Supports(format string) bool {
	if d.opts.Formats == nil {
		return strings.HasPrefix(strings.ToLower(format), "audio/")
	}
	for _, f := range d.opts.Formats {
		if strings.EqualFold(f, format) {
			return true
		}
	}
	return false
}

// Acquired reports how many streams have been handed out
func (d *SyntheticDevice) Acquired() int {
	return int(d.acquired.Load())
}

// Released reports how many streams have been released
func (d *SyntheticDevice) Released() int {
	return int(d.released.Load())
}

func (d *SyntheticDevice) Acquire(ctx context.Context, c Constraints) (Stream, error) {
	if d.opts.Gate != nil {
		select {
		case <-d.opts.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.opts.AcquireErr != nil {
		return nil, d.opts.AcquireErr
	}

	c = c.withDefaults()
	d.acquired.Add(1)
	return &syntheticStream{
		dev:       d,
		format:    PCMFormat{SampleRate: c.SampleRate, Channels: c.Channels},
		lastFlush: d.clock.Now(),
	}, nil
}

type syntheticStream struct {
	dev    *SyntheticDevice
	format PCMFormat

	mu        sync.Mutex
	lastFlush time.Time
	frame     int64 // index of the next frame to generate
	prevNanos int64 // sub-frame remainder carried between flushes
	paused    bool
	released  bool
	flushes   int
}

func (s *syntheticStream) Format() PCMFormat {
	return s.format
}

func (s *syntheticStream) Flush() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return nil, fmt.Errorf("%w: stream released", ErrDeviceUnavailable)
	}

	s.flushes++
	if n := s.dev.opts.FailFlushAfter; n > 0 && s.flushes >= n {
		return nil, s.dev.opts.FlushErr
	}
	if s.paused {
		return nil, nil
	}

	frames := s.advance(s.dev.clock.Now())
	samples := make([]float64, 0, frames*int64(s.format.Channels))
	for i := int64(0); i < frames; i++ {
		v := s.sample(s.frame + i)
		for ch := 0; ch < s.format.Channels; ch++ {
			samples = append(samples, v)
		}
	}
	s.frame += frames

	return encodeS16LE(make([]byte, 0, len(samples)*2), samples), nil
}

// advance returns the number of whole frames elapsed since the last flush
func (s *syntheticStream) advance(now time.Time) int64 {
	elapsed := now.Sub(s.lastFlush).Nanoseconds() + s.prevNanos
	s.lastFlush = now
	if elapsed <= 0 {
		s.prevNanos = 0
		return 0
	}
	rate := int64(s.format.SampleRate)
	frames := elapsed * rate / int64(time.Second)
	s.prevNanos = elapsed - frames*int64(time.Second)/rate
	return frames
}

func (s *syntheticStream) sample(frame int64) float64 {
	t := float64(frame) / float64(s.format.SampleRate)
	v := s.dev.opts.Amplitude * math.Sin(2*math.Pi*s.dev.opts.Frequency*t)
	if s.dev.opts.Noise > 0 {
		v += s.dev.opts.Noise * noise(frame)
	}
	return v
}

// noise is a stateless hash of the frame index into -1..1
func noise(frame int64) float64 {
	x := uint64(frame)*0x9E3779B97F4A7C15 + 0x632BE59BD9B4E019
	x ^= x >> 30
	x *= 0xBF58476D1CE4E5B9
	x ^= x >> 27
	x *= 0x94D049BB133111EB
	x ^= x >> 31
	return float64(x>>11)/float64(1<<53)*2 - 1
}

func (s *syntheticStream) Analyse(dst []float64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released || s.paused {
		return 0
	}

	// The window ends at the current clock position, which may be ahead of
	// the last flushed frame.
	elapsed := s.dev.clock.Now().Sub(s.lastFlush)
	end := s.frame + int64(elapsed.Seconds()*float64(s.format.SampleRate))
	start := end - int64(len(dst))
	n := 0
	for f := start; f < end; f++ {
		if f < 0 {
			continue
		}
		dst[n] = s.sample(f)
		n++
	}
	return n
}

func (s *syntheticStream) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
}

func (s *syntheticStream) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
	s.lastFlush = s.dev.clock.Now()
	s.prevNanos = 0
}

func (s *syntheticStream) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return nil
	}
	s.released = true
	s.dev.released.Add(1)
	return nil
}
