package encoding

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/audiolibrelab/memocapture/internal/capture"
)

var ErrFinalized = errors.New("pipeline already finalized")

// Artifact is a finished take.
type Artifact struct {
	Payload         []byte `json:"-" yaml:"-"`
	Format          string `json:"format" yaml:"format"`
	DurationSeconds int    `json:"duration_seconds" yaml:"duration_seconds"`
	Size            int    `json:"size" yaml:"size"`
	SampleRate      int    `json:"sample_rate" yaml:"sample_rate"`
	Channels        int    `json:"channels" yaml:"channels"`

	// Partial is set when encoding failed mid-take and the artifact holds
	// only the chunks collected before the failure.
	Partial bool `json:"partial,omitempty" yaml:"partial,omitempty"`
}

// Pipeline buffers encoded chunks for one take.
type Pipeline struct {
	mu        sync.Mutex
	enc       Encoder
	pcm       capture.PCMFormat
	chunks    [][]byte
	pcmBytes  int64
	failed    error
	finalized bool
}

func NewPipeline(format string, pcm capture.PCMFormat, bitrate int) (*Pipeline, error) {
	enc, err := NewEncoder(format, pcm, bitrate)
	if err != nil {
		return nil, err
	}
	return &Pipeline{enc: enc, pcm: pcm}, nil
}

// Format is the container tag the pipeline produces
func (p *Pipeline) Format() string {
	return p.enc.Format()
}

// Collect encodes and buffers one chunk. Empty chunks are ignored. After an
// encode failure the pipeline refuses further chunks but can still be
// finalized with what it has.
func (p *Pipeline) Collect(pcm []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.finalized {
		return ErrFinalized
	}
	if p.failed != nil {
		return p.failed
	}
	if len(pcm) == 0 {
		return nil
	}

	encoded, err := p.enc.Encode(pcm)
	if err != nil {
		if !errors.Is(err, ErrEncoding) {
			err = fmt.Errorf("%w: %v", ErrEncoding, err)
		}
		p.failed = err
		return err
	}

	p.chunks = append(p.chunks, encoded)
	p.pcmBytes += int64(len(pcm))
	return nil
}

// Fail marks the pipeline as broken by an error outside the encoder, such
// as a capture read failure; the artifact will be flagged partial.
func (p *Pipeline) Fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failed == nil {
		p.failed = err
	}
}

// Chunks reports how many chunks have been collected
func (p *Pipeline) Chunks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.chunks)
}

// Captured is the audio duration collected so far
func (p *Pipeline) Captured() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	bytesPerSecond := int64(p.pcm.SampleRate * p.pcm.FrameSize())
	if bytesPerSecond == 0 {
		return 0
	}
	return time.Duration(p.pcmBytes * int64(time.Second) / bytesPerSecond)
}

// Finalize seals the collected chunks into an artifact. It can only be called once.
func (p *Pipeline) Finalize(durationSeconds int) (*Artifact, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.finalized {
		return nil, ErrFinalized
	}
	p.finalized = true

	payload, err := p.enc.Seal(p.chunks)
	p.chunks = nil
	if err != nil {
		if !errors.Is(err, ErrEncoding) {
			err = fmt.Errorf("%w: %v", ErrEncoding, err)
		}
		return nil, err
	}

	artifact := &Artifact{
		Payload:         payload,
		Format:          p.enc.Format(),
		DurationSeconds: durationSeconds,
		Size:            len(payload),
		SampleRate:      p.pcm.SampleRate,
		Channels:        p.pcm.Channels,
		Partial:         p.failed != nil,
	}

	slog.Debug("Pipeline finalized", "format", artifact.Format, "size", artifact.Size, "duration", durationSeconds, "partial", artifact.Partial)
	return artifact, nil
}

// Discard drops buffered chunks without producing an artifact
func (p *Pipeline) Discard() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chunks = nil
	p.finalized = true
}
