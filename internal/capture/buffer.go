package capture

import (
	"encoding/binary"
	"sync"
)

// DefaultWindowSize is how many recent mono samples a stream keeps for analysis.
const DefaultWindowSize = 2048

// pcmBuffer accumulates captured frames between flushes and keeps a ring of
// the latest mono samples for level analysis.
type pcmBuffer struct {
	mu      sync.Mutex
	format  PCMFormat
	pending []byte
	carry   []byte
	paused  bool

	ring   []float64
	pos    int
	filled int
}

func newPCMBuffer(format PCMFormat, windowSize int) *pcmBuffer {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	return &pcmBuffer{
		format: format,
		ring:   make([]float64, windowSize),
	}
}

// write appends raw s16le bytes. Data arriving while paused is dropped.
func (b *pcmBuffer) write(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.paused {
		return
	}

	frameSize := b.format.FrameSize()
	data := p
	if len(b.carry) > 0 {
		data = append(b.carry, p...)
		b.carry = nil
	}

	whole := len(data) - len(data)%frameSize
	if rest := data[whole:]; len(rest) > 0 {
		b.carry = append([]byte(nil), rest...)
	}
	data = data[:whole]

	b.pending = append(b.pending, data...)
	b.pushMono(data)
}

func (b *pcmBuffer) pushMono(frames []byte) {
	channels := b.format.Channels
	frameSize := b.format.FrameSize()

	for off := 0; off+frameSize <= len(frames); off += frameSize {
		var sum float64
		for ch := 0; ch < channels; ch++ {
			s := int16(binary.LittleEndian.Uint16(frames[off+ch*2:]))
			sum += float64(s) / 32768
		}
		b.ring[b.pos] = sum / float64(channels)
		b.pos = (b.pos + 1) % len(b.ring)
		if b.filled < len(b.ring) {
			b.filled++
		}
	}
}

func (b *pcmBuffer) take() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.pending
	b.pending = nil
	return out
}

func (b *pcmBuffer) analyse(dst []float64) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(dst)
	if n > b.filled {
		n = b.filled
	}
	start := (b.pos - n + len(b.ring)) % len(b.ring)
	for i := 0; i < n; i++ {
		dst[i] = b.ring[(start+i)%len(b.ring)]
	}
	return n
}

func (b *pcmBuffer) setPaused(paused bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.paused = paused
	if paused {
		b.carry = nil
	}
}

// encodeS16LE converts float samples in -1..1 into little-endian PCM16 bytes.
func encodeS16LE(dst []byte, samples []float64) []byte {
	for _, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(s * 32767)
		dst = binary.LittleEndian.AppendUint16(dst, uint16(v))
	}
	return dst
}
