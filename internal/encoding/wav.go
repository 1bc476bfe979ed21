package encoding

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/audiolibrelab/memocapture/internal/capture"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// wavFormatPCM is the RIFF WAVE format code for integer PCM
const wavFormatPCM = 1

type wavEncoder struct {
	pcm capture.PCMFormat
}

func (e *wavEncoder) Format() string {
	return FormatWAV
}

// Encode keeps chunks as raw PCM; the RIFF header needs the total size, so
// the container is only written by Seal.
func (e *wavEncoder) Encode(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("%w: odd PCM16 chunk length %d", ErrEncoding, len(pcm))
	}
	return append([]byte(nil), pcm...), nil
}

func (e *wavEncoder) Seal(chunks [][]byte) ([]byte, error) {
	return sealWAV(joinChunks(chunks), e.pcm)
}

// sealWAV wraps interleaved s16le PCM in a RIFF WAVE container
func sealWAV(pcm []byte, format capture.PCMFormat) ([]byte, error) {
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}

	buf := &audio.IntBuffer{
		Format: &audio.Format{
			NumChannels: format.Channels,
			SampleRate:  format.SampleRate,
		},
		Data:           samples,
		SourceBitDepth: capture.BitDepth,
	}

	out := &memFile{}
	enc := wav.NewEncoder(out, format.SampleRate, capture.BitDepth, format.Channels, wavFormatPCM)
	if err := enc.Write(buf); err != nil {
		return nil, fmt.Errorf("%w: writing wav samples: %v", ErrEncoding, err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("%w: closing wav container: %v", ErrEncoding, err)
	}
	return out.Bytes(), nil
}

// memFile is an in-memory io.WriteSeeker for the wav encoder, which seeks
// back to patch chunk sizes on Close.
type memFile struct {
	data []byte
	pos  int64
}

func (m *memFile) Write(p []byte) (int, error) {
	end := m.pos + int64(len(p))
	if end > int64(len(m.data)) {
		if end > int64(cap(m.data)) {
			grown := make([]byte, end, 2*end)
			copy(grown, m.data)
			m.data = grown
		} else {
			m.data = m.data[:end]
		}
	}
	copy(m.data[m.pos:end], p)
	m.pos = end
	return len(p), nil
}

func (m *memFile) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = m.pos + offset
	case io.SeekEnd:
		next = int64(len(m.data)) + offset
	default:
		return 0, errors.New("memfile: invalid whence")
	}
	if next < 0 {
		return 0, errors.New("memfile: negative position")
	}
	m.pos = next
	return next, nil
}

func (m *memFile) Bytes() []byte {
	return m.data
}
