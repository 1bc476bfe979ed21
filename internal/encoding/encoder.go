// Package encoding turns captured PCM chunks into a deliverable audio
// artifact. Chunks are encoded as they arrive and sealed into the final
// container when the take is finalized.
package encoding

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/audiolibrelab/memocapture/internal/capture"
)

const (
	FormatWAV  = capture.BaselineFormat
	FormatPCMU = "audio/pcmu"
	FormatPCMA = "audio/pcma"
)

// ErrEncoding wraps every failure to encode or seal audio
var ErrEncoding = errors.New("encoding failed")

// Encoder converts PCM16 chunks for one container format.
type Encoder interface {
	Format() string

	// Encode converts one chunk of interleaved s16le PCM.
	Encode(pcm []byte) ([]byte, error)

	// Seal joins the encoded chunks, in order, into the final payload.
	Seal(chunks [][]byte) ([]byte, error)
}

type factory func(pcm capture.PCMFormat, bitrate int) Encoder

var registry = map[string]factory{
	FormatWAV: func(pcm capture.PCMFormat, _ int) Encoder { return &wavEncoder{pcm: pcm} },
	FormatPCMU: func(capture.PCMFormat, int) Encoder {
		return &g711Encoder{format: FormatPCMU, encode: encodeUlaw}
	},
	FormatPCMA: func(capture.PCMFormat, int) Encoder {
		return &g711Encoder{format: FormatPCMA, encode: encodeAlaw}
	},
}

func normalize(format string) string {
	return strings.ToLower(strings.TrimSpace(format))
}

// Supported reports whether an encoder exists for format
func Supported(format string) bool {
	_, ok := registry[normalize(format)]
	return ok
}

// Formats lists every supported format tag, sorted
func Formats() []string {
	formats := make([]string, 0, len(registry))
	for f := range registry {
		formats = append(formats, f)
	}
	sort.Strings(formats)
	return formats
}

// NewEncoder returns the encoder for format
func NewEncoder(format string, pcm capture.PCMFormat, bitrate int) (Encoder, error) {
	f, ok := registry[normalize(format)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", capture.ErrUnsupportedFormat, format)
	}
	return f(pcm, bitrate), nil
}

// Extension returns the file extension conventionally used for format
func Extension(format string) string {
	switch normalize(format) {
	case FormatWAV:
		return ".wav"
	case FormatPCMU:
		return ".ulaw"
	case FormatPCMA:
		return ".alaw"
	default:
		return ".bin"
	}
}

// FormatForExtension maps a file extension back to its format, or "" when
// no supported format uses it
func FormatForExtension(ext string) string {
	ext = strings.ToLower(ext)
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	for format := range registry {
		if Extension(format) == ext {
			return format
		}
	}
	return ""
}

func joinChunks(chunks [][]byte) []byte {
	n := 0
	for _, c := range chunks {
		n += len(c)
	}
	out := make([]byte, 0, n)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}
