package encoding

import (
	"fmt"

	"github.com/zaf/g711"
)

// g711Encoder companding-encodes PCM16 into 8-bit G.711 samples. The result
// is headerless, so chunks simply concatenate.
type g711Encoder struct {
	format string
	encode func(lpcm []byte) []byte
}

func encodeUlaw(lpcm []byte) []byte { return g711.EncodeUlaw(lpcm) }
func encodeAlaw(lpcm []byte) []byte { return g711.EncodeAlaw(lpcm) }

func (e *g711Encoder) Format() string {
	return e.format
}

func (e *g711Encoder) Encode(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("%w: odd PCM16 chunk length %d", ErrEncoding, len(pcm))
	}
	return e.encode(pcm), nil
}

func (e *g711Encoder) Seal(chunks [][]byte) ([]byte, error) {
	return joinChunks(chunks), nil
}
