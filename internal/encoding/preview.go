package encoding

import (
	"fmt"

	"github.com/audiolibrelab/memocapture/internal/capture"

	"github.com/zaf/g711"
)

// PreviewWAV returns a WAV rendition of a for local players, which cannot
// probe headerless G.711.
func PreviewWAV(a *Artifact) ([]byte, error) {
	if a == nil {
		return nil, fmt.Errorf("no artifact")
	}

	format := capture.PCMFormat{SampleRate: a.SampleRate, Channels: a.Channels}
	switch normalize(a.Format) {
	case FormatWAV:
		return a.Payload, nil
	case FormatPCMU:
		return sealWAV(g711.DecodeUlaw(a.Payload), format)
	case FormatPCMA:
		return sealWAV(g711.DecodeAlaw(a.Payload), format)
	default:
		return nil, fmt.Errorf("%w: no preview for %s", capture.ErrUnsupportedFormat, a.Format)
	}
}
