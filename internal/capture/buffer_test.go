package capture

import (
	"math"
	"testing"
)

func TestPCMBufferKeepsWholeFrames(t *testing.T) {
	t.Parallel()

	b := newPCMBuffer(PCMFormat{SampleRate: 8000, Channels: 2}, 16)

	// 1 whole stereo frame plus 3 stray bytes
	b.write([]byte{1, 0, 2, 0, 3, 0, 4})
	if got := b.take(); len(got) != 4 {
		t.Fatalf("expected 4 bytes, got %d", len(got))
	}

	// The remaining byte completes the second frame
	b.write([]byte{0})
	got := b.take()
	if len(got) != 4 || got[0] != 3 || got[2] != 4 {
		t.Fatalf("unexpected frame bytes: %v", got)
	}

	if got := b.take(); len(got) != 0 {
		t.Fatalf("expected empty buffer after take, got %d bytes", len(got))
	}
}

func TestPCMBufferDropsWhilePaused(t *testing.T) {
	t.Parallel()

	b := newPCMBuffer(PCMFormat{SampleRate: 8000, Channels: 1}, 16)
	b.setPaused(true)
	b.write([]byte{1, 2, 3, 4})
	if got := b.take(); len(got) != 0 {
		t.Fatalf("expected nothing buffered while paused, got %d bytes", len(got))
	}

	b.setPaused(false)
	b.write([]byte{1, 2})
	if got := b.take(); len(got) != 2 {
		t.Fatalf("expected 2 bytes after resume, got %d", len(got))
	}
}

func TestPCMBufferAnalyseReturnsLatestMonoSamples(t *testing.T) {
	t.Parallel()

	b := newPCMBuffer(PCMFormat{SampleRate: 8000, Channels: 1}, 4)
	samples := []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6}
	b.write(encodeS16LE(nil, samples))

	dst := make([]float64, 8)
	n := b.analyse(dst)
	if n != 4 {
		t.Fatalf("expected ring to hold 4 samples, got %d", n)
	}
	want := []float64{0.3, 0.4, 0.5, 0.6}
	for i, w := range want {
		if math.Abs(dst[i]-w) > 0.001 {
			t.Fatalf("sample %d: expected %.3f, got %.3f", i, w, dst[i])
		}
	}
}

func TestPCMBufferAveragesChannels(t *testing.T) {
	t.Parallel()

	b := newPCMBuffer(PCMFormat{SampleRate: 8000, Channels: 2}, 4)
	b.write(encodeS16LE(nil, []float64{0.5, -0.5, 1, 0}))

	dst := make([]float64, 2)
	if n := b.analyse(dst); n != 2 {
		t.Fatalf("expected 2 mono samples, got %d", n)
	}
	if math.Abs(dst[0]) > 0.001 || math.Abs(dst[1]-0.5) > 0.001 {
		t.Fatalf("unexpected mono mix: %v", dst)
	}
}

func TestEncodeS16LEClamps(t *testing.T) {
	t.Parallel()

	out := encodeS16LE(nil, []float64{2, -2})
	if len(out) != 4 {
		t.Fatalf("expected 4 bytes, got %d", len(out))
	}
	if int16(uint16(out[0])|uint16(out[1])<<8) != 32767 {
		t.Errorf("expected positive clamp to 32767")
	}
	if int16(uint16(out[2])|uint16(out[3])<<8) != -32767 {
		t.Errorf("expected negative clamp to -32767")
	}
}
