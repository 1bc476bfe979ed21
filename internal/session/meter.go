package session

import "github.com/audiolibrelab/memocapture/internal/capture"

// meter samples the live stream into a single 0..1 input level.
type meter struct {
	analyser *capture.Analyser
	window   []float64
	level    float64
}

func newMeter(fftSize int, smoothing float64) *meter {
	a := capture.NewAnalyser(fftSize, smoothing)
	return &meter{analyser: a, window: make([]float64, a.Size())}
}

func (m *meter) sample(s capture.Stream) float64 {
	n := s.Analyse(m.window)
	if n == 0 {
		m.level = 0
		return 0
	}
	m.level = m.analyser.Level(m.window[:n])
	return m.level
}

// reset zeroes the level and forgets smoothing history
func (m *meter) reset() {
	m.level = 0
	m.analyser.Reset()
}
