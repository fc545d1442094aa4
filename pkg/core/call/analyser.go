package call

import (
	"math"
	"sync"

	"github.com/vango-go/vai-call/pkg/core/pcm"
)

// Analyser tracks the level of remote audio for visualisation.
type Analyser struct {
	mu        sync.Mutex
	smoothing float64
	level     float64
	peak      float64
}

func NewAnalyser() *Analyser {
	return &Analyser{smoothing: 0.8}
}

// Observe folds one PCM frame into the running level.
func (a *Analyser) Observe(frame []byte) {
	rms := pcm.RMS(frame)
	peak := pcm.Peak(frame)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.level = a.smoothing*a.level + (1-a.smoothing)*rms
	a.peak = math.Max(peak, a.peak*a.smoothing)
}

// Level returns the smoothed RMS level and decaying peak, both in [0, 1].
func (a *Analyser) Level() (level, peak float64) {
	if a == nil {
		return 0, 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.level, a.peak
}

func (a *Analyser) Reset() {
	if a == nil {
		return
	}
	a.mu.Lock()
	a.level, a.peak = 0, 0
	a.mu.Unlock()
}
