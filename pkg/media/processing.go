package media

import (
	"math"

	"github.com/vango-go/vai-call/pkg/core/pcm"
)

// ProcessorConfig tunes the software voice processing applied to captured
// frames.
type ProcessorConfig struct {
	// NoiseGate is the RMS below which a frame is replaced by silence.
	NoiseGate float64
	// TargetRMS is the level automatic gain control steers towards.
	TargetRMS float64
	// MaxGain bounds the gain AGC may apply.
	MaxGain float64
	// Attack is the smoothing factor for gain changes, in (0, 1].
	Attack float64
}

func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		NoiseGate: 0.008,
		TargetRMS: 0.1,
		MaxGain:   8,
		Attack:    0.2,
	}
}

// Processor applies noise gating and automatic gain control in place.
// It is not safe for concurrent use.
type Processor struct {
	cfg           ProcessorConfig
	suppressNoise bool
	autoGain      bool
	gain          float64
}

func NewProcessor(cfg ProcessorConfig, suppressNoise, autoGain bool) *Processor {
	def := DefaultProcessorConfig()
	if cfg.TargetRMS <= 0 {
		cfg.TargetRMS = def.TargetRMS
	}
	if cfg.MaxGain < 1 {
		cfg.MaxGain = def.MaxGain
	}
	if cfg.Attack <= 0 || cfg.Attack > 1 {
		cfg.Attack = def.Attack
	}
	return &Processor{cfg: cfg, suppressNoise: suppressNoise, autoGain: autoGain, gain: 1}
}

// Process adjusts frame in place.
func (p *Processor) Process(frame []byte) {
	level := pcm.RMS(frame)
	if p.suppressNoise && level < p.cfg.NoiseGate {
		clear(frame)
		return
	}
	if !p.autoGain || level == 0 {
		return
	}
	want := math.Min(p.cfg.TargetRMS/level, p.cfg.MaxGain)
	p.gain += (want - p.gain) * p.cfg.Attack
	applied := p.gain
	if peak := pcm.Peak(frame); peak > 0 && applied*peak > 1 {
		// Never push a loud frame past full scale.
		applied = 1 / peak
	}
	if math.Abs(applied-1) > 1e-3 {
		pcm.Scale(frame, applied)
	}
}

// Gain is the gain currently applied by AGC.
func (p *Processor) Gain() float64 { return p.gain }
