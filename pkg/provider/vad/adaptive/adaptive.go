// Package adaptive implements a lightweight energy VAD that tracks the
// room's background level with an exponentially decaying noise floor.
//
// Each frame's mean absolute amplitude (sampled every fourth sample and
// normalised to [0, 1]) first updates the floor: quiet frames pull it down
// quickly, loud frames push it up slowly so that sustained speech does not
// raise the bar for itself. A frame is voiced when its amplitude exceeds
// max(1.5·floor, MinThreshold).
package adaptive

import (
	"errors"
	"sync"

	"github.com/MrWong99/posvoice/pkg/audio"
	"github.com/MrWong99/posvoice/pkg/provider/vad"
)

const (
	// InitialFloor is the noise floor every session starts from.
	InitialFloor = 0.005

	// DefaultMinThreshold is the absolute minimum speech threshold.
	DefaultMinThreshold = 0.005

	floorMultiplier = 1.5
	sampleStride    = 4
	fullScale       = 32768.0

	// Weights applied to the previous floor value.
	decayWeight = 0.95
	driftWeight = 0.995
)

var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*Detector)(nil)
)

// ErrClosed is returned by ProcessFrame after Close.
var ErrClosed = errors.New("adaptive: detector closed")

// Engine creates adaptive detectors. The zero value is ready to use.
type Engine struct{}

// NewSession implements [vad.Engine].
func (Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	return New(cfg), nil
}

// Detector is a single-stream adaptive VAD session. It is safe for
// concurrent use so the floor can be inspected while capture runs.
type Detector struct {
	mu           sync.Mutex
	floor        float64
	minThreshold float64
	speaking     bool
	closed       bool
}

// New returns a detector starting at [InitialFloor]. A zero MinThreshold in
// cfg selects [DefaultMinThreshold].
func New(cfg vad.Config) *Detector {
	minThr := cfg.MinThreshold
	if minThr <= 0 {
		minThr = DefaultMinThreshold
	}
	return &Detector{floor: InitialFloor, minThreshold: minThr}
}

// Amplitude returns the normalised mean absolute amplitude used for
// classification.
func Amplitude(frame []byte) float64 {
	return audio.MeanAbs(audio.DecodePCM16(frame), sampleStride) / fullScale
}

// ProcessFrame implements [vad.SessionHandle]. The returned Probability is
// amplitude/threshold clipped to 1.
func (d *Detector) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	amp := Amplitude(frame)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return vad.VADEvent{}, ErrClosed
	}

	if amp < d.floor {
		d.floor = d.floor*decayWeight + amp*(1-decayWeight)
	} else {
		d.floor = d.floor*driftWeight + amp*(1-driftWeight)
	}
	thr := d.thresholdLocked()

	prob := min(amp/thr, 1)
	voiced := amp > thr

	ev := vad.VADEvent{Probability: prob}
	switch {
	case voiced && !d.speaking:
		ev.Type = vad.VADSpeechStart
	case voiced:
		ev.Type = vad.VADSpeechContinue
	case d.speaking:
		ev.Type = vad.VADSpeechEnd
	default:
		ev.Type = vad.VADSilence
	}
	d.speaking = voiced
	return ev, nil
}

func (d *Detector) thresholdLocked() float64 {
	return max(d.floor*floorMultiplier, d.minThreshold)
}

// NoiseFloor returns the current floor estimate.
func (d *Detector) NoiseFloor() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.floor
}

// Threshold returns the current speech threshold.
func (d *Detector) Threshold() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.thresholdLocked()
}

// Reset restores the initial floor.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.floor = InitialFloor
	d.speaking = false
}

// Close implements [vad.SessionHandle].
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
