package scoring

import (
	"fmt"
	"math"
)

// Weights are the similarity component weights. A zero weight disables the
// component entirely.
type Weights struct {
	TypingSpeed  float64
	TypingRhythm float64
	Mouse        float64
	Acceleration float64
	Click        float64
	Entropy      float64
	Signature    float64
}

var (
	// StandardWeights is the four-channel login comparator.
	StandardWeights = Weights{TypingSpeed: 0.3, TypingRhythm: 0.3, Mouse: 0.2, Click: 0.2}

	// DNAWeights adds acceleration, entropy and the behavioral signature.
	DNAWeights = Weights{
		TypingSpeed:  0.15,
		TypingRhythm: 0.25,
		Mouse:        0.15,
		Acceleration: 0.10,
		Click:        0.15,
		Entropy:      0.10,
		Signature:    0.10,
	}
)

const (
	componentTypingSpeed  = "typingSpeed"
	componentTypingRhythm = "typingRhythm"
	componentMouse        = "mouse"
	componentAcceleration = "acceleration"
	componentClick        = "click"
	componentEntropy      = "entropy"
	componentSignature    = "signature"
)

var componentOrder = []string{
	componentTypingSpeed, componentTypingRhythm, componentMouse,
	componentAcceleration, componentClick, componentEntropy, componentSignature,
}

func (w Weights) Sum() float64 {
	return w.TypingSpeed + w.TypingRhythm + w.Mouse + w.Acceleration + w.Click + w.Entropy + w.Signature
}

func (w Weights) Validate() error {
	for _, v := range []float64{w.TypingSpeed, w.TypingRhythm, w.Mouse, w.Acceleration, w.Click, w.Entropy, w.Signature} {
		if v < 0 {
			return fmt.Errorf("%w: negative weight %v", ErrInvalidWeights, v)
		}
	}
	if math.Abs(w.Sum()-1) > 1e-9 {
		return fmt.Errorf("%w: got %v", ErrInvalidWeights, w.Sum())
	}
	return nil
}

// WeightsForPreset resolves a configured preset name.
func WeightsForPreset(name string) (Weights, error) {
	var w Weights
	switch name {
	case "", "standard":
		w = StandardWeights
	case "dna":
		w = DNAWeights
	default:
		return Weights{}, fmt.Errorf("unknown weight preset %q", name)
	}
	return w, w.Validate()
}
