// Package vad classifies audio frames as speech or non-speech and emits
// speech boundary events with automatic provider fallback.
package vad

import (
	"fmt"
	"math"

	"github.com/edustream/voice-session/internal/audio"
)

// Provider classifies one frame of samples into a speech probability.
// Implementations keep per-session state and are not safe for concurrent
// use; each session owns its own providers.
type Provider interface {
	// Classify returns the speech probability (0.0 to 1.0) for the frame
	Classify(samples []int16) (float64, error)

	// Reset clears internal state
	Reset()

	// Name returns the provider identifier
	Name() string
}

// AdaptiveProvider is the primary classifier. It tracks an exponentially
// smoothed noise floor and maps the frame's energy above that floor to a
// speech probability.
type AdaptiveProvider struct {
	floor       float64
	initialized bool
}

// NewAdaptiveProvider creates the primary noise-floor classifier
func NewAdaptiveProvider() *AdaptiveProvider {
	return &AdaptiveProvider{}
}

// Classify returns a speech probability derived from the frame's energy
// relative to the tracked noise floor
func (p *AdaptiveProvider) Classify(samples []int16) (float64, error) {
	if len(samples) == 0 {
		return 0, fmt.Errorf("adaptive classifier: empty frame")
	}

	rms := audio.CalculateRMS(samples)
	if !p.initialized {
		p.floor = rms
		p.initialized = true
		return 0, nil
	}

	// Track the floor only on quiet frames so sustained speech does not
	// raise it.
	if rms < p.floor*1.5 {
		p.floor = p.floor*0.95 + rms*0.05
	}
	if p.floor < 1 {
		p.floor = 1
	}

	snr := rms / p.floor
	if snr <= 1 {
		return 0, nil
	}
	prob := 1 - math.Exp(-(snr-1)/4)
	if prob > 1 {
		prob = 1
	}
	return prob, nil
}

// Reset clears the tracked noise floor
func (p *AdaptiveProvider) Reset() {
	p.floor = 0
	p.initialized = false
}

// Name returns the provider identifier
func (p *AdaptiveProvider) Name() string { return "adaptive" }

// EnergyProvider is the fallback classifier: a fixed RMS threshold mapped
// to a coarse probability. Simpler and effectively failure-free.
type EnergyProvider struct {
	threshold float64
}

// NewEnergyProvider creates the fallback energy classifier
func NewEnergyProvider(threshold float64) *EnergyProvider {
	if threshold <= 0 {
		threshold = 500.0
	}
	return &EnergyProvider{threshold: threshold}
}

// Classify maps RMS energy around the fixed threshold to a probability
func (p *EnergyProvider) Classify(samples []int16) (float64, error) {
	if len(samples) == 0 {
		return 0, fmt.Errorf("energy classifier: empty frame")
	}

	rms := audio.CalculateRMS(samples)
	prob := rms / (p.threshold * 2)
	if prob > 1 {
		prob = 1
	}
	return prob, nil
}

// Reset is a no-op; the energy classifier is stateless
func (p *EnergyProvider) Reset() {}

// Name returns the provider identifier
func (p *EnergyProvider) Name() string { return "energy" }
