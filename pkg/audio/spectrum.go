package audio

import (
	"math"
	"sync"
)

// DefaultSpectrumBins is the number of frequency-magnitude bins produced for
// visualizer feedback.
const DefaultSpectrumBins = 32

// Spectrum maintains a coarse frequency-magnitude snapshot of an audio
// stream for visual feedback. Each Update recomputes the magnitudes over the
// supplied block via a direct DFT at evenly spaced frequencies up to
// Nyquist; with the small bin counts used for visualizers this is cheap
// enough to run at capture cadence.
//
// Update and Snapshot are safe for concurrent use.
type Spectrum struct {
	bins int

	mu   sync.Mutex
	mags []float64
}

// NewSpectrum creates a Spectrum with the given number of bins. Non-positive
// bin counts fall back to [DefaultSpectrumBins].
func NewSpectrum(bins int) *Spectrum {
	if bins <= 0 {
		bins = DefaultSpectrumBins
	}
	return &Spectrum{
		bins: bins,
		mags: make([]float64, bins),
	}
}

// Update recomputes the magnitude snapshot from block. Empty blocks leave
// the previous snapshot in place.
func (s *Spectrum) Update(block []float32) {
	n := len(block)
	if n == 0 {
		return
	}

	mags := make([]float64, s.bins)
	for k := range mags {
		// Bin k covers normalized frequency (k+1)/(2*bins); the +1 skips DC.
		omega := math.Pi * float64(k+1) / float64(s.bins)
		var re, im float64
		for i, v := range block {
			phase := omega * float64(i)
			re += float64(v) * math.Cos(phase)
			im += float64(v) * math.Sin(phase)
		}
		mags[k] = 2 * math.Hypot(re, im) / float64(n)
	}

	s.mu.Lock()
	s.mags = mags
	s.mu.Unlock()
}

// Snapshot returns a copy of the current frequency magnitudes, one value per
// bin, ordered from lowest to highest frequency.
func (s *Spectrum) Snapshot() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]float64, len(s.mags))
	copy(out, s.mags)
	return out
}
