package audio

// Gate default parameters. Thresholds are expressed on the int16 scale
// (scaled RMS = rms × 32767) to match the remote service's tuning.
const (
	// DefaultThreshold is the scaled-RMS level above which a block is
	// classified as voice.
	DefaultThreshold = 500

	// DefaultRunLimit is the number of consecutive below-threshold blocks
	// after which the gate starts substituting explicit silence. Blocks below
	// the limit are still forwarded unmodified so that trailing speech is not
	// clipped.
	DefaultRunLimit = 50
)

// Gate is a streaming voice-activity classifier. It computes the RMS
// amplitude of each capture block and decides whether to forward the real
// encoded frame or an explicit zero-filled frame of the same length.
//
// The only state is a counter of consecutive silent blocks: it resets to
// zero on any voiced block and saturates at the run limit. Create one per
// capture stream; not designed for shared use across goroutines.
type Gate struct {
	threshold  float64
	runLimit   int
	silenceRun int
}

// NewGate creates a Gate with the given scaled-RMS threshold and silence run
// limit. Non-positive arguments fall back to [DefaultThreshold] and
// [DefaultRunLimit].
func NewGate(threshold float64, runLimit int) *Gate {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if runLimit <= 0 {
		runLimit = DefaultRunLimit
	}
	return &Gate{threshold: threshold, runLimit: runLimit}
}

// Process classifies one block and returns the PCM16 frame to transmit for
// it. The frame is always 2×len(block) bytes: the encoded samples while the
// block is voiced or within the silence run limit, otherwise all zeros.
// voiced reports whether the block itself was above the threshold.
func (g *Gate) Process(block []float32) (frame []byte, voiced bool) {
	scaled := RMS(block) * FullScale
	if scaled > g.threshold {
		g.silenceRun = 0
		return EncodePCM16(block), true
	}

	if g.silenceRun < g.runLimit {
		g.silenceRun++
	}
	if g.silenceRun < g.runLimit {
		// Still inside the run limit: forward the real frame so speech
		// tails are not clipped.
		return EncodePCM16(block), false
	}
	return make([]byte, len(block)*2), false
}

// SilenceRun returns the current count of consecutive silent blocks.
func (g *Gate) SilenceRun() int {
	return g.silenceRun
}

// Reset clears the silence run counter. Called at session teardown so a new
// session starts with a clean gate.
func (g *Gate) Reset() {
	g.silenceRun = 0
}
