// Package audio implements the core streaming pipeline for sesame-voice:
// PCM16 frame encoding, RMS-based voice-activity gating, gapless playback
// scheduling, and coarse spectrum snapshots for visual feedback.
//
// The two device abstractions are:
//
//   - [InputDevice] — delivers fixed-size blocks of captured microphone samples.
//   - [OutputDevice] — plays one buffer of samples and signals completion.
//
// Implementations of these interfaces are provided by platform adapter
// packages (audio/mic, audio/speaker). The interfaces are intentionally
// narrow to keep the session controller decoupled from device SDKs.
package audio

// BlockHandler receives one captured audio block: a fixed-length sequence of
// normalized samples in [-1.0, 1.0]. The block slice is only valid for the
// duration of the call; handlers must copy it if they retain it.
//
// Handlers are invoked from the device's capture callback and must return
// promptly — blocking here stalls the capture stream.
type BlockHandler func(block []float32)

// InputDevice is a capture source that produces fixed-size blocks of
// normalized mono samples at a fixed rate.
type InputDevice interface {
	// Start begins capture and invokes handler once per complete block.
	// Returns an error if the device cannot be started (permission denied,
	// no capture hardware, backend failure).
	Start(handler BlockHandler) error

	// Close stops capture and releases the device. It is safe to call Close
	// more than once; subsequent calls are no-ops and return nil.
	Close() error
}

// OutputDevice plays buffers of normalized samples at the sample rate fixed
// when the device was opened.
type OutputDevice interface {
	// Play begins output of samples immediately and invokes done exactly once
	// when the buffer has finished playing (or when the device is closed with
	// the buffer still in flight). done may be invoked from an internal
	// goroutine; it must not block.
	//
	// Callers must not issue overlapping Play calls — sequencing is the
	// responsibility of the [Scheduler].
	Play(samples []float32, done func()) error

	// Close stops output and releases the device. Any in-flight buffer is
	// abandoned. Safe to call more than once.
	Close() error
}
