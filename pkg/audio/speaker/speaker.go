// Package speaker provides an [audio.OutputDevice] backed by oto/v3. Each
// [Device.Play] call converts the samples to 16-bit PCM, streams them through
// a dedicated oto player, and fires the completion callback once the buffer
// has drained.
//
// oto permits only one audio context per process, so the context is created
// on first [Open] and reused; a later Open with a different sample rate
// returns an error. Sessions that renegotiate the same rate (the common
// case) reuse the context freely.
package speaker

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/chandan-vk6/sesame-voice/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.OutputDevice = (*Device)(nil)

// drainPoll is the interval at which Play checks whether the current buffer
// has finished.
const drainPoll = 2 * time.Millisecond

var (
	ctxOnce sync.Once
	ctxRate int
	otoCtx  *oto.Context
	ctxErr  error
)

// Device plays normalized float buffers at the sample rate fixed in [Open].
type Device struct {
	sampleRate int

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// Open initialises the shared output context at the given sample rate (mono,
// signed 16-bit) and returns a Device bound to it. Returns an error if the
// backend cannot be initialised or if the context was already opened at a
// different rate.
func Open(sampleRate int) (*Device, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("speaker: invalid sample rate %d", sampleRate)
	}

	ctxOnce.Do(func() {
		opts := &oto.NewContextOptions{
			SampleRate:   sampleRate,
			ChannelCount: 1,
			Format:       oto.FormatSignedInt16LE,
		}
		ctx, ready, err := oto.NewContext(opts)
		if err != nil {
			ctxErr = fmt.Errorf("speaker: init output context: %w", err)
			return
		}
		<-ready
		otoCtx = ctx
		ctxRate = sampleRate
	})
	if ctxErr != nil {
		return nil, ctxErr
	}
	if sampleRate != ctxRate {
		return nil, rateConflictError(ctxRate, sampleRate)
	}

	return &Device{
		sampleRate: sampleRate,
		done:       make(chan struct{}),
	}, nil
}

// rateConflictError describes the terminal rate mismatch a later session
// hits when it negotiates a different output rate. The backend pins the
// process to the first rate, so the only remedy is a restart.
func rateConflictError(have, want int) error {
	return fmt.Errorf("speaker: audio output is fixed at %d Hz for the life of this process; restart the client to play at %d Hz", have, want)
}

// Play begins output of samples immediately and invokes done exactly once
// when the buffer has drained or the device is closed mid-buffer.
func (d *Device) Play(samples []float32, done func()) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("speaker: device closed")
	}
	d.mu.Unlock()

	data := audio.EncodePCM16(samples)
	player := otoCtx.NewPlayer(bytes.NewReader(data))
	player.Play()

	go d.watch(player, done)
	return nil
}

// watch polls the player until the buffer finishes, then closes the player
// and fires the completion callback. Device closure abandons the buffer.
func (d *Device) watch(player *oto.Player, done func()) {
	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()
	defer func() {
		_ = player.Close()
		if done != nil {
			done()
		}
	}()

	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			if !player.IsPlaying() {
				return
			}
		}
	}
}

// Close stops the device. In-flight buffers are abandoned and their
// completion callbacks fire. The shared output context stays open for the
// next session. Safe to call more than once.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	close(d.done)
	return nil
}
