// Package mic provides an [audio.InputDevice] backed by the miniaudio
// library (via malgo). It captures mono float32 samples at a fixed rate and
// re-blocks the device's native period size into the fixed block size the
// pipeline expects.
package mic

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/chandan-vk6/sesame-voice/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.InputDevice = (*Device)(nil)

// Config holds the capture parameters for a microphone device.
type Config struct {
	// SampleRate in Hz (e.g. 16000).
	SampleRate int

	// BlockSize is the number of samples per delivered block (e.g. 1024).
	BlockSize int

	// EchoCancellation, NoiseSuppression and AutoGain request input
	// processing from the platform capture stack. Best-effort: backends that
	// do not support a given option capture raw audio instead.
	EchoCancellation bool
	NoiseSuppression bool
	AutoGain         bool
}

// Device is a malgo-backed capture device. Create with [Open], begin capture
// with [Device.Start], release with [Device.Close].
type Device struct {
	cfg Config
	ctx *malgo.AllocatedContext

	mu      sync.Mutex
	dev     *malgo.Device
	pending []float32
	closed  bool
}

// Open initialises the audio backend and prepares a capture device with the
// given configuration. No audio flows until [Device.Start] is called.
func Open(cfg Config) (*Device, error) {
	if cfg.SampleRate <= 0 || cfg.BlockSize <= 0 {
		return nil, fmt.Errorf("mic: invalid config: sample rate %d, block size %d", cfg.SampleRate, cfg.BlockSize)
	}

	ctxCfg := malgo.ContextConfig{}
	ctxCfg.ThreadPriority = malgo.ThreadPriorityRealtime

	ctx, err := malgo.InitContext(nil, ctxCfg, nil)
	if err != nil {
		return nil, fmt.Errorf("mic: init audio context: %w", err)
	}

	slog.Debug("mic: capture processing requested",
		"echo_cancellation", cfg.EchoCancellation,
		"noise_suppression", cfg.NoiseSuppression,
		"auto_gain", cfg.AutoGain,
	)

	return &Device{
		cfg: cfg,
		ctx: ctx,
	}, nil
}

// Start begins capture. handler is invoked once per complete block of
// cfg.BlockSize samples, on the device's capture callback.
func (d *Device) Start(handler audio.BlockHandler) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return fmt.Errorf("mic: device closed")
	}
	if d.dev != nil {
		return fmt.Errorf("mic: capture already started")
	}

	devCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	devCfg.Capture.Format = malgo.FormatF32
	devCfg.Capture.Channels = 1
	devCfg.SampleRate = uint32(d.cfg.SampleRate)
	devCfg.PeriodSizeInFrames = uint32(d.cfg.BlockSize)

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			d.onData(input, handler)
		},
	}

	dev, err := malgo.InitDevice(d.ctx.Context, devCfg, callbacks)
	if err != nil {
		return fmt.Errorf("mic: init capture device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return fmt.Errorf("mic: start capture: %w", err)
	}

	d.dev = dev
	return nil
}

// onData accumulates raw float32 samples from the capture callback and emits
// complete fixed-size blocks. The backend usually delivers exactly one block
// per callback (PeriodSizeInFrames), but drivers may round the period, so
// partial data is buffered across calls.
func (d *Device) onData(input []byte, handler audio.BlockHandler) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	for i := 0; i+4 <= len(input); i += 4 {
		d.pending = append(d.pending, math.Float32frombits(binary.LittleEndian.Uint32(input[i:])))
	}

	var blocks [][]float32
	for len(d.pending) >= d.cfg.BlockSize {
		block := make([]float32, d.cfg.BlockSize)
		copy(block, d.pending[:d.cfg.BlockSize])
		d.pending = d.pending[:copy(d.pending, d.pending[d.cfg.BlockSize:])]
		blocks = append(blocks, block)
	}
	d.mu.Unlock()

	for _, b := range blocks {
		handler(b)
	}
}

// Close stops capture and releases the device and backend context. Safe to
// call more than once.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	if d.dev != nil {
		_ = d.dev.Stop()
		d.dev.Uninit()
		d.dev = nil
	}
	_ = d.ctx.Uninit()
	d.ctx.Free()
	return nil
}
