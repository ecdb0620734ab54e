// Package session owns the lifecycle of a voice-chat session: it opens the
// microphone and the transport, sequences start-up and teardown of the
// capture and playback pipelines, and relays status and log events outward.
package session

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/chandan-vk6/sesame-voice/internal/observe"
	"github.com/chandan-vk6/sesame-voice/pkg/audio"
	"github.com/chandan-vk6/sesame-voice/pkg/audio/mic"
	"github.com/chandan-vk6/sesame-voice/pkg/audio/speaker"
	"github.com/chandan-vk6/sesame-voice/pkg/transport"
)

// State is the lifecycle state of a [Controller]. At most one session is
// live at a time; capture and playback only run while the state is
// [StateActive].
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateClosing
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Severity classifies log events relayed through [Callbacks.OnLog].
type Severity int

const (
	SeverityInfo Severity = iota
	SeveritySystem
	SeverityError
)

// String returns the lowercase severity name.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeveritySystem:
		return "system"
	case SeverityError:
		return "error"
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// Status describes the session as reported to the UI layer.
type Status struct {
	Connected  bool
	Character  string
	SampleRate int
}

// Callbacks are the outward hooks exposed to the UI layer. Any field may be
// nil. Callbacks run on pipeline goroutines and must not block.
type Callbacks struct {
	// OnStatus fires on every connect and disconnect.
	OnStatus func(Status)

	// OnLog receives human-readable session events.
	OnLog func(sev Severity, msg string)

	// OnInputSpectrum receives frequency-magnitude snapshots of captured
	// audio, one per block.
	OnInputSpectrum func(mags []float64)

	// OnOutputSpectrum receives frequency-magnitude snapshots of playback
	// audio, one per chunk.
	OnOutputSpectrum func(mags []float64)
}

// Transport is the bidirectional message link consumed by the controller.
// *transport.Client implements it; tests substitute fakes.
type Transport interface {
	Send(ctx context.Context, frame []byte) error
	Events() <-chan transport.Event
	Err() error
	Close() error
}

// Config holds the session parameters.
type Config struct {
	// URL is the WebSocket endpoint of the voice service.
	URL string

	// Token, when non-empty, is sent as a Bearer token with the handshake.
	Token string

	// Character is the requested voice character.
	Character string

	// SampleRate and BlockSize describe the capture format.
	SampleRate int
	BlockSize  int

	// GateThreshold and SilenceRunLimit tune the voice-activity gate. Zero
	// selects the built-in defaults.
	GateThreshold   float64
	SilenceRunLimit int

	// EchoCancellation, NoiseSuppression and AutoGain are forwarded to the
	// capture device. Best effort.
	EchoCancellation bool
	NoiseSuppression bool
	AutoGain         bool
}

// Controller drives one session at a time through the
// Idle → Connecting → Active → Idle lifecycle. All exported methods are safe
// for concurrent use.
type Controller struct {
	cfg     Config
	cb      Callbacks
	metrics *observe.Metrics

	// Injected device and transport constructors. Production wiring uses the
	// malgo microphone, the oto speaker, and the WebSocket client; tests
	// substitute fakes.
	openInput  func(cfg mic.Config) (audio.InputDevice, error)
	openOutput func(sampleRate int) (audio.OutputDevice, error)
	dial       func(ctx context.Context, url string, opts ...transport.Option) (Transport, error)

	// connected gates the capture path. Cleared first during teardown so the
	// next capture tick stops producing sends before any resource is
	// released.
	connected atomic.Bool

	mu       sync.Mutex
	state    State
	epoch    uint64
	tp       Transport
	in       audio.InputDevice
	out      audio.OutputDevice
	sched    *audio.Scheduler
	gate     *audio.Gate
	inSpec   *audio.Spectrum
	char     string
	outRate  int
	dialedAt time.Time
	done     chan struct{}
}

// Option configures a [Controller] during construction.
type Option func(*Controller)

// WithMetrics sets the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithInputOpener overrides the capture device constructor.
func WithInputOpener(open func(cfg mic.Config) (audio.InputDevice, error)) Option {
	return func(c *Controller) { c.openInput = open }
}

// WithOutputOpener overrides the playback device constructor.
func WithOutputOpener(open func(sampleRate int) (audio.OutputDevice, error)) Option {
	return func(c *Controller) { c.openOutput = open }
}

// WithDialer overrides the transport constructor.
func WithDialer(dial func(ctx context.Context, url string, opts ...transport.Option) (Transport, error)) Option {
	return func(c *Controller) { c.dial = dial }
}

// NewController creates an idle controller.
func NewController(cfg Config, cb Callbacks, opts ...Option) *Controller {
	c := &Controller{
		cfg:   cfg,
		cb:    cb,
		state: StateIdle,
		openInput: func(mc mic.Config) (audio.InputDevice, error) {
			return mic.Open(mc)
		},
		openOutput: func(sampleRate int) (audio.OutputDevice, error) {
			return speaker.Open(sampleRate)
		},
		dial: func(ctx context.Context, url string, opts ...transport.Option) (Transport, error) {
			return transport.Dial(ctx, url, opts...)
		},
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Character returns the connected character name, or "" when not Active.
func (c *Controller) Character() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.char
}

// OutputRate returns the negotiated playback sample rate, or 0 when not
// Active.
func (c *Controller) OutputRate() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outRate
}

// QueueLen returns the number of chunks waiting for playback.
func (c *Controller) QueueLen() int {
	c.mu.Lock()
	sched := c.sched
	c.mu.Unlock()
	if sched == nil {
		return 0
	}
	return sched.QueueLen()
}

// SilenceRun returns the gate's current count of consecutive silent blocks.
func (c *Controller) SilenceRun() int {
	c.mu.Lock()
	gate := c.gate
	c.mu.Unlock()
	if gate == nil {
		return 0
	}
	return gate.SilenceRun()
}

// UpdateGate applies new gate parameters. A running session picks them up on
// its next capture block; the silence run counter starts over.
func (c *Controller) UpdateGate(threshold float64, runLimit int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.GateThreshold = threshold
	c.cfg.SilenceRunLimit = runLimit
	if c.gate != nil {
		c.gate = audio.NewGate(threshold, runLimit)
	}
}

// Start opens the microphone and the transport and begins the handshake.
// The session becomes Active when the service's connected message arrives on
// the event stream. Returns an error if a session is already in progress or
// a resource cannot be acquired; in the failure case everything opened so
// far is released and the controller returns to Idle.
func (c *Controller) Start(ctx context.Context) error {
	ctx, span := observe.StartSpan(ctx, "session.start",
		trace.WithAttributes(attribute.String("character", c.cfg.Character)),
	)
	defer span.End()

	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("session: cannot start while %s", state)
	}
	c.state = StateConnecting
	c.epoch++
	epoch := c.epoch
	c.mu.Unlock()

	c.log(SeveritySystem, "requesting microphone access")

	in, err := c.openInput(mic.Config{
		SampleRate:       c.cfg.SampleRate,
		BlockSize:        c.cfg.BlockSize,
		EchoCancellation: c.cfg.EchoCancellation,
		NoiseSuppression: c.cfg.NoiseSuppression,
		AutoGain:         c.cfg.AutoGain,
	})
	if err != nil {
		c.abortConnect(epoch)
		c.log(SeverityError, fmt.Sprintf("microphone unavailable: %v", err))
		return fmt.Errorf("session: open microphone: %w", err)
	}

	c.log(SeveritySystem, "connecting to "+c.cfg.URL)

	var opts []transport.Option
	if c.cfg.Token != "" {
		h := http.Header{}
		h.Set("Authorization", "Bearer "+c.cfg.Token)
		opts = append(opts, transport.WithHTTPHeader(h))
	}
	dialedAt := time.Now()
	tp, err := c.dial(ctx, c.cfg.URL, opts...)
	if err != nil {
		_ = in.Close()
		c.abortConnect(epoch)
		c.log(SeverityError, fmt.Sprintf("connection failed: %v", err))
		return fmt.Errorf("session: %w", err)
	}

	c.mu.Lock()
	// Stop (or a newer Start) may have run while we were opening the
	// microphone and dialing. Installing the resources now would leak them
	// onto an idle controller, so release them instead.
	if c.state != StateConnecting || c.epoch != epoch {
		c.mu.Unlock()
		_ = tp.Close()
		_ = in.Close()
		c.log(SeveritySystem, "session stopped while connecting")
		return fmt.Errorf("session: stopped while connecting")
	}
	c.in = in
	c.tp = tp
	c.gate = audio.NewGate(c.cfg.GateThreshold, c.cfg.SilenceRunLimit)
	c.inSpec = audio.NewSpectrum(audio.DefaultSpectrumBins)
	c.dialedAt = dialedAt
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go c.run(tp, done)

	return nil
}

// abortConnect returns the controller to Idle after a failed connect
// attempt, unless a concurrent Stop or Start already moved the state on.
func (c *Controller) abortConnect(epoch uint64) {
	c.mu.Lock()
	if c.state == StateConnecting && c.epoch == epoch {
		c.state = StateIdle
	}
	c.mu.Unlock()
}

// Stop ends the session and returns the controller to Idle. Safe to call
// from any state; stopping an idle controller is a no-op.
func (c *Controller) Stop() {
	c.teardown("stopped")
}

// Wait blocks until the current session has fully torn down. Returns
// immediately when no session is running.
func (c *Controller) Wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

// run consumes the transport event stream until it closes. It is the only
// goroutine that promotes the session to Active.
func (c *Controller) run(tp Transport, done chan struct{}) {
	defer close(done)

	for ev := range tp.Events() {
		switch {
		case ev.Control != nil:
			c.handleControl(ev.Control)
		case ev.ParseErr != nil:
			// Malformed control messages carry no state transition.
			c.metrics.RecordControlMessage(context.Background(), "malformed")
			c.log(SeverityError, fmt.Sprintf("bad control message: %v", ev.ParseErr))
		case ev.Chunk != nil:
			c.handleChunk(ev.Chunk)
		}
	}

	if err := tp.Err(); err != nil {
		c.log(SeverityError, fmt.Sprintf("connection lost: %v", err))
		c.teardown("connection lost")
		return
	}
	c.teardown("connection closed")
}

// handleControl applies a JSON control message from the service.
func (c *Controller) handleControl(msg *transport.ControlMessage) {
	ctx := context.Background()

	switch {
	case msg.Status == "connected":
		c.metrics.RecordControlMessage(ctx, "connected")
		c.activate(msg.Character, msg.SampleRate)
	case msg.Error != "":
		c.metrics.RecordControlMessage(ctx, "error")
		c.log(SeverityError, "service error: "+msg.Error)
		c.teardown("service error")
	default:
		c.metrics.RecordControlMessage(ctx, "unknown")
		c.log(SeveritySystem, fmt.Sprintf("ignoring control message with status %q", msg.Status))
	}
}

// activate promotes Connecting → Active: opens the playback device at the
// negotiated rate, builds the scheduler, and starts the capture stream.
func (c *Controller) activate(character string, sampleRate int) {
	ctx := context.Background()

	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		c.log(SeveritySystem, "ignoring duplicate connected message")
		return
	}

	out, err := c.openOutput(sampleRate)
	if err != nil {
		c.mu.Unlock()
		c.log(SeverityError, fmt.Sprintf("audio output unavailable: %v", err))
		c.teardown("output device failure")
		return
	}

	outSpec := audio.NewSpectrum(audio.DefaultSpectrumBins)
	sched := audio.NewScheduler(out,
		audio.WithPlaybackTap(func(samples []float32) {
			c.metrics.PlaybackQueueDepth.Add(ctx, -1)
			if c.cb.OnOutputSpectrum != nil {
				outSpec.Update(samples)
				c.cb.OnOutputSpectrum(outSpec.Snapshot())
			}
		}),
		audio.WithDecodeErrorHook(func(error) {
			c.metrics.ChunkDecodeErrors.Add(ctx, 1)
			// The chunk was counted into the queue depth on enqueue but
			// never reaches the playback tap.
			c.metrics.PlaybackQueueDepth.Add(ctx, -1)
		}),
	)

	c.out = out
	c.sched = sched
	c.char = character
	c.outRate = sampleRate
	c.state = StateActive
	in := c.in
	dialedAt := c.dialedAt
	c.mu.Unlock()

	if err := in.Start(c.onBlock); err != nil {
		c.log(SeverityError, fmt.Sprintf("microphone start failed: %v", err))
		c.teardown("capture failure")
		return
	}

	c.connected.Store(true)
	c.metrics.ActiveSessions.Add(ctx, 1)
	c.metrics.ConnectDuration.Record(ctx, time.Since(dialedAt).Seconds())

	c.log(SeverityInfo, fmt.Sprintf("connected to %s (output %d Hz)", character, sampleRate))
	if c.cb.OnStatus != nil {
		c.cb.OnStatus(Status{Connected: true, Character: character, SampleRate: sampleRate})
	}
}

// handleChunk enqueues a received playback chunk. Chunks arriving before the
// handshake are dropped.
func (c *Controller) handleChunk(chunk []byte) {
	ctx := context.Background()
	c.metrics.ChunksReceived.Add(ctx, 1)

	c.mu.Lock()
	sched := c.sched
	active := c.state == StateActive
	c.mu.Unlock()

	if !active || sched == nil {
		return
	}
	if len(chunk) > 0 {
		c.metrics.PlaybackQueueDepth.Add(ctx, 1)
	}
	sched.Enqueue(chunk)
}

// onBlock is the capture callback: one gate decision and one frame send per
// block. Send failures drop that block's frame only.
func (c *Controller) onBlock(block []float32) {
	if !c.connected.Load() {
		return
	}

	c.mu.Lock()
	gate := c.gate
	inSpec := c.inSpec
	tp := c.tp
	c.mu.Unlock()
	if gate == nil || tp == nil {
		return
	}

	if c.cb.OnInputSpectrum != nil && inSpec != nil {
		inSpec.Update(block)
		c.cb.OnInputSpectrum(inSpec.Snapshot())
	}

	ctx := context.Background()
	frame, voiced := gate.Process(block)
	c.metrics.RecordCaptureBlock(ctx, voiced)

	if err := tp.Send(ctx, frame); err != nil {
		// Fire and forget: no retry, no backpressure.
		return
	}
	c.metrics.FramesSent.Add(ctx, 1)
}

// teardown releases all session resources and returns to Idle. The order
// matters: the connected flag drops first so capture stops sending, then the
// transport closes, then the microphone is released, then playback is torn
// down and the queue cleared.
func (c *Controller) teardown(reason string) {
	ctx := context.Background()

	c.mu.Lock()
	if c.state == StateIdle || c.state == StateClosing {
		c.mu.Unlock()
		return
	}
	wasActive := c.state == StateActive
	c.state = StateClosing
	tp, in, out, sched, gate := c.tp, c.in, c.out, c.sched, c.gate
	char := c.char
	c.mu.Unlock()

	c.connected.Store(false)

	if tp != nil {
		_ = tp.Close()
	}
	if in != nil {
		_ = in.Close()
	}
	if out != nil {
		_ = out.Close()
	}
	if sched != nil {
		if n := sched.QueueLen(); n > 0 {
			c.metrics.PlaybackQueueDepth.Add(ctx, int64(-n))
		}
		_ = sched.Close()
	}
	if gate != nil {
		gate.Reset()
	}

	c.mu.Lock()
	c.tp = nil
	c.in = nil
	c.out = nil
	c.sched = nil
	c.inSpec = nil
	c.char = ""
	c.outRate = 0
	c.state = StateIdle
	c.mu.Unlock()

	if wasActive {
		c.metrics.ActiveSessions.Add(ctx, -1)
	}

	c.log(SeveritySystem, "session ended: "+reason)
	if c.cb.OnStatus != nil {
		c.cb.OnStatus(Status{Connected: false, Character: char})
	}
}

func (c *Controller) log(sev Severity, msg string) {
	if c.cb.OnLog != nil {
		c.cb.OnLog(sev, msg)
	}
}
