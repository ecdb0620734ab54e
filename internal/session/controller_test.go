package session

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/chandan-vk6/sesame-voice/internal/observe"
	"github.com/chandan-vk6/sesame-voice/pkg/audio"
	"github.com/chandan-vk6/sesame-voice/pkg/audio/mic"
	"github.com/chandan-vk6/sesame-voice/pkg/transport"
)

// fakeInput records the capture handler so tests can emit blocks on demand.
type fakeInput struct {
	mu      sync.Mutex
	handler audio.BlockHandler
	closed  bool
	openErr error
}

func (f *fakeInput) Start(handler audio.BlockHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
	return nil
}

func (f *fakeInput) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeInput) emit(block []float32) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(block)
	}
}

func (f *fakeInput) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeOutput records played buffers and fires completion callbacks
// synchronously.
type fakeOutput struct {
	mu     sync.Mutex
	played [][]float32
	closed bool
}

func (f *fakeOutput) Play(samples []float32, done func()) error {
	f.mu.Lock()
	f.played = append(f.played, samples)
	f.mu.Unlock()
	done()
	return nil
}

func (f *fakeOutput) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeOutput) playCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.played)
}

// fakeTransport feeds scripted events to the controller and records sent
// frames.
type fakeTransport struct {
	events chan transport.Event

	mu     sync.Mutex
	sent   [][]byte
	closed bool
	errVal error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan transport.Event, 16)}
}

func (f *fakeTransport) Send(ctx context.Context, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return fmt.Errorf("closed")
	}
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeTransport) Events() <-chan transport.Event { return f.events }

func (f *fakeTransport) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.errVal
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) sentFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}

// harness bundles a controller wired to fakes plus recorded callbacks.
type harness struct {
	ctrl *Controller
	in   *fakeInput
	out  *fakeOutput
	tp   *fakeTransport

	mu       sync.Mutex
	statuses []Status
	logs     []string
	errors   []string

	connected    chan struct{}
	disconnected chan struct{}
	openedRate   int

	// dialHook, when set before Start, runs inside the fake dialer just
	// before it returns the transport.
	dialHook func()
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		in:           &fakeInput{},
		out:          &fakeOutput{},
		tp:           newFakeTransport(),
		connected:    make(chan struct{}),
		disconnected: make(chan struct{}),
	}

	cb := Callbacks{
		OnStatus: func(s Status) {
			h.mu.Lock()
			h.statuses = append(h.statuses, s)
			ch := h.disconnected
			if s.Connected {
				ch = h.connected
			}
			select {
			case <-ch:
			default:
				close(ch)
			}
			h.mu.Unlock()
		},
		OnLog: func(sev Severity, msg string) {
			h.mu.Lock()
			h.logs = append(h.logs, msg)
			if sev == SeverityError {
				h.errors = append(h.errors, msg)
			}
			h.mu.Unlock()
		},
	}

	opts = append(opts,
		WithInputOpener(func(mic.Config) (audio.InputDevice, error) {
			if h.in.openErr != nil {
				return nil, h.in.openErr
			}
			return h.in, nil
		}),
		WithOutputOpener(func(rate int) (audio.OutputDevice, error) {
			h.mu.Lock()
			h.openedRate = rate
			h.mu.Unlock()
			return h.out, nil
		}),
		WithDialer(func(ctx context.Context, url string, opts ...transport.Option) (Transport, error) {
			if h.dialHook != nil {
				h.dialHook()
			}
			return h.tp, nil
		}),
	)

	h.ctrl = NewController(
		Config{
			URL:        "ws://fake/chat",
			Character:  "maya",
			SampleRate: 16000,
			BlockSize:  1024,
		},
		cb,
		opts...,
	)
	t.Cleanup(h.ctrl.Stop)
	return h
}

// startActive drives the controller through Start and the connected
// handshake, blocking until the session is Active.
func (h *harness) startActive(t *testing.T, character string, rate int) {
	t.Helper()
	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.tp.events <- transport.Event{Control: &transport.ControlMessage{
		Status: "connected", Character: character, SampleRate: rate,
	}}
	select {
	case <-h.connected:
	case <-time.After(5 * time.Second):
		t.Fatal("session never became active")
	}
}

func (h *harness) waitDisconnected(t *testing.T) {
	t.Helper()
	select {
	case <-h.disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("session never tore down")
	}
}

// loudBlock returns a block whose scaled RMS is well above the gate
// threshold (constant amplitude a gives scaled RMS a*32767).
func loudBlock(n int, amplitude float32) []float32 {
	block := make([]float32, n)
	for i := range block {
		block[i] = amplitude
	}
	return block
}

func TestHandshakePromotesToActive(t *testing.T) {
	h := newHarness(t)
	h.startActive(t, "maya", 24000)

	if got := h.ctrl.State(); got != StateActive {
		t.Errorf("State = %v, want active", got)
	}
	if got := h.ctrl.Character(); got != "maya" {
		t.Errorf("Character = %q, want maya", got)
	}
	if got := h.ctrl.OutputRate(); got != 24000 {
		t.Errorf("OutputRate = %d, want 24000", got)
	}
	h.mu.Lock()
	rate := h.openedRate
	h.mu.Unlock()
	if rate != 24000 {
		t.Errorf("output device opened at %d Hz, want 24000", rate)
	}
}

func TestStartWhileRunningFails(t *testing.T) {
	h := newHarness(t)
	h.startActive(t, "maya", 24000)

	if err := h.ctrl.Start(context.Background()); err == nil {
		t.Fatal("second Start succeeded while active")
	}
}

func TestVoicedBlockSendsOneFrame(t *testing.T) {
	h := newHarness(t)
	h.startActive(t, "maya", 24000)

	// Amplitude 0.05 gives a scaled RMS around 1638, above threshold 500.
	h.in.emit(loudBlock(1024, 0.05))

	frames := h.tp.sentFrames()
	if len(frames) != 1 {
		t.Fatalf("sent %d frames, want 1", len(frames))
	}
	if len(frames[0]) != 2048 {
		t.Errorf("frame is %d bytes, want 2048 (1024 samples)", len(frames[0]))
	}
	if h.ctrl.SilenceRun() != 0 {
		t.Errorf("SilenceRun = %d after voiced block, want 0", h.ctrl.SilenceRun())
	}
}

func TestReceivedChunkIsPlayedAtNegotiatedRate(t *testing.T) {
	h := newHarness(t)
	h.startActive(t, "maya", 24000)

	chunk := make([]byte, 2048)
	h.tp.events <- transport.Event{Chunk: chunk}

	deadline := time.Now().Add(5 * time.Second)
	for h.out.playCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	h.out.mu.Lock()
	defer h.out.mu.Unlock()
	if len(h.out.played) != 1 {
		t.Fatalf("played %d buffers, want 1", len(h.out.played))
	}
	if len(h.out.played[0]) != 1024 {
		t.Errorf("playback buffer has %d samples, want 1024", len(h.out.played[0]))
	}
}

func TestServiceErrorTearsDown(t *testing.T) {
	h := newHarness(t)
	h.startActive(t, "maya", 24000)

	h.tp.events <- transport.Event{Control: &transport.ControlMessage{Error: "character busy"}}
	h.waitDisconnected(t)

	if got := h.ctrl.State(); got != StateIdle {
		t.Errorf("State = %v, want idle", got)
	}
	if !h.in.isClosed() {
		t.Error("microphone not released after service error")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	found := false
	for _, msg := range h.errors {
		if strings.Contains(msg, "character busy") {
			found = true
		}
	}
	if !found {
		t.Errorf("error log missing service error, got %q", h.errors)
	}
}

func TestMalformedControlMessageKeepsState(t *testing.T) {
	h := newHarness(t)
	h.startActive(t, "maya", 24000)

	h.tp.events <- transport.Event{ParseErr: fmt.Errorf("invalid character 'n'")}

	// Give the run loop a moment to process.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		n := len(h.errors)
		h.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if got := h.ctrl.State(); got != StateActive {
		t.Errorf("State = %v after parse error, want active", got)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.errors) == 0 {
		t.Error("parse error was not logged")
	}
}

func TestStopFromActive(t *testing.T) {
	h := newHarness(t)
	h.startActive(t, "maya", 24000)

	// Seed some state: a pending chunk and a nonzero silence run.
	h.tp.events <- transport.Event{Chunk: make([]byte, 512)}
	h.in.emit(make([]float32, 1024)) // silent block

	h.ctrl.Stop()
	h.ctrl.Wait()

	if got := h.ctrl.State(); got != StateIdle {
		t.Errorf("State = %v, want idle", got)
	}
	if got := h.ctrl.QueueLen(); got != 0 {
		t.Errorf("QueueLen = %d after Stop, want 0", got)
	}
	if got := h.ctrl.SilenceRun(); got != 0 {
		t.Errorf("SilenceRun = %d after Stop, want 0", got)
	}
	if !h.in.isClosed() {
		t.Error("microphone not released")
	}

	// No frames may be sent after teardown.
	before := len(h.tp.sentFrames())
	h.in.emit(loudBlock(1024, 0.5))
	if after := len(h.tp.sentFrames()); after != before {
		t.Errorf("capture sent %d frames after Stop", after-before)
	}
}

func TestStopWhileIdleIsNoop(t *testing.T) {
	h := newHarness(t)
	h.ctrl.Stop()
	if got := h.ctrl.State(); got != StateIdle {
		t.Errorf("State = %v, want idle", got)
	}
}

func TestMicrophoneFailureNeverStarts(t *testing.T) {
	h := newHarness(t)
	h.in.openErr = fmt.Errorf("permission denied")

	err := h.ctrl.Start(context.Background())
	if err == nil {
		t.Fatal("Start succeeded without microphone")
	}
	if got := h.ctrl.State(); got != StateIdle {
		t.Errorf("State = %v, want idle", got)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.errors) == 0 {
		t.Error("microphone failure was not logged")
	}
}

func TestTransportCloseTearsDown(t *testing.T) {
	h := newHarness(t)
	h.startActive(t, "maya", 24000)

	h.tp.Close()
	h.waitDisconnected(t)

	if got := h.ctrl.State(); got != StateIdle {
		t.Errorf("State = %v, want idle", got)
	}
}

func TestSilentBlocksPassThroughThenZero(t *testing.T) {
	h := newHarness(t)
	h.startActive(t, "maya", 24000)

	// One voiced block to reset the gate, then silence past the run limit.
	h.in.emit(loudBlock(1024, 0.05))
	quiet := make([]float32, 1024)
	for i := range quiet {
		quiet[i] = 0.001 // scaled RMS ~33, below threshold
	}
	for i := 0; i < 55; i++ {
		h.in.emit(quiet)
	}

	frames := h.tp.sentFrames()
	if len(frames) != 56 {
		t.Fatalf("sent %d frames, want 56", len(frames))
	}

	isZero := func(frame []byte) bool {
		for _, b := range frame {
			if b != 0 {
				return false
			}
		}
		return true
	}

	// Silent blocks 1-49 pass through encoded; from block 50 on, zeros.
	if isZero(frames[1]) || isZero(frames[49]) {
		t.Error("trailing silent blocks under the run limit were zeroed")
	}
	for i := 50; i < 56; i++ {
		if !isZero(frames[i]) {
			t.Errorf("frame %d not zero-filled after run limit", i)
		}
	}
}

func TestInputSpectrumCallback(t *testing.T) {
	h := newHarness(t)

	var mu sync.Mutex
	var snapshots [][]float64
	h.ctrl.cb.OnInputSpectrum = func(mags []float64) {
		mu.Lock()
		snapshots = append(snapshots, mags)
		mu.Unlock()
	}

	h.startActive(t, "maya", 24000)

	block := make([]float32, 1024)
	for i := range block {
		block[i] = float32(0.5 * math.Sin(2*math.Pi*float64(i)/32))
	}
	h.in.emit(block)

	mu.Lock()
	defer mu.Unlock()
	if len(snapshots) != 1 {
		t.Fatalf("got %d spectrum snapshots, want 1", len(snapshots))
	}
	if len(snapshots[0]) != audio.DefaultSpectrumBins {
		t.Errorf("snapshot has %d bins, want %d", len(snapshots[0]), audio.DefaultSpectrumBins)
	}
}

// queueDepthSum collects the playback queue depth gauge and sums its data
// points.
func queueDepthSum(t *testing.T, reader *sdkmetric.ManualReader) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "sesame.playback.queue_depth" {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("queue depth data is %T, want Sum[int64]", met.Data)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestCorruptChunkDoesNotLeakQueueDepth(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	h := newHarness(t, WithMetrics(m))
	h.startActive(t, "maya", 24000)

	// An odd-length chunk cannot decode and never reaches the playback tap.
	h.tp.events <- transport.Event{Chunk: []byte{0x01, 0x02, 0x03}}
	h.tp.events <- transport.Event{Chunk: make([]byte, 2048)}

	deadline := time.Now().Add(5 * time.Second)
	for h.out.playCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if h.out.playCount() == 0 {
		t.Fatal("decodable chunk never played")
	}

	h.ctrl.Stop()
	h.waitDisconnected(t)

	if depth := queueDepthSum(t, reader); depth != 0 {
		t.Errorf("queue depth gauge = %d after session end with empty queue, want 0", depth)
	}
}

func TestStopDuringConnectReleasesResources(t *testing.T) {
	h := newHarness(t)
	h.dialHook = func() { h.ctrl.Stop() }

	if err := h.ctrl.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded despite being stopped mid-connect")
	}
	if got := h.ctrl.State(); got != StateIdle {
		t.Errorf("State = %v, want idle", got)
	}
	if !h.in.isClosed() {
		t.Error("microphone not released")
	}
	if !h.tp.isClosed() {
		t.Error("transport not closed")
	}

	// The controller must still be able to run a fresh session.
	h.dialHook = nil
	h.tp = newFakeTransport()
	h.in = &fakeInput{}
	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start after aborted connect: %v", err)
	}
}
