// Package transport implements the WebSocket link to the Sesame voice
// service.
//
// Outbound traffic is fixed-size binary PCM frames sent at capture cadence.
// Inbound traffic is either binary playback chunks or JSON-encoded text
// control messages; both are surfaced on a single ordered event stream so
// that control transitions are observed exactly where they occurred in the
// byte stream.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// ControlMessage is a JSON text message from the service. A handshake
// message carries Status "connected" plus the character id and negotiated
// output sample rate; an application error carries Error.
type ControlMessage struct {
	Status     string `json:"status,omitempty"`
	Character  string `json:"character,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Event is one inbound transport message, in arrival order. Exactly one
// field is set.
type Event struct {
	// Chunk is a binary playback chunk.
	Chunk []byte

	// Control is a decoded JSON control message.
	Control *ControlMessage

	// ParseErr reports a text message that was not valid JSON. The
	// connection stays open; such messages carry no state transition.
	ParseErr error
}

// defaultEventBuffer is the buffer depth of the inbound event channel.
const defaultEventBuffer = 64

// Option is a functional option for configuring a [Client] at dial time.
type Option func(*dialConfig)

type dialConfig struct {
	header      http.Header
	eventBuffer int
}

// WithHTTPHeader sets additional HTTP headers sent with the WebSocket
// handshake (e.g. an Authorization token).
func WithHTTPHeader(h http.Header) Option {
	return func(c *dialConfig) { c.header = h }
}

// WithEventBuffer sets the buffer depth of the event channel. Larger buffers
// reduce the chance of the receive loop stalling when the consumer is slow.
// The default is 64.
func WithEventBuffer(n int) Option {
	return func(c *dialConfig) {
		if n > 0 {
			c.eventBuffer = n
		}
	}
}

// Client is a connected transport. Create with [Dial]; consume [Client.Events]
// until it closes, then check [Client.Err] for the terminal error.
//
// All exported methods are safe for concurrent use.
type Client struct {
	conn   *websocket.Conn
	events chan Event

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	errVal error
	closed bool
}

// Dial opens a WebSocket connection to url and starts the receive loop. The
// supplied ctx governs the connection attempt only; the connection itself
// remains open until [Client.Close] or a transport failure.
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	cfg := dialConfig{eventBuffer: defaultEventBuffer}
	for _, o := range opts {
		o(&cfg)
	}

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: cfg.header,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}

	clientCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:   conn,
		events: make(chan Event, cfg.eventBuffer),
		ctx:    clientCtx,
		cancel: cancel,
	}

	go c.receiveLoop()

	return c, nil
}

// Send transmits one binary PCM frame. Returns an error if the client is
// closed or the write fails; callers in the capture path treat failures as
// fire-and-forget (the frame is dropped for that block only).
func (c *Client) Send(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("transport: client closed")
	}
	c.mu.Unlock()

	if err := c.conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
		return fmt.Errorf("transport: send frame: %w", err)
	}
	return nil
}

// Events returns the inbound event channel. The channel preserves message
// arrival order across binary and control messages and is closed when the
// connection terminates; check [Client.Err] afterwards.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Err returns the error that terminated the connection, or nil if it was
// closed cleanly (by [Client.Close] or a normal remote close).
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errVal
}

// Close terminates the connection and releases resources. The event channel
// closes shortly after. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	_ = c.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}

// receiveLoop reads messages from the WebSocket and dispatches them as
// events. It owns the events channel and closes it on exit.
func (c *Client) receiveLoop() {
	defer close(c.events)

	for {
		typ, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return
			}
			c.setErr(err)
			return
		}

		var ev Event
		switch typ {
		case websocket.MessageBinary:
			ev = Event{Chunk: data}
		case websocket.MessageText:
			msg := &ControlMessage{}
			if jsonErr := json.Unmarshal(data, msg); jsonErr != nil {
				ev = Event{ParseErr: fmt.Errorf("transport: decode control message: %w", jsonErr)}
			} else {
				ev = Event{Control: msg}
			}
		default:
			continue
		}

		select {
		case c.events <- ev:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Client) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.errVal == nil {
		c.errVal = err
	}
}
