// Package convai is a client for ElevenLabs conversational AI agent sessions.
package convai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Defaults for connection tuning.
const (
	DefaultOutboundQueueSize = 256
	DefaultEventQueueSize    = 256
	DefaultCloseGrace        = 5 * time.Second
	writeTimeout             = 10 * time.Second
)

// Conn is one WebSocket session with a conversational agent.
//
// A reader goroutine decodes server events onto Events and a writer goroutine
// is the only code that writes to the socket. All Send methods share one
// bounded FIFO queue drained by the writer, so frames reach the agent in the
// order they were enqueued.
type Conn struct {
	ws     *websocket.Conn
	logger *slog.Logger
	grace  time.Duration

	out    chan outbound
	events chan Event

	done    chan struct{} // closed when the reader exits
	closing chan struct{} // closed by Close
	stopped atomic.Bool

	stopOnce  sync.Once
	closeOnce sync.Once
	forced    atomic.Bool
	dropped   atomic.Int64

	mu             sync.RWMutex
	conversationID string
	err            error
}

type outbound struct {
	data  []byte
	close bool
}

// Option configures Dial.
type Option func(*options)

type options struct {
	logger        *slog.Logger
	httpClient    *http.Client
	dialer        *websocket.Dialer
	outboundQueue int
	eventQueue    int
	closeGrace    time.Duration
}

// WithLogger sets the logger used by the connection.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithHTTPClient sets the client used to request signed URLs.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

// WithDialer sets the WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(o *options) {
		o.dialer = d
	}
}

// WithOutboundQueueSize bounds the number of frames waiting for the writer.
func WithOutboundQueueSize(n int) Option {
	return func(o *options) {
		o.outboundQueue = n
	}
}

// WithEventQueueSize bounds the number of decoded events not yet consumed.
func WithEventQueueSize(n int) Option {
	return func(o *options) {
		o.eventQueue = n
	}
}

// WithCloseGrace sets how long Stop waits for the agent to acknowledge the
// close frame before the socket is torn down.
func WithCloseGrace(d time.Duration) Option {
	return func(o *options) {
		o.closeGrace = d
	}
}

func buildOptions(opts []Option) *options {
	cfg := &options{
		outboundQueue: DefaultOutboundQueueSize,
		eventQueue:    DefaultEventQueueSize,
		closeGrace:    DefaultCloseGrace,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.httpClient == nil {
		cfg.httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.dialer == nil {
		cfg.dialer = websocket.DefaultDialer
	}
	if cfg.outboundQueue <= 0 {
		cfg.outboundQueue = DefaultOutboundQueueSize
	}
	if cfg.eventQueue <= 0 {
		cfg.eventQueue = DefaultEventQueueSize
	}
	if cfg.closeGrace <= 0 {
		cfg.closeGrace = DefaultCloseGrace
	}
	return cfg
}

// Dial opens a conversation with the agent described by ep. If init is not
// nil it is written as the first frame, before any audio can be queued.
func Dial(ctx context.Context, ep Endpoint, init *InitiationData, opts ...Option) (*Conn, error) {
	cfg := buildOptions(opts)

	wsURL, err := ep.resolve(ctx, cfg.httpClient)
	if err != nil {
		return nil, &ConnectError{AgentID: ep.AgentID, Err: err}
	}

	ws, resp, err := cfg.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, &ConnectError{AgentID: ep.AgentID, Err: err}
	}

	if init != nil {
		_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := ws.WriteJSON(init); err != nil {
			_ = ws.Close()
			return nil, &ConnectError{AgentID: ep.AgentID, Err: fmt.Errorf("send initiation data: %w", err)}
		}
	}

	c := newConn(ws, cfg)
	c.logger = cfg.logger.With("agent_id", ep.AgentID)

	go c.readLoop()
	go c.writeLoop()

	return c, nil
}

func newConn(ws *websocket.Conn, cfg *options) *Conn {
	return &Conn{
		ws:      ws,
		logger:  cfg.logger,
		grace:   cfg.closeGrace,
		out:     make(chan outbound, cfg.outboundQueue),
		events:  make(chan Event, cfg.eventQueue),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
	}
}

// Events returns decoded agent events. The channel is closed when the session
// ends; Err then reports why.
func (c *Conn) Events() <-chan Event {
	return c.events
}

// Done is closed when the session has ended.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the terminal error of the session: nil for a normal close,
// *CloseError for any other close code, ErrClosedWithoutFrame when the socket
// dropped without a close frame. It is only meaningful after Done.
func (c *Conn) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// ConversationID returns the id assigned by the agent, or "" before the
// initiation metadata has been received.
func (c *Conn) ConversationID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conversationID
}

// Dropped returns the number of audio chunks dropped because the outbound
// queue was full.
func (c *Conn) Dropped() int64 {
	return c.dropped.Load()
}

// SendAudio queues a chunk of user audio. When the outbound queue is full the
// chunk is dropped and counted; audio never blocks the caller.
func (c *Conn) SendAudio(chunk []byte) error {
	if c.stopped.Load() {
		return ErrConnClosed
	}
	data, err := json.Marshal(userAudioFrame{UserAudioChunk: base64.StdEncoding.EncodeToString(chunk)})
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.out <- outbound{data: data}:
		return nil
	default:
		n := c.dropped.Add(1)
		if n == 1 || n%100 == 0 {
			c.logger.Warn("outbound queue full, dropping audio", "dropped", n)
		}
		return nil
	}
}

// SendToolResult answers a client tool call.
func (c *Conn) SendToolResult(result ToolResult) error {
	return c.sendControl(result)
}

// SendContextUpdate gives the agent background information without
// prompting a response.
func (c *Conn) SendContextUpdate(text string) error {
	return c.sendControl(textFrame{Type: typeContextualUpdate, Text: text})
}

// SendUserMessage injects a user turn as text.
func (c *Conn) SendUserMessage(text string) error {
	return c.sendControl(textFrame{Type: typeUserMessage, Text: text})
}

// SendUserActivity tells the agent the user is active, delaying its next turn.
func (c *Conn) SendUserActivity() error {
	return c.sendControl(textFrame{Type: typeUserActivity})
}

func (c *Conn) sendControl(v any) error {
	if c.stopped.Load() {
		return ErrConnClosed
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.enqueue(outbound{data: data})
}

// enqueue blocks until the frame is queued or the session ends.
func (c *Conn) enqueue(item outbound) error {
	select {
	case c.out <- item:
		return nil
	case <-c.done:
		return ErrConnClosed
	case <-c.closing:
		return ErrConnClosed
	}
}

// Stop ends the conversation with a normal close frame. It is safe to call
// more than once; only the first call sends anything.
func (c *Conn) Stop() error {
	var err error
	c.stopOnce.Do(func() {
		c.stopped.Store(true)
		err = c.enqueue(outbound{close: true})
		if errors.Is(err, ErrConnClosed) {
			err = nil
		}
	})
	return err
}

// Close tears the socket down immediately.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.stopped.Store(true)
		c.forced.Store(true)
		close(c.closing)
		_ = c.ws.Close()
	})
	return nil
}

func (c *Conn) readLoop() {
	var err error
	defer func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.events)
		close(c.done)
		_ = c.ws.Close()
	}()

	for {
		msgType, data, readErr := c.ws.ReadMessage()
		if readErr != nil {
			err = c.terminalError(readErr)
			if err != nil {
				c.logger.Warn("agent connection ended", "error", err)
			} else {
				c.logger.Debug("agent connection closed")
			}
			return
		}

		var ev Event
		if msgType != websocket.TextMessage {
			ev = &UnexpectedEvent{Err: ErrUnexpectedMessageType}
		} else if parsed, parseErr := ParseEvent(data); parseErr != nil {
			ev = &UnexpectedEvent{Err: fmt.Errorf("%w: %v", ErrUnexpectedMessageType, parseErr)}
		} else {
			ev = parsed
		}

		switch e := ev.(type) {
		case *PingEvent:
			// The pong is queued before this ping, and therefore anything
			// read after it, is handed to the consumer.
			pong, _ := json.Marshal(pongFrame{Type: typePong, EventID: e.EventID})
			if c.enqueue(outbound{data: pong}) != nil {
				return
			}
		case *InitiationMetadataEvent:
			c.mu.Lock()
			c.conversationID = e.ConversationID
			c.mu.Unlock()
			c.logger.Info("conversation started", "conversation_id", e.ConversationID,
				"output_format", e.AgentOutputAudioFormat)
		}

		select {
		case c.events <- ev:
		case <-c.closing:
			return
		}
	}
}

func (c *Conn) terminalError(err error) error {
	if c.forced.Load() {
		return nil
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case websocket.CloseNormalClosure:
			return nil
		case websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure:
			return ErrClosedWithoutFrame
		default:
			return &CloseError{Code: closeErr.Code, Reason: closeErr.Text}
		}
	}
	return fmt.Errorf("convai: read: %w", err)
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.closing:
			return
		case item := <-c.out:
			if item.close {
				c.writeClose()
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, item.data); err != nil {
				c.logger.Warn("agent write failed", "error", err)
				_ = c.ws.Close()
				return
			}
		}
	}
}

// writeClose sends a normal close frame and waits for the agent to finish
// the handshake, forcing the socket shut after the grace period.
func (c *Conn) writeClose() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout)); err != nil {
		c.logger.Debug("close frame not sent", "error", err)
		_ = c.Close()
		return
	}

	timer := time.NewTimer(c.grace)
	defer timer.Stop()
	select {
	case <-c.done:
	case <-c.closing:
	case <-timer.C:
		c.logger.Warn("agent did not acknowledge close", "grace", c.grace)
		_ = c.Close()
	}
}
