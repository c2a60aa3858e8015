// Package transport bridges Twilio Media Streams to conversational agent
// sessions.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentplexus/convai-twilio/convai"
)

// Provider upgrades Media Streams requests and runs one Bridge per socket.
type Provider struct {
	opts     []Option
	cfg      *options
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	bridges map[string]*Bridge
	closed  bool
}

// Option configures a Provider or a Bridge.
type Option func(*options)

type options struct {
	logger           *slog.Logger
	observer         Observer
	pending          *convai.PendingInitiations
	tools            chan<- ToolCall
	forwardDTMF      bool
	closeGrace       time.Duration
	handshakeTimeout time.Duration
	writeTimeout     time.Duration
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithObserver sets the observer notified from the bridge loops.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		o.observer = obs
	}
}

// WithPendingInitiations sets the store consulted when a stream starts.
func WithPendingInitiations(p *convai.PendingInitiations) Option {
	return func(o *options) {
		o.pending = p
	}
}

// WithToolCalls routes agent tool calls to ch. Without it every tool call is
// answered with an error result.
func WithToolCalls(ch chan<- ToolCall) Option {
	return func(o *options) {
		o.tools = ch
	}
}

// WithForwardDTMF passes keypad presses to the agent as contextual updates.
func WithForwardDTMF(enabled bool) Option {
	return func(o *options) {
		o.forwardDTMF = enabled
	}
}

// WithCloseGrace sets how long a terminating bridge waits for the agent to
// close before tearing it down.
func WithCloseGrace(d time.Duration) Option {
	return func(o *options) {
		o.closeGrace = d
	}
}

// WithHandshakeTimeout bounds the wait for the "connected" and "start" frames.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) {
		o.handshakeTimeout = d
	}
}

func buildOptions(opts []Option) *options {
	cfg := &options{
		closeGrace:       5 * time.Second,
		handshakeTimeout: 10 * time.Second,
		writeTimeout:     10 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.observer == nil {
		cfg.observer = NopObserver{}
	}
	if cfg.closeGrace <= 0 {
		cfg.closeGrace = 5 * time.Second
	}
	return cfg
}

// New creates a Media Streams provider. opts apply to every bridge it runs.
func New(opts ...Option) *Provider {
	return &Provider{
		opts: opts,
		cfg:  buildOptions(opts),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		bridges: make(map[string]*Bridge),
	}
}

// Name returns the transport name.
func (p *Provider) Name() string {
	return "twilio-media-streams"
}

// Serve upgrades the request and bridges the stream to the agent returned
// by dial. It blocks until the call ends. extra options apply to this bridge
// only.
func (p *Provider) Serve(w http.ResponseWriter, r *http.Request, dial AgentDialer, extra ...Option) error {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return fmt.Errorf("provider closed")
	}

	ws, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("websocket upgrade failed: %w", err)
	}

	opts := make([]Option, 0, len(p.opts)+len(extra))
	opts = append(opts, p.opts...)
	opts = append(opts, extra...)
	bridge := NewBridge(ws, dial, opts...)

	p.mu.Lock()
	p.bridges[bridge.ID()] = bridge
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.bridges, bridge.ID())
		p.mu.Unlock()
	}()

	return bridge.Run(context.WithoutCancel(r.Context()))
}

// ActiveCount returns the number of live bridges.
func (p *Provider) ActiveCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.bridges)
}

// Lookup finds a live bridge by call sid.
func (p *Provider) Lookup(callSID string) (*Bridge, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, b := range p.bridges {
		if b.CallSID() == callSID {
			return b, true
		}
	}
	return nil, false
}

// Close tears down every live bridge and refuses new streams.
func (p *Provider) Close() error {
	p.mu.Lock()
	p.closed = true
	bridges := make([]*Bridge, 0, len(p.bridges))
	for _, b := range p.bridges {
		bridges = append(bridges, b)
	}
	p.mu.Unlock()

	for _, b := range bridges {
		_ = b.Close()
	}
	return nil
}
