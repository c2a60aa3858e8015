package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	twilio "github.com/agentplexus/convai-twilio"
	"github.com/agentplexus/convai-twilio/convai"
)

var (
	// ErrUnexpectedFrame is returned when the stream does not open with
	// "connected" followed by "start".
	ErrUnexpectedFrame = errors.New("transport: unexpected media stream frame")

	// ErrNoToolHandler is sent back to the agent when tool calls cannot be
	// executed on this call.
	ErrNoToolHandler = errors.New("no tool handler configured")

	// ErrToolHandlerBusy is sent back when the tool queue is full.
	ErrToolHandlerBusy = errors.New("tool handler busy")
)

// AgentSession is the agent side of a bridged call.
type AgentSession interface {
	SendAudio(chunk []byte) error
	SendToolResult(result convai.ToolResult) error
	SendContextUpdate(text string) error
	Stop() error
	Close() error
	Events() <-chan convai.Event
	Done() <-chan struct{}
	Err() error
	ConversationID() string
}

// Verify interface compliance at compile time.
var _ AgentSession = (*convai.Conn)(nil)

// AgentDialer opens the agent session for a call. start.InitData is nil
// when no initiation data was stored for the call.
type AgentDialer func(ctx context.Context, start StartInfo) (AgentSession, error)

// StartInfo describes a stream once its start frame has been received.
type StartInfo struct {
	CallSID          string
	StreamSID        string
	AccountSID       string
	Tracks           []string
	MediaFormat      MediaFormat
	CustomParameters map[string]string
	InitData         *convai.InitiationData
}

// Observer is notified inline from the bridge loops, so calls arrive in the
// same order as the frames and events they describe. Implementations must
// not block.
type Observer interface {
	OnStart(info StartInfo)
	OnTelephonyFrame(frame *Frame)
	OnAgentEvent(event convai.Event)
	OnEnd(err error)
}

// NopObserver ignores everything. Embed it to implement a subset of Observer.
type NopObserver struct{}

func (NopObserver) OnStart(StartInfo)         {}
func (NopObserver) OnTelephonyFrame(*Frame)   {}
func (NopObserver) OnAgentEvent(convai.Event) {}
func (NopObserver) OnEnd(error)               {}

// ToolCall is a client tool call raised by the agent during a bridged call.
type ToolCall struct {
	CallSID        string
	StreamSID      string
	ConversationID string
	Call           *convai.ClientToolCallEvent
	Session        AgentSession
}

// Respond sends a successful result back to the agent.
func (tc ToolCall) Respond(result string) error {
	return tc.Session.SendToolResult(convai.ToolResult{ToolCallID: tc.Call.ToolCallID, Result: result})
}

// Fail sends an error result back to the agent.
func (tc ToolCall) Fail(err error) error {
	return tc.Session.SendToolResult(convai.ToolError(tc.Call.ToolCallID, err))
}

// State is the lifecycle position of a bridge.
type State int32

// Bridge states.
const (
	StateAwaitingConnected State = iota
	StateAwaitingStart
	StateBridging
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateAwaitingConnected:
		return "awaiting_connected"
	case StateAwaitingStart:
		return "awaiting_start"
	case StateBridging:
		return "bridging"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Bridge joins one Media Streams socket to one agent session for the
// lifetime of a call.
type Bridge struct {
	id   string
	ws   *websocket.Conn
	dial AgentDialer
	opts *options

	logger *slog.Logger
	state  atomic.Int32

	mu        sync.RWMutex
	callSID   string
	streamSID string
	agent     AgentSession

	stopOnce  sync.Once
	closing   atomic.Bool
	closeOnce sync.Once
}

// NewBridge wraps an upgraded Media Streams socket. Run drives it.
func NewBridge(ws *websocket.Conn, dial AgentDialer, opts ...Option) *Bridge {
	cfg := buildOptions(opts)
	id := uuid.NewString()
	return &Bridge{
		id:     id,
		ws:     ws,
		dial:   dial,
		opts:   cfg,
		logger: cfg.logger.With("bridge_id", id),
	}
}

// ID returns the bridge's session id.
func (b *Bridge) ID() string {
	return b.id
}

// State returns the current lifecycle state.
func (b *Bridge) State() State {
	return State(b.state.Load())
}

// CallSID returns the call sid once the start frame has been received.
func (b *Bridge) CallSID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.callSID
}

// StreamSID returns the stream sid once the start frame has been received.
func (b *Bridge) StreamSID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.streamSID
}

// Run bridges the call until either side ends. It returns nil when the call
// ended normally and the first terminal error otherwise.
func (b *Bridge) Run(ctx context.Context) (err error) {
	defer func() {
		b.state.Store(int32(StateTerminated))
		b.teardown()
		if err != nil {
			b.logger.Error("bridge terminated", "error", err)
		} else {
			b.logger.Info("bridge finished")
		}
		b.opts.observer.OnEnd(err)
	}()

	start, err := b.handshake()
	if err != nil {
		return err
	}

	info := StartInfo{
		CallSID:          start.CallSID,
		StreamSID:        start.StreamSID,
		AccountSID:       start.AccountSID,
		Tracks:           start.Tracks,
		MediaFormat:      start.MediaFormat,
		CustomParameters: start.CustomParameters,
	}
	if b.opts.pending != nil {
		if data, ok := b.opts.pending.Take(start.CallSID); ok {
			info.InitData = data
		}
	}
	if info.InitData == nil {
		b.logger.Warn("no initiation data for call, using agent defaults")
	}
	if f := info.MediaFormat; f.Encoding != "" && (f.Encoding != twilio.AudioEncodingMulaw || f.SampleRate != twilio.DefaultSampleRate) {
		b.logger.Warn("unexpected media format", "encoding", f.Encoding, "sample_rate", f.SampleRate)
	}
	b.opts.observer.OnStart(info)

	agent, err := b.dial(ctx, info)
	if err != nil {
		return fmt.Errorf("connect agent: %w", err)
	}
	b.mu.Lock()
	b.agent = agent
	b.mu.Unlock()
	if b.closing.Load() {
		_ = agent.Close()
		return nil
	}

	b.state.Store(int32(StateBridging))
	b.logger.Info("bridging call")

	g, gctx := errgroup.WithContext(ctx)
	wctx, cancel := context.WithCancel(gctx)
	defer cancel()

	g.Go(func() error {
		defer cancel()
		return b.readTelephony(wctx, agent)
	})
	g.Go(func() error {
		defer cancel()
		return b.forwardAgent(wctx, agent)
	})
	g.Go(func() error {
		defer cancel()
		return b.supervise(wctx, agent)
	})

	return g.Wait()
}

// handshake consumes the "connected" and "start" frames.
func (b *Bridge) handshake() (*StartPayload, error) {
	if b.opts.handshakeTimeout > 0 {
		_ = b.ws.SetReadDeadline(time.Now().Add(b.opts.handshakeTimeout))
		defer func() { _ = b.ws.SetReadDeadline(time.Time{}) }()
	}

	b.state.Store(int32(StateAwaitingConnected))
	frame, err := b.readFrame()
	if err != nil {
		return nil, err
	}
	if frame.Event != EventConnected {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrUnexpectedFrame, frame.Event, EventConnected)
	}

	b.state.Store(int32(StateAwaitingStart))
	frame, err = b.readFrame()
	if err != nil {
		return nil, err
	}
	if frame.Event != EventStart || frame.Start == nil {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrUnexpectedFrame, frame.Event, EventStart)
	}

	start := frame.Start
	if start.StreamSID == "" {
		start.StreamSID = frame.StreamSID
	}
	b.mu.Lock()
	b.callSID = start.CallSID
	b.streamSID = start.StreamSID
	b.mu.Unlock()
	b.logger = b.logger.With("call_sid", start.CallSID, "stream_sid", start.StreamSID)

	return start, nil
}

func (b *Bridge) readFrame() (*Frame, error) {
	_, data, err := b.ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("telephony read: %w", err)
	}
	frame, err := ParseFrame(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedFrame, err)
	}
	b.opts.observer.OnTelephonyFrame(frame)
	return frame, nil
}

// readTelephony forwards caller audio to the agent until the stream stops.
func (b *Bridge) readTelephony(ctx context.Context, agent AgentSession) error {
	for {
		_, data, err := b.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || b.closing.Load() {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.stopAgent(agent)
				return nil
			}
			return fmt.Errorf("telephony read: %w", err)
		}

		frame, err := ParseFrame(data)
		if err != nil {
			b.logger.Debug("ignoring malformed media stream frame", "error", err)
			continue
		}
		b.opts.observer.OnTelephonyFrame(frame)

		switch frame.Event {
		case EventMedia:
			if frame.Media == nil || frame.Media.Payload == "" {
				continue
			}
			audio, err := frame.Media.Audio()
			if err != nil {
				b.logger.Debug("ignoring undecodable media payload", "error", err)
				continue
			}
			if err := agent.SendAudio(audio); err != nil {
				// The agent has gone; the forwarder reports why.
				return nil
			}

		case EventStop:
			b.logger.Info("media stream stopped")
			b.stopAgent(agent)
			return nil

		case EventDTMF:
			if frame.DTMF == nil {
				continue
			}
			b.logger.Debug("dtmf received", "digit", frame.DTMF.Digit)
			if b.opts.forwardDTMF {
				if err := agent.SendContextUpdate("The caller pressed the key " + frame.DTMF.Digit); err != nil {
					return nil
				}
			}

		case EventMark:
			if frame.Mark != nil {
				b.logger.Debug("mark played", "name", frame.Mark.Name)
			}
		}
	}
}

// forwardAgent turns agent events into telephony frames. It is the only
// writer on the telephony socket.
func (b *Bridge) forwardAgent(ctx context.Context, agent AgentSession) error {
	streamSID := b.StreamSID()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-agent.Events():
			if !ok {
				return agent.Err()
			}
			b.opts.observer.OnAgentEvent(ev)

			switch e := ev.(type) {
			case *convai.AudioEvent:
				if err := b.writeFrame(MediaFrame(streamSID, e.Audio)); err != nil {
					return err
				}
				if err := b.writeFrame(MarkFrame(streamSID, uuid.NewString())); err != nil {
					return err
				}

			case *convai.InterruptionEvent:
				if err := b.writeFrame(ClearFrame(streamSID)); err != nil {
					return err
				}

			case *convai.ClientToolCallEvent:
				b.dispatchTool(agent, e)

			case *convai.InitiationMetadataEvent:
				b.logger.Info("agent conversation started", "conversation_id", e.ConversationID)
				if e.AgentOutputAudioFormat != "" && e.AgentOutputAudioFormat != twilio.AgentAudioFormat {
					b.logger.Warn("agent audio format does not match the phone line",
						"format", e.AgentOutputAudioFormat, "want", twilio.AgentAudioFormat)
				}

			case *convai.UnexpectedEvent:
				b.logger.Warn("unexpected agent message", "error", e.Err)
			}
		}
	}
}

func (b *Bridge) dispatchTool(agent AgentSession, call *convai.ClientToolCallEvent) {
	tc := ToolCall{
		CallSID:        b.CallSID(),
		StreamSID:      b.StreamSID(),
		ConversationID: agent.ConversationID(),
		Call:           call,
		Session:        agent,
	}

	if b.opts.tools == nil {
		b.logger.Warn("tool call without handler", "tool", call.ToolName)
		_ = tc.Fail(ErrNoToolHandler)
		return
	}

	select {
	case b.opts.tools <- tc:
	default:
		b.logger.Warn("tool queue full", "tool", call.ToolName)
		_ = tc.Fail(ErrToolHandlerBusy)
	}
}

// supervise waits for any worker to finish, then winds both legs down.
func (b *Bridge) supervise(ctx context.Context, agent AgentSession) error {
	<-ctx.Done()

	b.stopAgent(agent)
	timer := time.NewTimer(b.opts.closeGrace)
	defer timer.Stop()
	select {
	case <-agent.Done():
	case <-timer.C:
		b.logger.Warn("agent did not close in time", "grace", b.opts.closeGrace)
	}

	b.teardown()
	return nil
}

func (b *Bridge) stopAgent(agent AgentSession) {
	b.stopOnce.Do(func() {
		if err := agent.Stop(); err != nil {
			b.logger.Debug("agent stop failed", "error", err)
		}
	})
}

func (b *Bridge) writeFrame(f *Frame) error {
	_ = b.ws.SetWriteDeadline(time.Now().Add(b.opts.writeTimeout))
	if err := b.ws.WriteJSON(f); err != nil {
		if b.closing.Load() {
			return nil
		}
		return fmt.Errorf("telephony write: %w", err)
	}
	return nil
}

// Close tears down both legs immediately.
func (b *Bridge) Close() error {
	b.teardown()
	return nil
}

func (b *Bridge) teardown() {
	b.closeOnce.Do(func() {
		b.closing.Store(true)
		b.mu.RLock()
		agent := b.agent
		b.mu.RUnlock()
		if agent != nil {
			_ = agent.Close()
		}
		_ = b.ws.Close()
	})
}
