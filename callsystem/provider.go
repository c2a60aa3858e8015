// Package callsystem tracks Twilio calls and conferences and orchestrates
// warm call transfers.
package callsystem

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	twilio "github.com/agentplexus/convai-twilio"
	"github.com/agentplexus/convai-twilio/internal/client"
)

// Direction is inbound or outbound.
type Direction string

// Call directions.
const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// CallState is the coarse lifecycle of a call.
type CallState string

// Call states.
const (
	StateRinging    CallState = "ringing"
	StateInProgress CallState = "in-progress"
	StateCompleted  CallState = "completed"
)

// Call is a tracked phone call.
type Call struct {
	SID        string
	Direction  Direction
	From       string
	To         string
	State      CallState
	Conference string
	StartTime  time.Time
}

// CallPlacer is the subset of the Twilio REST API the transfer orchestrator
// needs.
type CallPlacer interface {
	PlaceCall(ctx context.Context, req OutboundCall) (string, error)
	Hangup(ctx context.Context, callSID string) error
	AddParticipant(ctx context.Context, conference string, req ParticipantRequest) error
}

// OutboundCall describes a call to place.
type OutboundCall struct {
	To             string
	From           string
	TwiML          string
	StatusCallback string
	AMDCallback    string
	Timeout        time.Duration
}

// ParticipantRequest describes a number to dial into a conference.
type ParticipantRequest struct {
	From                string
	To                  string
	Label               string
	Beep                bool
	EndConferenceOnExit bool
	StatusCallback      string
}

// Verify interface compliance at compile time.
var _ CallPlacer = (*Provider)(nil)

// Provider tracks call lifecycles and talks to the Twilio REST API.
type Provider struct {
	client *client.Client
	logger *slog.Logger

	mu    sync.RWMutex
	calls map[string]*Call
}

// Option configures the Provider.
type Option func(*options)

type options struct {
	accountSID string
	authToken  string
	baseURL    string
	logger     *slog.Logger
}

// WithAccountSID sets the Twilio Account SID.
func WithAccountSID(sid string) Option {
	return func(o *options) {
		o.accountSID = sid
	}
}

// WithAuthToken sets the Twilio Auth Token.
func WithAuthToken(token string) Option {
	return func(o *options) {
		o.authToken = token
	}
}

// WithBaseURL overrides the REST API base URL.
func WithBaseURL(url string) Option {
	return func(o *options) {
		o.baseURL = url
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// New creates a Twilio call provider.
func New(opts ...Option) (*Provider, error) {
	cfg := &options{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	twilioClient, err := client.New(&client.Config{
		AccountSID: cfg.accountSID,
		AuthToken:  cfg.authToken,
		BaseURL:    cfg.baseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Twilio client: %w", err)
	}

	return &Provider{
		client: twilioClient,
		logger: cfg.logger,
		calls:  make(map[string]*Call),
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return twilio.ProviderName
}

// Track records a call, replacing an earlier record with the same sid.
func (p *Provider) Track(call Call) {
	if call.StartTime.IsZero() {
		call.StartTime = time.Now()
	}
	if call.State == "" {
		call.State = StateRinging
	}
	p.mu.Lock()
	p.calls[call.SID] = &call
	p.mu.Unlock()
}

// HandleIncomingWebhook records an inbound call.
func (p *Provider) HandleIncomingWebhook(callSID, from, to string) Call {
	call := Call{
		SID:       callSID,
		Direction: Inbound,
		From:      from,
		To:        to,
		State:     StateRinging,
		StartTime: time.Now(),
	}
	p.Track(call)
	return call
}

// HandleStatusCallback applies a status callback. Calls are forgotten once
// they complete.
func (p *Provider) HandleStatusCallback(callSID string, status twilio.CallStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()

	call, ok := p.calls[callSID]
	if !ok {
		return
	}
	call.State = mapCallStatus(status)
	if call.State == StateCompleted {
		delete(p.calls, callSID)
	}
}

// MarkInProgress records that a call's media stream has started.
func (p *Provider) MarkInProgress(callSID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if call, ok := p.calls[callSID]; ok {
		call.State = StateInProgress
	}
}

// Forget drops a call, e.g. once its media stream has stopped.
func (p *Provider) Forget(callSID string) {
	p.mu.Lock()
	delete(p.calls, callSID)
	p.mu.Unlock()
}

// SetConference records the conference a call was moved into.
func (p *Provider) SetConference(callSID, conference string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if call, ok := p.calls[callSID]; ok {
		call.Conference = conference
	}
}

// GetCall returns a tracked call.
func (p *Provider) GetCall(callSID string) (Call, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	call, ok := p.calls[callSID]
	if !ok {
		return Call{}, false
	}
	return *call, true
}

// ListCalls lists tracked calls, oldest first.
func (p *Provider) ListCalls() []Call {
	p.mu.RLock()
	calls := make([]Call, 0, len(p.calls))
	for _, call := range p.calls {
		calls = append(calls, *call)
	}
	p.mu.RUnlock()

	sort.Slice(calls, func(i, j int) bool { return calls[i].StartTime.Before(calls[j].StartTime) })
	return calls
}

// PlaceCall creates an outbound call with answering machine detection.
func (p *Provider) PlaceCall(ctx context.Context, req OutboundCall) (string, error) {
	params := &client.MakeCallParams{
		To:                     req.To,
		From:                   req.From,
		Twiml:                  req.TwiML,
		StatusCallback:         req.StatusCallback,
		StatusCallbackEvent:    []string{"ringing", "answered", "completed"},
		MachineDetection:       "Enable",
		AsyncAMD:               true,
		AsyncAMDStatusCallback: req.AMDCallback,
		Timeout:                int(req.Timeout.Seconds()),
	}

	twilioCall, err := p.client.MakeCall(ctx, params)
	if err != nil {
		return "", fmt.Errorf("failed to make call: %w", err)
	}

	p.Track(Call{
		SID:       twilioCall.SID,
		Direction: Outbound,
		From:      req.From,
		To:        req.To,
		State:     mapCallStatus(twilio.CallStatus(twilioCall.Status)),
	})
	p.logger.Info("outbound call placed", "call_sid", twilioCall.SID, "to", req.To)
	return twilioCall.SID, nil
}

// Hangup ends a call.
func (p *Provider) Hangup(ctx context.Context, callSID string) error {
	if _, err := p.client.HangupCall(ctx, callSID); err != nil {
		return fmt.Errorf("failed to hangup: %w", err)
	}
	p.Forget(callSID)
	return nil
}

// Redirect replaces the TwiML of a live call.
func (p *Provider) Redirect(ctx context.Context, callSID, twiml string) error {
	if _, err := p.client.RedirectCall(ctx, callSID, twiml); err != nil {
		return fmt.Errorf("failed to redirect call: %w", err)
	}
	return nil
}

// AddParticipant dials a number into a conference.
func (p *Provider) AddParticipant(ctx context.Context, conference string, req ParticipantRequest) error {
	params := &client.CreateParticipantParams{
		From:                req.From,
		To:                  req.To,
		Label:               req.Label,
		Beep:                req.Beep,
		EndConferenceOnExit: req.EndConferenceOnExit,
	}
	if req.StatusCallback != "" {
		params.ConferenceStatusCallback = req.StatusCallback
		params.ConferenceStatusCallbackEvent = []string{"join"}
	}
	if _, err := p.client.CreateParticipant(ctx, conference, params); err != nil {
		return fmt.Errorf("failed to add participant: %w", err)
	}
	return nil
}

// mapCallStatus maps a Twilio status to a call state.
func mapCallStatus(status twilio.CallStatus) CallState {
	switch status {
	case twilio.CallStatusQueued, twilio.CallStatusInitiated, twilio.CallStatusRinging:
		return StateRinging
	case twilio.CallStatusInProgress:
		return StateInProgress
	case twilio.CallStatusCompleted, twilio.CallStatusBusy, twilio.CallStatusFailed,
		twilio.CallStatusNoAnswer, twilio.CallStatusCanceled:
		return StateCompleted
	default:
		return StateRinging
	}
}
