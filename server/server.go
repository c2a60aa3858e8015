// Package server is the HTTP surface of convai-twilio: Twilio webhooks,
// agent platform webhooks and Media Streams sockets, sharing one set of call,
// conference and transfer state.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/agentplexus/convai-twilio/callsystem"
	"github.com/agentplexus/convai-twilio/config"
	"github.com/agentplexus/convai-twilio/convai"
	"github.com/agentplexus/convai-twilio/transport"
)

// Route paths.
const (
	PathInboundCall      = "/inbound-call"
	PathStream           = "/ws/{agent}"
	PathConferenceEvents = "/events/conference"
	PathCallEvents       = "/events/call"
	PathAMD              = "/amd"
	PathPostCall         = "/post-call"
	PathHealth           = "/healthz"
)

const (
	defaultToolWorkers   = 4
	defaultToolQueueSize = 64
	restTimeout          = 15 * time.Second
)

// Server holds the state shared by every route.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	registry     *convai.Registry
	pending      *convai.PendingInitiations
	conferences  *callsystem.Conferences
	calls        *callsystem.Provider
	orchestrator *callsystem.Orchestrator
	notify       *callsystem.NotifyQueue
	streams      *transport.Provider

	tools  chan transport.ToolCall
	router *mux.Router

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Option configures a Server.
type Option func(*serverOptions)

type serverOptions struct {
	logger      *slog.Logger
	toolWorkers int
	onTransfer  func(callsystem.Transition)
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *serverOptions) {
		o.logger = logger
	}
}

// WithToolWorkers sets how many tool calls run concurrently.
func WithToolWorkers(n int) Option {
	return func(o *serverOptions) {
		o.toolWorkers = n
	}
}

// WithTransferHook is called for every transfer state change.
func WithTransferHook(fn func(callsystem.Transition)) Option {
	return func(o *serverOptions) {
		o.onTransfer = fn
	}
}

// New builds the server from configuration and starts its tool workers.
// Close releases them.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	o := &serverOptions{toolWorkers: defaultToolWorkers}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.toolWorkers <= 0 {
		o.toolWorkers = defaultToolWorkers
	}
	logger := o.logger

	calls, err := callsystem.New(
		callsystem.WithAccountSID(cfg.Twilio.AccountSID),
		callsystem.WithAuthToken(cfg.Twilio.AuthToken),
		callsystem.WithBaseURL(cfg.Twilio.APIBaseURL),
		callsystem.WithLogger(logger.With("component", "calls")),
	)
	if err != nil {
		return nil, err
	}

	registry := convai.NewRegistry(
		convai.WithLogger(logger.With("component", "agent")),
		convai.WithOutboundQueueSize(cfg.Bridge.OutboundQueueSize),
		convai.WithEventQueueSize(cfg.Bridge.EventQueueSize),
		convai.WithCloseGrace(cfg.Bridge.CloseGrace),
	)
	for key, agent := range cfg.Agents {
		registry.Register(key, convai.Endpoint{
			AgentID:    agent.AgentID,
			SignedURL:  agent.SignedURL,
			APIKey:     cfg.ElevenLabs.APIKey,
			APIBaseURL: cfg.ElevenLabs.APIBaseURL,
			WSBaseURL:  cfg.ElevenLabs.WSBaseURL,
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:         cfg,
		logger:      logger,
		registry:    registry,
		pending:     convai.NewPendingInitiations(cfg.Bridge.PendingTTL),
		conferences: callsystem.NewConferences(logger.With("component", "conferences")),
		calls:       calls,
		notify:      callsystem.NewNotifyQueue(),
		tools:       make(chan transport.ToolCall, defaultToolQueueSize),
		ctx:         ctx,
		cancel:      cancel,
	}

	s.streams = transport.New(
		transport.WithLogger(logger.With("component", "bridge")),
		transport.WithPendingInitiations(s.pending),
		transport.WithToolCalls(s.tools),
		transport.WithForwardDTMF(cfg.Bridge.ForwardDTMF),
		transport.WithCloseGrace(cfg.Bridge.CloseGrace),
	)

	if cfg.Transfer.Enabled() {
		s.orchestrator = s.newOrchestrator(o.onTransfer)
	}

	s.router = s.routes()

	for i := 0; i < o.toolWorkers; i++ {
		s.wg.Add(1)
		go s.runToolWorker()
	}

	logger.Info("server configured",
		"agents", registry.Keys(),
		"transfers", s.orchestrator != nil,
		"signatures", cfg.Twilio.SignaturesEnabled())
	return s, nil
}

func (s *Server) newOrchestrator(hook func(callsystem.Transition)) *callsystem.Orchestrator {
	t := s.cfg.Transfer
	warm, _ := s.cfg.Agent(t.WarmTransferAgent)

	var waitManagerNumber string
	if t.WaitManagementAgent != "" {
		wm, _ := s.cfg.Agent(t.WaitManagementAgent)
		waitManagerNumber = wm.PhoneNumber
	}

	assessment, _ := s.cfg.Agent(t.AssessmentAgent)
	cfg := callsystem.TransferConfig{
		AssessmentAgentID:     assessment.AgentID,
		From:                  warm.PhoneNumber,
		To:                    t.TargetNumber,
		WaitManagerNumber:     waitManagerNumber,
		StreamURL:             s.streamURL(t.WarmTransferAgent),
		StatusCallbackURL:     s.cfg.Server.PublicURL + PathCallEvents,
		AMDCallbackURL:        s.cfg.Server.PublicURL + PathAMD,
		ConferenceCallbackURL: s.cfg.Server.PublicURL + PathConferenceEvents,
		MaxRetries:            t.Retries(),
		RingTimeout:           t.RingTimeout,
	}

	opts := []callsystem.OrchestratorOption{
		callsystem.WithOrchestratorLogger(s.logger.With("component", "transfer")),
	}
	if hook != nil {
		opts = append(opts, callsystem.WithTransitionHook(hook))
	}
	return callsystem.NewOrchestrator(cfg, s.calls, s.conferences, s.pending, s.notify, opts...)
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc(PathHealth, s.handleHealth).Methods(http.MethodGet)
	streams := r.NewRoute().Subrouter()
	streams.Use(s.verifyStream)
	streams.HandleFunc(PathStream, s.handleStream).Methods(http.MethodGet)

	twilioHooks := r.NewRoute().Subrouter()
	twilioHooks.Use(s.verifyTelephony)
	twilioHooks.HandleFunc(PathInboundCall, s.handleInboundCall).Methods(http.MethodPost)
	twilioHooks.HandleFunc(PathConferenceEvents, s.handleConferenceEvent).Methods(http.MethodPost)
	twilioHooks.HandleFunc(PathCallEvents, s.handleCallStatus).Methods(http.MethodPost)
	twilioHooks.HandleFunc(PathAMD, s.handleAMD).Methods(http.MethodPost)

	platformHooks := r.NewRoute().Subrouter()
	platformHooks.Use(s.verifyPlatform)
	platformHooks.HandleFunc(PathPostCall, s.handlePostCall).Methods(http.MethodPost)

	return r
}

// Handler returns the HTTP handler for every route.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ActiveStreams returns the number of bridged calls.
func (s *Server) ActiveStreams() int {
	return s.streams.ActiveCount()
}

// Transfers returns the transfers in flight.
func (s *Server) Transfers() []callsystem.TransferRecord {
	if s.orchestrator == nil {
		return nil
	}
	return s.orchestrator.Snapshot()
}

// Close tears down live bridges and stops the tool workers.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		_ = s.streams.Close()
		s.cancel()
		s.wg.Wait()
	})
	return nil
}

// streamURL is the Media Streams socket URL for an agent key.
func (s *Server) streamURL(agentKey string) string {
	return fmt.Sprintf("%s/ws/%s", s.cfg.Server.PublicWSURL, agentKey)
}

func (s *Server) restContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(s.ctx, restTimeout)
}
