package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	twilio "github.com/agentplexus/convai-twilio"
	"github.com/agentplexus/convai-twilio/callsystem"
	"github.com/agentplexus/convai-twilio/convai"
	"github.com/agentplexus/convai-twilio/transport"
)

const noTransferWaiting = "No transfer is waiting. Goodbye."

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"streams":   s.streams.ActiveCount(),
		"calls":     len(s.calls.ListCalls()),
		"transfers": len(s.Transfers()),
	})
}

// handleInboundCall answers a phone call. Calls from the warm transfer number
// are the wait manager being dialled for an abandoned transfer; everything
// else goes to the assessment agent.
func (s *Server) handleInboundCall(w http.ResponseWriter, r *http.Request) {
	callSID := r.PostForm.Get("CallSid")
	from := r.PostForm.Get("From")
	logger := s.logger.With("call_sid", callSID, "from", from)

	s.calls.HandleIncomingWebhook(callSID, from, r.PostForm.Get("To"))

	t := s.cfg.Transfer
	if t.WaitManagementAgent != "" && t.WarmTransferAgent != "" {
		warm, _ := s.cfg.Agent(t.WarmTransferAgent)
		if warm.PhoneNumber != "" && from == warm.PhoneNumber {
			rec, ok := s.notify.Pop()
			if !ok {
				logger.Warn("wait manager call with no abandoned transfer queued")
				s.writeTwiML(w, func() (string, error) {
					return callsystem.SayTwiML(noTransferWaiting)
				})
				return
			}
			s.pending.Put(callSID, rec.InitiationData())
			logger.Info("routing wait manager", "conference", rec.ConferenceName)
			s.writeTwiML(w, func() (string, error) {
				return callsystem.StreamTwiML(s.streamURL(t.WaitManagementAgent), nil)
			})
			return
		}
	}

	if t.CallerNumber != "" && from != t.CallerNumber {
		logger.Warn("rejecting call from unexpected number")
		s.writeTwiML(w, callsystem.RejectTwiML)
		return
	}

	logger.Info("answering inbound call")
	s.writeTwiML(w, func() (string, error) {
		return callsystem.StreamTwiML(s.streamURL(t.AssessmentAgent), nil)
	})
}

func (s *Server) writeTwiML(w http.ResponseWriter, build func() (string, error)) {
	doc, err := build()
	if err != nil {
		s.logger.Error("failed to build twiml", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	_, _ = io.WriteString(w, doc)
}

// handleStream upgrades a Media Streams socket and bridges it to the agent
// named in the path.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["agent"]
	if _, err := s.registry.Lookup(key); err != nil {
		s.logger.Warn("stream for unknown agent", "agent", key)
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	dial := func(ctx context.Context, start transport.StartInfo) (transport.AgentSession, error) {
		conn, err := s.registry.Connect(ctx, key, start.InitData)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}

	obs := &callObserver{server: s, agent: key}
	if err := s.streams.Serve(w, r, dial, transport.WithObserver(obs)); err != nil {
		s.logger.Debug("stream ended with error", "agent", key, "error", err)
	}
}

func (s *Server) handleConferenceEvent(w http.ResponseWriter, r *http.Request) {
	ev := callsystem.ConferenceEvent{
		Type:          r.PostForm.Get("StatusCallbackEvent"),
		FriendlyName:  r.PostForm.Get("FriendlyName"),
		ConferenceSID: r.PostForm.Get("ConferenceSid"),
		CallSID:       r.PostForm.Get("CallSid"),
		Label:         r.PostForm.Get("ParticipantLabel"),
	}
	if ts := r.PostForm.Get("Timestamp"); ts != "" {
		if at, err := time.Parse(time.RFC1123Z, ts); err == nil {
			ev.Timestamp = at
		}
	}
	if ev.Type == "" {
		s.logger.Warn("conference callback without event", "conference", ev.FriendlyName)
		writeAck(w)
		return
	}

	s.conferences.Apply(ev)
	if ev.Type == twilio.ConferenceEventParticipantJoin {
		s.calls.SetConference(ev.CallSID, ev.FriendlyName)
	}
	writeAck(w)
}

func (s *Server) handleCallStatus(w http.ResponseWriter, r *http.Request) {
	callSID := r.PostForm.Get("CallSid")
	status := twilio.CallStatus(r.PostForm.Get("CallStatus"))

	s.calls.HandleStatusCallback(callSID, status)

	if s.orchestrator != nil {
		ctx, cancel := s.restContext()
		defer cancel()
		s.logTransferError(s.orchestrator.HandleStatus(ctx, callSID, status), callSID)
	}
	writeAck(w)
}

func (s *Server) handleAMD(w http.ResponseWriter, r *http.Request) {
	callSID := r.PostForm.Get("CallSid")
	answeredBy := twilio.AnsweredBy(r.PostForm.Get("AnsweredBy"))

	if s.orchestrator != nil {
		ctx, cancel := s.restContext()
		defer cancel()
		s.logTransferError(s.orchestrator.HandleAMD(ctx, callSID, answeredBy), callSID)
	}
	writeAck(w)
}

func (s *Server) handlePostCall(w http.ResponseWriter, r *http.Request) {
	var ev callsystem.PostCallEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, "malformed post-call event", http.StatusBadRequest)
		return
	}

	if s.orchestrator == nil {
		s.logger.Debug("post-call event with transfers disabled", "conversation_id", ev.Data.ConversationID)
		writeAck(w)
		return
	}

	ctx, cancel := s.restContext()
	defer cancel()
	if err := s.orchestrator.HandlePostCall(ctx, ev); err != nil && !errors.Is(err, callsystem.ErrCallerLeft) {
		s.logger.Error("failed to start transfer", "conversation_id", ev.Data.ConversationID, "error", err)
	}
	writeAck(w)
}

// logTransferError reports orchestrator errors. Transfer outcomes are logged
// by the orchestrator itself, so only unexpected failures are repeated here.
func (s *Server) logTransferError(err error, callSID string) {
	switch {
	case err == nil:
	case errors.Is(err, callsystem.ErrUnknownTransfer):
	case errors.Is(err, callsystem.ErrMaxRetries), errors.Is(err, callsystem.ErrCallerLeft):
	default:
		s.logger.Error("transfer callback failed", "call_sid", callSID, "error", err)
	}
}

// writeAck answers a webhook. Twilio retries anything but a 2xx, so
// processing failures are logged rather than returned.
func writeAck(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = io.WriteString(w, "Webhook received")
}

// callObserver keeps call tracking in step with one bridged stream.
type callObserver struct {
	transport.NopObserver
	server  *Server
	agent   string
	callSID string
}

func (o *callObserver) OnStart(info transport.StartInfo) {
	o.callSID = info.CallSID
	calls := o.server.calls
	if _, ok := calls.GetCall(info.CallSID); ok {
		calls.MarkInProgress(info.CallSID)
		return
	}
	calls.Track(callsystem.Call{
		SID:       info.CallSID,
		Direction: callsystem.Outbound,
		State:     callsystem.StateInProgress,
	})
}

func (o *callObserver) OnAgentEvent(ev convai.Event) {
	switch e := ev.(type) {
	case *convai.UserTranscriptEvent:
		o.server.logger.Debug("user said", "call_sid", o.callSID, "agent", o.agent, "text", e.Text)
	case *convai.AgentResponseEvent:
		o.server.logger.Debug("agent said", "call_sid", o.callSID, "agent", o.agent, "text", e.Text)
	}
}

func (o *callObserver) OnEnd(error) {
	if o.callSID == "" {
		return
	}
	// Calls moved into a conference outlive their stream.
	if call, ok := o.server.calls.GetCall(o.callSID); ok && call.Conference != "" {
		return
	}
	o.server.calls.Forget(o.callSID)
}
