package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/agentplexus/convai-twilio/callsystem"
	"github.com/agentplexus/convai-twilio/transport"
)

// Client tools the agents may call.
const (
	ToolPutCallerInConference        = "put_caller_in_conference"
	ToolPutHumanOperatorInConference = "put_human_operator_in_conference"
)

var (
	ErrUnknownTool          = errors.New("unknown tool")
	ErrMissingConversation  = errors.New("missing conversation id")
	ErrMissingConference    = errors.New("missing conference name")
	ErrConferenceNotRunning = errors.New("conference ended or caller left, cannot join")
)

func (s *Server) runToolWorker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case tc := <-s.tools:
			s.handleTool(tc)
		}
	}
}

func (s *Server) handleTool(tc transport.ToolCall) {
	logger := s.logger.With("call_sid", tc.CallSID, "tool", tc.Call.ToolName, "tool_call_id", tc.Call.ToolCallID)

	var (
		result string
		err    error
	)
	switch tc.Call.ToolName {
	case ToolPutCallerInConference:
		result, err = s.putCallerInConference(tc)
	case ToolPutHumanOperatorInConference:
		result, err = s.putHumanOperatorInConference(tc)
	default:
		logger.Warn("unknown tool called")
		err = fmt.Errorf("%w: %s", ErrUnknownTool, tc.Call.ToolName)
	}

	if err != nil {
		logger.Error("tool call failed", "error", err)
		if ferr := tc.Fail(err); ferr != nil {
			logger.Debug("could not report tool failure", "error", ferr)
		}
		return
	}

	logger.Info("tool call succeeded", "result", result)
	// The call has usually left the stream by now.
	if rerr := tc.Respond(result); rerr != nil {
		logger.Debug("could not report tool result", "error", rerr)
	}
}

// putCallerInConference parks the caller in a conference named after the
// conversation, where the operator will later be connected.
func (s *Server) putCallerInConference(tc transport.ToolCall) (string, error) {
	if tc.ConversationID == "" {
		return "", ErrMissingConversation
	}
	name := callsystem.ConferenceName(tc.ConversationID)

	twiml, err := callsystem.ConferenceTwiML(name, callsystem.ConferenceOptions{
		Label:          callsystem.LabelCaller,
		StartOnEnter:   false,
		EndOnExit:      true,
		StatusCallback: s.cfg.Server.PublicURL + PathConferenceEvents,
	})
	if err != nil {
		return "", err
	}

	s.conferences.Add(name, tc.CallSID)
	s.calls.SetConference(tc.CallSID, name)

	ctx, cancel := s.restContext()
	defer cancel()
	if err := s.calls.Redirect(ctx, tc.CallSID, twiml); err != nil {
		s.conferences.Remove(name)
		s.calls.SetConference(tc.CallSID, "")
		return "", err
	}
	return name, nil
}

// putHumanOperatorInConference joins the operator leg to the caller's
// conference once the transfer agent has briefed them.
func (s *Server) putHumanOperatorInConference(tc transport.ToolCall) (string, error) {
	name := strings.Trim(tc.Call.Param("conference_friendly_name"), `"`)
	if name == "" {
		return "", ErrMissingConference
	}
	if _, ok := s.conferences.Get(name); !ok {
		return "", fmt.Errorf("%w: %s", ErrConferenceNotRunning, name)
	}

	twiml, err := callsystem.ConferenceTwiML(name, callsystem.ConferenceOptions{
		Label:          callsystem.LabelParticipant,
		StartOnEnter:   true,
		EndOnExit:      true,
		StatusCallback: s.cfg.Server.PublicURL + PathConferenceEvents,
	})
	if err != nil {
		return "", err
	}

	s.calls.SetConference(tc.CallSID, name)

	ctx, cancel := s.restContext()
	defer cancel()
	if err := s.calls.Redirect(ctx, tc.CallSID, twiml); err != nil {
		s.calls.SetConference(tc.CallSID, "")
		return "", fmt.Errorf("add operator %s to %s: %w", tc.CallSID, name, err)
	}
	return name, nil
}
