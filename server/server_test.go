package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	twilio "github.com/agentplexus/convai-twilio"
	"github.com/agentplexus/convai-twilio/callsystem"
	"github.com/agentplexus/convai-twilio/config"
	"github.com/agentplexus/convai-twilio/convai"
	"github.com/agentplexus/convai-twilio/signature"
	"github.com/agentplexus/convai-twilio/transport"
)

const (
	testPublicURL  = "https://voice.example.com"
	testAuthToken  = "twilio-token"
	testSecret     = "whsec_test"
	warmNumber     = "+15550000002"
	formURLEncoded = "application/x-www-form-urlencoded"
)

type restRequest struct {
	Path string
	Form url.Values
}

// fakeTwilio records REST calls and hands out sequential call sids.
type fakeTwilio struct {
	srv *httptest.Server

	mu   sync.Mutex
	reqs []restRequest
}

func newFakeTwilio(t *testing.T) *fakeTwilio {
	t.Helper()
	f := &fakeTwilio{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		f.mu.Lock()
		f.reqs = append(f.reqs, restRequest{Path: r.URL.Path, Form: r.PostForm})
		n := len(f.reqs)
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"sid":"CA_rest%d","status":"queued"}`, n)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeTwilio) requests() []restRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]restRequest(nil), f.reqs...)
}

func (f *fakeTwilio) callsPlaced() int {
	n := 0
	for _, r := range f.requests() {
		if strings.HasSuffix(r.Path, "/Calls.json") {
			n++
		}
	}
	return n
}

type testOpts struct {
	callerNumber string
	agentURL     string
}

func newTestServer(t *testing.T, rest *fakeTwilio, o testOpts) *Server {
	t.Helper()
	agentURL := o.agentURL
	if agentURL == "" {
		agentURL = "wss://agent.invalid/ws"
	}
	yaml := fmt.Sprintf(`
server:
  public_url: %q
twilio:
  account_sid: AC123
  auth_token: %q
  api_base_url: %q
elevenlabs:
  webhook_secret: %q
agents:
  assessment:
    agent_id: agent_assess
    signed_url: %q
  warm_transfer:
    agent_id: agent_warm
    signed_url: %q
    phone_number: %q
  wait_management:
    agent_id: agent_wait
    signed_url: %q
    phone_number: "+15550000003"
transfer:
  assessment_agent: assessment
  warm_transfer_agent: warm_transfer
  wait_management_agent: wait_management
  caller_number: %q
  target_number: "+15559999999"
  max_retries: 1
bridge:
  close_grace: "200ms"
`, testPublicURL, testAuthToken, rest.srv.URL, testSecret, agentURL, agentURL, warmNumber, agentURL, o.callerNumber)

	cfg, err := config.Parse([]byte(yaml))
	require.NoError(t, err)

	s, err := New(cfg, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func signedForm(t *testing.T, path string, form url.Values) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", formURLEncoded)
	req.Header.Set(twilio.TwilioSignatureHeader,
		signature.SignTelephony(testAuthToken, testPublicURL+path, http.MethodPost, formURLEncoded, form))
	return req
}

func signedPostCall(t *testing.T, agentID, conversationID string) *http.Request {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"type":            "post_call_transcription",
		"event_timestamp": time.Now().Unix(),
		"data": map[string]any{
			"agent_id":        agentID,
			"conversation_id": conversationID,
			"status":          "done",
			"analysis":        map[string]any{"transcript_summary": "wants to talk to sales"},
		},
	})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, PathPostCall, strings.NewReader(string(body)))
	req.Header.Set(twilio.ElevenLabsSignatureHeader, signature.SignPlatform(testSecret, body, time.Now()))
	return req
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, newFakeTwilio(t), testOpts{})
	rec := serve(s, httptest.NewRequest(http.MethodGet, PathHealth, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestInboundCall_RequiresSignature(t *testing.T) {
	s := newTestServer(t, newFakeTwilio(t), testOpts{})

	form := url.Values{"CallSid": {"CA1"}, "From": {"+15551111111"}}
	req := httptest.NewRequest(http.MethodPost, PathInboundCall, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", formURLEncoded)
	assert.Equal(t, http.StatusBadRequest, serve(s, req).Code)

	req = signedForm(t, PathInboundCall, form)
	req.Header.Set(twilio.TwilioSignatureHeader, signature.SignTelephony("wrong", testPublicURL+PathInboundCall, http.MethodPost, formURLEncoded, form))
	assert.Equal(t, http.StatusUnauthorized, serve(s, req).Code)
}

func TestInboundCall_AnswersWithAssessmentStream(t *testing.T) {
	s := newTestServer(t, newFakeTwilio(t), testOpts{})

	rec := serve(s, signedForm(t, PathInboundCall, url.Values{
		"CallSid": {"CA1"}, "From": {"+15551111111"}, "To": {"+15550000001"},
	}))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/xml", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `url="wss://voice.example.com/ws/assessment"`)

	call, ok := s.calls.GetCall("CA1")
	require.True(t, ok)
	assert.Equal(t, callsystem.Inbound, call.Direction)
}

func TestInboundCall_RejectsUnknownCaller(t *testing.T) {
	s := newTestServer(t, newFakeTwilio(t), testOpts{callerNumber: "+15551111111"})

	rec := serve(s, signedForm(t, PathInboundCall, url.Values{"CallSid": {"CA1"}, "From": {"+15552222222"}}))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<Reject")

	rec = serve(s, signedForm(t, PathInboundCall, url.Values{"CallSid": {"CA2"}, "From": {"+15551111111"}}))
	assert.Contains(t, rec.Body.String(), "/ws/assessment")
}

func TestInboundCall_RoutesWaitManager(t *testing.T) {
	s := newTestServer(t, newFakeTwilio(t), testOpts{callerNumber: "+15551111111"})

	// nothing queued
	rec := serve(s, signedForm(t, PathInboundCall, url.Values{"CallSid": {"CA_wm0"}, "From": {warmNumber}}))
	assert.Contains(t, rec.Body.String(), "<Say")
	assert.NotContains(t, rec.Body.String(), "<Stream")

	s.notify.Push(callsystem.TransferRecord{ConferenceName: "Conf_c1", Summary: "needs a callback"})
	rec = serve(s, signedForm(t, PathInboundCall, url.Values{"CallSid": {"CA_wm1"}, "From": {warmNumber}}))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `url="wss://voice.example.com/ws/wait_management"`)
	assert.Zero(t, s.notify.Len())

	data, ok := s.pending.Take("CA_wm1")
	require.True(t, ok)
	assert.Equal(t, "Conf_c1", data.DynamicVariables["conf_name"])
	assert.Equal(t, "needs a callback", data.DynamicVariables["summary"])
}

func TestPostCall_Signature(t *testing.T) {
	rest := newFakeTwilio(t)
	s := newTestServer(t, rest, testOpts{})

	req := signedPostCall(t, "agent_assess", "c1")
	req.Header.Set(twilio.ElevenLabsSignatureHeader, "t=1,v0=00")
	assert.Equal(t, http.StatusForbidden, serve(s, req).Code)

	req = signedPostCall(t, "agent_assess", "c1")
	req.Header.Del(twilio.ElevenLabsSignatureHeader)
	assert.Equal(t, http.StatusBadRequest, serve(s, req).Code)

	assert.Zero(t, rest.callsPlaced())
}

func TestPostCall_StartsTransfer(t *testing.T) {
	rest := newFakeTwilio(t)
	s := newTestServer(t, rest, testOpts{})
	s.conferences.Add("Conf_c1", "CA_caller")

	rec := serve(s, signedPostCall(t, "agent_assess", "c1"))
	require.Equal(t, http.StatusOK, rec.Code)

	reqs := rest.requests()
	require.Len(t, reqs, 1)
	form := reqs[0].Form
	assert.Equal(t, "+15559999999", form.Get("To"))
	assert.Equal(t, warmNumber, form.Get("From"))
	assert.Equal(t, testPublicURL+PathCallEvents, form.Get("StatusCallback"))
	assert.Equal(t, testPublicURL+PathAMD, form.Get("AsyncAmdStatusCallback"))
	assert.Equal(t, "15", form.Get("Timeout"))
	assert.Contains(t, form.Get("Twiml"), "wss://voice.example.com/ws/warm_transfer")

	transfers := s.Transfers()
	require.Len(t, transfers, 1)
	assert.Equal(t, "CA_rest1", transfers[0].CallSID)
	assert.Equal(t, callsystem.TransferDialing, transfers[0].State)

	data, ok := s.pending.Take("CA_rest1")
	require.True(t, ok)
	assert.Equal(t, "wants to talk to sales", data.DynamicVariables["summary"])
}

func TestPostCall_OtherAgentIgnored(t *testing.T) {
	rest := newFakeTwilio(t)
	s := newTestServer(t, rest, testOpts{})
	s.conferences.Add("Conf_c1", "CA_caller")

	rec := serve(s, signedPostCall(t, "agent_other", "c1"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, rest.callsPlaced())
}

func TestTransferRetryAndAbandon(t *testing.T) {
	rest := newFakeTwilio(t)
	s := newTestServer(t, rest, testOpts{})
	s.conferences.Add("Conf_c1", "CA_caller")

	serve(s, signedPostCall(t, "agent_assess", "c1"))
	require.Equal(t, 1, rest.callsPlaced())

	// first leg is picked up by voicemail
	rec := serve(s, signedForm(t, PathAMD, url.Values{"CallSid": {"CA_rest1"}, "AnsweredBy": {"machine_start"}}))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, rest.callsPlaced())

	transfers := s.Transfers()
	require.Len(t, transfers, 1)
	retrySID := transfers[0].CallSID
	assert.Equal(t, 1, transfers[0].RetryCount)

	// the retry is not answered either, and retries are exhausted
	serve(s, signedForm(t, PathCallEvents, url.Values{"CallSid": {retrySID}, "CallStatus": {"no-answer"}}))
	assert.Empty(t, s.Transfers())
	assert.Equal(t, 2, rest.callsPlaced())
	assert.Equal(t, 1, s.notify.Len())

	var participants int
	for _, r := range rest.requests() {
		if strings.HasSuffix(r.Path, "/Conferences/Conf_c1/Participants.json") {
			participants++
			assert.Equal(t, "+15550000003", r.Form.Get("To"))
			assert.Equal(t, callsystem.LabelWaitManager, r.Form.Get("Label"))
		}
	}
	assert.Equal(t, 1, participants)
}

func TestConferenceEvents(t *testing.T) {
	s := newTestServer(t, newFakeTwilio(t), testOpts{})
	s.conferences.Add("Conf_c1", "CA_caller")

	serve(s, signedForm(t, PathConferenceEvents, url.Values{
		"StatusCallbackEvent": {"participant-join"},
		"FriendlyName":        {"Conf_c1"},
		"ConferenceSid":       {"CF1"},
		"CallSid":             {"CA_caller"},
		"ParticipantLabel":    {"Caller"},
		"Timestamp":           {"Wed, 14 Oct 2026 10:00:00 +0000"},
	}))
	conf, ok := s.conferences.Get("Conf_c1")
	require.True(t, ok)
	assert.Equal(t, "CF1", conf.SID)
	require.Contains(t, conf.Participants, "CA_caller")
	assert.Equal(t, 2026, conf.Participants["CA_caller"].JoinedAt.Year())

	serve(s, signedForm(t, PathConferenceEvents, url.Values{
		"StatusCallbackEvent": {"participant-leave"},
		"FriendlyName":        {"Conf_c1"},
		"CallSid":             {"CA_caller"},
		"ParticipantLabel":    {"Caller"},
	}))
	assert.False(t, s.conferences.CallerPresent("Conf_c1"))
}

// streamSignature signs a Media Streams upgrade the way Twilio does: the
// public socket URL with no parameters.
func streamSignature(s *Server, path string) http.Header {
	h := http.Header{}
	h.Set(twilio.TwilioSignatureHeader,
		signature.SignTelephony(testAuthToken, s.cfg.Server.PublicWSURL+path, http.MethodGet, "", nil))
	return h
}

func TestStream_UnknownAgent(t *testing.T) {
	s := newTestServer(t, newFakeTwilio(t), testOpts{})
	req := httptest.NewRequest(http.MethodGet, "/ws/nobody", nil)
	req.Header = streamSignature(s, "/ws/nobody")
	rec := serve(s, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStream_RequiresSignature(t *testing.T) {
	s := newTestServer(t, newFakeTwilio(t), testOpts{})
	s.pending.Put("CA_forged", convai.NewInitiationData(map[string]any{"summary": "secret"}))

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/ws/warm_transfer", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/ws/warm_transfer", nil)
	req.Header = streamSignature(s, "/ws/assessment")
	rec = serve(s, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	data, ok := s.pending.Take("CA_forged")
	require.True(t, ok)
	assert.Equal(t, "secret", data.DynamicVariables["summary"])
}

// toolSession records tool results sent back to the agent.
type toolSession struct {
	transport.AgentSession

	mu      sync.Mutex
	results []convai.ToolResult
}

func (s *toolSession) SendToolResult(r convai.ToolResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
	return nil
}

func (s *toolSession) last(t *testing.T) convai.ToolResult {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.results)
	return s.results[len(s.results)-1]
}

func toolCall(session transport.AgentSession, callSID, conversationID, name, params string) transport.ToolCall {
	return transport.ToolCall{
		CallSID:        callSID,
		ConversationID: conversationID,
		Session:        session,
		Call: &convai.ClientToolCallEvent{
			ToolName:   name,
			ToolCallID: "tc_" + name,
			Parameters: json.RawMessage(params),
		},
	}
}

func TestTool_PutCallerInConference(t *testing.T) {
	rest := newFakeTwilio(t)
	s := newTestServer(t, rest, testOpts{})
	session := &toolSession{}

	s.handleTool(toolCall(session, "CA_caller", "c1", ToolPutCallerInConference, `{}`))

	res := session.last(t)
	assert.False(t, res.IsError)
	assert.Equal(t, "Conf_c1", res.Result)

	reqs := rest.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/Accounts/AC123/Calls/CA_caller.json", reqs[0].Path)
	twiml := reqs[0].Form.Get("Twiml")
	assert.Contains(t, twiml, ">Conf_c1</Conference>")
	assert.Contains(t, twiml, `participantLabel="Caller"`)

	caller, ok := s.conferences.CallerCallSID("Conf_c1")
	require.True(t, ok)
	assert.Equal(t, "CA_caller", caller)
}

func TestTool_PutHumanOperatorInConference(t *testing.T) {
	rest := newFakeTwilio(t)
	s := newTestServer(t, rest, testOpts{})
	session := &toolSession{}

	// the caller's conference is gone
	s.handleTool(toolCall(session, "CA_op", "c2", ToolPutHumanOperatorInConference, `{"conference_friendly_name":"\"Conf_c1\""}`))
	assert.True(t, session.last(t).IsError)
	assert.Empty(t, rest.requests())

	s.conferences.Add("Conf_c1", "CA_caller")
	s.handleTool(toolCall(session, "CA_op", "c2", ToolPutHumanOperatorInConference, `{"conference_friendly_name":"\"Conf_c1\""}`))
	res := session.last(t)
	assert.False(t, res.IsError)

	reqs := rest.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/Accounts/AC123/Calls/CA_op.json", reqs[0].Path)
	assert.Contains(t, reqs[0].Form.Get("Twiml"), `participantLabel="Participant B"`)
	assert.Contains(t, reqs[0].Form.Get("Twiml"), `startConferenceOnEnter="true"`)
}

func TestTool_Errors(t *testing.T) {
	s := newTestServer(t, newFakeTwilio(t), testOpts{})

	tests := []struct {
		name string
		call transport.ToolCall
	}{
		{"unknown tool", toolCall(nil, "CA1", "c1", "launch_rockets", `{}`)},
		{"no conversation", toolCall(nil, "CA1", "", ToolPutCallerInConference, `{}`)},
		{"no conference name", toolCall(nil, "CA1", "c1", ToolPutHumanOperatorInConference, `{}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session := &toolSession{}
			tt.call.Session = session
			s.handleTool(tt.call)
			assert.True(t, session.last(t).IsError)
		})
	}
}

// fakeAgentServer accepts one agent session, announces the conversation and
// speaks a single audio chunk.
func fakeAgentServer(t *testing.T, gotInit chan<- map[string]any) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		var init map[string]any
		if err := ws.ReadJSON(&init); err != nil {
			return
		}
		gotInit <- init

		_ = ws.WriteJSON(map[string]any{
			"type": "conversation_initiation_metadata",
			"conversation_initiation_metadata_event": map[string]any{"conversation_id": "conv_e2e"},
		})
		_ = ws.WriteJSON(map[string]any{
			"type":        "audio",
			"audio_event": map[string]any{"audio_base_64": "AAEC", "event_id": 1},
		})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStream_BridgesToAgent(t *testing.T) {
	gotInit := make(chan map[string]any, 1)
	agent := fakeAgentServer(t, gotInit)

	s := newTestServer(t, newFakeTwilio(t), testOpts{agentURL: "ws" + strings.TrimPrefix(agent.URL, "http")})
	s.pending.Put("CA_e2e", convai.NewInitiationData(map[string]any{"summary": "hello"}))

	front := httptest.NewServer(s.Handler())
	t.Cleanup(front.Close)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(front.URL, "http")+"/ws/warm_transfer",
		streamSignature(s, "/ws/warm_transfer"))
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(map[string]any{"event": "connected", "protocol": "Call", "version": "1.0.0"}))
	require.NoError(t, ws.WriteJSON(map[string]any{
		"event":     "start",
		"streamSid": "MZ_e2e",
		"start": map[string]any{
			"streamSid": "MZ_e2e",
			"callSid":   "CA_e2e",
			"tracks":    []string{"inbound"},
		},
	}))

	select {
	case init := <-gotInit:
		assert.Equal(t, "conversation_initiation_client_data", init["type"])
		vars, _ := init["dynamic_variables"].(map[string]any)
		assert.Equal(t, "hello", vars["summary"])
	case <-time.After(5 * time.Second):
		t.Fatal("agent never received initiation data")
	}

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var frame map[string]any
	require.NoError(t, ws.ReadJSON(&frame))
	assert.Equal(t, "media", frame["event"])
	assert.Equal(t, "MZ_e2e", frame["streamSid"])

	call, ok := s.calls.GetCall("CA_e2e")
	require.True(t, ok)
	assert.Equal(t, callsystem.StateInProgress, call.State)

	require.NoError(t, ws.WriteJSON(map[string]any{"event": "stop", "streamSid": "MZ_e2e"}))
	assert.Eventually(t, func() bool { return s.ActiveStreams() == 0 }, 5*time.Second, 20*time.Millisecond)
	assert.Eventually(t, func() bool {
		_, ok := s.calls.GetCall("CA_e2e")
		return !ok
	}, 5*time.Second, 20*time.Millisecond)
}
