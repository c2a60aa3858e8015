// Package twilio bridges Twilio phone calls to ElevenLabs conversational AI agents.
//
// The module is organised around a real-time bridge and the webhook plumbing
// that surrounds it:
//   - transport: Twilio Media Streams bridged to an agent WebSocket
//   - convai: agent WebSocket sessions, the agent registry and initiation data
//   - callsystem: call tracking, conference state and warm call transfer
//   - signature: webhook signature verification for both providers
//   - server: the HTTP surface tying everything together
//
// # Environment Variables
//
//	TWILIO_ACCOUNT_SID  - Your Twilio Account SID
//	TWILIO_AUTH_TOKEN   - Your Twilio Auth Token
//	ELEVENLABS_API_KEY  - API key used to request signed agent URLs
//
// # Quick Start
//
//	cfg, _ := config.Load("convai-twilio.yaml")
//	srv, _ := server.New(cfg, server.WithLogger(logger))
//	defer srv.Close()
//	_ = http.ListenAndServe(cfg.Server.Addr, srv.Handler())
package twilio

// Version is the SDK version.
const Version = "0.2.0"

// ProviderName is the name used to identify this provider in logs.
const ProviderName = "twilio"

// Twilio API constants.
const (
	// DefaultAPIBaseURL is the Twilio REST API base URL.
	DefaultAPIBaseURL = "https://api.twilio.com/2010-04-01"
)

// Audio format constants for Media Streams.
const (
	// AudioEncodingMulaw is the μ-law encoding (8-bit, 8kHz).
	AudioEncodingMulaw = "audio/x-mulaw"

	// DefaultSampleRate is the default sample rate for Twilio audio (8kHz).
	DefaultSampleRate = 8000

	// AgentAudioFormat is the agent audio format that matches Media Streams
	// without transcoding.
	AgentAudioFormat = "ulaw_8000"
)

// CallStatus is a Twilio call status as reported by status callbacks.
type CallStatus string

// Call status constants.
const (
	CallStatusQueued     CallStatus = "queued"
	CallStatusInitiated  CallStatus = "initiated"
	CallStatusRinging    CallStatus = "ringing"
	CallStatusInProgress CallStatus = "in-progress"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusBusy       CallStatus = "busy"
	CallStatusFailed     CallStatus = "failed"
	CallStatusNoAnswer   CallStatus = "no-answer"
	CallStatusCanceled   CallStatus = "canceled"
)

// IsNoAnswer reports whether the status is one of the terminal
// "nobody picked up" outcomes that warrant a retry.
func (s CallStatus) IsNoAnswer() bool {
	switch s {
	case CallStatusNoAnswer, CallStatusBusy, CallStatusFailed:
		return true
	}
	return false
}

// AnsweredBy is the answering machine detection result for a call.
type AnsweredBy string

// Answering machine detection results.
const (
	AnsweredByHuman            AnsweredBy = "human"
	AnsweredByMachineStart     AnsweredBy = "machine_start"
	AnsweredByMachineEndBeep   AnsweredBy = "machine_end_beep"
	AnsweredByMachineEndSilent AnsweredBy = "machine_end_silence"
	AnsweredByMachineEndOther  AnsweredBy = "machine_end_other"
	AnsweredByFax              AnsweredBy = "fax"
	AnsweredByUnknown          AnsweredBy = "unknown"
)

// Conference status callback events.
const (
	ConferenceEventStart            = "conference-start"
	ConferenceEventEnd              = "conference-end"
	ConferenceEventParticipantJoin  = "participant-join"
	ConferenceEventParticipantLeave = "participant-leave"
)

// Signature headers.
const (
	// TwilioSignatureHeader carries the base64 HMAC-SHA1 request signature.
	TwilioSignatureHeader = "X-Twilio-Signature"

	// ElevenLabsSignatureHeader carries "t=<unix>,v0=<hex>" for platform webhooks.
	ElevenLabsSignatureHeader = "ElevenLabs-Signature"
)
