package transport

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Media Stream event names.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventMark      = "mark"
	EventStop      = "stop"
	EventDTMF      = "dtmf"
	EventClear     = "clear"
)

// Frame is one Twilio Media Streams message. Exactly one of the payload
// pointers is set for the event types that carry one.
type Frame struct {
	Event          string        `json:"event"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	StreamSID      string        `json:"streamSid,omitempty"`
	Protocol       string        `json:"protocol,omitempty"`
	Version        string        `json:"version,omitempty"`
	Start          *StartPayload `json:"start,omitempty"`
	Media          *MediaPayload `json:"media,omitempty"`
	Mark           *MarkPayload  `json:"mark,omitempty"`
	Stop           *StopPayload  `json:"stop,omitempty"`
	DTMF           *DTMFPayload  `json:"dtmf,omitempty"`
}

// StartPayload describes the stream and call it belongs to.
type StartPayload struct {
	StreamSID        string            `json:"streamSid"`
	AccountSID       string            `json:"accountSid"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// MediaFormat is the encoding of the stream audio.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// MediaPayload carries one base64 audio chunk.
type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// Audio decodes the payload.
func (m *MediaPayload) Audio() ([]byte, error) {
	return base64.StdEncoding.DecodeString(m.Payload)
}

// MarkPayload names a playback position.
type MarkPayload struct {
	Name string `json:"name"`
}

// StopPayload is sent when the stream ends.
type StopPayload struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

// DTMFPayload is a key press on the caller's keypad.
type DTMFPayload struct {
	Track string `json:"track,omitempty"`
	Digit string `json:"digit"`
}

// ParseFrame decodes a Media Streams message. Frames with an unknown event
// name decode successfully; callers decide whether to ignore them.
func ParseFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode media stream frame: %w", err)
	}
	if f.Event == "" {
		return nil, fmt.Errorf("decode media stream frame: missing event")
	}
	return &f, nil
}

// MediaFrame builds an outbound media frame. payload is already base64.
func MediaFrame(streamSID, payload string) *Frame {
	return &Frame{Event: EventMedia, StreamSID: streamSID, Media: &MediaPayload{Payload: payload}}
}

// MarkFrame builds an outbound mark frame.
func MarkFrame(streamSID, name string) *Frame {
	return &Frame{Event: EventMark, StreamSID: streamSID, Mark: &MarkPayload{Name: name}}
}

// ClearFrame builds a frame that discards audio Twilio has buffered but not
// yet played.
func ClearFrame(streamSID string) *Frame {
	return &Frame{Event: EventClear, StreamSID: streamSID}
}
