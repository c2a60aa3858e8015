package convai

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Server event types.
const (
	TypePing                    = "ping"
	TypeAudio                   = "audio"
	TypeInterruption            = "interruption"
	TypeClientToolCall          = "client_tool_call"
	TypeInitiationMetadata      = "conversation_initiation_metadata"
	TypeUserTranscript          = "user_transcript"
	TypeAgentResponse           = "agent_response"
	TypeAgentResponseCorrection = "agent_response_correction"
	TypeVADScore                = "vad_score"
	TypeTurnProbability         = "turn_probability"
	TypeTentativeAgentResponse  = "internal_tentative_agent_response"
	typeUnexpectedMessage       = "unexpected"
	typeClientToolResult        = "client_tool_result"
	typeContextualUpdate        = "contextual_update"
	typeUserMessage             = "user_message"
	typeUserActivity            = "user_activity"
	typePong                    = "pong"
	typeInitiationClientData    = "conversation_initiation_client_data"
)

// Event is a message received from the agent. Concrete values are one of the
// *Event types in this package.
type Event interface {
	EventType() string
}

// PingEvent asks the client to answer with a pong carrying the same id.
type PingEvent struct {
	EventID int
	PingMs  int
}

// AudioEvent carries one chunk of agent speech.
type AudioEvent struct {
	EventID int
	// Audio is the base64 payload exactly as received.
	Audio string
}

// Bytes decodes the audio payload.
func (e *AudioEvent) Bytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(e.Audio)
}

// InterruptionEvent signals that the user barged in and queued agent audio
// should be discarded.
type InterruptionEvent struct {
	EventID int
	Reason  string
}

// ClientToolCallEvent asks the client to run a tool and answer with a result.
type ClientToolCallEvent struct {
	ToolName   string
	ToolCallID string
	Parameters json.RawMessage
}

// Param returns a top-level string parameter, or "" if absent.
func (e *ClientToolCallEvent) Param(name string) string {
	var params map[string]any
	if err := json.Unmarshal(e.Parameters, &params); err != nil {
		return ""
	}
	switch v := params[name].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// InitiationMetadataEvent is the first event of a conversation.
type InitiationMetadataEvent struct {
	ConversationID         string
	AgentOutputAudioFormat string
	UserInputAudioFormat   string
}

// UserTranscriptEvent is the recognised text of a user turn.
type UserTranscriptEvent struct {
	Text string
}

// AgentResponseEvent is the text of an agent turn.
type AgentResponseEvent struct {
	Text string
}

// AgentResponseCorrectionEvent replaces a truncated agent response after an
// interruption.
type AgentResponseCorrectionEvent struct {
	Original  string
	Corrected string
}

// VADScoreEvent reports voice activity detection.
type VADScoreEvent struct {
	Score float64
}

// TurnProbabilityEvent reports how likely the user has finished speaking.
type TurnProbabilityEvent struct {
	EventID     int
	Probability float64
}

// TentativeAgentResponseEvent is a partial agent response.
type TentativeAgentResponseEvent struct {
	Text string
}

// UnknownEvent is a well-formed message whose type this package does not
// model. It is forwarded rather than failing the stream.
type UnknownEvent struct {
	Type string
	Raw  json.RawMessage
}

// UnexpectedEvent reports a frame that could not be decoded at all. The
// stream keeps going after it.
type UnexpectedEvent struct {
	Err error
}

func (*PingEvent) EventType() string                    { return TypePing }
func (*AudioEvent) EventType() string                   { return TypeAudio }
func (*InterruptionEvent) EventType() string            { return TypeInterruption }
func (*ClientToolCallEvent) EventType() string          { return TypeClientToolCall }
func (*InitiationMetadataEvent) EventType() string      { return TypeInitiationMetadata }
func (*UserTranscriptEvent) EventType() string          { return TypeUserTranscript }
func (*AgentResponseEvent) EventType() string           { return TypeAgentResponse }
func (*AgentResponseCorrectionEvent) EventType() string { return TypeAgentResponseCorrection }
func (*VADScoreEvent) EventType() string                { return TypeVADScore }
func (*TurnProbabilityEvent) EventType() string         { return TypeTurnProbability }
func (*TentativeAgentResponseEvent) EventType() string  { return TypeTentativeAgentResponse }
func (e *UnknownEvent) EventType() string               { return e.Type }
func (*UnexpectedEvent) EventType() string              { return typeUnexpectedMessage }

// serverEnvelope is the wire shape of every server message: a discriminant
// plus one populated "<type>_event" body.
type serverEnvelope struct {
	Type string `json:"type"`

	Ping *struct {
		EventID int `json:"event_id"`
		PingMs  int `json:"ping_ms"`
	} `json:"ping_event"`

	Audio *struct {
		Audio   string `json:"audio_base_64"`
		EventID int    `json:"event_id"`
	} `json:"audio_event"`

	Interruption *struct {
		EventID int    `json:"event_id"`
		Reason  string `json:"reason"`
	} `json:"interruption_event"`

	ToolCall *struct {
		ToolName   string          `json:"tool_name"`
		ToolCallID string          `json:"tool_call_id"`
		Parameters json.RawMessage `json:"parameters"`
	} `json:"client_tool_call"`

	Metadata *struct {
		ConversationID         string `json:"conversation_id"`
		AgentOutputAudioFormat string `json:"agent_output_audio_format"`
		UserInputAudioFormat   string `json:"user_input_audio_format"`
	} `json:"conversation_initiation_metadata_event"`

	UserTranscript *struct {
		Text string `json:"user_transcript"`
	} `json:"user_transcription_event"`

	AgentResponse *struct {
		Text string `json:"agent_response"`
	} `json:"agent_response_event"`

	Correction *struct {
		Original  string `json:"original_agent_response"`
		Corrected string `json:"corrected_agent_response"`
	} `json:"agent_response_correction_event"`

	VAD *struct {
		Score float64 `json:"vad_score"`
	} `json:"vad_score_event"`

	Turn *struct {
		EventID     int     `json:"event_id"`
		Probability float64 `json:"turn_probability"`
	} `json:"turn_probability_event"`

	Tentative *struct {
		Text string `json:"tentative_agent_response"`
	} `json:"tentative_agent_response_internal_event"`
}

// ParseEvent decodes one text frame from the agent. A ping without its body
// cannot be answered and decodes to an *UnexpectedEvent. Any other frame with
// a known type but a missing body, or with an unmodelled type, decodes to an
// *UnknownEvent. Only malformed JSON is an error.
func ParseEvent(data []byte) (Event, error) {
	var env serverEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode agent event: %w", err)
	}

	switch {
	case env.Type == TypePing:
		if env.Ping == nil {
			return &UnexpectedEvent{Err: fmt.Errorf("%w: ping without ping_event", ErrUnexpectedMessageType)}, nil
		}
		return &PingEvent{EventID: env.Ping.EventID, PingMs: env.Ping.PingMs}, nil
	case env.Type == TypeAudio && env.Audio != nil:
		return &AudioEvent{EventID: env.Audio.EventID, Audio: env.Audio.Audio}, nil
	case env.Type == TypeInterruption:
		ev := &InterruptionEvent{}
		if env.Interruption != nil {
			ev.EventID = env.Interruption.EventID
			ev.Reason = env.Interruption.Reason
		}
		return ev, nil
	case env.Type == TypeClientToolCall && env.ToolCall != nil:
		return &ClientToolCallEvent{
			ToolName:   env.ToolCall.ToolName,
			ToolCallID: env.ToolCall.ToolCallID,
			Parameters: env.ToolCall.Parameters,
		}, nil
	case env.Type == TypeInitiationMetadata && env.Metadata != nil:
		return &InitiationMetadataEvent{
			ConversationID:         env.Metadata.ConversationID,
			AgentOutputAudioFormat: env.Metadata.AgentOutputAudioFormat,
			UserInputAudioFormat:   env.Metadata.UserInputAudioFormat,
		}, nil
	case env.Type == TypeUserTranscript && env.UserTranscript != nil:
		return &UserTranscriptEvent{Text: env.UserTranscript.Text}, nil
	case env.Type == TypeAgentResponse && env.AgentResponse != nil:
		return &AgentResponseEvent{Text: env.AgentResponse.Text}, nil
	case env.Type == TypeAgentResponseCorrection && env.Correction != nil:
		return &AgentResponseCorrectionEvent{
			Original:  env.Correction.Original,
			Corrected: env.Correction.Corrected,
		}, nil
	case env.Type == TypeVADScore && env.VAD != nil:
		return &VADScoreEvent{Score: env.VAD.Score}, nil
	case env.Type == TypeTurnProbability && env.Turn != nil:
		return &TurnProbabilityEvent{EventID: env.Turn.EventID, Probability: env.Turn.Probability}, nil
	case env.Type == TypeTentativeAgentResponse && env.Tentative != nil:
		return &TentativeAgentResponseEvent{Text: env.Tentative.Text}, nil
	}

	raw := make(json.RawMessage, len(data))
	copy(raw, data)
	return &UnknownEvent{Type: env.Type, Raw: raw}, nil
}

// Client frames.

type pongFrame struct {
	Type    string `json:"type"`
	EventID int    `json:"event_id"`
}

type userAudioFrame struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}

type textFrame struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToolResult answers a ClientToolCallEvent.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Result     string `json:"result"`
	IsError    bool   `json:"is_error"`
}

// ToolError builds an error result for a tool call.
func ToolError(toolCallID string, err error) ToolResult {
	return ToolResult{ToolCallID: toolCallID, Result: err.Error(), IsError: true}
}

func (r ToolResult) MarshalJSON() ([]byte, error) {
	type wire ToolResult
	return json.Marshal(struct {
		Type string `json:"type"`
		wire
	}{typeClientToolResult, wire(r)})
}

// InitiationData is sent as the first frame of a conversation to override
// agent settings and fill dynamic variables.
type InitiationData struct {
	Override         *ConfigOverride `json:"conversation_config_override,omitempty"`
	CustomLLMExtra   *LLMExtraBody   `json:"custom_llm_extra_body,omitempty"`
	DynamicVariables map[string]any  `json:"dynamic_variables,omitempty"`
}

// ConfigOverride overrides parts of the agent configuration for one
// conversation.
type ConfigOverride struct {
	Agent *AgentOverride `json:"agent,omitempty"`
	TTS   *TTSOverride   `json:"tts,omitempty"`
}

// AgentOverride overrides agent behaviour.
type AgentOverride struct {
	Prompt       *PromptOverride `json:"prompt,omitempty"`
	FirstMessage string          `json:"first_message,omitempty"`
	Language     string          `json:"language,omitempty"`
}

// PromptOverride replaces the system prompt.
type PromptOverride struct {
	Prompt string `json:"prompt,omitempty"`
}

// TTSOverride selects a different voice.
type TTSOverride struct {
	VoiceID string `json:"voice_id,omitempty"`
}

// LLMExtraBody is passed through to a custom LLM.
type LLMExtraBody struct {
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
}

// NewInitiationData returns initiation data carrying only dynamic variables.
func NewInitiationData(vars map[string]any) *InitiationData {
	return &InitiationData{DynamicVariables: vars}
}

func (d InitiationData) MarshalJSON() ([]byte, error) {
	type wire InitiationData
	return json.Marshal(struct {
		Type string `json:"type"`
		wire
	}{typeInitiationClientData, wire(d)})
}
