package callsystem

import (
	"sort"
	"strings"

	"github.com/twilio/twilio-go/twiml"
)

// Conference participant labels.
const (
	LabelCaller      = "Caller"
	LabelParticipant = "Participant B"
	LabelWaitManager = "Wait Manager"
)

// DefaultHoldMusicURL plays while a caller waits alone in a conference.
const DefaultHoldMusicURL = "https://twimlets.com/holdmusic?Bucket=com.twilio.music.ambient"

// conferenceEvents are the conference callbacks the tracker consumes.
var conferenceEvents = []string{"start", "end", "join", "leave"}

// StreamTwiML answers a call by connecting it to a Media Streams socket.
// params are passed through as custom parameters of the start frame.
func StreamTwiML(streamURL string, params map[string]string) (string, error) {
	stream := twiml.VoiceStream{
		Url: streamURL,
	}
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		stream.InnerElements = append(stream.InnerElements, twiml.VoiceParameter{Name: name, Value: params[name]})
	}
	connect := twiml.VoiceConnect{
		InnerElements: []twiml.Element{stream},
	}
	return twiml.Voice([]twiml.Element{connect})
}

// ConferenceOptions describes how a call enters a conference.
type ConferenceOptions struct {
	Label          string
	StartOnEnter   bool
	EndOnExit      bool
	StatusCallback string
	WaitURL        string
}

// ConferenceTwiML dials the call into the named conference.
func ConferenceTwiML(name string, opts ConferenceOptions) (string, error) {
	waitURL := opts.WaitURL
	if waitURL == "" {
		waitURL = DefaultHoldMusicURL
	}
	conference := twiml.VoiceConference{
		Name:                   name,
		ParticipantLabel:       opts.Label,
		StartConferenceOnEnter: boolString(opts.StartOnEnter),
		EndConferenceOnExit:    boolString(opts.EndOnExit),
		WaitUrl:                waitURL,
	}
	if opts.StatusCallback != "" {
		conference.StatusCallback = opts.StatusCallback
		conference.StatusCallbackEvent = strings.Join(conferenceEvents, " ")
	}
	dial := twiml.VoiceDial{
		InnerElements: []twiml.Element{conference},
	}
	return twiml.Voice([]twiml.Element{dial})
}

// RejectTwiML refuses an inbound call.
func RejectTwiML() (string, error) {
	return twiml.Voice([]twiml.Element{twiml.VoiceReject{}})
}

// SayTwiML speaks a message and hangs up.
func SayTwiML(message string) (string, error) {
	return twiml.Voice([]twiml.Element{twiml.VoiceSay{Message: message}})
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
