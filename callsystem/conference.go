package callsystem

import (
	"log/slog"
	"sync"
	"time"

	twilio "github.com/agentplexus/convai-twilio"
)

// ConferenceEvent is one conference status callback.
type ConferenceEvent struct {
	Type          string // conference-start, participant-join, ...
	FriendlyName  string
	ConferenceSID string
	CallSID       string
	Label         string
	Timestamp     time.Time
}

// Participant is a call in a conference.
type Participant struct {
	CallSID  string
	Label    string
	JoinedAt time.Time
	LeftAt   time.Time
}

// Conference is the last known state of a conference.
type Conference struct {
	Name          string
	SID           string
	CallerCallSID string
	Started       bool
	Participants  map[string]Participant
}

// Conferences tracks conference membership from status callbacks. It is safe
// for concurrent use.
type Conferences struct {
	logger *slog.Logger
	now    func() time.Time

	mu          sync.RWMutex
	conferences map[string]*Conference
}

// NewConferences creates an empty tracker.
func NewConferences(logger *slog.Logger) *Conferences {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conferences{
		logger:      logger,
		now:         time.Now,
		conferences: make(map[string]*Conference),
	}
}

// Add registers a conference the caller is being moved into.
func (c *Conferences) Add(name, callerCallSID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conf, ok := c.conferences[name]
	if !ok {
		conf = &Conference{Name: name, Participants: make(map[string]Participant)}
		c.conferences[name] = conf
	}
	conf.CallerCallSID = callerCallSID
}

// Apply updates the tracker with a status callback. The conference is
// forgotten when it ends or when the caller leaves it.
func (c *Conferences) Apply(ev ConferenceEvent) {
	at := ev.Timestamp
	if at.IsZero() {
		at = c.now()
	}
	logger := c.logger.With("conference", ev.FriendlyName, "event", ev.Type, "call_sid", ev.CallSID)

	c.mu.Lock()
	defer c.mu.Unlock()

	conf, ok := c.conferences[ev.FriendlyName]

	switch ev.Type {
	case twilio.ConferenceEventStart:
		if !ok {
			conf = &Conference{Name: ev.FriendlyName, Participants: make(map[string]Participant)}
			c.conferences[ev.FriendlyName] = conf
		}
		conf.SID = ev.ConferenceSID
		conf.Started = true
		logger.Info("conference started")

	case twilio.ConferenceEventParticipantJoin:
		if !ok {
			logger.Warn("join for untracked conference")
			return
		}
		if ev.ConferenceSID != "" {
			conf.SID = ev.ConferenceSID
		}
		conf.Participants[ev.CallSID] = Participant{CallSID: ev.CallSID, Label: ev.Label, JoinedAt: at}
		if ev.Label == LabelCaller && conf.CallerCallSID == "" {
			conf.CallerCallSID = ev.CallSID
		}
		logger.Info("participant joined", "label", ev.Label)

	case twilio.ConferenceEventParticipantLeave:
		if !ok {
			return
		}
		if p, seen := conf.Participants[ev.CallSID]; seen {
			p.LeftAt = at
			conf.Participants[ev.CallSID] = p
		}
		if ev.CallSID == conf.CallerCallSID || ev.Label == LabelCaller {
			delete(c.conferences, ev.FriendlyName)
			logger.Info("caller left conference")
			return
		}
		logger.Info("participant left", "label", ev.Label)

	case twilio.ConferenceEventEnd:
		delete(c.conferences, ev.FriendlyName)
		logger.Info("conference ended")

	default:
		logger.Debug("unhandled conference event")
	}
}

// Get returns a copy of the named conference.
func (c *Conferences) Get(name string) (Conference, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	conf, ok := c.conferences[name]
	if !ok {
		return Conference{}, false
	}
	out := *conf
	out.Participants = make(map[string]Participant, len(conf.Participants))
	for k, v := range conf.Participants {
		out.Participants[k] = v
	}
	return out, true
}

// CallerPresent reports whether the caller is still in the named conference.
func (c *Conferences) CallerPresent(name string) bool {
	_, ok := c.CallerCallSID(name)
	return ok
}

// CallerCallSID returns the caller's call sid for a tracked conference.
func (c *Conferences) CallerCallSID(name string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	conf, ok := c.conferences[name]
	if !ok || conf.CallerCallSID == "" {
		return "", false
	}
	return conf.CallerCallSID, true
}

// Remove forgets a conference.
func (c *Conferences) Remove(name string) {
	c.mu.Lock()
	delete(c.conferences, name)
	c.mu.Unlock()
}

// Len returns the number of tracked conferences.
func (c *Conferences) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.conferences)
}
