package callsystem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	twilio "github.com/agentplexus/convai-twilio"
	"github.com/agentplexus/convai-twilio/convai"
)

var (
	// ErrCallerLeft means the caller is no longer in the transfer conference.
	ErrCallerLeft = errors.New("callsystem: caller left the conference")

	// ErrMaxRetries means the transfer was abandoned after its last attempt.
	ErrMaxRetries = errors.New("callsystem: max transfer retries reached")

	// ErrUnknownTransfer is returned for callbacks about calls that are not
	// part of a tracked transfer.
	ErrUnknownTransfer = errors.New("callsystem: call is not part of a tracked transfer")
)

// TransferState is the position of a transfer in its state machine.
type TransferState string

// Transfer states.
const (
	TransferIdle            TransferState = "idle"
	TransferDialing         TransferState = "dialing"
	TransferRinging         TransferState = "ringing"
	TransferMachineDetected TransferState = "machine_detected"
	TransferAnswered        TransferState = "answered"
	TransferRetryScheduled  TransferState = "retry_scheduled"
	TransferSucceeded       TransferState = "succeeded"
	TransferAborted         TransferState = "aborted"
	TransferAbandoned       TransferState = "abandoned"
)

// TransferRecord is the state of one warm transfer, keyed by the sid of its
// current outbound leg.
type TransferRecord struct {
	CallSID        string
	ConversationID string
	ConferenceName string
	CallerCallSID  string
	RetryCount     int
	MaxRetries     int
	From           string
	To             string
	Summary        string
	State          TransferState
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// InitiationData briefs the agent on the receiving end of the transfer.
func (r TransferRecord) InitiationData() *convai.InitiationData {
	return convai.NewInitiationData(map[string]any{
		"summary":   r.Summary,
		"conf_name": r.ConferenceName,
	})
}

// Transition is reported for every state change.
type Transition struct {
	Record TransferRecord
	From   TransferState
	To     TransferState
	Reason string
}

// PostCallEvent is the platform webhook sent when a conversation ends.
type PostCallEvent struct {
	Type           string       `json:"type"`
	EventTimestamp int64        `json:"event_timestamp"`
	Data           PostCallData `json:"data"`
}

// PostCallData is the payload of a PostCallEvent.
type PostCallData struct {
	AgentID        string `json:"agent_id"`
	ConversationID string `json:"conversation_id"`
	Status         string `json:"status"`
	Analysis       struct {
		TranscriptSummary string `json:"transcript_summary"`
	} `json:"analysis"`
}

// DefaultSummary briefs the transfer agent when the conversation produced no
// summary.
const DefaultSummary = "No summary available."

// ConferenceName derives the transfer conference from a conversation id.
func ConferenceName(conversationID string) string {
	return "Conf_" + conversationID
}

// TransferConfig describes where transfers go.
type TransferConfig struct {
	// AssessmentAgentID is the only agent whose conversations are transferred.
	AssessmentAgentID string
	// From is the number transfer calls are placed from.
	From string
	// To is the human operator's number.
	To string
	// WaitManagerNumber is dialled into the conference when a transfer is
	// abandoned. Empty disables the wait manager.
	WaitManagerNumber string
	// StreamURL is where the operator leg's audio is streamed.
	StreamURL             string
	StatusCallbackURL     string
	AMDCallbackURL        string
	ConferenceCallbackURL string
	MaxRetries            int
	RingTimeout           time.Duration
}

// Orchestrator places warm transfer calls and retries them on no-answer.
// It is safe for concurrent use; no lock is held across REST calls.
type Orchestrator struct {
	cfg          TransferConfig
	placer       CallPlacer
	conferences  *Conferences
	pending      *convai.PendingInitiations
	notify       *NotifyQueue
	logger       *slog.Logger
	onTransition func(Transition)
	now          func() time.Time

	mu      sync.Mutex
	records map[string]*TransferRecord
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithTransitionHook is called synchronously for every state change.
func WithTransitionHook(fn func(Transition)) OrchestratorOption {
	return func(o *Orchestrator) {
		o.onTransition = fn
	}
}

// WithOrchestratorLogger sets the logger.
func WithOrchestratorLogger(logger *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(cfg TransferConfig, placer CallPlacer, conferences *Conferences,
	pending *convai.PendingInitiations, notify *NotifyQueue, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		cfg:         cfg,
		placer:      placer,
		conferences: conferences,
		pending:     pending,
		notify:      notify,
		logger:      slog.Default(),
		now:         time.Now,
		records:     make(map[string]*TransferRecord),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// HandlePostCall starts a transfer for a finished assessment conversation.
// Events from other agents are ignored.
func (o *Orchestrator) HandlePostCall(ctx context.Context, ev PostCallEvent) error {
	if ev.Data.AgentID != o.cfg.AssessmentAgentID {
		o.logger.Debug("ignoring post-call event for other agent", "agent_id", ev.Data.AgentID)
		return nil
	}

	conference := ConferenceName(ev.Data.ConversationID)
	logger := o.logger.With("conversation_id", ev.Data.ConversationID, "conference", conference)

	callerSID, ok := o.conferences.CallerCallSID(conference)
	if !ok {
		logger.Warn("caller not in conference, not transferring")
		return ErrCallerLeft
	}

	summary := ev.Data.Analysis.TranscriptSummary
	if summary == "" {
		logger.Warn("no summary in post-call event")
		summary = DefaultSummary
	}

	now := o.now()
	rec := &TransferRecord{
		ConversationID: ev.Data.ConversationID,
		ConferenceName: conference,
		CallerCallSID:  callerSID,
		MaxRetries:     o.cfg.MaxRetries,
		From:           o.cfg.From,
		To:             o.cfg.To,
		Summary:        summary,
		State:          TransferIdle,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := o.dial(ctx, rec, "post-call summary received"); err != nil {
		logger.Error("failed to place transfer call", "error", err)
		return err
	}
	return nil
}

// HandleStatus applies a call status callback for a transfer leg.
func (o *Orchestrator) HandleStatus(ctx context.Context, callSID string, status twilio.CallStatus) error {
	switch {
	case status.IsNoAnswer():
		return o.retry(ctx, callSID, status)

	case status == twilio.CallStatusInProgress:
		return o.update(callSID, func(rec *TransferRecord) (TransferState, string, bool) {
			if rec.State == TransferMachineDetected {
				return "", "", false
			}
			return TransferAnswered, "call answered", false
		})

	case status == twilio.CallStatusRinging:
		return o.update(callSID, func(rec *TransferRecord) (TransferState, string, bool) {
			if rec.State != TransferDialing {
				return "", "", false
			}
			return TransferRinging, "ringing", false
		})

	case status == twilio.CallStatusCompleted:
		return o.update(callSID, func(rec *TransferRecord) (TransferState, string, bool) {
			switch rec.State {
			case TransferMachineDetected:
				// The hangup we issued; the retry owns the record.
				return "", "", false
			case TransferAnswered:
				return TransferSucceeded, "call completed", true
			default:
				return TransferAborted, "call completed before it was answered", true
			}
		})

	case status == twilio.CallStatusCanceled:
		return o.update(callSID, func(rec *TransferRecord) (TransferState, string, bool) {
			return TransferAborted, "call canceled", true
		})
	}
	return nil
}

// HandleAMD applies an answering machine detection result.
func (o *Orchestrator) HandleAMD(ctx context.Context, callSID string, answeredBy twilio.AnsweredBy) error {
	switch answeredBy {
	case twilio.AnsweredByHuman:
		return o.update(callSID, func(rec *TransferRecord) (TransferState, string, bool) {
			return TransferAnswered, "answered by a human", false
		})

	case twilio.AnsweredByMachineStart, twilio.AnsweredByMachineEndBeep,
		twilio.AnsweredByMachineEndSilent, twilio.AnsweredByMachineEndOther, twilio.AnsweredByFax:
		err := o.update(callSID, func(rec *TransferRecord) (TransferState, string, bool) {
			return TransferMachineDetected, "answered by " + string(answeredBy), false
		})
		if err != nil {
			return err
		}
		if err := o.placer.Hangup(ctx, callSID); err != nil {
			o.logger.Error("failed to hang up machine-answered call", "call_sid", callSID, "error", err)
		}
		return o.retry(ctx, callSID, twilio.CallStatusNoAnswer)

	default:
		o.logger.Info("inconclusive machine detection", "call_sid", callSID, "answered_by", answeredBy)
		return nil
	}
}

// Record returns the transfer tracked under callSID.
func (o *Orchestrator) Record(callSID string) (TransferRecord, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.records[callSID]
	if !ok {
		return TransferRecord{}, false
	}
	return *rec, true
}

// Snapshot returns every tracked transfer, oldest first.
func (o *Orchestrator) Snapshot() []TransferRecord {
	o.mu.Lock()
	out := make([]TransferRecord, 0, len(o.records))
	for _, rec := range o.records {
		out = append(out, *rec)
	}
	o.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// update applies fn to a tracked record. fn returns the next state ("" for
// no change) and whether the record is finished and should be dropped.
func (o *Orchestrator) update(callSID string, fn func(rec *TransferRecord) (TransferState, string, bool)) error {
	o.mu.Lock()
	rec, ok := o.records[callSID]
	if !ok {
		o.mu.Unlock()
		o.logger.Warn("callback for untracked transfer call", "call_sid", callSID)
		return ErrUnknownTransfer
	}
	next, reason, done := fn(rec)
	if done {
		delete(o.records, callSID)
	}
	var (
		snapshot TransferRecord
		from     TransferState
		changed  = next != "" && next != rec.State
	)
	if changed {
		from = rec.State
		rec.State = next
		rec.UpdatedAt = o.now()
		snapshot = *rec
	}
	o.mu.Unlock()

	if changed {
		o.report(snapshot, from, reason)
	}
	return nil
}

// retry handles a no-answer outcome. The record is taken out of the map
// while the next call is placed, so late callbacks for the old leg are
// ignored and retry owns it until dial publishes it again.
func (o *Orchestrator) retry(ctx context.Context, callSID string, status twilio.CallStatus) error {
	o.mu.Lock()
	rec, ok := o.records[callSID]
	if ok {
		if rec.State == TransferAnswered {
			o.mu.Unlock()
			return nil
		}
		delete(o.records, callSID)
	}
	o.mu.Unlock()
	if !ok {
		o.logger.Warn("no-answer for untracked transfer call", "call_sid", callSID, "status", status)
		return ErrUnknownTransfer
	}

	if !o.conferences.CallerPresent(rec.ConferenceName) {
		o.transition(rec, TransferAborted, "caller left before the transfer connected")
		return ErrCallerLeft
	}

	if rec.RetryCount >= rec.MaxRetries {
		o.abandon(ctx, rec, string(status))
		return ErrMaxRetries
	}

	rec.RetryCount++
	o.transition(rec, TransferRetryScheduled, string(status))

	reason := fmt.Sprintf("retry %d of %d", rec.RetryCount, rec.MaxRetries)
	if err := o.dial(ctx, rec, reason); err != nil {
		o.logger.Error("failed to place retry call", "conference", rec.ConferenceName, "error", err)
		o.abandon(ctx, rec, "retry call failed")
		return err
	}
	return nil
}

// dial places a call for rec and tracks it under the new sid in the dialing
// state. rec must not be in the map; once dial succeeds it is shared and
// only touched under o.mu.
func (o *Orchestrator) dial(ctx context.Context, rec *TransferRecord, reason string) error {
	twiml, err := StreamTwiML(o.cfg.StreamURL, map[string]string{"conference": rec.ConferenceName})
	if err != nil {
		return fmt.Errorf("build transfer twiml: %w", err)
	}

	sid, err := o.placer.PlaceCall(ctx, OutboundCall{
		To:             rec.To,
		From:           rec.From,
		TwiML:          twiml,
		StatusCallback: o.cfg.StatusCallbackURL,
		AMDCallback:    o.cfg.AMDCallbackURL,
		Timeout:        o.cfg.RingTimeout,
	})
	if err != nil {
		return err
	}

	o.pending.Put(sid, rec.InitiationData())

	o.mu.Lock()
	from := rec.State
	rec.CallSID = sid
	rec.State = TransferDialing
	rec.UpdatedAt = o.now()
	snapshot := *rec
	o.records[sid] = rec
	o.mu.Unlock()

	o.report(snapshot, from, reason)
	return nil
}

// abandon is the single terminal failure path of a transfer.
func (o *Orchestrator) abandon(ctx context.Context, rec *TransferRecord, reason string) {
	o.transition(rec, TransferAbandoned, reason)
	o.notify.Push(*rec)

	if o.cfg.WaitManagerNumber == "" {
		return
	}
	err := o.placer.AddParticipant(ctx, rec.ConferenceName, ParticipantRequest{
		From:                o.cfg.From,
		To:                  o.cfg.WaitManagerNumber,
		Label:               LabelWaitManager,
		Beep:                false,
		EndConferenceOnExit: false,
		StatusCallback:      o.cfg.ConferenceCallbackURL,
	})
	if err != nil {
		o.logger.Error("failed to dial wait manager", "conference", rec.ConferenceName, "error", err)
	}
}

// transition moves a record that is not in the map and reports it.
func (o *Orchestrator) transition(rec *TransferRecord, to TransferState, reason string) {
	from := rec.State
	rec.State = to
	rec.UpdatedAt = o.now()
	o.report(*rec, from, reason)
}

// report logs a state change and runs the hook. rec is a copy.
func (o *Orchestrator) report(rec TransferRecord, from TransferState, reason string) {
	to := rec.State
	attrs := []any{
		"call_sid", rec.CallSID,
		"conference", rec.ConferenceName,
		"from", from,
		"to", to,
		"reason", reason,
		"retry_count", rec.RetryCount,
		"max_retries", rec.MaxRetries,
	}
	switch to {
	case TransferAbandoned:
		o.logger.Error("transfer abandoned", attrs...)
	case TransferAborted:
		o.logger.Warn("transfer aborted", attrs...)
	default:
		o.logger.Info("transfer state changed", attrs...)
	}

	if o.onTransition != nil {
		o.onTransition(Transition{Record: rec, From: from, To: to, Reason: reason})
	}
}

// NotifyQueue holds abandoned transfers waiting for the wait manager to pick
// them up, in FIFO order.
type NotifyQueue struct {
	mu    sync.Mutex
	items []TransferRecord
}

// NewNotifyQueue creates an empty queue.
func NewNotifyQueue() *NotifyQueue {
	return &NotifyQueue{}
}

// Push appends a record.
func (q *NotifyQueue) Push(rec TransferRecord) {
	q.mu.Lock()
	q.items = append(q.items, rec)
	q.mu.Unlock()
}

// Pop removes the oldest record.
func (q *NotifyQueue) Pop() (TransferRecord, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return TransferRecord{}, false
	}
	rec := q.items[0]
	q.items = q.items[1:]
	return rec, true
}

// Len returns the number of queued records.
func (q *NotifyQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
