package telemetry

import (
	"sync"
	"time"

	logx "msgrouter/pkg/logx"
)

// Machine-readable event codes for undesired provider outcomes.
const (
	EventRemoteError      = "ASR_RS_ERROR"
	EventRemoteNoMessages = "ASR_RS_NO_MESSAGES"
)

// MessageIDNA is the sentinel message id attached to events that are not
// about any particular message.
const MessageIDNA = "n/a"

// Emitter receives the router's telemetry side effects. Implementations must
// never block the request path.
type Emitter interface {
	// UndesiredEvent records a transient failure (network error, empty
	// response) with the offending provider in eventContext.
	UndesiredEvent(event, eventContext, messageID string)

	// ReachEvent records the one-time-per-enrollment exposure signal.
	ReachEvent(slug, branch string)

	// TriggerTiming records how long the targeting oracle took for a request.
	TriggerTiming(requestID, triggerID string, took time.Duration, candidates int)
}

// LogEmitter writes telemetry as structured log records.
type LogEmitter struct {
	Log logx.Logger
}

func (e LogEmitter) UndesiredEvent(event, eventContext, messageID string) {
	e.Log.Warn("undesired event",
		logx.String("event", event),
		logx.String("event_context", eventContext),
		logx.String("message_id", messageID),
	)
}

func (e LogEmitter) ReachEvent(slug, branch string) {
	e.Log.Info("reach event", logx.String("slug", slug), logx.String("branch", branch))
}

func (e LogEmitter) TriggerTiming(requestID, triggerID string, took time.Duration, candidates int) {
	e.Log.Debug("trigger timing",
		logx.String("request_id", requestID),
		logx.String("trigger_id", triggerID),
		logx.Duration("took", took),
		logx.Int("candidates", candidates),
	)
}

// Recorder is an in-memory Emitter for tests.
type Recorder struct {
	mu sync.Mutex

	Undesired []UndesiredRecord
	Reach     []ReachRecord
	Timings   []TimingRecord
}

type UndesiredRecord struct {
	Event, EventContext, MessageID string
}

type ReachRecord struct {
	Slug, Branch string
}

type TimingRecord struct {
	RequestID, TriggerID string
	Took                 time.Duration
	Candidates           int
}

func (r *Recorder) UndesiredEvent(event, eventContext, messageID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Undesired = append(r.Undesired, UndesiredRecord{event, eventContext, messageID})
}

func (r *Recorder) ReachEvent(slug, branch string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Reach = append(r.Reach, ReachRecord{slug, branch})
}

func (r *Recorder) TriggerTiming(requestID, triggerID string, took time.Duration, candidates int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Timings = append(r.Timings, TimingRecord{requestID, triggerID, took, candidates})
}

func (r *Recorder) UndesiredCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Undesired)
}

func (r *Recorder) ReachCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Reach)
}
