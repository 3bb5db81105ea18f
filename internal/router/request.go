package router

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"msgrouter/internal/eligibility"
	"msgrouter/internal/messages"
	"msgrouter/internal/targeting"
	logx "msgrouter/pkg/logx"
)

// TriggerMessagesLoaded fires once a provider load commits, for messages
// that want to appear immediately after loading.
const TriggerMessagesLoaded = "messagesLoaded"

// Request narrows a message lookup. Empty fields match everything.
type Request struct {
	Provider       string
	Template       string
	TriggerID      string
	TriggerParam   json.RawMessage
	TriggerContext map[string]any
}

// TriggerEvent is an inbound application event routed through
// SendTriggerMessage.
type TriggerEvent struct {
	ID      string
	Param   json.RawMessage
	Context map[string]any
}

// EvaluationStatus reports whether the targeting oracle evaluated cleanly.
// An oracle failure resolves the request with Success=false instead of
// propagating.
type EvaluationStatus struct {
	Success bool `json:"success"`
}

// HandleMessageRequest returns the single best eligible message for the
// request, or nil when nothing qualifies.
func (r *Router) HandleMessageRequest(ctx context.Context, req Request) (*messages.Message, EvaluationStatus, error) {
	if !r.initialized() {
		return nil, EvaluationStatus{}, ErrNotInitialized
	}
	return r.handleMessageRequest(ctx, req)
}

func (r *Router) handleMessageRequest(ctx context.Context, req Request) (*messages.Message, EvaluationStatus, error) {
	candidates, ok := r.gatherCandidates(req)
	if !ok || len(candidates) == 0 {
		return nil, EvaluationStatus{Success: true}, nil
	}

	opts := targeting.Options{
		// Badge messages are transient; never let the oracle reuse a cached
		// evaluation for them.
		NoCache: req.Template == TemplateToolbarBadge,
	}
	trig := targeting.Trigger{ID: req.TriggerID, Param: req.TriggerParam, Context: req.TriggerContext}

	msg, err := r.oracle.FindMatchingMessage(ctx, candidates, trig, opts)
	if err != nil {
		r.log.Warn("targeting evaluation failed")
		return nil, EvaluationStatus{Success: false}, nil
	}
	return msg, EvaluationStatus{Success: true}, nil
}

// HandleMessageRequestAll returns every eligible match instead of the single
// best one.
func (r *Router) HandleMessageRequestAll(ctx context.Context, req Request) ([]messages.Message, EvaluationStatus, error) {
	if !r.initialized() {
		return nil, EvaluationStatus{}, ErrNotInitialized
	}
	candidates, ok := r.gatherCandidates(req)
	if !ok || len(candidates) == 0 {
		return nil, EvaluationStatus{Success: true}, nil
	}
	trig := targeting.Trigger{ID: req.TriggerID, Param: req.TriggerParam, Context: req.TriggerContext}
	all, err := r.oracle.FindAllMatchingMessages(ctx, candidates, trig)
	if err != nil {
		r.log.Warn("targeting evaluation failed")
		return nil, EvaluationStatus{Success: false}, nil
	}
	return all, EvaluationStatus{Success: true}, nil
}

// gatherCandidates applies the profile-visibility gate and every eligibility
// filter. ok is false when the profile gate short-circuits the request.
func (r *Router) gatherCandidates(req Request) ([]messages.Message, bool) {
	opts := r.options()
	if opts.ProfileMessagesAllowed != nil && !opts.ProfileMessagesAllowed() {
		return nil, false
	}

	s := r.GetState()
	now := r.now()

	var out []messages.Message
	for _, m := range s.Messages {
		if m.ForReachEvent != nil {
			// Reach records are accounting-only; they are never candidates.
			continue
		}
		if req.Provider != "" && m.Provider != req.Provider {
			continue
		}
		if req.Template != "" && m.Template != req.Template {
			continue
		}
		if req.TriggerID != "" && (m.Trigger == nil || m.Trigger.ID != req.TriggerID) {
			continue
		}
		if m.SkipInTests != "" && !opts.InAutomation {
			continue
		}
		if !r.isEligible(&m, s, now) {
			continue
		}
		out = append(out, m)
	}
	return out, true
}

// isEligible composes the block, group, profile-scope, and frequency-cap
// filters over one snapshot. Provider excludes were already applied at load.
func (r *Router) isEligible(m *messages.Message, s State, now time.Time) bool {
	if eligibility.IsBlocked(m, s.MessageBlockList, s.MultiProfileMessageBlocklist) {
		return false
	}
	if !eligibility.GroupsEnabled(m, groupIndex(s.Groups)) {
		return false
	}
	if m.ScopedToSingleProfile() && r.options().MultiProfileActive {
		// A shared impression alone is not enough; the message must have
		// been shown under this profile.
		if len(s.MessageImpressions[m.ID]) == 0 && len(s.MultiProfileMessageImpressions[m.ID]) > 0 {
			return false
		}
	}
	return r.belowFrequencyCaps(m, s, now)
}

func groupIndex(groups []messages.Group) map[string]messages.Group {
	idx := make(map[string]messages.Group, len(groups))
	for _, g := range groups {
		idx[g.ID] = g
	}
	return idx
}

// belowFrequencyCaps checks the message cap (with the lifetime ceiling) and
// every group cap (without it).
func (r *Router) belowFrequencyCaps(m *messages.Message, s State, now time.Time) bool {
	imps := s.MessageImpressions[m.ID]
	if m.ScopedToSingleProfile() && r.options().MultiProfileActive {
		imps = s.MultiProfileMessageImpressions[m.ID]
	}
	if !eligibility.BelowItemFrequencyCap(m.Frequency, imps, now, eligibility.MaxMessageLifetimeCap) {
		return false
	}
	for _, gid := range m.Groups {
		g, ok := s.GroupByID(gid)
		if !ok {
			continue
		}
		if !eligibility.BelowItemFrequencyCap(g.Frequency, s.GroupImpressions[gid], now, 0) {
			return false
		}
	}
	return true
}

// IsBelowFrequencyCaps reports whether showing the message again would stay
// within its own and its groups' caps.
func (r *Router) IsBelowFrequencyCaps(m *messages.Message) bool {
	return r.belowFrequencyCaps(m, r.GetState(), r.now())
}

// IsUnblockedMessage reports whether the message is absent from both block
// lists.
func (r *Router) IsUnblockedMessage(m *messages.Message) bool {
	s := r.GetState()
	return !eligibility.IsBlocked(m, s.MessageBlockList, s.MultiProfileMessageBlocklist)
}

// SendTriggerMessage resolves a trigger event to a message. It performs
// reach accounting as a side effect before delegating to the oracle, emits
// timing telemetry around the oracle call, and records an impression for the
// chosen message.
func (r *Router) SendTriggerMessage(ctx context.Context, trig TriggerEvent, skipMessagesLoaded bool) (*messages.Message, error) {
	if !r.initialized() {
		return nil, ErrNotInitialized
	}
	return r.sendTriggerMessage(ctx, trig, skipMessagesLoaded)
}

func (r *Router) sendTriggerMessage(ctx context.Context, trig TriggerEvent, skipMessagesLoaded bool) (*messages.Message, error) {
	// skipMessagesLoaded guards against load->trigger->load recursion: the
	// messagesLoaded path sets it, everyone else gets an opportunistic
	// refresh of providers whose cadence has elapsed.
	if !skipMessagesLoaded {
		if err := r.LoadMessagesFromAllProviders(ctx, false); err != nil {
			r.log.Warn("provider refresh before trigger failed", logx.Err(err))
		}
	}

	r.recordReachEvents(trig.ID)

	req := Request{TriggerID: trig.ID, TriggerParam: trig.Param, TriggerContext: trig.Context}
	requestID := uuid.NewString()
	started := r.now()

	msg, _, err := r.handleMessageRequest(ctx, req)

	if r.tel != nil {
		s := r.GetState()
		r.tel.TriggerTiming(requestID, trig.ID, r.now().Sub(started), len(s.Messages))
	}
	if err != nil {
		return nil, err
	}
	if msg != nil {
		r.AddImpression(ctx, msg)
	}
	return msg, nil
}

// recordReachEvents emits one reach event per distinct enrollment slug whose
// reach record matches the trigger and has not been sent, then marks those
// records sent so the event never repeats for the enrollment.
func (r *Router) recordReachEvents(triggerID string) {
	s := r.GetState()
	sentSlugs := map[string]bool{}
	var toMark []string

	for _, m := range s.Messages {
		reach := m.ForReachEvent
		if reach == nil || reach.Sent {
			continue
		}
		if m.Trigger == nil || m.Trigger.ID != triggerID {
			continue
		}
		if !sentSlugs[reach.ExperimentSlug] {
			sentSlugs[reach.ExperimentSlug] = true
			if r.tel != nil {
				r.tel.ReachEvent(reach.ExperimentSlug, reach.BranchSlug)
			}
		}
		toMark = append(toMark, m.ID)
	}
	if len(toMark) == 0 {
		return
	}

	marked := make(map[string]bool, len(toMark))
	for _, id := range toMark {
		marked[id] = true
	}
	r.SetState(func(s *State) {
		for i := range s.Messages {
			if marked[s.Messages[i].ID] && s.Messages[i].ForReachEvent != nil {
				reach := *s.Messages[i].ForReachEvent
				reach.Sent = true
				s.Messages[i].ForReachEvent = &reach
			}
		}
	})
}
