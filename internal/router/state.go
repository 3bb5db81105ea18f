package router

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"

	"msgrouter/internal/eventbus"
	"msgrouter/internal/messages"
	"msgrouter/internal/storage"
	logx "msgrouter/pkg/logx"
)

var (
	ErrNotInitialized  = errors.New("router not initialized")
	ErrUnknownStateKey = errors.New("unknown state key")
	ErrDevtoolsOnly    = errors.New("operation requires devtools")
)

// State is the router's versioned snapshot. All mutation goes through
// Router.SetState; GetState hands out deep copies so callers cannot reach
// router-owned memory.
type State struct {
	Providers []messages.Provider
	Messages  []messages.Message
	Groups    []messages.Group

	MessageBlockList             []string
	MultiProfileMessageBlocklist []string

	MessageImpressions             messages.ImpressionMap
	GroupImpressions               messages.ImpressionMap
	MultiProfileMessageImpressions messages.ImpressionMap

	// ScreenImpressions maps a screen id to the message id last shown there.
	ScreenImpressions map[string]string

	PreviousSessionEnd int64
	Initialized        bool
}

func (s State) clone() State {
	cp := s
	cp.Providers = append([]messages.Provider(nil), s.Providers...)
	cp.Messages = append([]messages.Message(nil), s.Messages...)
	cp.Groups = append([]messages.Group(nil), s.Groups...)
	cp.MessageBlockList = append([]string(nil), s.MessageBlockList...)
	cp.MultiProfileMessageBlocklist = append([]string(nil), s.MultiProfileMessageBlocklist...)
	cp.MessageImpressions = s.MessageImpressions.Clone()
	cp.GroupImpressions = s.GroupImpressions.Clone()
	cp.MultiProfileMessageImpressions = s.MultiProfileMessageImpressions.Clone()
	if s.ScreenImpressions != nil {
		cp.ScreenImpressions = make(map[string]string, len(s.ScreenImpressions))
		for k, v := range s.ScreenImpressions {
			cp.ScreenImpressions[k] = v
		}
	}
	return cp
}

// GroupByID returns the group record, if present in state.
func (s State) GroupByID(id string) (messages.Group, bool) {
	for _, g := range s.Groups {
		if g.ID == id {
			return g, true
		}
	}
	return messages.Group{}, false
}

// MessageByID returns the message record, if present in state.
func (s State) MessageByID(id string) (messages.Message, bool) {
	for _, m := range s.Messages {
		if m.ID == id {
			return m, true
		}
	}
	return messages.Message{}, false
}

// GetState returns a deep-copied snapshot of the current state.
func (r *Router) GetState() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.clone()
}

// SetState is the only mutation boundary. The updater receives a working
// copy; once it returns, the copy is committed, changed whitelisted fields
// are persisted, and (with devtools on) the new state is broadcast.
//
// Persistence is best-effort: a failed write logs and leaves in-memory state
// authoritative. Callers that need read-after-write consistency across two
// SetState calls must issue them sequentially.
func (r *Router) SetState(update func(s *State)) State {
	r.mu.Lock()
	prev := r.state
	next := prev.clone()
	update(&next)
	next.Initialized = prev.Initialized
	r.state = next
	snapshot := next.clone()
	r.mu.Unlock()

	r.persistChanged(prev, snapshot)
	r.broadcastState(snapshot)
	return snapshot
}

// persistedField describes one whitelisted key and how to extract it.
type persistedField struct {
	key     string
	extract func(s State) any
}

var persistedFields = []persistedField{
	{storage.KeyMessageBlockList, func(s State) any { return s.MessageBlockList }},
	{storage.KeyMultiProfileMessageBlocklist, func(s State) any { return s.MultiProfileMessageBlocklist }},
	{storage.KeyMessageImpressions, func(s State) any { return s.MessageImpressions }},
	{storage.KeyGroupImpressions, func(s State) any { return s.GroupImpressions }},
	{storage.KeyScreenImpressions, func(s State) any { return s.ScreenImpressions }},
	{storage.KeyPreviousSessionEnd, func(s State) any { return s.PreviousSessionEnd }},
}

func (r *Router) persistChanged(prev, next State) {
	if r.store == nil {
		return
	}
	for _, f := range persistedFields {
		oldV, newV := f.extract(prev), f.extract(next)
		if reflect.DeepEqual(oldV, newV) {
			continue
		}
		b, err := json.Marshal(newV)
		if err != nil {
			r.log.Error("marshal persisted state", logx.String("key", f.key), logx.Err(err))
			continue
		}
		if err := r.store.Set(context.Background(), f.key, b); err != nil {
			r.log.Warn("persist state write failed", logx.String("key", f.key), logx.Err(err))
		}
	}
}

// broadcastState publishes the new state plus derived fields for devtools
// observers. It is a no-op unless devtools are enabled.
func (r *Router) broadcastState(s State) {
	if r.bus == nil || !r.options().Devtools {
		return
	}
	r.bus.Publish(eventbus.Event{
		Type: eventbus.TopicStateUpdate,
		Data: r.AdminState(s),
	})
}

// AdminStateView is the devtools view: the raw state plus derived fields.
type AdminStateView struct {
	State               State                               `json:"state"`
	ProviderPrefs       []string                            `json:"providerPrefs"`
	UserPrefs           map[string]bool                     `json:"userPrefs"`
	TargetingParameters map[string]any                      `json:"targetingParameters"`
	Errors              map[string][]messages.ProviderError `json:"errors"`
}

func (r *Router) AdminState(s State) AdminStateView {
	opts := r.options()
	providerPrefs := make([]string, 0, len(opts.Providers))
	for _, p := range opts.Providers {
		if p.IsEnabled() {
			providerPrefs = append(providerPrefs, p.ID)
		}
	}
	errs := map[string][]messages.ProviderError{}
	for _, p := range s.Providers {
		if len(p.Errors) > 0 {
			errs[p.ID] = p.Errors
		}
	}
	return AdminStateView{
		State:               s,
		ProviderPrefs:       providerPrefs,
		UserPrefs:           opts.UserPrefs,
		TargetingParameters: r.TargetingParameters(s),
		Errors:              errs,
	}
}

// TargetingParameters exposes the request-independent inputs a targeting
// evaluator would see.
func (r *Router) TargetingParameters(s State) map[string]any {
	opts := r.options()
	return map[string]any{
		"locale":             opts.Locale,
		"region":             opts.Region,
		"previousSessionEnd": s.PreviousSessionEnd,
		"blockedCount":       len(s.MessageBlockList),
		"messageCount":       len(s.Messages),
		"multiProfile":       opts.MultiProfileActive,
	}
}

// EditState directly overwrites one whitelisted state field from raw JSON.
// Devtools only; unknown keys reject with ErrUnknownStateKey.
func (r *Router) EditState(key string, value json.RawMessage) error {
	if !r.options().Devtools {
		return ErrDevtoolsOnly
	}
	var apply func(s *State) error
	switch key {
	case storage.KeyMessageBlockList:
		apply = func(s *State) error { return json.Unmarshal(value, &s.MessageBlockList) }
	case storage.KeyMultiProfileMessageBlocklist:
		apply = func(s *State) error { return json.Unmarshal(value, &s.MultiProfileMessageBlocklist) }
	case storage.KeyMessageImpressions:
		apply = func(s *State) error { return json.Unmarshal(value, &s.MessageImpressions) }
	case storage.KeyGroupImpressions:
		apply = func(s *State) error { return json.Unmarshal(value, &s.GroupImpressions) }
	case storage.KeyScreenImpressions:
		apply = func(s *State) error { return json.Unmarshal(value, &s.ScreenImpressions) }
	case storage.KeyPreviousSessionEnd:
		apply = func(s *State) error { return json.Unmarshal(value, &s.PreviousSessionEnd) }
	default:
		return ErrUnknownStateKey
	}

	var editErr error
	r.SetState(func(s *State) {
		editErr = apply(s)
	})
	return editErr
}
