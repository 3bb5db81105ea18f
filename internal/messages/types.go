package messages

import (
	"encoding/json"
	"time"
)

// ProviderKind is a closed enum of load strategies. Loading dispatches on it;
// there is no other runtime type inspection.
type ProviderKind string

const (
	KindLocal             ProviderKind = "local"
	KindRemote            ProviderKind = "remote"
	KindRemoteSettings    ProviderKind = "remote-settings"
	KindRemoteExperiments ProviderKind = "remote-experiments"
)

// ProfileScopeSingle marks a message whose impression/block bookkeeping is
// authoritative in the shared (cross-profile) store.
const ProfileScopeSingle = "single"

// CustomCap is one sliding-window frequency limit: at most Cap impressions
// within the trailing PeriodMS milliseconds.
type CustomCap struct {
	PeriodMS int64 `json:"period"`
	Cap      int   `json:"cap"`
}

func (c CustomCap) Period() time.Duration { return time.Duration(c.PeriodMS) * time.Millisecond }

// FrequencyConfig limits how often a message or group may be shown.
// A nil FrequencyConfig means "no cap": unconditionally eligible.
type FrequencyConfig struct {
	Lifetime *int        `json:"lifetime,omitempty"`
	Custom   []CustomCap `json:"custom,omitempty"`
}

// TriggerRef names the application event a message responds to.
type TriggerRef struct {
	ID     string          `json:"id"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ReachRef tags a synthesized reach-accounting record. Sent flips to true
// after the one-time reach event for its enrollment has been recorded.
// ExperimentSlug/BranchSlug identify the enrollment the event is attributed
// to.
type ReachRef struct {
	Sent           bool   `json:"sent"`
	Group          string `json:"group"`
	ExperimentSlug string `json:"experimentSlug,omitempty"`
	BranchSlug     string `json:"branchSlug,omitempty"`
}

type Message struct {
	ID           string           `json:"id"`
	Provider     string           `json:"provider,omitempty"`
	Groups       []string         `json:"groups,omitempty"`
	Campaign     string           `json:"campaign,omitempty"`
	Trigger      *TriggerRef      `json:"trigger,omitempty"`
	Frequency    *FrequencyConfig `json:"frequency,omitempty"`
	ProfileScope string           `json:"profileScope,omitempty"`
	Template     string           `json:"template,omitempty"`
	Priority     int              `json:"priority,omitempty"`
	Order        int              `json:"order,omitempty"`
	Targeting    string           `json:"targeting,omitempty"`
	Content      json.RawMessage  `json:"content,omitempty"`

	// ForReachEvent is set only on synthesized reach records; they are never
	// shown, only counted.
	ForReachEvent *ReachRef `json:"forReachEvent,omitempty"`

	// SkipInTests carries a reason why the message must be ignored while an
	// automated test run is in progress. Empty means "never skip".
	SkipInTests string `json:"skip_in_tests,omitempty"`
}

// BlockKey returns the identifier used in the local block list: the campaign
// when one is set (blocking one campaigned message blocks the campaign),
// otherwise the message id.
func (m *Message) BlockKey() string {
	if m.Campaign != "" {
		return m.Campaign
	}
	return m.ID
}

func (m *Message) HasFrequency() bool { return m.Frequency != nil }

func (m *Message) ScopedToSingleProfile() bool { return m.ProfileScope == ProfileScopeSingle }

type Group struct {
	ID              string           `json:"id"`
	Enabled         bool             `json:"enabled"`
	UserPreferences []string         `json:"userPreferences,omitempty"`
	Frequency       *FrequencyConfig `json:"frequency,omitempty"`
}

// ProviderError is one bookkeeping entry for a failed provider load.
type ProviderError struct {
	At    time.Time `json:"timestamp"`
	Error string    `json:"error"`
}

// Provider describes one message source. URL applies to remote kinds,
// Messages to local, Collection to remote-settings, Features to
// remote-experiments.
type Provider struct {
	ID            string          `json:"id"`
	Kind          ProviderKind    `json:"type"`
	Enabled       bool            `json:"enabled"`
	URL           string          `json:"url,omitempty"`
	Collection    string          `json:"collection,omitempty"`
	Messages      []Message       `json:"messages,omitempty"`
	Features      []string        `json:"featureIds,omitempty"`
	UpdateCycleMS int64           `json:"updateCycleInMs,omitempty"`
	Exclude       []string        `json:"exclude,omitempty"`
	LastUpdated   int64           `json:"lastUpdated,omitempty"`
	Errors        []ProviderError `json:"errors,omitempty"`
}

func (p *Provider) UpdateCycle() time.Duration {
	return time.Duration(p.UpdateCycleMS) * time.Millisecond
}

// NeedsUpdate reports whether enough time has passed since the last load.
// Local providers never need a refetch; a provider that has never loaded
// always does.
func (p *Provider) NeedsUpdate(now time.Time) bool {
	if p.Kind == KindLocal {
		return false
	}
	if p.LastUpdated == 0 {
		return true
	}
	return now.UnixMilli()-p.LastUpdated >= p.UpdateCycleMS
}

// ImpressionMap records show timestamps (unix milliseconds) per message or
// group id. Entries are append-only until pruned.
type ImpressionMap map[string][]int64

// Clone returns a deep copy so snapshots handed to callers cannot alias
// router-owned state.
func (m ImpressionMap) Clone() ImpressionMap {
	if m == nil {
		return nil
	}
	out := make(ImpressionMap, len(m))
	for k, v := range m {
		out[k] = append([]int64(nil), v...)
	}
	return out
}
