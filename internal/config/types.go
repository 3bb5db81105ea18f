package config

import "encoding/json"

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Router holds the selection-engine knobs (locale, devtools, multi-profile
	// capability, refresh cadence).
	Router RouterConfig `json:"router"`

	// Providers is the configured message-source list. The router recomputes
	// its in-state provider list from this section on every config publish
	// (URL templating + enabled filtering).
	Providers []ProviderConfig `json:"providers"`

	// Groups declares the message groups and their base enablement. The
	// effective enabled state also honors UserPrefs (below); groups are
	// replaced wholesale on every recompute, never partially merged.
	Groups []GroupConfig `json:"groups,omitempty"`

	// UserPrefs maps preference keys to their on/off values. Group enablement
	// recomputes from these (a group listing a pref key is disabled when any
	// of its keys is off).
	UserPrefs map[string]bool `json:"user_prefs,omitempty"`

	Storage *StorageConfig `json:"storage,omitempty"`
	Admin   *AdminConfig   `json:"admin,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level,omitempty"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// RouterConfig controls the message router itself.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - locale: "en-US"
//   - refresh_every: "1m"
//   - fetch_timeout: "15s"
type RouterConfig struct {
	Locale string `json:"locale,omitempty"`
	Region string `json:"region,omitempty"`
	APIKey string `json:"api_key,omitempty"`

	// DevtoolsEnabled turns on the admin surface, state broadcasts, and the
	// extra local test provider.
	DevtoolsEnabled bool `json:"devtools_enabled,omitempty"`

	// RefreshEvery is the cadence at which provider loads are re-attempted.
	// Individual providers still honor their own update cycles.
	RefreshEvery string `json:"refresh_every,omitempty"`

	// FetchTimeout bounds a single remote fetch (abort, not whole-load).
	FetchTimeout string `json:"fetch_timeout,omitempty"`

	// AttachmentDir is where remote-settings localization attachments land.
	AttachmentDir string `json:"attachment_dir,omitempty"`

	// SettingsURL is the base endpoint remote-settings providers fetch
	// collections from. Required when any remote-settings provider is enabled.
	SettingsURL string `json:"settings_url,omitempty"`

	// SettingsAttachmentBase overrides the base URL for attachment downloads.
	// Empty means attachments resolve relative to SettingsURL.
	SettingsAttachmentBase string `json:"settings_attachment_base,omitempty"`

	// ExperimentsFile points at a JSON map of feature id to enrollment,
	// consumed by remote-experiments providers. Optional.
	ExperimentsFile string `json:"experiments_file,omitempty"`

	// InAutomation marks an automated run; messages flagged skip_in_tests
	// are only considered while it is set.
	InAutomation bool `json:"in_automation,omitempty"`

	MultiProfile MultiProfileConfig `json:"multi_profile,omitempty"`
}

// MultiProfileConfig gates the shared cross-profile data path. Both flags
// must be true for the shared store to be touched at all.
type MultiProfileConfig struct {
	CanCreateSelectableProfiles bool `json:"can_create_selectable_profiles"`
	HasSelectableProfiles       bool `json:"has_selectable_profiles"`
}

func (m MultiProfileConfig) Active() bool {
	return m.CanCreateSelectableProfiles && m.HasSelectableProfiles
}

// ProviderConfig is one entry of the providers section.
//
// Type values: "local", "remote", "remote-settings", "remote-experiments".
// URL applies to remote, Collection to remote-settings, FeatureIDs to
// remote-experiments, Messages to local.
type ProviderConfig struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Enabled *bool  `json:"enabled,omitempty"` // omitted means enabled

	URL        string          `json:"url,omitempty"`
	Collection string          `json:"collection,omitempty"`
	Messages   json.RawMessage `json:"messages,omitempty"`
	FeatureIDs []string        `json:"feature_ids,omitempty"`

	// UpdateCycle is a Go duration string; "0s" (or omitted) means refetch on
	// every load attempt.
	UpdateCycle string `json:"update_cycle,omitempty"`

	Exclude []string `json:"exclude,omitempty"`
}

func (p ProviderConfig) IsEnabled() bool { return p.Enabled == nil || *p.Enabled }

// GroupConfig is one entry of the groups section.
//
// Frequency mirrors the message-level config: an optional lifetime total and
// sliding-window caps with millisecond periods.
type GroupConfig struct {
	ID              string          `json:"id"`
	Enabled         *bool           `json:"enabled,omitempty"` // omitted means enabled
	UserPreferences []string        `json:"user_preferences,omitempty"`
	Frequency       json.RawMessage `json:"frequency,omitempty"`
}

func (g GroupConfig) IsEnabled() bool { return g.Enabled == nil || *g.Enabled }

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./router.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	SharedPath  string `json:"shared_path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// AdminConfig controls the optional devtools HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8484").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8484"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}
