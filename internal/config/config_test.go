package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestParseYAMLConfig(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", `
logging:
  level: debug
  console: true
router:
  locale: de
  refresh_every: 30s
  devtools_enabled: true
providers:
  - id: onboarding
    type: local
    messages:
      - id: welcome
        template: cfr_doorhanger
groups:
  - id: cfr
    user_preferences: [browser.cfr.enabled]
user_prefs:
  browser.cfr.enabled: true
storage:
  driver: file
  path: ./state.json
`)
	m := NewConfigManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging section mangled: %+v", cfg.Logging)
	}
	if cfg.Router.Locale != "de" || !cfg.Router.DevtoolsEnabled {
		t.Fatalf("router section mangled: %+v", cfg.Router)
	}
	if len(cfg.Providers) != 1 || cfg.Providers[0].ID != "onboarding" {
		t.Fatalf("providers section mangled: %+v", cfg.Providers)
	}
	if len(cfg.Providers[0].Messages) == 0 {
		t.Fatal("inline messages not preserved")
	}
	if !cfg.UserPrefs["browser.cfr.enabled"] {
		t.Fatalf("user prefs mangled: %+v", cfg.UserPrefs)
	}
	if m.Get() != cfg {
		t.Fatal("Load must commit the parsed config")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{"router":{"locale":"en-US","bogus_knob":1}}`)
	if _, err := NewConfigManager(path).Parse(); err == nil {
		t.Fatal("unknown field must be rejected")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{"router":{}}{"router":{}}`)
	if _, err := NewConfigManager(path).Parse(); err == nil {
		t.Fatal("trailing data must be rejected")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	base := func() *Config {
		return &Config{
			Router: RouterConfig{SettingsURL: "https://settings.test/v1"},
			Providers: []ProviderConfig{
				{ID: "a", Type: "local"},
				{ID: "b", Type: "remote", URL: "https://x.test/$locale"},
				{ID: "c", Type: "remote-settings", Collection: "cfr"},
				{ID: "d", Type: "remote-experiments", FeatureIDs: []string{"f"}},
			},
			Groups: []GroupConfig{{ID: "g1"}, {ID: "g2"}},
		}
	}

	if err := Validate(ctx, base()); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	mutations := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "nil config", mutate: nil},
		{name: "duplicate provider id", mutate: func(c *Config) { c.Providers[1].ID = "a" }},
		{name: "empty provider id", mutate: func(c *Config) { c.Providers[0].ID = " " }},
		{name: "unknown type", mutate: func(c *Config) { c.Providers[0].Type = "carrier-pigeon" }},
		{name: "remote without url", mutate: func(c *Config) { c.Providers[1].URL = "" }},
		{name: "remote-settings without collection", mutate: func(c *Config) { c.Providers[2].Collection = "" }},
		{name: "remote-settings without base url", mutate: func(c *Config) { c.Router.SettingsURL = "" }},
		{name: "experiments without features", mutate: func(c *Config) { c.Providers[3].FeatureIDs = nil }},
		{name: "bad refresh duration", mutate: func(c *Config) { c.Router.RefreshEvery = "soon" }},
		{name: "bad update cycle", mutate: func(c *Config) { c.Providers[1].UpdateCycle = "x" }},
		{name: "duplicate group id", mutate: func(c *Config) { c.Groups[1].ID = "g1" }},
		{name: "bad busy timeout", mutate: func(c *Config) { c.Storage = &StorageConfig{Driver: "sqlite", Path: "x", BusyTimeout: "??"} }},
	}
	for _, tt := range mutations {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			var cfg *Config
			if tt.mutate != nil {
				cfg = base()
				tt.mutate(cfg)
			}
			if err := Validate(ctx, cfg); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", "301ms"); err != nil || d != 301*time.Millisecond {
		t.Fatalf("ParseDurationField = %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty duration = %v, %v; want 0, nil", d, err)
	}
	if _, err := ParseDurationField("x", "banana"); err == nil {
		t.Fatal("bad duration must error")
	}
	if d, err := ParseDurationOrDefault("x", "", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("default not applied: %v, %v", d, err)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{
		Logging:   LoggingConfig{Level: "info"},
		Router:    RouterConfig{Locale: "en-US", APIKey: "secret-old"},
		Providers: []ProviderConfig{{ID: "a", Type: "local"}},
	}
	newCfg := &Config{
		Logging: LoggingConfig{Level: "debug"},
		Router:  RouterConfig{Locale: "en-US", APIKey: "secret-new"},
		Providers: []ProviderConfig{
			{ID: "a", Type: "local", Exclude: []string{"x"}},
			{ID: "b", Type: "remote", URL: "https://x.test"},
		},
	}

	sections, _, providerIDs := SummarizeConfigChange(oldCfg, newCfg)
	wantSections := map[string]bool{"logging": true, "providers": true}
	for _, s := range sections {
		if !wantSections[s] {
			t.Fatalf("unexpected changed section %q (api key value must not count)", s)
		}
		delete(wantSections, s)
	}
	if len(wantSections) != 0 {
		t.Fatalf("missing sections: %v (got %v)", wantSections, sections)
	}
	if len(providerIDs) != 2 || providerIDs[0] != "a" || providerIDs[1] != "b" {
		t.Fatalf("changed providers = %v, want [a b]", providerIDs)
	}

	// Same config twice: nothing changed.
	if sections, _, _ := SummarizeConfigChange(newCfg, newCfg); len(sections) != 0 {
		t.Fatalf("no-op diff reported sections: %v", sections)
	}
}

func TestSummarizeAPIKeyPresenceChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Router: RouterConfig{}}
	newCfg := &Config{Router: RouterConfig{APIKey: "now-set"}}
	sections, _, _ := SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) != 1 || sections[0] != "router" {
		t.Fatalf("api key presence flip must register as a router change, got %v", sections)
	}
}
