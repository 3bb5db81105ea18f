package config

import (
	"context"
	"fmt"
	"strings"
)

var providerTypes = map[string]bool{
	"local":              true,
	"remote":             true,
	"remote-settings":    true,
	"remote-experiments": true,
}

// Validate checks a parsed config before it is committed. It is installed as
// the manager's validator so a bad edit never reaches subscribers.
func Validate(ctx context.Context, cfg *Config) error {
	_ = ctx
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	if _, err := ParseDurationField("router.refresh_every", cfg.Router.RefreshEvery); err != nil {
		return err
	}
	if _, err := ParseDurationField("router.fetch_timeout", cfg.Router.FetchTimeout); err != nil {
		return err
	}

	seen := map[string]bool{}
	for i, p := range cfg.Providers {
		where := fmt.Sprintf("providers[%d]", i)
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return fmt.Errorf("%s: id is required", where)
		}
		if seen[id] {
			return fmt.Errorf("%s: duplicate provider id %q", where, id)
		}
		seen[id] = true

		if !providerTypes[p.Type] {
			return fmt.Errorf("%s: unknown type %q", where, p.Type)
		}
		switch p.Type {
		case "remote":
			if strings.TrimSpace(p.URL) == "" {
				return fmt.Errorf("%s: remote provider needs a url", where)
			}
		case "remote-settings":
			if strings.TrimSpace(p.Collection) == "" {
				return fmt.Errorf("%s: remote-settings provider needs a collection", where)
			}
			if strings.TrimSpace(cfg.Router.SettingsURL) == "" {
				return fmt.Errorf("%s: router.settings_url is required for remote-settings providers", where)
			}
		case "remote-experiments":
			if len(p.FeatureIDs) == 0 {
				return fmt.Errorf("%s: remote-experiments provider needs feature_ids", where)
			}
		}
		if _, err := ParseDurationField(where+".update_cycle", p.UpdateCycle); err != nil {
			return err
		}
	}

	seenGroups := map[string]bool{}
	for i, g := range cfg.Groups {
		if strings.TrimSpace(g.ID) == "" {
			return fmt.Errorf("groups[%d]: id is required", i)
		}
		if seenGroups[g.ID] {
			return fmt.Errorf("groups[%d]: duplicate group id %q", i, g.ID)
		}
		seenGroups[g.ID] = true
	}

	if cfg.Storage != nil {
		if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
			return err
		}
	}
	return nil
}
