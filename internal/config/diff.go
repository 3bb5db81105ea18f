package config

import (
	"reflect"
	"sort"
	"strings"

	logx "msgrouter/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens
// or API keys), and (3) the provider ids whose config changed.
//
// The daemon maps the section list onto router signals: "providers" and
// "user_prefs" become a pref-change event, "logging" re-applies log sinks.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Router (never log api_key)
	oR, nR := oldCfg.Router, newCfg.Router
	oKeySet := strings.TrimSpace(oR.APIKey) != ""
	nKeySet := strings.TrimSpace(nR.APIKey) != ""
	oR.APIKey, nR.APIKey = "", ""
	if !reflect.DeepEqual(oR, nR) || oKeySet != nKeySet {
		changed = append(changed, "router")
		attrs = append(attrs,
			logx.String("router.locale", strings.TrimSpace(nR.Locale)),
			logx.Bool("router.devtools", nR.DevtoolsEnabled),
			logx.Bool("router.api_key_set", nKeySet),
			logx.Bool("router.multi_profile", nR.MultiProfile.Active()),
		)
	}

	// Providers
	providerChanged := diffProviders(oldCfg.Providers, newCfg.Providers)
	if len(providerChanged) > 0 {
		changed = append(changed, "providers")
		attrs = append(attrs,
			logx.Int("providers.changed_count", len(providerChanged)),
			logx.Int("providers.enabled_count", countEnabledProviders(newCfg.Providers)),
		)
	}

	// User prefs
	if !reflect.DeepEqual(oldCfg.UserPrefs, newCfg.UserPrefs) {
		changed = append(changed, "user_prefs")
		attrs = append(attrs, logx.Int("user_prefs.count", len(newCfg.UserPrefs)))
	}

	// Storage (nil means disabled)
	oS := derefStorage(oldCfg.Storage)
	nS := derefStorage(newCfg.Storage)
	if !reflect.DeepEqual(oS, nS) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Bool("storage.shared_path_set", strings.TrimSpace(nS.SharedPath) != ""),
		)
	}

	// Admin (never log token)
	oA := derefAdmin(oldCfg.Admin)
	nA := derefAdmin(newCfg.Admin)
	oTokSet := strings.TrimSpace(oA.Token) != ""
	nTokSet := strings.TrimSpace(nA.Token) != ""
	oA.Token, nA.Token = "", ""
	if !reflect.DeepEqual(oA, nA) || oTokSet != nTokSet {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", nA.Enabled),
			logx.String("admin.addr", strings.TrimSpace(nA.Addr)),
			logx.Bool("admin.token_set", nTokSet),
		)
	}

	sort.Strings(changed)
	return changed, attrs, providerChanged
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

func derefAdmin(a *AdminConfig) AdminConfig {
	if a == nil {
		return AdminConfig{}
	}
	return *a
}

func countEnabledProviders(list []ProviderConfig) int {
	n := 0
	for _, p := range list {
		if p.IsEnabled() {
			n++
		}
	}
	return n
}

func diffProviders(oldL, newL []ProviderConfig) []string {
	oldM := map[string]ProviderConfig{}
	for _, p := range oldL {
		oldM[p.ID] = p
	}
	newM := map[string]ProviderConfig{}
	for _, p := range newL {
		newM[p.ID] = p
	}

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for id := range set {
		o, oOK := oldM[id]
		n, nOK := newM[id]
		if oOK != nOK || !reflect.DeepEqual(o, n) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
