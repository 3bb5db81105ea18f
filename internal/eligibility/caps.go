package eligibility

import (
	"time"

	"msgrouter/internal/messages"
)

// MaxMessageLifetimeCap clamps server-supplied lifetime caps from above. It
// guards against a misconfigured provider shipping an effectively unlimited
// cap; it applies to message-level checks only, never to groups.
const MaxMessageLifetimeCap = 100

// IsBlocked reports whether a message is blocked by the local block list
// (campaign key preferred) or by the shared cross-profile block list (id
// only).
func IsBlocked(m *messages.Message, local []string, shared []string) bool {
	if contains(local, m.BlockKey()) || contains(local, m.ID) {
		return true
	}
	return contains(shared, m.ID)
}

// GroupsEnabled reports whether every group the message belongs to is
// enabled. A message with no groups passes; a referenced group missing from
// state counts as disabled.
func GroupsEnabled(m *messages.Message, groups map[string]messages.Group) bool {
	for _, gid := range m.Groups {
		g, ok := groups[gid]
		if !ok || !g.Enabled {
			return false
		}
	}
	return true
}

// BelowItemFrequencyCap checks one item (message or group) against its
// frequency config. A nil config always passes. maxLifetimeCap > 0 clamps a
// configured lifetime cap from above; pass 0 to disable the clamp (groups).
func BelowItemFrequencyCap(freq *messages.FrequencyConfig, impressions []int64, now time.Time, maxLifetimeCap int) bool {
	if freq == nil {
		return true
	}
	if freq.Lifetime != nil {
		lifetime := *freq.Lifetime
		if maxLifetimeCap > 0 && lifetime > maxLifetimeCap {
			lifetime = maxLifetimeCap
		}
		if len(impressions) >= lifetime {
			return false
		}
	}
	nowMS := now.UnixMilli()
	for _, cap := range freq.Custom {
		n := 0
		for _, ts := range impressions {
			if nowMS-ts < cap.PeriodMS {
				n++
			}
		}
		if n >= cap.Cap {
			return false
		}
	}
	return true
}

// LongestPeriod returns the longest sliding-window period configured in
// freq.Custom. ok is false when no custom caps exist; callers then either
// retain full history (lifetime cap) or have nothing to trim.
func LongestPeriod(freq *messages.FrequencyConfig) (time.Duration, bool) {
	if freq == nil || len(freq.Custom) == 0 {
		return 0, false
	}
	var longest int64
	for _, c := range freq.Custom {
		if c.PeriodMS > longest {
			longest = c.PeriodMS
		}
	}
	return time.Duration(longest) * time.Millisecond, true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
