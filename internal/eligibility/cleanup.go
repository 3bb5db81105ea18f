package eligibility

import (
	"time"

	"msgrouter/internal/messages"
)

// MultiProfileRetention is the fixed ceiling for shared impression history.
// Shared entries are trimmed against it regardless of per-message caps.
const MultiProfileRetention = 6 * 30 * 24 * time.Hour

// CleanupImpressions drops impression entries for ids no longer present and
// trims in-window history for ids that are.
//
// freqFor returns the frequency config for a live id; ok=false means the id
// is gone and its history is deleted outright. History is trimmed to the
// longest configured custom period, except when a lifetime cap is configured:
// lifetime caps need the full history to count against.
func CleanupImpressions(imps messages.ImpressionMap, freqFor func(id string) (*messages.FrequencyConfig, bool), now time.Time) messages.ImpressionMap {
	out := make(messages.ImpressionMap, len(imps))
	nowMS := now.UnixMilli()
	for id, hist := range imps {
		freq, ok := freqFor(id)
		if !ok {
			continue
		}
		if freq != nil && freq.Lifetime == nil {
			if longest, ok := LongestPeriod(freq); ok {
				hist = trim(hist, nowMS, longest.Milliseconds())
			}
		}
		out[id] = hist
	}
	return out
}

// PruneMultiProfile applies the fixed retention ceiling to shared impressions
// and removes ids that no longer exist in state.
func PruneMultiProfile(imps messages.ImpressionMap, live func(id string) bool, now time.Time) messages.ImpressionMap {
	out := make(messages.ImpressionMap, len(imps))
	nowMS := now.UnixMilli()
	ceiling := MultiProfileRetention.Milliseconds()
	for id, hist := range imps {
		if !live(id) {
			continue
		}
		out[id] = trim(hist, nowMS, ceiling)
	}
	return out
}

func trim(hist []int64, nowMS, windowMS int64) []int64 {
	kept := make([]int64, 0, len(hist))
	for _, ts := range hist {
		if nowMS-ts < windowMS {
			kept = append(kept, ts)
		}
	}
	return kept
}
