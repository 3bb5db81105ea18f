package eligibility

import (
	"testing"
	"time"

	"msgrouter/internal/messages"
)

func TestCleanupDropsDeadIDs(t *testing.T) {
	t.Parallel()
	imps := messages.ImpressionMap{
		"live": {1, 2},
		"dead": {3, 4},
	}
	freqFor := func(id string) (*messages.FrequencyConfig, bool) {
		if id == "live" {
			return nil, true
		}
		return nil, false
	}
	out := CleanupImpressions(imps, freqFor, time.UnixMilli(100))
	if _, ok := out["dead"]; ok {
		t.Fatal("history for a vanished id must be dropped")
	}
	if len(out["live"]) != 2 {
		t.Fatalf("live history altered: %v", out["live"])
	}
}

func TestCleanupTrimsToLongestPeriod(t *testing.T) {
	t.Parallel()
	now := time.UnixMilli(10_000)
	freq := &messages.FrequencyConfig{Custom: []messages.CustomCap{
		{PeriodMS: 1000, Cap: 1},
		{PeriodMS: 4000, Cap: 2},
	}}
	imps := messages.ImpressionMap{"m": {1000, 5000, 7000, 9500}}
	freqFor := func(string) (*messages.FrequencyConfig, bool) { return freq, true }

	out := CleanupImpressions(imps, freqFor, now)
	// Window is the longest period (4000ms): keep ts with now-ts < 4000.
	want := []int64{7000, 9500}
	got := out["m"]
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("trimmed history = %v, want %v", got, want)
	}
}

func TestCleanupKeepsFullHistoryForLifetimeCaps(t *testing.T) {
	t.Parallel()
	lifetime := 5
	freq := &messages.FrequencyConfig{
		Lifetime: &lifetime,
		Custom:   []messages.CustomCap{{PeriodMS: 10, Cap: 1}},
	}
	imps := messages.ImpressionMap{"m": {1, 2, 3}}
	freqFor := func(string) (*messages.FrequencyConfig, bool) { return freq, true }

	out := CleanupImpressions(imps, freqFor, time.UnixMilli(1_000_000))
	if len(out["m"]) != 3 {
		t.Fatalf("lifetime-capped history must not be trimmed, got %v", out["m"])
	}
}

func TestPruneMultiProfile(t *testing.T) {
	t.Parallel()
	now := time.UnixMilli(MultiProfileRetention.Milliseconds() + 1000)
	imps := messages.ImpressionMap{
		"live": {10, now.UnixMilli() - 5},
		"dead": {now.UnixMilli() - 5},
	}
	live := func(id string) bool { return id == "live" }

	out := PruneMultiProfile(imps, live, now)
	if _, ok := out["dead"]; ok {
		t.Fatal("dead id must be pruned from shared history")
	}
	// The entry at ts=10 is past the retention ceiling.
	if len(out["live"]) != 1 {
		t.Fatalf("retention ceiling not applied: %v", out["live"])
	}
}
