package eligibility

import (
	"testing"
	"time"

	"msgrouter/internal/messages"
)

func intPtr(v int) *int { return &v }

func TestIsBlocked(t *testing.T) {
	t.Parallel()
	m := &messages.Message{ID: "msg-1", Campaign: "summer"}

	if IsBlocked(m, nil, nil) {
		t.Fatal("unblocked message reported blocked")
	}
	if !IsBlocked(m, []string{"summer"}, nil) {
		t.Fatal("campaign block not honored")
	}
	if !IsBlocked(m, []string{"msg-1"}, nil) {
		t.Fatal("id block not honored")
	}
	if !IsBlocked(m, nil, []string{"msg-1"}) {
		t.Fatal("shared block not honored")
	}
	// The shared list is id-only; a campaign entry there means nothing.
	if IsBlocked(m, nil, []string{"summer"}) {
		t.Fatal("campaign key must not match in the shared list")
	}
}

func TestGroupsEnabled(t *testing.T) {
	t.Parallel()
	groups := map[string]messages.Group{
		"on":  {ID: "on", Enabled: true},
		"off": {ID: "off", Enabled: false},
	}

	tests := []struct {
		name string
		ids  []string
		want bool
	}{
		{name: "no groups", ids: nil, want: true},
		{name: "enabled group", ids: []string{"on"}, want: true},
		{name: "disabled group", ids: []string{"on", "off"}, want: false},
		{name: "missing group counts as disabled", ids: []string{"ghost"}, want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			m := &messages.Message{ID: "m", Groups: tt.ids}
			if got := GroupsEnabled(m, groups); got != tt.want {
				t.Fatalf("GroupsEnabled = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLifetimeCapBoundary(t *testing.T) {
	t.Parallel()
	freq := &messages.FrequencyConfig{Lifetime: intPtr(3)}
	now := time.UnixMilli(1_000_000)

	if !BelowItemFrequencyCap(freq, []int64{1, 2}, now, MaxMessageLifetimeCap) {
		t.Fatal("two impressions must pass a lifetime cap of three")
	}
	if BelowItemFrequencyCap(freq, []int64{1, 2, 3}, now, MaxMessageLifetimeCap) {
		t.Fatal("three impressions must fail a lifetime cap of three")
	}
	if BelowItemFrequencyCap(freq, []int64{1, 2, 3, 4}, now, MaxMessageLifetimeCap) {
		t.Fatal("four impressions must fail a lifetime cap of three")
	}
}

func TestLifetimeCapClamp(t *testing.T) {
	t.Parallel()
	freq := &messages.FrequencyConfig{Lifetime: intPtr(10_000)}
	now := time.UnixMilli(1_000_000)

	hist := make([]int64, MaxMessageLifetimeCap)
	if BelowItemFrequencyCap(freq, hist, now, MaxMessageLifetimeCap) {
		t.Fatal("clamped lifetime cap not applied")
	}
	// Groups pass 0 and take the configured cap at face value.
	if !BelowItemFrequencyCap(freq, hist, now, 0) {
		t.Fatal("clamp must be disabled when maxLifetimeCap is 0")
	}
}

func TestCustomCapSlidingWindow(t *testing.T) {
	t.Parallel()
	const day = int64(24 * 60 * 60 * 1000)
	freq := &messages.FrequencyConfig{Custom: []messages.CustomCap{{PeriodMS: day, Cap: 1}}}
	now := time.UnixMilli(day + 10)

	// One impression at t=0 left the trailing window (day+10 - 0 >= day).
	if !BelowItemFrequencyCap(freq, []int64{0}, now, MaxMessageLifetimeCap) {
		t.Fatal("impression outside the window must not count")
	}
	// One at day+1 is still inside it.
	if BelowItemFrequencyCap(freq, []int64{day + 1}, now, MaxMessageLifetimeCap) {
		t.Fatal("impression inside the window must count against the cap")
	}
	if BelowItemFrequencyCap(freq, []int64{0, day + 1}, now, MaxMessageLifetimeCap) {
		t.Fatal("mixed history with one in-window impression must fail cap 1")
	}
}

func TestNilFrequencyAlwaysPasses(t *testing.T) {
	t.Parallel()
	hist := []int64{1, 2, 3, 4, 5}
	if !BelowItemFrequencyCap(nil, hist, time.Now(), MaxMessageLifetimeCap) {
		t.Fatal("nil frequency config must pass regardless of history")
	}
}

func TestLongestPeriod(t *testing.T) {
	t.Parallel()
	if _, ok := LongestPeriod(nil); ok {
		t.Fatal("nil config has no period")
	}
	if _, ok := LongestPeriod(&messages.FrequencyConfig{Lifetime: intPtr(5)}); ok {
		t.Fatal("lifetime-only config has no period")
	}
	freq := &messages.FrequencyConfig{Custom: []messages.CustomCap{
		{PeriodMS: 1000, Cap: 1},
		{PeriodMS: 5000, Cap: 2},
		{PeriodMS: 2000, Cap: 3},
	}}
	got, ok := LongestPeriod(freq)
	if !ok || got != 5*time.Second {
		t.Fatalf("LongestPeriod = %v, %v; want 5s, true", got, ok)
	}
}
