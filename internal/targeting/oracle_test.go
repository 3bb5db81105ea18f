package targeting

import (
	"context"
	"testing"

	"msgrouter/internal/messages"
)

func TestPriorityOracleRanking(t *testing.T) {
	t.Parallel()
	candidates := []messages.Message{
		{ID: "late", Priority: 2, Order: 5},
		{ID: "low", Priority: 1, Order: 0},
		{ID: "early", Priority: 2, Order: 1},
	}

	var o PriorityOracle
	best, err := o.FindMatchingMessage(context.Background(), candidates, Trigger{}, Options{})
	if err != nil {
		t.Fatalf("FindMatchingMessage error: %v", err)
	}
	if best == nil || best.ID != "early" {
		t.Fatalf("best = %+v, want highest priority with lowest order", best)
	}

	all, err := o.FindAllMatchingMessages(context.Background(), candidates, Trigger{})
	if err != nil {
		t.Fatalf("FindAllMatchingMessages error: %v", err)
	}
	wantOrder := []string{"early", "late", "low"}
	for i, id := range wantOrder {
		if all[i].ID != id {
			t.Fatalf("rank[%d] = %q, want %q (%+v)", i, all[i].ID, id, all)
		}
	}
	// Input must not be reordered in place.
	if candidates[0].ID != "late" {
		t.Fatal("ranking mutated the candidate slice")
	}
}

func TestPriorityOracleEmpty(t *testing.T) {
	t.Parallel()
	var o PriorityOracle
	best, err := o.FindMatchingMessage(context.Background(), nil, Trigger{}, Options{})
	if err != nil || best != nil {
		t.Fatalf("empty candidates = %+v, %v; want nil, nil", best, err)
	}
}
