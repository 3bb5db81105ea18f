package targeting

import (
	"context"
	"encoding/json"
	"sort"

	"msgrouter/internal/messages"
)

// Trigger describes the inbound application event a request is for.
type Trigger struct {
	ID      string
	Param   json.RawMessage
	Context map[string]any
}

// Options tune a single oracle call.
type Options struct {
	// NoCache tells the oracle not to reuse a previously evaluated result.
	// Badge-style messages are transient and must be re-evaluated every call.
	NoCache bool
}

// Oracle picks the best-matching message from an already-filtered candidate
// set. The router hands it candidates that passed every eligibility gate and
// returns whatever it picks verbatim.
//
// Implementations evaluate each candidate's Targeting expression against the
// trigger context; this package only ships the ranking fallback.
type Oracle interface {
	FindMatchingMessage(ctx context.Context, candidates []messages.Message, trig Trigger, opts Options) (*messages.Message, error)
	FindAllMatchingMessages(ctx context.Context, candidates []messages.Message, trig Trigger) ([]messages.Message, error)
}

// PriorityOracle ranks candidates by Priority (higher wins) then Order
// (lower wins) and performs no expression evaluation. It is the default
// oracle when no targeting evaluator is wired in.
type PriorityOracle struct{}

func (PriorityOracle) FindMatchingMessage(ctx context.Context, candidates []messages.Message, trig Trigger, opts Options) (*messages.Message, error) {
	_ = ctx
	_ = trig
	_ = opts
	if len(candidates) == 0 {
		return nil, nil
	}
	ranked := rank(candidates)
	best := ranked[0]
	return &best, nil
}

func (PriorityOracle) FindAllMatchingMessages(ctx context.Context, candidates []messages.Message, trig Trigger) ([]messages.Message, error) {
	_ = ctx
	_ = trig
	return rank(candidates), nil
}

func rank(candidates []messages.Message) []messages.Message {
	out := append([]messages.Message(nil), candidates...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Order < out[j].Order
	})
	return out
}
