package providers

import (
	"encoding/json"
	"fmt"

	"msgrouter/internal/messages"
	logx "msgrouter/pkg/logx"
)

// loadRemoteExperiments synthesizes messages from enrollment branches. A
// feature with no active enrollment or no configured variables contributes
// nothing; that is disabled, not an error.
func (l *Loader) loadRemoteExperiments(p messages.Provider) (Result, error) {
	if l.experiments == nil {
		return Result{}, fmt.Errorf("provider %s: no experiments source configured", p.ID)
	}

	var out []messages.Message
	for _, featureID := range p.Features {
		enr, ok := l.experiments.Enrollment(featureID)
		if !ok {
			continue
		}
		raw, ok := enr.Branch.Features[featureID]
		if !ok || len(raw) == 0 {
			continue
		}

		primary, err := decodeFeatureMessage(raw)
		if err != nil {
			l.log.Warn("malformed experiment feature value",
				logx.String("feature", featureID), logx.String("slug", enr.Slug), logx.Err(err))
			continue
		}
		// Only trigger-bearing values are routable messages.
		if primary.Trigger == nil {
			continue
		}
		if primary.ID == "" {
			primary.ID = enr.Slug + ":" + featureID
		}
		out = append(out, *primary)

		// Rollouts have no comparison branches to account reach against.
		if enr.IsRollout {
			continue
		}
		for _, branch := range enr.OtherBranches {
			braw, ok := branch.Features[featureID]
			if !ok || len(braw) == 0 {
				continue
			}
			companion, err := decodeFeatureMessage(braw)
			if err != nil || companion.Trigger == nil {
				continue
			}
			companion.ID = enr.Slug + ":" + branch.Slug
			companion.ForReachEvent = &messages.ReachRef{
				Sent:           false,
				Group:          featureID,
				ExperimentSlug: enr.Slug,
				BranchSlug:     branch.Slug,
			}
			out = append(out, *companion)
		}
	}
	return Result{Messages: out}, nil
}

func decodeFeatureMessage(raw json.RawMessage) (*messages.Message, error) {
	var m messages.Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
