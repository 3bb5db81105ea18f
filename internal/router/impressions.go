package router

import (
	"context"
	"time"

	"msgrouter/internal/eligibility"
	"msgrouter/internal/messages"
	logx "msgrouter/pkg/logx"
)

// AddImpression records that a message was shown: a local timestamp for the
// message (caps only matter if it has a frequency config) and for each of
// its capped groups, plus the shared write path for single-profile-scoped
// messages when multi-profile is active.
func (r *Router) AddImpression(ctx context.Context, m *messages.Message) {
	now := r.now().UnixMilli()

	next := r.SetState(func(s *State) {
		if m.HasFrequency() {
			s.MessageImpressions[m.ID] = append(s.MessageImpressions[m.ID], now)
		}
		for _, gid := range m.Groups {
			g, ok := s.GroupByID(gid)
			if ok && g.Frequency != nil {
				s.GroupImpressions[gid] = append(s.GroupImpressions[gid], now)
			}
		}
		if m.ScopedToSingleProfile() && r.sharedActive() {
			s.MultiProfileMessageImpressions[m.ID] = append(s.MultiProfileMessageImpressions[m.ID], now)
		}
	})

	if m.ScopedToSingleProfile() && r.sharedActive() {
		if err := r.shared.SetMessageImpressions(ctx, next.MultiProfileMessageImpressions); err != nil {
			r.log.Warn("shared impression write failed", logx.String("message_id", m.ID), logx.Err(err))
		}
	}
}

// AddScreenImpression remembers which message occupied a screen surface.
func (r *Router) AddScreenImpression(screenID, messageID string) {
	r.SetState(func(s *State) {
		s.ScreenImpressions[screenID] = messageID
	})
}

// cleanupImpressions prunes histories for ids that left state and trims
// in-window entries; run at init and after provider reloads.
func (r *Router) cleanupImpressions() {
	now := r.now()
	r.SetState(func(s *State) {
		msgFreq := func(id string) (*messages.FrequencyConfig, bool) {
			m, ok := s.MessageByID(id)
			if !ok {
				return nil, false
			}
			return m.Frequency, true
		}
		groupFreq := func(id string) (*messages.FrequencyConfig, bool) {
			g, ok := s.GroupByID(id)
			if !ok {
				return nil, false
			}
			return g.Frequency, true
		}
		s.MessageImpressions = eligibility.CleanupImpressions(s.MessageImpressions, msgFreq, now)
		s.GroupImpressions = eligibility.CleanupImpressions(s.GroupImpressions, groupFreq, now)
	})

	if r.sharedActive() {
		r.cleanupMultiProfileImpressions(now)
	}
}

func (r *Router) cleanupMultiProfileImpressions(now time.Time) {
	next := r.SetState(func(s *State) {
		live := func(id string) bool {
			_, ok := s.MessageByID(id)
			return ok
		}
		s.MultiProfileMessageImpressions = eligibility.PruneMultiProfile(s.MultiProfileMessageImpressions, live, now)
	})
	if err := r.shared.SetMessageImpressions(context.Background(), next.MultiProfileMessageImpressions); err != nil {
		r.log.Warn("shared impression prune write failed", logx.Err(err))
	}
}

// BlockMessageByID adds block keys for the given message ids. A campaigned
// message blocks by campaign, making every message of the campaign
// ineligible. Blocking is idempotent.
func (r *Router) BlockMessageByID(ctx context.Context, ids ...string) {
	var sharedBlocks []string
	r.SetState(func(s *State) {
		for _, id := range ids {
			key := id
			if m, ok := s.MessageByID(id); ok {
				key = m.BlockKey()
				if m.ScopedToSingleProfile() && r.sharedActive() {
					sharedBlocks = append(sharedBlocks, m.ID)
				}
				// A blocked message no longer needs local impression history.
				delete(s.MessageImpressions, m.ID)
			}
			if !containsStr(s.MessageBlockList, key) {
				s.MessageBlockList = append(s.MessageBlockList, key)
			}
		}
	})

	for _, id := range sharedBlocks {
		if err := r.shared.SetMessageBlocked(ctx, id, true); err != nil {
			r.log.Warn("shared block write failed", logx.String("message_id", id), logx.Err(err))
		}
	}
	if len(sharedBlocks) > 0 {
		r.SetState(func(s *State) {
			for _, id := range sharedBlocks {
				if !containsStr(s.MultiProfileMessageBlocklist, id) {
					s.MultiProfileMessageBlocklist = append(s.MultiProfileMessageBlocklist, id)
				}
			}
		})
	}
}

// UnblockMessageByID removes the message's block key. Removing an id that is
// not present is a no-op.
func (r *Router) UnblockMessageByID(ctx context.Context, id string) {
	s := r.GetState()
	key := id
	var sharedUnblock string
	if m, ok := s.MessageByID(id); ok {
		key = m.BlockKey()
		if m.ScopedToSingleProfile() && r.sharedActive() {
			sharedUnblock = m.ID
		}
	}

	r.SetState(func(s *State) {
		s.MessageBlockList = removeStr(s.MessageBlockList, key)
		s.MessageBlockList = removeStr(s.MessageBlockList, id)
		if sharedUnblock != "" {
			s.MultiProfileMessageBlocklist = removeStr(s.MultiProfileMessageBlocklist, sharedUnblock)
		}
	})

	if sharedUnblock != "" {
		if err := r.shared.SetMessageBlocked(ctx, sharedUnblock, false); err != nil {
			r.log.Warn("shared unblock write failed", logx.String("message_id", sharedUnblock), logx.Err(err))
		}
	}
}

// UnblockAll clears the local block list.
func (r *Router) UnblockAll() {
	r.SetState(func(s *State) {
		s.MessageBlockList = nil
	})
}

// ResetMessageState clears message impressions and the local block list.
func (r *Router) ResetMessageState() {
	r.SetState(func(s *State) {
		s.MessageImpressions = messages.ImpressionMap{}
		s.MessageBlockList = nil
	})
}

// ResetGroupsState clears group impression history.
func (r *Router) ResetGroupsState() {
	r.SetState(func(s *State) {
		s.GroupImpressions = messages.ImpressionMap{}
	})
}

// ResetScreenImpressions clears the per-screen bookkeeping.
func (r *Router) ResetScreenImpressions() {
	r.SetState(func(s *State) {
		s.ScreenImpressions = map[string]string{}
	})
}

func containsStr(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func removeStr(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
