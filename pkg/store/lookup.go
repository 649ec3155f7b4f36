package store

import (
	"sort"

	"github.com/connerlevi/capnet/pkg/model"
)

// FindCapForAgent returns the best capability candidate for an agent
// identity. It takes the request's agent_pubkey for call-site symmetry but
// filters the candidate set on agent_id alone: the full executor binding
// (both agent_id and agent_pubkey) is re-checked as its own step by the
// enforcement engine, immediately after signature verification. Filtering
// on agent_id alone is what makes that recheck reachable: presenting a
// capability issued to a different agent_pubkey under the same agent_id
// surfaces EXECUTOR_MISMATCH instead of the less specific NO_CAPABILITY a
// pubkey-inclusive filter would produce.
//
// Candidates are ranked with a composite sort (unrevoked first, newest
// issued_at first, earliest expires_at first); revoked capabilities are
// deliberately included so enforcement can surface REVOKED instead of
// NO_CAPABILITY when that is the more informative reason.
func (s *Store) FindCapForAgent(agentID, agentPubKey string) (model.Capability, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_ = agentPubKey // intentionally unused in the filter predicate; see doc comment

	type candidate struct {
		cap     model.Capability
		revoked bool
	}

	var matches []candidate
	for id, cap := range s.capabilities {
		if cap.Executor.AgentID != agentID {
			continue
		}
		matches = append(matches, candidate{cap: cap, revoked: s.revoked[id]})
	}
	if len(matches) == 0 {
		return model.Capability{}, false
	}

	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.revoked != b.revoked {
			return !a.revoked // unrevoked (false) sorts before revoked (true)
		}
		if !a.cap.IssuedAt.Equal(b.cap.IssuedAt) {
			return a.cap.IssuedAt.After(b.cap.IssuedAt) // newest first
		}
		return a.cap.ExpiresAt.Before(b.cap.ExpiresAt) // earlier expiry first
	})

	return matches[0].cap, true
}
