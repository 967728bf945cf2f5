package consensus

import (
	"github.com/ferrite-bft/ferrite/internal/types"
)

// VoteSet aggregates the votes of one (height, round, type). The sender map
// deduplicates voters; the proposal map counts votes per target, with the
// empty key counting nil votes. The per-proposal counts always sum to Count.
type VoteSet struct {
	VotesBySender   map[string]types.Target
	VotesByProposal map[string]int
	Count           int
}

func newVoteSet() *VoteSet {
	return &VoteSet{
		VotesBySender:   make(map[string]types.Target),
		VotesByProposal: make(map[string]int),
	}
}

func (vs *VoteSet) add(v *types.Vote) bool {
	sender := v.Voter.Key()
	if _, seen := vs.VotesBySender[sender]; seen {
		return false
	}
	vs.VotesBySender[sender] = v.Proposal.Clone()
	vs.VotesByProposal[string(v.Proposal)]++
	vs.Count++
	return true
}

// AbstractPoLC extracts the votes matching hash, rebuilt as full votes at
// (height, round, vt). The result is the lock evidence carried by proposals
// and commits.
func (vs *VoteSet) AbstractPoLC(height, round uint64, vt types.VoteType, hash types.Target) []types.Vote {
	votes := make([]types.Vote, 0, vs.Count)
	for sender, target := range vs.VotesBySender {
		if !target.Equal(hash) {
			continue
		}
		votes = append(votes, types.Vote{
			Type:     vt,
			Height:   height,
			Round:    round,
			Proposal: hash.Clone(),
			Voter:    types.Address(sender),
		})
	}
	return votes
}

// VoteCollector indexes incoming votes by (height, round, type) and keeps a
// per-round prevote tally for the catch-up scan. Records for heights the
// engine has left behind are released on height advance.
type VoteCollector struct {
	votes        map[uint64]map[uint64]map[types.VoteType]*VoteSet
	prevoteCount map[uint64]int
}

// NewVoteCollector returns an empty collector.
func NewVoteCollector() *VoteCollector {
	return &VoteCollector{
		votes:        make(map[uint64]map[uint64]map[types.VoteType]*VoteSet),
		prevoteCount: make(map[uint64]int),
	}
}

// Add stores a vote. It returns true iff the vote is well-formed and its
// voter has not voted before at the same (height, round, type).
func (c *VoteCollector) Add(v *types.Vote) bool {
	if v == nil || !v.Type.Valid() || len(v.Voter) == 0 {
		return false
	}

	rounds, ok := c.votes[v.Height]
	if !ok {
		rounds = make(map[uint64]map[types.VoteType]*VoteSet)
		c.votes[v.Height] = rounds
	}
	steps, ok := rounds[v.Round]
	if !ok {
		steps = make(map[types.VoteType]*VoteSet)
		rounds[v.Round] = steps
	}
	vs, ok := steps[v.Type]
	if !ok {
		vs = newVoteSet()
		steps[v.Type] = vs
	}

	if !vs.add(v) {
		return false
	}
	if v.Type == types.Prevote {
		c.prevoteCount[v.Round]++
	}
	return true
}

// GetVoteSet returns the votes at (height, round, vt), or nil if none exist.
func (c *VoteCollector) GetVoteSet(height, round uint64, vt types.VoteType) *VoteSet {
	rounds, ok := c.votes[height]
	if !ok {
		return nil
	}
	steps, ok := rounds[round]
	if !ok {
		return nil
	}
	return steps[vt]
}

// PrevoteCountByRound exposes the per-round prevote tally. The map belongs to
// the collector; callers must not mutate it.
func (c *VoteCollector) PrevoteCountByRound() map[uint64]int {
	return c.prevoteCount
}

// ClearPrevoteCount resets the per-round tally. Invoked on height change.
func (c *VoteCollector) ClearPrevoteCount() {
	c.prevoteCount = make(map[uint64]int)
}

// Prune releases vote records for all heights below keepFrom.
func (c *VoteCollector) Prune(keepFrom uint64) {
	for h := range c.votes {
		if h < keepFrom {
			delete(c.votes, h)
		}
	}
}
