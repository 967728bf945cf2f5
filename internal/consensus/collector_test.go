package consensus

import (
	"testing"

	"github.com/ferrite-bft/ferrite/internal/types"
)

func TestCollectorAddAndDeduplicate(t *testing.T) {
	c := NewVoteCollector()
	v := makeVote(types.Prevote, 1, 0, types.Target("X"), types.Address("a"))

	if !c.Add(v) {
		t.Fatal("first add must succeed")
	}
	if c.Add(v) {
		t.Fatal("duplicate voter must be rejected")
	}

	vs := c.GetVoteSet(1, 0, types.Prevote)
	if vs == nil || vs.Count != 1 {
		t.Fatalf("vote set = %+v, want count 1", vs)
	}
}

func TestCollectorRejectsMalformed(t *testing.T) {
	c := NewVoteCollector()

	if c.Add(nil) {
		t.Fatal("nil vote must be rejected")
	}
	if c.Add(&types.Vote{Type: types.VoteType(9), Height: 1, Voter: types.Address("a")}) {
		t.Fatal("unknown vote type must be rejected")
	}
	if c.Add(&types.Vote{Type: types.Prevote, Height: 1}) {
		t.Fatal("missing voter must be rejected")
	}
}

// A voter may vote once per (height, round, type); the same voter at another
// coordinate is a fresh vote.
func TestCollectorSeparatesCoordinates(t *testing.T) {
	c := NewVoteCollector()
	voter := types.Address("a")

	if !c.Add(makeVote(types.Prevote, 1, 0, types.Target("X"), voter)) {
		t.Fatal("prevote at (1,0)")
	}
	if !c.Add(makeVote(types.Precommit, 1, 0, types.Target("X"), voter)) {
		t.Fatal("precommit at (1,0) is a distinct slot")
	}
	if !c.Add(makeVote(types.Prevote, 1, 1, types.Target("X"), voter)) {
		t.Fatal("prevote at (1,1) is a distinct slot")
	}
	if !c.Add(makeVote(types.Prevote, 2, 0, types.Target("X"), voter)) {
		t.Fatal("prevote at (2,0) is a distinct slot")
	}
}

// Per-proposal counts always sum to the set total.
func TestVoteSetCountInvariant(t *testing.T) {
	c := NewVoteCollector()
	c.Add(makeVote(types.Prevote, 1, 0, types.Target("X"), types.Address("a")))
	c.Add(makeVote(types.Prevote, 1, 0, types.Target("X"), types.Address("b")))
	c.Add(makeVote(types.Prevote, 1, 0, types.Target("Y"), types.Address("c")))
	c.Add(makeVote(types.Prevote, 1, 0, types.Target{}, types.Address("d")))

	vs := c.GetVoteSet(1, 0, types.Prevote)
	if vs.Count != 4 {
		t.Fatalf("count = %d, want 4", vs.Count)
	}
	sum := 0
	for _, n := range vs.VotesByProposal {
		sum += n
	}
	if sum != vs.Count {
		t.Fatalf("per-proposal sum = %d, want %d", sum, vs.Count)
	}
	if vs.VotesByProposal["X"] != 2 || vs.VotesByProposal["Y"] != 1 || vs.VotesByProposal[""] != 1 {
		t.Fatalf("votes by proposal = %+v", vs.VotesByProposal)
	}
}

func TestCollectorPrevoteCountPerRound(t *testing.T) {
	c := NewVoteCollector()
	c.Add(makeVote(types.Prevote, 1, 0, types.Target("X"), types.Address("a")))
	c.Add(makeVote(types.Prevote, 1, 0, types.Target("X"), types.Address("b")))
	c.Add(makeVote(types.Prevote, 1, 2, types.Target("X"), types.Address("c")))
	// Precommits do not enter the prevote tally.
	c.Add(makeVote(types.Precommit, 1, 0, types.Target("X"), types.Address("d")))

	counts := c.PrevoteCountByRound()
	if counts[0] != 2 || counts[2] != 1 {
		t.Fatalf("prevote counts = %+v", counts)
	}

	c.ClearPrevoteCount()
	if len(c.PrevoteCountByRound()) != 0 {
		t.Fatal("tally must be empty after clear")
	}
}

func TestAbstractPoLCExtractsMatchingVotes(t *testing.T) {
	c := NewVoteCollector()
	target := types.Target("X")
	c.Add(makeVote(types.Prevote, 3, 1, target, types.Address("a")))
	c.Add(makeVote(types.Prevote, 3, 1, target, types.Address("b")))
	c.Add(makeVote(types.Prevote, 3, 1, types.Target("Y"), types.Address("c")))

	vs := c.GetVoteSet(3, 1, types.Prevote)
	votes := vs.AbstractPoLC(3, 1, types.Prevote, target)

	if len(votes) != 2 {
		t.Fatalf("polc votes = %d, want 2", len(votes))
	}
	voters := map[string]bool{}
	for _, v := range votes {
		if v.Height != 3 || v.Round != 1 || v.Type != types.Prevote || !v.Proposal.Equal(target) {
			t.Fatalf("polc vote = %+v", v)
		}
		voters[v.Voter.Key()] = true
	}
	if !voters["a"] || !voters["b"] {
		t.Fatalf("polc voters = %v", voters)
	}
}

func TestCollectorPruneReleasesOldHeights(t *testing.T) {
	c := NewVoteCollector()
	c.Add(makeVote(types.Prevote, 1, 0, types.Target("X"), types.Address("a")))
	c.Add(makeVote(types.Prevote, 2, 0, types.Target("X"), types.Address("a")))
	c.Add(makeVote(types.Prevote, 3, 0, types.Target("X"), types.Address("a")))

	c.Prune(3)

	if c.GetVoteSet(1, 0, types.Prevote) != nil || c.GetVoteSet(2, 0, types.Prevote) != nil {
		t.Fatal("heights below the watermark must be released")
	}
	if c.GetVoteSet(3, 0, types.Prevote) == nil {
		t.Fatal("the current height must be kept")
	}
}

func TestCollectorGetVoteSetMissing(t *testing.T) {
	c := NewVoteCollector()
	if c.GetVoteSet(1, 0, types.Prevote) != nil {
		t.Fatal("missing coordinates must return nil")
	}
	c.Add(makeVote(types.Prevote, 1, 0, types.Target("X"), types.Address("a")))
	if c.GetVoteSet(1, 0, types.Precommit) != nil {
		t.Fatal("missing type must return nil")
	}
}
