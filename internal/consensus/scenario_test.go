package consensus

import (
	"testing"

	"github.com/ferrite-bft/ferrite/internal/types"
)

// Scenario: full happy path at (1, 0) with four authorities. Authority 1
// proposes; this replica follows the proposal through prevote, precommit and
// commit, then advances on the host's RichStatus.
func TestScenarioHappyPath(t *testing.T) {
	authorities := testAuthorities(4)
	e := newTestEngine(t, 0, authorities)
	content := types.Target("block-x")

	e.newRoundStart()
	if e.step != types.StepProposeWait {
		t.Fatalf("step = %v, want ProposeWait (authority 1 proposes at (1,0))", e.step)
	}
	drainTimers(e)

	// Proposal arrives from the proposer.
	e.process(&types.Proposal{Height: 1, Round: 0, Content: content, Proposer: authorities[1]})
	if e.step != types.StepPrevote {
		t.Fatalf("step = %v, want Prevote after proposal", e.step)
	}
	prevote := lastVote(t, drainOut(e), types.Prevote)
	if !prevote.Proposal.Equal(content) {
		t.Fatalf("prevote target = %s, want proposal content", prevote.Proposal)
	}

	// Three peers prevote the same content.
	for _, voter := range []types.Address{authorities[1], authorities[2], authorities[3]} {
		e.process(makeVote(types.Prevote, 1, 0, content, voter))
	}
	if e.step != types.StepPrevoteWait {
		t.Fatalf("step = %v, want PrevoteWait after +2/3 prevotes", e.step)
	}

	// PrevoteWait expires: precommit goes out.
	e.timeoutProcess(TimeoutInfo{Height: 1, Round: 0, Step: types.StepPrevoteWait})
	if e.step != types.StepPrecommit {
		t.Fatalf("step = %v, want Precommit", e.step)
	}
	precommit := lastVote(t, drainOut(e), types.Precommit)
	if !precommit.Proposal.Equal(content) {
		t.Fatalf("precommit target = %s, want proposal content", precommit.Proposal)
	}

	// Three peers precommit; the PoLC forms.
	for _, voter := range []types.Address{authorities[1], authorities[2], authorities[3]} {
		e.process(makeVote(types.Precommit, 1, 0, content, voter))
	}
	if e.step != types.StepPrecommitWait {
		t.Fatalf("step = %v, want PrecommitWait after +2/3 precommits", e.step)
	}
	if e.lock == nil || !e.lock.Proposal.Equal(content) {
		t.Fatalf("lock = %+v, want PoLC on the proposal", e.lock)
	}

	// PrecommitWait expires: the commit is emitted.
	e.timeoutProcess(TimeoutInfo{Height: 1, Round: 0, Step: types.StepPrecommitWait})
	if e.step != types.StepCommitWait {
		t.Fatalf("step = %v, want CommitWait", e.step)
	}

	var commit *types.Commit
	for _, msg := range drainOut(e) {
		if c, ok := msg.(*types.Commit); ok {
			commit = c
		}
	}
	if commit == nil {
		t.Fatal("no commit emitted")
	}
	if commit.Height != 1 || !commit.Proposal.Equal(content) {
		t.Fatalf("commit = %+v", commit)
	}
	// Commit provenance: more than 2/3 precommits for the proposal.
	if len(commit.LockVotes) != 3 {
		t.Fatalf("commit lock votes = %d, want 3", len(commit.LockVotes))
	}
	for _, v := range commit.LockVotes {
		if v.Type != types.Precommit || v.Height != 1 || v.Round != 0 || !v.Proposal.Equal(content) {
			t.Fatalf("commit vote = %+v", v)
		}
	}

	// Height advances only on RichStatus.
	e.process(&types.RichStatus{Height: 1, AuthorityList: authorities})
	if e.height != 2 || e.round != 0 {
		t.Fatalf("after RichStatus: height = %d round = %d, want (2, 0)", e.height, e.round)
	}
	if e.lock != nil || e.proposal != nil {
		t.Fatal("lock and proposal must be cleared at the new height")
	}
}

// Scenario: +2/3 nil precommits advance the round without a commit.
func TestScenarioNilPrecommitAdvancesRound(t *testing.T) {
	authorities := testAuthorities(4)
	e := newTestEngine(t, 0, authorities)
	e.proposal = types.Target("doomed")
	e.step = types.StepPrecommit
	drainTimers(e)

	for _, voter := range []types.Address{authorities[1], authorities[2], authorities[3]} {
		e.process(makeVote(types.Precommit, 1, 0, types.Target{}, voter))
	}

	if e.round != 1 {
		t.Fatalf("round = %d, want 1 after nil consensus", e.round)
	}
	if e.proposal != nil {
		t.Fatal("unlocked tentative proposal must be cleared")
	}
	for _, msg := range drainOut(e) {
		if _, ok := msg.(*types.Commit); ok {
			t.Fatal("nil consensus must not commit")
		}
	}
	// The new round started: (1 + 1) mod 4 = 2, so this replica waits.
	if e.step != types.StepProposeWait {
		t.Fatalf("step = %v, want ProposeWait in the new round", e.step)
	}
}

// A locked replica keeps its proposal across a nil round advance.
func TestScenarioNilPrecommitKeepsLock(t *testing.T) {
	authorities := testAuthorities(4)
	e := newTestEngine(t, 0, authorities)
	e.lock = &types.LockStatus{Proposal: types.Target("kept"), Round: 0}
	e.proposal = types.Target("kept")
	e.step = types.StepPrecommit

	for _, voter := range []types.Address{authorities[1], authorities[2], authorities[3]} {
		e.process(makeVote(types.Precommit, 1, 0, types.Target{}, voter))
	}

	if e.round != 1 {
		t.Fatalf("round = %d, want 1", e.round)
	}
	if e.lock == nil || !e.lock.Proposal.Equal(types.Target("kept")) {
		t.Fatalf("lock = %+v, want kept across the nil round", e.lock)
	}
	if e.proposal == nil {
		t.Fatal("locked proposal must survive the nil round")
	}
}

// Height only moves on RichStatus, and only forward.
func TestScenarioHeightMonotonic(t *testing.T) {
	authorities := testAuthorities(4)
	e := newTestEngine(t, 0, authorities)
	e.height = 5

	e.process(&types.RichStatus{Height: 3, AuthorityList: authorities})
	if e.height != 5 {
		t.Fatalf("height = %d, stale RichStatus must not move it", e.height)
	}

	e.process(&types.RichStatus{Height: 7, AuthorityList: authorities})
	if e.height != 8 {
		t.Fatalf("height = %d, want 8 after RichStatus{7}", e.height)
	}
	if e.round != 0 {
		t.Fatalf("round = %d, want reset to 0", e.round)
	}
}

// At most one commit per height: a second PrecommitWait expiry in CommitWait
// is stale and produces nothing.
func TestScenarioNoDoubleCommit(t *testing.T) {
	authorities := testAuthorities(4)
	e := newTestEngine(t, 0, authorities)
	content := types.Target("once")
	e.lock = &types.LockStatus{
		Proposal: content,
		Votes: []types.Vote{
			*makeVote(types.Precommit, 1, 0, content, authorities[1]),
			*makeVote(types.Precommit, 1, 0, content, authorities[2]),
			*makeVote(types.Precommit, 1, 0, content, authorities[3]),
		},
	}
	e.step = types.StepPrecommitWait

	e.timeoutProcess(TimeoutInfo{Height: 1, Round: 0, Step: types.StepPrecommitWait})
	e.timeoutProcess(TimeoutInfo{Height: 1, Round: 0, Step: types.StepPrecommitWait})

	commits := 0
	for _, msg := range drainOut(e) {
		if _, ok := msg.(*types.Commit); ok {
			commits++
		}
	}
	if commits != 1 {
		t.Fatalf("commits = %d, want exactly 1", commits)
	}
	if e.lastCommitRound == nil || *e.lastCommitRound != 0 {
		t.Fatalf("last commit round = %v, want 0", e.lastCommitRound)
	}
	if !e.lastCommitProposal.Equal(content) {
		t.Fatal("last commit proposal not recorded")
	}
}

// A lagging peer's proposal from the previous height triggers vote
// retransmission instead of processing.
func TestScenarioLaggingProposalServed(t *testing.T) {
	authorities := testAuthorities(4)
	e := newTestEngine(t, 0, authorities)
	e.height = 4
	commitRound := uint64(0)
	e.lastCommitRound = &commitRound
	e.lastCommitProposal = types.Target("done")

	e.process(&types.Proposal{Height: 3, Round: 1, Content: types.Target("late"), Proposer: authorities[2]})

	msgs := drainOut(e)
	if len(msgs) != 2 {
		t.Fatalf("expected prevote+precommit retransmit, got %d messages", len(msgs))
	}
	if e.proposal != nil {
		t.Fatal("lagging proposal must not be adopted")
	}
}

// Step never goes backwards within a round: late proposals and prevotes are
// ignored once the engine is past their window.
func TestScenarioLateMessagesIgnored(t *testing.T) {
	authorities := testAuthorities(4)
	e := newTestEngine(t, 0, authorities)
	e.step = types.StepPrecommit

	e.process(&types.Proposal{Height: 1, Round: 0, Content: types.Target("late"), Proposer: authorities[1]})
	if e.proposal != nil {
		t.Fatal("proposal past ProposeWait must be ignored")
	}

	e.step = types.StepPrecommitWait
	e.process(makeVote(types.Prevote, 1, 0, types.Target("late"), authorities[1]))
	if vs := e.votes.GetVoteSet(1, 0, types.Prevote); vs != nil {
		t.Fatal("prevote past PrevoteWait must be ignored")
	}
}

// Feed while waiting for a proposal restarts the round so the proposer can
// finally transmit.
func TestScenarioFeedUnblocksProposer(t *testing.T) {
	authorities := testAuthorities(4)
	// (1 + 0) mod 4 = 1: authority 1 proposes at (1, 0).
	e := newTestEngine(t, 1, authorities)

	e.newRoundStart()
	if e.step != types.StepProposeWait {
		t.Fatalf("step = %v, want ProposeWait without a feed", e.step)
	}
	drainOut(e)
	drainTimers(e)

	e.process(&types.Feed{Height: 1, Proposal: types.Target("fed")})

	if e.step != types.StepPrevote {
		t.Fatalf("step = %v, want Prevote after the feed unblocked the proposer", e.step)
	}
	msgs := drainOut(e)
	var proposal *types.Proposal
	for _, msg := range msgs {
		if p, ok := msg.(*types.Proposal); ok {
			proposal = p
		}
	}
	if proposal == nil || !proposal.Content.Equal(types.Target("fed")) {
		t.Fatalf("proposal = %+v, want the feed content", proposal)
	}
}

// A stale feed for a past height is dropped.
func TestScenarioStaleFeedDropped(t *testing.T) {
	authorities := testAuthorities(4)
	e := newTestEngine(t, 0, authorities)
	e.height = 5

	e.process(&types.Feed{Height: 3, Proposal: types.Target("old")})
	if e.feed != nil {
		t.Fatal("feed below the current height must be dropped")
	}
}
