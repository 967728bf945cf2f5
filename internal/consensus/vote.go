package consensus

import (
	"github.com/ferrite-bft/ferrite/internal/types"
	"go.uber.org/zap"
)

// voteTarget is the value this replica endorses right now: the locked value
// if any, else the tentative proposal, else nil.
func (e *Engine) voteTarget() types.Target {
	if e.lock != nil {
		return e.lock.Proposal
	}
	if e.proposal != nil {
		return e.proposal
	}
	return types.Target{}
}

// transmitPrevote broadcasts this replica's prevote and arms the prevote
// retransmit timer.
func (e *Engine) transmitPrevote() {
	target := e.voteTarget()

	e.logger.Debug("transmit prevote",
		zap.Uint64("height", e.height),
		zap.Uint64("round", e.round),
		zap.Stringer("target", target),
	)
	e.metrics.VotesSent.Inc()
	e.send(&types.Vote{
		Type:     types.Prevote,
		Height:   e.height,
		Round:    e.round,
		Proposal: target,
		Voter:    e.params.Address,
	})
	e.setTimer(e.params.Timer.Prevote()*retransmitMultiple, types.StepPrevote)
}

// broadcastPrecommit broadcasts this replica's precommit and arms the
// precommit retransmit timer.
func (e *Engine) broadcastPrecommit() {
	target := e.voteTarget()

	e.logger.Debug("transmit precommit",
		zap.Uint64("height", e.height),
		zap.Uint64("round", e.round),
		zap.Stringer("target", target),
	)
	e.metrics.VotesSent.Inc()
	e.send(&types.Vote{
		Type:     types.Precommit,
		Height:   e.height,
		Round:    e.round,
		Proposal: target,
		Voter:    e.params.Address,
	})
	e.setTimer(e.params.Timer.Precommit()*retransmitMultiple, types.StepPrecommit)
}

// trySaveVote stores a vote for the current height, or serves stragglers:
// one height behind gets the last-commit votes resent, one round behind gets
// a nil precommit to push it over.
func (e *Engine) trySaveVote(v *types.Vote) bool {
	if e.height > initHeight && v.Height == e.height-1 && e.roundGELastCommit(v.Round) {
		e.retransmitVote(v.Round)
		return false
	}

	if v.Height == e.height && e.round > 0 && v.Round == e.round-1 {
		e.logger.Info("send nil precommit to help a lagging round",
			zap.Uint64("height", v.Height),
			zap.Uint64("round", v.Round),
		)
		e.metrics.VotesSent.Inc()
		e.send(&types.Vote{
			Type:     types.Precommit,
			Height:   v.Height,
			Round:    v.Round,
			Proposal: types.Target{},
			Voter:    e.params.Address,
		})
		return false
	}

	if v.Height == e.height && v.Round >= e.round && e.votes.Add(v) {
		e.logger.Debug("save vote",
			zap.Stringer("type", v.Type),
			zap.Uint64("height", v.Height),
			zap.Uint64("round", v.Round),
			zap.Stringer("voter", v.Voter),
		)
		e.metrics.VotesReceived.Inc()
		return true
	}
	return false
}

// checkPrevote scans for a round at or past the current one holding +2/3
// prevotes, catches the engine up to the highest such round, and applies the
// lock discipline to whichever proposal carries the threshold.
func (e *Engine) checkPrevote() bool {
	found := false
	maxRound := e.round
	for round, count := range e.votes.PrevoteCountByRound() {
		if round >= e.round && e.aboveThreshold(count) {
			found = true
			if round > maxRound {
				maxRound = round
			}
		}
	}
	if !found {
		return false
	}
	e.round = maxRound

	e.logger.Info("received over 2/3 prevotes",
		zap.Uint64("height", e.height),
		zap.Uint64("round", e.round),
	)

	prevoteSet := e.votes.GetVoteSet(e.height, e.round, types.Prevote)
	if prevoteSet == nil {
		return false
	}

	tv := e.params.Timer.Prevote()
	if e.allVoted(prevoteSet.Count) {
		tv = 0
	}

	for hash, count := range prevoteSet.VotesByProposal {
		if !e.aboveThreshold(count) {
			continue
		}
		if e.lock != nil && e.lock.Round < e.round {
			if len(hash) == 0 {
				// +2/3 prevoted nil: the lock is released.
				e.cleanPoLC()
				tv = 0
			} else {
				// A fresher PoLC supersedes the held one.
				e.setPoLC(types.Target(hash), prevoteSet, types.Prevote)
				tv = 0
			}
		}
		break
	}

	if e.step == types.StepPrevote {
		e.setTimer(tv, types.StepPrevoteWait)
	}
	return true
}

// checkPrecommit evaluates the precommit votes of the current round. A nil
// threshold advances the round immediately and reports false; a value
// threshold installs a PoLC and arms the PrecommitWait timer.
func (e *Engine) checkPrecommit() bool {
	precommitSet := e.votes.GetVoteSet(e.height, e.round, types.Precommit)
	if precommitSet == nil {
		return false
	}

	tv := e.params.Timer.Precommit()
	if e.allVoted(precommitSet.Count) {
		tv = 0
	}
	if !e.aboveThreshold(precommitSet.Count) {
		return false
	}

	e.logger.Info("received over 2/3 precommits",
		zap.Uint64("height", e.height),
		zap.Uint64("round", e.round),
	)

	for hash, count := range precommitSet.VotesByProposal {
		if !e.aboveThreshold(count) {
			continue
		}
		if len(hash) == 0 {
			e.logger.Info("nil consensus, goto next round",
				zap.Uint64("round", e.round+1),
			)
			if e.lock == nil {
				e.proposal = nil
			}
			e.gotoNextRound()
			e.newRoundStart()
			return false
		}
		e.setPoLC(types.Target(hash), precommitSet, types.Precommit)
		tv = 0
		break
	}

	if e.step == types.StepPrecommit {
		e.setTimer(tv, types.StepPrecommitWait)
	}
	return true
}

// setPoLC installs a lock on hash at the current round, extracting the
// supporting votes from the vote set as evidence.
func (e *Engine) setPoLC(hash types.Target, voteSet *VoteSet, vt types.VoteType) {
	e.proposal = hash.Clone()
	e.lock = &types.LockStatus{
		Proposal: hash.Clone(),
		Round:    e.round,
		Votes:    voteSet.AbstractPoLC(e.height, e.round, vt, hash),
	}

	e.logger.Info("install PoLC",
		zap.Uint64("height", e.height),
		zap.Uint64("round", e.round),
		zap.Stringer("proposal", hash),
	)
}

// cleanPoLC releases the lock and the tentative proposal.
func (e *Engine) cleanPoLC() {
	e.proposal = nil
	e.lock = nil
	e.logger.Debug("clean PoLC",
		zap.Uint64("height", e.height),
		zap.Uint64("round", e.round),
	)
}
