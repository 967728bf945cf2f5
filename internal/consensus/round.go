package consensus

import (
	"github.com/ferrite-bft/ferrite/internal/types"
	"go.uber.org/zap"
)

// newRoundStart drives the propose phase of a fresh (height, round). The
// proposer broadcasts and prevotes immediately; everyone else parks in
// ProposeWait behind the backoff timer.
func (e *Engine) newRoundStart() {
	e.logger.Info("start round",
		zap.Uint64("height", e.height),
		zap.Uint64("round", e.round),
	)
	e.metrics.RoundsStarted.Inc()
	e.metrics.ConsensusHeight.Set(float64(e.height))
	e.metrics.ConsensusRound.Set(float64(e.round))

	if e.determineProposer() {
		if e.tryTransmitProposal() {
			e.transmitPrevote()
			e.changeStep(types.StepPrevote)
		} else {
			e.changeStep(types.StepProposeWait)
		}
	} else {
		e.changeStep(types.StepProposeWait)
	}
}

// determineProposer reports whether this replica proposes for the current
// (height, round). Non-proposers get the propose-wait timer scheduled here.
// An empty authority set cannot progress; the engine stays put until a
// RichStatus installs one.
func (e *Engine) determineProposer() bool {
	count := uint64(len(e.authorityList))
	if count == 0 {
		e.logger.Error("authority list is empty",
			zap.Uint64("height", e.height),
			zap.Uint64("round", e.round),
		)
		return false
	}

	nonce := e.height + e.round
	if e.authorityList[nonce%count].Equal(e.params.Address) {
		e.logger.Info("become proposer",
			zap.Uint64("height", e.height),
			zap.Uint64("round", e.round),
		)
		return true
	}

	e.setTimer(e.proposeWaitDuration(), types.StepProposeWait)
	return false
}

// tryTransmitProposal broadcasts a proposal when there is something to
// propose: the locked value with its PoLC, or the current feed. With
// neither, the propose-wait timer is rescheduled and the round stalls.
func (e *Engine) tryTransmitProposal() bool {
	if e.lock == nil && (e.feed == nil || e.feed.Height != e.height) {
		e.logger.Warn("no lock and no feed for the current height",
			zap.Uint64("height", e.height),
			zap.Uint64("round", e.round),
		)
		e.setTimer(e.proposeWaitDuration(), types.StepProposeWait)
		return false
	}

	var proposal *types.Proposal
	if e.lock != nil {
		lockRound := e.lock.Round
		proposal = &types.Proposal{
			Height:    e.height,
			Round:     e.round,
			Content:   e.lock.Proposal,
			LockRound: &lockRound,
			LockVotes: e.lock.Votes,
			Proposer:  e.params.Address,
		}
	} else {
		proposal = &types.Proposal{
			Height:   e.height,
			Round:    e.round,
			Content:  e.feed.Proposal,
			Proposer: e.params.Address,
		}
	}

	e.logger.Info("transmit proposal",
		zap.Uint64("height", e.height),
		zap.Uint64("round", e.round),
		zap.Stringer("content", proposal.Content),
		zap.Bool("locked", proposal.HasLock()),
	)
	e.metrics.ProposalsSent.Inc()
	e.send(proposal)
	return true
}

// handleProposal filters an incoming proposal down to one the current round
// can use, serving one-height stragglers on the way.
func (e *Engine) handleProposal(p *types.Proposal) *types.Proposal {
	if e.height > initHeight && p.Height == e.height-1 && e.roundGELastCommit(p.Round) {
		// A peer lagging one height behind; resend our commit-round votes.
		e.retransmitVote(p.Round)
		return nil
	}
	if p.Height != e.height || p.Round != e.round {
		// Proposals for other rounds are the host's buffering problem.
		e.logger.Warn("mismatched proposal",
			zap.Uint64("proposal_height", p.Height),
			zap.Uint64("proposal_round", p.Round),
			zap.Uint64("height", e.height),
			zap.Uint64("round", e.round),
		)
		return nil
	}
	return p
}

// saveProposal applies the locking rule to an accepted proposal.
func (e *Engine) saveProposal(p *types.Proposal) {
	e.logger.Debug("receive proposal",
		zap.Uint64("height", e.height),
		zap.Uint64("round", e.round),
	)

	switch {
	case p.HasLock() && (e.lock == nil || e.lock.Round <= *p.LockRound):
		// A PoLC at least as fresh as ours: adopt it.
		e.logger.Debug("adopt proposal with PoLC",
			zap.Stringer("content", p.Content),
			zap.Uint64("lock_round", *p.LockRound),
		)
		e.round = p.Round
		e.proposal = p.Content
		e.lock = &types.LockStatus{
			Proposal: p.Content,
			Round:    *p.LockRound,
			Votes:    p.LockVotes,
		}

	case !p.HasLock() && e.lock == nil && p.Round == e.round:
		// No PoLC on either side: tentative adoption, no lock change.
		e.logger.Debug("adopt proposal without PoLC", zap.Stringer("content", p.Content))
		e.proposal = p.Content

	default:
		e.logger.Debug("ignore proposal with an older PoLC than ours")
	}
}

// retransmitVote resends this replica's prevote and precommit for the last
// committed proposal at (height-1, round), helping a lagging peer catch up.
func (e *Engine) retransmitVote(round uint64) {
	if e.lastCommitProposal == nil {
		return
	}

	e.logger.Info("retransmit votes for a lagging peer",
		zap.Uint64("height", e.height-1),
		zap.Uint64("round", round),
	)

	e.metrics.VotesSent.Add(2)
	e.send(&types.Vote{
		Type:     types.Prevote,
		Height:   e.height - 1,
		Round:    round,
		Proposal: e.lastCommitProposal,
		Voter:    e.params.Address,
	})
	e.send(&types.Vote{
		Type:     types.Precommit,
		Height:   e.height - 1,
		Round:    round,
		Proposal: e.lastCommitProposal,
		Voter:    e.params.Address,
	})
}
