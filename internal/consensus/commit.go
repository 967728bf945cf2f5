package consensus

import (
	"time"

	"github.com/ferrite-bft/ferrite/internal/types"
	"go.uber.org/zap"
)

// procCommit emits the Commit for the locked value and records it for late
// voters. Without a lock there is nothing to commit and the height idles
// until the next round or RichStatus.
func (e *Engine) procCommit() bool {
	if e.lock == nil {
		return false
	}

	e.send(&types.Commit{
		Height:    e.height,
		Proposal:  e.lock.Proposal,
		LockVotes: e.lock.Votes,
	})

	elapsed := time.Since(e.htime)
	e.logger.Info("commit",
		zap.Uint64("height", e.height),
		zap.Uint64("round", e.round),
		zap.Stringer("proposal", e.lock.Proposal),
		zap.Duration("consensus_time", elapsed),
	)
	e.metrics.CommitsTotal.Inc()
	e.metrics.CommitLatency.Observe(elapsed.Seconds())

	round := e.round
	e.lastCommitRound = &round
	e.lastCommitProposal = e.lock.Proposal
	return true
}

// tryHandleStatus advances the height when the host announces a committed
// height at or past ours. This is the only way the engine moves to a new
// height; it also installs the authority set and, optionally, a new block
// interval.
func (e *Engine) tryHandleStatus(rs *types.RichStatus) bool {
	if rs.Height < e.height {
		return false
	}

	e.gotoNewHeight(rs.Height + 1)
	e.authorityList = rs.AuthorityList
	if rs.Interval > 0 {
		e.params.Timer.SetTotalInterval(rs.Interval)
	}

	e.logger.Info("rich status, goto new height",
		zap.Uint64("height", rs.Height+1),
		zap.Int("authorities", len(rs.AuthorityList)),
	)
	return true
}

// tryHandleFeed caches a candidate proposal for this height or a later one.
func (e *Engine) tryHandleFeed(f *types.Feed) bool {
	if f.Height < e.height {
		return false
	}
	e.feed = f
	e.logger.Info("receive feed", zap.Uint64("height", f.Height))
	return true
}
