package consensus

import (
	"github.com/ferrite-bft/ferrite/internal/types"
	"go.uber.org/zap"
)

// process dispatches one host message. Each variant is gated on the current
// step so late traffic cannot drag the round backwards.
func (e *Engine) process(msg types.Message) {
	switch m := msg.(type) {
	case *types.Proposal:
		if e.step > types.StepProposeWait {
			return
		}
		p := e.handleProposal(m)
		if p == nil {
			return
		}
		e.saveProposal(p)
		if e.step == types.StepProposeWait {
			e.changeStep(types.StepPrevote)
			e.transmitPrevote()
			if e.checkPrevote() {
				e.changeStep(types.StepPrevoteWait)
			}
		}

	case *types.Vote:
		switch m.Type {
		case types.Prevote:
			if e.step > types.StepPrevoteWait {
				return
			}
			e.trySaveVote(m)
			if e.step >= types.StepPrevote && e.checkPrevote() {
				e.changeStep(types.StepPrevoteWait)
			}

		case types.Precommit:
			if e.step < types.StepPrecommit {
				e.trySaveVote(m)
			}
			if e.step == types.StepPrecommit || e.step == types.StepPrecommitWait {
				e.trySaveVote(m)
				if e.checkPrecommit() {
					e.changeStep(types.StepPrecommitWait)
				}
			}

		default:
			e.logger.Error("invalid vote type", zap.Uint8("type", uint8(m.Type)))
		}

	case *types.Feed:
		if e.tryHandleFeed(m) && e.step == types.StepProposeWait {
			e.newRoundStart()
		}

	case *types.RichStatus:
		if e.tryHandleStatus(m) {
			e.newRoundStart()
		}

	default:
		e.logger.Error("invalid message", zap.Any("message", msg))
	}
}

// timeoutProcess acts on an expired timer. Anything not matching the current
// (height, round, step) is stale and dropped; that filtering replaces timer
// cancellation entirely.
func (e *Engine) timeoutProcess(ti TimeoutInfo) {
	if ti.Height < e.height ||
		(ti.Height == e.height && ti.Round < e.round) ||
		(ti.Height == e.height && ti.Round == e.round && ti.Step != e.step) {
		e.metrics.StaleTimeouts.Inc()
		return
	}
	e.metrics.TimeoutsTriggered.Inc()

	switch ti.Step {
	case types.StepProposeWait:
		// Historical behavior: the propose-wait expiry broadcasts a
		// precommit, not a prevote. Kept bit-for-bit for compatibility with
		// peer implementations.
		e.changeStep(types.StepPrevote)
		e.broadcastPrecommit()
		if e.checkPrevote() {
			e.changeStep(types.StepPrevoteWait)
		}

	case types.StepPrevote:
		e.transmitPrevote()

	case types.StepPrevoteWait:
		e.changeStep(types.StepPrecommit)
		e.broadcastPrecommit()
		if e.checkPrecommit() {
			e.changeStep(types.StepPrecommitWait)
		}

	case types.StepPrecommit:
		e.transmitPrevote()
		e.broadcastPrecommit()

	case types.StepPrecommitWait:
		e.changeStep(types.StepCommit)
		e.procCommit()
		e.changeStep(types.StepCommitWait)

	default:
		e.logger.Error("invalid timeout step", zap.Stringer("step", ti.Step))
	}
}
