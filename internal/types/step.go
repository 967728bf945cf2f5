package types

import "fmt"

// Step is the phase of a consensus round. Steps are totally ordered; the
// engine only moves forward within a round.
type Step uint8

const (
	StepPropose Step = iota
	StepProposeWait
	StepPrevote
	StepPrevoteWait
	StepPrecommit
	StepPrecommitWait
	StepCommit
	StepCommitWait
)

func (s Step) String() string {
	switch s {
	case StepPropose:
		return "Propose"
	case StepProposeWait:
		return "ProposeWait"
	case StepPrevote:
		return "Prevote"
	case StepPrevoteWait:
		return "PrevoteWait"
	case StepPrecommit:
		return "Precommit"
	case StepPrecommitWait:
		return "PrecommitWait"
	case StepCommit:
		return "Commit"
	case StepCommitWait:
		return "CommitWait"
	default:
		return fmt.Sprintf("Step(%d)", uint8(s))
	}
}

// StepFromByte decodes a persisted step byte. A byte outside the valid range
// means the persisted state is corrupted, which is unrecoverable.
func StepFromByte(b byte) Step {
	if b > uint8(StepCommitWait) {
		panic(fmt.Sprintf("types: invalid step byte %d", b))
	}
	return Step(b)
}

// VoteType distinguishes the two voting phases.
type VoteType uint8

const (
	Prevote VoteType = iota
	Precommit
)

func (vt VoteType) String() string {
	switch vt {
	case Prevote:
		return "Prevote"
	case Precommit:
		return "Precommit"
	default:
		return fmt.Sprintf("VoteType(%d)", uint8(vt))
	}
}

// Valid reports whether the vote type is one of the two known phases.
func (vt VoteType) Valid() bool { return vt == Prevote || vt == Precommit }
