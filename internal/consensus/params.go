package consensus

import (
	"time"

	"github.com/ferrite-bft/ferrite/internal/types"
)

// DefaultTotalInterval is the block interval the phase timers are derived
// from when the host never supplies one.
const DefaultTotalInterval = 3 * time.Second

// The block interval is split into thirty shares: the propose phase gets
// twenty-four of them, prevote and precommit one each. The remainder absorbs
// network and execution latency on the host side.
const (
	timerShareDivision  = 30
	proposeTimerShares  = 24
	prevoteTimerShares  = 1
	precommitTimerShare = 1
)

// TimerParams derives the per-phase base durations from a total block
// interval. The interval may be replaced at runtime by a RichStatus.
type TimerParams struct {
	totalInterval time.Duration
}

// NewTimerParams returns timer parameters for the given block interval.
// A non-positive interval falls back to DefaultTotalInterval.
func NewTimerParams(total time.Duration) *TimerParams {
	tp := &TimerParams{}
	tp.SetTotalInterval(total)
	return tp
}

// SetTotalInterval replaces the block interval the phase bases derive from.
func (tp *TimerParams) SetTotalInterval(total time.Duration) {
	if total <= 0 {
		total = DefaultTotalInterval
	}
	tp.totalInterval = total
}

// TotalInterval returns the current block interval.
func (tp *TimerParams) TotalInterval() time.Duration { return tp.totalInterval }

// Propose returns the base duration of the propose phase.
func (tp *TimerParams) Propose() time.Duration {
	return tp.totalInterval * proposeTimerShares / timerShareDivision
}

// Prevote returns the base duration of the prevote phase.
func (tp *TimerParams) Prevote() time.Duration {
	return tp.totalInterval * prevoteTimerShares / timerShareDivision
}

// Precommit returns the base duration of the precommit phase.
func (tp *TimerParams) Precommit() time.Duration {
	return tp.totalInterval * precommitTimerShare / timerShareDivision
}

// Params carries the replica identity and timing configuration.
type Params struct {
	Address types.Address
	Timer   *TimerParams
}

// NewParams returns parameters for the given local authority address.
func NewParams(local types.Address) *Params {
	return &Params{
		Address: local,
		Timer:   NewTimerParams(DefaultTotalInterval),
	}
}
