package consensus

import (
	"context"
	"time"

	"github.com/ferrite-bft/ferrite/internal/types"
)

// TimeoutInfo describes one scheduled timeout. The engine stamps it with the
// (height, round, step) it was scheduled for; delivery does not imply the
// engine is still there, so the consumer must re-check before acting.
type TimeoutInfo struct {
	Deadline time.Time
	Height   uint64
	Round    uint64
	Step     types.Step
}

// WaitTimer is the cooperative timeout worker. It accepts TimeoutInfo items
// on one channel and emits each on another channel at or after its deadline.
// It never cancels anything: stale items are filtered by the engine's
// (height, round, step) guards, and the number of outstanding items per round
// is bounded by the engine scheduling at most a handful of timers.
type WaitTimer struct {
	setCh    <-chan TimeoutInfo
	notifyCh chan<- TimeoutInfo
}

// NewWaitTimer returns a worker reading schedules from setCh and delivering
// expirations on notifyCh.
func NewWaitTimer(setCh <-chan TimeoutInfo, notifyCh chan<- TimeoutInfo) *WaitTimer {
	return &WaitTimer{setCh: setCh, notifyCh: notifyCh}
}

// Start runs the worker until the context is cancelled or setCh closes.
func (w *WaitTimer) Start(ctx context.Context) {
	var pending []TimeoutInfo

	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		if len(pending) == 0 {
			select {
			case ti, ok := <-w.setCh:
				if !ok {
					return
				}
				pending = append(pending, ti)
			case <-ctx.Done():
				return
			}
			continue
		}

		next := 0
		for i := range pending {
			if pending[i].Deadline.Before(pending[next].Deadline) {
				next = i
			}
		}
		wait := time.Until(pending[next].Deadline)
		if wait < 0 {
			wait = 0
		}
		timer.Reset(wait)

		select {
		case ti, ok := <-w.setCh:
			if !timer.Stop() {
				<-timer.C
			}
			if !ok {
				return
			}
			pending = append(pending, ti)

		case now := <-timer.C:
			remaining := pending[:0]
			for _, ti := range pending {
				if ti.Deadline.After(now) {
					remaining = append(remaining, ti)
					continue
				}
				select {
				case w.notifyCh <- ti:
				case <-ctx.Done():
					return
				}
			}
			pending = remaining

		case <-ctx.Done():
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			return
		}
	}
}
