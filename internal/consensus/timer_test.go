package consensus

import (
	"context"
	"testing"
	"time"

	"github.com/ferrite-bft/ferrite/internal/types"
)

func startTestTimer(t *testing.T) (chan TimeoutInfo, chan TimeoutInfo, context.CancelFunc) {
	t.Helper()
	setCh := make(chan TimeoutInfo, 16)
	notifyCh := make(chan TimeoutInfo, 16)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		NewWaitTimer(setCh, notifyCh).Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return setCh, notifyCh, cancel
}

func TestWaitTimerDeliversAfterDeadline(t *testing.T) {
	setCh, notifyCh, _ := startTestTimer(t)

	deadline := time.Now().Add(20 * time.Millisecond)
	setCh <- TimeoutInfo{Deadline: deadline, Height: 1, Round: 0, Step: types.StepProposeWait}

	select {
	case ti := <-notifyCh:
		if time.Now().Before(deadline) {
			t.Fatal("timeout delivered before its deadline")
		}
		if ti.Height != 1 || ti.Step != types.StepProposeWait {
			t.Fatalf("delivered %+v", ti)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout never delivered")
	}
}

func TestWaitTimerMultipleOutstanding(t *testing.T) {
	setCh, notifyCh, _ := startTestTimer(t)

	// Scheduled out of order; delivered in deadline order.
	now := time.Now()
	setCh <- TimeoutInfo{Deadline: now.Add(60 * time.Millisecond), Round: 2, Step: types.StepPrevote}
	setCh <- TimeoutInfo{Deadline: now.Add(15 * time.Millisecond), Round: 1, Step: types.StepPrevote}

	var got []TimeoutInfo
	for len(got) < 2 {
		select {
		case ti := <-notifyCh:
			got = append(got, ti)
		case <-time.After(2 * time.Second):
			t.Fatalf("delivered %d of 2 timeouts", len(got))
		}
	}

	if got[0].Round != 1 || got[1].Round != 2 {
		t.Fatalf("delivery order = %d, %d; want 1, 2", got[0].Round, got[1].Round)
	}
}

func TestWaitTimerZeroDurationFiresImmediately(t *testing.T) {
	setCh, notifyCh, _ := startTestTimer(t)

	setCh <- TimeoutInfo{Deadline: time.Now(), Round: 0, Step: types.StepPrevoteWait}

	select {
	case <-notifyCh:
	case <-time.After(time.Second):
		t.Fatal("immediate timeout never delivered")
	}
}

func TestWaitTimerStopsOnCancel(t *testing.T) {
	setCh, notifyCh, cancel := startTestTimer(t)

	setCh <- TimeoutInfo{Deadline: time.Now().Add(time.Hour), Round: 0, Step: types.StepPrevote}
	cancel()

	select {
	case ti := <-notifyCh:
		t.Fatalf("delivered %+v after cancellation", ti)
	case <-time.After(50 * time.Millisecond):
	}
}
