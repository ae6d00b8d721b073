package eventloop

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.flowcatalyst.tech/internal/fsm"
	"go.flowcatalyst.tech/internal/stability"
)

func testConstants() stability.Constants {
	return stability.Constants{
		Sigma: 0.01, Res: 0.01, EPS: 0.05, EPSAlign: 0.1,
		Window: 0.3, EmptyThresh: 0.05, PlacementMin: 0.5,
		SlopeLimit: 5.0, MedianDt: 0.05,
	}
}

// collectingSink records every dispatched action under a mutex; it stands
// in for the orchestrator in these tests, in the teacher's hand-rolled
// fake style (no mocking framework).
type collectingSink struct {
	mu      sync.Mutex
	actions []fsm.Action
}

func (s *collectingSink) Dispatch(a fsm.Action) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = append(s.actions, a)
}

func (s *collectingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.actions)
}

func newTestLoop() (*Loop, *collectingSink) {
	machine := fsm.New(fsm.DefaultConfig("dev-1"), stability.New(testConstants()))
	sink := &collectingSink{}
	clock := 9.0
	loop := New(machine, sink, func() float64 { return clock })
	return loop, sink
}

// waitUntil polls cond briefly instead of sleeping a fixed amount, since
// the loop runs on its own goroutine.
func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// TestControlEventsDeliveredFIFO proves ordering, not just final-value
// convergence: BatchStop then BatchStart("b2") only reaches WAIT_EMPTY
// (forced-reentry clears the pause) if processed in that order; the
// reverse order would leave the machine PAUSED[BATCH_STOP].
func TestControlEventsDeliveredFIFO(t *testing.T) {
	loop, _ := newTestLoop()

	if ok := loop.EnqueueControl(fsm.BatchStop(1.0)); !ok {
		t.Fatal("expected batch stop to enqueue")
	}
	if ok := loop.EnqueueControl(fsm.BatchStart("b2", "P2", 1.1)); !ok {
		t.Fatal("expected batch start to enqueue")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Start(ctx)

	waitUntil(t, time.Second, func() bool { return loop.Snapshot().State == fsm.WaitEmpty })

	snap := loop.Snapshot()
	if snap.PauseReason != fsm.NoPauseReason {
		t.Fatalf("expected pause cleared by forced reentry, got %s", snap.PauseReason)
	}
	if snap.ActiveBatch != "b2" || snap.ActiveProduct != "P2" {
		t.Fatalf("expected active batch/product b2/P2, got %s/%s", snap.ActiveBatch, snap.ActiveProduct)
	}
}

func TestSampleCoalescingDropsIntermediateSamples(t *testing.T) {
	loop, _ := newTestLoop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Queue a burst of samples before the consumer goroutine ever runs, so
	// only the overwrite-on-write slot's final value can possibly reach
	// the FSM.
	for i := 0; i < 50; i++ {
		loop.UpdateLatestSample(fsm.SampleEvent(0.0, float64(i)*0.01))
	}
	if w := loop.Stats().SampleWakeups; w != 50 {
		t.Fatalf("expected 50 recorded wakeups, got %d", w)
	}

	go loop.Start(ctx)

	waitUntil(t, time.Second, func() bool {
		return loop.Stats().SampleDispatches >= 1
	})
	// Let any further spurious wakes (one per queued edge) settle before
	// reading the final count.
	time.Sleep(20 * time.Millisecond)

	if d := loop.Stats().SampleDispatches; d != 1 {
		t.Fatalf("expected exactly 1 sample dispatch for a pre-start burst, got %d", d)
	}
}

// TestControlPriorityOverSample proves spec.md §5's ordering guarantee: a
// control event issued before a sample is observed strictly before that
// sample by the FSM, even when both are already waiting before the loop's
// first wake.
func TestControlPriorityOverSample(t *testing.T) {
	loop, _ := newTestLoop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A sample at the placement threshold would move WAIT_EMPTY -> LOADING
	// on its own; queue it alongside a BatchStop control event and confirm
	// the control event's PAUSED[BATCH_STOP] state is observed first.
	loop.UpdateLatestSample(fsm.SampleEvent(5.0, 0.0))
	loop.EnqueueControl(fsm.BatchStop(0.01))

	go loop.Start(ctx)

	waitUntil(t, time.Second, func() bool { return loop.Snapshot().State == fsm.Paused })

	if reason := loop.Snapshot().PauseReason; reason != fsm.BatchStopReason {
		t.Fatalf("expected BATCH_STOP pause observed before the queued sample, got %s", reason)
	}
}

func TestControlQueueOverflowPausesMachine(t *testing.T) {
	loop, _ := newTestLoop()

	// Fill the control channel directly, bypassing EnqueueControl's
	// release() bookkeeping, so the next enqueue overflows.
	for i := 0; i < ControlQueueCapacity; i++ {
		loop.control <- fsm.ProductSwitch("X", 0.0)
	}
	if ok := loop.EnqueueControl(fsm.ProductSwitch("Y", 0.0)); ok {
		t.Fatal("expected overflow on a full control queue")
	}
	if loop.Stats().OverflowEvents != 1 {
		t.Fatalf("expected 1 overflow event recorded, got %d", loop.Stats().OverflowEvents)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Start(ctx)

	waitUntil(t, time.Second, func() bool {
		snap := loop.Snapshot()
		return snap.State == fsm.Paused && snap.PauseReason == fsm.ControlQueueOverflow
	})
}

func TestStopCancelsLoopPromptly(t *testing.T) {
	loop, _ := newTestLoop()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- loop.Start(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean exit, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("loop did not exit promptly after context cancellation")
	}
}
