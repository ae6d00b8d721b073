package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.flowcatalyst.tech/internal/fsm"
	"go.flowcatalyst.tech/internal/outbox"
)

// collectingLoop records every control event enqueued back by the
// orchestrator, in the teacher's hand-rolled fake style.
type collectingLoop struct {
	mu     sync.Mutex
	events []fsm.Event
}

func (c *collectingLoop) EnqueueControl(ev fsm.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return true
}

func (c *collectingLoop) last() (fsm.Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return fsm.Event{}, false
	}
	return c.events[len(c.events)-1], true
}

func (c *collectingLoop) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

// fakeStore lets error-path tests force count_pending_erp / allocate_and_enqueue
// failures the real SQLite-backed outbox.Store has no knob for.
type fakeStore struct {
	pendingErp    int64
	pendingErr    error
	allocateErr   error
	allocateSeq   int64
	allocateCalls int
}

func (f *fakeStore) CountPendingErp(ctx context.Context) (int64, error) {
	return f.pendingErp, f.pendingErr
}

func (f *fakeStore) AllocateAndEnqueue(ctx context.Context, deviceID, batchID, eventID, productID string, weight, ts float64, completionMode outbox.CompletionMode, now int64) (int64, error) {
	f.allocateCalls++
	if f.allocateErr != nil {
		return 0, f.allocateErr
	}
	return f.allocateSeq, nil
}

func testClock(t float64) func() float64 { return func() float64 { return t } }

func printRequested(eventID string) fsm.Action {
	return fsm.Action{
		Kind:       fsm.ActionPrintRequested,
		EventID:    eventID,
		DeviceID:   "dev-1",
		BatchID:    "batch-1",
		ProductID:  "A",
		LockWeight: 5.0,
		Ts:         1.0,
	}
}

func TestOrchestratorHappyPathEnqueuesPrintEnqueued(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "station.db")
	store, err := outbox.Open(ctx, path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	if _, err := store.StartBatch(ctx, "dev-1", "batch-1", "A", 1000); err != nil {
		t.Fatalf("start batch: %v", err)
	}

	loop := &collectingLoop{}
	o := New(store, loop, 100, testClock(2.0), func() int64 { return 1001 })

	o.Dispatch(printRequested("e1"))

	runLoopUntilIdle(t, o)

	ev, ok := loop.last()
	if !ok || ev.Kind != fsm.EvPrintEnqueued || ev.EventID != "e1" {
		t.Fatalf("expected PrintEnqueued(e1), got %+v (ok=%v)", ev, ok)
	}

	printJob, err := store.GetPrintJob(ctx, "e1")
	if err != nil {
		t.Fatalf("get print job: %v", err)
	}
	if printJob.Seq != 1 {
		t.Fatalf("expected seq 1, got %d", printJob.Seq)
	}
	if printJob.CompletionMode != outbox.CompletionStatusQuery {
		t.Fatalf("expected STATUS_QUERY completion mode, got %s", printJob.CompletionMode)
	}

	if stats := o.Stats(); stats.Processed != 1 {
		t.Fatalf("expected 1 processed, got %+v", stats)
	}
}

func TestOrchestratorDuplicateEventIDTreatedAsSuccess(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "station.db")
	store, err := outbox.Open(ctx, path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	if _, err := store.StartBatch(ctx, "dev-1", "batch-1", "A", 1000); err != nil {
		t.Fatalf("start batch: %v", err)
	}
	if _, err := store.AllocateAndEnqueue(ctx, "dev-1", "batch-1", "e1", "A", 5.0, 1.0, outbox.CompletionStatusQuery, 1001); err != nil {
		t.Fatalf("pre-seed allocate: %v", err)
	}

	loop := &collectingLoop{}
	o := New(store, loop, 100, testClock(2.0), func() int64 { return 1002 })

	// A retried PrintRequested for the same event_id (e.g. a crash between
	// the first allocate's commit and the control loop observing
	// PrintEnqueued) must resolve as PrintEnqueued, not Pause(DB_ERROR).
	o.Dispatch(printRequested("e1"))
	runLoopUntilIdle(t, o)

	ev, ok := loop.last()
	if !ok || ev.Kind != fsm.EvPrintEnqueued || ev.EventID != "e1" {
		t.Fatalf("expected PrintEnqueued(e1) on duplicate replay, got %+v (ok=%v)", ev, ok)
	}
}

func TestOrchestratorBackpressureWhenErpQueueFull(t *testing.T) {
	loop := &collectingLoop{}
	store := &fakeStore{pendingErp: 5}
	o := New(store, loop, 5, testClock(3.0), func() int64 { return 1000 })

	o.Dispatch(printRequested("e1"))
	runLoopUntilIdle(t, o)

	ev, ok := loop.last()
	if !ok || ev.Kind != fsm.EvPause || ev.Reason != fsm.ErpBackpressure {
		t.Fatalf("expected Pause(ERP_BACKPRESSURE), got %+v (ok=%v)", ev, ok)
	}
	if store.allocateCalls != 0 {
		t.Fatal("must not call allocate_and_enqueue once backpressured")
	}
	if stats := o.Stats(); stats.Backpressured != 1 {
		t.Fatalf("expected 1 backpressured, got %+v", stats)
	}
}

func TestOrchestratorCountPendingErpFailureRaisesDbError(t *testing.T) {
	loop := &collectingLoop{}
	store := &fakeStore{pendingErr: errors.New("disk full")}
	o := New(store, loop, 100, testClock(4.0), func() int64 { return 1000 })

	o.Dispatch(printRequested("e1"))
	runLoopUntilIdle(t, o)

	ev, ok := loop.last()
	if !ok || ev.Kind != fsm.EvPause || ev.Reason != fsm.DbError {
		t.Fatalf("expected Pause(DB_ERROR) on count_pending_erp failure, got %+v (ok=%v)", ev, ok)
	}
}

func TestOrchestratorAllocateFailureRaisesDbError(t *testing.T) {
	loop := &collectingLoop{}
	store := &fakeStore{allocateErr: outbox.ErrStorageUnavailable}
	o := New(store, loop, 100, testClock(5.0), func() int64 { return 1000 })

	o.Dispatch(printRequested("e1"))
	runLoopUntilIdle(t, o)

	ev, ok := loop.last()
	if !ok || ev.Kind != fsm.EvPause || ev.Reason != fsm.DbError {
		t.Fatalf("expected Pause(DB_ERROR) on allocate failure, got %+v (ok=%v)", ev, ok)
	}
	if stats := o.Stats(); stats.DbErrors != 1 {
		t.Fatalf("expected 1 db error, got %+v", stats)
	}
}

func TestOrchestratorIgnoresNonPrintRequestedActions(t *testing.T) {
	loop := &collectingLoop{}
	store := &fakeStore{}
	o := New(store, loop, 100, testClock(1.0), func() int64 { return 1000 })

	o.Dispatch(fsm.Action{Kind: fsm.ActionPause, Reason: fsm.BatchStopReason})
	o.Dispatch(fsm.Action{Kind: fsm.ActionPrintCompleted, EventID: "e1"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Start(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	if store.allocateCalls != 0 {
		t.Fatal("non-PrintRequested actions must never reach allocate_and_enqueue")
	}
	if loop.count() != 0 {
		t.Fatal("non-PrintRequested actions must not enqueue any control event")
	}
}

// runLoopUntilIdle runs Start for a bounded window then cancels it, enough
// for the orchestrator's unbuffered-in-practice single dispatch to settle.
func runLoopUntilIdle(t *testing.T, o *Orchestrator) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Start(ctx) }()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(o.actions) == 0 && o.Stats().Processed+o.Stats().Backpressured+o.Stats().DbErrors > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("orchestrator did not stop promptly")
	}
}
