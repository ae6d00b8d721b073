// Package orchestrator implements the action-dispatch task of spec.md §4.4:
// it consumes PrintRequested actions minted by the FSM and turns each into
// an outbox transaction, feeding the result back into the control loop as a
// PrintEnqueued or Pause control event.
//
// Grounded on the teacher's internal/outbox.Processor goroutine shape (a
// buffered channel drained by one long-lived loop, sync/atomic counters for
// observability) generalized from a generic distribute-to-queue worker into
// this fixed three-step allocate-or-backpressure contract.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"go.flowcatalyst.tech/internal/common/metrics"
	"go.flowcatalyst.tech/internal/fsm"
	"go.flowcatalyst.tech/internal/outbox"
)

// ActionQueueCapacity bounds the action-dispatch task's internal channel.
// In steady state at most one PrintRequested is ever pending: the FSM mints
// another only after the current placement leaves LOCKED (a change-limit
// breach before PrintEnqueued re-enters SETTLING and may lock again), so
// this only needs headroom for a handful of re-locks and batch restarts.
const ActionQueueCapacity = 64

// ControlEnqueuer is the subset of eventloop.Loop the orchestrator needs to
// report back through. Expressed as an interface so orchestrator doesn't
// import eventloop (which in turn depends on orchestrator as its sink).
type ControlEnqueuer interface {
	EnqueueControl(ev fsm.Event) bool
}

// Store is the subset of outbox.Store the orchestrator drives.
type Store interface {
	CountPendingErp(ctx context.Context) (int64, error)
	AllocateAndEnqueue(ctx context.Context, deviceID, batchID, eventID, productID string, weight, ts float64, completionMode outbox.CompletionMode, now int64) (int64, error)
}

// Stats is a point-in-time snapshot of the orchestrator's counters.
type Stats struct {
	Processed      int64
	Backpressured  int64
	DbErrors       int64
	QueueOverflows int64
}

// Orchestrator implements eventloop.ActionSink. Dispatch only enqueues; all
// outbox I/O runs on the Start goroutine, so a slow or stalled store never
// blocks the control loop's own dispatch (spec.md §5).
type Orchestrator struct {
	store       Store
	loop        ControlEnqueuer
	maxErpQueue int64

	// clockFn supplies the FSM-domain monotonic clock (the same one passed
	// to eventloop.New) for control events minted here.
	clockFn func() float64
	// dbNowFn supplies wall-clock milliseconds for outbox row timestamps.
	dbNowFn func() int64

	actions chan fsm.Action

	processed      atomic.Int64
	backpressured  atomic.Int64
	dbErrors       atomic.Int64
	queueOverflows atomic.Int64
}

// New builds an Orchestrator. clockFn must be the same clock passed to the
// station's eventloop.Loop so PrintEnqueued/Pause timestamps share its
// domain. dbNowFn defaults to wall-clock milliseconds when nil.
func New(store Store, loop ControlEnqueuer, maxErpQueue int64, clockFn func() float64, dbNowFn func() int64) *Orchestrator {
	if dbNowFn == nil {
		dbNowFn = func() int64 { return time.Now().UnixMilli() }
	}
	return &Orchestrator{
		store:       store,
		loop:        loop,
		maxErpQueue: maxErpQueue,
		clockFn:     clockFn,
		dbNowFn:     dbNowFn,
		actions:     make(chan fsm.Action, ActionQueueCapacity),
	}
}

func (o *Orchestrator) Name() string { return "orchestrator" }

// Dispatch implements eventloop.ActionSink. Only PrintRequested actions are
// this task's concern; Pause/PrintCompleted actions are observational and
// dropped here (a metrics sink, not this one, is the place to fan those
// out). Never blocks: on a full queue — which should not happen given the
// FSM only ever has one PrintRequested in flight — the action is logged and
// dropped rather than stalling the control loop's dispatch.
func (o *Orchestrator) Dispatch(action fsm.Action) {
	if action.Kind != fsm.ActionPrintRequested {
		return
	}
	select {
	case o.actions <- action:
	default:
		o.queueOverflows.Add(1)
		slog.Error("orchestrator action queue overflow, dropping print request",
			"event_id", action.EventID, "device_id", action.DeviceID)
	}
}

// Start drains the action queue until ctx is cancelled.
func (o *Orchestrator) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case action := <-o.actions:
			o.process(ctx, action)
		}
	}
}

// Stop is a no-op: Start already exits promptly on context cancellation.
func (o *Orchestrator) Stop(ctx context.Context) error { return nil }

// Health reports the orchestrator healthy; its own ctx.Err() exit is the
// only failure mode.
func (o *Orchestrator) Health() error { return nil }

// Stats returns a snapshot of the orchestrator's counters.
func (o *Orchestrator) Stats() Stats {
	return Stats{
		Processed:      o.processed.Load(),
		Backpressured:  o.backpressured.Load(),
		DbErrors:       o.dbErrors.Load(),
		QueueOverflows: o.queueOverflows.Load(),
	}
}

// process implements spec.md §4.4's three-step Orchestrator contract.
func (o *Orchestrator) process(ctx context.Context, action fsm.Action) {
	pending, err := o.store.CountPendingErp(ctx)
	if err != nil {
		o.dbErrors.Add(1)
		slog.Error("count_pending_erp failed", "event_id", action.EventID, "err", err)
		o.loop.EnqueueControl(fsm.PauseEv(fsm.DbError, o.clockFn()))
		return
	}
	metrics.OutboxQueueDepth.WithLabelValues("erp_outbox").Set(float64(pending))
	if pending >= o.maxErpQueue {
		o.backpressured.Add(1)
		o.loop.EnqueueControl(fsm.PauseEv(fsm.ErpBackpressure, o.clockFn()))
		return
	}

	_, err = o.store.AllocateAndEnqueue(ctx, action.DeviceID, action.BatchID, action.EventID,
		action.ProductID, action.LockWeight, action.Ts, outbox.CompletionStatusQuery, o.dbNowFn())
	if err != nil {
		if errors.Is(err, outbox.ErrDuplicate) {
			// A restart replaying the same event_id: the pair already
			// exists from the earlier attempt, so this is success, not a
			// failure to surface as DB_ERROR.
			o.processed.Add(1)
			o.loop.EnqueueControl(fsm.PrintEnqueued(action.EventID, o.clockFn()))
			return
		}
		o.dbErrors.Add(1)
		slog.Error("allocate_and_enqueue failed", "event_id", action.EventID, "err", err)
		o.loop.EnqueueControl(fsm.PauseEv(fsm.DbError, o.clockFn()))
		return
	}

	o.processed.Add(1)
	o.loop.EnqueueControl(fsm.PrintEnqueued(action.EventID, o.clockFn()))
}
