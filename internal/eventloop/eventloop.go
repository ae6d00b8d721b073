// Package eventloop implements the station's single-writer control loop
// (spec.md §4.4): a bounded, FIFO control queue for discrete events and a
// single-element, overwrite-on-write slot for scale samples, woken by a
// counting semaphore and drained with control events strictly prioritized
// over the latest sample.
package eventloop

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"go.flowcatalyst.tech/internal/common/metrics"
	"go.flowcatalyst.tech/internal/fsm"
)

// ControlQueueCapacity is the bounded control queue size named in spec.md
// §4.4 ("capacity e.g. 4096").
const ControlQueueCapacity = 4096

// maxWakeCredits bounds the outstanding "something changed, wake up"
// credits the semaphore can hold between two drains of Start's loop. It
// only needs headroom over one control-queue's worth of edges plus the
// sample slot so a full burst never blocks a producer.
const maxWakeCredits = ControlQueueCapacity + 64

// ActionSink receives the FSM actions minted by each dispatched event. The
// orchestrator implements this (spec.md §4.4's second arrow).
type ActionSink interface {
	Dispatch(action fsm.Action)
}

// ActionSinkFunc adapts a plain function to ActionSink.
type ActionSinkFunc func(fsm.Action)

func (f ActionSinkFunc) Dispatch(action fsm.Action) { f(action) }

// Stats is a point-in-time snapshot of the loop's coalescing counters,
// exercised by the sample-coalescing property in spec.md §8.
type Stats struct {
	SampleWakeups     int64
	SampleDispatches  int64
	ControlDispatches int64
	OverflowEvents    int64
}

// Loop is the control loop described in spec.md §4.4. It owns the FSM
// exclusively: Start must run in a single goroutine, and EnqueueControl /
// UpdateLatestSample are the only entry points safe to call concurrently
// from other goroutines (the orchestrator, print/ERP workers, the scale
// driver).
//
// Wake scheduling uses golang.org/x/sync/semaphore as a bounded event
// counter rather than a concurrency limiter: the semaphore starts fully
// acquired (no room), and every control/sample edge releases one unit of
// room, waking the blocked Acquire in Start. wakeCredits tracks how much
// room is currently outstanding so release() never calls Release beyond
// what the semaphore can hold (which would panic).
type Loop struct {
	machine *fsm.FSM
	sink    ActionSink
	nowFn   func() float64

	control chan fsm.Event
	wake    *semaphore.Weighted

	wakeCredits atomic.Int64

	sampleMu sync.Mutex
	sample   *fsm.Event

	overflowPending atomic.Bool

	sampleWakeups     atomic.Int64
	sampleDispatches  atomic.Int64
	controlDispatches atomic.Int64
	overflowEvents    atomic.Int64

	snapMu sync.RWMutex
	snap   Snapshot
}

// Snapshot is a consistent, mutex-guarded copy of the FSM's user-visible
// surface (spec.md §7), refreshed by the owning goroutine after every
// dispatch so health checks, metrics, and tests can read it from any
// goroutine without racing the FSM's own unsynchronized fields.
type Snapshot struct {
	State         fsm.State
	PauseReason   fsm.PauseReason
	ActiveBatch   string
	ActiveProduct string
}

// New builds a Loop over machine, delivering every minted Action to sink.
// nowFn supplies the monotonic-seconds clock for loop-synthesized events
// (currently only the CONTROL_QUEUE_OVERFLOW pause); pass nil to use a
// process-relative wall clock.
func New(machine *fsm.FSM, sink ActionSink, nowFn func() float64) *Loop {
	if nowFn == nil {
		start := time.Now()
		nowFn = func() float64 { return time.Since(start).Seconds() }
	}
	wake := semaphore.NewWeighted(maxWakeCredits)
	// Fully acquire up front so Start's Acquire(ctx, 1) blocks until the
	// first release() call frees a unit of room.
	_ = wake.Acquire(context.Background(), maxWakeCredits)
	return &Loop{
		machine: machine,
		sink:    sink,
		nowFn:   nowFn,
		control: make(chan fsm.Event, ControlQueueCapacity),
		wake:    wake,
		snap: Snapshot{
			State:         machine.State(),
			PauseReason:   machine.PauseReason(),
			ActiveBatch:   machine.ActiveBatch(),
			ActiveProduct: machine.ActiveProduct(),
		},
	}
}

func (l *Loop) Name() string { return "event-loop" }

// EnqueueControl delivers a discrete control event (batch lifecycle,
// printer ack, pause) with FIFO ordering relative to other control events.
// It never blocks: on a full queue it returns false and records an
// overflow edge, which the loop turns into a synthetic
// Pause(CONTROL_QUEUE_OVERFLOW) on its next wake (spec.md §4.4).
func (l *Loop) EnqueueControl(ev fsm.Event) bool {
	select {
	case l.control <- ev:
		l.release()
		return true
	default:
		l.overflowPending.Store(true)
		l.overflowEvents.Add(1)
		l.release()
		slog.Warn("control queue overflow", "device_id", l.machine.DeviceID())
		return false
	}
}

// Snapshot returns the last published copy of the FSM's user-visible
// surface. Safe to call from any goroutine.
func (l *Loop) Snapshot() Snapshot {
	l.snapMu.RLock()
	defer l.snapMu.RUnlock()
	return l.snap
}

// UpdateLatestSample overwrites the single-element sample slot. It never
// blocks and intermediate samples between two wakes are dropped by design
// (spec.md §4.4/§5).
func (l *Loop) UpdateLatestSample(ev fsm.Event) {
	l.sampleMu.Lock()
	l.sample = &ev
	l.sampleMu.Unlock()
	l.sampleWakeups.Add(1)
	l.release()
}

// release frees one unit of semaphore room, waking Start if it is
// blocked. It is a no-op once maxWakeCredits are already outstanding,
// since a wake is already guaranteed to fire.
func (l *Loop) release() {
	for {
		cur := l.wakeCredits.Load()
		if cur >= maxWakeCredits {
			return
		}
		if l.wakeCredits.CompareAndSwap(cur, cur+1) {
			l.wake.Release(1)
			return
		}
	}
}

// Start runs the loop until ctx is cancelled. Each wake drains every
// pending control event first; only when none were pending does it
// dispatch the single latest sample (spec.md §4.4's priority rule).
func (l *Loop) Start(ctx context.Context) error {
	for {
		if err := l.wake.Acquire(ctx, 1); err != nil {
			return nil
		}
		l.wakeCredits.Add(-1)
		if ctx.Err() != nil {
			return nil
		}
		l.tick()
	}
}

// Stop is a no-op: Start already exits promptly once its context is
// cancelled by the supervisor (lifecycle.Service contract).
func (l *Loop) Stop(ctx context.Context) error { return nil }

// Health reports the loop healthy; Start's own ctx.Err() exit is the only
// failure mode, and the supervisor observes that directly.
func (l *Loop) Health() error { return nil }

// Stats returns a snapshot of the coalescing counters.
func (l *Loop) Stats() Stats {
	return Stats{
		SampleWakeups:     l.sampleWakeups.Load(),
		SampleDispatches:  l.sampleDispatches.Load(),
		ControlDispatches: l.controlDispatches.Load(),
		OverflowEvents:    l.overflowEvents.Load(),
	}
}

// tick performs one wake's worth of work: handle a pending overflow edge,
// then drain control, then fall back to the latest sample.
func (l *Loop) tick() {
	if l.overflowPending.Swap(false) {
		l.dispatch(fsm.PauseEv(fsm.ControlQueueOverflow, l.nowFn()))
	}

	drainedControl := false
drain:
	for {
		select {
		case ev := <-l.control:
			drainedControl = true
			l.controlDispatches.Add(1)
			l.dispatch(ev)
		default:
			break drain
		}
	}
	if drainedControl {
		return
	}

	l.sampleMu.Lock()
	ev := l.sample
	l.sample = nil
	l.sampleMu.Unlock()
	if ev == nil {
		return
	}
	l.sampleDispatches.Add(1)
	l.dispatch(*ev)
}

func (l *Loop) dispatch(ev fsm.Event) {
	prevState := l.machine.State()
	actions := l.machine.Handle(ev)
	newState := l.machine.State()
	pauseReason := l.machine.PauseReason()

	l.snapMu.Lock()
	l.snap = Snapshot{
		State:         newState,
		PauseReason:   pauseReason,
		ActiveBatch:   l.machine.ActiveBatch(),
		ActiveProduct: l.machine.ActiveProduct(),
	}
	l.snapMu.Unlock()

	l.recordStateMetrics(prevState, newState, pauseReason)

	for _, action := range actions {
		l.sink.Dispatch(action)
	}
}

// recordStateMetrics publishes the FSM's transition/pause/current-state
// gauges. It lives here rather than inside internal/fsm so the pure state
// machine stays free of any external dependency.
func (l *Loop) recordStateMetrics(prevState, newState fsm.State, pauseReason fsm.PauseReason) {
	deviceID := l.machine.DeviceID()
	if newState != prevState {
		metrics.FSMTransitions.WithLabelValues(deviceID, newState.String()).Inc()
		metrics.FSMState.WithLabelValues(deviceID, prevState.String()).Set(0)
		metrics.FSMState.WithLabelValues(deviceID, newState.String()).Set(1)

		if newState == fsm.Locked && prevState == fsm.Settling {
			metrics.StabilityTransitions.WithLabelValues("stable").Inc()
		}
		if newState == fsm.Settling && prevState == fsm.Locked {
			metrics.StabilityTransitions.WithLabelValues("unstable").Inc()
		}
	}
	if newState == fsm.Paused && pauseReason != fsm.NoPauseReason {
		metrics.FSMPauses.WithLabelValues(deviceID, pauseReason.String()).Inc()
	}

	if st := l.machine.LastStats(); st.Mean != 0 {
		metrics.StabilityCurrentCV.WithLabelValues(deviceID).Set(st.Range / st.Mean)
	}
}
