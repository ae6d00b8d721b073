// Package printworker implements the print worker task of spec.md §4.4: it
// drains print_outbox, drives the printer's send/received/completed status
// machine to a terminal outcome for each job, and reports printer acks and
// faults back into the control loop as FSM control events.
//
// Grounded on the teacher's internal/outbox.Processor.runPoller (a ticker-
// driven poll loop gated by a dedicated task, sync/atomic counters for
// observability), narrowed to one job processed start-to-finish per poll
// since each job's own status machine already owns several suspension
// points (send, three probe attempts, a 5s completed-probe window).
package printworker

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"go.flowcatalyst.tech/internal/common/metrics"
	"go.flowcatalyst.tech/internal/fsm"
	"go.flowcatalyst.tech/internal/outbox"
	"go.flowcatalyst.tech/internal/transport"
)

// Timing constants named directly in spec.md §4.4/§5.
const (
	DefaultPollInterval    = 200 * time.Millisecond
	ReceivedProbeAttempts  = 3
	ReceivedProbeSpacing   = 200 * time.Millisecond
	CompletedProbeInterval = 250 * time.Millisecond
	CompletedProbeTimeout  = 5 * time.Second
	maxBackoff             = 60 * time.Second
)

// ControlEnqueuer is the subset of eventloop.Loop the print worker reports
// printer acks and faults back through.
type ControlEnqueuer interface {
	EnqueueControl(ev fsm.Event) bool
}

// Store is the subset of outbox.Store the print worker drives.
type Store interface {
	FetchNextPrint(ctx context.Context, now int64) (*outbox.PrintJob, error)
	MarkPrintStatus(ctx context.Context, eventID string, status outbox.JobStatus, now int64) error
	MarkPrintRetry(ctx context.Context, eventID string, nextRetryAt int64, lastError string, now int64) error
	UpdateCompletionMode(ctx context.Context, eventID string, mode outbox.CompletionMode, now int64) error
	CountPendingPrint(ctx context.Context) (int64, error)
}

// Stats is a point-in-time snapshot of the worker's counters.
type Stats struct {
	Completed int64
	Retried   int64
	Paused    int64
}

// Worker is the print worker task: its own long-lived goroutine, waking on
// a 200ms periodic tick (spec.md §5's "or 200ms periodic tick" worker
// scheduling option — there is no separate print-job wake signal since
// the orchestrator's PrintEnqueued already flows through the FSM/control
// loop, not directly to this worker).
type Worker struct {
	store     Store
	transport transport.PrinterTransport
	loop      ControlEnqueuer

	// clockFn supplies the FSM-domain monotonic clock shared with
	// eventloop.Loop, for control events minted here.
	clockFn func() float64
	// dbNowFn supplies wall-clock milliseconds for outbox row timestamps.
	dbNowFn func() int64

	pollInterval           time.Duration
	receivedProbeAttempts  int
	receivedProbeSpacing   time.Duration
	completedProbeInterval time.Duration
	completedProbeTimeout  time.Duration

	completed atomic.Int64
	retried   atomic.Int64
	paused    atomic.Int64
}

// New builds a Worker. clockFn must be the same clock passed to the
// station's eventloop.Loop. dbNowFn defaults to wall-clock milliseconds
// when nil.
func New(store Store, tp transport.PrinterTransport, loop ControlEnqueuer, clockFn func() float64, dbNowFn func() int64) *Worker {
	if dbNowFn == nil {
		dbNowFn = func() int64 { return time.Now().UnixMilli() }
	}
	return &Worker{
		store:                  store,
		transport:              tp,
		loop:                   loop,
		clockFn:                clockFn,
		dbNowFn:                dbNowFn,
		pollInterval:           DefaultPollInterval,
		receivedProbeAttempts:  ReceivedProbeAttempts,
		receivedProbeSpacing:   ReceivedProbeSpacing,
		completedProbeInterval: CompletedProbeInterval,
		completedProbeTimeout:  CompletedProbeTimeout,
	}
}

// Configure overrides the worker's poll cadence. Call before Start; a zero
// value leaves the default in place.
func (w *Worker) Configure(pollInterval time.Duration) {
	if pollInterval > 0 {
		w.pollInterval = pollInterval
	}
}

func (w *Worker) Name() string { return "print-worker" }

// Start polls fetch_next_print at w.pollInterval's cadence until ctx is
// cancelled, processing one due job to completion per tick. Paced with
// rate.Limiter rather than a bare time.Ticker; the probe spacing inside a
// job uses time.After and time.Ticker instead.
func (w *Worker) Start(ctx context.Context) error {
	limiter := rate.NewLimiter(rate.Every(w.pollInterval), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}
		w.pollOnce(ctx)
	}
}

// Stop is a no-op: Start already exits promptly on context cancellation.
func (w *Worker) Stop(ctx context.Context) error { return nil }

// Health reports the worker healthy; its own ctx.Err() exit is the only
// failure mode.
func (w *Worker) Health() error { return nil }

// Stats returns a snapshot of the worker's counters.
func (w *Worker) Stats() Stats {
	return Stats{Completed: w.completed.Load(), Retried: w.retried.Load(), Paused: w.paused.Load()}
}

func (w *Worker) pollOnce(ctx context.Context) {
	if pending, err := w.store.CountPendingPrint(ctx); err == nil {
		metrics.OutboxQueueDepth.WithLabelValues("print_outbox").Set(float64(pending))
	}

	job, err := w.store.FetchNextPrint(ctx, w.dbNowFn())
	if err != nil {
		slog.Error("fetch_next_print failed", "err", err)
		return
	}
	if job == nil {
		return
	}
	w.processJob(ctx, job)
}

// processJob implements spec.md §4.4's four-step Print Worker contract.
func (w *Worker) processJob(ctx context.Context, job *outbox.PrintJob) {
	if err := w.transport.Send(ctx, []byte(job.PayloadJSON)); err != nil {
		w.retry(ctx, job, fmt.Sprintf("send: %v", err), "SEND_ERROR")
		return
	}

	now := w.dbNowFn()
	if err := w.store.MarkPrintStatus(ctx, job.EventID, outbox.StatusSent, now); err != nil {
		slog.Error("mark_status(SENT) failed", "event_id", job.EventID, "err", err)
		return
	}

	if !w.transport.SupportsStatusProbe() {
		if err := w.store.UpdateCompletionMode(ctx, job.EventID, outbox.CompletionScanRecon, w.dbNowFn()); err != nil {
			slog.Error("update_completion_mode failed", "event_id", job.EventID, "err", err)
		}
		// The FSM now waits on an external ScanRecon event; this worker's
		// status machine for this job ends here.
		w.completed.Add(1)
		metrics.WorkerJobsCompleted.WithLabelValues("print").Inc()
		return
	}

	received, paused := w.receivedProbe(ctx, job)
	if paused {
		return
	}
	if !received {
		w.retry(ctx, job, "SEND_TIMEOUT", "SEND_TIMEOUT")
		return
	}

	w.completedProbe(ctx, job)
}

// receivedProbe runs up to ReceivedProbeAttempts status probes spaced
// ReceivedProbeSpacing apart. Returns received=true once the printer
// reports ready/not-busy; paused=true if a soft fault was observed and
// reported (the caller must not also retry in that case).
func (w *Worker) receivedProbe(ctx context.Context, job *outbox.PrintJob) (received bool, paused bool) {
	for attempt := 0; attempt < w.receivedProbeAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return false, false
			case <-time.After(w.receivedProbeSpacing):
			}
		}

		status, err := w.transport.ProbeStatus(ctx)
		if err != nil {
			continue
		}
		if reason, ok := transport.PauseReasonForStatus(status); ok {
			w.emitPause(reason)
			return false, true
		}
		if status.Ready && !status.Busy {
			w.loop.EnqueueControl(fsm.PrinterReceived(job.EventID, w.clockFn()))
			if err := w.store.MarkPrintStatus(ctx, job.EventID, outbox.StatusReceived, w.dbNowFn()); err != nil {
				slog.Error("mark_status(RECEIVED) failed", "event_id", job.EventID, "err", err)
			}
			return true, false
		}
	}
	return false, false
}

// completedProbe polls every CompletedProbeInterval until
// CompletedProbeTimeout elapses since the RECEIVED transition.
func (w *Worker) completedProbe(ctx context.Context, job *outbox.PrintJob) {
	deadline := time.Now().Add(w.completedProbeTimeout)
	ticker := time.NewTicker(w.completedProbeInterval)
	defer ticker.Stop()

	for {
		status, err := w.transport.ProbeStatus(ctx)
		if err == nil {
			if reason, ok := transport.PauseReasonForStatus(status); ok {
				w.emitPause(reason)
				return
			}
			if status.Ready && status.JobBufferEmpty && status.RfidOK {
				w.loop.EnqueueControl(fsm.PrinterCompleted(job.EventID, w.clockFn()))
				mid := w.dbNowFn()
				if err := w.store.MarkPrintStatus(ctx, job.EventID, outbox.StatusCompleted, mid); err != nil {
					slog.Error("mark_status(COMPLETED) failed", "event_id", job.EventID, "err", err)
				}
				if err := w.store.MarkPrintStatus(ctx, job.EventID, outbox.StatusDone, w.dbNowFn()); err != nil {
					slog.Error("mark_status(DONE) failed", "event_id", job.EventID, "err", err)
				}
				w.completed.Add(1)
				metrics.WorkerJobsCompleted.WithLabelValues("print").Inc()
				return
			}
			if status.Ready && status.JobBufferEmpty && status.RfidUnknown {
				if err := w.store.UpdateCompletionMode(ctx, job.EventID, outbox.CompletionScanRecon, w.dbNowFn()); err != nil {
					slog.Error("update_completion_mode failed", "event_id", job.EventID, "err", err)
				}
				w.loop.EnqueueControl(fsm.ScanRecon(job.EventID, w.clockFn()))
				w.completed.Add(1)
				metrics.WorkerJobsCompleted.WithLabelValues("print").Inc()
				return
			}
		}

		if time.Now().After(deadline) {
			w.loop.EnqueueControl(fsm.PauseEv(fsm.PrintTimeout, w.clockFn()))
			w.paused.Add(1)
			metrics.WorkerFailures.WithLabelValues("print").Inc()
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) retry(ctx context.Context, job *outbox.PrintJob, lastError, reason string) {
	now := w.dbNowFn()
	nextRetryAt := now + backoff(job.Attempts).Milliseconds()
	if err := w.store.MarkPrintRetry(ctx, job.EventID, nextRetryAt, lastError, now); err != nil {
		slog.Error("mark_retry failed", "event_id", job.EventID, "err", err)
	}
	w.retried.Add(1)
	metrics.WorkerRetries.WithLabelValues("print", reason).Inc()
}

func (w *Worker) emitPause(reason string) {
	w.loop.EnqueueControl(fsm.PauseEv(pauseReasonFromTransport(reason), w.clockFn()))
	w.paused.Add(1)
	metrics.WorkerFailures.WithLabelValues("print").Inc()
}

// pauseReasonFromTransport maps transport.PauseReasonForStatus's string
// vocabulary to the FSM's PauseReason enum.
func pauseReasonFromTransport(reason string) fsm.PauseReason {
	switch reason {
	case "PRINTER_OFFLINE":
		return fsm.PrinterOffline
	case "PRINTER_PAUSED":
		return fsm.PrinterPaused
	default:
		return fsm.PrinterError
	}
}

// backoff computes spec.md's exponential retry delay
// min(60s, 2^(attempts-1)·1s), where attemptsBefore is the job's attempts
// count prior to this retry (so the attempt now being recorded is
// attemptsBefore+1, i.e. exponent = attemptsBefore).
func backoff(attemptsBefore int) time.Duration {
	exp := attemptsBefore
	if exp > 6 {
		exp = 6
	}
	d := time.Duration(1<<uint(exp)) * time.Second
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}
