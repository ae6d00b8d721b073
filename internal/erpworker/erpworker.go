// Package erpworker implements the ERP worker task of spec.md §4.4: it
// drains erp_outbox, gates each row on its peer print job's completion
// before posting to the ERP, and classifies the post outcome into a
// terminal or retryable status.
//
// Grounded on the same internal/outbox.Processor.runPoller ticker-driven
// poll loop as internal/printworker, adapted to a two-phase per-job
// contract (gate-then-post) instead of a multi-probe status machine.
package erpworker

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"go.flowcatalyst.tech/internal/common/metrics"
	"go.flowcatalyst.tech/internal/outbox"
	"go.flowcatalyst.tech/internal/transport"
)

// DefaultPollInterval is the ERP worker's periodic tick (spec.md §5's
// "or 200ms periodic tick" worker scheduling option).
const DefaultPollInterval = 200 * time.Millisecond

// maxBackoff bounds the post-retry backoff formula.
const maxBackoff = 60 * time.Second

// maxWaitPrintBackoff bounds the wait-print gating backoff specifically
// (spec.md §4.4: min(30s, 2s·2^wait_print_checks)).
const maxWaitPrintBackoff = 30 * time.Second

// DefaultMaxAttempts is the PolicyExhausted threshold: an ERP row moves to
// FAIL once attempts reaches this many transport-level send attempts.
const DefaultMaxAttempts = 8

// waitPrintTimeout is how long a row may gate on its peer print before
// moving to NEEDS_OPERATOR (spec.md §4.4).
const waitPrintTimeout = 30 * time.Minute

// PrintStatusLookup is the subset of outbox.Store the ERP worker uses to
// check the peer print job's completion state.
type PrintStatusLookup interface {
	GetPrintJob(ctx context.Context, eventID string) (*outbox.PrintJob, error)
}

// Store is the subset of outbox.Store the ERP worker drives.
type Store interface {
	PrintStatusLookup
	FetchNextErp(ctx context.Context, now int64) (*outbox.ErpJob, error)
	MarkErpStatus(ctx context.Context, eventID string, status outbox.JobStatus, now int64) error
	MarkErpRetry(ctx context.Context, eventID string, nextRetryAt int64, lastError string, now int64) error
	MarkWaitPrint(ctx context.Context, eventID string, nextRetryAt int64, now int64) error
	MarkNeedsOperator(ctx context.Context, eventID, lastError string, now int64) error
}

// Stats is a point-in-time snapshot of the worker's counters.
type Stats struct {
	Done          int64
	Retried       int64
	Failed        int64
	WaitedOnPrint int64
	NeedsOperator int64
}

// Worker is the ERP worker task.
type Worker struct {
	store Store
	erp   transport.ERPClient

	// dbNowFn supplies wall-clock milliseconds for outbox row timestamps.
	dbNowFn func() int64

	pollInterval time.Duration
	maxAttempts  int

	done          atomic.Int64
	retried       atomic.Int64
	failed        atomic.Int64
	waitedOnPrint atomic.Int64
	needsOperator atomic.Int64
}

// New builds a Worker. dbNowFn defaults to wall-clock milliseconds when
// nil.
func New(store Store, erp transport.ERPClient, dbNowFn func() int64) *Worker {
	if dbNowFn == nil {
		dbNowFn = func() int64 { return time.Now().UnixMilli() }
	}
	return &Worker{store: store, erp: erp, dbNowFn: dbNowFn, pollInterval: DefaultPollInterval, maxAttempts: DefaultMaxAttempts}
}

// Configure overrides the worker's poll cadence and retry-budget threshold.
// Call before Start; zero values leave the corresponding default in place.
func (w *Worker) Configure(pollInterval time.Duration, maxAttempts int) {
	if pollInterval > 0 {
		w.pollInterval = pollInterval
	}
	if maxAttempts > 0 {
		w.maxAttempts = maxAttempts
	}
}

func (w *Worker) Name() string { return "erp-worker" }

// Start polls fetch_next_erp at w.pollInterval's cadence until ctx is
// cancelled, processing one due job per tick. Paced with rate.Limiter, the
// same mechanism internal/printworker uses for its poll cadence.
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
	return Stats{
		Done:          w.done.Load(),
		Retried:       w.retried.Load(),
		Failed:        w.failed.Load(),
		WaitedOnPrint: w.waitedOnPrint.Load(),
		NeedsOperator: w.needsOperator.Load(),
	}
}

func (w *Worker) pollOnce(ctx context.Context) {
	job, err := w.store.FetchNextErp(ctx, w.dbNowFn())
	if err != nil {
		slog.Error("fetch_next_erp failed", "err", err)
		return
	}
	if job == nil {
		return
	}
	w.processJob(ctx, job)
}

// processJob implements spec.md §4.4's two-step ERP Worker contract.
func (w *Worker) processJob(ctx context.Context, job *outbox.ErpJob) {
	printJob, err := w.store.GetPrintJob(ctx, job.EventID)
	if err != nil {
		slog.Error("get_print_job failed", "event_id", job.EventID, "err", err)
		return
	}

	if !printJob.Status.PrintCompleted() {
		now := w.dbNowFn()
		if time.Duration(now-job.CreatedAt)*time.Millisecond >= waitPrintTimeout {
			if err := w.store.MarkNeedsOperator(ctx, job.EventID, "WAIT_PRINT_TIMEOUT", now); err != nil {
				slog.Error("mark_needs_operator failed", "event_id", job.EventID, "err", err)
				return
			}
			w.needsOperator.Add(1)
			metrics.WorkerFailures.WithLabelValues("erp").Inc()
			return
		}

		nextRetryAt := now + waitPrintBackoff(job.WaitPrintChecks).Milliseconds()
		if err := w.store.MarkWaitPrint(ctx, job.EventID, nextRetryAt, now); err != nil {
			slog.Error("mark_wait_print failed", "event_id", job.EventID, "err", err)
			return
		}
		w.waitedOnPrint.Add(1)
		metrics.WorkerRetries.WithLabelValues("erp", "WAIT_PRINT").Inc()
		return
	}

	outcome, err := w.erp.PostEvent(ctx, []byte(job.PayloadJSON))
	if err != nil && outcome != transport.ERPRetryable {
		// A transport-level error without a classified outcome is treated
		// as retryable: the ERP client contract classifies everything it
		// can, so an unclassified error alongside a non-retryable outcome
		// value should not happen, but defaults to the safer retry path.
		outcome = transport.ERPRetryable
	}

	now := w.dbNowFn()
	switch outcome {
	case transport.ERPOk, transport.ERPConflict:
		if err := w.store.MarkErpStatus(ctx, job.EventID, outbox.StatusDone, now); err != nil {
			slog.Error("mark_status(DONE) failed", "event_id", job.EventID, "err", err)
			return
		}
		w.done.Add(1)
		metrics.WorkerJobsCompleted.WithLabelValues("erp").Inc()

	case transport.ERPFailed:
		if job.Attempts+1 >= w.maxAttempts {
			if err := w.store.MarkErpStatus(ctx, job.EventID, outbox.StatusFail, now); err != nil {
				slog.Error("mark_status(FAIL) failed", "event_id", job.EventID, "err", err)
				return
			}
			w.failed.Add(1)
			metrics.WorkerFailures.WithLabelValues("erp").Inc()
			return
		}
		nextRetryAt := now + backoff(job.Attempts).Milliseconds()
		if err := w.store.MarkErpRetry(ctx, job.EventID, nextRetryAt, "FAILED", now); err != nil {
			slog.Error("mark_retry failed", "event_id", job.EventID, "err", err)
			return
		}
		w.retried.Add(1)
		metrics.WorkerRetries.WithLabelValues("erp", "FAILED").Inc()

	default: // transport.ERPRetryable
		if job.Attempts+1 >= w.maxAttempts {
			if err := w.store.MarkErpStatus(ctx, job.EventID, outbox.StatusFail, now); err != nil {
				slog.Error("mark_status(FAIL) failed", "event_id", job.EventID, "err", err)
				return
			}
			w.failed.Add(1)
			metrics.WorkerFailures.WithLabelValues("erp").Inc()
			return
		}
		errMsg := "RETRYABLE"
		if err != nil {
			errMsg = err.Error()
		}
		nextRetryAt := now + backoff(job.Attempts).Milliseconds()
		if err := w.store.MarkErpRetry(ctx, job.EventID, nextRetryAt, errMsg, now); err != nil {
			slog.Error("mark_retry failed", "event_id", job.EventID, "err", err)
			return
		}
		w.retried.Add(1)
		metrics.WorkerRetries.WithLabelValues("erp", "RETRYABLE").Inc()
	}
}

// backoff computes spec.md's exponential post-retry delay
// min(60s, 2^(attempts-1)·1s); see printworker.backoff for the identical
// attemptsBefore convention.
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

// waitPrintBackoff computes spec.md's gating-poll delay
// min(30s, 2s·2^wait_print_checks).
func waitPrintBackoff(checksBefore int) time.Duration {
	exp := checksBefore
	if exp > 4 {
		exp = 4
	}
	d := time.Duration(1<<uint(exp)) * 2 * time.Second
	if d > maxWaitPrintBackoff {
		d = maxWaitPrintBackoff
	}
	return d
}
