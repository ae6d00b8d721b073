package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.flowcatalyst.tech/internal/common/repository"
	"go.flowcatalyst.tech/internal/idgen"

	_ "modernc.org/sqlite"
)

// Store is the single-file relational store of spec.md §3/§4.3: batch state,
// batch runs, and the two paired outbox tables. It serializes every write
// through writerMu (spec.md §5's "one writer lock, many readers"); SQLite's
// own single-writer model backs that up at the file level, but the explicit
// mutex avoids SQLITE_BUSY churn under the immediate-transaction pattern
// used by AllocateAndEnqueue.
//
// Grounded on the teacher's internal/outbox.PostgresRepository (raw SQL over
// database/sql, fmt.Sprintf'd table/placeholder construction, explicit
// context-aware Exec/Query), generalized from a single generic outbox table
// into this two-table, sequence-allocating shape.
type Store struct {
	db       *sql.DB
	writerMu sync.Mutex
}

// Open opens (creating if absent) the single SQLite database file at path,
// enables WAL mode for crash-durability with concurrent readers, and runs
// any pending schema migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrStorageUnavailable, path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: enable WAL: %v", ErrStorageUnavailable, err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys=ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: enable foreign_keys: %v", ErrStorageUnavailable, err)
	}

	if err := initSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping confirms the database file is reachable and its schema is
// initialized, for use as a health-check readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	var version int
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`)
	if err := row.Scan(&version); err != nil {
		return fmt.Errorf("%w: ping: %v", ErrStorageUnavailable, err)
	}
	if version < len(migrations) {
		err := fmt.Errorf("schema at version %d, want %d", version, len(migrations))
		return fmt.Errorf("%w: ping: %v", ErrStorageUnavailable, err)
	}
	return nil
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// withImmediateTx runs fn over a dedicated connection inside a BEGIN
// IMMEDIATE transaction (SQLite write-exclusive from the first statement),
// committing on success and rolling back on any error including a panic.
// database/sql's Tx always issues a plain "BEGIN", so immediate acquisition
// requires driving one connection directly instead.
func (s *Store) withImmediateTx(ctx context.Context, fn func(c *sql.Conn) error) (err error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("%w: acquire connection: %v", ErrStorageUnavailable, err)
	}
	defer conn.Close()

	if _, err = conn.ExecContext(ctx, `BEGIN IMMEDIATE`); err != nil {
		return fmt.Errorf("%w: begin immediate: %v", ErrStorageUnavailable, err)
	}
	defer func() {
		if err != nil {
			conn.ExecContext(context.Background(), `ROLLBACK`)
		}
	}()

	if err = fn(conn); err != nil {
		return err
	}
	if _, err = conn.ExecContext(ctx, `COMMIT`); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// StartBatch upserts batch_state resetting next_seq to 1 and appends a
// fresh batch_runs row, atomically.
func (s *Store) StartBatch(ctx context.Context, deviceID, batchID, productID string, now int64) (runID string, err error) {
	return repository.Instrument(ctx, "batch_state", "start_batch", func() (string, error) {
		s.writerMu.Lock()
		defer s.writerMu.Unlock()

		runID := idgen.New()
		txErr := s.withImmediateTx(ctx, func(c *sql.Conn) error {
			if _, err := c.ExecContext(ctx, `
				INSERT INTO batch_state(device_id, batch_id, product_id, next_seq, status, updated_at)
				VALUES (?, ?, ?, 1, ?, ?)
				ON CONFLICT(device_id) DO UPDATE SET
					batch_id = excluded.batch_id,
					product_id = excluded.product_id,
					next_seq = 1,
					status = excluded.status,
					updated_at = excluded.updated_at
			`, deviceID, batchID, productID, string(BatchActive), now); err != nil {
				return fmt.Errorf("%w: upsert batch_state: %v", ErrStorageUnavailable, err)
			}

			if _, err := c.ExecContext(ctx, `
				INSERT INTO batch_runs(run_id, device_id, batch_id, product_id, started_at)
				VALUES (?, ?, ?, ?, ?)
			`, runID, deviceID, batchID, productID, now); err != nil {
				return fmt.Errorf("%w: insert batch_runs: %v", ErrStorageUnavailable, err)
			}
			return nil
		})
		if txErr != nil {
			return "", txErr
		}
		return runID, nil
	})
}

// StopBatch sets stopped_at/stop_reason on the open run for (device_id,
// batch_id) and marks batch_state STOPPED.
func (s *Store) StopBatch(ctx context.Context, deviceID, batchID, reason string, now int64) error {
	return repository.InstrumentVoid(ctx, "batch_runs", "stop_batch", func() error {
		s.writerMu.Lock()
		defer s.writerMu.Unlock()

		return s.withImmediateTx(ctx, func(c *sql.Conn) error {
			if _, err := c.ExecContext(ctx, `
				UPDATE batch_runs SET stopped_at = ?, stop_reason = ?
				WHERE device_id = ? AND batch_id = ? AND stopped_at IS NULL
			`, now, reason, deviceID, batchID); err != nil {
				return fmt.Errorf("%w: update batch_runs: %v", ErrStorageUnavailable, err)
			}
			if _, err := c.ExecContext(ctx, `
				UPDATE batch_state SET status = ?, updated_at = ?
				WHERE device_id = ? AND batch_id = ?
			`, string(BatchStopped), now, deviceID, batchID); err != nil {
				return fmt.Errorf("%w: update batch_state: %v", ErrStorageUnavailable, err)
			}
			return nil
		})
	})
}

// AllocateAndEnqueue is the atomic heart of the outbox: it reads and
// increments batch_state.next_seq, builds the canonical event payload from
// that freshly-allocated seq, and inserts the paired print_outbox /
// erp_outbox rows for eventID, all inside one BEGIN IMMEDIATE transaction —
// so payload_json's embedded seq field can never diverge from the seq
// column it is stored alongside. A uniqueness violation on event_id or
// (batch_id, seq) rolls back the whole transaction and returns
// ErrDuplicate; a device with no batch_state row returns ErrNotFound; any
// other failure returns ErrStorageUnavailable.
func (s *Store) AllocateAndEnqueue(ctx context.Context, deviceID, batchID, eventID, productID string, weight, ts float64, completionMode CompletionMode, now int64) (seq int64, err error) {
	return repository.Instrument(ctx, "print_outbox,erp_outbox", "allocate_and_enqueue", func() (int64, error) {
		s.writerMu.Lock()
		defer s.writerMu.Unlock()

		printJobID := idgen.New()
		erpJobID := idgen.New()
		var allocated int64

		txErr := s.withImmediateTx(ctx, func(c *sql.Conn) error {
			var nextSeq int64
			row := c.QueryRowContext(ctx, `SELECT next_seq FROM batch_state WHERE device_id = ?`, deviceID)
			if err := row.Scan(&nextSeq); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return fmt.Errorf("%w: no batch_state for device %s", ErrNotFound, deviceID)
				}
				return fmt.Errorf("%w: read next_seq: %v", ErrStorageUnavailable, err)
			}
			allocated = nextSeq

			if _, err := c.ExecContext(ctx, `
				UPDATE batch_state SET next_seq = ?, updated_at = ? WHERE device_id = ?
			`, nextSeq+1, now, deviceID); err != nil {
				return fmt.Errorf("%w: increment next_seq: %v", ErrStorageUnavailable, err)
			}

			payloadJSON, payloadHash, err := BuildPayload(eventID, deviceID, batchID, productID, allocated, weight, ts)
			if err != nil {
				return fmt.Errorf("%w: build payload: %v", ErrStorageUnavailable, err)
			}

			if _, err := c.ExecContext(ctx, `
				INSERT INTO print_outbox(job_id, event_id, device_id, batch_id, seq, status,
					completion_mode, payload_json, payload_hash, attempts, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
			`, printJobID, eventID, deviceID, batchID, allocated, string(StatusNew),
				string(completionMode), payloadJSON, payloadHash, now, now); err != nil {
				return classifyInsertErr(err)
			}

			if _, err := c.ExecContext(ctx, `
				INSERT INTO erp_outbox(job_id, event_id, device_id, batch_id, seq, status,
					wait_print_checks, payload_json, payload_hash, attempts, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, 0, ?, ?)
			`, erpJobID, eventID, deviceID, batchID, allocated, string(StatusNew),
				payloadJSON, payloadHash, now, now); err != nil {
				return classifyInsertErr(err)
			}
			return nil
		})
		if txErr != nil {
			return 0, txErr
		}
		return allocated, nil
	})
}

func classifyInsertErr(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "unique") || strings.Contains(msg, "constraint") {
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
}

// FetchNextPrint returns the oldest print_outbox row with status NEW/RETRY
// due for a retry (next_retry_at is null or <= now), or nil if none is due.
// No lease is granted: the print worker must commit a status change before
// fetching again.
func (s *Store) FetchNextPrint(ctx context.Context, now int64) (*PrintJob, error) {
	return repository.Instrument(ctx, "print_outbox", "fetch_next", func() (*PrintJob, error) {
		row := s.db.QueryRowContext(ctx, `
			SELECT job_id, event_id, device_id, batch_id, seq, status, completion_mode,
				payload_json, payload_hash, attempts, next_retry_at, last_error, created_at, updated_at
			FROM print_outbox
			WHERE status IN (?, ?) AND (next_retry_at IS NULL OR next_retry_at <= ?)
			ORDER BY created_at ASC
			LIMIT 1
		`, string(StatusNew), string(StatusRetry), now)
		job, err := scanPrintJob(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: fetch_next_print: %v", ErrStorageUnavailable, err)
		}
		return job, nil
	})
}

// FetchNextErp returns the oldest erp_outbox row with status NEW/RETRY due
// for a retry, or nil if none is due.
func (s *Store) FetchNextErp(ctx context.Context, now int64) (*ErpJob, error) {
	return repository.Instrument(ctx, "erp_outbox", "fetch_next", func() (*ErpJob, error) {
		row := s.db.QueryRowContext(ctx, `
			SELECT job_id, event_id, device_id, batch_id, seq, status, wait_print_checks,
				payload_json, payload_hash, attempts, next_retry_at, last_error, created_at, updated_at
			FROM erp_outbox
			WHERE status IN (?, ?) AND (next_retry_at IS NULL OR next_retry_at <= ?)
			ORDER BY created_at ASC
			LIMIT 1
		`, string(StatusNew), string(StatusRetry), now)
		job, err := scanErpJob(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: fetch_next_erp: %v", ErrStorageUnavailable, err)
		}
		return job, nil
	})
}

// GetPrintJob returns the print_outbox row for eventID, used by the ERP
// worker to check the peer print's completion state.
func (s *Store) GetPrintJob(ctx context.Context, eventID string) (*PrintJob, error) {
	return repository.Instrument(ctx, "print_outbox", "get_by_event_id", func() (*PrintJob, error) {
		row := s.db.QueryRowContext(ctx, `
			SELECT job_id, event_id, device_id, batch_id, seq, status, completion_mode,
				payload_json, payload_hash, attempts, next_retry_at, last_error, created_at, updated_at
			FROM print_outbox WHERE event_id = ?
		`, eventID)
		job, err := scanPrintJob(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: print job %s", ErrNotFound, eventID)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: get_print_job: %v", ErrStorageUnavailable, err)
		}
		return job, nil
	})
}

// MarkPrintStatus sets print_outbox.status for eventID.
func (s *Store) MarkPrintStatus(ctx context.Context, eventID string, status JobStatus, now int64) error {
	return s.markStatus(ctx, "print_outbox", eventID, status, now)
}

// MarkErpStatus sets erp_outbox.status for eventID.
func (s *Store) MarkErpStatus(ctx context.Context, eventID string, status JobStatus, now int64) error {
	return s.markStatus(ctx, "erp_outbox", eventID, status, now)
}

func (s *Store) markStatus(ctx context.Context, table, eventID string, status JobStatus, now int64) error {
	return repository.InstrumentVoid(ctx, table, "mark_status", func() error {
		s.writerMu.Lock()
		defer s.writerMu.Unlock()
		query := fmt.Sprintf(`UPDATE %s SET status = ?, updated_at = ? WHERE event_id = ?`, table)
		res, err := s.db.ExecContext(ctx, query, string(status), now, eventID)
		return checkRowsAffected(res, err, table, eventID)
	})
}

// MarkPrintRetry moves a print_outbox row to RETRY with a backoff deadline
// and records the transport error, incrementing attempts.
func (s *Store) MarkPrintRetry(ctx context.Context, eventID string, nextRetryAt int64, lastError string, now int64) error {
	return s.markRetry(ctx, "print_outbox", eventID, nextRetryAt, lastError, now)
}

// MarkErpRetry moves an erp_outbox row to RETRY with a backoff deadline and
// records the transport error, incrementing attempts.
func (s *Store) MarkErpRetry(ctx context.Context, eventID string, nextRetryAt int64, lastError string, now int64) error {
	return s.markRetry(ctx, "erp_outbox", eventID, nextRetryAt, lastError, now)
}

func (s *Store) markRetry(ctx context.Context, table, eventID string, nextRetryAt int64, lastError string, now int64) error {
	return repository.InstrumentVoid(ctx, table, "mark_retry", func() error {
		s.writerMu.Lock()
		defer s.writerMu.Unlock()
		query := fmt.Sprintf(`
			UPDATE %s
			SET status = ?, attempts = attempts + 1, next_retry_at = ?, last_error = ?, updated_at = ?
			WHERE event_id = ?
		`, table)
		res, err := s.db.ExecContext(ctx, query, string(StatusRetry), nextRetryAt, lastError, now, eventID)
		return checkRowsAffected(res, err, table, eventID)
	})
}

// MarkWaitPrint increments erp_outbox.wait_print_checks, sets last_error to
// "WAIT_PRINT", and defers the row by nextRetryAt without touching attempts
// (spec.md §4.4: wait-print checks are gating polls, not send attempts).
func (s *Store) MarkWaitPrint(ctx context.Context, eventID string, nextRetryAt int64, now int64) error {
	return repository.InstrumentVoid(ctx, "erp_outbox", "mark_wait_print", func() error {
		s.writerMu.Lock()
		defer s.writerMu.Unlock()
		res, err := s.db.ExecContext(ctx, `
			UPDATE erp_outbox
			SET wait_print_checks = wait_print_checks + 1, next_retry_at = ?, last_error = 'WAIT_PRINT', updated_at = ?
			WHERE event_id = ?
		`, nextRetryAt, now, eventID)
		return checkRowsAffected(res, err, "erp_outbox", eventID)
	})
}

// MarkNeedsOperator moves an erp_outbox row to the terminal NEEDS_OPERATOR
// status, used when a peer print has not completed after 30 minutes.
func (s *Store) MarkNeedsOperator(ctx context.Context, eventID, lastError string, now int64) error {
	return repository.InstrumentVoid(ctx, "erp_outbox", "mark_needs_operator", func() error {
		s.writerMu.Lock()
		defer s.writerMu.Unlock()
		res, err := s.db.ExecContext(ctx, `
			UPDATE erp_outbox SET status = ?, last_error = ?, updated_at = ? WHERE event_id = ?
		`, string(StatusNeedsOperator), lastError, now, eventID)
		return checkRowsAffected(res, err, "erp_outbox", eventID)
	})
}

// UpdateCompletionMode rewrites print_outbox.completion_mode, used when the
// printer probe reports rfid_unknown and the FSM must instead wait for an
// external ScanRecon.
func (s *Store) UpdateCompletionMode(ctx context.Context, eventID string, mode CompletionMode, now int64) error {
	return repository.InstrumentVoid(ctx, "print_outbox", "update_completion_mode", func() error {
		s.writerMu.Lock()
		defer s.writerMu.Unlock()
		res, err := s.db.ExecContext(ctx, `
			UPDATE print_outbox SET completion_mode = ?, updated_at = ? WHERE event_id = ?
		`, string(mode), now, eventID)
		return checkRowsAffected(res, err, "print_outbox", eventID)
	})
}

// CountPendingErp returns the number of erp_outbox rows not yet in a
// terminal state, used by the orchestrator's backpressure check.
func (s *Store) CountPendingErp(ctx context.Context) (int64, error) {
	return repository.Instrument(ctx, "erp_outbox", "count_pending", func() (int64, error) {
		var count int64
		row := s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM erp_outbox WHERE status NOT IN (?, ?, ?)
		`, string(StatusDone), string(StatusFail), string(StatusNeedsOperator))
		if err := row.Scan(&count); err != nil {
			return 0, fmt.Errorf("%w: count_pending_erp: %v", ErrStorageUnavailable, err)
		}
		return count, nil
	})
}

// CountPendingPrint returns the number of print_outbox rows not yet in a
// terminal state, used by the print worker to publish queue-depth metrics.
func (s *Store) CountPendingPrint(ctx context.Context) (int64, error) {
	return repository.Instrument(ctx, "print_outbox", "count_pending", func() (int64, error) {
		var count int64
		row := s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM print_outbox WHERE status NOT IN (?, ?)
		`, string(StatusDone), string(StatusFail))
		if err := row.Scan(&count); err != nil {
			return 0, fmt.Errorf("%w: count_pending_print: %v", ErrStorageUnavailable, err)
		}
		return count, nil
	})
}

func checkRowsAffected(res sql.Result, err error, table, eventID string) error {
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrStorageUnavailable, table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %s rows affected: %v", ErrStorageUnavailable, table, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s event_id %s", ErrNotFound, table, eventID)
	}
	return nil
}

func scanPrintJob(row *sql.Row) (*PrintJob, error) {
	var j PrintJob
	var status, mode string
	var nextRetryAt sql.NullInt64
	var lastError sql.NullString
	if err := row.Scan(&j.JobID, &j.EventID, &j.DeviceID, &j.BatchID, &j.Seq, &status, &mode,
		&j.PayloadJSON, &j.PayloadHash, &j.Attempts, &nextRetryAt, &lastError, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Status = JobStatus(status)
	j.CompletionMode = CompletionMode(mode)
	if nextRetryAt.Valid {
		v := nextRetryAt.Int64
		j.NextRetryAt = &v
	}
	if lastError.Valid {
		v := lastError.String
		j.LastError = &v
	}
	return &j, nil
}

func scanErpJob(row *sql.Row) (*ErpJob, error) {
	var j ErpJob
	var status string
	var nextRetryAt sql.NullInt64
	var lastError sql.NullString
	if err := row.Scan(&j.JobID, &j.EventID, &j.DeviceID, &j.BatchID, &j.Seq, &status, &j.WaitPrintChecks,
		&j.PayloadJSON, &j.PayloadHash, &j.Attempts, &nextRetryAt, &lastError, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Status = JobStatus(status)
	if nextRetryAt.Valid {
		v := nextRetryAt.Int64
		j.NextRetryAt = &v
	}
	if lastError.Valid {
		v := lastError.String
		j.LastError = &v
	}
	return &j, nil
}
