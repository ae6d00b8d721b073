// Package outbox implements the durable single-file store for batch state
// and the two paired outbox tables (print, ERP) that give the station its
// crash/restart guarantees: a monotonic gap-free sequence per batch, atomic
// pairing of a print job with its ERP job, and idempotent re-insertion.
//
// Architecture (single-writer, status-coded rows, no row locking):
//  1. allocate_and_enqueue inserts a print_outbox row and an erp_outbox row,
//     sharing one event_id, in the same immediate transaction as the
//     per-batch sequence increment.
//  2. Workers fetch the oldest NEW/RETRY row due for a retry and mutate it
//     through its own status column; no other task writes that row.
//  3. ERP rows only advance past NEW once their peer print row reaches
//     COMPLETED or DONE (enforced by the ERP worker, not the store).
//
// Adapted from the teacher's internal/outbox.Repository (fetch-pending /
// mark-status / recovery-scan over a status-coded row), generalized from a
// single generic outbox table into this two-table, sequence-allocating
// store, and backed by SQLite instead of Postgres/MySQL/Mongo.
package outbox

// BatchStatus is the lifecycle status of a BatchState row.
type BatchStatus string

const (
	BatchActive  BatchStatus = "ACTIVE"
	BatchStopped BatchStatus = "STOPPED"
)

// JobStatus is the shared status vocabulary of print_outbox and erp_outbox
// rows. NEEDS_OPERATOR only ever appears on erp_outbox.
type JobStatus string

const (
	StatusNew           JobStatus = "NEW"
	StatusSent          JobStatus = "SENT"
	StatusReceived      JobStatus = "RECEIVED"
	StatusCompleted     JobStatus = "COMPLETED"
	StatusDone          JobStatus = "DONE"
	StatusRetry         JobStatus = "RETRY"
	StatusFail          JobStatus = "FAIL"
	StatusNeedsOperator JobStatus = "NEEDS_OPERATOR"
)

// IsTerminal reports whether status is a final state for either job table.
func (s JobStatus) IsTerminal() bool {
	return s == StatusDone || s == StatusFail || s == StatusNeedsOperator
}

// PrintCompleted reports whether status satisfies the ERP worker's
// "peer print has completed" gate.
func (s JobStatus) PrintCompleted() bool {
	return s == StatusCompleted || s == StatusDone
}

// CompletionMode names how a PrintJob's physical completion is confirmed.
type CompletionMode string

const (
	CompletionStatusQuery CompletionMode = "STATUS_QUERY"
	CompletionScanRecon   CompletionMode = "SCAN_RECON"
)

// BatchState is the single current-batch row per device.
type BatchState struct {
	DeviceID  string
	BatchID   string
	ProductID string
	NextSeq   int64
	Status    BatchStatus
	UpdatedAt int64
}

// BatchRun is one immutable record of a BatchStart..BatchStop interval.
type BatchRun struct {
	RunID      string
	DeviceID   string
	BatchID    string
	ProductID  string
	StartedAt  int64
	StoppedAt  *int64
	StopReason *string
}

// PrintJob is one row of print_outbox.
type PrintJob struct {
	JobID          string
	EventID        string
	DeviceID       string
	BatchID        string
	Seq            int64
	Status         JobStatus
	CompletionMode CompletionMode
	PayloadJSON    string
	PayloadHash    string
	Attempts       int
	NextRetryAt    *int64
	LastError      *string
	CreatedAt      int64
	UpdatedAt      int64
}

// ErpJob is one row of erp_outbox. Same shape as PrintJob minus
// CompletionMode, plus WaitPrintChecks.
type ErpJob struct {
	JobID           string
	EventID         string
	DeviceID        string
	BatchID         string
	Seq             int64
	Status          JobStatus
	WaitPrintChecks int
	PayloadJSON     string
	PayloadHash     string
	Attempts        int
	NextRetryAt     *int64
	LastError       *string
	CreatedAt       int64
	UpdatedAt       int64
}
