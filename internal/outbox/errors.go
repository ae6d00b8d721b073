package outbox

import "errors"

// Sentinel errors returned by Store methods, extending the teacher's
// internal/common/repository error-kind idiom (ErrNotFound, ErrDuplicateKey,
// ErrOptimisticLock) with the kinds spec.md §7 names for this store.
var (
	// ErrDuplicate indicates a unique-constraint violation on event_id or
	// (batch_id, seq). The caller treats this as success-with-idempotence,
	// never as a retry signal.
	ErrDuplicate = errors.New("outbox: duplicate event_id or (batch_id, seq)")

	// ErrStorageUnavailable wraps a generic I/O failure from the underlying
	// database (open, transaction, or disk failure).
	ErrStorageUnavailable = errors.New("outbox: storage unavailable")

	// ErrNotFound indicates a row was expected but absent (e.g. mark_status
	// on an event_id with no matching job, GetPrintJob on an unknown
	// event_id, or AllocateAndEnqueue for a device with no batch_state). The
	// orchestrator raises Pause(DB_ERROR) for it; the workers log it. This
	// should not happen unless an invariant has already broken.
	ErrNotFound = errors.New("outbox: not found")
)
