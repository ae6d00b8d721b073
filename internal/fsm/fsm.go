// Package fsm implements the batch-weigh finite-state machine: the
// single-writer state machine that turns a stream of weight samples and
// batch/printer control events into exactly one PrintRequested action per
// placement, per spec.md §4.2.
package fsm

import (
	"log/slog"

	"go.flowcatalyst.tech/internal/idgen"
	"go.flowcatalyst.tech/internal/stability"
)

// State is one of the seven states of the batch-weigh machine.
type State int

const (
	WaitEmpty State = iota
	Loading
	Settling
	Locked
	Printing
	PostGuard
	Paused
)

func (s State) String() string {
	switch s {
	case WaitEmpty:
		return "WAIT_EMPTY"
	case Loading:
		return "LOADING"
	case Settling:
		return "SETTLING"
	case Locked:
		return "LOCKED"
	case Printing:
		return "PRINTING"
	case PostGuard:
		return "POST_GUARD"
	case Paused:
		return "PAUSED"
	default:
		return "UNKNOWN"
	}
}

// PauseReason enumerates why the machine is in Paused.
type PauseReason int

const (
	NoPauseReason PauseReason = iota
	BatchStopReason
	PrinterOffline
	PrinterPaused
	PrinterError
	PrintTimeout
	ReweighRequired
	ErpBackpressure
	ControlQueueOverflow
	DbError
)

func (r PauseReason) String() string {
	switch r {
	case NoPauseReason:
		return ""
	case BatchStopReason:
		return "BATCH_STOP"
	case PrinterOffline:
		return "PRINTER_OFFLINE"
	case PrinterPaused:
		return "PRINTER_PAUSED"
	case PrinterError:
		return "PRINTER_ERROR"
	case PrintTimeout:
		return "PRINT_TIMEOUT"
	case ReweighRequired:
		return "REWEIGH_REQUIRED"
	case ErpBackpressure:
		return "ERP_BACKPRESSURE"
	case ControlQueueOverflow:
		return "CONTROL_QUEUE_OVERFLOW"
	case DbError:
		return "DB_ERROR"
	default:
		return "UNKNOWN"
	}
}

// requiresClearBeforeResume reports whether this pause reason enforces the
// pan-must-clear-first resume discipline called out explicitly in spec.md
// §4.2's PAUSED bullet. In this implementation every reason requires the
// pan to be below-empty for T_CLEAR before ReasonCleared is honored; this
// flag exists to document that REWEIGH_REQUIRED and BATCH_STOP are the
// reasons the spec calls out by name, not to relax the rule for others.
func (r PauseReason) requiresClearBeforeResume() bool {
	return true
}

// EventKind discriminates the Event union.
type EventKind int

const (
	EvBatchStart EventKind = iota
	EvBatchStop
	EvProductSwitch
	EvSample
	EvPrintEnqueued
	EvPrinterReceived
	EvPrinterCompleted
	EvScanRecon
	EvPause
	EvReasonCleared
)

// Event is the tagged union of every input the FSM accepts.
type Event struct {
	Kind EventKind

	BatchID   string
	ProductID string

	Value float64
	T     float64

	EventID string

	Reason PauseReason

	// NewCalibration is non-nil only on a BatchStart event that carries a
	// freshly captured empty-pan log's calibrated constants (nil means
	// "keep the detector's current calibration"). See
	// BatchStartWithCalibration.
	NewCalibration *stability.Constants
}

func BatchStart(batchID, productID string, t float64) Event {
	return Event{Kind: EvBatchStart, BatchID: batchID, ProductID: productID, T: t}
}

// BatchStartWithCalibration is BatchStart plus a newly calibrated set of
// detector constants, for the operator workflow of capturing a fresh
// empty-pan log before starting a batch (SPEC_FULL.md §10). The control
// surface that captures the log and calls stability.Calibrate is an
// operator-console concern out of this core's scope (spec.md §6), the same
// as the scale driver that supplies ordinary samples; this constructor is
// the in-scope half of that path, carrying the result into the FSM.
func BatchStartWithCalibration(batchID, productID string, t float64, c stability.Constants) Event {
	return Event{Kind: EvBatchStart, BatchID: batchID, ProductID: productID, T: t, NewCalibration: &c}
}

func BatchStop(t float64) Event { return Event{Kind: EvBatchStop, T: t} }

func ProductSwitch(productID string, t float64) Event {
	return Event{Kind: EvProductSwitch, ProductID: productID, T: t}
}

func SampleEvent(value, t float64) Event {
	return Event{Kind: EvSample, Value: value, T: t}
}

func PrintEnqueued(eventID string, t float64) Event {
	return Event{Kind: EvPrintEnqueued, EventID: eventID, T: t}
}

func PrinterReceived(eventID string, t float64) Event {
	return Event{Kind: EvPrinterReceived, EventID: eventID, T: t}
}

func PrinterCompleted(eventID string, t float64) Event {
	return Event{Kind: EvPrinterCompleted, EventID: eventID, T: t}
}

func ScanRecon(eventID string, t float64) Event {
	return Event{Kind: EvScanRecon, EventID: eventID, T: t}
}

func PauseEv(reason PauseReason, t float64) Event {
	return Event{Kind: EvPause, Reason: reason, T: t}
}

func ReasonCleared(reason PauseReason, t float64) Event {
	return Event{Kind: EvReasonCleared, Reason: reason, T: t}
}

// ActionKind discriminates the Action union.
type ActionKind int

const (
	ActionPrintRequested ActionKind = iota
	ActionPause
	ActionPrintCompleted
)

// Action is one output of a Handle call. The FSM mints at most one
// ActionPrintRequested per event_id (spec.md §4.2's emission contract).
type Action struct {
	Kind ActionKind

	EventID    string
	DeviceID   string
	BatchID    string
	ProductID  string
	LockWeight float64
	Ts         float64

	Reason PauseReason
}

// pauseAuditEntry is one row of the bounded pause/resume audit ring
// described in SPEC_FULL.md §10.
type pauseAuditEntry struct {
	T       float64
	Reason  PauseReason
	Cleared bool
}

const auditRingCap = 32

// Config holds the immutable parameters of one FSM instance.
type Config struct {
	DeviceID string
	TSettle  float64
	TClear   float64
	NMin     int
}

// DefaultConfig returns the timing parameters from spec.md §4.2.
func DefaultConfig(deviceID string) Config {
	return Config{DeviceID: deviceID, TSettle: 0.50, TClear: 0.70, NMin: 10}
}

// FSM is the batch-weigh state machine. It is mutated only by its single
// owning control-loop task (spec.md §5); it is not safe for concurrent use.
type FSM struct {
	cfg      Config
	detector *stability.Detector

	state       State
	pauseReason PauseReason

	activeBatchID   string
	activeProductID string
	pendingProduct  *string

	currentEventID string
	lockWeight     float64
	printSent      bool

	enteredAt      float64
	belowEmptySince *float64

	lastStats stability.Stats

	auditRing []pauseAuditEntry
}

// New creates an FSM in WAIT_EMPTY with no active batch.
func New(cfg Config, detector *stability.Detector) *FSM {
	return &FSM{
		cfg:      cfg,
		detector: detector,
		state:    WaitEmpty,
	}
}

func (f *FSM) State() State             { return f.state }
func (f *FSM) PauseReason() PauseReason { return f.pauseReason }
func (f *FSM) ActiveProduct() string    { return f.activeProductID }
func (f *FSM) ActiveBatch() string      { return f.activeBatchID }
func (f *FSM) CurrentEventID() string   { return f.currentEventID }
func (f *FSM) DeviceID() string         { return f.cfg.DeviceID }

// LastStats returns the detector's most recent per-sample summary, for
// metrics/logging callers; the zero value before any sample has been
// processed. It is not cleared on BatchStart.
func (f *FSM) LastStats() stability.Stats { return f.lastStats }

// AuditTrail returns a copy of the bounded pause/resume history, newest last.
func (f *FSM) AuditTrail() []pauseAuditEntry {
	out := make([]pauseAuditEntry, len(f.auditRing))
	copy(out, f.auditRing)
	return out
}

// Handle applies one event to the machine and returns zero or more actions.
func (f *FSM) Handle(ev Event) []Action {
	switch ev.Kind {
	case EvBatchStart:
		return f.handleBatchStart(ev)
	case EvBatchStop:
		return f.handleBatchStop(ev)
	case EvProductSwitch:
		return f.handleProductSwitch(ev)
	case EvSample:
		return f.handleSample(ev)
	case EvPrintEnqueued:
		return f.handlePrintEnqueued(ev)
	case EvPrinterReceived:
		return f.handlePrinterReceived(ev)
	case EvPrinterCompleted:
		return f.handlePrinterCompleted(ev)
	case EvScanRecon:
		return f.handleScanRecon(ev)
	case EvPause:
		return f.handlePause(ev)
	case EvReasonCleared:
		return f.handleReasonCleared(ev)
	default:
		return nil
	}
}

func (f *FSM) handleBatchStart(ev Event) []Action {
	forcedReentry := f.state == Paused && f.pauseReason == BatchStopReason

	f.activeBatchID = ev.BatchID
	f.activeProductID = ev.ProductID
	f.pendingProduct = nil

	if ev.NewCalibration != nil {
		f.detector.Recalibrate(*ev.NewCalibration)
		slog.Info("detector recalibrated on batch start", "device_id", f.cfg.DeviceID, "batch_id", ev.BatchID)
	}

	if forcedReentry {
		f.pauseReason = NoPauseReason
		f.setState(WaitEmpty, true, ev.T)
	}
	return nil
}

func (f *FSM) handleBatchStop(ev Event) []Action {
	return f.enterPaused(BatchStopReason, ev.T)
}

func (f *FSM) handleProductSwitch(ev Event) []Action {
	switch f.state {
	case WaitEmpty:
		f.activeProductID = ev.ProductID
	default:
		p := ev.ProductID
		f.pendingProduct = &p
	}
	return nil
}

func (f *FSM) handleSample(ev Event) []Action {
	f.updateBelowEmpty(ev.Value, ev.T)

	switch f.state {
	case WaitEmpty:
		if ev.Value >= f.detector.Constants().PlacementMin {
			f.detector.Reset()
			f.lastStats = f.detector.Update(ev.T, ev.Value)
			f.printSent = false
			f.currentEventID = ""
			f.setState(Loading, false, ev.T)
		}
		return nil

	case Loading:
		if f.sustainedBelowEmpty(ev.T) {
			f.detector.Reset()
			f.setState(WaitEmpty, false, ev.T)
			return nil
		}
		f.lastStats = f.detector.Update(ev.T, ev.Value)
		if (ev.T-f.enteredAt) >= f.cfg.TSettle && f.detector.SampleCount() >= f.cfg.NMin {
			f.setState(Settling, false, ev.T)
		}
		return nil

	case Settling:
		if f.sustainedBelowEmpty(ev.T) {
			f.setState(WaitEmpty, false, ev.T)
			return nil
		}
		st := f.detector.Update(ev.T, ev.Value)
		f.lastStats = st
		if st.Stable {
			f.lockWeight = st.Mean
			f.currentEventID = idgen.New()
			f.printSent = false
			f.setState(Locked, false, ev.T)
			return []Action{{
				Kind:       ActionPrintRequested,
				EventID:    f.currentEventID,
				DeviceID:   f.cfg.DeviceID,
				BatchID:    f.activeBatchID,
				ProductID:  f.activeProductID,
				LockWeight: f.lockWeight,
				Ts:         ev.T,
			}}
		}
		return nil

	case Locked:
		limit := f.detector.Constants().ChangeLimit(f.lockWeight)
		if absf(ev.Value-f.lockWeight) > limit {
			if !f.printSent {
				f.detector.Reset()
				f.setState(Settling, false, ev.T)
				return nil
			}
			return f.enterPaused(ReweighRequired, ev.T)
		}
		return nil

	case Printing:
		limit := f.detector.Constants().ChangeLimit(f.lockWeight)
		if absf(ev.Value-f.lockWeight) > limit {
			return f.enterPaused(ReweighRequired, ev.T)
		}
		return nil

	case PostGuard:
		if f.sustainedBelowEmpty(ev.T) {
			f.setState(WaitEmpty, false, ev.T)
		}
		return nil

	case Paused:
		return nil

	default:
		return nil
	}
}

func (f *FSM) handlePrintEnqueued(ev Event) []Action {
	if f.state != Locked || ev.EventID != f.currentEventID {
		return nil
	}
	f.printSent = true
	f.setState(Printing, false, ev.T)
	return nil
}

func (f *FSM) handlePrinterReceived(ev Event) []Action {
	// Recorded for observability only; no state transition per spec.md §4.2.
	return nil
}

func (f *FSM) handlePrinterCompleted(ev Event) []Action {
	return f.handleCompletionSignal(ev)
}

func (f *FSM) handleScanRecon(ev Event) []Action {
	return f.handleCompletionSignal(ev)
}

func (f *FSM) handleCompletionSignal(ev Event) []Action {
	if f.state != Printing || ev.EventID != f.currentEventID {
		return nil
	}
	completed := f.currentEventID
	f.setState(PostGuard, false, ev.T)
	return []Action{{Kind: ActionPrintCompleted, EventID: completed}}
}

func (f *FSM) handlePause(ev Event) []Action {
	return f.enterPaused(ev.Reason, ev.T)
}

func (f *FSM) handleReasonCleared(ev Event) []Action {
	if f.state != Paused || ev.Reason != f.pauseReason {
		return nil
	}
	if f.pauseReason.requiresClearBeforeResume() && !f.sustainedBelowEmpty(ev.T) {
		return nil
	}
	f.recordAudit(ev.T, f.pauseReason, true)
	f.pauseReason = NoPauseReason
	f.setState(WaitEmpty, false, ev.T)
	return nil
}

func (f *FSM) enterPaused(reason PauseReason, t float64) []Action {
	f.pauseReason = reason
	f.setState(Paused, false, t)
	f.recordAudit(t, reason, false)
	slog.Warn("fsm paused", "device_id", f.cfg.DeviceID, "reason", reason.String())
	return []Action{{Kind: ActionPause, Reason: reason}}
}

// setState transitions to newState. reenter=true re-runs on-entry actions
// even if newState == current state, per spec.md §8's EnterState rule.
func (f *FSM) setState(newState State, reenter bool, t float64) {
	changed := newState != f.state
	f.state = newState
	f.enteredAt = t

	if (changed || reenter) && newState == WaitEmpty {
		if f.pendingProduct != nil {
			f.activeProductID = *f.pendingProduct
			f.pendingProduct = nil
		}
	}
}

func (f *FSM) updateBelowEmpty(value, t float64) {
	if f.detector.Constants().IsEmpty(value) {
		if f.belowEmptySince == nil {
			tt := t
			f.belowEmptySince = &tt
		}
	} else {
		f.belowEmptySince = nil
	}
}

func (f *FSM) sustainedBelowEmpty(t float64) bool {
	return f.belowEmptySince != nil && (t-*f.belowEmptySince) >= f.cfg.TClear
}

func (f *FSM) recordAudit(t float64, reason PauseReason, cleared bool) {
	f.auditRing = append(f.auditRing, pauseAuditEntry{T: t, Reason: reason, Cleared: cleared})
	if len(f.auditRing) > auditRingCap {
		f.auditRing = f.auditRing[len(f.auditRing)-auditRingCap:]
	}
}

func absf(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
