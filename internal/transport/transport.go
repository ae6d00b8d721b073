// Package transport defines the two external capability interfaces the
// station depends on but does not implement: the printer's status/send
// contract and the ERP's event-post contract (spec.md §6). Concrete wire
// implementations (USB/serial printer drivers, the ERP HTTP client body)
// are explicit Non-goals/out-of-scope collaborators; this package only
// fixes the boundary both workers program against.
package transport

import "context"

// PrinterStatus is the printer's reported state, polled by the print
// worker's received/completed probes.
type PrinterStatus struct {
	Ready          bool
	Busy           bool
	JobBufferEmpty bool
	RfidOK         bool
	RfidUnknown    bool
	Paused         bool
	Error          bool
	Offline        bool
}

// PrinterTransport is the capability set a printer driver crate provides.
// Expressed as an interface rather than an inheritance hierarchy, per
// spec.md §9's polymorphism note.
type PrinterTransport interface {
	// SupportsStatusProbe reports whether ProbeStatus returns meaningful
	// data. When false, the print worker falls back to SCAN_RECON
	// completion mode after Send succeeds.
	SupportsStatusProbe() bool

	// Send transmits the encoded label payload to the printer.
	Send(ctx context.Context, payload []byte) error

	// ProbeStatus queries the printer's current status.
	ProbeStatus(ctx context.Context) (PrinterStatus, error)
}

// ERPOutcome classifies the result of an ERP event post (spec.md §6).
type ERPOutcome int

const (
	ERPOk ERPOutcome = iota
	ERPConflict
	ERPRetryable
	ERPFailed
)

func (o ERPOutcome) String() string {
	switch o {
	case ERPOk:
		return "OK"
	case ERPConflict:
		return "CONFLICT"
	case ERPRetryable:
		return "RETRYABLE"
	case ERPFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// ERPClient is the capability set the ERP network crate provides.
type ERPClient interface {
	// PostEvent sends the canonical event payload to the ERP and classifies
	// the outcome. Any 2xx with duplicate-semantics body is ERPConflict;
	// 4xx validation errors map to ERPFailed; network errors and 5xx map to
	// ERPRetryable.
	PostEvent(ctx context.Context, payloadJSON []byte) (ERPOutcome, error)
}

// PauseReasonForStatus maps a PrinterStatus to the pause reason the FSM
// should receive, per spec.md §6's mapping table. ok is false when the
// status reports none of the pause conditions.
func PauseReasonForStatus(s PrinterStatus) (reason string, ok bool) {
	switch {
	case s.Offline:
		return "PRINTER_OFFLINE", true
	case s.Error:
		return "PRINTER_ERROR", true
	case s.Paused:
		return "PRINTER_PAUSED", true
	default:
		return "", false
	}
}
