package main

import (
	"context"
	"errors"

	"go.flowcatalyst.tech/internal/transport"
)

// No concrete printer driver or ERP HTTP client ships with this station
// core: spec.md §6 and SPEC_FULL.md §6 both name the wire-level driver
// crate and the ERP client body as explicit out-of-scope collaborators.
// unwiredPrinter/unwiredERP satisfy the two transport interfaces so the
// binary links and the event loop/workers/health checks run end-to-end;
// swap them for a real driver crate and HTTP client before deploying
// against physical hardware.

var errTransportUnwired = errors.New("station: no transport driver configured for this deployment")

type unwiredPrinter struct{}

func (unwiredPrinter) SupportsStatusProbe() bool { return false }

func (unwiredPrinter) Send(ctx context.Context, payload []byte) error {
	return errTransportUnwired
}

func (unwiredPrinter) ProbeStatus(ctx context.Context) (transport.PrinterStatus, error) {
	return transport.PrinterStatus{}, errTransportUnwired
}

type unwiredERP struct{}

func (unwiredERP) PostEvent(ctx context.Context, payloadJSON []byte) (transport.ERPOutcome, error) {
	return transport.ERPRetryable, errTransportUnwired
}
