package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"go.flowcatalyst.tech/internal/common/metrics"
)

// ErrCircuitOpen is returned by Breaker.Execute when the underlying
// gobreaker.CircuitBreaker is open or has exhausted its half-open request
// budget. Callers treat it exactly like a transport-level transient error.
var ErrCircuitOpen = errors.New("transport: circuit open")

// BreakerConfig mirrors the subset of the teacher's HTTPMediatorConfig
// circuit-breaker fields relevant to a single named breaker.
type BreakerConfig struct {
	Name        string
	Requests    uint32        // max requests let through while half-open
	Interval    time.Duration // stats window
	Ratio       float64       // failure ratio that trips the breaker
	Timeout     time.Duration // time in open state before half-open
	MinRequests uint32        // min requests before evaluating ratio
}

// DefaultBreakerConfig returns settings scaled for a single-station
// printer/ERP call (much lower volume than the teacher's webhook fan-out).
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:        name,
		Requests:    5,
		Interval:    30 * time.Second,
		Ratio:       0.5,
		Timeout:     5 * time.Second,
		MinRequests: 5,
	}
}

// Breaker wraps a single transport call (printer send/probe, ERP post) with
// a circuit breaker, adapted from the teacher's
// internal/router/mediator.HTTPMediator (same gobreaker.Settings shape,
// same OnStateChange logging), generalized to a generic Execute so it can
// wrap either PrinterTransport or ERPClient calls without an interface{}
// result type.
type Breaker[T any] struct {
	cb *gobreaker.CircuitBreaker
}

// NewBreaker builds a Breaker from cfg.
func NewBreaker[T any](cfg BreakerConfig) *Breaker[T] {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.Requests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.Ratio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Info("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
			metrics.TransportBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
			if to == gobreaker.StateOpen {
				metrics.TransportBreakerTrips.WithLabelValues(name).Inc()
			}
		},
	})
	return &Breaker[T]{cb: cb}
}

// breakerStateValue maps a gobreaker.State to the TransportBreakerState
// gauge's 0/1/2 vocabulary.
func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return metrics.CircuitBreakerOpen
	case gobreaker.StateHalfOpen:
		return metrics.CircuitBreakerHalfOpen
	default:
		return metrics.CircuitBreakerClosed
	}
}

// Execute runs fn through the circuit breaker. A breaker-open/too-many-
// requests condition is normalized to ErrCircuitOpen so callers can treat it
// with the same backoff path as any other transient transport failure.
func (b *Breaker[T]) Execute(fn func() (T, error)) (T, error) {
	result, err := b.cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			var zero T
			return zero, fmt.Errorf("%w: %v", ErrCircuitOpen, err)
		}
		typed, _ := result.(T)
		return typed, err
	}
	typed, _ := result.(T)
	return typed, nil
}

// breakerPrinter wraps a PrinterTransport's Send/ProbeStatus calls with a
// Breaker, so a flapping printer trips the circuit instead of letting the
// print worker hammer it through every retry backoff.
type breakerPrinter struct {
	inner        PrinterTransport
	sendBreaker  *Breaker[struct{}]
	probeBreaker *Breaker[PrinterStatus]
}

// NewBreakerPrinter composes inner with a dedicated send/probe breaker pair.
func NewBreakerPrinter(inner PrinterTransport, cfg BreakerConfig) PrinterTransport {
	sendCfg, probeCfg := cfg, cfg
	sendCfg.Name, probeCfg.Name = cfg.Name+".send", cfg.Name+".probe"
	return &breakerPrinter{
		inner:        inner,
		sendBreaker:  NewBreaker[struct{}](sendCfg),
		probeBreaker: NewBreaker[PrinterStatus](probeCfg),
	}
}

func (b *breakerPrinter) SupportsStatusProbe() bool { return b.inner.SupportsStatusProbe() }

func (b *breakerPrinter) Send(ctx context.Context, payload []byte) error {
	_, err := b.sendBreaker.Execute(func() (struct{}, error) {
		return struct{}{}, b.inner.Send(ctx, payload)
	})
	return err
}

func (b *breakerPrinter) ProbeStatus(ctx context.Context) (PrinterStatus, error) {
	return b.probeBreaker.Execute(func() (PrinterStatus, error) {
		return b.inner.ProbeStatus(ctx)
	})
}

// breakerERP wraps an ERPClient's PostEvent call with a Breaker.
type breakerERP struct {
	inner   ERPClient
	breaker *Breaker[ERPOutcome]
}

// NewBreakerERP composes inner with a dedicated breaker.
func NewBreakerERP(inner ERPClient, cfg BreakerConfig) ERPClient {
	return &breakerERP{inner: inner, breaker: NewBreaker[ERPOutcome](cfg)}
}

func (b *breakerERP) PostEvent(ctx context.Context, payloadJSON []byte) (ERPOutcome, error) {
	return b.breaker.Execute(func() (ERPOutcome, error) {
		return b.inner.PostEvent(ctx, payloadJSON)
	})
}
