// Station Edge Core
//
// Single-process binary driving one scale/printer station through its
// weighing-stability detector, batch-weigh FSM, and dual-outbox print/ERP
// workers. Deployed one process per physical station.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.flowcatalyst.tech/internal/common/health"
	"go.flowcatalyst.tech/internal/common/lifecycle"
	"go.flowcatalyst.tech/internal/config"
	"go.flowcatalyst.tech/internal/erpworker"
	"go.flowcatalyst.tech/internal/eventloop"
	"go.flowcatalyst.tech/internal/fsm"
	"go.flowcatalyst.tech/internal/orchestrator"
	"go.flowcatalyst.tech/internal/outbox"
	"go.flowcatalyst.tech/internal/printworker"
	"go.flowcatalyst.tech/internal/stability"
	"go.flowcatalyst.tech/internal/transport"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("STATION_DEV") == "true" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("starting station edge core", "version", version, "build_time", buildTime)

	cfg, err := config.LoadWithFile()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		slog.Error("failed to create data directory", "dir", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	store, err := outbox.Open(ctx, cfg.Store.Path)
	if err != nil {
		slog.Error("failed to open outbox store", "path", cfg.Store.Path, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	detector := buildDetector(cfg)

	clockStart := time.Now()
	clockFn := func() float64 { return time.Since(clockStart).Seconds() }
	dbNowFn := func() int64 { return time.Now().UnixMilli() }

	fsmCfg := fsm.Config{
		DeviceID: cfg.Device.ID,
		TSettle:  cfg.FSM.TSettle.Seconds(),
		TClear:   cfg.FSM.TClear.Seconds(),
		NMin:     cfg.FSM.NMin,
	}
	machine := fsm.New(fsmCfg, detector)

	// The control loop and orchestrator reference each other (the loop
	// dispatches FSM actions into the orchestrator; the orchestrator reports
	// printer enqueue/backpressure outcomes back into the loop's control
	// queue), so the loop's sink is a forwarding closure resolved once orch
	// is assigned, before either Start runs.
	var orch *orchestrator.Orchestrator
	loop := eventloop.New(machine, eventloop.ActionSinkFunc(func(a fsm.Action) { orch.Dispatch(a) }), clockFn)
	orch = orchestrator.New(store, loop, cfg.Worker.MaxErpQueueDepth, clockFn, dbNowFn)

	breakerCfg := transport.BreakerConfig{
		Requests:    uint32(cfg.Breaker.Requests),
		Interval:    cfg.Breaker.Interval,
		Ratio:       cfg.Breaker.Ratio,
		Timeout:     cfg.Breaker.Timeout,
		MinRequests: uint32(cfg.Breaker.MinRequests),
	}
	printerBreakerCfg, erpBreakerCfg := breakerCfg, breakerCfg
	printerBreakerCfg.Name, erpBreakerCfg.Name = "printer", "erp"

	printer := transport.NewBreakerPrinter(unwiredPrinter{}, printerBreakerCfg)
	erpClient := transport.NewBreakerERP(unwiredERP{}, erpBreakerCfg)

	printWorker := printworker.New(store, printer, loop, clockFn, dbNowFn)
	printWorker.Configure(cfg.Worker.PrintPollInterval)

	erpWorker := erpworker.New(store, erpClient, dbNowFn)
	erpWorker.Configure(cfg.Worker.ErpPollInterval, cfg.Worker.ErpMaxAttempts)

	healthChecker := health.NewChecker()
	healthChecker.AddReadinessCheck(health.StoreCheck(func() error {
		return store.Ping(ctx)
	}))
	healthChecker.AddLivenessCheck(health.ServiceCheck(loop.Name(), loop.Health))
	healthChecker.AddLivenessCheck(health.ServiceCheck(orch.Name(), orch.Health))
	healthChecker.AddLivenessCheck(health.ServiceCheck(printWorker.Name(), printWorker.Health))
	healthChecker.AddLivenessCheck(health.ServiceCheck(erpWorker.Name(), erpWorker.Health))

	mux := http.NewServeMux()
	mux.HandleFunc("/q/health", healthChecker.HandleHealth)
	mux.HandleFunc("/q/health/live", healthChecker.HandleLive)
	mux.HandleFunc("/q/health/ready", healthChecker.HandleReady)
	mux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("station wired", "device_id", cfg.Device.ID, "store_path", cfg.Store.Path, "http_port", cfg.HTTP.Port)

	err = lifecycle.Run(ctx, loop, orch, printWorker, erpWorker, lifecycle.NewHTTPService("health-metrics", httpServer))
	if err != nil {
		slog.Error("station supervisor exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("station edge core stopped")
}

// buildDetector calibrates the stability detector from the configured
// empty-pan log, falling back to a small synthetic log in dev mode when no
// calibration file is present yet (e.g. first boot against a fresh data
// directory).
func buildDetector(cfg *config.Config) *stability.Detector {
	log, err := stability.LoadEmptyPanLog(cfg.Stability.CalibrationPath)
	if err != nil {
		if !cfg.DevMode {
			slog.Error("failed to load calibration log", "path", cfg.Stability.CalibrationPath, "error", err)
			os.Exit(1)
		}
		slog.Warn("calibration log unavailable, using synthetic dev log", "path", cfg.Stability.CalibrationPath, "error", err)
		log = syntheticEmptyPanLog()
	}

	constants, err := stability.Calibrate(log, cfg.Stability.PlacementMin)
	if err != nil {
		slog.Error("calibration failed", "error", err)
		os.Exit(1)
	}
	return stability.New(constants)
}

// syntheticEmptyPanLog fabricates a short, low-noise empty-pan sample log
// for local development when no real calibration capture exists yet.
func syntheticEmptyPanLog() []stability.Sample {
	const n = 400
	const dt = 0.01
	log := make([]stability.Sample, n)
	for i := 0; i < n; i++ {
		t := float64(i) * dt
		log[i] = stability.Sample{T: t, Value: 0.002 * math.Sin(t*37)}
	}
	return log
}
