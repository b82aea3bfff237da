package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"ofdrgate/pkg/config"
	"ofdrgate/pkg/device"
	"ofdrgate/pkg/device/instrument"
	"ofdrgate/pkg/device/optoswitch"
	"ofdrgate/pkg/device/sim"
	"ofdrgate/pkg/gateway"
	"ofdrgate/pkg/metrics"
	"ofdrgate/pkg/observability"
	"ofdrgate/pkg/queue"
	"ofdrgate/pkg/store"
	"ofdrgate/pkg/worker"
)

// run is the main entry point after CLI parsing.
func run(opts Options) int {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}
	if opts.MockMode {
		cfg.Mode = "mock"
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = logger.Sync() }()

	zap.L().Info("ofdrgated started", zap.String("app", cfg.AppName), zap.String("mode", cfg.Mode))
	zap.L().Info("effective configuration", zap.Any("config", cfg))

	met := metrics.New()
	rs := store.NewResultStore(cfg.Results.Retention(), cfg.Results.SweepInterval(), logger)
	defer rs.Close()
	reg := store.NewTaskRegistry()
	q := queue.New(cfg.Queue.Capacity)

	sw, instr := buildDevices(cfg, logger)
	defer func() { _ = instr.Close() }()
	defer func() { _ = sw.Close() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	w := worker.New(worker.Config{
		DefaultZeroLengthM: cfg.Measure.DefaultZeroLengthM,
		ScanRange:          cfg.Measure.ScanRange,
		GainCode:           cfg.Measure.GainCode,
	}, q, rs, reg, sw, instr, met, logger)
	workerDone := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(workerDone)
	}()

	if cfg.Metrics.Enable {
		go func() {
			if err := met.Serve(ctx, cfg.Metrics.Listen, logger); err != nil {
				zap.L().Error("metrics endpoint failed", zap.Error(err))
			}
		}()
	}

	gw := gateway.New(cfg.Listen, q, rs, reg, met, logger)
	if err := gw.Listen(); err != nil {
		zap.L().Error("failed to bind gateway", zap.Error(err))
		return 1
	}
	serveDone := make(chan error, 1)
	go func() { serveDone <- gw.Serve(ctx) }()

	select {
	case <-ctx.Done():
		zap.L().Info("shutdown signal received")
	case err := <-serveDone:
		if err != nil {
			zap.L().Error("gateway stopped", zap.Error(err))
			return 1
		}
	}

	// stop taking work, let the in-flight task finish
	cancel()
	q.Close()
	select {
	case <-workerDone:
	case <-time.After(30 * time.Second):
		zap.L().Warn("worker did not stop in time")
	}
	zap.L().Info("ofdrgated stopped")
	return 0
}

// buildDevices selects the physical or simulated device chain.
func buildDevices(cfg *config.Config, log *zap.Logger) (device.Switch, device.Instrument) {
	if cfg.Mode == "mock" {
		return sim.NewSwitch(), sim.NewInstrument()
	}
	sw := optoswitch.New(optoswitch.Config{
		Device:  cfg.Switch.Device,
		Baud:    cfg.Switch.Baud,
		Index:   cfg.Switch.Index,
		Input:   cfg.Switch.Input,
		Timeout: time.Duration(cfg.Switch.TimeoutMS) * time.Millisecond,
	}, log)
	instr := instrument.New(instrument.Config{
		Host:           cfg.Instrument.Host,
		Port:           cfg.Instrument.Port,
		ConnectTimeout: time.Duration(cfg.Instrument.ConnectTimeoutMS) * time.Millisecond,
		ReadTimeout:    time.Duration(cfg.Instrument.ReadTimeoutMS) * time.Millisecond,
		DeviceID:       cfg.Instrument.DeviceID,
		SerialNumber:   cfg.Instrument.SerialNumber,
	}, log)
	return sw, instr
}
