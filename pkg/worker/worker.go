// Package worker drains the task queue and drives the physical device
// chain. One consumer, one device lock: the switch and instrument are a
// single exclusive resource and measurement latency dwarfs any win from
// finer-grained locking.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"ofdrgate/pkg/device"
	"ofdrgate/pkg/metrics"
	"ofdrgate/pkg/protocol"
	"ofdrgate/pkg/queue"
	"ofdrgate/pkg/retry"
	"ofdrgate/pkg/store"
	"ofdrgate/pkg/task"
)

// Per-step retry budgets: transient serial/TCP hiccups self-heal without
// keeping an operator waiting.
var (
	switchConnectRetry = retry.Attempts(3, 200*time.Millisecond)
	switchRouteRetry   = retry.Attempts(3, 200*time.Millisecond)
	instrConnectRetry  = retry.Attempts(3, 300*time.Millisecond)
	configureRetry     = retry.Attempts(3, 150*time.Millisecond)
	measureRetry       = retry.Attempts(3, 300*time.Millisecond)
)

// Config carries the measurement defaults applied when a task omits a
// parameter.
type Config struct {
	DefaultZeroLengthM float64
	ScanRange          string
	GainCode           int
}

// Worker executes queued tasks strictly in FIFO order.
type Worker struct {
	cfg   Config
	queue *queue.Queue
	store *store.ResultStore
	reg   *store.TaskRegistry
	sw    device.Switch
	instr device.Instrument
	met   *metrics.Metrics
	log   *zap.Logger

	// devMu guards the switch+instrument pair for the full pipeline of
	// one task.
	devMu sync.Mutex
}

func New(cfg Config, q *queue.Queue, rs *store.ResultStore, reg *store.TaskRegistry,
	sw device.Switch, instr device.Instrument, met *metrics.Metrics, log *zap.Logger) *Worker {
	if cfg.DefaultZeroLengthM <= 0 {
		cfg.DefaultZeroLengthM = 150
	}
	if cfg.ScanRange == "" {
		cfg.ScanRange = "FULL"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{cfg: cfg, queue: q, store: rs, reg: reg, sw: sw, instr: instr, met: met, log: log}
}

// Run consumes the queue until it is closed or ctx is cancelled. The
// caller closes the queue on shutdown to unblock the dequeue.
func (w *Worker) Run(ctx context.Context) {
	for {
		t, ok := w.queue.Dequeue()
		if !ok {
			return
		}
		if ctx.Err() != nil {
			// never run the device mid-shutdown, but the task still gets
			// a recorded outcome and leaves the registry
			msg := protocol.FailedResult(t.ID, errors.New("gateway shutting down"))
			w.store.AddOrUpdate(t.ID, msg)
			w.reg.MarkFinished(t.ID)
			w.push(t, msg)
			return
		}
		if w.met != nil {
			w.met.QueueDepth.Set(float64(w.queue.Len()))
		}
		w.execute(ctx, t)
	}
}

func (w *Worker) execute(ctx context.Context, t *task.MeasureTask) {
	log := w.log.With(zap.String("task", t.ID), zap.String("client", t.ClientID.String()),
		zap.String("mode", string(t.Mode)), zap.Int("channel", t.Channel))
	log.Info("task started")
	started := time.Now()

	w.reg.MarkRunning(t.ID)
	w.push(t, protocol.StatusResult(t.ID, protocol.StatusRunning))

	msg := func() *protocol.ResultMessage {
		w.devMu.Lock()
		defer w.devMu.Unlock()
		return w.runPipeline(ctx, t)
	}()

	w.store.AddOrUpdate(t.ID, msg)
	w.reg.MarkFinished(t.ID)
	w.push(t, msg)

	if w.met != nil {
		outcome := "failure"
		if msg.Success != nil && *msg.Success {
			outcome = "success"
		}
		w.met.TasksCompleted.WithLabelValues(outcome).Inc()
		w.met.ResultsStored.Set(float64(w.store.Len()))
	}
	if msg.Success != nil && *msg.Success {
		log.Info("task complete", zap.Duration("took", time.Since(started)))
	} else {
		log.Warn("task failed", zap.String("error", msg.Error), zap.Duration("took", time.Since(started)))
	}
}

// runPipeline performs the hardware steps, each behind its own retry
// budget, and folds the outcome into the final ResultMessage. This is the
// only place device errors become client-visible results.
func (w *Worker) runPipeline(ctx context.Context, t *task.MeasureTask) *protocol.ResultMessage {
	if !task.KnownMode(t.Mode) {
		return protocol.FailedResult(t.ID, fmt.Errorf("unknown mode %q", t.Mode))
	}

	if err := w.step(ctx, "switch connect", switchConnectRetry, func() error {
		return w.sw.Connect(ctx)
	}); err != nil {
		return protocol.FailedResult(t.ID, err)
	}
	if err := w.step(ctx, "switch route", switchRouteRetry, func() error {
		return w.sw.Route(ctx, t.Channel)
	}); err != nil {
		return protocol.FailedResult(t.ID, err)
	}
	if err := w.step(ctx, "instrument connect", instrConnectRetry, func() error {
		return w.instr.Connect(ctx)
	}); err != nil {
		return protocol.FailedResult(t.ID, err)
	}

	window := t.Param("zero_length", w.cfg.DefaultZeroLengthM)
	if err := w.step(ctx, "instrument configure", configureRetry, func() error {
		return w.instr.Configure(ctx, device.MeasureParams{
			ScanRange: w.cfg.ScanRange,
			GainCode:  int(t.Param("gain", float64(w.cfg.GainCode))),
			WindowM:   window,
			CenterM:   window / 2,
		})
	}); err != nil {
		return protocol.FailedResult(t.ID, err)
	}

	data := map[string]any{
		"clientId": t.ClientID,
		"channel":  t.Channel,
		"mode":     string(t.Mode),
	}
	switch t.Mode {
	case task.ModeScan:
		var lr *device.LengthResult
		if err := w.step(ctx, "measure scan", measureRetry, func() error {
			var err error
			lr, err = w.instr.MeasureLength(ctx, window)
			return err
		}); err != nil {
			return protocol.FailedResult(t.ID, err)
		}
		data["scan_length"] = lr.LengthM
		data["reflect_power"] = lr.PeakPowerDB

	case task.ModeZero:
		var lr *device.LengthResult
		if err := w.step(ctx, "measure zero", measureRetry, func() error {
			var err error
			lr, err = w.instr.MeasureLength(ctx, w.cfg.DefaultZeroLengthM)
			return err
		}); err != nil {
			return protocol.FailedResult(t.ID, err)
		}
		data["zero_length"] = lr.LengthM
		data["power"] = lr.PeakPowerDB

	case task.ModeAutoPeak:
		req := device.AutoPeakRequest{
			StartM:      t.Param("start", 0),
			EndM:        t.Param("end", window),
			Count:       int(t.Param("count", 1)),
			Algorithm:   int(t.Param("algo", 1)),
			WindowM:     t.Param("width", 0.5),
			ThresholdDB: t.Param("threshold", -30),
		}
		var peaks []device.Peak
		if err := w.step(ctx, "measure auto-peak", measureRetry, func() error {
			var err error
			peaks, err = w.instr.AutoPeak(ctx, req)
			return err
		}); err != nil {
			return protocol.FailedResult(t.ID, err)
		}
		data["peaks"] = peaks
	}

	return protocol.CompleteResult(t.ID, data)
}

func (w *Worker) step(ctx context.Context, op string, cfg retry.Config, fn func() error) error {
	cfg.Notify = func(op string, attempt int, err error) {
		if w.met != nil {
			w.met.DeviceRetries.WithLabelValues(op).Inc()
		}
		w.log.Warn("pipeline step retrying", zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
	}
	return retry.Do(ctx, cfg, op, fn)
}

// push delivers a message to the originating session, best-effort; a dead
// session only means the client has to poll.
func (w *Worker) push(t *task.MeasureTask, msg *protocol.ResultMessage) {
	if t.Session == nil {
		return
	}
	if err := t.Session.Send(msg); err != nil {
		w.log.Debug("push to session failed", zap.String("task", t.ID), zap.Error(err))
	}
}
