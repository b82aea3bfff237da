package worker_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ofdrgate/pkg/device"
	"ofdrgate/pkg/device/instrument"
	"ofdrgate/pkg/device/sim"
	"ofdrgate/pkg/protocol"
	"ofdrgate/pkg/queue"
	"ofdrgate/pkg/store"
	"ofdrgate/pkg/task"
	"ofdrgate/pkg/worker"
)

type harness struct {
	q     *queue.Queue
	rs    *store.ResultStore
	reg   *store.TaskRegistry
	sw    *sim.Switch
	instr *sim.Instrument
	w     *worker.Worker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		q:     queue.New(0),
		rs:    store.NewResultStore(time.Hour, time.Hour, nil),
		reg:   store.NewTaskRegistry(),
		sw:    sim.NewSwitch(),
		instr: sim.NewInstrument(),
	}
	h.sw.Latency = 0
	h.instr.Latency = 0
	h.w = worker.New(worker.Config{}, h.q, h.rs, h.reg, h.sw, h.instr, nil, nil)
	t.Cleanup(h.rs.Close)
	return h
}

func (h *harness) start(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.w.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		h.q.Close()
		<-done
	})
}

func (h *harness) waitResult(t *testing.T, taskID string) *protocol.ResultMessage {
	t.Helper()
	var msg *protocol.ResultMessage
	require.Eventually(t, func() bool {
		var ok bool
		msg, ok = h.rs.TryGet(taskID)
		return ok
	}, 5*time.Second, 5*time.Millisecond)
	return msg
}

// sink records pushed messages.
type sink struct {
	mu   sync.Mutex
	msgs []*protocol.ResultMessage
}

func (s *sink) Send(v any) error {
	if m, ok := v.(*protocol.ResultMessage); ok {
		s.mu.Lock()
		s.msgs = append(s.msgs, m)
		s.mu.Unlock()
	}
	return nil
}

func TestZeroTaskCompletes(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	sk := &sink{}
	tk := task.New("C1", task.ModeZero, map[string]string{}, sk)
	h.reg.MarkQueued(tk.ID)
	require.True(t, h.q.Enqueue(tk))

	msg := h.waitResult(t, tk.ID)
	require.Equal(t, protocol.StatusComplete, msg.Status)
	require.NotNil(t, msg.Success)
	require.True(t, *msg.Success)
	require.Greater(t, msg.Data["zero_length"].(float64), 0.0)
	require.Contains(t, msg.Data, "power")

	// registry cleaned, running status was pushed before the final one
	_, tracked := h.reg.State(tk.ID)
	require.False(t, tracked)
	sk.mu.Lock()
	defer sk.mu.Unlock()
	require.GreaterOrEqual(t, len(sk.msgs), 2)
	require.Equal(t, protocol.StatusRunning, sk.msgs[0].Status)
	require.Equal(t, protocol.StatusComplete, sk.msgs[len(sk.msgs)-1].Status)
}

func TestScanTaskUsesZeroLengthParam(t *testing.T) {
	h := newHarness(t)
	h.instr.FiberLengthM = 80
	h.start(t)

	tk := task.New("3", task.ModeScan, map[string]string{"zero_length": "60"}, nil)
	h.reg.MarkQueued(tk.ID)
	h.q.Enqueue(tk)

	msg := h.waitResult(t, tk.ID)
	require.True(t, *msg.Success)
	// window clamps the simulated fiber
	require.Equal(t, 60.0, msg.Data["scan_length"])
	require.Contains(t, msg.Data, "reflect_power")
	require.Equal(t, 3, msg.Data["channel"])
	require.Equal(t, 3, h.sw.Current())
}

func TestAutoPeakTask(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	tk := task.New("C1", task.ModeAutoPeak, map[string]string{"start": "10", "end": "110", "count": "2"}, nil)
	h.reg.MarkQueued(tk.ID)
	h.q.Enqueue(tk)

	msg := h.waitResult(t, tk.ID)
	require.True(t, *msg.Success)
	peaks := msg.Data["peaks"].([]device.Peak)
	require.Len(t, peaks, 2)
}

func TestUnknownModeFailsFast(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	tk := task.New("C1", "bogus", nil, nil)
	h.reg.MarkQueued(tk.ID)
	h.q.Enqueue(tk)

	msg := h.waitResult(t, tk.ID)
	require.NotNil(t, msg.Success)
	require.False(t, *msg.Success)
	require.Contains(t, msg.Error, "unknown mode")
}

func TestShutdownRecordsDequeuedTask(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tk := task.New("1", task.ModeZero, nil, nil)
	h.reg.MarkQueued(tk.ID)
	require.True(t, h.q.Enqueue(tk))

	h.w.Run(ctx)

	msg, ok := h.rs.TryGet(tk.ID)
	require.True(t, ok, "task dequeued during shutdown must leave a result")
	require.False(t, *msg.Success)
	require.Contains(t, msg.Error, "shutting down")
	_, tracked := h.reg.State(tk.ID)
	require.False(t, tracked)
}

func TestSwitchFailureExhaustsRetries(t *testing.T) {
	h := newHarness(t)
	h.sw.RouteErr = errors.New("prism jammed")
	h.start(t)

	tk := task.New("5", task.ModeZero, nil, nil)
	h.reg.MarkQueued(tk.ID)
	h.q.Enqueue(tk)

	msg := h.waitResult(t, tk.ID)
	require.False(t, *msg.Success)
	require.Contains(t, msg.Error, "switch route")
	require.Contains(t, msg.Error, "3 attempts")
	require.Contains(t, msg.Error, "prism jammed")
}

func TestSilentInstrumentFailsHandshake(t *testing.T) {
	opts := sim.DefaultServerOptions()
	opts.Banner = ""
	srv, err := sim.StartServer(opts)
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	h := newHarness(t)
	real := instrument.New(instrument.Config{
		Host:           "127.0.0.1",
		Port:           srv.Port(),
		ConnectTimeout: 50 * time.Millisecond,
		ReadTimeout:    50 * time.Millisecond,
	}, nil)
	h.w = worker.New(worker.Config{}, h.q, h.rs, h.reg, h.sw, real, nil, nil)
	h.start(t)

	tk := task.New("C1", task.ModeZero, nil, nil)
	h.reg.MarkQueued(tk.ID)
	h.q.Enqueue(tk)

	msg := h.waitResult(t, tk.ID)
	require.False(t, *msg.Success)
	require.Contains(t, msg.Error, "handshake")
	require.Contains(t, msg.Error, "instrument connect")
}

// exclusiveDevices fails the test if two pipeline operations ever overlap.
type exclusiveDevices struct {
	t      *testing.T
	inUse  atomic.Int32
	orders []string
	mu     sync.Mutex
}

func (d *exclusiveDevices) enter(op string) func() {
	if d.inUse.Add(1) != 1 {
		d.t.Errorf("device accessed concurrently during %s", op)
	}
	return func() { d.inUse.Add(-1) }
}

func (d *exclusiveDevices) record(id string) {
	d.mu.Lock()
	d.orders = append(d.orders, id)
	d.mu.Unlock()
}

func (d *exclusiveDevices) Connect(ctx context.Context) error { defer d.enter("connect")(); return nil }
func (d *exclusiveDevices) Close() error                      { return nil }

func (d *exclusiveDevices) Route(ctx context.Context, output int) error {
	defer d.enter("route")()
	time.Sleep(2 * time.Millisecond)
	return nil
}

func (d *exclusiveDevices) Configure(ctx context.Context, p device.MeasureParams) error {
	defer d.enter("configure")()
	return nil
}

func (d *exclusiveDevices) MeasureLength(ctx context.Context, windowM float64) (*device.LengthResult, error) {
	defer d.enter("measure")()
	time.Sleep(2 * time.Millisecond)
	return &device.LengthResult{LengthM: 10, PeakPowerDB: -20, Points: 80, ResolutionM: 0.125}, nil
}

func (d *exclusiveDevices) AutoPeak(ctx context.Context, req device.AutoPeakRequest) ([]device.Peak, error) {
	defer d.enter("autopeak")()
	return []device.Peak{{PositionM: 1, PowerDB: -20}}, nil
}

func TestTasksRunExclusivelyAndInOrder(t *testing.T) {
	h := newHarness(t)
	dev := &exclusiveDevices{t: t}
	h.w = worker.New(worker.Config{}, h.q, h.rs, h.reg, dev, dev, nil, nil)
	h.start(t)

	var ids []string
	for i := 0; i < 5; i++ {
		tk := task.New("C1", task.ModeZero, nil, orderSink{dev})
		ids = append(ids, tk.ID)
		h.reg.MarkQueued(tk.ID)
		h.q.Enqueue(tk)
	}
	for _, id := range ids {
		msg := h.waitResult(t, id)
		require.True(t, *msg.Success)
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()
	require.Equal(t, ids, dev.orders, "tasks must complete in submission order")
}

// orderSink records the completion order of final results.
type orderSink struct{ dev *exclusiveDevices }

func (o orderSink) Send(v any) error {
	if m, ok := v.(*protocol.ResultMessage); ok && m.Status == protocol.StatusComplete {
		o.dev.record(m.TaskID)
	}
	return nil
}
