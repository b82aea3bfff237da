// Package sim provides in-process stand-ins for the physical device chain:
// a switch and instrument for mock-mode runs, and a TCP instrument server
// speaking the real grammar for driver tests.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ofdrgate/pkg/device"
)

// Switch is a software optical switch. It accepts any routing request and
// remembers the active channel.
type Switch struct {
	mu      sync.Mutex
	current int
	opened  bool

	// RouteErr, when set, makes every Route call fail with it.
	RouteErr error
	// Latency is applied per operation to mimic serial turnaround.
	Latency time.Duration
}

func NewSwitch() *Switch { return &Switch{Latency: 5 * time.Millisecond} }

func (s *Switch) Connect(ctx context.Context) error {
	if err := sleepCtx(ctx, s.Latency); err != nil {
		return err
	}
	s.mu.Lock()
	s.opened = true
	s.mu.Unlock()
	return nil
}

func (s *Switch) Route(ctx context.Context, output int) error {
	if err := sleepCtx(ctx, s.Latency); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return fmt.Errorf("sim switch: not connected")
	}
	if s.RouteErr != nil {
		return s.RouteErr
	}
	s.current = output
	return nil
}

func (s *Switch) Close() error {
	s.mu.Lock()
	s.opened = false
	s.mu.Unlock()
	return nil
}

// Current reports the routed output channel.
func (s *Switch) Current() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Instrument is a software OFDR instrument producing deterministic
// measurements: the fiber "end" sits at FiberLengthM with EndPowerDB.
type Instrument struct {
	mu        sync.Mutex
	connected bool

	FiberLengthM float64
	EndPowerDB   float64
	ResolutionM  float64
	Latency      time.Duration

	// ConnectErr, when set, fails every Connect (simulated dead unit).
	ConnectErr error
}

func NewInstrument() *Instrument {
	return &Instrument{
		FiberLengthM: 102.5,
		EndPowerDB:   -14.2,
		ResolutionM:  0.125,
		Latency:      10 * time.Millisecond,
	}
}

func (i *Instrument) Connect(ctx context.Context) error {
	if err := sleepCtx(ctx, i.Latency); err != nil {
		return err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.ConnectErr != nil {
		return i.ConnectErr
	}
	i.connected = true
	return nil
}

func (i *Instrument) Configure(ctx context.Context, p device.MeasureParams) error {
	return sleepCtx(ctx, i.Latency)
}

func (i *Instrument) MeasureLength(ctx context.Context, windowM float64) (*device.LengthResult, error) {
	if err := sleepCtx(ctx, i.Latency); err != nil {
		return nil, err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.connected {
		return nil, fmt.Errorf("sim instrument: not connected")
	}
	length := i.FiberLengthM
	if windowM > 0 && length > windowM {
		length = windowM
	}
	points := int(length / i.ResolutionM)
	return &device.LengthResult{
		LengthM:     length,
		PeakPowerDB: i.EndPowerDB,
		Points:      points,
		ResolutionM: i.ResolutionM,
	}, nil
}

func (i *Instrument) AutoPeak(ctx context.Context, req device.AutoPeakRequest) ([]device.Peak, error) {
	if err := sleepCtx(ctx, i.Latency); err != nil {
		return nil, err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.connected {
		return nil, fmt.Errorf("sim instrument: not connected")
	}
	n := req.Count
	if n <= 0 {
		n = 1
	}
	peaks := make([]device.Peak, 0, n)
	span := req.EndM - req.StartM
	for k := 0; k < n; k++ {
		peaks = append(peaks, device.Peak{
			PositionM: req.StartM + span*float64(k+1)/float64(n+1),
			PowerDB:   i.EndPowerDB - float64(k)*1.5,
		})
	}
	return peaks, nil
}

func (i *Instrument) Close() error {
	i.mu.Lock()
	i.connected = false
	i.mu.Unlock()
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
