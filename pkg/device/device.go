// Package device defines the driver interfaces the measurement worker
// drives. Real drivers live in optoswitch and instrument; in-process
// simulators live in sim.
package device

import "context"

// Switch routes the optical path to one output channel. Implementations
// are not safe for concurrent use; the worker serializes all access behind
// the device lock.
type Switch interface {
	// Connect opens the port; idempotent when already open.
	Connect(ctx context.Context) error
	// Route switches the configured input to the given output channel.
	Route(ctx context.Context, output int) error
	Close() error
}

// MeasureParams are the instrument settings applied before a measurement.
type MeasureParams struct {
	ScanRange string  // SR_ mode token
	GainCode  int     // G_ amplifier code
	WindowM   float64 // WR_ scan window, meters
	CenterM   float64 // X_ window center, meters
}

// LengthResult is the outcome of a length (zero/scan) measurement.
type LengthResult struct {
	LengthM     float64 // distance to the strongest reflection
	PeakPowerDB float64
	Points      int
	ResolutionM float64
}

// Peak is one reflectance peak reported by the instrument's auto-peak
// routine.
type Peak struct {
	PositionM float64 `json:"position"`
	PowerDB   float64 `json:"power"`
}

// AutoPeakRequest parameterizes a device-side peak search.
type AutoPeakRequest struct {
	StartM      float64
	EndM        float64
	Count       int
	Algorithm   int
	WindowM     float64
	ThresholdDB float64
}

// Instrument is the OFDR measurement instrument.
type Instrument interface {
	// Connect dials the instrument and completes the banner handshake;
	// idempotent when already connected.
	Connect(ctx context.Context) error
	Configure(ctx context.Context, p MeasureParams) error
	// MeasureLength scans the given window and locates the fiber end.
	MeasureLength(ctx context.Context, windowM float64) (*LengthResult, error)
	AutoPeak(ctx context.Context, req AutoPeakRequest) ([]Peak, error)
	Close() error
}
