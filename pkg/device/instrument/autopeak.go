package instrument

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"ofdrgate/pkg/device"
	"ofdrgate/pkg/retry"
)

// AutoPeak runs the device-side peak search and collects checksummed
// OP_..._PO frames until the requested peak count is reached. INPUT_ERROR
// and checksum mismatches are hard errors: this call must not be replayed
// blindly on possibly corrupt data.
func (c *Client) AutoPeak(ctx context.Context, req device.AutoPeakRequest) ([]device.Peak, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, errors.New("instrument: not connected")
	}
	if req.Count <= 0 {
		req.Count = 1
	}

	cmd := BuildAutoPeakCommand(req.StartM, req.EndM, req.Count, req.Algorithm,
		req.WindowM, req.ThresholdDB, c.cfg.DeviceID, c.cfg.SerialNumber)
	if err := c.writeLine(cmd); err != nil {
		return nil, err
	}

	var peaks []device.Peak
	for frames := 0; len(peaks) < req.Count; frames++ {
		if frames >= maxPeakFrames {
			return nil, fmt.Errorf("instrument: %d frames without %d peaks", frames, req.Count)
		}
		line, err := readLine(c.conn, time.Now().Add(c.cfg.ReadTimeout))
		if err != nil {
			return nil, fmt.Errorf("instrument: auto-peak read: %w", err)
		}
		if line == "" {
			continue
		}
		if strings.Contains(line, "INPUT_ERROR") {
			return nil, retry.NonRetryable(ErrInputError)
		}
		got, err := TryParseFrame(line)
		if err != nil {
			if errors.Is(err, ErrChecksumMismatch) {
				return nil, retry.NonRetryable(err)
			}
			return nil, fmt.Errorf("instrument: auto-peak frame: %w", err)
		}
		peaks = append(peaks, got...)
	}

	c.log.Debug("auto-peak complete", zap.Int("peaks", len(peaks)))
	if len(peaks) > req.Count {
		peaks = peaks[:req.Count]
	}
	return peaks, nil
}
