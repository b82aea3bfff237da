// Package instrument drives the OFDR fiber-reflectometry instrument over
// TCP. The grammar is ASCII, LF-terminated: an OCI banner on connect,
// OK-acked parameter commands, a SCAN sample stream terminated by the '!'
// sentinel, and checksummed OP_..._PO auto-peak frames.
package instrument

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"ofdrgate/pkg/device"
	"ofdrgate/pkg/retry"
)

const (
	bannerToken   = "OCI"
	scanSentinel  = '!'
	sampleWidth   = 12 // bytes per ASCII-encoded sample
	maxPeakFrames = 32
)

var (
	// ErrHandshake reports a connection that never produced the OCI
	// banner. Retryable: the caller's RetryPolicy reconnects.
	ErrHandshake = errors.New("instrument handshake failed: no OCI banner")
	// ErrInputError reports the device's INPUT_ERROR reply. Hard error.
	ErrInputError = errors.New("instrument rejected command: INPUT_ERROR")
	// ErrChecksumMismatch reports a response checksum off by more than the
	// 0.1 tolerance. Hard error, possible data corruption.
	ErrChecksumMismatch = errors.New("instrument response checksum mismatch")
)

// Config locates the instrument and bounds its I/O.
type Config struct {
	Host           string
	Port           int
	ConnectTimeout time.Duration // dial + banner wait, default 5s
	ReadTimeout    time.Duration // per protocol read, default 5s
	DeviceID       string        // id token in auto-peak commands
	SerialNumber   string        // sn token in auto-peak commands
}

func (c Config) addr() string { return net.JoinHostPort(c.Host, strconv.Itoa(c.Port)) }

// ScanResult is the raw outcome of one SCAN exchange. Transient: the
// caller folds it into a task payload and discards it.
type ScanResult struct {
	ResolutionM float64
	WindowM     float64
	Points      int
	Y           []float64
	RawBytes    int
	Sentinel    bool // payload ended with '!' rather than connection loss
}

// Client implements device.Instrument over one TCP connection reused
// across pipeline steps.
type Client struct {
	cfg Config
	log *zap.Logger

	mu   sync.Mutex
	conn net.Conn
}

func New(cfg Config, log *zap.Logger) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{cfg: cfg, log: log}
}

// Connect dials the instrument and waits for the banner sequence to carry
// the OCI token. Idempotent when already connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}

	d := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.cfg.addr())
	if err != nil {
		return fmt.Errorf("instrument dial %s: %w", c.cfg.addr(), err)
	}

	deadline := time.Now().Add(c.cfg.ConnectTimeout)
	for {
		line, err := readLine(conn, deadline)
		if err != nil {
			conn.Close()
			return fmt.Errorf("%w: %v", ErrHandshake, err)
		}
		if strings.Contains(line, bannerToken) {
			break
		}
	}

	c.conn = conn
	c.log.Info("instrument connected", zap.String("addr", c.cfg.addr()))
	return nil
}

// Configure applies the measurement parameters, each as its own acked
// command.
func (c *Client) Configure(ctx context.Context, p device.MeasureParams) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cmds := []string{
		"SR_" + p.ScanRange,
		"G_" + strconv.Itoa(p.GainCode),
		"WR_" + Fmt5(strconv.FormatFloat(p.WindowM, 'f', -1, 64)),
		"X_" + Fmt5(strconv.FormatFloat(p.CenterM, 'f', -1, 64)),
	}
	for _, cmd := range cmds {
		if err := c.setParam(cmd); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) setParam(cmd string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errors.New("instrument: not connected")
	}
	if err := c.writeLine(cmd); err != nil {
		return err
	}
	line, err := readLine(c.conn, time.Now().Add(c.cfg.ReadTimeout))
	if err != nil {
		return fmt.Errorf("instrument: %s: %w", cmd, err)
	}
	if strings.Contains(line, "INPUT_ERROR") {
		return retry.NonRetryable(fmt.Errorf("%w (%s)", ErrInputError, cmd))
	}
	if !strings.Contains(line, "OK") {
		return fmt.Errorf("instrument: %s not acknowledged: %q", cmd, line)
	}
	return nil
}

// Scan runs one SCAN exchange: a resolution line, then samples to the '!'
// sentinel. The point count trusts the actually received bytes when the
// theoretical window/resolution count disagrees.
func (c *Client) Scan(ctx context.Context, windowM float64) (*ScanResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, errors.New("instrument: not connected")
	}

	if err := c.writeLine("SCAN"); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(c.cfg.ReadTimeout)
	resLine, err := readLine(c.conn, deadline)
	if err != nil {
		return nil, fmt.Errorf("instrument: scan resolution line: %w", err)
	}
	if strings.Contains(resLine, "INPUT_ERROR") {
		return nil, retry.NonRetryable(ErrInputError)
	}
	res, err := LenientFloat(resLine)
	if err != nil || res <= 0 {
		return nil, fmt.Errorf("instrument: bad resolution line %q", resLine)
	}

	raw, sentinel, err := readUntilSentinel(c.conn, deadline)
	if err != nil {
		return nil, fmt.Errorf("instrument: scan payload: %w", err)
	}

	samples := decodeSamples(raw)
	theoretical := int(math.Round(windowM / res))
	if theoretical != len(samples) {
		c.log.Warn("scan point count mismatch, trusting received bytes",
			zap.Int("theoretical", theoretical),
			zap.Int("received", len(samples)),
			zap.Int("raw_bytes", len(raw)))
	}

	return &ScanResult{
		ResolutionM: res,
		WindowM:     windowM,
		Points:      len(samples),
		Y:           samples,
		RawBytes:    len(raw),
		Sentinel:    sentinel,
	}, nil
}

// MeasureLength scans the window and locates the strongest reflection,
// which marks the fiber end. A non-positive located length is a failure.
func (c *Client) MeasureLength(ctx context.Context, windowM float64) (*device.LengthResult, error) {
	sr, err := c.Scan(ctx, windowM)
	if err != nil {
		return nil, err
	}
	if sr.Points == 0 {
		return nil, errors.New("instrument: scan returned no samples")
	}
	peakIdx, peakPow := 0, sr.Y[0]
	for i, v := range sr.Y {
		if v > peakPow {
			peakIdx, peakPow = i, v
		}
	}
	length := float64(peakIdx) * sr.ResolutionM
	if length <= 0 {
		return nil, fmt.Errorf("instrument: scanned length not positive (%.3f m)", length)
	}
	return &device.LengthResult{
		LengthM:     length,
		PeakPowerDB: peakPow,
		Points:      sr.Points,
		ResolutionM: sr.ResolutionM,
	}, nil
}

// Close sends QUIT and closes the socket regardless of the QUIT outcome.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	if err := c.writeLine("QUIT"); err == nil {
		// BYE is a courtesy; don't wait long and never fail on it
		_, _ = readLine(c.conn, time.Now().Add(time.Second))
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) writeLine(s string) error {
	if _, err := c.conn.Write([]byte(s + "\n")); err != nil {
		return fmt.Errorf("instrument: write %s: %w", s, err)
	}
	return nil
}

// readLine accumulates single bytes to the next LF under the deadline,
// dropping CR.
func readLine(conn net.Conn, deadline time.Time) (string, error) {
	if err := conn.SetReadDeadline(deadline); err != nil {
		return "", err
	}
	var sb strings.Builder
	buf := make([]byte, 1)
	for {
		if _, err := conn.Read(buf); err != nil {
			return "", err
		}
		switch buf[0] {
		case '\r':
		case '\n':
			return sb.String(), nil
		default:
			sb.WriteByte(buf[0])
		}
	}
}

// readUntilSentinel accumulates raw payload bytes until the '!' sentinel.
// A closed connection before the sentinel returns what arrived with
// sentinel=false.
func readUntilSentinel(conn net.Conn, deadline time.Time) ([]byte, bool, error) {
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, false, err
	}
	var out []byte
	buf := make([]byte, 1)
	for {
		_, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return out, false, nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return nil, false, fmt.Errorf("timeout before sentinel (%d bytes read)", len(out))
			}
			return nil, false, err
		}
		if buf[0] == scanSentinel {
			return out, true, nil
		}
		out = append(out, buf[0])
	}
}

// decodeSamples splits the raw region into consecutive 12-byte ASCII
// numeric chunks, one sample each. A short trailing chunk is dropped.
func decodeSamples(raw []byte) []float64 {
	n := len(raw) / sampleWidth
	out := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		chunk := strings.TrimSpace(string(raw[i*sampleWidth : (i+1)*sampleWidth]))
		v, err := LenientFloat(chunk)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}
