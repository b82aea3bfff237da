// Package optoswitch drives the RS-232 optical switch. The grammar is
// ASCII request/response: CRLF-terminated commands, an OK or Err: status
// line, then a '>' prompt marking end of response.
package optoswitch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrTimeout reports that the switch did not answer inside the fixed
	// I/O window. Retryable at the pipeline level.
	ErrTimeout = errors.New("optoswitch: response timeout")
	// ErrMalformed reports a response that is neither OK nor Err:.
	ErrMalformed = errors.New("optoswitch: malformed response")
)

// DeviceError is an explicit Err: reply from the switch firmware.
type DeviceError struct {
	Detail string
}

func (e *DeviceError) Error() string { return "optoswitch: device error: " + e.Detail }

// Port is the byte pipe to the switch. go.bug.st/serial.Port satisfies it;
// tests substitute an in-memory fake.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(d time.Duration) error
}

// Route is one (switch, input, output) assignment for MultiSwitch.
type Route struct {
	Index  int
	Input  int
	Output int
}

// Config locates the switch on the serial bus.
type Config struct {
	Device  string // serial device path, e.g. /dev/ttyUSB0
	Baud    int
	Index   int // switch index on the shared bus
	Input   int // fixed input channel the gateway routes from
	Timeout time.Duration
}

// Controller implements device.Switch over one serial port.
type Controller struct {
	cfg  Config
	open func() (Port, error)
	log  *zap.Logger

	mu   sync.Mutex
	port Port
}

// New builds a controller that opens the configured physical serial port.
func New(cfg Config, log *zap.Logger) *Controller {
	c := NewWithOpener(cfg, nil, log)
	c.open = func() (Port, error) { return openSerial(cfg) }
	return c
}

// NewWithOpener builds a controller over a caller-supplied port factory.
func NewWithOpener(cfg Config, open func() (Port, error), log *zap.Logger) *Controller {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{cfg: cfg, open: open, log: log}
}

// Connect opens the serial port. Idempotent when already open.
func (c *Controller) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port != nil {
		return nil
	}
	p, err := c.open()
	if err != nil {
		return fmt.Errorf("optoswitch: open %s: %w", c.cfg.Device, err)
	}
	if err := p.SetReadTimeout(c.cfg.Timeout); err != nil {
		p.Close()
		return fmt.Errorf("optoswitch: set read timeout: %w", err)
	}
	c.port = p
	c.log.Info("optical switch connected", zap.String("device", c.cfg.Device), zap.Int("baud", c.cfg.Baud))
	return nil
}

// Route switches the configured input to the given output channel.
func (c *Controller) Route(ctx context.Context, output int) error {
	cmd := fmt.Sprintf("SW %d SPOS %d %d", c.cfg.Index, c.cfg.Input, output)
	if _, err := c.exchange(ctx, cmd); err != nil {
		return fmt.Errorf("route to channel %d: %w", output, err)
	}
	return nil
}

// ActualOutput queries the channel the switch is currently routed to.
func (c *Controller) ActualOutput(ctx context.Context) (int, error) {
	rest, err := c.exchange(ctx, fmt.Sprintf("SW %d POS %d", c.cfg.Index, c.cfg.Input))
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0, fmt.Errorf("%w: bad POS payload %q", ErrMalformed, rest)
	}
	return n, nil
}

// Count queries how many output channels the switch has.
func (c *Controller) Count(ctx context.Context) (int, error) {
	rest, err := c.exchange(ctx, fmt.Sprintf("SW %d CNT", c.cfg.Index))
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0, fmt.Errorf("%w: bad CNT payload %q", ErrMalformed, rest)
	}
	return n, nil
}

// MultiSwitch applies several routes in one command.
func (c *Controller) MultiSwitch(ctx context.Context, routes []Route) error {
	if len(routes) == 0 {
		return nil
	}
	var b strings.Builder
	b.WriteString("MSW")
	for _, r := range routes {
		fmt.Fprintf(&b, " %d %d %d", r.Index, r.Input, r.Output)
	}
	_, err := c.exchange(ctx, b.String())
	return err
}

// SetEcho enables or disables command echo.
func (c *Controller) SetEcho(ctx context.Context, on bool) error {
	v := 0
	if on {
		v = 1
	}
	_, err := c.exchange(ctx, fmt.Sprintf("ECHO %d", v))
	return err
}

// Echo queries the echo setting.
func (c *Controller) Echo(ctx context.Context) (bool, error) {
	rest, err := c.exchange(ctx, "ECHO")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(rest) == "1", nil
}

// SetLocal returns the switch front panel to local control.
func (c *Controller) SetLocal(ctx context.Context) error {
	_, err := c.exchange(ctx, "Local")
	return err
}

// Reset issues a firmware reset.
func (c *Controller) Reset(ctx context.Context) error {
	_, err := c.exchange(ctx, "RST")
	return err
}

// Close releases the serial port.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port == nil {
		return nil
	}
	err := c.port.Close()
	c.port = nil
	return err
}

// exchange writes one CRLF command, reads the status line, and drains the
// remaining bytes up to the '>' prompt. It returns the payload after the OK
// token.
func (c *Controller) exchange(ctx context.Context, cmd string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port == nil {
		return "", errors.New("optoswitch: not connected")
	}

	deadline := time.Now().Add(c.cfg.Timeout)
	if _, err := c.port.Write([]byte(cmd + "\r\n")); err != nil {
		return "", fmt.Errorf("optoswitch: write: %w", err)
	}

	line, err := c.readLine(deadline)
	if err != nil {
		return "", err
	}
	switch {
	case strings.HasPrefix(line, "OK"):
		if err := c.drainPrompt(deadline); err != nil {
			return "", err
		}
		return strings.TrimPrefix(line, "OK"), nil
	case strings.HasPrefix(line, "Err:"):
		// still consume the prompt so the next command starts clean
		_ = c.drainPrompt(deadline)
		return "", &DeviceError{Detail: strings.TrimSpace(strings.TrimPrefix(line, "Err:"))}
	default:
		return "", fmt.Errorf("%w: %q", ErrMalformed, line)
	}
}

// readLine accumulates bytes to the next LF, tolerating CR. A port read
// that yields nothing past the deadline is a timeout.
func (c *Controller) readLine(deadline time.Time) (string, error) {
	var sb strings.Builder
	buf := make([]byte, 1)
	for {
		n, err := c.port.Read(buf)
		if err != nil {
			if err == io.EOF {
				return "", fmt.Errorf("optoswitch: port closed: %w", io.EOF)
			}
			return "", fmt.Errorf("optoswitch: read: %w", err)
		}
		if n == 0 {
			// serial read timeout slice elapsed
			if time.Now().After(deadline) {
				return "", ErrTimeout
			}
			continue
		}
		switch buf[0] {
		case '\r':
		case '\n':
			return sb.String(), nil
		default:
			sb.WriteByte(buf[0])
		}
		if time.Now().After(deadline) {
			return "", ErrTimeout
		}
	}
}

// drainPrompt consumes bytes until the '>' prompt.
func (c *Controller) drainPrompt(deadline time.Time) error {
	buf := make([]byte, 1)
	for {
		n, err := c.port.Read(buf)
		if err != nil {
			return fmt.Errorf("optoswitch: read: %w", err)
		}
		if n == 0 {
			if time.Now().After(deadline) {
				return ErrTimeout
			}
			continue
		}
		if buf[0] == '>' {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrTimeout
		}
	}
}
