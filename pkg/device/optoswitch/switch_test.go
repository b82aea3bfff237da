package optoswitch

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakePort answers scripted responses to written commands. An empty
// response simulates a silent device (read timeout).
type fakePort struct {
	mu     sync.Mutex
	rd     bytes.Buffer
	script func(cmd string) string
	writes []string
	closed bool
	opens  int
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cmd := strings.TrimRight(string(b), "\r\n")
	p.writes = append(p.writes, cmd)
	if p.script != nil {
		p.rd.WriteString(p.script(cmd))
	}
	return len(b), nil
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rd.Len() == 0 {
		return 0, nil // timeout slice elapsed with no data
	}
	return p.rd.Read(b)
}

func (p *fakePort) Close() error                        { p.closed = true; return nil }
func (p *fakePort) SetReadTimeout(d time.Duration) error { return nil }

func newTestController(script func(string) string, timeout time.Duration) (*Controller, *fakePort) {
	p := &fakePort{script: script}
	cfg := Config{Device: "fake", Baud: 9600, Index: 1, Input: 1, Timeout: timeout}
	c := NewWithOpener(cfg, func() (Port, error) { p.opens++; return p, nil }, nil)
	return c, p
}

func TestRouteOK(t *testing.T) {
	c, p := newTestController(func(cmd string) string {
		if cmd == "SW 1 SPOS 1 5" {
			return "OK\r\n>"
		}
		return "Err: unexpected\r\n>"
	}, time.Second)
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.Route(ctx, 5); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if p.writes[0] != "SW 1 SPOS 1 5" {
		t.Fatalf("wrote %q", p.writes[0])
	}
}

func TestRouteDeviceError(t *testing.T) {
	c, _ := newTestController(func(string) string { return "Err: channel out of range\r\n>" }, time.Second)
	ctx := context.Background()
	_ = c.Connect(ctx)
	err := c.Route(ctx, 99)
	var de *DeviceError
	if !errors.As(err, &de) {
		t.Fatalf("want DeviceError, got %v", err)
	}
	if !strings.Contains(de.Detail, "out of range") {
		t.Fatalf("detail lost: %q", de.Detail)
	}
	if !strings.Contains(err.Error(), "99") {
		t.Fatalf("route failure should name the channel: %v", err)
	}
}

func TestMalformedResponse(t *testing.T) {
	c, _ := newTestController(func(string) string { return "WAT\r\n>" }, time.Second)
	ctx := context.Background()
	_ = c.Connect(ctx)
	if err := c.Route(ctx, 1); !errors.Is(err, ErrMalformed) {
		t.Fatalf("want ErrMalformed, got %v", err)
	}
}

func TestSilentDeviceTimesOut(t *testing.T) {
	c, _ := newTestController(func(string) string { return "" }, 30*time.Millisecond)
	ctx := context.Background()
	_ = c.Connect(ctx)
	if err := c.Route(ctx, 1); !errors.Is(err, ErrTimeout) {
		t.Fatalf("want ErrTimeout, got %v", err)
	}
}

func TestPromptNeverArrivesTimesOut(t *testing.T) {
	c, _ := newTestController(func(string) string { return "OK\r\ntrailing garbage" }, 30*time.Millisecond)
	ctx := context.Background()
	_ = c.Connect(ctx)
	if err := c.Route(ctx, 1); !errors.Is(err, ErrTimeout) {
		t.Fatalf("want ErrTimeout, got %v", err)
	}
}

func TestActualOutputAndCount(t *testing.T) {
	c, _ := newTestController(func(cmd string) string {
		switch cmd {
		case "SW 1 POS 1":
			return "OK 5\r\n>"
		case "SW 1 CNT":
			return "OK 16\r\n>"
		}
		return "Err: nope\r\n>"
	}, time.Second)
	ctx := context.Background()
	_ = c.Connect(ctx)
	out, err := c.ActualOutput(ctx)
	if err != nil || out != 5 {
		t.Fatalf("ActualOutput = %d, %v", out, err)
	}
	n, err := c.Count(ctx)
	if err != nil || n != 16 {
		t.Fatalf("Count = %d, %v", n, err)
	}
}

func TestMultiSwitchCommand(t *testing.T) {
	c, p := newTestController(func(string) string { return "OK\r\n>" }, time.Second)
	ctx := context.Background()
	_ = c.Connect(ctx)
	err := c.MultiSwitch(ctx, []Route{{Index: 1, Input: 1, Output: 2}, {Index: 2, Input: 1, Output: 7}})
	if err != nil {
		t.Fatal(err)
	}
	if p.writes[0] != "MSW 1 1 2 2 1 7" {
		t.Fatalf("wrote %q", p.writes[0])
	}
}

func TestEchoRoundTrip(t *testing.T) {
	c, p := newTestController(func(cmd string) string {
		if cmd == "ECHO" {
			return "OK 1\r\n>"
		}
		return "OK\r\n>"
	}, time.Second)
	ctx := context.Background()
	_ = c.Connect(ctx)
	if err := c.SetEcho(ctx, true); err != nil {
		t.Fatal(err)
	}
	on, err := c.Echo(ctx)
	if err != nil || !on {
		t.Fatalf("Echo = %v, %v", on, err)
	}
	if p.writes[0] != "ECHO 1" {
		t.Fatalf("wrote %q", p.writes[0])
	}
}

func TestConnectIdempotent(t *testing.T) {
	c, p := newTestController(func(string) string { return "OK\r\n>" }, time.Second)
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if p.opens != 1 {
		t.Fatalf("port opened %d times", p.opens)
	}
}

func TestCloseThenCommandFails(t *testing.T) {
	c, _ := newTestController(func(string) string { return "OK\r\n>" }, time.Second)
	ctx := context.Background()
	_ = c.Connect(ctx)
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Route(ctx, 1); err == nil {
		t.Fatal("command on closed controller succeeded")
	}
}
