package sim

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"ofdrgate/pkg/device"
	"ofdrgate/pkg/device/instrument"
)

// ServerOptions shapes the simulated instrument's wire behavior.
type ServerOptions struct {
	// Banner is the handshake line; leave empty for a silent (broken)
	// unit that never completes the handshake.
	Banner string

	ResolutionM  float64
	FiberLengthM float64
	EndPowerDB   float64
	NoiseFloorDB float64

	// OnCommand, when set, is consulted first; returning handled=true
	// replaces the built-in reply with the given raw lines.
	OnCommand func(cmd string) (lines []string, handled bool)
}

// DefaultServerOptions returns a healthy 102.5 m fiber behind the unit.
func DefaultServerOptions() ServerOptions {
	return ServerOptions{
		Banner:       "FLA-2000 OCI ready",
		ResolutionM:  0.125,
		FiberLengthM: 102.5,
		EndPowerDB:   -14.2,
		NoiseFloorDB: -62.0,
	}
}

// Server is a TCP instrument speaking the real ASCII grammar. Driver tests
// and demos connect the production client to it.
type Server struct {
	opts ServerOptions
	ln   net.Listener
	wg   sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// StartServer listens on 127.0.0.1 with an ephemeral port.
func StartServer(opts ServerOptions) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{opts: opts, ln: ln, conns: make(map[net.Conn]struct{})}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

func (s *Server) Addr() string { return s.ln.Addr().String() }

// Port returns the listening TCP port.
func (s *Server) Port() int { return s.ln.Addr().(*net.TCPAddr).Port }

func (s *Server) Close() {
	s.ln.Close()
	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
		}()
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	if s.opts.Banner != "" {
		fmt.Fprintf(conn, "%s\n", s.opts.Banner)
	}

	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		cmd := strings.TrimSpace(sc.Text())
		if cmd == "" {
			continue
		}
		if s.opts.OnCommand != nil {
			if lines, handled := s.opts.OnCommand(cmd); handled {
				for _, l := range lines {
					fmt.Fprintf(conn, "%s\n", l)
				}
				continue
			}
		}
		switch {
		case cmd == "QUIT":
			fmt.Fprint(conn, "BYE\n")
			return
		case cmd == "SCAN":
			s.writeScan(conn)
		case strings.HasPrefix(cmd, "SCAN_") && strings.HasSuffix(cmd, "_NACS"):
			s.writeAutoPeak(conn, cmd)
		case strings.HasPrefix(cmd, "SR_"), strings.HasPrefix(cmd, "G_"),
			strings.HasPrefix(cmd, "WR_"), strings.HasPrefix(cmd, "X_"):
			fmt.Fprint(conn, "SET OK\n")
		default:
			fmt.Fprint(conn, "INPUT_ERROR\n")
		}
	}
}

// writeScan emits the resolution line, the 12-byte sample chunks, and the
// '!' sentinel. The strongest sample sits at the fiber end.
func (s *Server) writeScan(conn net.Conn) {
	fmt.Fprintf(conn, "%g m\n", s.opts.ResolutionM)
	points := int(s.opts.FiberLengthM / s.opts.ResolutionM)
	endIdx := points - 1
	for i := 0; i < points; i++ {
		v := s.opts.NoiseFloorDB + 0.5*float64(i%3)
		if i == endIdx {
			v = s.opts.EndPowerDB
		}
		fmt.Fprintf(conn, "%12.6f", v)
	}
	fmt.Fprint(conn, "!")
}

// writeAutoPeak answers with checksummed OP frames, two peaks per frame,
// honoring the requested count.
func (s *Server) writeAutoPeak(conn net.Conn, cmd string) {
	body := strings.TrimSuffix(strings.TrimPrefix(cmd, "SCAN_"), "_NACS")
	fields := strings.Split(body, "_")
	if len(fields) < 7 {
		fmt.Fprint(conn, "INPUT_ERROR\n")
		return
	}
	start, err1 := strconv.ParseFloat(fields[0], 64)
	end, err2 := strconv.ParseFloat(fields[1], 64)
	count, err3 := strconv.Atoi(fields[2])
	if err1 != nil || err2 != nil || err3 != nil || count <= 0 {
		fmt.Fprint(conn, "INPUT_ERROR\n")
		return
	}

	span := end - start
	peaks := make([]device.Peak, 0, count)
	for k := 0; k < count; k++ {
		peaks = append(peaks, device.Peak{
			PositionM: start + span*float64(k+1)/float64(count+1),
			PowerDB:   s.opts.EndPowerDB - float64(k)*1.5,
		})
	}
	for off := 0; off < len(peaks); off += 2 {
		hi := off + 2
		if hi > len(peaks) {
			hi = len(peaks)
		}
		fmt.Fprintf(conn, "%s\n", instrument.BuildFrame(peaks[off:hi]))
	}
}
