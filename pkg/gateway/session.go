package gateway

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"ofdrgate/pkg/protocol"
)

var errSessionClosed = errors.New("session closed")

// writeTimeout bounds one serialized line write; a peer that cannot drain
// a line in this window is treated as dead.
const writeTimeout = 5 * time.Second

// Session wraps one accepted client connection. Writes are serialized so a
// worker push and a read-loop reply never interleave mid-line. The gateway
// owns the session; the worker holds only a non-owning push handle.
type Session struct {
	conn   net.Conn
	wmu    sync.Mutex
	closed atomic.Bool
}

func newSession(conn net.Conn) *Session {
	return &Session{conn: conn}
}

// Send marshals v as one LF-terminated JSON line. Safe for concurrent use.
func (s *Session) Send(v any) error {
	if s.closed.Load() {
		return errSessionClosed
	}
	b, err := protocol.Encode(v)
	if err != nil {
		return err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.closed.Load() {
		return errSessionClosed
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := s.conn.Write(b); err != nil {
		s.markClosed()
		return err
	}
	return nil
}

// RemoteAddr identifies the peer for logging.
func (s *Session) RemoteAddr() string { return s.conn.RemoteAddr().String() }

func (s *Session) markClosed() { s.closed.Store(true) }

func (s *Session) close() {
	s.markClosed()
	_ = s.conn.Close()
}
