// Package gateway accepts client connections and speaks the line-delimited
// JSON protocol: submit enqueues a measurement task, result answers
// status/outcome polls. One bad line never kills a session.
package gateway

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"

	"ofdrgate/pkg/metrics"
	"ofdrgate/pkg/protocol"
	"ofdrgate/pkg/queue"
	"ofdrgate/pkg/store"
	"ofdrgate/pkg/task"
)

// maxLine bounds one client line; anything larger is a protocol abuse.
const maxLine = 1 << 20

// Gateway is the TCP front of the measurement service.
type Gateway struct {
	listen string
	q      *queue.Queue
	rs     *store.ResultStore
	reg    *store.TaskRegistry
	met    *metrics.Metrics
	log    *zap.Logger

	ln net.Listener
}

func New(listen string, q *queue.Queue, rs *store.ResultStore, reg *store.TaskRegistry,
	met *metrics.Metrics, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{listen: listen, q: q, rs: rs, reg: reg, met: met, log: log}
}

// Listen binds the port. Failing to bind is a startup-fatal condition the
// caller reports and exits on.
func (g *Gateway) Listen() error {
	ln, err := net.Listen("tcp", g.listen)
	if err != nil {
		return fmt.Errorf("gateway: bind %s: %w", g.listen, err)
	}
	g.ln = ln
	g.log.Info("gateway listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr reports the bound address; valid after Listen.
func (g *Gateway) Addr() net.Addr { return g.ln.Addr() }

// Serve accepts connections until ctx is cancelled. Each session gets its
// own read goroutine whose lifetime is tied to the connection and ctx.
func (g *Gateway) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = g.ln.Close()
	}()
	for {
		conn, err := g.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("gateway: accept: %w", err)
		}
		go g.handleConn(ctx, conn)
	}
}

func (g *Gateway) handleConn(ctx context.Context, conn net.Conn) {
	sess := newSession(conn)
	log := g.log.With(zap.String("peer", sess.RemoteAddr()))
	log.Info("client connected")
	if g.met != nil {
		g.met.SessionsActive.Inc()
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			sess.close()
		case <-done:
		}
	}()

	defer func() {
		sess.close()
		if g.met != nil {
			g.met.SessionsActive.Dec()
		}
		log.Info("client disconnected")
	}()

	rd := bufio.NewReaderSize(conn, 4096)
	for {
		line, err := readLine(rd)
		if errors.Is(err, errLineTooLong) {
			// the oversized line is discarded, the session survives
			log.Debug("oversized line dropped")
			_ = sess.Send(protocol.NewError("line too long"))
			continue
		}
		if err != nil {
			break
		}
		if len(line) == 0 {
			continue
		}
		g.handleLine(sess, line, log)
	}
	// read error or EOF: deregister; queued tasks run on and stay
	// pollable by task id from any session
}

var errLineTooLong = errors.New("line exceeds maximum length")

// readLine accumulates one LF-terminated line. A line longer than maxLine
// is consumed to its end and reported as errLineTooLong so the connection
// stays usable.
func readLine(rd *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		frag, err := rd.ReadSlice('\n')
		line = append(line, frag...)
		if err == nil {
			return bytes.TrimRight(line, "\r\n"), nil
		}
		if err != bufio.ErrBufferFull {
			return nil, err
		}
		if len(line) > maxLine {
			for {
				if _, err := rd.ReadSlice('\n'); err == nil {
					return nil, errLineTooLong
				} else if err != bufio.ErrBufferFull {
					return nil, err
				}
			}
		}
	}
}

func (g *Gateway) handleLine(sess *Session, line []byte, log *zap.Logger) {
	req, err := protocol.DecodeRequest(line)
	if err != nil {
		log.Debug("bad request line", zap.Error(err))
		_ = sess.Send(protocol.NewError(err.Error()))
		return
	}
	switch req.Command {
	case protocol.CmdSubmit:
		g.handleSubmit(sess, req, log)
	case protocol.CmdResult:
		g.handleResult(sess, req)
	default:
		_ = sess.Send(protocol.NewError("unknown command"))
	}
}

// handleSubmit validates, registers and enqueues in that order so a poll
// arriving right after the ack always finds at least a queued state.
func (g *Gateway) handleSubmit(sess *Session, req *protocol.Request, log *zap.Logger) {
	if req.Mode == "" {
		_ = sess.Send(protocol.NewError("missing mode"))
		return
	}
	if req.ClientID == "" {
		_ = sess.Send(protocol.NewError("missing clientId"))
		return
	}
	for k := range req.Params {
		if k == "" {
			_ = sess.Send(protocol.NewError("empty parameter key"))
			return
		}
	}

	t := task.New(req.ClientID, task.Mode(req.Mode), req.Params, sess)
	g.reg.MarkQueued(t.ID)
	if !g.q.Enqueue(t) {
		g.reg.MarkFinished(t.ID)
		_ = sess.Send(protocol.StatusResult(t.ID, protocol.StatusBusy))
		log.Warn("queue full, task rejected", zap.String("task", t.ID))
		return
	}
	if g.met != nil {
		g.met.TasksSubmitted.Inc()
		g.met.QueueDepth.Set(float64(g.q.Len()))
	}
	log.Info("task queued", zap.String("task", t.ID), zap.String("mode", req.Mode))
	_ = sess.Send(protocol.NewAck(t.ID, req.ClientID, req.Mode))
}

// handleResult answers with, in priority order: the stored final result,
// the registry's transient state, or expired.
func (g *Gateway) handleResult(sess *Session, req *protocol.Request) {
	if req.TaskID == "" {
		_ = sess.Send(protocol.NewError("missing taskId"))
		return
	}
	if msg, ok := g.rs.TryGet(req.TaskID); ok {
		_ = sess.Send(msg)
		return
	}
	if st, ok := g.reg.State(req.TaskID); ok {
		switch st {
		case store.TaskRunning:
			_ = sess.Send(protocol.StatusResult(req.TaskID, protocol.StatusRunning))
		default:
			_ = sess.Send(protocol.StatusResult(req.TaskID, protocol.StatusQueued))
		}
		return
	}
	_ = sess.Send(protocol.StatusResult(req.TaskID, protocol.StatusExpired))
}
