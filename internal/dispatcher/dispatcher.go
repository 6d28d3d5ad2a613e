// Package dispatcher implements the hub's TCP front end: the acceptor,
// the in-memory request queue, the request processor, and the durable
// transaction-queue drain loop, per spec.md §4.4 and §5.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/buelon-hub/pipehub/internal/hub"
	"github.com/buelon-hub/pipehub/internal/platform/requestid"
	"github.com/buelon-hub/pipehub/internal/wire"
)

// maxBindAttempts and the backoff between them implement spec.md §4.4's
// "bind with up to 5 retries on EADDRINUSE, sleeping 5*attempt seconds".
const maxBindAttempts = 5

var mutatingMethods = map[string]bool{
	"done":         true,
	"pending":      true,
	"cancel":       true,
	"reset":        true,
	"error":        true,
	"upload-step":  true,
	"upload-steps": true,
	"reset-errors": true,
}

// job is one decoded request plus the connection to reply on, handed
// from an accept-handler goroutine to the processor goroutine via the
// in-memory request queue. It is not durable: a crash drops in-flight
// jobs, which is fine because nothing has been acknowledged yet.
type job struct {
	conn      net.Conn
	req       wire.Request
	requestID string
}

// Dispatcher owns the TCP listener, the in-memory request queue, and
// routes each request to the hub's read path (synchronous) or write
// path (durable-queued, acked immediately).
type Dispatcher struct {
	Hub   *hub.Hub
	Log   *slog.Logger
	queue chan job
	wg    sync.WaitGroup
	done  chan struct{}
}

func New(h *hub.Hub, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{Hub: h, Log: log, queue: make(chan job, 256), done: make(chan struct{})}
}

// Listen binds addr, retrying on EADDRINUSE per spec.md §4.4/§7.
func Listen(ctx context.Context, addr string) (net.Listener, error) {
	var lastErr error
	for attempt := 1; attempt <= maxBindAttempts; attempt++ {
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			return ln, nil
		}
		lastErr = err
		if !isAddrInUse(err) || attempt == maxBindAttempts {
			break
		}
		backoff := time.Duration(5*attempt) * time.Second
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("dispatcher: bind %s: %w", addr, lastErr)
}

func isAddrInUse(err error) bool {
	return strings.Contains(err.Error(), "address already in use")
}

// Serve runs the acceptor loop until ctx is cancelled or ln is closed,
// then blocks until every already-accepted connection has been handled
// and the processor has replied to it, per spec.md §4.4's "stop
// accepting, let in-flight connections finish" shutdown sequence.
func (d *Dispatcher) Serve(ctx context.Context, ln net.Listener) error {
	go d.processRequests(ctx)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	var serveErr error
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil {
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					continue
				}
				serveErr = fmt.Errorf("dispatcher: accept: %w", err)
			}
			break
		}
		d.wg.Add(1)
		go d.handleConn(conn)
	}

	d.wg.Wait()
	close(d.queue)
	<-d.done
	return serveErr
}

// handleConn reads exactly one request frame, decodes it, and enqueues
// it for the processor. Malformed frames are dropped and the connection
// closed, per spec.md §7. d.wg tracks this goroutine until the frame is
// either rejected here or handed off to the processor, so Serve's
// shutdown can wait for every accepted connection to be accounted for.
func (d *Dispatcher) handleConn(conn net.Conn) {
	defer d.wg.Done()

	raw, err := wire.ReadMessage(conn)
	if err != nil {
		d.Log.Warn("dispatcher: read failed, closing connection", "error", err, "remote", conn.RemoteAddr())
		_ = conn.Close()
		return
	}
	req, err := wire.DecodeRequest(raw)
	if err != nil {
		d.Log.Warn("dispatcher: malformed frame, closing connection", "error", err, "remote", conn.RemoteAddr())
		_ = conn.Close()
		return
	}
	d.queue <- job{conn: conn, req: req, requestID: requestid.New()}
}

// processRequests is the single request-processor thread: it performs
// reads inline, enqueues writes onto the durable queue, and replies on
// the client socket, per spec.md §4.4 step 3 and §5. It ranges over the
// queue until Serve closes it, so every job handed off by handleConn
// before shutdown is still guaranteed a reply. process uses a context
// detached from ctx's cancellation (but not its values) so a job that
// drains in after shutdown has begun still gets a real answer instead
// of an immediate context-cancelled error.
func (d *Dispatcher) processRequests(ctx context.Context) {
	defer close(d.done)
	applyCtx := context.WithoutCancel(ctx)
	for j := range d.queue {
		d.process(applyCtx, j)
	}
}

func (d *Dispatcher) process(ctx context.Context, j job) {
	defer j.conn.Close()

	var reply []byte
	var err error
	if mutatingMethods[j.req.Method] {
		err = d.Hub.EnqueueMutation(ctx, j.req.Method, j.req.Body)
		if err == nil {
			reply = []byte("ok")
		}
	} else {
		reply, err = d.Hub.HandleRead(ctx, j.req.Method, j.req.Body)
	}
	if err != nil {
		d.Log.Error("dispatcher: request failed", "method", j.req.Method, "request_id", j.requestID, "error", err)
		reply = []byte(`{"error":"` + sanitizeErrorMarker(err.Error()) + `"}`)
	}
	if err := wire.WriteMessage(j.conn, reply); err != nil {
		d.Log.Warn("dispatcher: write reply failed", "method", j.req.Method, "request_id", j.requestID, "error", err, "remote", j.conn.RemoteAddr())
	}
}

func sanitizeErrorMarker(s string) string {
	s = strings.ReplaceAll(s, `"`, "'")
	s = strings.ReplaceAll(s, "\n", " ")
	return s
}

// RunExecutor drains the durable transaction queue and applies each
// mutation via the hub's state machine, until ctx is cancelled. This is
// spec.md §4.4 step 4 / §5's "State-machine executor" worker.
func (d *Dispatcher) RunExecutor(ctx context.Context) error {
	return d.Hub.RunExecutor(ctx)
}
