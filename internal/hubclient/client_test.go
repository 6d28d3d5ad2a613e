package hubclient

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/buelon-hub/pipehub/internal/wire"
)

// startEchoServer replies to every request with the request's own
// method name as the response body, closing the connection afterward.
func startEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() err=%v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				raw, err := wire.ReadMessage(conn)
				if err != nil {
					return
				}
				req, err := wire.DecodeRequest(raw)
				if err != nil {
					return
				}
				wire.WriteMessage(conn, []byte(req.Method))
			}()
		}
	}()
	return ln.Addr().String()
}

func TestCallRoundTrip(t *testing.T) {
	addr := startEchoServer(t)
	c := New(addr, time.Second)

	reply, err := c.Call("done", []byte("step-1"))
	if err != nil {
		t.Fatalf("Call() err=%v", err)
	}
	if string(reply) != "done" {
		t.Fatalf("Call() reply=%q, want %q", reply, "done")
	}
}

func TestCallDialFailureIsNotRetried(t *testing.T) {
	c := New("127.0.0.1:1", 50*time.Millisecond)
	c.Attempts = 4
	_, err := c.Call("done", []byte("x"))
	if err == nil {
		t.Fatalf("Call() expected error for an unroutable/refused address")
	}
	if strings.Contains(err.Error(), "exhausted") {
		t.Fatalf("Call() err=%v, want the first dial error returned without retrying", err)
	}
}
