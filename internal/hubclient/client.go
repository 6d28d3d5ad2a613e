// Package hubclient is a minimal client for the hub's TCP wire
// protocol, used by admin tooling and tests. Its retry policy —
// a fixed attempt count with the timeout doubling on each retry — is
// grounded on bucket.py's retry_connection decorator
// (_examples/original_source/buelon/bucket.py), carried over to the
// hub's own protocol per spec.md §5's "per-request socket timeout with
// exponential-style retry (caller supplies initial timeout and
// increment; default 4 attempts)".
package hubclient

import (
	"fmt"
	"net"
	"time"

	"github.com/buelon-hub/pipehub/internal/wire"
)

const defaultAttempts = 4

// Client dials addr fresh for every request, matching the original's
// one-socket-per-call style (_examples/original_source/buelon/bucket.py
// Client.get/set/delete).
type Client struct {
	Addr           string
	InitialTimeout time.Duration
	Attempts       int
}

func New(addr string, initialTimeout time.Duration) *Client {
	if initialTimeout <= 0 {
		initialTimeout = 5 * time.Minute
	}
	return &Client{Addr: addr, InitialTimeout: initialTimeout, Attempts: defaultAttempts}
}

// Call sends method/body and returns the raw response body, retrying
// network timeouts with a doubling timeout up to Attempts times.
func (c *Client) Call(method string, body []byte) ([]byte, error) {
	attempts := c.Attempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	timeout := c.InitialTimeout

	var lastErr error
	for i := 0; i < attempts; i++ {
		reply, err := c.callOnce(method, body, timeout)
		if err == nil {
			return reply, nil
		}
		lastErr = err
		if !isTimeout(err) {
			return nil, err
		}
		timeout *= 2
	}
	return nil, fmt.Errorf("hubclient: %s: exhausted %d attempts: %w", method, attempts, lastErr)
}

func (c *Client) callOnce(method string, body []byte, timeout time.Duration) ([]byte, error) {
	conn, err := net.DialTimeout("tcp", c.Addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("hubclient: dial: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("hubclient: set deadline: %w", err)
	}

	raw, err := wire.EncodeRequest(method, body)
	if err != nil {
		return nil, fmt.Errorf("hubclient: encode: %w", err)
	}
	if err := wire.WriteMessage(conn, raw); err != nil {
		return nil, fmt.Errorf("hubclient: write: %w", err)
	}
	reply, err := wire.ReadMessage(conn)
	if err != nil {
		return nil, fmt.Errorf("hubclient: read: %w", err)
	}
	return reply, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	for unwrapped := err; unwrapped != nil; {
		if asNe, ok := unwrapped.(net.Error); ok {
			ne = asNe
			break
		}
		u, ok := unwrapped.(interface{ Unwrap() error })
		if !ok {
			break
		}
		unwrapped = u.Unwrap()
	}
	return ne != nil && ne.Timeout()
}
