// Package requestid generates per-request correlation ids for the
// dispatcher's log lines. A request id never appears on the wire; the
// dispatcher assigns one to each decoded frame and attaches it to the
// request processor's "request failed" and "write reply failed" lines.
package requestid

import "github.com/google/uuid"

// New returns a fresh random correlation id.
func New() string {
	return uuid.New().String()
}
