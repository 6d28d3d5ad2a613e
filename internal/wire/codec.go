// Package wire implements the hub's sentinel-delimited frame codec.
//
// A message is an arbitrary byte sequence terminated by the fixed
// sentinel "[-_-]"; there is no length prefix, so the reader must
// tolerate partial deliveries and arbitrary chunk sizes. A request
// payload is further split as "METHOD|-**-|BODY". Neither sentinel may
// appear inside a payload — callers are responsible for that, a known
// fragility carried forward unchanged from the wire protocol this
// implementation stays compatible with (see
// _examples/original_source/buelon/bucket.py's sibling framing,
// BUCKET_END_TOKEN / BUCKET_SPLIT_TOKEN, which uses the same strategy
// for the blob store's own socket protocol).
package wire

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

const (
	// EndToken terminates every message on the wire.
	EndToken = "[-_-]"
	// MethodSplitToken separates a request's method from its body.
	MethodSplitToken = "|-**-|"
)

// ErrSentinelInPayload is returned by EncodeRequest when a payload would
// corrupt framing by containing one of the wire sentinels.
var ErrSentinelInPayload = errors.New("wire: payload contains a framing sentinel")

// Request is a decoded request frame: a method name and its opaque body.
type Request struct {
	Method string
	Body   []byte
}

// ReadMessage reads bytes from r until EndToken is observed and returns
// the bytes preceding it, with EndToken stripped. It tolerates arbitrary
// read sizes and partial deliveries by buffering until the sentinel is
// found. Like bucket.py's receive(), it assumes exactly one frame per
// reader (the dispatcher's one-frame-per-connection contract): any bytes
// read past the sentinel in the same underlying Read are discarded.
func ReadMessage(r io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	chunk := make([]byte, 4096)
	end := []byte(EndToken)

	for {
		if idx := bytes.Index(buf.Bytes(), end); idx >= 0 {
			return buf.Bytes()[:idx], nil
		}
		n, err := r.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
		}
		if err != nil {
			if err == io.EOF && buf.Len() > 0 {
				if idx := bytes.Index(buf.Bytes(), end); idx >= 0 {
					return buf.Bytes()[:idx], nil
				}
			}
			return nil, err
		}
	}
}

// WriteMessage writes data followed by EndToken to w.
func WriteMessage(w io.Writer, data []byte) error {
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err := w.Write([]byte(EndToken))
	return err
}

// DecodeRequest splits a raw message into method and body at the first
// MethodSplitToken occurrence.
func DecodeRequest(msg []byte) (Request, error) {
	idx := bytes.Index(msg, []byte(MethodSplitToken))
	if idx < 0 {
		return Request{}, fmt.Errorf("wire: malformed request, missing %q", MethodSplitToken)
	}
	return Request{
		Method: string(msg[:idx]),
		Body:   msg[idx+len(MethodSplitToken):],
	}, nil
}

// EncodeRequest builds the raw "METHOD|-**-|BODY" message for method/body.
func EncodeRequest(method string, body []byte) ([]byte, error) {
	if err := checkSentinelFree(body); err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(method)+len(MethodSplitToken)+len(body))
	out = append(out, method...)
	out = append(out, MethodSplitToken...)
	out = append(out, body...)
	return out, nil
}

func checkSentinelFree(payload []byte) error {
	if bytes.Contains(payload, []byte(EndToken)) || bytes.Contains(payload, []byte(MethodSplitToken)) {
		return ErrSentinelInPayload
	}
	return nil
}
