// Package rpc implements the inter-service fabric: a line-delimited JSON
// protocol over TCP, with a method registry on the server side and
// future-based calls on the client side. Every service is addressed by a
// (name, shard) coordinate resolved through static configuration.
package rpc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxMessageSize caps a single wire message, terminator included.
// Messages above the cap are dropped and the offending peer is
// disconnected.
const MaxMessageSize = 1024 * 1024

// ErrMessageTooLarge is returned when a peer sends an oversized message;
// the connection is torn down in response.
var ErrMessageTooLarge = errors.New("rpc: message exceeds maximum size")

// ServiceCoord identifies one shard of a service.
type ServiceCoord struct {
	Name  string `json:"name"`
	Shard int    `json:"shard"`
}

func (s ServiceCoord) String() string {
	return fmt.Sprintf("%s/%d", s.Name, s.Shard)
}

// request is the wire form of a call.
type request struct {
	ID     string          `json:"__id"`
	Method string          `json:"__method"`
	Data   json.RawMessage `json:"__data"`
}

// response is the wire form of a result. All three keys are always
// present; Error is null on success.
type response struct {
	ID    string          `json:"__id"`
	Data  json.RawMessage `json:"__data"`
	Error *string         `json:"__error"`
}

// readMessage reads one CRLF-terminated message. A message of exactly
// MaxMessageSize bytes (terminator included) is accepted; one byte more
// returns ErrMessageTooLarge and the caller must drop the connection.
func readMessage(r *bufio.Reader) ([]byte, error) {
	var buf []byte
	for {
		chunk, err := r.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(buf) > MaxMessageSize {
			return nil, ErrMessageTooLarge
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return nil, err
	}
	// Strip the terminator; tolerate a bare LF from sloppy peers.
	n := len(buf) - 1
	if n > 0 && buf[n-1] == '\r' {
		n--
	}
	return buf[:n], nil
}

// writeMessage frames and writes one message. The caller must hold the
// connection's write lock.
func writeMessage(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("rpc: encoding message: %w", err)
	}
	if len(payload)+2 > MaxMessageSize {
		return ErrMessageTooLarge
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	_, err = w.Write([]byte("\r\n"))
	return err
}

// nullData is the encoded form of an absent payload.
var nullData = json.RawMessage("null")
