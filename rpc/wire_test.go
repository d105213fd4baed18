package rpc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/shoenig/test/must"
)

func TestReadMessage(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("{\"a\":1}\r\n{\"b\":2}\r\n"))

	msg, err := readMessage(r)
	must.NoError(t, err)
	must.Eq(t, `{"a":1}`, string(msg))

	msg, err = readMessage(r)
	must.NoError(t, err)
	must.Eq(t, `{"b":2}`, string(msg))

	_, err = readMessage(r)
	must.Error(t, err)
}

func TestReadMessage_BareLF(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("{\"a\":1}\n"))
	msg, err := readMessage(r)
	must.NoError(t, err)
	must.Eq(t, `{"a":1}`, string(msg))
}

func TestReadMessage_SizeBoundary(t *testing.T) {
	// Exactly MaxMessageSize including the CRLF is accepted.
	payload := bytes.Repeat([]byte("x"), MaxMessageSize-2)
	r := bufio.NewReader(bytes.NewReader(append(payload, '\r', '\n')))
	msg, err := readMessage(r)
	must.NoError(t, err)
	must.Len(t, MaxMessageSize-2, msg)

	// One byte more disconnects the peer.
	payload = bytes.Repeat([]byte("x"), MaxMessageSize-1)
	r = bufio.NewReader(bytes.NewReader(append(payload, '\r', '\n')))
	_, err = readMessage(r)
	must.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestWriteMessage(t *testing.T) {
	var buf bytes.Buffer
	msg := "ok"
	err := writeMessage(&buf, &response{ID: "abc", Data: nullData, Error: &msg})
	must.NoError(t, err)
	must.True(t, bytes.HasSuffix(buf.Bytes(), []byte("\r\n")))

	var resp response
	must.NoError(t, json.Unmarshal(buf.Bytes()[:buf.Len()-2], &resp))
	must.Eq(t, "abc", resp.ID)
	must.NotNil(t, resp.Error)
}

func TestWriteMessage_TooLarge(t *testing.T) {
	var buf bytes.Buffer
	big := strings.Repeat("x", MaxMessageSize)
	err := writeMessage(&buf, &request{ID: "a", Method: "m", Data: json.RawMessage(`"` + big + `"`)})
	must.ErrorIs(t, err, ErrMessageTooLarge)
	must.Zero(t, buf.Len())
}

func TestResponse_WireShape(t *testing.T) {
	// All three keys must always be present on the wire.
	out, err := json.Marshal(&response{ID: "a", Data: nullData})
	must.NoError(t, err)
	for _, key := range []string{"__id", "__data", "__error"} {
		must.StrContains(t, string(out), key)
	}
}
