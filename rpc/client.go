package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-uuid"
)

// ErrServiceAbsent is the immediate failure of every call on a
// FakeClient, standing in for an endpoint intentionally missing from the
// configuration.
var ErrServiceAbsent = errors.New("rpc: service not present in configuration")

// ErrDisconnected fails outstanding calls when the transport drops.
// Reconnection never replays pending requests.
var ErrDisconnected = errors.New("rpc: connection lost")

// ErrNotConnected fails calls issued while the client has no transport.
var ErrNotConnected = errors.New("rpc: not connected")

// RemoteError carries an __error string produced by the remote handler.
type RemoteError struct {
	Coord  ServiceCoord
	Method string
	Msg    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s.%s: %s", e.Coord, e.Method, e.Msg)
}

// Call is the future of one outstanding request.
type Call struct {
	Method string

	doneCh chan struct{}
	data   json.RawMessage
	err    error
}

func newCall(method string) *Call {
	return &Call{Method: method, doneCh: make(chan struct{})}
}

// Done is closed when the call completes, successfully or not.
func (c *Call) Done() <-chan struct{} { return c.doneCh }

// Err blocks until completion and returns the call's error.
func (c *Call) Err() error {
	<-c.doneCh
	return c.err
}

// Result blocks until completion, then unmarshals the response payload
// into out (which may be nil to discard it).
func (c *Call) Result(out any) error {
	<-c.doneCh
	if c.err != nil {
		return c.err
	}
	if out == nil || len(c.data) == 0 || string(c.data) == "null" {
		return nil
	}
	return json.Unmarshal(c.data, out)
}

// ResultCtx is Result with a context bound on the wait.
func (c *Call) ResultCtx(ctx context.Context, out any) error {
	select {
	case <-c.doneCh:
		return c.Result(out)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Call) complete(data json.RawMessage, err error) {
	c.data = data
	c.err = err
	close(c.doneCh)
}

// Caller is the client-side surface of the fabric. Both real and fake
// clients implement it, so callers need not special-case optional
// services.
type Caller interface {
	// Call issues a request and returns its future.
	Call(method string, args any) *Call

	// Go issues a request and runs cb on completion in its own
	// goroutine; a convenience wrapper over Call.
	Go(method string, args any, cb func(data json.RawMessage, err error))

	// Connected reports whether a transport is currently up.
	Connected() bool

	Close()
}

// Client is a RemoteServiceClient: it dials one remote service shard,
// optionally keeps retrying at a fixed interval, and matches responses
// to pending calls by request id.
type Client struct {
	coord  ServiceCoord
	addr   string
	logger hclog.Logger

	// retry is the reconnect interval; zero disables auto-reconnect.
	retry time.Duration

	mu        sync.Mutex
	conn      net.Conn
	connected bool
	pending   map[string]*Call
	closed    bool

	onConnect    []func()
	onDisconnect []func()

	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

// ClientOption mutates a Client at construction.
type ClientOption func(*Client)

// WithAutoRetry enables reconnection at the given interval.
func WithAutoRetry(interval time.Duration) ClientOption {
	return func(c *Client) { c.retry = interval }
}

// WithOnConnect registers a handler invoked (in its own goroutine) on
// every successful connection.
func WithOnConnect(fn func()) ClientOption {
	return func(c *Client) { c.onConnect = append(c.onConnect, fn) }
}

// WithOnDisconnect registers a handler invoked (in its own goroutine)
// whenever the transport drops.
func WithOnDisconnect(fn func()) ClientOption {
	return func(c *Client) { c.onDisconnect = append(c.onDisconnect, fn) }
}

// NewClient creates a client for the remote coordinate at addr and
// starts its connection loop.
func NewClient(coord ServiceCoord, addr string, logger hclog.Logger, opts ...ClientOption) *Client {
	c := &Client{
		coord:      coord,
		addr:       addr,
		logger:     logger.Named("rpc.client").With("remote", coord.String()),
		pending:    make(map[string]*Call),
		shutdownCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.wg.Add(1)
	go c.run()
	return c
}

// Connected reports whether the transport is currently established.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// run is the connection loop: dial, serve the read side until it fails,
// tear down, maybe retry.
func (c *Client) run() {
	defer c.wg.Done()
	for {
		conn, err := net.Dial("tcp", c.addr)
		if err != nil {
			c.logger.Debug("dial failed", "address", c.addr, "error", err)
		} else {
			c.mu.Lock()
			c.conn = conn
			c.connected = true
			c.mu.Unlock()
			c.logger.Info("connected", "address", c.addr)
			for _, fn := range c.onConnect {
				go fn()
			}

			c.readLoop(conn)

			c.teardown()
			for _, fn := range c.onDisconnect {
				go fn()
			}
		}

		if c.retry == 0 {
			return
		}
		select {
		case <-time.After(c.retry):
		case <-c.shutdownCh:
			return
		}
	}
}

func (c *Client) readLoop(conn net.Conn) {
	reader := bufio.NewReaderSize(conn, 64*1024)
	for {
		raw, err := readMessage(reader)
		if err != nil {
			if err == ErrMessageTooLarge {
				c.logger.Warn("peer sent oversized message, disconnecting")
			}
			return
		}

		var resp response
		if err := json.Unmarshal(raw, &resp); err != nil || resp.ID == "" {
			c.logger.Warn("malformed response, ignoring")
			continue
		}

		c.mu.Lock()
		call, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if !ok {
			// A response for a request we no longer track, probably
			// completed by a disconnect in between.
			c.logger.Debug("response for unknown request id", "id", resp.ID)
			continue
		}

		if resp.Error != nil {
			call.complete(nil, &RemoteError{Coord: c.coord, Method: call.Method, Msg: *resp.Error})
		} else {
			call.complete(resp.Data, nil)
		}
	}
}

// teardown drops the transport and fails every outstanding call with a
// transport error.
func (c *Client) teardown() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected = false
	stranded := c.pending
	c.pending = make(map[string]*Call)
	c.mu.Unlock()

	for _, call := range stranded {
		call.complete(nil, ErrDisconnected)
	}
	if len(stranded) > 0 {
		c.logger.Warn("failed outstanding calls on disconnect", "count", len(stranded))
	}
}

// Call issues a request and returns its future. Arguments are the
// method's keyword object; nil means no arguments.
func (c *Client) Call(method string, args any) *Call {
	call := newCall(method)

	id, err := uuid.GenerateUUID()
	if err != nil {
		call.complete(nil, fmt.Errorf("rpc: generating request id: %w", err))
		return call
	}

	var data json.RawMessage = nullData
	if args != nil {
		data, err = json.Marshal(args)
		if err != nil {
			call.complete(nil, fmt.Errorf("rpc: encoding arguments: %w", err))
			return call
		}
	}

	c.mu.Lock()
	if !c.connected || c.conn == nil {
		c.mu.Unlock()
		call.complete(nil, ErrNotConnected)
		return call
	}
	conn := c.conn
	c.pending[id] = call
	err = writeMessage(conn, &request{ID: id, Method: method, Data: data})
	if err != nil {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if err != nil {
		call.complete(nil, fmt.Errorf("rpc: sending %s: %w", method, err))
		conn.Close()
	}
	return call
}

// Go issues a request and runs cb on completion in its own goroutine.
func (c *Client) Go(method string, args any, cb func(data json.RawMessage, err error)) {
	call := c.Call(method, args)
	go func() {
		<-call.Done()
		cb(call.data, call.err)
	}()
}

// Close stops the connection loop and fails outstanding calls.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.shutdownCh)
	c.teardown()
	c.wg.Wait()
}

// FakeClient stands in for a configured-absent endpoint: every call
// fails immediately with ErrServiceAbsent.
type FakeClient struct {
	Coord ServiceCoord
}

// Call immediately fails the returned future.
func (f *FakeClient) Call(method string, args any) *Call {
	call := newCall(method)
	call.complete(nil, fmt.Errorf("%s.%s: %w", f.Coord, method, ErrServiceAbsent))
	return call
}

// Go immediately runs cb with ErrServiceAbsent.
func (f *FakeClient) Go(method string, args any, cb func(data json.RawMessage, err error)) {
	call := f.Call(method, args)
	go func() {
		<-call.Done()
		cb(nil, call.err)
	}()
}

// Connected always reports false.
func (f *FakeClient) Connected() bool { return false }

// Close is a no-op.
func (f *FakeClient) Close() {}
