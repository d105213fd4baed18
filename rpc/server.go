package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"runtime/debug"
	"sync"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
)

// HandlerFunc is one callable method of a service. The raw arguments are
// the request's keyword object; the returned value is serialized as the
// response payload. Handlers for the same endpoint run concurrently and
// synchronize on their own.
type HandlerFunc func(ctx context.Context, args json.RawMessage) (any, error)

// Server accepts connections for one service shard and dispatches
// incoming requests to registered methods.
type Server struct {
	coord  ServiceCoord
	addr   string
	logger hclog.Logger

	handlersLock sync.RWMutex
	handlers     map[string]HandlerFunc

	ln net.Listener

	connsLock sync.Mutex
	conns     map[net.Conn]struct{}

	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
	wg             sync.WaitGroup
}

// NewServer creates a server for the given coordinate listening on addr.
func NewServer(coord ServiceCoord, addr string, logger hclog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		coord:          coord,
		addr:           addr,
		logger:         logger.Named("rpc.server"),
		handlers:       make(map[string]HandlerFunc),
		conns:          make(map[net.Conn]struct{}),
		shutdownCtx:    ctx,
		shutdownCancel: cancel,
	}
}

// Register marks a method as callable. Registering after Start is
// allowed.
func (s *Server) Register(method string, fn HandlerFunc) {
	s.handlersLock.Lock()
	defer s.handlersLock.Unlock()
	s.handlers[method] = fn
}

// Addr returns the bound listener address, useful when the configured
// port was 0.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Start binds the listener and begins accepting connections.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("rpc: listen on %s: %w", s.addr, err)
	}
	s.ln = ln
	s.wg.Add(1)
	go s.listen()
	s.logger.Info("accepting connections", "service", s.coord, "address", ln.Addr())
	return nil
}

func (s *Server) listen() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.shutdownCtx.Done():
				return
			default:
			}
			s.logger.Error("failed to accept connection", "error", err)
			continue
		}
		metrics.IncrCounter([]string{"gavel", "rpc", "accept_conn"}, 1)

		s.connsLock.Lock()
		s.conns[conn] = struct{}{}
		s.connsLock.Unlock()

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.connsLock.Lock()
		delete(s.conns, conn)
		s.connsLock.Unlock()
	}()

	// One writer lock per connection: responses from concurrent handlers
	// must not interleave.
	var writeLock sync.Mutex
	reader := bufio.NewReaderSize(conn, 64*1024)

	for {
		raw, err := readMessage(reader)
		if err != nil {
			if err == ErrMessageTooLarge {
				s.logger.Warn("dropping peer: message above size limit",
					"remote", conn.RemoteAddr())
			}
			return
		}

		var req request
		if err := json.Unmarshal(raw, &req); err != nil || req.ID == "" || req.Method == "" {
			s.logger.Warn("malformed request, ignoring", "remote", conn.RemoteAddr())
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.dispatch(conn, &writeLock, &req)
		}()
	}
}

// dispatch runs one request to completion and writes the response.
// Handler panics become error responses; the service keeps running.
func (s *Server) dispatch(conn net.Conn, writeLock *sync.Mutex, req *request) {
	resp := response{ID: req.ID, Data: nullData}

	s.handlersLock.RLock()
	fn, ok := s.handlers[req.Method]
	s.handlersLock.RUnlock()

	switch {
	case !ok:
		msg := fmt.Sprintf("method %s doesn't exist", req.Method)
		resp.Error = &msg
	default:
		result, err := s.invoke(fn, req)
		if err != nil {
			msg := err.Error()
			resp.Error = &msg
		} else if result != nil {
			data, err := json.Marshal(result)
			if err != nil {
				// Encoding failure: log and drop, nothing useful can
				// reach the peer.
				s.logger.Error("failed to encode response",
					"method", req.Method, "error", err)
				return
			}
			resp.Data = data
		}
	}

	writeLock.Lock()
	err := writeMessage(conn, &resp)
	writeLock.Unlock()
	if err != nil {
		s.logger.Warn("failed to write response", "method", req.Method, "error", err)
		conn.Close()
	}
}

func (s *Server) invoke(fn HandlerFunc, req *request) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panicked", "method", req.Method,
				"panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%s: %v", req.Method, r)
		}
	}()
	args := req.Data
	if len(args) == 0 {
		args = nullData
	}
	return fn(s.shutdownCtx, args)
}

// Shutdown closes the listener and every open connection, interrupting
// in-flight handlers through the shared context.
func (s *Server) Shutdown() {
	s.shutdownCancel()
	if s.ln != nil {
		s.ln.Close()
	}
	s.connsLock.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.connsLock.Unlock()
	s.wg.Wait()
}

// DecodeArgs unmarshals a request's keyword object into a typed params
// struct. Handlers call this first.
func DecodeArgs(args json.RawMessage, out any) error {
	if len(args) == 0 || string(args) == "null" {
		return nil
	}
	if err := json.Unmarshal(args, out); err != nil {
		return fmt.Errorf("rpc: bad arguments: %w", err)
	}
	return nil
}
