// Package web is the admin bridge: an HTTP facade over the RPC fabric,
// so admin tooling and dashboards can call any service shard with plain
// JSON instead of speaking the wire protocol. It also exports the
// process metrics for scraping.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gavelms/gavel/config"
	"github.com/gavelms/gavel/rpc"
)

// callTimeout bounds one bridged call; a hung service must not pin an
// admin request forever.
const callTimeout = 60 * time.Second

// maxBodySize caps the JSON arguments of one bridged call, matching the
// wire protocol's own message cap.
const maxBodySize = rpc.MaxMessageSize

// envelope is the uniform response body of the bridge. Exactly one of
// Data and Error is meaningful.
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *string         `json:"error"`
}

// Bridge serves the admin HTTP surface. RPC clients are created on
// first use and kept for the life of the process, reconnecting on their
// own.
type Bridge struct {
	logger hclog.Logger
	cfg    *config.Config

	// newCaller is replaceable in tests.
	newCaller func(coord rpc.ServiceCoord, addr string) rpc.Caller

	mu      sync.Mutex
	clients map[rpc.ServiceCoord]rpc.Caller
}

// NewBridge builds the bridge over the shared configuration.
func NewBridge(cfg *config.Config, logger hclog.Logger) *Bridge {
	b := &Bridge{
		logger:  logger.Named("web"),
		cfg:     cfg,
		clients: make(map[rpc.ServiceCoord]rpc.Caller),
	}
	b.newCaller = func(coord rpc.ServiceCoord, addr string) rpc.Caller {
		return rpc.NewClient(coord, addr, b.logger,
			rpc.WithAutoRetry(cfg.ReconnectInterval()))
	}
	return b
}

// Handler returns the bridge's routes.
func (b *Bridge) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /rpc/{service}/{shard}/{method}", b.handleRPC)
	return mux
}

// Close shuts down every cached client.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, client := range b.clients {
		client.Close()
	}
	b.clients = make(map[rpc.ServiceCoord]rpc.Caller)
}

// clientFor returns the cached client of a shard, dialing on first use.
func (b *Bridge) clientFor(service string, shard int) (rpc.Caller, error) {
	addr, err := b.cfg.Resolve(service, shard)
	if err != nil {
		return nil, err
	}
	coord := rpc.ServiceCoord{Name: service, Shard: shard}

	b.mu.Lock()
	defer b.mu.Unlock()
	if client, ok := b.clients[coord]; ok {
		return client, nil
	}
	client := b.newCaller(coord, addr)
	b.clients[coord] = client
	return client, nil
}

func (b *Bridge) handleRPC(w http.ResponseWriter, r *http.Request) {
	service := r.PathValue("service")
	method := r.PathValue("method")
	shard, err := strconv.Atoi(r.PathValue("shard"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("bad shard %q", r.PathValue("shard")))
		return
	}

	client, err := b.clientFor(service, shard)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading request body")
		return
	}
	if len(body) == 0 {
		body = []byte(`{}`)
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "request body is not valid JSON")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), callTimeout)
	defer cancel()

	var result json.RawMessage
	err = client.Call(method, json.RawMessage(body)).ResultCtx(ctx, &result)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, envelope{Data: result})
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "call timed out")
	case errors.Is(err, rpc.ErrNotConnected), errors.Is(err, rpc.ErrDisconnected):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		// The remote ran the method and reported a failure; that is a
		// successful bridge round trip.
		writeJSON(w, http.StatusOK, envelope{Error: stringPtr(err.Error())})
	}
}

func writeJSON(w http.ResponseWriter, status int, v envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v.Data == nil {
		v.Data = json.RawMessage(`null`)
	}
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, envelope{Error: &msg})
}

func stringPtr(s string) *string { return &s }
