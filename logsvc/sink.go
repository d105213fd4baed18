// Package logsvc implements the LogService, the central sink for log
// records of every service, plus the sinks the other services use to
// write and forward their logs.
package logsvc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/time/rate"

	"github.com/gavelms/gavel/rpc"
)

// OpenLogFile creates dir and opens a fresh epoch-named log file in
// it, pointing the last.log symlink at it. Every service calls this at
// startup for its local log.
func OpenLogFile(dir string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("logsvc: creating %s: %w", dir, err)
	}
	name := fmt.Sprintf("%d.log", time.Now().Unix())
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logsvc: opening log file: %w", err)
	}

	link := filepath.Join(dir, "last.log")
	os.Remove(link)
	if err := os.Symlink(name, link); err != nil {
		// Not fatal: some filesystems cannot symlink.
		f.Close()
		f, err = os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
	}
	return f, nil
}

// Record is one log message on the wire.
type Record struct {
	Service   string            `json:"service"`
	Shard     int               `json:"shard"`
	Name      string            `json:"name,omitempty"`
	Level     string            `json:"level"`
	Message   string            `json:"message"`
	Timestamp int64             `json:"timestamp"`
	Args      map[string]string `json:"args,omitempty"`
}

// Coord formats the record's origin.
func (r Record) Coord() string {
	return fmt.Sprintf("%s,%d", r.Service, r.Shard)
}

// forwardBurst caps how fast a single service may flood the central
// log; beyond it records are dropped locally, never blocking the
// caller.
const (
	forwardRate  = 200 // records per second
	forwardBurst = 400
)

// RemoteSink is an hclog.SinkAdapter that forwards warning-and-above
// records to the LogService. Local files keep the full stream; the
// central sink is for operators watching the whole platform.
type RemoteSink struct {
	client  rpc.Caller
	service string
	shard   int
	minimum hclog.Level
	limiter *rate.Limiter
}

// NewRemoteSink builds a sink forwarding records of at least min level
// through client.
func NewRemoteSink(client rpc.Caller, service string, shard int, min hclog.Level) *RemoteSink {
	return &RemoteSink{
		client:  client,
		service: service,
		shard:   shard,
		minimum: min,
		limiter: rate.NewLimiter(rate.Limit(forwardRate), forwardBurst),
	}
}

// Accept implements hclog.SinkAdapter.
func (s *RemoteSink) Accept(name string, level hclog.Level, msg string, args ...interface{}) {
	if level < s.minimum || !s.limiter.Allow() {
		return
	}
	rec := Record{
		Service:   s.service,
		Shard:     s.shard,
		Name:      name,
		Level:     level.String(),
		Message:   msg,
		Timestamp: time.Now().Unix(),
		Args:      stringifyArgs(args),
	}
	s.client.Go("log", rec, func(json.RawMessage, error) {})
}

func stringifyArgs(args []interface{}) map[string]string {
	if len(args) == 0 {
		return nil
	}
	out := make(map[string]string, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		out[fmt.Sprintf("%v", args[i])] = fmt.Sprintf("%v", args[i+1])
	}
	return out
}
