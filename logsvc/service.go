package logsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/gavelms/gavel/rpc"
)

// recentSize bounds the buffer of recent high-severity records kept
// for the admin interface.
const recentSize = 100

// Service is the LogService: it collects records from every shard into
// one combined log and keeps the recent warnings and errors for the
// admin interface.
type Service struct {
	logger hclog.Logger

	mu     sync.Mutex
	out    io.Writer
	recent []Record
}

// NewService builds a log service writing the combined log to out.
func NewService(out io.Writer, logger hclog.Logger) *Service {
	return &Service{
		logger: logger.Named("logsvc"),
		out:    out,
	}
}

// Ingest writes one record to the combined log, remembering it when it
// is a warning or worse.
func (s *Service) Ingest(rec Record) error {
	line := formatRecord(rec)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := io.WriteString(s.out, line); err != nil {
		return fmt.Errorf("logsvc: writing record: %w", err)
	}
	if severe(rec.Level) {
		s.recent = append(s.recent, rec)
		if len(s.recent) > recentSize {
			s.recent = s.recent[len(s.recent)-recentSize:]
		}
	}
	return nil
}

// Recent returns the buffered high-severity records, oldest first.
func (s *Service) Recent() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.recent...)
}

func severe(level string) bool {
	return level == "warn" || level == "error"
}

func formatRecord(rec Record) string {
	ts := time.Unix(rec.Timestamp, 0).UTC().Format(time.RFC3339)
	name := rec.Name
	if name == "" {
		name = rec.Service
	}
	line := fmt.Sprintf("%s [%s] %s (%s): %s", ts, rec.Level, name, rec.Coord(), rec.Message)
	for k, v := range rec.Args {
		line += fmt.Sprintf(" %s=%q", k, v)
	}
	return line + "\n"
}

// RegisterHandlers exposes the service on the RPC fabric.
func (s *Service) RegisterHandlers(srv *rpc.Server) {
	srv.Register("log", func(_ context.Context, args json.RawMessage) (any, error) {
		var rec Record
		if err := rpc.DecodeArgs(args, &rec); err != nil {
			return nil, err
		}
		return nil, s.Ingest(rec)
	})

	srv.Register("last_messages", func(context.Context, json.RawMessage) (any, error) {
		return s.Recent(), nil
	})
}
