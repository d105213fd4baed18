// Package worker runs the Worker service: it executes job groups
// handed down by the evaluation service, one group at a time, against
// the local sandbox and file cache.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/gavelms/gavel/filecacher"
	"github.com/gavelms/gavel/grading"
	"github.com/gavelms/gavel/rpc"
	"github.com/gavelms/gavel/sandbox"
	"github.com/gavelms/gavel/tasktypes"
)

// ErrBusy rejects a job group while another one is still running. The
// scheduler treats it like any other RPC failure and requeues.
var ErrBusy = fmt.Errorf("worker: already executing a job group")

// Store is the slice of persistence the worker needs: only the digest
// walk behind precaching. Everything else reaches the worker inside
// the jobs themselves.
type Store interface {
	// ContestFileDigests lists every digest referenced by a contest:
	// statements, attachments, managers, testcases, submission files.
	ContestFileDigests(ctx context.Context, contestID int64) ([]string, error)
}

// Service is one worker shard.
type Service struct {
	logger hclog.Logger
	env    *tasktypes.Env
	store  Store

	mu   sync.Mutex
	busy bool

	// onQuit, when set, is invoked after a quit RPC; the resource
	// service restarts the process.
	onQuit func(reason string)
}

// NewService builds a worker over the given cache and sandbox manager.
// store may be nil when precaching is not wired (tests).
func NewService(cacher *filecacher.FileCacher, boxes sandbox.Manager, store Store, logger hclog.Logger) *Service {
	return &Service{
		logger: logger.Named("worker"),
		env:    &tasktypes.Env{Cacher: cacher, Sandbox: boxes},
		store:  store,
	}
}

// OnQuit registers the quit hook.
func (s *Service) OnQuit(fn func(reason string)) { s.onQuit = fn }

// RegisterHandlers exposes the service on the RPC fabric.
func (s *Service) RegisterHandlers(srv *rpc.Server) {
	srv.Register("execute_job_group", func(ctx context.Context, args json.RawMessage) (any, error) {
		var group grading.JobGroup
		if err := rpc.DecodeArgs(args, &group); err != nil {
			return nil, err
		}
		if err := s.ExecuteJobGroup(ctx, &group); err != nil {
			return nil, err
		}
		return group, nil
	})

	srv.Register("precache_files", func(ctx context.Context, args json.RawMessage) (any, error) {
		var in struct {
			ContestID int64 `json:"contest_id"`
		}
		if err := rpc.DecodeArgs(args, &in); err != nil {
			return nil, err
		}
		return nil, s.PrecacheFiles(ctx, in.ContestID)
	})

	srv.Register("quit", func(_ context.Context, args json.RawMessage) (any, error) {
		var in struct {
			Reason string `json:"reason"`
		}
		_ = rpc.DecodeArgs(args, &in)
		s.logger.Warn("quit requested", "reason", in.Reason)
		if s.onQuit != nil {
			go s.onQuit(in.Reason)
		}
		return nil, nil
	})
}

// acquire flips the busy flag, failing when it is already set.
func (s *Service) acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return ErrBusy
	}
	s.busy = true
	return nil
}

func (s *Service) release() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}

// ExecuteJobGroup runs every job of the group in order, filling the
// result fields in place. Job-level problems land in the jobs
// themselves (Success false); only a busy worker is an error.
func (s *Service) ExecuteJobGroup(ctx context.Context, group *grading.JobGroup) error {
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.release()

	start := time.Now()
	for i := range group.Jobs {
		s.executeJob(ctx, &group.Jobs[i])
	}
	s.logger.Info("job group executed",
		"jobs", len(group.Jobs), "elapsed", time.Since(start))
	metrics.IncrCounter([]string{"gavel", "worker", "jobs"}, float32(len(group.Jobs)))
	return nil
}

func (s *Service) executeJob(ctx context.Context, job *grading.Job) {
	defer metrics.MeasureSince([]string{"gavel", "worker", "job"}, time.Now())

	tt, err := tasktypes.ForJob(job)
	if err != nil {
		s.logger.Error("unusable job", "info", job.Info, "error", err)
		job.Success = false
		return
	}

	s.logger.Debug("executing job", "info", job.Info, "task_type", tt.Name())
	if job.IsCompile() {
		err = tt.Compile(ctx, job, s.env)
	} else {
		err = tt.EvaluateTestcase(ctx, job, s.env)
	}
	if err != nil {
		// Infrastructure fault: the scheduler will retry elsewhere.
		s.logger.Error("job failed", "info", job.Info, "error", err)
		job.Success = false
		return
	}
}

// PrecacheFiles pulls every file of a contest into the local cache, so
// the first submissions of a contest do not stampede the backend.
func (s *Service) PrecacheFiles(ctx context.Context, contestID int64) error {
	if s.store == nil {
		return fmt.Errorf("worker: precaching not configured")
	}
	digests, err := s.store.ContestFileDigests(ctx, contestID)
	if err != nil {
		return err
	}
	start := time.Now()
	missed := 0
	for _, digest := range digests {
		if err := s.env.Cacher.Get(ctx, digest, io.Discard); err != nil {
			s.logger.Warn("precache miss", "digest", digest, "error", err)
			missed++
		}
	}
	s.logger.Info("precache complete", "contest", contestID,
		"files", len(digests), "missed", missed, "elapsed", time.Since(start))
	return nil
}
