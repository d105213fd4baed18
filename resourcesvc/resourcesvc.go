// Package resourcesvc implements the ResourceService: it spawns the
// local services of a configuration, restarts them when they crash
// (with backoff against crash loops), and reports their resource
// usage.
package resourcesvc

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/procfs"

	"github.com/gavelms/gavel/config"
	"github.com/gavelms/gavel/rpc"
)

// Restart pacing. A process that dies before stableWindow doubles its
// restart delay up to maxRestartDelay; surviving the window resets it.
const (
	initialRestartDelay = time.Second
	maxRestartDelay     = time.Minute
	stableWindow        = 30 * time.Second
)

// subcommands maps configured service names to gavel subcommands.
var subcommands = map[string]string{
	config.ServiceLog:        "logservice",
	config.ServiceEvaluation: "evaluation",
	config.ServiceWorker:     "worker",
	config.ServiceScoring:    "scoring",
	config.ServiceProxy:      "proxy",
	config.ServiceAdminWeb:   "bridge",
}

// ProcessSpec identifies one service process to keep alive.
type ProcessSpec struct {
	Service string
	Shard   int
	Contest int64
}

func (p ProcessSpec) key() string {
	return fmt.Sprintf("%s-%d", p.Service, p.Shard)
}

// ProcessUsage is one resource snapshot.
type ProcessUsage struct {
	Service    string  `json:"service"`
	Shard      int     `json:"shard"`
	PID        int     `json:"pid"`
	CPUSeconds float64 `json:"cpu_seconds"`
	ResidentKB int64   `json:"resident_kb"`
	Restarts   int     `json:"restarts"`
}

type managedProcess struct {
	spec ProcessSpec

	mu       sync.Mutex
	cmd      *exec.Cmd
	restarts int
}

func (m *managedProcess) pid() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cmd == nil || m.cmd.Process == nil {
		return 0
	}
	return m.cmd.Process.Pid
}

// Service is one resource service shard.
type Service struct {
	logger     hclog.Logger
	binary     string
	configPath string

	// buildCommand makes the exec.Cmd of a spec; replaceable in tests.
	buildCommand func(spec ProcessSpec) *exec.Cmd

	mu    sync.Mutex
	procs map[string]*managedProcess

	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

// NewService builds a resource service that spawns binary (normally
// the running gavel executable) with configPath.
func NewService(binary, configPath string, logger hclog.Logger) *Service {
	s := &Service{
		logger:     logger.Named("resourcesvc"),
		binary:     binary,
		configPath: configPath,
		procs:      make(map[string]*managedProcess),
		shutdownCh: make(chan struct{}),
	}
	s.buildCommand = s.defaultCommand
	return s
}

func (s *Service) defaultCommand(spec ProcessSpec) *exec.Cmd {
	sub, ok := subcommands[spec.Service]
	if !ok {
		sub = spec.Service
	}
	args := []string{sub, "-shard", strconv.Itoa(spec.Shard), "-config", s.configPath}
	if spec.Contest != 0 {
		args = append(args, "-contest", strconv.FormatInt(spec.Contest, 10))
	}
	cmd := exec.Command(s.binary, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd
}

// Supervise starts a watch loop for the spec.
func (s *Service) Supervise(spec ProcessSpec) {
	proc := &managedProcess{spec: spec}
	s.mu.Lock()
	s.procs[spec.key()] = proc
	s.mu.Unlock()

	s.wg.Add(1)
	go s.watch(proc)
}

// watch keeps one process alive until shutdown.
func (s *Service) watch(proc *managedProcess) {
	defer s.wg.Done()
	delay := initialRestartDelay

	for {
		select {
		case <-s.shutdownCh:
			return
		default:
		}

		cmd := s.buildCommand(proc.spec)
		started := time.Now()
		if err := cmd.Start(); err != nil {
			s.logger.Error("failed to start service",
				"service", proc.spec.Service, "shard", proc.spec.Shard, "error", err)
		} else {
			proc.mu.Lock()
			proc.cmd = cmd
			proc.mu.Unlock()
			s.logger.Info("service started",
				"service", proc.spec.Service, "shard", proc.spec.Shard, "pid", cmd.Process.Pid)

			err := cmd.Wait()
			proc.mu.Lock()
			proc.cmd = nil
			proc.restarts++
			proc.mu.Unlock()

			select {
			case <-s.shutdownCh:
				return
			default:
			}
			s.logger.Warn("service exited",
				"service", proc.spec.Service, "shard", proc.spec.Shard,
				"after", time.Since(started), "error", err)
		}

		if time.Since(started) >= stableWindow {
			delay = initialRestartDelay
		}
		select {
		case <-time.After(delay):
		case <-s.shutdownCh:
			return
		}
		delay = min(delay*2, maxRestartDelay)
	}
}

// Restart kills a supervised process; the watch loop brings it back.
func (s *Service) Restart(service string, shard int) error {
	s.mu.Lock()
	proc, ok := s.procs[ProcessSpec{Service: service, Shard: shard}.key()]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("resourcesvc: %s shard %d is not supervised here", service, shard)
	}

	proc.mu.Lock()
	cmd := proc.cmd
	proc.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

// Usage snapshots every supervised process through procfs.
func (s *Service) Usage() []ProcessUsage {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		s.logger.Error("procfs unavailable", "error", err)
		return nil
	}

	s.mu.Lock()
	procs := make([]*managedProcess, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	out := make([]ProcessUsage, 0, len(procs))
	for _, p := range procs {
		usage := ProcessUsage{
			Service: p.spec.Service,
			Shard:   p.spec.Shard,
		}
		p.mu.Lock()
		usage.Restarts = p.restarts
		p.mu.Unlock()

		if pid := p.pid(); pid != 0 {
			usage.PID = pid
			if proc, err := fs.Proc(pid); err == nil {
				if stat, err := proc.Stat(); err == nil {
					usage.CPUSeconds = stat.CPUTime()
					usage.ResidentKB = int64(stat.ResidentMemory()) / 1024
					s.logger.Debug("process usage",
						"service", p.spec.Service, "shard", p.spec.Shard,
						"cpu", usage.CPUSeconds,
						"rss", humanize.IBytes(uint64(stat.ResidentMemory())))
				}
			}
		}
		out = append(out, usage)
	}
	return out
}

// Shutdown stops the watch loops and kills the supervised processes.
func (s *Service) Shutdown() {
	close(s.shutdownCh)

	s.mu.Lock()
	for _, p := range s.procs {
		p.mu.Lock()
		if p.cmd != nil && p.cmd.Process != nil {
			p.cmd.Process.Kill()
		}
		p.mu.Unlock()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// RegisterHandlers exposes the service on the RPC fabric.
func (s *Service) RegisterHandlers(srv *rpc.Server) {
	srv.Register("resource_usage", func(context.Context, json.RawMessage) (any, error) {
		return s.Usage(), nil
	})

	srv.Register("restart_service", func(_ context.Context, args json.RawMessage) (any, error) {
		var in struct {
			Service string `json:"service"`
			Shard   int    `json:"shard"`
		}
		if err := rpc.DecodeArgs(args, &in); err != nil {
			return nil, err
		}
		return nil, s.Restart(in.Service, in.Shard)
	})
}
