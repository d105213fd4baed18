package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-set/v3"
)

// IsolateManager allocates boxes backed by the isolate binary, one
// numbered box per concurrent execution.
type IsolateManager struct {
	binary string
	logger hclog.Logger

	mu   sync.Mutex
	free *set.Set[int]
}

// NewIsolateManager creates a manager driving binary with maxBoxes
// concurrent box ids.
func NewIsolateManager(binary string, maxBoxes int, logger hclog.Logger) *IsolateManager {
	free := set.New[int](maxBoxes)
	for i := 0; i < maxBoxes; i++ {
		free.Insert(i)
	}
	return &IsolateManager{
		binary: binary,
		logger: logger.Named("sandbox"),
		free:   free,
	}
}

func (m *IsolateManager) acquireID() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.free.Items() {
		m.free.Remove(id)
		return id, nil
	}
	return 0, fmt.Errorf("sandbox: no free box")
}

func (m *IsolateManager) releaseID(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.free.Insert(id)
}

// NewBox implements Manager.
func (m *IsolateManager) NewBox(ctx context.Context) (Box, error) {
	id, err := m.acquireID()
	if err != nil {
		return nil, err
	}

	out, err := exec.CommandContext(ctx, m.binary,
		"--cg", "-b", strconv.Itoa(id), "--init").Output()
	if err != nil {
		m.releaseID(id)
		return nil, fmt.Errorf("sandbox: initializing box %d: %w", id, err)
	}

	root := strings.TrimSpace(string(out))
	m.logger.Debug("box initialized", "id", id, "root", root)
	return &isolateBox{
		manager: m,
		id:      id,
		dir:     filepath.Join(root, "box"),
	}, nil
}

type isolateBox struct {
	manager *IsolateManager
	id      int
	dir     string
	runs    int
}

func (b *isolateBox) Dir() string { return b.dir }

// Run implements Box. Every execution gets its own meta file; isolate's
// own exit status is secondary to the parsed meta, which distinguishes
// program failures from sandbox ones.
func (b *isolateBox) Run(ctx context.Context, cmd Command) (Result, error) {
	b.runs++
	meta := filepath.Join(os.TempDir(),
		fmt.Sprintf("gavel-box-%d-run-%d.meta", b.id, b.runs))
	defer os.Remove(meta)

	args := []string{"--cg", "-b", strconv.Itoa(b.id), "-M", meta}
	if cmd.TimeLimit > 0 {
		args = append(args, "-t", formatSeconds(cmd.TimeLimit))
	}
	if cmd.WallTimeLimit > 0 {
		args = append(args, "-w", formatSeconds(cmd.WallTimeLimit))
	}
	if cmd.MemoryLimit > 0 {
		args = append(args, "--cg-mem", strconv.FormatInt(cmd.MemoryLimit/1024, 10))
	}
	if cmd.Multiprocess || cmd.Policy == PolicyCompile {
		args = append(args, "-p")
	}
	for _, p := range cmd.ReadablePaths {
		args = append(args, "--dir="+p)
	}
	if cmd.Stdin != "" {
		args = append(args, "-i", cmd.Stdin)
	}
	if cmd.Stdout != "" {
		args = append(args, "-o", cmd.Stdout)
	}
	if cmd.Stderr != "" {
		args = append(args, "-r", cmd.Stderr)
	}
	args = append(args, "--run", "--")
	args = append(args, cmd.Argv...)

	run := exec.CommandContext(ctx, b.manager.binary, args...)
	runErr := run.Run()

	metaBytes, err := os.ReadFile(meta)
	if err != nil {
		// No meta file at all: isolate never got to run the program.
		return Result{
			Status:  SandboxError,
			Message: fmt.Sprintf("no meta file: %v (run: %v)", err, runErr),
		}, nil
	}
	return parseMeta(string(metaBytes)), nil
}

func (b *isolateBox) Cleanup() error {
	err := exec.Command(b.manager.binary,
		"--cg", "-b", strconv.Itoa(b.id), "--cleanup").Run()
	b.manager.releaseID(b.id)
	if err != nil {
		return fmt.Errorf("sandbox: cleaning box %d: %w", b.id, err)
	}
	return nil
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

// parseMeta turns isolate's key:value meta file into a Result.
func parseMeta(meta string) Result {
	fields := map[string]string{}
	for _, line := range strings.Split(meta, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if ok {
			fields[key] = value
		}
	}

	res := Result{Message: fields["message"]}
	if v, err := strconv.ParseFloat(fields["time"], 64); err == nil {
		res.CPUTime = time.Duration(v * float64(time.Second))
	}
	if v, err := strconv.ParseFloat(fields["time-wall"], 64); err == nil {
		res.WallTime = time.Duration(v * float64(time.Second))
	}
	if v, err := strconv.ParseInt(fields["cg-mem"], 10, 64); err == nil {
		res.Memory = v * 1024
	} else if v, err := strconv.ParseInt(fields["max-rss"], 10, 64); err == nil {
		res.Memory = v * 1024
	}
	if v, err := strconv.Atoi(fields["exitcode"]); err == nil {
		res.ExitCode = v
	}
	if v, err := strconv.Atoi(fields["exitsig"]); err == nil {
		res.SignalNumber = v
	}

	switch fields["status"] {
	case "":
		res.Status = OK
	case "RE":
		// Nonzero exit is still a completed run.
		res.Status = OK
	case "TO":
		if strings.Contains(fields["message"], "wall") {
			res.Status = WallTimeout
		} else {
			res.Status = Timeout
		}
	case "SG":
		res.Status = Signal
	default:
		res.Status = SandboxError
	}
	return res
}
