package tasktypes

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/gavelms/gavel/grading"
	"github.com/gavelms/gavel/sandbox"
)

// Communication runs the contestant's program against a task-provided
// manager, the two sides talking over FIFOs. The manager decides the
// outcome; the contestant may run as several cooperating processes.
type Communication struct {
	// Processes is how many contestant processes run concurrently.
	Processes int

	// Compilation is "alone" or "stub"; with a stub the contestant's
	// code is compiled together with a task-provided communication
	// shim.
	Compilation string

	// UserIO is "fifo_io" (the program receives the FIFO paths as
	// argv) or "std_io" (FIFOs are wired to stdin/stdout).
	UserIO string
}

func init() {
	register("Communication", newCommunication)
}

func newCommunication(params json.RawMessage) (TaskType, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(params, &raw); err != nil || len(raw) != 3 {
		return nil, fmt.Errorf("tasktypes: Communication parameters must be a 3-element array")
	}
	c := &Communication{}
	if err := json.Unmarshal(raw[0], &c.Processes); err != nil {
		return nil, fmt.Errorf("tasktypes: Communication process count: %w", err)
	}
	if err := json.Unmarshal(raw[1], &c.Compilation); err != nil {
		return nil, fmt.Errorf("tasktypes: Communication compilation mode: %w", err)
	}
	if err := json.Unmarshal(raw[2], &c.UserIO); err != nil {
		return nil, fmt.Errorf("tasktypes: Communication user io mode: %w", err)
	}

	if c.Processes < 1 || c.Processes > 16 {
		return nil, fmt.Errorf("tasktypes: Communication process count %d out of range", c.Processes)
	}
	if c.Compilation != "alone" && c.Compilation != "stub" {
		return nil, fmt.Errorf("tasktypes: Communication compilation must be alone or stub, got %q", c.Compilation)
	}
	if c.UserIO != "fifo_io" && c.UserIO != "std_io" {
		return nil, fmt.Errorf("tasktypes: Communication user io must be fifo_io or std_io, got %q", c.UserIO)
	}
	return c, nil
}

func (c *Communication) Name() string { return "Communication" }

// Compile implements TaskType. It is Batch compilation with the stub
// in place of the grader.
func (c *Communication) Compile(ctx context.Context, job *grading.Job, env *Env) error {
	lang, err := grading.LookupLanguage(job.Language)
	if err != nil {
		return err
	}

	box, err := env.Sandbox.NewBox(ctx)
	if err != nil {
		return err
	}
	defer box.Cleanup()

	var sources []string
	for filename, digest := range job.Files {
		name := grading.ResolveFilename(filename, lang)
		if err := stageFile(ctx, env, box, name, digest); err != nil {
			return err
		}
		sources = append(sources, name)
	}
	for name, digest := range job.Managers {
		resolved := grading.ResolveFilename(name, lang)
		isStub := c.Compilation == "stub" && strings.HasPrefix(resolved, "stub")
		isHeader := strings.HasSuffix(resolved, ".h")
		if !isStub && !isHeader {
			continue
		}
		if err := stageFile(ctx, env, box, resolved, digest); err != nil {
			return err
		}
		if isStub {
			sources = append([]string{resolved}, sources...)
		}
	}

	executable := executableName(job)
	_, verdict, err := runCompilation(ctx, job, box,
		lang.CompilationCommands(sources, executable))
	if err != nil {
		return err
	}
	switch verdict {
	case sandbox.CompileOK:
		digest, err := collectFile(ctx, env, box, executable,
			fmt.Sprintf("executable of %s", job.Info))
		if err != nil {
			return err
		}
		job.OutputFiles = map[string]string{executable: digest}
		job.CompilationSuccess = true
		job.Success = true
	case sandbox.CompileFailed:
		job.Success = true
	case sandbox.CompileRetry:
		job.Success = false
	}
	return nil
}

// EvaluateTestcase implements TaskType. The manager runs in its own
// box with the testcase input on stdin; each contestant process runs
// in another, and a FIFO pair per process carries the conversation.
func (c *Communication) EvaluateTestcase(ctx context.Context, job *grading.Job, env *Env) error {
	managerDigest, ok := job.Managers["manager"]
	if !ok {
		return fmt.Errorf("tasktypes: dataset %d has no manager", job.Operation.DatasetID)
	}
	lang, err := grading.LookupLanguage(job.Language)
	if err != nil {
		return err
	}

	fifoDir, err := os.MkdirTemp("", "gavel-fifo-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(fifoDir)

	managerArgv := []string{"./manager"}
	type fifoPair struct{ toUser, fromUser string }
	pairs := make([]fifoPair, c.Processes)
	for i := range pairs {
		pairs[i] = fifoPair{
			toUser:   filepath.Join(fifoDir, fmt.Sprintf("u%d_to_user", i)),
			fromUser: filepath.Join(fifoDir, fmt.Sprintf("u%d_from_user", i)),
		}
		for _, path := range []string{pairs[i].toUser, pairs[i].fromUser} {
			if err := unix.Mkfifo(path, 0o666); err != nil {
				return fmt.Errorf("tasktypes: creating fifo %s: %w", path, err)
			}
		}
		managerArgv = append(managerArgv, pairs[i].fromUser, pairs[i].toUser)
	}

	managerBox, err := env.Sandbox.NewBox(ctx)
	if err != nil {
		return err
	}
	defer managerBox.Cleanup()
	if err := stageExecutable(ctx, env, managerBox, "manager", managerDigest); err != nil {
		return err
	}
	if err := stageFile(ctx, env, managerBox, "input.txt", job.InputDigest); err != nil {
		return err
	}

	userBoxes := make([]sandbox.Box, c.Processes)
	for i := range userBoxes {
		box, err := env.Sandbox.NewBox(ctx)
		if err != nil {
			return err
		}
		defer box.Cleanup()
		for name, digest := range job.Executables {
			if err := stageExecutable(ctx, env, box, name, digest); err != nil {
				return err
			}
		}
		userBoxes[i] = box
	}
	var executable string
	for name := range job.Executables {
		executable = name
	}
	if executable == "" {
		return fmt.Errorf("tasktypes: evaluate job without executables")
	}

	// Manager wall clock covers all contestant CPU budgets; its own
	// CPU use is tiny.
	managerCmd := sandbox.Command{
		Argv:          managerArgv,
		Policy:        sandbox.PolicyCompile,
		TimeLimit:     checkerTimeLimit,
		WallTimeLimit: checkerTimeLimit + time.Duration(job.TimeLimit*float64(time.Second))*time.Duration(c.Processes),
		MemoryLimit:   checkerMemoryLimit,
		Stdin:         "input.txt",
		Stdout:        "manager-stdout.txt",
		Stderr:        "manager-stderr.txt",
		ReadablePaths: []string{fifoDir},
		Multiprocess:  false,
	}

	var managerRes sandbox.Result
	userRes := make([]sandbox.Result, c.Processes)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var err error
		managerRes, err = managerBox.Run(groupCtx, managerCmd)
		return err
	})
	for i := range userBoxes {
		i := i
		group.Go(func() error {
			args := []string{pairs[i].toUser, pairs[i].fromUser}
			if c.Processes > 1 {
				args = append(args, strconv.Itoa(i))
			}
			cmd := evalCommand(job, lang.EvaluationCommand(executable, args))
			cmd.ReadablePaths = []string{fifoDir}
			cmd.Multiprocess = c.Processes > 1
			if c.UserIO == "std_io" {
				cmd.Argv = evalCommand(job, lang.EvaluationCommand(executable, nil)).Argv
				cmd.Stdin = pairs[i].toUser
				cmd.Stdout = pairs[i].fromUser
			}
			var err error
			userRes[i], err = userBoxes[i].Run(groupCtx, cmd)
			return err
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	// Contestant failures dominate: the slowest or worst process
	// decides, and its stats are what the contestant sees.
	worst := userRes[0]
	for _, res := range userRes[1:] {
		if res.Status != sandbox.OK && worst.Status == sandbox.OK {
			worst = res
		}
		if res.CPUTime > worst.CPUTime {
			worst.CPUTime = res.CPUTime
			worst.WallTime = res.WallTime
		}
		if res.Memory > worst.Memory {
			worst.Memory = res.Memory
		}
	}
	setStats(job, worst)

	verdict, text := sandbox.ClassifyEvaluate(worst)
	switch verdict {
	case sandbox.EvalZero:
		setOutcome(job, 0.0, text...)
		return nil
	case sandbox.EvalRetry:
		job.Success = false
		return nil
	}
	if managerRes.Status != sandbox.OK || managerRes.ExitCode != 0 {
		return fmt.Errorf("tasktypes: manager failed: %s exit %d",
			managerRes.Status, managerRes.ExitCode)
	}

	stdout, err := os.ReadFile(filepath.Join(managerBox.Dir(), "manager-stdout.txt"))
	if err != nil {
		return err
	}
	outcome, err := strconv.ParseFloat(strings.TrimSpace(string(stdout)), 64)
	if err != nil {
		return fmt.Errorf("tasktypes: manager produced no outcome: %q", strings.TrimSpace(string(stdout)))
	}
	text = []string{"Output is partially correct"}
	switch {
	case outcome >= 1.0:
		text = []string{"Output is correct"}
	case outcome <= 0.0:
		text = []string{"Output isn't correct"}
	}
	if stderr, err := os.ReadFile(filepath.Join(managerBox.Dir(), "manager-stderr.txt")); err == nil {
		if msg := strings.TrimSpace(string(stderr)); msg != "" {
			text = []string{msg}
		}
	}
	setOutcome(job, outcome, text...)
	return nil
}
