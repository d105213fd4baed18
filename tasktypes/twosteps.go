package tasktypes

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/gavelms/gavel/grading"
	"github.com/gavelms/gavel/sandbox"
)

// TwoSteps splits the solution in two programs: the first reads the
// testcase input and talks to the second over a pipe, the second
// produces the output. Each half is compiled with the task's stub.
type TwoSteps struct {
	// Evaluation is "diff" or "comparator".
	Evaluation string
}

func init() {
	register("TwoSteps", newTwoSteps)
}

func newTwoSteps(params json.RawMessage) (TaskType, error) {
	var raw []string
	if err := json.Unmarshal(params, &raw); err != nil || len(raw) != 1 {
		return nil, fmt.Errorf("tasktypes: TwoSteps parameters must be a 1-element array")
	}
	if raw[0] != "diff" && raw[0] != "comparator" {
		return nil, fmt.Errorf("tasktypes: TwoSteps evaluation must be diff or comparator, got %q", raw[0])
	}
	return &TwoSteps{Evaluation: raw[0]}, nil
}

func (t *TwoSteps) Name() string { return "TwoSteps" }

// Compile implements TaskType. Each submitted file becomes its own
// executable, compiled together with the stub.
func (t *TwoSteps) Compile(ctx context.Context, job *grading.Job, env *Env) error {
	lang, err := grading.LookupLanguage(job.Language)
	if err != nil {
		return err
	}
	if len(job.Files) != 2 {
		return fmt.Errorf("tasktypes: TwoSteps needs exactly 2 files, got %d", len(job.Files))
	}

	outputs := map[string]string{}
	for filename, digest := range job.Files {
		box, err := env.Sandbox.NewBox(ctx)
		if err != nil {
			return err
		}

		name := grading.ResolveFilename(filename, lang)
		if err := stageFile(ctx, env, box, name, digest); err != nil {
			box.Cleanup()
			return err
		}
		sources := []string{name}
		for mgrName, mgrDigest := range job.Managers {
			resolved := grading.ResolveFilename(mgrName, lang)
			isStub := strings.HasPrefix(resolved, "stub")
			isHeader := strings.HasSuffix(resolved, ".h")
			if !isStub && !isHeader {
				continue
			}
			if err := stageFile(ctx, env, box, resolved, mgrDigest); err != nil {
				box.Cleanup()
				return err
			}
			if isStub {
				sources = append([]string{resolved}, sources...)
			}
		}

		executable := strings.TrimSuffix(name, filepath.Ext(name))
		_, verdict, err := runCompilation(ctx, job, box,
			lang.CompilationCommands(sources, executable))
		if err != nil {
			box.Cleanup()
			return err
		}
		switch verdict {
		case sandbox.CompileOK:
			digest, err := collectFile(ctx, env, box, executable,
				fmt.Sprintf("executable %s of %s", executable, job.Info))
			if err != nil {
				box.Cleanup()
				return err
			}
			outputs[executable] = digest
			box.Cleanup()
		case sandbox.CompileFailed:
			job.Success = true
			box.Cleanup()
			return nil
		case sandbox.CompileRetry:
			job.Success = false
			box.Cleanup()
			return nil
		}
	}

	job.OutputFiles = outputs
	job.CompilationSuccess = true
	job.Success = true
	return nil
}

// EvaluateTestcase implements TaskType.
func (t *TwoSteps) EvaluateTestcase(ctx context.Context, job *grading.Job, env *Env) error {
	lang, err := grading.LookupLanguage(job.Language)
	if err != nil {
		return err
	}
	if len(job.Executables) != 2 {
		return fmt.Errorf("tasktypes: TwoSteps needs exactly 2 executables, got %d", len(job.Executables))
	}

	// Deterministic ordering: the lexically first executable is the
	// input-reading half.
	names := make([]string, 0, 2)
	for name := range job.Executables {
		names = append(names, name)
	}
	if names[0] > names[1] {
		names[0], names[1] = names[1], names[0]
	}

	fifoDir, err := os.MkdirTemp("", "gavel-fifo-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(fifoDir)
	fifo := filepath.Join(fifoDir, "pipe")
	if err := unix.Mkfifo(fifo, 0o666); err != nil {
		return fmt.Errorf("tasktypes: creating fifo: %w", err)
	}

	boxes := make([]sandbox.Box, 2)
	for i, name := range names {
		box, err := env.Sandbox.NewBox(ctx)
		if err != nil {
			return err
		}
		defer box.Cleanup()
		if err := stageExecutable(ctx, env, box, name, job.Executables[name]); err != nil {
			return err
		}
		boxes[i] = box
	}
	if err := stageFile(ctx, env, boxes[0], "input.txt", job.InputDigest); err != nil {
		return err
	}

	results := make([]sandbox.Result, 2)
	group, groupCtx := errgroup.WithContext(ctx)
	for i := range boxes {
		i := i
		group.Go(func() error {
			cmd := evalCommand(job, lang.EvaluationCommand(names[i], []string{fifo}))
			cmd.ReadablePaths = []string{fifoDir}
			if i == 0 {
				cmd.Stdin = "input.txt"
			} else {
				cmd.Stdout = "output.txt"
			}
			var err error
			results[i], err = boxes[i].Run(groupCtx, cmd)
			return err
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	worst := results[0]
	if results[1].Status != sandbox.OK && worst.Status == sandbox.OK {
		worst = results[1]
	}
	if results[1].CPUTime > worst.CPUTime {
		worst.CPUTime = results[1].CPUTime
	}
	if results[1].Memory > worst.Memory {
		worst.Memory = results[1].Memory
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

	if t.Evaluation == "diff" {
		return whiteDiffOutcome(ctx, job, env, boxes[1], "output.txt")
	}
	userOutput, err := readUserOutput(boxes[1], "output.txt")
	if err != nil {
		setOutcome(job, 0.0, "Evaluation didn't produce file output.txt")
		return nil
	}
	return runComparator(ctx, job, env, userOutput)
}
