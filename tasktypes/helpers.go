package tasktypes

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gavelms/gavel/grading"
	"github.com/gavelms/gavel/sandbox"
)

// Compilation sandboxes get fixed generous limits; contestant code is
// not running yet.
const (
	compileTimeLimit   = 10 * time.Second
	compileWallLimit   = 20 * time.Second
	compileMemoryLimit = 512 * 1024 * 1024
)

// Checkers run under evaluation limits scaled up; a slow checker is the
// task author's bug, not the contestant's.
const (
	checkerTimeLimit   = 30 * time.Second
	checkerMemoryLimit = 1024 * 1024 * 1024
)

// stageFile materializes a digest into the box under name.
func stageFile(ctx context.Context, env *Env, box sandbox.Box, name, digest string) error {
	f, err := os.OpenFile(filepath.Join(box.Dir(), name),
		os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := env.Cacher.Get(ctx, digest, f); err != nil {
		f.Close()
		return fmt.Errorf("tasktypes: staging %s: %w", name, err)
	}
	return f.Close()
}

// stageExecutable is stageFile plus the executable bit.
func stageExecutable(ctx context.Context, env *Env, box sandbox.Box, name, digest string) error {
	if err := stageFile(ctx, env, box, name, digest); err != nil {
		return err
	}
	return os.Chmod(filepath.Join(box.Dir(), name), 0o755)
}

// collectFile reads a file produced inside the box into the cacher.
func collectFile(ctx context.Context, env *Env, box sandbox.Box, name, description string) (string, error) {
	f, err := os.Open(filepath.Join(box.Dir(), name))
	if err != nil {
		return "", err
	}
	defer f.Close()
	return env.Cacher.Put(ctx, f, description)
}

// runCompilation executes the language's command sequence inside box,
// classifies the final result and fills the job's compile fields.
// Intermediate commands that fail stop the sequence.
func runCompilation(ctx context.Context, job *grading.Job, box sandbox.Box, commands [][]string) (sandbox.Result, sandbox.CompileVerdict, error) {
	var last sandbox.Result
	for i, argv := range commands {
		cmd := sandbox.Command{
			Argv:          argv,
			Policy:        sandbox.PolicyCompile,
			TimeLimit:     compileTimeLimit,
			WallTimeLimit: compileWallLimit,
			MemoryLimit:   compileMemoryLimit,
			Stdout:        fmt.Sprintf("compiler-stdout-%d.txt", i),
			Stderr:        fmt.Sprintf("compiler-stderr-%d.txt", i),
		}
		res, err := box.Run(ctx, cmd)
		if err != nil {
			return res, sandbox.CompileRetry, err
		}
		last = res
		if res.Status != sandbox.OK || res.ExitCode != 0 {
			break
		}
	}

	verdict, text := sandbox.ClassifyCompile(last)
	job.Text = text
	if log := compilerLog(box); log != "" {
		job.Text = append(job.Text, log)
	}
	job.Stats = &grading.ExecutionStats{
		CPUTime:  last.CPUTime.Seconds(),
		WallTime: last.WallTime.Seconds(),
		Memory:   last.Memory,
	}
	return last, verdict, nil
}

// compilerLog gathers the trailing compiler output of all commands run
// in the box.
func compilerLog(box sandbox.Box) string {
	var parts []string
	for i := 0; ; i++ {
		var chunk strings.Builder
		found := false
		for _, stream := range []string{"stdout", "stderr"} {
			f, err := os.Open(filepath.Join(box.Dir(),
				fmt.Sprintf("compiler-%s-%d.txt", stream, i)))
			if err != nil {
				continue
			}
			found = true
			tail, err := grading.TailString(f)
			f.Close()
			if err == nil && tail != "" {
				chunk.WriteString(tail)
			}
		}
		if !found {
			break
		}
		if chunk.Len() > 0 {
			parts = append(parts, chunk.String())
		}
	}
	return strings.Join(parts, "\n")
}

// whiteDiff reports whether two outputs match ignoring whitespace
// runs within lines and blank lines at the end.
func whiteDiff(a, b io.Reader) (bool, error) {
	linesA, err := whiteLines(a)
	if err != nil {
		return false, err
	}
	linesB, err := whiteLines(b)
	if err != nil {
		return false, err
	}
	if len(linesA) != len(linesB) {
		return false, nil
	}
	for i := range linesA {
		if linesA[i] != linesB[i] {
			return false, nil
		}
	}
	return true, nil
}

func whiteLines(r io.Reader) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		lines = append(lines, strings.Join(strings.Fields(scanner.Text()), " "))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	// Trailing blank lines never matter.
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines, nil
}

// whiteDiffOutcome compares the contestant output in box against the
// reference output digest and fills the job.
func whiteDiffOutcome(ctx context.Context, job *grading.Job, env *Env, box sandbox.Box, outputName string) error {
	user, err := os.Open(filepath.Join(box.Dir(), outputName))
	if err != nil {
		// Program produced no output file at all.
		setOutcome(job, 0.0, "Evaluation didn't produce file "+outputName)
		return nil
	}
	defer user.Close()

	reference, err := env.Cacher.GetBytes(ctx, job.OutputDigest)
	if err != nil {
		return err
	}
	equal, err := whiteDiff(user, bytes.NewReader(reference))
	if err != nil {
		return err
	}
	if equal {
		setOutcome(job, 1.0, "Output is correct")
	} else {
		setOutcome(job, 0.0, "Output isn't correct")
	}
	return nil
}

// runComparator executes the dataset's checker in its own box with
// (input, reference output, user output) and parses outcome and text
// from its stdout/stderr.
func runComparator(ctx context.Context, job *grading.Job, env *Env, userOutput string) error {
	checkerDigest, ok := job.Managers["checker"]
	if !ok {
		return fmt.Errorf("tasktypes: dataset %d has no checker manager", job.Operation.DatasetID)
	}

	box, err := env.Sandbox.NewBox(ctx)
	if err != nil {
		return err
	}
	defer box.Cleanup()

	if err := stageExecutable(ctx, env, box, "checker", checkerDigest); err != nil {
		return err
	}
	if err := stageFile(ctx, env, box, "input.txt", job.InputDigest); err != nil {
		return err
	}
	if err := stageFile(ctx, env, box, "correct_output.txt", job.OutputDigest); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(box.Dir(), "user_output.txt"),
		[]byte(userOutput), 0o644); err != nil {
		return err
	}

	res, err := box.Run(ctx, sandbox.Command{
		Argv:          []string{"./checker", "input.txt", "correct_output.txt", "user_output.txt"},
		Policy:        sandbox.PolicyCompile,
		TimeLimit:     checkerTimeLimit,
		WallTimeLimit: 2 * checkerTimeLimit,
		MemoryLimit:   checkerMemoryLimit,
		Stdout:        "checker-stdout.txt",
		Stderr:        "checker-stderr.txt",
	})
	if err != nil {
		return err
	}
	if res.Status != sandbox.OK || res.ExitCode != 0 {
		return fmt.Errorf("tasktypes: checker failed: %s exit %d", res.Status, res.ExitCode)
	}

	stdout, err := os.ReadFile(filepath.Join(box.Dir(), "checker-stdout.txt"))
	if err != nil {
		return err
	}
	outcome, err := strconv.ParseFloat(strings.TrimSpace(string(stdout)), 64)
	if err != nil {
		return fmt.Errorf("tasktypes: checker produced no outcome: %q", strings.TrimSpace(string(stdout)))
	}

	text := "Output is partially correct"
	switch {
	case outcome >= 1.0:
		text = "Output is correct"
	case outcome <= 0.0:
		text = "Output isn't correct"
	}
	if stderr, err := os.ReadFile(filepath.Join(box.Dir(), "checker-stderr.txt")); err == nil {
		if msg := strings.TrimSpace(string(stderr)); msg != "" && msg != "translate:success" &&
			msg != "translate:wrong" && msg != "translate:partial" {
			text = msg
		}
	}
	setOutcome(job, outcome, text)
	return nil
}

func setOutcome(job *grading.Job, outcome float64, text ...string) {
	job.Outcome = &outcome
	job.Text = text
	job.Success = true
}

func setStats(job *grading.Job, res sandbox.Result) {
	job.Stats = &grading.ExecutionStats{
		CPUTime:  res.CPUTime.Seconds(),
		WallTime: res.WallTime.Seconds(),
		Memory:   res.Memory,
	}
}

// evalCommand is the common limit plumbing of a contestant execution.
func evalCommand(job *grading.Job, argv []string) sandbox.Command {
	cmd := sandbox.Command{
		Argv:   argv,
		Policy: sandbox.PolicyEvaluate,
	}
	if job.TimeLimit > 0 {
		cmd.TimeLimit = time.Duration(job.TimeLimit * float64(time.Second))
		cmd.WallTimeLimit = 2 * cmd.TimeLimit
	}
	cmd.MemoryLimit = job.MemoryLimit
	return cmd
}

// readUserOutput loads the contestant's output file from the box,
// bounded by TailString's cap further down the pipeline only for
// display; the comparator sees the full file.
func readUserOutput(box sandbox.Box, name string) (string, error) {
	out, err := os.ReadFile(filepath.Join(box.Dir(), name))
	if err != nil {
		return "", err
	}
	return string(out), nil
}
