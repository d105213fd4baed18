// Package sandbox isolates untrusted contestant code. The rest of the
// system treats it as opaque: hand over a command with limits and a
// syscall policy, get back a status and resource usage.
package sandbox

import (
	"context"
	"fmt"
	"time"
)

// Status is the terminal state of one sandboxed execution.
type Status int

const (
	// OK means the command ran to completion; ExitCode may still be
	// nonzero.
	OK Status = iota

	// Timeout means the CPU time limit was exceeded.
	Timeout

	// WallTimeout means the wall clock limit was exceeded, typically a
	// program sleeping or blocked on IO.
	WallTimeout

	// Signal means the command died on a signal, memory limit kills
	// included.
	Signal

	// SandboxError means the sandbox itself failed. The execution says
	// nothing about the contestant's program and must be retried.
	SandboxError

	// Syscall means the command attempted a syscall outside its policy.
	Syscall

	// FileAccess means the command touched a path outside its allow
	// list.
	FileAccess
)

func (s Status) String() string {
	switch s {
	case OK:
		return "ok"
	case Timeout:
		return "timeout"
	case WallTimeout:
		return "wall timeout"
	case Signal:
		return "signal"
	case SandboxError:
		return "sandbox error"
	case Syscall:
		return "forbidden syscall"
	case FileAccess:
		return "forbidden file access"
	default:
		return fmt.Sprintf("unknown status %d", int(s))
	}
}

// Policy selects the syscall filter for an execution.
type Policy int

const (
	// PolicyCompile allows the fork/exec/waitpid family so compilers
	// can drive their subprocesses.
	PolicyCompile Policy = iota

	// PolicyEvaluate is the strict filter applied to contestant
	// programs.
	PolicyEvaluate
)

// Command describes one execution inside a box.
type Command struct {
	Argv []string

	// Policy selects the syscall filter.
	Policy Policy

	// TimeLimit is the CPU budget; zero means unlimited.
	TimeLimit time.Duration

	// WallTimeLimit bounds real time; conventionally twice TimeLimit.
	WallTimeLimit time.Duration

	// MemoryLimit is in bytes; zero means unlimited.
	MemoryLimit int64

	// Stdin, Stdout, Stderr name files inside the box; empty means
	// /dev/null (stdin) or a captured default (stdout, stderr).
	Stdin  string
	Stdout string
	Stderr string

	// ReadablePaths are host directories mounted read-only into the
	// box.
	ReadablePaths []string

	// Multiprocess lifts the single-process restriction, needed by
	// Communication task types.
	Multiprocess bool
}

// Result is the outcome of one execution.
type Result struct {
	Status   Status
	ExitCode int

	// SignalNumber is set when Status is Signal.
	SignalNumber int

	CPUTime  time.Duration
	WallTime time.Duration

	// Memory is the peak usage in bytes.
	Memory int64

	// Message carries sandbox diagnostics, the forbidden syscall name,
	// or the forbidden path.
	Message string
}

// Box is one isolated working directory plus the ability to run
// commands in it. Files are staged through Dir before Run and collected
// from it after.
type Box interface {
	// Dir is the host path of the box working directory.
	Dir() string

	// Run executes cmd to completion.
	Run(ctx context.Context, cmd Command) (Result, error)

	// Cleanup releases the box. The directory is gone afterwards.
	Cleanup() error
}

// Manager allocates boxes.
type Manager interface {
	NewBox(ctx context.Context) (Box, error)
}

// CompileVerdict classifies a compilation execution.
type CompileVerdict int

const (
	// CompileOK: the compiler exited zero, executables are valid.
	CompileOK CompileVerdict = iota

	// CompileFailed: the contestant's fault, no retry.
	CompileFailed

	// CompileRetry: infrastructure fault, the job must run again.
	CompileRetry
)

// ClassifyCompile maps a sandbox result to a compilation verdict and
// human-readable text.
func ClassifyCompile(res Result) (CompileVerdict, []string) {
	switch res.Status {
	case OK:
		if res.ExitCode == 0 {
			return CompileOK, []string{"Compilation succeeded"}
		}
		return CompileFailed, []string{"Compilation failed"}
	case Timeout, WallTimeout:
		return CompileFailed, []string{"Compilation timed out"}
	case Signal:
		return CompileFailed, []string{fmt.Sprintf(
			"Compilation killed with signal %d (could be triggered by violating memory limits)",
			res.SignalNumber)}
	default:
		// Sandbox errors and policy violations during compilation point
		// at the installation, not the contestant.
		return CompileRetry, []string{"Compilation failed because of a sandbox error"}
	}
}

// EvalVerdict classifies an evaluation execution.
type EvalVerdict int

const (
	// EvalProceed: the program terminated cleanly; the task type reads
	// its output to produce an outcome.
	EvalProceed EvalVerdict = iota

	// EvalZero: terminal outcome 0.0 with explanatory text.
	EvalZero

	// EvalRetry: infrastructure fault, the job must run again.
	EvalRetry
)

// ClassifyEvaluate maps a sandbox result to an evaluation verdict and
// the text shown to the contestant when the outcome is zero.
func ClassifyEvaluate(res Result) (EvalVerdict, []string) {
	switch res.Status {
	case OK:
		if res.ExitCode == 0 {
			return EvalProceed, nil
		}
		return EvalZero, []string{"Execution failed because the return code was nonzero"}
	case Timeout:
		return EvalZero, []string{"Execution timed out"}
	case WallTimeout:
		return EvalZero, []string{"Execution timed out (wall clock limit exceeded)"}
	case Signal:
		return EvalZero, []string{fmt.Sprintf(
			"Execution killed with signal %d (could be triggered by violating memory limits)",
			res.SignalNumber)}
	case Syscall:
		return EvalZero, []string{fmt.Sprintf(
			"Execution killed because of forbidden syscall %s", res.Message)}
	case FileAccess:
		return EvalZero, []string{fmt.Sprintf(
			"Execution killed because of forbidden file access: %s", res.Message)}
	default:
		return EvalRetry, nil
	}
}
