package structs

import "time"

// UserTest is a contestant-provided trial run: their own sources plus
// their own input, judged like a submission but never scored.
type UserTest struct {
	ID              int64
	ParticipationID int64
	TaskID          int64

	Timestamp time.Time
	Language  string

	InputDigest string

	// Files and Managers map filenames to content digests; managers let
	// contestants override dataset managers where the task type allows.
	Files    map[string]string
	Managers map[string]string
}

// UserTestResult is the per-(user test, dataset) judging state.
type UserTestResult struct {
	UserTestID int64
	DatasetID  int64

	CompilationOutcome CompilationOutcome
	CompilationText    []string
	CompilationTries   int

	CompilationTime          *float64
	CompilationWallClockTime *float64
	CompilationMemory        *int64

	Executables map[string]string

	EvaluationOutcome EvaluationOutcome
	EvaluationTries   int

	// A user test produces one run over the user-provided input.
	EvaluationText  []string
	OutputDigest    *string
	ExecutionTime   *float64
	ExecutionMemory *int64
}

// Compiled reports whether the compilation step reached a final outcome.
func (r *UserTestResult) Compiled() bool {
	return r.CompilationOutcome != CompilationOutcomeUnset
}

// CompilationSucceeded reports whether the user test compiled cleanly.
func (r *UserTestResult) CompilationSucceeded() bool {
	return r.CompilationOutcome == CompilationOutcomeOK
}

// Evaluated reports whether the run over the user input has completed.
func (r *UserTestResult) Evaluated() bool {
	return r.EvaluationOutcome == EvaluationOutcomeOK
}
