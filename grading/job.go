// Package grading defines the unit of work exchanged between the
// scheduler and workers, and the programming language registry.
package grading

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/armon/circbuf"

	"github.com/gavelms/gavel/structs"
)

// ExecutionStats is the resource usage of the contestant-facing
// execution of a job.
type ExecutionStats struct {
	CPUTime  float64 `json:"execution_time"`
	WallTime float64 `json:"execution_wall_clock_time"`
	Memory   int64   `json:"execution_memory"`
}

// Job is one compile or evaluate unit. The scheduler fills the
// descriptive fields, the worker fills the outcome fields, and the
// whole struct rides the RPC fabric as a JSON object.
type Job struct {
	Operation structs.Operation `json:"operation"`

	TaskType       string          `json:"task_type"`
	TaskTypeParams json.RawMessage `json:"task_type_parameters"`
	Language       string          `json:"language,omitempty"`

	// Files are the contestant's submitted files, Managers the
	// task-provided ones (checkers, graders, stubs), Executables the
	// compiled artifacts; all filename to digest.
	Files       map[string]string `json:"files,omitempty"`
	Managers    map[string]string `json:"managers,omitempty"`
	Executables map[string]string `json:"executables,omitempty"`

	// Evaluate-only fields.
	InputDigest  string  `json:"input,omitempty"`
	OutputDigest string  `json:"output,omitempty"`
	TimeLimit    float64 `json:"time_limit,omitempty"`
	MemoryLimit  int64   `json:"memory_limit,omitempty"`

	Info string `json:"info,omitempty"`

	// Result fields, set by the worker. Success reports whether the
	// job ran at the infrastructure level; a compilation that fails
	// because of the contestant's code still has Success true.
	Success            bool            `json:"success"`
	CompilationSuccess bool            `json:"compilation_success,omitempty"`
	Text               []string        `json:"text,omitempty"`
	Outcome            *float64        `json:"outcome,omitempty"`
	Stats              *ExecutionStats `json:"plus,omitempty"`

	// OutputFiles carries artifacts produced by the job: compiled
	// executables for compile jobs, user output for user tests.
	OutputFiles map[string]string `json:"output_files,omitempty"`
}

// IsCompile reports whether the job is a compilation.
func (j *Job) IsCompile() bool { return j.Operation.IsCompile() }

// NewCompileJob builds the compilation job of a submission on a
// dataset.
func NewCompileJob(sub *structs.Submission, task *structs.Task, dataset *structs.Dataset) Job {
	return Job{
		Operation: structs.Operation{
			Kind:      structs.OperationCompile,
			ObjectID:  sub.ID,
			DatasetID: dataset.ID,
		},
		TaskType:       dataset.TaskType,
		TaskTypeParams: dataset.TaskTypeParams,
		Language:       sub.Language,
		Files:          sub.Files,
		Managers:       managerDigests(dataset),
		Info:           fmt.Sprintf("compile submission %d on dataset %d", sub.ID, dataset.ID),
	}
}

// NewEvaluateJob builds the evaluation job of one testcase.
func NewEvaluateJob(sub *structs.Submission, result *structs.SubmissionResult,
	task *structs.Task, dataset *structs.Dataset, codename string) (Job, error) {

	tc, ok := dataset.Testcases[codename]
	if !ok {
		return Job{}, fmt.Errorf("grading: dataset %d has no testcase %q", dataset.ID, codename)
	}
	var timeLimit float64
	if dataset.TimeLimit != nil {
		timeLimit = *dataset.TimeLimit
	}
	var memoryLimit int64
	if dataset.MemoryLimit != nil {
		memoryLimit = *dataset.MemoryLimit
	}
	return Job{
		Operation: structs.Operation{
			Kind:             structs.OperationEvaluate,
			ObjectID:         sub.ID,
			DatasetID:        dataset.ID,
			TestcaseCodename: codename,
		},
		TaskType:       dataset.TaskType,
		TaskTypeParams: dataset.TaskTypeParams,
		Language:       sub.Language,
		Files:          sub.Files,
		Managers:       managerDigests(dataset),
		Executables:    result.Executables,
		InputDigest:    tc.InputDigest,
		OutputDigest:   tc.OutputDigest,
		TimeLimit:      timeLimit,
		MemoryLimit:    memoryLimit,
		Info: fmt.Sprintf("evaluate submission %d on dataset %d, testcase %s",
			sub.ID, dataset.ID, codename),
	}, nil
}

// NewUserTestCompileJob builds the compilation job of a user test.
// User-provided managers override the dataset's where present.
func NewUserTestCompileJob(ut *structs.UserTest, task *structs.Task, dataset *structs.Dataset) Job {
	managers := managerDigests(dataset)
	if len(ut.Managers) > 0 {
		if managers == nil {
			managers = make(map[string]string, len(ut.Managers))
		}
		for name, digest := range ut.Managers {
			managers[name] = digest
		}
	}
	return Job{
		Operation: structs.Operation{
			Kind:      structs.OperationUserTestCompile,
			ObjectID:  ut.ID,
			DatasetID: dataset.ID,
		},
		TaskType:       dataset.TaskType,
		TaskTypeParams: dataset.TaskTypeParams,
		Language:       ut.Language,
		Files:          ut.Files,
		Managers:       managers,
		Info:           fmt.Sprintf("compile user test %d on dataset %d", ut.ID, dataset.ID),
	}
}

// NewUserTestEvaluateJob builds the single evaluation job of a user
// test: the compiled executables run over the contestant's own input,
// with no reference output to compare against.
func NewUserTestEvaluateJob(ut *structs.UserTest, result *structs.UserTestResult,
	task *structs.Task, dataset *structs.Dataset) Job {

	var timeLimit float64
	if dataset.TimeLimit != nil {
		timeLimit = *dataset.TimeLimit
	}
	var memoryLimit int64
	if dataset.MemoryLimit != nil {
		memoryLimit = *dataset.MemoryLimit
	}
	return Job{
		Operation: structs.Operation{
			Kind:      structs.OperationUserTestEvaluate,
			ObjectID:  ut.ID,
			DatasetID: dataset.ID,
		},
		TaskType:       dataset.TaskType,
		TaskTypeParams: dataset.TaskTypeParams,
		Language:       ut.Language,
		Files:          ut.Files,
		Managers:       managerDigests(dataset),
		Executables:    result.Executables,
		InputDigest:    ut.InputDigest,
		TimeLimit:      timeLimit,
		MemoryLimit:    memoryLimit,
		Info:           fmt.Sprintf("evaluate user test %d on dataset %d", ut.ID, dataset.ID),
	}
}

func managerDigests(dataset *structs.Dataset) map[string]string {
	if len(dataset.Managers) == 0 {
		return nil
	}
	out := make(map[string]string, len(dataset.Managers))
	for name, digest := range dataset.Managers {
		out[name] = digest
	}
	return out
}

// JobGroup is the unit assigned to one worker in a single RPC. Jobs are
// independent; the group is atomic only at the RPC level.
type JobGroup struct {
	Jobs []Job `json:"jobs"`
}

// MaxLogSize bounds how much compiler or checker output is kept; only
// the trailing bytes survive.
const MaxLogSize = 16 * 1024

// TailString drains r, keeping at most MaxLogSize trailing bytes.
func TailString(r io.Reader) (string, error) {
	buf, err := circbuf.NewBuffer(MaxLogSize)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(buf, r); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// FormatDuration renders seconds the way result screens show them.
func FormatDuration(seconds float64) string {
	return time.Duration(seconds * float64(time.Second)).Round(time.Millisecond).String()
}
