// Package tasktypes implements the polymorphic judging strategies. A
// task type knows how to compile a submission and how to evaluate it on
// one testcase; everything else (queueing, persistence, scoring) is
// ignorant of the difference between a Batch and a Communication task.
package tasktypes

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/gavelms/gavel/filecacher"
	"github.com/gavelms/gavel/grading"
	"github.com/gavelms/gavel/sandbox"
)

// TaskType executes jobs. Implementations are stateless once
// constructed; the same instance may run jobs concurrently.
type TaskType interface {
	Name() string

	// Compile runs the job's compilation and fills its result fields.
	// The returned error is an infrastructure fault only; contestant
	// errors land in the job.
	Compile(ctx context.Context, job *grading.Job, env *Env) error

	// EvaluateTestcase runs the job's single-testcase evaluation.
	EvaluateTestcase(ctx context.Context, job *grading.Job, env *Env) error
}

// Env is what a task type needs from the hosting worker.
type Env struct {
	Cacher  *filecacher.FileCacher
	Sandbox sandbox.Manager
}

type constructor func(params json.RawMessage) (TaskType, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]constructor{}
)

func register(name string, ctor constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("tasktypes: %q registered twice", name))
	}
	registry[name] = ctor
}

// New constructs the named task type from its dataset parameters.
// Parameters are validated here, so a dataset with a bad parameter
// string fails loudly before any job runs.
func New(name string, params json.RawMessage) (TaskType, error) {
	registryMu.RLock()
	ctor, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tasktypes: unknown task type %q", name)
	}
	return ctor(params)
}

// Names lists the registered task types, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ForJob builds the task type a job asks for.
func ForJob(job *grading.Job) (TaskType, error) {
	return New(job.TaskType, job.TaskTypeParams)
}
