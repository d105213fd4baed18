package tasktypes

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gavelms/gavel/grading"
)

// OutputOnly tasks have no contestant program: the submission carries
// precomputed output files, one per testcase, judged directly.
type OutputOnly struct {
	// Evaluation is "diff" or "comparator".
	Evaluation string
}

func init() {
	register("OutputOnly", newOutputOnly)
}

func newOutputOnly(params json.RawMessage) (TaskType, error) {
	var raw []string
	if err := json.Unmarshal(params, &raw); err != nil || len(raw) != 1 {
		return nil, fmt.Errorf("tasktypes: OutputOnly parameters must be a 1-element array")
	}
	if raw[0] != "diff" && raw[0] != "comparator" {
		return nil, fmt.Errorf("tasktypes: OutputOnly evaluation must be diff or comparator, got %q", raw[0])
	}
	return &OutputOnly{Evaluation: raw[0]}, nil
}

func (o *OutputOnly) Name() string { return "OutputOnly" }

// Compile implements TaskType; there is nothing to compile.
func (o *OutputOnly) Compile(_ context.Context, job *grading.Job, _ *Env) error {
	job.Success = true
	job.CompilationSuccess = true
	job.Text = []string{"No compilation needed"}
	return nil
}

// outputFilename is the submission-format name expected for a
// testcase.
func (o *OutputOnly) outputFilename(codename string) string {
	return fmt.Sprintf("output_%s.txt", codename)
}

// EvaluateTestcase implements TaskType.
func (o *OutputOnly) EvaluateTestcase(ctx context.Context, job *grading.Job, env *Env) error {
	filename := o.outputFilename(job.Operation.TestcaseCodename)
	digest, ok := job.Files[filename]
	if !ok {
		setOutcome(job, 0.0, "File not submitted")
		return nil
	}

	// Reuse the box machinery so diff and comparator paths are shared
	// with Batch.
	box, err := env.Sandbox.NewBox(ctx)
	if err != nil {
		return err
	}
	defer box.Cleanup()

	if err := stageFile(ctx, env, box, "user_output.txt", digest); err != nil {
		return err
	}
	job.Stats = &grading.ExecutionStats{}

	if o.Evaluation == "diff" {
		return whiteDiffOutcome(ctx, job, env, box, "user_output.txt")
	}
	userOutput, err := readUserOutput(box, "user_output.txt")
	if err != nil {
		return err
	}
	return runComparator(ctx, job, env, userOutput)
}
