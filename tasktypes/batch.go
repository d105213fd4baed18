package tasktypes

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gavelms/gavel/grading"
	"github.com/gavelms/gavel/sandbox"
)

// Batch is the classic task type: one source file, one process, input
// in and output out, judged by white-diff or a checker.
type Batch struct {
	// Compilation is "alone" or "grader"; with a grader the
	// contestant's code is linked against a task-provided main.
	Compilation string

	// InputFile and OutputFile name the files the program reads and
	// writes; empty means stdin/stdout.
	InputFile  string
	OutputFile string

	// Evaluation is "diff" or "comparator".
	Evaluation string
}

func init() {
	register("Batch", newBatch)
}

func newBatch(params json.RawMessage) (TaskType, error) {
	// Parameters are the triple [compilation, [infile, outfile],
	// evaluation].
	var raw []json.RawMessage
	if err := json.Unmarshal(params, &raw); err != nil || len(raw) != 3 {
		return nil, fmt.Errorf("tasktypes: Batch parameters must be a 3-element array")
	}
	b := &Batch{}
	if err := json.Unmarshal(raw[0], &b.Compilation); err != nil {
		return nil, fmt.Errorf("tasktypes: Batch compilation mode: %w", err)
	}
	var io [2]string
	if err := json.Unmarshal(raw[1], &io); err != nil {
		return nil, fmt.Errorf("tasktypes: Batch io redirects: %w", err)
	}
	b.InputFile, b.OutputFile = io[0], io[1]
	if err := json.Unmarshal(raw[2], &b.Evaluation); err != nil {
		return nil, fmt.Errorf("tasktypes: Batch evaluation mode: %w", err)
	}

	if b.Compilation != "alone" && b.Compilation != "grader" {
		return nil, fmt.Errorf("tasktypes: Batch compilation must be alone or grader, got %q", b.Compilation)
	}
	if b.Evaluation != "diff" && b.Evaluation != "comparator" {
		return nil, fmt.Errorf("tasktypes: Batch evaluation must be diff or comparator, got %q", b.Evaluation)
	}
	return b, nil
}

func (b *Batch) Name() string { return "Batch" }

// executableName derives the artifact name from the first submitted
// file.
func executableName(job *grading.Job) string {
	for filename := range job.Files {
		base := filepath.Base(filename)
		if i := strings.Index(base, "."); i > 0 {
			return base[:i]
		}
		return base
	}
	return "executable"
}

// Compile implements TaskType.
func (b *Batch) Compile(ctx context.Context, job *grading.Job, env *Env) error {
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

	// With a grader the task supplies the main; contestant code is
	// compiled together with it. Headers ride along either way.
	for name, digest := range job.Managers {
		resolved := grading.ResolveFilename(name, lang)
		isGrader := b.Compilation == "grader" && strings.HasPrefix(resolved, "grader")
		isHeader := strings.HasSuffix(resolved, ".h")
		if !isGrader && !isHeader {
			continue
		}
		if err := stageFile(ctx, env, box, resolved, digest); err != nil {
			return err
		}
		if isGrader {
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

// EvaluateTestcase implements TaskType.
func (b *Batch) EvaluateTestcase(ctx context.Context, job *grading.Job, env *Env) error {
	lang, err := grading.LookupLanguage(job.Language)
	if err != nil {
		return err
	}

	box, err := env.Sandbox.NewBox(ctx)
	if err != nil {
		return err
	}
	defer box.Cleanup()

	var executable string
	for name, digest := range job.Executables {
		executable = name
		if err := stageExecutable(ctx, env, box, name, digest); err != nil {
			return err
		}
	}
	if executable == "" {
		return fmt.Errorf("tasktypes: evaluate job without executables")
	}

	inputName := b.InputFile
	if inputName == "" {
		inputName = "input.txt"
	}
	if err := stageFile(ctx, env, box, inputName, job.InputDigest); err != nil {
		return err
	}
	outputName := b.OutputFile
	if outputName == "" {
		outputName = "output.txt"
	}

	cmd := evalCommand(job, lang.EvaluationCommand(executable, nil))
	if b.InputFile == "" {
		cmd.Stdin = inputName
	}
	if b.OutputFile == "" {
		cmd.Stdout = outputName
	}
	res, err := box.Run(ctx, cmd)
	if err != nil {
		return err
	}
	setStats(job, res)

	verdict, text := sandbox.ClassifyEvaluate(res)
	switch verdict {
	case sandbox.EvalZero:
		setOutcome(job, 0.0, text...)
		return nil
	case sandbox.EvalRetry:
		job.Success = false
		return nil
	}

	if b.Evaluation == "diff" {
		return whiteDiffOutcome(ctx, job, env, box, outputName)
	}
	userOutput, err := readUserOutput(box, outputName)
	if err != nil {
		setOutcome(job, 0.0, "Evaluation didn't produce file "+outputName)
		return nil
	}
	return runComparator(ctx, job, env, userOutput)
}
