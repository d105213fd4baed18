package grading

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/gavelms/gavel/structs"
)

func testDataset() *structs.Dataset {
	tl := 2.0
	ml := int64(256 * 1024 * 1024)
	return &structs.Dataset{
		ID:              7,
		TaskID:          3,
		TaskType:        "Batch",
		TaskTypeParams:  json.RawMessage(`["alone", ["", ""], "diff"]`),
		ScoreType:       "Sum",
		ScoreTypeParams: json.RawMessage(`100`),
		TimeLimit:       &tl,
		MemoryLimit:     &ml,
		Managers:        map[string]string{"checker": strings.Repeat("c", 40)},
		Testcases: map[string]*structs.Testcase{
			"001": {
				Codename:     "001",
				InputDigest:  strings.Repeat("a", 40),
				OutputDigest: strings.Repeat("b", 40),
			},
		},
	}
}

func TestNewCompileJob(t *testing.T) {
	sub := &structs.Submission{
		ID:       42,
		Language: "C++17 / g++",
		Files:    map[string]string{"solution.%l": strings.Repeat("d", 40)},
	}
	dataset := testDataset()

	job := NewCompileJob(sub, &structs.Task{ID: 3}, dataset)
	must.Eq(t, structs.OperationCompile, job.Operation.Kind)
	must.Eq(t, int64(42), job.Operation.ObjectID)
	must.Eq(t, int64(7), job.Operation.DatasetID)
	must.Eq(t, "Batch", job.TaskType)
	must.Eq(t, sub.Files, job.Files)
	must.MapContainsKey(t, job.Managers, "checker")
	must.True(t, job.IsCompile())
}

func TestNewEvaluateJob(t *testing.T) {
	sub := &structs.Submission{ID: 42, Language: "C++17 / g++"}
	result := &structs.SubmissionResult{
		Executables: map[string]string{"solution": strings.Repeat("e", 40)},
	}
	dataset := testDataset()

	job, err := NewEvaluateJob(sub, result, &structs.Task{ID: 3}, dataset, "001")
	must.NoError(t, err)
	must.Eq(t, structs.OperationEvaluate, job.Operation.Kind)
	must.Eq(t, "001", job.Operation.TestcaseCodename)
	must.Eq(t, strings.Repeat("a", 40), job.InputDigest)
	must.Eq(t, 2.0, job.TimeLimit)
	must.Eq(t, int64(256*1024*1024), job.MemoryLimit)
	must.Eq(t, result.Executables, job.Executables)

	_, err = NewEvaluateJob(sub, result, &structs.Task{ID: 3}, dataset, "999")
	must.Error(t, err)
}

func TestJob_WireRoundTrip(t *testing.T) {
	outcome := 0.5
	job := Job{
		Operation: structs.Operation{
			Kind:             structs.OperationEvaluate,
			ObjectID:         1,
			DatasetID:        2,
			TestcaseCodename: "001",
		},
		TaskType: "Batch",
		Success:  true,
		Outcome:  &outcome,
		Text:     []string{"Output is partially correct"},
		Stats:    &ExecutionStats{CPUTime: 0.123, Memory: 1024},
	}

	raw, err := json.Marshal(JobGroup{Jobs: []Job{job}})
	must.NoError(t, err)

	var got JobGroup
	must.NoError(t, json.Unmarshal(raw, &got))
	must.Len(t, 1, got.Jobs)
	must.Eq(t, job.Operation, got.Jobs[0].Operation)
	must.NotNil(t, got.Jobs[0].Outcome)
	must.Eq(t, 0.5, *got.Jobs[0].Outcome)
}

func TestLanguageRegistry(t *testing.T) {
	l, err := LookupLanguage("C++17 / g++")
	must.NoError(t, err)
	must.Eq(t, ".cpp", l.CanonicalExtension())

	cmds := l.CompilationCommands([]string{"solution.cpp"}, "solution")
	must.Len(t, 1, cmds)
	must.SliceContains(t, cmds[0], "solution.cpp")

	run := l.EvaluationCommand("solution", nil)
	must.Eq(t, []string{"./solution"}, run)

	_, err = LookupLanguage("COBOL")
	must.Error(t, err)

	names := LanguageNames()
	must.SliceContains(t, names, "Python 3 / CPython")
}

func TestResolveFilename(t *testing.T) {
	l, err := LookupLanguage("Python 3 / CPython")
	must.NoError(t, err)
	must.Eq(t, "solution.py", ResolveFilename("solution.%l", l))
	must.Eq(t, "input.txt", ResolveFilename("input.txt", l))
	must.Eq(t, "solution.%l", ResolveFilename("solution.%l", nil))
}

func TestTailString(t *testing.T) {
	short := "warning: unused variable\n"
	got, err := TailString(strings.NewReader(short))
	must.NoError(t, err)
	must.Eq(t, short, got)

	long := bytes.Repeat([]byte("e"), MaxLogSize+100)
	got, err = TailString(bytes.NewReader(long))
	must.NoError(t, err)
	must.Eq(t, MaxLogSize, len(got))
}
