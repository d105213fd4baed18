package structs

import (
	"encoding/json"
	"fmt"
	"time"
)

// ScoreMode selects how a participation's submission history is reduced to
// a single task score for the ranking.
type ScoreMode string

const (
	// ScoreModeMax takes the maximum score over all submissions.
	ScoreModeMax ScoreMode = "max"

	// ScoreModeMaxSubtask takes, for each subtask, the maximum over all
	// submissions, and sums the per-subtask maxima.
	ScoreModeMaxSubtask ScoreMode = "max_subtask"

	// ScoreModeMaxTokenedLast takes the maximum among the tokened
	// submissions and the last one.
	ScoreModeMaxTokenedLast ScoreMode = "max_tokened_last"
)

// FeedbackLevel gates how much of the per-testcase detail a contestant
// sees without playing a token.
type FeedbackLevel string

const (
	FeedbackLevelRestricted FeedbackLevel = "restricted"
	FeedbackLevelFull       FeedbackLevel = "full"
)

// Task is one problem of a contest.
type Task struct {
	ID int64

	// ContestID is nil for tasks not yet assigned to a contest.
	ContestID *int64

	// Num is the ordinal of the task inside its contest.
	Num int

	Name  string
	Title string

	// Statements and Attachments map a language code / filename to the
	// digest of the content.
	Statements  map[string]string
	Attachments map[string]string

	// SubmissionFormat lists the filenames a submission must provide,
	// with "%l" standing for the language extension.
	SubmissionFormat []string

	Tokens TokenSettings

	MaxSubmissionNumber   *int
	MaxUserTestNumber     *int
	MinSubmissionInterval *time.Duration
	MinUserTestInterval   *time.Duration

	// ActiveDatasetID selects the dataset whose results are live. Zero
	// means no dataset has been activated yet.
	ActiveDatasetID int64

	ScoreMode      ScoreMode
	ScorePrecision int
	FeedbackLevel  FeedbackLevel
}

// Validate checks the task row invariants.
func (t *Task) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("task name is required")
	}
	switch t.ScoreMode {
	case ScoreModeMax, ScoreModeMaxSubtask, ScoreModeMaxTokenedLast:
	default:
		return fmt.Errorf("task %q: unknown score mode %q", t.Name, t.ScoreMode)
	}
	switch t.FeedbackLevel {
	case FeedbackLevelRestricted, FeedbackLevelFull:
	default:
		return fmt.Errorf("task %q: unknown feedback level %q", t.Name, t.FeedbackLevel)
	}
	if t.ScorePrecision < 0 {
		return fmt.Errorf("task %q: score precision must be non-negative", t.Name)
	}
	return t.Tokens.Validate()
}

// Dataset is a versioned bundle of test data, limits and grading
// configuration for a task. A task has at least one dataset and exactly
// one active dataset.
type Dataset struct {
	ID          int64
	TaskID      int64
	Description string

	// Autojudge marks a non-active dataset that should still be judged,
	// so admins can compare its results against the live ones.
	Autojudge bool

	// TimeLimit is the CPU budget in seconds, fractional; nil for none.
	TimeLimit *float64

	// MemoryLimit is in bytes, nil for none.
	MemoryLimit *int64

	// TaskType names the registered task type; its parameters are opaque
	// to everything but the task type itself.
	TaskType       string
	TaskTypeParams json.RawMessage

	ScoreType       string
	ScoreTypeParams json.RawMessage

	// Managers maps a filename (checker, grader, stub...) to the digest
	// of its content.
	Managers map[string]string

	// Testcases is keyed by codename.
	Testcases map[string]*Testcase
}

// ActiveFor reports whether the dataset drives the visible scores of the
// given task.
func (d *Dataset) ActiveFor(t *Task) bool {
	return t != nil && t.ActiveDatasetID == d.ID
}

// ToJudge reports whether the dataset should be judged at all: either it
// is the active one or it is marked for autojudging.
func (d *Dataset) ToJudge(t *Task) bool {
	return d.ActiveFor(t) || d.Autojudge
}

// PublicTestcases returns the codename -> public flag map the score types
// are constructed with.
func (d *Dataset) PublicTestcases() map[string]bool {
	public := make(map[string]bool, len(d.Testcases))
	for codename, tc := range d.Testcases {
		public[codename] = tc.Public
	}
	return public
}

// Testcase is a single input/output pair of a dataset.
type Testcase struct {
	ID        int64
	DatasetID int64

	// Codename is unique within the dataset and is what operations and
	// evaluations reference.
	Codename string

	Public bool

	InputDigest  string
	OutputDigest string
}

// Validate checks the testcase row invariants.
func (tc *Testcase) Validate() error {
	if tc.Codename == "" {
		return fmt.Errorf("testcase codename is required")
	}
	if err := ValidateDigest(tc.InputDigest); err != nil {
		return fmt.Errorf("testcase %q input: %w", tc.Codename, err)
	}
	if err := ValidateDigest(tc.OutputDigest); err != nil {
		return fmt.Errorf("testcase %q output: %w", tc.Codename, err)
	}
	return nil
}
