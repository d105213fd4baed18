package structs

import (
	"fmt"
	"time"
)

// CompilationOutcome is the tri-state result of compiling a submission
// against a dataset.
type CompilationOutcome string

const (
	CompilationOutcomeUnset CompilationOutcome = ""
	CompilationOutcomeOK    CompilationOutcome = "ok"
	CompilationOutcomeFail  CompilationOutcome = "fail"
)

// EvaluationOutcome tracks whether all testcases of a submission result
// have been evaluated.
type EvaluationOutcome string

const (
	EvaluationOutcomeUnset EvaluationOutcome = ""
	EvaluationOutcomeOK    EvaluationOutcome = "ok"
)

// Submission is a contestant's attempt at a task.
type Submission struct {
	ID              int64
	ParticipationID int64
	TaskID          int64

	Timestamp time.Time
	Language  string

	// Files maps the submission-format filename to the content digest.
	Files map[string]string

	// Token is set when the contestant has released this submission's
	// private results; at most one token per submission.
	Token *Token

	// Official is false for submissions sent outside the contest window
	// by unrestricted participations; they are judged but do not count.
	Official bool

	Comment string

	// OpaqueID is a stable identifier exposed to admins instead of the
	// database id.
	OpaqueID string
}

// Tokened reports whether a token has been played on the submission.
func (s *Submission) Tokened() bool {
	return s.Token != nil
}

// Token releases the private results of one submission. Rows are created
// once and never modified.
type Token struct {
	ID           int64
	SubmissionID int64
	Timestamp    time.Time
}

// Validate checks the token row invariants against its submission.
func (t *Token) Validate(s *Submission) error {
	if s == nil || t.SubmissionID != s.ID {
		return fmt.Errorf("token %d does not reference its submission", t.ID)
	}
	if t.Timestamp.Before(s.Timestamp) {
		return fmt.Errorf("token %d precedes its submission", t.ID)
	}
	return nil
}

// SubmissionResult is the per-(submission, dataset) judging state. A row
// exists exactly when the pair has been scheduled at least once.
type SubmissionResult struct {
	SubmissionID int64
	DatasetID    int64

	CompilationOutcome CompilationOutcome

	// CompilationText is the compiler's stdout+stderr, truncated.
	CompilationText []string

	CompilationTries int

	// Compilation resource usage, nil until compiled.
	CompilationTime          *float64
	CompilationWallClockTime *float64
	CompilationMemory        *int64

	// Executables maps filename to digest; non-empty iff compilation
	// succeeded.
	Executables map[string]string

	EvaluationOutcome EvaluationOutcome
	EvaluationTries   int

	// Evaluations is keyed by testcase codename.
	Evaluations map[string]*Evaluation

	// Scoring output; Score is nil until scored.
	Score               *float64
	ScoreDetails        []byte
	PublicScore         *float64
	PublicScoreDetails  []byte
	RankingScoreDetails []string
	ScoredAt            *time.Time
}

// Compiled reports whether the compilation step reached a final outcome.
func (r *SubmissionResult) Compiled() bool {
	return r.CompilationOutcome != CompilationOutcomeUnset
}

// CompilationSucceeded reports whether the submission compiled cleanly.
func (r *SubmissionResult) CompilationSucceeded() bool {
	return r.CompilationOutcome == CompilationOutcomeOK
}

// CompilationFailed reports whether the contestant's code failed to
// compile. This is a user error, not retried.
func (r *SubmissionResult) CompilationFailed() bool {
	return r.CompilationOutcome == CompilationOutcomeFail
}

// Evaluated reports whether every testcase outcome has been collected.
func (r *SubmissionResult) Evaluated() bool {
	return r.EvaluationOutcome == EvaluationOutcomeOK
}

// NeedsScoring reports whether the result is ready for the scoring
// service but has no score yet.
func (r *SubmissionResult) NeedsScoring() bool {
	return (r.CompilationFailed() || r.Evaluated()) && r.Score == nil
}

// Scored reports whether the scoring service has processed the result.
func (r *SubmissionResult) Scored() bool {
	return r.Score != nil
}

// Validate checks the coupling invariants between compilation outcome,
// executables and evaluations.
func (r *SubmissionResult) Validate() error {
	switch r.CompilationOutcome {
	case CompilationOutcomeOK:
		if len(r.Executables) == 0 {
			return fmt.Errorf("result (%d,%d): compiled ok without executables",
				r.SubmissionID, r.DatasetID)
		}
	case CompilationOutcomeFail:
		if len(r.Evaluations) != 0 {
			return fmt.Errorf("result (%d,%d): failed compilation with evaluations",
				r.SubmissionID, r.DatasetID)
		}
	case CompilationOutcomeUnset:
	default:
		return fmt.Errorf("result (%d,%d): unknown compilation outcome %q",
			r.SubmissionID, r.DatasetID, r.CompilationOutcome)
	}
	return nil
}

// InvalidateCompilation resets the result to its pre-compilation state,
// cascading to evaluations and the score.
func (r *SubmissionResult) InvalidateCompilation() {
	r.CompilationOutcome = CompilationOutcomeUnset
	r.CompilationText = nil
	r.CompilationTries = 0
	r.CompilationTime = nil
	r.CompilationWallClockTime = nil
	r.CompilationMemory = nil
	r.Executables = nil
	r.InvalidateEvaluation()
}

// InvalidateEvaluation drops all evaluations, cascading to the score.
func (r *SubmissionResult) InvalidateEvaluation() {
	r.EvaluationOutcome = EvaluationOutcomeUnset
	r.EvaluationTries = 0
	r.Evaluations = nil
	r.InvalidateScore()
}

// InvalidateScore drops only the scoring output.
func (r *SubmissionResult) InvalidateScore() {
	r.Score = nil
	r.ScoreDetails = nil
	r.PublicScore = nil
	r.PublicScoreDetails = nil
	r.RankingScoreDetails = nil
	r.ScoredAt = nil
}

// SetEvaluationOutcome marks the result evaluated once every testcase of
// the dataset has an evaluation row.
func (r *SubmissionResult) SetEvaluationOutcome(d *Dataset) bool {
	for codename := range d.Testcases {
		if _, ok := r.Evaluations[codename]; !ok {
			return false
		}
	}
	r.EvaluationOutcome = EvaluationOutcomeOK
	return true
}

// Evaluation is the outcome of one testcase of one submission result.
type Evaluation struct {
	SubmissionID     int64
	DatasetID        int64
	TestcaseCodename string

	// Outcome is a free-form float whose meaning belongs to the task
	// type; typically the fraction of credit in [0, 1].
	Outcome float64

	Text []string

	ExecutionTime          *float64
	ExecutionWallClockTime *float64
	ExecutionMemory        *int64
}
