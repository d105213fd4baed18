// Package scoretypes turns the raw per-testcase outcomes of a
// submission result into scores and contestant-facing details. Score
// types are pure: construction validates the dataset parameters, and
// ComputeScore touches nothing outside the result it is given.
package scoretypes

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/gavelms/gavel/structs"
)

// Public outcome labels shown to contestants under restricted
// feedback.
const (
	OutcomeCorrect          = "Correct"
	OutcomeNotCorrect       = "Not correct"
	OutcomePartiallyCorrect = "Partially correct"
)

// PublicOutcome maps a raw outcome fraction to its label.
func PublicOutcome(outcome float64) string {
	switch {
	case outcome <= 0.0:
		return OutcomeNotCorrect
	case outcome >= 1.0:
		return OutcomeCorrect
	default:
		return OutcomePartiallyCorrect
	}
}

// TestcaseDetail is the per-testcase row of the score details.
type TestcaseDetail struct {
	Codename string   `json:"testcase"`
	Outcome  string   `json:"outcome"`
	Text     []string `json:"text,omitempty"`
	Time     *float64 `json:"time,omitempty"`
	Memory   *int64   `json:"memory,omitempty"`
}

// SubtaskDetail is the per-subtask row of the group score details.
type SubtaskDetail struct {
	Index     int              `json:"idx"`
	MaxScore  float64          `json:"max_score"`
	Fraction  float64          `json:"score_fraction"`
	Score     float64          `json:"score"`
	Testcases []TestcaseDetail `json:"testcases"`
}

// Testcase is the slice of a dataset testcase a score type needs:
// its codename and visibility, in dataset order.
type Testcase struct {
	Codename string
	Public   bool
}

// Maxima is what a score type promises before any submission exists.
type Maxima struct {
	// Max is the score of a perfect submission.
	Max float64

	// PublicMax is the score of a perfect submission counting only
	// public testcases.
	PublicMax float64

	// Headers name the per-column ranking fields.
	Headers []string
}

// Score is the full scoring of one submission result.
type Score struct {
	Score   float64
	Details any

	// PublicScore and PublicDetails cover public testcases only; they
	// are what restricted feedback shows.
	PublicScore   float64
	PublicDetails any

	// RankingDetails are the opaque strings pushed to ranking servers,
	// one per header.
	RankingDetails []string
}

// Evaluated is the slice of a submission result a score type reads.
type Evaluated interface {
	// Outcome returns the raw outcome and text of a testcase.
	Outcome(codename string) (float64, []string, bool)

	// Stats returns the resource usage of a testcase evaluation.
	Stats(codename string) (time *float64, memory *int64)
}

// ScoreType computes scores. Implementations are safe for concurrent
// use.
type ScoreType interface {
	Name() string
	MaxScores() Maxima
	ComputeScore(result Evaluated) (Score, error)
}

type constructor func(params json.RawMessage, testcases []Testcase) (ScoreType, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]constructor{}
)

func register(name string, ctor constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("scoretypes: %q registered twice", name))
	}
	registry[name] = ctor
}

// New constructs the named score type from the dataset's parameters and
// its full testcase list, in dataset order.
func New(name string, params json.RawMessage, testcases []Testcase) (ScoreType, error) {
	registryMu.RLock()
	ctor, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("scoretypes: unknown score type %q", name)
	}
	return ctor(params, testcases)
}

// Names lists the registered score types, sorted.
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

// TestcasesFromDataset orders a dataset's testcase map by codename.
func TestcasesFromDataset(testcases map[string]*structs.Testcase) []Testcase {
	out := make([]Testcase, 0, len(testcases))
	for _, tc := range testcases {
		out = append(out, Testcase{Codename: tc.Codename, Public: tc.Public})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Codename < out[j].Codename })
	return out
}
