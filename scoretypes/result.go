package scoretypes

import (
	"github.com/gavelms/gavel/structs"
)

// resultAdapter exposes a SubmissionResult through the Evaluated
// interface.
type resultAdapter struct {
	r *structs.SubmissionResult
}

// FromResult adapts a submission result for scoring.
func FromResult(r *structs.SubmissionResult) Evaluated {
	return resultAdapter{r: r}
}

func (a resultAdapter) Outcome(codename string) (float64, []string, bool) {
	ev, ok := a.r.Evaluations[codename]
	if !ok {
		return 0, nil, false
	}
	return ev.Outcome, ev.Text, true
}

func (a resultAdapter) Stats(codename string) (*float64, *int64) {
	ev, ok := a.r.Evaluations[codename]
	if !ok {
		return nil, nil
	}
	return ev.ExecutionTime, ev.ExecutionMemory
}

// outcomeMap is a plain map-backed Evaluated, convenient in tests and
// for user tests which have no SubmissionResult.
type outcomeMap map[string]float64

// FromOutcomes wraps bare outcomes with no text or stats.
func FromOutcomes(outcomes map[string]float64) Evaluated {
	return outcomeMap(outcomes)
}

func (m outcomeMap) Outcome(codename string) (float64, []string, bool) {
	o, ok := m[codename]
	return o, nil, ok
}

func (m outcomeMap) Stats(string) (*float64, *int64) { return nil, nil }
