// Package scoring reduces submission histories to task scores, runs
// the ScoringService, and feeds ranking updates to the proxy.
package scoring

import (
	"math"
	"time"

	"github.com/gavelms/gavel/structs"
)

// SubmissionScore is one scored submission as the reducers see it:
// enough to rank, nothing more.
type SubmissionScore struct {
	SubmissionID int64
	Timestamp    time.Time

	Score float64

	// SubtaskScores, when the score type produces subtasks, carries
	// the per-subtask scores in order; max_subtask reduces over them.
	SubtaskScores []float64

	// Tokened reports whether the contestant released this score.
	Tokened bool
}

// Round truncates a score to the given number of decimal digits, the
// rounding applied everywhere a score is displayed or compared.
func Round(score float64, precision int) float64 {
	shift := math.Pow(10, float64(precision))
	return math.Round(score*shift) / shift
}

// TaskScore reduces a submission history (chronological) under a score
// mode. The second return is true when the reduction only saw a part
// of the history scored, i.e. some submission is still unscored and the
// value may yet change.
func TaskScore(history []SubmissionScore, mode structs.ScoreMode, precision int) float64 {
	if len(history) == 0 {
		return 0
	}
	var score float64
	switch mode {
	case structs.ScoreModeMaxSubtask:
		score = maxSubtaskScore(history)
	case structs.ScoreModeMaxTokenedLast:
		score = maxTokenedLastScore(history)
	default:
		score = maxScore(history)
	}
	return Round(score, precision)
}

func maxScore(history []SubmissionScore) float64 {
	best := 0.0
	for _, s := range history {
		best = math.Max(best, s.Score)
	}
	return best
}

// maxSubtaskScore takes, independently for each subtask, the best score
// any submission achieved on it, and sums. Submissions without subtask
// details contribute through their plain score instead.
func maxSubtaskScore(history []SubmissionScore) float64 {
	var best []float64
	plain := 0.0
	for _, s := range history {
		if len(s.SubtaskScores) == 0 {
			plain = math.Max(plain, s.Score)
			continue
		}
		if len(s.SubtaskScores) > len(best) {
			grown := make([]float64, len(s.SubtaskScores))
			copy(grown, best)
			best = grown
		}
		for i, st := range s.SubtaskScores {
			best[i] = math.Max(best[i], st)
		}
	}
	sum := 0.0
	for _, st := range best {
		sum += st
	}
	return math.Max(sum, plain)
}

// maxTokenedLastScore is max over the released scores plus the last
// submission: the contestant always gets credit for their final try,
// tokens reveal anything better before it.
func maxTokenedLastScore(history []SubmissionScore) float64 {
	best := history[len(history)-1].Score
	for _, s := range history {
		if s.Tokened {
			best = math.Max(best, s.Score)
		}
	}
	return math.Max(best, 0)
}
