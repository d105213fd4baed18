package scoretypes

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Sum scores each testcase independently: every testcase is worth the
// same fixed number of points, scaled by its outcome.
type Sum struct {
	perTestcase float64
	testcases   []Testcase
}

func init() {
	register("Sum", newSum)
}

func newSum(params json.RawMessage, testcases []Testcase) (ScoreType, error) {
	var per float64
	if err := json.Unmarshal(params, &per); err != nil {
		return nil, fmt.Errorf("scoretypes: Sum parameters must be a number: %w", err)
	}
	if per <= 0 {
		return nil, fmt.Errorf("scoretypes: Sum per-testcase score must be positive, got %v", per)
	}
	if len(testcases) == 0 {
		return nil, fmt.Errorf("scoretypes: dataset has no testcases")
	}
	return &Sum{perTestcase: per, testcases: testcases}, nil
}

func (s *Sum) Name() string { return "Sum" }

// MaxScores implements ScoreType.
func (s *Sum) MaxScores() Maxima {
	publicCount := 0
	for _, tc := range s.testcases {
		if tc.Public {
			publicCount++
		}
	}
	return Maxima{
		Max:       s.perTestcase * float64(len(s.testcases)),
		PublicMax: s.perTestcase * float64(publicCount),
		Headers:   []string{fmt.Sprintf("Total (%v)", s.perTestcase*float64(len(s.testcases)))},
	}
}

// ComputeScore implements ScoreType.
func (s *Sum) ComputeScore(result Evaluated) (Score, error) {
	var score, publicScore float64
	details := make([]TestcaseDetail, 0, len(s.testcases))
	publicDetails := make([]TestcaseDetail, 0, len(s.testcases))

	for _, tc := range s.testcases {
		outcome, text, ok := result.Outcome(tc.Codename)
		if !ok {
			return Score{}, fmt.Errorf("scoretypes: result has no evaluation for testcase %q", tc.Codename)
		}
		score += outcome * s.perTestcase

		execTime, memory := result.Stats(tc.Codename)
		detail := TestcaseDetail{
			Codename: tc.Codename,
			Outcome:  PublicOutcome(outcome),
			Text:     text,
			Time:     execTime,
			Memory:   memory,
		}
		details = append(details, detail)
		if tc.Public {
			publicScore += outcome * s.perTestcase
			publicDetails = append(publicDetails, detail)
		}
	}

	return Score{
		Score:          score,
		Details:        details,
		PublicScore:    publicScore,
		PublicDetails:  publicDetails,
		RankingDetails: []string{strconv.FormatFloat(score, 'f', 2, 64)},
	}, nil
}
