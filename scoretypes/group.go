package scoretypes

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
)

// groupReducer collapses the outcomes of one subtask into a fraction
// in [0, 1] and labels single outcomes for restricted feedback. It is
// the only thing that differs between the group score types.
type groupReducer interface {
	reduce(group int, outcomes []float64) float64
	label(group int, outcome float64) string
}

// subtask is one scored group of testcases.
type subtask struct {
	maxScore  float64
	testcases []Testcase

	// public means every testcase of the group is public, so the group
	// contributes to the public score.
	public bool
}

// groupScorer is the shared machinery of GroupMin, GroupMul and
// GroupThreshold: parse the subtask list, partition the testcases,
// reduce per group, sum.
type groupScorer struct {
	name     string
	subtasks []subtask
	reducer  groupReducer
}

// parameters: an array of [max_score, target] entries (plus a trailing
// threshold for GroupThreshold). An integer target claims the next so
// many unclaimed testcases in dataset order; a string target claims
// every unclaimed testcase whose codename matches it as a regex.
func newGroupScorer(name string, params json.RawMessage, testcases []Testcase,
	makeReducer func(extras []json.RawMessage) (groupReducer, error)) (*groupScorer, error) {

	var groups [][]json.RawMessage
	if err := json.Unmarshal(params, &groups); err != nil || len(groups) == 0 {
		return nil, fmt.Errorf("scoretypes: %s parameters must be a non-empty array of groups", name)
	}
	if len(testcases) == 0 {
		return nil, fmt.Errorf("scoretypes: dataset has no testcases")
	}

	claimed := make([]bool, len(testcases))
	cursor := 0
	subtasks := make([]subtask, 0, len(groups))
	for i, raw := range groups {
		if len(raw) < 2 {
			return nil, fmt.Errorf("scoretypes: %s group %d needs [max_score, target]", name, i)
		}
		st := subtask{}
		if err := json.Unmarshal(raw[0], &st.maxScore); err != nil {
			return nil, fmt.Errorf("scoretypes: %s group %d max score: %w", name, i, err)
		}

		var count int
		if err := json.Unmarshal(raw[1], &count); err == nil {
			if count <= 0 {
				return nil, fmt.Errorf("scoretypes: %s group %d count must be positive", name, i)
			}
			for ; count > 0 && cursor < len(testcases); cursor++ {
				if claimed[cursor] {
					continue
				}
				claimed[cursor] = true
				st.testcases = append(st.testcases, testcases[cursor])
				count--
			}
			if count > 0 {
				return nil, fmt.Errorf("scoretypes: %s group %d overruns the testcase list", name, i)
			}
		} else {
			var pattern string
			if err := json.Unmarshal(raw[1], &pattern); err != nil {
				return nil, fmt.Errorf("scoretypes: %s group %d target must be a count or a regex", name, i)
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("scoretypes: %s group %d regex: %w", name, i, err)
			}
			for j, tc := range testcases {
				if !claimed[j] && re.MatchString(tc.Codename) {
					claimed[j] = true
					st.testcases = append(st.testcases, tc)
				}
			}
			if len(st.testcases) == 0 {
				return nil, fmt.Errorf("scoretypes: %s group %d matches no testcase", name, i)
			}
		}

		st.public = true
		for _, tc := range st.testcases {
			if !tc.Public {
				st.public = false
				break
			}
		}
		subtasks = append(subtasks, st)
	}

	for j, tc := range testcases {
		if !claimed[j] {
			return nil, fmt.Errorf("scoretypes: %s leaves testcase %q unclaimed", name, tc.Codename)
		}
	}

	reducer, err := makeReducer(flattenExtras(groups))
	if err != nil {
		return nil, err
	}
	return &groupScorer{name: name, subtasks: subtasks, reducer: reducer}, nil
}

// flattenExtras hands each group's trailing parameter to the reducer
// factory.
func flattenExtras(groups [][]json.RawMessage) []json.RawMessage {
	extras := make([]json.RawMessage, len(groups))
	for i, raw := range groups {
		if len(raw) > 2 {
			extras[i] = raw[2]
		}
	}
	return extras
}

func (g *groupScorer) Name() string { return g.name }

// MaxScores implements ScoreType.
func (g *groupScorer) MaxScores() Maxima {
	m := Maxima{}
	for i, st := range g.subtasks {
		m.Max += st.maxScore
		if st.public {
			m.PublicMax += st.maxScore
		}
		m.Headers = append(m.Headers, fmt.Sprintf("Subtask %d (%v)", i+1, st.maxScore))
	}
	return m
}

// ComputeScore implements ScoreType.
func (g *groupScorer) ComputeScore(result Evaluated) (Score, error) {
	var score, publicScore float64
	details := make([]SubtaskDetail, 0, len(g.subtasks))
	publicDetails := make([]SubtaskDetail, 0, len(g.subtasks))
	ranking := make([]string, 0, len(g.subtasks))

	for i, st := range g.subtasks {
		outcomes := make([]float64, 0, len(st.testcases))
		testcases := make([]TestcaseDetail, 0, len(st.testcases))
		for _, tc := range st.testcases {
			outcome, text, ok := result.Outcome(tc.Codename)
			if !ok {
				return Score{}, fmt.Errorf("scoretypes: result has no evaluation for testcase %q", tc.Codename)
			}
			outcomes = append(outcomes, outcome)
			execTime, memory := result.Stats(tc.Codename)
			testcases = append(testcases, TestcaseDetail{
				Codename: tc.Codename,
				Outcome:  g.reducer.label(i, outcome),
				Text:     text,
				Time:     execTime,
				Memory:   memory,
			})
		}

		fraction := g.reducer.reduce(i, outcomes)
		stScore := st.maxScore * fraction
		score += stScore
		detail := SubtaskDetail{
			Index:     i + 1,
			MaxScore:  st.maxScore,
			Fraction:  fraction,
			Score:     stScore,
			Testcases: testcases,
		}
		details = append(details, detail)
		if st.public {
			publicScore += stScore
			publicDetails = append(publicDetails, detail)
		}
		ranking = append(ranking, strconv.FormatFloat(stScore, 'f', 2, 64))
	}

	return Score{
		Score:          score,
		Details:        details,
		PublicScore:    publicScore,
		PublicDetails:  publicDetails,
		RankingDetails: ranking,
	}, nil
}

// minReducer: the weakest testcase decides, the classic IOI subtask.
type minReducer struct{}

func (minReducer) reduce(_ int, outcomes []float64) float64 {
	frac := 1.0
	for _, o := range outcomes {
		frac = math.Min(frac, o)
	}
	return math.Max(0, frac)
}

func (minReducer) label(_ int, outcome float64) string { return PublicOutcome(outcome) }

// mulReducer: partial credits multiply.
type mulReducer struct{}

func (mulReducer) reduce(_ int, outcomes []float64) float64 {
	frac := 1.0
	for _, o := range outcomes {
		frac *= o
	}
	return math.Max(0, math.Min(1, frac))
}

func (mulReducer) label(_ int, outcome float64) string { return PublicOutcome(outcome) }

// thresholdReducer: every outcome must reach the group's threshold for
// the group to score; one miss zeroes it. Outcomes here are raw
// task-type measures (a score, a step count), not fractions.
type thresholdReducer struct {
	thresholds []float64
}

func (r *thresholdReducer) reduce(group int, outcomes []float64) float64 {
	threshold := r.thresholds[group]
	for _, o := range outcomes {
		if o < threshold {
			return 0
		}
	}
	return 1
}

func (r *thresholdReducer) label(group int, outcome float64) string {
	if outcome >= r.thresholds[group] {
		return OutcomeCorrect
	}
	return OutcomeNotCorrect
}

func init() {
	register("GroupMin", func(params json.RawMessage, testcases []Testcase) (ScoreType, error) {
		return newGroupScorer("GroupMin", params, testcases,
			func([]json.RawMessage) (groupReducer, error) { return minReducer{}, nil })
	})
	register("GroupMul", func(params json.RawMessage, testcases []Testcase) (ScoreType, error) {
		return newGroupScorer("GroupMul", params, testcases,
			func([]json.RawMessage) (groupReducer, error) { return mulReducer{}, nil })
	})
	register("GroupThreshold", func(params json.RawMessage, testcases []Testcase) (ScoreType, error) {
		return newGroupScorer("GroupThreshold", params, testcases,
			func(extras []json.RawMessage) (groupReducer, error) {
				thresholds := make([]float64, len(extras))
				for i, raw := range extras {
					if raw == nil {
						return nil, fmt.Errorf("scoretypes: GroupThreshold group %d missing threshold", i)
					}
					if err := json.Unmarshal(raw, &thresholds[i]); err != nil {
						return nil, fmt.Errorf("scoretypes: GroupThreshold group %d threshold: %w", i, err)
					}
				}
				return &thresholdReducer{thresholds: thresholds}, nil
			})
	})
}
