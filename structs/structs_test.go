package structs

import (
	"net/netip"
	"testing"
	"time"

	"github.com/shoenig/test/must"
)

func TestContest_Validate(t *testing.T) {
	start := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	c := &Contest{
		Name:   "ioi-practice",
		Start:  start,
		Stop:   start.Add(5 * time.Hour),
		Tokens: TokenSettings{Mode: TokenModeDisabled},
	}
	must.NoError(t, c.Validate())

	c.Stop = start.Add(-time.Minute)
	must.Error(t, c.Validate())
}

func TestContest_Phase(t *testing.T) {
	start := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	c := &Contest{
		Name:  "c",
		Start: start,
		Stop:  start.Add(5 * time.Hour),
	}
	p := &Participation{}

	must.Eq(t, -1, c.Phase(p, start.Add(-time.Second)))
	must.Eq(t, 0, c.Phase(p, start))
	must.Eq(t, 1, c.Phase(p, start.Add(5*time.Hour)))

	// Extra time stretches the participation's window.
	p.ExtraTime = 30 * time.Minute
	must.Eq(t, 0, c.Phase(p, start.Add(5*time.Hour)))

	// USACO-style: the clock starts at the participation's starting time.
	perUser := time.Hour
	c.PerUserTime = &perUser
	st := start.Add(2 * time.Hour)
	p = &Participation{StartingTime: &st}
	must.Eq(t, -1, c.Phase(p, start.Add(time.Hour)))
	must.Eq(t, 0, c.Phase(p, start.Add(2*time.Hour+30*time.Minute)))
	must.Eq(t, 1, c.Phase(p, start.Add(3*time.Hour)))
}

func TestTokenSettings_Validate(t *testing.T) {
	cases := []struct {
		name string
		ts   TokenSettings
		ok   bool
	}{
		{"disabled", TokenSettings{Mode: TokenModeDisabled}, true},
		{"infinite", TokenSettings{Mode: TokenModeInfinite}, true},
		{"finite", TokenSettings{
			Mode: TokenModeFinite, GenInitial: 2,
			GenNumber: 1, GenInterval: 30 * time.Minute,
		}, true},
		{"unknown mode", TokenSettings{Mode: "sometimes"}, false},
		{"negative initial", TokenSettings{Mode: TokenModeFinite, GenInitial: -1}, false},
		{"generation without interval", TokenSettings{Mode: TokenModeFinite, GenNumber: 1}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.ts.Validate()
			if tc.ok {
				must.NoError(t, err)
			} else {
				must.Error(t, err)
			}
		})
	}
}

func TestToken_Validate(t *testing.T) {
	now := time.Now()
	s := &Submission{ID: 7, Timestamp: now}

	tok := &Token{ID: 1, SubmissionID: 7, Timestamp: now.Add(time.Minute)}
	must.NoError(t, tok.Validate(s))

	tok = &Token{ID: 2, SubmissionID: 7, Timestamp: now.Add(-time.Minute)}
	must.Error(t, tok.Validate(s))

	tok = &Token{ID: 3, SubmissionID: 8, Timestamp: now}
	must.Error(t, tok.Validate(s))
}

func TestSubmissionResult_Validate(t *testing.T) {
	r := &SubmissionResult{SubmissionID: 1, DatasetID: 2}
	must.NoError(t, r.Validate())

	// ok implies executables present.
	r.CompilationOutcome = CompilationOutcomeOK
	must.Error(t, r.Validate())
	r.Executables = map[string]string{"a.out": "da39a3ee5e6b4b0d3255bfef95601890afd80709"}
	must.NoError(t, r.Validate())

	// fail implies no evaluations.
	r = &SubmissionResult{
		CompilationOutcome: CompilationOutcomeFail,
		Evaluations:        map[string]*Evaluation{"t1": {}},
	}
	must.Error(t, r.Validate())
}

func TestSubmissionResult_Lifecycle(t *testing.T) {
	score := 42.0
	r := &SubmissionResult{
		CompilationOutcome: CompilationOutcomeOK,
		CompilationTries:   1,
		Executables:        map[string]string{"a.out": "x"},
		EvaluationOutcome:  EvaluationOutcomeOK,
		Evaluations:        map[string]*Evaluation{"t1": {Outcome: 1.0}},
		Score:              &score,
	}
	must.True(t, r.Scored())

	r.InvalidateScore()
	must.False(t, r.Scored())
	must.True(t, r.Evaluated())

	r.InvalidateEvaluation()
	must.False(t, r.Evaluated())
	must.True(t, r.CompilationSucceeded())

	r.InvalidateCompilation()
	must.False(t, r.Compiled())
	must.Eq(t, 0, r.CompilationTries)
}

func TestSubmissionResult_SetEvaluationOutcome(t *testing.T) {
	d := &Dataset{Testcases: map[string]*Testcase{
		"t1": {Codename: "t1"},
		"t2": {Codename: "t2"},
	}}
	r := &SubmissionResult{Evaluations: map[string]*Evaluation{
		"t1": {Outcome: 1.0},
	}}
	must.False(t, r.SetEvaluationOutcome(d))
	must.False(t, r.Evaluated())

	r.Evaluations["t2"] = &Evaluation{Outcome: 0.0}
	must.True(t, r.SetEvaluationOutcome(d))
	must.True(t, r.Evaluated())
}

func TestOperation_String(t *testing.T) {
	op := Operation{Kind: OperationCompile, ObjectID: 10, DatasetID: 3}
	must.Eq(t, "compile on 10 against dataset 3", op.String())

	op = Operation{Kind: OperationEvaluate, ObjectID: 10, DatasetID: 3, TestcaseCodename: "t2"}
	must.Eq(t, "evaluate on 10 against dataset 3, testcase t2", op.String())
	must.Eq(t, Operation{Kind: OperationEvaluate, ObjectID: 10, DatasetID: 3}, op.ShortKey())
}

func TestValidateDigest(t *testing.T) {
	must.NoError(t, ValidateDigest("da39a3ee5e6b4b0d3255bfef95601890afd80709"))
	must.Error(t, ValidateDigest("da39"))
	must.Error(t, ValidateDigest("DA39A3EE5E6B4B0D3255BFEF95601890AFD80709"))
}

func TestParticipation_IPAllowed(t *testing.T) {
	p := &Participation{}
	must.True(t, p.IPAllowed(netip.MustParseAddr("10.0.0.7")))

	p.IPRanges = []netip.Prefix{netip.MustParsePrefix("10.0.0.0/24")}
	must.True(t, p.IPAllowed(netip.MustParseAddr("10.0.0.7")))
	must.False(t, p.IPAllowed(netip.MustParseAddr("10.0.1.7")))
}
