package scoring

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/shoenig/test/must"
	"github.com/stretchr/testify/require"

	"github.com/gavelms/gavel/rpc"
	"github.com/gavelms/gavel/structs"
)

func at(minutes int) time.Time {
	return time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC).Add(time.Duration(minutes) * time.Minute)
}

func TestRound(t *testing.T) {
	must.Eq(t, 50.0, Round(49.999999999, 2))
	must.Eq(t, 33.33, Round(100.0/3, 2))
	must.Eq(t, 33.0, Round(100.0/3, 0))
}

func TestTaskScore_Max(t *testing.T) {
	history := []SubmissionScore{
		{SubmissionID: 1, Score: 30},
		{SubmissionID: 2, Score: 60},
		{SubmissionID: 3, Score: 20},
	}
	must.Eq(t, 60.0, TaskScore(history, structs.ScoreModeMax, 2))
	must.Eq(t, 0.0, TaskScore(nil, structs.ScoreModeMax, 2))
}

// Tokens on the first and third submissions: the contestant shows 30
// until a token reveals the 60 in the middle.
func TestTaskScore_MaxTokenedLast(t *testing.T) {
	history := []SubmissionScore{
		{SubmissionID: 1, Score: 30, Tokened: true},
		{SubmissionID: 2, Score: 60},
		{SubmissionID: 3, Score: 20, Tokened: true},
	}
	must.Eq(t, 30.0, TaskScore(history, structs.ScoreModeMaxTokenedLast, 2))

	history[1].Tokened = true
	must.Eq(t, 60.0, TaskScore(history, structs.ScoreModeMaxTokenedLast, 2))
}

func TestTaskScore_MaxTokenedLast_LastCounts(t *testing.T) {
	history := []SubmissionScore{
		{SubmissionID: 1, Score: 30},
		{SubmissionID: 2, Score: 45},
	}
	// No tokens at all: only the last submission counts.
	must.Eq(t, 45.0, TaskScore(history, structs.ScoreModeMaxTokenedLast, 2))
}

func TestTaskScore_MaxSubtask(t *testing.T) {
	history := []SubmissionScore{
		{SubmissionID: 1, Score: 60, SubtaskScores: []float64{60, 0}},
		{SubmissionID: 2, Score: 40, SubtaskScores: []float64{0, 40}},
	}
	// Best per subtask across the history: 60 + 40.
	must.Eq(t, 100.0, TaskScore(history, structs.ScoreModeMaxSubtask, 2))
}

func TestMergeHistories(t *testing.T) {
	alice := &SliceCursor{Entries: []RankingEntry{
		{Username: "alice", TaskName: "apples", Timestamp: at(1), Score: 10},
		{Username: "alice", TaskName: "apples", Timestamp: at(5), Score: 50},
	}}
	bob := &SliceCursor{Entries: []RankingEntry{
		{Username: "bob", TaskName: "apples", Timestamp: at(3), Score: 30},
	}}
	empty := &SliceCursor{}

	var got []RankingEntry
	MergeHistories([]Cursor{alice, bob, empty}, func(e RankingEntry) {
		got = append(got, e)
	})

	must.Len(t, 3, got)
	must.Eq(t, 10.0, got[0].Score)
	must.Eq(t, 30.0, got[1].Score)
	must.Eq(t, 50.0, got[2].Score)
	for i := 1; i < len(got); i++ {
		must.False(t, got[i].Timestamp.Before(got[i-1].Timestamp))
	}
}

// fakeStore serves one scoring context from memory.
type fakeStore struct {
	mu       sync.Mutex
	ctxs     map[[2]int64]*ScoringContext
	saved    []*structs.SubmissionResult
	unscored [][2]int64
}

func (f *fakeStore) LoadForScoring(_ context.Context, submissionID, datasetID int64) (*ScoringContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sctx, ok := f.ctxs[[2]int64{submissionID, datasetID}]
	if !ok {
		return nil, rpc.ErrServiceAbsent
	}
	return sctx, nil
}

func (f *fakeStore) SaveScore(_ context.Context, result *structs.SubmissionResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, result)
	return nil
}

func (f *fakeStore) UnscoredPairs(context.Context) ([][2]int64, error) {
	return f.unscored, nil
}

type capturedCall struct {
	method  string
	payload map[string]any
}

type captureProxy struct {
	rpc.FakeClient
	mu    sync.Mutex
	calls []capturedCall
}

func (c *captureProxy) Go(method string, args any, cb func(json.RawMessage, error)) {
	raw, _ := json.Marshal(args)
	var payload map[string]any
	json.Unmarshal(raw, &payload)
	c.mu.Lock()
	c.calls = append(c.calls, capturedCall{method: method, payload: payload})
	c.mu.Unlock()
	c.FakeClient.Go(method, args, cb)
}

func scoringContext(t *testing.T) *ScoringContext {
	t.Helper()
	result := &structs.SubmissionResult{
		SubmissionID:       1,
		DatasetID:          2,
		CompilationOutcome: structs.CompilationOutcomeOK,
		Executables:        map[string]string{"solution": strings.Repeat("a", 40)},
		EvaluationOutcome:  structs.EvaluationOutcomeOK,
		Evaluations: map[string]*structs.Evaluation{
			"t1": {TestcaseCodename: "t1", Outcome: 1.0},
			"t2": {TestcaseCodename: "t2", Outcome: 0.5},
		},
	}
	return &ScoringContext{
		Submission: &structs.Submission{ID: 1, Timestamp: at(0)},
		Result:     result,
		Dataset: &structs.Dataset{
			ID:              2,
			ScoreType:       "Sum",
			ScoreTypeParams: json.RawMessage(`50`),
			Testcases: map[string]*structs.Testcase{
				"t1": {Codename: "t1", Public: true},
				"t2": {Codename: "t2"},
			},
		},
		Task:     &structs.Task{ID: 3, Name: "apples"},
		Username: "alice",
		Active:   true,
	}
}

func TestService_ScorePair(t *testing.T) {
	store := &fakeStore{ctxs: map[[2]int64]*ScoringContext{{1, 2}: scoringContext(t)}}
	proxy := &captureProxy{}
	svc := NewService(store, proxy, nil, hclog.NewNullLogger())

	require.NoError(t, svc.ScorePair(context.Background(), 1, 2))

	require.Len(t, store.saved, 1)
	result := store.saved[0]
	must.NotNil(t, result.Score)
	must.Eq(t, 75.0, *result.Score)
	must.Eq(t, 50.0, *result.PublicScore)
	must.NotNil(t, result.ScoredAt)

	// The dataset is live, so the proxy hears about it.
	proxy.mu.Lock()
	defer proxy.mu.Unlock()
	require.Len(t, proxy.calls, 1)
	must.Eq(t, "submission_scored", proxy.calls[0].method)
	must.Eq(t, "alice", proxy.calls[0].payload["user"])

	// Scoring again is a no-op.
	require.NoError(t, svc.ScorePair(context.Background(), 1, 2))
	must.Len(t, 1, store.saved)
}

func TestService_CompilationFailureScoresZero(t *testing.T) {
	sctx := scoringContext(t)
	sctx.Result.CompilationOutcome = structs.CompilationOutcomeFail
	sctx.Result.Executables = nil
	sctx.Result.EvaluationOutcome = structs.EvaluationOutcomeUnset
	sctx.Result.Evaluations = nil
	sctx.Active = false
	store := &fakeStore{ctxs: map[[2]int64]*ScoringContext{{1, 2}: sctx}}
	proxy := &captureProxy{}
	svc := NewService(store, proxy, nil, hclog.NewNullLogger())

	require.NoError(t, svc.ScorePair(context.Background(), 1, 2))
	require.Len(t, store.saved, 1)
	must.Eq(t, 0.0, *store.saved[0].Score)
	must.Len(t, 0, proxy.calls)
}

// Any score-type failure, error or panic, lands a placeholder score
// and exactly one admin notification; the request itself succeeds.
func TestService_ComputeFailurePlaceholder(t *testing.T) {
	cases := map[string]func(*ScoringContext){
		"bad parameters": func(sctx *ScoringContext) {
			sctx.Dataset.ScoreTypeParams = json.RawMessage(`"high"`)
		},
		"missing evaluations": func(sctx *ScoringContext) {
			sctx.Result.Evaluations = nil
		},
	}

	for name, breakIt := range cases {
		t.Run(name, func(t *testing.T) {
			sctx := scoringContext(t)
			sctx.Active = false
			breakIt(sctx)

			store := &fakeStore{ctxs: map[[2]int64]*ScoringContext{{1, 2}: sctx}}
			var notified []string
			svc := NewService(store, &captureProxy{}, func(subject, _ string) {
				notified = append(notified, subject)
			}, hclog.NewNullLogger())

			require.NoError(t, svc.ScorePair(context.Background(), 1, 2))
			require.Len(t, store.saved, 1)
			result := store.saved[0]
			must.Eq(t, 0.0, *result.Score)
			must.StrContains(t, string(result.ScoreDetails), "temporarily unavailable")
			must.Len(t, 1, notified)
			must.Eq(t, "Score computation failed", notified[0])
		})
	}
}

func TestService_Sweep(t *testing.T) {
	store := &fakeStore{
		ctxs:     map[[2]int64]*ScoringContext{{1, 2}: scoringContext(t)},
		unscored: [][2]int64{{1, 2}},
	}
	svc := NewService(store, &captureProxy{}, nil, hclog.NewNullLogger())
	require.NoError(t, svc.Sweep(context.Background()))
	must.Len(t, 1, store.saved)
}
