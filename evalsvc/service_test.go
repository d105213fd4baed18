package evalsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/shoenig/test/must"
	"github.com/stretchr/testify/require"

	"github.com/gavelms/gavel/grading"
	"github.com/gavelms/gavel/rpc"
	"github.com/gavelms/gavel/structs"
)

func digestOf(b byte) string { return strings.Repeat(string(rune(b)), 40) }

// fakeWorkerClient captures job groups so the test can answer them.
type fakeWorkerClient struct {
	rpc.FakeClient
	mu     sync.Mutex
	groups []pendingGroup
	quits  int
}

type pendingGroup struct {
	group grading.JobGroup
	cb    func(json.RawMessage, error)
}

func (w *fakeWorkerClient) Connected() bool { return true }

func (w *fakeWorkerClient) Go(method string, args any, cb func(json.RawMessage, error)) {
	switch method {
	case "execute_job_group":
		raw, _ := json.Marshal(args)
		var g grading.JobGroup
		if err := json.Unmarshal(raw, &g); err != nil {
			panic(err)
		}
		w.mu.Lock()
		w.groups = append(w.groups, pendingGroup{group: g, cb: cb})
		w.mu.Unlock()
	case "quit":
		w.mu.Lock()
		w.quits++
		w.mu.Unlock()
	default:
		w.FakeClient.Go(method, args, cb)
	}
}

func (w *fakeWorkerClient) pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.groups)
}

// answer completes the oldest captured group after mutate fills in the
// result fields of each job.
func (w *fakeWorkerClient) answer(t *testing.T, mutate func(*grading.Job)) {
	t.Helper()
	w.mu.Lock()
	require.NotEmpty(t, w.groups)
	pg := w.groups[0]
	w.groups = w.groups[1:]
	w.mu.Unlock()

	for i := range pg.group.Jobs {
		mutate(&pg.group.Jobs[i])
	}
	data, err := json.Marshal(pg.group)
	require.NoError(t, err)
	pg.cb(data, nil)
}

func (w *fakeWorkerClient) fail(t *testing.T, err error) {
	t.Helper()
	w.mu.Lock()
	require.NotEmpty(t, w.groups)
	pg := w.groups[0]
	w.groups = w.groups[1:]
	w.mu.Unlock()
	pg.cb(nil, err)
}

// captureCaller records scoring notifications.
type captureCaller struct {
	rpc.FakeClient
	mu      sync.Mutex
	methods []string
}

func (c *captureCaller) Go(method string, args any, cb func(json.RawMessage, error)) {
	c.mu.Lock()
	c.methods = append(c.methods, method)
	c.mu.Unlock()
	c.FakeClient.Go(method, args, cb)
}

func (c *captureCaller) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.methods)
}

// fakeEvalStore serves one submission on one dataset from memory.
type fakeEvalStore struct {
	mu      sync.Mutex
	sub     *structs.Submission
	result  *structs.SubmissionResult
	task    *structs.Task
	dataset *structs.Dataset

	saves   int
	pending []structs.QueuedOperation
}

func (f *fakeEvalStore) JobContext(_ context.Context, op structs.Operation) (*JobContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !op.ForSubmission() || op.ObjectID != f.sub.ID {
		return nil, fmt.Errorf("no such object %d", op.ObjectID)
	}
	return &JobContext{
		Submission: f.sub,
		Result:     f.result,
		Task:       f.task,
		Dataset:    f.dataset,
	}, nil
}

func (f *fakeEvalStore) SaveResult(_ context.Context, _ *structs.SubmissionResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	return nil
}

func (f *fakeEvalStore) SaveUserTestResult(context.Context, *structs.UserTestResult) error {
	return nil
}

func (f *fakeEvalStore) PendingOperations(context.Context) ([]structs.QueuedOperation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending, nil
}

func (f *fakeEvalStore) OperationsForSubmission(_ context.Context, id int64) ([]structs.QueuedOperation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id != f.sub.ID || f.result.Compiled() {
		return nil, nil
	}
	return []structs.QueuedOperation{{
		Operation: structs.Operation{
			Kind:      structs.OperationCompile,
			ObjectID:  id,
			DatasetID: f.dataset.ID,
		},
		Priority:  structs.PriorityHigh,
		Timestamp: f.sub.Timestamp,
	}}, nil
}

func (f *fakeEvalStore) OperationsForUserTest(context.Context, int64) ([]structs.QueuedOperation, error) {
	return nil, nil
}

func (f *fakeEvalStore) InvalidateResults(_ context.Context, submissionID, _ int64, level string) ([]structs.QueuedOperation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if level == "compilation" {
		f.result.InvalidateCompilation()
	} else {
		f.result.InvalidateEvaluation()
	}
	return []structs.QueuedOperation{{
		Operation: structs.Operation{
			Kind:      structs.OperationCompile,
			ObjectID:  f.sub.ID,
			DatasetID: f.dataset.ID,
		},
		Priority:  structs.PriorityHigh,
		Timestamp: f.sub.Timestamp,
	}}, nil
}

func newEvalStore() *fakeEvalStore {
	return &fakeEvalStore{
		sub: &structs.Submission{
			ID:        1,
			TaskID:    3,
			Timestamp: time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC),
			Language:  "C++17 / g++",
			Files:     map[string]string{"solution.%l": digestOf('a')},
		},
		result: &structs.SubmissionResult{SubmissionID: 1, DatasetID: 2},
		task:   &structs.Task{ID: 3, Name: "apples", ActiveDatasetID: 2},
		dataset: &structs.Dataset{
			ID:             2,
			TaskID:         3,
			TaskType:       "Batch",
			TaskTypeParams: json.RawMessage(`["alone", ["", ""], "diff"]`),
			Testcases: map[string]*structs.Testcase{
				"t1": {Codename: "t1", InputDigest: digestOf('b'), OutputDigest: digestOf('c')},
				"t2": {Codename: "t2", InputDigest: digestOf('d'), OutputDigest: digestOf('e')},
			},
		},
	}
}

func newTestService(t *testing.T, store *fakeEvalStore) (*Service, *fakeWorkerClient, *captureCaller, *[]string) {
	t.Helper()
	scoring := &captureCaller{}
	var notified []string
	svc := NewService(store, scoring, time.Minute, func(subject, _ string) {
		notified = append(notified, subject)
	}, hclog.NewNullLogger())
	worker := &fakeWorkerClient{}
	svc.AddWorker(0, worker)
	return svc, worker, scoring, &notified
}

func compileQop(store *fakeEvalStore) structs.QueuedOperation {
	return structs.QueuedOperation{
		Operation: structs.Operation{
			Kind:      structs.OperationCompile,
			ObjectID:  store.sub.ID,
			DatasetID: store.dataset.ID,
		},
		Priority:  structs.PriorityHigh,
		Timestamp: store.sub.Timestamp,
	}
}

// The full life of a submission: compile, two evaluations riding one
// job group, then a scoring notification.
func TestService_SubmissionLifecycle(t *testing.T) {
	store := newEvalStore()
	svc, worker, scoring, _ := newTestService(t, store)
	ctx := context.Background()

	must.True(t, svc.Enqueue(compileQop(store)))
	svc.Dispatch(ctx)

	require.Equal(t, 1, worker.pending())
	worker.answer(t, func(job *grading.Job) {
		must.Eq(t, structs.OperationCompile, job.Operation.Kind)
		job.Success = true
		job.CompilationSuccess = true
		job.Text = []string{"Compilation succeeded"}
		job.OutputFiles = map[string]string{"solution": digestOf('f')}
		job.Stats = &grading.ExecutionStats{CPUTime: 0.2, WallTime: 0.3, Memory: 1 << 20}
	})

	must.Eq(t, structs.CompilationOutcomeOK, store.result.CompilationOutcome)
	must.Eq(t, digestOf('f'), store.result.Executables["solution"])

	// Compilation fanned out one evaluation per testcase.
	must.Eq(t, 2, svc.Queue().Len())

	svc.Dispatch(ctx)
	require.Equal(t, 1, worker.pending())

	// Both evaluations share a short key, so they rode one group.
	worker.mu.Lock()
	must.Len(t, 2, worker.groups[0].group.Jobs)
	worker.mu.Unlock()

	outcomes := map[string]float64{"t1": 1.0, "t2": 0.5}
	worker.answer(t, func(job *grading.Job) {
		out := outcomes[job.Operation.TestcaseCodename]
		job.Success = true
		job.Outcome = &out
		job.Text = []string{"Output is correct"}
		job.Stats = &grading.ExecutionStats{CPUTime: 0.1, WallTime: 0.2, Memory: 1 << 20}
	})

	must.Eq(t, structs.EvaluationOutcomeOK, store.result.EvaluationOutcome)
	must.MapLen(t, 2, store.result.Evaluations)
	must.Eq(t, 0.5, store.result.Evaluations["t2"].Outcome)
	must.Eq(t, 1, scoring.count())
	must.Eq(t, 0, svc.Queue().Len())
}

func TestService_CompilationUserFailure(t *testing.T) {
	store := newEvalStore()
	svc, worker, scoring, _ := newTestService(t, store)

	svc.Enqueue(compileQop(store))
	svc.Dispatch(context.Background())

	worker.answer(t, func(job *grading.Job) {
		job.Success = true
		job.CompilationSuccess = false
		job.Text = []string{"Compilation failed"}
	})

	must.Eq(t, structs.CompilationOutcomeFail, store.result.CompilationOutcome)
	// No evaluations, straight to scoring.
	must.Eq(t, 0, svc.Queue().Len())
	must.Eq(t, 1, scoring.count())
}

// Infrastructure failures retry up to the bound, then raise an admin
// notification and stop.
func TestService_CompilationInfraRetries(t *testing.T) {
	store := newEvalStore()
	svc, worker, scoring, notified := newTestService(t, store)
	ctx := context.Background()

	svc.Enqueue(compileQop(store))
	for try := 1; try <= structs.MaxCompilationTries; try++ {
		svc.Dispatch(ctx)
		require.Equal(t, 1, worker.pending())
		worker.answer(t, func(job *grading.Job) {
			job.Success = false
			job.Text = []string{"Compilation failed because of a sandbox error"}
		})
		must.Eq(t, try, store.result.CompilationTries)
	}

	// Tries exhausted: nothing requeued, admin told, scoring not.
	must.Eq(t, 0, svc.Queue().Len())
	must.Len(t, 1, *notified)
	must.Eq(t, 0, scoring.count())
	must.Eq(t, structs.CompilationOutcomeUnset, store.result.CompilationOutcome)
}

// A worker that stops answering: the watchdog reclaims the operation,
// tells the worker to quit, and the late result is dropped.
func TestService_WorkerTimeout(t *testing.T) {
	store := newEvalStore()
	scoring := &captureCaller{}
	svc := NewService(store, scoring, time.Nanosecond, nil, hclog.NewNullLogger())
	worker := &fakeWorkerClient{}
	svc.AddWorker(0, worker)
	ctx := context.Background()

	qop := compileQop(store)
	svc.Enqueue(qop)
	svc.Dispatch(ctx)
	require.Equal(t, 1, worker.pending())

	time.Sleep(time.Millisecond)
	for _, lost := range svc.Pool().CheckTimeouts() {
		svc.Queue().PushQueued(lost)
	}

	// The operation is back in the queue and the worker was told to
	// quit.
	must.True(t, svc.Queue().Contains(qop.Operation))
	worker.mu.Lock()
	must.Eq(t, 1, worker.quits)
	worker.mu.Unlock()

	// The hung group finally answers; the result is stale and ignored.
	worker.answer(t, func(job *grading.Job) {
		job.Success = true
		job.CompilationSuccess = true
		job.OutputFiles = map[string]string{"solution": digestOf('f')}
	})
	must.Eq(t, structs.CompilationOutcomeUnset, store.result.CompilationOutcome)
	must.Eq(t, 0, store.saves)
}

func TestService_RPCFailureRequeues(t *testing.T) {
	store := newEvalStore()
	svc, worker, _, _ := newTestService(t, store)

	qop := compileQop(store)
	svc.Enqueue(qop)
	svc.Dispatch(context.Background())

	worker.fail(t, rpc.ErrDisconnected)
	must.True(t, svc.Queue().Contains(qop.Operation))
}

func TestService_Invalidate(t *testing.T) {
	store := newEvalStore()
	svc, _, _, _ := newTestService(t, store)
	ctx := context.Background()

	// A compiled result with one evaluation already in.
	store.result.CompilationOutcome = structs.CompilationOutcomeOK
	store.result.Executables = map[string]string{"solution": digestOf('f')}
	store.result.Evaluations = map[string]*structs.Evaluation{
		"t1": {TestcaseCodename: "t1", Outcome: 1.0},
	}

	// A stale evaluation sits in the queue; invalidation must drop it.
	staleOp := structs.Operation{
		Kind: structs.OperationEvaluate, ObjectID: 1, DatasetID: 2, TestcaseCodename: "t2",
	}
	svc.Queue().Push(staleOp, structs.PriorityMedium, time.Now())

	require.NoError(t, svc.Invalidate(ctx, 1, 2, "compilation"))

	must.False(t, svc.Queue().Contains(staleOp))
	must.Eq(t, structs.CompilationOutcomeUnset, store.result.CompilationOutcome)
	must.MapLen(t, 0, store.result.Evaluations)

	// The store's replacement operation is enqueued.
	must.Eq(t, 1, svc.Queue().Len())
	head, _ := svc.Queue().Peek()
	must.Eq(t, structs.OperationCompile, head.Operation.Kind)
}

func TestService_InvalidateBadLevel(t *testing.T) {
	store := newEvalStore()
	svc, _, _, _ := newTestService(t, store)
	must.Error(t, svc.Invalidate(context.Background(), 1, 2, "score"))
}

func TestService_SweepEnqueuesPending(t *testing.T) {
	store := newEvalStore()
	svc, _, _, _ := newTestService(t, store)

	store.pending = []structs.QueuedOperation{compileQop(store)}
	require.NoError(t, svc.Sweep(context.Background()))
	must.Eq(t, 1, svc.Queue().Len())

	// Sweeping again does not duplicate.
	require.NoError(t, svc.Sweep(context.Background()))
	must.Eq(t, 1, svc.Queue().Len())
}

func TestService_StaleResultDropped(t *testing.T) {
	store := newEvalStore()
	svc, worker, _, _ := newTestService(t, store)
	ctx := context.Background()

	svc.Enqueue(compileQop(store))
	svc.Dispatch(ctx)

	// The result lands in the store behind the scheduler's back (say,
	// through an admin rejudge on another shard).
	store.mu.Lock()
	store.result.CompilationOutcome = structs.CompilationOutcomeFail
	store.mu.Unlock()

	worker.answer(t, func(job *grading.Job) {
		job.Success = true
		job.CompilationSuccess = true
		job.OutputFiles = map[string]string{"solution": digestOf('f')}
	})

	// The stored outcome wins; the in-flight result changed nothing.
	must.Eq(t, structs.CompilationOutcomeFail, store.result.CompilationOutcome)
	must.Eq(t, 0, store.saves)
}
