package evalsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/gavelms/gavel/grading"
	"github.com/gavelms/gavel/rpc"
	"github.com/gavelms/gavel/structs"
)

// maxJobsPerGroup bounds how many operations ride in one worker RPC.
// Only operations sharing a short key (same kind, object and dataset)
// are bundled, so a group shares its compilation context.
const maxJobsPerGroup = 25

// watchdogInterval is how often busy workers are checked for timeouts
// and dead connections.
const watchdogInterval = 10 * time.Second

// JobContext is everything needed to build the job of an operation and
// write its result back. Exactly one of Submission and UserTest is set,
// matching the operation kind.
type JobContext struct {
	Submission *structs.Submission
	Result     *structs.SubmissionResult

	UserTest       *structs.UserTest
	UserTestResult *structs.UserTestResult

	Task    *structs.Task
	Dataset *structs.Dataset
}

// Store is the persistence surface of the evaluation service.
type Store interface {
	// JobContext loads the context of an operation.
	JobContext(ctx context.Context, op structs.Operation) (*JobContext, error)

	// SaveResult persists the judging fields of a submission result.
	SaveResult(ctx context.Context, result *structs.SubmissionResult) error

	// SaveUserTestResult persists the judging fields of a user test
	// result.
	SaveUserTestResult(ctx context.Context, result *structs.UserTestResult) error

	// PendingOperations lists every operation that should be running
	// but has no final outcome, excluding those whose tries are
	// exhausted; the reconciliation sweep re-enqueues them.
	PendingOperations(ctx context.Context) ([]structs.QueuedOperation, error)

	// OperationsForSubmission lists the operations a submission needs
	// right now (a compilation, or the missing evaluations).
	OperationsForSubmission(ctx context.Context, submissionID int64) ([]structs.QueuedOperation, error)

	// OperationsForUserTest is OperationsForSubmission for user tests.
	OperationsForUserTest(ctx context.Context, userTestID int64) ([]structs.QueuedOperation, error)

	// InvalidateResults resets stored results in the given scope (zero
	// ids match everything) at the given level ("compilation" or
	// "evaluation") and returns the operations to re-enqueue.
	InvalidateResults(ctx context.Context, submissionID, datasetID int64, level string) ([]structs.QueuedOperation, error)
}

// Service is the EvaluationService: it owns the operation queue and the
// worker pool, assigns job groups to workers, writes results back, and
// keeps the database and the queue reconciled.
type Service struct {
	logger hclog.Logger
	store  Store
	queue  *Queue
	pool   *WorkerPool

	// scoring is the ScoringService client, told whenever a result
	// becomes scoreable.
	scoring rpc.Caller

	// notify reaches the admin channel; nil means drop.
	notify func(subject, text string)

	shutdownCh chan struct{}
}

// NewService builds an evaluation service. workerTimeout zero means
// DefaultWorkerTimeout.
func NewService(store Store, scoring rpc.Caller, workerTimeout time.Duration,
	notify func(subject, text string), logger hclog.Logger) *Service {

	s := &Service{
		logger:     logger.Named("evalsvc"),
		store:      store,
		queue:      NewQueue(),
		scoring:    scoring,
		notify:     notify,
		shutdownCh: make(chan struct{}),
	}
	s.pool = NewWorkerPool(workerTimeout, s.quitWorker, s.logger)
	return s
}

// Queue exposes the operation queue, mainly to tests and admin code.
func (s *Service) Queue() *Queue { return s.queue }

// Pool exposes the worker pool.
func (s *Service) Pool() *WorkerPool { return s.pool }

// AddWorker registers a worker shard.
func (s *Service) AddWorker(shard int, client rpc.Caller) {
	s.pool.Add(shard, client)
}

// quitWorker tells a timed-out worker to restart itself.
func (s *Service) quitWorker(shard int, reason string) {
	client, ok := s.pool.Client(shard)
	if !ok {
		return
	}
	client.Go("quit", map[string]any{"reason": reason}, func(_ json.RawMessage, err error) {
		if err != nil {
			s.logger.Debug("quit rpc failed", "shard", shard, "error", err)
		}
	})
}

// Enqueue adds an operation; a duplicate push is a no-op.
func (s *Service) Enqueue(qop structs.QueuedOperation) bool {
	if s.pool.IsAssigned(qop.Operation) {
		return false
	}
	ok := s.queue.PushQueued(qop)
	if ok {
		metrics.IncrCounter([]string{"gavel", "evalsvc", "enqueued"}, 1)
	}
	return ok
}

// RegisterHandlers exposes the service on the RPC fabric.
func (s *Service) RegisterHandlers(srv *rpc.Server) {
	srv.Register("new_submission", func(ctx context.Context, args json.RawMessage) (any, error) {
		var in struct {
			SubmissionID int64 `json:"submission_id"`
		}
		if err := rpc.DecodeArgs(args, &in); err != nil {
			return nil, err
		}
		ops, err := s.store.OperationsForSubmission(ctx, in.SubmissionID)
		if err != nil {
			return nil, err
		}
		for _, qop := range ops {
			s.Enqueue(qop)
		}
		return nil, nil
	})

	srv.Register("new_user_test", func(ctx context.Context, args json.RawMessage) (any, error) {
		var in struct {
			UserTestID int64 `json:"user_test_id"`
		}
		if err := rpc.DecodeArgs(args, &in); err != nil {
			return nil, err
		}
		ops, err := s.store.OperationsForUserTest(ctx, in.UserTestID)
		if err != nil {
			return nil, err
		}
		for _, qop := range ops {
			s.Enqueue(qop)
		}
		return nil, nil
	})

	srv.Register("invalidate_submission", func(ctx context.Context, args json.RawMessage) (any, error) {
		var in struct {
			SubmissionID int64  `json:"submission_id"`
			DatasetID    int64  `json:"dataset_id"`
			Level        string `json:"level"`
		}
		if err := rpc.DecodeArgs(args, &in); err != nil {
			return nil, err
		}
		return nil, s.Invalidate(ctx, in.SubmissionID, in.DatasetID, in.Level)
	})

	srv.Register("queue_status", func(context.Context, json.RawMessage) (any, error) {
		return s.queue.Status(), nil
	})

	srv.Register("workers_status", func(context.Context, json.RawMessage) (any, error) {
		return s.pool.Status(), nil
	})

	srv.Register("disable_worker", func(_ context.Context, args json.RawMessage) (any, error) {
		var in struct {
			Shard int `json:"shard"`
		}
		if err := rpc.DecodeArgs(args, &in); err != nil {
			return nil, err
		}
		lost, err := s.pool.Disable(in.Shard)
		if err != nil {
			return nil, err
		}
		for _, qop := range lost {
			s.queue.PushQueued(qop)
		}
		return nil, nil
	})

	srv.Register("enable_worker", func(_ context.Context, args json.RawMessage) (any, error) {
		var in struct {
			Shard int `json:"shard"`
		}
		if err := rpc.DecodeArgs(args, &in); err != nil {
			return nil, err
		}
		return nil, s.pool.Enable(in.Shard)
	})
}

// Run drives the dispatcher, the watchdog and the reconciliation sweep
// until ctx is done.
func (s *Service) Run(ctx context.Context, sweepInterval time.Duration) {
	watchdog := time.NewTicker(watchdogInterval)
	defer watchdog.Stop()
	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()

	if err := s.Sweep(ctx); err != nil {
		s.logger.Error("initial sweep failed", "error", err)
	}

	for {
		s.Dispatch(ctx)
		select {
		case <-s.queue.WaitCh():
		case <-s.pool.FreeCh():
		case <-watchdog.C:
			for _, qop := range s.pool.CheckTimeouts() {
				s.queue.PushQueued(qop)
			}
			for _, qop := range s.pool.CheckConnections() {
				s.queue.PushQueued(qop)
			}
		case <-sweep.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.Error("sweep failed", "error", err)
			}
		case <-ctx.Done():
			return
		case <-s.shutdownCh:
			return
		}
	}
}

// Shutdown stops Run.
func (s *Service) Shutdown() { close(s.shutdownCh) }

// Dispatch assigns as much queued work as the pool can take right now.
func (s *Service) Dispatch(ctx context.Context) {
	for {
		if !s.dispatchOne(ctx) {
			return
		}
	}
}

// dispatchOne pops one batch and hands it to a worker, reporting
// whether it managed to assign anything.
func (s *Service) dispatchOne(ctx context.Context) bool {
	first, ok := s.queue.Pop()
	if !ok {
		return false
	}
	batch := []structs.QueuedOperation{first}
	for len(batch) < maxJobsPerGroup {
		next, ok := s.queue.Peek()
		if !ok || next.Operation.ShortKey() != first.Operation.ShortKey() {
			break
		}
		qop, _ := s.queue.Pop()
		batch = append(batch, qop)
	}

	shard, client, ok := s.pool.Acquire(batch)
	if !ok {
		// No worker free; put the batch back and wait.
		for _, qop := range batch {
			s.queue.PushQueued(qop)
		}
		return false
	}

	group, err := s.buildGroup(ctx, batch)
	if err != nil || len(group.Jobs) == 0 {
		if err != nil {
			s.logger.Error("building job group failed", "error", err,
				"operation", first.Operation.String())
		}
		s.pool.Release(shard)
		return true
	}

	s.logger.Debug("assigning job group", "shard", shard, "jobs", len(group.Jobs),
		"operation", first.Operation.String())
	metrics.IncrCounter([]string{"gavel", "evalsvc", "assigned"}, float32(len(group.Jobs)))

	client.Go("execute_job_group", group, func(data json.RawMessage, err error) {
		s.groupFinished(shard, batch, data, err)
	})
	return true
}

// buildGroup turns a batch of operations into worker jobs. Operations
// whose context is gone (object deleted, result already final) are
// silently dropped.
func (s *Service) buildGroup(ctx context.Context, batch []structs.QueuedOperation) (grading.JobGroup, error) {
	var group grading.JobGroup
	for _, qop := range batch {
		job, ok, err := s.buildJob(ctx, qop.Operation)
		if err != nil {
			return grading.JobGroup{}, err
		}
		if ok {
			group.Jobs = append(group.Jobs, job)
		}
	}
	return group, nil
}

func (s *Service) buildJob(ctx context.Context, op structs.Operation) (grading.Job, bool, error) {
	jc, err := s.store.JobContext(ctx, op)
	if err != nil {
		return grading.Job{}, false, fmt.Errorf("evalsvc: loading context of %s: %w", op, err)
	}
	switch op.Kind {
	case structs.OperationCompile:
		if jc.Result.Compiled() {
			return grading.Job{}, false, nil
		}
		return grading.NewCompileJob(jc.Submission, jc.Task, jc.Dataset), true, nil
	case structs.OperationEvaluate:
		if !jc.Result.CompilationSucceeded() {
			return grading.Job{}, false, nil
		}
		if _, done := jc.Result.Evaluations[op.TestcaseCodename]; done {
			return grading.Job{}, false, nil
		}
		job, err := grading.NewEvaluateJob(jc.Submission, jc.Result, jc.Task, jc.Dataset, op.TestcaseCodename)
		if err != nil {
			return grading.Job{}, false, err
		}
		return job, true, nil
	case structs.OperationUserTestCompile:
		if jc.UserTestResult.Compiled() {
			return grading.Job{}, false, nil
		}
		return grading.NewUserTestCompileJob(jc.UserTest, jc.Task, jc.Dataset), true, nil
	case structs.OperationUserTestEvaluate:
		if !jc.UserTestResult.CompilationSucceeded() || jc.UserTestResult.Evaluated() {
			return grading.Job{}, false, nil
		}
		return grading.NewUserTestEvaluateJob(jc.UserTest, jc.UserTestResult, jc.Task, jc.Dataset), true, nil
	default:
		return grading.Job{}, false, fmt.Errorf("evalsvc: unknown operation kind %q", op.Kind)
	}
}

// groupFinished is the completion callback of a worker RPC.
func (s *Service) groupFinished(shard int, batch []structs.QueuedOperation, data json.RawMessage, rpcErr error) {
	// Release first: requeued operations must not look assigned, and
	// the ignore marks survive the release.
	s.pool.Release(shard)

	if rpcErr != nil {
		s.logger.Warn("job group rpc failed, requeueing",
			"shard", shard, "jobs", len(batch), "error", rpcErr)
		for _, qop := range batch {
			if s.pool.ShouldIgnore(shard, qop.Operation) {
				continue
			}
			s.queue.PushQueued(qop)
		}
		return
	}

	var group grading.JobGroup
	if err := json.Unmarshal(data, &group); err != nil {
		s.logger.Error("undecodable job group result", "shard", shard, "error", err)
		return
	}

	byOp := make(map[structs.Operation]structs.QueuedOperation, len(batch))
	for _, qop := range batch {
		byOp[qop.Operation] = qop
	}

	ctx := context.Background()
	for i := range group.Jobs {
		job := &group.Jobs[i]
		if s.pool.ShouldIgnore(shard, job.Operation) {
			s.logger.Info("dropping ignored result",
				"shard", shard, "operation", job.Operation.String())
			continue
		}
		qop, known := byOp[job.Operation]
		if !known {
			s.logger.Warn("result for unassigned operation",
				"shard", shard, "operation", job.Operation.String())
			continue
		}
		if err := s.writeBack(ctx, qop, job); err != nil {
			s.logger.Error("result write-back failed",
				"operation", job.Operation.String(), "error", err)
		}
	}
}

// writeBack persists one job result and triggers whatever follows from
// it: evaluations after a compilation, scoring after the last
// evaluation, a retry after an infrastructure failure.
func (s *Service) writeBack(ctx context.Context, qop structs.QueuedOperation, job *grading.Job) error {
	jc, err := s.store.JobContext(ctx, job.Operation)
	if err != nil {
		return err
	}
	switch job.Operation.Kind {
	case structs.OperationCompile:
		return s.compilationEnded(ctx, qop, job, jc)
	case structs.OperationEvaluate:
		return s.evaluationEnded(ctx, qop, job, jc)
	case structs.OperationUserTestCompile:
		return s.userTestCompilationEnded(ctx, qop, job, jc)
	case structs.OperationUserTestEvaluate:
		return s.userTestEvaluationEnded(ctx, qop, job, jc)
	default:
		return fmt.Errorf("evalsvc: unknown operation kind %q", job.Operation.Kind)
	}
}

func (s *Service) compilationEnded(ctx context.Context, qop structs.QueuedOperation,
	job *grading.Job, jc *JobContext) error {

	result := jc.Result
	if result.Compiled() {
		// Raced with another result; the stored one wins.
		return nil
	}

	if !job.Success {
		result.CompilationTries++
		if err := s.store.SaveResult(ctx, result); err != nil {
			return err
		}
		s.retryOrGiveUp(qop, result.CompilationTries, structs.MaxCompilationTries, "compilation")
		return nil
	}

	result.CompilationText = job.Text
	applyCompilationStats(result, job.Stats)
	if job.CompilationSuccess {
		result.CompilationOutcome = structs.CompilationOutcomeOK
		result.Executables = job.OutputFiles
	} else {
		result.CompilationOutcome = structs.CompilationOutcomeFail
	}
	if err := s.store.SaveResult(ctx, result); err != nil {
		return err
	}
	s.logger.Info("compilation ended",
		"submission", result.SubmissionID, "dataset", result.DatasetID,
		"outcome", result.CompilationOutcome)

	if job.CompilationSuccess {
		for codename := range jc.Dataset.Testcases {
			s.Enqueue(structs.QueuedOperation{
				Operation: structs.Operation{
					Kind:             structs.OperationEvaluate,
					ObjectID:         result.SubmissionID,
					DatasetID:        result.DatasetID,
					TestcaseCodename: codename,
				},
				Priority:  structs.PriorityMedium,
				Timestamp: jc.Submission.Timestamp,
			})
		}
	} else {
		// A failed compilation is final: the pair is ready for scoring.
		s.notifyScoring(result.SubmissionID, result.DatasetID)
	}
	return nil
}

func (s *Service) evaluationEnded(ctx context.Context, qop structs.QueuedOperation,
	job *grading.Job, jc *JobContext) error {

	result := jc.Result
	if !result.CompilationSucceeded() || result.Evaluated() {
		// Invalidated or completed while the job was in flight.
		return nil
	}
	codename := job.Operation.TestcaseCodename
	if _, done := result.Evaluations[codename]; done {
		return nil
	}

	if !job.Success {
		result.EvaluationTries++
		if err := s.store.SaveResult(ctx, result); err != nil {
			return err
		}
		s.retryOrGiveUp(qop, result.EvaluationTries, structs.MaxEvaluationTries, "evaluation")
		return nil
	}

	if result.Evaluations == nil {
		result.Evaluations = make(map[string]*structs.Evaluation)
	}
	eval := &structs.Evaluation{
		SubmissionID:     result.SubmissionID,
		DatasetID:        result.DatasetID,
		TestcaseCodename: codename,
		Text:             job.Text,
	}
	if job.Outcome != nil {
		eval.Outcome = *job.Outcome
	}
	if job.Stats != nil {
		eval.ExecutionTime = &job.Stats.CPUTime
		eval.ExecutionWallClockTime = &job.Stats.WallTime
		eval.ExecutionMemory = &job.Stats.Memory
	}
	result.Evaluations[codename] = eval

	complete := result.SetEvaluationOutcome(jc.Dataset)
	if err := s.store.SaveResult(ctx, result); err != nil {
		return err
	}
	if complete {
		s.logger.Info("evaluation complete",
			"submission", result.SubmissionID, "dataset", result.DatasetID,
			"testcases", len(result.Evaluations))
		s.notifyScoring(result.SubmissionID, result.DatasetID)
	}
	return nil
}

func (s *Service) userTestCompilationEnded(ctx context.Context, qop structs.QueuedOperation,
	job *grading.Job, jc *JobContext) error {

	result := jc.UserTestResult
	if result.Compiled() {
		return nil
	}

	if !job.Success {
		result.CompilationTries++
		if err := s.store.SaveUserTestResult(ctx, result); err != nil {
			return err
		}
		s.retryOrGiveUp(qop, result.CompilationTries, structs.MaxUserTestCompilationTries, "user test compilation")
		return nil
	}

	result.CompilationText = job.Text
	if job.Stats != nil {
		result.CompilationTime = &job.Stats.CPUTime
		result.CompilationWallClockTime = &job.Stats.WallTime
		result.CompilationMemory = &job.Stats.Memory
	}
	if job.CompilationSuccess {
		result.CompilationOutcome = structs.CompilationOutcomeOK
		result.Executables = job.OutputFiles
	} else {
		result.CompilationOutcome = structs.CompilationOutcomeFail
	}
	if err := s.store.SaveUserTestResult(ctx, result); err != nil {
		return err
	}

	if job.CompilationSuccess {
		s.Enqueue(structs.QueuedOperation{
			Operation: structs.Operation{
				Kind:      structs.OperationUserTestEvaluate,
				ObjectID:  result.UserTestID,
				DatasetID: result.DatasetID,
			},
			Priority:  structs.PriorityMedium,
			Timestamp: jc.UserTest.Timestamp,
		})
	}
	return nil
}

func (s *Service) userTestEvaluationEnded(ctx context.Context, qop structs.QueuedOperation,
	job *grading.Job, jc *JobContext) error {

	result := jc.UserTestResult
	if !result.CompilationSucceeded() || result.Evaluated() {
		return nil
	}

	if !job.Success {
		result.EvaluationTries++
		if err := s.store.SaveUserTestResult(ctx, result); err != nil {
			return err
		}
		s.retryOrGiveUp(qop, result.EvaluationTries, structs.MaxUserTestEvaluationTries, "user test evaluation")
		return nil
	}

	result.EvaluationOutcome = structs.EvaluationOutcomeOK
	result.EvaluationText = job.Text
	if digest, ok := job.OutputFiles["output.txt"]; ok {
		result.OutputDigest = &digest
	}
	if job.Stats != nil {
		result.ExecutionTime = &job.Stats.CPUTime
		result.ExecutionMemory = &job.Stats.Memory
	}
	return s.store.SaveUserTestResult(ctx, result)
}

// retryOrGiveUp requeues an infrastructure failure while tries remain,
// and raises an admin notification once they run out.
func (s *Service) retryOrGiveUp(qop structs.QueuedOperation, tries, max int, what string) {
	if tries < max {
		s.logger.Warn("retrying after infrastructure failure",
			"operation", qop.Operation.String(), "tries", tries)
		s.Enqueue(qop)
		return
	}
	s.logger.Error("giving up after repeated infrastructure failures",
		"operation", qop.Operation.String(), "tries", tries)
	if s.notify != nil {
		s.notify(fmt.Sprintf("Maximum tries reached for %s", what),
			fmt.Sprintf("%s failed %d times and will not be retried; "+
				"check the workers and invalidate to reschedule", qop.Operation, tries))
	}
}

// notifyScoring tells the ScoringService a pair became scoreable. A
// failure is tolerable: the scoring sweep will catch the pair.
func (s *Service) notifyScoring(submissionID, datasetID int64) {
	payload := map[string]any{
		"submission_id": submissionID,
		"dataset_id":    datasetID,
	}
	s.scoring.Go("new_evaluation", payload, func(_ json.RawMessage, err error) {
		if err != nil {
			s.logger.Warn("scoring notification failed",
				"submission", submissionID, "dataset", datasetID, "error", err)
		}
	})
}

// Invalidate resets judging state in the given scope and reschedules
// the affected operations. Queued operations in scope are dropped and
// in-flight ones are marked ignored, so a stale result can never land
// on top of the reset.
func (s *Service) Invalidate(ctx context.Context, submissionID, datasetID int64, level string) error {
	if level != "compilation" && level != "evaluation" {
		return fmt.Errorf("evalsvc: unknown invalidation level %q", level)
	}

	inScope := func(op structs.Operation) bool {
		if !op.ForSubmission() {
			return false
		}
		if submissionID != 0 && op.ObjectID != submissionID {
			return false
		}
		if datasetID != 0 && op.DatasetID != datasetID {
			return false
		}
		return true
	}

	dropped := 0
	for _, qop := range s.queue.Status() {
		if inScope(qop.Operation) && s.queue.Remove(qop.Operation) {
			dropped++
		}
	}
	ignored := s.pool.IgnoreWhere(inScope)

	ops, err := s.store.InvalidateResults(ctx, submissionID, datasetID, level)
	if err != nil {
		return err
	}
	for _, qop := range ops {
		s.Enqueue(qop)
	}
	s.logger.Info("invalidated",
		"submission", submissionID, "dataset", datasetID, "level", level,
		"dropped", dropped, "ignored", ignored, "rescheduled", len(ops))
	return nil
}

// Sweep reconciles the queue with the database: any operation the store
// reports as pending that is neither queued nor in flight is enqueued.
// The safety net behind lost notifications and crashed restarts.
func (s *Service) Sweep(ctx context.Context) error {
	ops, err := s.store.PendingOperations(ctx)
	if err != nil {
		return err
	}
	added := 0
	for _, qop := range ops {
		if s.pool.IsAssigned(qop.Operation) {
			continue
		}
		if s.queue.PushQueued(qop) {
			added++
		}
	}
	if added > 0 {
		s.logger.Info("sweep enqueued missing operations", "count", added)
	}
	return nil
}

func applyCompilationStats(result *structs.SubmissionResult, stats *grading.ExecutionStats) {
	if stats == nil {
		return
	}
	result.CompilationTime = &stats.CPUTime
	result.CompilationWallClockTime = &stats.WallTime
	result.CompilationMemory = &stats.Memory
}
