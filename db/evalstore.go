package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/gavelms/gavel/evalsvc"
	"github.com/gavelms/gavel/structs"
)

// textArray and jsonMap substitute empty values for nil so inserts
// satisfy the NOT NULL columns.
func textArray(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func jsonMap(v map[string]string) map[string]string {
	if v == nil {
		return map[string]string{}
	}
	return v
}

var _ evalsvc.Store = (*Store)(nil)

// operationPriority is the queue band of a freshly generated operation.
// Compilations come first so contestants get compiler feedback quickly;
// user test compilations jump the line because the contestant is
// actively waiting. Background datasets always take the lowest band.
func operationPriority(kind structs.OperationKind, activeDataset bool) int {
	if !activeDataset {
		return structs.PriorityExtraLow
	}
	switch kind {
	case structs.OperationCompile:
		return structs.PriorityHigh
	case structs.OperationUserTestCompile:
		return structs.PriorityExtraHigh
	default:
		return structs.PriorityMedium
	}
}

// JobContext implements evalsvc.Store.
func (s *Store) JobContext(ctx context.Context, op structs.Operation) (*evalsvc.JobContext, error) {
	jc := &evalsvc.JobContext{}

	var taskID int64
	if op.ForSubmission() {
		sub, err := getSubmission(ctx, s.pool, op.ObjectID)
		if err != nil {
			return nil, err
		}
		result, err := getResult(ctx, s.pool, op.ObjectID, op.DatasetID)
		if errors.Is(err, ErrNotFound) {
			// First time the pair is scheduled.
			result = &structs.SubmissionResult{
				SubmissionID: op.ObjectID,
				DatasetID:    op.DatasetID,
			}
		} else if err != nil {
			return nil, err
		}
		jc.Submission, jc.Result = sub, result
		taskID = sub.TaskID
	} else {
		ut, err := getUserTest(ctx, s.pool, op.ObjectID)
		if err != nil {
			return nil, err
		}
		result, err := getUserTestResult(ctx, s.pool, op.ObjectID, op.DatasetID)
		if errors.Is(err, ErrNotFound) {
			result = &structs.UserTestResult{
				UserTestID: op.ObjectID,
				DatasetID:  op.DatasetID,
			}
		} else if err != nil {
			return nil, err
		}
		jc.UserTest, jc.UserTestResult = ut, result
		taskID = ut.TaskID
	}

	task, err := getTask(ctx, s.pool, taskID)
	if err != nil {
		return nil, err
	}
	dataset, err := getDataset(ctx, s.pool, op.DatasetID)
	if err != nil {
		return nil, err
	}
	if dataset.TaskID != task.ID {
		return nil, fmt.Errorf("db: dataset %d does not belong to task %d", dataset.ID, task.ID)
	}
	jc.Task, jc.Dataset = task, dataset
	return jc, nil
}

// SaveResult implements evalsvc.Store. Only the judging columns are
// written; the scoring columns belong to SaveScore.
func (s *Store) SaveResult(ctx context.Context, r *structs.SubmissionResult) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO submission_results (submission_id, dataset_id,
				compilation_outcome, compilation_text, compilation_tries,
				compilation_time, compilation_wall_time, compilation_memory,
				executables, evaluation_outcome, evaluation_tries)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (submission_id, dataset_id) DO UPDATE SET
				compilation_outcome = EXCLUDED.compilation_outcome,
				compilation_text = EXCLUDED.compilation_text,
				compilation_tries = EXCLUDED.compilation_tries,
				compilation_time = EXCLUDED.compilation_time,
				compilation_wall_time = EXCLUDED.compilation_wall_time,
				compilation_memory = EXCLUDED.compilation_memory,
				executables = EXCLUDED.executables,
				evaluation_outcome = EXCLUDED.evaluation_outcome,
				evaluation_tries = EXCLUDED.evaluation_tries`,
			r.SubmissionID, r.DatasetID,
			string(r.CompilationOutcome), textArray(r.CompilationText), r.CompilationTries,
			r.CompilationTime, r.CompilationWallClockTime, r.CompilationMemory,
			jsonMap(r.Executables), string(r.EvaluationOutcome), r.EvaluationTries)
		if err != nil {
			return err
		}
		return saveEvaluations(ctx, tx, r)
	})
}

// saveEvaluations replaces the evaluation rows of a pair with the ones
// the result carries.
func saveEvaluations(ctx context.Context, tx pgx.Tx, r *structs.SubmissionResult) error {
	_, err := tx.Exec(ctx, `
		DELETE FROM evaluations WHERE submission_id = $1 AND dataset_id = $2`,
		r.SubmissionID, r.DatasetID)
	if err != nil {
		return err
	}
	for _, ev := range r.Evaluations {
		_, err := tx.Exec(ctx, `
			INSERT INTO evaluations (submission_id, dataset_id, codename,
				outcome, text, execution_time, wall_time, memory_used)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			r.SubmissionID, r.DatasetID, ev.TestcaseCodename,
			ev.Outcome, textArray(ev.Text), ev.ExecutionTime,
			ev.ExecutionWallClockTime, ev.ExecutionMemory)
		if err != nil {
			return err
		}
	}
	return nil
}

// SaveUserTestResult implements evalsvc.Store.
func (s *Store) SaveUserTestResult(ctx context.Context, r *structs.UserTestResult) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_test_results (user_test_id, dataset_id,
			compilation_outcome, compilation_text, compilation_tries,
			compilation_time, compilation_wall_time, compilation_memory,
			executables, evaluation_outcome, evaluation_tries,
			evaluation_text, output_digest, execution_time, execution_memory)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (user_test_id, dataset_id) DO UPDATE SET
			compilation_outcome = EXCLUDED.compilation_outcome,
			compilation_text = EXCLUDED.compilation_text,
			compilation_tries = EXCLUDED.compilation_tries,
			compilation_time = EXCLUDED.compilation_time,
			compilation_wall_time = EXCLUDED.compilation_wall_time,
			compilation_memory = EXCLUDED.compilation_memory,
			executables = EXCLUDED.executables,
			evaluation_outcome = EXCLUDED.evaluation_outcome,
			evaluation_tries = EXCLUDED.evaluation_tries,
			evaluation_text = EXCLUDED.evaluation_text,
			output_digest = EXCLUDED.output_digest,
			execution_time = EXCLUDED.execution_time,
			execution_memory = EXCLUDED.execution_memory`,
		r.UserTestID, r.DatasetID,
		string(r.CompilationOutcome), textArray(r.CompilationText), r.CompilationTries,
		r.CompilationTime, r.CompilationWallClockTime, r.CompilationMemory,
		jsonMap(r.Executables), string(r.EvaluationOutcome), r.EvaluationTries,
		textArray(r.EvaluationText), r.OutputDigest, r.ExecutionTime, r.ExecutionMemory)
	return mapError(err)
}

// pendingCompilations finds (submission, dataset) pairs on judged
// datasets with no compilation outcome and tries to spare. Pairs never
// scheduled have no result row yet, hence the left join.
const pendingCompilations = `
	SELECT s.id, d.id, s.submitted_at, t.active_dataset_id = d.id
	FROM submissions s
	JOIN tasks t ON t.id = s.task_id
	JOIN datasets d ON d.task_id = t.id
	LEFT JOIN submission_results r
		ON r.submission_id = s.id AND r.dataset_id = d.id
	WHERE (t.active_dataset_id = d.id OR d.autojudge)
	  AND COALESCE(r.compilation_outcome, '') = ''
	  AND COALESCE(r.compilation_tries, 0) < $1`

// pendingEvaluations finds testcases of compiled pairs that have no
// evaluation row yet, with tries to spare.
const pendingEvaluations = `
	SELECT r.submission_id, r.dataset_id, tc.codename, s.submitted_at,
	       t.active_dataset_id = d.id
	FROM submission_results r
	JOIN submissions s ON s.id = r.submission_id
	JOIN datasets d ON d.id = r.dataset_id
	JOIN tasks t ON t.id = d.task_id
	JOIN testcases tc ON tc.dataset_id = d.id
	LEFT JOIN evaluations e
		ON e.submission_id = r.submission_id
		AND e.dataset_id = r.dataset_id
		AND e.codename = tc.codename
	WHERE (t.active_dataset_id = d.id OR d.autojudge)
	  AND r.compilation_outcome = 'ok'
	  AND r.evaluation_outcome = ''
	  AND r.evaluation_tries < $1
	  AND e.codename IS NULL`

const pendingUserTestCompilations = `
	SELECT ut.id, d.id, ut.submitted_at, t.active_dataset_id = d.id
	FROM user_tests ut
	JOIN tasks t ON t.id = ut.task_id
	JOIN datasets d ON d.task_id = t.id
	LEFT JOIN user_test_results r
		ON r.user_test_id = ut.id AND r.dataset_id = d.id
	WHERE t.active_dataset_id = d.id
	  AND COALESCE(r.compilation_outcome, '') = ''
	  AND COALESCE(r.compilation_tries, 0) < $1`

const pendingUserTestEvaluations = `
	SELECT r.user_test_id, r.dataset_id, ut.submitted_at,
	       t.active_dataset_id = d.id
	FROM user_test_results r
	JOIN user_tests ut ON ut.id = r.user_test_id
	JOIN datasets d ON d.id = r.dataset_id
	JOIN tasks t ON t.id = d.task_id
	WHERE t.active_dataset_id = d.id
	  AND r.compilation_outcome = 'ok'
	  AND r.evaluation_outcome = ''
	  AND r.evaluation_tries < $1`

// PendingOperations implements evalsvc.Store: the reconciliation sweep's
// view of everything that should be running right now.
func (s *Store) PendingOperations(ctx context.Context) ([]structs.QueuedOperation, error) {
	var ops []structs.QueuedOperation

	add, err := s.collectPairOps(ctx, structs.OperationCompile, pendingCompilations, structs.MaxCompilationTries)
	if err != nil {
		return nil, err
	}
	ops = append(ops, add...)

	add, err = s.collectTestcaseOps(ctx, pendingEvaluations, structs.MaxEvaluationTries)
	if err != nil {
		return nil, err
	}
	ops = append(ops, add...)

	add, err = s.collectPairOps(ctx, structs.OperationUserTestCompile, pendingUserTestCompilations, structs.MaxUserTestCompilationTries)
	if err != nil {
		return nil, err
	}
	ops = append(ops, add...)

	add, err = s.collectPairOps(ctx, structs.OperationUserTestEvaluate, pendingUserTestEvaluations, structs.MaxUserTestEvaluationTries)
	if err != nil {
		return nil, err
	}
	return append(ops, add...), nil
}

// OperationsForSubmission implements evalsvc.Store.
func (s *Store) OperationsForSubmission(ctx context.Context, submissionID int64) ([]structs.QueuedOperation, error) {
	compiles, err := s.collectPairOps(ctx, structs.OperationCompile,
		pendingCompilations+` AND s.id = $2`, structs.MaxCompilationTries, submissionID)
	if err != nil {
		return nil, err
	}
	evals, err := s.collectTestcaseOps(ctx,
		pendingEvaluations+` AND s.id = $2`, structs.MaxEvaluationTries, submissionID)
	if err != nil {
		return nil, err
	}
	return append(compiles, evals...), nil
}

// OperationsForUserTest implements evalsvc.Store.
func (s *Store) OperationsForUserTest(ctx context.Context, userTestID int64) ([]structs.QueuedOperation, error) {
	compiles, err := s.collectPairOps(ctx, structs.OperationUserTestCompile,
		pendingUserTestCompilations+` AND ut.id = $2`, structs.MaxUserTestCompilationTries, userTestID)
	if err != nil {
		return nil, err
	}
	evals, err := s.collectPairOps(ctx, structs.OperationUserTestEvaluate,
		pendingUserTestEvaluations+` AND ut.id = $2`, structs.MaxUserTestEvaluationTries, userTestID)
	if err != nil {
		return nil, err
	}
	return append(compiles, evals...), nil
}

// collectPairOps runs a (object, dataset, timestamp, active) query and
// turns the rows into operations of the given kind.
func (s *Store) collectPairOps(ctx context.Context, kind structs.OperationKind,
	query string, maxTries int, extra ...any) ([]structs.QueuedOperation, error) {

	args := append([]any{maxTries}, extra...)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var ops []structs.QueuedOperation
	for rows.Next() {
		var qop structs.QueuedOperation
		var active bool
		if err := rows.Scan(&qop.Operation.ObjectID, &qop.Operation.DatasetID,
			&qop.Timestamp, &active); err != nil {
			return nil, mapError(err)
		}
		qop.Operation.Kind = kind
		qop.Priority = operationPriority(kind, active)
		ops = append(ops, qop)
	}
	return ops, mapError(rows.Err())
}

// collectTestcaseOps is collectPairOps for per-testcase evaluation rows.
func (s *Store) collectTestcaseOps(ctx context.Context,
	query string, maxTries int, extra ...any) ([]structs.QueuedOperation, error) {

	args := append([]any{maxTries}, extra...)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var ops []structs.QueuedOperation
	for rows.Next() {
		var qop structs.QueuedOperation
		var active bool
		if err := rows.Scan(&qop.Operation.ObjectID, &qop.Operation.DatasetID,
			&qop.Operation.TestcaseCodename, &qop.Timestamp, &active); err != nil {
			return nil, mapError(err)
		}
		qop.Operation.Kind = structs.OperationEvaluate
		qop.Priority = operationPriority(structs.OperationEvaluate, active)
		ops = append(ops, qop)
	}
	return ops, mapError(rows.Err())
}

// InvalidateResults implements evalsvc.Store. Zero ids widen the scope:
// (0, 0) resets everything, (subID, 0) every dataset of one submission,
// (0, dsID) every submission on one dataset.
func (s *Store) InvalidateResults(ctx context.Context, submissionID, datasetID int64, level string) ([]structs.QueuedOperation, error) {
	var replacements []structs.QueuedOperation

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT r.submission_id, r.dataset_id, s.submitted_at,
			       t.active_dataset_id = d.id
			FROM submission_results r
			JOIN submissions s ON s.id = r.submission_id
			JOIN datasets d ON d.id = r.dataset_id
			JOIN tasks t ON t.id = d.task_id
			WHERE ($1 = 0 OR r.submission_id = $1)
			  AND ($2 = 0 OR r.dataset_id = $2)`, submissionID, datasetID)
		if err != nil {
			return err
		}
		type pair struct {
			submission, dataset int64
			timestamp           time.Time
			active              bool
		}
		var pairs []pair
		for rows.Next() {
			var p pair
			if err := rows.Scan(&p.submission, &p.dataset, &p.timestamp, &p.active); err != nil {
				rows.Close()
				return err
			}
			pairs = append(pairs, p)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, p := range pairs {
			if err := resetResult(ctx, tx, p.submission, p.dataset, level); err != nil {
				return err
			}
			switch level {
			case "compilation":
				replacements = append(replacements, structs.QueuedOperation{
					Operation: structs.Operation{
						Kind:      structs.OperationCompile,
						ObjectID:  p.submission,
						DatasetID: p.dataset,
					},
					Priority:  operationPriority(structs.OperationCompile, p.active),
					Timestamp: p.timestamp,
				})
			case "evaluation":
				evs, err := evaluationOpsForPair(ctx, tx, p.submission, p.dataset, p.timestamp, p.active)
				if err != nil {
					return err
				}
				replacements = append(replacements, evs...)
			default:
				return fmt.Errorf("db: unknown invalidation level %q", level)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return replacements, nil
}

// resetResult clears the stored columns of one pair down to the given
// level, mirroring the invalidation cascade of the result struct.
func resetResult(ctx context.Context, tx pgx.Tx, submissionID, datasetID int64, level string) error {
	var set string
	switch level {
	case "compilation":
		set = `compilation_outcome = '', compilation_text = '{}',
		       compilation_tries = 0, compilation_time = NULL,
		       compilation_wall_time = NULL, compilation_memory = NULL,
		       executables = '{}',
		       evaluation_outcome = '', evaluation_tries = 0,`
	case "evaluation":
		set = `evaluation_outcome = '', evaluation_tries = 0,`
	default:
		return fmt.Errorf("db: unknown invalidation level %q", level)
	}
	_, err := tx.Exec(ctx, `
		UPDATE submission_results SET `+set+`
			score = NULL, score_details = NULL,
			public_score = NULL, public_score_details = NULL,
			ranking_score_details = NULL, scored_at = NULL
		WHERE submission_id = $1 AND dataset_id = $2`, submissionID, datasetID)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		DELETE FROM evaluations WHERE submission_id = $1 AND dataset_id = $2`,
		submissionID, datasetID)
	return err
}

// evaluationOpsForPair generates one evaluate operation per testcase of
// the pair's dataset, for pairs whose compilation still stands.
func evaluationOpsForPair(ctx context.Context, tx pgx.Tx, submissionID, datasetID int64,
	timestamp time.Time, active bool) ([]structs.QueuedOperation, error) {

	var compiled bool
	err := tx.QueryRow(ctx, `
		SELECT compilation_outcome = 'ok' FROM submission_results
		WHERE submission_id = $1 AND dataset_id = $2`, submissionID, datasetID,
	).Scan(&compiled)
	if err != nil {
		return nil, err
	}
	if !compiled {
		return nil, nil
	}

	rows, err := tx.Query(ctx, `
		SELECT codename FROM testcases WHERE dataset_id = $1`, datasetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []structs.QueuedOperation
	for rows.Next() {
		var codename string
		if err := rows.Scan(&codename); err != nil {
			return nil, err
		}
		ops = append(ops, structs.QueuedOperation{
			Operation: structs.Operation{
				Kind:             structs.OperationEvaluate,
				ObjectID:         submissionID,
				DatasetID:        datasetID,
				TestcaseCodename: codename,
			},
			Priority:  operationPriority(structs.OperationEvaluate, active),
			Timestamp: timestamp,
		})
	}
	return ops, rows.Err()
}
