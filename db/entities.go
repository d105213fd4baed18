package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/gavelms/gavel/structs"
)

// querier is the common query surface of the pool and a transaction, so
// the row loaders work inside and outside withTx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func getContest(ctx context.Context, q querier, id int64) (*structs.Contest, error) {
	c := &structs.Contest{}
	var perUserTime *int64
	var timezone string
	err := q.QueryRow(ctx, `
		SELECT id, name, description, languages, start_time, stop_time,
		       timezone, per_user_time, score_precision, ip_autologin,
		       block_hidden, token_settings
		FROM contests WHERE id = $1`, id,
	).Scan(&c.ID, &c.Name, &c.Description, &c.Languages, &c.Start, &c.Stop,
		&timezone, &perUserTime, &c.ScorePrecision, &c.IPAutologin,
		&c.BlockHiddenParticipations, &c.Tokens)
	if err != nil {
		return nil, mapError(err)
	}
	c.Timezone = timezone
	if perUserTime != nil {
		d := time.Duration(*perUserTime)
		c.PerUserTime = &d
	}
	return c, nil
}

func getTask(ctx context.Context, q querier, id int64) (*structs.Task, error) {
	t := &structs.Task{}
	var scoreMode, feedback string
	err := q.QueryRow(ctx, `
		SELECT id, contest_id, num, name, title, statements, attachments,
		       submission_format, score_mode, score_precision,
		       feedback_level, token_settings, active_dataset_id
		FROM tasks WHERE id = $1`, id,
	).Scan(&t.ID, &t.ContestID, &t.Num, &t.Name, &t.Title, &t.Statements,
		&t.Attachments, &t.SubmissionFormat, &scoreMode, &t.ScorePrecision,
		&feedback, &t.Tokens, &t.ActiveDatasetID)
	if err != nil {
		return nil, mapError(err)
	}
	t.ScoreMode = structs.ScoreMode(scoreMode)
	t.FeedbackLevel = structs.FeedbackLevel(feedback)
	return t, nil
}

func getDataset(ctx context.Context, q querier, id int64) (*structs.Dataset, error) {
	d := &structs.Dataset{}
	var taskType, scoreType string
	err := q.QueryRow(ctx, `
		SELECT id, task_id, description, autojudge, time_limit,
		       memory_limit, task_type, task_type_params, score_type,
		       score_type_params, managers
		FROM datasets WHERE id = $1`, id,
	).Scan(&d.ID, &d.TaskID, &d.Description, &d.Autojudge, &d.TimeLimit,
		&d.MemoryLimit, &taskType, &d.TaskTypeParams, &scoreType,
		&d.ScoreTypeParams, &d.Managers)
	if err != nil {
		return nil, mapError(err)
	}
	d.TaskType = taskType
	d.ScoreType = scoreType

	rows, err := q.Query(ctx, `
		SELECT id, dataset_id, codename, public, input_digest, output_digest
		FROM testcases WHERE dataset_id = $1`, id)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	d.Testcases = make(map[string]*structs.Testcase)
	for rows.Next() {
		tc := &structs.Testcase{}
		if err := rows.Scan(&tc.ID, &tc.DatasetID, &tc.Codename, &tc.Public,
			&tc.InputDigest, &tc.OutputDigest); err != nil {
			return nil, mapError(err)
		}
		d.Testcases[tc.Codename] = tc
	}
	return d, mapError(rows.Err())
}

func getSubmission(ctx context.Context, q querier, id int64) (*structs.Submission, error) {
	s := &structs.Submission{}
	var tokenID *int64
	var tokenTime *time.Time
	err := q.QueryRow(ctx, `
		SELECT s.id, s.participation_id, s.task_id, s.submitted_at,
		       s.language, s.files, s.official, s.comment, s.opaque_id,
		       tok.id, tok.played_at
		FROM submissions s
		LEFT JOIN tokens tok ON tok.submission_id = s.id
		WHERE s.id = $1`, id,
	).Scan(&s.ID, &s.ParticipationID, &s.TaskID, &s.Timestamp, &s.Language,
		&s.Files, &s.Official, &s.Comment, &s.OpaqueID, &tokenID, &tokenTime)
	if err != nil {
		return nil, mapError(err)
	}
	if tokenID != nil {
		s.Token = &structs.Token{ID: *tokenID, SubmissionID: s.ID, Timestamp: *tokenTime}
	}
	return s, nil
}

func getUserTest(ctx context.Context, q querier, id int64) (*structs.UserTest, error) {
	ut := &structs.UserTest{}
	err := q.QueryRow(ctx, `
		SELECT id, participation_id, task_id, submitted_at, language,
		       input_digest, files, managers
		FROM user_tests WHERE id = $1`, id,
	).Scan(&ut.ID, &ut.ParticipationID, &ut.TaskID, &ut.Timestamp,
		&ut.Language, &ut.InputDigest, &ut.Files, &ut.Managers)
	if err != nil {
		return nil, mapError(err)
	}
	return ut, nil
}

// getResult loads a submission result with its evaluations. Returns
// ErrNotFound when the pair was never scheduled.
func getResult(ctx context.Context, q querier, submissionID, datasetID int64) (*structs.SubmissionResult, error) {
	r := &structs.SubmissionResult{}
	var compOutcome, evalOutcome string
	err := q.QueryRow(ctx, `
		SELECT submission_id, dataset_id, compilation_outcome,
		       compilation_text, compilation_tries, compilation_time,
		       compilation_wall_time, compilation_memory, executables,
		       evaluation_outcome, evaluation_tries, score, score_details,
		       public_score, public_score_details, ranking_score_details,
		       scored_at
		FROM submission_results
		WHERE submission_id = $1 AND dataset_id = $2`, submissionID, datasetID,
	).Scan(&r.SubmissionID, &r.DatasetID, &compOutcome, &r.CompilationText,
		&r.CompilationTries, &r.CompilationTime, &r.CompilationWallClockTime,
		&r.CompilationMemory, &r.Executables, &evalOutcome,
		&r.EvaluationTries, &r.Score, &r.ScoreDetails, &r.PublicScore,
		&r.PublicScoreDetails, &r.RankingScoreDetails, &r.ScoredAt)
	if err != nil {
		return nil, mapError(err)
	}
	r.CompilationOutcome = structs.CompilationOutcome(compOutcome)
	r.EvaluationOutcome = structs.EvaluationOutcome(evalOutcome)

	rows, err := q.Query(ctx, `
		SELECT codename, outcome, text, execution_time, wall_time, memory_used
		FROM evaluations
		WHERE submission_id = $1 AND dataset_id = $2`, submissionID, datasetID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	r.Evaluations = make(map[string]*structs.Evaluation)
	for rows.Next() {
		ev := &structs.Evaluation{SubmissionID: submissionID, DatasetID: datasetID}
		if err := rows.Scan(&ev.TestcaseCodename, &ev.Outcome, &ev.Text,
			&ev.ExecutionTime, &ev.ExecutionWallClockTime, &ev.ExecutionMemory); err != nil {
			return nil, mapError(err)
		}
		r.Evaluations[ev.TestcaseCodename] = ev
	}
	return r, mapError(rows.Err())
}

func getUserTestResult(ctx context.Context, q querier, userTestID, datasetID int64) (*structs.UserTestResult, error) {
	r := &structs.UserTestResult{}
	var compOutcome, evalOutcome string
	err := q.QueryRow(ctx, `
		SELECT user_test_id, dataset_id, compilation_outcome,
		       compilation_text, compilation_tries, compilation_time,
		       compilation_wall_time, compilation_memory, executables,
		       evaluation_outcome, evaluation_tries, evaluation_text,
		       output_digest, execution_time, execution_memory
		FROM user_test_results
		WHERE user_test_id = $1 AND dataset_id = $2`, userTestID, datasetID,
	).Scan(&r.UserTestID, &r.DatasetID, &compOutcome, &r.CompilationText,
		&r.CompilationTries, &r.CompilationTime, &r.CompilationWallClockTime,
		&r.CompilationMemory, &r.Executables, &evalOutcome,
		&r.EvaluationTries, &r.EvaluationText, &r.OutputDigest,
		&r.ExecutionTime, &r.ExecutionMemory)
	if err != nil {
		return nil, mapError(err)
	}
	r.CompilationOutcome = structs.CompilationOutcome(compOutcome)
	r.EvaluationOutcome = structs.EvaluationOutcome(evalOutcome)
	return r, nil
}
