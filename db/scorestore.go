package db

import (
	"context"

	"github.com/gavelms/gavel/scoring"
	"github.com/gavelms/gavel/structs"
)

var _ scoring.Store = (*Store)(nil)

// LoadForScoring implements scoring.Store.
func (s *Store) LoadForScoring(ctx context.Context, submissionID, datasetID int64) (*scoring.ScoringContext, error) {
	sub, err := getSubmission(ctx, s.pool, submissionID)
	if err != nil {
		return nil, err
	}
	result, err := getResult(ctx, s.pool, submissionID, datasetID)
	if err != nil {
		return nil, err
	}
	task, err := getTask(ctx, s.pool, sub.TaskID)
	if err != nil {
		return nil, err
	}
	dataset, err := getDataset(ctx, s.pool, datasetID)
	if err != nil {
		return nil, err
	}

	var username string
	err = s.pool.QueryRow(ctx, `
		SELECT u.username
		FROM participations p
		JOIN users u ON u.id = p.user_id
		WHERE p.id = $1`, sub.ParticipationID,
	).Scan(&username)
	if err != nil {
		return nil, mapError(err)
	}

	return &scoring.ScoringContext{
		Submission: sub,
		Result:     result,
		Dataset:    dataset,
		Task:       task,
		Username:   username,
		Active:     task.ActiveDatasetID == datasetID,
	}, nil
}

// SaveScore implements scoring.Store: it writes only the scoring
// columns, leaving the judging ones to SaveResult.
func (s *Store) SaveScore(ctx context.Context, r *structs.SubmissionResult) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE submission_results SET
			score = $3, score_details = $4,
			public_score = $5, public_score_details = $6,
			ranking_score_details = $7, scored_at = $8
		WHERE submission_id = $1 AND dataset_id = $2`,
		r.SubmissionID, r.DatasetID,
		r.Score, r.ScoreDetails, r.PublicScore, r.PublicScoreDetails,
		r.RankingScoreDetails, r.ScoredAt)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UnscoredPairs implements scoring.Store: pairs whose judging reached a
// final outcome, compiler rejection included, but that carry no score.
func (s *Store) UnscoredPairs(ctx context.Context) ([][2]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT submission_id, dataset_id
		FROM submission_results
		WHERE (compilation_outcome = 'fail' OR evaluation_outcome = 'ok')
		  AND score IS NULL`)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var pairs [][2]int64
	for rows.Next() {
		var p [2]int64
		if err := rows.Scan(&p[0], &p[1]); err != nil {
			return nil, mapError(err)
		}
		pairs = append(pairs, p)
	}
	return pairs, mapError(rows.Err())
}
