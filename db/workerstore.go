package db

import (
	"context"

	"github.com/gavelms/gavel/worker"
)

var _ worker.Store = (*Store)(nil)

// ContestFileDigests implements worker.Store: every digest a worker may
// need while judging the contest. UNION deduplicates across sources.
func (s *Store) ContestFileDigests(ctx context.Context, contestID int64) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT (jsonb_each_text(t.statements)).value
			FROM tasks t WHERE t.contest_id = $1
		UNION
		SELECT (jsonb_each_text(t.attachments)).value
			FROM tasks t WHERE t.contest_id = $1
		UNION
		SELECT (jsonb_each_text(d.managers)).value
			FROM datasets d
			JOIN tasks t ON t.id = d.task_id
			WHERE t.contest_id = $1
		UNION
		SELECT tc.input_digest
			FROM testcases tc
			JOIN datasets d ON d.id = tc.dataset_id
			JOIN tasks t ON t.id = d.task_id
			WHERE t.contest_id = $1
		UNION
		SELECT tc.output_digest
			FROM testcases tc
			JOIN datasets d ON d.id = tc.dataset_id
			JOIN tasks t ON t.id = d.task_id
			WHERE t.contest_id = $1
		UNION
		SELECT (jsonb_each_text(s.files)).value
			FROM submissions s
			JOIN tasks t ON t.id = s.task_id
			WHERE t.contest_id = $1
		UNION
		SELECT (jsonb_each_text(ut.files)).value
			FROM user_tests ut
			JOIN tasks t ON t.id = ut.task_id
			WHERE t.contest_id = $1
		UNION
		SELECT ut.input_digest
			FROM user_tests ut
			JOIN tasks t ON t.id = ut.task_id
			WHERE t.contest_id = $1
		ORDER BY 1`, contestID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var digests []string
	for rows.Next() {
		var digest string
		if err := rows.Scan(&digest); err != nil {
			return nil, mapError(err)
		}
		digests = append(digests, digest)
	}
	return digests, mapError(rows.Err())
}
