package db

import (
	"context"
	"time"
)

// PlayToken records a token on a submission. At most one token per
// submission; a second play returns ErrConflict.
func (s *Store) PlayToken(ctx context.Context, submissionID int64, playedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tokens (submission_id, played_at) VALUES ($1, $2)`,
		submissionID, playedAt)
	return mapError(err)
}
