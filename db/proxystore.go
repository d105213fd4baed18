package db

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gavelms/gavel/proxy"
	"github.com/gavelms/gavel/scoretypes"
)

var _ proxy.Store = (*Store)(nil)

// RankingSnapshot implements proxy.Store. Users are keyed by username
// and teams by code, matching what ranking servers expect; everything
// else is keyed by the stringified database id.
func (s *Store) RankingSnapshot(ctx context.Context, contestID int64) (*proxy.Snapshot, error) {
	snap := &proxy.Snapshot{
		ContestKey: strconv.FormatInt(contestID, 10),
		Tasks:      make(map[string]proxy.TaskEntry),
		Users:      make(map[string]proxy.UserEntry),
		Teams:      make(map[string]proxy.TeamEntry),
	}

	var start, stop time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT name, start_time, stop_time, score_precision
		FROM contests WHERE id = $1`, contestID,
	).Scan(&snap.Contest.Name, &start, &stop, &snap.Contest.ScorePrecision)
	if err != nil {
		return nil, mapError(err)
	}
	snap.Contest.Begin = start.Unix()
	snap.Contest.End = stop.Unix()

	if err := s.snapshotTasks(ctx, contestID, snap); err != nil {
		return nil, err
	}
	if err := s.snapshotUsers(ctx, contestID, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *Store) snapshotTasks(ctx context.Context, contestID int64, snap *proxy.Snapshot) error {
	rows, err := s.pool.Query(ctx, `
		SELECT id, num, name, title, score_mode, score_precision,
		       active_dataset_id
		FROM tasks WHERE contest_id = $1 ORDER BY num`, contestID)
	if err != nil {
		return mapError(err)
	}
	defer rows.Close()

	type taskRow struct {
		id, datasetID int64
		entry         proxy.TaskEntry
	}
	var tasks []taskRow
	for rows.Next() {
		var tr taskRow
		var scoreMode string
		if err := rows.Scan(&tr.id, &tr.entry.Order, &tr.entry.ShortName,
			&tr.entry.Name, &scoreMode, &tr.entry.ScorePrecision,
			&tr.datasetID); err != nil {
			return mapError(err)
		}
		tr.entry.Contest = snap.ContestKey
		tr.entry.ScoreMode = scoreMode
		tasks = append(tasks, tr)
	}
	if err := rows.Err(); err != nil {
		return mapError(err)
	}

	for _, tr := range tasks {
		maxima, err := s.datasetMaxima(ctx, tr.datasetID)
		if err != nil {
			return fmt.Errorf("db: task %d maxima: %w", tr.id, err)
		}
		tr.entry.MaxScore = maxima.Max
		tr.entry.ExtraHeaders = maxima.Headers
		snap.Tasks[strconv.FormatInt(tr.id, 10)] = tr.entry
	}
	return nil
}

// datasetMaxima reconstructs the score type of a dataset to learn its
// maximum score and ranking headers.
func (s *Store) datasetMaxima(ctx context.Context, datasetID int64) (scoretypes.Maxima, error) {
	var name string
	var params []byte
	err := s.pool.QueryRow(ctx, `
		SELECT score_type, score_type_params FROM datasets WHERE id = $1`,
		datasetID,
	).Scan(&name, &params)
	if err != nil {
		return scoretypes.Maxima{}, mapError(err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT codename, public FROM testcases
		WHERE dataset_id = $1 ORDER BY codename`, datasetID)
	if err != nil {
		return scoretypes.Maxima{}, mapError(err)
	}
	defer rows.Close()

	var testcases []scoretypes.Testcase
	for rows.Next() {
		var tc scoretypes.Testcase
		if err := rows.Scan(&tc.Codename, &tc.Public); err != nil {
			return scoretypes.Maxima{}, mapError(err)
		}
		testcases = append(testcases, tc)
	}
	if err := rows.Err(); err != nil {
		return scoretypes.Maxima{}, mapError(err)
	}

	st, err := scoretypes.New(name, params, testcases)
	if err != nil {
		return scoretypes.Maxima{}, err
	}
	return st.MaxScores(), nil
}

func (s *Store) snapshotUsers(ctx context.Context, contestID int64, snap *proxy.Snapshot) error {
	rows, err := s.pool.Query(ctx, `
		SELECT u.username, u.first_name, u.last_name, tm.code, tm.name
		FROM participations p
		JOIN users u ON u.id = p.user_id
		LEFT JOIN teams tm ON tm.id = p.team_id
		WHERE p.contest_id = $1 AND NOT p.hidden`, contestID)
	if err != nil {
		return mapError(err)
	}
	defer rows.Close()

	for rows.Next() {
		var username string
		var entry proxy.UserEntry
		var teamCode, teamName *string
		if err := rows.Scan(&username, &entry.FirstName, &entry.LastName,
			&teamCode, &teamName); err != nil {
			return mapError(err)
		}
		if teamCode != nil {
			entry.Team = *teamCode
			snap.Teams[*teamCode] = proxy.TeamEntry{Name: *teamName}
		}
		snap.Users[username] = entry
	}
	return mapError(rows.Err())
}

// ScoredSubmission implements proxy.Store: the score payload of one
// submission on its task's live dataset. ErrNotFound until it is
// scored.
func (s *Store) ScoredSubmission(ctx context.Context, submissionID int64) (*proxy.ScoredSubmission, error) {
	ss := &proxy.ScoredSubmission{SubmissionID: submissionID}

	var taskID int64
	var submittedAt time.Time
	var score *float64
	var extra []string
	var scoredAt *time.Time
	var tokenID *int64
	err := s.pool.QueryRow(ctx, `
		SELECT u.username, s.task_id, s.submitted_at,
		       r.score, r.ranking_score_details, r.scored_at, tok.id
		FROM submissions s
		JOIN participations p ON p.id = s.participation_id
		JOIN users u ON u.id = p.user_id
		JOIN tasks t ON t.id = s.task_id
		JOIN submission_results r
			ON r.submission_id = s.id AND r.dataset_id = t.active_dataset_id
		LEFT JOIN tokens tok ON tok.submission_id = s.id
		WHERE s.id = $1`, submissionID,
	).Scan(&ss.Submission.User, &taskID, &submittedAt,
		&score, &extra, &scoredAt, &tokenID)
	if err != nil {
		return nil, mapError(err)
	}
	if score == nil || scoredAt == nil {
		return nil, ErrNotFound
	}

	ss.Submission.Task = strconv.FormatInt(taskID, 10)
	ss.Submission.Time = submittedAt.Unix()
	ss.Score = *score
	ss.Tokened = tokenID != nil
	ss.ScoreTime = scoredAt.Unix()
	ss.Extra = extra
	return ss, nil
}
