package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/hashicorp/go-hclog"

	"github.com/gavelms/gavel/config"
	"github.com/gavelms/gavel/rpc"
)

// The wire entities of a ranking server. Keys are stringified database
// ids; bodies are maps key -> entity so many rows ride one PUT.

// ContestEntry mirrors a contest.
type ContestEntry struct {
	Name           string `json:"name"`
	Begin          int64  `json:"begin"`
	End            int64  `json:"end"`
	ScorePrecision int    `json:"score_precision"`
}

// TaskEntry mirrors a task.
type TaskEntry struct {
	ShortName      string   `json:"short_name"`
	Name           string   `json:"name"`
	Contest        string   `json:"contest"`
	Order          int      `json:"order"`
	MaxScore       float64  `json:"max_score"`
	ExtraHeaders   []string `json:"extra_headers"`
	ScorePrecision int      `json:"score_precision"`
	ScoreMode      string   `json:"score_mode"`
}

// UserEntry mirrors a participating user.
type UserEntry struct {
	FirstName string `json:"f_name"`
	LastName  string `json:"l_name"`
	Team      string `json:"team,omitempty"`
}

// TeamEntry mirrors a team.
type TeamEntry struct {
	Name string `json:"name"`
}

// SubmissionEntry mirrors one submission.
type SubmissionEntry struct {
	User string `json:"user"`
	Task string `json:"task"`
	Time int64  `json:"time"`
}

// Subchange is a score or token change of a submission.
type Subchange struct {
	Submission string   `json:"submission"`
	Time       int64    `json:"time"`
	Score      *float64 `json:"score,omitempty"`
	Token      *bool    `json:"token,omitempty"`
	Extra      []string `json:"extra,omitempty"`
}

// Snapshot is everything a ranking needs to start serving a contest.
type Snapshot struct {
	ContestKey string
	Contest    ContestEntry
	Tasks      map[string]TaskEntry
	Users      map[string]UserEntry
	Teams      map[string]TeamEntry
}

// ScoredSubmission is the full payload of one score event.
type ScoredSubmission struct {
	SubmissionID int64
	Submission   SubmissionEntry
	Score        float64
	Tokened      bool
	ScoreTime    int64
	Extra        []string
}

// Store is the persistence surface of the proxy service.
type Store interface {
	// RankingSnapshot loads the mirrorable state of a contest.
	RankingSnapshot(ctx context.Context, contestID int64) (*Snapshot, error)

	// ScoredSubmission loads the score payload of one submission.
	ScoredSubmission(ctx context.Context, submissionID int64) (*ScoredSubmission, error)
}

// Service is the ProxyService of one contest.
type Service struct {
	logger    hclog.Logger
	store     Store
	contestID int64
	rankings  []*Ranking
}

// NewService builds the proxy for contestID pushing to the configured
// rankings.
func NewService(store Store, contestID int64, rankings []*config.RankingConfig, logger hclog.Logger) (*Service, error) {
	s := &Service{
		logger:    logger.Named("proxy"),
		store:     store,
		contestID: contestID,
	}
	for _, rc := range rankings {
		r, err := NewRanking(rc.URL, rc.Username, rc.Password, s.logger)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.rankings = append(s.rankings, r)
	}
	return s, nil
}

// Close stops every ranking client.
func (s *Service) Close() {
	for _, r := range s.rankings {
		r.Close()
	}
}

// Pending sums the queue depths across rankings.
func (s *Service) Pending() int {
	n := 0
	for _, r := range s.rankings {
		n += r.Pending()
	}
	return n
}

func (s *Service) broadcast(ops ...operation) {
	for _, r := range s.rankings {
		r.Enqueue(ops...)
	}
}

func putOp(path string, payload any) operation {
	body, _ := json.Marshal(payload)
	return operation{method: http.MethodPut, path: path, body: body}
}

// Initialize pushes the contest, its teams, users and tasks to every
// ranking. Called at startup and whenever an admin asks for a resync.
func (s *Service) Initialize(ctx context.Context) error {
	snap, err := s.store.RankingSnapshot(ctx, s.contestID)
	if err != nil {
		return fmt.Errorf("proxy: loading contest %d: %w", s.contestID, err)
	}

	ops := []operation{
		putOp("contests/", map[string]ContestEntry{snap.ContestKey: snap.Contest}),
	}
	if len(snap.Teams) > 0 {
		ops = append(ops, putOp("teams/", snap.Teams))
	}
	if len(snap.Users) > 0 {
		ops = append(ops, putOp("users/", snap.Users))
	}
	if len(snap.Tasks) > 0 {
		ops = append(ops, putOp("tasks/", snap.Tasks))
	}
	s.broadcast(ops...)
	s.logger.Info("queued contest initialization",
		"contest", snap.ContestKey, "tasks", len(snap.Tasks), "users", len(snap.Users))
	return nil
}

// SubmissionScored pushes a submission and its score change.
func (s *Service) SubmissionScored(ctx context.Context, submissionID int64) error {
	sub, err := s.store.ScoredSubmission(ctx, submissionID)
	if err != nil {
		return fmt.Errorf("proxy: loading submission %d: %w", submissionID, err)
	}
	key := strconv.FormatInt(sub.SubmissionID, 10)
	score := sub.Score
	change := Subchange{
		Submission: key,
		Time:       sub.ScoreTime,
		Score:      &score,
		Extra:      sub.Extra,
	}
	if sub.Tokened {
		tokened := true
		change.Token = &tokened
	}
	s.broadcast(
		putOp("submissions/", map[string]SubmissionEntry{key: sub.Submission}),
		putOp("subchanges/", map[string]Subchange{subchangeKey(key, sub.ScoreTime): change}),
	)
	return nil
}

// SubmissionTokened pushes a token release as a subchange.
func (s *Service) SubmissionTokened(ctx context.Context, submissionID int64, when int64) error {
	sub, err := s.store.ScoredSubmission(ctx, submissionID)
	if err != nil {
		return fmt.Errorf("proxy: loading submission %d: %w", submissionID, err)
	}
	key := strconv.FormatInt(sub.SubmissionID, 10)
	tokened := true
	change := Subchange{
		Submission: key,
		Time:       when,
		Token:      &tokened,
	}
	s.broadcast(
		putOp("submissions/", map[string]SubmissionEntry{key: sub.Submission}),
		putOp("subchanges/", map[string]Subchange{subchangeKey(key, when): change}),
	)
	return nil
}

// SubmissionInvalidated deletes a submission from the rankings; they
// drop its subchanges with it.
func (s *Service) SubmissionInvalidated(submissionID int64) {
	key := strconv.FormatInt(submissionID, 10)
	s.broadcast(operation{method: http.MethodDelete, path: "submissions/" + key})
}

// subchangeKey makes the change id unique per (submission, time) so a
// rescore overwrites rather than duplicates.
func subchangeKey(submissionKey string, when int64) string {
	return fmt.Sprintf("%s%d", submissionKey, when)
}

// RegisterHandlers exposes the service on the RPC fabric.
func (s *Service) RegisterHandlers(srv *rpc.Server) {
	srv.Register("submission_scored", func(ctx context.Context, args json.RawMessage) (any, error) {
		var in struct {
			SubmissionID int64 `json:"submission_id"`
		}
		if err := rpc.DecodeArgs(args, &in); err != nil {
			return nil, err
		}
		return nil, s.SubmissionScored(ctx, in.SubmissionID)
	})

	srv.Register("submission_tokened", func(ctx context.Context, args json.RawMessage) (any, error) {
		var in struct {
			SubmissionID int64 `json:"submission_id"`
			Timestamp    int64 `json:"timestamp"`
		}
		if err := rpc.DecodeArgs(args, &in); err != nil {
			return nil, err
		}
		return nil, s.SubmissionTokened(ctx, in.SubmissionID, in.Timestamp)
	})

	srv.Register("invalidate_submission", func(_ context.Context, args json.RawMessage) (any, error) {
		var in struct {
			SubmissionID int64 `json:"submission_id"`
		}
		if err := rpc.DecodeArgs(args, &in); err != nil {
			return nil, err
		}
		s.SubmissionInvalidated(in.SubmissionID)
		return nil, nil
	})

	srv.Register("dataset_updated", func(ctx context.Context, args json.RawMessage) (any, error) {
		// The live dataset changed: the task row (max score, headers)
		// may have too, so replay the initialization.
		return nil, s.Initialize(ctx)
	})
}
