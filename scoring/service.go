package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/gavelms/gavel/rpc"
	"github.com/gavelms/gavel/scoretypes"
	"github.com/gavelms/gavel/structs"
)

// placeholderDetails is stored when a score type blows up on a result;
// admins get one notification and the submission stays visibly broken
// rather than silently unscored.
const placeholderDetails = `["Score details temporarily unavailable."]`

// ScoringContext is everything the service needs to score one
// (submission, dataset) pair, loaded in one store round trip.
type ScoringContext struct {
	Submission *structs.Submission
	Result     *structs.SubmissionResult
	Dataset    *structs.Dataset
	Task       *structs.Task

	// Username identifies the participation for ranking pushes.
	Username string

	// Active reports whether Dataset is the task's live dataset.
	Active bool
}

// Store is the persistence surface of the scoring service.
type Store interface {
	// LoadForScoring fetches the scoring context of a pair.
	LoadForScoring(ctx context.Context, submissionID, datasetID int64) (*ScoringContext, error)

	// SaveScore persists the scoring fields of a result.
	SaveScore(ctx context.Context, result *structs.SubmissionResult) error

	// UnscoredPairs lists (submission, dataset) pairs that are ready
	// for scoring but not scored, for the reconciliation sweep.
	UnscoredPairs(ctx context.Context) ([][2]int64, error)
}

type pairKey struct{ submission, dataset int64 }

// Service is the ScoringService: it turns evaluated submission results
// into scores and pushes live-dataset score changes to the proxy.
type Service struct {
	logger hclog.Logger
	store  Store
	proxy  rpc.Caller

	// notify reaches the admin channel; nil means drop.
	notify func(subject, text string)

	mu     sync.Mutex
	inWork map[pairKey]*sync.Mutex
	refs   map[pairKey]int
}

// NewService builds a scoring service over store, pushing ranking
// updates through proxy.
func NewService(store Store, proxy rpc.Caller, notify func(subject, text string), logger hclog.Logger) *Service {
	return &Service{
		logger: logger.Named("scoring"),
		store:  store,
		proxy:  proxy,
		notify: notify,
		inWork: make(map[pairKey]*sync.Mutex),
		refs:   make(map[pairKey]int),
	}
}

// lockPair serializes scoring per (submission, dataset); different
// pairs proceed concurrently.
func (s *Service) lockPair(key pairKey) func() {
	s.mu.Lock()
	lock, ok := s.inWork[key]
	if !ok {
		lock = &sync.Mutex{}
		s.inWork[key] = lock
	}
	s.refs[key]++
	s.mu.Unlock()

	lock.Lock()
	return func() {
		lock.Unlock()
		s.mu.Lock()
		s.refs[key]--
		if s.refs[key] == 0 {
			delete(s.inWork, key)
			delete(s.refs, key)
		}
		s.mu.Unlock()
	}
}

// RegisterHandlers exposes the service on the RPC fabric.
func (s *Service) RegisterHandlers(srv *rpc.Server) {
	srv.Register("new_evaluation", func(ctx context.Context, args json.RawMessage) (any, error) {
		var in struct {
			SubmissionID int64 `json:"submission_id"`
			DatasetID    int64 `json:"dataset_id"`
		}
		if err := rpc.DecodeArgs(args, &in); err != nil {
			return nil, err
		}
		return nil, s.ScorePair(ctx, in.SubmissionID, in.DatasetID)
	})
	srv.Register("invalidate_submission", func(ctx context.Context, args json.RawMessage) (any, error) {
		var in struct {
			SubmissionID int64 `json:"submission_id"`
			DatasetID    int64 `json:"dataset_id"`
		}
		if err := rpc.DecodeArgs(args, &in); err != nil {
			return nil, err
		}
		return nil, s.ScorePair(ctx, in.SubmissionID, in.DatasetID)
	})
}

// ScorePair scores one (submission, dataset) pair. Idempotent: an
// already-scored pair is left alone.
func (s *Service) ScorePair(ctx context.Context, submissionID, datasetID int64) error {
	defer metrics.MeasureSince([]string{"gavel", "scoring", "score_pair"}, time.Now())
	unlock := s.lockPair(pairKey{submissionID, datasetID})
	defer unlock()

	sctx, err := s.store.LoadForScoring(ctx, submissionID, datasetID)
	if err != nil {
		return fmt.Errorf("scoring: loading (%d,%d): %w", submissionID, datasetID, err)
	}
	result := sctx.Result
	if !result.NeedsScoring() {
		s.logger.Debug("pair does not need scoring",
			"submission", submissionID, "dataset", datasetID,
			"scored", result.Scored())
		return nil
	}

	applyScore(result, s.computeScore(sctx))
	if err := s.store.SaveScore(ctx, result); err != nil {
		return fmt.Errorf("scoring: saving (%d,%d): %w", submissionID, datasetID, err)
	}
	s.logger.Info("scored submission",
		"submission", submissionID, "dataset", datasetID, "score", *result.Score)

	if sctx.Active {
		s.pushToProxy(sctx)
	}
	return nil
}

// computeScore runs the dataset's score type. Any failure inside it,
// error or panic, becomes a placeholder score rather than a stuck
// submission or a dead service.
func (s *Service) computeScore(sctx *ScoringContext) (score scoretypes.Score) {
	// A failed compilation scores zero with no details to compute.
	if sctx.Result.CompilationFailed() {
		return scoretypes.Score{
			Details:       []string{},
			PublicDetails: []string{},
		}
	}

	defer func() {
		if r := recover(); r != nil {
			score = s.scoreFailure(sctx, r)
		}
	}()

	st, err := scoretypes.New(sctx.Dataset.ScoreType, sctx.Dataset.ScoreTypeParams,
		scoretypes.TestcasesFromDataset(sctx.Dataset.Testcases))
	if err != nil {
		return s.scoreFailure(sctx, err)
	}
	score, err = st.ComputeScore(scoretypes.FromResult(sctx.Result))
	if err != nil {
		return s.scoreFailure(sctx, err)
	}
	return score
}

// scoreFailure records a broken score computation: one admin
// notification and a placeholder the contestant can see.
func (s *Service) scoreFailure(sctx *ScoringContext, cause any) scoretypes.Score {
	s.logger.Error("score computation failed",
		"score_type", sctx.Dataset.ScoreType,
		"submission", sctx.Submission.ID,
		"dataset", sctx.Dataset.ID,
		"cause", cause)
	if s.notify != nil {
		s.notify("Score computation failed",
			fmt.Sprintf("score type %s failed on submission %d, dataset %d: %v",
				sctx.Dataset.ScoreType, sctx.Submission.ID, sctx.Dataset.ID, cause))
	}
	return scoretypes.Score{
		Details:       json.RawMessage(placeholderDetails),
		PublicDetails: json.RawMessage(placeholderDetails),
	}
}

func applyScore(result *structs.SubmissionResult, score scoretypes.Score) {
	now := time.Now().UTC()
	details, _ := json.Marshal(score.Details)
	publicDetails, _ := json.Marshal(score.PublicDetails)

	result.Score = &score.Score
	result.ScoreDetails = details
	result.PublicScore = &score.PublicScore
	result.PublicScoreDetails = publicDetails
	result.RankingScoreDetails = score.RankingDetails
	result.ScoredAt = &now
}

// pushToProxy announces a scored live-dataset submission to the
// ranking proxy. Failures are logged, not fatal: the proxy replays
// from the store on reconnect.
func (s *Service) pushToProxy(sctx *ScoringContext) {
	payload := map[string]any{
		"submission_id": sctx.Submission.ID,
		"user":          sctx.Username,
		"task":          sctx.Task.Name,
		"timestamp":     sctx.Submission.Timestamp.Unix(),
		"score":         *sctx.Result.Score,
		"details":       sctx.Result.RankingScoreDetails,
	}
	s.proxy.Go("submission_scored", payload, func(_ json.RawMessage, err error) {
		if err != nil {
			s.logger.Warn("ranking push failed",
				"submission", sctx.Submission.ID, "error", err)
		}
	})
}

// Sweep scores every pair the store reports as ready but unscored; the
// periodic safety net behind lost notifications.
func (s *Service) Sweep(ctx context.Context) error {
	pairs, err := s.store.UnscoredPairs(ctx)
	if err != nil {
		return err
	}
	for _, pair := range pairs {
		if err := s.ScorePair(ctx, pair[0], pair[1]); err != nil {
			s.logger.Error("sweep scoring failed",
				"submission", pair[0], "dataset", pair[1], "error", err)
		}
	}
	if len(pairs) > 0 {
		s.logger.Info("scoring sweep complete", "pairs", len(pairs))
	}
	return nil
}

// RunSweeper scores unscored pairs at the given interval until ctx is
// done.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.Error("scoring sweep failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
