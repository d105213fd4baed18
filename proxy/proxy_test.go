package proxy

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/shoenig/test/must"
	"github.com/stretchr/testify/require"

	"github.com/gavelms/gavel/config"
	"github.com/gavelms/gavel/testutil"
)

type recordedRequest struct {
	method string
	path   string
	body   []byte
}

// rankingServer fakes an external ranking endpoint.
type rankingServer struct {
	*httptest.Server
	mu       sync.Mutex
	requests []recordedRequest
	failures int
}

func newRankingServer(t *testing.T) *rankingServer {
	t.Helper()
	rs := &rankingServer{}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "gavel" || pass != "hunter2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		body, _ := io.ReadAll(r.Body)

		rs.mu.Lock()
		defer rs.mu.Unlock()
		if rs.failures > 0 {
			rs.failures--
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		rs.requests = append(rs.requests, recordedRequest{
			method: r.Method, path: r.URL.Path, body: body,
		})
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(rs.Close)
	return rs
}

func (rs *rankingServer) recorded() []recordedRequest {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([]recordedRequest(nil), rs.requests...)
}

func (rs *rankingServer) waitFor(t *testing.T, n int) []recordedRequest {
	t.Helper()
	var got []recordedRequest
	testutil.WaitForResult(func() (bool, error) {
		got = rs.recorded()
		return len(got) >= n, nil
	}, func(error) { t.Fatalf("ranking saw %d requests, want %d", len(got), n) })
	return got
}

type fakeProxyStore struct {
	snapshot *Snapshot
	scored   map[int64]*ScoredSubmission
}

func (f *fakeProxyStore) RankingSnapshot(context.Context, int64) (*Snapshot, error) {
	return f.snapshot, nil
}

func (f *fakeProxyStore) ScoredSubmission(_ context.Context, id int64) (*ScoredSubmission, error) {
	return f.scored[id], nil
}

func newProxyStore() *fakeProxyStore {
	return &fakeProxyStore{
		snapshot: &Snapshot{
			ContestKey: "1",
			Contest:    ContestEntry{Name: "Regional 2026", Begin: 100, End: 200, ScorePrecision: 2},
			Tasks: map[string]TaskEntry{
				"3": {ShortName: "apples", Name: "Apples", Contest: "1", MaxScore: 100,
					ExtraHeaders: []string{}, ScorePrecision: 2, ScoreMode: "max"},
			},
			Users: map[string]UserEntry{"5": {FirstName: "Ada", LastName: "L.", Team: "it"}},
			Teams: map[string]TeamEntry{"it": {Name: "Italy"}},
		},
		scored: map[int64]*ScoredSubmission{
			9: {
				SubmissionID: 9,
				Submission:   SubmissionEntry{User: "5", Task: "3", Time: 150},
				Score:        75.0,
				ScoreTime:    160,
				Extra:        []string{"75.00"},
			},
		},
	}
}

func newProxyService(t *testing.T, store Store, url string) *Service {
	t.Helper()
	svc, err := NewService(store, 1, []*config.RankingConfig{
		{URL: url, Username: "gavel", Password: "hunter2"},
	}, hclog.NewNullLogger())
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc
}

func TestInitialize(t *testing.T) {
	rs := newRankingServer(t)
	svc := newProxyService(t, newProxyStore(), rs.URL)

	require.NoError(t, svc.Initialize(context.Background()))
	got := rs.waitFor(t, 4)

	must.Eq(t, "PUT", got[0].method)
	must.Eq(t, "/contests/", got[0].path)
	must.Eq(t, "/teams/", got[1].path)
	must.Eq(t, "/users/", got[2].path)
	must.Eq(t, "/tasks/", got[3].path)

	var contests map[string]ContestEntry
	require.NoError(t, json.Unmarshal(got[0].body, &contests))
	must.Eq(t, "Regional 2026", contests["1"].Name)
}

func TestSubmissionScored(t *testing.T) {
	rs := newRankingServer(t)
	svc := newProxyService(t, newProxyStore(), rs.URL)

	require.NoError(t, svc.SubmissionScored(context.Background(), 9))
	got := rs.waitFor(t, 2)

	must.Eq(t, "/submissions/", got[0].path)
	var subs map[string]SubmissionEntry
	require.NoError(t, json.Unmarshal(got[0].body, &subs))
	must.Eq(t, "5", subs["9"].User)

	must.Eq(t, "/subchanges/", got[1].path)
	var changes map[string]Subchange
	require.NoError(t, json.Unmarshal(got[1].body, &changes))
	change := changes["9160"]
	must.Eq(t, "9", change.Submission)
	must.NotNil(t, change.Score)
	must.Eq(t, 75.0, *change.Score)
	must.Eq(t, []string{"75.00"}, change.Extra)
}

func TestSubmissionInvalidated(t *testing.T) {
	rs := newRankingServer(t)
	svc := newProxyService(t, newProxyStore(), rs.URL)

	svc.SubmissionInvalidated(9)
	got := rs.waitFor(t, 1)
	must.Eq(t, "DELETE", got[0].method)
	must.Eq(t, "/submissions/9", got[0].path)
}

// A ranking that errors keeps its queue: delivery resumes, in order,
// once it recovers.
func TestRankingRetries(t *testing.T) {
	rs := newRankingServer(t)
	rs.mu.Lock()
	rs.failures = 1
	rs.mu.Unlock()

	r := newTestRanking(t, rs.URL, "hunter2")

	r.Enqueue(
		operation{method: http.MethodPut, path: "contests/", body: []byte(`{}`)},
		operation{method: http.MethodPut, path: "tasks/", body: []byte(`{}`)},
	)

	got := rs.waitFor(t, 2)
	must.Eq(t, "/contests/", got[0].path)
	must.Eq(t, "/tasks/", got[1].path)
	must.Eq(t, 0, r.Pending())
}

func TestRankingBadAuth(t *testing.T) {
	rs := newRankingServer(t)
	r := newTestRanking(t, rs.URL, "wrong")

	r.Enqueue(operation{method: http.MethodPut, path: "contests/", body: []byte(`{}`)})

	// The operation stays queued; nothing is recorded.
	must.Eq(t, 1, r.Pending())
	r.Close()
	must.Len(t, 0, rs.recorded())
}

// newTestRanking builds a ranking client with millisecond backoff so
// the retry tests stay fast.
func newTestRanking(t *testing.T, url, password string) *Ranking {
	t.Helper()
	r, err := NewRanking(url, "gavel", password, hclog.NewNullLogger(),
		WithBackoff(time.Millisecond, 10*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}
