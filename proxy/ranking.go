// Package proxy runs the ProxyService: it mirrors contest state and
// live scores to external ranking servers over HTTP.
package proxy

import (
	"bytes"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-hclog"
)

// Retry pacing for a ranking that refuses or drops operations. Each
// consecutive failure doubles the wait up to the cap; order is always
// preserved, an operation is never skipped.
const (
	initialBackoff = 2 * time.Second
	maxBackoff     = 2 * time.Minute
)

// operation is one HTTP call owed to a ranking server.
type operation struct {
	method string
	path   string
	body   []byte
}

// Ranking is the client of one external ranking server. Operations are
// queued and delivered in order by a dedicated goroutine, retrying
// until the server takes them; a dead ranking must not stall judging.
type Ranking struct {
	logger   hclog.Logger
	base     *url.URL
	username string
	password string
	client   *http.Client

	// backoff pacing; fields so tests can shrink them.
	backoffInitial time.Duration
	backoffMax     time.Duration

	mu      sync.Mutex
	queue   []operation
	wakeCh  chan struct{}
	stopped bool

	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

// RankingOption mutates a Ranking at construction.
type RankingOption func(*Ranking)

// WithBackoff overrides the retry pacing.
func WithBackoff(initial, max time.Duration) RankingOption {
	return func(r *Ranking) {
		r.backoffInitial = initial
		r.backoffMax = max
	}
}

// NewRanking builds a client for the ranking server at rawURL and
// starts its delivery loop.
func NewRanking(rawURL, username, password string, logger hclog.Logger, opts ...RankingOption) (*Ranking, error) {
	base, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("proxy: bad ranking url %q: %w", rawURL, err)
	}
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = 30 * time.Second
	r := &Ranking{
		logger:         logger.Named("ranking").With("url", rawURL),
		base:           base,
		username:       username,
		password:       password,
		client:         client,
		backoffInitial: initialBackoff,
		backoffMax:     maxBackoff,
		wakeCh:         make(chan struct{}, 1),
		shutdownCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.wg.Add(1)
	go r.run()
	return r, nil
}

// Enqueue appends operations to the delivery queue.
func (r *Ranking) Enqueue(ops ...operation) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.queue = append(r.queue, ops...)
	r.mu.Unlock()

	select {
	case r.wakeCh <- struct{}{}:
	default:
	}
}

// Pending returns the queue depth, for status reporting.
func (r *Ranking) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

func (r *Ranking) run() {
	defer r.wg.Done()
	backoff := r.backoffInitial

	for {
		r.mu.Lock()
		var op *operation
		if len(r.queue) > 0 {
			op = &r.queue[0]
		}
		r.mu.Unlock()

		if op == nil {
			select {
			case <-r.wakeCh:
				continue
			case <-r.shutdownCh:
				return
			}
		}

		if err := r.send(*op); err != nil {
			r.logger.Warn("ranking push failed, will retry",
				"method", op.method, "path", op.path, "backoff", backoff, "error", err)
			select {
			case <-time.After(backoff):
			case <-r.shutdownCh:
				return
			}
			backoff = min(backoff*2, r.backoffMax)
			continue
		}

		backoff = r.backoffInitial
		r.mu.Lock()
		r.queue = r.queue[1:]
		r.mu.Unlock()
	}
}

func (r *Ranking) send(op operation) error {
	target := r.base.JoinPath(op.path)
	req, err := http.NewRequest(op.method, target.String(), bytes.NewReader(op.body))
	if err != nil {
		return err
	}
	req.SetBasicAuth(r.username, r.password)
	if len(op.body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ranking answered %s", resp.Status)
	}
	return nil
}

// Close stops the delivery loop; queued operations are dropped.
func (r *Ranking) Close() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()
	close(r.shutdownCh)
	r.wg.Wait()
}
