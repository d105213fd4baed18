package evalsvc

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-set/v3"

	"github.com/gavelms/gavel/rpc"
	"github.com/gavelms/gavel/structs"
)

// WorkerState is the scheduling state of one worker shard.
type WorkerState string

const (
	// WorkerInactive: connected (or reconnecting) and free for work.
	WorkerInactive WorkerState = "inactive"

	// WorkerBusy: a job group is assigned and outstanding.
	WorkerBusy WorkerState = "busy"

	// WorkerDisabled: taken out of rotation by an admin or the
	// watchdog; its results are dropped until re-enabled.
	WorkerDisabled WorkerState = "disabled"
)

// DefaultWorkerTimeout is how long a worker may sit on a job group
// before the watchdog reclaims its operations.
const DefaultWorkerTimeout = 10 * time.Minute

type worker struct {
	shard  int
	client rpc.Caller

	state WorkerState

	// operations and startTime are meaningful only while busy.
	operations []structs.QueuedOperation
	startTime  time.Time

	// scheduleDisabling defers disabling until the in-flight group
	// resolves; the release transitions to disabled instead of
	// inactive.
	scheduleDisabling bool

	// ignore holds operations whose results must be dropped when (if)
	// the worker eventually reports them.
	ignore *set.Set[structs.Operation]
}

// WorkerStatus is the admin-facing snapshot of one worker.
type WorkerStatus struct {
	Shard      int                       `json:"shard"`
	Connected  bool                      `json:"connected"`
	State      WorkerState               `json:"state"`
	Operations []structs.QueuedOperation `json:"operations,omitempty"`
	Since      *time.Time                `json:"since,omitempty"`
}

// WorkerPool tracks every worker shard's scheduling state. Operations
// handed to Acquire are owned by the pool until Release, a timeout or a
// lost connection gives them back for requeueing.
type WorkerPool struct {
	logger  hclog.Logger
	timeout time.Duration

	mu      sync.Mutex
	workers map[int]*worker

	// free wakes the dispatcher when a worker may have become
	// available.
	free chan struct{}

	// quit is sent to a timed-out worker so it restarts its sandbox
	// instead of finishing a job nobody wants.
	quit func(shard int, reason string)
}

// NewWorkerPool builds an empty pool with the given watchdog timeout
// (zero means DefaultWorkerTimeout).
func NewWorkerPool(timeout time.Duration, quit func(shard int, reason string), logger hclog.Logger) *WorkerPool {
	if timeout <= 0 {
		timeout = DefaultWorkerTimeout
	}
	return &WorkerPool{
		logger:  logger.Named("pool"),
		timeout: timeout,
		workers: make(map[int]*worker),
		free:    make(chan struct{}, 1),
		quit:    quit,
	}
}

// FreeCh receives a tick whenever a worker may have become available.
func (p *WorkerPool) FreeCh() <-chan struct{} { return p.free }

func (p *WorkerPool) signalFree() {
	select {
	case p.free <- struct{}{}:
	default:
	}
}

// Add registers a worker shard with its RPC client.
func (p *WorkerPool) Add(shard int, client rpc.Caller) {
	p.mu.Lock()
	p.workers[shard] = &worker{
		shard:  shard,
		client: client,
		state:  WorkerInactive,
		ignore: set.New[structs.Operation](0),
	}
	p.mu.Unlock()
	p.signalFree()
}

// Client returns the RPC client of a shard.
func (p *WorkerPool) Client(shard int) (rpc.Caller, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[shard]
	if !ok {
		return nil, false
	}
	return w.client, true
}

// Acquire hands the operations to the first inactive connected worker
// and marks it busy. ok is false when no worker is available.
func (p *WorkerPool) Acquire(ops []structs.QueuedOperation) (shard int, client rpc.Caller, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	shards := make([]int, 0, len(p.workers))
	for s := range p.workers {
		shards = append(shards, s)
	}
	sort.Ints(shards)

	for _, s := range shards {
		w := p.workers[s]
		if w.state != WorkerInactive || !w.client.Connected() {
			continue
		}
		w.state = WorkerBusy
		w.operations = append([]structs.QueuedOperation(nil), ops...)
		w.startTime = time.Now()
		return s, w.client, true
	}
	return 0, nil, false
}

// Release returns a busy worker to rotation, completing a deferred
// disable if one is scheduled.
func (p *WorkerPool) Release(shard int) {
	p.mu.Lock()
	w, ok := p.workers[shard]
	if ok && w.state == WorkerBusy {
		w.operations = nil
		if w.scheduleDisabling {
			w.state = WorkerDisabled
			w.scheduleDisabling = false
		} else {
			w.state = WorkerInactive
		}
	}
	wasFreed := ok && w.state == WorkerInactive
	p.mu.Unlock()
	if wasFreed {
		p.signalFree()
	}
}

// ShouldIgnore reports (and consumes) whether a result for the
// operation from this shard must be dropped.
func (p *WorkerPool) ShouldIgnore(shard int, op structs.Operation) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[shard]
	if !ok {
		return true
	}
	return w.ignore.Remove(op)
}

// IsAssigned reports whether the operation is in flight on some busy
// worker.
func (p *WorkerPool) IsAssigned(op structs.Operation) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		if w.state != WorkerBusy {
			continue
		}
		for _, qop := range w.operations {
			if qop.Operation == op {
				return true
			}
		}
	}
	return false
}

// IgnoreWhere marks every in-flight operation matching pred so that its
// result is dropped on arrival, returning how many matched. Used by
// invalidation: the worker keeps running, the result just no longer
// matters.
func (p *WorkerPool) IgnoreWhere(pred func(structs.Operation) bool) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, w := range p.workers {
		if w.state != WorkerBusy {
			continue
		}
		for _, qop := range w.operations {
			if pred(qop.Operation) {
				w.ignore.Insert(qop.Operation)
				n++
			}
		}
	}
	return n
}

// Disable takes a worker out of rotation. A busy worker keeps running
// but its in-flight operations are returned for requeueing and their
// eventual results dropped; the disable completes on release.
func (p *WorkerPool) Disable(shard int) ([]structs.QueuedOperation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[shard]
	if !ok {
		return nil, fmt.Errorf("evalsvc: no worker shard %d", shard)
	}
	switch w.state {
	case WorkerDisabled:
		return nil, nil
	case WorkerInactive:
		w.state = WorkerDisabled
		return nil, nil
	default:
		lost := w.operations
		w.operations = nil
		for _, qop := range lost {
			w.ignore.Insert(qop.Operation)
		}
		w.scheduleDisabling = true
		p.logger.Info("disabling busy worker, reclaiming operations",
			"shard", shard, "operations", len(lost))
		return lost, nil
	}
}

// Enable returns a disabled worker to rotation.
func (p *WorkerPool) Enable(shard int) error {
	p.mu.Lock()
	w, ok := p.workers[shard]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("evalsvc: no worker shard %d", shard)
	}
	if w.state == WorkerDisabled {
		w.state = WorkerInactive
	}
	w.scheduleDisabling = false
	p.mu.Unlock()
	p.signalFree()
	return nil
}

// CheckTimeouts reclaims the operations of workers that have been busy
// longer than the timeout. Each such worker is told to quit, scheduled
// for disabling, and its stale results will be dropped on arrival.
func (p *WorkerPool) CheckTimeouts() []structs.QueuedOperation {
	now := time.Now()
	var lost []structs.QueuedOperation
	var quitShards []int

	p.mu.Lock()
	for shard, w := range p.workers {
		if w.state != WorkerBusy || now.Sub(w.startTime) <= p.timeout {
			continue
		}
		p.logger.Warn("worker timed out, reclaiming operations",
			"shard", shard, "busy_for", now.Sub(w.startTime), "operations", len(w.operations))
		lost = append(lost, w.operations...)
		for _, qop := range w.operations {
			w.ignore.Insert(qop.Operation)
		}
		w.operations = nil
		w.scheduleDisabling = true
		quitShards = append(quitShards, shard)
	}
	p.mu.Unlock()

	if p.quit != nil {
		for _, shard := range quitShards {
			p.quit(shard, "No response in allotted time")
		}
	}
	return lost
}

// CheckConnections reclaims the operations of busy workers whose
// transport has dropped; the results can never arrive, so the worker
// goes straight back to inactive.
func (p *WorkerPool) CheckConnections() []structs.QueuedOperation {
	var lost []structs.QueuedOperation

	p.mu.Lock()
	for shard, w := range p.workers {
		if w.state != WorkerBusy || w.client.Connected() {
			continue
		}
		p.logger.Warn("worker connection lost, reclaiming operations",
			"shard", shard, "operations", len(w.operations))
		lost = append(lost, w.operations...)
		w.operations = nil
		w.state = WorkerInactive
	}
	p.mu.Unlock()

	if len(lost) > 0 {
		p.signalFree()
	}
	return lost
}

// Status returns the admin snapshot of every worker, ordered by shard.
func (p *WorkerPool) Status() []WorkerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	shards := make([]int, 0, len(p.workers))
	for s := range p.workers {
		shards = append(shards, s)
	}
	sort.Ints(shards)

	out := make([]WorkerStatus, 0, len(shards))
	for _, s := range shards {
		w := p.workers[s]
		ws := WorkerStatus{
			Shard:     s,
			Connected: w.client.Connected(),
			State:     w.state,
		}
		if w.state == WorkerBusy {
			ws.Operations = append([]structs.QueuedOperation(nil), w.operations...)
			since := w.startTime
			ws.Since = &since
		}
		out = append(out, ws)
	}
	return out
}
