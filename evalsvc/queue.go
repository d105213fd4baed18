// Package evalsvc is the EvaluationService: the authoritative queue of
// compile and evaluate operations, the worker pool that executes them,
// and the scheduler that connects the two.
package evalsvc

import (
	"container/heap"
	"sort"
	"sync"
	"time"

	"github.com/gavelms/gavel/structs"
)

type queueItem struct {
	op        structs.Operation
	priority  int
	timestamp time.Time

	// seq breaks exact ties so insertion order is stable.
	seq uint64

	// index is the heap slot, maintained by the heap interface.
	index int
}

type queueHeap []*queueItem

func (h queueHeap) Len() int { return len(h) }

func (h queueHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	if !h[i].timestamp.Equal(h[j].timestamp) {
		return h[i].timestamp.Before(h[j].timestamp)
	}
	return h[i].seq < h[j].seq
}

func (h queueHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *queueHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *queueHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Queue is the pending-operation priority queue: lower priority number
// and older timestamp first, FIFO within a band. Membership is O(1)
// through a reverse index, and pushing an operation already present is
// a no-op.
type Queue struct {
	mu    sync.Mutex
	heap  queueHeap
	index map[structs.Operation]*queueItem
	seq   uint64

	// signal wakes the dispatcher; capacity one, a wakeup is never
	// owed more than once.
	signal chan struct{}
}

// NewQueue builds an empty queue.
func NewQueue() *Queue {
	return &Queue{
		index:  make(map[structs.Operation]*queueItem),
		signal: make(chan struct{}, 1),
	}
}

// WaitCh receives a tick whenever the queue may have become non-empty.
func (q *Queue) WaitCh() <-chan struct{} { return q.signal }

// Push enqueues an operation. It reports false, changing nothing, when
// the operation is already enqueued.
func (q *Queue) Push(op structs.Operation, priority int, timestamp time.Time) bool {
	q.mu.Lock()
	if _, dup := q.index[op]; dup {
		q.mu.Unlock()
		return false
	}
	item := &queueItem{op: op, priority: priority, timestamp: timestamp, seq: q.seq}
	q.seq++
	q.index[op] = item
	heap.Push(&q.heap, item)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// PushQueued is Push from a QueuedOperation.
func (q *Queue) PushQueued(qop structs.QueuedOperation) bool {
	return q.Push(qop.Operation, qop.Priority, qop.Timestamp)
}

// Pop removes and returns the head operation.
func (q *Queue) Pop() (structs.QueuedOperation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return structs.QueuedOperation{}, false
	}
	item := heap.Pop(&q.heap).(*queueItem)
	delete(q.index, item.op)
	return structs.QueuedOperation{
		Operation: item.op,
		Priority:  item.priority,
		Timestamp: item.timestamp,
	}, true
}

// Peek returns the head operation without removing it.
func (q *Queue) Peek() (structs.QueuedOperation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return structs.QueuedOperation{}, false
	}
	item := q.heap[0]
	return structs.QueuedOperation{
		Operation: item.op,
		Priority:  item.priority,
		Timestamp: item.timestamp,
	}, true
}

// Remove drops an operation wherever it sits in the queue.
func (q *Queue) Remove(op structs.Operation) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.index[op]
	if !ok {
		return false
	}
	heap.Remove(&q.heap, item.index)
	delete(q.index, op)
	return true
}

// Contains reports whether the operation is enqueued.
func (q *Queue) Contains(op structs.Operation) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.index[op]
	return ok
}

// Len returns the number of enqueued operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Status returns a snapshot of the queue in dispatch order, for the
// admin interface.
func (q *Queue) Status() []structs.QueuedOperation {
	q.mu.Lock()
	items := make([]*queueItem, len(q.heap))
	copy(items, q.heap)
	q.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		if items[i].priority != items[j].priority {
			return items[i].priority < items[j].priority
		}
		if !items[i].timestamp.Equal(items[j].timestamp) {
			return items[i].timestamp.Before(items[j].timestamp)
		}
		return items[i].seq < items[j].seq
	})

	out := make([]structs.QueuedOperation, len(items))
	for i, item := range items {
		out[i] = structs.QueuedOperation{
			Operation: item.op,
			Priority:  item.priority,
			Timestamp: item.timestamp,
		}
	}
	return out
}
