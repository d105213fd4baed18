package scoring

import (
	"container/heap"
	"time"
)

// RankingEntry is one point of a score history: at Timestamp the
// (user, task) pair's score became Score.
type RankingEntry struct {
	Username  string
	TaskName  string
	Timestamp time.Time
	Score     float64
}

// Cursor walks one per-user/per-task score history in timestamp order.
type Cursor interface {
	// Head returns the current entry; ok is false when exhausted.
	Head() (entry RankingEntry, ok bool)

	// Advance moves past the current entry.
	Advance()
}

// cursorHeap orders live cursors by the timestamp of their head entry,
// ties broken by username then task for determinism.
type cursorHeap []Cursor

func (h cursorHeap) Len() int { return len(h) }

func (h cursorHeap) Less(i, j int) bool {
	a, _ := h[i].Head()
	b, _ := h[j].Head()
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	if a.Username != b.Username {
		return a.Username < b.Username
	}
	return a.TaskName < b.TaskName
}

func (h cursorHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *cursorHeap) Push(x any) { *h = append(*h, x.(Cursor)) }

func (h *cursorHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// MergeHistories merges many score-history cursors into one globally
// timestamp-ordered stream, calling emit for each entry. The classic
// k-way merge: a min-heap keyed on each cursor's head.
func MergeHistories(cursors []Cursor, emit func(RankingEntry)) {
	h := make(cursorHeap, 0, len(cursors))
	for _, c := range cursors {
		if _, ok := c.Head(); ok {
			h = append(h, c)
		}
	}
	heap.Init(&h)

	for h.Len() > 0 {
		c := h[0]
		entry, _ := c.Head()
		emit(entry)
		c.Advance()
		if _, ok := c.Head(); ok {
			heap.Fix(&h, 0)
		} else {
			heap.Pop(&h)
		}
	}
}

// SliceCursor is a Cursor over an in-memory history.
type SliceCursor struct {
	Entries []RankingEntry
	pos     int
}

func (c *SliceCursor) Head() (RankingEntry, bool) {
	if c.pos >= len(c.Entries) {
		return RankingEntry{}, false
	}
	return c.Entries[c.pos], true
}

func (c *SliceCursor) Advance() { c.pos++ }
