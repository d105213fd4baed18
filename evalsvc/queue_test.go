package evalsvc

import (
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/gavelms/gavel/structs"
)

func op(id int64, codename string) structs.Operation {
	kind := structs.OperationCompile
	if codename != "" {
		kind = structs.OperationEvaluate
	}
	return structs.Operation{Kind: kind, ObjectID: id, DatasetID: 1, TestcaseCodename: codename}
}

func TestQueue_Ordering(t *testing.T) {
	q := NewQueue()
	base := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

	// Out of order on purpose: priority beats timestamp beats
	// insertion.
	must.True(t, q.Push(op(1, ""), structs.PriorityMedium, base.Add(2*time.Minute)))
	must.True(t, q.Push(op(2, ""), structs.PriorityHigh, base.Add(5*time.Minute)))
	must.True(t, q.Push(op(3, ""), structs.PriorityMedium, base))

	first, ok := q.Pop()
	must.True(t, ok)
	must.Eq(t, int64(2), first.Operation.ObjectID)

	second, _ := q.Pop()
	must.Eq(t, int64(3), second.Operation.ObjectID)

	third, _ := q.Pop()
	must.Eq(t, int64(1), third.Operation.ObjectID)

	_, ok = q.Pop()
	must.False(t, ok)
}

func TestQueue_TiesKeepInsertionOrder(t *testing.T) {
	q := NewQueue()
	ts := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

	for i := int64(1); i <= 4; i++ {
		q.Push(op(i, ""), structs.PriorityMedium, ts)
	}
	for i := int64(1); i <= 4; i++ {
		got, ok := q.Pop()
		must.True(t, ok)
		must.Eq(t, i, got.Operation.ObjectID)
	}
}

func TestQueue_PushDedup(t *testing.T) {
	q := NewQueue()
	ts := time.Now()

	must.True(t, q.Push(op(1, "t1"), structs.PriorityMedium, ts))
	must.False(t, q.Push(op(1, "t1"), structs.PriorityHigh, ts))
	must.Eq(t, 1, q.Len())

	// The original priority survives the duplicate push.
	got, _ := q.Pop()
	must.Eq(t, structs.PriorityMedium, got.Priority)
}

func TestQueue_Remove(t *testing.T) {
	q := NewQueue()
	ts := time.Now()
	q.Push(op(1, "t1"), structs.PriorityMedium, ts)
	q.Push(op(1, "t2"), structs.PriorityMedium, ts)
	q.Push(op(1, "t3"), structs.PriorityMedium, ts)

	must.True(t, q.Remove(op(1, "t2")))
	must.False(t, q.Remove(op(1, "t2")))
	must.False(t, q.Contains(op(1, "t2")))
	must.Eq(t, 2, q.Len())

	got, _ := q.Pop()
	must.Eq(t, "t1", got.Operation.TestcaseCodename)
	got, _ = q.Pop()
	must.Eq(t, "t3", got.Operation.TestcaseCodename)
}

func TestQueue_PeekDoesNotConsume(t *testing.T) {
	q := NewQueue()
	q.Push(op(1, ""), structs.PriorityHigh, time.Now())

	head, ok := q.Peek()
	must.True(t, ok)
	must.Eq(t, int64(1), head.Operation.ObjectID)
	must.Eq(t, 1, q.Len())
}

func TestQueue_Status(t *testing.T) {
	q := NewQueue()
	base := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	q.Push(op(1, ""), structs.PriorityLow, base)
	q.Push(op(2, ""), structs.PriorityHigh, base.Add(time.Minute))

	status := q.Status()
	must.Len(t, 2, status)
	must.Eq(t, int64(2), status[0].Operation.ObjectID)
	must.Eq(t, int64(1), status[1].Operation.ObjectID)

	// Status is a snapshot, not a drain.
	must.Eq(t, 2, q.Len())
}

func TestQueue_WaitChSignals(t *testing.T) {
	q := NewQueue()
	q.Push(op(1, ""), structs.PriorityMedium, time.Now())

	select {
	case <-q.WaitCh():
	default:
		t.Fatal("expected a wakeup after push")
	}
}
