package structs

import (
	"fmt"
	"time"
)

// Priority bands for the operation queue. Lower sorts first; ties break
// on the operation timestamp, preserving FIFO within a band.
const (
	PriorityExtraHigh = 0
	PriorityHigh      = 1
	PriorityMedium    = 2
	PriorityLow       = 3
	PriorityExtraLow  = 4
)

// Retry bounds for infrastructure failures. User failures are terminal
// and never retried.
const (
	MaxCompilationTries         = 3
	MaxEvaluationTries          = 3
	MaxUserTestCompilationTries = 3
	MaxUserTestEvaluationTries  = 3
)

// OperationKind is the type of a unit of judging work.
type OperationKind string

const (
	OperationCompile          OperationKind = "compile"
	OperationEvaluate         OperationKind = "evaluate"
	OperationUserTestCompile  OperationKind = "compile_test"
	OperationUserTestEvaluate OperationKind = "evaluate_test"
)

// Operation is an immutable unit of work for a worker: one compilation or
// one testcase evaluation of a (submission|user test, dataset) pair. The
// TestcaseCodename is set only for the evaluate kinds.
//
// At any time an operation is in the queue, assigned to exactly one busy
// worker, or done; never in two places.
type Operation struct {
	Kind             OperationKind `json:"type"`
	ObjectID         int64         `json:"object_id"`
	DatasetID        int64         `json:"dataset_id"`
	TestcaseCodename string        `json:"testcase_codename,omitempty"`
}

// ForSubmission reports whether the operation concerns a submission
// rather than a user test.
func (op Operation) ForSubmission() bool {
	return op.Kind == OperationCompile || op.Kind == OperationEvaluate
}

// IsCompile reports whether the operation is one of the compile kinds.
func (op Operation) IsCompile() bool {
	return op.Kind == OperationCompile || op.Kind == OperationUserTestCompile
}

// ShortKey identifies the (kind, object, dataset) triple, ignoring the
// testcase. Operations sharing a short key may ride in one job group.
func (op Operation) ShortKey() Operation {
	return Operation{Kind: op.Kind, ObjectID: op.ObjectID, DatasetID: op.DatasetID}
}

func (op Operation) String() string {
	if op.TestcaseCodename != "" {
		return fmt.Sprintf("%s on %d against dataset %d, testcase %s",
			op.Kind, op.ObjectID, op.DatasetID, op.TestcaseCodename)
	}
	return fmt.Sprintf("%s on %d against dataset %d", op.Kind, op.ObjectID, op.DatasetID)
}

// QueuedOperation pairs an operation with the priority and timestamp it
// was first requested at, the ordering key of the queue.
type QueuedOperation struct {
	Operation Operation `json:"item"`
	Priority  int       `json:"priority"`
	Timestamp time.Time `json:"timestamp"`
}
