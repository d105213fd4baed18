package command

import (
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/gavelms/gavel/config"
	"github.com/gavelms/gavel/evalsvc"
	"github.com/gavelms/gavel/resourcesvc"
	"github.com/gavelms/gavel/structs"
)

func TestFormatWorkers(t *testing.T) {
	must.Eq(t, "No workers configured", formatWorkers(nil))

	out := formatWorkers([]evalsvc.WorkerStatus{
		{Shard: 0, State: evalsvc.WorkerBusy, Connected: true,
			Operations: make([]structs.QueuedOperation, 2)},
		{Shard: 1, State: evalsvc.WorkerInactive, Connected: false},
	})
	must.StrContains(t, out, "Shard")
	must.StrContains(t, out, "busy")
	must.StrContains(t, out, "inactive")
}

func TestFormatQueue(t *testing.T) {
	must.Eq(t, "Queue is empty", formatQueue(nil))

	out := formatQueue([]structs.QueuedOperation{
		{
			Operation: structs.Operation{
				Kind: structs.OperationCompile, ObjectID: 7, DatasetID: 2,
			},
			Priority:  structs.PriorityHigh,
			Timestamp: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
		},
		{
			Operation: structs.Operation{
				Kind: structs.OperationEvaluate, ObjectID: 7, DatasetID: 2,
				TestcaseCodename: "t1",
			},
			Priority:  structs.PriorityMedium,
			Timestamp: time.Date(2026, 8, 1, 10, 0, 1, 0, time.UTC),
		},
	})
	must.StrContains(t, out, "compile")
	must.StrContains(t, out, "t1")
	// Compilations carry no testcase.
	must.StrContains(t, out, "-")
}

func TestResourceCommand_LocalSpecs(t *testing.T) {
	cfg := &config.Config{
		Services: []*config.ServiceConfig{
			{Name: config.ServiceResource, Shards: []string{"10.0.0.1:25000"}},
			{Name: config.ServiceEvaluation, Shards: []string{"10.0.0.1:25100"}},
			{Name: config.ServiceWorker, Shards: []string{
				"10.0.0.1:26000", "10.0.0.2:26000",
			}},
			{Name: config.ServiceProxy, Shards: []string{"10.0.0.1:28600"}},
		},
	}

	c := &ResourceCommand{}
	c.contest = 3
	specs, err := c.localSpecs(&runtime{cfg: cfg, shard: 0})
	must.NoError(t, err)

	// Worker shard 1 lives on another machine.
	must.Eq(t, []resourcesvc.ProcessSpec{
		{Service: config.ServiceEvaluation, Shard: 0},
		{Service: config.ServiceProxy, Shard: 0, Contest: 3},
		{Service: config.ServiceWorker, Shard: 0},
	}, specs)
}
