package command

import (
	"fmt"
	"strings"
	"time"

	"github.com/ryanuber/columnize"

	"github.com/gavelms/gavel/config"
	"github.com/gavelms/gavel/evalsvc"
	"github.com/gavelms/gavel/structs"
)

// connectWait bounds how long status waits for the evaluation service.
const connectWait = 5 * time.Second

// StatusCommand shows the judging queue and the worker pool of an
// evaluation shard.
type StatusCommand struct {
	Meta
}

func (c *StatusCommand) Help() string {
	helpText := `
Usage: gavel status [options]

  Connects to an evaluation shard and prints its operation queue and
  the state of every worker.

Options:

  -config=<path>
    Path to the configuration file.

  -shard=<n>
    Which evaluation shard to query. Defaults to shard 0.
`
	return strings.TrimSpace(helpText)
}

func (c *StatusCommand) Synopsis() string { return "Show queue and worker status" }

func (c *StatusCommand) Name() string { return "status" }

func (c *StatusCommand) Run(args []string) int {
	if err := c.flagSet(c.Name()).Parse(args); err != nil {
		c.Ui.Error(err.Error())
		return 1
	}

	cfg, err := config.Load(c.configPath)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error loading configuration: %v", err))
		return 1
	}
	shard := c.shard
	if shard < 0 {
		shard = 0
	}
	addr, err := cfg.Resolve(config.ServiceEvaluation, shard)
	if err != nil {
		c.Ui.Error(err.Error())
		return 1
	}

	client := rpcDial(config.ServiceEvaluation, shard, addr)
	defer client.Close()
	if !waitConnected(client, connectWait) {
		c.Ui.Error(fmt.Sprintf("Could not reach %s shard %d at %s",
			config.ServiceEvaluation, shard, addr))
		return 1
	}

	var workers []evalsvc.WorkerStatus
	if err := client.Call("workers_status", nil).Result(&workers); err != nil {
		c.Ui.Error(fmt.Sprintf("Error querying workers: %v", err))
		return 1
	}
	var queue []structs.QueuedOperation
	if err := client.Call("queue_status", nil).Result(&queue); err != nil {
		c.Ui.Error(fmt.Sprintf("Error querying queue: %v", err))
		return 1
	}

	c.Ui.Output("Workers")
	c.Ui.Output(formatWorkers(workers))
	c.Ui.Output("")
	c.Ui.Output(fmt.Sprintf("Queue (%d operations)", len(queue)))
	c.Ui.Output(formatQueue(queue))
	return 0
}

func formatWorkers(workers []evalsvc.WorkerStatus) string {
	if len(workers) == 0 {
		return "No workers configured"
	}
	rows := make([]string, 0, len(workers)+1)
	rows = append(rows, "Shard|State|Connected|Operations")
	for _, w := range workers {
		rows = append(rows, fmt.Sprintf("%d|%s|%v|%d",
			w.Shard, w.State, w.Connected, len(w.Operations)))
	}
	return columnize.SimpleFormat(rows)
}

func formatQueue(queue []structs.QueuedOperation) string {
	if len(queue) == 0 {
		return "Queue is empty"
	}
	rows := make([]string, 0, len(queue)+1)
	rows = append(rows, "Priority|Kind|Object|Dataset|Testcase|Queued")
	for _, qop := range queue {
		testcase := qop.Operation.TestcaseCodename
		if testcase == "" {
			testcase = "-"
		}
		rows = append(rows, fmt.Sprintf("%d|%s|%d|%d|%s|%s",
			qop.Priority, qop.Operation.Kind, qop.Operation.ObjectID,
			qop.Operation.DatasetID, testcase,
			qop.Timestamp.Format(time.RFC3339)))
	}
	return columnize.SimpleFormat(rows)
}
