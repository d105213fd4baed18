package command

import (
	"fmt"
	"strings"

	"github.com/gavelms/gavel/config"
	"github.com/gavelms/gavel/evalsvc"
)

// EvaluationCommand runs one EvaluationService shard: the operation
// queue, the worker pool and the reconciliation sweep.
type EvaluationCommand struct {
	Meta
}

func (c *EvaluationCommand) Help() string {
	helpText := `
Usage: gavel evaluation [options]

  Starts the evaluation service: it schedules compilations and
  evaluations onto the configured workers and writes the results back
  to the database.

Options:

  -config=<path>
    Path to the configuration file.

  -shard=<n>
    Which shard of the service this process is. -1 (the default)
    infers the shard from the local network addresses.
`
	return strings.TrimSpace(helpText)
}

func (c *EvaluationCommand) Synopsis() string { return "Run the evaluation service" }

func (c *EvaluationCommand) Name() string { return "evaluation" }

func (c *EvaluationCommand) Run(args []string) int {
	if err := c.flagSet(c.Name()).Parse(args); err != nil {
		c.Ui.Error(err.Error())
		return 1
	}

	rt, err := c.bootstrap(config.ServiceEvaluation)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error starting %s: %v", c.Name(), err))
		return 1
	}
	defer rt.close()

	ctx, cancel := signalContext()
	defer cancel()

	store, err := rt.connectDB(ctx)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error connecting to database: %v", err))
		return 1
	}

	scoring := rt.clientFor(config.ServiceScoring, 0)
	defer scoring.Close()

	svc := evalsvc.NewService(store, scoring,
		rt.cfg.WorkerTimeoutDuration(), rt.notifier(), rt.logger)
	for shard := 0; shard < rt.cfg.ShardCount(config.ServiceWorker); shard++ {
		svc.AddWorker(shard, rt.clientFor(config.ServiceWorker, shard))
	}
	svc.RegisterHandlers(rt.server)

	if err := rt.server.Start(); err != nil {
		c.Ui.Error(fmt.Sprintf("Error starting RPC server: %v", err))
		return 1
	}

	rt.logger.Info("evaluation service running", "shard", rt.shard,
		"workers", rt.cfg.ShardCount(config.ServiceWorker))
	svc.Run(ctx, rt.cfg.SweepIntervalDuration())
	return 0
}
