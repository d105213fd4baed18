package command

import (
	"fmt"
	"strings"

	"github.com/gavelms/gavel/config"
	"github.com/gavelms/gavel/sandbox"
	"github.com/gavelms/gavel/worker"
)

// maxSandboxes bounds the concurrently open sandboxes of one worker.
const maxSandboxes = 16

// WorkerCommand runs one Worker shard: the process that actually
// compiles and runs contestant code inside sandboxes.
type WorkerCommand struct {
	Meta
}

func (c *WorkerCommand) Help() string {
	helpText := `
Usage: gavel worker [options]

  Starts a worker: it executes the job groups assigned by the
  evaluation service inside sandboxes and reports the outcomes.

Options:

  -config=<path>
    Path to the configuration file.

  -shard=<n>
    Which shard of the service this process is. -1 (the default)
    infers the shard from the local network addresses.
`
	return strings.TrimSpace(helpText)
}

func (c *WorkerCommand) Synopsis() string { return "Run a worker" }

func (c *WorkerCommand) Name() string { return "worker" }

func (c *WorkerCommand) Run(args []string) int {
	if err := c.flagSet(c.Name()).Parse(args); err != nil {
		c.Ui.Error(err.Error())
		return 1
	}

	rt, err := c.bootstrap(config.ServiceWorker)
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
	cacher, err := rt.cacher(config.ServiceWorker, store)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error building file cache: %v", err))
		return 1
	}

	isolate := rt.cfg.SandboxPath
	if isolate == "" {
		isolate = "isolate"
	}
	boxes := sandbox.NewIsolateManager(isolate, maxSandboxes, rt.logger)

	svc := worker.NewService(cacher, boxes, store, rt.logger)
	svc.OnQuit(func(reason string) {
		// The resource service restarts us; exiting is the restart.
		rt.logger.Info("quitting on request", "reason", reason)
		cancel()
	})
	svc.RegisterHandlers(rt.server)

	if err := rt.server.Start(); err != nil {
		c.Ui.Error(fmt.Sprintf("Error starting RPC server: %v", err))
		return 1
	}

	rt.logger.Info("worker running", "shard", rt.shard, "sandbox", isolate)
	<-ctx.Done()
	return 0
}
