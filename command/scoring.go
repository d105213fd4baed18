package command

import (
	"fmt"
	"strings"

	"github.com/gavelms/gavel/config"
	"github.com/gavelms/gavel/scoring"
)

// ScoringCommand runs the ScoringService: it scores evaluated results
// and pushes live score changes to the ranking proxy.
type ScoringCommand struct {
	Meta
}

func (c *ScoringCommand) Help() string {
	helpText := `
Usage: gavel scoring [options]

  Starts the scoring service: it turns evaluated submission results
  into scores and notifies the ranking proxy of changes on live
  datasets.

Options:

  -config=<path>
    Path to the configuration file.

  -shard=<n>
    Which shard of the service this process is. -1 (the default)
    infers the shard from the local network addresses.
`
	return strings.TrimSpace(helpText)
}

func (c *ScoringCommand) Synopsis() string { return "Run the scoring service" }

func (c *ScoringCommand) Name() string { return "scoring" }

func (c *ScoringCommand) Run(args []string) int {
	if err := c.flagSet(c.Name()).Parse(args); err != nil {
		c.Ui.Error(err.Error())
		return 1
	}

	rt, err := c.bootstrap(config.ServiceScoring)
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

	proxy := rt.clientFor(config.ServiceProxy, 0)
	defer proxy.Close()

	svc := scoring.NewService(store, proxy, rt.notifier(), rt.logger)
	svc.RegisterHandlers(rt.server)

	if err := rt.server.Start(); err != nil {
		c.Ui.Error(fmt.Sprintf("Error starting RPC server: %v", err))
		return 1
	}

	rt.logger.Info("scoring service running", "shard", rt.shard)
	svc.RunSweeper(ctx, rt.cfg.SweepIntervalDuration())
	return 0
}
