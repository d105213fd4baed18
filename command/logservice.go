package command

import (
	"fmt"
	"strings"

	"github.com/gavelms/gavel/config"
	"github.com/gavelms/gavel/logsvc"
)

// LogServiceCommand runs the central log collector.
type LogServiceCommand struct {
	Meta
}

func (c *LogServiceCommand) Help() string {
	helpText := `
Usage: gavel logservice [options]

  Starts the log service: every other service forwards its notable
  log records here, and admins can fetch the recent warnings and
  errors over RPC.

Options:

  -config=<path>
    Path to the configuration file.

  -shard=<n>
    Which shard of the service this process is. -1 (the default)
    infers the shard from the local network addresses.
`
	return strings.TrimSpace(helpText)
}

func (c *LogServiceCommand) Synopsis() string { return "Run the log service" }

func (c *LogServiceCommand) Name() string { return "logservice" }

func (c *LogServiceCommand) Run(args []string) int {
	if err := c.flagSet(c.Name()).Parse(args); err != nil {
		c.Ui.Error(err.Error())
		return 1
	}

	rt, err := c.bootstrap(config.ServiceLog)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error starting %s: %v", c.Name(), err))
		return 1
	}
	defer rt.close()

	ctx, cancel := signalContext()
	defer cancel()

	// The collected stream goes to the shard's own log file, next to
	// the service's operational log.
	svc := logsvc.NewService(rt.logFile, rt.logger)
	svc.RegisterHandlers(rt.server)

	if err := rt.server.Start(); err != nil {
		c.Ui.Error(fmt.Sprintf("Error starting RPC server: %v", err))
		return 1
	}

	rt.logger.Info("log service running", "shard", rt.shard)
	<-ctx.Done()
	return 0
}
