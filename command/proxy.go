package command

import (
	"fmt"
	"strings"

	"github.com/gavelms/gavel/config"
	"github.com/gavelms/gavel/proxy"
)

// ProxyCommand runs the ProxyService of one contest: the mirror that
// pushes contest state and score changes to external ranking servers.
type ProxyCommand struct {
	Meta
}

func (c *ProxyCommand) Help() string {
	helpText := `
Usage: gavel proxy [options]

  Starts the ranking proxy: it mirrors one contest's tasks, users and
  scores to the configured external ranking servers, retrying each
  server independently.

Options:

  -config=<path>
    Path to the configuration file.

  -shard=<n>
    Which shard of the service this process is. -1 (the default)
    infers the shard from the local network addresses.

  -contest=<id>
    The contest to mirror. Required.
`
	return strings.TrimSpace(helpText)
}

func (c *ProxyCommand) Synopsis() string { return "Run the ranking proxy" }

func (c *ProxyCommand) Name() string { return "proxy" }

func (c *ProxyCommand) Run(args []string) int {
	if err := c.flagSet(c.Name()).Parse(args); err != nil {
		c.Ui.Error(err.Error())
		return 1
	}
	if c.contest <= 0 {
		c.Ui.Error("The proxy needs -contest=<id>")
		return 1
	}

	rt, err := c.bootstrap(config.ServiceProxy)
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

	svc, err := proxy.NewService(store, c.contest, rt.cfg.Rankings, rt.logger)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error building proxy: %v", err))
		return 1
	}
	defer svc.Close()

	if err := svc.Initialize(ctx); err != nil {
		c.Ui.Error(fmt.Sprintf("Error loading contest %d: %v", c.contest, err))
		return 1
	}
	svc.RegisterHandlers(rt.server)

	if err := rt.server.Start(); err != nil {
		c.Ui.Error(fmt.Sprintf("Error starting RPC server: %v", err))
		return 1
	}

	rt.logger.Info("ranking proxy running", "shard", rt.shard,
		"contest", c.contest, "rankings", len(rt.cfg.Rankings))
	<-ctx.Done()
	return 0
}
