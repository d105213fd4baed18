package command

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gavelms/gavel/config"
	"github.com/gavelms/gavel/web"
)

// BridgeCommand runs the admin HTTP bridge over the RPC fabric.
type BridgeCommand struct {
	Meta
}

func (c *BridgeCommand) Help() string {
	helpText := `
Usage: gavel bridge [options]

  Starts the admin bridge: an HTTP server that forwards JSON requests
  to any service shard over the internal RPC fabric and exports the
  process metrics on /metrics.

Options:

  -config=<path>
    Path to the configuration file.

  -shard=<n>
    Which shard of the service this process is. -1 (the default)
    infers the shard from the local network addresses.
`
	return strings.TrimSpace(helpText)
}

func (c *BridgeCommand) Synopsis() string { return "Run the admin HTTP bridge" }

func (c *BridgeCommand) Name() string { return "bridge" }

func (c *BridgeCommand) Run(args []string) int {
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
		if shard, err = cfg.InferShard(config.ServiceAdminWeb); err != nil {
			c.Ui.Error(fmt.Sprintf("Error inferring shard: %v", err))
			return 1
		}
	}
	addr, err := cfg.Resolve(config.ServiceAdminWeb, shard)
	if err != nil {
		c.Ui.Error(err.Error())
		return 1
	}

	ctx, cancel := signalContext()
	defer cancel()

	bridge := web.NewBridge(cfg, newLogger("bridge"))
	defer bridge.Close()

	srv := &http.Server{Addr: addr, Handler: bridge.Handler()}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.Ui.Error(fmt.Sprintf("Error serving: %v", err))
			return 1
		}
	case <-ctx.Done():
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		srv.Shutdown(shutdownCtx)
	}
	return 0
}
