package command

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/gavelms/gavel/config"
	"github.com/gavelms/gavel/resourcesvc"
)

// supervisedServices is what a resource shard launches on its machine,
// matched by shard address.
var supervisedServices = []string{
	config.ServiceLog,
	config.ServiceEvaluation,
	config.ServiceScoring,
	config.ServiceProxy,
	config.ServiceWorker,
	config.ServiceAdminWeb,
}

// ResourceCommand runs one ResourceService shard: the per-machine
// supervisor that launches the local services, restarts crashes and
// reports resource usage.
type ResourceCommand struct {
	Meta
}

func (c *ResourceCommand) Help() string {
	helpText := `
Usage: gavel resource [options]

  Starts the resource service: it launches every service whose
  configured shard address lives on this machine, restarts them when
  they crash and answers resource usage queries.

Options:

  -config=<path>
    Path to the configuration file.

  -shard=<n>
    Which shard of the service this process is. -1 (the default)
    infers the shard from the local network addresses.

  -contest=<id>
    The contest to hand to contest-bound services such as the proxy.
`
	return strings.TrimSpace(helpText)
}

func (c *ResourceCommand) Synopsis() string { return "Run the per-machine supervisor" }

func (c *ResourceCommand) Name() string { return "resource" }

func (c *ResourceCommand) Run(args []string) int {
	if err := c.flagSet(c.Name()).Parse(args); err != nil {
		c.Ui.Error(err.Error())
		return 1
	}

	rt, err := c.bootstrap(config.ServiceResource)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error starting %s: %v", c.Name(), err))
		return 1
	}
	defer rt.close()

	ctx, cancel := signalContext()
	defer cancel()

	binary, err := os.Executable()
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error locating executable: %v", err))
		return 1
	}

	svc := resourcesvc.NewService(binary, c.configPath, rt.logger)
	defer svc.Shutdown()

	specs, err := c.localSpecs(rt)
	if err != nil {
		c.Ui.Error(err.Error())
		return 1
	}
	for _, spec := range specs {
		svc.Supervise(spec)
	}
	svc.RegisterHandlers(rt.server)

	if err := rt.server.Start(); err != nil {
		c.Ui.Error(fmt.Sprintf("Error starting RPC server: %v", err))
		return 1
	}

	rt.logger.Info("resource service running", "shard", rt.shard,
		"processes", len(specs))
	<-ctx.Done()
	return 0
}

// localSpecs lists the service shards sharing this resource shard's
// host.
func (c *ResourceCommand) localSpecs(rt *runtime) ([]resourcesvc.ProcessSpec, error) {
	ownAddr, err := rt.cfg.Resolve(config.ServiceResource, rt.shard)
	if err != nil {
		return nil, err
	}
	ownHost, _, err := net.SplitHostPort(ownAddr)
	if err != nil {
		return nil, fmt.Errorf("bad resource shard address %q: %w", ownAddr, err)
	}

	var specs []resourcesvc.ProcessSpec
	for _, service := range supervisedServices {
		for shard := 0; shard < rt.cfg.ShardCount(service); shard++ {
			addr, err := rt.cfg.Resolve(service, shard)
			if err != nil {
				continue
			}
			host, _, err := net.SplitHostPort(addr)
			if err != nil || host != ownHost {
				continue
			}
			spec := resourcesvc.ProcessSpec{Service: service, Shard: shard}
			if service == config.ServiceProxy {
				spec.Contest = c.contest
			}
			specs = append(specs, spec)
		}
	}
	return specs, nil
}
