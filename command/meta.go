package command

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/cli"
	"github.com/hashicorp/go-hclog"

	"github.com/gavelms/gavel/config"
	"github.com/gavelms/gavel/db"
	"github.com/gavelms/gavel/filecacher"
	"github.com/gavelms/gavel/logsvc"
	"github.com/gavelms/gavel/rpc"
)

// Meta contains the options common to every gavel command.
type Meta struct {
	Ui cli.Ui

	configPath string
	shard      int
	contest    int64
}

// flagSet returns the shared flags of the service commands.
func (m *Meta) flagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&m.configPath, "config", "", "path to the configuration file")
	fs.IntVar(&m.shard, "shard", -1, "shard of this instance; -1 infers it from local addresses")
	fs.Int64Var(&m.contest, "contest", 0, "contest id this instance serves")
	return fs
}

// runtime is the shared bootstrap of every long-running service: parsed
// configuration, resolved shard, a logger forwarding to the log
// service, and the service's own RPC server.
type runtime struct {
	cfg    *config.Config
	shard  int
	logger hclog.InterceptLogger
	server *rpc.Server

	logFile   *os.File
	logClient rpc.Caller
	dbStore   *db.Store
}

// bootstrap loads the configuration and stands up the common plumbing
// of a service shard. The caller must defer rt.close().
func (m *Meta) bootstrap(service string) (*runtime, error) {
	cfg, err := config.Load(m.configPath)
	if err != nil {
		return nil, err
	}

	shard := m.shard
	if shard < 0 {
		shard, err = cfg.InferShard(service)
		if err != nil {
			return nil, fmt.Errorf("inferring shard: %w", err)
		}
	}
	addr, err := cfg.Resolve(service, shard)
	if err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg, shard: shard}

	logDir := cfg.LogDirFor(service, shard)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	rt.logFile, err = logsvc.OpenLogFile(logDir)
	if err != nil {
		return nil, err
	}

	rt.logger = hclog.NewInterceptLogger(&hclog.LoggerOptions{
		Name:   strings.ToLower(service),
		Level:  hclog.Debug,
		Output: io.MultiWriter(os.Stderr, rt.logFile),
	})

	// Every service but the log service itself forwards its warnings
	// and errors to the central log.
	if service != config.ServiceLog && cfg.ShardCount(config.ServiceLog) > 0 {
		logAddr, err := cfg.Resolve(config.ServiceLog, 0)
		if err == nil {
			rt.logClient = rpc.NewClient(
				rpc.ServiceCoord{Name: config.ServiceLog, Shard: 0},
				logAddr, rt.logger.Named("logfwd"),
				rpc.WithAutoRetry(cfg.ReconnectInterval()))
			rt.logger.RegisterSink(
				logsvc.NewRemoteSink(rt.logClient, service, shard, hclog.Info))
		}
	}

	rt.server = rpc.NewServer(rpc.ServiceCoord{Name: service, Shard: shard}, addr, rt.logger)
	return rt, nil
}

func (rt *runtime) close() {
	if rt.server != nil {
		rt.server.Shutdown()
	}
	if rt.dbStore != nil {
		rt.dbStore.Close()
	}
	if rt.logClient != nil {
		rt.logClient.Close()
	}
	if rt.logFile != nil {
		rt.logFile.Close()
	}
}

// connectDB opens the shared database and applies the schema.
func (rt *runtime) connectDB(ctx context.Context) (*db.Store, error) {
	store, err := db.Connect(ctx, rt.cfg.DatabaseURL, rt.logger)
	if err != nil {
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, err
	}
	rt.dbStore = store
	return store, nil
}

// cacher builds the per-shard file cache over the database backend.
func (rt *runtime) cacher(service string, store *db.Store) (*filecacher.FileCacher, error) {
	backend := filecacher.NewPostgresBackend(store.Pool())
	return filecacher.New(backend, rt.cfg.CacheDirFor(service, rt.shard),
		rt.logger.Named("filecacher"))
}

// clientFor dials another service shard, or returns a FakeClient when
// the service is not configured so callers degrade instead of crashing.
func (rt *runtime) clientFor(service string, shard int) rpc.Caller {
	coord := rpc.ServiceCoord{Name: service, Shard: shard}
	addr, err := rt.cfg.Resolve(service, shard)
	if err != nil {
		return &rpc.FakeClient{Coord: coord}
	}
	return rpc.NewClient(coord, addr, rt.logger,
		rpc.WithAutoRetry(rt.cfg.ReconnectInterval()))
}

// notifier routes admin notifications into the central log, where the
// log service keeps them for last_messages.
func (rt *runtime) notifier() func(subject, text string) {
	return func(subject, text string) {
		rt.logger.Warn(subject, "detail", text)
	}
}

// newLogger is the plain stderr logger of the short-lived and
// HTTP-only commands.
func newLogger(name string) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{Name: name, Level: hclog.Info})
}

// rpcDial connects a one-shot admin command to a service shard.
func rpcDial(service string, shard int, addr string) *rpc.Client {
	return rpc.NewClient(rpc.ServiceCoord{Name: service, Shard: shard},
		addr, newLogger("client"))
}

// waitConnected polls until the client connects or the timeout passes.
func waitConnected(c rpc.Caller, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.Connected() {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return false
}

// signalContext returns a context cancelled by SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
