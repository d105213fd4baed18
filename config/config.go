// Package config loads and validates the platform configuration shared
// by every service. A single HCL file describes the service topology
// (name -> shard addresses), the storage locations and the contest
// policy knobs; each process loads the same file and finds itself in it.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/hcl/v2/hclsimple"
)

// EnvConfigFile overrides the configuration file search path.
const EnvConfigFile = "GAVEL_CONFIG"

// DefaultSearchPath lists where Load looks when GAVEL_CONFIG is unset.
var DefaultSearchPath = []string{
	"gavel.hcl",
	"/usr/local/etc/gavel.hcl",
	"/etc/gavel.hcl",
}

// Service names understood by the resolver.
const (
	ServiceLog        = "LogService"
	ServiceResource   = "ResourceService"
	ServiceEvaluation = "EvaluationService"
	ServiceWorker     = "Worker"
	ServiceScoring    = "ScoringService"
	ServiceProxy      = "ProxyService"
	ServiceContestWeb = "ContestWebServer"
	ServiceAdminWeb   = "AdminWebServer"
)

// Config is the root of the parsed configuration file.
type Config struct {
	// Services maps a service name to its ordered shard addresses.
	Services []*ServiceConfig `hcl:"service,block"`

	// Rankings lists the external ranking servers ProxyService mirrors
	// contest state to. Empty disables the proxy push.
	Rankings []*RankingConfig `hcl:"ranking,block"`

	DatabaseURL string `hcl:"database_url"`

	CacheDir string `hcl:"cache_dir,optional"`
	LogDir   string `hcl:"log_dir,optional"`
	TempDir  string `hcl:"temp_dir,optional"`

	// SecretKey signs contestant cookies and admin impersonation tokens.
	SecretKey string `hcl:"secret_key"`

	CookieTTL       string `hcl:"cookie_ttl,optional"`
	WorkerTimeout   string `hcl:"worker_timeout,optional"`
	SweepInterval   string `hcl:"sweep_interval,optional"`
	ReconnectEvery  string `hcl:"reconnect_interval,optional"`
	SandboxPath     string `hcl:"sandbox_path,optional"`
	KeepSandbox     bool   `hcl:"keep_sandbox,optional"`
	PrometheusAddr  string `hcl:"prometheus_addr,optional"`
	MaxSubmissionKB int    `hcl:"max_submission_kb,optional"`

	cookieTTL      time.Duration
	workerTimeout  time.Duration
	sweepInterval  time.Duration
	reconnectEvery time.Duration
}

// ServiceConfig is one "service" block.
type ServiceConfig struct {
	Name   string   `hcl:"name,label"`
	Shards []string `hcl:"shards"`
}

// RankingConfig is one "ranking" block.
type RankingConfig struct {
	URL      string `hcl:"url"`
	Username string `hcl:"username"`
	Password string `hcl:"password"`
}

// Defaults applied after parsing.
const (
	defaultCookieTTL      = 36 * time.Hour
	defaultWorkerTimeout  = 10 * time.Minute
	defaultSweepInterval  = 30 * time.Second
	defaultReconnectEvery = 5 * time.Second
)

// Load reads the configuration from the given path, or from GAVEL_CONFIG
// or the default search path when path is empty. Any validation failure
// is fatal for the calling service.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path == "" {
		for _, candidate := range DefaultSearchPath {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}
	if path == "" {
		return nil, fmt.Errorf("no configuration file found (set %s)", EnvConfigFile)
	}

	var c Config
	if err := hclsimple.DecodeFile(path, nil, &c); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := c.finalize(); err != nil {
		return nil, fmt.Errorf("invalid configuration %s: %w", path, err)
	}
	return &c, nil
}

func (c *Config) finalize() error {
	var mErr multierror.Error

	if c.DatabaseURL == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("database_url is required"))
	}
	if c.SecretKey == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("secret_key is required"))
	}
	if c.CacheDir == "" {
		c.CacheDir = filepath.Join(os.TempDir(), "gavel-cache")
	}
	if c.LogDir == "" {
		c.LogDir = filepath.Join(os.TempDir(), "gavel-logs")
	}
	if c.TempDir == "" {
		c.TempDir = os.TempDir()
	}

	seen := make(map[string]bool)
	for _, svc := range c.Services {
		if seen[svc.Name] {
			mErr.Errors = append(mErr.Errors,
				fmt.Errorf("duplicate service block %q", svc.Name))
		}
		seen[svc.Name] = true
		for i, addr := range svc.Shards {
			if _, _, err := net.SplitHostPort(addr); err != nil {
				mErr.Errors = append(mErr.Errors,
					fmt.Errorf("service %q shard %d: bad address %q", svc.Name, i, addr))
			}
		}
	}

	parse := func(name, raw string, def time.Duration, dst *time.Duration) {
		if raw == "" {
			*dst = def
			return
		}
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			mErr.Errors = append(mErr.Errors,
				fmt.Errorf("%s: bad duration %q", name, raw))
			return
		}
		*dst = d
	}
	parse("cookie_ttl", c.CookieTTL, defaultCookieTTL, &c.cookieTTL)
	parse("worker_timeout", c.WorkerTimeout, defaultWorkerTimeout, &c.workerTimeout)
	parse("sweep_interval", c.SweepInterval, defaultSweepInterval, &c.sweepInterval)
	parse("reconnect_interval", c.ReconnectEvery, defaultReconnectEvery, &c.reconnectEvery)

	return mErr.ErrorOrNil()
}

// CookieTTLDuration returns how long a contestant cookie stays valid.
func (c *Config) CookieTTLDuration() time.Duration { return c.cookieTTL }

// WorkerTimeoutDuration returns the busy-worker watchdog threshold.
func (c *Config) WorkerTimeoutDuration() time.Duration { return c.workerTimeout }

// SweepIntervalDuration returns the period of the DB reconciliation
// sweep.
func (c *Config) SweepIntervalDuration() time.Duration { return c.sweepInterval }

// ReconnectInterval returns the RPC client retry period.
func (c *Config) ReconnectInterval() time.Duration { return c.reconnectEvery }

// ShardCount returns how many shards are configured for a service, zero
// when the service is absent.
func (c *Config) ShardCount(service string) int {
	for _, svc := range c.Services {
		if svc.Name == service {
			return len(svc.Shards)
		}
	}
	return 0
}

// Resolve maps a (service, shard) pair to its configured address. The
// error is fatal at startup and a connection refusal at runtime.
func (c *Config) Resolve(service string, shard int) (string, error) {
	for _, svc := range c.Services {
		if svc.Name != service {
			continue
		}
		if shard < 0 || shard >= len(svc.Shards) {
			return "", fmt.Errorf("service %s has no shard %d", service, shard)
		}
		return svc.Shards[shard], nil
	}
	return "", fmt.Errorf("service %s is not configured", service)
}

// InferShard finds which shard of a service the local machine is, by
// matching configured shard addresses against local interface addresses.
// Used when a service starts with shard -1.
func (c *Config) InferShard(service string) (int, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return 0, err
	}
	local := make(map[string]bool)
	for _, a := range addrs {
		if ipNet, ok := a.(*net.IPNet); ok {
			local[ipNet.IP.String()] = true
		}
	}

	for _, svc := range c.Services {
		if svc.Name != service {
			continue
		}
		for shard, addr := range svc.Shards {
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				continue
			}
			ips, err := net.LookupHost(host)
			if err != nil {
				continue
			}
			for _, ip := range ips {
				if local[ip] {
					return shard, nil
				}
			}
		}
		return 0, fmt.Errorf("no shard of %s matches a local address", service)
	}
	return 0, fmt.Errorf("service %s is not configured", service)
}

// CacheDirFor returns the per-shard file cache directory.
func (c *Config) CacheDirFor(service string, shard int) string {
	return filepath.Join(c.CacheDir, fmt.Sprintf("fs-cache-%s-%d", service, shard))
}

// LogDirFor returns the per-shard log directory.
func (c *Config) LogDirFor(service string, shard int) string {
	return filepath.Join(c.LogDir, fmt.Sprintf("%s-%d", service, shard))
}
