package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gavel.hcl")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const validConfig = `
database_url = "postgres://gavel@localhost/gavel"
secret_key   = "8e045a51e4b102ea803c06f92841a1fb"

service "EvaluationService" {
  shards = ["127.0.0.1:25000"]
}

service "Worker" {
  shards = ["127.0.0.1:26000", "127.0.0.1:26001"]
}

ranking {
  url      = "http://localhost:8890/"
  username = "usern4me"
  password = "passw0rd"
}
`

func TestLoad(t *testing.T) {
	path := writeConfig(t, validConfig)

	c, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 2, c.ShardCount(ServiceWorker))
	require.Equal(t, 0, c.ShardCount(ServiceScoring))

	addr, err := c.Resolve(ServiceWorker, 1)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:26001", addr)

	_, err = c.Resolve(ServiceWorker, 2)
	require.Error(t, err)
	_, err = c.Resolve(ServiceScoring, 0)
	require.Error(t, err)

	require.Equal(t, 10*time.Minute, c.WorkerTimeoutDuration())
	require.Equal(t, 30*time.Second, c.SweepIntervalDuration())
	require.Len(t, c.Rankings, 1)
}

func TestLoad_EnvOverride(t *testing.T) {
	path := writeConfig(t, validConfig)
	t.Setenv(EnvConfigFile, path)

	c, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 1, c.ShardCount(ServiceEvaluation))
}

func TestLoad_MissingSecret(t *testing.T) {
	path := writeConfig(t, `
database_url = "postgres://gavel@localhost/gavel"
secret_key   = ""
`)
	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "secret_key")
}

func TestLoad_BadShardAddress(t *testing.T) {
	path := writeConfig(t, `
database_url = "postgres://gavel@localhost/gavel"
secret_key   = "k"

service "Worker" {
  shards = ["not-an-address"]
}
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_Durations(t *testing.T) {
	path := writeConfig(t, validConfig+`
worker_timeout = "2m"
sweep_interval = "10s"
`)
	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 2*time.Minute, c.WorkerTimeoutDuration())
	require.Equal(t, 10*time.Second, c.SweepIntervalDuration())
}

func TestCacheDirFor(t *testing.T) {
	path := writeConfig(t, validConfig+`
cache_dir = "/var/lib/gavel"
`)
	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/gavel/fs-cache-Worker-3", c.CacheDirFor(ServiceWorker, 3))
}
