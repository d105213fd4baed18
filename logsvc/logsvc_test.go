package logsvc

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/shoenig/test/must"
	"github.com/stretchr/testify/require"

	"github.com/gavelms/gavel/rpc"
)

func TestOpenLogFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "Worker-0")
	f, err := OpenLogFile(dir)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteString("hello\n")
	require.NoError(t, err)

	// last.log follows the active file.
	content, err := os.ReadFile(filepath.Join(dir, "last.log"))
	require.NoError(t, err)
	must.Eq(t, "hello\n", string(content))
}

func TestIngestAndRecent(t *testing.T) {
	var buf bytes.Buffer
	svc := NewService(&buf, hclog.NewNullLogger())

	require.NoError(t, svc.Ingest(Record{
		Service: "Worker", Shard: 2, Level: "info",
		Message: "job group executed", Timestamp: 1754038800,
	}))
	require.NoError(t, svc.Ingest(Record{
		Service: "Worker", Shard: 2, Level: "error",
		Message: "sandbox failed", Timestamp: 1754038860,
		Args: map[string]string{"box": "3"},
	}))

	out := buf.String()
	must.StrContains(t, out, "job group executed")
	must.StrContains(t, out, "(Worker,2)")
	must.StrContains(t, out, `box="3"`)

	// Only the error made the recent buffer.
	recent := svc.Recent()
	must.Len(t, 1, recent)
	must.Eq(t, "sandbox failed", recent[0].Message)
}

func TestRecentBufferBounded(t *testing.T) {
	svc := NewService(&bytes.Buffer{}, hclog.NewNullLogger())
	for i := 0; i < recentSize+20; i++ {
		require.NoError(t, svc.Ingest(Record{
			Service: "Worker", Level: "warn", Message: "m", Timestamp: int64(i),
		}))
	}
	recent := svc.Recent()
	must.Len(t, recentSize, recent)
	must.Eq(t, int64(20), recent[0].Timestamp)
}

func TestRemoteSink(t *testing.T) {
	var got []Record
	client := &recordingCaller{onLog: func(rec Record) { got = append(got, rec) }}
	sink := NewRemoteSink(client, "Worker", 1, hclog.Warn)

	sink.Accept("worker", hclog.Debug, "ignored")
	sink.Accept("worker", hclog.Error, "sandbox failed", "box", 3)

	must.Len(t, 1, got)
	must.Eq(t, "sandbox failed", got[0].Message)
	must.Eq(t, "Worker", got[0].Service)
	must.Eq(t, 1, got[0].Shard)
	must.Eq(t, "3", got[0].Args["box"])
}

type recordingCaller struct {
	rpc.FakeClient
	onLog func(Record)
}

func (c *recordingCaller) Go(method string, args any, cb func(data json.RawMessage, err error)) {
	if method == "log" {
		c.onLog(args.(Record))
		return
	}
	c.FakeClient.Go(method, args, cb)
}

func TestFormatRecord(t *testing.T) {
	line := formatRecord(Record{
		Service: "EvaluationService", Shard: 0, Name: "evalsvc.pool",
		Level: "warn", Message: "worker timed out", Timestamp: 0,
	})
	must.True(t, strings.HasPrefix(line, "1970-01-01T00:00:00Z [warn] evalsvc.pool (EvaluationService,0): worker timed out"))
	must.True(t, strings.HasSuffix(line, "\n"))
}
