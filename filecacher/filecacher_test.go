package filecacher

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/shoenig/test/must"
	"github.com/stretchr/testify/require"
)

func testCacher(t *testing.T) (*FileCacher, *FSBackend) {
	t.Helper()
	backend, err := NewFSBackend(filepath.Join(t.TempDir(), "store"))
	require.NoError(t, err)
	fc, err := New(backend, filepath.Join(t.TempDir(), "cache"), hclog.NewNullLogger())
	require.NoError(t, err)
	return fc, backend
}

func sha1hex(b []byte) string {
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:])
}

func TestFileCacher_PutGet(t *testing.T) {
	fc, _ := testCacher(t)
	ctx := context.Background()

	content := []byte("#include <iostream>\nint main() {}\n")
	digest, err := fc.PutBytes(ctx, content, "source of submission 42")
	must.NoError(t, err)
	must.Eq(t, sha1hex(content), digest)

	got, err := fc.GetBytes(ctx, digest)
	must.NoError(t, err)
	must.Eq(t, content, got)

	desc, err := fc.Describe(ctx, digest)
	must.NoError(t, err)
	must.Eq(t, "source of submission 42", desc)

	size, err := fc.Size(ctx, digest)
	must.NoError(t, err)
	must.Eq(t, int64(len(content)), size)

	ok, err := fc.Exists(ctx, digest)
	must.NoError(t, err)
	must.True(t, ok)
}

func TestFileCacher_GetUnknownDigest(t *testing.T) {
	fc, _ := testCacher(t)

	_, err := fc.GetBytes(context.Background(), sha1hex([]byte("never stored")))
	must.ErrorIs(t, err, ErrNotFound)
}

func TestFileCacher_InvalidDigest(t *testing.T) {
	fc, _ := testCacher(t)

	_, err := fc.GetBytes(context.Background(), "not-a-digest")
	must.Error(t, err)
}

func TestFileCacher_GetPath_CallerOwned(t *testing.T) {
	fc, _ := testCacher(t)
	ctx := context.Background()

	content := []byte("testcase input\n")
	digest, err := fc.PutBytes(ctx, content, "input 001")
	must.NoError(t, err)

	path, err := fc.GetPath(ctx, digest)
	must.NoError(t, err)
	got, err := os.ReadFile(path)
	must.NoError(t, err)
	must.Eq(t, content, got)

	// Removing the owned copy must not disturb the cache.
	must.NoError(t, os.Remove(path))
	got, err = fc.GetBytes(ctx, digest)
	must.NoError(t, err)
	must.Eq(t, content, got)
}

func TestFileCacher_ColdCacheFetch(t *testing.T) {
	backend, err := NewFSBackend(filepath.Join(t.TempDir(), "store"))
	require.NoError(t, err)
	ctx := context.Background()

	writer, err := New(backend, filepath.Join(t.TempDir(), "cache-a"), hclog.NewNullLogger())
	require.NoError(t, err)
	content := []byte("shared object")
	digest, err := writer.PutBytes(ctx, content, "shared")
	must.NoError(t, err)

	// A second cacher over the same backend starts cold and must fetch.
	reader, err := New(backend, filepath.Join(t.TempDir(), "cache-b"), hclog.NewNullLogger())
	require.NoError(t, err)
	got, err := reader.GetBytes(ctx, digest)
	must.NoError(t, err)
	must.Eq(t, content, got)

	desc, err := reader.Describe(ctx, digest)
	must.NoError(t, err)
	must.Eq(t, "shared", desc)
}

func TestFileCacher_CorruptedCacheRefetch(t *testing.T) {
	fc, _ := testCacher(t)
	ctx := context.Background()

	content := []byte("correct bytes")
	digest, err := fc.PutBytes(ctx, content, "x")
	must.NoError(t, err)

	// Corrupt the local cache copy behind the cacher's back.
	require.NoError(t, os.WriteFile(fc.cachePath(digest), []byte("tampered"), 0o640))

	got, err := fc.GetBytes(ctx, digest)
	must.NoError(t, err)
	must.Eq(t, content, got)
}

// countingBackend tracks how many uploads actually reached the store.
type countingBackend struct {
	*FSBackend
	creates atomic.Int32
}

func (b *countingBackend) Create(ctx context.Context) (FileHandle, error) {
	b.creates.Add(1)
	return b.FSBackend.Create(ctx)
}

func TestFileCacher_ConcurrentPutDedup(t *testing.T) {
	fs, err := NewFSBackend(filepath.Join(t.TempDir(), "store"))
	require.NoError(t, err)
	backend := &countingBackend{FSBackend: fs}
	fc, err := New(backend, filepath.Join(t.TempDir(), "cache"), hclog.NewNullLogger())
	require.NoError(t, err)

	ctx := context.Background()
	content := bytes.Repeat([]byte("same bytes "), 1000)
	want := sha1hex(content)

	const writers = 8
	digests := make([]string, writers)
	errs := make([]error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			digests[i], errs[i] = fc.PutBytes(ctx, content, "dup")
		}(i)
	}
	wg.Wait()

	// Everyone sees the same digest and the store holds one object.
	for i := range digests {
		must.NoError(t, errs[i])
		must.Eq(t, want, digests[i])
	}
	must.GreaterEq(t, int32(1), backend.creates.Load())
	objects, err := fc.List(ctx)
	must.NoError(t, err)
	must.Len(t, 1, objects)

	got, err := fc.GetBytes(ctx, want)
	must.NoError(t, err)
	must.Eq(t, content, got)
}

func TestFileCacher_DeleteAndPurge(t *testing.T) {
	fc, _ := testCacher(t)
	ctx := context.Background()

	digest, err := fc.PutBytes(ctx, []byte("ephemeral"), "x")
	must.NoError(t, err)

	must.NoError(t, fc.Delete(ctx, digest))
	ok, err := fc.Exists(ctx, digest)
	must.NoError(t, err)
	must.False(t, ok)
	must.ErrorIs(t, fc.Delete(ctx, digest), ErrNotFound)

	// Purging the cache must not lose backed objects.
	digest, err = fc.PutBytes(ctx, []byte("durable"), "y")
	must.NoError(t, err)
	must.NoError(t, fc.PurgeCache())
	got, err := fc.GetBytes(ctx, digest)
	must.NoError(t, err)
	must.Eq(t, []byte("durable"), got)
}

func TestNullBackend(t *testing.T) {
	fc, err := New(NullBackend{}, filepath.Join(t.TempDir(), "cache"), hclog.NewNullLogger())
	require.NoError(t, err)

	_, err = fc.PutBytes(context.Background(), []byte("x"), "x")
	must.Error(t, err)
}
