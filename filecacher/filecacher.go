package filecacher

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/gavelms/gavel/structs"
)

// chunkSize bounds how much of an object is held in memory while
// hashing, uploading or downloading.
const chunkSize = 1024 * 1024

// metaCacheSize bounds the in-memory digest metadata index. Entries are
// tiny; this mostly caps pathological churn.
const metaCacheSize = 4096

type objectMeta struct {
	description string
	size        int64
}

// FileCacher fronts a Backend with a local directory of complete,
// hash-verified files. Get never returns before the object is fully
// materialized locally, so a successful Get implies later reads cannot
// block on the network.
type FileCacher struct {
	backend Backend
	logger  hclog.Logger

	// dir is the cache root; objects live in dir/objects, in-flight
	// spools in dir/tmp.
	dir string

	meta *lru.Cache[string, objectMeta]
}

// New creates a FileCacher over backend with its local cache rooted at
// dir.
func New(backend Backend, dir string, logger hclog.Logger) (*FileCacher, error) {
	for _, sub := range []string{filepath.Join(dir, "objects"), filepath.Join(dir, "tmp")} {
		if err := os.MkdirAll(sub, 0o750); err != nil {
			return nil, fmt.Errorf("filecacher: creating cache dir %s: %w", sub, err)
		}
	}
	meta, err := lru.New[string, objectMeta](metaCacheSize)
	if err != nil {
		return nil, err
	}
	return &FileCacher{
		backend: backend,
		logger:  logger.Named("filecacher"),
		dir:     dir,
		meta:    meta,
	}, nil
}

func (fc *FileCacher) cachePath(digest string) string {
	return filepath.Join(fc.dir, "objects", digest)
}

func hashReader(r io.Reader) (string, error) {
	h := sha1.New()
	if _, err := io.CopyBuffer(h, r, make([]byte, chunkSize)); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Put stores the content of r and returns its digest. The content is
// spooled to the local cache while hashed, then uploaded unless the
// backing store already has it.
func (fc *FileCacher) Put(ctx context.Context, r io.Reader, description string) (string, error) {
	defer metrics.MeasureSince([]string{"gavel", "filecacher", "put"}, time.Now())

	spool, err := os.CreateTemp(filepath.Join(fc.dir, "tmp"), "put-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(spool.Name())

	h := sha1.New()
	size, err := io.CopyBuffer(io.MultiWriter(spool, h), r, make([]byte, chunkSize))
	if err != nil {
		spool.Close()
		return "", fmt.Errorf("filecacher: spooling content: %w", err)
	}
	if err := spool.Close(); err != nil {
		return "", err
	}
	digest := hex.EncodeToString(h.Sum(nil))

	// Skip the upload when the backing store already holds the digest.
	_, err = fc.backend.Size(ctx, digest)
	switch {
	case err == nil:
	case err == ErrNotFound:
		if err := fc.upload(ctx, spool.Name(), digest, description); err != nil {
			return "", err
		}
	default:
		return "", err
	}

	// Publish into the local cache; losing a rename race to a concurrent
	// Put of the same content is fine, the bytes are identical.
	if _, statErr := os.Stat(fc.cachePath(digest)); statErr != nil {
		if err := os.Rename(spool.Name(), fc.cachePath(digest)); err != nil && !os.IsNotExist(err) {
			return "", err
		}
	}

	fc.meta.Add(digest, objectMeta{description: description, size: size})
	return digest, nil
}

func (fc *FileCacher) upload(ctx context.Context, path, digest, description string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	handle, err := fc.backend.Create(ctx)
	if err != nil {
		return err
	}
	if _, err := io.CopyBuffer(handle, f, make([]byte, chunkSize)); err != nil {
		handle.Abort(ctx)
		return fmt.Errorf("filecacher: uploading %s: %w", digest, err)
	}
	stored, err := handle.Commit(ctx, digest, description)
	if err != nil {
		return fmt.Errorf("filecacher: committing %s: %w", digest, err)
	}
	if !stored {
		fc.logger.Debug("digest already stored, upload discarded", "digest", digest)
	}
	return nil
}

// PutBytes is Put over an in-memory buffer.
func (fc *FileCacher) PutBytes(ctx context.Context, content []byte, description string) (string, error) {
	return fc.Put(ctx, bytes.NewReader(content), description)
}

// ensureLocal materializes digest into the local cache, verifying the
// hash of whatever ends up there. A cached file that no longer matches
// its digest is treated as a miss and fetched again, once.
func (fc *FileCacher) ensureLocal(ctx context.Context, digest string) (string, error) {
	if err := structs.ValidateDigest(digest); err != nil {
		return "", err
	}
	path := fc.cachePath(digest)

	for attempt := 0; attempt < 2; attempt++ {
		if f, err := os.Open(path); err == nil {
			actual, hashErr := hashReader(f)
			f.Close()
			if hashErr == nil && actual == digest {
				return path, nil
			}
			fc.logger.Error("cached file corrupted, refetching",
				"digest", digest, "actual", actual)
			metrics.IncrCounter([]string{"gavel", "filecacher", "corrupted"}, 1)
			os.Remove(path)
		}

		if err := fc.download(ctx, digest); err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("filecacher: backing store content for %s fails verification", digest)
}

func (fc *FileCacher) download(ctx context.Context, digest string) error {
	defer metrics.MeasureSince([]string{"gavel", "filecacher", "download"}, time.Now())

	src, err := fc.backend.Open(ctx, digest)
	if err != nil {
		return err
	}
	defer src.Close()

	spool, err := os.CreateTemp(filepath.Join(fc.dir, "tmp"), "get-*")
	if err != nil {
		return err
	}
	defer os.Remove(spool.Name())

	h := sha1.New()
	size, err := io.CopyBuffer(io.MultiWriter(spool, h), src, make([]byte, chunkSize))
	if err != nil {
		spool.Close()
		return fmt.Errorf("filecacher: downloading %s: %w", digest, err)
	}
	if err := spool.Close(); err != nil {
		return err
	}

	if actual := hex.EncodeToString(h.Sum(nil)); actual != digest {
		return fmt.Errorf("filecacher: downloaded %s but content hashes to %s", digest, actual)
	}
	if err := os.Rename(spool.Name(), fc.cachePath(digest)); err != nil {
		return err
	}
	if meta, ok := fc.meta.Get(digest); ok {
		meta.size = size
		fc.meta.Add(digest, meta)
	}
	return nil
}

// Get streams the content of digest to w, materializing it locally
// first.
func (fc *FileCacher) Get(ctx context.Context, digest string, w io.Writer) error {
	path, err := fc.ensureLocal(ctx, digest)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.CopyBuffer(w, f, make([]byte, chunkSize))
	return err
}

// GetBytes returns the full content of digest.
func (fc *FileCacher) GetBytes(ctx context.Context, digest string) ([]byte, error) {
	var buf bytes.Buffer
	if err := fc.Get(ctx, digest, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GetPath materializes digest and returns a caller-owned copy of the
// file. The caller removes it when done; the cache copy is untouched.
func (fc *FileCacher) GetPath(ctx context.Context, digest string) (string, error) {
	path, err := fc.ensureLocal(ctx, digest)
	if err != nil {
		return "", err
	}

	out, err := os.CreateTemp(filepath.Join(fc.dir, "tmp"), "owned-*")
	if err != nil {
		return "", err
	}
	src, err := os.Open(path)
	if err != nil {
		out.Close()
		os.Remove(out.Name())
		return "", err
	}
	defer src.Close()
	if _, err := io.CopyBuffer(out, src, make([]byte, chunkSize)); err != nil {
		out.Close()
		os.Remove(out.Name())
		return "", err
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		return "", err
	}
	return out.Name(), nil
}

// Describe returns the description stored with digest.
func (fc *FileCacher) Describe(ctx context.Context, digest string) (string, error) {
	if meta, ok := fc.meta.Get(digest); ok {
		return meta.description, nil
	}
	desc, err := fc.backend.Describe(ctx, digest)
	if err != nil {
		return "", err
	}
	return desc, nil
}

// Size returns the content length of digest.
func (fc *FileCacher) Size(ctx context.Context, digest string) (int64, error) {
	if meta, ok := fc.meta.Get(digest); ok && meta.size >= 0 {
		return meta.size, nil
	}
	return fc.backend.Size(ctx, digest)
}

// Exists reports whether digest is present in the backing store.
func (fc *FileCacher) Exists(ctx context.Context, digest string) (bool, error) {
	_, err := fc.backend.Size(ctx, digest)
	switch err {
	case nil:
		return true, nil
	case ErrNotFound:
		return false, nil
	default:
		return false, err
	}
}

// Delete removes digest from both the backing store and the local
// cache.
func (fc *FileCacher) Delete(ctx context.Context, digest string) error {
	fc.meta.Remove(digest)
	os.Remove(fc.cachePath(digest))
	return fc.backend.Delete(ctx, digest)
}

// DropCached evicts digest from the local cache only; the backing store
// keeps it.
func (fc *FileCacher) DropCached(digest string) {
	fc.meta.Remove(digest)
	os.Remove(fc.cachePath(digest))
}

// PurgeCache empties the local cache. Objects remain in the backing
// store.
func (fc *FileCacher) PurgeCache() error {
	fc.meta.Purge()
	entries, err := os.ReadDir(filepath.Join(fc.dir, "objects"))
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), ".") {
			os.Remove(filepath.Join(fc.dir, "objects", e.Name()))
		}
	}
	return nil
}

// List enumerates the backing store.
func (fc *FileCacher) List(ctx context.Context) ([]structs.FSObject, error) {
	return fc.backend.List(ctx)
}
