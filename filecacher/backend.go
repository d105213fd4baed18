// Package filecacher provides deduplicated, content-addressed blob
// storage: a shared backing store holding one copy of every object,
// fronted by a per-shard local cache of complete, hash-verified files.
package filecacher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gavelms/gavel/structs"
)

// ErrNotFound is returned when a digest is absent from the backing
// store.
var ErrNotFound = errors.New("filecacher: object not found")

// Backend is the capability interface of the backing store. The only
// atomicity requirement is that a committed digest row implies the
// content is fully present.
type Backend interface {
	// Open returns a reader over the content of digest.
	Open(ctx context.Context, digest string) (io.ReadCloser, error)

	// Create starts a new object upload. The handle must either be
	// committed or aborted.
	Create(ctx context.Context) (FileHandle, error)

	// Describe returns the description attached to digest.
	Describe(ctx context.Context, digest string) (string, error)

	// Size returns the content length of digest.
	Size(ctx context.Context, digest string) (int64, error)

	// Delete removes the object; deleting an absent digest is an error.
	Delete(ctx context.Context, digest string) error

	// List enumerates the stored objects.
	List(ctx context.Context) ([]structs.FSObject, error)
}

// FileHandle is an in-progress upload to the backing store.
type FileHandle interface {
	io.Writer

	// Commit publishes the uploaded content under digest. It returns
	// false when another writer committed the same digest first; the
	// upload is discarded and the caller reuses the winner's row.
	Commit(ctx context.Context, digest, description string) (bool, error)

	// Abort discards the upload.
	Abort(ctx context.Context) error
}

// FSBackend stores objects in a directory tree. It serves single-host
// deployments and tests; the atomic rename of a complete temp file is
// what makes (row, content) appear together.
type FSBackend struct {
	root string
}

// NewFSBackend creates the backing directory tree rooted at root.
func NewFSBackend(root string) (*FSBackend, error) {
	for _, dir := range []string{objectsDir(root), tmpDir(root), descriptionsDir(root)} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("filecacher: creating %s: %w", dir, err)
		}
	}
	return &FSBackend{root: root}, nil
}

func objectsDir(root string) string      { return filepath.Join(root, "objects") }
func tmpDir(root string) string          { return filepath.Join(root, "tmp") }
func descriptionsDir(root string) string { return filepath.Join(root, "descriptions") }

func (b *FSBackend) objectPath(digest string) string {
	return filepath.Join(objectsDir(b.root), digest)
}

func (b *FSBackend) descriptionPath(digest string) string {
	return filepath.Join(descriptionsDir(b.root), digest)
}

// Open implements Backend.
func (b *FSBackend) Open(_ context.Context, digest string) (io.ReadCloser, error) {
	f, err := os.Open(b.objectPath(digest))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return f, err
}

// Create implements Backend.
func (b *FSBackend) Create(_ context.Context) (FileHandle, error) {
	f, err := os.CreateTemp(tmpDir(b.root), "upload-*")
	if err != nil {
		return nil, err
	}
	return &fsHandle{backend: b, file: f}, nil
}

type fsHandle struct {
	backend *FSBackend
	file    *os.File
}

func (h *fsHandle) Write(p []byte) (int, error) { return h.file.Write(p) }

func (h *fsHandle) Commit(_ context.Context, digest, description string) (bool, error) {
	if err := h.file.Sync(); err != nil {
		h.file.Close()
		os.Remove(h.file.Name())
		return false, err
	}
	if err := h.file.Close(); err != nil {
		os.Remove(h.file.Name())
		return false, err
	}

	target := h.backend.objectPath(digest)
	if _, err := os.Stat(target); err == nil {
		// First committer wins; this upload is redundant.
		os.Remove(h.file.Name())
		return false, nil
	}
	if err := os.Rename(h.file.Name(), target); err != nil {
		os.Remove(h.file.Name())
		return false, err
	}
	if err := os.WriteFile(h.backend.descriptionPath(digest), []byte(description), 0o640); err != nil {
		return true, err
	}
	return true, nil
}

func (h *fsHandle) Abort(context.Context) error {
	h.file.Close()
	return os.Remove(h.file.Name())
}

// Describe implements Backend.
func (b *FSBackend) Describe(_ context.Context, digest string) (string, error) {
	if _, err := os.Stat(b.objectPath(digest)); os.IsNotExist(err) {
		return "", ErrNotFound
	}
	desc, err := os.ReadFile(b.descriptionPath(digest))
	if os.IsNotExist(err) {
		return "", nil
	}
	return string(desc), err
}

// Size implements Backend.
func (b *FSBackend) Size(_ context.Context, digest string) (int64, error) {
	info, err := os.Stat(b.objectPath(digest))
	if os.IsNotExist(err) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Delete implements Backend.
func (b *FSBackend) Delete(_ context.Context, digest string) error {
	err := os.Remove(b.objectPath(digest))
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	os.Remove(b.descriptionPath(digest))
	return err
}

// List implements Backend.
func (b *FSBackend) List(_ context.Context) ([]structs.FSObject, error) {
	entries, err := os.ReadDir(objectsDir(b.root))
	if err != nil {
		return nil, err
	}
	objects := make([]structs.FSObject, 0, len(entries))
	for _, e := range entries {
		desc, _ := os.ReadFile(b.descriptionPath(e.Name()))
		objects = append(objects, structs.FSObject{
			Digest:      e.Name(),
			Description: string(desc),
		})
	}
	return objects, nil
}

// NullBackend rejects all use. Cache-only services (a worker whose cache
// is pre-warmed) run with it.
type NullBackend struct{}

var errNullBackend = errors.New("filecacher: backing store not configured")

func (NullBackend) Open(context.Context, string) (io.ReadCloser, error) {
	return nil, errNullBackend
}
func (NullBackend) Create(context.Context) (FileHandle, error) { return nil, errNullBackend }
func (NullBackend) Describe(context.Context, string) (string, error) {
	return "", errNullBackend
}
func (NullBackend) Size(context.Context, string) (int64, error) { return 0, errNullBackend }
func (NullBackend) Delete(context.Context, string) error        { return errNullBackend }
func (NullBackend) List(context.Context) ([]structs.FSObject, error) {
	return nil, errNullBackend
}
