package attachment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// DiskStore keeps blobs under a local directory, which the HTTP server also
// serves read-only.
type DiskStore struct {
	root string
}

// NewDiskStore returns a store rooted at root, creating it if needed.
func NewDiskStore(root string) (*DiskStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("attachment: create disk root: %w", err)
	}
	return &DiskStore{root: root}, nil
}

func (d *DiskStore) Root() string { return d.root }

func (d *DiskStore) path(key string) (string, error) {
	p := filepath.Join(d.root, filepath.FromSlash(key))
	rel, err := filepath.Rel(d.root, p)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("disk: key %q escapes root", key)
	}
	return p, nil
}

// Put writes to a temporary file and renames it into place so readers never
// see a partial blob.
func (d *DiskStore) Put(ctx context.Context, key string, body io.Reader, _ int64, _ string) error {
	p, err := d.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("disk: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return fmt.Errorf("disk: create: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, ctxReader{ctx, body}); err != nil {
		tmp.Close()
		return fmt.Errorf("disk: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("disk: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("disk: rename: %w", err)
	}
	return nil
}

func (d *DiskStore) Delete(_ context.Context, key string) error {
	p, err := d.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("disk: remove: %w", err)
	}
	return nil
}

// ctxReader stops a copy once the request context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
