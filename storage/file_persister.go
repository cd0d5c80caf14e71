package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/oxtoacart/bpool"
)

// FilePersister will persist files. It abstracts away the where and how of
// writing files to the source destination.
type FilePersister interface {
	Persist(ctx context.Context, path string, data io.Reader) error
}

// LocalFilePersister will persist files to the local disk.
type LocalFilePersister struct{}

// Persist will write the contents of data to the local disk on the specified path.
// Missing parent directories are created, an existing file is truncated.
func (l *LocalFilePersister) Persist(_ context.Context, path string, data io.Reader) (err error) {
	cp := filepath.Clean(path)

	dir := filepath.Dir(cp)
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating a local directory %q: %w", dir, err)
	}

	f, err := os.OpenFile(cp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating a local file %q: %w", cp, err)
	}
	defer func() {
		tempErr := f.Close()
		// Only return the close error if there isn't already an existing error.
		if tempErr != nil && err == nil {
			err = fmt.Errorf("closing the local file %q: %w", cp, tempErr)
		}
	}()

	if _, err = io.Copy(f, data); err != nil {
		return fmt.Errorf("writing the local file %q: %w", cp, err)
	}

	return nil
}

// BufferedPersister persists byte slices through a FilePersister, staging
// them in buffers taken from a pool.
type BufferedPersister struct {
	persister FilePersister
	pool      *bpool.BufferPool
}

// NewBufferedPersister returns a BufferedPersister keeping at most size idle
// buffers around.
func NewBufferedPersister(persister FilePersister, size int) *BufferedPersister {
	return &BufferedPersister{
		persister: persister,
		pool:      bpool.NewBufferPool(size),
	}
}

// PersistBytes writes data to path.
func (p *BufferedPersister) PersistBytes(ctx context.Context, path string, data []byte) error {
	buf := p.pool.Get()
	defer p.pool.Put(buf)

	buf.Write(data)

	return p.persister.Persist(ctx, path, buf)
}
