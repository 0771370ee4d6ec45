package backend

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/ehrlich-b/go-nvme/internal/interfaces"
)

// File is a namespace stored in a regular file or block device
type File struct {
	f    *os.File
	size int64

	reads   atomic.Uint64
	writes  atomic.Uint64
	flushes atomic.Uint64
}

// OpenFile opens path as a backend. When size is non-zero the file is
// created if needed and truncated or extended to size bytes; otherwise
// the existing file size is used.
func OpenFile(path string, size int64) (*File, error) {
	flags := os.O_RDWR
	if size > 0 {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open backend %s: %w", path, err)
	}

	if size > 0 {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("size backend %s: %w", path, err)
		}
	} else {
		st, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("stat backend %s: %w", path, err)
		}
		size = st.Size()
	}
	if size == 0 {
		f.Close()
		return nil, fmt.Errorf("backend %s is empty", path)
	}
	return &File{f: f, size: size}, nil
}

// ReadAt implements interfaces.Backend
func (b *File) ReadAt(p []byte, off int64) (int, error) {
	b.reads.Add(1)
	return b.f.ReadAt(p, off)
}

// WriteAt implements interfaces.Backend
func (b *File) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > b.size {
		return 0, fmt.Errorf("write of %d bytes at %d beyond end of %d-byte namespace", len(p), off, b.size)
	}
	b.writes.Add(1)
	return b.f.WriteAt(p, off)
}

// Size implements interfaces.Backend
func (b *File) Size() int64 {
	return b.size
}

// Flush implements interfaces.Backend
func (b *File) Flush() error {
	b.flushes.Add(1)
	return b.f.Sync()
}

// Close implements interfaces.Backend
func (b *File) Close() error {
	return b.f.Close()
}

// Stats implements interfaces.StatBackend
func (b *File) Stats() map[string]any {
	return map[string]any{
		"type":    "file",
		"path":    b.f.Name(),
		"size":    b.size,
		"reads":   b.reads.Load(),
		"writes":  b.writes.Load(),
		"flushes": b.flushes.Load(),
	}
}

var (
	_ interfaces.Backend     = (*File)(nil)
	_ interfaces.StatBackend = (*File)(nil)
)
