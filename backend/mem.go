// Package backend provides storage backends for simulated namespaces
package backend

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/go-nvme/internal/interfaces"
)

// Memory is a RAM-backed namespace
type Memory struct {
	mu   sync.RWMutex
	data []byte
	size int64

	reads   atomic.Uint64
	writes  atomic.Uint64
	flushes atomic.Uint64
}

// NewMemory creates a memory backend of the given size
func NewMemory(size int64) *Memory {
	return &Memory{
		data: make([]byte, size),
		size: size,
	}
}

// ReadAt implements interfaces.Backend
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.data == nil {
		return 0, errClosed
	}
	if off < 0 || off >= m.size {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	m.reads.Add(1)
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements interfaces.Backend
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.data == nil {
		return 0, errClosed
	}
	if off < 0 || off+int64(len(p)) > m.size {
		return 0, fmt.Errorf("write of %d bytes at %d beyond end of %d-byte namespace", len(p), off, m.size)
	}
	n := copy(m.data[off:], p)
	m.writes.Add(1)
	return n, nil
}

// Size implements interfaces.Backend
func (m *Memory) Size() int64 {
	return m.size
}

// Close implements interfaces.Backend
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = nil
	return nil
}

// Flush implements interfaces.Backend. Memory has nothing to make durable.
func (m *Memory) Flush() error {
	m.flushes.Add(1)
	return nil
}

// Stats implements interfaces.StatBackend
func (m *Memory) Stats() map[string]any {
	return map[string]any{
		"type":    "memory",
		"size":    m.size,
		"reads":   m.reads.Load(),
		"writes":  m.writes.Load(),
		"flushes": m.flushes.Load(),
	}
}

var errClosed = fmt.Errorf("backend closed")

// Compile-time interface checks
var (
	_ interfaces.Backend     = (*Memory)(nil)
	_ interfaces.StatBackend = (*Memory)(nil)
)
