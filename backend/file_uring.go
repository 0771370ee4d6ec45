//go:build giouring
// +build giouring

package backend

import (
	"fmt"
	"runtime"
	"sync"
	"syscall"
	"unsafe"

	"github.com/pawelgaczynski/giouring"

	"github.com/ehrlich-b/go-nvme/internal/interfaces"
)

// UringFile is a File whose reads, writes and flushes go through io_uring
type UringFile struct {
	*File

	mu   sync.Mutex
	ring *giouring.Ring
}

// OpenUringFile opens path like OpenFile and attaches a ring of the given
// depth for data transfers
func OpenUringFile(path string, size int64, entries uint32) (interfaces.Backend, error) {
	f, err := OpenFile(path, size)
	if err != nil {
		return nil, err
	}
	ring, err := giouring.CreateRing(entries)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create io_uring: %v", err)
	}
	return &UringFile{File: f, ring: ring}, nil
}

// do submits one prepared entry and waits for its completion
func (u *UringFile) do(prep func(sqe *giouring.SubmissionQueueEntry)) (int32, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	sqe := u.ring.GetSQE()
	if sqe == nil {
		return 0, fmt.Errorf("io_uring submission queue full")
	}
	prep(sqe)
	if _, err := u.ring.SubmitAndWait(1); err != nil {
		return 0, fmt.Errorf("io_uring submit: %w", err)
	}
	cqe, err := u.ring.WaitCQE()
	if err != nil {
		return 0, fmt.Errorf("io_uring wait: %w", err)
	}
	res := cqe.Res
	u.ring.CQESeen(cqe)
	if res < 0 {
		return 0, syscall.Errno(-res)
	}
	return res, nil
}

func (u *UringFile) transfer(p []byte, off int64, write bool) (int, error) {
	fd := int(u.f.Fd())
	done := 0
	for done < len(p) {
		chunk := p[done:]
		buf := uintptr(unsafe.Pointer(&chunk[0]))
		res, err := u.do(func(sqe *giouring.SubmissionQueueEntry) {
			if write {
				sqe.PrepareWrite(fd, buf, uint32(len(chunk)), uint64(off)+uint64(done))
			} else {
				sqe.PrepareRead(fd, buf, uint32(len(chunk)), uint64(off)+uint64(done))
			}
		})
		runtime.KeepAlive(chunk)
		if err != nil {
			return done, err
		}
		if res == 0 {
			return done, fmt.Errorf("short transfer at %d", off+int64(done))
		}
		done += int(res)
	}
	return done, nil
}

// ReadAt implements interfaces.Backend
func (u *UringFile) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	u.reads.Add(1)
	return u.transfer(p, off, false)
}

// WriteAt implements interfaces.Backend
func (u *UringFile) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > u.size {
		return 0, fmt.Errorf("write of %d bytes at %d beyond end of %d-byte namespace", len(p), off, u.size)
	}
	if len(p) == 0 {
		return 0, nil
	}
	u.writes.Add(1)
	return u.transfer(p, off, true)
}

// Flush implements interfaces.Backend
func (u *UringFile) Flush() error {
	u.flushes.Add(1)
	fd := int(u.f.Fd())
	_, err := u.do(func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareFsync(fd, 0)
	})
	return err
}

// Close implements interfaces.Backend
func (u *UringFile) Close() error {
	u.mu.Lock()
	u.ring.QueueExit()
	u.mu.Unlock()
	return u.File.Close()
}

// Stats implements interfaces.StatBackend
func (u *UringFile) Stats() map[string]any {
	s := u.File.Stats()
	s["type"] = "file-uring"
	return s
}

var _ interfaces.StatBackend = (*UringFile)(nil)
