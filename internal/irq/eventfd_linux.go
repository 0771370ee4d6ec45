//go:build linux

package irq

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// pollSliceMs bounds how long Wait sleeps in poll(2) before rechecking ctx
const pollSliceMs = 20

// EventFD is an interrupt line backed by an eventfd, the form in which
// vfio delivers MSI-X vectors to user space.
type EventFD struct {
	fd     int
	closed atomic.Bool
}

// NewEventFD creates a non-blocking eventfd line
func NewEventFD() (*EventFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	return &EventFD{fd: fd}, nil
}

// FD returns the descriptor, e.g. for VFIO_DEVICE_SET_IRQS
func (e *EventFD) FD() int {
	return e.fd
}

// Fire adds one to the counter
func (e *EventFD) Fire() {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	unix.Write(e.fd, buf[:])
}

func (e *EventFD) Wait(ctx context.Context) error {
	fds := []unix.PollFd{{Fd: int32(e.fd), Events: unix.POLLIN}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.closed.Load() {
			return unix.EBADF
		}
		n, err := unix.Poll(fds, pollSliceMs)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}
		if n == 0 {
			continue
		}
		var buf [8]byte
		if _, err := unix.Read(e.fd, buf[:]); err != nil {
			if errors.Is(err, unix.EAGAIN) {
				continue
			}
			return err
		}
		return nil
	}
}

// Close releases the descriptor
func (e *EventFD) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	return unix.Close(e.fd)
}

var _ Line = (*EventFD)(nil)
