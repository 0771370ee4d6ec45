//go:build linux

package mmio

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// BAR is a memory-mapped register window, typically a PCI resource file
// such as /sys/bus/pci/devices/0000:01:00.0/resource0 exposed through
// vfio or uio. Accesses are single 32-bit loads and stores; 64-bit
// registers are accessed low word first.
type BAR struct {
	mem  []byte
	file *os.File
}

// OpenBAR maps size bytes of the register file at path. A size of 0 maps
// the whole file.
func OpenBAR(path string, size int) (*BAR, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if size == 0 {
		st, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		size = int(st.Size())
	}
	if size < 0x1000 {
		f.Close()
		return nil, fmt.Errorf("register window %s too small: %d bytes", path, size)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	return &BAR{mem: mem, file: f}, nil
}

func (b *BAR) reg(off uint32) *uint32 {
	if off&3 != 0 || int(off)+4 > len(b.mem) {
		panic(fmt.Sprintf("mmio: bad register offset %#x", off))
	}
	return (*uint32)(unsafe.Pointer(&b.mem[off]))
}

func (b *BAR) Read32(off uint32) uint32 {
	return atomic.LoadUint32(b.reg(off))
}

func (b *BAR) Write32(off uint32, v uint32) {
	atomic.StoreUint32(b.reg(off), v)
}

func (b *BAR) Read64(off uint32) uint64 {
	lo := b.Read32(off)
	hi := b.Read32(off + 4)
	return uint64(hi)<<32 | uint64(lo)
}

func (b *BAR) Write64(off uint32, v uint64) {
	b.Write32(off, uint32(v))
	b.Write32(off+4, uint32(v>>32))
}

// Size returns the mapped window size
func (b *BAR) Size() int {
	return len(b.mem)
}

// Close unmaps the window
func (b *BAR) Close() error {
	var err error
	if b.mem != nil {
		err = unix.Munmap(b.mem)
		b.mem = nil
	}
	if b.file != nil {
		if cerr := b.file.Close(); err == nil {
			err = cerr
		}
		b.file = nil
	}
	return err
}

var _ Registers = (*BAR)(nil)
