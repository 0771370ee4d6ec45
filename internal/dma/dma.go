// Package dma models the DMA side of the platform: coherent buffers shared
// with the controller, streaming mappings of request memory, and a pool of
// controller-page-sized blocks for descriptor lists.
package dma

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"sync/atomic"
	"unsafe"

	"github.com/ehrlich-b/go-nvme/internal/constants"
)

// Direction is the data direction of a streaming mapping
type Direction int

const (
	Bidirectional Direction = iota
	ToDevice
	FromDevice
)

func (d Direction) String() string {
	switch d {
	case ToDevice:
		return "to-device"
	case FromDevice:
		return "from-device"
	default:
		return "bidirectional"
	}
}

// Buffer is host memory with a device-visible address
type Buffer struct {
	CPU []byte
	DMA uint64
}

// SGEntry is one scatter-gather element. Buf is filled by the caller;
// Addr and Len are filled by Mapper.MapSG.
type SGEntry struct {
	Buf  []byte
	Addr uint64
	Len  uint32
}

// Allocator hands out zeroed DMA-coherent memory
type Allocator interface {
	AllocCoherent(size int) (Buffer, error)
	FreeCoherent(b Buffer)
}

// Pool hands out controller-page-sized coherent blocks
type Pool interface {
	Alloc() (Buffer, error)
	Free(cpu []byte, dma uint64)
}

// Mapper creates streaming mappings of request memory
type Mapper interface {
	MapPage(buf []byte, dir Direction) (uint64, error)
	UnmapPage(addr uint64, length uint32, dir Direction)
	MapSG(sg []SGEntry, dir Direction) (int, error)
	UnmapSG(sg []SGEntry, dir Direction)
}

// PageOffset returns the offset of b's first byte within its controller page
func PageOffset(b []byte) int {
	if cap(b) == 0 {
		return 0
	}
	return int(uintptr(unsafe.Pointer(unsafe.SliceData(b))) & (constants.CtrlPageSize - 1))
}

var hostBigEndian = binary.NativeEndian.Uint16([]byte{0, 1}) == 1

func le32(v uint32) uint32 {
	if hostBigEndian {
		return bits.ReverseBytes32(v)
	}
	return v
}

func (b Buffer) word(off int) *uint32 {
	if off < 0 || off&3 != 0 || off+4 > len(b.CPU) {
		panic(fmt.Sprintf("dma: unaligned or out of range word access at %d (len %d)", off, len(b.CPU)))
	}
	return (*uint32)(unsafe.Pointer(&b.CPU[off]))
}

// LoadUint32 atomically loads the little-endian word at off
func (b Buffer) LoadUint32(off int) uint32 {
	return le32(atomic.LoadUint32(b.word(off)))
}

// StoreUint32 atomically stores v as a little-endian word at off
func (b Buffer) StoreUint32(off int, v uint32) {
	atomic.StoreUint32(b.word(off), le32(v))
}

// SwapUint32 atomically replaces the word at off and returns the old value
func (b Buffer) SwapUint32(off int, v uint32) uint32 {
	return le32(atomic.SwapUint32(b.word(off), le32(v)))
}

// Uint64 reads a little-endian 64-bit value at off
func (b Buffer) Uint64(off int) uint64 {
	return binary.LittleEndian.Uint64(b.CPU[off : off+8])
}

// PutUint64 writes a little-endian 64-bit value at off
func (b Buffer) PutUint64(off int, v uint64) {
	binary.LittleEndian.PutUint64(b.CPU[off:off+8], v)
}

// Zero clears the buffer
func (b Buffer) Zero() {
	clear(b.CPU)
}

func alignedHeap(size int) []byte {
	raw := make([]byte, size+constants.CtrlPageSize)
	pad := 0
	if off := PageOffset(raw); off != 0 {
		pad = constants.CtrlPageSize - off
	}
	return raw[pad : pad+size : pad+size]
}

func roundUp(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}
