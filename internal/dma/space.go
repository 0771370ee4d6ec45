package dma

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/ehrlich-b/go-nvme/internal/constants"
	"github.com/ehrlich-b/go-nvme/internal/ioerr"
)

// ioBase is the first IOVA handed out. Zero is never a valid address.
const ioBase = 0x1_0000

type regionKind int

const (
	regionCoherent regionKind = iota
	regionStreaming
)

type region struct {
	start uint64 // IOVA of buf[0]
	buf   []byte
	kind  regionKind
	dir   Direction
	free  func([]byte) error
}

func (r *region) end() uint64 {
	return r.start + uint64(len(r.buf))
}

// SpaceConfig configures a Space
type SpaceConfig struct {
	// Mmap backs coherent buffers with anonymous mappings instead of the
	// Go heap
	Mmap bool

	// CoherentLimit caps the total bytes of coherent memory (0 = no limit)
	CoherentLimit int
}

// Space is an in-process IOVA space. It implements Allocator and Mapper
// for the host side and Resolve for a device model that needs to turn bus
// addresses back into memory. Streaming mappings keep the buffer's offset
// within its page, as an IOMMU does.
type Space struct {
	cfg SpaceConfig

	mu       sync.RWMutex
	next     uint64
	regions  []*region // sorted by start
	coherent int
	mapped   int
}

// NewSpace creates an empty IOVA space
func NewSpace(cfg SpaceConfig) *Space {
	return &Space{cfg: cfg, next: ioBase}
}

// reserve assigns an IOVA range for buf and records it. Caller holds mu.
func (s *Space) reserve(buf []byte, kind regionKind, dir Direction, free func([]byte) error) *region {
	off := uint64(PageOffset(buf))
	base := s.next
	r := &region{start: base + off, buf: buf, kind: kind, dir: dir, free: free}
	// one unmapped guard page between regions
	s.next = base + roundUp(off+uint64(len(buf)), constants.CtrlPageSize) + constants.CtrlPageSize
	s.regions = append(s.regions, r)
	return r
}

// find returns the index of the region containing addr, or -1. Caller holds mu.
func (s *Space) find(addr uint64) int {
	i := sort.Search(len(s.regions), func(i int) bool {
		return s.regions[i].end() > addr
	})
	if i < len(s.regions) && s.regions[i].start <= addr {
		return i
	}
	return -1
}

func (s *Space) remove(i int) *region {
	r := s.regions[i]
	s.regions = slices.Delete(s.regions, i, i+1)
	return r
}

// AllocCoherent allocates zeroed, page-aligned memory visible to the device
func (s *Space) AllocCoherent(size int) (Buffer, error) {
	if size <= 0 {
		return Buffer{}, ioerr.New("alloc_coherent", ioerr.CodeInvalidParams, fmt.Sprintf("bad size %d", size))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.CoherentLimit > 0 && s.coherent+size > s.cfg.CoherentLimit {
		return Buffer{}, ioerr.New("alloc_coherent", ioerr.CodeNoMemory, "coherent memory limit reached")
	}

	var (
		mem  []byte
		free func([]byte) error
	)
	if s.cfg.Mmap {
		var err error
		mem, free, err = mapArena(size)
		if err != nil {
			return Buffer{}, ioerr.Wrap("alloc_coherent", err)
		}
	} else {
		mem = alignedHeap(size)
	}

	r := s.reserve(mem, regionCoherent, Bidirectional, free)
	s.coherent += size
	return Buffer{CPU: mem, DMA: r.start}, nil
}

// FreeCoherent releases a buffer returned by AllocCoherent
func (s *Space) FreeCoherent(b Buffer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.find(b.DMA)
	if i < 0 || s.regions[i].kind != regionCoherent || s.regions[i].start != b.DMA {
		return
	}
	r := s.remove(i)
	s.coherent -= len(r.buf)
	if r.free != nil {
		r.free(r.buf)
	}
}

// MapPage maps one contiguous buffer for device access
func (s *Space) MapPage(buf []byte, dir Direction) (uint64, error) {
	if len(buf) == 0 {
		return 0, ioerr.New("map_page", ioerr.CodeInvalidParams, "empty buffer")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.reserve(buf, regionStreaming, dir, nil)
	s.mapped++
	return r.start, nil
}

// UnmapPage tears down a mapping created by MapPage
func (s *Space) UnmapPage(addr uint64, length uint32, dir Direction) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.find(addr)
	if i < 0 || s.regions[i].kind != regionStreaming || s.regions[i].start != addr {
		return
	}
	s.remove(i)
	s.mapped--
}

// MapSG maps every entry of sg and fills in Addr and Len. Entries are not
// merged, so the returned count always equals len(sg).
func (s *Space) MapSG(sg []SGEntry, dir Direction) (int, error) {
	for i := range sg {
		addr, err := s.MapPage(sg[i].Buf, dir)
		if err != nil {
			s.UnmapSG(sg[:i], dir)
			return 0, err
		}
		sg[i].Addr = addr
		sg[i].Len = uint32(len(sg[i].Buf))
	}
	return len(sg), nil
}

// UnmapSG tears down mappings created by MapSG
func (s *Space) UnmapSG(sg []SGEntry, dir Direction) {
	for i := range sg {
		s.UnmapPage(sg[i].Addr, sg[i].Len, dir)
	}
}

// Resolve returns the n bytes of memory behind bus address addr. The
// range must lie inside a single coherent buffer or streaming mapping.
func (s *Space) Resolve(addr uint64, n int) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i := s.find(addr)
	if i < 0 {
		return nil, ioerr.New("resolve", ioerr.CodeIO, fmt.Sprintf("unmapped address %#x", addr))
	}
	r := s.regions[i]
	if addr+uint64(n) > r.end() {
		return nil, ioerr.New("resolve", ioerr.CodeIO, fmt.Sprintf("access %#x+%d crosses mapping end %#x", addr, n, r.end()))
	}
	off := addr - r.start
	return r.buf[off : off+uint64(n)], nil
}

// Mapped returns the number of live streaming mappings
func (s *Space) Mapped() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mapped
}

// CoherentBytes returns the bytes of coherent memory in use
func (s *Space) CoherentBytes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.coherent
}

// Close releases every coherent buffer still allocated
func (s *Space) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, r := range s.regions {
		if r.kind == regionCoherent && r.free != nil {
			if err := r.free(r.buf); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	s.regions = nil
	s.coherent = 0
	s.mapped = 0
	return firstErr
}

var (
	_ Allocator = (*Space)(nil)
	_ Mapper    = (*Space)(nil)
)
