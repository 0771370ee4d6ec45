package dma

import (
	"sync"

	"github.com/ehrlich-b/go-nvme/internal/constants"
	"github.com/ehrlich-b/go-nvme/internal/ioerr"
)

// PagePool is a fixed-block pool of controller pages carved from an
// Allocator. Freed blocks are kept on a free list and reused.
type PagePool struct {
	alloc Allocator
	limit int

	mu       sync.Mutex
	free     []Buffer
	live     map[uint64]struct{}
	badFrees int
}

// NewPagePool creates a pool that holds at most limit pages in use at once
// (0 = no limit).
func NewPagePool(alloc Allocator, limit int) *PagePool {
	return &PagePool{
		alloc: alloc,
		limit: limit,
		live:  make(map[uint64]struct{}),
	}
}

// Alloc returns a zeroed controller page
func (p *PagePool) Alloc() (Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.limit > 0 && len(p.live) >= p.limit {
		return Buffer{}, ioerr.New("pool_alloc", ioerr.CodeNoMemory, "descriptor page pool exhausted")
	}

	var b Buffer
	if n := len(p.free); n > 0 {
		b = p.free[n-1]
		p.free = p.free[:n-1]
		b.Zero()
	} else {
		var err error
		b, err = p.alloc.AllocCoherent(constants.CtrlPageSize)
		if err != nil {
			return Buffer{}, err
		}
	}
	p.live[b.DMA] = struct{}{}
	return b, nil
}

// Free returns a page to the pool. Unknown or repeated frees are counted
// and otherwise ignored.
func (p *PagePool) Free(cpu []byte, dma uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.live[dma]; !ok || len(cpu) != constants.CtrlPageSize {
		p.badFrees++
		return
	}
	delete(p.live, dma)
	p.free = append(p.free, Buffer{CPU: cpu, DMA: dma})
}

// InUse returns the number of pages handed out and not yet freed
func (p *PagePool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

// BadFrees returns the number of rejected Free calls
func (p *PagePool) BadFrees() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.badFrees
}

// Close returns cached pages to the allocator
func (p *PagePool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.free {
		p.alloc.FreeCoherent(b)
	}
	p.free = nil
}

var _ Pool = (*PagePool)(nil)
