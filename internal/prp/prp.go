// Package prp builds and tears down NVMe physical region page lists: the
// two inline pointers of a command plus chained descriptor pages that
// describe a scatter-gather transfer page by page.
package prp

import (
	"encoding/binary"
	"fmt"

	"github.com/ehrlich-b/go-nvme/internal/constants"
	"github.com/ehrlich-b/go-nvme/internal/dma"
	"github.com/ehrlich-b/go-nvme/internal/ioerr"
	"github.com/ehrlich-b/go-nvme/internal/wire"
)

const (
	pageSize  = constants.CtrlPageSize
	pageMask  = pageSize - 1
	perPage   = constants.PRPEntriesPerPage
	chainSlot = perPage - 1
	entrySize = constants.PRPEntrySize
)

// MappingData is the per-request scatter list and descriptor page
// bookkeeping for the general (multi-page) path.
type MappingData struct {
	SG    [constants.MaxSegments]dma.SGEntry
	Pages [constants.MaxPRPPages][]byte
}

// Reset clears md for reuse
func (md *MappingData) Reset() {
	*md = MappingData{}
}

// Builder fills PRP1/PRP2 and descriptor pages from a mapped scatter list
type Builder struct {
	Pool dma.Pool
}

// Build describes length bytes of md.SG[:count] in cmd and returns the
// number of descriptor pages allocated into md.Pages. Every segment after
// the first must start on a page boundary and every segment but the last
// must end on one; anything else is a format error. On error no pages
// remain allocated.
func (b *Builder) Build(cmd *wire.Command, md *MappingData, count int, length uint32) (n int, err error) {
	if count <= 0 || count > len(md.SG) {
		return 0, ioerr.New("build_prp", ioerr.CodeInvalidPRP, fmt.Sprintf("scatter list of %d entries", count))
	}
	sg := md.SG[:count]

	idx := 0
	addr := sg[0].Addr
	dmaLen := int64(sg[0].Len)
	remaining := int64(length)

	cmd.PRP1 = addr
	consumed := int64(pageSize - int(addr&pageMask))
	remaining -= consumed
	if remaining <= 0 {
		if int64(length) > dmaLen {
			return 0, errShort(sg, 0, length)
		}
		return 0, nil
	}

	dmaLen -= consumed
	switch {
	case dmaLen > 0:
		addr += uint64(consumed)
	case dmaLen == 0:
		idx++
		if err := nextSegment(sg, idx, length); err != nil {
			return 0, err
		}
		addr, dmaLen = sg[idx].Addr, int64(sg[idx].Len)
	default:
		return 0, errMidPage(0)
	}

	if remaining <= pageSize {
		if remaining > dmaLen {
			return 0, errShort(sg, idx, length)
		}
		cmd.PRP2 = addr
		return 0, nil
	}

	var dmas [constants.MaxPRPPages]uint64
	defer func() {
		if err != nil {
			for i := 0; i < n; i++ {
				b.Pool.Free(md.Pages[i], dmas[i])
				md.Pages[i] = nil
			}
			n = 0
		}
	}()

	list, err := b.alloc()
	if err != nil {
		return 0, err
	}
	md.Pages[0], dmas[0] = list.CPU, list.DMA
	n = 1
	cmd.PRP2 = list.DMA

	slot := 0
	for {
		if slot == perPage {
			if n == len(md.Pages) {
				return n, ioerr.New("build_prp", ioerr.CodeInvalidParams,
					fmt.Sprintf("transfer of %d bytes exceeds descriptor capacity", length))
			}
			next, aerr := b.alloc()
			if aerr != nil {
				return n, aerr
			}
			// the full page's last entry moves to the head of the new
			// page and its slot becomes the chain pointer
			last := list.Uint64(chainSlot * entrySize)
			list.PutUint64(chainSlot*entrySize, next.DMA)
			next.PutUint64(0, last)
			md.Pages[n], dmas[n] = next.CPU, next.DMA
			n++
			list = next
			slot = 1
		}

		list.PutUint64(slot*entrySize, addr)
		slot++
		remaining -= pageSize
		if remaining <= 0 {
			// the last entry covers remaining+pageSize bytes of segment idx
			if remaining+pageSize > dmaLen {
				return n, errShort(sg, idx, length)
			}
			break
		}

		if dmaLen > pageSize {
			addr += pageSize
			dmaLen -= pageSize
			continue
		}
		if dmaLen < pageSize {
			return n, errMidPage(idx)
		}
		idx++
		if err := nextSegment(sg, idx, length); err != nil {
			return n, err
		}
		addr, dmaLen = sg[idx].Addr, int64(sg[idx].Len)
	}

	return n, nil
}

func (b *Builder) alloc() (dma.Buffer, error) {
	page, err := b.Pool.Alloc()
	if err != nil {
		return dma.Buffer{}, ioerr.Wrap("build_prp", err)
	}
	return page, nil
}

// Free returns count descriptor pages to the pool, following the chain
// from firstDMA through each page's last slot.
func (b *Builder) Free(count int, pages *[constants.MaxPRPPages][]byte, firstDMA uint64) {
	addr := firstDMA
	for i := 0; i < count; i++ {
		cpu := pages[i]
		next := binary.LittleEndian.Uint64(cpu[chainSlot*entrySize:])
		b.Pool.Free(cpu, addr)
		pages[i] = nil
		addr = next
	}
}

func nextSegment(sg []dma.SGEntry, idx int, length uint32) error {
	if idx == len(sg) {
		return ioerr.New("build_prp", ioerr.CodeInvalidPRP, fmt.Sprintf("scatter list shorter than %d bytes", length))
	}
	if sg[idx].Addr&pageMask != 0 {
		return ioerr.New("build_prp", ioerr.CodeInvalidPRP, fmt.Sprintf("segment %d starts mid-page", idx))
	}
	return nil
}

// errShort reports a final PRP entry that claims more bytes than segment
// idx holds
func errShort(sg []dma.SGEntry, idx int, length uint32) error {
	if idx < len(sg)-1 {
		return errMidPage(idx)
	}
	return ioerr.New("build_prp", ioerr.CodeInvalidPRP, fmt.Sprintf("scatter list shorter than %d bytes", length))
}

func errMidPage(seg int) error {
	return ioerr.New("build_prp", ioerr.CodeInvalidPRP, fmt.Sprintf("segment %d ends mid-page", seg))
}
