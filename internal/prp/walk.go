package prp

import (
	"encoding/binary"
	"fmt"

	"github.com/ehrlich-b/go-nvme/internal/ioerr"
)

// Extent is one contiguous piece of a transfer in bus address space
type Extent struct {
	Addr uint64
	Len  uint32
}

// Resolver maps a bus address range back to memory
type Resolver interface {
	Resolve(addr uint64, n int) ([]byte, error)
}

// Walk decodes prp1/prp2 the way a controller does and returns the
// extents covering length bytes. Entries after the first must be page
// aligned. When more than one entry remains, the last slot of a
// descriptor page points at the next page.
func Walk(r Resolver, prp1, prp2 uint64, length uint32) ([]Extent, error) {
	if length == 0 {
		return nil, nil
	}

	first := min(uint32(pageSize-int(prp1&pageMask)), length)
	out := []Extent{{Addr: prp1, Len: first}}
	remaining := length - first
	if remaining == 0 {
		return out, nil
	}

	if remaining <= pageSize {
		if prp2&pageMask != 0 {
			return nil, errOffset(prp2)
		}
		return append(out, Extent{Addr: prp2, Len: remaining}), nil
	}

	if prp2&(entrySize-1) != 0 {
		return nil, errOffset(prp2)
	}
	// a list pointer may carry an offset into its page
	list, err := r.Resolve(prp2, pageSize-int(prp2&pageMask))
	if err != nil {
		return nil, ioerr.Wrap("walk_prp", err)
	}

	slot := 0
	for remaining > 0 {
		if slot == len(list)/entrySize-1 && remaining > pageSize {
			next := binary.LittleEndian.Uint64(list[slot*entrySize:])
			if next&(entrySize-1) != 0 {
				return nil, errOffset(next)
			}
			list, err = r.Resolve(next, pageSize-int(next&pageMask))
			if err != nil {
				return nil, ioerr.Wrap("walk_prp", err)
			}
			slot = 0
		}

		addr := binary.LittleEndian.Uint64(list[slot*entrySize:])
		if addr&pageMask != 0 {
			return nil, errOffset(addr)
		}
		n := min(remaining, pageSize)
		out = append(out, Extent{Addr: addr, Len: n})
		remaining -= n
		slot++
	}
	return out, nil
}

func errOffset(addr uint64) error {
	return ioerr.New("walk_prp", ioerr.CodeInvalidPRP, fmt.Sprintf("misaligned descriptor entry %#x", addr))
}
