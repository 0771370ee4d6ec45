package queue

import (
	"github.com/ehrlich-b/go-nvme/internal/constants"
	"github.com/ehrlich-b/go-nvme/internal/dma"
)

// Shadow is the pair of shadow doorbell buffers shared by all queues of a
// controller. The driver writes doorbell values into DBS; the controller
// publishes the index at which it next wants a real MMIO write into EIS.
type Shadow struct {
	DBS dma.Buffer
	EIS dma.Buffer
}

// NewShadow allocates zeroed shadow buffers
func NewShadow(alloc dma.Allocator) (*Shadow, error) {
	dbs, err := alloc.AllocCoherent(constants.ShadowBufferSize)
	if err != nil {
		return nil, err
	}
	eis, err := alloc.AllocCoherent(constants.ShadowBufferSize)
	if err != nil {
		alloc.FreeCoherent(dbs)
		return nil, err
	}
	return &Shadow{DBS: dbs, EIS: eis}, nil
}

// Free releases both buffers
func (s *Shadow) Free(alloc dma.Allocator) {
	alloc.FreeCoherent(s.DBS)
	alloc.FreeCoherent(s.EIS)
}

// Slots returns how many u32 doorbell slots each buffer holds
func (s *Shadow) Slots() int {
	return min(len(s.DBS.CPU), len(s.EIS.CPU)) / 4
}

// NeedEvent reports whether moving a doorbell from oldIdx to newIdx
// passes the controller's requested event index, using 16-bit wrapping
// arithmetic: newIdx - eventIdx - 1 < newIdx - oldIdx.
func NeedEvent(eventIdx, newIdx, oldIdx uint16) bool {
	return newIdx-eventIdx-1 < newIdx-oldIdx
}
