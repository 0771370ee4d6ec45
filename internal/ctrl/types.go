package ctrl

import (
	"time"

	"github.com/ehrlich-b/go-nvme/internal/dma"
	"github.com/ehrlich-b/go-nvme/internal/irq"
	"github.com/ehrlich-b/go-nvme/internal/logging"
	"github.com/ehrlich-b/go-nvme/internal/mmio"
	"github.com/ehrlich-b/go-nvme/internal/wire"
)

// Config wires a Controller to its platform
type Config struct {
	Regs   mmio.Registers
	Alloc  dma.Allocator
	Mapper dma.Mapper
	Pool   dma.Pool

	// AdminIRQ is the admin queue's vector 0. Without it the admin queue
	// is polled by whoever waits for a command.
	AdminIRQ irq.Source

	AdminDepth     uint16        // default constants.AdminQueueDepth, capped by CAP.MQES
	ReadyTimeout   time.Duration // overrides CAP.TO when non-zero
	CommandTimeout time.Duration // default constants.AdminCommandTimeout

	Logger *logging.Logger
}

// QueueCounts is the outcome of queue-count negotiation
type QueueCounts struct {
	IRQ    int
	Polled int
}

// Total returns the number of I/O queue pairs
func (q QueueCounts) Total() int {
	return q.IRQ + q.Polled
}

// NamespaceInfo is what identify namespace reported, decoded
type NamespaceInfo struct {
	NSID     uint32
	Blocks   uint64
	LBAShift uint8
	Raw      wire.IdentifyNamespace
}

// Size returns the namespace capacity in bytes
func (n *NamespaceInfo) Size() int64 {
	return int64(n.Blocks) << n.LBAShift
}

// BlockSize returns the logical block size in bytes
func (n *NamespaceInfo) BlockSize() int {
	return 1 << n.LBAShift
}
