// Package queue implements the NVMe submission/completion ring pair:
// slot writes, doorbell batching, phase-tagged completion draining and
// shadow doorbell suppression.
package queue

import (
	"fmt"
	"sync"

	"github.com/ehrlich-b/go-nvme/internal/constants"
	"github.com/ehrlich-b/go-nvme/internal/dma"
	"github.com/ehrlich-b/go-nvme/internal/ioerr"
	"github.com/ehrlich-b/go-nvme/internal/logging"
	"github.com/ehrlich-b/go-nvme/internal/mmio"
	"github.com/ehrlich-b/go-nvme/internal/wire"
)

// Completer receives each drained completion. It returns false when id
// does not name an in-flight command.
type Completer interface {
	Complete(id uint16, result uint32, status uint16) bool
}

// CompleterFunc adapts a function to Completer
type CompleterFunc func(id uint16, result uint32, status uint16) bool

func (f CompleterFunc) Complete(id uint16, result uint32, status uint16) bool {
	return f(id, result, status)
}

// Config describes one queue pair
type Config struct {
	ID        uint16
	Depth     uint16
	Polled    bool
	Vector    uint16 // interrupt vector, ignored when Polled
	Stride    uint32 // doorbell stride in bytes (CAP.DSTRD decoded)
	Regs      mmio.Registers
	Alloc     dma.Allocator
	Shadow    *Shadow // nil disables shadow doorbells
	Completer Completer
	Logger    *logging.Logger
}

// Queue is a submission/completion ring pair. Submit may be called from
// any goroutine; completions are drained by exactly one reader at a time,
// either the queue's Runner or a caller of Poll.
type Queue struct {
	id     uint16
	depth  uint16
	polled bool
	vector uint16
	stride uint32

	regs      mmio.Registers
	alloc     dma.Allocator
	completer Completer
	logger    *logging.Logger

	sq dma.Buffer
	cq dma.Buffer

	dbOffset uint32 // SQ tail doorbell; CQ head doorbell is dbOffset+stride
	sdbIndex int    // SQ slot in the shadow buffers
	shadow   *Shadow

	// submission side
	mu       sync.Mutex
	tail     uint16
	lastTail uint16

	// completion side, owned by the drainer
	drainMu sync.Mutex
	head    uint16
	phase   uint16
}

// New allocates the rings and computes doorbell locations
func New(cfg Config) (*Queue, error) {
	if cfg.Depth < 2 {
		return nil, ioerr.New("create_queue", ioerr.CodeInvalidParams, fmt.Sprintf("queue depth %d below 2", cfg.Depth))
	}
	if cfg.Regs == nil || cfg.Alloc == nil || cfg.Completer == nil {
		return nil, ioerr.New("create_queue", ioerr.CodeInvalidParams, "registers, allocator and completer are required")
	}
	if cfg.Stride == 0 {
		cfg.Stride = 4
	}
	if cfg.Stride < 4 || cfg.Stride&(cfg.Stride-1) != 0 {
		return nil, ioerr.New("create_queue", ioerr.CodeInvalidParams, fmt.Sprintf("bad doorbell stride %d", cfg.Stride))
	}

	sdbOffset := uint32(cfg.ID) * cfg.Stride * 2
	q := &Queue{
		id:        cfg.ID,
		depth:     cfg.Depth,
		polled:    cfg.Polled,
		vector:    cfg.Vector,
		stride:    cfg.Stride,
		regs:      cfg.Regs,
		alloc:     cfg.Alloc,
		completer: cfg.Completer,
		logger:    cfg.Logger,
		dbOffset:  sdbOffset + constants.DoorbellBase,
		sdbIndex:  int(sdbOffset / 4),
		shadow:    cfg.Shadow,
		phase:     1,
	}
	if q.logger == nil {
		q.logger = logging.Default().WithQueue(cfg.ID)
	}

	if q.shadow != nil && q.sdbIndex+int(q.stride/4) >= q.shadow.Slots() {
		return nil, ioerr.New("create_queue", ioerr.CodeInvalidParams,
			fmt.Sprintf("queue %d outside shadow doorbell buffer", cfg.ID))
	}
	if q.shadow != nil && q.id != 0 {
		// a previous queue with this id may have left values behind
		for _, off := range []int{q.sdbIndex * 4, (q.sdbIndex + int(q.stride/4)) * 4} {
			q.shadow.DBS.StoreUint32(off, 0)
			q.shadow.EIS.StoreUint32(off, 0)
		}
	}

	var err error
	q.sq, err = cfg.Alloc.AllocCoherent(int(cfg.Depth) * constants.SQEntrySize)
	if err != nil {
		return nil, ioerr.Wrap("create_queue", err)
	}
	q.cq, err = cfg.Alloc.AllocCoherent(int(cfg.Depth) * constants.CQEntrySize)
	if err != nil {
		cfg.Alloc.FreeCoherent(q.sq)
		return nil, ioerr.Wrap("create_queue", err)
	}
	// phase 1 must not match anything already in the ring
	q.cq.Zero()

	return q, nil
}

// Free releases the ring memory. The controller must no longer use it.
func (q *Queue) Free() {
	q.alloc.FreeCoherent(q.sq)
	q.alloc.FreeCoherent(q.cq)
}

func (q *Queue) ID() uint16     { return q.id }
func (q *Queue) Depth() uint16  { return q.depth }
func (q *Queue) Polled() bool   { return q.polled }
func (q *Queue) Vector() uint16 { return q.vector }
func (q *Queue) SQAddr() uint64 { return q.sq.DMA }
func (q *Queue) CQAddr() uint64 { return q.cq.DMA }

// Tail returns the submission tail
func (q *Queue) Tail() uint16 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tail
}

// Head returns the completion head and expected phase
func (q *Queue) Head() (head uint16, phase uint16) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()
	return q.head, q.phase
}

// Submit copies cmd into the next submission slot. With isLast false the
// doorbell write is deferred so a batch can be published with one MMIO
// write; a later Submit with isLast true or WriteSQDoorbell publishes it.
func (q *Queue) Submit(cmd *wire.Command, isLast bool) {
	q.mu.Lock()
	cmd.MarshalTo(q.sq.CPU[int(q.tail)*constants.SQEntrySize:])
	q.tail++
	if q.tail == q.depth {
		q.tail = 0
	}
	q.writeSQDoorbellLocked(isLast)
	q.mu.Unlock()
}

// WriteSQDoorbell publishes any deferred submissions
func (q *Queue) WriteSQDoorbell() {
	q.mu.Lock()
	q.writeSQDoorbellLocked(true)
	q.mu.Unlock()
}

func (q *Queue) writeSQDoorbellLocked(force bool) {
	if !force {
		next := q.tail + 1
		if next == q.depth {
			next = 0
		}
		// keep deferring unless the batch is about to lap the last
		// published tail
		if next != q.lastTail {
			return
		}
	}
	if q.UpdateAndCheckEvent(q.tail, 0) {
		q.regs.Write32(q.dbOffset, uint32(q.tail))
	}
	q.lastTail = q.tail
}

// ProcessCompletions drains every completion whose phase matches, hands
// each to the Completer, then publishes the new head. It reports whether
// anything was consumed. A call that finds another drain in progress
// returns false at once without reading the ring; entries posted after
// that drain looked are left for the next call, so callers waiting on a
// particular completion must keep calling until it arrives.
func (q *Queue) ProcessCompletions() bool {
	if !q.drainMu.TryLock() {
		return false
	}
	defer q.drainMu.Unlock()

	head, phase := q.head, q.phase
	found := 0
	for {
		off := int(head) * constants.CQEntrySize
		// the id/status word is published last, so it gates the result
		id, status := wire.SplitIDStatusWord(q.cq.LoadUint32(off + wire.CompletionIDStatusOffset))
		if status&1 != phase {
			break
		}
		result := q.cq.LoadUint32(off + wire.CompletionResultOffset)

		found++
		head++
		if head == q.depth {
			head = 0
			phase ^= 1
		}

		if !q.completer.Complete(id, result, status>>1) {
			q.logger.Warn("invalid id completed", "id", id, "status", status>>1)
		}
	}

	if found == 0 {
		return false
	}

	if q.UpdateAndCheckEvent(head, int(q.stride/4)) {
		q.regs.Write32(q.dbOffset+q.stride, uint32(head))
	}
	q.head, q.phase = head, phase
	return true
}

// Poll drains a polled queue. Interrupt-driven queues are drained by their
// Runner and must not be polled. Like ProcessCompletions, a false result
// may mean a concurrent poll held the ring, not that nothing is pending.
func (q *Queue) Poll() bool {
	if !q.polled {
		panic(fmt.Sprintf("queue %d is interrupt driven", q.id))
	}
	return q.ProcessCompletions()
}

// UpdateAndCheckEvent stores value into this queue's shadow slot
// (offset extraIndex u32 slots from the SQ slot) and reports whether a
// real doorbell write is still required. The admin queue and queues
// without shadow buffers always require one.
func (q *Queue) UpdateAndCheckEvent(value uint16, extraIndex int) bool {
	if q.id == 0 || q.shadow == nil {
		return true
	}
	off := (q.sdbIndex + extraIndex) * 4

	// the new ring contents must be visible before the shadow value
	mfence()
	old := q.shadow.DBS.SwapUint32(off, uint32(value))
	// the shadow value must be visible before the event index is read
	mfence()
	eventIdx := q.shadow.EIS.LoadUint32(off)

	return NeedEvent(uint16(eventIdx), value, uint16(old))
}
