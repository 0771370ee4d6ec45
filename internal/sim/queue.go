package sim

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-nvme/internal/constants"
	"github.com/ehrlich-b/go-nvme/internal/dma"
	"github.com/ehrlich-b/go-nvme/internal/wire"
)

// cqFullBackoff is how long a worker waits for the host to free CQ slots
const cqFullBackoff = 50 * time.Microsecond

type compQueue struct {
	id     uint16
	depth  uint16
	vector uint16
	irq    bool
	mem    dma.Buffer
	sqRefs int // guarded by Controller.mu

	head atomic.Uint32 // last MMIO head doorbell

	mu    sync.Mutex
	tail  uint16
	phase uint16
}

type subQueue struct {
	id    uint16
	depth uint16
	gen   uint64
	cq    *compQueue
	mem   dma.Buffer

	tail atomic.Uint32 // last MMIO tail doorbell
	head uint16        // owned by the worker

	kick    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	started bool
}

func (c *Controller) resolveRing(addr uint64, size int) (dma.Buffer, error) {
	if addr == 0 || addr&(constants.CtrlPageSize-1) != 0 {
		return dma.Buffer{}, fmt.Errorf("ring address %#x not page aligned", addr)
	}
	mem, err := c.cfg.Memory.Resolve(addr, size)
	if err != nil {
		return dma.Buffer{}, err
	}
	return dma.Buffer{CPU: mem, DMA: addr}, nil
}

func (c *Controller) newCompQueue(id, depth uint16, addr uint64, vector uint16, irq bool) (*compQueue, error) {
	if depth < 2 {
		return nil, fmt.Errorf("completion queue %d depth %d", id, depth)
	}
	mem, err := c.resolveRing(addr, int(depth)*constants.CQEntrySize)
	if err != nil {
		return nil, err
	}
	return &compQueue{id: id, depth: depth, vector: vector, irq: irq, mem: mem, phase: 1}, nil
}

// newSubQueue creates a submission queue. Caller holds mu.
func (c *Controller) newSubQueue(id, depth uint16, addr uint64, cq *compQueue) (*subQueue, error) {
	if depth < 2 {
		return nil, fmt.Errorf("submission queue %d depth %d", id, depth)
	}
	mem, err := c.resolveRing(addr, int(depth)*constants.SQEntrySize)
	if err != nil {
		return nil, err
	}
	return &subQueue{
		id:    id,
		depth: depth,
		gen:   c.gen,
		cq:    cq,
		mem:   mem,
		kick:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}, nil
}

func (q *compQueue) setHead(v uint32) {
	q.head.Store(v)
}

func (q *subQueue) setTail(v uint32) {
	q.tail.Store(v)
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// stopAndWait ends the worker. Callers must not hold Controller.mu.
func (q *subQueue) stopAndWait() {
	close(q.stop)
	if q.started {
		<-q.done
	}
}

// startLocked launches the worker for q. Caller holds mu.
func (c *Controller) startLocked(q *subQueue) {
	q.started = true
	go c.run(q)
}

// sqSlot and cqSlot are byte offsets of a queue's slots in the shadow buffers
func (c *Controller) sqSlot(qid uint16) int {
	return int(uint32(qid) * 2 * c.stride)
}

func (c *Controller) cqSlot(qid uint16) int {
	return c.sqSlot(qid) + int(c.stride)
}

func (c *Controller) sqTail(q *subQueue, sh *shadowBufs) uint16 {
	if sh != nil && q.id != 0 {
		return uint16(sh.dbs.LoadUint32(c.sqSlot(q.id)))
	}
	return uint16(q.tail.Load())
}

func (c *Controller) cqHead(q *compQueue, sh *shadowBufs) uint16 {
	if sh != nil && q.id != 0 {
		return uint16(sh.dbs.LoadUint32(c.cqSlot(q.id)))
	}
	return uint16(q.head.Load())
}

func (c *Controller) run(q *subQueue) {
	defer close(q.done)

	logger := c.logger.WithQueue(q.id)
	logger.Debug("queue worker started", "depth", q.depth)
	defer logger.Debug("queue worker stopped")

	for {
		select {
		case <-q.stop:
			return
		case <-q.kick:
		}
		if !c.drain(q) {
			return
		}
	}
}

// drain consumes entries up to the current tail. It returns false once the
// queue is stopping.
func (c *Controller) drain(q *subQueue) bool {
	for {
		sh := c.shadow.Load()
		tail := c.sqTail(q, sh)
		if tail >= q.depth {
			c.logger.Error("tail doorbell beyond queue", "qid", q.id, "tail", tail, "depth", q.depth)
			return true
		}

		if q.head == tail {
			if sh == nil || q.id == 0 {
				return true
			}
			// ask for a doorbell at the current head, then look once more
			// in case the host skipped its write before seeing the request
			sh.eis.StoreUint32(c.sqSlot(q.id), uint32(q.head))
			if c.sqTail(q, sh) == q.head {
				return true
			}
			c.shadowPolls.Add(1)
			continue
		}

		for q.head != tail {
			if q.id != 0 {
				if gate := c.pauseGate(); gate != nil {
					select {
					case <-gate:
					case <-q.stop:
						return false
					}
				}
			}
			select {
			case <-q.stop:
				return false
			default:
			}

			cmd, _ := wire.UnmarshalCommand(q.mem.CPU[int(q.head)*constants.SQEntrySize:])
			q.head++
			if q.head == q.depth {
				q.head = 0
			}

			var result uint32
			var status uint16
			if q.id == 0 {
				result, status = c.admin(q, &cmd)
			} else {
				result, status = c.io(&cmd)
			}
			if !c.post(q, cmd.CommandID, result, status) {
				return false
			}
		}
	}
}

// post writes a completion entry for a command from sq. The id/status word
// carrying the phase tag is stored last. It returns false if the queue
// stopped while waiting for CQ space.
func (c *Controller) post(sq *subQueue, cid uint16, result uint32, status uint16) bool {
	cq := sq.cq

	cq.mu.Lock()
	for {
		next := cq.tail + 1
		if next == cq.depth {
			next = 0
		}
		if next != c.cqHead(cq, c.shadow.Load()) {
			break
		}
		cq.mu.Unlock()
		select {
		case <-sq.stop:
			return false
		case <-time.After(cqFullBackoff):
		}
		cq.mu.Lock()
	}

	off := int(cq.tail) * constants.CQEntrySize
	cq.mem.StoreUint32(off+wire.CompletionResultOffset, result)
	cq.mem.StoreUint32(off+4, 0)
	cq.mem.StoreUint32(off+8, uint32(sq.head)|uint32(sq.id)<<16)
	cq.mem.StoreUint32(off+wire.CompletionIDStatusOffset, wire.IDStatusWord(cid, status<<1|cq.phase))
	cq.tail++
	if cq.tail == cq.depth {
		cq.tail = 0
		cq.phase ^= 1
	}
	cq.mu.Unlock()

	if status != wire.StatusSuccess {
		c.errorsReported.Add(1)
	}
	if cq.irq && c.cfg.Interrupt != nil {
		c.interrupts.Add(1)
		c.cfg.Interrupt(cq.vector)
	}
	return true
}
