// Package sim is an in-process NVMe controller. It exposes the controller
// register file through mmio.Registers, reads submission entries from
// shared memory, resolves PRP chains through the DMA space, executes
// commands against a storage backend and posts phase-tagged completions.
package sim

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-nvme/internal/constants"
	"github.com/ehrlich-b/go-nvme/internal/dma"
	"github.com/ehrlich-b/go-nvme/internal/interfaces"
	"github.com/ehrlich-b/go-nvme/internal/logging"
	"github.com/ehrlich-b/go-nvme/internal/mmio"
	"github.com/ehrlich-b/go-nvme/internal/prp"
)

// Version reported in VS (1.4.0)
const Version uint32 = 0x00010400

// Config describes the simulated controller and its single namespace
type Config struct {
	Memory    prp.Resolver // host memory as seen through the IOMMU
	Backend   interfaces.Backend
	Interrupt func(vector uint16) // called after posting to an interrupt-enabled CQ

	MaxQueueEntries uint16 // CAP.MQES+1, default constants.MaxQueueDepth
	DoorbellStride  uint8  // CAP.DSTRD, stride is 4<<DSTRD bytes
	Timeout         uint8  // CAP.TO in 500ms units
	MDTS            uint8  // 0 = no transfer limit
	LBAShift        uint8  // default 9
	MaxIOQueues     uint16 // most I/O queue pairs Set Features grants, default 64
	ShadowDoorbells bool   // advertise and honor Doorbell Buffer Config
	ReadyDelay      time.Duration

	Serial   string
	Model    string
	Firmware string

	Logger *logging.Logger
}

// Stats counts controller activity
type Stats struct {
	AdminCommands  uint64
	IOCommands     uint64
	SQDoorbells    uint64 // MMIO SQ tail writes
	CQDoorbells    uint64 // MMIO CQ head writes
	ShadowPolls    uint64 // rechecks of the shadow tail that found entries without a doorbell write
	Interrupts     uint64
	BytesRead      uint64
	BytesWritten   uint64
	ErrorsReported uint64
}

type faultKey struct {
	admin  bool
	opcode uint8
}

type fault struct {
	status uint16
	times  int // <= 0 means until cleared
}

// Controller is a simulated NVMe controller
type Controller struct {
	cfg    Config
	cap    uint64
	stride uint32
	logger *logging.Logger

	mu      sync.Mutex
	cc      uint32
	csts    uint32
	aqa     uint32
	asq     uint64
	acq     uint64
	gen     uint64 // bumps on every enable/disable
	granted uint16 // zero-based, 0xffff until Set Features
	sqs     map[uint16]*subQueue
	cqs     map[uint16]*compQueue
	faults  map[faultKey]*fault
	paused  chan struct{} // non-nil while I/O processing is held

	shadow atomic.Pointer[shadowBufs]

	adminCommands  atomic.Uint64
	ioCommands     atomic.Uint64
	sqDoorbells    atomic.Uint64
	cqDoorbells    atomic.Uint64
	shadowPolls    atomic.Uint64
	interrupts     atomic.Uint64
	bytesRead      atomic.Uint64
	bytesWritten   atomic.Uint64
	errorsReported atomic.Uint64
}

type shadowBufs struct {
	dbs dma.Buffer
	eis dma.Buffer
}

// New creates a disabled controller
func New(cfg Config) (*Controller, error) {
	if cfg.Memory == nil || cfg.Backend == nil {
		return nil, fmt.Errorf("sim: memory and backend are required")
	}
	if cfg.MaxQueueEntries == 0 {
		cfg.MaxQueueEntries = constants.MaxQueueDepth
	}
	if cfg.MaxQueueEntries < 2 {
		return nil, fmt.Errorf("sim: max queue entries %d below 2", cfg.MaxQueueEntries)
	}
	if cfg.LBAShift == 0 {
		cfg.LBAShift = constants.SectorShift
	}
	if cfg.LBAShift < constants.SectorShift || cfg.LBAShift > constants.CtrlPageShift {
		return nil, fmt.Errorf("sim: unsupported lba shift %d", cfg.LBAShift)
	}
	if cfg.Backend.Size()>>cfg.LBAShift == 0 {
		return nil, fmt.Errorf("sim: backend smaller than one block")
	}
	if cfg.MaxIOQueues == 0 {
		cfg.MaxIOQueues = 64
	}
	if cfg.Serial == "" {
		cfg.Serial = "SIM0001"
	}
	if cfg.Model == "" {
		cfg.Model = "go-nvme simulated controller"
	}
	if cfg.Firmware == "" {
		cfg.Firmware = "1.0"
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}

	c := &Controller{
		cfg:     cfg,
		cap:     mmio.MakeCap(cfg.MaxQueueEntries-1, cfg.Timeout, cfg.DoorbellStride, 0),
		stride:  4 << cfg.DoorbellStride,
		logger:  cfg.Logger.WithController("sim"),
		granted: 0xffff,
		sqs:     make(map[uint16]*subQueue),
		cqs:     make(map[uint16]*compQueue),
		faults:  make(map[faultKey]*fault),
	}
	return c, nil
}

// Stride returns the doorbell stride in bytes
func (c *Controller) Stride() uint32 {
	return c.stride
}

// Read32 implements mmio.Registers
func (c *Controller) Read32(off uint32) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch off {
	case mmio.RegCAP:
		return uint32(c.cap)
	case mmio.RegCAP + 4:
		return uint32(c.cap >> 32)
	case mmio.RegVS:
		return Version
	case mmio.RegCC:
		return c.cc
	case mmio.RegCSTS:
		return c.csts
	case mmio.RegAQA:
		return c.aqa
	case mmio.RegASQ:
		return uint32(c.asq)
	case mmio.RegASQ + 4:
		return uint32(c.asq >> 32)
	case mmio.RegACQ:
		return uint32(c.acq)
	case mmio.RegACQ + 4:
		return uint32(c.acq >> 32)
	}
	return 0
}

// Read64 implements mmio.Registers
func (c *Controller) Read64(off uint32) uint64 {
	return uint64(c.Read32(off)) | uint64(c.Read32(off+4))<<32
}

// Write32 implements mmio.Registers
func (c *Controller) Write32(off uint32, v uint32) {
	if off >= constants.DoorbellBase {
		c.doorbell(off, v)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch off {
	case mmio.RegCC:
		c.writeCC(v)
	case mmio.RegAQA:
		c.aqa = v
	case mmio.RegASQ:
		c.asq = c.asq&^0xffffffff | uint64(v)
	case mmio.RegASQ + 4:
		c.asq = c.asq&0xffffffff | uint64(v)<<32
	case mmio.RegACQ:
		c.acq = c.acq&^0xffffffff | uint64(v)
	case mmio.RegACQ + 4:
		c.acq = c.acq&0xffffffff | uint64(v)<<32
	case mmio.RegINTMS, mmio.RegINTMC:
		// interrupts are delivered through callbacks; masking is not modelled
	default:
		c.logger.Debug("write to unhandled register", "offset", off, "value", v)
	}
}

// Write64 implements mmio.Registers
func (c *Controller) Write64(off uint32, v uint64) {
	c.Write32(off, uint32(v))
	c.Write32(off+4, uint32(v>>32))
}

// writeCC applies a controller configuration write. Caller holds mu.
func (c *Controller) writeCC(v uint32) {
	old := c.cc
	c.cc = v

	if v&mmio.CCShnMask != 0 && old&mmio.CCShnMask == 0 {
		c.csts |= mmio.CSTSShstCmplt
	}

	switch {
	case old&mmio.CCEnable == 0 && v&mmio.CCEnable != 0:
		c.enableLocked()
	case old&mmio.CCEnable != 0 && v&mmio.CCEnable == 0:
		c.disableLocked()
	}
}

func (c *Controller) enableLocked() {
	c.gen++
	if uint32(1)<<(12+(c.cc>>mmio.CCMPSShift&0xf)) != constants.CtrlPageSize {
		c.logger.Error("unsupported memory page size", "cc", c.cc)
		c.csts |= mmio.CSTSFatal
		return
	}

	sqDepth := uint16(c.aqa&0xfff) + 1
	cqDepth := uint16(c.aqa>>16&0xfff) + 1
	cq, err := c.newCompQueue(0, cqDepth, c.acq, 0, true)
	if err == nil {
		var sq *subQueue
		sq, err = c.newSubQueue(0, sqDepth, c.asq, cq)
		if err == nil {
			c.cqs[0] = cq
			c.sqs[0] = sq
			c.startLocked(sq)
		}
	}
	if err != nil {
		c.logger.Error("admin queue setup failed", "error", err)
		c.csts |= mmio.CSTSFatal
		return
	}

	c.csts &^= mmio.CSTSShstCmplt
	c.setReadyLocked(true)
	c.logger.Debug("controller enabled", "asq_depth", sqDepth, "acq_depth", cqDepth)
}

func (c *Controller) disableLocked() {
	c.gen++
	sqs := c.sqs
	c.sqs = make(map[uint16]*subQueue)
	c.cqs = make(map[uint16]*compQueue)
	c.shadow.Store(nil)
	c.granted = 0xffff
	if c.paused != nil {
		close(c.paused)
		c.paused = nil
	}

	// workers take mu to post; release it while they exit
	c.mu.Unlock()
	for _, sq := range sqs {
		sq.stopAndWait()
	}
	c.mu.Lock()

	c.csts &^= mmio.CSTSFatal
	c.setReadyLocked(false)
	c.logger.Debug("controller disabled")
}

func (c *Controller) setReadyLocked(ready bool) {
	apply := func() {
		if ready {
			c.csts |= mmio.CSTSReady
		} else {
			c.csts &^= mmio.CSTSReady
		}
	}
	if c.cfg.ReadyDelay <= 0 {
		apply()
		return
	}
	gen := c.gen
	time.AfterFunc(c.cfg.ReadyDelay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.gen == gen {
			apply()
		}
	})
}

// doorbell handles a write into the doorbell array
func (c *Controller) doorbell(off uint32, v uint32) {
	idx := (off - constants.DoorbellBase) / c.stride
	qid := uint16(idx / 2)

	c.mu.Lock()
	if idx%2 == 1 {
		cq := c.cqs[qid]
		c.mu.Unlock()
		if cq == nil {
			c.logger.Warn("doorbell for missing completion queue", "qid", qid)
			return
		}
		c.cqDoorbells.Add(1)
		cq.setHead(v)
		return
	}
	sq := c.sqs[qid]
	c.mu.Unlock()
	if sq == nil {
		c.logger.Warn("doorbell for missing submission queue", "qid", qid)
		return
	}
	c.sqDoorbells.Add(1)
	sq.setTail(v)
}

// InjectStatus makes the next times commands with opcode complete with
// status instead of executing (times <= 0: until ClearFaults). Admin
// selects the admin or the I/O command set.
func (c *Controller) InjectStatus(admin bool, opcode uint8, status uint16, times int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults[faultKey{admin: admin, opcode: opcode}] = &fault{status: status, times: times}
}

// ClearFaults removes every injected status
func (c *Controller) ClearFaults() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.faults)
}

func (c *Controller) takeFault(admin bool, opcode uint8) (uint16, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := faultKey{admin: admin, opcode: opcode}
	f, ok := c.faults[k]
	if !ok {
		return 0, false
	}
	if f.times > 0 {
		f.times--
		if f.times == 0 {
			delete(c.faults, k)
		}
	}
	return f.status, true
}

// Pause holds I/O queue processing; submitted commands stay unconsumed
// until Resume. Admin commands keep running.
func (c *Controller) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused == nil {
		c.paused = make(chan struct{})
	}
}

// Resume releases I/O queue processing held by Pause
func (c *Controller) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused != nil {
		close(c.paused)
		c.paused = nil
	}
}

func (c *Controller) pauseGate() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Stats returns a snapshot of the activity counters
func (c *Controller) Stats() Stats {
	return Stats{
		AdminCommands:  c.adminCommands.Load(),
		IOCommands:     c.ioCommands.Load(),
		SQDoorbells:    c.sqDoorbells.Load(),
		CQDoorbells:    c.cqDoorbells.Load(),
		ShadowPolls:    c.shadowPolls.Load(),
		Interrupts:     c.interrupts.Load(),
		BytesRead:      c.bytesRead.Load(),
		BytesWritten:   c.bytesWritten.Load(),
		ErrorsReported: c.errorsReported.Load(),
	}
}

// Close disables the controller and stops every queue worker
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cc&mmio.CCEnable != 0 {
		c.cc &^= mmio.CCEnable
		c.disableLocked()
	}
	return nil
}

var _ mmio.Registers = (*Controller)(nil)
