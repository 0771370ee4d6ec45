// Package nvme drives an NVMe controller from user space: it brings the
// controller up over its admin queue, creates I/O queue pairs, and turns
// block requests into commands whose data is described by PRP chains.
package nvme

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-nvme/internal/blk"
	"github.com/ehrlich-b/go-nvme/internal/constants"
	"github.com/ehrlich-b/go-nvme/internal/ctrl"
	"github.com/ehrlich-b/go-nvme/internal/dispatch"
	"github.com/ehrlich-b/go-nvme/internal/dma"
	"github.com/ehrlich-b/go-nvme/internal/ioerr"
	"github.com/ehrlich-b/go-nvme/internal/irq"
	"github.com/ehrlich-b/go-nvme/internal/logging"
	"github.com/ehrlich-b/go-nvme/internal/mmio"
	"github.com/ehrlich-b/go-nvme/internal/prp"
	"github.com/ehrlich-b/go-nvme/internal/queue"
	"github.com/ehrlich-b/go-nvme/internal/wire"
)

// closeTimeout bounds the admin commands issued by Close
const closeTimeout = 5 * time.Second

// Request is one block request. Obtain it from Device.Get, fill in Op,
// Offset, Length, Segments and Done, then hand it to Device.Submit.
type Request = blk.Request

// Op is a block request operation
type Op = blk.Op

const (
	OpRead  = blk.OpRead
	OpWrite = blk.OpWrite
	OpFlush = blk.OpFlush
)

// Logger is the structured logger used throughout the driver
type Logger = logging.Logger

// LoggerConfig configures NewLogger
type LoggerConfig = logging.Config

// NewLogger creates a structured logger
func NewLogger(cfg *LoggerConfig) *Logger {
	return logging.NewLogger(cfg)
}

// Memory is host memory the controller can reach by DMA
type Memory interface {
	dma.Allocator
	dma.Mapper
}

// Platform is the machine a Device runs on
type Platform interface {
	Registers() mmio.Registers
	Memory() Memory
	// Vectors returns the interrupt vector table, or nil when the
	// platform has no interrupts and every queue is polled
	Vectors() *irq.Table
}

// Params contains parameters for opening a device
type Params struct {
	IRQQueues    int // interrupt-driven I/O queues (default: 1)
	PolledQueues int // polled I/O queues (default: 0)
	QueueDepth   int // entries per I/O queue, capped by the controller (default: 128)

	NamespaceID uint32 // namespace served by every queue (default: 1)
	PoolPages   int    // descriptor-list pages shared by all queues (default: 1024)

	// ShadowDoorbells uses Doorbell Buffer Config when the controller
	// advertises it
	ShadowDoorbells bool

	ReadyTimeout   time.Duration // bound on each CSTS.RDY wait (default: from CAP.TO)
	CommandTimeout time.Duration // bound on each admin command (default: 5s)
}

// DefaultParams returns default device parameters
func DefaultParams() Params {
	return Params{
		IRQQueues:       constants.DefaultIRQQueues,
		PolledQueues:    constants.DefaultPolledQueues,
		QueueDepth:      constants.DefaultQueueDepth,
		NamespaceID:     constants.DefaultNamespaceID,
		PoolPages:       constants.DefaultPoolPages,
		ShadowDoorbells: true,
	}
}

func (p *Params) validate() error {
	bad := func(msg string) error {
		return ioerr.New("open", ioerr.CodeInvalidParams, msg)
	}
	switch {
	case p.IRQQueues < 0 || p.PolledQueues < 0:
		return bad(fmt.Sprintf("negative queue count irq=%d polled=%d", p.IRQQueues, p.PolledQueues))
	case p.IRQQueues+p.PolledQueues == 0:
		return bad("at least one I/O queue is required")
	case p.QueueDepth < 2 || p.QueueDepth > constants.MaxQueueDepth:
		return bad(fmt.Sprintf("queue depth %d outside [2, %d]", p.QueueDepth, constants.MaxQueueDepth))
	case p.NamespaceID == 0 || p.NamespaceID == 0xffffffff:
		return bad(fmt.Sprintf("namespace id %#x", p.NamespaceID))
	case p.PoolPages < 1:
		return bad(fmt.Sprintf("descriptor pool of %d pages", p.PoolPages))
	}
	return nil
}

// Options contains additional options for opening a device
type Options struct {
	// Logger for driver messages (if nil, uses the default logger)
	Logger *Logger

	// Observer receives every completion in addition to Device.Metrics
	Observer Observer
}

// DeviceState represents the current state of a device
type DeviceState string

const (
	DeviceStateRunning DeviceState = "running"
	DeviceStateStopped DeviceState = "stopped"
)

type ioQueue struct {
	ring   *queue.Queue
	tags   *blk.TagSet
	disp   *dispatch.Dispatcher
	runner *queue.Runner
	issued []int64 // submit time per tag, UnixNano
}

// Device is an enabled controller with its I/O queues
type Device struct {
	platform Platform
	params   Params
	ctrl     *ctrl.Controller
	pool     *dma.PagePool
	shadow   *queue.Shadow
	queues   []*ioQueue
	counts   ctrl.QueueCounts

	ident      wire.IdentifyController
	ns         ctrl.NamespaceInfo
	maxSectors uint32

	ctx    context.Context
	cancel context.CancelFunc

	metrics  *Metrics
	observer Observer
	logger   *logging.Logger

	next      atomic.Uint32
	stopped   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Open brings up the controller behind p and creates its I/O queues. ctx
// bounds the bring-up only; the device runs until Close.
//
// Example:
//
//	be := backend.NewMemory(64 << 20)
//	p, _ := nvme.NewSimulatedPlatform(be, nvme.SimOptions{})
//	dev, err := nvme.Open(ctx, p, nvme.DefaultParams(), nil)
func Open(ctx context.Context, p Platform, params Params, options *Options) (*Device, error) {
	if p == nil || p.Registers() == nil || p.Memory() == nil {
		return nil, ioerr.New("open", ioerr.CodeInvalidParams, "platform registers and memory are required")
	}
	if err := params.validate(); err != nil {
		return nil, err
	}
	if options == nil {
		options = &Options{}
	}

	logger := options.Logger
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithController("nvme")

	d := &Device{
		platform: p,
		params:   params,
		metrics:  NewMetrics(),
		logger:   logger,
	}
	d.observer = Observer(NewMetricsObserver(d.metrics))
	if options.Observer != nil {
		d.observer = MultiObserver{d.observer, options.Observer}
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())

	if err := d.bringUp(ctx); err != nil {
		d.teardown()
		return nil, err
	}

	d.logger.Info("device ready",
		"model", d.ident.MN,
		"namespace", d.ns.NSID,
		"blocks", d.ns.Blocks,
		"block_size", d.ns.BlockSize(),
		"irq_queues", d.counts.IRQ,
		"polled_queues", d.counts.Polled,
		"shadow_doorbells", d.shadow != nil)
	return d, nil
}

func (d *Device) bringUp(ctx context.Context) error {
	mem := d.platform.Memory()
	vectors := d.platform.Vectors()

	var adminIRQ irq.Source
	if vectors != nil {
		line, err := vectors.Line(0)
		if err != nil {
			return ioerr.Wrap("open", err)
		}
		adminIRQ = line
	}

	d.pool = dma.NewPagePool(mem, d.params.PoolPages)
	c, err := ctrl.NewController(ctrl.Config{
		Regs:           d.platform.Registers(),
		Alloc:          mem,
		Mapper:         mem,
		Pool:           d.pool,
		AdminIRQ:       adminIRQ,
		ReadyTimeout:   d.params.ReadyTimeout,
		CommandTimeout: d.params.CommandTimeout,
		Logger:         d.logger,
	})
	if err != nil {
		return err
	}
	if err := c.Enable(ctx); err != nil {
		return err
	}
	d.ctrl = c

	if d.ident, err = c.IdentifyController(ctx); err != nil {
		return err
	}
	if d.params.NamespaceID > d.ident.NN {
		return ioerr.New("open", ioerr.CodeInvalidParams,
			fmt.Sprintf("namespace %d not present, controller has %d", d.params.NamespaceID, d.ident.NN))
	}
	if d.ns, err = c.IdentifyNamespace(ctx, d.params.NamespaceID); err != nil {
		return err
	}
	if d.ns.Blocks == 0 {
		return ioerr.New("open", ioerr.CodeInvalidParams, fmt.Sprintf("namespace %d is empty", d.ns.NSID))
	}
	d.maxSectors = c.MaxHWSectors(d.ident.MDTS)

	irqQueues, polledQueues := d.params.IRQQueues, d.params.PolledQueues
	if vectors == nil {
		polledQueues += irqQueues
		irqQueues = 0
	}
	if d.counts, err = c.SetQueueCount(ctx, irqQueues, polledQueues); err != nil {
		return err
	}

	if d.params.ShadowDoorbells && d.ident.OACS&wire.OACSDBBufConfig != 0 {
		shadow, err := queue.NewShadow(mem)
		if err != nil {
			return err
		}
		if err := c.SetShadowDoorbells(ctx, shadow); err != nil {
			shadow.Free(mem)
		} else {
			d.shadow = shadow
		}
	}

	depth := uint16(min(d.params.QueueDepth, int(c.Cap().MaxQueueDepth())))
	for i := range d.counts.Total() {
		qid := uint16(i + 1)
		polled := i >= d.counts.IRQ
		if err := d.addQueue(ctx, qid, depth, polled); err != nil {
			return err
		}
	}
	return nil
}

func (d *Device) addQueue(ctx context.Context, qid, depth uint16, polled bool) error {
	mem := d.platform.Memory()
	logger := d.logger.WithQueue(qid)

	tags, err := blk.NewTagSet(qid, depth)
	if err != nil {
		return err
	}
	vector := uint16(0)
	if !polled {
		vector = qid
	}
	ring, err := queue.New(queue.Config{
		ID:        qid,
		Depth:     depth,
		Polled:    polled,
		Vector:    vector,
		Stride:    d.ctrl.Stride(),
		Regs:      d.platform.Registers(),
		Alloc:     mem,
		Shadow:    d.shadow,
		Completer: tags,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	disp, err := dispatch.New(dispatch.Config{
		Ring:      ring,
		Builder:   &prp.Builder{Pool: d.pool},
		Mapper:    mem,
		Namespace: dispatch.Namespace{ID: d.ns.NSID, LBAShift: d.ns.LBAShift},
		Logger:    logger,
	})
	if err != nil {
		ring.Free()
		return err
	}
	q := &ioQueue{ring: ring, tags: tags, disp: disp, issued: make([]int64, tags.Size())}
	tags.SetHandler(d.completer(q))

	if err := d.ctrl.CreateIOQueuePair(ctx, ring); err != nil {
		ring.Free()
		return err
	}
	if !polled {
		line, err := d.platform.Vectors().Line(vector)
		if err == nil {
			q.runner, err = queue.NewRunner(d.ctx, ring, line)
		}
		if err != nil {
			d.deleteQueue(ctx, q)
			return ioerr.Wrap("open", err)
		}
		q.runner.Start()
	}
	d.queues = append(d.queues, q)
	return nil
}

// completer returns q's tag-set handler: it observes the completion while
// the request still describes it, then lets the dispatcher unmap and end it
func (d *Device) completer(q *ioQueue) func(*blk.Request) {
	return func(req *blk.Request) {
		lat := uint64(time.Now().UnixNano() - q.issued[req.Tag])
		ok := req.Status == wire.StatusSuccess
		switch req.Op {
		case blk.OpRead:
			d.observer.ObserveRead(uint64(req.Length), lat, ok)
		case blk.OpWrite:
			d.observer.ObserveWrite(uint64(req.Length), lat, ok)
		case blk.OpFlush:
			d.observer.ObserveFlush(lat, ok)
		}
		q.disp.Complete(req)
	}
}

func (d *Device) queue(i int) (*ioQueue, error) {
	if d.stopped.Load() {
		return nil, ioerr.New("submit", ioerr.CodeNotReady, "device closed")
	}
	if i < 0 || i >= len(d.queues) {
		return nil, ioerr.New("submit", ioerr.CodeInvalidParams, fmt.Sprintf("no I/O queue %d", i))
	}
	return d.queues[i], nil
}

// NumQueues returns the number of I/O queues. Interrupt-driven queues
// come first.
func (d *Device) NumQueues() int {
	return len(d.queues)
}

// Get reserves a request on I/O queue i. It never blocks; with every tag
// in use it returns an error matching ErrBusy.
func (d *Device) Get(i int) (*Request, error) {
	q, err := d.queue(i)
	if err != nil {
		return nil, err
	}
	return q.tags.Get()
}

// Put returns a request obtained from Get. After Submit the request may
// only be put back from its Done callback.
func (d *Device) Put(req *Request) {
	d.queues[req.Queue()-1].tags.Put(req)
}

// Submit dispatches req on the queue it was reserved from. On error the
// request was not submitted and the caller still owns it; otherwise Done
// runs once the controller completes it.
func (d *Device) Submit(req *Request) error {
	return d.SubmitBatch([]*Request{req})
}

// SubmitBatch dispatches reqs, all reserved from the same queue, and
// rings the doorbell once after the last. It stops at the first request
// that cannot be dispatched; those before it are submitted.
func (d *Device) SubmitBatch(reqs []*Request) error {
	if len(reqs) == 0 {
		return nil
	}
	q, err := d.queue(int(reqs[0].Queue()) - 1)
	if err != nil {
		return err
	}
	for i, req := range reqs {
		if req.Queue() != q.ring.ID() {
			err = ioerr.NewQueueError("submit", q.ring.ID(), req.Tag, ioerr.CodeInvalidParams,
				fmt.Sprintf("request belongs to queue %d", req.Queue()))
		} else {
			q.issued[req.Tag] = time.Now().UnixNano()
			err = q.disp.Dispatch(req, i == len(reqs)-1)
		}
		if err != nil {
			d.observer.ObserveRejected()
			if i > 0 {
				q.ring.WriteSQDoorbell()
			}
			return err
		}
	}
	d.observer.ObserveQueueDepth(q.ring.ID(), uint32(q.tags.Size()-q.tags.Free()))
	return nil
}

// Poll drains polled I/O queue i and reports whether anything completed.
// Interrupt-driven queues are drained by their own goroutine; polling
// them returns false. Concurrent polls of one queue coalesce: the losers
// return false without draining, so a caller waiting for its request must
// poll again until Done runs. Do polls on a ticker for this reason.
func (d *Device) Poll(i int) bool {
	if d.stopped.Load() || i < 0 || i >= len(d.queues) || !d.queues[i].ring.Polled() {
		return false
	}
	return d.queues[i].ring.Poll()
}

// Do performs one request synchronously on the next I/O queue, spreading
// calls round robin. offset and the total length of segments must be
// multiples of the logical block size. When ctx ends first Do returns a
// timeout error; the command stays outstanding and its tag and mappings
// are released only when the controller completes it, so segments must
// not be reused until then.
func (d *Device) Do(ctx context.Context, op Op, offset uint64, segments [][]byte) error {
	var length uint64
	for _, seg := range segments {
		length += uint64(len(seg))
	}
	switch op {
	case OpFlush:
	case OpRead, OpWrite:
		switch {
		case length > uint64(d.maxSectors)<<constants.SectorShift:
			return ioerr.New(op.String(), ioerr.CodeInvalidParams,
				fmt.Sprintf("transfer of %d bytes exceeds %d sectors", length, d.maxSectors))
		case offset > uint64(d.ns.Size()) || length > uint64(d.ns.Size())-offset:
			return ioerr.New(op.String(), ioerr.CodeInvalidParams,
				fmt.Sprintf("%d bytes at %d beyond namespace end %d", length, offset, d.ns.Size()))
		}
	default:
		return ioerr.New(op.String(), ioerr.CodeUnsupported, "only read, write and flush run through Do")
	}

	req, q, err := d.reserve()
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	tags := q.tags
	req.Op = op
	req.Offset = offset
	req.Length = uint32(length)
	req.Segments = segments
	req.Done = func(r *blk.Request, err error) {
		tags.Put(r)
		done <- err
	}
	tag := req.Tag
	if err := d.Submit(req); err != nil {
		tags.Put(req)
		return err
	}

	var tick <-chan time.Time
	if q.ring.Polled() {
		t := time.NewTicker(constants.ReadyPollInterval / 10)
		defer t.Stop()
		tick = t.C
		q.ring.Poll()
	}
	for {
		select {
		case err := <-done:
			return err
		case <-tick:
			q.ring.Poll()
		case <-ctx.Done():
			d.observer.ObserveTimeout()
			d.logger.Warn("request still outstanding", "qid", q.ring.ID(), "tag", tag, "op", op.String())
			return ioerr.NewQueueError(op.String(), q.ring.ID(), tag, ioerr.CodeTimeout,
				fmt.Sprintf("no completion: %v", ctx.Err()))
		}
	}
}

// reserve takes a tag from the next queue with one free
func (d *Device) reserve() (*Request, *ioQueue, error) {
	if d.stopped.Load() {
		return nil, nil, ioerr.New("submit", ioerr.CodeNotReady, "device closed")
	}
	start := int(d.next.Add(1))
	var err error
	for n := range len(d.queues) {
		q := d.queues[(start+n)%len(d.queues)]
		var req *Request
		if req, err = q.tags.Get(); err == nil {
			return req, q, nil
		}
	}
	d.observer.ObserveRejected()
	return nil, nil, err
}

// ReadAt reads len(p) bytes at off
func (d *Device) ReadAt(ctx context.Context, p []byte, off int64) error {
	return d.Do(ctx, OpRead, uint64(off), [][]byte{p})
}

// WriteAt writes p at off
func (d *Device) WriteAt(ctx context.Context, p []byte, off int64) error {
	return d.Do(ctx, OpWrite, uint64(off), [][]byte{p})
}

// Flush commits the controller's volatile write cache
func (d *Device) Flush(ctx context.Context) error {
	return d.Do(ctx, OpFlush, 0, nil)
}

// State returns the current state of the device
func (d *Device) State() DeviceState {
	if d == nil || d.stopped.Load() {
		return DeviceStateStopped
	}
	return DeviceStateRunning
}

// DeviceInfo describes an open device
type DeviceInfo struct {
	Serial          string      `json:"serial"`
	Model           string      `json:"model"`
	Firmware        string      `json:"firmware"`
	NamespaceID     uint32      `json:"namespace_id"`
	Blocks          uint64      `json:"blocks"`
	BlockSize       int         `json:"block_size"`
	Size            int64       `json:"size"`
	MaxHWSectors    uint32      `json:"max_hw_sectors"`
	IRQQueues       int         `json:"irq_queues"`
	PolledQueues    int         `json:"polled_queues"`
	QueueDepth      int         `json:"queue_depth"`
	ShadowDoorbells bool        `json:"shadow_doorbells"`
	State           DeviceState `json:"state"`
}

// Info returns comprehensive information about the device
func (d *Device) Info() DeviceInfo {
	if d == nil {
		return DeviceInfo{}
	}
	info := DeviceInfo{
		Serial:          d.ident.SN,
		Model:           d.ident.MN,
		Firmware:        d.ident.FR,
		NamespaceID:     d.ns.NSID,
		Blocks:          d.ns.Blocks,
		BlockSize:       d.ns.BlockSize(),
		Size:            d.ns.Size(),
		MaxHWSectors:    d.maxSectors,
		IRQQueues:       d.counts.IRQ,
		PolledQueues:    d.counts.Polled,
		ShadowDoorbells: d.shadow != nil,
		State:           d.State(),
	}
	if len(d.queues) > 0 {
		info.QueueDepth = int(d.queues[0].ring.Depth())
	}
	return info
}

// QueueStats describes one I/O queue
type QueueStats struct {
	ID       uint16
	Polled   bool
	InFlight int
	Spurious uint64 // completions that named no in-flight request
	Dispatch dispatch.Stats
	Wakeups  uint64 // interrupts taken, interrupt-driven queues only
}

// QueueStats returns per-queue counters
func (d *Device) QueueStats() []QueueStats {
	out := make([]QueueStats, 0, len(d.queues))
	for _, q := range d.queues {
		s := QueueStats{
			ID:       q.ring.ID(),
			Polled:   q.ring.Polled(),
			InFlight: q.tags.Size() - q.tags.Free(),
			Spurious: q.tags.Spurious(),
			Dispatch: q.disp.Stats(),
		}
		if q.runner != nil {
			s.Wakeups = q.runner.Wakeups()
		}
		out = append(out, s)
	}
	return out
}

// Metrics returns the current metrics for the device
func (d *Device) Metrics() *Metrics {
	if d == nil {
		return nil
	}
	return d.metrics
}

// Close deletes the I/O queues and shuts the controller down. Requests
// still outstanding never complete; their memory is not reclaimed.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		d.stopped.Store(true)
		d.closeErr = d.teardown()
		d.metrics.Stop()
	})
	return d.closeErr
}

func (d *Device) teardown() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	var errs []error
	for i := len(d.queues) - 1; i >= 0; i-- {
		if err := d.deleteQueue(ctx, d.queues[i]); err != nil {
			errs = append(errs, err)
		}
	}

	if d.ctrl != nil {
		if err := d.ctrl.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if d.shadow != nil {
		d.shadow.Free(d.platform.Memory())
		d.shadow = nil
	}
	if d.pool != nil {
		d.pool.Close()
	}
	d.cancel()
	return errors.Join(errs...)
}

func (d *Device) deleteQueue(ctx context.Context, q *ioQueue) error {
	err := d.ctrl.DeleteIOQueuePair(ctx, q.ring.ID())
	if q.runner != nil {
		q.runner.Stop()
	}
	// completions posted before the queue went away
	q.ring.ProcessCompletions()
	if n := q.tags.Size() - q.tags.Free(); n > 0 {
		d.logger.Warn("queue deleted with requests outstanding", "qid", q.ring.ID(), "outstanding", n)
	}
	q.ring.Free()
	return err
}
