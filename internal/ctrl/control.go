// Package ctrl brings a controller up on its admin queue: reset, admin
// queue registration, enable, queue-count negotiation, I/O queue pair
// creation, shadow doorbells and identify.
package ctrl

import (
	"context"
	"fmt"
	"time"

	"github.com/ehrlich-b/go-nvme/internal/blk"
	"github.com/ehrlich-b/go-nvme/internal/constants"
	"github.com/ehrlich-b/go-nvme/internal/dispatch"
	"github.com/ehrlich-b/go-nvme/internal/ioerr"
	"github.com/ehrlich-b/go-nvme/internal/logging"
	"github.com/ehrlich-b/go-nvme/internal/mmio"
	"github.com/ehrlich-b/go-nvme/internal/prp"
	"github.com/ehrlich-b/go-nvme/internal/queue"
	"github.com/ehrlich-b/go-nvme/internal/wire"
)

type Controller struct {
	cfg    Config
	cap    mmio.Cap
	stride uint32
	logger *logging.Logger

	admin  *queue.Queue
	tags   *blk.TagSet
	disp   *dispatch.Dispatcher
	runner *queue.Runner
}

type adminResult struct {
	result uint32
	err    error
}

func NewController(cfg Config) (*Controller, error) {
	if cfg.Regs == nil || cfg.Alloc == nil || cfg.Mapper == nil || cfg.Pool == nil {
		return nil, ioerr.New("new_controller", ioerr.CodeInvalidParams, "registers, allocator, mapper and pool are required")
	}
	if cfg.AdminDepth == 0 {
		cfg.AdminDepth = constants.AdminQueueDepth
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = constants.AdminCommandTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &Controller{cfg: cfg, logger: cfg.Logger}, nil
}

// Cap returns CAP as read by Enable
func (c *Controller) Cap() mmio.Cap {
	return c.cap
}

// Stride returns the doorbell stride in bytes
func (c *Controller) Stride() uint32 {
	return c.stride
}

// AdminQueue returns the admin queue, nil before Enable
func (c *Controller) AdminQueue() *queue.Queue {
	return c.admin
}

// MaxHWSectors returns the transfer limit in 512-byte sectors for mdts
func (c *Controller) MaxHWSectors(mdts uint8) uint32 {
	return mmio.MaxHWSectors(uint64(c.cap), mdts)
}

func (c *Controller) readyTimeout() time.Duration {
	if c.cfg.ReadyTimeout > 0 {
		return c.cfg.ReadyTimeout
	}
	if t := c.cap.Timeout(); t > 0 {
		return t
	}
	return constants.DefaultReadyTimeout
}

// Enable resets the controller, registers a fresh admin queue and enables
// it again.
func (c *Controller) Enable(ctx context.Context) error {
	if c.admin != nil {
		return ioerr.New("enable", ioerr.CodeInvalidParams, "controller already enabled")
	}

	c.cap = mmio.Cap(c.cfg.Regs.Read64(mmio.RegCAP))
	c.stride = c.cap.DoorbellStride()
	if c.cap.MPSMin() > 0 {
		return ioerr.New("enable", ioerr.CodeUnsupported,
			fmt.Sprintf("controller minimum page size %d exceeds %d", 1<<(12+c.cap.MPSMin()), constants.CtrlPageSize))
	}
	c.logger.Debug("controller capabilities",
		"mqes", c.cap.MQES(),
		"stride", c.stride,
		"timeout", c.cap.Timeout())

	if c.cfg.Regs.Read32(mmio.RegCC)&mmio.CCEnable != 0 {
		c.cfg.Regs.Write32(mmio.RegCC, c.cfg.Regs.Read32(mmio.RegCC)&^mmio.CCEnable)
	}
	if err := c.waitReady(ctx, false); err != nil {
		return err
	}

	depth := min(c.cfg.AdminDepth, uint16(min(uint32(c.cap.MQES())+1, 4096)))
	tags, err := blk.NewTagSet(0, depth)
	if err != nil {
		return err
	}
	q, err := queue.New(queue.Config{
		ID:        0,
		Depth:     depth,
		Polled:    c.cfg.AdminIRQ == nil,
		Vector:    0,
		Stride:    c.stride,
		Regs:      c.cfg.Regs,
		Alloc:     c.cfg.Alloc,
		Completer: tags,
		Logger:    c.logger.WithQueue(0),
	})
	if err != nil {
		return err
	}
	disp, err := dispatch.New(dispatch.Config{
		Ring:      q,
		Builder:   &prp.Builder{Pool: c.cfg.Pool},
		Mapper:    c.cfg.Mapper,
		Namespace: dispatch.Namespace{LBAShift: constants.SectorShift},
		Logger:    c.logger.WithQueue(0),
	})
	if err != nil {
		q.Free()
		return err
	}
	tags.SetHandler(disp.Complete)

	c.cfg.Regs.Write32(mmio.RegAQA, mmio.AQAValue(depth))
	c.cfg.Regs.Write64(mmio.RegASQ, q.SQAddr())
	c.cfg.Regs.Write64(mmio.RegACQ, q.CQAddr())
	c.cfg.Regs.Write32(mmio.RegCC, mmio.EnableValue(constants.CtrlPageShift))
	if err := c.waitReady(ctx, true); err != nil {
		c.cfg.Regs.Write32(mmio.RegCC, 0)
		q.Free()
		return err
	}

	if c.cfg.AdminIRQ != nil {
		r, err := queue.NewRunner(context.Background(), q, c.cfg.AdminIRQ)
		if err != nil {
			c.cfg.Regs.Write32(mmio.RegCC, 0)
			q.Free()
			return err
		}
		r.Start()
		c.runner = r
	}

	c.admin, c.tags, c.disp = q, tags, disp
	c.logger.Info("controller enabled", "admin_depth", depth, "polled", c.runner == nil)
	return nil
}

// waitReady polls CSTS.RDY until it equals ready
func (c *Controller) waitReady(ctx context.Context, ready bool) error {
	timeout := c.readyTimeout()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(constants.ReadyPollInterval)
	defer ticker.Stop()

	for {
		csts := c.cfg.Regs.Read32(mmio.RegCSTS)
		if ready && csts&mmio.CSTSFatal != 0 {
			return ioerr.New("wait_ready", ioerr.CodeIO, "controller fatal status")
		}
		if (csts&mmio.CSTSReady != 0) == ready {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ioerr.New("wait_ready", ioerr.CodeTimeout,
				fmt.Sprintf("CSTS.RDY did not become %t within %v", ready, timeout))
		}
	}
}

// Shutdown requests a normal shutdown, disables the controller and frees
// the admin queue
func (c *Controller) Shutdown(ctx context.Context) error {
	if c.admin == nil {
		return nil
	}

	cc := c.cfg.Regs.Read32(mmio.RegCC)
	c.cfg.Regs.Write32(mmio.RegCC, cc&^mmio.CCShnMask|mmio.CCShnNorm)
	deadline := time.Now().Add(c.readyTimeout())
	for c.cfg.Regs.Read32(mmio.RegCSTS)&mmio.CSTSShstCmplt == 0 {
		if time.Now().After(deadline) || ctx.Err() != nil {
			c.logger.Warn("shutdown did not complete, disabling anyway")
			break
		}
		time.Sleep(constants.ReadyPollInterval)
	}

	c.cfg.Regs.Write32(mmio.RegCC, 0)
	err := c.waitReady(ctx, false)

	if c.runner != nil {
		c.runner.Stop()
		c.runner = nil
	}
	c.admin.Free()
	c.admin, c.tags, c.disp = nil, nil, nil
	c.logger.Info("controller disabled")
	return err
}

// Exec submits cmd on the admin queue and waits for its completion. When
// ctx ends first the command stays outstanding: its tag comes back only
// when the controller completes it.
func (c *Controller) Exec(ctx context.Context, op string, cmd wire.Command) (uint32, error) {
	if c.admin == nil {
		return 0, ioerr.New(op, ioerr.CodeNotReady, "admin queue not enabled")
	}

	tags := c.tags
	req, err := tags.Get()
	if err != nil {
		return 0, ioerr.Wrap(op, err)
	}
	done := make(chan adminResult, 1)
	req.Op = blk.OpDrvIn
	req.Cmd = cmd
	req.Done = func(r *blk.Request, err error) {
		res := adminResult{result: r.Result, err: err}
		tags.Put(r)
		done <- res
	}
	tag := req.Tag
	if err := c.disp.Dispatch(req, true); err != nil {
		tags.Put(req)
		return 0, ioerr.Wrap(op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
	defer cancel()

	var tick <-chan time.Time
	if c.runner == nil {
		t := time.NewTicker(constants.ReadyPollInterval / 10)
		defer t.Stop()
		tick = t.C
		c.admin.ProcessCompletions()
	}
	for {
		select {
		case res := <-done:
			if res.err != nil {
				return res.result, ioerr.Wrap(op, res.err)
			}
			return res.result, nil
		case <-tick:
			c.admin.ProcessCompletions()
		case <-ctx.Done():
			c.logger.Warn("admin command still outstanding", "op", op, "tag", tag, "opcode", cmd.Opcode)
			return 0, ioerr.NewQueueError(op, 0, tag, ioerr.CodeTimeout, fmt.Sprintf("no completion: %v", ctx.Err()))
		}
	}
}

// SetQueueCount asks for irq+polled I/O queue pairs. A shortfall is taken
// from the polled queues first.
func (c *Controller) SetQueueCount(ctx context.Context, irqQueues, polledQueues int) (QueueCounts, error) {
	want := irqQueues + polledQueues
	if irqQueues < 0 || polledQueues < 0 || want == 0 || want > 0xffff {
		return QueueCounts{}, ioerr.New("set_queue_count", ioerr.CodeInvalidParams,
			fmt.Sprintf("bad queue request irq=%d polled=%d", irqQueues, polledQueues))
	}

	result, err := c.Exec(ctx, "set_queue_count", wire.NewSetFeatures(wire.FeatNumQueues, wire.QueueCountValue(uint16(want))))
	if err != nil {
		return QueueCounts{}, err
	}
	granted := int(wire.GrantedQueues(result))

	got := QueueCounts{IRQ: irqQueues, Polled: polledQueues}
	if granted < want {
		got.IRQ = min(irqQueues, granted)
		got.Polled = granted - got.IRQ
		c.logger.Warn("controller granted fewer queues than requested",
			"requested", want,
			"granted", granted,
			"irq", got.IRQ,
			"polled", got.Polled)
	}
	return got, nil
}

// CreateIOQueuePair registers q's completion queue, then its submission
// queue bound to it
func (c *Controller) CreateIOQueuePair(ctx context.Context, q *queue.Queue) error {
	cqFlags := wire.QueuePhysContig
	if !q.Polled() {
		cqFlags |= wire.CQIRQEnabled
	}
	cmd := wire.NewCreateCQ(q.ID(), q.Depth(), q.CQAddr(), q.Vector(), cqFlags)
	if _, err := c.Exec(ctx, "create_cq", cmd); err != nil {
		return err
	}

	cmd = wire.NewCreateSQ(q.ID(), q.Depth(), q.SQAddr(), q.ID(), wire.QueuePhysContig|wire.SQPrioMedium)
	if _, err := c.Exec(ctx, "create_sq", cmd); err != nil {
		if _, derr := c.Exec(ctx, "delete_cq", wire.NewDeleteQueue(wire.AdminDeleteCQ, q.ID())); derr != nil {
			c.logger.Warn("completion queue left behind", "qid", q.ID(), "error", derr)
		}
		return err
	}
	c.logger.Debug("io queue pair created", "qid", q.ID(), "depth", q.Depth(), "polled", q.Polled())
	return nil
}

// DeleteIOQueuePair removes the submission queue, then the completion queue
func (c *Controller) DeleteIOQueuePair(ctx context.Context, qid uint16) error {
	if _, err := c.Exec(ctx, "delete_sq", wire.NewDeleteQueue(wire.AdminDeleteSQ, qid)); err != nil {
		return err
	}
	_, err := c.Exec(ctx, "delete_cq", wire.NewDeleteQueue(wire.AdminDeleteCQ, qid))
	return err
}

// SetShadowDoorbells hands the shadow buffers to the controller. On error
// the caller runs without shadow doorbells.
func (c *Controller) SetShadowDoorbells(ctx context.Context, shadow *queue.Shadow) error {
	_, err := c.Exec(ctx, "dbbuf_config", wire.NewDBBufConfig(shadow.DBS.DMA, shadow.EIS.DMA))
	if err != nil {
		c.logger.Warn("shadow doorbells disabled", "error", err)
	}
	return err
}

func (c *Controller) identify(ctx context.Context, op string, nsid, cns uint32) ([]byte, error) {
	buf, err := c.cfg.Alloc.AllocCoherent(wire.IdentifySize)
	if err != nil {
		return nil, ioerr.Wrap(op, err)
	}
	_, err = c.Exec(ctx, op, wire.NewIdentify(nsid, cns, buf.DMA))
	if ioerr.IsCode(err, ioerr.CodeTimeout) {
		// the controller may still write into buf
		return nil, err
	}
	defer c.cfg.Alloc.FreeCoherent(buf)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), buf.CPU...), nil
}

// IdentifyController reads the controller identify page
func (c *Controller) IdentifyController(ctx context.Context) (wire.IdentifyController, error) {
	page, err := c.identify(ctx, "identify_controller", 0, wire.CNSController)
	if err != nil {
		return wire.IdentifyController{}, err
	}
	return wire.ParseIdentifyController(page)
}

// IdentifyNamespace reads and decodes the identify page of nsid
func (c *Controller) IdentifyNamespace(ctx context.Context, nsid uint32) (NamespaceInfo, error) {
	page, err := c.identify(ctx, "identify_namespace", nsid, wire.CNSNamespace)
	if err != nil {
		return NamespaceInfo{}, err
	}
	ns, err := wire.ParseIdentifyNamespace(page)
	if err != nil {
		return NamespaceInfo{}, err
	}
	info := NamespaceInfo{NSID: nsid, Blocks: ns.NSZE, LBAShift: ns.LBAShift(), Raw: ns}
	if info.LBAShift < constants.SectorShift || info.LBAShift > constants.CtrlPageShift {
		return NamespaceInfo{}, ioerr.New("identify_namespace", ioerr.CodeUnsupported,
			fmt.Sprintf("logical block shift %d", info.LBAShift))
	}
	return info, nil
}
