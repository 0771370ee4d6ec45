package sim

import (
	"github.com/ehrlich-b/go-nvme/internal/constants"
	"github.com/ehrlich-b/go-nvme/internal/dma"
	"github.com/ehrlich-b/go-nvme/internal/ioerr"
	"github.com/ehrlich-b/go-nvme/internal/prp"
	"github.com/ehrlich-b/go-nvme/internal/wire"
)

const namespaceID = 1

func (c *Controller) admin(q *subQueue, cmd *wire.Command) (uint32, uint16) {
	c.adminCommands.Add(1)
	if status, ok := c.takeFault(true, cmd.Opcode); ok {
		return 0, status
	}

	switch cmd.Opcode {
	case wire.AdminIdentify:
		return 0, c.identify(cmd)
	case wire.AdminSetFeatures:
		return c.setFeatures(cmd)
	case wire.AdminGetFeatures:
		return c.getFeatures(cmd)
	case wire.AdminCreateCQ:
		return 0, c.createCQ(q, cmd)
	case wire.AdminCreateSQ:
		return 0, c.createSQ(q, cmd)
	case wire.AdminDeleteSQ:
		return 0, c.deleteSQ(cmd)
	case wire.AdminDeleteCQ:
		return 0, c.deleteCQ(cmd)
	case wire.AdminDBBufConfig:
		if c.cfg.ShadowDoorbells {
			return 0, c.dbbufConfig(cmd)
		}
	}
	c.logger.Debug("unsupported admin command", "opcode", cmd.Opcode)
	return 0, wire.StatusInvalidOpcode
}

func (c *Controller) blocks() uint64 {
	return uint64(c.cfg.Backend.Size()) >> c.cfg.LBAShift
}

func (c *Controller) identify(cmd *wire.Command) uint16 {
	page := make([]byte, wire.IdentifySize)

	switch cmd.CDW10 & 0xff {
	case wire.CNSController:
		id := wire.IdentifyController{
			SN:   c.cfg.Serial,
			MN:   c.cfg.Model,
			FR:   c.cfg.Firmware,
			MDTS: c.cfg.MDTS,
			NN:   namespaceID,
		}
		if c.cfg.ShadowDoorbells {
			id.OACS |= wire.OACSDBBufConfig
		}
		id.MarshalTo(page)
	case wire.CNSNamespace:
		if cmd.NSID != namespaceID {
			return wire.StatusInvalidNamespace
		}
		n := c.blocks()
		ns := wire.IdentifyNamespace{NSZE: n, NCAP: n, NUSE: n}
		ns.LBAF[0].DS = c.cfg.LBAShift
		ns.MarshalTo(page)
	default:
		return wire.StatusInvalidField
	}

	return c.transfer(cmd, page, true)
}

// transfer moves buf to (toHost) or from host memory described by the
// command's data pointer
func (c *Controller) transfer(cmd *wire.Command, buf []byte, toHost bool) uint16 {
	extents, err := prp.Walk(c.cfg.Memory, cmd.PRP1, cmd.PRP2, uint32(len(buf)))
	if err != nil {
		return walkStatus(err)
	}
	for _, ext := range extents {
		mem, err := c.cfg.Memory.Resolve(ext.Addr, int(ext.Len))
		if err != nil {
			return wire.StatusDataXferError
		}
		if toHost {
			copy(mem, buf)
		} else {
			copy(buf, mem)
		}
		buf = buf[ext.Len:]
	}
	return wire.StatusSuccess
}

func walkStatus(err error) uint16 {
	if ioerr.IsCode(err, ioerr.CodeInvalidPRP) {
		return wire.StatusInvalidPRPOffset
	}
	return wire.StatusDataXferError
}

func (c *Controller) setFeatures(cmd *wire.Command) (uint32, uint16) {
	if cmd.CDW10&0xff != wire.FeatNumQueues {
		return 0, wire.StatusInvalidField
	}
	nsqr, ncqr := uint16(cmd.CDW11), uint16(cmd.CDW11>>16)
	if nsqr == 0xffff || ncqr == 0xffff {
		return 0, wire.StatusInvalidField
	}
	limit := c.cfg.MaxIOQueues - 1
	nsqa, ncqa := min(nsqr, limit), min(ncqr, limit)

	c.mu.Lock()
	c.granted = min(nsqa, ncqa)
	c.mu.Unlock()

	c.logger.Debug("queue count granted", "requested_sq", nsqr+1, "granted_sq", nsqa+1, "granted_cq", ncqa+1)
	return uint32(nsqa) | uint32(ncqa)<<16, wire.StatusSuccess
}

func (c *Controller) getFeatures(cmd *wire.Command) (uint32, uint16) {
	if cmd.CDW10&0xff != wire.FeatNumQueues {
		return 0, wire.StatusInvalidField
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	g := c.granted
	if g == 0xffff {
		g = c.cfg.MaxIOQueues - 1
	}
	return uint32(g) | uint32(g)<<16, wire.StatusSuccess
}

// ioQIDLocked checks an I/O queue id against the granted count. Caller holds mu.
func (c *Controller) ioQIDLocked(qid uint16) bool {
	limit := c.cfg.MaxIOQueues
	if c.granted != 0xffff {
		limit = c.granted + 1
	}
	return qid != 0 && qid <= limit
}

func (c *Controller) queueSize(cdw10 uint32) (uint16, bool) {
	size := uint32(cdw10>>16) + 1
	if size < 2 || size > uint32(c.cfg.MaxQueueEntries) {
		return 0, false
	}
	return uint16(size), true
}

func (c *Controller) createCQ(admin *subQueue, cmd *wire.Command) uint16 {
	qid := uint16(cmd.CDW10)
	flags, vector := uint16(cmd.CDW11), uint16(cmd.CDW11>>16)

	depth, ok := c.queueSize(cmd.CDW10)
	if !ok {
		return wire.StatusInvalidQSize
	}
	if flags&wire.QueuePhysContig == 0 {
		return wire.StatusInvalidField
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if admin.gen != c.gen {
		return wire.StatusInternal
	}
	if !c.ioQIDLocked(qid) || c.cqs[qid] != nil {
		return wire.StatusInvalidQID
	}
	irq := flags&wire.CQIRQEnabled != 0
	if irq && vector > c.cfg.MaxIOQueues {
		return wire.StatusInvalidVector
	}
	cq, err := c.newCompQueue(qid, depth, cmd.PRP1, vector, irq)
	if err != nil {
		c.logger.Warn("create completion queue failed", "qid", qid, "error", err)
		return wire.StatusInvalidField
	}
	c.cqs[qid] = cq
	c.logger.Debug("completion queue created", "qid", qid, "depth", depth, "vector", vector, "irq", irq)
	return wire.StatusSuccess
}

func (c *Controller) createSQ(admin *subQueue, cmd *wire.Command) uint16 {
	qid := uint16(cmd.CDW10)
	flags, cqid := uint16(cmd.CDW11), uint16(cmd.CDW11>>16)

	depth, ok := c.queueSize(cmd.CDW10)
	if !ok {
		return wire.StatusInvalidQSize
	}
	if flags&wire.QueuePhysContig == 0 {
		return wire.StatusInvalidField
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if admin.gen != c.gen {
		return wire.StatusInternal
	}
	if !c.ioQIDLocked(qid) || c.sqs[qid] != nil {
		return wire.StatusInvalidQID
	}
	cq := c.cqs[cqid]
	if cqid == 0 || cq == nil {
		return wire.StatusCQInvalid
	}
	sq, err := c.newSubQueue(qid, depth, cmd.PRP1, cq)
	if err != nil {
		c.logger.Warn("create submission queue failed", "qid", qid, "error", err)
		return wire.StatusInvalidField
	}
	cq.sqRefs++
	c.sqs[qid] = sq
	c.startLocked(sq)
	c.logger.Debug("submission queue created", "qid", qid, "depth", depth, "cqid", cqid)
	return wire.StatusSuccess
}

func (c *Controller) deleteSQ(cmd *wire.Command) uint16 {
	qid := uint16(cmd.CDW10)

	c.mu.Lock()
	sq := c.sqs[qid]
	if qid == 0 || sq == nil {
		c.mu.Unlock()
		return wire.StatusInvalidQID
	}
	delete(c.sqs, qid)
	c.mu.Unlock()

	sq.stopAndWait()

	c.mu.Lock()
	sq.cq.sqRefs--
	c.mu.Unlock()
	c.logger.Debug("submission queue deleted", "qid", qid)
	return wire.StatusSuccess
}

func (c *Controller) deleteCQ(cmd *wire.Command) uint16 {
	qid := uint16(cmd.CDW10)

	c.mu.Lock()
	defer c.mu.Unlock()
	cq := c.cqs[qid]
	if qid == 0 || cq == nil {
		return wire.StatusInvalidQID
	}
	if cq.sqRefs > 0 {
		return wire.StatusInvalidQDeletion
	}
	delete(c.cqs, qid)
	c.logger.Debug("completion queue deleted", "qid", qid)
	return wire.StatusSuccess
}

func (c *Controller) dbbufConfig(cmd *wire.Command) uint16 {
	const pageMask = constants.CtrlPageSize - 1
	if cmd.PRP1 == 0 || cmd.PRP2 == 0 || cmd.PRP1&pageMask != 0 || cmd.PRP2&pageMask != 0 {
		return wire.StatusInvalidField
	}
	dbs, err := c.cfg.Memory.Resolve(cmd.PRP1, constants.ShadowBufferSize)
	if err != nil {
		return wire.StatusInvalidField
	}
	eis, err := c.cfg.Memory.Resolve(cmd.PRP2, constants.ShadowBufferSize)
	if err != nil {
		return wire.StatusInvalidField
	}
	c.shadow.Store(&shadowBufs{
		dbs: dma.Buffer{CPU: dbs, DMA: cmd.PRP1},
		eis: dma.Buffer{CPU: eis, DMA: cmd.PRP2},
	})
	c.logger.Debug("shadow doorbells configured", "dbs", cmd.PRP1, "eis", cmd.PRP2)
	return wire.StatusSuccess
}
