package sim

import (
	"github.com/ehrlich-b/go-nvme/internal/constants"
	"github.com/ehrlich-b/go-nvme/internal/prp"
	"github.com/ehrlich-b/go-nvme/internal/wire"
)

func (c *Controller) io(cmd *wire.Command) (uint32, uint16) {
	c.ioCommands.Add(1)
	if status, ok := c.takeFault(false, cmd.Opcode); ok {
		return 0, status
	}
	if cmd.NSID != namespaceID {
		return 0, wire.StatusInvalidNamespace
	}

	switch cmd.Opcode {
	case wire.OpFlush:
		if err := c.cfg.Backend.Flush(); err != nil {
			c.logger.Error("backend flush failed", "error", err)
			return 0, wire.StatusInternal
		}
		return 0, wire.StatusSuccess
	case wire.OpRead, wire.OpWrite:
		return 0, c.readWrite(cmd)
	}
	return 0, wire.StatusInvalidOpcode
}

func (c *Controller) readWrite(cmd *wire.Command) uint16 {
	slba, nlb := cmd.SLBA(), uint64(cmd.NLB())+1
	if slba+nlb > c.blocks() || slba+nlb < slba {
		return wire.StatusLBARange
	}
	length := nlb << c.cfg.LBAShift
	if c.cfg.MDTS != 0 && length > uint64(constants.CtrlPageSize)<<c.cfg.MDTS {
		return wire.StatusInvalidField
	}

	extents, err := prp.Walk(c.cfg.Memory, cmd.PRP1, cmd.PRP2, uint32(length))
	if err != nil {
		c.logger.Debug("bad data pointer", "cid", cmd.CommandID, "error", err)
		return walkStatus(err)
	}

	off := int64(slba << c.cfg.LBAShift)
	for _, ext := range extents {
		buf, err := c.cfg.Memory.Resolve(ext.Addr, int(ext.Len))
		if err != nil {
			return wire.StatusDataXferError
		}
		if cmd.Opcode == wire.OpRead {
			_, err = c.cfg.Backend.ReadAt(buf, off)
		} else {
			_, err = c.cfg.Backend.WriteAt(buf, off)
		}
		if err != nil {
			c.logger.Error("backend transfer failed", "opcode", cmd.Opcode, "offset", off, "error", err)
			return wire.StatusInternal
		}
		off += int64(ext.Len)
	}

	if cmd.Opcode == wire.OpRead {
		c.bytesRead.Add(length)
	} else {
		c.bytesWritten.Add(length)
	}
	return wire.StatusSuccess
}
