// Package dispatch turns block requests into NVMe commands on a ring and
// tears their DMA state down again when the controller completes them.
package dispatch

import (
	"fmt"
	"sync/atomic"

	"github.com/ehrlich-b/go-nvme/internal/blk"
	"github.com/ehrlich-b/go-nvme/internal/constants"
	"github.com/ehrlich-b/go-nvme/internal/dma"
	"github.com/ehrlich-b/go-nvme/internal/ioerr"
	"github.com/ehrlich-b/go-nvme/internal/logging"
	"github.com/ehrlich-b/go-nvme/internal/prp"
	"github.com/ehrlich-b/go-nvme/internal/wire"
)

const pageSize = constants.CtrlPageSize

// Ring is where commands go. *queue.Queue implements it.
type Ring interface {
	ID() uint16
	Submit(cmd *wire.Command, isLast bool)
}

// Namespace is the target of read, write and flush commands
type Namespace struct {
	ID       uint32
	LBAShift uint8 // log2 of the logical block size
}

// Config wires a Dispatcher to its collaborators
type Config struct {
	Ring      Ring
	Builder   *prp.Builder
	Mapper    dma.Mapper
	Namespace Namespace
	Logger    *logging.Logger
}

// Stats counts dispatch paths taken
type Stats struct {
	FastPath        uint64
	GeneralPath     uint64
	DescriptorPages uint64 // descriptor pages allocated over all requests
	MappingsOut     int64  // general-path mapping data held by in-flight requests
}

// Dispatcher builds and submits commands for one queue
type Dispatcher struct {
	ring    Ring
	builder *prp.Builder
	mapper  dma.Mapper
	ns      Namespace
	logger  *logging.Logger

	fast        atomic.Uint64
	general     atomic.Uint64
	descPages   atomic.Uint64
	mappingsOut atomic.Int64
}

// New creates a dispatcher
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Ring == nil || cfg.Builder == nil || cfg.Mapper == nil {
		return nil, ioerr.New("dispatch", ioerr.CodeInvalidParams, "ring, builder and mapper are required")
	}
	if cfg.Namespace.LBAShift < constants.SectorShift || cfg.Namespace.LBAShift > 16 {
		return nil, ioerr.New("dispatch", ioerr.CodeInvalidParams,
			fmt.Sprintf("unsupported logical block shift %d", cfg.Namespace.LBAShift))
	}
	d := &Dispatcher{
		ring:    cfg.Ring,
		builder: cfg.Builder,
		mapper:  cfg.Mapper,
		ns:      cfg.Namespace,
		logger:  cfg.Logger,
	}
	if d.logger == nil {
		d.logger = logging.Default().WithQueue(cfg.Ring.ID())
	}
	return d, nil
}

// Namespace returns the namespace commands are built for
func (d *Dispatcher) Namespace() Namespace {
	return d.ns
}

// Stats returns a snapshot of the path counters
func (d *Dispatcher) Stats() Stats {
	return Stats{
		FastPath:        d.fast.Load(),
		GeneralPath:     d.general.Load(),
		DescriptorPages: d.descPages.Load(),
		MappingsOut:     d.mappingsOut.Load(),
	}
}

// Dispatch builds the command for req and submits it. On error nothing was
// submitted and nothing stays mapped; the caller still owns req.
func (d *Dispatcher) Dispatch(req *blk.Request, isLast bool) error {
	var cmd wire.Command

	switch req.Op {
	case blk.OpDrvIn, blk.OpDrvOut:
		cmd = req.Cmd
		cmd.CommandID = req.Tag
	case blk.OpFlush:
		cmd = wire.NewFlush(req.Tag, d.ns.ID)
	case blk.OpRead, blk.OpWrite:
		if err := d.mapData(req, &cmd); err != nil {
			return err
		}
	default:
		return ioerr.NewQueueError("dispatch", d.ring.ID(), req.Tag, ioerr.CodeUnsupported,
			fmt.Sprintf("unsupported operation %s", req.Op))
	}

	req.Start()
	d.ring.Submit(&cmd, isLast)
	return nil
}

func (d *Dispatcher) mapData(req *blk.Request, cmd *wire.Command) error {
	if err := d.validate(req); err != nil {
		return err
	}

	opcode, dir := wire.OpRead, dma.FromDevice
	if req.Op == blk.OpWrite {
		opcode, dir = wire.OpWrite, dma.ToDevice
	}
	shift := d.ns.LBAShift
	*cmd = wire.NewRW(opcode, req.Tag, d.ns.ID, req.Offset>>shift, uint16((req.Length>>shift)-1))

	if len(req.Segments) == 1 {
		seg := req.Segments[0]
		off := dma.PageOffset(seg)
		if off+int(req.Length) <= 2*pageSize {
			return d.mapSingle(req, cmd, seg[:req.Length], off, dir)
		}
	}

	md := getMapping()
	for i, seg := range req.Segments {
		md.SG[i] = dma.SGEntry{Buf: seg}
	}
	count, err := d.mapper.MapSG(md.SG[:len(req.Segments)], dir)
	if err != nil {
		putMapping(md)
		return ioerr.NewQueueError("dispatch", d.ring.ID(), req.Tag, ioerr.CodeNoMemory,
			fmt.Sprintf("scatter list mapping failed: %v", err))
	}

	pages, err := d.builder.Build(cmd, md, count, req.Length)
	if err != nil {
		d.mapper.UnmapSG(md.SG[:count], dir)
		putMapping(md)
		d.logger.Debug("descriptor build failed", "tag", req.Tag, "segments", count, "error", err)
		return err
	}

	req.DMADir = dir
	req.MD = md
	req.SGCount = count
	req.PageCount = pages
	req.FirstDMA = cmd.PRP2

	d.mappingsOut.Add(1)
	d.general.Add(1)
	d.descPages.Add(uint64(pages))
	return nil
}

func (d *Dispatcher) mapSingle(req *blk.Request, cmd *wire.Command, buf []byte, off int, dir dma.Direction) error {
	addr, err := d.mapper.MapPage(buf, dir)
	if err != nil {
		return ioerr.NewQueueError("dispatch", d.ring.ID(), req.Tag, ioerr.CodeNoMemory,
			fmt.Sprintf("page mapping failed: %v", err))
	}

	cmd.PRP1 = addr
	// the second pointer names the page after the one PRP1 starts in
	if off+len(buf) > pageSize {
		cmd.PRP2 = addr&^(pageSize-1) + pageSize
	}

	req.DMAAddr = addr
	req.DMADir = dir
	req.DMALen = uint32(len(buf))
	d.fast.Add(1)
	return nil
}

func (d *Dispatcher) validate(req *blk.Request) error {
	bad := func(msg string) error {
		return ioerr.NewQueueError("dispatch", d.ring.ID(), req.Tag, ioerr.CodeInvalidParams, msg)
	}

	blockMask := uint64(1)<<d.ns.LBAShift - 1
	switch {
	case req.Length == 0:
		return bad("zero-length transfer")
	case uint64(req.Length)&blockMask != 0 || req.Offset&blockMask != 0:
		return bad(fmt.Sprintf("offset %d length %d not aligned to %d-byte blocks", req.Offset, req.Length, blockMask+1))
	case req.Length > constants.MaxTransferKB*1024:
		return bad(fmt.Sprintf("transfer of %d bytes exceeds %d KiB", req.Length, constants.MaxTransferKB))
	case len(req.Segments) == 0 || len(req.Segments) > constants.MaxSegments:
		return bad(fmt.Sprintf("%d segments", len(req.Segments)))
	}

	var total uint64
	for _, seg := range req.Segments {
		if len(seg) == 0 {
			return bad("empty segment")
		}
		total += uint64(len(seg))
	}
	if total < uint64(req.Length) {
		return bad(fmt.Sprintf("segments hold %d of %d bytes", total, req.Length))
	}
	return nil
}

// Complete tears down req's mappings and ends it with its stored status.
// TagSet.Complete calls it once per completion, from the drain goroutine.
func (d *Dispatcher) Complete(req *blk.Request) {
	switch req.Op {
	case blk.OpRead, blk.OpWrite:
		if md := req.MD; md != nil {
			d.mapper.UnmapSG(md.SG[:req.SGCount], req.DMADir)
			d.builder.Free(req.PageCount, &md.Pages, req.FirstDMA)
			req.MD = nil
			putMapping(md)
			d.mappingsOut.Add(-1)
		} else {
			d.mapper.UnmapPage(req.DMAAddr, req.DMALen, req.DMADir)
		}
	}

	var err error
	if req.Status != wire.StatusSuccess {
		err = ioerr.NewStatusError(req.Op.String(), d.ring.ID(), req.Tag, req.Status)
		d.logger.Debug("completing with error", "tag", req.Tag, "op", req.Op.String(), "status", req.Status)
	}
	if req.Done != nil {
		req.Done(req, err)
	}
}
