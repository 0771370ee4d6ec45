// Package blk holds the block-layer side of the data path: requests and
// the tag set that names them to the controller.
package blk

import (
	"fmt"
	"sync/atomic"

	"github.com/ehrlich-b/go-nvme/internal/dma"
	"github.com/ehrlich-b/go-nvme/internal/prp"
	"github.com/ehrlich-b/go-nvme/internal/wire"
)

// Op is a block request operation
type Op uint8

const (
	OpRead Op = iota
	OpWrite
	OpFlush
	OpDrvIn  // passthrough, data from device
	OpDrvOut // passthrough, data to device
	OpDiscard
)

func (o Op) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpFlush:
		return "flush"
	case OpDrvIn:
		return "drv-in"
	case OpDrvOut:
		return "drv-out"
	case OpDiscard:
		return "discard"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Passthrough reports whether o carries a caller-built command
func (o Op) Passthrough() bool {
	return o == OpDrvIn || o == OpDrvOut
}

const (
	stateIdle uint32 = iota
	stateStarted
	stateCompleting
)

// Request is one block request and its in-flight state. Between dispatch
// and completion the mappings and descriptor pages belong to the request.
type Request struct {
	Op       Op
	Tag      uint16
	Offset   uint64   // byte offset on the namespace
	Length   uint32   // payload bytes
	Segments [][]byte // physical segments, in order
	Cmd      wire.Command
	Done     func(req *Request, err error)

	// fast path mapping
	DMAAddr uint64
	DMADir  dma.Direction
	DMALen  uint32

	// general path mapping; MD is nil on the fast path
	MD        *prp.MappingData
	SGCount   int
	PageCount int
	FirstDMA  uint64

	// completion
	Result uint32
	Status uint16

	state atomic.Uint32
	qid   uint16
}

// Queue returns the id of the queue that owns the request
func (r *Request) Queue() uint16 {
	return r.qid
}

// Start marks the request as owned by the controller
func (r *Request) Start() {
	r.state.Store(stateStarted)
}

// Started reports whether the request is waiting for its completion
func (r *Request) Started() bool {
	return r.state.Load() == stateStarted
}

// Finish returns a completed or never-started request to idle
func (r *Request) Finish() {
	r.state.Store(stateIdle)
}

// Reset clears everything but the tag
func (r *Request) Reset() {
	tag := r.Tag
	r.Op = 0
	r.Offset = 0
	r.Length = 0
	r.Segments = nil
	r.Cmd = wire.Command{}
	r.Done = nil
	r.DMAAddr, r.DMADir, r.DMALen = 0, 0, 0
	r.MD = nil
	r.SGCount, r.PageCount, r.FirstDMA = 0, 0, 0
	r.Result, r.Status = 0, 0
	r.state.Store(stateIdle)
	r.Tag = tag
}

func (r *Request) String() string {
	return fmt.Sprintf("%s tag=%d off=%d len=%d segs=%d", r.Op, r.Tag, r.Offset, r.Length, len(r.Segments))
}
