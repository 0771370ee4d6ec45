// Package mmio describes the controller register file and how to reach it.
package mmio

import (
	"time"

	"github.com/ehrlich-b/go-nvme/internal/constants"
)

// Registers is 32/64-bit access to controller-relative register offsets
type Registers interface {
	Read32(off uint32) uint32
	Write32(off uint32, v uint32)
	Read64(off uint32) uint64
	Write64(off uint32, v uint64)
}

// Controller register offsets
const (
	RegCAP   uint32 = 0x00
	RegVS    uint32 = 0x08
	RegINTMS uint32 = 0x0c
	RegINTMC uint32 = 0x10
	RegCC    uint32 = 0x14
	RegCSTS  uint32 = 0x1c
	RegAQA   uint32 = 0x24
	RegASQ   uint32 = 0x28
	RegACQ   uint32 = 0x30
)

// CC fields
const (
	CCEnable   uint32 = 1 << 0
	CCCSSNVM   uint32 = 0 << 4
	CCMPSShift uint32 = 7
	CCArbRR    uint32 = 0 << 11
	CCShnNone  uint32 = 0 << 14
	CCShnNorm  uint32 = 1 << 14
	CCShnMask  uint32 = 3 << 14
	CCIOSQES   uint32 = 6 << 16
	CCIOCQES   uint32 = 4 << 20
)

// CSTS fields
const (
	CSTSReady     uint32 = 1 << 0
	CSTSFatal     uint32 = 1 << 1
	CSTSShstCmplt uint32 = 2 << 2
)

// EnableValue returns the CC value used to enable a controller running
// with the given memory page shift.
func EnableValue(pageShift uint) uint32 {
	return CCEnable | CCCSSNVM | uint32(pageShift-12)<<CCMPSShift |
		CCArbRR | CCShnNone | CCIOSQES | CCIOCQES
}

// AQAValue encodes admin submission and completion queue sizes
func AQAValue(depth uint16) uint32 {
	d := uint32(depth - 1)
	return d | d<<16
}

// Cap is a decoded CAP register
type Cap uint64

// MQES returns the zero-based maximum queue entries supported
func (c Cap) MQES() uint16 { return uint16(c & 0xffff) }

// MaxQueueDepth returns the usable I/O queue depth, capped at
// constants.MaxQueueDepth
func (c Cap) MaxQueueDepth() uint16 {
	return uint16(min(uint32(c.MQES())+1, constants.MaxQueueDepth))
}

// Timeout returns the worst-case ready transition time
func (c Cap) Timeout() time.Duration {
	return time.Duration((uint64(c)>>24)&0xff) * constants.CapTimeoutUnit
}

// DoorbellStride returns the distance between doorbell registers in bytes
func (c Cap) DoorbellStride() uint32 {
	return 1 << (((uint64(c) >> 32) & 0xf) + 2)
}

// MPSMin returns CAP.MPSMIN (page size is 2^(12+MPSMIN))
func (c Cap) MPSMin() uint8 {
	return uint8((uint64(c) >> 48) & 0xf)
}

// MakeCap builds a CAP value from its fields, used by device models
func MakeCap(mqes uint16, timeout uint8, dstrd uint8, mpsMin uint8) uint64 {
	const cssNVM = 1 << 37
	return uint64(mqes) | uint64(timeout)<<24 | uint64(dstrd&0xf)<<32 | cssNVM | uint64(mpsMin&0xf)<<48
}

// SQDoorbell returns the offset of the SQ tail doorbell for qid
func SQDoorbell(qid uint16, stride uint32) uint32 {
	return constants.DoorbellBase + uint32(qid)*2*stride
}

// CQDoorbell returns the offset of the CQ head doorbell for qid
func CQDoorbell(qid uint16, stride uint32) uint32 {
	return SQDoorbell(qid, stride) + stride
}

// MaxBlocks returns the largest transfer in 512-byte sectors allowed by
// MDTS, or 0 when MDTS is unlimited or the value would overflow.
func MaxBlocks(capReg uint64, mdts uint8) uint32 {
	if mdts == 0 {
		return 0
	}
	shift := uint(Cap(capReg).MPSMin()) + constants.CtrlPageShift - constants.SectorShift + uint(mdts)
	if shift >= 32 {
		return 0
	}
	return 1 << shift
}

// MaxHWSectors clamps the transfer limit to what a request can describe
func MaxHWSectors(capReg uint64, mdts uint8) uint32 {
	limit := uint32(constants.MaxTransferKB << 1)
	if blocks := MaxBlocks(capReg, mdts); blocks != 0 && blocks < limit {
		return blocks
	}
	return limit
}
