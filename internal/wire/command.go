// Package wire holds the binary layouts shared with the controller:
// submission entries, completion entries and identify data.
package wire

import (
	"encoding/binary"
	"errors"
	"unsafe"
)

// ErrShortBuffer is returned when decoding from a truncated buffer
var ErrShortBuffer = errors.New("wire: buffer too short")

// I/O command set opcodes
const (
	OpFlush uint8 = 0x00
	OpWrite uint8 = 0x01
	OpRead  uint8 = 0x02
)

// Admin opcodes
const (
	AdminDeleteSQ    uint8 = 0x00
	AdminCreateSQ    uint8 = 0x01
	AdminDeleteCQ    uint8 = 0x04
	AdminCreateCQ    uint8 = 0x05
	AdminIdentify    uint8 = 0x06
	AdminSetFeatures uint8 = 0x09
	AdminGetFeatures uint8 = 0x0a
	AdminDBBufConfig uint8 = 0x7c
)

// Queue creation flags (cdw11)
const (
	QueuePhysContig uint16 = 1 << 0
	CQIRQEnabled    uint16 = 1 << 1
	SQPrioUrgent    uint16 = 0 << 1
	SQPrioHigh      uint16 = 1 << 1
	SQPrioMedium    uint16 = 2 << 1
	SQPrioLow       uint16 = 3 << 1
)

// Feature identifiers
const (
	FeatNumQueues uint32 = 0x07
)

// Identify CNS values
const (
	CNSNamespace  uint32 = 0x00
	CNSController uint32 = 0x01
)

// Command is a 64-byte submission queue entry. Field offsets follow the
// NVMe common command format; read/write place SLBA in cdw10-11 and the
// zero-based block count in the low half of cdw12.
type Command struct {
	Opcode    uint8
	Flags     uint8
	CommandID uint16
	NSID      uint32
	CDW2      uint32
	CDW3      uint32
	Metadata  uint64
	PRP1      uint64
	PRP2      uint64
	CDW10     uint32
	CDW11     uint32
	CDW12     uint32
	CDW13     uint32
	CDW14     uint32
	CDW15     uint32
}

// Compile-time size check
var _ [64]byte = [unsafe.Sizeof(Command{})]byte{}

// CommandSize is the encoded size of a Command
const CommandSize = 64

// MarshalTo encodes c into b, which must hold at least CommandSize bytes
func (c *Command) MarshalTo(b []byte) {
	_ = b[CommandSize-1]
	b[0] = c.Opcode
	b[1] = c.Flags
	binary.LittleEndian.PutUint16(b[2:4], c.CommandID)
	binary.LittleEndian.PutUint32(b[4:8], c.NSID)
	binary.LittleEndian.PutUint32(b[8:12], c.CDW2)
	binary.LittleEndian.PutUint32(b[12:16], c.CDW3)
	binary.LittleEndian.PutUint64(b[16:24], c.Metadata)
	binary.LittleEndian.PutUint64(b[24:32], c.PRP1)
	binary.LittleEndian.PutUint64(b[32:40], c.PRP2)
	binary.LittleEndian.PutUint32(b[40:44], c.CDW10)
	binary.LittleEndian.PutUint32(b[44:48], c.CDW11)
	binary.LittleEndian.PutUint32(b[48:52], c.CDW12)
	binary.LittleEndian.PutUint32(b[52:56], c.CDW13)
	binary.LittleEndian.PutUint32(b[56:60], c.CDW14)
	binary.LittleEndian.PutUint32(b[60:64], c.CDW15)
}

// Marshal encodes c into a fresh buffer
func (c *Command) Marshal() []byte {
	b := make([]byte, CommandSize)
	c.MarshalTo(b)
	return b
}

// UnmarshalCommand decodes a submission entry
func UnmarshalCommand(b []byte) (Command, error) {
	if len(b) < CommandSize {
		return Command{}, ErrShortBuffer
	}
	return Command{
		Opcode:    b[0],
		Flags:     b[1],
		CommandID: binary.LittleEndian.Uint16(b[2:4]),
		NSID:      binary.LittleEndian.Uint32(b[4:8]),
		CDW2:      binary.LittleEndian.Uint32(b[8:12]),
		CDW3:      binary.LittleEndian.Uint32(b[12:16]),
		Metadata:  binary.LittleEndian.Uint64(b[16:24]),
		PRP1:      binary.LittleEndian.Uint64(b[24:32]),
		PRP2:      binary.LittleEndian.Uint64(b[32:40]),
		CDW10:     binary.LittleEndian.Uint32(b[40:44]),
		CDW11:     binary.LittleEndian.Uint32(b[44:48]),
		CDW12:     binary.LittleEndian.Uint32(b[48:52]),
		CDW13:     binary.LittleEndian.Uint32(b[52:56]),
		CDW14:     binary.LittleEndian.Uint32(b[56:60]),
		CDW15:     binary.LittleEndian.Uint32(b[60:64]),
	}, nil
}

// SLBA returns the starting logical block of a read/write command
func (c *Command) SLBA() uint64 {
	return uint64(c.CDW10) | uint64(c.CDW11)<<32
}

// NLB returns the zero-based block count of a read/write command
func (c *Command) NLB() uint16 {
	return uint16(c.CDW12)
}

// NewRW builds a read or write command
func NewRW(opcode uint8, id uint16, nsid uint32, slba uint64, nlb uint16) Command {
	return Command{
		Opcode:    opcode,
		CommandID: id,
		NSID:      nsid,
		CDW10:     uint32(slba),
		CDW11:     uint32(slba >> 32),
		CDW12:     uint32(nlb),
	}
}

// NewFlush builds a flush command for a namespace
func NewFlush(id uint16, nsid uint32) Command {
	return Command{Opcode: OpFlush, CommandID: id, NSID: nsid}
}

// NewCreateCQ builds a Create I/O Completion Queue command
func NewCreateCQ(qid, depth uint16, addr uint64, vector uint16, flags uint16) Command {
	return Command{
		Opcode: AdminCreateCQ,
		PRP1:   addr,
		CDW10:  uint32(depth-1)<<16 | uint32(qid),
		CDW11:  uint32(vector)<<16 | uint32(flags),
	}
}

// NewCreateSQ builds a Create I/O Submission Queue command bound to cqid
func NewCreateSQ(qid, depth uint16, addr uint64, cqid uint16, flags uint16) Command {
	return Command{
		Opcode: AdminCreateSQ,
		PRP1:   addr,
		CDW10:  uint32(depth-1)<<16 | uint32(qid),
		CDW11:  uint32(cqid)<<16 | uint32(flags),
	}
}

// NewDeleteQueue builds a Delete I/O SQ or CQ command
func NewDeleteQueue(opcode uint8, qid uint16) Command {
	return Command{Opcode: opcode, CDW10: uint32(qid)}
}

// NewIdentify builds an Identify command writing into the page at addr
func NewIdentify(nsid uint32, cns uint32, addr uint64) Command {
	return Command{
		Opcode: AdminIdentify,
		NSID:   nsid,
		PRP1:   addr,
		CDW10:  cns,
	}
}

// NewSetFeatures builds a Set Features command
func NewSetFeatures(fid uint32, value uint32) Command {
	return Command{Opcode: AdminSetFeatures, CDW10: fid, CDW11: value}
}

// NewDBBufConfig builds a Doorbell Buffer Config command
func NewDBBufConfig(dbs, eis uint64) Command {
	return Command{Opcode: AdminDBBufConfig, PRP1: dbs, PRP2: eis}
}

// QueueCountValue encodes a zero-based (ncqr, nsqr) pair for FeatNumQueues
func QueueCountValue(n uint16) uint32 {
	v := uint32(n - 1)
	return v | v<<16
}

// GrantedQueues decodes the FeatNumQueues result into a one-based count
func GrantedQueues(result uint32) uint16 {
	nsq := result & 0xffff
	ncq := result >> 16
	return uint16(min(nsq, ncq) + 1)
}
