package wire

import (
	"encoding/binary"
	"unsafe"
)

// Completion is a 16-byte completion queue entry. Bit 0 of Status is the
// phase tag; the remaining bits are the status code.
type Completion struct {
	Result    uint32
	Rsvd      uint32
	SQHead    uint16
	SQID      uint16
	CommandID uint16
	Status    uint16
}

var _ [16]byte = [unsafe.Sizeof(Completion{})]byte{}

// CompletionSize is the encoded size of a Completion
const CompletionSize = 16

// Byte offsets inside a completion entry
const (
	CompletionResultOffset = 0
	// CompletionIDStatusOffset addresses the 32-bit word holding the
	// command id (low half) and the status field (high half). Controllers
	// publish an entry by storing this word last.
	CompletionIDStatusOffset = 12
)

// Status codes (status field >> 1)
const (
	StatusSuccess          uint16 = 0x0000
	StatusInvalidOpcode    uint16 = 0x0001
	StatusInvalidField     uint16 = 0x0002
	StatusDataXferError    uint16 = 0x0004
	StatusInternal         uint16 = 0x0006
	StatusInvalidNamespace uint16 = 0x000b
	StatusLBARange         uint16 = 0x0080
	StatusCapExceeded      uint16 = 0x0081
	StatusCQInvalid        uint16 = 0x0100
	StatusInvalidQID       uint16 = 0x0101
	StatusInvalidQSize     uint16 = 0x0102
	StatusInvalidVector    uint16 = 0x0108
	StatusInvalidQDeletion uint16 = 0x010c
	StatusInvalidPRPOffset uint16 = 0x0113
)

// Phase returns the phase tag
func (c *Completion) Phase() uint16 {
	return c.Status & 1
}

// Code returns the status code with the phase bit removed
func (c *Completion) Code() uint16 {
	return c.Status >> 1
}

// MarshalTo encodes c into b, which must hold at least CompletionSize bytes
func (c *Completion) MarshalTo(b []byte) {
	_ = b[CompletionSize-1]
	binary.LittleEndian.PutUint32(b[0:4], c.Result)
	binary.LittleEndian.PutUint32(b[4:8], c.Rsvd)
	binary.LittleEndian.PutUint16(b[8:10], c.SQHead)
	binary.LittleEndian.PutUint16(b[10:12], c.SQID)
	binary.LittleEndian.PutUint16(b[12:14], c.CommandID)
	binary.LittleEndian.PutUint16(b[14:16], c.Status)
}

// UnmarshalCompletion decodes a completion entry
func UnmarshalCompletion(b []byte) (Completion, error) {
	if len(b) < CompletionSize {
		return Completion{}, ErrShortBuffer
	}
	return Completion{
		Result:    binary.LittleEndian.Uint32(b[0:4]),
		Rsvd:      binary.LittleEndian.Uint32(b[4:8]),
		SQHead:    binary.LittleEndian.Uint16(b[8:10]),
		SQID:      binary.LittleEndian.Uint16(b[10:12]),
		CommandID: binary.LittleEndian.Uint16(b[12:14]),
		Status:    binary.LittleEndian.Uint16(b[14:16]),
	}, nil
}

// IDStatusWord packs command id and status the way CompletionIDStatusOffset
// is laid out in memory
func IDStatusWord(id uint16, status uint16) uint32 {
	return uint32(id) | uint32(status)<<16
}

// SplitIDStatusWord is the inverse of IDStatusWord
func SplitIDStatusWord(w uint32) (id uint16, status uint16) {
	return uint16(w), uint16(w >> 16)
}
