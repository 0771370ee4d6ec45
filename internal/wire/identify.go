package wire

import (
	"bytes"
	"encoding/binary"
)

// IdentifySize is the size of an identify data structure
const IdentifySize = 4096

// IdentifyController holds the controller identify fields the driver uses
type IdentifyController struct {
	VID  uint16
	SN   string
	MN   string
	FR   string
	MDTS uint8
	NN   uint32
	OACS uint16
}

// OACSDBBufConfig is the OACS bit advertising Doorbell Buffer Config
const OACSDBBufConfig uint16 = 1 << 8

// LBAFormat describes one LBA format entry
type LBAFormat struct {
	MS uint16 // metadata size
	DS uint8  // log2 of the data size
	RP uint8  // relative performance
}

// IdentifyNamespace holds the namespace identify fields the driver uses
type IdentifyNamespace struct {
	NSZE  uint64
	NCAP  uint64
	NUSE  uint64
	NLBAF uint8
	FLBAS uint8
	LBAF  [16]LBAFormat
}

// LBAShift returns log2 of the formatted logical block size
func (ns *IdentifyNamespace) LBAShift() uint8 {
	return ns.LBAF[ns.FLBAS&0xf].DS
}

func trimField(b []byte) string {
	return string(bytes.TrimRight(b, " \x00"))
}

func padField(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = ' '
	}
}

// ParseIdentifyController decodes identify controller data
func ParseIdentifyController(b []byte) (IdentifyController, error) {
	if len(b) < IdentifySize {
		return IdentifyController{}, ErrShortBuffer
	}
	return IdentifyController{
		VID:  binary.LittleEndian.Uint16(b[0:2]),
		SN:   trimField(b[4:24]),
		MN:   trimField(b[24:64]),
		FR:   trimField(b[64:72]),
		MDTS: b[77],
		OACS: binary.LittleEndian.Uint16(b[256:258]),
		NN:   binary.LittleEndian.Uint32(b[516:520]),
	}, nil
}

// MarshalTo encodes id into a 4KB identify page
func (id *IdentifyController) MarshalTo(b []byte) {
	_ = b[IdentifySize-1]
	binary.LittleEndian.PutUint16(b[0:2], id.VID)
	padField(b[4:24], id.SN)
	padField(b[24:64], id.MN)
	padField(b[64:72], id.FR)
	b[77] = id.MDTS
	binary.LittleEndian.PutUint16(b[256:258], id.OACS)
	binary.LittleEndian.PutUint32(b[516:520], id.NN)
}

// ParseIdentifyNamespace decodes identify namespace data
func ParseIdentifyNamespace(b []byte) (IdentifyNamespace, error) {
	if len(b) < IdentifySize {
		return IdentifyNamespace{}, ErrShortBuffer
	}
	ns := IdentifyNamespace{
		NSZE:  binary.LittleEndian.Uint64(b[0:8]),
		NCAP:  binary.LittleEndian.Uint64(b[8:16]),
		NUSE:  binary.LittleEndian.Uint64(b[16:24]),
		NLBAF: b[25],
		FLBAS: b[26],
	}
	for i := range ns.LBAF {
		off := 128 + 4*i
		ns.LBAF[i] = LBAFormat{
			MS: binary.LittleEndian.Uint16(b[off : off+2]),
			DS: b[off+2],
			RP: b[off+3],
		}
	}
	return ns, nil
}

// MarshalTo encodes ns into a 4KB identify page
func (ns *IdentifyNamespace) MarshalTo(b []byte) {
	_ = b[IdentifySize-1]
	binary.LittleEndian.PutUint64(b[0:8], ns.NSZE)
	binary.LittleEndian.PutUint64(b[8:16], ns.NCAP)
	binary.LittleEndian.PutUint64(b[16:24], ns.NUSE)
	b[25] = ns.NLBAF
	b[26] = ns.FLBAS
	for i, f := range ns.LBAF {
		off := 128 + 4*i
		binary.LittleEndian.PutUint16(b[off:off+2], f.MS)
		b[off+2] = f.DS
		b[off+3] = f.RP
	}
}
