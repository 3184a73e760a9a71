package scsi

import (
	"encoding/binary"

	"github.com/target-storage/go-tcmu-raid0/sense"
)

// Op discriminates the tagged CDB variant. It collapses the teacher's
// inheritance hierarchy (AbstractCommandDescriptorBlock ->
// AbstractTransferCommandDescriptorBlock -> Write6, ...) into a single enum.
type Op int

const (
	OpOther Op = iota
	OpRead6
	OpWrite6
	OpRead10
	OpWrite10
	OpRead12
	OpWrite12
	OpRead16
	OpWrite16
)

// IsTransfer reports whether op carries an LBA/transfer-length pair.
func (op Op) IsTransfer() bool {
	switch op {
	case OpRead6, OpWrite6, OpRead10, OpWrite10, OpRead12, OpWrite12, OpRead16, OpWrite16:
		return true
	default:
		return false
	}
}

// IsWrite reports whether op is one of the WRITE variants.
func (op Op) IsWrite() bool {
	switch op {
	case OpWrite6, OpWrite10, OpWrite12, OpWrite16:
		return true
	default:
		return false
	}
}

// CDB is the decoded form of a SCSI Command Descriptor Block. Only
// transfer variants populate LBA/TransferLength/Linked/NormalACA; other
// opcodes keep their raw bytes for pass-through emulation and for Encode's
// round trip.
type CDB struct {
	Op             Op
	OperationCode  byte
	LBA            uint64
	TransferLength uint64
	Linked         bool
	NormalACA      bool

	raw []byte
}

// Raw returns the original bytes this CDB was decoded from (or will be
// re-serialized to by Encode, for non-transfer variants).
func (c CDB) Raw() []byte { return c.raw }

func opFor(opcode byte) (Op, int) {
	switch opcode {
	case Read6:
		return OpRead6, 6
	case Write6:
		return OpWrite6, 6
	case Read10:
		return OpRead10, 10
	case Write10:
		return OpWrite10, 10
	case Read12:
		return OpRead12, 12
	case Write12:
		return OpWrite12, 12
	case Read16:
		return OpRead16, 16
	case Write16:
		return OpWrite16, 16
	default:
		return OpOther, cdbLenForOpcode(opcode)
	}
}

// cdbLenForOpcode implements the SPC-4 4.2.5.1 rule the teacher's CdbLen
// already used for non-transfer opcodes.
func cdbLenForOpcode(opcode byte) int {
	switch {
	case opcode <= 0x1f:
		return 6
	case opcode <= 0x5f:
		return 10
	case opcode >= 0x80 && opcode <= 0x9f:
		return 16
	case opcode >= 0xa0 && opcode <= 0xbf:
		return 12
	default:
		// Variable-length CDB (0x7f) and anything else unrecognized:
		// the caller must have supplied a long-enough slice; Decode
		// range-checks len(raw) below.
		return 12
	}
}

// Decode parses a CDB from raw. It is total: a CDB too short for the length
// its opcode implies fails with InvalidFieldInCDB rather than panicking,
// replacing the teacher's SCSICmd.LBA/XferLen/CdbLen, which panicked on an
// unrecognized opcode length.
func Decode(raw []byte) (CDB, *sense.Exception) {
	if len(raw) == 0 {
		return CDB{}, sense.InvalidFieldInCDB(0)
	}
	opcode := raw[0]
	op, want := opFor(opcode)
	if len(raw) < want {
		return CDB{}, sense.InvalidFieldInCDB(len(raw))
	}
	cdb := CDB{Op: op, OperationCode: opcode, raw: append([]byte(nil), raw[:want]...)}
	if !op.IsTransfer() {
		return cdb, nil
	}

	order := binary.BigEndian
	switch op {
	case OpRead6, OpWrite6:
		// 21-bit LBA: byte 1 bits 0-4, then bytes 2-3. The teacher's
		// LBA() instead read only bytes 2-3 as a uint16 truncated to
		// uint8 (val6 := uint8(order.Uint16(cdb[2:4]))), silently
		// dropping byte 1 and the high byte of bytes 2-3.
		cdb.LBA = uint64(cdb.raw[1]&0x1f)<<16 | uint64(cdb.raw[2])<<8 | uint64(cdb.raw[3])
		xfer := uint64(cdb.raw[4])
		if xfer == 0 {
			xfer = 256
		}
		cdb.TransferLength = xfer
		cdb.parseControl(cdb.raw[5])
	case OpRead10, OpWrite10:
		cdb.LBA = uint64(order.Uint32(cdb.raw[2:6]))
		cdb.TransferLength = uint64(order.Uint16(cdb.raw[7:9]))
		cdb.parseControl(cdb.raw[9])
	case OpRead12, OpWrite12:
		cdb.LBA = uint64(order.Uint32(cdb.raw[2:6]))
		cdb.TransferLength = uint64(order.Uint32(cdb.raw[6:10]))
		cdb.parseControl(cdb.raw[11])
	case OpRead16, OpWrite16:
		cdb.LBA = order.Uint64(cdb.raw[2:10])
		cdb.TransferLength = uint64(order.Uint32(cdb.raw[10:14]))
		cdb.parseControl(cdb.raw[15])
	}
	return cdb, nil
}

func (c *CDB) parseControl(control byte) {
	c.Linked = control&0x01 != 0
	c.NormalACA = control&0x04 != 0
}

func (c *CDB) buildControl() byte {
	var b byte
	if c.Linked {
		b |= 0x01
	}
	if c.NormalACA {
		b |= 0x04
	}
	return b
}

// Encode serializes c back to wire bytes. For non-transfer variants it
// returns the bytes Decode was given verbatim, satisfying
// decode(encode(c)) == c for any well-formed c this package produced.
func Encode(c CDB) []byte {
	if !c.Op.IsTransfer() {
		return append([]byte(nil), c.raw...)
	}
	order := binary.BigEndian
	switch c.Op {
	case OpRead6, OpWrite6:
		buf := make([]byte, 6)
		buf[0] = c.OperationCode
		buf[1] = byte(c.LBA>>16) & 0x1f
		buf[2] = byte(c.LBA >> 8)
		buf[3] = byte(c.LBA)
		if c.TransferLength == 256 {
			buf[4] = 0
		} else {
			buf[4] = byte(c.TransferLength)
		}
		buf[5] = c.buildControl()
		return buf
	case OpRead10, OpWrite10:
		buf := make([]byte, 10)
		buf[0] = c.OperationCode
		order.PutUint32(buf[2:6], uint32(c.LBA))
		order.PutUint16(buf[7:9], uint16(c.TransferLength))
		buf[9] = c.buildControl()
		return buf
	case OpRead12, OpWrite12:
		buf := make([]byte, 12)
		buf[0] = c.OperationCode
		order.PutUint32(buf[2:6], uint32(c.LBA))
		order.PutUint32(buf[6:10], uint32(c.TransferLength))
		buf[11] = c.buildControl()
		return buf
	case OpRead16, OpWrite16:
		buf := make([]byte, 16)
		buf[0] = c.OperationCode
		order.PutUint64(buf[2:10], c.LBA)
		order.PutUint32(buf[10:14], uint32(c.TransferLength))
		buf[15] = c.buildControl()
		return buf
	default:
		return append([]byte(nil), c.raw...)
	}
}
