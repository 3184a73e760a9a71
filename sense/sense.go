// Package sense builds SCSI sense data for the structured error kinds the
// core raises, replacing the ad hoc CheckCondition/MediumError buffer
// construction scattered across the teacher's SCSICmd methods with a single
// encoder every component shares.
package sense

import (
	"encoding/binary"
	"fmt"
)

// Sense keys and ASC/ASCQ codes this package needs, mirrored from the T10
// tables in the scsi package's own constants (scsi/scsi_defs.go). They are
// duplicated here, rather than imported, because scsi.Decode returns
// *sense.Exception: scsi depends on sense, so sense cannot depend back on
// scsi without a cycle.
const (
	senseNotReady       = 0x02
	senseMediumError    = 0x03
	senseHardwareError  = 0x04
	senseIllegalRequest = 0x05
	senseAbortedCommand = 0x0b

	ascReadError                     = 0x1100
	ascWriteError                    = 0x0c00
	ascInternalTargetFailure         = 0x4400
	ascInvalidFieldInCdb             = 0x2400
	ascInvalidCommandOperationCode   = 0x2000
	ascParameterListLengthError      = 0x1a00
	ascInvalidFieldInParameterList   = 0x2600
	ascLogicalBlockAddressOutOfRange = 0x2100
	ascLogicalUnitNotReady           = 0x0400
	ascNoAdditionalSenseInfo         = 0x0000
)

// Kind names one of the structured error kinds raised by the core.
type Kind int

const (
	// KindNone is the zero value; it never appears on a real Exception.
	KindNone Kind = iota
	KindLogicalBlockAddressOutOfRange
	KindInvalidFieldInCDB
	KindSynchronousDataTransferError
	KindTaskAborted
	KindDeviceNotReady
	KindInternalTargetFailure
)

func (k Kind) String() string {
	switch k {
	case KindLogicalBlockAddressOutOfRange:
		return "LogicalBlockAddressOutOfRange"
	case KindInvalidFieldInCDB:
		return "InvalidFieldInCDB"
	case KindSynchronousDataTransferError:
		return "SynchronousDataTransferError"
	case KindTaskAborted:
		return "TaskAborted"
	case KindDeviceNotReady:
		return "DeviceNotReady"
	case KindInternalTargetFailure:
		return "InternalTargetFailure"
	default:
		return "None"
	}
}

// FieldPointer locates the byte (and optionally bit) within the CDB or
// parameter data that a sense-key-specific field pointer refers to, per
// SPC-4 4.5.6.
type FieldPointer struct {
	Byte int
	// Bit is the bit offset within Byte, or -1 if the pointer is
	// byte-granular.
	Bit int
	// CommandData is true when the pointer indicates a CDB byte, false
	// when it indicates a byte in parameter data sent by the initiator.
	CommandData bool
}

// Exception is a structured SCSI error: a sense key, an ASC/ASCQ pair, and
// enough context (field pointer, wrapped cause) to render a fixed-format
// sense buffer. It implements error so it can travel through ordinary Go
// error-handling paths until a task or dispatcher turns it into a response.
type Exception struct {
	Kind         Kind
	SenseKey     byte
	ASC          byte
	ASCQ         byte
	FieldPointer *FieldPointer
	// Cause, for InternalTargetFailure, is the original leaf's Exception,
	// preserved as additional information about the composite failure.
	Cause error
}

func (e *Exception) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (sense %02xh, asc/ascq %02x/%02x): %v", e.Kind, e.SenseKey, e.ASC, e.ASCQ, e.Cause)
	}
	return fmt.Sprintf("%s (sense %02xh, asc/ascq %02x/%02x)", e.Kind, e.SenseKey, e.ASC, e.ASCQ)
}

func (e *Exception) Unwrap() error { return e.Cause }

func ascAscq(code uint16) (byte, byte) {
	return byte(code >> 8), byte(code)
}

// LBAOutOfRange builds the LogicalBlockAddressOutOfRange exception
// (ILLEGAL REQUEST, 21h/00h) from spec.md's range-check step, carrying the
// CDB-form-specific field pointer.
func LBAOutOfRange(fp FieldPointer) *Exception {
	asc, ascq := ascAscq(ascLogicalBlockAddressOutOfRange)
	return &Exception{
		Kind:         KindLogicalBlockAddressOutOfRange,
		SenseKey:     senseIllegalRequest,
		ASC:          asc,
		ASCQ:         ascq,
		FieldPointer: &fp,
	}
}

// InvalidFieldInCDB builds the InvalidFieldInCDB exception (ILLEGAL
// REQUEST, 24h/00h) the CDB codec raises for malformed input.
func InvalidFieldInCDB(byteOffset int) *Exception {
	asc, ascq := ascAscq(ascInvalidFieldInCdb)
	return &Exception{
		Kind:     KindInvalidFieldInCDB,
		SenseKey: senseIllegalRequest,
		ASC:      asc,
		ASCQ:     ascq,
		FieldPointer: &FieldPointer{
			Byte:        byteOffset,
			Bit:         -1,
			CommandData: true,
		},
	}
}

// InvalidCommandOperationCode builds the exception (ILLEGAL REQUEST,
// 20h/00h) the dispatcher raises for an opcode it does not emulate.
func InvalidCommandOperationCode() *Exception {
	asc, ascq := ascAscq(ascInvalidCommandOperationCode)
	return &Exception{
		Kind:     KindInvalidFieldInCDB,
		SenseKey: senseIllegalRequest,
		ASC:      asc,
		ASCQ:     ascq,
	}
}

// ParameterListLengthError builds the exception (ILLEGAL REQUEST, 1Ah/00h)
// raised when a MODE SELECT parameter list overruns its buffer.
func ParameterListLengthError() *Exception {
	asc, ascq := ascAscq(ascParameterListLengthError)
	return &Exception{
		Kind:     KindInvalidFieldInCDB,
		SenseKey: senseIllegalRequest,
		ASC:      asc,
		ASCQ:     ascq,
	}
}

// InvalidFieldInParameterList builds the exception (ILLEGAL REQUEST,
// 26h/00h) raised when MODE SELECT data doesn't match what MODE SENSE
// reported.
func InvalidFieldInParameterList() *Exception {
	asc, ascq := ascAscq(ascInvalidFieldInParameterList)
	return &Exception{
		Kind:     KindInvalidFieldInCDB,
		SenseKey: senseIllegalRequest,
		ASC:      asc,
		ASCQ:     ascq,
	}
}

// DataTransferError builds the SynchronousDataTransferError exception
// (MEDIUM ERROR). write selects between the read (11h/00h) and write
// (0Ch/00h) ASC, per spec.md §7.
func DataTransferError(write bool) *Exception {
	code := uint16(ascReadError)
	if write {
		code = uint16(ascWriteError)
	}
	asc, ascq := ascAscq(code)
	return &Exception{
		Kind:     KindSynchronousDataTransferError,
		SenseKey: senseMediumError,
		ASC:      asc,
		ASCQ:     ascq,
	}
}

// TaskAborted builds the TaskAborted exception (ABORTED COMMAND, 00h/00h).
func TaskAborted() *Exception {
	asc, ascq := ascAscq(ascNoAdditionalSenseInfo)
	return &Exception{
		Kind:     KindTaskAborted,
		SenseKey: senseAbortedCommand,
		ASC:      asc,
		ASCQ:     ascq,
	}
}

// NotReady builds the DeviceNotReady exception (NOT READY, 04h/00h), raised
// when I/O is attempted against a closed device.
func NotReady() *Exception {
	asc, ascq := ascAscq(ascLogicalUnitNotReady)
	return &Exception{
		Kind:     KindDeviceNotReady,
		SenseKey: senseNotReady,
		ASC:      asc,
		ASCQ:     ascq,
	}
}

// InternalTargetFailure builds the composite exception a striped device
// surfaces when a leaf I/O fails: the sense key is HARDWARE ERROR, and
// cause (the original leaf's own Exception, if any) travels along as
// additional information.
func InternalTargetFailure(cause error) *Exception {
	asc, ascq := ascAscq(ascInternalTargetFailure)
	return &Exception{
		Kind:     KindInternalTargetFailure,
		SenseKey: senseHardwareError,
		ASC:      asc,
		ASCQ:     ascq,
		Cause:    cause,
	}
}

// FixedBufferSize is the conventional sense buffer size TCMU allocates
// (TCMU_SENSE_BUFFERSIZE in the kernel header); Fixed pads to this length
// unless a different size is requested via FixedInto.
const FixedBufferSize = 96

// Fixed renders e as an SPC-4 §4.5.3 fixed-format sense buffer of
// FixedBufferSize bytes, response code 70h (current).
func (e *Exception) Fixed() []byte {
	buf := make([]byte, FixedBufferSize)
	e.FixedInto(buf)
	return buf
}

// FixedInto renders e into buf, which must be at least 18 bytes; any
// trailing bytes are left zeroed. It does not allocate when buf is reused
// across responses.
func (e *Exception) FixedInto(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
	buf[0] = 0x70 // response code: fixed format, current errors
	buf[2] = e.SenseKey
	buf[7] = 10 // additional sense length covers bytes 8-17
	buf[12] = e.ASC
	buf[13] = e.ASCQ
	if e.FieldPointer != nil {
		fp := e.FieldPointer
		sksv := byte(0x80)
		cd := byte(0)
		if fp.CommandData {
			cd = 0x40
		}
		bitPointer := byte(0)
		if fp.Bit >= 0 {
			sksv |= 0x08 // bit pointer valid
			bitPointer = byte(fp.Bit) & 0x07
		}
		buf[15] = sksv | cd | bitPointer
		binary.BigEndian.PutUint16(buf[16:18], uint16(fp.Byte))
	}
}
