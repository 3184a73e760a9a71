// Package task implements the buffered task engine from spec.md §4.2: it
// executes a single READ or WRITE against a blockdev.Device, range-checking
// the request and moving bytes through a TransportPort, and never lets a
// sense.Exception escape as a bare Go error — every fault is folded into a
// Result before returning.
package task

import (
	"context"

	"github.com/target-storage/go-tcmu-raid0/blockdev"
	"github.com/target-storage/go-tcmu-raid0/scsi"
	"github.com/target-storage/go-tcmu-raid0/sense"
)

// TransportPort is the narrow interface spec.md §6 names for moving bulk
// data between initiator and target. ReadData pulls bytes from the
// initiator into sink; WriteData pushes bytes from source to the
// initiator. Both return the number of bytes actually transferred; a
// return short of len(buf) (with or without an error) is a transport
// failure.
type TransportPort interface {
	ReadData(sink []byte) (int, error)
	WriteData(source []byte) (int, error)
}

// Command pairs a decoded CDB with the transport handle and initiator tag
// spec.md §3 describes. It is immutable once built.
type Command struct {
	CDB  scsi.CDB
	Port TransportPort
	Tag  uint64
}

// Result is a task's outcome: either Status is scsi.SamStatGood and Sense
// is nil, or Status is scsi.SamStatCheckCondition and Sense describes why.
type Result struct {
	Status byte
	Sense  *sense.Exception
}

func ok() Result { return Result{Status: scsi.SamStatGood} }

func failed(e *sense.Exception) Result {
	return Result{Status: scsi.SamStatCheckCondition, Sense: e}
}

// rangeCheck implements spec.md §4.2 step 3. It fails when lba+length
// would overrun capacity, using the CDB-form-specific field pointer spec.md
// requires: 6-byte forms point at bit 4 of byte 1, 10/12/16-byte forms
// point at byte 2 — this is spec.md §9 Open Question (a), preserved as
// observed rather than unified across forms.
func rangeCheck(cdb scsi.CDB, capacity uint64) *sense.Exception {
	lba := cdb.LBA
	length := cdb.TransferLength
	if lba > capacity || lba+length > capacity {
		if cdb.Op == scsi.OpRead6 || cdb.Op == scsi.OpWrite6 {
			return sense.LBAOutOfRange(sense.FieldPointer{Byte: 1, Bit: 4, CommandData: true})
		}
		return sense.LBAOutOfRange(sense.FieldPointer{Byte: 2, Bit: -1, CommandData: true})
	}
	return nil
}

// ExecuteRead runs a READ task: range check, then a private positional
// view of dev pushed out through cmd.Port. No shared cursor is kept
// between calls — base and length travel as plain values.
func ExecuteRead(ctx context.Context, cmd Command, dev blockdev.Device) Result {
	blockSize, err := dev.BlockSize()
	if err != nil {
		return failed(sense.NotReady())
	}
	capacity, err := dev.BlockCount()
	if err != nil {
		return failed(sense.NotReady())
	}
	if cmd.CDB.TransferLength == 0 {
		return ok()
	}
	if serr := rangeCheck(cmd.CDB, capacity); serr != nil {
		return failed(serr)
	}

	length := cmd.CDB.TransferLength * uint64(blockSize)
	view := make([]byte, length)
	if err := dev.ReadAt(ctx, cmd.CDB.LBA, view); err != nil {
		if serr, ok := err.(*sense.Exception); ok {
			return failed(serr)
		}
		return failed(sense.DataTransferError(false))
	}
	n, err := cmd.Port.WriteData(view)
	if err != nil || uint64(n) != length {
		return failed(sense.DataTransferError(false))
	}
	return ok()
}

// ExecuteWrite runs a WRITE task: range check, pull bytes from the
// initiator into a private view, then commit the view to dev.
func ExecuteWrite(ctx context.Context, cmd Command, dev blockdev.Device) Result {
	blockSize, err := dev.BlockSize()
	if err != nil {
		return failed(sense.NotReady())
	}
	capacity, err := dev.BlockCount()
	if err != nil {
		return failed(sense.NotReady())
	}
	if cmd.CDB.TransferLength == 0 {
		return ok()
	}
	if serr := rangeCheck(cmd.CDB, capacity); serr != nil {
		return failed(serr)
	}

	length := cmd.CDB.TransferLength * uint64(blockSize)
	view := make([]byte, length)
	n, err := cmd.Port.ReadData(view)
	if err != nil || uint64(n) != length {
		return failed(sense.DataTransferError(true))
	}
	if err := dev.WriteAt(ctx, cmd.CDB.LBA, view); err != nil {
		if serr, ok := err.(*sense.Exception); ok {
			return failed(serr)
		}
		return failed(sense.DataTransferError(true))
	}
	return ok()
}
