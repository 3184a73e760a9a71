// Package blockdev defines the uniform block-device contract every backing
// store (and the striped RAID-0 composition) satisfies, and the lifecycle
// invariants spec.md §3 attaches to it: CLOSED -> OPEN -> CLOSED, with
// block_size/block_count undefined while CLOSED and double-open/close-before-open
// both rejected.
package blockdev

import (
	"context"

	"github.com/target-storage/go-tcmu-raid0/sense"
)

// Device is the narrow interface the task engine and the striped device
// consume; it is the Go form of spec.md §6's Block Device interface.
type Device interface {
	// Open transitions CLOSED -> OPEN, establishing BlockSize/BlockCount.
	// Calling Open on an already-open device fails.
	Open(ctx context.Context) error
	// Close transitions OPEN -> CLOSED, releasing resources. Calling
	// Close on a device that was never opened fails.
	Close(ctx context.Context) error
	// ReadAt fills buf, whose length must be a multiple of BlockSize,
	// starting at logical block address.
	ReadAt(ctx context.Context, address uint64, buf []byte) error
	// WriteAt writes buf, whose length must be a multiple of BlockSize,
	// starting at logical block address.
	WriteAt(ctx context.Context, address uint64, buf []byte) error
	BlockSize() (uint32, error)
	BlockCount() (uint64, error)
	Name() string
}

// state tracks the CLOSED/OPEN lifecycle shared by every Device
// implementation in this package.
type state int

const (
	stateClosed state = iota
	stateOpen
)

// lifecycle is embedded by concrete devices to get the Open/Close
// bookkeeping and precondition checks for free.
type lifecycle struct {
	st state
}

func (l *lifecycle) checkOpen() error {
	if l.st != stateOpen {
		return sense.NotReady()
	}
	return nil
}

func (l *lifecycle) open() error {
	if l.st == stateOpen {
		return sense.NotReady()
	}
	l.st = stateOpen
	return nil
}

func (l *lifecycle) close() error {
	if l.st != stateOpen {
		return sense.NotReady()
	}
	l.st = stateClosed
	return nil
}

// checkTransferLen validates that blockSize is nonzero and the byte length
// of a transfer is a whole multiple of it, and returns the length in
// blocks. It does not look at the address: the callers in this package
// range-check address+blocks against their block count themselves.
func checkTransferLen(blockSize uint32, buf []byte) (blocks uint64, err error) {
	if blockSize == 0 || len(buf)%int(blockSize) != 0 {
		return 0, sense.InvalidFieldInCDB(0)
	}
	return uint64(len(buf)) / uint64(blockSize), nil
}
