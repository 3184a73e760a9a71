package striped

import (
	"bytes"
	"context"
	"testing"

	"github.com/target-storage/go-tcmu-raid0/blockdev"
	"github.com/target-storage/go-tcmu-raid0/sense"
)

// openLeaves builds n memory leaves of blockSize/blockCount, opens the
// resulting striped Device, and registers cleanup.
func openLeaves(t *testing.T, n int, blockSize uint32, perLeafBlocks uint64, extent uint64) *Device {
	t.Helper()
	leaves := make([]blockdev.Device, n)
	for i := range leaves {
		leaves[i] = blockdev.NewMemory("leaf", blockSize, perLeafBlocks)
	}
	d := New("striped0", leaves, extent, nil)
	if err := d.Open(context.Background()); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	t.Cleanup(func() { d.Close(context.Background()) })
	return d
}

func TestBlockCountTrimsToWholeExtents(t *testing.T) {
	// spec.md §3: exposed block_count = floor(min_leaf_blocks/F)*F*N.
	// extent=8KiB, block_size=512 => F=16 blocks/extent. 3 leaves of 40
	// blocks each trims to 32 blocks/leaf (2 extents), exposing 96 blocks.
	d := openLeaves(t, 3, 512, 40, DefaultExtent)
	bc, err := d.BlockCount()
	if err != nil {
		t.Fatal(err)
	}
	if bc != 96 {
		t.Fatalf("got block count %d, want 96", bc)
	}
}

func TestWriteReadRoundTripAcrossMultipleExtents(t *testing.T) {
	// spec.md end-to-end scenario 3/4: a multi-extent request spans
	// several leaves; reading it back must reproduce exactly what was
	// written, in host order.
	ctx := context.Background()
	d := openLeaves(t, 3, 512, 64, DefaultExtent) // F=16 blocks/extent
	blocksPerExtent := uint64(16)

	fragments := 5
	buf := make([]byte, fragments*int(blocksPerExtent)*512)
	for i := range buf {
		buf[i] = byte(i % 256)
	}
	if err := d.WriteAt(ctx, 0, buf); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	got := make([]byte, len(buf))
	if err := d.ReadAt(ctx, 0, got); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(got, buf) {
		t.Fatal("read back contents did not match what was written")
	}
}

func TestWriteStartingMidStripeRoundTrips(t *testing.T) {
	// spec.md end-to-end scenario 5: a request starting at a non-zero,
	// extent-aligned address still round-trips correctly, exercising a
	// starting leaf other than 0.
	ctx := context.Background()
	d := openLeaves(t, 4, 512, 64, DefaultExtent)
	blocksPerExtent := uint64(16)

	buf := bytes.Repeat([]byte{0x5a}, 3*int(blocksPerExtent)*512)
	addr := 2 * blocksPerExtent // starts on leaf 2 of 4
	if err := d.WriteAt(ctx, addr, buf); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	got := make([]byte, len(buf))
	if err := d.ReadAt(ctx, addr, got); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(got, buf) {
		t.Fatal("read back contents did not match what was written")
	}
}

func TestNonExtentAlignedAddressRejected(t *testing.T) {
	// spec.md §9 Open Question (b): non-extent-aligned addresses are
	// rejected as a precondition violation, not attempted.
	ctx := context.Background()
	d := openLeaves(t, 2, 512, 64, DefaultExtent)
	buf := make([]byte, DefaultExtent)
	err := d.WriteAt(ctx, 1, buf) // address 1 block, not extent-aligned
	exc, ok := err.(*sense.Exception)
	if !ok || exc.Kind != sense.KindInvalidFieldInCDB {
		t.Fatalf("got %v, want InvalidFieldInCDB", err)
	}
}

func TestNonExtentMultipleLengthRejected(t *testing.T) {
	ctx := context.Background()
	d := openLeaves(t, 2, 512, 64, DefaultExtent)
	buf := make([]byte, DefaultExtent/2) // half an extent
	err := d.WriteAt(ctx, 0, buf)
	exc, ok := err.(*sense.Exception)
	if !ok || exc.Kind != sense.KindInvalidFieldInCDB {
		t.Fatalf("got %v, want InvalidFieldInCDB", err)
	}
}

func TestOutOfRangeStripedAddressRejected(t *testing.T) {
	ctx := context.Background()
	d := openLeaves(t, 2, 512, 16, DefaultExtent) // 1 extent/leaf -> 32 blocks total
	bc, _ := d.BlockCount()
	buf := make([]byte, DefaultExtent)
	err := d.WriteAt(ctx, bc, buf) // exactly at capacity: out of range
	exc, ok := err.(*sense.Exception)
	if !ok || exc.Kind != sense.KindLogicalBlockAddressOutOfRange {
		t.Fatalf("got %v, want LogicalBlockAddressOutOfRange", err)
	}
}

// failingLeaf wraps a *blockdev.Memory and injects a failure on every I/O,
// standing in for a single bad leaf in the fan-out.
type failingLeaf struct {
	*blockdev.Memory
}

func (f *failingLeaf) WriteAt(ctx context.Context, address uint64, buf []byte) error {
	return sense.DataTransferError(true)
}

func (f *failingLeaf) ReadAt(ctx context.Context, address uint64, buf []byte) error {
	return sense.DataTransferError(false)
}

func TestSingleLeafFailureSurfacesAsInternalTargetFailure(t *testing.T) {
	// spec.md testable property 6: a single leaf failure during fan-out
	// is surfaced to the caller as InternalTargetFailure, wrapping the
	// leaf's own error as Cause.
	ctx := context.Background()
	good := blockdev.NewMemory("leaf0", 512, 32)
	bad := &failingLeaf{blockdev.NewMemory("leaf1", 512, 32)}
	leaves := []blockdev.Device{good, bad}
	d := New("striped0", leaves, DefaultExtent, nil)
	if err := d.Open(ctx); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	t.Cleanup(func() { d.Close(ctx) })

	buf := make([]byte, 2*DefaultExtent) // fragment 0 -> leaf0, fragment 1 -> leaf1
	err := d.WriteAt(ctx, 0, buf)
	exc, ok := err.(*sense.Exception)
	if !ok || exc.Kind != sense.KindInternalTargetFailure {
		t.Fatalf("got %v, want InternalTargetFailure", err)
	}
	if exc.Cause == nil {
		t.Fatal("expected InternalTargetFailure to wrap the leaf's own error as Cause")
	}
}

func TestOpenRollsBackOnPartialFailure(t *testing.T) {
	// spec.md §4.3: opening requires all leaves to open successfully; a
	// mid-list failure must leave no leaf open.
	ctx := context.Background()
	leaves := []blockdev.Device{
		blockdev.NewMemory("leaf0", 512, 32),
		&alreadyOpenLeaf{blockdev.NewMemory("leaf1", 512, 32)},
	}
	d := New("striped0", leaves, DefaultExtent, nil)
	if err := d.Open(ctx); err == nil {
		t.Fatal("expected Open to fail when a leaf cannot open")
	}
	// leaf0 must have been closed again by the rollback.
	if err := leaves[0].Close(ctx); err == nil {
		t.Fatal("expected leaf0 to already be closed after rollback, got no error closing it again")
	}
}

// alreadyOpenLeaf fails every Open call, simulating a leaf that's
// unavailable.
type alreadyOpenLeaf struct {
	*blockdev.Memory
}

func (l *alreadyOpenLeaf) Open(ctx context.Context) error {
	return sense.NotReady()
}

func TestParticipatingLeavesMatchesMinFragmentsN(t *testing.T) {
	// spec.md testable property 3: parts = min(fragments, N).
	frags := planRequest(0, 2, 16, 4)
	groups := groupByLeaf(frags, 4)
	if got := participatingLeaves(groups); got != 2 {
		t.Fatalf("got %d participating leaves, want min(2,4)=2", got)
	}

	frags = planRequest(0, 9, 16, 4)
	groups = groupByLeaf(frags, 4)
	if got := participatingLeaves(groups); got != 4 {
		t.Fatalf("got %d participating leaves, want min(9,4)=4", got)
	}
}

func TestCloseRejectsDoubleClose(t *testing.T) {
	ctx := context.Background()
	d := openLeaves(t, 2, 512, 16, DefaultExtent)
	if err := d.Close(ctx); err != nil {
		t.Fatalf("first close failed: %v", err)
	}
	if err := d.Close(ctx); err == nil {
		t.Fatal("expected second close to fail")
	}
}
