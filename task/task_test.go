package task

import (
	"bytes"
	"context"
	"testing"

	"github.com/target-storage/go-tcmu-raid0/blockdev"
	"github.com/target-storage/go-tcmu-raid0/scsi"
)

// fakePort is a TransportPort stand-in that serves/sinks bytes from an
// in-memory buffer, with optional short-transfer injection.
type fakePort struct {
	data  []byte
	short bool
}

func (p *fakePort) ReadData(sink []byte) (int, error) {
	if p.short {
		return len(sink) - 1, nil
	}
	copy(sink, p.data)
	return len(sink), nil
}

func (p *fakePort) WriteData(source []byte) (int, error) {
	if p.short {
		return len(source) - 1, nil
	}
	p.data = append([]byte(nil), source...)
	return len(source), nil
}

func openMemory(t *testing.T, blockSize uint32, blockCount uint64) *blockdev.Memory {
	t.Helper()
	m := blockdev.NewMemory("t", blockSize, blockCount)
	if err := m.Open(context.Background()); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	t.Cleanup(func() { m.Close(context.Background()) })
	return m
}

func TestExecuteWriteInRange(t *testing.T) {
	// spec.md end-to-end scenario 1: WRITE6 at LBA 16, 1 block, block_size
	// 512, block_count 1024; transport supplies 512 bytes of 0xAB.
	ctx := context.Background()
	dev := openMemory(t, 512, 1024)
	raw := []byte{scsi.Write6, 0x00, 0x00, 0x10, 0x01, 0x00}
	cdb, serr := scsi.Decode(raw)
	if serr != nil {
		t.Fatalf("decode failed: %v", serr)
	}
	port := &fakePort{data: bytes.Repeat([]byte{0xAB}, 512)}

	result := ExecuteWrite(ctx, Command{CDB: cdb, Port: port}, dev)
	if result.Status != scsi.SamStatGood || result.Sense != nil {
		t.Fatalf("got status %#x sense %v, want GOOD/nil", result.Status, result.Sense)
	}

	got := make([]byte, 512)
	if err := dev.ReadAt(ctx, 16, got); err != nil {
		t.Fatalf("read back failed: %v", err)
	}
	if !bytes.Equal(got, bytes.Repeat([]byte{0xAB}, 512)) {
		t.Fatal("store contents were not written as expected")
	}
}

func TestExecuteWriteOutOfRange(t *testing.T) {
	// spec.md end-to-end scenario 2: WRITE10, LBA=1020, len=10, capacity 1024.
	ctx := context.Background()
	dev := openMemory(t, 512, 1024)
	raw := make([]byte, 10)
	raw[0] = scsi.Write10
	raw[2], raw[3], raw[4], raw[5] = 0, 0, 0x03, 0xfc // LBA = 1020
	raw[8] = 10
	cdb, serr := scsi.Decode(raw)
	if serr != nil {
		t.Fatalf("decode failed: %v", serr)
	}
	port := &fakePort{data: make([]byte, 10*512)}

	result := ExecuteWrite(ctx, Command{CDB: cdb, Port: port}, dev)
	if result.Status != scsi.SamStatCheckCondition {
		t.Fatalf("got status %#x, want CHECK CONDITION", result.Status)
	}
	if result.Sense == nil || result.Sense.SenseKey != 0x05 || result.Sense.ASC != 0x21 {
		t.Fatalf("got sense %+v, want ILLEGAL REQUEST 21h/00h", result.Sense)
	}
	if result.Sense.FieldPointer == nil || result.Sense.FieldPointer.Byte != 2 {
		t.Fatalf("got field pointer %+v, want byte 2 for a 10-byte CDB", result.Sense.FieldPointer)
	}
}

func TestExecuteWriteShortPullLeavesStoreUnchanged(t *testing.T) {
	// spec.md end-to-end scenario 6: transport returns a short pull
	// during WRITE; store contents must be unchanged from before the
	// request.
	ctx := context.Background()
	dev := openMemory(t, 512, 4)
	before := bytes.Repeat([]byte{0x11}, 512)
	if err := dev.WriteAt(ctx, 0, before); err != nil {
		t.Fatal(err)
	}

	raw := []byte{scsi.Write6, 0x00, 0x00, 0x00, 0x01, 0x00}
	cdb, serr := scsi.Decode(raw)
	if serr != nil {
		t.Fatal(serr)
	}
	port := &fakePort{short: true}

	result := ExecuteWrite(ctx, Command{CDB: cdb, Port: port}, dev)
	if result.Status != scsi.SamStatCheckCondition {
		t.Fatalf("got status %#x, want CHECK CONDITION", result.Status)
	}
	if result.Sense == nil || result.Sense.SenseKey != 0x03 || result.Sense.ASC != 0x0c {
		t.Fatalf("got sense %+v, want MEDIUM ERROR 0Ch/00h (write error)", result.Sense)
	}

	got := make([]byte, 512)
	if err := dev.ReadAt(ctx, 0, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, before) {
		t.Fatal("store contents changed despite a short pull")
	}
}

func TestZeroLengthTransferIsNoOp(t *testing.T) {
	ctx := context.Background()
	dev := openMemory(t, 512, 4)
	before := make([]byte, 512)
	if err := dev.ReadAt(ctx, 0, before); err != nil {
		t.Fatal(err)
	}

	raw := make([]byte, 10)
	raw[0] = scsi.Read10
	cdb, serr := scsi.Decode(raw)
	if serr != nil {
		t.Fatal(serr)
	}
	port := &fakePort{}
	result := ExecuteRead(ctx, Command{CDB: cdb, Port: port}, dev)
	if result.Status != scsi.SamStatGood {
		t.Fatalf("got status %#x, want GOOD for a zero-length transfer", result.Status)
	}

	after := make([]byte, 512)
	if err := dev.ReadAt(ctx, 0, after); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, after) {
		t.Fatal("zero-length transfer mutated the store")
	}
}

func TestRangeCheckFailureTransfersNoBytes(t *testing.T) {
	// spec.md testable property 2: if the range check fails, no bytes
	// are transferred to/from the backing store.
	ctx := context.Background()
	dev := openMemory(t, 512, 4)
	raw := make([]byte, 10)
	raw[0] = scsi.Read10
	raw[8] = 1
	raw[5] = 10 // LBA 10, out of a 4-block device
	cdb, serr := scsi.Decode(raw)
	if serr != nil {
		t.Fatal(serr)
	}
	port := &fakePort{}
	result := ExecuteRead(ctx, Command{CDB: cdb, Port: port}, dev)
	if result.Status != scsi.SamStatCheckCondition {
		t.Fatalf("got status %#x, want CHECK CONDITION", result.Status)
	}
	if port.data != nil {
		t.Fatal("expected no bytes written to the transport port on range-check failure")
	}
}
