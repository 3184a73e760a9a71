package dispatcher

import (
	"bytes"
	"context"
	"testing"

	"github.com/target-storage/go-tcmu-raid0/blockdev"
	"github.com/target-storage/go-tcmu-raid0/scsi"
)

type bufPort struct {
	in  []byte
	out []byte
}

func (p *bufPort) ReadData(sink []byte) (int, error) {
	n := copy(sink, p.in)
	return n, nil
}

func (p *bufPort) WriteData(source []byte) (int, error) {
	p.out = append([]byte(nil), source...)
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

func TestDispatchWriteThenReadRoundTrips(t *testing.T) {
	ctx := context.Background()
	dev := openMemory(t, 512, 64)
	d := &Dispatcher{Device: dev}

	writeRaw := []byte{scsi.Write6, 0x00, 0x00, 0x08, 0x01, 0x00}
	writePort := &bufPort{in: bytes.Repeat([]byte{0x42}, 512)}
	res := d.Dispatch(ctx, Command{Raw: writeRaw, Port: writePort})
	if res.Status != scsi.SamStatGood {
		t.Fatalf("write got status %#x sense %v", res.Status, res.Sense)
	}

	readRaw := []byte{scsi.Read6, 0x00, 0x00, 0x08, 0x01, 0x00}
	readPort := &bufPort{}
	res = d.Dispatch(ctx, Command{Raw: readRaw, Port: readPort})
	if res.Status != scsi.SamStatGood {
		t.Fatalf("read got status %#x sense %v", res.Status, res.Sense)
	}
	if !bytes.Equal(readPort.out, bytes.Repeat([]byte{0x42}, 512)) {
		t.Fatal("read did not reproduce what was written")
	}
}

func TestDispatchTestUnitReady(t *testing.T) {
	dev := openMemory(t, 512, 64)
	d := &Dispatcher{Device: dev}
	res := d.Dispatch(context.Background(), Command{Raw: []byte{scsi.TestUnitReady, 0, 0, 0, 0, 0}})
	if res.Status != scsi.SamStatGood {
		t.Fatalf("got status %#x, want GOOD", res.Status)
	}
}

func TestDispatchStandardInquiry(t *testing.T) {
	dev := openMemory(t, 512, 64)
	d := &Dispatcher{Device: dev, Inquiry: &InquiryInfo{VendorID: "vendor", ProductID: "product", ProductRev: "0001"}}
	raw := []byte{scsi.Inquiry, 0, 0, 0, 36, 0}
	port := &bufPort{}
	res := d.Dispatch(context.Background(), Command{Raw: raw, Port: port})
	if res.Status != scsi.SamStatGood {
		t.Fatalf("got status %#x, want GOOD", res.Status)
	}
	if len(port.out) != 36 {
		t.Fatalf("got %d bytes, want 36", len(port.out))
	}
	if !bytes.HasPrefix(port.out[8:], []byte("vendor")) {
		t.Fatalf("vendor id not reported: %q", port.out[8:16])
	}
}

func TestDispatchReadCapacity16(t *testing.T) {
	dev := openMemory(t, 512, 1024)
	d := &Dispatcher{Device: dev}
	raw := make([]byte, 16)
	raw[0] = scsi.ServiceActionIn16
	raw[1] = scsi.SaiReadCapacity16
	port := &bufPort{}
	res := d.Dispatch(context.Background(), Command{Raw: raw, Port: port})
	if res.Status != scsi.SamStatGood {
		t.Fatalf("got status %#x, want GOOD", res.Status)
	}
	lastLBA := uint64(0)
	for _, b := range port.out[0:8] {
		lastLBA = lastLBA<<8 | uint64(b)
	}
	if lastLBA != 1023 {
		t.Fatalf("got last LBA %d, want 1023", lastLBA)
	}
}

func TestDispatchReportLuns(t *testing.T) {
	dev := openMemory(t, 512, 64)
	d := &Dispatcher{Device: dev}
	raw := make([]byte, 12)
	raw[0] = scsi.ReportLuns
	port := &bufPort{}
	res := d.Dispatch(context.Background(), Command{Raw: raw, Port: port})
	if res.Status != scsi.SamStatGood {
		t.Fatalf("got status %#x, want GOOD", res.Status)
	}
	if len(port.out) != 16 {
		t.Fatalf("got %d bytes, want 16", len(port.out))
	}
}

func TestDispatchUnknownOpcodeRejected(t *testing.T) {
	dev := openMemory(t, 512, 64)
	d := &Dispatcher{Device: dev}
	res := d.Dispatch(context.Background(), Command{Raw: []byte{0xff, 0, 0, 0, 0, 0}})
	if res.Status != scsi.SamStatCheckCondition {
		t.Fatalf("got status %#x, want CHECK CONDITION", res.Status)
	}
	if res.Sense == nil || res.Sense.ASC != 0x20 {
		t.Fatalf("got sense %+v, want ASC 20h (invalid command operation code)", res.Sense)
	}
}

func TestDispatchModeSenseThenSelectRoundTrips(t *testing.T) {
	dev := openMemory(t, 512, 64)
	d := &Dispatcher{Device: dev}

	senseRaw := []byte{scsi.ModeSense, 0, 0x08, 0, 64, 0}
	sensePort := &bufPort{}
	res := d.Dispatch(context.Background(), Command{Raw: senseRaw, Port: sensePort})
	if res.Status != scsi.SamStatGood {
		t.Fatalf("mode sense got status %#x sense %v", res.Status, res.Sense)
	}

	selectRaw := []byte{scsi.ModeSelect, 0x10, 0x08, 0, byte(len(sensePort.out)), 0}
	selectPort := &bufPort{in: sensePort.out}
	res = d.Dispatch(context.Background(), Command{Raw: selectRaw, Port: selectPort})
	if res.Status != scsi.SamStatGood {
		t.Fatalf("mode select got status %#x sense %v", res.Status, res.Sense)
	}
}
