package sense

import "testing"

func TestLBAOutOfRangeFixedEncoding(t *testing.T) {
	e := LBAOutOfRange(FieldPointer{Byte: 2, Bit: -1, CommandData: true})
	buf := e.Fixed()
	if len(buf) != FixedBufferSize {
		t.Fatalf("got buffer len %d, want %d", len(buf), FixedBufferSize)
	}
	if buf[0] != 0x70 {
		t.Fatalf("got response code %#x, want 0x70", buf[0])
	}
	if buf[2] != 0x05 {
		t.Fatalf("got sense key %#x, want 0x05 (ILLEGAL REQUEST)", buf[2])
	}
	if buf[12] != 0x21 || buf[13] != 0x00 {
		t.Fatalf("got ASC/ASCQ %#x/%#x, want 0x21/0x00", buf[12], buf[13])
	}
	if buf[15]&0x80 == 0 {
		t.Fatal("expected SKSV bit set in byte 15")
	}
	if buf[16] != 0 || buf[17] != 2 {
		t.Fatalf("got field pointer %d:%d, want byte 2", buf[16], buf[17])
	}
}

func TestDataTransferErrorAscDiffersByDirection(t *testing.T) {
	read := DataTransferError(false)
	write := DataTransferError(true)
	if read.ASC != 0x11 {
		t.Fatalf("got read ASC %#x, want 0x11", read.ASC)
	}
	if write.ASC != 0x0c {
		t.Fatalf("got write ASC %#x, want 0x0c", write.ASC)
	}
	if read.SenseKey != 0x03 || write.SenseKey != 0x03 {
		t.Fatal("expected MEDIUM ERROR sense key for both directions")
	}
}

func TestInternalTargetFailureWrapsCause(t *testing.T) {
	cause := DataTransferError(true)
	e := InternalTargetFailure(cause)
	if e.SenseKey != 0x04 {
		t.Fatalf("got sense key %#x, want 0x04 (HARDWARE ERROR)", e.SenseKey)
	}
	if e.Unwrap() != cause {
		t.Fatal("expected Unwrap to return the original cause")
	}
}

func TestFixedZeroesTrailingBytesOnReuse(t *testing.T) {
	buf := make([]byte, FixedBufferSize)
	for i := range buf {
		buf[i] = 0xff
	}
	NotReady().FixedInto(buf)
	for i := 18; i < len(buf); i++ {
		if buf[i] != 0 {
			t.Fatalf("byte %d not zeroed: %#x", i, buf[i])
		}
	}
}
