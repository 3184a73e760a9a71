package blockdev

import (
	"bytes"
	"context"
	"testing"
)

func TestMemoryLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("t", 512, 4)

	if err := m.ReadAt(ctx, 0, make([]byte, 512)); err == nil {
		t.Fatal("expected read-before-open to fail")
	}
	if err := m.Close(ctx); err == nil {
		t.Fatal("expected close-before-open to fail")
	}
	if err := m.Open(ctx); err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	if err := m.Open(ctx); err == nil {
		t.Fatal("expected double-open to fail")
	}
	if err := m.Close(ctx); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	if err := m.Close(ctx); err == nil {
		t.Fatal("expected double-close to fail")
	}
}

func TestMemoryReadYourWrites(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("t", 512, 4)
	if err := m.Open(ctx); err != nil {
		t.Fatal(err)
	}
	defer m.Close(ctx)

	want := bytes.Repeat([]byte{0xAB}, 512)
	if err := m.WriteAt(ctx, 1, want); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	got := make([]byte, 512)
	if err := m.ReadAt(ctx, 1, got); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("read-your-writes failed: got % x", got[:8])
	}
}

func TestMemoryOutOfRangeRejected(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("t", 512, 4)
	if err := m.Open(ctx); err != nil {
		t.Fatal(err)
	}
	defer m.Close(ctx)

	if err := m.WriteAt(ctx, 3, make([]byte, 1024)); err == nil {
		t.Fatal("expected an out-of-range write to fail")
	}
}
