package blockdev

import (
	"context"
	"sync"

	"github.com/target-storage/go-tcmu-raid0/sense"
)

// Memory is the buffered task engine's in-memory backing store: a linear
// byte array addressable by (LBA * blockSize), shared by all concurrent
// tasks. It hands out a private (base, length) view per call instead of
// retaining a shared cursor, per spec.md §4.2/§9's shared-cursor hazard
// note.
type Memory struct {
	lifecycle

	name       string
	blockSize  uint32
	blockCount uint64

	mu   sync.RWMutex
	data []byte
}

// NewMemory constructs a closed Memory device of the given geometry; Open
// must be called before it accepts I/O.
func NewMemory(name string, blockSize uint32, blockCount uint64) *Memory {
	return &Memory{name: name, blockSize: blockSize, blockCount: blockCount}
}

func (m *Memory) Open(ctx context.Context) error {
	if err := m.lifecycle.open(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make([]byte, m.blockCount*uint64(m.blockSize))
	return nil
}

func (m *Memory) Close(ctx context.Context) error {
	if err := m.lifecycle.close(); err != nil {
		return err
	}
	m.mu.Lock()
	m.data = nil
	m.mu.Unlock()
	return nil
}

func (m *Memory) ReadAt(ctx context.Context, address uint64, buf []byte) error {
	if err := m.lifecycle.checkOpen(); err != nil {
		return err
	}
	blocks, err := checkTransferLen(m.blockSize, buf)
	if err != nil {
		return err
	}
	if address+blocks > m.blockCount {
		return sense.LBAOutOfRange(sense.FieldPointer{Byte: 2, Bit: -1, CommandData: true})
	}
	off := address * uint64(m.blockSize)
	m.mu.RLock()
	defer m.mu.RUnlock()
	copy(buf, m.data[off:off+uint64(len(buf))])
	return nil
}

func (m *Memory) WriteAt(ctx context.Context, address uint64, buf []byte) error {
	if err := m.lifecycle.checkOpen(); err != nil {
		return err
	}
	blocks, err := checkTransferLen(m.blockSize, buf)
	if err != nil {
		return err
	}
	if address+blocks > m.blockCount {
		return sense.LBAOutOfRange(sense.FieldPointer{Byte: 2, Bit: -1, CommandData: true})
	}
	off := address * uint64(m.blockSize)
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.data[off:off+uint64(len(buf))], buf)
	return nil
}

func (m *Memory) BlockSize() (uint32, error) {
	if err := m.lifecycle.checkOpen(); err != nil {
		return 0, err
	}
	return m.blockSize, nil
}

func (m *Memory) BlockCount() (uint64, error) {
	if err := m.lifecycle.checkOpen(); err != nil {
		return 0, err
	}
	return m.blockCount, nil
}

func (m *Memory) Name() string { return m.name }
