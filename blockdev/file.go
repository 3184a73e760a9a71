package blockdev

import (
	"context"
	"os"

	"github.com/target-storage/go-tcmu-raid0/sense"
)

// File is a Device backed by an *os.File, generalizing the teacher's
// ReadWriterAtCmdHandler (which took a bare io.ReaderAt/io.WriterAt) to the
// Device contract so it can be used as a striped leaf or a standalone
// target indistinguishably.
type File struct {
	lifecycle

	path       string
	blockSize  uint32
	blockCount uint64

	f *os.File
}

// NewFile constructs a closed File device over path with the given
// geometry. blockCount is not verified against the file's actual size
// until Open.
func NewFile(path string, blockSize uint32, blockCount uint64) *File {
	return &File{path: path, blockSize: blockSize, blockCount: blockCount}
}

func (d *File) Open(ctx context.Context) error {
	if err := d.lifecycle.open(); err != nil {
		return err
	}
	f, err := os.OpenFile(d.path, os.O_RDWR, 0)
	if err != nil {
		d.lifecycle.st = stateClosed
		return err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		d.lifecycle.st = stateClosed
		return err
	}
	want := int64(d.blockCount) * int64(d.blockSize)
	if d.blockCount == 0 && d.blockSize != 0 {
		d.blockCount = uint64(fi.Size()) / uint64(d.blockSize)
	} else if fi.Size() < want {
		f.Close()
		d.lifecycle.st = stateClosed
		return sense.NotReady()
	}
	d.f = f
	return nil
}

func (d *File) Close(ctx context.Context) error {
	if err := d.lifecycle.close(); err != nil {
		return err
	}
	f := d.f
	d.f = nil
	if f == nil {
		return nil
	}
	return f.Close()
}

func (d *File) ReadAt(ctx context.Context, address uint64, buf []byte) error {
	if err := d.lifecycle.checkOpen(); err != nil {
		return err
	}
	blocks, err := checkTransferLen(d.blockSize, buf)
	if err != nil {
		return err
	}
	if address+blocks > d.blockCount {
		return sense.LBAOutOfRange(sense.FieldPointer{Byte: 2, Bit: -1, CommandData: true})
	}
	off := int64(address) * int64(d.blockSize)
	n, err := d.f.ReadAt(buf, off)
	if err != nil || n != len(buf) {
		return sense.DataTransferError(false)
	}
	return nil
}

func (d *File) WriteAt(ctx context.Context, address uint64, buf []byte) error {
	if err := d.lifecycle.checkOpen(); err != nil {
		return err
	}
	blocks, err := checkTransferLen(d.blockSize, buf)
	if err != nil {
		return err
	}
	if address+blocks > d.blockCount {
		return sense.LBAOutOfRange(sense.FieldPointer{Byte: 2, Bit: -1, CommandData: true})
	}
	off := int64(address) * int64(d.blockSize)
	n, err := d.f.WriteAt(buf, off)
	if err != nil || n != len(buf) {
		return sense.DataTransferError(true)
	}
	return nil
}

func (d *File) BlockSize() (uint32, error) {
	if err := d.lifecycle.checkOpen(); err != nil {
		return 0, err
	}
	return d.blockSize, nil
}

func (d *File) BlockCount() (uint64, error) {
	if err := d.lifecycle.checkOpen(); err != nil {
		return 0, err
	}
	return d.blockCount, nil
}

func (d *File) Name() string { return d.path }
