package ext4

import (
	"fmt"
	"io"
)

// BlockDevice is the external collaborator this library consumes: a byte-addressable,
// block-granular array the caller is responsible for providing (file, raw device, ramdisk...).
type BlockDevice interface {
	ReadAt(dst []byte, firstBlock, count uint64) error
	WriteAt(src []byte, firstBlock, count uint64) error
	TotalBlocks() uint64
	BlockSize() uint32
	Flush() error
}

// fileBlockDevice adapts an io.ReaderAt/io.WriterAt (typically *os.File) into a BlockDevice.
type fileBlockDevice struct {
	rw        io.ReaderAt
	wr        io.WriterAt
	flusher   interface{ Sync() error }
	blockSize uint32
	total     uint64
}

// NewFileBlockDevice wraps an already-open file-like handle as a BlockDevice of the given
// block size. totalBlocks is the device capacity in units of blockSize.
func NewFileBlockDevice(f interface {
	io.ReaderAt
	io.WriterAt
}, blockSize uint32, totalBlocks uint64) BlockDevice {
	bd := &fileBlockDevice{rw: f, wr: f, blockSize: blockSize, total: totalBlocks}
	if s, ok := f.(interface{ Sync() error }); ok {
		bd.flusher = s
	}
	return bd
}

func (d *fileBlockDevice) ReadAt(dst []byte, firstBlock, count uint64) error {
	need := count * uint64(d.blockSize)
	if uint64(len(dst)) < need {
		return newError(ErrCodeBufferTooSmall, fmt.Sprintf("need %d bytes, got %d", need, len(dst)), nil)
	}
	if firstBlock+count > d.total {
		return newError(ErrCodeBlockOutOfRange, fmt.Sprintf("block range [%d,%d) exceeds device size %d", firstBlock, firstBlock+count, d.total), nil)
	}
	_, err := d.rw.ReadAt(dst[:need], int64(firstBlock)*int64(d.blockSize))
	if err != nil && err != io.EOF {
		return newError(ErrCodeReadError, "device read failed", err)
	}
	return nil
}

func (d *fileBlockDevice) WriteAt(src []byte, firstBlock, count uint64) error {
	need := count * uint64(d.blockSize)
	if uint64(len(src)) < need {
		return newError(ErrCodeBufferTooSmall, fmt.Sprintf("need %d bytes, got %d", need, len(src)), nil)
	}
	if firstBlock+count > d.total {
		return newError(ErrCodeBlockOutOfRange, fmt.Sprintf("block range [%d,%d) exceeds device size %d", firstBlock, firstBlock+count, d.total), nil)
	}
	if _, err := d.wr.WriteAt(src[:need], int64(firstBlock)*int64(d.blockSize)); err != nil {
		return newError(ErrCodeWriteError, "device write failed", err)
	}
	return nil
}

func (d *fileBlockDevice) TotalBlocks() uint64 { return d.total }
func (d *fileBlockDevice) BlockSize() uint32   { return d.blockSize }

func (d *fileBlockDevice) Flush() error {
	if d.flusher != nil {
		return d.flusher.Sync()
	}
	return nil
}

// blockBuffer is the single-slot block cache described by the block-device wrapper
// component: exactly one BLOCK_SIZE page, with dirty tracking, sitting in front of a BlockDevice.
type blockBuffer struct {
	dev      BlockDevice
	id       uint64
	data     []byte
	loaded   bool
	dirty    bool
}

func newBlockBuffer(dev BlockDevice) *blockBuffer {
	return &blockBuffer{dev: dev, data: make([]byte, dev.BlockSize())}
}

// readBlock loads the requested block unless it is already cached; if the cached slot is
// dirty for a different id, it is flushed first.
func (bb *blockBuffer) readBlock(id uint64) error {
	if bb.loaded && bb.id == id {
		return nil
	}
	if bb.loaded && bb.dirty {
		if err := bb.writeBlock(bb.id); err != nil {
			return err
		}
	}
	if err := bb.dev.ReadAt(bb.data, id, 1); err != nil {
		return err
	}
	bb.id = id
	bb.loaded = true
	bb.dirty = false
	return nil
}

func (bb *blockBuffer) buffer() []byte { return bb.data }

func (bb *blockBuffer) bufferMut() []byte {
	bb.dirty = true
	return bb.data
}

// setBlock replaces the slot's contents for id without a pre-read, flushing any dirty
// previous occupant first.
func (bb *blockBuffer) setBlock(id uint64, data []byte) error {
	if bb.loaded && bb.dirty && bb.id != id {
		if err := bb.writeBlock(bb.id); err != nil {
			return err
		}
	}
	copy(bb.data, data)
	bb.id = id
	bb.loaded = true
	bb.dirty = true
	return nil
}

func (bb *blockBuffer) writeBlock(id uint64) error {
	if err := bb.dev.WriteAt(bb.data, id, 1); err != nil {
		return err
	}
	if bb.loaded && bb.id == id {
		bb.dirty = false
	}
	return nil
}

func (bb *blockBuffer) flush() error {
	if bb.loaded && bb.dirty {
		return bb.writeBlock(bb.id)
	}
	return nil
}

func readBlocks(dev BlockDevice, first, count uint64) ([]byte, error) {
	buf := make([]byte, count*uint64(dev.BlockSize()))
	if err := dev.ReadAt(buf, first, count); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeBlocks(dev BlockDevice, first uint64, data []byte) error {
	count := uint64(len(data)) / uint64(dev.BlockSize())
	return dev.WriteAt(data, first, count)
}
