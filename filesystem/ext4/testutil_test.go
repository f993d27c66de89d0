package ext4

import (
	"errors"
	"fmt"
)

// asError unwraps err looking for this package's *Error, so tests can assert on taxonomy codes.
func asError(err error, target **Error) bool {
	return errors.As(err, target)
}

// errCodeOf returns the taxonomy code carried by err, or ErrCodeUnknown.
func errCodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeUnknown
}

// memDevice is an in-memory BlockDevice backing store for tests: a flat byte slice
// addressed in blockSize-sized units, satisfying io.ReaderAt/io.WriterAt so it can be
// wrapped by NewFileBlockDevice exactly like a real file would be.
type memDevice struct {
	data      []byte
	blockSize uint32
}

func newMemDevice(totalBlocks uint64, blockSize uint32) BlockDevice {
	md := &memDevice{data: make([]byte, totalBlocks*uint64(blockSize)), blockSize: blockSize}
	return NewFileBlockDevice(md, blockSize, totalBlocks)
}

func (m *memDevice) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m.data)) {
		return 0, fmt.Errorf("read past end of device")
	}
	n := copy(p, m.data[off:])
	return n, nil
}

func (m *memDevice) WriteAt(p []byte, off int64) (int, error) {
	if off+int64(len(p)) > int64(len(m.data)) {
		return 0, fmt.Errorf("write past end of device")
	}
	n := copy(m.data[off:], p)
	return n, nil
}

// mkfsAndMount formats a fresh totalBlocks-block, blockSize-byte device and mounts it,
// returning both so tests can Umount/re-Mount across the same backing store.
func mkfsAndMount(totalBlocks uint64, blockSize uint32) (BlockDevice, *FileSystem, error) {
	return mkfsAndMountJournal(totalBlocks, blockSize, 64)
}

func mkfsAndMountJournal(totalBlocks uint64, blockSize, journalBlocks uint32) (BlockDevice, *FileSystem, error) {
	dev := newMemDevice(totalBlocks, blockSize)
	opts := MkfsOptions{BlockSize: blockSize, JournalBlocks: journalBlocks}
	if err := Mkfs(dev, opts); err != nil {
		return nil, nil, err
	}
	fs, err := Mount(dev, MountOptions{})
	if err != nil {
		return nil, nil, err
	}
	return dev, fs, nil
}
