//go:build linux

package ext4

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// OpenBlockDevice opens path as a BlockDevice of the given block size. For a regular file
// the capacity comes from its size; for a device node it is queried with BLKGETSIZE64.
// The caller owns closing the returned *os.File.
func OpenBlockDevice(path string, blockSize uint32) (BlockDevice, *os.File, error) {
	if blockSize != 1024 && blockSize != 2048 && blockSize != 4096 {
		return nil, nil, newError(ErrCodeInvalidBlockSize, fmt.Sprintf("unsupported block size %d", blockSize), nil)
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, nil, newError(ErrCodeDeviceNotOpen, path, err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		f.Close()
		return nil, nil, newError(ErrCodeIoError, "fstat failed", err)
	}
	sizeBytes := uint64(st.Size)
	if st.Mode&unix.S_IFMT == unix.S_IFBLK {
		n, err := unix.IoctlGetInt(int(f.Fd()), unix.BLKGETSIZE64)
		if err != nil {
			f.Close()
			return nil, nil, newError(ErrCodeIoError, "BLKGETSIZE64 failed", err)
		}
		sizeBytes = uint64(n)
	}
	if sizeBytes%uint64(blockSize) != 0 {
		f.Close()
		return nil, nil, newError(ErrCodeAlignmentError, fmt.Sprintf("device size %d is not a multiple of block size %d", sizeBytes, blockSize), nil)
	}
	return NewFileBlockDevice(f, blockSize, sizeBytes/uint64(blockSize)), f, nil
}
