package ext4

import (
	"fmt"
)

// SectorSize512 is the classic disk sector size ext4 uses for i_blocks accounting,
// independent of the filesystem's own block size.
const SectorSize512 int64 = 512

// stringToASCIIBytes converts s to raw bytes, rejecting any rune outside the
// single-byte range (volume labels and mount paths are ASCII on disk).
func stringToASCIIBytes(s string) ([]byte, error) {
	b := make([]byte, len(s))
	for i, r := range []rune(s) {
		if r > 255 {
			return nil, fmt.Errorf("non-ASCII character in name: %s", s)
		}
		b[i] = byte(r)
	}
	return b, nil
}
