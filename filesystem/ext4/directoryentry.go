package ext4

import (
	"encoding/binary"
	"fmt"
)

const (
	minDirEntryLength int = 8 // header only; a tombstone entry carries no name
)

// directoryEntry is a single directory entry
type directoryEntry struct {
	inode    uint32
	filename string
	fileType fileType
}

// directoryEntryFromBytes parses a single directory entry from exactly rec_len bytes
// (including any trailing padding that belongs to this record).
func directoryEntryFromBytes(b []byte) (*directoryEntry, error) {
	if len(b) < minDirEntryLength {
		return nil, fmt.Errorf("directory entry of length %d is less than minimum %d", len(b), minDirEntryLength)
	}

	// rec_len routinely exceeds the entry's natural size: the final entry of every block
	// spans to end-of-block, and a coalesced entry absorbs its removed successor's space.
	nameLength := uint8(b[0x6])
	if int(0x8+nameLength) > len(b) {
		return nil, fmt.Errorf("directory entry name length %d overruns entry of length %d", nameLength, len(b))
	}
	name := make([]byte, nameLength)
	copy(name, b[0x8:0x8+nameLength])

	de := directoryEntry{
		inode:    binary.LittleEndian.Uint32(b[0x0:0x4]),
		fileType: fileType(b[0x7]),
		filename: string(name),
	}
	return &de, nil
}

// recLen is the natural 4-byte aligned record length for this entry, absent any
// block-spanning padding the caller may want to apply.
func (de *directoryEntry) recLen() uint16 {
	entryLength := uint16(len(de.filename)) + 8
	if leftover := entryLength % 4; leftover > 0 {
		entryLength += 4 - leftover
	}
	return entryLength
}

// toBytes encodes the entry using recLen as the on-disk record length, which may exceed
// the entry's natural size when it spans to the end of a block or absorbs a tombstone.
func (de *directoryEntry) toBytes(recLen uint16) ([]byte, error) {
	if natural := de.recLen(); recLen < natural {
		return nil, fmt.Errorf("rec_len %d too small for entry of natural length %d", recLen, natural)
	}
	nameLength := uint8(len(de.filename))
	b := make([]byte, recLen)

	binary.LittleEndian.PutUint32(b[0x0:0x4], de.inode)
	binary.LittleEndian.PutUint16(b[0x4:0x6], recLen)
	b[0x6] = nameLength
	b[0x7] = byte(de.fileType)
	copy(b[0x8:0x8+nameLength], []byte(de.filename))

	return b, nil
}

// dirEntryRecord pairs a parsed entry with its byte offset and on-disk rec_len within a block.
type dirEntryRecord struct {
	entry  *directoryEntry
	offset int
	recLen uint16
}

// parseDirEntries walks one directory data block and returns every record, including
// tombstones (inode == 0). Traversal stops at rec_len == 0. A rec_len that would overrun the
// block does not end the walk quietly: the whole parse fails with an error.
func parseDirEntries(b []byte) ([]*dirEntryRecord, error) {
	records := make([]*dirEntryRecord, 0)
	for i := 0; i+8 <= len(b); {
		recLen := binary.LittleEndian.Uint16(b[i+0x4 : i+0x6])
		if recLen == 0 {
			break
		}
		if i+int(recLen) > len(b) {
			return nil, fmt.Errorf("directory entry at offset %d has rec_len %d which overruns block of length %d", i, recLen, len(b))
		}
		de, err := directoryEntryFromBytes(b[i : i+int(recLen)])
		if err != nil {
			return nil, fmt.Errorf("failed to parse directory entry at offset %d: %v", i, err)
		}
		records = append(records, &dirEntryRecord{entry: de, offset: i, recLen: recLen})
		i += int(recLen)
	}
	return records, nil
}
