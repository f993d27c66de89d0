package ext4

import (
	"fmt"
)

// directoryBlock holds the parsed, mutable contents of a single directory data block.
type directoryBlock struct {
	blockSize int
	records   []*dirEntryRecord
}

func directoryBlockFromBytes(b []byte) (*directoryBlock, error) {
	records, err := parseDirEntries(b)
	if err != nil {
		return nil, err
	}
	return &directoryBlock{blockSize: len(b), records: records}, nil
}

func (d *directoryBlock) toBytes() ([]byte, error) {
	b := make([]byte, d.blockSize)
	offset := 0
	for _, rec := range d.records {
		eb, err := rec.entry.toBytes(rec.recLen)
		if err != nil {
			return nil, err
		}
		if offset+len(eb) > d.blockSize {
			return nil, fmt.Errorf("directory block overflow while encoding: offset %d + rec_len %d > block size %d", offset, len(eb), d.blockSize)
		}
		copy(b[offset:offset+len(eb)], eb)
		offset += len(eb)
	}
	return b, nil
}

// live (non-tombstone, i.e. non-zero inode) entries in this block.
func (d *directoryBlock) liveEntries() []*dirEntryRecord {
	out := make([]*dirEntryRecord, 0, len(d.records))
	for _, r := range d.records {
		if r.entry.inode != 0 {
			out = append(out, r)
		}
	}
	return out
}

func align4(n int) int {
	if r := n % 4; r != 0 {
		return n + (4 - r)
	}
	return n
}

// insert attempts to place a new directory entry into this block: only the trailing
// entry's slack is ever reused. Returns false if the block has no room.
func (d *directoryBlock) insert(de *directoryEntry) bool {
	if len(d.records) == 0 {
		return false
	}
	last := d.records[len(d.records)-1]
	ideal := align4(8 + len(last.entry.filename))
	newRecLen := de.recLen()
	if int(last.recLen)-ideal < int(newRecLen) {
		return false
	}
	remaining := uint16(int(last.recLen) - ideal)
	last.recLen = uint16(ideal)
	newOffset := last.offset + ideal
	d.records = append(d.records, &dirEntryRecord{entry: de, offset: newOffset, recLen: remaining})
	return true
}

// remove deletes the named entry. When a previous entry exists in the same block, the
// record is dropped and its rec_len is added to the previous entry's rec_len (coalescing);
// the block's first entry is instead tombstoned in place (inode field and name cleared).
func (d *directoryBlock) remove(name string) bool {
	for i, r := range d.records {
		if r.entry.inode == 0 || r.entry.filename != name {
			continue
		}
		if i > 0 {
			prev := d.records[i-1]
			prev.recLen += r.recLen
			d.records = append(d.records[:i], d.records[i+1:]...)
		} else {
			r.entry.inode = 0
			r.entry.filename = ""
		}
		return true
	}
	return false
}

func (d *directoryBlock) lookup(name string) (*directoryEntry, bool) {
	for _, r := range d.records {
		if r.entry.inode != 0 && r.entry.filename == name {
			return r.entry, true
		}
	}
	return nil, false
}

// newDirectoryBlock builds a fresh, single-entry block spanning to the end of the block
// (used both for a brand new directory's first block, and for a newly allocated block
// appended when every existing block is full).
func newDirectoryBlock(blockSize int, de *directoryEntry) *directoryBlock {
	return &directoryBlock{
		blockSize: blockSize,
		records: []*dirEntryRecord{
			{entry: de, offset: 0, recLen: uint16(blockSize)},
		},
	}
}
