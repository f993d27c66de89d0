package ext4

import (
	"encoding/binary"
	"fmt"
)

// JBD2 block types, shared with the Linux kernel's own journal format.
const (
	jbd2Magic uint32 = 0xC03B3998

	jbd2BlockTypeDescriptor  uint32 = 1
	jbd2BlockTypeCommit      uint32 = 2
	jbd2BlockTypeSuperblock  uint32 = 4
	jbd2BlockTypeRevoke      uint32 = 5

	jbd2TagFlagEscape  uint32 = 0x1
	jbd2TagFlagSameUUID uint32 = 0x2
	jbd2TagFlagLastTag  uint32 = 0x8

	// jbd2BufferMax bounds how many dirty metadata blocks accumulate before a commit is
	// forced.
	jbd2BufferMax = 64

	jbd2HeaderSize = 12
	jbd2TagSize    = 16
)

// journalSuperblock is the JBD2 journal's own header, living at relative block 0 of the
// journal inode's data: it records where replay should resume and how many relative
// blocks the journal occupies.
type journalSuperblock struct {
	first    uint32
	start    uint32
	sequence uint32
	maxLen   uint32
}

func journalSuperblockFromBytes(b []byte) (journalSuperblock, error) {
	if len(b) < 28 {
		return journalSuperblock{}, newError(ErrCodeCorrupted, "journal superblock block too small", nil)
	}
	if binary.LittleEndian.Uint32(b[0:4]) != jbd2Magic {
		return journalSuperblock{}, newError(ErrCodeCorrupted, "bad journal superblock magic", nil)
	}
	if binary.LittleEndian.Uint32(b[4:8]) != jbd2BlockTypeSuperblock {
		return journalSuperblock{}, newError(ErrCodeCorrupted, "journal block 0 is not a superblock", nil)
	}
	return journalSuperblock{
		maxLen:   binary.LittleEndian.Uint32(b[16:20]),
		first:    binary.LittleEndian.Uint32(b[20:24]),
		sequence: binary.LittleEndian.Uint32(b[24:28]),
		start:    binary.LittleEndian.Uint32(b[28:32]),
	}, nil
}

func (j journalSuperblock) toBytes(blockSize int) []byte {
	b := make([]byte, blockSize)
	binary.LittleEndian.PutUint32(b[0:4], jbd2Magic)
	binary.LittleEndian.PutUint32(b[4:8], jbd2BlockTypeSuperblock)
	binary.LittleEndian.PutUint32(b[16:20], j.maxLen)
	binary.LittleEndian.PutUint32(b[20:24], j.first)
	binary.LittleEndian.PutUint32(b[24:28], j.sequence)
	binary.LittleEndian.PutUint32(b[28:32], j.start)
	return b
}

// pendingWrite is one metadata block awaiting inclusion in the next commit.
type pendingWrite struct {
	target uint64
	data   []byte
}

// journal implements journalDriver/journalHandle against a contiguous run of physical blocks
// reserved for the JBD2 log, providing ordered-metadata semantics: every metadata write is
// appended to an in-memory queue, and a commit walks the queue through the descriptor /
// data pages / commit block protocol.
type journal struct {
	fs         *FileSystem
	startBlock uint64 // physical block of journal-relative block 0 (the journal superblock)
	maxLen     uint32
	sequence   uint32
	head       uint32 // next free relative block (wraps 1..maxLen-1)
	buf        *blockBuffer
	pending    []pendingWrite
	replayQueue []pendingWrite
}

func newJournal(fs *FileSystem, startBlock uint64, maxLen uint32, jsb journalSuperblock) *journal {
	start := jsb.start
	if start == 0 {
		start = 1
	}
	return &journal{fs: fs, startBlock: startBlock, maxLen: maxLen, sequence: jsb.sequence, head: start, buf: newBlockBuffer(fs.dev)}
}

func (j *journal) nextRel(rel uint32) uint32 {
	rel++
	if rel >= j.maxLen {
		rel = 1
	}
	return rel
}

func (j *journal) physical(rel uint32) uint64 { return j.startBlock + uint64(rel) }

// readRelative reads one log block through the journal's single-slot device buffer,
// returning a private copy since the slot is recycled by the next call.
func (j *journal) readRelative(rel uint32) ([]byte, error) {
	if err := j.buf.readBlock(j.physical(rel)); err != nil {
		return nil, err
	}
	out := make([]byte, len(j.buf.buffer()))
	copy(out, j.buf.buffer())
	return out, nil
}

// writeRelative stages one log block in the device buffer and writes it through
// immediately; log blocks must reach the device in append order.
func (j *journal) writeRelative(rel uint32, data []byte) error {
	if err := j.buf.setBlock(j.physical(rel), data); err != nil {
		return err
	}
	return j.buf.flush()
}

// begin starts a new transaction handle. This implementation has no per-transaction state
// beyond the shared pending queue, so begin is effectively a no-op seam for callers that
// expect one.
func (j *journal) begin() (journalHandle, error) { return journalTxn{j: j}, nil }

type journalTxn struct{ j *journal }

func (t journalTxn) logBlock(blockNum uint64, data []byte) error {
	return t.j.logMetadata(blockNum, data)
}
func (t journalTxn) commit() error { return t.j.commit() }

// logMetadata appends a metadata write to the pending queue, forcing a commit first if the
// queue is already at capacity.
func (j *journal) logMetadata(physBlock uint64, data []byte) error {
	if len(j.pending) >= jbd2BufferMax {
		if err := j.commit(); err != nil {
			return err
		}
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	j.pending = append(j.pending, pendingWrite{target: physBlock, data: cp})
	return nil
}

func (j *journal) descriptorCapacity() int {
	return (j.fs.blockSize() - jbd2HeaderSize) / jbd2TagSize
}

// commit runs the full descriptor -> data pages -> barrier -> commit -> barrier protocol over
// whatever is currently queued, then advances the sequence and clears the queue. A no-op
// if nothing is pending.
func (j *journal) commit() error {
	if len(j.pending) == 0 {
		return nil
	}
	capacity := j.descriptorCapacity()
	if capacity < 1 {
		return newError(ErrCodeInvalidInput, "block size too small to hold a single journal tag", nil)
	}

	rel := j.head
	for offset := 0; offset < len(j.pending); offset += capacity {
		chunk := j.pending[offset:min(offset+capacity, len(j.pending))]
		descRel := rel
		rel = j.nextRel(rel)
		for _, w := range chunk {
			escaped, _ := escapeIfNeeded(w.data)
			if err := j.writeRelative(rel, escaped); err != nil {
				return err
			}
			rel = j.nextRel(rel)
		}
		if err := j.writeRelative(descRel, j.buildDescriptor(chunk)); err != nil {
			return err
		}
	}
	if err := j.fs.dev.Flush(); err != nil {
		return err
	}

	commitRel := rel
	rel = j.nextRel(rel)
	if err := j.writeRelative(commitRel, j.buildCommit()); err != nil {
		return err
	}
	if err := j.fs.dev.Flush(); err != nil {
		return err
	}

	// Metadata already reached its in-place location through storeBitmap /
	// storeInodeTableBlock before logMetadata was invoked (ordered-metadata mode), so
	// there is nothing further to apply here.

	log.WithFields(map[string]interface{}{"sequence": j.sequence, "blocks": len(j.pending)}).Debug("journal: transaction committed")
	j.pending = j.pending[:0]
	j.sequence++
	j.head = rel
	return j.persistSuperblock()
}

func (j *journal) persistSuperblock() error {
	jsb := journalSuperblock{first: 1, start: j.head, sequence: j.sequence, maxLen: j.maxLen}
	return j.fs.writeRawBlock(j.startBlock, jsb.toBytes(j.fs.blockSize()))
}

func (j *journal) buildDescriptor(chunk []pendingWrite) []byte {
	b := make([]byte, j.fs.blockSize())
	binary.LittleEndian.PutUint32(b[0:4], jbd2Magic)
	binary.LittleEndian.PutUint32(b[4:8], jbd2BlockTypeDescriptor)
	binary.LittleEndian.PutUint32(b[8:12], j.sequence)
	off := jbd2HeaderSize
	for i, w := range chunk {
		tag := b[off : off+jbd2TagSize]
		binary.LittleEndian.PutUint64(tag[0:8], w.target)
		checksum := crc32c_update(crc32seed, w.data)
		binary.LittleEndian.PutUint32(tag[8:12], checksum)
		var flags uint32
		if needsEscape(w.data) {
			flags |= jbd2TagFlagEscape
		}
		if i == len(chunk)-1 {
			flags |= jbd2TagFlagLastTag
		}
		binary.LittleEndian.PutUint32(tag[12:16], flags)
		off += jbd2TagSize
	}
	return b
}

func (j *journal) buildCommit() []byte {
	b := make([]byte, j.fs.blockSize())
	binary.LittleEndian.PutUint32(b[0:4], jbd2Magic)
	binary.LittleEndian.PutUint32(b[4:8], jbd2BlockTypeCommit)
	binary.LittleEndian.PutUint32(b[8:12], j.sequence)
	return b
}

// needsEscape reports whether a metadata block's own first four bytes collide with the JBD2
// magic, which would otherwise be indistinguishable from a real descriptor/commit header
// during replay.
func needsEscape(data []byte) bool {
	return len(data) >= 4 && binary.LittleEndian.Uint32(data[0:4]) == jbd2Magic
}

// escapeIfNeeded zeroes a colliding leading magic before the block is written to the log;
// the tag's ESCAPE flag tells replay to write the magic back via unescape.
func escapeIfNeeded(data []byte) ([]byte, bool) {
	if !needsEscape(data) {
		return data, false
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	binary.LittleEndian.PutUint32(cp[0:4], 0)
	return cp, true
}

func unescape(data []byte, wasEscaped bool) []byte {
	if !wasEscaped {
		return data
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	binary.LittleEndian.PutUint32(cp[0:4], jbd2Magic)
	return cp
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// replay scans the log starting at the superblock's recorded start, applying every fully
// committed transaction in order and stopping at the first torn (incomplete) one, whose
// updates are discarded.
func (j *journal) replay() error {
	expected := j.sequence
	rel := j.head
	for {
		hdr, err := j.readRelative(rel)
		if err != nil {
			return err
		}
		if len(hdr) < 12 || binary.LittleEndian.Uint32(hdr[0:4]) != jbd2Magic {
			j.logReplayStop(expected, len(j.replayQueue))
			return nil
		}
		blockType := binary.LittleEndian.Uint32(hdr[4:8])
		seq := binary.LittleEndian.Uint32(hdr[8:12])
		if seq != expected {
			j.logReplayStop(expected, len(j.replayQueue))
			return nil
		}
		switch blockType {
		case jbd2BlockTypeDescriptor:
			tags, flags, err := parseDescriptorTags(hdr)
			if err != nil {
				j.logReplayStop(expected, len(j.replayQueue))
				return nil
			}
			descRel := rel
			rel = j.nextRel(rel)
			var applied []pendingWrite
			for i, tag := range tags {
				raw, err := j.readRelative(rel)
				if err != nil {
					return err
				}
				raw = unescape(raw, flags[i]&jbd2TagFlagEscape != 0)
				applied = append(applied, pendingWrite{target: tag, data: raw})
				rel = j.nextRel(rel)
			}
			_ = descRel
			j.replayQueue = append(j.replayQueue, applied...)
			continue
		case jbd2BlockTypeCommit:
			for _, w := range j.replayQueue {
				if err := j.fs.writeRawBlock(w.target, w.data); err != nil {
					return err
				}
			}
			if err := j.fs.dev.Flush(); err != nil {
				return err
			}
			log.WithFields(map[string]interface{}{"sequence": expected, "blocks": len(j.replayQueue)}).Debug("journal: transaction replayed")
			j.replayQueue = nil
			expected++
			rel = j.nextRel(rel)
			j.sequence = expected
			j.head = rel
			if err := j.persistSuperblock(); err != nil {
				return err
			}
			continue
		default:
			j.logReplayStop(expected, len(j.replayQueue))
			return nil
		}
	}
}

// logReplayStop notes where replay ended; a non-empty replay queue means the final
// transaction was torn and its buffered updates were discarded, which is worth a warning.
func (j *journal) logReplayStop(expected uint32, discarded int) {
	if discarded > 0 {
		log.WithFields(map[string]interface{}{"sequence": expected, "discarded": discarded}).Warn("journal: discarding torn transaction")
		return
	}
	log.WithFields(map[string]interface{}{"sequence": expected}).Debug("journal: replay complete")
}

func parseDescriptorTags(b []byte) ([]uint64, []uint32, error) {
	var targets []uint64
	var flags []uint32
	off := jbd2HeaderSize
	for off+jbd2TagSize <= len(b) {
		tag := b[off : off+jbd2TagSize]
		target := binary.LittleEndian.Uint64(tag[0:8])
		flag := binary.LittleEndian.Uint32(tag[12:16])
		targets = append(targets, target)
		flags = append(flags, flag)
		off += jbd2TagSize
		if flag&jbd2TagFlagLastTag != 0 {
			break
		}
	}
	if len(targets) == 0 {
		return nil, nil, fmt.Errorf("descriptor block carries no tags")
	}
	return targets, flags, nil
}
