package ext4

import (
	"encoding/binary"
	"testing"
)

// buildDxRootBlock assembles an indexed directory's first block: fake "." and ".."
// entries, the dx_root_info, the count/limit header overlaying entry 0's hash, entry 0's
// block pointer, and one explicit boundary entry.
func buildDxRootBlock(bs int, dirIno uint32, boundaryHash, lowLeaf, highLeaf uint32) []byte {
	b := make([]byte, bs)
	// "."
	binary.LittleEndian.PutUint32(b[0:4], dirIno)
	binary.LittleEndian.PutUint16(b[4:6], 12)
	b[6] = 1
	b[7] = byte(fileTypeDirectory)
	b[8] = '.'
	// ".." spanning the rest of the block
	binary.LittleEndian.PutUint32(b[12:16], RootInodeNumber)
	binary.LittleEndian.PutUint16(b[16:18], uint16(bs-12))
	b[18] = 2
	b[19] = byte(fileTypeDirectory)
	b[20] = '.'
	b[21] = '.'
	// dx_root_info at 24: 4 reserved bytes, hash version, info length, indirect levels, flags
	b[28] = byte(HashVersionHalfMD4)
	b[29] = 8
	// count/limit at 32
	binary.LittleEndian.PutUint16(b[32:34], 100) // limit
	binary.LittleEndian.PutUint16(b[34:36], 2)   // count
	// entry 0's block pointer (hash implicitly 0)
	binary.LittleEndian.PutUint32(b[36:40], lowLeaf)
	// entry 1: explicit boundary
	binary.LittleEndian.PutUint32(b[40:44], boundaryHash)
	binary.LittleEndian.PutUint32(b[44:48], highLeaf)
	return b
}

func TestParseDxRoot(t *testing.T) {
	b := buildDxRootBlock(4096, 50, 0x8000_0000, 1, 2)
	info, entries, err := parseDxRoot(b)
	if err != nil {
		t.Fatalf("parseDxRoot: %v", err)
	}
	if info.hashVersion != HashVersionHalfMD4 || info.indirectLevels != 0 {
		t.Fatalf("dx_root_info mismatch: %+v", info)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries (implicit zeroth + boundary), got %d", len(entries))
	}
	if entries[0].hash != 0 || entries[0].block != 1 {
		t.Fatalf("implicit zeroth entry mismatch: %+v", entries[0])
	}
	if entries[1].hash != 0x8000_0000 || entries[1].block != 2 {
		t.Fatalf("boundary entry mismatch: %+v", entries[1])
	}
}

func TestDxFindBlock(t *testing.T) {
	entries := []dxEntry{{hash: 0, block: 1}, {hash: 100, block: 2}, {hash: 200, block: 3}}
	cases := []struct {
		target uint32
		want   uint32
	}{
		{0, 1}, {99, 1}, {100, 2}, {150, 2}, {200, 3}, {5000, 3},
	}
	for _, c := range cases {
		if got := dxFindBlock(entries, c.target); got != c.want {
			t.Errorf("dxFindBlock(%d) = %d, want %d", c.target, got, c.want)
		}
	}
}

func TestHtreeLookup(t *testing.T) {
	_, fs, err := mkfsAndMount(16384, 4096)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	bs := fs.blockSize()
	seed := fs.sb.hashTreeSeed[:]

	nameA, nameB := "alpha.txt", "bravo.txt"
	hashA, _ := ext4fsDirhash(nameA, HashVersionHalfMD4, seed)
	hashB, _ := ext4fsDirhash(nameB, HashVersionHalfMD4, seed)
	lowName, highName := nameA, nameB
	if hashA > hashB {
		lowName, highName = nameB, nameA
		hashA, hashB = hashB, hashA
	}

	blocks, err := fs.allocBlocks(3, 0)
	if err != nil {
		t.Fatalf("allocBlocks: %v", err)
	}

	const dirIno = uint32(500)
	root := buildDxRootBlock(bs, dirIno, hashB, 1, 2)
	if err := fs.writeDataBlock(blocks[0], root); err != nil {
		t.Fatalf("write dx root: %v", err)
	}

	lowLeaf, err := newDirectoryBlock(bs, &directoryEntry{inode: 100, filename: lowName, fileType: fileTypeRegular}).toBytes()
	if err != nil {
		t.Fatalf("encode low leaf: %v", err)
	}
	if err := fs.writeDataBlock(blocks[1], lowLeaf); err != nil {
		t.Fatalf("write low leaf: %v", err)
	}
	highLeaf, err := newDirectoryBlock(bs, &directoryEntry{inode: 101, filename: highName, fileType: fileTypeRegular}).toBytes()
	if err != nil {
		t.Fatalf("encode high leaf: %v", err)
	}
	if err := fs.writeDataBlock(blocks[2], highLeaf); err != nil {
		t.Fatalf("write high leaf: %v", err)
	}

	n := newDirectoryInode(dirIno)
	n.flags |= uint32(inodeFlagIndex)
	for _, leaf := range runMerge(0, blocks) {
		newRoot, err := insertExtent(fs.extentCtx(), n.extentRoot, leaf)
		if err != nil {
			t.Fatalf("insertExtent: %v", err)
		}
		n.extentRoot = newRoot
	}
	n.size = uint64(3 * bs)

	ino, ft, ok, err := fs.htreeLookup(n, lowName)
	if err != nil || !ok {
		t.Fatalf("htree lookup of %q: (%v,%v)", lowName, ok, err)
	}
	if ino != 100 || ft != fileTypeRegular {
		t.Fatalf("low-hash lookup resolved (%d,%d)", ino, ft)
	}
	ino, _, ok, err = fs.htreeLookup(n, highName)
	if err != nil || !ok || ino != 101 {
		t.Fatalf("high-hash lookup resolved (%d,%v,%v)", ino, ok, err)
	}

	if _, _, ok, err := fs.htreeLookup(n, "absent"); err != nil || ok {
		t.Fatalf("lookup of an absent name must miss cleanly: (%v,%v)", ok, err)
	}

	// without the DIR_INDEX flag the hash path declines, signalling linear fallback
	n.flags &^= uint32(inodeFlagIndex)
	if _, _, ok, err := fs.htreeLookup(n, lowName); err != nil || ok {
		t.Fatalf("unindexed directory must fall back to linear scan: (%v,%v)", ok, err)
	}
}
