package ext4

import "encoding/binary"

// dxEntry is one (hash, block) pair inside a dx_root or dx_node index block.
type dxEntry struct {
	hash  uint32
	block uint32
}

// dxRootInfo is the dx_root_info header that follows the fake "." and ".."
// entries in block 0 of an indexed directory.
type dxRootInfo struct {
	hashVersion    hashVersion
	indirectLevels uint8
}

func parseDxCountLimit(b []byte, off int) (limit, count uint16) {
	limit = binary.LittleEndian.Uint16(b[off : off+2])
	count = binary.LittleEndian.Uint16(b[off+2 : off+4])
	return
}

func parseDxEntries(b []byte, off, n int) []dxEntry {
	entries := make([]dxEntry, 0, n)
	for i := 0; i < n; i++ {
		o := off + i*8
		if o+8 > len(b) {
			break
		}
		entries = append(entries, dxEntry{
			hash:  binary.LittleEndian.Uint32(b[o : o+4]),
			block: binary.LittleEndian.Uint32(b[o+4 : o+8]),
		})
	}
	return entries
}

// parseDxRoot parses the fake "." and ".." entries, the dx_root_info, and
// the top-level hash entries out of an indexed directory's first block.
func parseDxRoot(b []byte) (dxRootInfo, []dxEntry, error) {
	if len(b) < 40 {
		return dxRootInfo{}, nil, newError(ErrCodeCorrupted, "dx_root block too small", nil)
	}
	dotRecLen := binary.LittleEndian.Uint16(b[4:6])
	infoOff := int(dotRecLen) + 12
	if infoOff+8 > len(b) {
		return dxRootInfo{}, nil, newError(ErrCodeCorrupted, "dx_root_info out of range", nil)
	}
	info := dxRootInfo{
		hashVersion:    hashVersion(b[infoOff+4]),
		indirectLevels: b[infoOff+6],
	}
	countLimitOff := infoOff + 8
	if countLimitOff+8 > len(b) {
		return info, nil, nil
	}
	_, count := parseDxCountLimit(b, countLimitOff)
	if count == 0 {
		return info, nil, nil
	}
	// The count/limit pair overlays entry 0's hash field; entry 0's block pointer is real
	// and covers every hash below entry 1's boundary.
	entries := []dxEntry{{hash: 0, block: binary.LittleEndian.Uint32(b[countLimitOff+4 : countLimitOff+8])}}
	entries = append(entries, parseDxEntries(b, countLimitOff+8, int(count)-1)...)
	return info, entries, nil
}

// parseDxNode parses an interior or leaf index block: a fake whole-block
// dirent at offset 0 followed by the countlimit header and hash entries.
func parseDxNode(b []byte) ([]dxEntry, error) {
	if len(b) < 16 {
		return nil, newError(ErrCodeCorrupted, "dx_node block too small", nil)
	}
	const countLimitOff = 8
	if countLimitOff+8 > len(b) {
		return nil, nil
	}
	_, count := parseDxCountLimit(b, countLimitOff)
	if count == 0 {
		return nil, nil
	}
	entries := []dxEntry{{hash: 0, block: binary.LittleEndian.Uint32(b[countLimitOff+4 : countLimitOff+8])}}
	entries = append(entries, parseDxEntries(b, countLimitOff+8, int(count)-1)...)
	return entries, nil
}

// dxFindBlock returns the block pointer of the last entry whose hash does
// not exceed target; entries are stored sorted ascending by hash.
func dxFindBlock(entries []dxEntry, target uint32) uint32 {
	var best uint32
	for _, e := range entries {
		if e.hash > target {
			break
		}
		best = e.block
	}
	return best
}

// readDirLogicalBlock resolves one logical block of a directory through its extent tree
// and reads it; ok=false for a hole or an out-of-range logical block.
func (fs *FileSystem) readDirLogicalBlock(n *inode, logical uint32) ([]byte, bool, error) {
	phys, ok, err := lookupExtent(fs.extentCtx(), n.extentRoot, logical)
	if err != nil || !ok {
		return nil, false, err
	}
	data, err := fs.readDataBlock(phys)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// htreeLookup resolves name against an indexed directory's hash tree:
// hash the name, walk the index blocks, scan the target leaf block,
// descending at most one interior level. It reports ok=false with a nil
// error whenever the directory lacks DIR_INDEX or its index is
// structurally unusable, so the caller can fall back to a linear scan
// rather than treat a damaged index as fatal.
func (fs *FileSystem) htreeLookup(n *inode, name string) (uint32, fileType, bool, error) {
	if !inodeFlagIndex.included(n.flags) {
		return 0, 0, false, nil
	}
	rootData, ok, err := fs.readDirLogicalBlock(n, 0)
	if err != nil || !ok {
		return 0, 0, false, nil
	}
	info, rootEntries, err := parseDxRoot(rootData)
	if err != nil || len(rootEntries) == 0 {
		return 0, 0, false, nil
	}

	hash, _ := ext4fsDirhash(name, info.hashVersion, fs.sb.hashTreeSeed[:])
	leafLogical := dxFindBlock(rootEntries, hash)

	if info.indirectLevels > 0 {
		nodeData, ok, err := fs.readDirLogicalBlock(n, leafLogical)
		if err != nil || !ok {
			return 0, 0, false, nil
		}
		nodeEntries, err := parseDxNode(nodeData)
		if err != nil || len(nodeEntries) == 0 {
			return 0, 0, false, nil
		}
		leafLogical = dxFindBlock(nodeEntries, hash)
	}

	leafData, ok, err := fs.readDirLogicalBlock(n, leafLogical)
	if err != nil || !ok {
		return 0, 0, false, nil
	}
	db, err := directoryBlockFromBytes(leafData)
	if err != nil {
		return 0, 0, false, nil
	}
	if de, ok := db.lookup(name); ok {
		return de.inode, de.fileType, true, nil
	}
	return 0, 0, false, nil
}
