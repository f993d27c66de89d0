package ext4

import "fmt"

// directoryBlocks returns every data block backing n, in logical order, as parsed
// directoryBlock pages alongside their physical block numbers.
func (fs *FileSystem) directoryBlocks(n *inode) ([]uint64, []*directoryBlock, error) {
	triples, err := walkExtents(fs.extentCtx(), n.extentRoot)
	if err != nil {
		return nil, nil, err
	}
	blocks := make([]uint64, 0, len(triples))
	dbs := make([]*directoryBlock, 0, len(triples))
	for _, t := range triples {
		data, err := fs.readDataBlock(t.physical)
		if err != nil {
			return nil, nil, err
		}
		db, err := directoryBlockFromBytes(data)
		if err != nil {
			return nil, nil, err
		}
		blocks = append(blocks, t.physical)
		dbs = append(dbs, db)
	}
	return blocks, dbs, nil
}

// lookupInDir resolves name against n's entries, falling back to a linear scan across every
// block; path.go layers HTree on top of this for directories that carry a hashed index.
func (fs *FileSystem) lookupInDir(n *inode, name string) (uint32, fileType, bool, error) {
	_, dbs, err := fs.directoryBlocks(n)
	if err != nil {
		return 0, 0, false, err
	}
	for _, db := range dbs {
		if de, ok := db.lookup(name); ok {
			return de.inode, de.fileType, true, nil
		}
	}
	return 0, 0, false, nil
}

// listDir returns every live entry across all of n's directory blocks, in block order.
func (fs *FileSystem) listDir(n *inode) ([]*directoryEntry, error) {
	_, dbs, err := fs.directoryBlocks(n)
	if err != nil {
		return nil, err
	}
	var out []*directoryEntry
	for _, db := range dbs {
		for _, r := range db.liveEntries() {
			out = append(out, r.entry)
		}
	}
	return out, nil
}

// isDirEmpty reports whether n (a directory) has no entries besides "." and "..".
func (fs *FileSystem) isDirEmpty(n *inode) (bool, error) {
	entries, err := fs.listDir(n)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.filename != "." && e.filename != ".." {
			return false, nil
		}
	}
	return true, nil
}

// appendDirEntry inserts (name -> childIno) into dirInode, reusing slack in an existing block
// per directoryBlock.insert's narrow rule, or allocating and appending a new block when none
// has room.
func (fs *FileSystem) appendDirEntry(dirInode *inode, name string, childIno uint32, ft fileType) error {
	de := &directoryEntry{inode: childIno, filename: name, fileType: ft}
	blocks, dbs, err := fs.directoryBlocks(dirInode)
	if err != nil {
		return err
	}
	for i, db := range dbs {
		if db.insert(de) {
			encoded, err := db.toBytes()
			if err != nil {
				return err
			}
			return fs.writeDataBlock(blocks[i], encoded)
		}
	}

	newBlock, err := fs.allocBlock(fs.preferredGroupFor(dirInode.extentRoot.firstPhysicalHint()))
	if err != nil {
		return err
	}
	ndb := newDirectoryBlock(fs.blockSize(), de)
	encoded, err := ndb.toBytes()
	if err != nil {
		return err
	}
	if err := fs.writeDataBlock(newBlock, encoded); err != nil {
		return err
	}
	leaf := extentLeaf{block: uint32(len(blocks)), length: 1, start: newBlock}
	newRoot, err := insertExtent(fs.extentCtx(), dirInode.extentRoot, leaf)
	if err != nil {
		return err
	}
	dirInode.extentRoot = newRoot
	dirInode.size += uint64(fs.blockSize())
	dirInode.blocks += uint64(fs.blockSize()) / uint64(SectorSize512)
	return fs.writeInode(dirInode)
}

// removeDirEntry removes name from dirInode, coalescing it into the preceding entry when
// one exists and tombstoning it when it is its block's first entry, returning false if no
// block held it.
func (fs *FileSystem) removeDirEntry(dirInode *inode, name string) (bool, error) {
	blocks, dbs, err := fs.directoryBlocks(dirInode)
	if err != nil {
		return false, err
	}
	for i, db := range dbs {
		if db.remove(name) {
			encoded, err := db.toBytes()
			if err != nil {
				return false, err
			}
			if err := fs.writeDataBlock(blocks[i], encoded); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, nil
}

// updateDirEntryInode rewrites the target inode number of an existing entry in place
// (used by Rename to point a moved directory's ".." entry at its new parent).
func (fs *FileSystem) updateDirEntryInode(dirInode *inode, name string, newIno uint32, ft fileType) (bool, error) {
	blocks, dbs, err := fs.directoryBlocks(dirInode)
	if err != nil {
		return false, err
	}
	for i, db := range dbs {
		for _, r := range db.records {
			if r.entry.inode != 0 && r.entry.filename == name {
				r.entry.inode = newIno
				r.entry.fileType = ft
				encoded, err := db.toBytes()
				if err != nil {
					return false, err
				}
				if err := fs.writeDataBlock(blocks[i], encoded); err != nil {
					return false, err
				}
				return true, nil
			}
		}
	}
	return false, nil
}

// createDirInode allocates a fresh directory inode number's data: a single block carrying the
// "." and ".." entries, wired into a brand-new depth-0 extent root.
func (fs *FileSystem) createDirInode(number, parent uint32) (*inode, error) {
	n := newDirectoryInode(number)
	block, err := fs.allocBlock(fs.blockGroupOf(uint64(fs.sb.firstDataBlock)))
	if err != nil {
		return nil, err
	}
	db := newDirectoryBlock(fs.blockSize(), &directoryEntry{inode: number, filename: ".", fileType: fileTypeDirectory})
	if !db.insert(&directoryEntry{inode: parent, filename: "..", fileType: fileTypeDirectory}) {
		return nil, fmt.Errorf("fresh directory block has no room for \"..\"")
	}
	encoded, err := db.toBytes()
	if err != nil {
		return nil, err
	}
	if err := fs.writeDataBlock(block, encoded); err != nil {
		return nil, err
	}
	newRoot, err := insertExtent(fs.extentCtx(), n.extentRoot, extentLeaf{block: 0, length: 1, start: block})
	if err != nil {
		return nil, err
	}
	n.extentRoot = newRoot
	n.size = uint64(fs.blockSize())
	n.blocks = uint64(fs.blockSize()) / uint64(SectorSize512)
	return n, nil
}

// preferredGroupFor maps an optional representative physical block (0 meaning "no
// preference") to the group allocation should be biased toward.
func (fs *FileSystem) preferredGroupFor(hint uint64) uint32 {
	if hint == 0 {
		return 0
	}
	return fs.blockGroupOf(hint)
}

// firstPhysicalHint returns a representative physical block from the root node, used only
// to bias new-block allocation toward the directory's existing group; 0 (meaning "no
// preference") for an empty root.
func (n *extentNode) firstPhysicalHint() uint64 {
	if n.depth == 0 {
		if len(n.leaves) > 0 {
			return n.leaves[0].start
		}
		return 0
	}
	if len(n.indexes) > 0 {
		return n.indexes[0].leaf
	}
	return 0
}
