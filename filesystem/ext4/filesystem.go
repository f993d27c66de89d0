package ext4

import (
	"fmt"
)

// FileSystem is a mounted ext4 volume: the superblock, its group descriptor table, the
// three page caches fronting the block device, and (once mount wires one in) the journal.
type FileSystem struct {
	dev  BlockDevice
	sb   *superblock
	gds  []*groupDescriptor

	bitmapCache *pageCache
	inodeCache  *pageCache
	dataCache   *pageCache

	journal       journalDriver
	journalHandle journalHandle
	readOnly      bool
}

// journalDriver is the seam mount.go wires a real JBD2 commit/replay implementation into;
// mkfs runs with a no-op driver since the journal is not yet live during formatting.
type journalDriver interface {
	begin() (journalHandle, error)
}

type journalHandle interface {
	logBlock(blockNum uint64, data []byte) error
	commit() error
}

type noopJournal struct{}
type noopHandle struct{ fs *FileSystem }

func (noopJournal) begin() (journalHandle, error) { return noopHandle{}, nil }
func (h noopHandle) logBlock(blockNum uint64, data []byte) error {
	return nil
}
func (h noopHandle) commit() error { return nil }

func (fs *FileSystem) blockSize() int { return int(fs.sb.blockSize) }

func (fs *FileSystem) groupCount() uint32 {
	usable := fs.sb.blockCount - uint64(fs.sb.firstDataBlock)
	return uint32((usable + uint64(fs.sb.blocksPerGroup) - 1) / uint64(fs.sb.blocksPerGroup))
}

// readRawBlock/writeRawBlock bypass the page caches entirely; used for superblock/GDT I/O
// and by the data-block cache's load/store closures.
func (fs *FileSystem) readRawBlock(block uint64) ([]byte, error) {
	return readBlocks(fs.dev, block, 1)
}

func (fs *FileSystem) writeRawBlock(block uint64, data []byte) error {
	if fs.readOnly {
		return newError(ErrCodeReadOnly, "filesystem is mounted read-only", nil)
	}
	return writeBlocks(fs.dev, block, data)
}

// --- bitmap cache wiring ---

func (fs *FileSystem) bitmapGroupBlock(kind uint64, group uint32) (uint64, error) {
	if int(group) >= len(fs.gds) {
		return 0, newError(ErrCodeInvalidInput, fmt.Sprintf("group %d out of range", group), nil)
	}
	gd := fs.gds[group]
	if kind == bitmapKindBlock {
		return gd.blockBitmapLocation, nil
	}
	return gd.inodeBitmapLocation, nil
}

func (fs *FileSystem) loadBitmap(kind uint64, group uint32) ([]byte, error) {
	block, err := fs.bitmapGroupBlock(kind, group)
	if err != nil {
		return nil, err
	}
	return fs.readRawBlock(block)
}

func (fs *FileSystem) storeBitmap(key uint64, data []byte) error {
	kind := key >> 32
	group := uint32(key & 0xffffffff)
	block, err := fs.bitmapGroupBlock(kind, group)
	if err != nil {
		return err
	}
	if err := fs.writeRawBlock(block, data); err != nil {
		return err
	}
	return fs.logMetadataWrite(block, data)
}

// logMetadataWrite hands a freshly written metadata block to the journal, if one is wired
// in; with no journal it is a no-op (mkfs's bootstrap mount, or a read-only mount).
func (fs *FileSystem) logMetadataWrite(block uint64, data []byte) error {
	if fs.journalHandle == nil {
		return nil
	}
	return fs.journalHandle.logBlock(block, data)
}

func (fs *FileSystem) getBitmap(kind uint64, group uint32) (*bitmap, error) {
	key := bitmapKey(kind, group)
	data, err := fs.bitmapCache.getOrLoad(key, func() ([]byte, error) {
		return fs.loadBitmap(kind, group)
	}, fs.storeBitmap)
	if err != nil {
		return nil, err
	}
	return bitmapFromBytes(data, fs.blockSize()), nil
}

func (fs *FileSystem) mutateBitmap(kind uint64, group uint32, mutate func(bm *bitmap)) error {
	key := bitmapKey(kind, group)
	var mutateErr error
	_, err := fs.bitmapCache.modify(key, func() ([]byte, error) {
		return fs.loadBitmap(kind, group)
	}, fs.storeBitmap, func(b []byte) {
		bm := bitmapFromBytes(b, fs.blockSize())
		mutate(bm)
		encoded, err := bm.toBytes()
		if err != nil {
			mutateErr = err
			return
		}
		copy(b, encoded)
	})
	if err != nil {
		return err
	}
	return mutateErr
}

// --- inode-table cache wiring: cached unit is one whole inode-table block ---

func (fs *FileSystem) inodesPerBlock() int {
	return fs.blockSize() / int(fs.sb.inodeSize)
}

func (fs *FileSystem) inodeLocation(number uint32) (group uint32, blockInTable uint64, offsetInBlock int) {
	index := number - 1
	group = index / fs.sb.inodesPerGroup
	indexInGroup := index % fs.sb.inodesPerGroup
	perBlock := uint32(fs.inodesPerBlock())
	blockInTable = uint64(indexInGroup / perBlock)
	offsetInBlock = int(indexInGroup%perBlock) * int(fs.sb.inodeSize)
	return
}

func (fs *FileSystem) inodeTableBlockKey(group uint32, blockInTable uint64) uint64 {
	return uint64(group)<<32 | blockInTable
}

func (fs *FileSystem) loadInodeTableBlock(group uint32, blockInTable uint64) ([]byte, error) {
	gd := fs.gds[group]
	return fs.readRawBlock(gd.inodeTableLocation + blockInTable)
}

func (fs *FileSystem) storeInodeTableBlock(key uint64, data []byte) error {
	group := uint32(key >> 32)
	blockInTable := key & 0xffffffff
	gd := fs.gds[group]
	block := gd.inodeTableLocation + blockInTable
	if err := fs.writeRawBlock(block, data); err != nil {
		return err
	}
	return fs.logMetadataWrite(block, data)
}

func (fs *FileSystem) readInode(number uint32) (*inode, error) {
	group, blockInTable, offset := fs.inodeLocation(number)
	key := fs.inodeTableBlockKey(group, blockInTable)
	data, err := fs.inodeCache.getOrLoad(key, func() ([]byte, error) {
		return fs.loadInodeTableBlock(group, blockInTable)
	}, fs.storeInodeTableBlock)
	if err != nil {
		return nil, err
	}
	return inodeFromBytes(data[offset:offset+int(fs.sb.inodeSize)], number, fs.sb.checksumSeed)
}

func (fs *FileSystem) writeInode(n *inode) error {
	n.checksumSeed = fs.sb.checksumSeed
	group, blockInTable, offset := fs.inodeLocation(n.number)
	key := fs.inodeTableBlockKey(group, blockInTable)
	encoded, err := n.toBytes()
	if err != nil {
		return err
	}
	_, err = fs.inodeCache.modify(key, func() ([]byte, error) {
		return fs.loadInodeTableBlock(group, blockInTable)
	}, fs.storeInodeTableBlock, func(b []byte) {
		copy(b[offset:offset+int(fs.sb.inodeSize)], encoded)
	})
	return err
}

// --- data-block cache wiring: cached unit is one data block, keyed by physical block num ---

func (fs *FileSystem) readDataBlock(block uint64) ([]byte, error) {
	return fs.dataCache.getOrLoad(block, func() ([]byte, error) {
		return fs.readRawBlock(block)
	}, fs.writeRawBlock)
}

func (fs *FileSystem) writeDataBlock(block uint64, data []byte) error {
	return fs.dataCache.insertNew(block, data, fs.writeRawBlock)
}

func (fs *FileSystem) flushAll() error {
	if err := fs.dataCache.flushAll(fs.writeRawBlock); err != nil {
		return err
	}
	if err := fs.inodeCache.flushAll(fs.storeInodeTableBlock); err != nil {
		return err
	}
	if err := fs.bitmapCache.flushAll(fs.storeBitmap); err != nil {
		return err
	}
	if fs.journalHandle != nil {
		if err := fs.journalHandle.commit(); err != nil {
			return err
		}
	}
	return fs.dev.Flush()
}

// --- extentContext adapter: lets extent.go drive tree mutation without knowing about caches ---

type fsExtentContext struct {
	fs *FileSystem
}

func (c fsExtentContext) blockSize() int { return c.fs.blockSize() }

func (c fsExtentContext) allocBlock() (uint64, error) {
	return c.fs.allocBlock(0)
}

func (c fsExtentContext) readNode(phys uint64) (*extentNode, error) {
	data, err := c.fs.readDataBlock(phys)
	if err != nil {
		return nil, err
	}
	return extentNodeFromBytes(data)
}

func (c fsExtentContext) writeNode(phys uint64, n *extentNode) error {
	data, err := n.toBytes(c.fs.blockSize())
	if err != nil {
		return err
	}
	return c.fs.writeDataBlock(phys, data)
}

func (fs *FileSystem) extentCtx() extentContext { return fsExtentContext{fs: fs} }
