package ext4

import (
	"fmt"
)

// Mount opens an existing ext4 image: it reads and validates the superblock and group
// descriptor table, constructs the three page caches, wires in a live JBD2 journal and
// replays it if one is recorded, and verifies (creating if necessary, for a freshly
// formatted image) the root directory and lost+found.
func Mount(dev BlockDevice, opts MountOptions) (*FileSystem, error) {
	opts = opts.withDefaults()

	blockSize := dev.BlockSize()
	sbBlock := uint64(0)
	if blockSize == 1024 {
		sbBlock = 1
	}
	raw, err := readBlocks(dev, sbBlock, 1)
	if err != nil {
		return nil, err
	}
	var sbBytes []byte
	if blockSize == 1024 {
		sbBytes = raw
	} else {
		sbBytes = raw[SuperblockOffset : int64(SuperblockOffset)+int64(SuperblockSize)]
	}
	sb, err := superblockFromBytes(sbBytes)
	if err != nil {
		return nil, err
	}
	if sb.blockSize != blockSize {
		return nil, newError(ErrCodeInvalidBlockSize, fmt.Sprintf("device block size %d does not match superblock %d", blockSize, sb.blockSize), nil)
	}
	if sb.filesystemState&fsStateErrors != 0 {
		return nil, newError(ErrCodeCorrupted, "superblock records filesystem errors, refusing to mount", nil)
	}

	fs := &FileSystem{
		dev:           dev,
		sb:            sb,
		readOnly:      opts.ReadOnly,
		journal:       noopJournal{},
		journalHandle: noopHandle{},
	}

	if err := fs.loadGroupDescriptors(sbBlock); err != nil {
		return nil, err
	}

	fs.bitmapCache = newPageCache(opts.BitmapCacheSize)
	fs.inodeCache = newPageCache(opts.InodeCacheSize)
	fs.dataCache = newPageCache(opts.DataCacheSize)

	if sb.journalInode != 0 && !opts.ReadOnly {
		if err := fs.wireJournal(opts); err != nil {
			return nil, err
		}
	}

	if !opts.ReadOnly {
		if err := fs.ensureRootAndLostFound(); err != nil {
			return nil, err
		}
	}

	log.WithFields(map[string]interface{}{"groups": len(fs.gds), "readOnly": opts.ReadOnly}).Info("mount: filesystem ready")
	return fs, nil
}

func (fs *FileSystem) loadGroupDescriptors(sbBlock uint64) error {
	sb := fs.sb
	groupCount := fs.groupCount()
	descSize := groupDescriptorSize32
	if sb.features.fs64Bit {
		descSize = groupDescriptorSize64
	}
	checksumType := gdtChecksumNone
	if sb.features.metadataChecksums {
		checksumType = gdtChecksumMetadata
	} else if sb.features.gdtChecksum {
		checksumType = gdtChecksumGdt
	}

	gdtStartBlock := sbBlock + 1
	bytesNeeded := int(groupCount) * descSize
	blocksNeeded := (bytesNeeded + int(sb.blockSize) - 1) / int(sb.blockSize)
	gdtRaw, err := readBlocks(fs.dev, gdtStartBlock, uint64(blocksNeeded))
	if err != nil {
		return err
	}

	uuidBytes := sb.uuid[:]
	gds := make([]*groupDescriptor, groupCount)
	for g := 0; g < int(groupCount); g++ {
		off := g * descSize
		gd, err := groupDescriptorFromBytes(gdtRaw[off:off+descSize], sb.features.fs64Bit, uint64(g), checksumType, uuidBytes)
		if err != nil {
			return fmt.Errorf("reading group descriptor %d: %w", g, err)
		}
		gds[g] = gd
	}
	fs.gds = gds
	return nil
}

// wireJournal resolves the journal inode's extent into a contiguous physical range, loads (or
// initializes) its on-disk superblock, and replays committed transactions unless the caller
// asked to skip that.
func (fs *FileSystem) wireJournal(opts MountOptions) error {
	jinode, err := fs.readInode(fs.sb.journalInode)
	if err != nil {
		return fmt.Errorf("reading journal inode: %w", err)
	}
	triples, err := walkExtents(fs.extentCtx(), jinode.extentRoot)
	if err != nil {
		return fmt.Errorf("walking journal extent: %w", err)
	}
	if len(triples) == 0 {
		return newError(ErrCodeCorrupted, "journal inode carries no extents", nil)
	}
	startBlock := triples[0].physical
	maxLen := uint32(jinode.size / uint64(fs.blockSize()))

	jsbBytes, err := fs.readRawBlock(startBlock)
	if err != nil {
		return err
	}
	jsb, err := journalSuperblockFromBytes(jsbBytes)
	if err != nil {
		jsb = journalSuperblock{first: 1, start: 0, sequence: 1, maxLen: maxLen}
	}
	if jsb.maxLen == 0 {
		jsb.maxLen = maxLen
	}

	j := newJournal(fs, startBlock, jsb.maxLen, jsb)
	fs.journal = j
	handle, err := j.begin()
	if err != nil {
		return err
	}
	fs.journalHandle = handle

	if !opts.NoJournalReplay {
		if err := j.replay(); err != nil {
			return fmt.Errorf("journal replay: %w", err)
		}
	}
	return nil
}

// ensureRootAndLostFound creates the root directory and/or lost+found when this is the first
// mount of a freshly mkfs'd image: mkfs pre-sets the root's inode-bitmap bit but writes
// neither inode record nor any directory data; lost+found's inode is allocated here.
func (fs *FileSystem) ensureRootAndLostFound() error {
	root, err := fs.readInode(RootInodeNumber)
	if err != nil {
		return err
	}
	if root.mode == 0 {
		root, err = fs.createDirInode(RootInodeNumber, RootInodeNumber)
		if err != nil {
			return fmt.Errorf("creating root inode: %w", err)
		}
		if err := fs.writeInode(root); err != nil {
			return err
		}
	}

	_, _, found, err := fs.lookupInDir(root, LostAndFoundName)
	if err != nil {
		return err
	}
	if found {
		return nil
	}

	lfNumber, err := fs.allocInode(true)
	if err != nil {
		return fmt.Errorf("allocating lost+found inode: %w", err)
	}
	lf, err := fs.createDirInode(lfNumber, RootInodeNumber)
	if err != nil {
		return fmt.Errorf("creating lost+found: %w", err)
	}
	if err := fs.writeInode(lf); err != nil {
		return err
	}
	if err := fs.appendDirEntry(root, LostAndFoundName, lfNumber, fileTypeDirectory); err != nil {
		return err
	}
	root.linksCount++ // lost+found's ".." counts as a link to root
	if err := fs.writeInode(root); err != nil {
		return err
	}
	fs.sb.lostFoundInode = lfNumber
	return nil
}

// Umount flushes every cache (data, then inodes, then bitmaps), forces a final journal commit
// if one is live, recomputes the superblock's free-space totals from the live group
// descriptors, and writes the superblock and full group descriptor table back out.
func (fs *FileSystem) Umount() error {
	if err := fs.flushAll(); err != nil {
		return err
	}
	if fs.readOnly {
		return nil
	}

	var freeBlocks uint64
	var freeInodes uint32
	for _, gd := range fs.gds {
		freeBlocks += uint64(gd.freeBlocks)
		freeInodes += gd.freeInodes
	}
	fs.sb.freeBlocks = freeBlocks
	fs.sb.freeInodes = freeInodes
	fs.sb.filesystemState = fsStateCleanlyUnmounted

	sbBlock := uint64(0)
	if fs.blockSize() == 1024 {
		sbBlock = 1
	}
	if err := writeSuperblockCopy(fs.dev, fs.sb, sbBlock); err != nil {
		return err
	}
	if err := writeGDTCopy(fs.dev, fs.gds, sbBlock+1, fs.sb.uuid[:]); err != nil {
		return err
	}

	groupCount := fs.groupCount()
	backups := calculateBackupSuperblocks(groupCount)
	l := layout{blockSize: fs.sb.blockSize, blocksPerGroup: fs.sb.blocksPerGroup, firstDataBlock: fs.sb.firstDataBlock}
	for g, isBackup := range backups {
		if g == 0 || !isBackup {
			continue
		}
		backupSBBlock := l.groupStartBlock(g)
		if err := writeSuperblockCopy(fs.dev, fs.sb, backupSBBlock); err != nil {
			return err
		}
		descSize := groupDescriptorSize32
		if fs.sb.features.fs64Bit {
			descSize = groupDescriptorSize64
		}
		gdtBlocks := uint32((uint64(groupCount)*uint64(descSize) + uint64(fs.sb.blockSize) - 1) / uint64(fs.sb.blockSize))
		l.gdtBlocks = gdtBlocks
		if err := writeGDTCopy(fs.dev, fs.gds, backupSBBlock+1, fs.sb.uuid[:]); err != nil {
			return err
		}
	}

	log.Info("umount: flushed and superblock written")
	return fs.dev.Flush()
}
