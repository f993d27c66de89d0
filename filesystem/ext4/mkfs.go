package ext4

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// layout is the computed on-disk geometry mkfs derives from the device size and options.
type layout struct {
	blockSize       uint32
	blocksPerGroup  uint32
	inodesPerGroup  uint32
	firstDataBlock  uint32
	groups          uint32
	gdtBlocks       uint32
	descSize        int
	inodeTableSize  uint32 // blocks per group
	backupGroups    map[uint32]bool
}

func computeLayout(totalBlocks uint64, opts MkfsOptions) (layout, error) {
	bs := opts.BlockSize
	if bs != 1024 && bs != 2048 && bs != 4096 {
		return layout{}, newError(ErrCodeInvalidBlockSize, fmt.Sprintf("unsupported block size %d", bs), nil)
	}
	l := layout{blockSize: bs}
	l.blocksPerGroup = 8 * bs
	l.inodesPerGroup = l.blocksPerGroup / 4
	if bs == 1024 {
		l.firstDataBlock = 1
	}
	usableBlocks := totalBlocks - uint64(l.firstDataBlock)
	l.groups = uint32((usableBlocks + uint64(l.blocksPerGroup) - 1) / uint64(l.blocksPerGroup))
	if l.groups == 0 {
		return layout{}, newError(ErrCodeInvalidInput, "device too small for even one block group", nil)
	}
	l.descSize = groupDescriptorSize64
	l.gdtBlocks = uint32((uint64(l.groups)*uint64(l.descSize) + uint64(bs) - 1) / uint64(bs))
	l.inodeTableSize = (l.inodesPerGroup*uint32(DefaultInodeSize) + bs - 1) / bs
	l.backupGroups = calculateBackupSuperblocks(l.groups)
	return l, nil
}

// groupMetadataBlocks returns the number of blocks at the head of group g's range consumed
// by superblock+GDT backups (0 for groups outside the sparse-super set).
func (l layout) groupMetadataBlocks(g uint32) uint32 {
	if l.backupGroups[g] {
		return 1 + l.gdtBlocks
	}
	return 0
}

func (l layout) groupStartBlock(g uint32) uint64 {
	return uint64(l.firstDataBlock) + uint64(g)*uint64(l.blocksPerGroup)
}

// groupBlockCount returns how many blocks of the address space actually belong to group g
// (the last group may be short).
func (l layout) groupBlockCount(g uint32, totalBlocks uint64) uint32 {
	start := l.groupStartBlock(g)
	if start >= totalBlocks {
		return 0
	}
	remaining := totalBlocks - start
	if remaining > uint64(l.blocksPerGroup) {
		remaining = uint64(l.blocksPerGroup)
	}
	return uint32(remaining)
}

// Mkfs synthesizes a fresh ext4 image on dev: superblock, group descriptor table, per-group
// bitmaps and inode tables, sparse-super backups, a provisioned (but not yet live) JBD2
// journal file, and finally the root directory and lost+found, created by running this
// package's own Mount/Umount once over the freshly laid-out skeleton.
func Mkfs(dev BlockDevice, opts MkfsOptions) error {
	opts = opts.withDefaults()
	if dev.BlockSize() != opts.BlockSize {
		return newError(ErrCodeInvalidBlockSize, fmt.Sprintf("device block size %d does not match requested %d", dev.BlockSize(), opts.BlockSize), nil)
	}
	total := dev.TotalBlocks()
	l, err := computeLayout(total, opts)
	if err != nil {
		return err
	}

	log.WithFields(map[string]interface{}{"blocks": total, "blockSize": l.blockSize, "groups": l.groups}).Debug("mkfs: computed layout")

	features := defaultFeatureFlags
	features.extents = true
	features.fs64Bit = true
	features.directoryEntriesRecordFileType = true
	features.gdtChecksum = false // metadata_csum supersedes the legacy GDT checksum
	features.metadataChecksums = true
	features.hasJournal = opts.JournalBlocks > 0
	for _, fo := range opts.Features {
		fo(&features)
	}

	fsUUID := uuid.New()
	if opts.UUID != nil {
		fsUUID = *opts.UUID
	}
	journalUUID := uuid.New()
	checksumSeed := crc32c_update(crc32seed, fsUUID[:])

	sb := &superblock{
		inodeCount:            l.groups * l.inodesPerGroup,
		blockCount:            total,
		firstDataBlock:        l.firstDataBlock,
		blockSize:             l.blockSize,
		blocksPerGroup:        l.blocksPerGroup,
		inodesPerGroup:        l.inodesPerGroup,
		mountTime:             time.Unix(0, 0),
		writeTime:             time.Unix(0, 0),
		filesystemState:       fsStateCleanlyUnmounted,
		errorBehaviour:        errorsContinue,
		lastCheck:             time.Unix(0, 0),
		creatorOS:             osLinux,
		revisionLevel:         1,
		firstNonReservedInode: ReservedInodes + 1,
		inodeSize:             DefaultInodeSize,
		features:              features,
		uuid:                  fsUUID,
		volumeLabel:           opts.VolumeLabel,
		journalUUID:           journalUUID,
		hashVersion:           hashHalfMD4,
		groupDescriptorSize:   uint16(l.descSize),
		checksumType:          crc32cChecksumType,
		checksumSeed:          checksumSeed,
	}
	sb.reservedBlocks = total * uint64(opts.ReservedBlocksPercent) / 100

	gds := make([]*groupDescriptor, l.groups)
	bitmapPages := make(map[uint32]*bitmap) // block bitmaps
	inodePages := make(map[uint32]*bitmap)  // inode bitmaps

	var totalFreeBlocks uint64
	var totalFreeInodes uint32

	for g := uint32(0); g < l.groups; g++ {
		groupBlocks := l.groupBlockCount(g, total)
		metaBlocks := l.groupMetadataBlocks(g)
		start := l.groupStartBlock(g)

		blockBitmapBlock := start + uint64(metaBlocks)
		inodeBitmapBlock := blockBitmapBlock + 1
		inodeTableBlock := inodeBitmapBlock + 1

		gd := &groupDescriptor{
			number:              uint64(g),
			is64bit:             true,
			blockBitmapLocation: blockBitmapBlock,
			inodeBitmapLocation: inodeBitmapBlock,
			inodeTableLocation:  inodeTableBlock,
		}

		bb := newBitmap(int(l.blockSize))
		usedBlocksInGroup := uint(metaBlocks) + 2 + uint(l.inodeTableSize)
		for i := uint(0); i < usedBlocksInGroup; i++ {
			bb.set(i)
		}
		for i := uint(groupBlocks); i < uint(l.blockSize)*8; i++ {
			bb.set(i) // pad bits beyond this (possibly short) group's block count
		}
		bitmapPages[g] = bb
		gd.freeBlocks = groupBlocks - uint32(usedBlocksInGroup)

		ib := newBitmap(int(l.blockSize))
		if g == 0 {
			for i := uint(1); i <= uint(ReservedInodes); i++ {
				ib.set(i - 1) // inode numbers are 1-based; bit 0 == inode 1
			}
			gd.usedDirectories = 1 // root
		}
		for i := uint(l.inodesPerGroup); i < uint(l.blockSize)*8; i++ {
			ib.set(i) // padding bits beyond inodes_per_group are permanently used
		}
		inodePages[g] = ib
		freeInodesInGroup := l.inodesPerGroup
		if g == 0 {
			freeInodesInGroup -= ReservedInodes
		}
		gd.freeInodes = freeInodesInGroup

		gds[g] = gd
		totalFreeBlocks += uint64(gd.freeBlocks)
		totalFreeInodes += gd.freeInodes
	}
	sb.freeBlocks = totalFreeBlocks
	sb.freeInodes = totalFreeInodes

	if err := writeSuperblockAndGDT(dev, sb, gds, l); err != nil {
		return err
	}
	for g := uint32(0); g < l.groups; g++ {
		gd := gds[g]
		bbBytes, err := bitmapPages[g].toBytes()
		if err != nil {
			return err
		}
		if err := writeBlocks(dev, gd.blockBitmapLocation, bbBytes); err != nil {
			return err
		}
		ibBytes, err := inodePages[g].toBytes()
		if err != nil {
			return err
		}
		if err := writeBlocks(dev, gd.inodeBitmapLocation, ibBytes); err != nil {
			return err
		}
		zeroTable := make([]byte, uint64(l.inodeTableSize)*uint64(l.blockSize))
		if err := writeBlocks(dev, gd.inodeTableLocation, zeroTable); err != nil {
			return err
		}
	}

	// Bring the skeleton up via the ordinary mount path (journal not yet provisioned, so it
	// runs pass-through) to synthesize the root directory and lost+found as real data.
	fs, err := Mount(dev, MountOptions{})
	if err != nil {
		return fmt.Errorf("mkfs: initial mount to populate root/lost+found: %w", err)
	}

	if opts.JournalBlocks > 0 {
		if err := fs.provisionJournal(opts.JournalBlocks); err != nil {
			return fmt.Errorf("mkfs: provisioning journal: %w", err)
		}
	}

	if err := fs.Umount(); err != nil {
		return fmt.Errorf("mkfs: final umount: %w", err)
	}
	log.Info("mkfs: image synthesized")
	return nil
}

// provisionJournal allocates a contiguous run of data blocks for the JBD2 journal file,
// writes a fresh journal superblock into its first block, and records the journal inode in
// the filesystem superblock. The journal is not wired live during this mount; the next
// ordinary Mount call picks it up.
func (fs *FileSystem) provisionJournal(journalBlocks uint32) error {
	blocks, err := fs.allocBlocks(int(journalBlocks), 0)
	if err != nil {
		return err
	}
	leaves := runMerge(0, blocks)

	// The journal file lives in reserved inode 8; its bitmap bit is already set by mkfs.
	n := newRegularInode(JournalInodeNumber)
	n.size = uint64(journalBlocks) * uint64(fs.blockSize())
	n.blocks = n.size / uint64(SectorSize512)
	root := n.extentRoot
	for _, leaf := range leaves {
		newRoot, err := insertExtent(fs.extentCtx(), root, leaf)
		if err != nil {
			return err
		}
		root = newRoot
	}
	n.extentRoot = root
	n.linksCount = 1
	if err := fs.writeInode(n); err != nil {
		return err
	}

	jsb := journalSuperblock{first: 1, start: 0, sequence: 1, maxLen: journalBlocks}
	jsbBytes := jsb.toBytes(fs.blockSize())
	if err := fs.writeRawBlock(blocks[0], jsbBytes); err != nil {
		return err
	}

	fs.sb.journalInode = JournalInodeNumber
	fs.sb.features.hasJournal = true
	return nil
}

func writeSuperblockAndGDT(dev BlockDevice, sb *superblock, gds []*groupDescriptor, l layout) error {
	sbBlock := uint64(0)
	if l.firstDataBlock == 1 {
		sbBlock = 1
	}
	if err := writeSuperblockCopy(dev, sb, sbBlock); err != nil {
		return err
	}
	if err := writeGDTCopy(dev, gds, sbBlock+1, sb.uuid[:]); err != nil {
		return err
	}
	for g, isBackup := range l.backupGroups {
		if g == 0 || !isBackup {
			continue
		}
		backupSBBlock := l.groupStartBlock(g)
		if err := writeSuperblockCopy(dev, sb, backupSBBlock); err != nil {
			return err
		}
		if err := writeGDTCopy(dev, gds, backupSBBlock+1, sb.uuid[:]); err != nil {
			return err
		}
	}
	return nil
}

func writeSuperblockCopy(dev BlockDevice, sb *superblock, block uint64) error {
	encoded, err := sb.toBytes()
	if err != nil {
		return err
	}
	blockBytes := make([]byte, dev.BlockSize())
	// The primary superblock lives at byte offset 1024 of the device: the whole of block 1
	// for 1024-byte blocks, the tail of block 0 otherwise. Backups sit at offset 0 of their
	// group's first block.
	if block == 0 {
		copy(blockBytes[1024:], encoded)
	} else {
		copy(blockBytes, encoded)
	}
	return writeBlocks(dev, block, blockBytes)
}

func writeGDTCopy(dev BlockDevice, gds []*groupDescriptor, startBlock uint64, uuidBytes []byte) error {
	descSize := groupDescriptorSize64
	buf := make([]byte, 0, len(gds)*descSize)
	for _, gd := range gds {
		encoded, err := gd.toBytes(gdtChecksumMetadata, uuidBytes)
		if err != nil {
			return err
		}
		buf = append(buf, encoded...)
	}
	blockSize := int(dev.BlockSize())
	padded := len(buf)
	if r := padded % blockSize; r != 0 {
		padded += blockSize - r
	}
	full := make([]byte, padded)
	copy(full, buf)
	return writeBlocks(dev, startBlock, full)
}
