package ext4

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

type filesystemState uint16
type errorBehaviour uint16
type osFlag uint32
type feature uint32
type hashAlgorithm byte
type mountOption uint32
type flag uint32

const (
	superblockSignature uint16 = 0xef53

	fsStateCleanlyUnmounted filesystemState = 0x0001
	fsStateErrors           filesystemState = 0x0002

	errorsContinue        errorBehaviour = 1
	errorsRemountReadOnly errorBehaviour = 2
	errorsPanic           errorBehaviour = 3

	crc32cChecksumType byte = 1

	osLinux osFlag = 0

	compatFeatureDirectoryPreAllocate          feature = 0x1
	compatFeatureImagicInodes                  feature = 0x2
	compatFeatureHasJournal                    feature = 0x4
	compatFeatureExtendedAttributes            feature = 0x8
	compatFeatureReservedGDTBlocksForExpansion feature = 0x10
	compatFeatureDirectoryIndices               feature = 0x20
	compatFeatureLazyBlockGroup                feature = 0x40
	compatFeatureExcludeInode                  feature = 0x80
	compatFeatureExcludeBitmap                 feature = 0x100
	compatFeatureSparseSuperBlockV2             feature = 0x200

	incompatFeatureCompression                      feature = 0x1
	incompatFeatureDirectoryEntriesRecordFileType    feature = 0x2
	incompatFeatureRecoveryNeeded                    feature = 0x4
	incompatFeatureSeparateJournalDevice             feature = 0x8
	incompatFeatureMetaBlockGroups                   feature = 0x10
	incompatFeatureExtents                           feature = 0x40
	incompatFeature64Bit                             feature = 0x80
	incompatFeatureMultipleMountProtection           feature = 0x100
	incompatFeatureFlexBlockGroups                   feature = 0x200
	incompatFeatureExtendedAttributeInodes           feature = 0x400
	incompatFeatureDataInDirectoryEntries            feature = 0x1000
	incompatFeatureMetadataChecksumSeedInSuperblock  feature = 0x2000
	incompatFeatureLargeDirectory                    feature = 0x4000
	incompatFeatureDataInInode                       feature = 0x8000
	incompatFeatureEncryptInodes                     feature = 0x10000

	roCompatFeatureSparseSuperblock       feature = 0x1
	roCompatFeatureLargeFile              feature = 0x2
	roCompatFeatureBtreeDirectory         feature = 0x4
	roCompatFeatureHugeFile               feature = 0x8
	roCompatFeatureGDTChecksum            feature = 0x10
	roCompatFeatureLargeSubdirectoryCount feature = 0x20
	roCompatFeatureLargeInodes            feature = 0x40
	roCompatFeatureSnapshot               feature = 0x80
	roCompatFeatureQuota                  feature = 0x100
	roCompatFeatureBigalloc               feature = 0x200
	roCompatFeatureMetadataChecksums      feature = 0x400
	roCompatFeatureReplicas               feature = 0x800
	roCompatFeatureReadOnly               feature = 0x1000
	roCompatFeatureProjectQuotas          feature = 0x2000

	hashLegacy          hashAlgorithm = 0x0
	hashHalfMD4         hashAlgorithm = 0x1
	hashTea             hashAlgorithm = 0x2
	hashLegacyUnsigned  hashAlgorithm = 0x3
	hashHalfMD4Unsigned hashAlgorithm = 0x4
	hashTeaUnsigned     hashAlgorithm = 0x5

	mountPrintDebugInfo                 mountOption = 0x1
	mountNewFilesGidContainingDirectory mountOption = 0x2
	mountUserspaceExtendedAttributes    mountOption = 0x4
	mountPosixACLs                      mountOption = 0x8

	flagSignedDirectoryHash   flag = 0x0001
	flagUnsignedDirectoryHash flag = 0x0002
	flagTestDevCode           flag = 0x0004
)

// mountOptions is a structure holding which default mount options are set
type mountOptions struct {
	printDebugInfo                 bool
	newFilesGidContainingDirectory bool
	userspaceExtendedAttributes    bool
	posixACLs                      bool
}

func parseMountOptions(flags uint32) mountOptions {
	return mountOptions{
		printDebugInfo:                 flags&uint32(mountPrintDebugInfo) == uint32(mountPrintDebugInfo),
		newFilesGidContainingDirectory: flags&uint32(mountNewFilesGidContainingDirectory) == uint32(mountNewFilesGidContainingDirectory),
		userspaceExtendedAttributes:    flags&uint32(mountUserspaceExtendedAttributes) == uint32(mountUserspaceExtendedAttributes),
		posixACLs:                      flags&uint32(mountPosixACLs) == uint32(mountPosixACLs),
	}
}

func (m *mountOptions) toInt() uint32 {
	var flags uint32
	if m.printDebugInfo {
		flags |= uint32(mountPrintDebugInfo)
	}
	if m.newFilesGidContainingDirectory {
		flags |= uint32(mountNewFilesGidContainingDirectory)
	}
	if m.userspaceExtendedAttributes {
		flags |= uint32(mountUserspaceExtendedAttributes)
	}
	if m.posixACLs {
		flags |= uint32(mountPosixACLs)
	}
	return flags
}

// superblock is the in-memory representation of the fixed 1024-byte ext4 superblock.
type superblock struct {
	inodeCount     uint32
	blockCount     uint64
	reservedBlocks uint64
	freeBlocks     uint64
	freeInodes     uint32
	firstDataBlock uint32
	blockSize      uint32
	blocksPerGroup uint32
	inodesPerGroup uint32
	mountTime      time.Time
	writeTime      time.Time
	mountCount     uint16
	mountsToFsck   uint16
	filesystemState filesystemState
	errorBehaviour errorBehaviour
	minorRevision  uint16
	lastCheck      time.Time
	checkInterval  uint32
	creatorOS      osFlag
	revisionLevel  uint32

	firstNonReservedInode uint32
	inodeSize             uint16
	blockGroupNr          uint16

	features featureFlags

	uuid                 uuid.UUID
	volumeLabel          string
	lastMountedDirectory string

	reservedGDTBlocks uint16

	journalUUID       uuid.UUID
	journalInode      uint32
	journalDevice     uint32
	orphanInodesStart uint32

	hashTreeSeed [4]uint32
	hashVersion  hashAlgorithm

	groupDescriptorSize uint16
	defaultMountOptions mountOptions

	miscFlags miscFlags

	checksumType byte
	checksumSeed uint32

	lostFoundInode uint32

	backupSuperblockBlockGroups []uint32
}

func superblockFromBytes(b []byte) (*superblock, error) {
	if len(b) != SuperblockSize {
		return nil, fmt.Errorf("cannot read superblock from %d bytes instead of expected %d", len(b), SuperblockSize)
	}

	actualSignature := binary.LittleEndian.Uint16(b[0x38:0x3a])
	if actualSignature != superblockSignature {
		return nil, newError(ErrCodeCorrupted, fmt.Sprintf("bad superblock magic 0x%x", actualSignature), nil)
	}

	sb := superblock{}

	compatFlags := binary.LittleEndian.Uint32(b[0x5c:0x60])
	incompatFlags := binary.LittleEndian.Uint32(b[0x60:0x64])
	roCompatFlags := binary.LittleEndian.Uint32(b[0x64:0x68])
	sb.features = parseFeatureFlags(feature(compatFlags), feature(incompatFlags), feature(roCompatFlags))

	sb.inodeCount = binary.LittleEndian.Uint32(b[0x0:0x4])

	blockCountLo := binary.LittleEndian.Uint32(b[0x4:0x8])
	reservedLo := binary.LittleEndian.Uint32(b[0x8:0xc])
	freeBlocksLo := binary.LittleEndian.Uint32(b[0xc:0x10])
	var blockCountHi, reservedHi, freeBlocksHi uint32
	if sb.features.fs64Bit {
		blockCountHi = binary.LittleEndian.Uint32(b[0x150:0x154])
		reservedHi = binary.LittleEndian.Uint32(b[0x154:0x158])
		freeBlocksHi = binary.LittleEndian.Uint32(b[0x158:0x15c])
	}
	sb.blockCount = uint64(blockCountHi)<<32 | uint64(blockCountLo)
	sb.reservedBlocks = uint64(reservedHi)<<32 | uint64(reservedLo)
	sb.freeBlocks = uint64(freeBlocksHi)<<32 | uint64(freeBlocksLo)

	sb.freeInodes = binary.LittleEndian.Uint32(b[0x10:0x14])
	sb.firstDataBlock = binary.LittleEndian.Uint32(b[0x14:0x18])
	logBlockSize := binary.LittleEndian.Uint32(b[0x18:0x1c])
	sb.blockSize = uint32(1024) << logBlockSize
	sb.blocksPerGroup = binary.LittleEndian.Uint32(b[0x20:0x24])
	sb.inodesPerGroup = binary.LittleEndian.Uint32(b[0x28:0x2c])
	sb.mountTime = time.Unix(int64(binary.LittleEndian.Uint32(b[0x2c:0x30])), 0)
	sb.writeTime = time.Unix(int64(binary.LittleEndian.Uint32(b[0x30:0x34])), 0)
	sb.mountCount = binary.LittleEndian.Uint16(b[0x34:0x36])
	sb.mountsToFsck = binary.LittleEndian.Uint16(b[0x36:0x38])

	sb.filesystemState = filesystemState(binary.LittleEndian.Uint16(b[0x3a:0x3c]))
	sb.errorBehaviour = errorBehaviour(binary.LittleEndian.Uint16(b[0x3c:0x3e]))

	sb.minorRevision = binary.LittleEndian.Uint16(b[0x3e:0x40])
	sb.lastCheck = time.Unix(int64(binary.LittleEndian.Uint32(b[0x40:0x44])), 0)
	sb.checkInterval = binary.LittleEndian.Uint32(b[0x44:0x48])

	sb.creatorOS = osFlag(binary.LittleEndian.Uint32(b[0x48:0x4c]))
	sb.revisionLevel = binary.LittleEndian.Uint32(b[0x4c:0x50])

	sb.firstNonReservedInode = binary.LittleEndian.Uint32(b[0x54:0x58])
	sb.inodeSize = binary.LittleEndian.Uint16(b[0x58:0x5a])
	sb.blockGroupNr = binary.LittleEndian.Uint16(b[0x5a:0x5c])

	var err error
	sb.uuid, err = uuid.FromBytes(b[0x68:0x78])
	if err != nil {
		return nil, fmt.Errorf("unable to read volume UUID: %v", err)
	}
	sb.volumeLabel = cstring(b[0x78:0x88])
	sb.lastMountedDirectory = cstring(b[0x88:0xc8])

	sb.reservedGDTBlocks = binary.LittleEndian.Uint16(b[0xce:0xd0])

	sb.journalUUID, err = uuid.FromBytes(b[0xd0:0xe0])
	if err != nil {
		return nil, fmt.Errorf("unable to read journal UUID: %v", err)
	}
	sb.journalInode = binary.LittleEndian.Uint32(b[0xe0:0xe4])
	sb.journalDevice = binary.LittleEndian.Uint32(b[0xe4:0xe8])
	sb.orphanInodesStart = binary.LittleEndian.Uint32(b[0xe8:0xec])

	for i := 0; i < 4; i++ {
		sb.hashTreeSeed[i] = binary.LittleEndian.Uint32(b[0xec+4*i : 0xf0+4*i])
	}
	sb.hashVersion = hashAlgorithm(b[0xfc])
	sb.groupDescriptorSize = binary.LittleEndian.Uint16(b[0xfe:0x100])
	sb.defaultMountOptions = parseMountOptions(binary.LittleEndian.Uint32(b[0x100:0x104]))

	sb.miscFlags = parseMiscFlags(binary.LittleEndian.Uint32(b[0x160:0x164]))

	sb.checksumType = b[0x175]
	sb.checksumSeed = binary.LittleEndian.Uint32(b[0x270:0x274])
	sb.lostFoundInode = binary.LittleEndian.Uint32(b[0x268:0x26c])
	sb.backupSuperblockBlockGroups = []uint32{
		binary.LittleEndian.Uint32(b[0x24c:0x250]),
		binary.LittleEndian.Uint32(b[0x250:0x254]),
	}

	if sb.features.metadataChecksums {
		checksum := binary.LittleEndian.Uint32(b[0x3fc:0x400])
		actual := crc32c_update(crc32seed, b[0:0x3fc])
		if actual != checksum {
			return nil, newError(ErrCodeChecksumError, "superblock checksum mismatch", nil)
		}
	}

	return &sb, nil
}

// cstring reads a NUL-terminated (or fully-populated) ASCII field.
func cstring(b []byte) string {
	for i, v := range b {
		if v == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func (sb *superblock) toBytes() ([]byte, error) {
	b := make([]byte, SuperblockSize)

	binary.LittleEndian.PutUint16(b[0x38:0x3a], superblockSignature)
	compatFlags, incompatFlags, roCompatFlags := sb.features.toInts()
	binary.LittleEndian.PutUint32(b[0x5c:0x60], compatFlags)
	binary.LittleEndian.PutUint32(b[0x60:0x64], incompatFlags)
	binary.LittleEndian.PutUint32(b[0x64:0x68], roCompatFlags)

	binary.LittleEndian.PutUint32(b[0x0:0x4], sb.inodeCount)
	binary.LittleEndian.PutUint32(b[0x4:0x8], uint32(sb.blockCount))
	binary.LittleEndian.PutUint32(b[0x8:0xc], uint32(sb.reservedBlocks))
	binary.LittleEndian.PutUint32(b[0xc:0x10], uint32(sb.freeBlocks))
	if sb.features.fs64Bit {
		binary.LittleEndian.PutUint32(b[0x150:0x154], uint32(sb.blockCount>>32))
		binary.LittleEndian.PutUint32(b[0x154:0x158], uint32(sb.reservedBlocks>>32))
		binary.LittleEndian.PutUint32(b[0x158:0x15c], uint32(sb.freeBlocks>>32))
	}

	binary.LittleEndian.PutUint32(b[0x10:0x14], sb.freeInodes)
	binary.LittleEndian.PutUint32(b[0x14:0x18], sb.firstDataBlock)
	binary.LittleEndian.PutUint32(b[0x18:0x1c], uint32(math.Log2(float64(sb.blockSize)))-10)
	binary.LittleEndian.PutUint32(b[0x20:0x24], sb.blocksPerGroup)
	binary.LittleEndian.PutUint32(b[0x28:0x2c], sb.inodesPerGroup)
	binary.LittleEndian.PutUint32(b[0x2c:0x30], uint32(sb.mountTime.Unix()))
	binary.LittleEndian.PutUint32(b[0x30:0x34], uint32(sb.writeTime.Unix()))
	binary.LittleEndian.PutUint16(b[0x34:0x36], sb.mountCount)
	binary.LittleEndian.PutUint16(b[0x36:0x38], sb.mountsToFsck)

	binary.LittleEndian.PutUint16(b[0x3a:0x3c], uint16(sb.filesystemState))
	binary.LittleEndian.PutUint16(b[0x3c:0x3e], uint16(sb.errorBehaviour))
	binary.LittleEndian.PutUint16(b[0x3e:0x40], sb.minorRevision)
	binary.LittleEndian.PutUint32(b[0x40:0x44], uint32(sb.lastCheck.Unix()))
	binary.LittleEndian.PutUint32(b[0x44:0x48], sb.checkInterval)

	binary.LittleEndian.PutUint32(b[0x48:0x4c], uint32(sb.creatorOS))
	binary.LittleEndian.PutUint32(b[0x4c:0x50], sb.revisionLevel)

	binary.LittleEndian.PutUint32(b[0x54:0x58], sb.firstNonReservedInode)
	binary.LittleEndian.PutUint16(b[0x58:0x5a], sb.inodeSize)
	binary.LittleEndian.PutUint16(b[0x5a:0x5c], sb.blockGroupNr)

	copy(b[0x68:0x78], sb.uuid[:])

	lbl, err := stringToASCIIBytes(padTo(sb.volumeLabel, 16))
	if err != nil {
		return nil, err
	}
	copy(b[0x78:0x88], lbl)
	dir, err := stringToASCIIBytes(padTo(sb.lastMountedDirectory, 64))
	if err != nil {
		return nil, err
	}
	copy(b[0x88:0xc8], dir)

	binary.LittleEndian.PutUint16(b[0xce:0xd0], sb.reservedGDTBlocks)

	copy(b[0xd0:0xe0], sb.journalUUID[:])
	binary.LittleEndian.PutUint32(b[0xe0:0xe4], sb.journalInode)
	binary.LittleEndian.PutUint32(b[0xe4:0xe8], sb.journalDevice)
	binary.LittleEndian.PutUint32(b[0xe8:0xec], sb.orphanInodesStart)

	for i := 0; i < 4; i++ {
		binary.LittleEndian.PutUint32(b[0xec+4*i:0xf0+4*i], sb.hashTreeSeed[i])
	}
	b[0xfc] = byte(sb.hashVersion)
	b[0xfd] = 0 // journal_backup_type: none stored
	binary.LittleEndian.PutUint16(b[0xfe:0x100], sb.groupDescriptorSize)
	binary.LittleEndian.PutUint32(b[0x100:0x104], sb.defaultMountOptions.toInt())

	binary.LittleEndian.PutUint32(b[0x160:0x164], sb.miscFlags.toInt())

	b[0x175] = sb.checksumType
	binary.LittleEndian.PutUint32(b[0x268:0x26c], sb.lostFoundInode)
	binary.LittleEndian.PutUint32(b[0x270:0x274], sb.checksumSeed)
	if len(sb.backupSuperblockBlockGroups) == 2 {
		binary.LittleEndian.PutUint32(b[0x24c:0x250], sb.backupSuperblockBlockGroups[0])
		binary.LittleEndian.PutUint32(b[0x250:0x254], sb.backupSuperblockBlockGroups[1])
	}

	if sb.features.metadataChecksums {
		checksum := crc32c_update(crc32seed, b[0:0x3fc])
		binary.LittleEndian.PutUint32(b[0x3fc:0x400], checksum)
	}

	return b, nil
}

func padTo(s string, n int) string {
	if len(s) >= n {
		return s[:n]
	}
	out := make([]byte, n)
	copy(out, s)
	return string(out)
}

// calculateBackupSuperblocks returns the set of block-group indices that receive a
// superblock + GDT backup under the sparse_super policy: groups 0, 1, and any power of 3, 5, or 7.
func calculateBackupSuperblocks(numGroups uint32) map[uint32]bool {
	backups := map[uint32]bool{0: true}
	if numGroups > 1 {
		backups[1] = true
	}
	for _, base := range []uint32{3, 5, 7} {
		for p := base; p < numGroups; p *= base {
			backups[p] = true
		}
	}
	return backups
}
