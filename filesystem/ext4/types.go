package ext4

// fileType is the on-disk directory-entry file-type tag (present once
// INCOMPAT_FILETYPE is set, which this package always sets).
type fileType uint8

const (
	fileTypeUnknown         fileType = 0
	fileTypeRegular         fileType = 1
	fileTypeDirectory       fileType = 2
	fileTypeCharacterDevice fileType = 3
	fileTypeBlockDevice     fileType = 4
	fileTypeFIFO            fileType = 5
	fileTypeSocket          fileType = 6
	fileTypeSymbolicLink    fileType = 7
)

// Geometry constants fixed by the on-disk format.
const (
	// SuperblockOffset is the fixed byte offset of the superblock on every device.
	SuperblockOffset int64 = 1024
	// SuperblockSize is the fixed on-disk size of the superblock structure.
	SuperblockSize int = 1024
	// DefaultInodeSize is the inode size this package always synthesizes.
	DefaultInodeSize uint16 = 256
	// InlineAreaSize is the size, in bytes, of the inode's inline data/extent-root area.
	InlineAreaSize int = 60
	// ReservedInodes is the count of inode numbers reserved by the format (1..10).
	ReservedInodes uint32 = 10
	// RootInodeNumber is the fixed inode number of the filesystem root directory.
	RootInodeNumber uint32 = 2
	// JournalInodeNumber is the reserved inode number the JBD2 journal file always occupies.
	JournalInodeNumber uint32 = 8
	// LostAndFoundName is the name of the reserved orphan-reattachment directory.
	LostAndFoundName = "lost+found"
	// extentMagic is the fixed magic for an extent header.
	extentMagic uint16 = 0xF30A
	// extentMaxLen is the largest length (in blocks) a single initialized extent may encode.
	extentMaxLen uint16 = 32768
	// extentUninitFlag marks an extent as logically reserved/uninitialized.
	extentUninitFlag uint16 = 0x8000
)

// inodeFlag bits relevant to this implementation (ext4 i_flags).
type inodeFlag uint32

const (
	inodeFlagIndex   inodeFlag = 0x1000  // EXT4_INDEX_FL: directory has hashed indexes (HTree)
	inodeFlagExtents inodeFlag = 0x80000 // EXT4_EXTENTS_FL: inode uses extent tree mapping
	inodeFlagHugeFile inodeFlag = 0x40000
)

func (f inodeFlag) included(flags uint32) bool {
	return flags&uint32(f) == uint32(f)
}
