package ext4

import (
	"encoding/binary"
	"time"
)

// inodeMode mirrors the POSIX file-type-and-permission bits packed into i_mode.
type inodeMode uint16

const (
	modeFIFO       inodeMode = 0x1000
	modeCharDevice inodeMode = 0x2000
	modeDirectory  inodeMode = 0x4000
	modeBlockDevice inodeMode = 0x6000
	modeRegular    inodeMode = 0x8000
	modeSymlink    inodeMode = 0xA000
	modeSocket     inodeMode = 0xC000
	modeTypeMask   inodeMode = 0xF000
	modePermMask   inodeMode = 0x0FFF
)

func modeForFileType(ft fileType) inodeMode {
	switch ft {
	case fileTypeDirectory:
		return modeDirectory
	case fileTypeSymbolicLink:
		return modeSymlink
	case fileTypeCharacterDevice:
		return modeCharDevice
	case fileTypeBlockDevice:
		return modeBlockDevice
	case fileTypeFIFO:
		return modeFIFO
	case fileTypeSocket:
		return modeSocket
	default:
		return modeRegular
	}
}

func (m inodeMode) fileType() fileType {
	switch m & modeTypeMask {
	case modeDirectory:
		return fileTypeDirectory
	case modeSymlink:
		return fileTypeSymbolicLink
	case modeCharDevice:
		return fileTypeCharacterDevice
	case modeBlockDevice:
		return fileTypeBlockDevice
	case modeFIFO:
		return fileTypeFIFO
	case modeSocket:
		return fileTypeSocket
	default:
		return fileTypeRegular
	}
}

// inodeTimestamp is one extended 64-bit ext4 timestamp: 32-bit seconds-since-epoch plus an
// extra field carrying 2 high-order epoch-extension bits and 30 bits of nanoseconds.
type inodeTimestamp struct {
	seconds int64
	nanos   uint32
}

func inodeTimestampFromFields(lo uint32, extra uint32) inodeTimestamp {
	epochHi := int64(extra&0x3) << 32
	nanos := extra >> 2
	return inodeTimestamp{seconds: epochHi | int64(lo), nanos: nanos}
}

func (t inodeTimestamp) toFields() (lo uint32, extra uint32) {
	lo = uint32(t.seconds & 0xffffffff)
	epochHi := uint32((t.seconds >> 32) & 0x3)
	extra = epochHi | (t.nanos << 2)
	return
}

func inodeTimestampFromTime(tm time.Time) inodeTimestamp {
	return inodeTimestamp{seconds: tm.Unix(), nanos: uint32(tm.Nanosecond())}
}

func (t inodeTimestamp) toTime() time.Time {
	return time.Unix(t.seconds, int64(t.nanos)).UTC()
}

// inode is the in-memory form of one 256-byte on-disk inode record. The 60-byte inline
// area (i_block) holds either the extent-tree root (regular files and directories) or, for
// symlinks shorter than InlineAreaSize, the link target itself.
type inode struct {
	number uint32

	mode       inodeMode
	uid        uint32
	gid        uint32
	size       uint64
	linksCount uint16
	blocks     uint64 // 512-byte sectors actually allocated, per i_blocks semantics

	atime, ctime, mtime inodeTimestamp
	crtime               inodeTimestamp
	dtime                uint32

	flags      uint32
	generation uint32

	// extentRoot is populated when the inode is extent-mapped (always true for regular
	// files and directories in this implementation).
	extentRoot *extentNode

	// inlineSymlinkTarget holds the link text when it fits within InlineAreaSize; longer
	// targets are instead stored via extentRoot pointing at a single data block, per the
	// symlink storage rule.
	inlineSymlinkTarget string
	symlinkIsInline     bool

	checksumSeed uint32 // carried from the owning superblock, needed to recompute the checksum
}

func newRegularInode(number uint32) *inode {
	return &inode{
		number:     number,
		mode:       modeRegular | 0644,
		linksCount: 1,
		flags:      uint32(inodeFlagExtents),
		extentRoot: &extentNode{max: extentCapacity(InlineAreaSize), depth: 0},
	}
}

func newDirectoryInode(number uint32) *inode {
	return &inode{
		number:     number,
		mode:       modeDirectory | 0755,
		linksCount: 2, // parent's entry for it + its own "."
		flags:      uint32(inodeFlagExtents),
		extentRoot: &extentNode{max: extentCapacity(InlineAreaSize), depth: 0},
	}
}

func newSymlinkInode(number uint32, target string) *inode {
	n := &inode{
		number:     number,
		mode:       modeSymlink | 0777,
		linksCount: 1,
	}
	if len(target) < InlineAreaSize {
		n.symlinkIsInline = true
		n.inlineSymlinkTarget = target
		n.size = uint64(len(target))
	} else {
		n.flags = uint32(inodeFlagExtents)
		n.extentRoot = &extentNode{max: extentCapacity(InlineAreaSize), depth: 0}
		n.size = uint64(len(target))
	}
	return n
}

func inodeFromBytes(b []byte, number uint32, checksumSeed uint32) (*inode, error) {
	if len(b) < int(DefaultInodeSize) {
		return nil, newError(ErrCodeCorrupted, "inode record shorter than expected size", nil)
	}
	n := &inode{number: number, checksumSeed: checksumSeed}

	n.mode = inodeMode(binary.LittleEndian.Uint16(b[0x0:0x2]))
	uidLo := binary.LittleEndian.Uint16(b[0x2:0x4])
	sizeLo := binary.LittleEndian.Uint32(b[0x4:0x8])
	atimeLo := binary.LittleEndian.Uint32(b[0x8:0xc])
	ctimeLo := binary.LittleEndian.Uint32(b[0xc:0x10])
	mtimeLo := binary.LittleEndian.Uint32(b[0x10:0x14])
	n.dtime = binary.LittleEndian.Uint32(b[0x14:0x18])
	gidLo := binary.LittleEndian.Uint16(b[0x18:0x1a])
	n.linksCount = binary.LittleEndian.Uint16(b[0x1a:0x1c])
	blocksLo := binary.LittleEndian.Uint32(b[0x1c:0x20])
	n.flags = binary.LittleEndian.Uint32(b[0x20:0x24])
	// 0x24:0x28 is i_osd1, unused here.
	iBlock := make([]byte, InlineAreaSize)
	copy(iBlock, b[0x28:0x64])
	n.generation = binary.LittleEndian.Uint32(b[0x64:0x68])
	// 0x68 file ACL lo and 0x70 obsolete fragment addr - not modeled; 0x6c size_high is.
	sizeHi := binary.LittleEndian.Uint32(b[0x6c:0x70])
	uidHi := binary.LittleEndian.Uint16(b[0x78:0x7a])
	gidHi := binary.LittleEndian.Uint16(b[0x7a:0x7c])

	extraIsize := uint16(0)
	if len(b) >= 0x82 {
		extraIsize = binary.LittleEndian.Uint16(b[0x80:0x82])
	}
	var ctimeExtra, mtimeExtra, atimeExtra, crtimeLo, crtimeExtra uint32
	if extraIsize > 0 && len(b) >= 0x98 {
		ctimeExtra = binary.LittleEndian.Uint32(b[0x84:0x88])
		mtimeExtra = binary.LittleEndian.Uint32(b[0x88:0x8c])
		atimeExtra = binary.LittleEndian.Uint32(b[0x8c:0x90])
		crtimeLo = binary.LittleEndian.Uint32(b[0x90:0x94])
		crtimeExtra = binary.LittleEndian.Uint32(b[0x94:0x98])
	}

	n.uid = uint32(uidHi)<<16 | uint32(uidLo)
	n.gid = uint32(gidHi)<<16 | uint32(gidLo)
	n.size = uint64(sizeHi)<<32 | uint64(sizeLo)
	n.blocks = uint64(blocksLo)
	n.atime = inodeTimestampFromFields(atimeLo, atimeExtra)
	n.ctime = inodeTimestampFromFields(ctimeLo, ctimeExtra)
	n.mtime = inodeTimestampFromFields(mtimeLo, mtimeExtra)
	n.crtime = inodeTimestampFromFields(crtimeLo, crtimeExtra)

	isSymlink := n.mode.fileType() == fileTypeSymbolicLink
	usesExtents := inodeFlagExtents.included(n.flags)

	switch {
	case isSymlink && !usesExtents:
		n.symlinkIsInline = true
		end := n.size
		if end > uint64(InlineAreaSize) {
			end = uint64(InlineAreaSize)
		}
		n.inlineSymlinkTarget = string(iBlock[:end])
	case usesExtents:
		root, err := extentNodeFromBytes(iBlock)
		if err != nil {
			return nil, err
		}
		n.extentRoot = root
	}

	return n, nil
}

func (n *inode) toBytes() ([]byte, error) {
	b := make([]byte, DefaultInodeSize)

	binary.LittleEndian.PutUint16(b[0x0:0x2], uint16(n.mode))
	binary.LittleEndian.PutUint16(b[0x2:0x4], uint16(n.uid))
	binary.LittleEndian.PutUint32(b[0x4:0x8], uint32(n.size))
	atimeLo, atimeExtra := n.atime.toFields()
	ctimeLo, ctimeExtra := n.ctime.toFields()
	mtimeLo, mtimeExtra := n.mtime.toFields()
	crtimeLo, crtimeExtra := n.crtime.toFields()
	binary.LittleEndian.PutUint32(b[0x8:0xc], atimeLo)
	binary.LittleEndian.PutUint32(b[0xc:0x10], ctimeLo)
	binary.LittleEndian.PutUint32(b[0x10:0x14], mtimeLo)
	binary.LittleEndian.PutUint32(b[0x14:0x18], n.dtime)
	binary.LittleEndian.PutUint16(b[0x18:0x1a], uint16(n.gid))
	binary.LittleEndian.PutUint16(b[0x1a:0x1c], n.linksCount)
	binary.LittleEndian.PutUint32(b[0x1c:0x20], uint32(n.blocks))
	binary.LittleEndian.PutUint32(b[0x20:0x24], n.flags)

	switch {
	case n.symlinkIsInline:
		copy(b[0x28:0x64], []byte(n.inlineSymlinkTarget))
	case n.extentRoot != nil:
		area, err := n.extentRoot.toBytes(InlineAreaSize)
		if err != nil {
			return nil, err
		}
		copy(b[0x28:0x64], area)
	}

	binary.LittleEndian.PutUint32(b[0x64:0x68], n.generation)
	binary.LittleEndian.PutUint32(b[0x6c:0x70], uint32(n.size>>32))
	binary.LittleEndian.PutUint16(b[0x78:0x7a], uint16(n.uid>>16))
	binary.LittleEndian.PutUint16(b[0x7a:0x7c], uint16(n.gid>>16))

	binary.LittleEndian.PutUint16(b[0x80:0x82], 32) // i_extra_isize: checksum hi + nanosecond fields
	binary.LittleEndian.PutUint32(b[0x84:0x88], ctimeExtra)
	binary.LittleEndian.PutUint32(b[0x88:0x8c], mtimeExtra)
	binary.LittleEndian.PutUint32(b[0x8c:0x90], atimeExtra)
	binary.LittleEndian.PutUint32(b[0x90:0x94], crtimeLo)
	binary.LittleEndian.PutUint32(b[0x94:0x98], crtimeExtra)

	checksum := n.checksum(b)
	binary.LittleEndian.PutUint16(b[0x7c:0x7e], uint16(checksum))
	binary.LittleEndian.PutUint16(b[0x82:0x84], uint16(checksum>>16))

	return b, nil
}

// checksum computes the inode's CRC32c over seed, inode number, generation, and the inode
// bytes with the checksum fields themselves zeroed, chained in that order.
func (n *inode) checksum(encoded []byte) uint32 {
	clean := make([]byte, len(encoded))
	copy(clean, encoded)
	binary.LittleEndian.PutUint16(clean[0x7c:0x7e], 0)
	binary.LittleEndian.PutUint16(clean[0x82:0x84], 0)

	numberBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(numberBytes, n.number)
	genBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(genBytes, n.generation)

	csum := crc32c_update(n.checksumSeed, numberBytes)
	csum = crc32c_update(csum, genBytes)
	csum = crc32c_update(csum, clean)
	return csum
}

func (n *inode) isDir() bool     { return n.mode.fileType() == fileTypeDirectory }
func (n *inode) isSymlink() bool { return n.mode.fileType() == fileTypeSymbolicLink }
func (n *inode) isRegular() bool { return n.mode.fileType() == fileTypeRegular }

func (n *inode) touchMtime(now time.Time) {
	n.mtime = inodeTimestampFromTime(now)
	n.ctime = inodeTimestampFromTime(now)
}

func (n *inode) touchAtime(now time.Time) {
	n.atime = inodeTimestampFromTime(now)
}
