package ext4

import (
	"encoding/binary"
)

type blockGroupFlag uint16
type gdtChecksumType uint8

const (
	groupDescriptorSize32                  int            = 32
	groupDescriptorSize64                  int            = 64
	blockGroupFlagInodesUninitialized      blockGroupFlag = 0x1
	blockGroupFlagBlockBitmapUninitialized blockGroupFlag = 0x2
	blockGroupFlagInodeTableZeroed         blockGroupFlag = 0x4

	gdtChecksumNone     gdtChecksumType = 0
	gdtChecksumGdt      gdtChecksumType = 1
	gdtChecksumMetadata gdtChecksumType = 2
)

type blockGroupFlags struct {
	inodesUninitialized      bool
	blockBitmapUninitialized bool
	inodeTableZeroed         bool
}

func parseBlockGroupFlags(flags uint16) blockGroupFlags {
	return blockGroupFlags{
		inodesUninitialized:      flags&uint16(blockGroupFlagInodesUninitialized) != 0,
		blockBitmapUninitialized: flags&uint16(blockGroupFlagBlockBitmapUninitialized) != 0,
		inodeTableZeroed:         flags&uint16(blockGroupFlagInodeTableZeroed) != 0,
	}
}

func (f *blockGroupFlags) toInt() uint16 {
	var flags uint16
	if f.inodesUninitialized {
		flags |= uint16(blockGroupFlagInodesUninitialized)
	}
	if f.blockBitmapUninitialized {
		flags |= uint16(blockGroupFlagBlockBitmapUninitialized)
	}
	if f.inodeTableZeroed {
		flags |= uint16(blockGroupFlagInodeTableZeroed)
	}
	return flags
}

// groupDescriptor is the in-memory form of one 32- or 64-byte block group descriptor.
type groupDescriptor struct {
	number              uint64
	is64bit             bool
	blockBitmapLocation uint64
	inodeBitmapLocation uint64
	inodeTableLocation  uint64
	freeBlocks          uint32
	freeInodes          uint32
	usedDirectories     uint32
	flags               blockGroupFlags
	blockBitmapChecksum uint32
	inodeBitmapChecksum uint32
	unusedInodes        uint32
}

func groupDescriptorFromBytes(b []byte, is64bit bool, number uint64, checksumType gdtChecksumType, superblockUUID []byte) (*groupDescriptor, error) {
	gd := groupDescriptor{number: number, is64bit: is64bit}

	blockBitmapLo := binary.LittleEndian.Uint32(b[0x0:0x4])
	inodeBitmapLo := binary.LittleEndian.Uint32(b[0x4:0x8])
	inodeTableLo := binary.LittleEndian.Uint32(b[0x8:0xc])
	freeBlocksLo := binary.LittleEndian.Uint16(b[0xc:0xe])
	freeInodesLo := binary.LittleEndian.Uint16(b[0xe:0x10])
	usedDirLo := binary.LittleEndian.Uint16(b[0x10:0x12])
	gd.flags = parseBlockGroupFlags(binary.LittleEndian.Uint16(b[0x12:0x14]))
	gd.blockBitmapChecksum = uint32(binary.LittleEndian.Uint16(b[0x18:0x1a]))
	gd.inodeBitmapChecksum = uint32(binary.LittleEndian.Uint16(b[0x1a:0x1c]))
	gd.unusedInodes = uint32(binary.LittleEndian.Uint16(b[0x1c:0x1e]))

	var blockBitmapHi, inodeBitmapHi, inodeTableHi uint32
	var freeBlocksHi, freeInodesHi, usedDirHi, unusedHi uint16
	if is64bit {
		blockBitmapHi = binary.LittleEndian.Uint32(b[0x20:0x24])
		inodeBitmapHi = binary.LittleEndian.Uint32(b[0x24:0x28])
		inodeTableHi = binary.LittleEndian.Uint32(b[0x28:0x2c])
		freeBlocksHi = binary.LittleEndian.Uint16(b[0x2c:0x2e])
		freeInodesHi = binary.LittleEndian.Uint16(b[0x2e:0x30])
		usedDirHi = binary.LittleEndian.Uint16(b[0x30:0x32])
		unusedHi = binary.LittleEndian.Uint16(b[0x32:0x34])
	}

	gd.blockBitmapLocation = uint64(blockBitmapHi)<<32 | uint64(blockBitmapLo)
	gd.inodeBitmapLocation = uint64(inodeBitmapHi)<<32 | uint64(inodeBitmapLo)
	gd.inodeTableLocation = uint64(inodeTableHi)<<32 | uint64(inodeTableLo)
	gd.freeBlocks = uint32(freeBlocksHi)<<16 | uint32(freeBlocksLo)
	gd.freeInodes = uint32(freeInodesHi)<<16 | uint32(freeInodesLo)
	gd.usedDirectories = uint32(usedDirHi)<<16 | uint32(usedDirLo)
	gd.unusedInodes = uint32(unusedHi)<<16 | gd.unusedInodes

	if checksumType != gdtChecksumNone {
		checksum := binary.LittleEndian.Uint16(b[0x1e:0x20])
		actual := groupDescriptorChecksum(b, superblockUUID, number, checksumType)
		if checksum != actual {
			return nil, newError(ErrCodeChecksumError, "group descriptor checksum mismatch", nil)
		}
	}

	return &gd, nil
}

func (gd *groupDescriptor) toBytes(checksumType gdtChecksumType, superblockUUID []byte) ([]byte, error) {
	size := groupDescriptorSize32
	if gd.is64bit {
		size = groupDescriptorSize64
	}
	b := make([]byte, size)

	binary.LittleEndian.PutUint32(b[0x0:0x4], uint32(gd.blockBitmapLocation))
	binary.LittleEndian.PutUint32(b[0x4:0x8], uint32(gd.inodeBitmapLocation))
	binary.LittleEndian.PutUint32(b[0x8:0xc], uint32(gd.inodeTableLocation))
	binary.LittleEndian.PutUint16(b[0xc:0xe], uint16(gd.freeBlocks))
	binary.LittleEndian.PutUint16(b[0xe:0x10], uint16(gd.freeInodes))
	binary.LittleEndian.PutUint16(b[0x10:0x12], uint16(gd.usedDirectories))
	binary.LittleEndian.PutUint16(b[0x12:0x14], gd.flags.toInt())
	binary.LittleEndian.PutUint16(b[0x18:0x1a], uint16(gd.blockBitmapChecksum))
	binary.LittleEndian.PutUint16(b[0x1a:0x1c], uint16(gd.inodeBitmapChecksum))
	binary.LittleEndian.PutUint16(b[0x1c:0x1e], uint16(gd.unusedInodes))

	if gd.is64bit {
		binary.LittleEndian.PutUint32(b[0x20:0x24], uint32(gd.blockBitmapLocation>>32))
		binary.LittleEndian.PutUint32(b[0x24:0x28], uint32(gd.inodeBitmapLocation>>32))
		binary.LittleEndian.PutUint32(b[0x28:0x2c], uint32(gd.inodeTableLocation>>32))
		binary.LittleEndian.PutUint16(b[0x2c:0x2e], uint16(gd.freeBlocks>>16))
		binary.LittleEndian.PutUint16(b[0x2e:0x30], uint16(gd.freeInodes>>16))
		binary.LittleEndian.PutUint16(b[0x30:0x32], uint16(gd.usedDirectories>>16))
		binary.LittleEndian.PutUint16(b[0x32:0x34], uint16(gd.unusedInodes>>16))
	}

	checksum := groupDescriptorChecksum(b, superblockUUID, gd.number, checksumType)
	binary.LittleEndian.PutUint16(b[0x1e:0x20], checksum)

	return b, nil
}

// groupDescriptorChecksum computes the checksum over every byte of the descriptor
// except the checksum field itself (which is zeroed for the purpose of this computation).
func groupDescriptorChecksum(b, superblockUUID []byte, groupNumber uint64, checksumType gdtChecksumType) uint16 {
	if checksumType == gdtChecksumNone {
		return 0
	}
	clean := make([]byte, len(b))
	copy(clean, b)
	binary.LittleEndian.PutUint16(clean[0x1e:0x20], 0)

	groupBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(groupBytes, uint32(groupNumber))

	switch checksumType {
	case gdtChecksumMetadata:
		input := append(append([]byte{}, superblockUUID...), groupBytes...)
		input = append(input, clean...)
		checksum32 := crc32c_update(crc32seed, input)
		return uint16(checksum32 & 0xffff)
	case gdtChecksumGdt:
		input := append(append([]byte{}, superblockUUID...), groupBytes...)
		input = append(input, clean...)
		return crc16(input)
	}
	return 0
}
