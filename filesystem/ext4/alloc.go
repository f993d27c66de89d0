package ext4

import "fmt"

// allocBlock scans the block bitmap for the first clear bit, preferring preferredGroup
// before falling back to a linear first-fit scan across every group: ascending bit index
// within the first group that has free capacity.
func (fs *FileSystem) allocBlock(preferredGroup uint32) (uint64, error) {
	groups := fs.groupOrder(preferredGroup)
	for _, g := range groups {
		gd := fs.gds[g]
		if gd.freeBlocks == 0 {
			continue
		}
		limit := fs.sb.blocksPerGroup
		if g == uint32(len(fs.gds)-1) {
			limit = fs.lastGroupBlockCount(g)
		}
		var bit uint
		var found bool
		err := fs.mutateBitmapErr(bitmapKindBlock, g, func(bm *bitmap) error {
			b, ok := bm.firstClear(0, uint(limit))
			if !ok {
				return nil
			}
			bm.set(b)
			bit = b
			found = true
			return nil
		})
		if err != nil {
			return 0, err
		}
		if !found {
			continue
		}
		gd.freeBlocks--
		fs.sb.freeBlocks--
		return uint64(fs.sb.firstDataBlock) + uint64(g)*uint64(fs.sb.blocksPerGroup) + uint64(bit), nil
	}
	return 0, newError(ErrCodeNoSpace, "no free blocks", nil)
}

// allocBlocks repeatedly allocates n blocks, preferring the group of the first allocation
// to keep runs contiguous.
func (fs *FileSystem) allocBlocks(n int, preferredGroup uint32) ([]uint64, error) {
	out := make([]uint64, 0, n)
	group := preferredGroup
	for i := 0; i < n; i++ {
		b, err := fs.allocBlock(group)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
		group = fs.blockGroupOf(b)
	}
	return out, nil
}

func (fs *FileSystem) blockGroupOf(block uint64) uint32 {
	return uint32((block - uint64(fs.sb.firstDataBlock)) / uint64(fs.sb.blocksPerGroup))
}

func (fs *FileSystem) lastGroupBlockCount(g uint32) uint32 {
	total := fs.sb.blockCount - uint64(fs.sb.firstDataBlock)
	full := uint64(g) * uint64(fs.sb.blocksPerGroup)
	remaining := total - full
	if remaining > uint64(fs.sb.blocksPerGroup) {
		remaining = uint64(fs.sb.blocksPerGroup)
	}
	return uint32(remaining)
}

// groupOrder returns the group-scan order: preferred group first, then every other group
// ascending, matching "group selection is linear-first-fit across groups" once the
// preferred group is exhausted.
func (fs *FileSystem) groupOrder(preferred uint32) []uint32 {
	n := uint32(len(fs.gds))
	order := make([]uint32, 0, n)
	if preferred < n {
		order = append(order, preferred)
	}
	for g := uint32(0); g < n; g++ {
		if g != preferred {
			order = append(order, g)
		}
	}
	return order
}

// freeBlock clears the bit for block in its group's block bitmap and bumps free counters.
// Freeing an already-free bit is a corruption error.
func (fs *FileSystem) freeBlock(block uint64) error {
	if block < uint64(fs.sb.firstDataBlock) {
		return newError(ErrCodeInvalidInput, fmt.Sprintf("block %d precedes first data block", block), nil)
	}
	rel := block - uint64(fs.sb.firstDataBlock)
	group := uint32(rel / uint64(fs.sb.blocksPerGroup))
	bit := uint(rel % uint64(fs.sb.blocksPerGroup))
	if int(group) >= len(fs.gds) {
		return newError(ErrCodeBlockOutOfRange, fmt.Sprintf("block %d out of range", block), nil)
	}
	var alreadyFree bool
	err := fs.mutateBitmapErr(bitmapKindBlock, group, func(bm *bitmap) error {
		if !bm.isSet(bit) {
			alreadyFree = true
			return nil
		}
		bm.clear(bit)
		return nil
	})
	if err != nil {
		return err
	}
	if alreadyFree {
		return newError(ErrCodeCorrupted, fmt.Sprintf("double-free of block %d", block), nil)
	}
	fs.gds[group].freeBlocks++
	fs.sb.freeBlocks++
	return nil
}

// allocInode scans the inode bitmap for the first clear bit, skipping reserved inodes
// 1..ReservedInodes in group 0 and the padded tail bits beyond inodesPerGroup (both are
// permanently set by mkfs, so a plain first-clear scan already respects them).
func (fs *FileSystem) allocInode(isDir bool) (uint32, error) {
	n := uint32(len(fs.gds))
	for g := uint32(0); g < n; g++ {
		gd := fs.gds[g]
		if gd.freeInodes == 0 {
			continue
		}
		var bit uint
		var found bool
		err := fs.mutateBitmapErr(bitmapKindInode, g, func(bm *bitmap) error {
			b, ok := bm.firstClear(0, uint(fs.sb.inodesPerGroup))
			if !ok {
				return nil
			}
			bm.set(b)
			bit = b
			found = true
			return nil
		})
		if err != nil {
			return 0, err
		}
		if !found {
			continue
		}
		number := g*fs.sb.inodesPerGroup + uint32(bit) + 1
		if number <= ReservedInodes {
			// Should never happen (reserved bits are pre-set by mkfs), but guard anyway.
			continue
		}
		gd.freeInodes--
		fs.sb.freeInodes--
		if isDir {
			gd.usedDirectories++
		}
		return number, nil
	}
	return 0, newError(ErrCodeNoSpace, "no free inodes", nil)
}

// freeInode clears the bit for number in its group's inode bitmap and bumps free counters.
func (fs *FileSystem) freeInode(number uint32, wasDir bool) error {
	if number <= ReservedInodes {
		return newError(ErrCodeInvalidInput, fmt.Sprintf("refusing to free reserved inode %d", number), nil)
	}
	index := number - 1
	group := index / fs.sb.inodesPerGroup
	bit := uint(index % fs.sb.inodesPerGroup)
	if int(group) >= len(fs.gds) {
		return newError(ErrCodeInvalidInput, fmt.Sprintf("inode %d out of range", number), nil)
	}
	var alreadyFree bool
	err := fs.mutateBitmapErr(bitmapKindInode, group, func(bm *bitmap) error {
		if !bm.isSet(bit) {
			alreadyFree = true
			return nil
		}
		bm.clear(bit)
		return nil
	})
	if err != nil {
		return err
	}
	if alreadyFree {
		return newError(ErrCodeCorrupted, fmt.Sprintf("double-free of inode %d", number), nil)
	}
	gd := fs.gds[group]
	gd.freeInodes++
	fs.sb.freeInodes++
	if wasDir && gd.usedDirectories > 0 {
		gd.usedDirectories--
	}
	return nil
}

// mutateBitmapErr is mutateBitmap's error-propagating sibling: the mutate closure may itself
// fail (e.g. nothing to report), letting callers distinguish "ran, found nothing" from a
// cache I/O failure.
func (fs *FileSystem) mutateBitmapErr(kind uint64, group uint32, mutate func(bm *bitmap) error) error {
	var inner error
	err := fs.mutateBitmap(kind, group, func(bm *bitmap) {
		inner = mutate(bm)
	})
	if err != nil {
		return err
	}
	return inner
}
