package ext4

import (
	"io"
	"os"
	"strings"
	"time"
)

// Mkfile creates a regular file at path holding data, with the permission bits of mode
// (zero meaning 0644), creating any missing ancestor directories first.
func (fs *FileSystem) Mkfile(path string, data []byte, mode os.FileMode) error {
	parent, name, err := fs.resolveParent(path)
	if err != nil {
		comps := splitPath(path)
		if len(comps) < 2 {
			return err
		}
		if mkErr := fs.Mkdir("/" + strings.Join(comps[:len(comps)-1], "/")); mkErr != nil {
			return mkErr
		}
		parent, name, err = fs.resolveParent(path)
		if err != nil {
			return err
		}
	}
	if _, _, found, err := fs.findEntry(parent, name); err != nil {
		return err
	} else if found {
		return pathError(ErrCodeInvalidInput, path, ErrExist)
	}

	number, err := fs.allocInode(false)
	if err != nil {
		return err
	}
	n := newRegularInode(number)
	if perm := inodeMode(mode.Perm()); perm != 0 {
		n.mode = modeRegular | perm
	}
	now := time.Now()
	n.touchMtime(now)
	n.touchAtime(now)
	n.crtime = inodeTimestampFromTime(now)
	if len(data) > 0 {
		if err := fs.writeExtentData(n, 0, data); err != nil {
			return err
		}
	}
	if err := fs.writeInode(n); err != nil {
		return err
	}
	return fs.appendDirEntry(parent, name, number, fileTypeRegular)
}

// Symlink creates a symbolic link at linkPath pointing at target, storing the target
// inline in the inode's i_block area when it fits, else in a single allocated data block.
func (fs *FileSystem) Symlink(target, linkPath string) error {
	parent, name, err := fs.resolveParent(linkPath)
	if err != nil {
		return err
	}
	if _, _, found, err := fs.findEntry(parent, name); err != nil {
		return err
	} else if found {
		return pathError(ErrCodeInvalidInput, linkPath, ErrExist)
	}

	number, err := fs.allocInode(false)
	if err != nil {
		return err
	}
	n := newSymlinkInode(number, target)
	now := time.Now()
	n.touchMtime(now)
	n.touchAtime(now)
	n.crtime = inodeTimestampFromTime(now)
	if !n.symlinkIsInline {
		block, err := fs.allocBlock(0)
		if err != nil {
			return err
		}
		buf := make([]byte, fs.blockSize())
		copy(buf, []byte(target))
		if err := fs.writeDataBlock(block, buf); err != nil {
			return err
		}
		newRoot, err := insertExtent(fs.extentCtx(), n.extentRoot, extentLeaf{block: 0, length: 1, start: block})
		if err != nil {
			return err
		}
		n.extentRoot = newRoot
		n.blocks = uint64(fs.blockSize()) / uint64(SectorSize512)
	}
	if err := fs.writeInode(n); err != nil {
		return err
	}
	return fs.appendDirEntry(parent, name, number, fileTypeSymbolicLink)
}

// Readlink returns the stored target of the symlink at path.
func (fs *FileSystem) Readlink(path string) (string, error) {
	_, n, err := fs.resolvePath(path)
	if err != nil {
		return "", err
	}
	if !n.isSymlink() {
		return "", pathError(ErrCodeInvalidInput, path, ErrIsNotRegularOrSymlink)
	}
	if n.symlinkIsInline {
		return n.inlineSymlinkTarget, nil
	}
	triples, err := walkExtents(fs.extentCtx(), n.extentRoot)
	if err != nil || len(triples) == 0 {
		return "", newError(ErrCodeCorrupted, "symlink carries no target block", err)
	}
	data, err := fs.readDataBlock(triples[0].physical)
	if err != nil {
		return "", err
	}
	end := n.size
	if end > uint64(len(data)) {
		end = uint64(len(data))
	}
	return string(data[:end]), nil
}

// ReadFile reads the whole content of the regular file at path.
func (fs *FileSystem) ReadFile(path string) ([]byte, error) {
	_, n, err := fs.resolvePath(path)
	if err != nil {
		return nil, err
	}
	if !n.isRegular() {
		return nil, pathError(ErrCodeInvalidInput, path, ErrIsNotRegularOrSymlink)
	}
	buf := make([]byte, n.size)
	if _, err := fs.readExtentData(n, 0, buf); err != nil && err != io.EOF {
		return nil, err
	}
	return buf, nil
}

// WriteFile writes data into the regular file at path starting at offset, allocating and
// zero-filling any blocks between the old end of file and offset, and growing the file if
// the write extends past its current end. Content outside [offset, offset+len(data)) is
// left as it was.
func (fs *FileSystem) WriteFile(path string, offset int64, data []byte) error {
	if offset < 0 {
		return newError(ErrCodeInvalidInput, "negative write offset", nil)
	}
	_, n, err := fs.resolvePath(path)
	if err != nil {
		return err
	}
	if !n.isRegular() {
		return pathError(ErrCodeInvalidInput, path, ErrIsNotRegularOrSymlink)
	}
	if uint64(offset) > n.size {
		if err := fs.writeExtentData(n, int64(n.size), make([]byte, uint64(offset)-n.size)); err != nil {
			return err
		}
	}
	if len(data) > 0 {
		if err := fs.writeExtentData(n, offset, data); err != nil {
			return err
		}
	}
	n.touchMtime(time.Now())
	return fs.writeInode(n)
}

// Truncate sets the regular file at path to exactly size bytes, zero-extending or
// discarding and freeing trailing blocks as needed.
func (fs *FileSystem) Truncate(path string, size int64) error {
	if size < 0 {
		return newError(ErrCodeInvalidInput, "negative truncate length", nil)
	}
	_, n, err := fs.resolvePath(path)
	if err != nil {
		return err
	}
	if !n.isRegular() {
		return pathError(ErrCodeInvalidInput, path, ErrIsNotRegularOrSymlink)
	}
	switch {
	case uint64(size) > n.size:
		if err := fs.writeExtentData(n, int64(n.size), make([]byte, uint64(size)-n.size)); err != nil {
			return err
		}
	case uint64(size) < n.size:
		if err := fs.shrinkFile(n, uint64(size)); err != nil {
			return err
		}
	default:
		return nil
	}
	n.touchMtime(time.Now())
	return fs.writeInode(n)
}

// DeleteFile unlinks path from its parent directory, decrementing the target inode's link
// count and, once it reaches zero, freeing its data blocks and its inode.
func (fs *FileSystem) DeleteFile(path string) error {
	parent, name, err := fs.resolveParent(path)
	if err != nil {
		return err
	}
	ino, ft, found, err := fs.findEntry(parent, name)
	if err != nil {
		return err
	}
	if !found {
		return pathError(ErrCodeInvalidInput, path, ErrNotExist)
	}
	if ft == fileTypeDirectory {
		return pathError(ErrCodeInvalidInput, path, ErrIsDir)
	}
	n, err := fs.readInode(ino)
	if err != nil {
		return err
	}
	if ok, err := fs.removeDirEntry(parent, name); err != nil {
		return err
	} else if !ok {
		return pathError(ErrCodeInvalidInput, path, ErrNotExist)
	}

	if n.linksCount > 0 {
		n.linksCount--
	}
	if n.linksCount == 0 {
		if err := fs.freeInodeData(n); err != nil {
			return err
		}
		return fs.freeInode(n.number, false)
	}
	return fs.writeInode(n)
}

// freeInodeData releases every physical block an inode's extent tree (or single symlink
// data block) references.
func (fs *FileSystem) freeInodeData(n *inode) error {
	if n.extentRoot == nil {
		return nil
	}
	triples, err := walkExtents(fs.extentCtx(), n.extentRoot)
	if err != nil {
		return err
	}
	for _, t := range triples {
		for i := uint64(0); i < uint64(t.length); i++ {
			if err := fs.freeBlock(t.physical + i); err != nil {
				return err
			}
		}
	}
	interior, err := interiorNodeBlocks(fs.extentCtx(), n.extentRoot)
	if err != nil {
		return err
	}
	for _, b := range interior {
		if err := fs.freeBlock(b); err != nil {
			return err
		}
	}
	return nil
}

// readExtentData fills buf (best-effort, stopping at n.size) starting at offset, reading
// unallocated logical ranges (sparse holes) as zero.
func (fs *FileSystem) readExtentData(n *inode, offset int64, buf []byte) (int, error) {
	if offset >= int64(n.size) {
		return 0, io.EOF
	}
	bs := int64(fs.blockSize())
	end := offset + int64(len(buf))
	if end > int64(n.size) {
		end = int64(n.size)
	}

	total := 0
	for pos := offset; pos < end; {
		lbn := uint32(pos / bs)
		inBlockOff := pos - int64(lbn)*bs
		want := bs - inBlockOff
		if remain := end - pos; remain < want {
			want = remain
		}

		dst := buf[pos-offset : pos-offset+want]
		phys, ok, err := lookupExtent(fs.extentCtx(), n.extentRoot, lbn)
		if err != nil {
			return total, err
		}
		if ok {
			data, err := fs.readDataBlock(phys)
			if err != nil {
				return total, err
			}
			copy(dst, data[inBlockOff:inBlockOff+want])
		} else {
			for i := range dst {
				dst[i] = 0
			}
		}
		pos += want
		total += int(want)
	}
	var err error
	if end < offset+int64(len(buf)) {
		err = io.EOF
	}
	return total, err
}

// writeExtentData writes data at offset into n, allocating and zero-initializing any new
// blocks the write touches (including the unwritten prefix of a newly allocated block that
// falls outside [offset, offset+len(data))), and growing n.size/n.blocks as needed.
func (fs *FileSystem) writeExtentData(n *inode, offset int64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	bs := int64(fs.blockSize())
	end := offset + int64(len(data))

	for pos := offset; pos < end; {
		lbn := uint32(pos / bs)
		inBlockOff := pos - int64(lbn)*bs
		want := bs - inBlockOff
		if remain := end - pos; remain < want {
			want = remain
		}

		phys, ok, err := lookupExtent(fs.extentCtx(), n.extentRoot, lbn)
		var buf []byte
		if ok {
			existing, err := fs.readDataBlock(phys)
			if err != nil {
				return err
			}
			buf = append([]byte(nil), existing...)
		} else {
			phys, err = fs.allocBlock(fs.preferredGroupFor(n.extentRoot.firstPhysicalHint()))
			if err != nil {
				return err
			}
			buf = make([]byte, bs)
		}
		if err != nil {
			return err
		}

		copy(buf[inBlockOff:inBlockOff+want], data[pos-offset:pos-offset+want])
		if err := fs.writeDataBlock(phys, buf); err != nil {
			return err
		}

		if !ok {
			newRoot, err := insertExtent(fs.extentCtx(), n.extentRoot, extentLeaf{block: lbn, length: 1, start: phys})
			if err != nil {
				return err
			}
			n.extentRoot = newRoot
			n.blocks += uint64(bs) / uint64(SectorSize512)
		}
		pos += want
	}

	if uint64(end) > n.size {
		n.size = uint64(end)
	}
	return nil
}

// shrinkFile discards every block beyond size, trimming the extent that straddles the new
// boundary, and rebuilds the extent root from what remains.
func (fs *FileSystem) shrinkFile(n *inode, size uint64) error {
	bs := uint64(fs.blockSize())
	keepBlocks := uint32((size + bs - 1) / bs)

	triples, err := walkExtents(fs.extentCtx(), n.extentRoot)
	if err != nil {
		return err
	}

	var retained []extentLeaf
	var blocksUsed uint64
	for _, t := range triples {
		switch {
		case t.logical >= keepBlocks:
			for i := uint64(0); i < uint64(t.length); i++ {
				if err := fs.freeBlock(t.physical + i); err != nil {
					return err
				}
			}
		case t.logical+uint32(t.length) > keepBlocks:
			trimmed := keepBlocks - t.logical
			for i := uint64(trimmed); i < uint64(t.length); i++ {
				if err := fs.freeBlock(t.physical + i); err != nil {
					return err
				}
			}
			retained = append(retained, extentLeaf{block: t.logical, length: uint16(trimmed), start: t.physical, uninit: t.uninit})
			blocksUsed += uint64(trimmed)
		default:
			retained = append(retained, extentLeaf{block: t.logical, length: t.length, start: t.physical, uninit: t.uninit})
			blocksUsed += uint64(t.length)
		}
	}

	interior, err := interiorNodeBlocks(fs.extentCtx(), n.extentRoot)
	if err != nil {
		return err
	}
	for _, b := range interior {
		if err := fs.freeBlock(b); err != nil {
			return err
		}
	}

	root := &extentNode{max: extentCapacity(InlineAreaSize), depth: 0}
	for _, leaf := range retained {
		root, err = insertExtent(fs.extentCtx(), root, leaf)
		if err != nil {
			return err
		}
	}
	n.extentRoot = root
	n.size = size
	n.blocks = blocksUsed * bs / uint64(SectorSize512)
	return nil
}

// File is an open handle onto a regular file's inode, carrying its own read/write cursor.
// Writes are flushed to the inode
// record on every Write call, not deferred to Close.
type File struct {
	fs     *FileSystem
	path   string
	inode  *inode
	offset int64
}

// OpenFile opens path for reading and writing, optionally creating it (with os.O_CREATE)
// if it does not exist, following os.OpenFile's flag convention.
func (fs *FileSystem) OpenFile(path string, flag int) (*File, error) {
	_, n, err := fs.resolvePath(path)
	if err != nil {
		if flag&os.O_CREATE == 0 {
			return nil, err
		}
		if err := fs.Mkfile(path, nil, 0); err != nil {
			return nil, err
		}
		_, n, err = fs.resolvePath(path)
		if err != nil {
			return nil, err
		}
	}
	if !n.isRegular() {
		return nil, pathError(ErrCodeInvalidInput, path, ErrIsNotRegularOrSymlink)
	}
	f := &File{fs: fs, path: path, inode: n}
	if flag&os.O_TRUNC != 0 {
		if err := fs.shrinkFile(n, 0); err != nil {
			return nil, err
		}
		if err := fs.writeInode(n); err != nil {
			return nil, err
		}
	}
	if flag&os.O_APPEND != 0 {
		f.offset = int64(n.size)
	}
	return f, nil
}

// Read fills b from the file's current offset, advancing it by the number of bytes read.
func (f *File) Read(b []byte) (int, error) {
	n, err := f.fs.readExtentData(f.inode, f.offset, b)
	f.offset += int64(n)
	return n, err
}

// Write writes b at the file's current offset, extending the file if needed, and
// advances the offset by len(b).
func (f *File) Write(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	if err := f.fs.writeExtentData(f.inode, f.offset, b); err != nil {
		return 0, err
	}
	f.offset += int64(len(b))
	f.inode.touchMtime(time.Now())
	if err := f.fs.writeInode(f.inode); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Seek repositions the file's cursor per io.Seeker semantics.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	var newOffset int64
	switch whence {
	case io.SeekStart:
		newOffset = offset
	case io.SeekEnd:
		newOffset = int64(f.inode.size) + offset
	case io.SeekCurrent:
		newOffset = f.offset + offset
	}
	if newOffset < 0 {
		return f.offset, newError(ErrCodeInvalidInput, "cannot seek before start of file", nil)
	}
	f.offset = newOffset
	return f.offset, nil
}

// Close is a no-op: File defers no buffered state past each Write call.
func (f *File) Close() error { return nil }
