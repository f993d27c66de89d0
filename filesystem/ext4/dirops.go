package ext4

import (
	"os"
	"time"
)

// Mkdir creates a directory at path, creating any missing ancestor directories along the
// way, so "/a/b/c" works from an empty filesystem in one call.
func (fs *FileSystem) Mkdir(path string) error {
	components := splitPath(path)
	if len(components) == 0 {
		return nil // root already exists
	}

	parentIno := uint32(RootInodeNumber)
	parentInode, err := fs.readInode(parentIno)
	if err != nil {
		return err
	}

	for _, name := range components {
		ino, ft, found, err := fs.findEntry(parentInode, name)
		if err != nil {
			return err
		}
		if found {
			if ft != fileTypeDirectory {
				return pathError(ErrCodeInvalidInput, path, ErrNotDir)
			}
			childInode, err := fs.readInode(ino)
			if err != nil {
				return err
			}
			parentIno, parentInode = ino, childInode
			continue
		}

		childIno, err := fs.allocInode(true)
		if err != nil {
			return err
		}
		childInode, err := fs.createDirInode(childIno, parentIno)
		if err != nil {
			return err
		}
		now := time.Now()
		childInode.touchMtime(now)
		childInode.touchAtime(now)
		childInode.crtime = inodeTimestampFromTime(now)
		if err := fs.writeInode(childInode); err != nil {
			return err
		}
		if err := fs.appendDirEntry(parentInode, name, childIno, fileTypeDirectory); err != nil {
			return err
		}
		parentInode.linksCount++ // child's ".." links back to parent
		if err := fs.writeInode(parentInode); err != nil {
			return err
		}

		parentIno, parentInode = childIno, childInode
	}
	return nil
}

// ReadDir returns the live entries of the directory at path, excluding "." and "..", as
// os.FileInfo values.
func (fs *FileSystem) ReadDir(path string) ([]os.FileInfo, error) {
	_, n, err := fs.resolvePath(path)
	if err != nil {
		return nil, err
	}
	if !n.isDir() {
		return nil, pathError(ErrCodeInvalidInput, path, ErrNotDir)
	}
	entries, err := fs.listDir(n)
	if err != nil {
		return nil, err
	}
	out := make([]os.FileInfo, 0, len(entries))
	for _, e := range entries {
		if e.filename == "." || e.filename == ".." {
			continue
		}
		child, err := fs.readInode(e.inode)
		if err != nil {
			return nil, err
		}
		out = append(out, fileInfo{name: e.filename, inode: child})
	}
	return out, nil
}

// fileInfo is a minimal os.FileInfo view over an inode, used only by ReadDir.
type fileInfo struct {
	name  string
	inode *inode
}

func (fi fileInfo) Name() string { return fi.name }
func (fi fileInfo) Size() int64  { return int64(fi.inode.size) }
func (fi fileInfo) Mode() os.FileMode {
	m := os.FileMode(fi.inode.mode & modePermMask)
	if fi.inode.isDir() {
		m |= os.ModeDir
	}
	if fi.inode.isSymlink() {
		m |= os.ModeSymlink
	}
	return m
}
func (fi fileInfo) ModTime() time.Time { return fi.inode.mtime.toTime() }
func (fi fileInfo) IsDir() bool        { return fi.inode.isDir() }
func (fi fileInfo) Sys() interface{}   { return fi.inode }

// DeleteDir removes the (possibly non-empty) directory tree rooted at path, depth-first:
// every non-directory child is deleted like DeleteFile, every directory child is
// recursed into first, and each directory's own data blocks and inode are freed only
// after it has been emptied.
func (fs *FileSystem) DeleteDir(path string) error {
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
	if ft != fileTypeDirectory {
		return pathError(ErrCodeInvalidInput, path, ErrNotDir)
	}
	n, err := fs.readInode(ino)
	if err != nil {
		return err
	}

	if err := fs.deleteDirTree(n); err != nil {
		return err
	}
	if err := fs.freeInode(n.number, true); err != nil {
		return err
	}

	if ok, err := fs.removeDirEntry(parent, name); err != nil {
		return err
	} else if !ok {
		return pathError(ErrCodeInvalidInput, path, ErrNotExist)
	}
	if parent.linksCount > 0 {
		parent.linksCount-- // the deleted child's ".." no longer links to parent
	}
	return fs.writeInode(parent)
}

// deleteDirTree empties n (freeing every descendant file and directory), then frees n's
// own data blocks; the caller frees n's inode once deleteDirTree returns. Each freed
// descendant directory's used_dirs_count is decremented via freeInode(wasDir=true).
func (fs *FileSystem) deleteDirTree(n *inode) error {
	entries, err := fs.listDir(n)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.filename == "." || e.filename == ".." || e.inode == 0 {
			continue
		}
		child, err := fs.readInode(e.inode)
		if err != nil {
			return err
		}
		if child.isDir() {
			if err := fs.deleteDirTree(child); err != nil {
				return err
			}
			if err := fs.freeInode(child.number, true); err != nil {
				return err
			}
		} else {
			if child.linksCount > 0 {
				child.linksCount--
			}
			if child.linksCount == 0 {
				if err := fs.freeInodeData(child); err != nil {
					return err
				}
				if err := fs.freeInode(child.number, false); err != nil {
					return err
				}
			} else if err := fs.writeInode(child); err != nil {
				return err
			}
		}
	}
	return fs.freeInodeData(n)
}

// Link creates a hard link at linkPath pointing at the existing non-directory inode at
// targetPath, incrementing its link count; the insertion is rolled back if bumping the
// link count fails.
func (fs *FileSystem) Link(targetPath, linkPath string) error {
	_, target, err := fs.resolvePath(targetPath)
	if err != nil {
		return err
	}
	if target.isDir() {
		return pathError(ErrCodeInvalidInput, targetPath, ErrIsDir)
	}

	parent, name, err := fs.resolveParent(linkPath)
	if err != nil {
		return err
	}
	if _, _, found, err := fs.findEntry(parent, name); err != nil {
		return err
	} else if found {
		return pathError(ErrCodeInvalidInput, linkPath, ErrExist)
	}

	ft := fileTypeRegular
	if target.isSymlink() {
		ft = fileTypeSymbolicLink
	}
	if err := fs.appendDirEntry(parent, name, target.number, ft); err != nil {
		return err
	}

	target.linksCount++
	if err := fs.writeInode(target); err != nil {
		if _, rerr := fs.removeDirEntry(parent, name); rerr == nil {
			target.linksCount--
		}
		return err
	}
	return nil
}

// Unlink removes the directory entry at path and, once the target's link count reaches
// zero, frees its data and inode. The entry is removed even if freeing the inode fails,
// at the cost of a fsck-reportable leak.
func (fs *FileSystem) Unlink(path string) error {
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

	// The name is detached first, matching DeleteFile: if freeing below fails, the worst
	// case is an unreferenced inode for fsck to collect, never a live name pointing at
	// freed storage.
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

// Rename moves the entry at oldPath to newPath, whether or not they share a parent
// directory; for a renamed directory, the old parent's link count is decremented, the
// new parent's is incremented, and the child's own ".." entry is rewritten to point at
// the new parent.
func (fs *FileSystem) Rename(oldPath, newPath string) error {
	oldParent, oldName, err := fs.resolveParent(oldPath)
	if err != nil {
		return err
	}
	ino, ft, found, err := fs.findEntry(oldParent, oldName)
	if err != nil {
		return err
	}
	if !found {
		return pathError(ErrCodeInvalidInput, oldPath, ErrNotExist)
	}

	newParent, newName, err := fs.resolveParent(newPath)
	if err != nil {
		return err
	}
	if _, _, exists, err := fs.findEntry(newParent, newName); err != nil {
		return err
	} else if exists {
		return pathError(ErrCodeInvalidInput, newPath, ErrExist)
	}

	if err := fs.appendDirEntry(newParent, newName, ino, ft); err != nil {
		return err
	}
	if ok, err := fs.removeDirEntry(oldParent, oldName); err != nil {
		return err
	} else if !ok {
		return pathError(ErrCodeInvalidInput, oldPath, ErrNotExist)
	}

	if ft == fileTypeDirectory && oldParent.number != newParent.number {
		n, err := fs.readInode(ino)
		if err != nil {
			return err
		}
		if _, err := fs.updateDirEntryInode(n, "..", newParent.number, fileTypeDirectory); err != nil {
			return err
		}
		if oldParent.linksCount > 0 {
			oldParent.linksCount--
		}
		newParent.linksCount++
		if err := fs.writeInode(oldParent); err != nil {
			return err
		}
		if err := fs.writeInode(newParent); err != nil {
			return err
		}
	}
	return nil
}

// Mv is an alias for Rename under the traditional shell name.
func (fs *FileSystem) Mv(oldPath, newPath string) error {
	return fs.Rename(oldPath, newPath)
}
