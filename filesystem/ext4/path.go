package ext4

import "strings"

// splitPath breaks an absolute or relative slash-separated path into its
// non-empty components ("." and repeated slashes collapse away; see
// resolveComponent for how ".." is handled during descent).
func splitPath(path string) []string {
	parts := strings.Split(path, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" || p == "." {
			continue
		}
		out = append(out, p)
	}
	return out
}

// findEntry resolves name within dir, preferring the hash-tree index when
// dir carries one and falling back to a full linear scan otherwise or on
// any structural problem with the index.
func (fs *FileSystem) findEntry(dir *inode, name string) (uint32, fileType, bool, error) {
	ino, ft, ok, err := fs.htreeLookup(dir, name)
	if err != nil {
		return 0, 0, false, err
	}
	if ok {
		return ino, ft, true, nil
	}
	return fs.lookupInDir(dir, name)
}

// resolvePath walks path component by component from the root inode,
// honoring "." (dropped by splitPath) and ".." (looked up like any other
// name, since every directory carries a real ".." entry), and returns the
// inode number and record of the final component.
func (fs *FileSystem) resolvePath(path string) (uint32, *inode, error) {
	cur := uint32(RootInodeNumber)
	curInode, err := fs.readInode(cur)
	if err != nil {
		return 0, nil, err
	}

	components := splitPath(path)
	for _, name := range components {
		if !curInode.isDir() {
			return 0, nil, pathError(ErrCodeInvalidInput, path, ErrNotDir)
		}
		ino, _, ok, err := fs.findEntry(curInode, name)
		if err != nil {
			return 0, nil, err
		}
		if !ok {
			return 0, nil, pathError(ErrCodeInvalidInput, path, ErrNotExist)
		}
		next, err := fs.readInode(ino)
		if err != nil {
			return 0, nil, err
		}
		cur, curInode = ino, next
	}
	return cur, curInode, nil
}

// resolveParent splits path into its parent directory (resolved to an
// inode) and final component name, failing if the parent does not exist
// or is not a directory. An empty path or one naming only the root is
// rejected since every caller needs a name to act on.
func (fs *FileSystem) resolveParent(path string) (*inode, string, error) {
	components := splitPath(path)
	if len(components) == 0 {
		return nil, "", pathError(ErrCodeInvalidInput, path, ErrIsDir)
	}
	name := components[len(components)-1]
	parentPath := "/" + strings.Join(components[:len(components)-1], "/")

	_, parent, err := fs.resolvePath(parentPath)
	if err != nil {
		return nil, "", err
	}
	if !parent.isDir() {
		return nil, "", pathError(ErrCodeInvalidInput, parentPath, ErrNotDir)
	}
	return parent, name, nil
}
