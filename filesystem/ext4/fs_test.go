package ext4

import (
	"bytes"
	"io"
	"os"
	"testing"
)

// remount unmounts fs and mounts the same device again, so tests can verify that state
// actually reached the disk.
func remount(t *testing.T, dev BlockDevice, fs *FileSystem) *FileSystem {
	t.Helper()
	if err := fs.Umount(); err != nil {
		t.Fatalf("umount: %v", err)
	}
	fs2, err := Mount(dev, MountOptions{})
	if err != nil {
		t.Fatalf("remount: %v", err)
	}
	return fs2
}

func TestNestedCreateSurvivesRemount(t *testing.T) {
	// 64 MiB device, 4096-byte blocks
	dev, fs, err := mkfsAndMount(16384, 4096)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := fs.Mkdir("/a/b/c"); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	fs = remount(t, dev, fs)

	freeBefore := fs.sb.freeBlocks
	content := bytes.Repeat([]byte{0x41}, 5000)
	if err := fs.Mkfile("/a/b/c/f", content, 0); err != nil {
		t.Fatalf("mkfile: %v", err)
	}
	fs = remount(t, dev, fs)

	got, err := fs.ReadFile("/a/b/c/f")
	if err != nil {
		t.Fatalf("read after remount: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("content mismatch: %d bytes", len(got))
	}
	// 5000 bytes at 4096-byte blocks cost exactly 2 blocks
	if fs.sb.freeBlocks != freeBefore-2 {
		t.Fatalf("free blocks dropped by %d, want 2", freeBefore-fs.sb.freeBlocks)
	}
}

func TestTruncateZeroExtends(t *testing.T) {
	_, fs, err := mkfsAndMount(16384, 4096)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := fs.Mkfile("/x", []byte{0x41}, 0); err != nil {
		t.Fatalf("mkfile: %v", err)
	}
	if err := fs.Truncate("/x", 8192); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	got, err := fs.ReadFile("/x")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 8192 {
		t.Fatalf("size after truncate: %d", len(got))
	}
	if got[0] != 0x41 {
		t.Fatal("original byte lost")
	}
	for i := 1; i < len(got); i++ {
		if got[i] != 0 {
			t.Fatalf("byte %d not zero-filled: 0x%x", i, got[i])
		}
	}
	_, n, err := fs.resolvePath("/x")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if n.blocks != 2*4096/uint64(SectorSize512) {
		t.Fatalf("file should span 2 blocks, i_blocks %d", n.blocks)
	}
}

func TestTruncateShrinkFreesBlocks(t *testing.T) {
	_, fs, err := mkfsAndMount(16384, 4096)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	content := bytes.Repeat([]byte{0x7}, 3*4096)
	if err := fs.Mkfile("/shrink", content, 0); err != nil {
		t.Fatalf("mkfile: %v", err)
	}
	freeAfterCreate := fs.sb.freeBlocks
	if err := fs.Truncate("/shrink", 1000); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if fs.sb.freeBlocks != freeAfterCreate+2 {
		t.Fatalf("shrink should free 2 blocks, freed %d", fs.sb.freeBlocks-freeAfterCreate)
	}
	got, err := fs.ReadFile("/shrink")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, content[:1000]) {
		t.Fatal("retained prefix mismatch")
	}
	// truncating to the same size is a no-op
	if err := fs.Truncate("/shrink", 1000); err != nil {
		t.Fatalf("no-op truncate: %v", err)
	}
}

func TestJournalReplayAfterDroppedHandle(t *testing.T) {
	dev, fs, err := mkfsAndMountJournal(16384, 4096, 64)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := fs.Mkfile("/j", []byte("PAYLOAD"), 0); err != nil {
		t.Fatalf("mkfile: %v", err)
	}
	if err := fs.flushAll(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	// drop the filesystem handle without umount: no superblock rewrite, no GDT rewrite

	fs2, err := Mount(dev, MountOptions{})
	if err != nil {
		t.Fatalf("mount after crash: %v", err)
	}
	got, err := fs2.ReadFile("/j")
	if err != nil {
		t.Fatalf("read after replay: %v", err)
	}
	if !bytes.Equal(got, []byte("PAYLOAD")) {
		t.Fatalf("content after replay: %q", got)
	}
	j, ok := fs2.journal.(*journal)
	if !ok {
		t.Fatal("journal not wired on the recovered mount")
	}
	if j.sequence < 2 {
		t.Fatalf("journal sequence should have advanced past the initial 1: %d", j.sequence)
	}
}

func TestHardLinkSharesInode(t *testing.T) {
	_, fs, err := mkfsAndMount(16384, 4096)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	content := []byte("linked content")
	if err := fs.Mkfile("/src", content, 0); err != nil {
		t.Fatalf("mkfile: %v", err)
	}
	if err := fs.Link("/src", "/lnk"); err != nil {
		t.Fatalf("link: %v", err)
	}

	srcIno, srcInode, err := fs.resolvePath("/src")
	if err != nil {
		t.Fatalf("resolve src: %v", err)
	}
	lnkIno, _, err := fs.resolvePath("/lnk")
	if err != nil {
		t.Fatalf("resolve lnk: %v", err)
	}
	if srcIno != lnkIno {
		t.Fatalf("hard link must share the inode: %d vs %d", srcIno, lnkIno)
	}
	if srcInode.linksCount != 2 {
		t.Fatalf("link count %d, want 2", srcInode.linksCount)
	}

	a, _ := fs.ReadFile("/src")
	b, _ := fs.ReadFile("/lnk")
	if !bytes.Equal(a, content) || !bytes.Equal(b, content) {
		t.Fatal("both paths must read the same bytes")
	}

	if err := fs.Unlink("/src"); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	if _, _, err := fs.resolvePath("/src"); err == nil {
		t.Fatal("/src must be gone")
	}
	got, err := fs.ReadFile("/lnk")
	if err != nil {
		t.Fatalf("surviving link unreadable: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("surviving link content mismatch")
	}
	_, n, err := fs.resolvePath("/lnk")
	if err != nil {
		t.Fatalf("resolve lnk: %v", err)
	}
	if n.linksCount != 1 {
		t.Fatalf("link count after unlink %d, want 1", n.linksCount)
	}
}

func TestLinkRejectsDirectory(t *testing.T) {
	_, fs, err := mkfsAndMount(16384, 4096)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := fs.Mkdir("/d"); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := fs.Link("/d", "/dlink"); err == nil {
		t.Fatal("hard links to directories must be rejected")
	}
}

func TestMoveDirectoryAcrossParents(t *testing.T) {
	_, fs, err := mkfsAndMount(16384, 4096)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	content := []byte("inner data")
	if err := fs.Mkdir("/d1"); err != nil {
		t.Fatalf("mkdir d1: %v", err)
	}
	if err := fs.Mkfile("/d1/inner", content, 0); err != nil {
		t.Fatalf("mkfile: %v", err)
	}
	if err := fs.Mkdir("/d2"); err != nil {
		t.Fatalf("mkdir d2: %v", err)
	}
	if err := fs.Mv("/d1", "/d2/d1_moved"); err != nil {
		t.Fatalf("mv: %v", err)
	}

	if _, _, err := fs.resolvePath("/d1/inner"); err == nil {
		t.Fatal("/d1/inner must no longer resolve")
	}
	got, err := fs.ReadFile("/d2/d1_moved/inner")
	if err != nil {
		t.Fatalf("moved file unreadable: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("moved file content mismatch")
	}

	// the moved directory's ".." must point at the new parent
	d2Ino, _, err := fs.resolvePath("/d2")
	if err != nil {
		t.Fatalf("resolve d2: %v", err)
	}
	dotdotIno, _, err := fs.resolvePath("/d2/d1_moved/..")
	if err != nil {
		t.Fatalf("resolve ..: %v", err)
	}
	if dotdotIno != d2Ino {
		t.Fatalf("moved directory's .. resolves to %d, want %d", dotdotIno, d2Ino)
	}

	// link counts moved with it: root lost the child, d2 gained it
	_, root, err := fs.resolvePath("/")
	if err != nil {
		t.Fatalf("resolve root: %v", err)
	}
	_, d2, err := fs.resolvePath("/d2")
	if err != nil {
		t.Fatalf("resolve d2: %v", err)
	}
	if root.linksCount != 4 { // ".", "..", lost+found, d2
		t.Fatalf("root link count %d, want 4", root.linksCount)
	}
	if d2.linksCount != 3 { // ".", parent entry, d1_moved's ".."
		t.Fatalf("d2 link count %d, want 3", d2.linksCount)
	}
}

func TestRenameRoundTrip(t *testing.T) {
	_, fs, err := mkfsAndMount(16384, 4096)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	content := []byte("stable bytes")
	if err := fs.Mkfile("/f", content, 0); err != nil {
		t.Fatalf("mkfile: %v", err)
	}
	if err := fs.Rename("/f", "/g"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if _, _, err := fs.resolvePath("/f"); err == nil {
		t.Fatal("/f must be gone after rename")
	}
	if err := fs.Rename("/g", "/f"); err != nil {
		t.Fatalf("rename back: %v", err)
	}
	got, err := fs.ReadFile("/f")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("content changed across rename round trip")
	}
}

func TestRenameRejectsExistingDestination(t *testing.T) {
	_, fs, err := mkfsAndMount(16384, 4096)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	fs.Mkfile("/one", []byte("1"), 0)
	fs.Mkfile("/two", []byte("2"), 0)
	if err := fs.Rename("/one", "/two"); err == nil {
		t.Fatal("rename over an existing destination must fail")
	}
	if got, _ := fs.ReadFile("/two"); !bytes.Equal(got, []byte("2")) {
		t.Fatal("destination content clobbered by failed rename")
	}
}

func TestDeleteFileRestoresFreeCounts(t *testing.T) {
	_, fs, err := mkfsAndMount(16384, 4096)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	freeBlocks, freeInodes := fs.sb.freeBlocks, fs.sb.freeInodes
	if err := fs.Mkfile("/victim", bytes.Repeat([]byte{9}, 3*4096), 0); err != nil {
		t.Fatalf("mkfile: %v", err)
	}
	if err := fs.DeleteFile("/victim"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if fs.sb.freeBlocks != freeBlocks || fs.sb.freeInodes != freeInodes {
		t.Fatalf("free counts not restored: blocks %d->%d inodes %d->%d",
			freeBlocks, fs.sb.freeBlocks, freeInodes, fs.sb.freeInodes)
	}
	if _, _, err := fs.resolvePath("/victim"); err == nil {
		t.Fatal("deleted file still resolves")
	}
}

func TestDeleteDirRecursive(t *testing.T) {
	_, fs, err := mkfsAndMount(16384, 4096)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	freeBlocks, freeInodes := fs.sb.freeBlocks, fs.sb.freeInodes
	usedDirs := fs.gds[0].usedDirectories

	if err := fs.Mkdir("/t/a/b"); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := fs.Mkfile("/t/a/file1", bytes.Repeat([]byte{1}, 4096), 0); err != nil {
		t.Fatalf("mkfile: %v", err)
	}
	if err := fs.Mkfile("/t/a/b/file2", []byte("deep"), 0); err != nil {
		t.Fatalf("mkfile: %v", err)
	}

	if err := fs.DeleteDir("/t"); err != nil {
		t.Fatalf("delete dir: %v", err)
	}
	if _, _, err := fs.resolvePath("/t"); err == nil {
		t.Fatal("/t still resolves")
	}
	if fs.sb.freeBlocks != freeBlocks || fs.sb.freeInodes != freeInodes {
		t.Fatalf("free counts not restored: blocks %d->%d inodes %d->%d",
			freeBlocks, fs.sb.freeBlocks, freeInodes, fs.sb.freeInodes)
	}
	if fs.gds[0].usedDirectories != usedDirs {
		t.Fatalf("used_dirs_count not restored: %d -> %d", usedDirs, fs.gds[0].usedDirectories)
	}
	_, root, err := fs.resolvePath("/")
	if err != nil {
		t.Fatalf("resolve root: %v", err)
	}
	if root.linksCount != 3 {
		t.Fatalf("root link count %d after subtree delete, want 3", root.linksCount)
	}
}

func TestSymlinkShortAndLong(t *testing.T) {
	dev, fs, err := mkfsAndMount(16384, 4096)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := fs.Symlink("target.txt", "/short"); err != nil {
		t.Fatalf("short symlink: %v", err)
	}
	longTarget := string(bytes.Repeat([]byte{'p'}, 100))
	if err := fs.Symlink(longTarget, "/long"); err != nil {
		t.Fatalf("long symlink: %v", err)
	}

	fs = remount(t, dev, fs)

	got, err := fs.Readlink("/short")
	if err != nil || got != "target.txt" {
		t.Fatalf("short readlink: (%q,%v)", got, err)
	}
	got, err = fs.Readlink("/long")
	if err != nil || got != longTarget {
		t.Fatalf("long readlink: (%d bytes,%v)", len(got), err)
	}

	_, short, err := fs.resolvePath("/short")
	if err != nil {
		t.Fatalf("resolve short: %v", err)
	}
	if !short.symlinkIsInline {
		t.Fatal("short target must be stored inline")
	}
	_, long, err := fs.resolvePath("/long")
	if err != nil {
		t.Fatalf("resolve long: %v", err)
	}
	if long.symlinkIsInline {
		t.Fatal("100-byte target must be block-backed")
	}
}

func TestWriteFileAtOffset(t *testing.T) {
	_, fs, err := mkfsAndMount(16384, 4096)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := fs.Mkfile("/w", []byte("hello"), 0); err != nil {
		t.Fatalf("mkfile: %v", err)
	}
	if err := fs.WriteFile("/w", 4098, []byte("zz")); err != nil {
		t.Fatalf("write at offset: %v", err)
	}
	got, err := fs.ReadFile("/w")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 4100 {
		t.Fatalf("size %d, want 4100", len(got))
	}
	if !bytes.Equal(got[:5], []byte("hello")) {
		t.Fatal("existing prefix clobbered")
	}
	for i := 5; i < 4098; i++ {
		if got[i] != 0 {
			t.Fatalf("gap byte %d not zero", i)
		}
	}
	if !bytes.Equal(got[4098:], []byte("zz")) {
		t.Fatal("written bytes missing")
	}

	// overwrite in place does not grow the file
	if err := fs.WriteFile("/w", 0, []byte("HELLO")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, _ = fs.ReadFile("/w")
	if len(got) != 4100 || !bytes.Equal(got[:5], []byte("HELLO")) {
		t.Fatalf("in-place overwrite wrong: %d bytes, %q", len(got), got[:5])
	}
}

func TestReadSparseHole(t *testing.T) {
	_, fs, err := mkfsAndMount(16384, 4096)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	// craft an inode whose only extent starts at logical block 2: blocks 0-1 are a hole
	phys, err := fs.allocBlock(0)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	marker := bytes.Repeat([]byte{0xCD}, fs.blockSize())
	if err := fs.writeDataBlock(phys, marker); err != nil {
		t.Fatalf("write: %v", err)
	}
	n := newRegularInode(999)
	newRoot, err := insertExtent(fs.extentCtx(), n.extentRoot, extentLeaf{block: 2, length: 1, start: phys})
	if err != nil {
		t.Fatalf("insertExtent: %v", err)
	}
	n.extentRoot = newRoot
	n.size = uint64(3 * fs.blockSize())

	buf := make([]byte, n.size)
	if _, err := fs.readExtentData(n, 0, buf); err != nil && err != io.EOF {
		t.Fatalf("read: %v", err)
	}
	for i := 0; i < 2*fs.blockSize(); i++ {
		if buf[i] != 0 {
			t.Fatalf("hole byte %d not zero", i)
		}
	}
	if !bytes.Equal(buf[2*fs.blockSize():], marker) {
		t.Fatal("mapped block content wrong")
	}
}

func TestOpenFileReadWriteSeek(t *testing.T) {
	_, fs, err := mkfsAndMount(16384, 4096)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	f, err := fs.OpenFile("/of", os.O_CREATE|os.O_RDWR)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.Write([]byte("abcdef")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		t.Fatalf("seek: %v", err)
	}
	buf := make([]byte, 6)
	nRead, err := f.Read(buf)
	if err != nil && err != io.EOF {
		t.Fatalf("read: %v", err)
	}
	if nRead != 6 || !bytes.Equal(buf, []byte("abcdef")) {
		t.Fatalf("read back %d bytes %q", nRead, buf[:nRead])
	}

	// seek relative to the end, overwrite the tail
	if _, err := f.Seek(-2, io.SeekEnd); err != nil {
		t.Fatalf("seek end: %v", err)
	}
	if _, err := f.Write([]byte("EF")); err != nil {
		t.Fatalf("tail write: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	got, err := fs.ReadFile("/of")
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if !bytes.Equal(got, []byte("abcdEF")) {
		t.Fatalf("final content %q", got)
	}

	if _, err := f.Seek(-100, io.SeekStart); err == nil {
		t.Fatal("seeking before the start must fail")
	}

	// append mode positions the cursor at the end
	fa, err := fs.OpenFile("/of", os.O_RDWR|os.O_APPEND)
	if err != nil {
		t.Fatalf("open append: %v", err)
	}
	if _, err := fa.Write([]byte("!")); err != nil {
		t.Fatalf("append write: %v", err)
	}
	got, _ = fs.ReadFile("/of")
	if !bytes.Equal(got, []byte("abcdEF!")) {
		t.Fatalf("append result %q", got)
	}
}

func TestOpenFileWithoutCreateFails(t *testing.T) {
	_, fs, err := mkfsAndMount(16384, 4096)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if _, err := fs.OpenFile("/nope", os.O_RDWR); err == nil {
		t.Fatal("open of a missing file without O_CREATE must fail")
	}
}

func TestReadDirListing(t *testing.T) {
	_, fs, err := mkfsAndMount(16384, 4096)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	fs.Mkdir("/dir")
	fs.Mkfile("/dir/aa", []byte("1"), 0)
	fs.Mkfile("/dir/bb", []byte("22"), 0)
	fs.Mkdir("/dir/sub")

	entries, err := fs.ReadDir("/dir")
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	byName := make(map[string]os.FileInfo)
	for _, e := range entries {
		byName[e.Name()] = e
	}
	if len(byName) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(byName))
	}
	if byName["aa"].Size() != 1 || byName["bb"].Size() != 2 {
		t.Fatal("file sizes wrong in listing")
	}
	if !byName["sub"].IsDir() || byName["aa"].IsDir() {
		t.Fatal("directory bits wrong in listing")
	}
}

func TestDirectoryGrowsPastOneBlock(t *testing.T) {
	dev, fs, err := mkfsAndMount(16384, 4096)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := fs.Mkdir("/big"); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	// enough entries to overflow the first 4096-byte directory block
	names := make([]string, 0, 300)
	for i := 0; i < 300; i++ {
		name := "/big/entry-" + string(rune('a'+i/26%26)) + string(rune('a'+i%26)) + "-" + string(rune('0'+i%10))
		names = append(names, name)
	}
	seen := make(map[string]bool)
	created := 0
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		if err := fs.Mkfile(name, []byte{1}, 0); err != nil {
			t.Fatalf("mkfile %s: %v", name, err)
		}
		created++
	}

	_, dir, err := fs.resolvePath("/big")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if dir.size <= uint64(fs.blockSize()) {
		t.Fatalf("directory did not grow: size %d", dir.size)
	}

	fs = remount(t, dev, fs)
	entries, err := fs.ReadDir("/big")
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != created {
		t.Fatalf("listing has %d entries, created %d", len(entries), created)
	}
}

func TestUnlinkLastLinkFreesInode(t *testing.T) {
	_, fs, err := mkfsAndMount(16384, 4096)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	freeInodes := fs.sb.freeInodes
	if err := fs.Mkfile("/gone", []byte("bye"), 0); err != nil {
		t.Fatalf("mkfile: %v", err)
	}
	if err := fs.Unlink("/gone"); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	if fs.sb.freeInodes != freeInodes {
		t.Fatalf("inode not freed: %d -> %d", freeInodes, fs.sb.freeInodes)
	}
	if err := fs.Unlink("/gone"); err == nil {
		t.Fatal("second unlink must fail")
	}
}

func TestMkfileModeBits(t *testing.T) {
	_, fs, err := mkfsAndMount(16384, 4096)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := fs.Mkfile("/exec", []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatalf("mkfile: %v", err)
	}
	_, n, err := fs.resolvePath("/exec")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if n.mode != modeRegular|0755 {
		t.Fatalf("mode 0x%x, want 0x%x", n.mode, modeRegular|0755)
	}

	if err := fs.Mkfile("/plain", nil, 0); err != nil {
		t.Fatalf("mkfile: %v", err)
	}
	_, n, err = fs.resolvePath("/plain")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if n.mode != modeRegular|0644 {
		t.Fatalf("default mode 0x%x, want 0x%x", n.mode, modeRegular|0644)
	}
}
