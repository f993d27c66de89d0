package ext4

import (
	"fmt"
	"testing"

	"github.com/go-test/deep"
)

// memExtentCtx is an in-memory extentContext: nodes are stored encoded, so every
// write/read pair exercises the node codec as well as the tree logic.
type memExtentCtx struct {
	bs     int
	nodes  map[uint64][]byte
	next   uint64
	allocs int
}

func newMemExtentCtx(bs int) *memExtentCtx {
	return &memExtentCtx{bs: bs, nodes: make(map[uint64][]byte), next: 1000}
}

func (c *memExtentCtx) readNode(phys uint64) (*extentNode, error) {
	b, ok := c.nodes[phys]
	if !ok {
		return nil, fmt.Errorf("no node at block %d", phys)
	}
	return extentNodeFromBytes(b)
}

func (c *memExtentCtx) writeNode(phys uint64, n *extentNode) error {
	b, err := n.toBytes(c.bs)
	if err != nil {
		return err
	}
	c.nodes[phys] = b
	return nil
}

func (c *memExtentCtx) allocBlock() (uint64, error) {
	c.next++
	c.allocs++
	return c.next, nil
}

func (c *memExtentCtx) blockSize() int { return c.bs }

func newInlineRoot() *extentNode {
	return &extentNode{max: extentCapacity(InlineAreaSize), depth: 0}
}

func TestExtentCapacity(t *testing.T) {
	if got := extentCapacity(InlineAreaSize); got != 4 {
		t.Fatalf("inline root capacity: got %d, want 4", got)
	}
	if got := extentCapacity(4096); got != 340 {
		t.Fatalf("full 4KiB block capacity: got %d, want 340", got)
	}
}

func TestExtentNodeCodec(t *testing.T) {
	leaf := &extentNode{
		entries: 3,
		max:     4,
		depth:   0,
		leaves: []extentLeaf{
			{block: 0, length: 5, start: 1000},
			{block: 10, length: 1, uninit: true, start: 0x1_0000_2000},
			{block: 20, length: 32768, start: 3000},
		},
	}
	b, err := leaf.toBytes(InlineAreaSize)
	if err != nil {
		t.Fatalf("toBytes error: %v", err)
	}
	if len(b) != InlineAreaSize {
		t.Fatalf("encoded node is %d bytes, want %d", len(b), InlineAreaSize)
	}
	parsed, err := extentNodeFromBytes(b)
	if err != nil {
		t.Fatalf("fromBytes error: %v", err)
	}
	if parsed.depth != 0 || parsed.entries != 3 || len(parsed.leaves) != 3 {
		t.Fatalf("leaf node shape mismatch: %+v", parsed)
	}
	if !parsed.leaves[1].uninit || parsed.leaves[1].length != 1 || parsed.leaves[1].start != 0x1_0000_2000 {
		t.Fatalf("uninit leaf with high physical bits mismatch: %+v", parsed.leaves[1])
	}
	reEncoded, err := parsed.toBytes(InlineAreaSize)
	if err != nil {
		t.Fatalf("re-encode error: %v", err)
	}
	if diff := deep.Equal(b, reEncoded); diff != nil {
		t.Fatalf("re-encoded leaf node differs: %v", diff)
	}

	index := &extentNode{
		entries: 2,
		max:     4,
		depth:   1,
		indexes: []extentIndex{
			{block: 0, leaf: 500},
			{block: 100, leaf: 0x2_0000_0600},
		},
	}
	b2, err := index.toBytes(InlineAreaSize)
	if err != nil {
		t.Fatalf("index toBytes error: %v", err)
	}
	parsedIdx, err := extentNodeFromBytes(b2)
	if err != nil {
		t.Fatalf("index fromBytes error: %v", err)
	}
	if parsedIdx.depth != 1 || len(parsedIdx.indexes) != 2 || parsedIdx.indexes[1].leaf != 0x2_0000_0600 {
		t.Fatalf("index node mismatch: %+v", parsedIdx)
	}
}

func TestExtentNodeBadMagic(t *testing.T) {
	b := make([]byte, InlineAreaSize)
	if _, err := extentNodeFromBytes(b); err == nil {
		t.Fatal("expected corruption error for zeroed extent area")
	} else if errCodeOf(err) != ErrCodeCorrupted {
		t.Fatalf("expected Corrupted, got %v", err)
	}
}

func TestMergeOrInsertLeaf(t *testing.T) {
	// append-contiguous: logical and physical both adjoin
	leaves := []extentLeaf{{block: 0, length: 1, start: 10}}
	out := mergeOrInsertLeaf(leaves, extentLeaf{block: 1, length: 1, start: 11})
	if len(out) != 1 || out[0].length != 2 {
		t.Fatalf("contiguous insert should merge: %+v", out)
	}

	// physically discontiguous: no merge
	leaves = []extentLeaf{{block: 0, length: 1, start: 10}}
	out = mergeOrInsertLeaf(leaves, extentLeaf{block: 1, length: 1, start: 99})
	if len(out) != 2 {
		t.Fatalf("discontiguous insert must not merge: %+v", out)
	}

	// insert before the first extent
	leaves = []extentLeaf{{block: 5, length: 1, start: 50}}
	out = mergeOrInsertLeaf(leaves, extentLeaf{block: 0, length: 1, start: 10})
	if len(out) != 2 || out[0].block != 0 || out[1].block != 5 {
		t.Fatalf("insert-before should keep sort order: %+v", out)
	}

	// insert in the middle
	leaves = []extentLeaf{{block: 0, length: 1, start: 10}, {block: 10, length: 1, start: 20}}
	out = mergeOrInsertLeaf(leaves, extentLeaf{block: 5, length: 1, start: 99})
	if len(out) != 3 || out[1].block != 5 {
		t.Fatalf("insert-middle misplaced: %+v", out)
	}

	// uninit flag mismatch blocks the merge
	leaves = []extentLeaf{{block: 0, length: 1, start: 10, uninit: true}}
	out = mergeOrInsertLeaf(leaves, extentLeaf{block: 1, length: 1, start: 11})
	if len(out) != 2 {
		t.Fatalf("uninit/init extents must not merge: %+v", out)
	}
}

func TestMergeSaturatesAtMaxLen(t *testing.T) {
	leaves := []extentLeaf{{block: 0, length: extentMaxLen - 1, start: 1000}}
	e := extentLeaf{block: uint32(extentMaxLen - 1), length: 2, start: 1000 + uint64(extentMaxLen-1)}
	out := mergeOrInsertLeaf(leaves, e)
	if len(out) != 2 {
		t.Fatalf("saturating merge should emit a tail extent: %+v", out)
	}
	if out[0].length != extentMaxLen {
		t.Fatalf("first extent should saturate at %d: %+v", extentMaxLen, out[0])
	}
	if out[1].block != uint32(extentMaxLen) || out[1].length != 1 {
		t.Fatalf("tail extent should carry the remainder: %+v", out[1])
	}
	if out[1].start != 1000+uint64(extentMaxLen) {
		t.Fatalf("tail extent physical start wrong: %+v", out[1])
	}
}

func TestLookupExtent(t *testing.T) {
	ctx := newMemExtentCtx(4096)
	root := newInlineRoot()
	root.leaves = []extentLeaf{
		{block: 0, length: 2, start: 100},
		{block: 10, length: 3, start: 200},
	}
	root.entries = 2

	phys, ok, err := lookupExtent(ctx, root, 1)
	if err != nil || !ok || phys != 101 {
		t.Fatalf("lookup within first run: (%d,%v,%v)", phys, ok, err)
	}
	phys, ok, err = lookupExtent(ctx, root, 12)
	if err != nil || !ok || phys != 202 {
		t.Fatalf("lookup within second run: (%d,%v,%v)", phys, ok, err)
	}
	_, ok, err = lookupExtent(ctx, root, 5)
	if err != nil || ok {
		t.Fatalf("lookup inside a hole should miss: (%v,%v)", ok, err)
	}
	_, ok, err = lookupExtent(ctx, root, 50)
	if err != nil || ok {
		t.Fatalf("lookup past the last run should miss: (%v,%v)", ok, err)
	}
}

func TestLookupExtentUninitReadsAsHole(t *testing.T) {
	ctx := newMemExtentCtx(4096)
	root := newInlineRoot()
	root.leaves = []extentLeaf{{block: 0, length: 4, start: 100, uninit: true}}
	root.entries = 1
	_, ok, err := lookupExtent(ctx, root, 2)
	if err != nil || ok {
		t.Fatalf("uninit extent should read as a hole: (%v,%v)", ok, err)
	}
}

func TestInsertExtentRootPromotion(t *testing.T) {
	ctx := newMemExtentCtx(4096)
	root := newInlineRoot()

	var err error
	// 5 non-mergeable runs: one more than the inline root can hold
	for i := 0; i < 5; i++ {
		e := extentLeaf{block: uint32(i * 10), length: 1, start: uint64(100 + i*7)}
		root, err = insertExtent(ctx, root, e)
		if err != nil {
			t.Fatalf("insert %d error: %v", i, err)
		}
	}
	if root.depth != 1 {
		t.Fatalf("root should have promoted to depth 1, got %d", root.depth)
	}
	if root.max != extentCapacity(InlineAreaSize) {
		t.Fatalf("promoted root must keep inline capacity: %d", root.max)
	}
	if ctx.allocs != 2 {
		t.Fatalf("promotion should allocate exactly two child blocks, got %d", ctx.allocs)
	}
	for i := 0; i < 5; i++ {
		phys, ok, err := lookupExtent(ctx, root, uint32(i*10))
		if err != nil || !ok || phys != uint64(100+i*7) {
			t.Fatalf("post-promotion lookup %d: (%d,%v,%v)", i, phys, ok, err)
		}
	}
}

func TestInsertManyExtents(t *testing.T) {
	ctx := newMemExtentCtx(4096)
	root := newInlineRoot()

	const count = 350
	var err error
	for i := 0; i < count; i++ {
		e := extentLeaf{block: uint32(i * 3), length: 1, start: uint64(100000 + i*7)}
		root, err = insertExtent(ctx, root, e)
		if err != nil {
			t.Fatalf("insert %d error: %v", i, err)
		}
	}

	if root.depth < 1 {
		t.Fatalf("inline root must have promoted, depth %d", root.depth)
	}
	if ctx.allocs < 3 {
		t.Fatalf("350 entries should overflow a single 340-entry block, allocs %d", ctx.allocs)
	}

	for i := 0; i < count; i++ {
		phys, ok, err := lookupExtent(ctx, root, uint32(i*3))
		if err != nil || !ok {
			t.Fatalf("extent %d not discoverable: (%v,%v)", i, ok, err)
		}
		if phys != uint64(100000+i*7) {
			t.Fatalf("extent %d resolved to %d, want %d", i, phys, 100000+i*7)
		}
	}

	triples, err := walkExtents(ctx, root)
	if err != nil {
		t.Fatalf("walkExtents error: %v", err)
	}
	if len(triples) != count {
		t.Fatalf("full walk yields %d runs, want %d", len(triples), count)
	}
	for i := 1; i < len(triples); i++ {
		if triples[i-1].logical+uint32(triples[i-1].length) > triples[i].logical {
			t.Fatalf("walk not sorted/overlapping at %d: %+v %+v", i, triples[i-1], triples[i])
		}
	}
}

func TestRunMerge(t *testing.T) {
	out := runMerge(0, []uint64{100, 101, 102, 200, 201, 500})
	want := []extentLeaf{
		{block: 0, length: 3, start: 100},
		{block: 3, length: 2, start: 200},
		{block: 5, length: 1, start: 500},
	}
	if len(out) != len(want) {
		t.Fatalf("runMerge produced %d runs, want %d: %+v", len(out), len(want), out)
	}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("run %d: got %+v, want %+v", i, out[i], want[i])
		}
	}

	if got := runMerge(7, nil); got != nil {
		t.Fatalf("empty input should produce no runs: %+v", got)
	}

	single := runMerge(9, []uint64{42})
	if len(single) != 1 || single[0].block != 9 || single[0].start != 42 || single[0].length != 1 {
		t.Fatalf("single-block run mismatch: %+v", single)
	}
}
