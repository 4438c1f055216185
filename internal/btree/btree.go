// Package btree implements a page-addressed B+Tree: fixed-size pages hold
// either internal routing nodes or leaf nodes, a leaf's right_sibling field
// threads a linked list across the bottom of the tree for range scans, and
// every key comparison is delegated to a CompareFunc supplied by the caller
// (the record layout, for typed comparison semantics).
package btree

import (
	"bytes"
	"context"
	"fmt"

	"treedb/internal/pager"
)

// maxPathDepth bounds how deep a descent may go before it is treated as
// corruption (a cycle or a runaway chain), matching the cursor's path-stack
// depth limit.
const maxPathDepth = 16

// CompareFunc orders two raw, fixed-width encoded keys the same way the
// record layout compares typed values.
type CompareFunc func(a, b []byte) int

// Descriptor is a tree's persisted geometry: derived once at creation time
// from page size, key size and record size, and from then on just data the
// catalog carries alongside a table or index's root page.
type Descriptor struct {
	Root       pager.PageIndex
	KeySize    int
	RecordSize int

	// AllowDuplicates marks a tree whose key is not required to be unique —
	// a secondary index, where several rows may share an indexed value.
	// Insert then appends after the existing run of equal keys instead of
	// rejecting it, so duplicates sort stably in insertion order; Delete's
	// single-entry-per-key contract no longer applies, so callers target one
	// occurrence with DeleteEntry instead.
	AllowDuplicates bool

	LeafMaxKeys    int
	LeafMinKeys    int
	LeafSplitIndex int

	InternalMaxKeys    int
	InternalMinKeys    int
	InternalSplitIndex int
}

// ComputeDescriptor derives node geometry from page size, key size and
// record size. It fails with ErrTooNarrow if either node kind would hold
// fewer than MinEntryCount entries — too narrow to split or merge safely.
func ComputeDescriptor(keySize, recordSize int) (Descriptor, error) {
	leafMax := (pager.PageSize - pager.HeaderSize) / (keySize + recordSize)
	internalMax := (pager.PageSize - pager.HeaderSize - 4) / (keySize + 4)
	if leafMax < MinEntryCount || internalMax < MinEntryCount {
		return Descriptor{}, fmt.Errorf("btree: %w: leaf max %d, internal max %d, need >= %d",
			ErrTooNarrow, leafMax, internalMax, MinEntryCount)
	}
	d := Descriptor{
		KeySize:            keySize,
		RecordSize:         recordSize,
		LeafMaxKeys:        leafMax,
		LeafMinKeys:        ceilDiv(leafMax, 2),
		LeafSplitIndex:     (leafMax + 1) / 2,
		InternalMaxKeys:    internalMax,
		InternalMinKeys:    ceilDiv(internalMax, 2),
		InternalSplitIndex: (internalMax + 1) / 2,
	}
	return d, nil
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }

// pathFrame records one internal page visited during a descent and which
// child slot was taken, so a later split or merge can walk back up without
// re-deriving the route from the key.
type pathFrame struct {
	page pager.PageIndex
	slot int
}

// Tree is a live, mounted B+Tree: a geometry Descriptor plus the pager and
// key comparator it was opened with.
type Tree struct {
	pgr *pager.Pager
	cmp CompareFunc
	d   Descriptor

	cursors map[*Cursor]struct{}
}

// Create allocates a fresh single-leaf-root tree with the given key and
// record sizes.
func Create(ctx context.Context, pgr *pager.Pager, cmp CompareFunc, keySize, recordSize int) (*Tree, error) {
	return create(ctx, pgr, cmp, keySize, recordSize, false)
}

// CreateAllowingDuplicates is Create for a secondary-index tree: Insert
// never rejects an equal key, instead appending it after the existing run
// of equal keys so duplicates sort stably in insertion order.
func CreateAllowingDuplicates(ctx context.Context, pgr *pager.Pager, cmp CompareFunc, keySize, recordSize int) (*Tree, error) {
	return create(ctx, pgr, cmp, keySize, recordSize, true)
}

func create(ctx context.Context, pgr *pager.Pager, cmp CompareFunc, keySize, recordSize int, allowDuplicates bool) (*Tree, error) {
	d, err := ComputeDescriptor(keySize, recordSize)
	if err != nil {
		return nil, err
	}
	d.AllowDuplicates = allowDuplicates
	root, err := pgr.Allocate(ctx)
	if err != nil {
		return nil, err
	}
	pager.WriteHeader(root.Buf, pager.Header{Type: pager.TypeLeaf})
	pgr.MarkDirty(root.Index)
	d.Root = root.Index
	root.Put()
	return &Tree{pgr: pgr, cmp: cmp, d: d, cursors: make(map[*Cursor]struct{})}, nil
}

// Open mounts a tree from a previously persisted Descriptor (the catalog's
// job: it owns where descriptors live on disk).
func Open(pgr *pager.Pager, cmp CompareFunc, d Descriptor) *Tree {
	return &Tree{pgr: pgr, cmp: cmp, d: d, cursors: make(map[*Cursor]struct{})}
}

// Descriptor returns the tree's current geometry and root, for the catalog
// to persist.
func (t *Tree) Descriptor() Descriptor { return t.d }

// SetRoot rewinds (or otherwise repoints) the tree to a different root page,
// without touching any page contents. Used by snapshot restore, which then
// diffs reachability before and after to find pages orphaned by the rewind.
func (t *Tree) SetRoot(root pager.PageIndex) { t.d.Root = root }

// ReachablePages returns every page index reachable from the tree's current
// root: the root itself, every internal node, and every leaf.
func (t *Tree) ReachablePages(ctx context.Context) (map[pager.PageIndex]bool, error) {
	seen := make(map[pager.PageIndex]bool)
	if err := t.walkReachable(ctx, t.d.Root, seen); err != nil {
		return nil, err
	}
	return seen, nil
}

func (t *Tree) walkReachable(ctx context.Context, idx pager.PageIndex, seen map[pager.PageIndex]bool) error {
	if seen[idx] {
		return nil
	}
	seen[idx] = true
	pg, err := t.pgr.Fetch(ctx, idx)
	if err != nil {
		return err
	}
	h := pager.ReadHeader(pg.Buf)
	if h.Type == pager.TypeLeaf {
		pg.Put()
		return nil
	}
	n := int(h.KeyCount)
	iv := t.internalView(pg.Buf)
	children := make([]pager.PageIndex, n+1)
	for i := 0; i <= n; i++ {
		children[i] = iv.child(i, n)
	}
	pg.Put()
	for _, c := range children {
		if err := t.walkReachable(ctx, c, seen); err != nil {
			return err
		}
	}
	return nil
}

// Clone deep-copies every page reachable from the tree's current root into
// freshly allocated pages, and returns the new root. The copy is a frozen
// point-in-time snapshot: later in-place mutation of the live tree (splits,
// merges, borrows all rewrite leaf/internal pages in place) never touches
// the cloned pages, unlike recording the live root value alone. Children are
// cloned left to right, so leaf right_sibling pointers can be threaded as
// the recursion goes without a separate old->new page map.
func (t *Tree) Clone(ctx context.Context) (pager.PageIndex, error) {
	var prevLeaf pager.PageIndex
	return t.cloneNode(ctx, t.d.Root, 0, &prevLeaf)
}

func (t *Tree) cloneNode(ctx context.Context, idx, newParent pager.PageIndex, prevLeaf *pager.PageIndex) (pager.PageIndex, error) {
	pg, err := t.pgr.Fetch(ctx, idx)
	if err != nil {
		return 0, err
	}
	h := pager.ReadHeader(pg.Buf)

	if h.Type == pager.TypeLeaf {
		n := int(h.KeyCount)
		keys, records := leafAll(pg.Buf, n, t.d.KeySize, t.d.RecordSize)
		pg.Put()

		newPg, err := t.pgr.Allocate(ctx)
		if err != nil {
			return 0, err
		}
		leafWriteAll(newPg.Buf, keys, records, t.d.KeySize, t.d.RecordSize, newParent, 0)
		t.pgr.MarkDirty(newPg.Index)
		newIdx := newPg.Index
		newPg.Put()

		if *prevLeaf != 0 {
			if err := t.setRightSibling(ctx, *prevLeaf, newIdx); err != nil {
				return 0, err
			}
		}
		*prevLeaf = newIdx
		return newIdx, nil
	}

	n := int(h.KeyCount)
	keys, children := internalAll(pg.Buf, n, t.d.KeySize)
	pg.Put()

	newPg, err := t.pgr.Allocate(ctx)
	if err != nil {
		return 0, err
	}
	newIdx := newPg.Index
	newPg.Put()

	newChildren := make([]pager.PageIndex, len(children))
	for i, c := range children {
		nc, err := t.cloneNode(ctx, c, newIdx, prevLeaf)
		if err != nil {
			return 0, err
		}
		newChildren[i] = nc
	}

	newPg, err = t.pgr.Fetch(ctx, newIdx)
	if err != nil {
		return 0, err
	}
	internalWriteAll(newPg.Buf, keys, newChildren, t.d.KeySize, newParent)
	t.pgr.MarkDirty(newIdx)
	newPg.Put()
	return newIdx, nil
}

func (t *Tree) setRightSibling(ctx context.Context, idx, sibling pager.PageIndex) error {
	pg, err := t.pgr.Fetch(ctx, idx)
	if err != nil {
		return err
	}
	h := pager.ReadHeader(pg.Buf)
	h.RightSibling = sibling
	pager.WriteHeader(pg.Buf, h)
	t.pgr.MarkDirty(idx)
	pg.Put()
	return nil
}

// registerCursor and unregisterCursor let the tree invalidate every other
// open cursor when a structural mutation (split, merge, or rebalancing
// borrow) changes node layouts out from under a saved path.
func (t *Tree) registerCursor(c *Cursor) { t.cursors[c] = struct{}{} }

func (t *Tree) unregisterCursor(c *Cursor) { delete(t.cursors, c) }

// invalidateOthers marks every registered cursor other than except as
// RequiresSeek. A nil except invalidates all of them.
func (t *Tree) invalidateOthers(except *Cursor) {
	for c := range t.cursors {
		if c == except {
			continue
		}
		if c.state == StateValid {
			c.state = StateRequiresSeek
		}
	}
}

func (t *Tree) leafView(buf []byte) leafView {
	return leafView{buf: buf, keySize: t.d.KeySize, recSize: t.d.RecordSize}
}

func (t *Tree) internalView(buf []byte) internalView {
	return internalView{buf: buf, keySize: t.d.KeySize}
}

// descend walks from the root to the leaf that should contain key, returning
// the path of internal frames visited, the pinned leaf page (caller must
// Put), and the position within the leaf where key belongs (the smallest
// index whose key is >= the sought key, or the leaf's key count).
func (t *Tree) descend(ctx context.Context, key []byte) ([]pathFrame, *pager.Page, int, error) {
	idx := t.d.Root
	var path []pathFrame
	for {
		if len(path) > maxPathDepth {
			return nil, nil, 0, fmt.Errorf("btree: descent exceeded max depth %d", maxPathDepth)
		}
		pg, err := t.pgr.Fetch(ctx, idx)
		if err != nil {
			return nil, nil, 0, err
		}
		h := pager.ReadHeader(pg.Buf)
		if h.Type == pager.TypeLeaf {
			pos := t.leafSearch(pg.Buf, int(h.KeyCount), key)
			return path, pg, pos, nil
		}
		iv := t.internalView(pg.Buf)
		n := int(h.KeyCount)
		i := 0
		for ; i < n; i++ {
			if t.cmp(key, iv.key(i)) < 0 {
				break
			}
		}
		child := iv.child(i, n)
		path = append(path, pathFrame{page: idx, slot: i})
		pg.Put()
		idx = child
	}
}

// leafSearch returns the smallest index j in [0, count] such that the leaf's
// j-th key is >= key.
func (t *Tree) leafSearch(buf []byte, count int, key []byte) int {
	v := t.leafView(buf)
	lo, hi := 0, count
	for lo < hi {
		mid := (lo + hi) / 2
		if t.cmp(v.key(mid), key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// Find looks up key and returns its record, or ErrKeyNotFound.
func (t *Tree) Find(ctx context.Context, key []byte) ([]byte, error) {
	_, leaf, pos, err := t.descend(ctx, key)
	if err != nil {
		return nil, err
	}
	defer leaf.Put()
	h := pager.ReadHeader(leaf.Buf)
	n := int(h.KeyCount)
	v := t.leafView(leaf.Buf)
	if pos >= n || t.cmp(v.key(pos), key) != 0 {
		return nil, ErrKeyNotFound
	}
	rec := make([]byte, t.d.RecordSize)
	copy(rec, v.record(pos))
	return rec, nil
}

// Insert adds a new (key, record) pair, failing with ErrDuplicateKey if key
// is already present — unless the tree allows duplicates, in which case the
// new entry is appended after the existing run of equal keys instead.
func (t *Tree) Insert(ctx context.Context, key, record []byte) error {
	path, leaf, pos, err := t.descend(ctx, key)
	if err != nil {
		return err
	}
	h := pager.ReadHeader(leaf.Buf)
	n := int(h.KeyCount)
	v := t.leafView(leaf.Buf)
	if pos < n && t.cmp(v.key(pos), key) == 0 {
		if !t.d.AllowDuplicates {
			leaf.Put()
			return ErrDuplicateKey
		}
		for pos < n && t.cmp(v.key(pos), key) == 0 {
			pos++
		}
	}

	if n < t.d.LeafMaxKeys {
		v.insertAt(pos, n, key, record)
		h.KeyCount = uint16(n + 1)
		pager.WriteHeader(leaf.Buf, h)
		t.pgr.MarkDirty(leaf.Index)
		leaf.Put()
		return nil
	}

	// Slow path: the leaf is full. Rewrite it and a new right sibling from a
	// bulk-decoded, now-one-longer slice, then propagate the separator up.
	leafIdx := leaf.Index
	keys, records := leafAll(leaf.Buf, n, t.d.KeySize, t.d.RecordSize)
	keys = insertBytesAt(keys, pos, key)
	records = insertBytesAt(records, pos, record)

	split := t.d.LeafSplitIndex
	rightPage, err := t.pgr.Allocate(ctx)
	if err != nil {
		leaf.Put()
		return err
	}
	oldRightSibling := h.RightSibling
	parent := h.Parent
	leafWriteAll(leaf.Buf, keys[:split], records[:split], t.d.KeySize, t.d.RecordSize, parent, rightPage.Index)
	leafWriteAll(rightPage.Buf, keys[split:], records[split:], t.d.KeySize, t.d.RecordSize, parent, oldRightSibling)
	t.pgr.MarkDirty(leafIdx)
	t.pgr.MarkDirty(rightPage.Index)
	sep := keys[split]
	rightIdx := rightPage.Index
	leaf.Put()
	rightPage.Put()

	t.invalidateOthers(nil)
	return t.insertIntoParent(ctx, path, leafIdx, rightIdx, sep)
}

// insertIntoParent links a newly split right-hand sibling into its parent,
// recursing (and possibly creating a new root) if the parent itself is full.
func (t *Tree) insertIntoParent(ctx context.Context, path []pathFrame, left, right pager.PageIndex, sep []byte) error {
	if len(path) == 0 {
		newRoot, err := t.pgr.Allocate(ctx)
		if err != nil {
			return err
		}
		internalWriteAll(newRoot.Buf, [][]byte{dup(sep)}, []pager.PageIndex{left, right}, t.d.KeySize, 0)
		t.pgr.MarkDirty(newRoot.Index)
		if err := t.reparent(ctx, left, newRoot.Index); err != nil {
			newRoot.Put()
			return err
		}
		if err := t.reparent(ctx, right, newRoot.Index); err != nil {
			newRoot.Put()
			return err
		}
		t.d.Root = newRoot.Index
		newRoot.Put()
		return nil
	}

	frame := path[len(path)-1]
	parentPg, err := t.pgr.Fetch(ctx, frame.page)
	if err != nil {
		return err
	}
	h := pager.ReadHeader(parentPg.Buf)
	n := int(h.KeyCount)
	keys, children := internalAll(parentPg.Buf, n, t.d.KeySize)
	keys = insertBytesAt(keys, frame.slot, sep)
	children = insertChildAt(children, frame.slot+1, right)

	if len(keys) <= t.d.InternalMaxKeys {
		internalWriteAll(parentPg.Buf, keys, children, t.d.KeySize, h.Parent)
		t.pgr.MarkDirty(frame.page)
		parentPg.Put()
		return nil
	}

	// Parent is full too: split it, promoting its median key.
	split := t.d.InternalSplitIndex
	median := keys[split]
	leftKeys, rightKeys := keys[:split], keys[split+1:]
	leftChildren, rightChildren := children[:split+1], children[split+1:]

	rightPage, err := t.pgr.Allocate(ctx)
	if err != nil {
		parentPg.Put()
		return err
	}
	grandparent := h.Parent
	internalWriteAll(parentPg.Buf, leftKeys, leftChildren, t.d.KeySize, grandparent)
	internalWriteAll(rightPage.Buf, rightKeys, rightChildren, t.d.KeySize, grandparent)
	t.pgr.MarkDirty(frame.page)
	t.pgr.MarkDirty(rightPage.Index)
	if err := t.reparentAll(ctx, rightChildren, rightPage.Index); err != nil {
		parentPg.Put()
		rightPage.Put()
		return err
	}
	rightIdx := rightPage.Index
	parentPg.Put()
	rightPage.Put()

	return t.insertIntoParent(ctx, path[:len(path)-1], frame.page, rightIdx, median)
}

// reparent updates one child page's stored parent pointer.
func (t *Tree) reparent(ctx context.Context, child, parent pager.PageIndex) error {
	pg, err := t.pgr.Fetch(ctx, child)
	if err != nil {
		return err
	}
	h := pager.ReadHeader(pg.Buf)
	h.Parent = parent
	pager.WriteHeader(pg.Buf, h)
	t.pgr.MarkDirty(child)
	pg.Put()
	return nil
}

func (t *Tree) reparentAll(ctx context.Context, children []pager.PageIndex, parent pager.PageIndex) error {
	for _, c := range children {
		if err := t.reparent(ctx, c, parent); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes key, failing with ErrKeyNotFound if absent. Underflow after
// removal triggers a borrow from a sibling or, failing that, a merge, which
// may cascade up through ancestors and collapse the root.
func (t *Tree) Delete(ctx context.Context, key []byte) error {
	path, leaf, pos, err := t.descend(ctx, key)
	if err != nil {
		return err
	}
	h := pager.ReadHeader(leaf.Buf)
	n := int(h.KeyCount)
	v := t.leafView(leaf.Buf)
	if pos >= n || t.cmp(v.key(pos), key) != 0 {
		leaf.Put()
		return ErrKeyNotFound
	}

	v.deleteAt(pos, n)
	h.KeyCount = uint16(n - 1)
	pager.WriteHeader(leaf.Buf, h)
	t.pgr.MarkDirty(leaf.Index)
	leafIdx := leaf.Index
	leaf.Put()

	if len(path) == 0 || n-1 >= t.d.LeafMinKeys {
		return nil
	}

	t.invalidateOthers(nil)
	return t.rebalanceLeaf(ctx, path, leafIdx)
}

// DeleteEntry removes one specific (key, record) pair from a tree that
// allows duplicate keys, scanning the run of entries sharing key — which
// may span more than one leaf — for the one whose record matches exactly.
// It fails with ErrKeyNotFound if no entry with both key and record exists.
func (t *Tree) DeleteEntry(ctx context.Context, key, record []byte) error {
	searchKey := key
	for {
		path, leaf, pos, err := t.descend(ctx, searchKey)
		if err != nil {
			return err
		}
		h := pager.ReadHeader(leaf.Buf)
		n := int(h.KeyCount)
		v := t.leafView(leaf.Buf)

		found := -1
		p := pos
		for p < n && t.cmp(v.key(p), key) == 0 {
			if bytes.Equal(v.record(p), record) {
				found = p
				break
			}
			p++
		}

		if found >= 0 {
			v.deleteAt(found, n)
			h.KeyCount = uint16(n - 1)
			pager.WriteHeader(leaf.Buf, h)
			t.pgr.MarkDirty(leaf.Index)
			leafIdx := leaf.Index
			leaf.Put()

			if len(path) == 0 || n-1 >= t.d.LeafMinKeys {
				return nil
			}
			t.invalidateOthers(nil)
			return t.rebalanceLeaf(ctx, path, leafIdx)
		}

		if p < n || n == 0 || t.cmp(v.key(n-1), key) != 0 {
			// The run of equal keys ended (or never started) in this leaf
			// without a matching record: no such entry exists.
			leaf.Put()
			return ErrKeyNotFound
		}

		// The equal-key run reaches this leaf's last entry, so it may
		// continue onto the right sibling; re-descend on that leaf's first
		// key and keep scanning.
		right := h.RightSibling
		leaf.Put()
		if right == 0 {
			return ErrKeyNotFound
		}
		rightPg, err := t.pgr.Fetch(ctx, right)
		if err != nil {
			return err
		}
		rh := pager.ReadHeader(rightPg.Buf)
		if int(rh.KeyCount) == 0 {
			rightPg.Put()
			return ErrKeyNotFound
		}
		rv := t.leafView(rightPg.Buf)
		searchKey = dup(rv.key(0))
		rightPg.Put()
	}
}

// rebalanceLeaf restores leafIdx's minimum occupancy by borrowing from a
// sibling, or merging with one when neither sibling has spare entries. Left
// is preferred over right when both qualify.
func (t *Tree) rebalanceLeaf(ctx context.Context, path []pathFrame, leafIdx pager.PageIndex) error {
	frame := path[len(path)-1]
	parentPg, err := t.pgr.Fetch(ctx, frame.page)
	if err != nil {
		return err
	}
	ph := pager.ReadHeader(parentPg.Buf)
	pn := int(ph.KeyCount)
	piv := t.internalView(parentPg.Buf)
	slot := frame.slot

	hasLeft := slot > 0
	hasRight := slot < pn

	if hasLeft {
		leftIdx := piv.child(slot-1, pn)
		leftPg, err := t.pgr.Fetch(ctx, leftIdx)
		if err != nil {
			parentPg.Put()
			return err
		}
		lh := pager.ReadHeader(leftPg.Buf)
		ln := int(lh.KeyCount)
		if ln > t.d.LeafMinKeys {
			lv := t.leafView(leftPg.Buf)
			bKey := dup(lv.key(ln - 1))
			bRec := dup(lv.record(ln - 1))
			lv.deleteAt(ln-1, ln)
			lh.KeyCount = uint16(ln - 1)
			pager.WriteHeader(leftPg.Buf, lh)
			t.pgr.MarkDirty(leftIdx)
			leftPg.Put()

			leafPg, err := t.pgr.Fetch(ctx, leafIdx)
			if err != nil {
				parentPg.Put()
				return err
			}
			rh := pager.ReadHeader(leafPg.Buf)
			rn := int(rh.KeyCount)
			rv := t.leafView(leafPg.Buf)
			rv.insertAt(0, rn, bKey, bRec)
			rh.KeyCount = uint16(rn + 1)
			pager.WriteHeader(leafPg.Buf, rh)
			t.pgr.MarkDirty(leafIdx)
			leafPg.Put()

			piv.setKey(slot-1, bKey)
			t.pgr.MarkDirty(frame.page)
			parentPg.Put()
			return nil
		}
		leftPg.Put()
	}

	if hasRight {
		rightIdx := piv.child(slot+1, pn)
		rightPg, err := t.pgr.Fetch(ctx, rightIdx)
		if err != nil {
			parentPg.Put()
			return err
		}
		rh := pager.ReadHeader(rightPg.Buf)
		rn := int(rh.KeyCount)
		if rn > t.d.LeafMinKeys {
			rv := t.leafView(rightPg.Buf)
			bKey := dup(rv.key(0))
			bRec := dup(rv.record(0))
			rv.deleteAt(0, rn)
			rh.KeyCount = uint16(rn - 1)
			pager.WriteHeader(rightPg.Buf, rh)
			newSep := dup(rv.key(0))
			t.pgr.MarkDirty(rightIdx)
			rightPg.Put()

			leafPg, err := t.pgr.Fetch(ctx, leafIdx)
			if err != nil {
				parentPg.Put()
				return err
			}
			lh := pager.ReadHeader(leafPg.Buf)
			ln := int(lh.KeyCount)
			lv := t.leafView(leafPg.Buf)
			lv.insertAt(ln, ln, bKey, bRec)
			lh.KeyCount = uint16(ln + 1)
			pager.WriteHeader(leafPg.Buf, lh)
			t.pgr.MarkDirty(leafIdx)
			leafPg.Put()

			piv.setKey(slot, newSep)
			t.pgr.MarkDirty(frame.page)
			parentPg.Put()
			return nil
		}
		rightPg.Put()
	}

	parentPg.Put()

	if hasLeft {
		leftIdx := piv.child(slot-1, pn)
		if err := t.mergeLeaves(ctx, leftIdx, leafIdx); err != nil {
			return err
		}
		return t.removeFromInternal(ctx, path, slot-1, slot)
	}
	if hasRight {
		rightIdx := piv.child(slot+1, pn)
		if err := t.mergeLeaves(ctx, leafIdx, rightIdx); err != nil {
			return err
		}
		return t.removeFromInternal(ctx, path, slot, slot+1)
	}
	// A leaf with no siblings at all is the tree's only leaf; nothing to
	// rebalance against.
	return nil
}

// mergeLeaves appends rightIdx's entries onto leftIdx, relinks leftIdx's
// right_sibling, and frees rightIdx.
func (t *Tree) mergeLeaves(ctx context.Context, leftIdx, rightIdx pager.PageIndex) error {
	leftPg, err := t.pgr.Fetch(ctx, leftIdx)
	if err != nil {
		return err
	}
	rightPg, err := t.pgr.Fetch(ctx, rightIdx)
	if err != nil {
		leftPg.Put()
		return err
	}
	lh := pager.ReadHeader(leftPg.Buf)
	rh := pager.ReadHeader(rightPg.Buf)
	lKeys, lRecs := leafAll(leftPg.Buf, int(lh.KeyCount), t.d.KeySize, t.d.RecordSize)
	rKeys, rRecs := leafAll(rightPg.Buf, int(rh.KeyCount), t.d.KeySize, t.d.RecordSize)
	keys := append(lKeys, rKeys...)
	recs := append(lRecs, rRecs...)
	leafWriteAll(leftPg.Buf, keys, recs, t.d.KeySize, t.d.RecordSize, lh.Parent, rh.RightSibling)
	t.pgr.MarkDirty(leftIdx)
	leftPg.Put()
	rightPg.Put()
	return t.pgr.Free(rightIdx)
}

// mergeInternal appends rightIdx's separator+children onto leftIdx through
// the demoted parent separator sep, and frees rightIdx.
func (t *Tree) mergeInternal(ctx context.Context, leftIdx, rightIdx pager.PageIndex, sep []byte) error {
	leftPg, err := t.pgr.Fetch(ctx, leftIdx)
	if err != nil {
		return err
	}
	rightPg, err := t.pgr.Fetch(ctx, rightIdx)
	if err != nil {
		leftPg.Put()
		return err
	}
	lh := pager.ReadHeader(leftPg.Buf)
	rh := pager.ReadHeader(rightPg.Buf)
	lKeys, lChildren := internalAll(leftPg.Buf, int(lh.KeyCount), t.d.KeySize)
	rKeys, rChildren := internalAll(rightPg.Buf, int(rh.KeyCount), t.d.KeySize)

	keys := append(lKeys, dup(sep))
	keys = append(keys, rKeys...)
	children := append(lChildren, rChildren...)

	internalWriteAll(leftPg.Buf, keys, children, t.d.KeySize, lh.Parent)
	t.pgr.MarkDirty(leftIdx)
	if err := t.reparentAll(ctx, rChildren, leftIdx); err != nil {
		leftPg.Put()
		rightPg.Put()
		return err
	}
	leftPg.Put()
	rightPg.Put()
	return t.pgr.Free(rightIdx)
}

// removeFromInternal drops the separator at sepIdx and the child pointer at
// childIdx from the parent named by the last frame of path, rebalancing (or
// collapsing the root) if that leaves it underfull.
func (t *Tree) removeFromInternal(ctx context.Context, path []pathFrame, sepIdx, childIdx int) error {
	frame := path[len(path)-1]
	parentPg, err := t.pgr.Fetch(ctx, frame.page)
	if err != nil {
		return err
	}
	h := pager.ReadHeader(parentPg.Buf)
	n := int(h.KeyCount)
	keys, children := internalAll(parentPg.Buf, n, t.d.KeySize)
	keys = deleteBytesAt(keys, sepIdx)
	children = deleteChildAt(children, childIdx)
	internalWriteAll(parentPg.Buf, keys, children, t.d.KeySize, h.Parent)
	t.pgr.MarkDirty(frame.page)
	newCount := len(keys)

	if len(path) == 1 {
		if newCount == 0 {
			// Root collapsed to a single child: that child becomes the new
			// root, and the old root page is freed.
			t.d.Root = children[0]
			if err := t.reparent(ctx, children[0], 0); err != nil {
				parentPg.Put()
				return err
			}
			oldRoot := frame.page
			parentPg.Put()
			return t.pgr.Free(oldRoot)
		}
		parentPg.Put()
		return nil
	}

	if newCount >= t.d.InternalMinKeys {
		parentPg.Put()
		return nil
	}
	parentPg.Put()
	return t.rebalanceInternal(ctx, path[:len(path)-1], frame.page)
}

// rebalanceInternal restores nodeIdx's minimum occupancy the same way
// rebalanceLeaf does for leaves: borrow from a sibling through the parent
// separator, or merge with one, cascading upward.
func (t *Tree) rebalanceInternal(ctx context.Context, path []pathFrame, nodeIdx pager.PageIndex) error {
	frame := path[len(path)-1]
	parentPg, err := t.pgr.Fetch(ctx, frame.page)
	if err != nil {
		return err
	}
	ph := pager.ReadHeader(parentPg.Buf)
	pn := int(ph.KeyCount)
	piv := t.internalView(parentPg.Buf)
	slot := frame.slot

	hasLeft := slot > 0
	hasRight := slot < pn

	if hasLeft {
		leftIdx := piv.child(slot-1, pn)
		leftPg, err := t.pgr.Fetch(ctx, leftIdx)
		if err != nil {
			parentPg.Put()
			return err
		}
		lh := pager.ReadHeader(leftPg.Buf)
		ln := int(lh.KeyCount)
		if ln > t.d.InternalMinKeys {
			lKeys, lChildren := internalAll(leftPg.Buf, ln, t.d.KeySize)
			borrowedKey := lKeys[ln-1]
			borrowedChild := lChildren[ln]
			sepDown := dup(piv.key(slot - 1))

			internalWriteAll(leftPg.Buf, lKeys[:ln-1], lChildren[:ln], t.d.KeySize, lh.Parent)
			t.pgr.MarkDirty(leftIdx)
			leftPg.Put()

			nodePg, err := t.pgr.Fetch(ctx, nodeIdx)
			if err != nil {
				parentPg.Put()
				return err
			}
			nh := pager.ReadHeader(nodePg.Buf)
			nn := int(nh.KeyCount)
			nKeys, nChildren := internalAll(nodePg.Buf, nn, t.d.KeySize)
			nKeys = insertBytesAt(nKeys, 0, sepDown)
			nChildren = insertChildAt(nChildren, 0, borrowedChild)
			internalWriteAll(nodePg.Buf, nKeys, nChildren, t.d.KeySize, nh.Parent)
			t.pgr.MarkDirty(nodeIdx)
			if err := t.reparent(ctx, borrowedChild, nodeIdx); err != nil {
				nodePg.Put()
				parentPg.Put()
				return err
			}
			nodePg.Put()

			piv.setKey(slot-1, borrowedKey)
			t.pgr.MarkDirty(frame.page)
			parentPg.Put()
			return nil
		}
		leftPg.Put()
	}

	if hasRight {
		rightIdx := piv.child(slot+1, pn)
		rightPg, err := t.pgr.Fetch(ctx, rightIdx)
		if err != nil {
			parentPg.Put()
			return err
		}
		rh := pager.ReadHeader(rightPg.Buf)
		rn := int(rh.KeyCount)
		if rn > t.d.InternalMinKeys {
			rKeys, rChildren := internalAll(rightPg.Buf, rn, t.d.KeySize)
			borrowedKey := rKeys[0]
			borrowedChild := rChildren[0]
			sepDown := dup(piv.key(slot))

			internalWriteAll(rightPg.Buf, rKeys[1:], rChildren[1:], t.d.KeySize, rh.Parent)
			t.pgr.MarkDirty(rightIdx)
			rightPg.Put()

			nodePg, err := t.pgr.Fetch(ctx, nodeIdx)
			if err != nil {
				parentPg.Put()
				return err
			}
			nh := pager.ReadHeader(nodePg.Buf)
			nn := int(nh.KeyCount)
			nKeys, nChildren := internalAll(nodePg.Buf, nn, t.d.KeySize)
			nKeys = append(nKeys, sepDown)
			nChildren = append(nChildren, borrowedChild)
			internalWriteAll(nodePg.Buf, nKeys, nChildren, t.d.KeySize, nh.Parent)
			t.pgr.MarkDirty(nodeIdx)
			if err := t.reparent(ctx, borrowedChild, nodeIdx); err != nil {
				nodePg.Put()
				parentPg.Put()
				return err
			}
			nodePg.Put()

			piv.setKey(slot, borrowedKey)
			t.pgr.MarkDirty(frame.page)
			parentPg.Put()
			return nil
		}
		rightPg.Put()
	}

	parentPg.Put()

	if hasLeft {
		leftIdx := piv.child(slot-1, pn)
		sep := dup(piv.key(slot - 1))
		if err := t.mergeInternal(ctx, leftIdx, nodeIdx, sep); err != nil {
			return err
		}
		return t.removeFromInternal(ctx, path, slot-1, slot)
	}
	rightIdx := piv.child(slot+1, pn)
	sep := dup(piv.key(slot))
	if err := t.mergeInternal(ctx, nodeIdx, rightIdx, sep); err != nil {
		return err
	}
	return t.removeFromInternal(ctx, path, slot, slot+1)
}

func dup(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func insertBytesAt(s [][]byte, i int, v []byte) [][]byte {
	s = append(s, nil)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func deleteBytesAt(s [][]byte, i int) [][]byte {
	return append(s[:i], s[i+1:]...)
}

func insertChildAt(s []pager.PageIndex, i int, v pager.PageIndex) []pager.PageIndex {
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func deleteChildAt(s []pager.PageIndex, i int) []pager.PageIndex {
	return append(s[:i], s[i+1:]...)
}
