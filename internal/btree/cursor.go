package btree

import (
	"context"
	"fmt"

	"treedb/internal/pager"
)

// State is a cursor's position lifecycle.
type State int

const (
	// StateInvalid means the cursor has never been positioned, or the last
	// seek found nothing in the requested direction.
	StateInvalid State = iota
	// StateValid means the cursor sits on a real (key, record) pair; Key,
	// Record, Next, Previous, Update and Delete are all usable.
	StateValid
	// StateRequiresSeek means a structural mutation elsewhere in the tree
	// (a split, merge, or rebalancing borrow) may have invalidated this
	// cursor's page references. The cursor still remembers its last key and
	// will transparently reseek to it on the next access.
	StateRequiresSeek
	// StateFault means the pager reported corruption or an out-of-range
	// page while this cursor was positioning. The cursor is unusable; the
	// caller must abandon it.
	StateFault
)

func (s State) String() string {
	switch s {
	case StateInvalid:
		return "invalid"
	case StateValid:
		return "valid"
	case StateRequiresSeek:
		return "requires-seek"
	case StateFault:
		return "fault"
	default:
		return "unknown"
	}
}

// savedPosition is one entry of a cursor's save/restore stack: the logical
// key the cursor sat on (or its absence), not a pinned page. Restoring
// reseeks, the same recovery path a RequiresSeek cursor already uses, so
// save/restore stays correct across any intervening structural mutation.
type savedPosition struct {
	valid bool
	key   []byte
}

// Cursor is a stateful, mutable position within one Tree. Zero value is not
// usable; construct with NewCursor.
type Cursor struct {
	tree *Tree
	cmp  CompareFunc

	state State
	path  []pathFrame // ancestors from root to the leaf's immediate parent
	leaf  *pager.Page // pinned current leaf page, non-nil iff state == StateValid
	pos   int         // index of the current entry within leaf
	key   []byte      // copy of the current key, kept even across StateRequiresSeek

	saved []savedPosition
}

// NewCursor opens a cursor over tree, initially StateInvalid.
func NewCursor(tree *Tree) *Cursor {
	c := &Cursor{tree: tree, cmp: tree.cmp, state: StateInvalid}
	tree.registerCursor(c)
	return c
}

// Close releases the cursor's pinned page, if any, and stops it from
// receiving future invalidation from the tree it was opened on.
func (c *Cursor) Close() {
	c.releaseLeaf()
	c.tree.unregisterCursor(c)
}

func (c *Cursor) releaseLeaf() {
	if c.leaf != nil {
		c.leaf.Put()
		c.leaf = nil
	}
}

// State reports the cursor's current lifecycle state.
func (c *Cursor) State() State { return c.state }

func (c *Cursor) fault(err error) error {
	c.releaseLeaf()
	c.state = StateFault
	return err
}

// reseekIfNeeded transparently repositions a RequiresSeek cursor onto its
// remembered key (or the nearest following key, if that exact key was the
// one just deleted) before any operation that needs a live page reference.
func (c *Cursor) reseekIfNeeded(ctx context.Context) error {
	if c.state != StateRequiresSeek {
		return nil
	}
	found, err := c.SeekGE(ctx, c.key)
	if err != nil {
		return err
	}
	if !found {
		c.state = StateInvalid
	}
	return nil
}

func (c *Cursor) requireValid(ctx context.Context) error {
	if err := c.reseekIfNeeded(ctx); err != nil {
		return err
	}
	if c.state != StateValid {
		return ErrCursorInvalid
	}
	return nil
}

// settle positions the cursor on leaf[pos] given the path that reached it,
// pinning leaf and recording its key. pos == leaf's key count means "past
// the last entry of this leaf" and is never a Valid position by itself;
// callers normalize that before calling settle.
func (c *Cursor) settle(path []pathFrame, leaf *pager.Page, pos int) {
	c.releaseLeaf()
	c.path = path
	c.leaf = leaf
	c.pos = pos
	v := c.tree.leafView(leaf.Buf)
	c.key = dup(v.key(pos))
	c.state = StateValid
}

func (c *Cursor) invalid() {
	c.releaseLeaf()
	c.path = nil
	c.pos = 0
	c.state = StateInvalid
}

// seekTo is the shared engine behind every seek/first/last call: descend to
// the leaf that would hold key, then adjust pos according to mode, crossing
// a leaf boundary via right_sibling if the adjusted position falls off the
// end of the leaf it landed on.
func (c *Cursor) seekTo(ctx context.Context, key []byte, mode seekMode) (bool, error) {
	path, leaf, pos, err := c.tree.descend(ctx, key)
	if err != nil {
		return false, c.fault(err)
	}
	h := pager.ReadHeader(leaf.Buf)
	n := int(h.KeyCount)
	v := c.tree.leafView(leaf.Buf)
	exact := pos < n && c.cmp(v.key(pos), key) == 0

	switch mode {
	case seekExact:
		if !exact {
			leaf.Put()
			c.invalid()
			return false, nil
		}
	case seekGE:
		if !exact && pos >= n {
			return c.stepToNextLeaf(ctx, leaf)
		}
	case seekGT:
		if exact {
			pos++
		}
		if pos >= n {
			return c.stepToNextLeaf(ctx, leaf)
		}
	case seekLE:
		if !exact {
			pos--
		}
		if pos < 0 {
			return c.stepToPrevLeaf(ctx, path, leaf)
		}
	case seekLT:
		pos--
		if pos < 0 {
			return c.stepToPrevLeaf(ctx, path, leaf)
		}
	}
	c.settle(path, leaf, pos)
	return true, nil
}

type seekMode int

const (
	seekExact seekMode = iota
	seekGE
	seekGT
	seekLE
	seekLT
)

// stepToNextLeaf follows leaf's right_sibling chain to the first leaf with
// at least one entry, used when a seek lands past the end of the leaf it
// descended to.
func (c *Cursor) stepToNextLeaf(ctx context.Context, leaf *pager.Page) (bool, error) {
	h := pager.ReadHeader(leaf.Buf)
	leaf.Put()
	next := h.RightSibling
	if next == 0 {
		c.invalid()
		return false, nil
	}
	// The sibling may belong to a different parent; re-descend on its first
	// key to recover a canonical path instead of trying to patch the stack.
	firstKey, err := c.firstKeyOf(ctx, next)
	if err != nil {
		return false, c.fault(err)
	}
	newPath, newLeaf, pos, err := c.tree.descend(ctx, firstKey)
	if err != nil {
		return false, c.fault(err)
	}
	c.settle(newPath, newLeaf, pos)
	return true, nil
}

// stepToPrevLeaf has no left_sibling pointer to chase (the node header only
// threads a right_sibling list), so it walks the path upward to the nearest
// ancestor where the descent took a non-leftmost child, then redescends
// down that ancestor's left neighbor's rightmost spine.
func (c *Cursor) stepToPrevLeaf(ctx context.Context, path []pathFrame, leaf *pager.Page) (bool, error) {
	leaf.Put()
	for i := len(path) - 1; i >= 0; i-- {
		if path[i].slot > 0 {
			pg, err := c.tree.pgr.Fetch(ctx, path[i].page)
			if err != nil {
				return false, c.fault(err)
			}
			h := pager.ReadHeader(pg.Buf)
			iv := c.tree.internalView(pg.Buf)
			leftChild := iv.child(path[i].slot-1, int(h.KeyCount))
			pg.Put()
			lastKey, err := c.rightmostKeyOf(ctx, leftChild)
			if err != nil {
				return false, c.fault(err)
			}
			newPath, newLeaf, pos, err := c.tree.descend(ctx, lastKey)
			if err != nil {
				return false, c.fault(err)
			}
			c.settle(newPath, newLeaf, pos)
			return true, nil
		}
	}
	c.invalid()
	return false, nil
}

func (c *Cursor) firstKeyOf(ctx context.Context, idx pager.PageIndex) ([]byte, error) {
	for {
		pg, err := c.tree.pgr.Fetch(ctx, idx)
		if err != nil {
			return nil, err
		}
		h := pager.ReadHeader(pg.Buf)
		if h.Type == pager.TypeLeaf {
			v := c.tree.leafView(pg.Buf)
			k := dup(v.key(0))
			pg.Put()
			return k, nil
		}
		iv := c.tree.internalView(pg.Buf)
		idx = iv.child(0, int(h.KeyCount))
		pg.Put()
	}
}

func (c *Cursor) rightmostKeyOf(ctx context.Context, idx pager.PageIndex) ([]byte, error) {
	for {
		pg, err := c.tree.pgr.Fetch(ctx, idx)
		if err != nil {
			return nil, err
		}
		h := pager.ReadHeader(pg.Buf)
		if h.Type == pager.TypeLeaf {
			v := c.tree.leafView(pg.Buf)
			k := dup(v.key(int(h.KeyCount) - 1))
			pg.Put()
			return k, nil
		}
		iv := c.tree.internalView(pg.Buf)
		idx = iv.child(int(h.KeyCount), int(h.KeyCount))
		pg.Put()
	}
}

// SeekExact positions the cursor exactly on key, returning false (Invalid)
// if it is absent.
func (c *Cursor) SeekExact(ctx context.Context, key []byte) (bool, error) {
	return c.seekTo(ctx, key, seekExact)
}

// SeekGE positions the cursor on the smallest key >= key.
func (c *Cursor) SeekGE(ctx context.Context, key []byte) (bool, error) {
	return c.seekTo(ctx, key, seekGE)
}

// SeekGT positions the cursor on the smallest key > key.
func (c *Cursor) SeekGT(ctx context.Context, key []byte) (bool, error) {
	return c.seekTo(ctx, key, seekGT)
}

// SeekLE positions the cursor on the largest key <= key.
func (c *Cursor) SeekLE(ctx context.Context, key []byte) (bool, error) {
	return c.seekTo(ctx, key, seekLE)
}

// SeekLT positions the cursor on the largest key < key.
func (c *Cursor) SeekLT(ctx context.Context, key []byte) (bool, error) {
	return c.seekTo(ctx, key, seekLT)
}

// First positions the cursor on the smallest key in the tree. It descends
// the leftmost spine directly rather than seeking a synthetic all-zero key,
// since zero bytes are not the true minimum for signed integer keys
// (negative values sort below it).
func (c *Cursor) First(ctx context.Context) (bool, error) {
	path, leaf, err := c.descendLeftmost(ctx, c.tree.d.Root)
	if err != nil {
		return false, c.fault(err)
	}
	h := pager.ReadHeader(leaf.Buf)
	if h.KeyCount == 0 {
		leaf.Put()
		c.invalid()
		return false, nil
	}
	c.settle(path, leaf, 0)
	return true, nil
}

// Last positions the cursor on the largest key in the tree, symmetric with
// First.
func (c *Cursor) Last(ctx context.Context) (bool, error) {
	path, leaf, err := c.descendRightmost(ctx, c.tree.d.Root)
	if err != nil {
		return false, c.fault(err)
	}
	h := pager.ReadHeader(leaf.Buf)
	n := int(h.KeyCount)
	if n == 0 {
		leaf.Put()
		c.invalid()
		return false, nil
	}
	c.settle(path, leaf, n-1)
	return true, nil
}

func (c *Cursor) descendLeftmost(ctx context.Context, idx pager.PageIndex) ([]pathFrame, *pager.Page, error) {
	var path []pathFrame
	for {
		pg, err := c.tree.pgr.Fetch(ctx, idx)
		if err != nil {
			return nil, nil, err
		}
		h := pager.ReadHeader(pg.Buf)
		if h.Type == pager.TypeLeaf {
			return path, pg, nil
		}
		iv := c.tree.internalView(pg.Buf)
		child := iv.child(0, int(h.KeyCount))
		path = append(path, pathFrame{page: idx, slot: 0})
		pg.Put()
		idx = child
	}
}

func (c *Cursor) descendRightmost(ctx context.Context, idx pager.PageIndex) ([]pathFrame, *pager.Page, error) {
	var path []pathFrame
	for {
		pg, err := c.tree.pgr.Fetch(ctx, idx)
		if err != nil {
			return nil, nil, err
		}
		h := pager.ReadHeader(pg.Buf)
		if h.Type == pager.TypeLeaf {
			return path, pg, nil
		}
		n := int(h.KeyCount)
		iv := c.tree.internalView(pg.Buf)
		child := iv.child(n, n)
		path = append(path, pathFrame{page: idx, slot: n})
		pg.Put()
		idx = child
	}
}

// Next advances the cursor to the next key in order, reseeking first if the
// cursor is in StateRequiresSeek.
func (c *Cursor) Next(ctx context.Context) (bool, error) {
	if err := c.requireValid(ctx); err != nil {
		return false, err
	}
	h := pager.ReadHeader(c.leaf.Buf)
	if c.pos+1 < int(h.KeyCount) {
		c.pos++
		v := c.tree.leafView(c.leaf.Buf)
		c.key = dup(v.key(c.pos))
		return true, nil
	}
	return c.seekTo(ctx, c.key, seekGT)
}

// Previous retreats the cursor to the previous key in order, reseeking
// first if the cursor is in StateRequiresSeek.
func (c *Cursor) Previous(ctx context.Context) (bool, error) {
	if err := c.requireValid(ctx); err != nil {
		return false, err
	}
	if c.pos > 0 {
		c.pos--
		v := c.tree.leafView(c.leaf.Buf)
		c.key = dup(v.key(c.pos))
		return true, nil
	}
	return c.seekTo(ctx, c.key, seekLT)
}

// Key returns the current entry's key. The returned slice is borrowed from
// the pager's cached page buffer and is only valid until the cursor next
// moves or mutates.
func (c *Cursor) Key(ctx context.Context) ([]byte, error) {
	if err := c.requireValid(ctx); err != nil {
		return nil, err
	}
	v := c.tree.leafView(c.leaf.Buf)
	return v.key(c.pos), nil
}

// Record returns the current entry's record, borrowed the same way Key's
// return value is.
func (c *Cursor) Record(ctx context.Context) ([]byte, error) {
	if err := c.requireValid(ctx); err != nil {
		return nil, err
	}
	v := c.tree.leafView(c.leaf.Buf)
	return v.record(c.pos), nil
}

// Insert adds (key, record) to the tree and leaves the cursor in
// StateRequiresSeek: an insert may split pages anywhere along the path to
// key, so the cursor's own position is no longer assumed valid.
func (c *Cursor) Insert(ctx context.Context, key, record []byte) error {
	if err := c.tree.Insert(ctx, key, record); err != nil {
		return err
	}
	c.releaseLeaf()
	c.key = dup(key)
	c.state = StateRequiresSeek
	return nil
}

// Update overwrites the record at the cursor's current key in place. Since
// records are fixed-width, this never changes node layout and the cursor
// stays Valid.
func (c *Cursor) Update(ctx context.Context, record []byte) error {
	if err := c.requireValid(ctx); err != nil {
		return err
	}
	if len(record) != c.tree.d.RecordSize {
		return fmt.Errorf("btree: update: record size %d != declared %d", len(record), c.tree.d.RecordSize)
	}
	v := c.tree.leafView(c.leaf.Buf)
	copy(v.record(c.pos), record)
	c.tree.pgr.MarkDirty(c.leaf.Index)
	return nil
}

// Delete removes the entry at the cursor's current key. Per the tree's
// invalidation contract, the cursor always leaves StateRequiresSeek
// afterward — its own leaf may have just been merged or rebalanced away.
func (c *Cursor) Delete(ctx context.Context) error {
	if err := c.requireValid(ctx); err != nil {
		return err
	}
	key := c.key
	if err := c.tree.Delete(ctx, key); err != nil {
		return err
	}
	c.releaseLeaf()
	c.state = StateRequiresSeek
	return nil
}

// Save pushes the cursor's logical position (its current key, or the
// absence of one) onto a stack, for a later Restore.
func (c *Cursor) Save() {
	if c.state == StateValid || c.state == StateRequiresSeek {
		c.saved = append(c.saved, savedPosition{valid: true, key: dup(c.key)})
		return
	}
	c.saved = append(c.saved, savedPosition{valid: false})
}

// Restore pops the most recent Save and reseeks to it. Reseeking (rather
// than restoring a pinned page) keeps Restore correct even if the tree
// structure changed while the position was saved.
func (c *Cursor) Restore(ctx context.Context) error {
	if len(c.saved) == 0 {
		return fmt.Errorf("btree: restore: nothing saved")
	}
	s := c.saved[len(c.saved)-1]
	c.saved = c.saved[:len(c.saved)-1]
	if !s.valid {
		c.invalid()
		return nil
	}
	found, err := c.SeekGE(ctx, s.key)
	if err != nil {
		return err
	}
	if !found {
		c.invalid()
	}
	return nil
}
