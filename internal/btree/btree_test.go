package btree

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"treedb/internal/pager"
)

// intKey/intRec give the tests small, deterministic fixed-width keys and
// records without pulling in the layout package.
func intKey(v int32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(v))
	return b
}

func intCompare(a, b []byte) int {
	av := int32(binary.LittleEndian.Uint32(a))
	bv := int32(binary.LittleEndian.Uint32(b))
	switch {
	case av < bv:
		return -1
	case av > bv:
		return 1
	default:
		return 0
	}
}

func newTestTree(t *testing.T) (*Tree, context.Context) {
	t.Helper()
	pgr, err := pager.Open(pager.Options{})
	require.NoError(t, err)
	tr, err := Create(context.Background(), pgr, intCompare, 4, 4)
	require.NoError(t, err)
	return tr, context.Background()
}

// newTestTreeTiny hand-derives a small-fanout Descriptor (4 entries per leaf
// and internal node, rather than the ~500 a real 4 KiB page holds for 4-byte
// keys/records) so split, merge, borrow and leaf-boundary cursor crossing
// are all exercised with a few hundred inserts instead of tens of thousands.
func newTestTreeTiny(t *testing.T) (*Tree, context.Context) {
	t.Helper()
	pgr, err := pager.Open(pager.Options{})
	require.NoError(t, err)
	ctx := context.Background()
	d := Descriptor{
		KeySize: 4, RecordSize: 4,
		LeafMaxKeys: 4, LeafMinKeys: 2, LeafSplitIndex: 2,
		InternalMaxKeys: 4, InternalMinKeys: 2, InternalSplitIndex: 2,
	}
	root, err := pgr.Allocate(ctx)
	require.NoError(t, err)
	pager.WriteHeader(root.Buf, pager.Header{Type: pager.TypeLeaf})
	pgr.MarkDirty(root.Index)
	d.Root = root.Index
	root.Put()
	return Open(pgr, intCompare, d), ctx
}

func TestCreateRejectsTooNarrowGeometry(t *testing.T) {
	pgr, err := pager.Open(pager.Options{})
	require.NoError(t, err)
	_, err = Create(context.Background(), pgr, intCompare, 2000, 2000)
	require.ErrorIs(t, err, ErrTooNarrow)
}

func TestInsertFindRoundTrip(t *testing.T) {
	tr, ctx := newTestTree(t)
	for i := int32(0); i < 50; i++ {
		require.NoError(t, tr.Insert(ctx, intKey(i), intKey(i*10)))
	}
	for i := int32(0); i < 50; i++ {
		rec, err := tr.Find(ctx, intKey(i))
		require.NoError(t, err)
		require.Equal(t, intKey(i*10), rec)
	}
}

func TestInsertDuplicateKeyFails(t *testing.T) {
	tr, ctx := newTestTree(t)
	require.NoError(t, tr.Insert(ctx, intKey(1), intKey(100)))
	err := tr.Insert(ctx, intKey(1), intKey(200))
	require.ErrorIs(t, err, ErrDuplicateKey)
}

func newTestTreeAllowingDuplicatesTiny(t *testing.T) (*Tree, context.Context) {
	t.Helper()
	pgr, err := pager.Open(pager.Options{})
	require.NoError(t, err)
	ctx := context.Background()
	d := Descriptor{
		KeySize: 4, RecordSize: 4,
		AllowDuplicates: true,
		LeafMaxKeys:     4, LeafMinKeys: 2, LeafSplitIndex: 2,
		InternalMaxKeys: 4, InternalMinKeys: 2, InternalSplitIndex: 2,
	}
	root, err := pgr.Allocate(ctx)
	require.NoError(t, err)
	pager.WriteHeader(root.Buf, pager.Header{Type: pager.TypeLeaf})
	pgr.MarkDirty(root.Index)
	d.Root = root.Index
	root.Put()
	return Open(pgr, intCompare, d), ctx
}

// TestInsertAllowsDuplicatesInStableOrderAcrossLeafSplits inserts a run of
// equal keys long enough to force a leaf split mid-run, then checks that a
// seek-and-scan still visits them in the order they were inserted and that
// DeleteEntry can remove one occurrence by its record without disturbing the
// rest.
func TestInsertAllowsDuplicatesInStableOrderAcrossLeafSplits(t *testing.T) {
	tr, ctx := newTestTreeAllowingDuplicatesTiny(t)
	for i := int32(0); i < 10; i++ {
		require.NoError(t, tr.Insert(ctx, intKey(100), intKey(i)))
	}
	require.NoError(t, tr.Insert(ctx, intKey(200), intKey(999)))

	c := NewCursor(tr)
	defer c.Close()
	ok, err := c.SeekGE(ctx, intKey(100))
	require.NoError(t, err)
	require.True(t, ok)
	for i := int32(0); i < 10; i++ {
		k, err := c.Key(ctx)
		require.NoError(t, err)
		require.Equal(t, intKey(100), k)
		rec, err := c.Record(ctx)
		require.NoError(t, err)
		require.Equal(t, intKey(i), rec)
		ok, err = c.Next(ctx)
		require.NoError(t, err)
		if i < 9 {
			require.True(t, ok)
		}
	}
	require.True(t, ok)
	k, err := c.Key(ctx)
	require.NoError(t, err)
	require.Equal(t, intKey(200), k, "key must change once the duplicate run is exhausted")

	require.NoError(t, tr.DeleteEntry(ctx, intKey(100), intKey(5)))
	ok, err = c.SeekGE(ctx, intKey(100))
	require.NoError(t, err)
	require.True(t, ok)
	var seen []int32
	for ok {
		k, err := c.Key(ctx)
		require.NoError(t, err)
		if intCompare(k, intKey(100)) != 0 {
			break
		}
		rec, err := c.Record(ctx)
		require.NoError(t, err)
		seen = append(seen, int32(binary.LittleEndian.Uint32(rec)))
		ok, err = c.Next(ctx)
		require.NoError(t, err)
	}
	require.Equal(t, []int32{0, 1, 2, 3, 4, 6, 7, 8, 9}, seen)

	err = tr.DeleteEntry(ctx, intKey(100), intKey(5))
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestFindMissingKeyFails(t *testing.T) {
	tr, ctx := newTestTree(t)
	require.NoError(t, tr.Insert(ctx, intKey(1), intKey(100)))
	_, err := tr.Find(ctx, intKey(2))
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestSplitsProduceGrowingDepth(t *testing.T) {
	tr, ctx := newTestTreeTiny(t)
	initialRoot := tr.Descriptor().Root
	for i := int32(0); i < 500; i++ {
		require.NoError(t, tr.Insert(ctx, intKey(i), intKey(i)))
	}
	for i := int32(0); i < 500; i++ {
		rec, err := tr.Find(ctx, intKey(i))
		require.NoError(t, err)
		require.Equal(t, intKey(i), rec)
	}
	// A new root page is only allocated when the old root splits.
	require.NotEqual(t, initialRoot, tr.Descriptor().Root)
}

func TestDeleteThenReinsertRoundTrip(t *testing.T) {
	tr, ctx := newTestTreeTiny(t)
	for i := int32(0); i < 300; i++ {
		require.NoError(t, tr.Insert(ctx, intKey(i), intKey(i)))
	}
	for i := int32(0); i < 300; i += 2 {
		require.NoError(t, tr.Delete(ctx, intKey(i)))
	}
	for i := int32(0); i < 300; i++ {
		rec, err := tr.Find(ctx, intKey(i))
		if i%2 == 0 {
			require.ErrorIs(t, err, ErrKeyNotFound)
		} else {
			require.NoError(t, err)
			require.Equal(t, intKey(i), rec)
		}
	}
	for i := int32(0); i < 300; i += 2 {
		require.NoError(t, tr.Insert(ctx, intKey(i), intKey(i*2)))
	}
	for i := int32(0); i < 300; i++ {
		rec, err := tr.Find(ctx, intKey(i))
		require.NoError(t, err)
		if i%2 == 0 {
			require.Equal(t, intKey(i*2), rec)
		} else {
			require.Equal(t, intKey(i), rec)
		}
	}
}

func TestDeleteAllKeysLeavesEmptyTree(t *testing.T) {
	tr, ctx := newTestTreeTiny(t)
	for i := int32(0); i < 120; i++ {
		require.NoError(t, tr.Insert(ctx, intKey(i), intKey(i)))
	}
	for i := int32(0); i < 120; i++ {
		require.NoError(t, tr.Delete(ctx, intKey(i)))
	}
	for i := int32(0); i < 120; i++ {
		_, err := tr.Find(ctx, intKey(i))
		require.ErrorIs(t, err, ErrKeyNotFound)
	}
	require.NoError(t, tr.Insert(ctx, intKey(7), intKey(7)))
	rec, err := tr.Find(ctx, intKey(7))
	require.NoError(t, err)
	require.Equal(t, intKey(7), rec)
}

func TestDeleteMissingKeyFails(t *testing.T) {
	tr, ctx := newTestTree(t)
	require.NoError(t, tr.Insert(ctx, intKey(1), intKey(1)))
	err := tr.Delete(ctx, intKey(2))
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestCursorForwardScanIsSorted(t *testing.T) {
	tr, ctx := newTestTreeTiny(t)
	order := []int32{50, 10, 40, 20, 30, 5, 45, 35, 25, 15}
	for _, v := range order {
		require.NoError(t, tr.Insert(ctx, intKey(v), intKey(v)))
	}

	c := NewCursor(tr)
	defer c.Close()
	ok, err := c.First(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	var got []int32
	for {
		k, err := c.Key(ctx)
		require.NoError(t, err)
		got = append(got, int32(binary.LittleEndian.Uint32(k)))
		more, err := c.Next(ctx)
		require.NoError(t, err)
		if !more {
			break
		}
	}
	require.Equal(t, []int32{5, 10, 15, 20, 25, 30, 35, 40, 45, 50}, got)
}

func TestCursorBackwardScanIsSorted(t *testing.T) {
	tr, ctx := newTestTreeTiny(t)
	for i := int32(0); i < 80; i++ {
		require.NoError(t, tr.Insert(ctx, intKey(i), intKey(i)))
	}

	c := NewCursor(tr)
	defer c.Close()
	ok, err := c.Last(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	var got []int32
	for {
		k, err := c.Key(ctx)
		require.NoError(t, err)
		got = append(got, int32(binary.LittleEndian.Uint32(k)))
		more, err := c.Previous(ctx)
		require.NoError(t, err)
		if !more {
			break
		}
	}
	require.Len(t, got, 80)
	require.Equal(t, int32(79), got[0])
	require.Equal(t, int32(0), got[79])
}

func TestCursorSeekVariants(t *testing.T) {
	tr, ctx := newTestTree(t)
	for _, v := range []int32{10, 20, 30, 40, 50} {
		require.NoError(t, tr.Insert(ctx, intKey(v), intKey(v)))
	}
	c := NewCursor(tr)
	defer c.Close()

	ok, err := c.SeekExact(ctx, intKey(30))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.SeekExact(ctx, intKey(31))
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = c.SeekGE(ctx, intKey(25))
	require.NoError(t, err)
	require.True(t, ok)
	k, _ := c.Key(ctx)
	require.Equal(t, intKey(30), k)

	ok, err = c.SeekGT(ctx, intKey(30))
	require.NoError(t, err)
	require.True(t, ok)
	k, _ = c.Key(ctx)
	require.Equal(t, intKey(40), k)

	ok, err = c.SeekLE(ctx, intKey(35))
	require.NoError(t, err)
	require.True(t, ok)
	k, _ = c.Key(ctx)
	require.Equal(t, intKey(30), k)

	ok, err = c.SeekLT(ctx, intKey(30))
	require.NoError(t, err)
	require.True(t, ok)
	k, _ = c.Key(ctx)
	require.Equal(t, intKey(20), k)

	ok, err = c.SeekGT(ctx, intKey(50))
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = c.SeekLT(ctx, intKey(10))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCursorUpdateInPlace(t *testing.T) {
	tr, ctx := newTestTree(t)
	require.NoError(t, tr.Insert(ctx, intKey(1), intKey(100)))

	c := NewCursor(tr)
	defer c.Close()
	ok, err := c.SeekExact(ctx, intKey(1))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, c.Update(ctx, intKey(999)))
	require.Equal(t, StateValid, c.State())

	rec, err := tr.Find(ctx, intKey(1))
	require.NoError(t, err)
	require.Equal(t, intKey(999), rec)
}

func TestCursorDeleteRequiresSeekAfterward(t *testing.T) {
	tr, ctx := newTestTree(t)
	for i := int32(0); i < 10; i++ {
		require.NoError(t, tr.Insert(ctx, intKey(i), intKey(i)))
	}
	c := NewCursor(tr)
	defer c.Close()
	ok, err := c.SeekExact(ctx, intKey(5))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, c.Delete(ctx))
	require.Equal(t, StateRequiresSeek, c.State())

	// The cursor transparently reseeks on next access.
	k, err := c.Key(ctx)
	require.NoError(t, err)
	require.Equal(t, intKey(6), k)
}

func TestStructuralMutationInvalidatesOtherCursors(t *testing.T) {
	tr, ctx := newTestTreeTiny(t)
	for i := int32(0); i < 10; i++ {
		require.NoError(t, tr.Insert(ctx, intKey(i), intKey(i)))
	}

	watcher := NewCursor(tr)
	defer watcher.Close()
	ok, err := watcher.SeekExact(ctx, intKey(3))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StateValid, watcher.State())

	// Insert enough new keys to force a leaf split elsewhere in the tree.
	for i := int32(1000); i < 1400; i++ {
		require.NoError(t, tr.Insert(ctx, intKey(i), intKey(i)))
	}

	require.Equal(t, StateRequiresSeek, watcher.State())
	k, err := watcher.Key(ctx)
	require.NoError(t, err)
	require.Equal(t, intKey(3), k)
	require.Equal(t, StateValid, watcher.State())
}

func TestSaveRestoreAcrossMutation(t *testing.T) {
	tr, ctx := newTestTreeTiny(t)
	for i := int32(0); i < 10; i++ {
		require.NoError(t, tr.Insert(ctx, intKey(i), intKey(i)))
	}
	c := NewCursor(tr)
	defer c.Close()
	ok, err := c.SeekExact(ctx, intKey(4))
	require.NoError(t, err)
	require.True(t, ok)
	c.Save()

	for i := int32(2000); i < 2400; i++ {
		require.NoError(t, tr.Insert(ctx, intKey(i), intKey(i)))
	}

	require.NoError(t, c.Restore(ctx))
	require.Equal(t, StateValid, c.State())
	k, err := c.Key(ctx)
	require.NoError(t, err)
	require.Equal(t, intKey(4), k)
}

func TestCursorOnEmptyTree(t *testing.T) {
	tr, ctx := newTestTree(t)
	c := NewCursor(tr)
	defer c.Close()
	ok, err := c.First(ctx)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, StateInvalid, c.State())
}
