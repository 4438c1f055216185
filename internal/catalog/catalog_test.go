package catalog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"treedb/internal/btree"
	"treedb/internal/layout"
	"treedb/internal/pager"
)

func usersLayout(t *testing.T) layout.Layout {
	t.Helper()
	l, err := layout.New([]layout.Column{
		{Name: "id", Type: layout.Int32},
		{Name: "age", Type: layout.Int32},
		{Name: "handle", Type: layout.Str(16)},
	})
	require.NoError(t, err)
	return l
}

func TestAddGetDropTable(t *testing.T) {
	pgr, err := pager.Open(pager.Options{})
	require.NoError(t, err)
	r := NewRegistry(pgr)
	ctx := context.Background()

	tbl, err := r.AddTable(ctx, "users", usersLayout(t))
	require.NoError(t, err)
	require.NotEqual(t, tbl.ID.String(), "")

	_, err = r.AddTable(ctx, "users", usersLayout(t))
	require.ErrorIs(t, err, ErrTableExists)

	got, err := r.GetTable("users")
	require.NoError(t, err)
	require.Equal(t, tbl.ID, got.ID)

	require.Equal(t, []string{"users"}, r.AllTableNames())

	require.NoError(t, r.DropTable("users"))
	_, err = r.GetTable("users")
	require.ErrorIs(t, err, ErrTableNotFound)

	err = r.DropTable("users")
	require.ErrorIs(t, err, ErrTableNotFound)
}

func TestIndexLifecycleAndMirroring(t *testing.T) {
	pgr, err := pager.Open(pager.Options{})
	require.NoError(t, err)
	r := NewRegistry(pgr)
	ctx := context.Background()

	tbl, err := r.AddTable(ctx, "users", usersLayout(t))
	require.NoError(t, err)

	ix, err := tbl.CreateIndex(ctx, pgr, "age")
	require.NoError(t, err)
	require.Equal(t, []string{"age"}, tbl.IndexedColumns())

	_, err = tbl.CreateIndex(ctx, pgr, "age")
	require.ErrorIs(t, err, ErrIndexExists)

	_, err = tbl.CreateIndex(ctx, pgr, "nope")
	require.Error(t, err)

	age, err := layout.NewInt(4, 30)
	require.NoError(t, err)
	pk, err := layout.NewInt(4, 1)
	require.NoError(t, err)
	require.NoError(t, ix.Mirror(ctx, age.Bytes, pk.Bytes))

	rec, err := ix.Tree.Find(ctx, age.Bytes)
	require.NoError(t, err)
	require.Equal(t, pk.Bytes, rec)

	require.NoError(t, ix.Unmirror(ctx, age.Bytes, pk.Bytes))
	_, err = ix.Tree.Find(ctx, age.Bytes)
	require.Error(t, err)

	got, err := tbl.GetIndex("age")
	require.NoError(t, err)
	require.Equal(t, ix.ID, got.ID)

	require.NoError(t, tbl.DropIndex("age"))
	_, err = tbl.GetIndex("age")
	require.ErrorIs(t, err, ErrIndexNotFound)
}

// TestIndexSeeksAcrossDuplicateValuesInInsertionOrder builds a table whose
// second column repeats a value across two rows, indexes that column, and
// checks that seeking to the shared value visits both rows in the order
// they were mirrored before advancing past it.
func TestIndexSeeksAcrossDuplicateValuesInInsertionOrder(t *testing.T) {
	pgr, err := pager.Open(pager.Options{})
	require.NoError(t, err)
	r := NewRegistry(pgr)
	ctx := context.Background()

	l, err := layout.New([]layout.Column{
		{Name: "id", Type: layout.Int32},
		{Name: "c", Type: layout.Int32},
	})
	require.NoError(t, err)
	tbl, err := r.AddTable(ctx, "t", l)
	require.NoError(t, err)
	ix, err := tbl.CreateIndex(ctx, pgr, "c")
	require.NoError(t, err)

	rows := []struct{ id, c int64 }{{1, 100}, {2, 100}, {3, 200}}
	ids := make([]layout.Value, len(rows))
	for i, row := range rows {
		id, err := layout.NewInt(4, row.id)
		require.NoError(t, err)
		c, err := layout.NewInt(4, row.c)
		require.NoError(t, err)
		rec, err := l.EncodeRecord([]layout.Value{c})
		require.NoError(t, err)
		require.NoError(t, tbl.Tree.Insert(ctx, id.Bytes, rec))
		require.NoError(t, ix.Mirror(ctx, c.Bytes, id.Bytes))
		ids[i] = id
	}

	c100, err := layout.NewInt(4, 100)
	require.NoError(t, err)
	c200, err := layout.NewInt(4, 200)
	require.NoError(t, err)

	cur := btree.NewCursor(ix.Tree)
	defer cur.Close()

	ok, err := cur.SeekGE(ctx, c100.Bytes)
	require.NoError(t, err)
	require.True(t, ok)
	k, err := cur.Key(ctx)
	require.NoError(t, err)
	rec, err := cur.Record(ctx)
	require.NoError(t, err)
	require.Equal(t, c100.Bytes, k)
	require.Equal(t, ids[0].Bytes, rec)

	ok, err = cur.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	k, err = cur.Key(ctx)
	require.NoError(t, err)
	rec, err = cur.Record(ctx)
	require.NoError(t, err)
	require.Equal(t, c100.Bytes, k)
	require.Equal(t, ids[1].Bytes, rec)

	ok, err = cur.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	k, err = cur.Key(ctx)
	require.NoError(t, err)
	rec, err = cur.Record(ctx)
	require.NoError(t, err)
	require.Equal(t, c200.Bytes, k, "index key must change between the second and third entries")
	require.Equal(t, ids[2].Bytes, rec)

	pks, err := ix.Lookup(ctx, c100.Bytes)
	require.NoError(t, err)
	require.Equal(t, [][]byte{ids[0].Bytes, ids[1].Bytes}, pks)

	require.NoError(t, ix.Unmirror(ctx, c100.Bytes, ids[0].Bytes))
	pks, err = ix.Lookup(ctx, c100.Bytes)
	require.NoError(t, err)
	require.Equal(t, [][]byte{ids[1].Bytes}, pks)
}

func TestSnapshotRestoreFreesOrphanedPages(t *testing.T) {
	pgr, err := pager.Open(pager.Options{})
	require.NoError(t, err)
	r := NewRegistry(pgr)
	ctx := context.Background()

	tbl, err := r.AddTable(ctx, "users", usersLayout(t))
	require.NoError(t, err)

	for i := int32(0); i < 5; i++ {
		id, _ := layout.NewInt(4, int64(i))
		rec, err := tbl.Layout.EncodeRecord([]layout.Value{mustInt(t, i), mustStr(t, "h")})
		require.NoError(t, err)
		require.NoError(t, tbl.Tree.Insert(ctx, id.Bytes, rec))
	}

	snap, err := r.Capture(ctx)
	require.NoError(t, err)

	for i := int32(5); i < 800; i++ {
		id, _ := layout.NewInt(4, int64(i))
		rec, err := tbl.Layout.EncodeRecord([]layout.Value{mustInt(t, i), mustStr(t, "h")})
		require.NoError(t, err)
		require.NoError(t, tbl.Tree.Insert(ctx, id.Bytes, rec))
	}
	grownPageCount := pgr.PageCount()

	require.NoError(t, r.Restore(ctx, snap))
	require.Greater(t, pgr.FreePageCount(), uint(0))
	require.Less(t, pgr.FreePageCount(), uint(grownPageCount))

	for i := int32(0); i < 5; i++ {
		id, _ := layout.NewInt(4, int64(i))
		_, err := tbl.Tree.Find(ctx, id.Bytes)
		require.NoError(t, err)
	}
	id5, _ := layout.NewInt(4, 5)
	_, err = tbl.Tree.Find(ctx, id5.Bytes)
	require.Error(t, err)
}

func TestSnapshotDiscardFreesCloneWithoutTouchingLiveTree(t *testing.T) {
	pgr, err := pager.Open(pager.Options{})
	require.NoError(t, err)
	r := NewRegistry(pgr)
	ctx := context.Background()

	tbl, err := r.AddTable(ctx, "users", usersLayout(t))
	require.NoError(t, err)
	for i := int32(0); i < 5; i++ {
		id, _ := layout.NewInt(4, int64(i))
		rec, err := tbl.Layout.EncodeRecord([]layout.Value{mustInt(t, i), mustStr(t, "h")})
		require.NoError(t, err)
		require.NoError(t, tbl.Tree.Insert(ctx, id.Bytes, rec))
	}

	beforeCapture := pgr.PageCount()
	snap, err := r.Capture(ctx)
	require.NoError(t, err)
	require.Greater(t, pgr.PageCount(), beforeCapture, "capture clones pages rather than reusing the live root")

	require.NoError(t, r.Discard(ctx, snap))
	require.Greater(t, pgr.FreePageCount(), uint(0))

	for i := int32(0); i < 5; i++ {
		id, _ := layout.NewInt(4, int64(i))
		_, err := tbl.Tree.Find(ctx, id.Bytes)
		require.NoError(t, err, "discarding a snapshot must not touch the live tree")
	}
}

func mustInt(t *testing.T, v int32) layout.Value {
	t.Helper()
	val, err := layout.NewInt(4, int64(v))
	require.NoError(t, err)
	return val
}

func mustStr(t *testing.T, s string) layout.Value {
	t.Helper()
	val, err := layout.NewString(16, s)
	require.NoError(t, err)
	return val
}
