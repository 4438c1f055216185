// Package catalog is the schema registry: it owns the mapping from table
// and index names to the B+Tree roots and record layouts backing them, and
// the cooperative helpers a caller uses to keep a secondary index in step
// with its table.
package catalog

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"treedb/internal/btree"
	"treedb/internal/layout"
	"treedb/internal/pager"
)

// Table is one registered table: its record layout and the primary B+Tree
// storing rows keyed by the layout's key column.
type Table struct {
	ID     uuid.UUID
	Name   string
	Layout layout.Layout
	Tree   *btree.Tree

	indexes map[string]*Index
}

// Index is a secondary index: a B+Tree keyed by one indexed column whose
// records are the primary key bytes of the matching row. Index maintenance
// is cooperative — see Table.IndexedColumns and Index.Mirror — not an
// invariant the tree enforces on its own.
type Index struct {
	ID        uuid.UUID
	TableName string
	Column    string
	Tree      *btree.Tree
}

// Registry is the schema registry: the process-lifetime map from name to
// Table, each owning its own set of Index children.
type Registry struct {
	pgr    *pager.Pager
	tables map[string]*Table
}

// NewRegistry creates an empty registry backed by pgr.
func NewRegistry(pgr *pager.Pager) *Registry {
	return &Registry{pgr: pgr, tables: make(map[string]*Table)}
}

func keyCompare(t layout.DataType) btree.CompareFunc {
	return func(a, b []byte) int { return layout.CompareBytes(t, a, b) }
}

// AddTable registers a new table with a freshly allocated, empty primary
// tree, failing with ErrTableExists if the name is taken.
func (r *Registry) AddTable(ctx context.Context, name string, l layout.Layout) (*Table, error) {
	if len(name) > layout.TableNameSize {
		return nil, fmt.Errorf("catalog: add table %q: name longer than %d bytes", name, layout.TableNameSize)
	}
	if _, exists := r.tables[name]; exists {
		return nil, fmt.Errorf("catalog: add table %q: %w", name, ErrTableExists)
	}
	tree, err := btree.Create(ctx, r.pgr, keyCompare(l.KeyColumn().Type), l.KeySize(), l.RecordSize())
	if err != nil {
		return nil, fmt.Errorf("catalog: add table %q: %w", name, err)
	}
	t := &Table{
		ID:      uuid.New(),
		Name:    name,
		Layout:  l,
		Tree:    tree,
		indexes: make(map[string]*Index),
	}
	r.tables[name] = t
	return t, nil
}

// AttachTable registers a table around an already-built primary tree (one
// reopened from a saved root) instead of allocating a fresh one, for
// restoring a registry from a persisted catalog.
func (r *Registry) AttachTable(name string, l layout.Layout, tree *btree.Tree) (*Table, error) {
	if _, exists := r.tables[name]; exists {
		return nil, fmt.Errorf("catalog: attach table %q: %w", name, ErrTableExists)
	}
	t := &Table{
		ID:      uuid.New(),
		Name:    name,
		Layout:  l,
		Tree:    tree,
		indexes: make(map[string]*Index),
	}
	r.tables[name] = t
	return t, nil
}

// GetTable looks up a registered table by name.
func (r *Registry) GetTable(name string) (*Table, error) {
	t, ok := r.tables[name]
	if !ok {
		return nil, fmt.Errorf("catalog: get table %q: %w", name, ErrTableNotFound)
	}
	return t, nil
}

// AllTableNames returns every registered table name, sorted.
func (r *Registry) AllTableNames() []string {
	names := make([]string, 0, len(r.tables))
	for n := range r.tables {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// DropTable forgets a table and all of its indexes. The pages backing its
// trees are not reclaimed here. Snapshot.Restore and Discard skip tables
// that are no longer registered, so a restore does not bring a dropped
// table back and does not free its pages either.
func (r *Registry) DropTable(name string) error {
	if _, ok := r.tables[name]; !ok {
		return fmt.Errorf("catalog: drop table %q: %w", name, ErrTableNotFound)
	}
	delete(r.tables, name)
	return nil
}

// CreateIndex builds a new secondary index tree over column, keyed by that
// column's declared type and storing the table's primary key as its record.
func (t *Table) CreateIndex(ctx context.Context, pgr *pager.Pager, column string) (*Index, error) {
	colIdx := t.Layout.ColumnIndex(column)
	if colIdx < 0 {
		return nil, fmt.Errorf("catalog: create index on %s.%s: column not found", t.Name, column)
	}
	if _, exists := t.indexes[column]; exists {
		return nil, fmt.Errorf("catalog: create index on %s.%s: %w", t.Name, column, ErrIndexExists)
	}
	col := t.Layout.Columns[colIdx]
	tree, err := btree.CreateAllowingDuplicates(ctx, pgr, keyCompare(col.Type), int(col.Type.Width), t.Layout.KeySize())
	if err != nil {
		return nil, fmt.Errorf("catalog: create index on %s.%s: %w", t.Name, column, err)
	}
	ix := &Index{ID: uuid.New(), TableName: t.Name, Column: column, Tree: tree}
	t.indexes[column] = ix
	return ix, nil
}

// AttachIndex registers an already-built index tree (one reopened from a
// saved root, rather than a fresh one from CreateIndex) under column,
// failing with ErrIndexExists if the column already has one.
func (t *Table) AttachIndex(column string, tree *btree.Tree) (*Index, error) {
	colIdx := t.Layout.ColumnIndex(column)
	if colIdx < 0 {
		return nil, fmt.Errorf("catalog: attach index on %s.%s: column not found", t.Name, column)
	}
	if _, exists := t.indexes[column]; exists {
		return nil, fmt.Errorf("catalog: attach index on %s.%s: %w", t.Name, column, ErrIndexExists)
	}
	ix := &Index{ID: uuid.New(), TableName: t.Name, Column: column, Tree: tree}
	t.indexes[column] = ix
	return ix, nil
}

// GetIndex looks up column's secondary index.
func (t *Table) GetIndex(column string) (*Index, error) {
	ix, ok := t.indexes[column]
	if !ok {
		return nil, fmt.Errorf("catalog: get index %s.%s: %w", t.Name, column, ErrIndexNotFound)
	}
	return ix, nil
}

// DropIndex forgets column's secondary index.
func (t *Table) DropIndex(column string) error {
	if _, ok := t.indexes[column]; !ok {
		return fmt.Errorf("catalog: drop index %s.%s: %w", t.Name, column, ErrIndexNotFound)
	}
	delete(t.indexes, column)
	return nil
}

// IndexedColumns lists the columns with a live secondary index, sorted.
func (t *Table) IndexedColumns() []string {
	cols := make([]string, 0, len(t.indexes))
	for c := range t.indexes {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// Mirror inserts (indexedValue -> primaryKey) into the index, keeping it in
// step with a row just inserted into the table's primary tree. Callers must
// invoke Mirror (and Unmirror on delete) themselves for every indexed
// column — maintenance is cooperative, not automatic. The index tree allows
// duplicate indexedValue entries, sorting them stably by insertion order, so
// two rows sharing an indexed value both mirror successfully.
func (ix *Index) Mirror(ctx context.Context, indexedValue, primaryKey []byte) error {
	return ix.Tree.Insert(ctx, indexedValue, primaryKey)
}

// Unmirror removes one row's entry from the index, the Delete-side
// counterpart to Mirror. primaryKey identifies which row's entry to remove
// when indexedValue is shared by more than one row.
func (ix *Index) Unmirror(ctx context.Context, indexedValue, primaryKey []byte) error {
	return ix.Tree.DeleteEntry(ctx, indexedValue, primaryKey)
}

// Lookup returns every primary key mirrored under indexedValue, in the
// stable insertion order duplicates sort by. It seeks to the first matching
// entry and scans forward until the indexed value changes.
func (ix *Index) Lookup(ctx context.Context, indexedValue []byte) ([][]byte, error) {
	c := btree.NewCursor(ix.Tree)
	defer c.Close()

	ok, err := c.SeekGE(ctx, indexedValue)
	if err != nil {
		return nil, err
	}
	var primaryKeys [][]byte
	for ok {
		k, err := c.Key(ctx)
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(k, indexedValue) {
			break
		}
		rec, err := c.Record(ctx)
		if err != nil {
			return nil, err
		}
		primaryKeys = append(primaryKeys, append([]byte(nil), rec...))
		ok, err = c.Next(ctx)
		if err != nil {
			return nil, err
		}
	}
	return primaryKeys, nil
}
