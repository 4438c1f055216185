// Package dbfile is the file-format counterpart to the pager's page-0
// header: it owns the catalog block's on-disk encoding (length-prefixed
// table and index descriptors chained across pages) and the Open/Close
// lifecycle that ties a pager to a populated schema registry.
package dbfile

import (
	"context"
	"encoding/binary"
	"fmt"

	"treedb/internal/btree"
	"treedb/internal/catalog"
	"treedb/internal/layout"
	"treedb/internal/pager"
)

// Options configures a DB file. The zero value opens a purely in-memory
// database. PageSize is informational only: the pager's page size is a
// fixed package constant, not a runtime knob, so a non-zero PageSize that
// disagrees with it is rejected rather than honored.
type Options struct {
	// Path, when non-empty, backs the database with a file at this path.
	Path string

	// InMemory forces an in-memory pager even when Path is set, mainly for
	// tests that want a fresh schema without touching the filesystem.
	InMemory bool

	// PageSize, if non-zero, must equal pager.PageSize; present so callers
	// can state the page size they expect and fail fast on a mismatch
	// instead of silently running against a different one.
	PageSize int
}

// DB pairs a pager with the schema registry loaded from (or written to) its
// catalog block.
type DB struct {
	Pager    *pager.Pager
	Registry *catalog.Registry
}

// Open creates or opens a database file and loads its catalog, if any. A
// fresh in-memory or empty file starts with an empty registry.
func Open(ctx context.Context, opts Options) (*DB, error) {
	if opts.PageSize != 0 && opts.PageSize != pager.PageSize {
		return nil, fmt.Errorf("dbfile: open: page size %d does not match fixed page size %d", opts.PageSize, pager.PageSize)
	}
	path := opts.Path
	if opts.InMemory {
		path = ""
	}
	pgr, err := pager.Open(pager.Options{Path: path})
	if err != nil {
		return nil, fmt.Errorf("dbfile: open: %w", err)
	}
	db := &DB{Pager: pgr, Registry: catalog.NewRegistry(pgr)}
	if pgr.SchemaRoot() != 0 {
		if err := db.loadCatalog(ctx); err != nil {
			return nil, fmt.Errorf("dbfile: open: %w", err)
		}
	}
	return db, nil
}

// Close saves the catalog back to the file and closes the pager.
func (db *DB) Close(ctx context.Context) error {
	if err := db.saveCatalog(ctx); err != nil {
		return fmt.Errorf("dbfile: close: %w", err)
	}
	return db.Pager.Close()
}

// tableRecord is the on-disk descriptor for one table: everything needed to
// reconstruct its layout.Layout and re-open its primary and index trees via
// btree.Open without rebuilding them from scratch.
type tableRecord struct {
	name    string
	columns []columnRecord
	root    pager.PageIndex
	indexes []indexRecord
}

type columnRecord struct {
	name  string
	kind  layout.Kind
	width uint8
}

type indexRecord struct {
	column string
	root   pager.PageIndex
}

const catalogMagic = "TDBC"

// saveCatalog serializes every registered table and index into a chain of
// pages and records the chain's head as the pager's schema root.
func (db *DB) saveCatalog(ctx context.Context) error {
	names := db.Registry.AllTableNames()
	records := make([]tableRecord, 0, len(names))
	for _, name := range names {
		t, err := db.Registry.GetTable(name)
		if err != nil {
			return err
		}
		tr := tableRecord{
			name: name,
			root: t.Tree.Descriptor().Root,
		}
		for _, c := range t.Layout.Columns {
			tr.columns = append(tr.columns, columnRecord{name: c.Name, kind: c.Type.Kind, width: c.Type.Width})
		}
		for _, col := range t.IndexedColumns() {
			ix, err := t.GetIndex(col)
			if err != nil {
				return err
			}
			tr.indexes = append(tr.indexes, indexRecord{column: col, root: ix.Tree.Descriptor().Root})
		}
		records = append(records, tr)
	}

	payload := encodeCatalog(records)
	if oldHead := db.Pager.SchemaRoot(); oldHead != 0 {
		if err := freeChain(ctx, db.Pager, oldHead); err != nil {
			return err
		}
		db.Pager.SetSchemaRoot(0)
	}
	head, err := writeChain(ctx, db.Pager, payload)
	if err != nil {
		return err
	}
	db.Pager.SetSchemaRoot(head)
	return nil
}

// loadCatalog reads the catalog block and repopulates the registry,
// reopening every table and index tree at its saved root.
func (db *DB) loadCatalog(ctx context.Context) error {
	payload, err := readChain(ctx, db.Pager, db.Pager.SchemaRoot())
	if err != nil {
		return err
	}
	records, err := decodeCatalog(payload)
	if err != nil {
		return err
	}
	for _, tr := range records {
		cols := make([]layout.Column, len(tr.columns))
		for i, c := range tr.columns {
			cols[i] = layout.Column{Name: c.name, Type: layout.DataType{Kind: c.kind, Width: c.width}}
		}
		l, err := layout.New(cols)
		if err != nil {
			return fmt.Errorf("table %q: %w", tr.name, err)
		}
		tableCmp := func(a, b []byte) int { return layout.CompareBytes(l.KeyColumn().Type, a, b) }
		tableDescriptor, err := btree.ComputeDescriptor(l.KeySize(), l.RecordSize())
		if err != nil {
			return fmt.Errorf("table %q: %w", tr.name, err)
		}
		tableDescriptor.Root = tr.root
		tree := btree.Open(db.Pager, tableCmp, tableDescriptor)
		t, err := db.Registry.AttachTable(tr.name, l, tree)
		if err != nil {
			return fmt.Errorf("table %q: %w", tr.name, err)
		}

		for _, ir := range tr.indexes {
			colIdx := l.ColumnIndex(ir.column)
			if colIdx < 0 {
				return fmt.Errorf("table %q: index on unknown column %q", tr.name, ir.column)
			}
			col := l.Columns[colIdx]
			cmp := func(a, b []byte) int { return layout.CompareBytes(col.Type, a, b) }
			d, err := btree.ComputeDescriptor(int(col.Type.Width), l.KeySize())
			if err != nil {
				return fmt.Errorf("table %q index %q: %w", tr.name, ir.column, err)
			}
			d.AllowDuplicates = true
			d.Root = ir.root
			if _, err := t.AttachIndex(ir.column, btree.Open(db.Pager, cmp, d)); err != nil {
				return fmt.Errorf("table %q index %q: %w", tr.name, ir.column, err)
			}
		}
	}
	return nil
}

// encodeCatalog packs table records into a flat, length-prefixed byte
// stream: magic, table count, then each table's name, columns, primary
// root and indexes.
func encodeCatalog(records []tableRecord) []byte {
	buf := []byte(catalogMagic)
	buf = appendUint32(buf, uint32(len(records)))
	for _, tr := range records {
		buf = appendString(buf, tr.name)
		buf = appendUint16(buf, uint16(len(tr.columns)))
		for _, c := range tr.columns {
			buf = appendString(buf, c.name)
			buf = append(buf, byte(c.kind), c.width)
		}
		buf = appendUint32(buf, uint32(tr.root))
		buf = appendUint16(buf, uint16(len(tr.indexes)))
		for _, ir := range tr.indexes {
			buf = appendString(buf, ir.column)
			buf = appendUint32(buf, uint32(ir.root))
		}
	}
	return buf
}

func decodeCatalog(buf []byte) ([]tableRecord, error) {
	r := &byteReader{buf: buf}
	magic, err := r.take(4)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	if string(magic) != catalogMagic {
		return nil, fmt.Errorf("catalog: %w: bad magic", pager.ErrCorruption)
	}
	tableCount, err := r.uint32()
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	records := make([]tableRecord, tableCount)
	for i := range records {
		tr := tableRecord{}
		tr.name, err = r.string()
		if err != nil {
			return nil, fmt.Errorf("catalog: %w", err)
		}
		colCount, err := r.uint16()
		if err != nil {
			return nil, fmt.Errorf("catalog: %w", err)
		}
		tr.columns = make([]columnRecord, colCount)
		for j := range tr.columns {
			name, err := r.string()
			if err != nil {
				return nil, fmt.Errorf("catalog: %w", err)
			}
			kindWidth, err := r.take(2)
			if err != nil {
				return nil, fmt.Errorf("catalog: %w", err)
			}
			tr.columns[j] = columnRecord{name: name, kind: layout.Kind(kindWidth[0]), width: kindWidth[1]}
		}
		root, err := r.uint32()
		if err != nil {
			return nil, fmt.Errorf("catalog: %w", err)
		}
		tr.root = pager.PageIndex(root)
		indexCount, err := r.uint16()
		if err != nil {
			return nil, fmt.Errorf("catalog: %w", err)
		}
		tr.indexes = make([]indexRecord, indexCount)
		for j := range tr.indexes {
			col, err := r.string()
			if err != nil {
				return nil, fmt.Errorf("catalog: %w", err)
			}
			root, err := r.uint32()
			if err != nil {
				return nil, fmt.Errorf("catalog: %w", err)
			}
			tr.indexes[j] = indexRecord{column: col, root: pager.PageIndex(root)}
		}
		records[i] = tr
	}
	return records, nil
}

func appendUint16(buf []byte, v uint16) []byte {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return append(buf, b[:]...)
}

func appendUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendString(buf []byte, s string) []byte {
	buf = appendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

type byteReader struct {
	buf []byte
	off int
}

func (r *byteReader) take(n int) ([]byte, error) {
	if r.off+n > len(r.buf) {
		return nil, fmt.Errorf("truncated catalog block")
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *byteReader) uint16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *byteReader) uint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *byteReader) string() (string, error) {
	n, err := r.uint16()
	if err != nil {
		return "", err
	}
	b, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}
