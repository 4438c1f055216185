// Package scan adapts a forward cursor walk over one table into repeated
// row-emission callbacks, decoding raw leaf key/record bytes into typed
// values along the way. It is the only bridge between the storage core and
// an out-of-scope query executor.
package scan

import (
	"context"
	"fmt"

	"treedb/internal/btree"
	"treedb/internal/layout"
)

// Row is one decoded record: the typed key value followed by the typed
// non-key column values, in layout column order.
type Row struct {
	Key    layout.Value
	Values []layout.Value
}

// EmitFunc receives each row a scan produces. Returning an error stops the
// scan and propagates the error to the caller of Scan.
type EmitFunc func(Row) error

// TableScanner walks a table's primary tree in key order, decoding each
// entry with the table's layout before calling an emit callback — the
// fixed-width-typed-value counterpart to a tagged-union row emitter.
type TableScanner struct {
	tree   *btree.Tree
	layout layout.Layout
}

// NewTableScanner builds a scanner over tree using layout to decode entries.
func NewTableScanner(tree *btree.Tree, l layout.Layout) *TableScanner {
	return &TableScanner{tree: tree, layout: l}
}

// Scan walks every row in key order, calling emit for each. It stops and
// returns emit's error immediately if emit returns one.
func (s *TableScanner) Scan(ctx context.Context, emit EmitFunc) error {
	c := btree.NewCursor(s.tree)
	defer c.Close()

	ok, err := c.First(ctx)
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	for ok {
		row, err := s.decode(ctx, c)
		if err != nil {
			return err
		}
		if err := emit(row); err != nil {
			return err
		}
		ok, err = c.Next(ctx)
		if err != nil {
			return fmt.Errorf("scan: %w", err)
		}
	}
	return nil
}

// ScanRange walks every row with key in [from, to) in key order. A nil from
// starts at the first row; a nil to runs to the last row.
func (s *TableScanner) ScanRange(ctx context.Context, from, to []byte, emit EmitFunc) error {
	c := btree.NewCursor(s.tree)
	defer c.Close()

	var ok bool
	var err error
	if from == nil {
		ok, err = c.First(ctx)
	} else {
		ok, err = c.SeekGE(ctx, from)
	}
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}

	for ok {
		if to != nil {
			k, err := c.Key(ctx)
			if err != nil {
				return fmt.Errorf("scan: %w", err)
			}
			if layout.CompareBytes(s.layout.KeyColumn().Type, k, to) >= 0 {
				break
			}
		}
		row, err := s.decode(ctx, c)
		if err != nil {
			return err
		}
		if err := emit(row); err != nil {
			return err
		}
		ok, err = c.Next(ctx)
		if err != nil {
			return fmt.Errorf("scan: %w", err)
		}
	}
	return nil
}

func (s *TableScanner) decode(ctx context.Context, c *btree.Cursor) (Row, error) {
	keyBytes, err := c.Key(ctx)
	if err != nil {
		return Row{}, fmt.Errorf("scan: %w", err)
	}
	recBytes, err := c.Record(ctx)
	if err != nil {
		return Row{}, fmt.Errorf("scan: %w", err)
	}
	keyCol := s.layout.KeyColumn()
	key := layout.Value{Type: keyCol.Type, Bytes: append([]byte(nil), keyBytes...)}
	values, err := s.layout.DecodeRecord(recBytes)
	if err != nil {
		return Row{}, fmt.Errorf("scan: %w", err)
	}
	return Row{Key: key, Values: values}, nil
}
