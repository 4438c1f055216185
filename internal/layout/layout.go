package layout

import "fmt"

const (
	// MaxColumns bounds a record layout (MAX_RECORD_LAYOUT in spec.md).
	MaxColumns = 32

	// TableNameSize and ColumnNameSize bound identifier lengths.
	TableNameSize  = 32
	ColumnNameSize = 32
)

// Column describes one column of a record layout: its name and declared
// type. Column 0 of a Layout is always the key.
type Column struct {
	Name string
	Type DataType
}

// Layout is the ordered list of typed columns backing one table or index.
// Record bytes stored in a B+Tree leaf exclude the key column (it is the
// tree's map key); RecordSize is the sum of the widths of columns[1:].
type Layout struct {
	Columns []Column
}

// New validates and constructs a Layout. Column 0 becomes the key column.
func New(columns []Column) (Layout, error) {
	if len(columns) == 0 {
		return Layout{}, fmt.Errorf("layout: %w: no columns", ErrLayoutOverflow)
	}
	if len(columns) > MaxColumns {
		return Layout{}, fmt.Errorf("layout: %w: %d columns exceeds max %d", ErrLayoutOverflow, len(columns), MaxColumns)
	}
	seen := make(map[string]bool, len(columns))
	for _, c := range columns {
		if len(c.Name) == 0 || len(c.Name) > ColumnNameSize {
			return Layout{}, fmt.Errorf("layout: %w: column name %q invalid length", ErrLayoutOverflow, c.Name)
		}
		if !c.Type.valid() {
			return Layout{}, fmt.Errorf("layout: %w: column %q has invalid width %d", ErrLayoutOverflow, c.Name, c.Type.Width)
		}
		if seen[c.Name] {
			return Layout{}, fmt.Errorf("layout: %w: duplicate column %q", ErrLayoutOverflow, c.Name)
		}
		seen[c.Name] = true
	}
	cols := make([]Column, len(columns))
	copy(cols, columns)
	return Layout{Columns: cols}, nil
}

// KeyColumn returns column 0, the tree key.
func (l Layout) KeyColumn() Column { return l.Columns[0] }

// KeySize is the byte width of the key column.
func (l Layout) KeySize() int { return int(l.Columns[0].Type.Width) }

// RecordSize is the total byte width of all non-key columns, i.e. what a
// B+Tree leaf stores alongside each key.
func (l Layout) RecordSize() int {
	n := 0
	for _, c := range l.Columns[1:] {
		n += int(c.Type.Width)
	}
	return n
}

// CheckFits verifies the key plus record fit within usablePayload bytes (a
// page's body after its header), returning ErrLayoutOverflow otherwise.
func (l Layout) CheckFits(usablePayload int) error {
	if l.KeySize()+l.RecordSize() > usablePayload {
		return fmt.Errorf("layout: %w: key(%d)+record(%d) exceeds usable payload %d",
			ErrLayoutOverflow, l.KeySize(), l.RecordSize(), usablePayload)
	}
	return nil
}

// ColumnIndex returns the index of the named column, or -1 if absent.
func (l Layout) ColumnIndex(name string) int {
	for i, c := range l.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// EncodeRecord packs non-key column values into record_size bytes in
// declaration order.
func (l Layout) EncodeRecord(values []Value) ([]byte, error) {
	if len(values) != len(l.Columns)-1 {
		return nil, fmt.Errorf("layout: expected %d non-key values, got %d", len(l.Columns)-1, len(values))
	}
	buf := make([]byte, l.RecordSize())
	off := 0
	for i, v := range values {
		col := l.Columns[i+1]
		if v.Type != col.Type {
			return nil, fmt.Errorf("layout: %w: column %q expects %s, got %s", ErrTypeMismatch, col.Name, col.Type, v.Type)
		}
		copy(buf[off:off+len(v.Bytes)], v.Bytes)
		off += len(v.Bytes)
	}
	return buf, nil
}

// DecodeRecord unpacks record bytes into typed values in column order.
func (l Layout) DecodeRecord(record []byte) ([]Value, error) {
	if len(record) != l.RecordSize() {
		return nil, fmt.Errorf("layout: record length %d != declared %d", len(record), l.RecordSize())
	}
	values := make([]Value, len(l.Columns)-1)
	off := 0
	for i, col := range l.Columns[1:] {
		w := int(col.Type.Width)
		buf := make([]byte, w)
		copy(buf, record[off:off+w])
		values[i] = Value{Type: col.Type, Bytes: buf}
		off += w
	}
	return values, nil
}
