// Package layout describes fixed-width column types, the ordered column
// lists ("record layouts") built from them, and typed-value comparison and
// serialization for keys and records stored in a B+Tree.
package layout

import "fmt"

// Kind distinguishes the two comparison semantics a DataType can carry.
type Kind uint8

const (
	KindInt Kind = iota
	KindString
)

// MaxWidth is the widest fixed-width column this store supports, matching
// the TYPE_1..TYPE_64 enumeration where the tag's numeric value is the byte
// width.
const MaxWidth = 64

// DataType is a fixed-width column type. Its Width is the declared byte
// width (the TYPE_N tag value); its Kind selects numeric or lexicographic
// comparison. The distilled spec names a single TYPE_1..TYPE_64 enumeration
// keyed only by width; this implementation resolves that as a (Kind, Width)
// pair rather than threading a separate per-column "is this numeric or
// stringy" flag through every call site — see DESIGN.md for the rationale.
type DataType struct {
	Kind  Kind
	Width uint8
}

// Int returns an integer DataType of the given byte width (1..8 bytes are
// the practical range for little-endian two's complement arithmetic, but
// widths up to MaxWidth are accepted for arbitrary-precision keys).
func Int(width uint8) DataType { return DataType{Kind: KindInt, Width: width} }

// Str returns a fixed-width string DataType.
func Str(width uint8) DataType { return DataType{Kind: KindString, Width: width} }

// Common widths named for convenience, mirroring TYPE_1/TYPE_2/TYPE_4/TYPE_8.
var (
	Int8  = Int(1)
	Int16 = Int(2)
	Int32 = Int(4)
	Int64 = Int(8)
)

func (t DataType) String() string {
	switch t.Kind {
	case KindInt:
		return fmt.Sprintf("INT%d", t.Width)
	case KindString:
		return fmt.Sprintf("CHAR%d", t.Width)
	default:
		return fmt.Sprintf("TYPE(%d,%d)", t.Kind, t.Width)
	}
}

func (t DataType) valid() bool {
	return t.Width >= 1 && t.Width <= MaxWidth
}
