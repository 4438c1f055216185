package layout

import "errors"

var (
	// ErrLayoutOverflow is returned when a layout declares too many columns,
	// or the key plus record size would exceed a page's usable payload.
	ErrLayoutOverflow = errors.New("layout: overflow")

	// ErrTypeMismatch is a programming error: comparing values of different
	// declared types. It surfaces as a Fault per the error taxonomy.
	ErrTypeMismatch = errors.New("layout: type mismatch")

	// ErrValueOverflow is returned when a value does not fit its declared
	// column width (an integer too large, or a string too long).
	ErrValueOverflow = errors.New("layout: value overflow")
)
