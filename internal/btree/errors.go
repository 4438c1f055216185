package btree

import "errors"

// Tree-level error kinds. Recoverable kinds are reported to the caller
// verbatim; BadPage/Corruption from the pager poison the cursor instead.
var (
	ErrKeyNotFound  = errors.New("btree: key not found")
	ErrDuplicateKey = errors.New("btree: duplicate key")
	ErrEmptyTree    = errors.New("btree: tree is empty")

	// ErrTooNarrow is returned at creation time when the declared key and
	// record size leave fewer than MinEntryCount entries per node.
	ErrTooNarrow = errors.New("btree: page too narrow for key/record size")

	// ErrCursorInvalid is returned by any cursor operation other than
	// seek_*/first/last attempted on a non-Valid cursor.
	ErrCursorInvalid = errors.New("btree: cursor is not positioned")
)

// MinEntryCount floors the tree's viability: a node geometry producing fewer
// max keys than this is rejected at creation.
const MinEntryCount = 3
