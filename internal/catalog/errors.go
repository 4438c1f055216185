package catalog

import "errors"

var (
	// ErrTableExists is returned by AddTable for a name already registered.
	ErrTableExists = errors.New("catalog: table already exists")

	// ErrTableNotFound is returned by any lookup on an unregistered table.
	ErrTableNotFound = errors.New("catalog: table not found")

	// ErrIndexExists is returned by CreateIndex for a column already indexed.
	ErrIndexExists = errors.New("catalog: index already exists")

	// ErrIndexNotFound is returned by any lookup on a column with no index.
	ErrIndexNotFound = errors.New("catalog: index not found")
)
