package store

import "errors"

// Sentinel errors returned by Store operations.
var (
	ErrNotFound    = errors.New("store: record not found")
	ErrNotMigrated = errors.New("store: database schema is not migrated")
)

// ValidationError reports a rejected input to a store operation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "store: " + e.Field + ": " + e.Message
}
