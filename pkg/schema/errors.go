package schema

import (
	"errors"
	"fmt"
)

var (
	// ErrSchemaMismatch is returned when a table or column referenced by
	// the caller does not exist in, or disagrees with, the database schema
	ErrSchemaMismatch = errors.New("schema mismatch")
	// ErrColumnMismatch is returned by column lookups. It matches
	// ErrSchemaMismatch with errors.Is.
	ErrColumnMismatch = fmt.Errorf("column mismatch: %w", ErrSchemaMismatch)
	// ErrIllegalMutation is returned when a mutator is not legal for a column
	ErrIllegalMutation = fmt.Errorf("illegal mutation: %w", ErrSchemaMismatch)
	// ErrIllegalCondition is returned when a condition function is not legal
	// for a column
	ErrIllegalCondition = fmt.Errorf("illegal condition: %w", ErrSchemaMismatch)
)

func tableMismatch(db, table string) error {
	return fmt.Errorf("%w: database %s has no table %s", ErrSchemaMismatch, db, table)
}

func columnMismatch(table, column, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s.%s: %s", ErrColumnMismatch, table, column, fmt.Sprintf(format, args...))
}
