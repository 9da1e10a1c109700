package ovsdb

import "fmt"

// Error names defined by RFC 7047 section 4.1.3 and 5.2
const (
	ReferentialIntegrityViolation = "referential integrity violation"
	ConstraintViolation           = "constraint violation"
	ResourcesExhausted            = "resources exhausted"
	IOError                       = "I/O error"
	DuplicateUUIDName             = "duplicate uuid-name"
	DomainError                   = "domain error"
	RangeError                    = "range error"
	TimedOut                      = "timed out"
	NotSupported                  = "not supported"
	Aborted                       = "aborted"
	NotOwner                      = "not owner"
	UnknownDatabase               = "unknown database"
	SyntaxError                   = "syntax error"
)

// OperationError is the error reported by the server for one operation
type OperationError struct {
	Name    string
	Details string
}

func (e *OperationError) Error() string {
	if e.Details == "" {
		return e.Name
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Details)
}

// Err returns the error carried by an operation result, or nil
func (r *OperationResult) Err() error {
	if r == nil || r.Error == "" {
		return nil
	}
	return &OperationError{Name: r.Error, Details: r.Details}
}
