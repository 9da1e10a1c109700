package client

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when the session has no usable connection
	ErrNotConnected = errors.New("not connected")
	// ErrEmptyTransaction is returned when executing a transaction without operations
	ErrEmptyTransaction = errors.New("transaction has no operations")
	// ErrAlreadySubmitted is returned when a transaction is changed or executed
	// after it was submitted
	ErrAlreadySubmitted = errors.New("transaction already submitted")
	// ErrNamedUUID is returned for a uuid-name defined twice, or referenced
	// without being defined, in one transaction
	ErrNamedUUID = errors.New("invalid named uuid")
)

// ConnectivityError reports a request that could not be confirmed because the
// connection failed or timed out while it was outstanding. The request may or
// may not have been applied by the server.
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("%s: connectivity error: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrNotConnected) match every ConnectivityError
func (e *ConnectivityError) Is(target error) bool {
	return target == ErrNotConnected
}

// TransactionError reports the first operation the server failed. Results
// holds the full list, aligned with the submitted operations. Index equals the
// number of operations when the failure was reported for the commit as a whole.
type TransactionError struct {
	Index   int
	Op      string
	Name    string
	Details string
	Results []OperationResult
}

func (e *TransactionError) Error() string {
	msg := fmt.Sprintf("transaction failed at operation %d", e.Index)
	if e.Op != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Op)
	}
	msg = fmt.Sprintf("%s: %s", msg, e.Name)
	if e.Details != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Details)
	}
	return msg
}

// ProtocolError reports a server reply that does not have the expected shape
type ProtocolError struct {
	Method string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: protocol error: %s", e.Method, e.Reason)
}

func protocolError(method, format string, args ...interface{}) error {
	return &ProtocolError{Method: method, Reason: fmt.Sprintf(format, args...)}
}

// RPCError is a JSON-RPC level error returned by the server for a request,
// such as an unknown database
type RPCError struct {
	Method  string
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%s: %s", e.Method, e.Message)
}
