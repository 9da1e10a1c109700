package ovsdb

import (
	"encoding/json"
	"fmt"
)

const (
	// OperationInsert is an insert operation
	OperationInsert = "insert"
	// OperationSelect is a select operation
	OperationSelect = "select"
	// OperationUpdate is an update operation
	OperationUpdate = "update"
	// OperationMutate is a mutate operation
	OperationMutate = "mutate"
	// OperationDelete is a delete operation
	OperationDelete = "delete"
	// OperationWait is a wait operation
	OperationWait = "wait"
	// OperationCommit is a commit operation
	OperationCommit = "commit"
	// OperationAbort is an abort operation
	OperationAbort = "abort"
	// OperationComment is a comment operation
	OperationComment = "comment"
	// OperationAssert is an assert operation
	OperationAssert = "assert"
)

// ConditionFunction is the operator of a Condition
type ConditionFunction string

const (
	ConditionLessThan           ConditionFunction = "<"
	ConditionLessThanOrEqual    ConditionFunction = "<="
	ConditionEqual              ConditionFunction = "=="
	ConditionNotEqual           ConditionFunction = "!="
	ConditionGreaterThan        ConditionFunction = ">"
	ConditionGreaterThanOrEqual ConditionFunction = ">="
	ConditionIncludes           ConditionFunction = "includes"
	ConditionExcludes           ConditionFunction = "excludes"
)

// Ordering reports whether the function is one of <, <=, > or >=
func (f ConditionFunction) Ordering() bool {
	switch f {
	case ConditionLessThan, ConditionLessThanOrEqual, ConditionGreaterThan, ConditionGreaterThanOrEqual:
		return true
	}
	return false
}

// Mutator is the operator of a Mutation
type Mutator string

const (
	MutateOperationDelete   Mutator = "delete"
	MutateOperationInsert   Mutator = "insert"
	MutateOperationAdd      Mutator = "+="
	MutateOperationSubtract Mutator = "-="
	MutateOperationMultiply Mutator = "*="
	MutateOperationDivide   Mutator = "/="
	MutateOperationModulo   Mutator = "%="
)

// Arithmetic reports whether the mutator is one of +=, -=, *=, /= or %=
func (m Mutator) Arithmetic() bool {
	switch m {
	case MutateOperationAdd, MutateOperationSubtract, MutateOperationMultiply,
		MutateOperationDivide, MutateOperationModulo:
		return true
	}
	return false
}

// Valid reports whether m is a mutator defined by RFC 7047
func (m Mutator) Valid() bool {
	return m == MutateOperationInsert || m == MutateOperationDelete || m.Arithmetic()
}

// Condition is a [column, function, value] triple used in "where" clauses
type Condition struct {
	Column   string
	Function ConditionFunction
	Value    interface{}
}

// NewCondition returns a new condition
func NewCondition(column string, function ConditionFunction, value interface{}) Condition {
	return Condition{Column: column, Function: function, Value: value}
}

// MarshalJSON encodes the condition as a 3-element array
func (c Condition) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{c.Column, c.Function, c.Value})
}

// UnmarshalJSON decodes a 3-element condition array
func (c *Condition) UnmarshalJSON(b []byte) error {
	column, function, value, err := unmarshalTriple(b)
	if err != nil {
		return fmt.Errorf("condition: %w", err)
	}
	c.Column = column
	c.Function = ConditionFunction(function)
	c.Value = value
	return nil
}

// Mutation is a [column, mutator, value] triple used by mutate operations
type Mutation struct {
	Column  string
	Mutator Mutator
	Value   interface{}
}

// NewMutation returns a new mutation
func NewMutation(column string, mutator Mutator, value interface{}) Mutation {
	return Mutation{Column: column, Mutator: mutator, Value: value}
}

// MarshalJSON encodes the mutation as a 3-element array
func (m Mutation) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{m.Column, m.Mutator, m.Value})
}

// UnmarshalJSON decodes a 3-element mutation array
func (m *Mutation) UnmarshalJSON(b []byte) error {
	column, mutator, value, err := unmarshalTriple(b)
	if err != nil {
		return fmt.Errorf("mutation: %w", err)
	}
	m.Column = column
	m.Mutator = Mutator(mutator)
	m.Value = value
	return nil
}

func unmarshalTriple(b []byte) (string, string, interface{}, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(b, &parts); err != nil {
		return "", "", nil, err
	}
	if len(parts) != 3 {
		return "", "", nil, fmt.Errorf("expected 3 elements, got %d", len(parts))
	}
	var first, second string
	if err := json.Unmarshal(parts[0], &first); err != nil {
		return "", "", nil, err
	}
	if err := json.Unmarshal(parts[1], &second); err != nil {
		return "", "", nil, err
	}
	value, err := ParseValue(parts[2])
	if err != nil {
		return "", "", nil, err
	}
	return first, second, value, nil
}

// Operation represents an operation according to RFC7047 section 5.2
type Operation struct {
	Op        string      `json:"op"`
	Table     string      `json:"table,omitempty"`
	Row       Row         `json:"row,omitempty"`
	Rows      []Row       `json:"rows,omitempty"`
	Columns   []string    `json:"columns,omitempty"`
	Mutations []Mutation  `json:"mutations,omitempty"`
	Timeout   *int        `json:"timeout,omitempty"`
	Where     []Condition `json:"where,omitempty"`
	Until     string      `json:"until,omitempty"`
	Durable   *bool       `json:"durable,omitempty"`
	Comment   *string     `json:"comment,omitempty"`
	Lock      *string     `json:"lock,omitempty"`
	UUIDName  string      `json:"uuid-name,omitempty"`
}

// MarshalJSON emits exactly the members RFC 7047 defines for each
// operation. Required members are always present, so an update or delete
// without conditions is sent with an empty "where" and matches every row.
func (o Operation) MarshalJSON() ([]byte, error) {
	m := map[string]interface{}{"op": o.Op}
	where := o.Where
	if where == nil {
		where = []Condition{}
	}
	row := o.Row
	if row == nil {
		row = Row{}
	}
	switch o.Op {
	case OperationInsert:
		m["table"] = o.Table
		m["row"] = row
		if o.UUIDName != "" {
			m["uuid-name"] = o.UUIDName
		}
	case OperationSelect:
		m["table"] = o.Table
		m["where"] = where
		if o.Columns != nil {
			m["columns"] = o.Columns
		}
	case OperationUpdate:
		m["table"] = o.Table
		m["where"] = where
		m["row"] = row
	case OperationMutate:
		m["table"] = o.Table
		m["where"] = where
		mutations := o.Mutations
		if mutations == nil {
			mutations = []Mutation{}
		}
		m["mutations"] = mutations
	case OperationDelete:
		m["table"] = o.Table
		m["where"] = where
	case OperationWait:
		m["table"] = o.Table
		m["where"] = where
		columns := o.Columns
		if columns == nil {
			columns = []string{}
		}
		m["columns"] = columns
		m["until"] = o.Until
		rows := o.Rows
		if rows == nil {
			rows = []Row{}
		}
		m["rows"] = rows
		if o.Timeout != nil {
			m["timeout"] = *o.Timeout
		}
	case OperationCommit:
		durable := false
		if o.Durable != nil {
			durable = *o.Durable
		}
		m["durable"] = durable
	case OperationAbort:
	case OperationComment:
		comment := ""
		if o.Comment != nil {
			comment = *o.Comment
		}
		m["comment"] = comment
	case OperationAssert:
		lock := ""
		if o.Lock != nil {
			lock = *o.Lock
		}
		m["lock"] = lock
	default:
		return nil, fmt.Errorf("unknown operation %q", o.Op)
	}
	return json.Marshal(m)
}

// OperationResult is the wire result of a single operation
type OperationResult struct {
	Count   *int   `json:"count,omitempty"`
	Error   string `json:"error,omitempty"`
	Details string `json:"details,omitempty"`
	UUID    *UUID  `json:"uuid,omitempty"`
	Rows    []Row  `json:"rows,omitempty"`
}

// MonitorSelect selects which kinds of changes a monitor reports
type MonitorSelect struct {
	Initial *bool `json:"initial,omitempty"`
	Insert  *bool `json:"insert,omitempty"`
	Delete  *bool `json:"delete,omitempty"`
	Modify  *bool `json:"modify,omitempty"`
}

// MonitorRequest represents a monitor request according to RFC7047
type MonitorRequest struct {
	Columns []string       `json:"columns,omitempty"`
	Select  *MonitorSelect `json:"select,omitempty"`
}
