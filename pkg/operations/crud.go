package operations

import (
	"fmt"

	"github.com/CNlukai/ovsdb/pkg/ovsdb"
	"github.com/CNlukai/ovsdb/pkg/schema"
)

// InsertOp inserts one row. Columns that are not set take their default
// value on the server.
type InsertOp struct {
	base
	row      ovsdb.Row
	uuidName string
}

// Insert starts an insert into table t
func Insert(t schema.TableHandle) *InsertOp {
	return &InsertOp{base: newBase(t), row: ovsdb.Row{}}
}

// WithID names the new row so that later operations of the same
// transaction can refer to it with ovsdb.NamedUUID(name)
func (o *InsertOp) WithID(name string) *InsertOp {
	if !ovsdb.ValidNamedUUID(name) {
		o.fail(fmt.Errorf("invalid uuid-name %q", name))
		return o
	}
	o.uuidName = name
	return o
}

// WithGeneratedID names the new row with a generated uuid-name
func (o *InsertOp) WithGeneratedID() *InsertOp {
	return o.WithID(BuildNamedUUID())
}

// Value sets one column of the new row
func (o *InsertOp) Value(cv schema.ColumnValue) *InsertOp {
	if o.checkValue(cv) {
		o.row[cv.Column] = cv.Value
	}
	return o
}

// NamedUUID returns the placeholder referring to the new row
func (o *InsertOp) NamedUUID() ovsdb.UUID {
	return ovsdb.NamedUUID(o.uuidName)
}

// UUIDName returns the uuid-name given with WithID, if any
func (o *InsertOp) UUIDName() string {
	return o.uuidName
}

// Build freezes the insert
func (o *InsertOp) Build() Operation {
	return freeze(ovsdb.Operation{
		Op:       ovsdb.OperationInsert,
		Table:    o.tableName(),
		Row:      copyRow(o.row),
		UUIDName: o.uuidName,
	}, o.err)
}

func (o *InsertOp) Kind() string { return ovsdb.OperationInsert }
func (o *InsertOp) TableName() string { return o.tableName() }
func (o *InsertOp) Encode() (ovsdb.Operation, error) { return o.Build().Encode() }
func (o *InsertOp) Err() error { return o.Build().Err() }

// UpdateOp sets columns of every row matching its conditions. Without any
// Where the update applies to the whole table.
type UpdateOp struct {
	conditions
	row ovsdb.Row
}

// Update starts an update of table t
func Update(t schema.TableHandle) *UpdateOp {
	return &UpdateOp{conditions: conditions{base: newBase(t)}, row: ovsdb.Row{}}
}

// Set sets one column. Immutable columns cannot be updated.
func (o *UpdateOp) Set(cv schema.ColumnValue) *UpdateOp {
	if !o.checkValue(cv) {
		return o
	}
	if cv.Schema != nil && !cv.Schema.Mutable {
		o.fail(fmt.Errorf("%w: column %s.%s is immutable", schema.ErrSchemaMismatch, cv.Table, cv.Column))
		return o
	}
	o.row[cv.Column] = cv.Value
	return o
}

// Where adds a condition
func (o *UpdateOp) Where(cc schema.ColumnCondition) *UpdateOp {
	o.add(cc)
	return o
}

// And adds a condition, ANDed with the previous ones
func (o *UpdateOp) And(cc schema.ColumnCondition) *UpdateOp {
	return o.Where(cc)
}

// Build freezes the update
func (o *UpdateOp) Build() Operation {
	err := o.err
	if err == nil && len(o.row) == 0 {
		err = fmt.Errorf("update sets no column")
	}
	return freeze(ovsdb.Operation{
		Op:    ovsdb.OperationUpdate,
		Table: o.tableName(),
		Row:   copyRow(o.row),
		Where: copyConditions(o.where),
	}, err)
}

func (o *UpdateOp) Kind() string { return ovsdb.OperationUpdate }
func (o *UpdateOp) TableName() string { return o.tableName() }
func (o *UpdateOp) Encode() (ovsdb.Operation, error) { return o.Build().Encode() }
func (o *UpdateOp) Err() error { return o.Build().Err() }

// MutateOp applies mutations to every row matching its conditions
type MutateOp struct {
	conditions
	mutations []ovsdb.Mutation
}

// Mutate starts a mutation of table t
func Mutate(t schema.TableHandle) *MutateOp {
	return &MutateOp{conditions: conditions{base: newBase(t)}}
}

// AddMutation adds one mutation. Its legality was checked when the column
// built it.
func (o *MutateOp) AddMutation(cm schema.ColumnMutation) *MutateOp {
	if o.err != nil {
		return o
	}
	if cm.Err != nil {
		o.fail(cm.Err)
		return o
	}
	if o.checkTable(cm.Table) {
		o.mutations = append(o.mutations, cm.Mutation)
	}
	return o
}

// Where adds a condition
func (o *MutateOp) Where(cc schema.ColumnCondition) *MutateOp {
	o.add(cc)
	return o
}

// And adds a condition, ANDed with the previous ones
func (o *MutateOp) And(cc schema.ColumnCondition) *MutateOp {
	return o.Where(cc)
}

// Build freezes the mutate
func (o *MutateOp) Build() Operation {
	err := o.err
	if err == nil && len(o.mutations) == 0 {
		err = fmt.Errorf("mutate has no mutation")
	}
	return freeze(ovsdb.Operation{
		Op:        ovsdb.OperationMutate,
		Table:     o.tableName(),
		Mutations: append([]ovsdb.Mutation{}, o.mutations...),
		Where:     copyConditions(o.where),
	}, err)
}

func (o *MutateOp) Kind() string { return ovsdb.OperationMutate }
func (o *MutateOp) TableName() string { return o.tableName() }
func (o *MutateOp) Encode() (ovsdb.Operation, error) { return o.Build().Encode() }
func (o *MutateOp) Err() error { return o.Build().Err() }

// DeleteOp deletes every row matching its conditions
type DeleteOp struct {
	conditions
}

// Delete starts a delete from table t
func Delete(t schema.TableHandle) *DeleteOp {
	return &DeleteOp{conditions: conditions{base: newBase(t)}}
}

// Where adds a condition
func (o *DeleteOp) Where(cc schema.ColumnCondition) *DeleteOp {
	o.add(cc)
	return o
}

// And adds a condition, ANDed with the previous ones
func (o *DeleteOp) And(cc schema.ColumnCondition) *DeleteOp {
	return o.Where(cc)
}

// Build freezes the delete
func (o *DeleteOp) Build() Operation {
	return freeze(ovsdb.Operation{
		Op:    ovsdb.OperationDelete,
		Table: o.tableName(),
		Where: copyConditions(o.where),
	}, o.err)
}

func (o *DeleteOp) Kind() string { return ovsdb.OperationDelete }
func (o *DeleteOp) TableName() string { return o.tableName() }
func (o *DeleteOp) Encode() (ovsdb.Operation, error) { return o.Build().Encode() }
func (o *DeleteOp) Err() error { return o.Build().Err() }

// SelectOp reads the rows matching its conditions
type SelectOp struct {
	conditions
	columns []string
}

// Select starts a select on table t. With no column given every column is
// returned.
func Select(t schema.TableHandle, columns ...string) *SelectOp {
	o := &SelectOp{conditions: conditions{base: newBase(t)}}
	return o.Columns(columns...)
}

// Columns restricts the columns returned
func (o *SelectOp) Columns(columns ...string) *SelectOp {
	if o.err != nil || len(columns) == 0 {
		return o
	}
	o.checkColumns(columns)
	o.columns = append(o.columns, columns...)
	return o
}

// Where adds a condition
func (o *SelectOp) Where(cc schema.ColumnCondition) *SelectOp {
	o.add(cc)
	return o
}

// And adds a condition, ANDed with the previous ones
func (o *SelectOp) And(cc schema.ColumnCondition) *SelectOp {
	return o.Where(cc)
}

// Build freezes the select
func (o *SelectOp) Build() Operation {
	var columns []string
	if o.columns != nil {
		columns = append([]string{}, o.columns...)
	}
	return freeze(ovsdb.Operation{
		Op:      ovsdb.OperationSelect,
		Table:   o.tableName(),
		Columns: columns,
		Where:   copyConditions(o.where),
	}, o.err)
}

func (o *SelectOp) Kind() string { return ovsdb.OperationSelect }
func (o *SelectOp) TableName() string { return o.tableName() }
func (o *SelectOp) Encode() (ovsdb.Operation, error) { return o.Build().Encode() }
func (o *SelectOp) Err() error { return o.Build().Err() }

// Until values of a wait operation
const (
	UntilEqual    = "=="
	UntilNotEqual = "!="
)

// WaitOp waits until the projection of the rows matching its conditions
// on its columns equals (or differs from) the expected rows
type WaitOp struct {
	conditions
	columns []string
	until   string
	rows    []ovsdb.Row
	timeout *int
}

// Wait starts a wait on table t
func Wait(t schema.TableHandle) *WaitOp {
	return &WaitOp{conditions: conditions{base: newBase(t)}, until: UntilEqual}
}

// Columns sets the compared columns
func (o *WaitOp) Columns(columns ...string) *WaitOp {
	o.checkColumns(columns)
	o.columns = append(o.columns, columns...)
	return o
}

// Until sets the comparison, "==" or "!="
func (o *WaitOp) Until(until string) *WaitOp {
	if until != UntilEqual && until != UntilNotEqual {
		o.fail(fmt.Errorf("invalid wait condition %q", until))
		return o
	}
	o.until = until
	return o
}

// Row adds one expected row
func (o *WaitOp) Row(values ...schema.ColumnValue) *WaitOp {
	row := ovsdb.Row{}
	for _, cv := range values {
		if o.err != nil {
			return o
		}
		if cv.Err != nil {
			o.fail(cv.Err)
			return o
		}
		if o.checkTable(cv.Table) {
			row[cv.Column] = cv.Value
		}
	}
	o.rows = append(o.rows, row)
	return o
}

// Timeout bounds the wait in milliseconds. Zero fails at once if the
// condition does not already hold.
func (o *WaitOp) Timeout(ms int) *WaitOp {
	if ms < 0 {
		o.fail(fmt.Errorf("negative wait timeout %d", ms))
		return o
	}
	o.timeout = &ms
	return o
}

// Where adds a condition
func (o *WaitOp) Where(cc schema.ColumnCondition) *WaitOp {
	o.add(cc)
	return o
}

// And adds a condition, ANDed with the previous ones
func (o *WaitOp) And(cc schema.ColumnCondition) *WaitOp {
	return o.Where(cc)
}

// Build freezes the wait
func (o *WaitOp) Build() Operation {
	err := o.err
	if err == nil {
		for _, row := range o.rows {
			for column := range row {
				if !contains(o.columns, column) {
					err = fmt.Errorf("wait row sets column %s which is not compared", column)
				}
			}
		}
	}
	rows := make([]ovsdb.Row, 0, len(o.rows))
	for _, row := range o.rows {
		rows = append(rows, copyRow(row))
	}
	var timeout *int
	if o.timeout != nil {
		t := *o.timeout
		timeout = &t
	}
	return freeze(ovsdb.Operation{
		Op:      ovsdb.OperationWait,
		Table:   o.tableName(),
		Where:   copyConditions(o.where),
		Columns: append([]string{}, o.columns...),
		Until:   o.until,
		Rows:    rows,
		Timeout: timeout,
	}, err)
}

func (o *WaitOp) Kind() string { return ovsdb.OperationWait }
func (o *WaitOp) TableName() string { return o.tableName() }
func (o *WaitOp) Encode() (ovsdb.Operation, error) { return o.Build().Encode() }
func (o *WaitOp) Err() error { return o.Build().Err() }

func contains(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}
