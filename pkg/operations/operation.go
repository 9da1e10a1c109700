// Package operations builds the operations of an OVSDB transaction. Every
// builder validates its table, columns and values against the schema as it
// goes and keeps the first error; Build freezes the operation and carries
// that error, reported by Err and Encode, so it surfaces before anything is
// sent.
package operations

import (
	"fmt"

	"github.com/CNlukai/ovsdb/pkg/ovsdb"
	"github.com/CNlukai/ovsdb/pkg/schema"
)

// Operation is one finalized operation of a transaction
type Operation interface {
	// Kind returns the RFC 7047 operation name
	Kind() string
	// TableName returns the table the operation applies to, if any
	TableName() string
	// Encode returns the wire form of the operation, or the error found
	// while building it
	Encode() (ovsdb.Operation, error)
	// Err returns the error found while building the operation, if any
	Err() error
}

type frozen struct {
	kind  string
	table string
	op    ovsdb.Operation
	err   error
}

func (f *frozen) Kind() string {
	return f.kind
}

func (f *frozen) TableName() string {
	return f.table
}

func (f *frozen) Encode() (ovsdb.Operation, error) {
	if err := f.Err(); err != nil {
		return ovsdb.Operation{}, err
	}
	return f.op, nil
}

func (f *frozen) Err() error {
	if f.err != nil {
		return fmt.Errorf("%s on %s: %w", f.kind, f.table, f.err)
	}
	return nil
}

func freeze(op ovsdb.Operation, err error) Operation {
	return &frozen{kind: op.Op, table: op.Table, op: op, err: err}
}

// base holds the bound table and the first error hit by a builder
type base struct {
	table *schema.TableSchema
	err   error
}

func newBase(t schema.TableHandle) base {
	b := base{}
	if t == nil || t.TableSchema() == nil {
		b.err = fmt.Errorf("%w: operation is not bound to a table", schema.ErrSchemaMismatch)
		return b
	}
	b.table = t.TableSchema()
	return b
}

func (b *base) tableName() string {
	if b.table == nil {
		return ""
	}
	return b.table.Name
}

func (b *base) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

func (b *base) checkTable(table string) bool {
	if b.err != nil {
		return false
	}
	if table != b.table.Name {
		b.fail(fmt.Errorf("%w: column of table %s used on table %s", schema.ErrSchemaMismatch, table, b.table.Name))
		return false
	}
	return true
}

func (b *base) checkValue(cv schema.ColumnValue) bool {
	if b.err != nil {
		return false
	}
	if cv.Err != nil {
		b.fail(cv.Err)
		return false
	}
	if cv.Column == schema.UUIDColumn || cv.Column == schema.VersionColumn {
		b.fail(fmt.Errorf("%w: column %s cannot be set", schema.ErrSchemaMismatch, cv.Column))
		return false
	}
	return b.checkTable(cv.Table)
}

// conditions holds ANDed where clauses
type conditions struct {
	base
	where []ovsdb.Condition
}

func (c *conditions) add(cc schema.ColumnCondition) {
	if c.err != nil {
		return
	}
	if cc.Err != nil {
		c.fail(cc.Err)
		return
	}
	if c.checkTable(cc.Table) {
		c.where = append(c.where, cc.Condition)
	}
}

func (c *conditions) checkColumns(columns []string) {
	for _, column := range columns {
		if c.err != nil {
			return
		}
		if _, err := c.table.Column(column); err != nil {
			c.fail(err)
		}
	}
}

func copyConditions(where []ovsdb.Condition) []ovsdb.Condition {
	if where == nil {
		return nil
	}
	return append([]ovsdb.Condition{}, where...)
}

func copyRow(row ovsdb.Row) ovsdb.Row {
	out := make(ovsdb.Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}
