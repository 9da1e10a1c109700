package schema

import (
	"fmt"
	"reflect"

	"github.com/CNlukai/ovsdb/pkg/ovsdb"
)

// TableHandle is implemented by anything bound to a table schema: the
// *TableSchema itself and every typed table view
type TableHandle interface {
	TableSchema() *TableSchema
}

// Column is a typed, immutable handle on one column of a table. T is the
// Go representation of the column value:
//
//	scalar (min 1, max 1)   string, bool, int*, uint*, float*, ovsdb.UUID
//	optional (min 0, max 1) *E or []E
//	set                     []E
//	map                     map[K]V
//
// interface{} accepts any column and leaves values in wire form.
type Column[T any] struct {
	table  *TableSchema
	column *ColumnSchema
}

// ColumnOf returns a handle on the named column, failing with
// ErrColumnMismatch if the column is absent or if T disagrees with its
// type or cardinality
func ColumnOf[T any](t TableHandle, name string) (Column[T], error) {
	var c Column[T]
	err := c.bind(t.TableSchema(), name)
	return c, err
}

// SetColumnOf returns a handle on a multi-valued column. It fails if the
// schema declares the column single-valued or a map.
func SetColumnOf[E any](t TableHandle, name string) (Column[[]E], error) {
	ts := t.TableSchema()
	if ts == nil {
		return Column[[]E]{}, fmt.Errorf("%w: table handle is not bound", ErrSchemaMismatch)
	}
	cs, err := ts.Column(name)
	if err != nil {
		return Column[[]E]{}, err
	}
	if !cs.Type.IsSet() {
		return Column[[]E]{}, columnMismatch(ts.Name, name, "column is %s, not a set", &cs.Type)
	}
	return ColumnOf[[]E](t, name)
}

// MapColumnOf returns a handle on a map column
func MapColumnOf[K comparable, V any](t TableHandle, name string) (Column[map[K]V], error) {
	return ColumnOf[map[K]V](t, name)
}

func (c *Column[T]) bind(t *TableSchema, name string) error {
	if t == nil {
		return fmt.Errorf("%w: column %s is not bound to a table", ErrSchemaMismatch, name)
	}
	cs, err := t.Column(name)
	if err != nil {
		return err
	}
	if err := checkGoType(reflect.TypeOf((*T)(nil)).Elem(), &cs.Type); err != nil {
		return columnMismatch(t.Name, name, "%v", err)
	}
	c.table = t
	c.column = cs
	return nil
}

// Name returns the column name
func (c Column[T]) Name() string {
	if c.column == nil {
		return ""
	}
	return c.column.Name
}

// Table returns the name of the table the column belongs to
func (c Column[T]) Table() string {
	if c.table == nil {
		return ""
	}
	return c.table.Name
}

// Schema returns the column schema
func (c Column[T]) Schema() *ColumnSchema {
	return c.column
}

// Bound reports whether the handle was obtained from a schema
func (c Column[T]) Bound() bool {
	return c.column != nil
}

func (c Column[T]) check() error {
	if c.column == nil {
		return fmt.Errorf("%w: column handle is not bound", ErrSchemaMismatch)
	}
	return nil
}

// ColumnValue is a column paired with a wire encoded value, or with the
// error that prevented encoding it
type ColumnValue struct {
	Table  string
	Column string
	Schema *ColumnSchema
	Value  interface{}
	Err    error
}

// Value encodes v as a complete value of the column
func (c Column[T]) Value(v T) ColumnValue {
	cv := ColumnValue{Table: c.Table(), Column: c.Name(), Schema: c.column}
	if cv.Err = c.check(); cv.Err != nil {
		return cv
	}
	cv.Value, cv.Err = encodeValue(c.column, reflect.ValueOf(&v).Elem(), true)
	if cv.Err != nil {
		cv.Err = columnMismatch(c.Table(), c.Name(), "%v", cv.Err)
	}
	return cv
}

// ColumnCondition is a condition on a column, or the error that prevented
// building it
type ColumnCondition struct {
	Table     string
	Condition ovsdb.Condition
	Err       error
}

func (c Column[T]) condition(fn ovsdb.ConditionFunction, v T) ColumnCondition {
	cc := ColumnCondition{Table: c.Table()}
	if cc.Err = c.check(); cc.Err != nil {
		return cc
	}
	ct := &c.column.Type
	if fn.Ordering() && !(ct.IsScalar() && ct.Key.Numeric()) {
		cc.Err = fmt.Errorf("%w: %s on %s.%s of type %s", ErrIllegalCondition, fn, c.Table(), c.Name(), ct)
		return cc
	}
	value, err := encodeValue(c.column, reflect.ValueOf(&v).Elem(), false)
	if err != nil {
		cc.Err = columnMismatch(c.Table(), c.Name(), "%v", err)
		return cc
	}
	cc.Condition = ovsdb.NewCondition(c.Name(), fn, value)
	return cc
}

// Equal matches rows whose column equals v
func (c Column[T]) Equal(v T) ColumnCondition {
	return c.condition(ovsdb.ConditionEqual, v)
}

// NotEqual matches rows whose column differs from v
func (c Column[T]) NotEqual(v T) ColumnCondition {
	return c.condition(ovsdb.ConditionNotEqual, v)
}

// LessThan is only legal on numeric scalar columns
func (c Column[T]) LessThan(v T) ColumnCondition {
	return c.condition(ovsdb.ConditionLessThan, v)
}

// LessThanOrEqual is only legal on numeric scalar columns
func (c Column[T]) LessThanOrEqual(v T) ColumnCondition {
	return c.condition(ovsdb.ConditionLessThanOrEqual, v)
}

// GreaterThan is only legal on numeric scalar columns
func (c Column[T]) GreaterThan(v T) ColumnCondition {
	return c.condition(ovsdb.ConditionGreaterThan, v)
}

// GreaterThanOrEqual is only legal on numeric scalar columns
func (c Column[T]) GreaterThanOrEqual(v T) ColumnCondition {
	return c.condition(ovsdb.ConditionGreaterThanOrEqual, v)
}

// Includes matches rows whose column is a superset of v
func (c Column[T]) Includes(v T) ColumnCondition {
	return c.condition(ovsdb.ConditionIncludes, v)
}

// Excludes matches rows whose column shares no element with v
func (c Column[T]) Excludes(v T) ColumnCondition {
	return c.condition(ovsdb.ConditionExcludes, v)
}

// ColumnMutation is a mutation of a column, or the error that prevented
// building it
type ColumnMutation struct {
	Table    string
	Mutation ovsdb.Mutation
	Err      error
}

// Mutation builds a mutation of the column. Arithmetic mutators are legal
// on numeric scalar columns only (%= on integers only); insert and delete
// are legal on sets and maps only. Immutable columns cannot be mutated.
func (c Column[T]) Mutation(mutator ovsdb.Mutator, v T) ColumnMutation {
	cm := ColumnMutation{Table: c.Table()}
	if cm.Err = c.checkMutator(mutator); cm.Err != nil {
		return cm
	}
	value, err := encodeValue(c.column, reflect.ValueOf(&v).Elem(), false)
	if err != nil {
		cm.Err = columnMismatch(c.Table(), c.Name(), "%v", err)
		return cm
	}
	cm.Mutation = ovsdb.NewMutation(c.Name(), mutator, value)
	return cm
}

func (c Column[T]) checkMutator(mutator ovsdb.Mutator) error {
	if err := c.check(); err != nil {
		return err
	}
	ct := &c.column.Type
	switch {
	case !mutator.Valid():
		return fmt.Errorf("%w: unknown mutator %q", ErrIllegalMutation, mutator)
	case !c.column.Mutable:
		return fmt.Errorf("%w: column %s.%s is immutable", ErrIllegalMutation, c.Table(), c.Name())
	case mutator.Arithmetic() && !(ct.IsScalar() && ct.Key.Numeric()):
		return fmt.Errorf("%w: %s on %s.%s of type %s", ErrIllegalMutation, mutator, c.Table(), c.Name(), ct)
	case mutator == ovsdb.MutateOperationModulo && ct.Key.Type != TypeInteger:
		return fmt.Errorf("%w: %s on non-integer column %s.%s", ErrIllegalMutation, mutator, c.Table(), c.Name())
	case !mutator.Arithmetic() && ct.IsScalar():
		return fmt.Errorf("%w: %s on single-valued column %s.%s", ErrIllegalMutation, mutator, c.Table(), c.Name())
	}
	return nil
}

// DeleteKeys builds a "delete" mutation removing the given keys from a map
// column, whatever their values
func DeleteKeys[K comparable, V any](c Column[map[K]V], keys ...K) ColumnMutation {
	cm := ColumnMutation{Table: c.Table()}
	if cm.Err = c.checkMutator(ovsdb.MutateOperationDelete); cm.Err != nil {
		return cm
	}
	set := make([]interface{}, 0, len(keys))
	for _, k := range keys {
		atom, err := encodeAtom(c.column.Type.Key, reflect.ValueOf(k))
		if err != nil {
			cm.Err = columnMismatch(c.Table(), c.Name(), "%v", err)
			return cm
		}
		set = append(set, atom)
	}
	cm.Mutation = ovsdb.NewMutation(c.Name(), ovsdb.MutateOperationDelete, ovsdb.OvsSet{GoSet: set})
	return cm
}

// Get extracts the column value from a wire row
func (c Column[T]) Get(row ovsdb.Row) (T, error) {
	var out T
	if err := c.check(); err != nil {
		return out, err
	}
	wire, ok := row[c.Name()]
	if !ok {
		return out, fmt.Errorf("row has no column %s", c.Name())
	}
	if err := decodeValue(reflect.ValueOf(&out).Elem(), wire); err != nil {
		return out, fmt.Errorf("column %s.%s: %w", c.Table(), c.Name(), err)
	}
	return out, nil
}
