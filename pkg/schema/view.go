package schema

import (
	"fmt"
	"reflect"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
)

// TableView is embedded by typed table views. Columns of the view are
// exported Column[T] fields tagged with the column name:
//
//	type Bridge struct {
//		schema.TableView
//		Name  schema.Column[string]       `ovsdb:"name"`
//		Ports schema.Column[[]ovsdb.UUID] `ovsdb:"ports"`
//	}
type TableView struct {
	table *TableSchema
}

// TableSchema returns the generic table schema the view is bound to
func (v *TableView) TableSchema() *TableSchema {
	return v.table
}

// TableName returns the name of the bound table
func (v *TableView) TableName() string {
	if v.table == nil {
		return ""
	}
	return v.table.Name
}

func (v *TableView) bindTable(t *TableSchema) {
	v.table = t
}

type tableBinder interface {
	TableHandle
	bindTable(*TableSchema)
}

type columnBinder interface {
	bind(*TableSchema, string) error
}

// Bind binds a typed view to the named table. It fails with
// ErrSchemaMismatch if the table is absent or if any tagged column is
// absent or of the wrong type; the view is left unbound on failure.
func (db *DatabaseSchema) Bind(name string, view interface{}) error {
	t, err := db.Table(name)
	if err != nil {
		return err
	}
	tb, ok := view.(tableBinder)
	if !ok {
		return fmt.Errorf("%T does not embed schema.TableView", view)
	}
	rv := reflect.ValueOf(view)
	if rv.Kind() != reflect.Ptr || rv.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("view must be a pointer to a struct, got %T", view)
	}
	rv = rv.Elem()
	var errs []error
	for i := 0; i < rv.NumField(); i++ {
		field := rv.Type().Field(i)
		column, ok := field.Tag.Lookup("ovsdb")
		if !ok {
			continue
		}
		if !field.IsExported() {
			errs = append(errs, fmt.Errorf("field %s of %T is not exported", field.Name, view))
			continue
		}
		cb, ok := rv.Field(i).Addr().Interface().(columnBinder)
		if !ok {
			errs = append(errs, fmt.Errorf("field %s of %T is not a schema.Column", field.Name, view))
			continue
		}
		if err := cb.bind(t, column); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		rv.Set(reflect.Zero(rv.Type()))
		return utilerrors.NewAggregate(errs)
	}
	tb.bindTable(t)
	return nil
}

// TypedTable returns a new view of type V bound to the named table
//
//	bridge, err := schema.TypedTable[vswitch.Bridge](db, "Bridge")
func TypedTable[V any, PV interface {
	*V
	TableHandle
}](db *DatabaseSchema, name string) (PV, error) {
	view := PV(new(V))
	if err := db.Bind(name, view); err != nil {
		return nil, err
	}
	return view, nil
}
