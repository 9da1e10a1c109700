// Package schema models an OVSDB database schema as returned by get_schema
// and provides typed column handles and table views on top of it.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Columns every table carries without declaring them
const (
	UUIDColumn    = "_uuid"
	VersionColumn = "_version"
)

// ColumnSchema describes one column of a table
type ColumnSchema struct {
	Name      string
	Type      ColumnType
	Ephemeral bool
	Mutable   bool
}

type columnSchemaObject struct {
	Type      ColumnType `json:"type"`
	Ephemeral bool       `json:"ephemeral,omitempty"`
	Mutable   *bool      `json:"mutable,omitempty"`
}

// UnmarshalJSON decodes a <column-schema>. Columns are mutable unless
// declared otherwise.
func (c *ColumnSchema) UnmarshalJSON(data []byte) error {
	var obj columnSchemaObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	c.Type = obj.Type
	c.Ephemeral = obj.Ephemeral
	c.Mutable = obj.Mutable == nil || *obj.Mutable
	return nil
}

// MarshalJSON encodes the <column-schema>
func (c ColumnSchema) MarshalJSON() ([]byte, error) {
	obj := columnSchemaObject{Type: c.Type, Ephemeral: c.Ephemeral}
	if !c.Mutable {
		mutable := false
		obj.Mutable = &mutable
	}
	return json.Marshal(obj)
}

// TableSchema describes one table: its name and its columns
type TableSchema struct {
	Name    string                   `json:"-"`
	Columns map[string]*ColumnSchema `json:"columns"`
	Indexes [][]string               `json:"indexes,omitempty"`
	IsRoot  bool                     `json:"isRoot,omitempty"`
	MaxRows int                      `json:"maxRows,omitempty"`
}

// TableSchema returns the table itself so *TableSchema can be used
// wherever a TableHandle is expected
func (t *TableSchema) TableSchema() *TableSchema {
	return t
}

// Column returns the schema of the named column
func (t *TableSchema) Column(name string) (*ColumnSchema, error) {
	c, ok := t.Columns[name]
	if !ok {
		return nil, columnMismatch(t.Name, name, "no such column")
	}
	return c, nil
}

// ColumnNames returns the sorted names of the declared columns, without
// the implicit _uuid and _version
func (t *TableSchema) ColumnNames() []string {
	names := make([]string, 0, len(t.Columns))
	for name := range t.Columns {
		if name == UUIDColumn || name == VersionColumn {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MarshalJSON encodes the <table-schema> without the implicit columns
func (t TableSchema) MarshalJSON() ([]byte, error) {
	type table TableSchema
	out := table(t)
	out.Columns = make(map[string]*ColumnSchema, len(t.Columns))
	for _, name := range t.ColumnNames() {
		out.Columns[name] = t.Columns[name]
	}
	return json.Marshal(out)
}

func (t *TableSchema) addImplicitColumns() {
	if t.Columns == nil {
		t.Columns = map[string]*ColumnSchema{}
	}
	for _, name := range []string{UUIDColumn, VersionColumn} {
		if _, ok := t.Columns[name]; ok {
			continue
		}
		t.Columns[name] = &ColumnSchema{
			Name: name,
			Type: ColumnType{Key: &BaseType{Type: TypeUUID}, Min: 1, Max: 1},
		}
	}
}

// DatabaseSchema is the schema of one database. It is never modified
// once parsed.
type DatabaseSchema struct {
	Name    string                  `json:"name"`
	Version string                  `json:"version"`
	Cksum   string                  `json:"cksum,omitempty"`
	Tables  map[string]*TableSchema `json:"tables"`
}

// ParseDatabaseSchema decodes a get_schema reply
func ParseDatabaseSchema(data []byte) (*DatabaseSchema, error) {
	db := &DatabaseSchema{}
	if err := json.Unmarshal(data, db); err != nil {
		return nil, fmt.Errorf("failed to parse database schema: %w", err)
	}
	if db.Name == "" {
		return nil, fmt.Errorf("database schema has no name")
	}
	for tableName, table := range db.Tables {
		if table == nil {
			return nil, fmt.Errorf("table %s has no definition", tableName)
		}
		table.Name = tableName
		for columnName, column := range table.Columns {
			if column == nil {
				return nil, fmt.Errorf("column %s.%s has no definition", tableName, columnName)
			}
			column.Name = columnName
			if ref := column.Type.Key.RefTable; ref != "" {
				if _, ok := db.Tables[ref]; !ok {
					return nil, fmt.Errorf("column %s.%s refers to unknown table %s", tableName, columnName, ref)
				}
			}
		}
		table.addImplicitColumns()
	}
	return db, nil
}

// Table returns the schema of the named table
func (db *DatabaseSchema) Table(name string) (*TableSchema, error) {
	t, ok := db.Tables[name]
	if !ok {
		return nil, tableMismatch(db.Name, name)
	}
	return t, nil
}

// TableNames returns the sorted table names
func (db *DatabaseSchema) TableNames() []string {
	names := make([]string, 0, len(db.Tables))
	for name := range db.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
