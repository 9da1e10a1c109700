package schema

import (
	"encoding/json"
	"fmt"

	"github.com/CNlukai/ovsdb/pkg/ovsdb"
)

// Atomic types defined by RFC 7047 section 3.2
const (
	TypeInteger = "integer"
	TypeReal    = "real"
	TypeBoolean = "boolean"
	TypeString  = "string"
	TypeUUID    = "uuid"
)

// Unlimited is the value of ColumnType.Max for columns declared with
// "max": "unlimited"
const Unlimited = -1

// BaseType is the <base-type> of a column key or value
type BaseType struct {
	Type       string
	Enum       []interface{}
	MinInteger *int
	MaxInteger *int
	MinReal    *float64
	MaxReal    *float64
	MinLength  *int
	MaxLength  *int
	RefTable   string
	RefType    string
}

type baseTypeObject struct {
	Type       string          `json:"type"`
	Enum       json.RawMessage `json:"enum,omitempty"`
	MinInteger *int            `json:"minInteger,omitempty"`
	MaxInteger *int            `json:"maxInteger,omitempty"`
	MinReal    *float64        `json:"minReal,omitempty"`
	MaxReal    *float64        `json:"maxReal,omitempty"`
	MinLength  *int            `json:"minLength,omitempty"`
	MaxLength  *int            `json:"maxLength,omitempty"`
	RefTable   string          `json:"refTable,omitempty"`
	RefType    string          `json:"refType,omitempty"`
}

// UnmarshalJSON accepts either an <atomic-type> string or a base type object
func (b *BaseType) UnmarshalJSON(data []byte) error {
	var atomic string
	if err := json.Unmarshal(data, &atomic); err == nil {
		if !validAtomicType(atomic) {
			return fmt.Errorf("unknown atomic type %q", atomic)
		}
		*b = BaseType{Type: atomic}
		return nil
	}
	var obj baseTypeObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	if !validAtomicType(obj.Type) {
		return fmt.Errorf("unknown atomic type %q", obj.Type)
	}
	*b = BaseType{
		Type:       obj.Type,
		MinInteger: obj.MinInteger,
		MaxInteger: obj.MaxInteger,
		MinReal:    obj.MinReal,
		MaxReal:    obj.MaxReal,
		MinLength:  obj.MinLength,
		MaxLength:  obj.MaxLength,
		RefTable:   obj.RefTable,
		RefType:    obj.RefType,
	}
	if len(obj.Enum) > 0 {
		v, err := ovsdb.ParseValue(obj.Enum)
		if err != nil {
			return fmt.Errorf("invalid enum: %w", err)
		}
		switch e := v.(type) {
		case ovsdb.OvsSet:
			b.Enum = e.GoSet
		case ovsdb.OvsMap:
			return fmt.Errorf("enum must be a set")
		default:
			b.Enum = []interface{}{e}
		}
	}
	return nil
}

// MarshalJSON emits the short atomic form when no constraint is present
func (b BaseType) MarshalJSON() ([]byte, error) {
	if b.simple() {
		return json.Marshal(b.Type)
	}
	obj := baseTypeObject{
		Type:       b.Type,
		MinInteger: b.MinInteger,
		MaxInteger: b.MaxInteger,
		MinReal:    b.MinReal,
		MaxReal:    b.MaxReal,
		MinLength:  b.MinLength,
		MaxLength:  b.MaxLength,
		RefTable:   b.RefTable,
		RefType:    b.RefType,
	}
	if b.Enum != nil {
		enum, err := json.Marshal(ovsdb.OvsSet{GoSet: b.Enum})
		if err != nil {
			return nil, err
		}
		obj.Enum = enum
	}
	return json.Marshal(obj)
}

func (b BaseType) simple() bool {
	return b.Enum == nil && b.MinInteger == nil && b.MaxInteger == nil && b.MinReal == nil &&
		b.MaxReal == nil && b.MinLength == nil && b.MaxLength == nil && b.RefTable == "" && b.RefType == ""
}

// Numeric reports whether the base type is integer or real
func (b *BaseType) Numeric() bool {
	return b.Type == TypeInteger || b.Type == TypeReal
}

func validAtomicType(t string) bool {
	switch t {
	case TypeInteger, TypeReal, TypeBoolean, TypeString, TypeUUID:
		return true
	}
	return false
}

// ColumnType is the <type> of a column: a key base type, an optional value
// base type (for maps) and the min/max cardinality
type ColumnType struct {
	Key   *BaseType
	Value *BaseType
	Min   int
	Max   int
}

type columnTypeObject struct {
	Key   *BaseType       `json:"key"`
	Value *BaseType       `json:"value,omitempty"`
	Min   *int            `json:"min,omitempty"`
	Max   json.RawMessage `json:"max,omitempty"`
}

// UnmarshalJSON accepts either an <atomic-type> string or a type object
func (c *ColumnType) UnmarshalJSON(data []byte) error {
	var atomic string
	if err := json.Unmarshal(data, &atomic); err == nil {
		if !validAtomicType(atomic) {
			return fmt.Errorf("unknown atomic type %q", atomic)
		}
		*c = ColumnType{Key: &BaseType{Type: atomic}, Min: 1, Max: 1}
		return nil
	}
	var obj columnTypeObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	if obj.Key == nil {
		return fmt.Errorf("column type has no key")
	}
	ct := ColumnType{Key: obj.Key, Value: obj.Value, Min: 1, Max: 1}
	if obj.Min != nil {
		ct.Min = *obj.Min
	}
	if len(obj.Max) > 0 {
		var unlimited string
		if err := json.Unmarshal(obj.Max, &unlimited); err == nil {
			if unlimited != "unlimited" {
				return fmt.Errorf("invalid max %q", unlimited)
			}
			ct.Max = Unlimited
		} else if err := json.Unmarshal(obj.Max, &ct.Max); err != nil {
			return fmt.Errorf("invalid max: %w", err)
		}
	}
	if ct.Min < 0 || ct.Min > 1 {
		return fmt.Errorf("min must be 0 or 1, got %d", ct.Min)
	}
	if ct.Max != Unlimited && ct.Max < 1 {
		return fmt.Errorf("max must be positive, got %d", ct.Max)
	}
	*c = ct
	return nil
}

// MarshalJSON emits the short atomic form for plain scalar columns
func (c ColumnType) MarshalJSON() ([]byte, error) {
	if c.IsScalar() && c.Key.simple() {
		return json.Marshal(c.Key.Type)
	}
	obj := columnTypeObject{Key: c.Key, Value: c.Value}
	if c.Min != 1 {
		min := c.Min
		obj.Min = &min
	}
	var err error
	switch {
	case c.Max == Unlimited:
		obj.Max, err = json.Marshal("unlimited")
	case c.Max != 1:
		obj.Max, err = json.Marshal(c.Max)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(obj)
}

// IsMap reports whether the column holds a map
func (c *ColumnType) IsMap() bool {
	return c.Value != nil
}

// IsScalar reports whether the column holds exactly one atom
func (c *ColumnType) IsScalar() bool {
	return c.Value == nil && c.Min == 1 && c.Max == 1
}

// IsOptional reports whether the column holds zero or one atom
func (c *ColumnType) IsOptional() bool {
	return c.Value == nil && c.Min == 0 && c.Max == 1
}

// IsSet reports whether the column is multi-valued without being a map.
// Optional columns are sets of at most one element.
func (c *ColumnType) IsSet() bool {
	return c.Value == nil && !c.IsScalar()
}

func (c *ColumnType) String() string {
	switch {
	case c.IsMap():
		return fmt.Sprintf("map<%s,%s>", c.Key.Type, c.Value.Type)
	case c.IsScalar():
		return c.Key.Type
	case c.IsOptional():
		return "optional<" + c.Key.Type + ">"
	}
	return "set<" + c.Key.Type + ">"
}
