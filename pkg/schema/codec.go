package schema

import (
	"fmt"
	"math"
	"reflect"
	"unicode/utf8"

	"github.com/CNlukai/ovsdb/pkg/ovsdb"
)

var uuidType = reflect.TypeOf(ovsdb.UUID{})

func checkGoType(rt reflect.Type, ct *ColumnType) error {
	if rt.Kind() == reflect.Interface {
		return nil
	}
	switch {
	case ct.IsMap():
		if rt.Kind() != reflect.Map {
			return fmt.Errorf("column is %s but Go type %s is not a map", ct, rt)
		}
		if err := checkAtomType(rt.Key(), ct.Key); err != nil {
			return err
		}
		return checkAtomType(rt.Elem(), ct.Value)
	case ct.IsScalar():
		return checkAtomType(rt, ct.Key)
	case ct.IsOptional() && rt.Kind() == reflect.Ptr:
		return checkAtomType(rt.Elem(), ct.Key)
	}
	if rt.Kind() != reflect.Slice {
		return fmt.Errorf("column is %s but Go type %s is not a slice", ct, rt)
	}
	return checkAtomType(rt.Elem(), ct.Key)
}

func atomTypeOf(rt reflect.Type) (string, bool) {
	if rt == uuidType {
		return TypeUUID, true
	}
	switch rt.Kind() {
	case reflect.String:
		return TypeString, true
	case reflect.Bool:
		return TypeBoolean, true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return TypeInteger, true
	case reflect.Float32, reflect.Float64:
		return TypeReal, true
	}
	return "", false
}

func checkAtomType(rt reflect.Type, bt *BaseType) error {
	if rt.Kind() == reflect.Interface {
		return nil
	}
	t, ok := atomTypeOf(rt)
	if !ok {
		return fmt.Errorf("Go type %s is not an ovsdb atom", rt)
	}
	if t != bt.Type {
		return fmt.Errorf("Go type %s cannot hold %s", rt, bt.Type)
	}
	return nil
}

// encodeValue converts a Go value into its wire form. When full is set the
// value must satisfy the column cardinality, as for insert and update;
// conditions and mutations only carry part of a value.
func encodeValue(cs *ColumnSchema, v reflect.Value, full bool) (interface{}, error) {
	ct := &cs.Type
	if v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil, fmt.Errorf("nil value")
		}
		return encodeDynamic(cs, v.Elem(), full)
	}
	switch {
	case ct.IsMap():
		if v.IsNil() {
			return ovsdb.OvsMap{GoMap: map[interface{}]interface{}{}}, checkSize(ct, 0, full)
		}
		m := make(map[interface{}]interface{}, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			key, err := encodeAtom(ct.Key, iter.Key())
			if err != nil {
				return nil, err
			}
			value, err := encodeAtom(ct.Value, iter.Value())
			if err != nil {
				return nil, err
			}
			m[key] = value
		}
		return ovsdb.OvsMap{GoMap: m}, checkSize(ct, len(m), full)
	case ct.IsScalar():
		return encodeAtom(ct.Key, v)
	case v.Kind() == reflect.Ptr:
		if v.IsNil() {
			return ovsdb.OvsSet{GoSet: []interface{}{}}, checkSize(ct, 0, full)
		}
		atom, err := encodeAtom(ct.Key, v.Elem())
		if err != nil {
			return nil, err
		}
		return ovsdb.OvsSet{GoSet: []interface{}{atom}}, nil
	}
	set := make([]interface{}, 0, v.Len())
	for i := 0; i < v.Len(); i++ {
		atom, err := encodeAtom(ct.Key, v.Index(i))
		if err != nil {
			return nil, err
		}
		set = append(set, atom)
	}
	return ovsdb.OvsSet{GoSet: set}, checkSize(ct, len(set), full)
}

// encodeDynamic handles values held by an interface{}: already encoded
// sets and maps pass through, single atoms for set columns become a set of
// one element
func encodeDynamic(cs *ColumnSchema, v reflect.Value, full bool) (interface{}, error) {
	switch w := v.Interface().(type) {
	case ovsdb.OvsSet:
		return w, checkSize(&cs.Type, w.Len(), full)
	case ovsdb.OvsMap:
		return w, checkSize(&cs.Type, len(w.GoMap), full)
	}
	if err := checkGoType(v.Type(), &cs.Type); err == nil {
		return encodeValue(cs, v, full)
	}
	if cs.Type.IsSet() {
		if err := checkAtomType(v.Type(), cs.Type.Key); err == nil {
			atom, err := encodeAtom(cs.Type.Key, v)
			if err != nil {
				return nil, err
			}
			return ovsdb.OvsSet{GoSet: []interface{}{atom}}, nil
		}
	}
	return nil, fmt.Errorf("value of type %s does not fit column type %s", v.Type(), &cs.Type)
}

func checkSize(ct *ColumnType, n int, full bool) error {
	if !full {
		return nil
	}
	if n < ct.Min {
		return fmt.Errorf("%d elements, at least %d required", n, ct.Min)
	}
	if ct.Max != Unlimited && n > ct.Max {
		return fmt.Errorf("%d elements, at most %d allowed", n, ct.Max)
	}
	return nil
}

func encodeAtom(bt *BaseType, v reflect.Value) (interface{}, error) {
	if v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil, fmt.Errorf("nil atom")
		}
		v = v.Elem()
	}
	if err := checkAtomType(v.Type(), bt); err != nil {
		return nil, err
	}
	var atom interface{}
	switch bt.Type {
	case TypeUUID:
		u := v.Interface().(ovsdb.UUID)
		if u.IsZero() {
			return nil, fmt.Errorf("empty uuid")
		}
		if !u.Named {
			if _, err := ovsdb.ParseUUID(u.GoUUID); err != nil {
				return nil, err
			}
		} else if !ovsdb.ValidNamedUUID(u.GoUUID) {
			return nil, fmt.Errorf("invalid named uuid %q", u.GoUUID)
		}
		atom = u
	case TypeString:
		s := v.String()
		n := utf8.RuneCountInString(s)
		if bt.MinLength != nil && n < *bt.MinLength {
			return nil, fmt.Errorf("string %q shorter than %d", s, *bt.MinLength)
		}
		if bt.MaxLength != nil && n > *bt.MaxLength {
			return nil, fmt.Errorf("string %q longer than %d", s, *bt.MaxLength)
		}
		atom = s
	case TypeBoolean:
		atom = v.Bool()
	case TypeInteger:
		var n int
		if v.CanInt() {
			n = int(v.Int())
		} else {
			if v.Uint() > math.MaxInt64 {
				return nil, fmt.Errorf("integer %d out of range", v.Uint())
			}
			n = int(v.Uint())
		}
		if bt.MinInteger != nil && n < *bt.MinInteger {
			return nil, fmt.Errorf("integer %d below minimum %d", n, *bt.MinInteger)
		}
		if bt.MaxInteger != nil && n > *bt.MaxInteger {
			return nil, fmt.Errorf("integer %d above maximum %d", n, *bt.MaxInteger)
		}
		atom = n
	case TypeReal:
		f := v.Float()
		if bt.MinReal != nil && f < *bt.MinReal {
			return nil, fmt.Errorf("real %v below minimum %v", f, *bt.MinReal)
		}
		if bt.MaxReal != nil && f > *bt.MaxReal {
			return nil, fmt.Errorf("real %v above maximum %v", f, *bt.MaxReal)
		}
		atom = f
	}
	if bt.Enum != nil && !inEnum(bt.Enum, atom) {
		return nil, fmt.Errorf("%v is not one of %v", atom, bt.Enum)
	}
	return atom, nil
}

func inEnum(enum []interface{}, atom interface{}) bool {
	for _, e := range enum {
		if AtomEqual(e, atom) {
			return true
		}
	}
	return false
}

// AtomEqual compares two wire atoms, treating every numeric type alike
func AtomEqual(a, b interface{}) bool {
	fa, aNum := toFloat(a)
	fb, bNum := toFloat(b)
	if aNum || bNum {
		return aNum && bNum && fa == fb
	}
	return a == b
}

func toFloat(v interface{}) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}

func decodeValue(rv reflect.Value, wire interface{}) error {
	rt := rv.Type()
	switch rt.Kind() {
	case reflect.Interface:
		rv.Set(reflect.ValueOf(wire))
		return nil
	case reflect.Ptr:
		elems, err := setElems(wire)
		if err != nil {
			return err
		}
		switch len(elems) {
		case 0:
			rv.Set(reflect.Zero(rt))
			return nil
		case 1:
			p := reflect.New(rt.Elem())
			if err := decodeAtom(p.Elem(), elems[0]); err != nil {
				return err
			}
			rv.Set(p)
			return nil
		}
		return fmt.Errorf("optional value has %d elements", len(elems))
	case reflect.Slice:
		elems, err := setElems(wire)
		if err != nil {
			return err
		}
		s := reflect.MakeSlice(rt, 0, len(elems))
		for _, elem := range elems {
			e := reflect.New(rt.Elem()).Elem()
			if err := decodeAtom(e, elem); err != nil {
				return err
			}
			s = reflect.Append(s, e)
		}
		rv.Set(s)
		return nil
	case reflect.Map:
		m, ok := wire.(ovsdb.OvsMap)
		if !ok {
			return fmt.Errorf("expected a map, got %T", wire)
		}
		out := reflect.MakeMapWithSize(rt, len(m.GoMap))
		for k, v := range m.GoMap {
			key := reflect.New(rt.Key()).Elem()
			if err := decodeAtom(key, k); err != nil {
				return err
			}
			value := reflect.New(rt.Elem()).Elem()
			if err := decodeAtom(value, v); err != nil {
				return err
			}
			out.SetMapIndex(key, value)
		}
		rv.Set(out)
		return nil
	}
	if s, ok := wire.(ovsdb.OvsSet); ok {
		if s.Len() != 1 {
			return fmt.Errorf("expected a single value, got a set of %d", s.Len())
		}
		wire = s.GoSet[0]
	}
	return decodeAtom(rv, wire)
}

func setElems(wire interface{}) ([]interface{}, error) {
	switch w := wire.(type) {
	case ovsdb.OvsSet:
		return w.GoSet, nil
	case ovsdb.OvsMap:
		return nil, fmt.Errorf("expected a set, got a map")
	case nil:
		return nil, fmt.Errorf("missing value")
	}
	return []interface{}{wire}, nil
}

func decodeAtom(rv reflect.Value, atom interface{}) error {
	rt := rv.Type()
	if rt == uuidType {
		u, ok := atom.(ovsdb.UUID)
		if !ok {
			return fmt.Errorf("expected a uuid, got %T", atom)
		}
		rv.Set(reflect.ValueOf(u))
		return nil
	}
	switch rt.Kind() {
	case reflect.Interface:
		rv.Set(reflect.ValueOf(atom))
	case reflect.String:
		s, ok := atom.(string)
		if !ok {
			return fmt.Errorf("expected a string, got %T", atom)
		}
		rv.SetString(s)
	case reflect.Bool:
		b, ok := atom.(bool)
		if !ok {
			return fmt.Errorf("expected a boolean, got %T", atom)
		}
		rv.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		f, ok := toFloat(atom)
		if !ok || f != math.Trunc(f) || rv.OverflowInt(int64(f)) {
			return fmt.Errorf("expected an integer, got %v", atom)
		}
		rv.SetInt(int64(f))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		f, ok := toFloat(atom)
		if !ok || f < 0 || f != math.Trunc(f) || rv.OverflowUint(uint64(f)) {
			return fmt.Errorf("expected a non-negative integer, got %v", atom)
		}
		rv.SetUint(uint64(f))
	case reflect.Float32, reflect.Float64:
		f, ok := toFloat(atom)
		if !ok {
			return fmt.Errorf("expected a real, got %T", atom)
		}
		rv.SetFloat(f)
	default:
		return fmt.Errorf("cannot decode into %s", rt)
	}
	return nil
}
