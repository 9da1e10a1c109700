package ovsdb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
)

const (
	setTag = "set"
	mapTag = "map"
)

// OvsSet is the wire representation of an OVSDB set, encoded as
// ["set", [<atom>, ...]]. A set of exactly one element may also arrive
// as a bare atom.
type OvsSet struct {
	GoSet []interface{}
}

// NewOvsSet builds an OvsSet from a Go slice or array of atoms, or from a
// single atom
func NewOvsSet(goSlice interface{}) (OvsSet, error) {
	v := reflect.ValueOf(goSlice)
	if !v.IsValid() {
		return OvsSet{GoSet: []interface{}{}}, nil
	}
	if v.Kind() != reflect.Slice && v.Kind() != reflect.Array {
		if !isAtom(goSlice) {
			return OvsSet{}, fmt.Errorf("set element of type %T is not an ovsdb atom", goSlice)
		}
		return OvsSet{GoSet: []interface{}{goSlice}}, nil
	}
	set := make([]interface{}, 0, v.Len())
	for i := 0; i < v.Len(); i++ {
		elem := v.Index(i).Interface()
		if !isAtom(elem) {
			return OvsSet{}, fmt.Errorf("set element of type %T is not an ovsdb atom", elem)
		}
		set = append(set, elem)
	}
	return OvsSet{GoSet: set}, nil
}

// Len returns the number of elements in the set
func (o OvsSet) Len() int {
	return len(o.GoSet)
}

// MarshalJSON encodes the set in its tagged form
func (o OvsSet) MarshalJSON() ([]byte, error) {
	elems := o.GoSet
	if elems == nil {
		elems = []interface{}{}
	}
	return json.Marshal([]interface{}{setTag, elems})
}

// UnmarshalJSON accepts both the tagged set form and a bare atom
func (o *OvsSet) UnmarshalJSON(b []byte) error {
	v, err := ParseValue(b)
	if err != nil {
		return err
	}
	switch t := v.(type) {
	case OvsSet:
		*o = t
	case OvsMap:
		return fmt.Errorf("expected a set, got a map")
	default:
		o.GoSet = []interface{}{t}
	}
	return nil
}

// OvsMap is the wire representation of an OVSDB map, encoded as
// ["map", [[<key>, <value>], ...]]
type OvsMap struct {
	GoMap map[interface{}]interface{}
}

// NewOvsMap builds an OvsMap from a Go map whose keys and values are atoms
func NewOvsMap(goMap interface{}) (OvsMap, error) {
	v := reflect.ValueOf(goMap)
	if v.Kind() != reflect.Map {
		return OvsMap{}, fmt.Errorf("expected a map, got %T", goMap)
	}
	m := make(map[interface{}]interface{}, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		key, value := iter.Key().Interface(), iter.Value().Interface()
		if !isAtom(key) || !isAtom(value) {
			return OvsMap{}, fmt.Errorf("map entry %v=%v is not made of ovsdb atoms", key, value)
		}
		m[key] = value
	}
	return OvsMap{GoMap: m}, nil
}

// MarshalJSON encodes the map in its tagged form. Pairs are sorted so the
// encoding is stable.
func (o OvsMap) MarshalJSON() ([]byte, error) {
	pairs := make([][]interface{}, 0, len(o.GoMap))
	for k, v := range o.GoMap {
		pairs = append(pairs, []interface{}{k, v})
	}
	sort.Slice(pairs, func(i, j int) bool {
		return fmt.Sprint(pairs[i][0]) < fmt.Sprint(pairs[j][0])
	})
	return json.Marshal([]interface{}{mapTag, pairs})
}

// UnmarshalJSON decodes the tagged map form
func (o *OvsMap) UnmarshalJSON(b []byte) error {
	v, err := ParseValue(b)
	if err != nil {
		return err
	}
	m, ok := v.(OvsMap)
	if !ok {
		return fmt.Errorf("expected a map, got %T", v)
	}
	*o = m
	return nil
}

// ParseValue decodes one protocol encoded value: an atom (string, number,
// boolean, UUID), a set or a map
func ParseValue(b []byte) (interface{}, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] != '[' {
		return parseScalar(b)
	}
	var parts []json.RawMessage
	if err := json.Unmarshal(b, &parts); err != nil {
		return nil, err
	}
	if len(parts) != 2 {
		return nil, fmt.Errorf("tagged value must have 2 elements, got %d", len(parts))
	}
	var tag string
	if err := json.Unmarshal(parts[0], &tag); err != nil {
		return nil, fmt.Errorf("tagged value has a non-string tag: %w", err)
	}
	switch tag {
	case uuidTag, namedUUIDTag:
		var u UUID
		err := u.UnmarshalJSON(b)
		return u, err
	case setTag:
		var elems []json.RawMessage
		if err := json.Unmarshal(parts[1], &elems); err != nil {
			return nil, fmt.Errorf("set body is not an array: %w", err)
		}
		set := OvsSet{GoSet: make([]interface{}, 0, len(elems))}
		for _, e := range elems {
			atom, err := parseAtom(e)
			if err != nil {
				return nil, err
			}
			set.GoSet = append(set.GoSet, atom)
		}
		return set, nil
	case mapTag:
		var pairs [][]json.RawMessage
		if err := json.Unmarshal(parts[1], &pairs); err != nil {
			return nil, fmt.Errorf("map body is not an array of pairs: %w", err)
		}
		m := OvsMap{GoMap: make(map[interface{}]interface{}, len(pairs))}
		for _, pair := range pairs {
			if len(pair) != 2 {
				return nil, fmt.Errorf("map pair must have 2 elements, got %d", len(pair))
			}
			key, err := parseAtom(pair[0])
			if err != nil {
				return nil, err
			}
			value, err := parseAtom(pair[1])
			if err != nil {
				return nil, err
			}
			m.GoMap[key] = value
		}
		return m, nil
	}
	return nil, fmt.Errorf("unsupported notation %q. expected <uuid>,<named-uuid>,<set> or <map>", tag)
}

func parseAtom(b []byte) (interface{}, error) {
	v, err := ParseValue(b)
	if err != nil {
		return nil, err
	}
	switch v.(type) {
	case OvsSet, OvsMap:
		return nil, fmt.Errorf("nested set or map is not an atom")
	}
	return v, nil
}

func parseScalar(b []byte) (interface{}, error) {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	switch v.(type) {
	case string, float64, bool:
		return v, nil
	case nil:
		return nil, fmt.Errorf("null is not a valid ovsdb value")
	}
	return nil, fmt.Errorf("unexpected json value of type %T", v)
}

func isAtom(v interface{}) bool {
	switch v.(type) {
	case string, bool, float64, float32, UUID,
		int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return true
	}
	return false
}

// Row is a mapping from column name to a protocol encoded value
type Row map[string]interface{}

// UnmarshalJSON decodes every column value into its notation type
func (r *Row) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	row := make(Row, len(raw))
	for column, value := range raw {
		v, err := ParseValue(value)
		if err != nil {
			return fmt.Errorf("column %q: %w", column, err)
		}
		row[column] = v
	}
	*r = row
	return nil
}

// Columns returns the sorted column names present in the row
func (r Row) Columns() []string {
	columns := make([]string, 0, len(r))
	for c := range r {
		columns = append(columns, c)
	}
	sort.Strings(columns)
	return columns
}
