package ovsdbserver

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/CNlukai/ovsdb/pkg/ovsdb"
	"github.com/CNlukai/ovsdb/pkg/schema"
)

const zeroUUID = "00000000-0000-0000-0000-000000000000"

// atomKey renders an atom so that equal atoms have equal keys
func atomKey(v interface{}) string {
	switch a := v.(type) {
	case ovsdb.UUID:
		return "uuid:" + a.GoUUID
	case string:
		return strconv.Quote(a)
	case bool:
		return strconv.FormatBool(a)
	case float64:
		return strconv.FormatFloat(a, 'g', -1, 64)
	case int:
		return strconv.FormatFloat(float64(a), 'g', -1, 64)
	}
	return fmt.Sprintf("%v", v)
}

// elements returns the atoms of a set, the key/value atom pairs of a map or
// the atom itself, keyed by atomKey
func elements(v interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	switch val := v.(type) {
	case ovsdb.OvsSet:
		for _, e := range val.GoSet {
			out[atomKey(e)] = e
		}
	case ovsdb.OvsMap:
		for k, e := range val.GoMap {
			out[atomKey(k)+"=>"+atomKey(e)] = [2]interface{}{k, e}
		}
	case nil:
	default:
		out[atomKey(val)] = val
	}
	return out
}

func valueKey(v interface{}) string {
	keys := make([]string, 0)
	for k := range elements(v) {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return fmt.Sprintf("%v", keys)
}

func valuesEqual(a, b interface{}) bool {
	return valueKey(a) == valueKey(b)
}

// includes reports whether every element of b is in a
func includes(a, b interface{}) bool {
	have := elements(a)
	for k := range elements(b) {
		if _, ok := have[k]; !ok {
			return false
		}
	}
	return true
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

func evalCondition(row ovsdb.Row, c ovsdb.Condition) (bool, error) {
	actual, ok := row[c.Column]
	if !ok {
		return false, fmt.Errorf("no column %s", c.Column)
	}
	switch c.Function {
	case ovsdb.ConditionEqual:
		return valuesEqual(actual, c.Value), nil
	case ovsdb.ConditionNotEqual:
		return !valuesEqual(actual, c.Value), nil
	case ovsdb.ConditionIncludes:
		return includes(actual, c.Value), nil
	case ovsdb.ConditionExcludes:
		for k := range elements(c.Value) {
			if _, ok := elements(actual)[k]; ok {
				return false, nil
			}
		}
		return true, nil
	}
	a, aok := toFloat(actual)
	b, bok := toFloat(c.Value)
	if !aok || !bok {
		return false, fmt.Errorf("%s needs numbers", c.Function)
	}
	switch c.Function {
	case ovsdb.ConditionLessThan:
		return a < b, nil
	case ovsdb.ConditionLessThanOrEqual:
		return a <= b, nil
	case ovsdb.ConditionGreaterThan:
		return a > b, nil
	case ovsdb.ConditionGreaterThanOrEqual:
		return a >= b, nil
	}
	return false, fmt.Errorf("unknown function %s", c.Function)
}

func matches(row ovsdb.Row, where []ovsdb.Condition) (bool, error) {
	for _, c := range where {
		ok, err := evalCondition(row, c)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func defaultAtom(bt *schema.BaseType) interface{} {
	switch bt.Type {
	case schema.TypeInteger, schema.TypeReal:
		return float64(0)
	case schema.TypeBoolean:
		return false
	case schema.TypeString:
		return ""
	case schema.TypeUUID:
		return ovsdb.UUID{GoUUID: zeroUUID}
	}
	return nil
}

// defaultValue is the value of a column that was not set on insert
func defaultValue(ct *schema.ColumnType) interface{} {
	switch {
	case ct.IsMap():
		return ovsdb.OvsMap{GoMap: map[interface{}]interface{}{}}
	case ct.IsScalar():
		if ct.Key.Enum != nil && len(ct.Key.Enum) > 0 {
			return ct.Key.Enum[0]
		}
		return defaultAtom(ct.Key)
	}
	return ovsdb.OvsSet{GoSet: []interface{}{}}
}

// normalize stores scalars as atoms and everything else as sets or maps
func normalize(ct *schema.ColumnType, v interface{}) interface{} {
	if ct.IsMap() {
		return v
	}
	set, isSet := v.(ovsdb.OvsSet)
	if ct.IsScalar() {
		if isSet && len(set.GoSet) == 1 {
			return set.GoSet[0]
		}
		return v
	}
	if !isSet {
		return ovsdb.OvsSet{GoSet: []interface{}{v}}
	}
	return v
}

func setOf(v interface{}) []interface{} {
	if set, ok := v.(ovsdb.OvsSet); ok {
		return set.GoSet
	}
	if v == nil {
		return nil
	}
	return []interface{}{v}
}

func applyMutation(ct *schema.ColumnType, current interface{}, m ovsdb.Mutation) (interface{}, error) {
	switch m.Mutator {
	case ovsdb.MutateOperationInsert:
		if ct.IsMap() {
			cur, ok1 := current.(ovsdb.OvsMap)
			add, ok2 := m.Value.(ovsdb.OvsMap)
			if !ok1 || !ok2 {
				return nil, fmt.Errorf("insert needs a map")
			}
			out := ovsdb.OvsMap{GoMap: make(map[interface{}]interface{}, len(cur.GoMap)+len(add.GoMap))}
			for k, v := range cur.GoMap {
				out.GoMap[k] = v
			}
			for k, v := range add.GoMap {
				if _, ok := out.GoMap[k]; !ok {
					out.GoMap[k] = v
				}
			}
			return out, nil
		}
		cur := setOf(current)
		seen := elements(ovsdb.OvsSet{GoSet: cur})
		out := append([]interface{}{}, cur...)
		for _, e := range setOf(m.Value) {
			if _, ok := seen[atomKey(e)]; !ok {
				seen[atomKey(e)] = e
				out = append(out, e)
			}
		}
		return ovsdb.OvsSet{GoSet: out}, nil
	case ovsdb.MutateOperationDelete:
		if ct.IsMap() {
			cur, ok := current.(ovsdb.OvsMap)
			if !ok {
				return nil, fmt.Errorf("delete needs a map column")
			}
			out := ovsdb.OvsMap{GoMap: make(map[interface{}]interface{}, len(cur.GoMap))}
			for k, v := range cur.GoMap {
				out.GoMap[k] = v
			}
			switch del := m.Value.(type) {
			case ovsdb.OvsMap:
				for k, v := range del.GoMap {
					if existing, ok := out.GoMap[k]; ok && atomKey(existing) == atomKey(v) {
						delete(out.GoMap, k)
					}
				}
			default:
				for _, k := range setOf(del) {
					delete(out.GoMap, k)
				}
			}
			return out, nil
		}
		remove := elements(ovsdb.OvsSet{GoSet: setOf(m.Value)})
		out := []interface{}{}
		for _, e := range setOf(current) {
			if _, ok := remove[atomKey(e)]; !ok {
				out = append(out, e)
			}
		}
		return ovsdb.OvsSet{GoSet: out}, nil
	}

	a, aok := toFloat(current)
	b, bok := toFloat(m.Value)
	if !aok || !bok {
		return nil, fmt.Errorf("%s needs numbers", m.Mutator)
	}
	var r float64
	switch m.Mutator {
	case ovsdb.MutateOperationAdd:
		r = a + b
	case ovsdb.MutateOperationSubtract:
		r = a - b
	case ovsdb.MutateOperationMultiply:
		r = a * b
	case ovsdb.MutateOperationDivide:
		if b == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		r = a / b
		if ct.Key.Type == schema.TypeInteger {
			r = math.Trunc(r)
		}
	case ovsdb.MutateOperationModulo:
		if b == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		r = math.Mod(a, b)
	default:
		return nil, fmt.Errorf("unknown mutator %s", m.Mutator)
	}
	return r, nil
}

func copyRow(row ovsdb.Row) ovsdb.Row {
	out := make(ovsdb.Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}
