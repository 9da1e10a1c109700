package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CNlukai/ovsdb/pkg/ovsdb"
)

type rootView struct {
	TableView
	UUID     Column[ovsdb.UUID]        `ovsdb:"_uuid"`
	Children Column[[]ovsdb.UUID]      `ovsdb:"children"`
	Counter  Column[int]               `ovsdb:"counter"`
	Ratio    Column[float64]           `ovsdb:"ratio"`
	Label    Column[*string]           `ovsdb:"label"`
	Tags     Column[map[string]string] `ovsdb:"tags"`
	note     string
}

type childView struct {
	TableView
	Name    Column[string] `ovsdb:"name"`
	Enabled Column[bool]   `ovsdb:"enabled"`
	Mode    Column[string] `ovsdb:"mode"`
	VLAN    Column[*int]   `ovsdb:"vlan"`
	Trunks  Column[[]int]  `ovsdb:"trunks"`
}

type brokenView struct {
	TableView
	Name    Column[string] `ovsdb:"name"`
	Missing Column[string] `ovsdb:"missing"`
}

func bindTestViews(t *testing.T) (*rootView, *childView) {
	db := parseTestSchema(t)
	root, err := TypedTable[rootView](db, "Root")
	require.NoError(t, err)
	child, err := TypedTable[childView](db, "Child")
	require.NoError(t, err)
	return root, child
}

func TestTypedTable(t *testing.T) {
	db := parseTestSchema(t)
	root, err := TypedTable[rootView](db, "Root")
	require.NoError(t, err)
	assert.Equal(t, "Root", root.TableName())
	assert.Equal(t, "counter", root.Counter.Name())
	assert.Equal(t, "Root", root.Counter.Table())
	assert.True(t, root.UUID.Bound())
	assert.Empty(t, root.note)

	_, err = TypedTable[rootView](db, "Absent")
	assert.True(t, errors.Is(err, ErrSchemaMismatch))

	// a view declaring a column the table lacks never binds partially
	broken := &brokenView{}
	err = db.Bind("Child", broken)
	assert.True(t, errors.Is(err, ErrSchemaMismatch), "got %v", err)
	assert.Nil(t, broken.TableSchema())
	assert.False(t, broken.Name.Bound())

	// right columns, wrong table
	_, err = TypedTable[childView](db, "Root")
	assert.True(t, errors.Is(err, ErrColumnMismatch))
}

func TestColumnValue(t *testing.T) {
	root, child := bindTestViews(t)
	label := "hello"
	u := ovsdb.UUID{GoUUID: "2f77b348-9768-4866-b761-89d5177ecda0"}

	tests := []struct {
		name     string
		value    ColumnValue
		expected interface{}
	}{
		{"scalar", root.Counter.Value(3), 3},
		{"real", root.Ratio.Value(0.5), 0.5},
		{"optional set", root.Label.Value(&label), ovsdb.OvsSet{GoSet: []interface{}{"hello"}}},
		{"optional unset", root.Label.Value(nil), ovsdb.OvsSet{GoSet: []interface{}{}}},
		{"uuid set", root.Children.Value([]ovsdb.UUID{u, ovsdb.NamedUUID("c1")}), ovsdb.OvsSet{GoSet: []interface{}{u, ovsdb.NamedUUID("c1")}}},
		{"map", root.Tags.Value(map[string]string{"a": "b"}), ovsdb.OvsMap{GoMap: map[interface{}]interface{}{"a": "b"}}},
		{"enum", child.Mode.Value("fast"), "fast"},
		{"bounded set", child.Trunks.Value([]int{1, 2}), ovsdb.OvsSet{GoSet: []interface{}{1, 2}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, tt.value.Err)
			assert.Equal(t, tt.expected, tt.value.Value)
		})
	}
}

func TestColumnValueConstraints(t *testing.T) {
	root, child := bindTestViews(t)
	vlan := 5000
	tests := []struct {
		name  string
		value ColumnValue
	}{
		{"enum", child.Mode.Value("medium")},
		{"integer range", child.VLAN.Value(&vlan)},
		{"set too small", child.Trunks.Value([]int{})},
		{"set too large", child.Trunks.Value([]int{1, 2, 3, 4})},
		{"empty uuid", root.Children.Value([]ovsdb.UUID{{}})},
		{"malformed uuid", root.Children.Value([]ovsdb.UUID{{GoUUID: "nope"}})},
		{"bad named uuid", root.Children.Value([]ovsdb.UUID{ovsdb.NamedUUID("1st")})},
		{"unbound", Column[int]{}.Value(1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, errors.Is(tt.value.Err, ErrSchemaMismatch), "got %v", tt.value.Err)
		})
	}
}

func TestColumnConditions(t *testing.T) {
	root, child := bindTestViews(t)

	cc := child.Name.Equal("c0")
	require.NoError(t, cc.Err)
	assert.Equal(t, ovsdb.NewCondition("name", ovsdb.ConditionEqual, "c0"), cc.Condition)
	assert.Equal(t, "Child", cc.Table)

	cc = root.Counter.GreaterThanOrEqual(2)
	require.NoError(t, cc.Err)
	assert.Equal(t, ovsdb.ConditionGreaterThanOrEqual, cc.Condition.Function)

	cc = root.Children.Includes([]ovsdb.UUID{ovsdb.NamedUUID("c0")})
	require.NoError(t, cc.Err)

	// ordering only applies to numeric scalars
	for _, cc := range []ColumnCondition{
		child.Name.LessThan("c0"),
		child.Trunks.GreaterThan([]int{1}),
		child.VLAN.LessThanOrEqual(nil),
	} {
		assert.True(t, errors.Is(cc.Err, ErrIllegalCondition), "got %v", cc.Err)
	}
}

func TestColumnMutations(t *testing.T) {
	root, child := bindTestViews(t)

	cm := root.Children.Mutation(ovsdb.MutateOperationInsert, []ovsdb.UUID{ovsdb.NamedUUID("c0")})
	require.NoError(t, cm.Err)
	assert.Equal(t, ovsdb.NewMutation("children", ovsdb.MutateOperationInsert,
		ovsdb.OvsSet{GoSet: []interface{}{ovsdb.NamedUUID("c0")}}), cm.Mutation)

	cm = root.Counter.Mutation(ovsdb.MutateOperationModulo, 7)
	require.NoError(t, cm.Err)

	cm = root.Tags.Mutation(ovsdb.MutateOperationInsert, map[string]string{"k": "v"})
	require.NoError(t, cm.Err)

	cm = DeleteKeys(root.Tags, "k")
	require.NoError(t, cm.Err)
	assert.Equal(t, ovsdb.OvsSet{GoSet: []interface{}{"k"}}, cm.Mutation.Value)

	illegal := []struct {
		name string
		cm   ColumnMutation
	}{
		{"arithmetic on set", child.Trunks.Mutation(ovsdb.MutateOperationAdd, []int{1})},
		{"arithmetic on uuid set", root.Children.Mutation(ovsdb.MutateOperationMultiply, nil)},
		{"arithmetic on string", child.Mode.Mutation(ovsdb.MutateOperationAdd, "fast")},
		{"modulo on real", root.Ratio.Mutation(ovsdb.MutateOperationModulo, 2)},
		{"insert into scalar", root.Counter.Mutation(ovsdb.MutateOperationInsert, 1)},
		{"immutable column", child.Name.Mutation(ovsdb.MutateOperationDelete, "c0")},
		{"unknown mutator", root.Counter.Mutation(ovsdb.Mutator("^="), 1)},
		{"immutable uuid", root.UUID.Mutation(ovsdb.MutateOperationAdd, ovsdb.UUID{})},
	}
	for _, tt := range illegal {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, errors.Is(tt.cm.Err, ErrIllegalMutation), "got %v", tt.cm.Err)
			assert.True(t, errors.Is(tt.cm.Err, ErrSchemaMismatch))
		})
	}
}

func TestColumnGet(t *testing.T) {
	root, child := bindTestViews(t)
	u0 := ovsdb.UUID{GoUUID: "2f77b348-9768-4866-b761-89d5177ecda0"}
	row := ovsdb.Row{
		"_uuid":    u0,
		"children": ovsdb.OvsSet{GoSet: []interface{}{u0}},
		"counter":  float64(12),
		"ratio":    0.25,
		"label":    ovsdb.OvsSet{GoSet: []interface{}{}},
		"tags":     ovsdb.OvsMap{GoMap: map[interface{}]interface{}{"a": "b"}},
	}

	id, err := root.UUID.Get(row)
	require.NoError(t, err)
	assert.Equal(t, u0, id)

	children, err := root.Children.Get(row)
	require.NoError(t, err)
	assert.Equal(t, []ovsdb.UUID{u0}, children)

	counter, err := root.Counter.Get(row)
	require.NoError(t, err)
	assert.Equal(t, 12, counter)

	label, err := root.Label.Get(row)
	require.NoError(t, err)
	assert.Nil(t, label)

	row["label"] = "set"
	label, err = root.Label.Get(row)
	require.NoError(t, err)
	require.NotNil(t, label)
	assert.Equal(t, "set", *label)

	tags, err := root.Tags.Get(row)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "b"}, tags)

	row["counter"] = 1.5
	_, err = root.Counter.Get(row)
	assert.Error(t, err)

	_, err = child.Name.Get(row)
	assert.Error(t, err)

	childRow := ovsdb.Row{"trunks": float64(7)}
	trunks, err := child.Trunks.Get(childRow)
	require.NoError(t, err)
	assert.Equal(t, []int{7}, trunks)
}
