package ovsdb

// TableUpdates is the payload of an "update" notification and of the
// initial monitor reply: table name -> row uuid -> delta
type TableUpdates map[string]TableUpdate

// TableUpdate maps a row uuid to its delta
type TableUpdate map[string]*RowUpdate

// RowUpdate carries the old and new contents of a row. An insert has no
// Old, a delete has no New.
type RowUpdate struct {
	Old *Row `json:"old,omitempty"`
	New *Row `json:"new,omitempty"`
}

// IsInsert reports whether the delta creates a row
func (r *RowUpdate) IsInsert() bool {
	return r.Old == nil && r.New != nil
}

// IsDelete reports whether the delta removes a row
func (r *RowUpdate) IsDelete() bool {
	return r.Old != nil && r.New == nil
}

// IsModify reports whether the delta changes an existing row
func (r *RowUpdate) IsModify() bool {
	return r.Old != nil && r.New != nil
}

// Len returns the number of row deltas across all tables
func (t TableUpdates) Len() int {
	n := 0
	for _, tu := range t {
		n += len(tu)
	}
	return n
}
