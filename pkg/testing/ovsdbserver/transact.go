package ovsdbserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/cenkalti/rpc2"
	guuid "github.com/google/uuid"
	"github.com/mitchellh/copystructure"

	"github.com/CNlukai/ovsdb/pkg/ovsdb"
	"github.com/CNlukai/ovsdb/pkg/schema"
)

// txn runs the operations of one transact request against a copy of the
// database
type txn struct {
	client *rpc2.Client
	schema *schema.DatabaseSchema
	data   database
	named  map[string]string
	locks  map[string]*lock
}

type opError struct {
	name    string
	details string
}

func (e *opError) Error() string {
	return e.name + ": " + e.details
}

func fail(name, format string, args ...interface{}) *opError {
	return &opError{name: name, details: fmt.Sprintf(format, args...)}
}

func (s *Server) transact(client *rpc2.Client, args []json.RawMessage, reply *interface{}) error {
	if len(args) < 1 {
		return fmt.Errorf("transact expects the database name")
	}
	var dbName string
	if err := json.Unmarshal(args[0], &dbName); err != nil {
		return fmt.Errorf("database %s is not a string", string(args[0]))
	}
	ops := make([]ovsdb.Operation, 0, len(args)-1)
	for _, a := range args[1:] {
		var op ovsdb.Operation
		if err := json.Unmarshal(a, &op); err != nil {
			return fmt.Errorf("%s: %v", ovsdb.SyntaxError, err)
		}
		ops = append(ops, op)
	}

	s.mu.Lock()
	hook := s.hook
	s.mu.Unlock()
	if hook != nil {
		if raw, handled := hook(dbName, ops); handled {
			*reply = raw
			return nil
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.dbs[dbName]
	if !ok {
		return errors.New(ovsdb.UnknownDatabase)
	}
	copied, err := copystructure.Copy(entry.data)
	if err != nil {
		return err
	}
	t := &txn{
		client: client,
		schema: entry.schema,
		data:   copied.(database),
		named:  make(map[string]string),
		locks:  s.locks,
	}
	results, committed := t.run(ops)
	*reply = results
	if !committed {
		return nil
	}
	updates := diff(entry.schema, entry.data, t.data)
	entry.data = t.data
	s.notify(dbName, updates)
	return nil
}

// run returns the results to send and whether the changes are to be kept.
// Results stop at the first failed operation.
func (t *txn) run(ops []ovsdb.Operation) ([]ovsdb.OperationResult, bool) {
	// uuid-names may be used before the insert that defines them
	for _, op := range ops {
		if op.Op == ovsdb.OperationInsert && op.UUIDName != "" {
			if _, ok := t.named[op.UUIDName]; ok {
				return []ovsdb.OperationResult{fail(ovsdb.DuplicateUUIDName, "%s", op.UUIDName).result()}, false
			}
			t.named[op.UUIDName] = guuid.NewString()
		}
	}
	results := make([]ovsdb.OperationResult, 0, len(ops))
	for _, op := range ops {
		res, err := t.apply(op)
		if err != nil {
			results = append(results, err.result())
			return results, false
		}
		results = append(results, res)
	}
	if err := t.checkReferences(); err != nil {
		results = append(results, err.result())
		return results, false
	}
	return results, true
}

func (e *opError) result() ovsdb.OperationResult {
	return ovsdb.OperationResult{Error: e.name, Details: e.details}
}

func (t *txn) apply(op ovsdb.Operation) (ovsdb.OperationResult, *opError) {
	switch op.Op {
	case ovsdb.OperationComment, ovsdb.OperationCommit:
		return ovsdb.OperationResult{}, nil
	case ovsdb.OperationAbort:
		return ovsdb.OperationResult{}, fail(ovsdb.Aborted, "aborted by request")
	case ovsdb.OperationAssert:
		if op.Lock == nil {
			return ovsdb.OperationResult{}, fail(ovsdb.SyntaxError, "assert without lock")
		}
		if l, ok := t.locks[*op.Lock]; !ok || l.owner != t.client || t.client == nil {
			return ovsdb.OperationResult{}, fail(ovsdb.NotOwner, "lock %s is not owned", *op.Lock)
		}
		return ovsdb.OperationResult{}, nil
	}

	ts, err := t.schema.Table(op.Table)
	if err != nil {
		return ovsdb.OperationResult{}, fail(ovsdb.SyntaxError, "unknown table %s", op.Table)
	}
	rows := t.data[op.Table]

	switch op.Op {
	case ovsdb.OperationInsert:
		return t.insert(ts, rows, op)
	case ovsdb.OperationSelect:
		matched, oerr := t.match(rows, op.Where)
		if oerr != nil {
			return ovsdb.OperationResult{}, oerr
		}
		out := make([]ovsdb.Row, 0, len(matched))
		for _, u := range matched {
			out = append(out, project(rows[u], op.Columns))
		}
		return ovsdb.OperationResult{Rows: out}, nil
	case ovsdb.OperationUpdate:
		matched, oerr := t.match(rows, op.Where)
		if oerr != nil {
			return ovsdb.OperationResult{}, oerr
		}
		for column := range op.Row {
			cs, err := ts.Column(column)
			if err != nil {
				return ovsdb.OperationResult{}, fail(ovsdb.SyntaxError, "%v", err)
			}
			if !cs.Mutable {
				return ovsdb.OperationResult{}, fail(ovsdb.ConstraintViolation, "column %s is immutable", column)
			}
		}
		for _, u := range matched {
			row := copyRow(rows[u])
			for column, v := range op.Row {
				cs, _ := ts.Column(column)
				row[column] = t.resolve(normalize(&cs.Type, v))
			}
			row[schema.VersionColumn] = ovsdb.UUID{GoUUID: guuid.NewString()}
			rows[u] = row
		}
		return countResult(len(matched)), nil
	case ovsdb.OperationMutate:
		matched, oerr := t.match(rows, op.Where)
		if oerr != nil {
			return ovsdb.OperationResult{}, oerr
		}
		for _, u := range matched {
			row := copyRow(rows[u])
			for _, m := range op.Mutations {
				cs, err := ts.Column(m.Column)
				if err != nil {
					return ovsdb.OperationResult{}, fail(ovsdb.SyntaxError, "%v", err)
				}
				if !cs.Mutable {
					return ovsdb.OperationResult{}, fail(ovsdb.ConstraintViolation, "column %s is immutable", m.Column)
				}
				m.Value = t.resolve(m.Value)
				v, err := applyMutation(&cs.Type, row[m.Column], m)
				if err != nil {
					return ovsdb.OperationResult{}, fail(ovsdb.DomainError, "%v", err)
				}
				if oerr := checkSize(&cs.Type, m.Column, v); oerr != nil {
					return ovsdb.OperationResult{}, oerr
				}
				row[m.Column] = v
			}
			row[schema.VersionColumn] = ovsdb.UUID{GoUUID: guuid.NewString()}
			rows[u] = row
		}
		return countResult(len(matched)), nil
	case ovsdb.OperationDelete:
		matched, oerr := t.match(rows, op.Where)
		if oerr != nil {
			return ovsdb.OperationResult{}, oerr
		}
		for _, u := range matched {
			delete(rows, u)
		}
		return countResult(len(matched)), nil
	case ovsdb.OperationWait:
		return t.wait(rows, op)
	}
	return ovsdb.OperationResult{}, fail(ovsdb.NotSupported, "operation %s", op.Op)
}

func (t *txn) insert(ts *schema.TableSchema, rows table, op ovsdb.Operation) (ovsdb.OperationResult, *opError) {
	id := guuid.NewString()
	if op.UUIDName != "" {
		id = t.named[op.UUIDName]
	}
	if ts.MaxRows > 0 && len(rows) >= ts.MaxRows {
		return ovsdb.OperationResult{}, fail(ovsdb.ConstraintViolation, "table %s is limited to %d rows", ts.Name, ts.MaxRows)
	}
	row := ovsdb.Row{}
	for _, column := range ts.ColumnNames() {
		cs, _ := ts.Column(column)
		row[column] = defaultValue(&cs.Type)
	}
	for column, v := range op.Row {
		cs, err := ts.Column(column)
		if err != nil || column == schema.UUIDColumn || column == schema.VersionColumn {
			return ovsdb.OperationResult{}, fail(ovsdb.SyntaxError, "column %s cannot be set", column)
		}
		v = t.resolve(normalize(&cs.Type, v))
		if oerr := checkSize(&cs.Type, column, v); oerr != nil {
			return ovsdb.OperationResult{}, oerr
		}
		row[column] = v
	}
	row[schema.UUIDColumn] = ovsdb.UUID{GoUUID: id}
	row[schema.VersionColumn] = ovsdb.UUID{GoUUID: guuid.NewString()}
	rows[id] = row
	return ovsdb.OperationResult{UUID: &ovsdb.UUID{GoUUID: id}}, nil
}

func (t *txn) wait(rows table, op ovsdb.Operation) (ovsdb.OperationResult, *opError) {
	matched, oerr := t.match(rows, op.Where)
	if oerr != nil {
		return ovsdb.OperationResult{}, oerr
	}
	have := make([]string, 0, len(matched))
	for _, u := range matched {
		have = append(have, rowKey(project(rows[u], op.Columns)))
	}
	want := make([]string, 0, len(op.Rows))
	for _, r := range op.Rows {
		want = append(want, rowKey(r))
	}
	sort.Strings(have)
	sort.Strings(want)
	equal := fmt.Sprint(have) == fmt.Sprint(want)
	if (op.Until == string(ovsdb.ConditionEqual)) == equal {
		return ovsdb.OperationResult{}, nil
	}
	// the fake never blocks: a wait that is not satisfied right away times out
	return ovsdb.OperationResult{}, fail(ovsdb.TimedOut, "wait condition not met")
}

func (t *txn) match(rows table, where []ovsdb.Condition) ([]string, *opError) {
	resolved := make([]ovsdb.Condition, len(where))
	for i, c := range where {
		resolved[i] = ovsdb.Condition{Column: c.Column, Function: c.Function, Value: t.resolve(c.Value)}
	}
	uuids := make([]string, 0, len(rows))
	for u := range rows {
		uuids = append(uuids, u)
	}
	sort.Strings(uuids)
	var matched []string
	for _, u := range uuids {
		ok, err := matches(rows[u], resolved)
		if err != nil {
			return nil, fail(ovsdb.SyntaxError, "%v", err)
		}
		if ok {
			matched = append(matched, u)
		}
	}
	return matched, nil
}

// resolve replaces the named uuids of a value with the uuids assigned to them
func (t *txn) resolve(v interface{}) interface{} {
	switch val := v.(type) {
	case ovsdb.UUID:
		if val.Named {
			if id, ok := t.named[val.GoUUID]; ok {
				return ovsdb.UUID{GoUUID: id}
			}
		}
		return val
	case ovsdb.OvsSet:
		out := ovsdb.OvsSet{GoSet: make([]interface{}, len(val.GoSet))}
		for i, e := range val.GoSet {
			out.GoSet[i] = t.resolve(e)
		}
		return out
	case ovsdb.OvsMap:
		out := ovsdb.OvsMap{GoMap: make(map[interface{}]interface{}, len(val.GoMap))}
		for k, e := range val.GoMap {
			out.GoMap[t.resolve(k)] = t.resolve(e)
		}
		return out
	}
	return v
}

// checkReferences fails on a named uuid left unresolved or a reference to a
// missing row
func (t *txn) checkReferences() *opError {
	for tableName, rows := range t.data {
		ts, _ := t.schema.Table(tableName)
		for _, row := range rows {
			for column, v := range row {
				cs, err := ts.Column(column)
				if err != nil {
					continue
				}
				for _, bt := range []*schema.BaseType{cs.Type.Key, cs.Type.Value} {
					if bt == nil || bt.Type != schema.TypeUUID || bt.RefTable == "" {
						continue
					}
					for _, e := range elements(v) {
						if pair, ok := e.([2]interface{}); ok {
							if bt == cs.Type.Key {
								e = pair[0]
							} else {
								e = pair[1]
							}
						}
						u, ok := e.(ovsdb.UUID)
						if !ok {
							continue
						}
						if u.Named {
							return fail(ovsdb.SyntaxError, "unknown uuid-name %s", u.GoUUID)
						}
						if bt.RefType == "weak" || u.GoUUID == zeroUUID {
							continue
						}
						if _, ok := t.data[bt.RefTable][u.GoUUID]; !ok {
							return fail(ovsdb.ReferentialIntegrityViolation, "%s.%s refers to missing row %s", tableName, column, u.GoUUID)
						}
					}
				}
			}
		}
	}
	return nil
}

func checkSize(ct *schema.ColumnType, column string, v interface{}) *opError {
	if ct.IsScalar() {
		return nil
	}
	n := len(elements(v))
	if n < ct.Min || (ct.Max != schema.Unlimited && n > ct.Max) {
		return fail(ovsdb.ConstraintViolation, "column %s has %d elements", column, n)
	}
	return nil
}

func project(row ovsdb.Row, columns []string) ovsdb.Row {
	if len(columns) == 0 {
		return copyRow(row)
	}
	out := make(ovsdb.Row, len(columns))
	for _, c := range columns {
		if v, ok := row[c]; ok {
			out[c] = v
		}
	}
	return out
}

func rowKey(row ovsdb.Row) string {
	columns := row.Columns()
	parts := make([]string, 0, len(columns))
	for _, c := range columns {
		parts = append(parts, c+"="+valueKey(row[c]))
	}
	return fmt.Sprint(parts)
}

func countResult(n int) ovsdb.OperationResult {
	return ovsdb.OperationResult{Count: &n}
}

// Transact runs operations on a database as a transaction of no particular
// connection, notifying monitors of the changes. It lets tests seed data.
func (s *Server) Transact(dbName string, ops ...ovsdb.Operation) ([]ovsdb.OperationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transactLocked(dbName, ops)
}

func (s *Server) transactLocked(dbName string, ops []ovsdb.Operation) ([]ovsdb.OperationResult, error) {
	entry, ok := s.dbs[dbName]
	if !ok {
		return nil, errors.New(ovsdb.UnknownDatabase)
	}
	copied, err := copystructure.Copy(entry.data)
	if err != nil {
		return nil, err
	}
	t := &txn{schema: entry.schema, data: copied.(database), named: make(map[string]string), locks: s.locks}
	results, committed := t.run(ops)
	if !committed {
		last := results[len(results)-1]
		return results, fmt.Errorf("transaction failed: %s: %s", last.Error, last.Details)
	}
	updates := diff(entry.schema, entry.data, t.data)
	entry.data = t.data
	s.notify(dbName, updates)
	return results, nil
}
