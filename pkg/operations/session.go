package operations

import (
	"fmt"

	"k8s.io/utils/pointer"

	"github.com/CNlukai/ovsdb/pkg/ovsdb"
	"github.com/CNlukai/ovsdb/pkg/schema"
)

// Comment attaches a comment to the transaction, recorded in the database
// log
func Comment(text string) Operation {
	return freeze(ovsdb.Operation{Op: ovsdb.OperationComment, Comment: pointer.String(text)}, nil)
}

// Commit commits the transaction. A durable commit only returns once the
// change is on disk.
func Commit(durable bool) Operation {
	return freeze(ovsdb.Operation{Op: ovsdb.OperationCommit, Durable: pointer.Bool(durable)}, nil)
}

// Abort aborts the transaction; the server reports it as an "aborted" error
func Abort() Operation {
	return freeze(ovsdb.Operation{Op: ovsdb.OperationAbort}, nil)
}

// Assert fails the transaction with "not owner" unless this session holds
// the named lock
func Assert(lock string) Operation {
	var err error
	if lock == "" {
		err = fmt.Errorf("assert needs a lock name")
	}
	return freeze(ovsdb.Operation{Op: ovsdb.OperationAssert, Lock: pointer.String(lock)}, err)
}

// Raw wraps an already encoded operation after checking that the table and
// columns it names exist in db
func Raw(db *schema.DatabaseSchema, op ovsdb.Operation) Operation {
	return freeze(op, checkRaw(db, op))
}

func checkRaw(db *schema.DatabaseSchema, op ovsdb.Operation) error {
	switch op.Op {
	case ovsdb.OperationComment, ovsdb.OperationCommit, ovsdb.OperationAbort, ovsdb.OperationAssert:
		return nil
	case ovsdb.OperationInsert, ovsdb.OperationSelect, ovsdb.OperationUpdate,
		ovsdb.OperationMutate, ovsdb.OperationDelete, ovsdb.OperationWait:
	default:
		return fmt.Errorf("unknown operation %q", op.Op)
	}
	t, err := db.Table(op.Table)
	if err != nil {
		return err
	}
	var columns []string
	for column := range op.Row {
		columns = append(columns, column)
	}
	for _, row := range op.Rows {
		for column := range row {
			columns = append(columns, column)
		}
	}
	for _, c := range op.Where {
		columns = append(columns, c.Column)
	}
	for _, m := range op.Mutations {
		columns = append(columns, m.Column)
	}
	columns = append(columns, op.Columns...)
	for _, column := range columns {
		if _, err := t.Column(column); err != nil {
			return err
		}
	}
	if op.UUIDName != "" && !ovsdb.ValidNamedUUID(op.UUIDName) {
		return fmt.Errorf("invalid uuid-name %q", op.UUIDName)
	}
	return nil
}
