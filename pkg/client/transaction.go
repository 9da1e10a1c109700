package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/CNlukai/ovsdb/pkg/metrics"
	"github.com/CNlukai/ovsdb/pkg/operations"
	"github.com/CNlukai/ovsdb/pkg/ovsdb"
)

// TransactionState is the lifecycle stage of a Transaction
type TransactionState int

const (
	TransactionEmpty TransactionState = iota
	TransactionBuilding
	TransactionSubmitted
	TransactionCompleted
	TransactionFailed
)

func (s TransactionState) String() string {
	switch s {
	case TransactionEmpty:
		return "Empty"
	case TransactionBuilding:
		return "Building"
	case TransactionSubmitted:
		return "Submitted"
	case TransactionCompleted:
		return "Completed"
	case TransactionFailed:
		return "Failed"
	}
	return fmt.Sprintf("TransactionState(%d)", int(s))
}

// OperationResult is the outcome of one operation of a transaction
type OperationResult struct {
	Op    string
	Table string
	// Executed is false for operations the server did not run because an
	// earlier one failed
	Executed bool
	// UUID is the uuid of the row created by an insert
	UUID ovsdb.UUID
	// Count is the number of rows matched by update, mutate and delete
	Count int
	// Rows are the rows returned by select
	Rows    []ovsdb.Row
	Error   string
	Details string
	// References maps the uuid-names defined or used by the operation to
	// the uuids the server assigned
	References map[string]ovsdb.UUID
}

// Err returns the error reported by the server for the operation, or nil
func (r *OperationResult) Err() error {
	if r.Error == "" {
		return nil
	}
	return &ovsdb.OperationError{Name: r.Error, Details: r.Details}
}

// Transaction is an ordered list of operations submitted atomically to one
// database
type Transaction struct {
	client   *Client
	database string

	mu    sync.Mutex
	state TransactionState
	ops   []operations.Operation
	err   error
	named map[string]ovsdb.UUID
}

// Transact starts a transaction on the given database
func (c *Client) Transact(database string) *Transaction {
	return &Transaction{client: c, database: database}
}

// Database returns the database the transaction applies to
func (t *Transaction) Database() string {
	return t.database
}

// Add appends operations. Adding after Execute makes the next Execute fail
// with ErrAlreadySubmitted.
func (t *Transaction) Add(ops ...operations.Operation) *Transaction {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state >= TransactionSubmitted {
		if t.err == nil {
			t.err = ErrAlreadySubmitted
		}
		return t
	}
	t.ops = append(t.ops, ops...)
	if len(t.ops) > 0 {
		t.state = TransactionBuilding
	}
	return t
}

// State returns the lifecycle stage of the transaction
func (t *Transaction) State() TransactionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Len returns the number of operations added
func (t *Transaction) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ops)
}

// NamedUUIDs returns the uuids assigned to the uuid-names of the transaction
// once it completed
func (t *Transaction) NamedUUIDs() map[string]ovsdb.UUID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]ovsdb.UUID, len(t.named))
	for k, v := range t.named {
		out[k] = v
	}
	return out
}

// Execute encodes every operation and sends the transaction. Errors found
// while encoding are returned before anything is sent; everything that happens
// afterwards is reported through the Future. ctx bounds the request.
func (t *Transaction) Execute(ctx context.Context) (*Future, error) {
	t.mu.Lock()
	if t.state >= TransactionSubmitted {
		t.mu.Unlock()
		return nil, ErrAlreadySubmitted
	}
	if t.err != nil {
		t.mu.Unlock()
		return nil, t.err
	}
	if len(t.ops) == 0 {
		t.mu.Unlock()
		return nil, ErrEmptyTransaction
	}
	wire := make([]ovsdb.Operation, len(t.ops))
	for i, op := range t.ops {
		w, err := op.Encode()
		if err != nil {
			t.mu.Unlock()
			return nil, fmt.Errorf("operation %d: %w", i, err)
		}
		wire[i] = w
	}
	refs, err := namedReferences(wire)
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}
	t.state = TransactionSubmitted
	t.mu.Unlock()

	future := newFuture(t.client.pool, t.finish)
	if !t.client.track(future) {
		metrics.MetricTransactions.WithLabelValues(t.database, metrics.TransactionResultConnectivity).Inc()
		future.complete(nil, &ConnectivityError{Op: ovsdb.MethodTransact, Err: ErrNotConnected})
		return future, nil
	}
	for _, w := range wire {
		metrics.MetricOperations.WithLabelValues(w.Op).Inc()
	}
	go t.submit(ctx, wire, refs, future)
	return future, nil
}

func (t *Transaction) finish(results []OperationResult, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.state = TransactionFailed
	} else {
		t.state = TransactionCompleted
	}
	t.named = make(map[string]ovsdb.UUID)
	for _, r := range results {
		if r.Op == ovsdb.OperationInsert {
			for name, u := range r.References {
				t.named[name] = u
			}
		}
	}
}

func (t *Transaction) submit(ctx context.Context, wire []ovsdb.Operation, refs []sets.Set[string], future *Future) {
	metrics.MetricPendingTransactions.Inc()
	defer metrics.MetricPendingTransactions.Dec()
	start := time.Now()

	var reply json.RawMessage
	err := t.client.call(ctx, ovsdb.MethodTransact, ovsdb.NewTransactArgs(t.database, wire...), &reply)
	t.client.untrack(future)
	metrics.MetricTransactionLatency.WithLabelValues(t.database).Observe(time.Since(start).Seconds())

	var results []OperationResult
	if err == nil {
		results, err = decodeResults(wire, refs, reply)
	}
	metrics.MetricTransactions.WithLabelValues(t.database, transactionResultLabel(err)).Inc()
	if err != nil {
		klog.V(5).Infof("Transaction on %s failed: %v", t.database, err)
	}
	future.complete(results, err)
}

func transactionResultLabel(err error) string {
	var connErr *ConnectivityError
	var protoErr *ProtocolError
	switch {
	case err == nil:
		return metrics.TransactionResultSuccess
	case errors.As(err, &connErr):
		return metrics.TransactionResultConnectivity
	case errors.As(err, &protoErr):
		return metrics.TransactionResultProtocol
	}
	return metrics.TransactionResultError
}

func (c *Client) track(f *Future) bool {
	c.pendingMutex.Lock()
	defer c.pendingMutex.Unlock()
	if c.closed {
		return false
	}
	c.pending[f] = struct{}{}
	return true
}

func (c *Client) untrack(f *Future) {
	c.pendingMutex.Lock()
	defer c.pendingMutex.Unlock()
	delete(c.pending, f)
}

// namedReferences returns, per operation, the uuid-names it uses. A name
// defined twice or used without being defined by an insert is an error.
func namedReferences(wire []ovsdb.Operation) ([]sets.Set[string], error) {
	defined := sets.New[string]()
	for i, op := range wire {
		if op.Op != ovsdb.OperationInsert || op.UUIDName == "" {
			continue
		}
		if defined.Has(op.UUIDName) {
			return nil, fmt.Errorf("%w: operation %d redefines %s", ErrNamedUUID, i, op.UUIDName)
		}
		defined.Insert(op.UUIDName)
	}
	refs := make([]sets.Set[string], len(wire))
	for i, op := range wire {
		used := sets.New[string]()
		for _, v := range op.Row {
			collectNamed(v, used)
		}
		for _, row := range op.Rows {
			for _, v := range row {
				collectNamed(v, used)
			}
		}
		for _, m := range op.Mutations {
			collectNamed(m.Value, used)
		}
		for _, c := range op.Where {
			collectNamed(c.Value, used)
		}
		if missing := used.Difference(defined); missing.Len() > 0 {
			return nil, fmt.Errorf("%w: operation %d uses undefined %v", ErrNamedUUID, i, sets.List(missing))
		}
		refs[i] = used
	}
	return refs, nil
}

func collectNamed(v interface{}, into sets.Set[string]) {
	switch val := v.(type) {
	case ovsdb.UUID:
		if val.Named {
			into.Insert(val.GoUUID)
		}
	case *ovsdb.UUID:
		if val != nil {
			collectNamed(*val, into)
		}
	case ovsdb.OvsSet:
		for _, e := range val.GoSet {
			collectNamed(e, into)
		}
	case ovsdb.OvsMap:
		for k, e := range val.GoMap {
			collectNamed(k, into)
			collectNamed(e, into)
		}
	}
}

var nullResult = []byte("null")

// decodeResults aligns the reply of a transact request with its operations and
// resolves the uuid-names through the insert results
func decodeResults(wire []ovsdb.Operation, refs []sets.Set[string], reply json.RawMessage) ([]OperationResult, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(reply, &raw); err != nil {
		return nil, protocolError(ovsdb.MethodTransact, "malformed reply: %v", err)
	}
	n := len(wire)
	if len(raw) > n+1 {
		return nil, protocolError(ovsdb.MethodTransact, "%d results for %d operations", len(raw), n)
	}

	results := make([]OperationResult, n)
	for i, op := range wire {
		results[i] = OperationResult{Op: op.Op, Table: op.Table}
		if i >= len(raw) || bytes.Equal(bytes.TrimSpace(raw[i]), nullResult) {
			continue
		}
		var r ovsdb.OperationResult
		if err := json.Unmarshal(raw[i], &r); err != nil {
			return nil, protocolError(ovsdb.MethodTransact, "result %d: %v", i, err)
		}
		res := &results[i]
		res.Executed = true
		res.Error = r.Error
		res.Details = r.Details
		res.Rows = r.Rows
		if r.Count != nil {
			res.Count = *r.Count
		}
		if r.UUID != nil {
			res.UUID = *r.UUID
		}
		if r.Error == "" && op.Op == ovsdb.OperationInsert && r.UUID == nil {
			return nil, protocolError(ovsdb.MethodTransact, "insert result %d has no uuid", i)
		}
	}

	// one cell per uuid-name, filled from the insert that defines it
	symbols := make(map[string]*ovsdb.UUID)
	for i, op := range wire {
		if op.Op == ovsdb.OperationInsert && op.UUIDName != "" && results[i].Executed && results[i].Error == "" {
			u := results[i].UUID
			symbols[op.UUIDName] = &u
		}
	}
	unresolved := sets.New[string]()
	for i, op := range wire {
		names := refs[i].Clone()
		if op.Op == ovsdb.OperationInsert && op.UUIDName != "" {
			names.Insert(op.UUIDName)
		}
		if names.Len() == 0 {
			continue
		}
		results[i].References = make(map[string]ovsdb.UUID, names.Len())
		for name := range names {
			if u, ok := symbols[name]; ok {
				results[i].References[name] = *u
			} else {
				unresolved.Insert(name)
			}
		}
	}

	var txErr *TransactionError
	for i := range results {
		if results[i].Error != "" {
			txErr = &TransactionError{Index: i, Op: results[i].Op, Name: results[i].Error, Details: results[i].Details}
			break
		}
	}
	if txErr == nil && len(raw) == n+1 {
		var r ovsdb.OperationResult
		if err := json.Unmarshal(raw[n], &r); err != nil || r.Error == "" {
			return nil, protocolError(ovsdb.MethodTransact, "%d results for %d operations", len(raw), n)
		}
		txErr = &TransactionError{Index: n, Name: r.Error, Details: r.Details}
	}
	if txErr != nil {
		txErr.Results = results
		return results, txErr
	}
	if len(raw) < n {
		return results, protocolError(ovsdb.MethodTransact, "%d results for %d operations without an error", len(raw), n)
	}
	if unresolved.Len() > 0 {
		return results, protocolError(ovsdb.MethodTransact, "unresolved uuid-names %v", sets.List(unresolved))
	}
	return results, nil
}
