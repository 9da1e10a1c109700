// Package client implements an OVSDB session over one JSON-RPC connection:
// database discovery, schema retrieval and caching, transactions, table
// monitors and named locks. Server notifications are queued in arrival
// order and handed to the registered EventHandlers on a worker pool.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/klog/v2"

	"github.com/CNlukai/ovsdb/pkg/metrics"
	"github.com/CNlukai/ovsdb/pkg/ovsdb"
	"github.com/CNlukai/ovsdb/pkg/schema"
)

// Client is a session with one OVSDB server
type Client struct {
	transport Transport
	opts      options
	info      ConnectionInfo

	pool         *workerPool
	events       workqueue.TypedInterface[*Event]
	dispatchDone chan struct{}

	handlersMutex sync.RWMutex
	handlers      []EventHandler

	schemaMutex sync.RWMutex
	schemas     map[string]*schema.DatabaseSchema

	monitorsMutex sync.Mutex
	monitors      map[string]string

	locksMutex sync.Mutex
	locks      sets.Set[string]

	// pending tracks submitted transactions until their reply arrives
	pendingMutex sync.Mutex
	pending      map[*Future]struct{}
	closed       bool

	stopCh    chan struct{}
	closeOnce sync.Once
}

// NewClient starts a session over the given transport
func NewClient(transport Transport, opts ...Option) *Client {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.registerMetrics {
		metrics.RegisterClientMetrics()
	}
	c := &Client{
		transport:    transport,
		opts:         o,
		pool:         newWorkerPool(o.workerPoolSize),
		events:       workqueue.NewTyped[*Event](),
		dispatchDone: make(chan struct{}),
		handlers:     append([]EventHandler{}, o.handlers...),
		schemas:      make(map[string]*schema.DatabaseSchema),
		monitors:     make(map[string]string),
		locks:        sets.New[string](),
		pending:      make(map[*Future]struct{}),
		stopCh:       make(chan struct{}),
	}
	if o.connectionInfo != nil {
		c.info = *o.connectionInfo
	} else if withInfo, ok := transport.(interface{ ConnectionInfo() ConnectionInfo }); ok {
		c.info = withInfo.ConnectionInfo()
	}

	transport.Handle(ovsdb.MethodEcho, c.handleEcho)
	transport.Handle(ovsdb.MethodUpdate, c.handleUpdate)
	transport.Handle(ovsdb.MethodLocked, c.handleLockNotification(EventLocked))
	transport.Handle(ovsdb.MethodStolen, c.handleLockNotification(EventStolen))
	transport.Start()

	go c.dispatch()
	go func() {
		select {
		case <-transport.DisconnectNotify():
			klog.Warningf("Connection to %s lost", c.describe())
			c.teardown()
		case <-c.stopCh:
		}
	}()
	if o.inactivityProbe > 0 {
		go wait.Until(c.probe, o.inactivityProbe, c.stopCh)
	}
	return c
}

func (c *Client) describe() string {
	if c.info.Endpoint != "" {
		return c.info.Endpoint
	}
	if c.info.RemoteAddress != "" {
		return c.info.RemoteAddress
	}
	return "ovsdb server"
}

// ConnectionInfo describes the connection of the session
func (c *Client) ConnectionInfo() ConnectionInfo {
	return c.info
}

// Connected reports whether the session is still usable
func (c *Client) Connected() bool {
	c.pendingMutex.Lock()
	defer c.pendingMutex.Unlock()
	return !c.closed
}

// DisconnectNotify is closed once the session is torn down
func (c *Client) DisconnectNotify() <-chan struct{} {
	return c.stopCh
}

// Close tears the session down. Pending transactions fail with a
// ConnectivityError and queued notifications are still delivered.
func (c *Client) Close() {
	if err := c.transport.Close(); err != nil {
		klog.V(5).Infof("Closing connection to %s: %v", c.describe(), err)
	}
	c.teardown()
}

// Wait blocks until the notifications queued before teardown were delivered
func (c *Client) Wait() {
	<-c.dispatchDone
	c.pool.Wait()
}

func (c *Client) teardown() {
	c.closeOnce.Do(func() {
		c.pendingMutex.Lock()
		c.closed = true
		pending := c.pending
		c.pending = make(map[*Future]struct{})
		c.pendingMutex.Unlock()

		close(c.stopCh)
		for f := range pending {
			f.complete(nil, &ConnectivityError{Op: ovsdb.MethodTransact, Err: ErrNotConnected})
		}

		c.locksMutex.Lock()
		metrics.MetricLocksHeld.Sub(float64(c.locks.Len()))
		c.locks = sets.New[string]()
		c.locksMutex.Unlock()

		c.monitorsMutex.Lock()
		c.monitors = make(map[string]string)
		c.monitorsMutex.Unlock()

		c.events.ShutDown()
	})
}

func (c *Client) probe() {
	if err := c.Echo(context.Background()); err != nil {
		klog.Errorf("Inactivity probe to %s failed, closing the session: %v", c.describe(), err)
		c.Close()
	}
}

// call sends one request, bounding it with the configured timeout
func (c *Client) call(ctx context.Context, method string, args interface{}, reply interface{}) error {
	if !c.Connected() {
		return &ConnectivityError{Op: method, Err: ErrNotConnected}
	}
	if c.opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.timeout)
		defer cancel()
	}
	err := c.transport.Call(ctx, method, args, reply)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotConnected) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &ConnectivityError{Op: method, Err: err}
	}
	return err
}

// ListDatabases returns the names of the databases served
func (c *Client) ListDatabases(ctx context.Context) ([]string, error) {
	var dbs []string
	if err := c.call(ctx, ovsdb.MethodListDbs, ovsdb.NewListDbsArgs(), &dbs); err != nil {
		return nil, err
	}
	return dbs, nil
}

// Schema returns the schema of a database. With cacheAllowed a schema
// retrieved earlier in this process is returned without a request. A fetched
// schema is added to the cache unless one is already there.
func (c *Client) Schema(ctx context.Context, database string, cacheAllowed bool) (*schema.DatabaseSchema, error) {
	if cacheAllowed {
		if s := c.cachedSchema(database); s != nil {
			return s, nil
		}
	}
	var reply json.RawMessage
	if err := c.call(ctx, ovsdb.MethodGetSchema, ovsdb.NewGetSchemaArgs(database), &reply); err != nil {
		return nil, err
	}
	s, err := schema.ParseDatabaseSchema(reply)
	if err != nil {
		return nil, protocolError(ovsdb.MethodGetSchema, "%v", err)
	}

	c.schemaMutex.Lock()
	defer c.schemaMutex.Unlock()
	if _, ok := c.schemas[database]; !ok {
		c.schemas[database] = s
	}
	return s, nil
}

func (c *Client) cachedSchema(database string) *schema.DatabaseSchema {
	c.schemaMutex.RLock()
	defer c.schemaMutex.RUnlock()
	return c.schemas[database]
}

// TableMonitor selects a table, and optionally its columns and change kinds,
// for a monitor
type TableMonitor struct {
	Table   string
	Columns []string
	Select  *ovsdb.MonitorSelect
}

// Monitor is a registered monitor
type Monitor struct {
	ID       string
	Database string
	// Initial holds the table contents when Select.Initial is not disabled
	Initial ovsdb.TableUpdates
}

// Monitor asks the server to stream the changes of the given tables. The
// tables and columns are checked against the database schema first. An empty
// id is replaced by a generated one.
func (c *Client) Monitor(ctx context.Context, database, id string, tables ...TableMonitor) (*Monitor, error) {
	if len(tables) == 0 {
		return nil, fmt.Errorf("monitor of %s needs at least one table", database)
	}
	s, err := c.Schema(ctx, database, true)
	if err != nil {
		return nil, err
	}
	requests := make(map[string]ovsdb.MonitorRequest, len(tables))
	for _, tm := range tables {
		ts, err := s.Table(tm.Table)
		if err != nil {
			return nil, err
		}
		for _, column := range tm.Columns {
			if _, err := ts.Column(column); err != nil {
				return nil, err
			}
		}
		if _, ok := requests[tm.Table]; ok {
			return nil, fmt.Errorf("table %s monitored twice", tm.Table)
		}
		requests[tm.Table] = ovsdb.MonitorRequest{Columns: tm.Columns, Select: tm.Select}
	}
	if id == "" {
		id = uuid.NewString()
	}
	key, err := monitorKey(id)
	if err != nil {
		return nil, err
	}

	c.monitorsMutex.Lock()
	if _, ok := c.monitors[key]; ok {
		c.monitorsMutex.Unlock()
		return nil, fmt.Errorf("monitor %s already exists", id)
	}
	c.monitors[key] = database
	c.monitorsMutex.Unlock()

	var reply ovsdb.TableUpdates
	if err := c.call(ctx, ovsdb.MethodMonitor, ovsdb.NewMonitorArgs(database, id, requests), &reply); err != nil {
		c.monitorsMutex.Lock()
		delete(c.monitors, key)
		c.monitorsMutex.Unlock()
		return nil, err
	}
	klog.V(5).Infof("Monitor %s on %s started with %d rows", id, database, reply.Len())
	return &Monitor{ID: id, Database: database, Initial: reply}, nil
}

// MonitorCancel stops a monitor
func (c *Client) MonitorCancel(ctx context.Context, id string) error {
	key, err := monitorKey(id)
	if err != nil {
		return err
	}
	c.monitorsMutex.Lock()
	_, ok := c.monitors[key]
	c.monitorsMutex.Unlock()
	if !ok {
		return fmt.Errorf("unknown monitor %s", id)
	}
	var reply interface{}
	if err := c.call(ctx, ovsdb.MethodMonitorCancel, ovsdb.NewMonitorCancelArgs(id), &reply); err != nil {
		return err
	}
	c.monitorsMutex.Lock()
	delete(c.monitors, key)
	c.monitorsMutex.Unlock()
	return nil
}

// monitorKey renders a monitor id the same way whether it comes from a caller
// or from a server notification
func monitorKey(id interface{}) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(id); err != nil {
		return "", fmt.Errorf("invalid monitor id %v: %w", id, err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

func monitorKeyFromRaw(raw json.RawMessage) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var id interface{}
	if err := dec.Decode(&id); err != nil {
		return "", err
	}
	return monitorKey(id)
}

// Lock requests the named lock. It reports whether the lock was granted right
// away; otherwise a "locked" notification follows once it is.
func (c *Client) Lock(ctx context.Context, id string) (bool, error) {
	var reply ovsdb.LockResult
	if err := c.call(ctx, ovsdb.MethodLock, ovsdb.NewLockArgs(id), &reply); err != nil {
		return false, err
	}
	if reply.Locked {
		c.holdLock(id)
	}
	return reply.Locked, nil
}

// Steal takes the named lock from its current owner
func (c *Client) Steal(ctx context.Context, id string) error {
	var reply ovsdb.LockResult
	if err := c.call(ctx, ovsdb.MethodSteal, ovsdb.NewLockArgs(id), &reply); err != nil {
		return err
	}
	if !reply.Locked {
		return protocolError(ovsdb.MethodSteal, "lock %s not granted", id)
	}
	c.holdLock(id)
	return nil
}

// Unlock releases the named lock or abandons a pending request for it
func (c *Client) Unlock(ctx context.Context, id string) error {
	var reply interface{}
	if err := c.call(ctx, ovsdb.MethodUnlock, ovsdb.NewLockArgs(id), &reply); err != nil {
		return err
	}
	c.releaseLock(id)
	return nil
}

// HeldLocks returns the locks currently owned by the session, sorted
func (c *Client) HeldLocks() []string {
	c.locksMutex.Lock()
	defer c.locksMutex.Unlock()
	return sets.List(c.locks)
}

func (c *Client) holdLock(id string) {
	c.locksMutex.Lock()
	defer c.locksMutex.Unlock()
	if !c.locks.Has(id) {
		c.locks.Insert(id)
		metrics.MetricLocksHeld.Inc()
	}
}

func (c *Client) releaseLock(id string) {
	c.locksMutex.Lock()
	defer c.locksMutex.Unlock()
	if c.locks.Has(id) {
		c.locks.Delete(id)
		metrics.MetricLocksHeld.Dec()
	}
}

// Echo checks that the server is alive
func (c *Client) Echo(ctx context.Context) error {
	args := ovsdb.NewEchoArgs()
	var reply []interface{}
	if err := c.call(ctx, ovsdb.MethodEcho, args, &reply); err != nil {
		return err
	}
	if !reflect.DeepEqual(args, reply) {
		return protocolError(ovsdb.MethodEcho, "incorrect server response: %v, %v", args, reply)
	}
	return nil
}

func (c *Client) handleEcho(params []json.RawMessage) (interface{}, error) {
	return params, nil
}

func (c *Client) handleUpdate(params []json.RawMessage) (interface{}, error) {
	if len(params) != 2 {
		return nil, protocolError(ovsdb.MethodUpdate, "expected 2 params, got %d", len(params))
	}
	var updates ovsdb.TableUpdates
	if err := json.Unmarshal(params[1], &updates); err != nil {
		return nil, protocolError(ovsdb.MethodUpdate, "%v", err)
	}
	key, err := monitorKeyFromRaw(params[0])
	if err != nil {
		return nil, protocolError(ovsdb.MethodUpdate, "invalid monitor id: %v", err)
	}

	c.monitorsMutex.Lock()
	database, ok := c.monitors[key]
	c.monitorsMutex.Unlock()
	if !ok {
		klog.Warningf("Update for unknown monitor %s", key)
	}
	id := key
	var s string
	if err := json.Unmarshal(params[0], &s); err == nil {
		id = s
	}
	c.enqueue(Event{
		Type:   EventUpdate,
		Update: &UpdateNotification{MonitorID: id, Database: database, Updates: updates},
	})
	return nil, nil
}

func (c *Client) handleLockNotification(eventType EventType) InboundHandler {
	return func(params []json.RawMessage) (interface{}, error) {
		ids := make([]string, 0, len(params))
		for _, p := range params {
			var id string
			if err := json.Unmarshal(p, &id); err != nil {
				return nil, protocolError(eventType.String(), "invalid lock id %s", string(p))
			}
			ids = append(ids, id)
		}
		for _, id := range ids {
			if eventType == EventLocked {
				c.holdLock(id)
			} else {
				c.releaseLock(id)
			}
		}
		c.enqueue(Event{Type: eventType, LockIDs: ids})
		return nil, nil
	}
}
