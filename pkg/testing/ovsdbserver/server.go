// Package ovsdbserver is an in-memory OVSDB server speaking JSON-RPC, for
// tests. It serves list_dbs, get_schema, transact, monitor, monitor_cancel,
// lock, steal, unlock and echo on every database it is created with.
package ovsdbserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/cenkalti/rpc2"
	"github.com/cenkalti/rpc2/jsonrpc"
	"k8s.io/klog/v2"

	"github.com/CNlukai/ovsdb/pkg/ovsdb"
	"github.com/CNlukai/ovsdb/pkg/schema"
)

// TransactHook lets a test replace the reply of a transact request. When it
// returns handled, reply is sent as the result instead of running the
// operations. It may block to hold the reply back.
type TransactHook func(database string, ops []ovsdb.Operation) (reply json.RawMessage, handled bool)

// MonitorHook returns operations to apply right after a monitor of database
// took its initial rows. Their update is sent before the monitor reply.
type MonitorHook func(database string) []ovsdb.Operation

// table maps a row uuid to its columns
type table map[string]ovsdb.Row

// database maps a table name to its rows
type database map[string]table

type dbEntry struct {
	schema *schema.DatabaseSchema
	raw    json.RawMessage
	data   database
}

// Server is an in-memory OVSDB server
type Server struct {
	srv *rpc2.Server

	// mu serializes transactions and guards everything below
	mu        sync.Mutex
	dbs       map[string]*dbEntry
	monitors  map[*rpc2.Client]map[string]*monitor
	locks     map[string]*lock
	conns     []net.Conn
	clients   map[*rpc2.Client]struct{}
	hook      TransactHook
	onMonitor MonitorHook
	doEcho    bool
}

// New returns a server for the given schema documents
func New(schemas ...[]byte) (*Server, error) {
	s := &Server{
		srv:      rpc2.NewServer(),
		dbs:      make(map[string]*dbEntry),
		monitors: make(map[*rpc2.Client]map[string]*monitor),
		locks:    make(map[string]*lock),
		clients:  make(map[*rpc2.Client]struct{}),
		doEcho:   true,
	}
	for _, raw := range schemas {
		dbSchema, err := schema.ParseDatabaseSchema(raw)
		if err != nil {
			return nil, err
		}
		data := make(database, len(dbSchema.Tables))
		for name := range dbSchema.Tables {
			data[name] = make(table)
		}
		s.dbs[dbSchema.Name] = &dbEntry{schema: dbSchema, raw: append(json.RawMessage{}, raw...), data: data}
	}
	s.srv.OnConnect(s.onConnect)
	s.srv.OnDisconnect(s.onDisconnect)
	s.srv.Handle(ovsdb.MethodListDbs, s.listDatabases)
	s.srv.Handle(ovsdb.MethodGetSchema, s.getSchema)
	s.srv.Handle(ovsdb.MethodTransact, s.transact)
	s.srv.Handle(ovsdb.MethodMonitor, s.monitor)
	s.srv.Handle(ovsdb.MethodMonitorCancel, s.monitorCancel)
	s.srv.Handle(ovsdb.MethodLock, s.lock)
	s.srv.Handle(ovsdb.MethodSteal, s.steal)
	s.srv.Handle(ovsdb.MethodUnlock, s.unlock)
	s.srv.Handle(ovsdb.MethodEcho, s.echo)
	return s, nil
}

// Connect returns the client end of a new in-memory connection
func (s *Server) Connect() net.Conn {
	clientConn, serverConn := net.Pipe()
	s.serveConn(serverConn)
	return clientConn
}

// Serve accepts connections until the listener is closed
func (s *Server) Serve(l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			return err
		}
		s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()
	go s.srv.ServeCodec(jsonrpc.NewJSONCodec(conn))
}

// Disconnect drops every open connection
func (s *Server) Disconnect() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		if err := c.Close(); err != nil {
			klog.V(5).Infof("Closing test connection: %v", err)
		}
	}
}

// SetTransactHook installs or, with nil, removes the transact hook
func (s *Server) SetTransactHook(hook TransactHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = hook
}

// SetMonitorHook installs or, with nil, removes the monitor hook
func (s *Server) SetMonitorHook(hook MonitorHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMonitor = hook
}

// DoEcho controls whether the server answers echo requests
func (s *Server) DoEcho(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doEcho = ok
}

// Clients returns the number of connected clients
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// EchoClients sends an echo request to every connected client and checks the
// reply
func (s *Server) EchoClients(payload string) error {
	s.mu.Lock()
	clients := make([]*rpc2.Client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		var reply []string
		if err := c.Call(ovsdb.MethodEcho, []string{payload}, &reply); err != nil {
			return err
		}
		if len(reply) != 1 || reply[0] != payload {
			return fmt.Errorf("unexpected echo reply %v", reply)
		}
	}
	return nil
}

// Rows returns a copy of the rows of a table, sorted by uuid
func (s *Server) Rows(db, tableName string) []ovsdb.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.dbs[db]
	if !ok {
		return nil
	}
	t := entry.data[tableName]
	uuids := make([]string, 0, len(t))
	for u := range t {
		uuids = append(uuids, u)
	}
	sort.Strings(uuids)
	rows := make([]ovsdb.Row, 0, len(t))
	for _, u := range uuids {
		rows = append(rows, copyRow(t[u]))
	}
	return rows
}

func (s *Server) onConnect(c *rpc2.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) onDisconnect(c *rpc2.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c)
	delete(s.monitors, c)
	for id := range s.locks {
		s.releaseLock(c, id)
	}
}

func (s *Server) listDatabases(_ *rpc2.Client, _ []interface{}, reply *[]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dbs := make([]string, 0, len(s.dbs))
	for name := range s.dbs {
		dbs = append(dbs, name)
	}
	sort.Strings(dbs)
	*reply = dbs
	return nil
}

func (s *Server) getSchema(_ *rpc2.Client, args []interface{}, reply *json.RawMessage) error {
	if len(args) != 1 {
		return fmt.Errorf("get_schema expects 1 param, got %d", len(args))
	}
	name, ok := args[0].(string)
	if !ok {
		return fmt.Errorf("database %v is not a string", args[0])
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.dbs[name]
	if !ok {
		return errors.New(ovsdb.UnknownDatabase)
	}
	*reply = entry.raw
	return nil
}

func (s *Server) echo(_ *rpc2.Client, args []interface{}, reply *[]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.doEcho {
		return fmt.Errorf("no echo reply")
	}
	*reply = append([]interface{}{}, args...)
	return nil
}
