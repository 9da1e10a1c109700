package ovsdbserver

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cenkalti/rpc2"
	"k8s.io/klog/v2"

	"github.com/CNlukai/ovsdb/pkg/ovsdb"
	"github.com/CNlukai/ovsdb/pkg/schema"
)

// monitor is one registered monitor of a connection
type monitor struct {
	id       json.RawMessage
	database string
	requests map[string]ovsdb.MonitorRequest
	client   *rpc2.Client
}

func selected(sel *ovsdb.MonitorSelect, flag func(*ovsdb.MonitorSelect) *bool) bool {
	if sel == nil {
		return true
	}
	v := flag(sel)
	return v == nil || *v
}

func (s *Server) monitor(client *rpc2.Client, args []json.RawMessage, reply *ovsdb.TableUpdates) error {
	if len(args) != 3 {
		return fmt.Errorf("monitor expects 3 params, got %d", len(args))
	}
	var dbName string
	if err := json.Unmarshal(args[0], &dbName); err != nil {
		return fmt.Errorf("database %s is not a string", string(args[0]))
	}
	var requests map[string]ovsdb.MonitorRequest
	if err := json.Unmarshal(args[2], &requests); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.dbs[dbName]
	if !ok {
		return errors.New(ovsdb.UnknownDatabase)
	}
	for name := range requests {
		if _, err := entry.schema.Table(name); err != nil {
			return err
		}
	}
	key := string(args[1])
	if _, ok := s.monitors[client][key]; ok {
		return fmt.Errorf("duplicate monitor ID")
	}

	initial := make(ovsdb.TableUpdates)
	for name, req := range requests {
		if !selected(req.Select, func(m *ovsdb.MonitorSelect) *bool { return m.Initial }) {
			continue
		}
		rows := entry.data[name]
		if len(rows) == 0 {
			continue
		}
		tu := make(ovsdb.TableUpdate, len(rows))
		for u, row := range rows {
			r := project(row, req.Columns)
			tu[u] = &ovsdb.RowUpdate{New: &r}
		}
		initial[name] = tu
	}
	*reply = initial
	if s.monitors[client] == nil {
		s.monitors[client] = make(map[string]*monitor)
	}
	s.monitors[client][key] = &monitor{
		id:       append(json.RawMessage{}, args[1]...),
		database: dbName,
		requests: requests,
		client:   client,
	}
	if s.onMonitor != nil {
		if ops := s.onMonitor(dbName); len(ops) > 0 {
			if _, err := s.transactLocked(dbName, ops); err != nil {
				klog.Warningf("Monitor hook transaction failed: %v", err)
			}
		}
	}
	return nil
}

func (s *Server) monitorCancel(client *rpc2.Client, args []json.RawMessage, reply *struct{}) error {
	if len(args) != 1 {
		return fmt.Errorf("monitor_cancel expects 1 param, got %d", len(args))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := string(args[0])
	if _, ok := s.monitors[client][key]; !ok {
		return fmt.Errorf("unknown monitor")
	}
	delete(s.monitors[client], key)
	*reply = struct{}{}
	return nil
}

// diff returns the row deltas between two states of a database. The old
// side of a modification only carries the columns that changed.
func diff(dbSchema *schema.DatabaseSchema, before, after database) ovsdb.TableUpdates {
	updates := make(ovsdb.TableUpdates)
	for name := range dbSchema.Tables {
		tu := make(ovsdb.TableUpdate)
		for u, oldRow := range before[name] {
			newRow, ok := after[name][u]
			if !ok {
				old := copyRow(oldRow)
				tu[u] = &ovsdb.RowUpdate{Old: &old}
				continue
			}
			changed := ovsdb.Row{}
			for column, v := range oldRow {
				if column == schema.VersionColumn {
					continue
				}
				if !valuesEqual(v, newRow[column]) {
					changed[column] = v
				}
			}
			if len(changed) > 0 {
				n := copyRow(newRow)
				tu[u] = &ovsdb.RowUpdate{Old: &changed, New: &n}
			}
		}
		for u, newRow := range after[name] {
			if _, ok := before[name][u]; !ok {
				n := copyRow(newRow)
				tu[u] = &ovsdb.RowUpdate{New: &n}
			}
		}
		if len(tu) > 0 {
			updates[name] = tu
		}
	}
	return updates
}

// filter keeps the tables, change kinds and columns a monitor asked for
func (m *monitor) filter(updates ovsdb.TableUpdates) ovsdb.TableUpdates {
	out := make(ovsdb.TableUpdates)
	for name, req := range m.requests {
		tu, ok := updates[name]
		if !ok {
			continue
		}
		filtered := make(ovsdb.TableUpdate)
		for u, ru := range tu {
			var want bool
			switch {
			case ru.IsInsert():
				want = selected(req.Select, func(s *ovsdb.MonitorSelect) *bool { return s.Insert })
			case ru.IsDelete():
				want = selected(req.Select, func(s *ovsdb.MonitorSelect) *bool { return s.Delete })
			default:
				want = selected(req.Select, func(s *ovsdb.MonitorSelect) *bool { return s.Modify })
			}
			if !want {
				continue
			}
			projected := &ovsdb.RowUpdate{}
			if ru.Old != nil {
				old := project(*ru.Old, req.Columns)
				projected.Old = &old
			}
			if ru.New != nil {
				n := project(*ru.New, req.Columns)
				projected.New = &n
			}
			if ru.IsModify() && len(*projected.Old) == 0 {
				continue
			}
			filtered[u] = projected
		}
		if len(filtered) > 0 {
			out[name] = filtered
		}
	}
	return out
}

// notify sends the committed changes to every monitor of the database. It
// runs with s.mu held.
func (s *Server) notify(dbName string, updates ovsdb.TableUpdates) {
	if len(updates) == 0 {
		return
	}
	for _, monitors := range s.monitors {
		for _, m := range monitors {
			if m.database != dbName {
				continue
			}
			filtered := m.filter(updates)
			if len(filtered) == 0 {
				continue
			}
			if err := m.client.Notify(ovsdb.MethodUpdate, []interface{}{m.id, filtered}); err != nil {
				klog.Warningf("Failed to send update to monitor %s: %v", string(m.id), err)
			}
		}
	}
}
