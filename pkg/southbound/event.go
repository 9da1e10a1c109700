// Package southbound turns monitor notifications into per-row events and
// hands them to the providers that keep their own model of the database.
package southbound

import (
	"fmt"
	"sort"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/CNlukai/ovsdb/pkg/client"
	"github.com/CNlukai/ovsdb/pkg/ovsdb"
)

// Action is the kind of change an Event reports
type Action int

const (
	ActionAdd Action = iota
	ActionUpdate
	ActionDelete
)

func (a Action) String() string {
	switch a {
	case ActionAdd:
		return "ADD"
	case ActionUpdate:
		return "UPDATE"
	case ActionDelete:
		return "DELETE"
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// EventType tells whether an Event is about a session or a row
type EventType int

const (
	// EventNode reports a session coming up or going away
	EventNode EventType = iota
	// EventRow reports a change to one row
	EventRow
)

func (t EventType) String() string {
	switch t {
	case EventNode:
		return "NODE"
	case EventRow:
		return "ROW"
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// Event is one southbound change. Table, UUID, Row and Old are only set for
// EventRow. Row is the current content of the row, or the last one for a
// delete. Old holds the previous values of the columns a modify changed.
type Event struct {
	Type   EventType
	Action Action
	Node   client.ConnectionInfo
	Table  string
	UUID   string
	Row    ovsdb.Row
	Old    ovsdb.Row
	// Context is the id of the monitor the change came from
	Context interface{}
}

func (e *Event) String() string {
	if e.Type == EventNode {
		return fmt.Sprintf("SouthboundEvent [type=%s, action=%s, node=%s]", e.Type, e.Action, e.Node.Endpoint)
	}
	return fmt.Sprintf("SouthboundEvent [type=%s, action=%s, node=%s, table=%s, uuid=%s, context=%v]",
		e.Type, e.Action, e.Node.Endpoint, e.Table, e.UUID, e.Context)
}

// ParseRowEvents splits a notification into row events, ordered by table
// name then row uuid. Row updates with neither old nor new content are
// reported as an aggregate error; the valid ones are still returned.
func ParseRowEvents(node client.ConnectionInfo, update *client.UpdateNotification) ([]Event, error) {
	if update == nil {
		return nil, nil
	}
	var events []Event
	var errs []error

	tables := make([]string, 0, len(update.Updates))
	for table := range update.Updates {
		tables = append(tables, table)
	}
	sort.Strings(tables)

	for _, table := range tables {
		rows := update.Updates[table]
		uuids := make([]string, 0, len(rows))
		for uuid := range rows {
			uuids = append(uuids, uuid)
		}
		sort.Strings(uuids)

		for _, uuid := range uuids {
			event := Event{
				Type:    EventRow,
				Node:    node,
				Table:   table,
				UUID:    uuid,
				Context: update.MonitorID,
			}
			ru := rows[uuid]
			switch {
			case ru == nil:
				errs = append(errs, fmt.Errorf("table %s row %s: empty row update", table, uuid))
				continue
			case ru.IsInsert():
				event.Action = ActionAdd
				event.Row = *ru.New
			case ru.IsDelete():
				event.Action = ActionDelete
				event.Row = *ru.Old
			case ru.IsModify():
				event.Action = ActionUpdate
				event.Row = *ru.New
				event.Old = *ru.Old
			default:
				errs = append(errs, fmt.Errorf("table %s row %s: row update has neither old nor new content", table, uuid))
				continue
			}
			events = append(events, event)
		}
	}
	return events, utilerrors.NewAggregate(errs)
}
