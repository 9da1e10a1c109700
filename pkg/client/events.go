package client

import (
	"fmt"

	"github.com/mitchellh/copystructure"
	"golang.org/x/sync/errgroup"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/klog/v2"

	"github.com/CNlukai/ovsdb/pkg/metrics"
	"github.com/CNlukai/ovsdb/pkg/ovsdb"
)

// EventType tells which notification an Event carries
type EventType int

const (
	EventUpdate EventType = iota
	EventLocked
	EventStolen
)

func (t EventType) String() string {
	switch t {
	case EventUpdate:
		return ovsdb.MethodUpdate
	case EventLocked:
		return ovsdb.MethodLocked
	case EventStolen:
		return ovsdb.MethodStolen
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// ConnectionInfo describes the connection a notification arrived on
type ConnectionInfo struct {
	Endpoint      string
	LocalAddress  string
	RemoteAddress string
}

// UpdateNotification is the content of an "update" notification
type UpdateNotification struct {
	// MonitorID is the json-value the monitor was registered with
	MonitorID string
	Database  string
	Updates   ovsdb.TableUpdates
}

// Event is one server notification. Update is set for EventUpdate, LockIDs
// for EventLocked and EventStolen.
type Event struct {
	Type       EventType
	Connection ConnectionInfo
	Update     *UpdateNotification
	LockIDs    []string
}

// EventHandler receives every notification of a session, in the order the
// server sent them. A returned error is logged and does not stop delivery.
type EventHandler interface {
	OnEvent(event Event) error
}

// EventHandlerFunc adapts a function to EventHandler
type EventHandlerFunc func(event Event) error

func (f EventHandlerFunc) OnEvent(event Event) error {
	return f(event)
}

// NotificationHandler is a callback set with one method per notification
type NotificationHandler interface {
	Update(conn ConnectionInfo, update *UpdateNotification) error
	Locked(conn ConnectionInfo, lockIDs []string) error
	Stolen(conn ConnectionInfo, lockIDs []string) error
}

// NotificationAdapter turns a NotificationHandler into an EventHandler
func NotificationAdapter(h NotificationHandler) EventHandler {
	return EventHandlerFunc(func(event Event) error {
		switch event.Type {
		case EventUpdate:
			return h.Update(event.Connection, event.Update)
		case EventLocked:
			return h.Locked(event.Connection, event.LockIDs)
		case EventStolen:
			return h.Stolen(event.Connection, event.LockIDs)
		}
		return fmt.Errorf("unknown event type %v", event.Type)
	})
}

// dispatch delivers queued events one at a time. Each event runs as a single
// task on the worker pool and fans out to the handlers from there.
func (c *Client) dispatch() {
	defer func() {
		c.pool.Stop()
		close(c.dispatchDone)
	}()
	for {
		event, shutdown := c.events.Get()
		if shutdown {
			return
		}
		done := make(chan struct{})
		c.pool.submitOrRun(func() {
			defer close(done)
			c.deliver(*event)
		})
		<-done
		c.events.Done(event)
	}
}

func (c *Client) deliver(event Event) {
	handlers := c.eventHandlers()
	if len(handlers) == 0 {
		klog.V(5).Infof("No handler for %s notification", event.Type)
		return
	}
	// copies are taken before any handler can touch the original
	events := make([]Event, len(handlers))
	events[0] = event
	for i := 1; i < len(handlers); i++ {
		events[i] = copyEvent(event)
	}
	g := errgroup.Group{}
	g.SetLimit(c.opts.workerPoolSize)
	for i, h := range handlers {
		h, ev := h, events[i]
		g.Go(func() error {
			callHandler(h, ev)
			return nil
		})
	}
	_ = g.Wait()
}

func callHandler(h EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.MetricCallbackErrors.Inc()
			utilruntime.HandleError(fmt.Errorf("%s handler panicked: %v", event.Type, r))
		}
	}()
	if err := h.OnEvent(event); err != nil {
		metrics.MetricCallbackErrors.Inc()
		utilruntime.HandleError(fmt.Errorf("%s handler failed: %w", event.Type, err))
	}
}

// copyEvent gives a handler its own copy of the rows so that handlers cannot
// observe each other's changes
func copyEvent(event Event) Event {
	if event.LockIDs != nil {
		event.LockIDs = append([]string{}, event.LockIDs...)
	}
	if event.Update == nil {
		return event
	}
	update := *event.Update
	updates, err := copystructure.Copy(update.Updates)
	if err != nil {
		klog.Warningf("Unable to copy update for monitor %s: %v", update.MonitorID, err)
	} else {
		update.Updates = updates.(ovsdb.TableUpdates)
	}
	event.Update = &update
	return event
}

// AddEventHandler registers a handler for the notifications received from now on
func (c *Client) AddEventHandler(handler EventHandler) {
	c.handlersMutex.Lock()
	defer c.handlersMutex.Unlock()
	c.handlers = append(c.handlers, handler)
}

func (c *Client) eventHandlers() []EventHandler {
	c.handlersMutex.RLock()
	defer c.handlersMutex.RUnlock()
	return append([]EventHandler{}, c.handlers...)
}

func (c *Client) enqueue(event Event) {
	event.Connection = c.info
	metrics.MetricNotifications.WithLabelValues(event.Type.String()).Inc()
	if c.events.ShuttingDown() {
		klog.V(5).Infof("Dropping %s notification received after close", event.Type)
		return
	}
	// every event is its own pointer so the queue never collapses two of them
	c.events.Add(&event)
}
