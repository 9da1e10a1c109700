package southbound

import (
	"fmt"
	"sync"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/klog/v2"

	"github.com/CNlukai/ovsdb/pkg/client"
	"github.com/CNlukai/ovsdb/pkg/retry"
)

// Handler is a client.EventHandler that fans row events out to providers
type Handler struct {
	sync.Mutex
	providers []Provider
	// retries has one entry per provider once EnableRetry was called
	retries  []*retry.RetryFramework[Event]
	stopChan <-chan struct{}
	doneWg   *sync.WaitGroup

	// holding keeps updates in held until HandleInitial delivered the
	// initial rows
	holding bool
	held    []client.Event
}

// NewHandler returns a Handler delivering to providers, in that order
func NewHandler(providers ...Provider) *Handler {
	return &Handler{providers: providers}
}

// AddProvider registers a provider for the events handled from now on
func (h *Handler) AddProvider(p Provider) {
	h.Lock()
	defer h.Unlock()
	h.providers = append(h.providers, p)
	if h.retries != nil {
		h.retries = append(h.retries, h.newRetryFramework(len(h.providers)-1, p))
	}
}

// EnableRetry keeps the events a provider failed to process and retries them
// in the background until stopChan is closed. Later events for a row wait
// until the earlier ones went through.
func (h *Handler) EnableRetry(stopChan <-chan struct{}, doneWg *sync.WaitGroup) {
	h.Lock()
	defer h.Unlock()
	if h.retries != nil {
		return
	}
	h.stopChan = stopChan
	h.doneWg = doneWg
	h.retries = make([]*retry.RetryFramework[Event], 0, len(h.providers))
	for i, p := range h.providers {
		h.retries = append(h.retries, h.newRetryFramework(i, p))
	}
}

func (h *Handler) newRetryFramework(i int, p Provider) *retry.RetryFramework[Event] {
	rf := retry.NewRetryFramework[Event](fmt.Sprintf("provider %d", i), h.stopChan, h.doneWg, retryAdapter{p})
	rf.Start()
	return rf
}

// retryAdapter replays events through a provider
type retryAdapter struct {
	p Provider
}

func (a retryAdapter) AddResource(event Event, _ bool) error {
	return a.p.ProcessEvent(&event)
}

func (a retryAdapter) DeleteResource(event Event) error {
	return a.p.ProcessEvent(&event)
}

// Hold makes the handler keep the updates it receives until the next
// HandleInitial call. Call it before the monitor is requested so that no
// change to a row is delivered ahead of the row itself.
func (h *Handler) Hold() {
	h.Lock()
	defer h.Unlock()
	h.holding = true
}

// OnEvent implements client.EventHandler
func (h *Handler) OnEvent(event client.Event) error {
	if event.Type != client.EventUpdate {
		klog.V(5).Infof("Ignoring %s notification for locks %v", event.Type, event.LockIDs)
		return nil
	}
	h.Lock()
	defer h.Unlock()
	if h.holding {
		h.held = append(h.held, event)
		return nil
	}
	return h.handleUpdateLocked(event)
}

// HandleInitial reports the initial rows of a monitor as added rows, then the
// updates held since Hold
func (h *Handler) HandleInitial(node client.ConnectionInfo, m *client.Monitor) error {
	events, err := ParseRowEvents(node, &client.UpdateNotification{
		MonitorID: m.ID,
		Database:  m.Database,
		Updates:   m.Initial,
	})
	h.Lock()
	defer h.Unlock()
	errs := []error{}
	if err := h.deliverParsedLocked(events, err); err != nil {
		errs = append(errs, err)
	}
	held := h.held
	h.held = nil
	h.holding = false
	if len(held) > 0 {
		klog.V(5).Infof("Delivering %d updates held until the initial rows of monitor %s", len(held), m.ID)
	}
	for _, event := range held {
		if err := h.handleUpdateLocked(event); err != nil {
			errs = append(errs, err)
		}
	}
	return utilerrors.NewAggregate(errs)
}

func (h *Handler) handleUpdateLocked(event client.Event) error {
	events, err := ParseRowEvents(event.Connection, event.Update)
	return h.deliverParsedLocked(events, err)
}

func (h *Handler) deliverParsedLocked(events []Event, parseErr error) error {
	errs := []error{}
	if parseErr != nil {
		errs = append(errs, parseErr)
	}
	if err := h.deliverLocked(events); err != nil {
		errs = append(errs, err)
	}
	return utilerrors.NewAggregate(errs)
}

// Watch reports the session of c as an added node, and as a deleted node once
// the session ends
func (h *Handler) Watch(c *client.Client) error {
	node := c.ConnectionInfo()
	if err := h.deliver([]Event{{Type: EventNode, Action: ActionAdd, Node: node}}); err != nil {
		return err
	}
	go func() {
		<-c.DisconnectNotify()
		if err := h.deliver([]Event{{Type: EventNode, Action: ActionDelete, Node: node}}); err != nil {
			klog.Errorf("Failed to report disconnection of %s: %v", node.Endpoint, err)
		}
	}()
	return nil
}

// deliver hands every event to every provider. A failing provider does not
// keep the others from seeing the event.
func (h *Handler) deliver(events []Event) error {
	h.Lock()
	defer h.Unlock()
	return h.deliverLocked(events)
}

func (h *Handler) deliverLocked(events []Event) error {
	var errs []error
	for i := range events {
		klog.V(5).Infof("Delivering %s", &events[i])
		for j, p := range h.providers {
			var rf *retry.RetryFramework[Event]
			if h.retries != nil {
				rf = h.retries[j]
			}
			// providers share the row maps of an event
			if err := deliverTo(p, rf, events[i]); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", &events[i], err))
			}
		}
	}
	return utilerrors.NewAggregate(errs)
}

func deliverTo(p Provider, rf *retry.RetryFramework[Event], event Event) error {
	if rf == nil {
		return p.ProcessEvent(&event)
	}
	var err error
	rf.DoWithLock(retryKey(&event), func(key string) {
		if rf.HasRetryObj(key) {
			// earlier events of the row are still pending
			queueRetry(rf, key, event)
			return
		}
		if err = p.ProcessEvent(&event); err != nil {
			queueRetry(rf, key, event)
		}
	})
	return err
}

// queueRetry folds event into the pending work of its row
func queueRetry(rf *retry.RetryFramework[Event], key string, event Event) {
	pending, hasAdd := rf.GetPendingAdd(key)
	if event.Action == ActionDelete {
		if hasAdd && pending.Action == ActionAdd && !rf.HasPendingDelete(key) {
			// the provider never saw the row
			rf.DeleteRetryObj(key)
			return
		}
		rf.InitRetryObjWithDelete(event, key, true)
		return
	}
	if hasAdd && pending.Action == ActionAdd {
		event.Action = ActionAdd
		event.Old = nil
	}
	rf.InitRetryObjWithAdd(event, key)
}

func retryKey(e *Event) string {
	if e.Type == EventNode {
		return "node/" + e.Node.Endpoint
	}
	return e.Table + "/" + e.UUID
}
