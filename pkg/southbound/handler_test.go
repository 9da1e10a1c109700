package southbound

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/CNlukai/ovsdb/pkg/client"
	"github.com/CNlukai/ovsdb/pkg/operations"
	"github.com/CNlukai/ovsdb/pkg/schema/vswitch"
	"github.com/CNlukai/ovsdb/pkg/testing/ovsdbserver"
)

type eventRecorder struct {
	events chan Event
}

func (r *eventRecorder) ProcessEvent(e *Event) error {
	r.events <- *e
	return nil
}

func (r *eventRecorder) next() Event {
	var ev Event
	EventuallyWithOffset(1, r.events, 5*time.Second).Should(Receive(&ev))
	return ev
}

var _ = Describe("Southbound handler", func() {
	var (
		server *ovsdbserver.Server
		c      *client.Client
		tables *vswitch.Tables
		rec    *eventRecorder
		h      *Handler
		ctx    context.Context
		cancel context.CancelFunc
	)

	execute := func(ops ...operations.Operation) []client.OperationResult {
		f, err := c.Transact(vswitch.DatabaseName).Add(ops...).Execute(ctx)
		Expect(err).NotTo(HaveOccurred())
		results, err := f.Wait(ctx)
		Expect(err).NotTo(HaveOccurred())
		return results
	}

	BeforeEach(func() {
		var err error
		server, err = ovsdbserver.New(vswitch.SchemaJSON())
		Expect(err).NotTo(HaveOccurred())
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)

		rec = &eventRecorder{events: make(chan Event, 100)}
		h = NewHandler(rec)
		c = client.NewClient(client.NewTransport(server.Connect()), client.WithEventHandler(h))
		db, err := c.Schema(ctx, vswitch.DatabaseName, true)
		Expect(err).NotTo(HaveOccurred())
		tables, err = vswitch.NewTables(db)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		c.Close()
		server.Disconnect()
		cancel()
	})

	It("reports the initial rows of a monitor as added", func() {
		execute(operations.Insert(tables.Bridge).Value(tables.Bridge.Name.Value("br-int")))

		m, err := c.Monitor(ctx, vswitch.DatabaseName, "initial", client.TableMonitor{Table: vswitch.BridgeTable})
		Expect(err).NotTo(HaveOccurred())
		Expect(h.HandleInitial(c.ConnectionInfo(), m)).To(Succeed())

		ev := rec.next()
		Expect(ev.Type).To(Equal(EventRow))
		Expect(ev.Action).To(Equal(ActionAdd))
		Expect(ev.Table).To(Equal(vswitch.BridgeTable))
		Expect(ev.Context).To(Equal("initial"))
		name, err := tables.Bridge.Name.Get(ev.Row)
		Expect(err).NotTo(HaveOccurred())
		Expect(name).To(Equal("br-int"))
	})

	It("turns monitor updates into row events", func() {
		_, err := c.Monitor(ctx, vswitch.DatabaseName, "rows", client.TableMonitor{Table: vswitch.BridgeTable})
		Expect(err).NotTo(HaveOccurred())

		results := execute(operations.Insert(tables.Bridge).Value(tables.Bridge.Name.Value("br-ex")))
		bridge := results[0].UUID.GoUUID

		ev := rec.next()
		Expect(ev.Action).To(Equal(ActionAdd))
		Expect(ev.UUID).To(Equal(bridge))
		Expect(ev.Node).To(Equal(c.ConnectionInfo()))

		execute(operations.Update(tables.Bridge).
			Set(tables.Bridge.STPEnable.Value(true)).
			Where(tables.Bridge.Name.Equal("br-ex")))
		ev = rec.next()
		Expect(ev.Action).To(Equal(ActionUpdate))
		Expect(ev.UUID).To(Equal(bridge))
		stp, err := tables.Bridge.STPEnable.Get(ev.Row)
		Expect(err).NotTo(HaveOccurred())
		Expect(stp).To(BeTrue())
		Expect(ev.Old).To(HaveKey("stp_enable"))
		Expect(ev.Old).NotTo(HaveKey("name"))

		execute(operations.Delete(tables.Bridge).Where(tables.Bridge.Name.Equal("br-ex")))
		ev = rec.next()
		Expect(ev.Action).To(Equal(ActionDelete))
		Expect(ev.UUID).To(Equal(bridge))
		Expect(ev.Row).To(HaveKeyWithValue("name", "br-ex"))
	})

	It("holds updates until the initial rows are reported", func() {
		execute(operations.Insert(tables.Bridge).Value(tables.Bridge.Name.Value("br-int")))
		h.Hold()
		m, err := c.Monitor(ctx, vswitch.DatabaseName, "held", client.TableMonitor{Table: vswitch.BridgeTable})
		Expect(err).NotTo(HaveOccurred())

		execute(operations.Update(tables.Bridge).
			Set(tables.Bridge.STPEnable.Value(true)).
			Where(tables.Bridge.Name.Equal("br-int")))
		Consistently(rec.events, 200*time.Millisecond).ShouldNot(Receive())

		Expect(h.HandleInitial(c.ConnectionInfo(), m)).To(Succeed())
		ev := rec.next()
		Expect(ev.Action).To(Equal(ActionAdd))
		Expect(ev.Context).To(Equal("held"))
		ev = rec.next()
		Expect(ev.Action).To(Equal(ActionUpdate))
		stp, err := tables.Bridge.STPEnable.Get(ev.Row)
		Expect(err).NotTo(HaveOccurred())
		Expect(stp).To(BeTrue())

		// later updates are delivered as they come
		execute(operations.Delete(tables.Bridge).Where(tables.Bridge.Name.Equal("br-int")))
		Expect(rec.next().Action).To(Equal(ActionDelete))
	})

	It("keeps delivering to the other providers when one fails", func() {
		failures := 0
		h.AddProvider(ProviderFuncs{AddFunc: func(*Event) error {
			failures++
			return errors.New("provider unavailable")
		}})

		// the first provider still sees the event although the handler
		// returns an error
		err := h.deliver([]Event{{Type: EventRow, Action: ActionAdd, Table: vswitch.BridgeTable, UUID: uuid1}})
		Expect(err).To(MatchError(ContainSubstring("provider unavailable")))
		Expect(failures).To(Equal(1))
		Expect(rec.next().UUID).To(Equal(uuid1))
	})

	It("ignores lock notifications", func() {
		Expect(h.OnEvent(client.Event{Type: client.EventLocked, LockIDs: []string{"l1"}})).To(Succeed())
		Consistently(rec.events, 200*time.Millisecond).ShouldNot(Receive())
	})

	It("reports the session as a node", func() {
		Expect(h.Watch(c)).To(Succeed())
		ev := rec.next()
		Expect(ev.Type).To(Equal(EventNode))
		Expect(ev.Action).To(Equal(ActionAdd))

		server.Disconnect()
		ev = rec.next()
		Expect(ev.Type).To(Equal(EventNode))
		Expect(ev.Action).To(Equal(ActionDelete))
		Expect(ev.Node).To(Equal(c.ConnectionInfo()))
	})
})
