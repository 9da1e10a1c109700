package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/CNlukai/ovsdb/pkg/operations"
	"github.com/CNlukai/ovsdb/pkg/ovsdb"
	"github.com/CNlukai/ovsdb/pkg/schema"
	"github.com/CNlukai/ovsdb/pkg/schema/vswitch"
	"github.com/CNlukai/ovsdb/pkg/testing/ovsdbserver"
)

type recorder struct {
	events chan Event
}

func newRecorder() *recorder {
	return &recorder{events: make(chan Event, 100)}
}

func (r *recorder) OnEvent(e Event) error {
	r.events <- e
	return nil
}

func (r *recorder) next() Event {
	var ev Event
	EventuallyWithOffset(1, r.events, 5*time.Second).Should(Receive(&ev))
	return ev
}

type notificationRecorder struct {
	sync.Mutex
	updates int
	locked  []string
	stolen  []string
}

func (n *notificationRecorder) Update(_ ConnectionInfo, _ *UpdateNotification) error {
	n.Lock()
	defer n.Unlock()
	n.updates++
	return nil
}

func (n *notificationRecorder) Locked(_ ConnectionInfo, ids []string) error {
	n.Lock()
	defer n.Unlock()
	n.locked = append(n.locked, ids...)
	return nil
}

func (n *notificationRecorder) Stolen(_ ConnectionInfo, ids []string) error {
	n.Lock()
	defer n.Unlock()
	n.stolen = append(n.stolen, ids...)
	return nil
}

var _ = Describe("Client", func() {
	var (
		server *ovsdbserver.Server
		c      *Client
		db     *schema.DatabaseSchema
		tables *vswitch.Tables
		ctx    context.Context
		cancel context.CancelFunc
	)

	newClient := func(opts ...Option) *Client {
		return NewClient(NewTransport(server.Connect()), opts...)
	}

	execute := func(cl *Client, ops ...operations.Operation) ([]OperationResult, error) {
		f, err := cl.Transact(vswitch.DatabaseName).Add(ops...).Execute(ctx)
		Expect(err).NotTo(HaveOccurred())
		return f.Wait(ctx)
	}

	addBridge := func(cl *Client, name string) []OperationResult {
		insert := operations.Insert(tables.Bridge).WithID("br_new").Value(tables.Bridge.Name.Value(name))
		results, err := execute(cl, insert,
			operations.Mutate(tables.OpenVSwitch).AddMutation(
				tables.OpenVSwitch.Bridges.Mutation(ovsdb.MutateOperationInsert, []ovsdb.UUID{insert.NamedUUID()})))
		Expect(err).NotTo(HaveOccurred())
		return results
	}

	BeforeEach(func() {
		var err error
		server, err = ovsdbserver.New(vswitch.SchemaJSON())
		Expect(err).NotTo(HaveOccurred())
		_, err = server.Transact(vswitch.DatabaseName, ovsdb.Operation{
			Op:    ovsdb.OperationInsert,
			Table: vswitch.OpenVSwitchTable,
			Row:   ovsdb.Row{},
		})
		Expect(err).NotTo(HaveOccurred())

		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		c = newClient()
		db, err = c.Schema(ctx, vswitch.DatabaseName, true)
		Expect(err).NotTo(HaveOccurred())
		tables, err = vswitch.NewTables(db)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		c.Close()
		server.Disconnect()
		cancel()
	})

	Context("discovery", func() {
		It("lists the databases", func() {
			dbs, err := c.ListDatabases(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(dbs).To(Equal([]string{vswitch.DatabaseName}))
		})

		It("caches the first schema it retrieves", func() {
			cached, err := c.Schema(ctx, vswitch.DatabaseName, true)
			Expect(err).NotTo(HaveOccurred())
			Expect(cached).To(BeIdenticalTo(db))

			fresh, err := c.Schema(ctx, vswitch.DatabaseName, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(fresh).NotTo(BeIdenticalTo(db))
			Expect(fresh.Name).To(Equal(db.Name))

			again, err := c.Schema(ctx, vswitch.DatabaseName, true)
			Expect(err).NotTo(HaveOccurred())
			Expect(again).To(BeIdenticalTo(db))
		})

		It("reports an unknown database", func() {
			_, err := c.Schema(ctx, "Nope", true)
			var rpcErr *RPCError
			Expect(errors.As(err, &rpcErr)).To(BeTrue())
			Expect(rpcErr.Message).To(ContainSubstring(ovsdb.UnknownDatabase))
		})

		It("answers echo requests from the server", func() {
			Expect(server.EchoClients("ping")).To(Succeed())
			Expect(c.Echo(ctx)).To(Succeed())
		})
	})

	Context("transactions", func() {
		It("resolves named uuids across operations", func() {
			results := addBridge(c, "br-test")
			Expect(results).To(HaveLen(2))
			Expect(results[0].UUID.IsZero()).To(BeFalse())
			Expect(results[1].Count).To(Equal(1))
			Expect(results[0].References).To(HaveKeyWithValue("br_new", results[0].UUID))
			Expect(results[1].References).To(HaveKeyWithValue("br_new", results[0].UUID))

			rows := server.Rows(vswitch.DatabaseName, vswitch.OpenVSwitchTable)
			Expect(rows).To(HaveLen(1))
			bridges, err := tables.OpenVSwitch.Bridges.Get(rows[0])
			Expect(err).NotTo(HaveOccurred())
			Expect(bridges).To(ConsistOf(results[0].UUID))
		})

		It("tracks the transaction state and named uuids", func() {
			insert := operations.Insert(tables.Bridge).WithID("br_x").Value(tables.Bridge.Name.Value("br-x"))
			tx := c.Transact(vswitch.DatabaseName)
			Expect(tx.State()).To(Equal(TransactionEmpty))
			tx.Add(insert)
			Expect(tx.State()).To(Equal(TransactionBuilding))
			Expect(tx.Len()).To(Equal(1))

			f, err := tx.Execute(ctx)
			Expect(err).NotTo(HaveOccurred())
			results, err := f.Wait(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(tx.State()).To(Equal(TransactionCompleted))
			Expect(tx.NamedUUIDs()).To(Equal(map[string]ovsdb.UUID{"br_x": results[0].UUID}))

			_, err = tx.Execute(ctx)
			Expect(err).To(MatchError(ErrAlreadySubmitted))
		})

		It("selects rows with typed conditions", func() {
			addBridge(c, "br-test")
			results, err := execute(c, operations.Select(tables.Bridge, "name").Where(tables.Bridge.Name.Equal("br-test")))
			Expect(err).NotTo(HaveOccurred())
			Expect(results[0].Rows).To(HaveLen(1))
			name, err := tables.Bridge.Name.Get(results[0].Rows[0])
			Expect(err).NotTo(HaveOccurred())
			Expect(name).To(Equal("br-test"))
		})

		It("rejects an empty transaction", func() {
			_, err := c.Transact(vswitch.DatabaseName).Execute(ctx)
			Expect(err).To(MatchError(ErrEmptyTransaction))
		})

		It("rejects an arithmetic mutation of a set before sending", func() {
			op := operations.Mutate(tables.Bridge).AddMutation(
				tables.Bridge.FloodVLANs.Mutation(ovsdb.MutateOperationAdd, []int{1}))
			_, err := c.Transact(vswitch.DatabaseName).Add(op).Execute(ctx)
			Expect(errors.Is(err, schema.ErrIllegalMutation)).To(BeTrue())
		})

		It("rejects a table absent from the schema", func() {
			op := operations.Raw(db, ovsdb.Operation{Op: ovsdb.OperationInsert, Table: "Nope", Row: ovsdb.Row{}})
			_, err := c.Transact(vswitch.DatabaseName).Add(op).Execute(ctx)
			Expect(errors.Is(err, schema.ErrSchemaMismatch)).To(BeTrue())
		})

		It("aligns results with operations on failure", func() {
			results, err := execute(c,
				operations.Insert(tables.Bridge).Value(tables.Bridge.Name.Value("br-a")),
				operations.Abort(),
				operations.Comment("never reached"),
			)
			var txErr *TransactionError
			Expect(errors.As(err, &txErr)).To(BeTrue())
			Expect(txErr.Index).To(Equal(1))
			Expect(txErr.Name).To(Equal(ovsdb.Aborted))
			Expect(results).To(HaveLen(3))
			Expect(results[0].Executed).To(BeTrue())
			Expect(results[1].Executed).To(BeTrue())
			Expect(results[2].Executed).To(BeFalse())
			Expect(server.Rows(vswitch.DatabaseName, vswitch.BridgeTable)).To(BeEmpty())
		})

		It("reports a commit level failure past the last operation", func() {
			addBridge(c, "br-test")
			results, err := execute(c, operations.Delete(tables.Bridge).Where(tables.Bridge.Name.Equal("br-test")))
			var txErr *TransactionError
			Expect(errors.As(err, &txErr)).To(BeTrue())
			Expect(txErr.Index).To(Equal(1))
			Expect(txErr.Name).To(Equal(ovsdb.ReferentialIntegrityViolation))
			Expect(results).To(HaveLen(1))
			Expect(results[0].Count).To(Equal(1))
		})

		It("fails transactions executed after close", func() {
			tx := c.Transact(vswitch.DatabaseName).Add(operations.Comment("late"))
			c.Close()
			f, err := tx.Execute(ctx)
			Expect(err).NotTo(HaveOccurred())
			_, err = f.Wait(ctx)
			var connErr *ConnectivityError
			Expect(errors.As(err, &connErr)).To(BeTrue())
			Expect(errors.Is(err, ErrNotConnected)).To(BeTrue())
			Expect(tx.State()).To(Equal(TransactionFailed))
		})

		It("fails pending transactions when the connection drops", func() {
			release := make(chan struct{})
			defer close(release)
			received := make(chan struct{}, 1)
			server.SetTransactHook(func(string, []ovsdb.Operation) (json.RawMessage, bool) {
				received <- struct{}{}
				<-release
				return nil, false
			})

			f, err := c.Transact(vswitch.DatabaseName).Add(operations.Comment("stuck")).Execute(ctx)
			Expect(err).NotTo(HaveOccurred())
			Eventually(received).Should(Receive())
			Consistently(f.Done(), 100*time.Millisecond).ShouldNot(BeClosed())

			server.Disconnect()
			_, err = f.Wait(ctx)
			Expect(errors.Is(err, ErrNotConnected)).To(BeTrue())
			Eventually(c.DisconnectNotify()).Should(BeClosed())
			Expect(c.Connected()).To(BeFalse())
		})

		It("runs completion callbacks on the worker pool", func() {
			f, err := c.Transact(vswitch.DatabaseName).Add(operations.Comment("cb")).Execute(ctx)
			Expect(err).NotTo(HaveOccurred())
			done := make(chan error, 1)
			f.OnComplete(func(_ []OperationResult, err error) { done <- err })
			var cbErr error
			Eventually(done, 5*time.Second).Should(Receive(&cbErr))
			Expect(cbErr).NotTo(HaveOccurred())
		})
	})

	Context("monitors", func() {
		It("returns the initial rows", func() {
			m, err := c.Monitor(ctx, vswitch.DatabaseName, "", TableMonitor{Table: vswitch.OpenVSwitchTable})
			Expect(err).NotTo(HaveOccurred())
			Expect(m.ID).NotTo(BeEmpty())
			Expect(m.Initial.Len()).To(Equal(1))
		})

		It("validates tables and columns against the schema", func() {
			_, err := c.Monitor(ctx, vswitch.DatabaseName, "m1", TableMonitor{Table: "Nope"})
			Expect(errors.Is(err, schema.ErrSchemaMismatch)).To(BeTrue())
			_, err = c.Monitor(ctx, vswitch.DatabaseName, "m1", TableMonitor{Table: vswitch.BridgeTable, Columns: []string{"nope"}})
			Expect(errors.Is(err, schema.ErrSchemaMismatch)).To(BeTrue())
		})

		It("delivers inserts and deletes in order", func() {
			rec := newRecorder()
			c.AddEventHandler(rec)
			_, err := c.Monitor(ctx, vswitch.DatabaseName, "m1", TableMonitor{Table: vswitch.BridgeTable, Columns: []string{"name"}})
			Expect(err).NotTo(HaveOccurred())

			results, err := execute(c,
				operations.Insert(tables.Bridge).Value(tables.Bridge.Name.Value("br-mon")))
			Expect(err).NotTo(HaveOccurred())
			bridge := results[0].UUID.GoUUID

			ev := rec.next()
			Expect(ev.Type).To(Equal(EventUpdate))
			Expect(ev.Update.MonitorID).To(Equal("m1"))
			Expect(ev.Update.Database).To(Equal(vswitch.DatabaseName))
			ru := ev.Update.Updates[vswitch.BridgeTable][bridge]
			Expect(ru).NotTo(BeNil())
			Expect(ru.IsInsert()).To(BeTrue())
			name, err := tables.Bridge.Name.Get(*ru.New)
			Expect(err).NotTo(HaveOccurred())
			Expect(name).To(Equal("br-mon"))

			_, err = execute(c, operations.Delete(tables.Bridge).Where(tables.Bridge.Name.Equal("br-mon")))
			Expect(err).NotTo(HaveOccurred())
			ev = rec.next()
			ru = ev.Update.Updates[vswitch.BridgeTable][bridge]
			Expect(ru).NotTo(BeNil())
			Expect(ru.IsDelete()).To(BeTrue())
			Expect(ru.Old).NotTo(BeNil())
			Expect(ru.New).To(BeNil())
		})

		It("reports only the changed columns of a modified row as old", func() {
			addBridge(c, "br-test")
			rec := newRecorder()
			c.AddEventHandler(rec)
			_, err := c.Monitor(ctx, vswitch.DatabaseName, "m1", TableMonitor{Table: vswitch.BridgeTable})
			Expect(err).NotTo(HaveOccurred())

			_, err = execute(c, operations.Update(tables.Bridge).
				Set(tables.Bridge.STPEnable.Value(true)).
				Where(tables.Bridge.Name.Equal("br-test")))
			Expect(err).NotTo(HaveOccurred())

			ev := rec.next()
			Expect(ev.Update.Updates[vswitch.BridgeTable]).To(HaveLen(1))
			for _, ru := range ev.Update.Updates[vswitch.BridgeTable] {
				Expect(ru.IsModify()).To(BeTrue())
				Expect(*ru.Old).To(HaveKeyWithValue("stp_enable", false))
				Expect(*ru.Old).NotTo(HaveKey("name"))
				Expect(*ru.New).To(HaveKeyWithValue("stp_enable", true))
				Expect(*ru.New).To(HaveKeyWithValue("name", "br-test"))
			}
		})

		It("routes updates of a monitor whose id has html characters", func() {
			rec := newRecorder()
			c.AddEventHandler(rec)
			_, err := c.Monitor(ctx, vswitch.DatabaseName, "a<b&c>", TableMonitor{Table: vswitch.BridgeTable})
			Expect(err).NotTo(HaveOccurred())

			addBridge(c, "br-html")
			ev := rec.next()
			Expect(ev.Update.MonitorID).To(Equal("a<b&c>"))
			Expect(ev.Update.Database).To(Equal(vswitch.DatabaseName))
			Expect(c.MonitorCancel(ctx, "a<b&c>")).To(Succeed())
		})

		It("stops delivering after cancel", func() {
			rec := newRecorder()
			c.AddEventHandler(rec)
			_, err := c.Monitor(ctx, vswitch.DatabaseName, "m1", TableMonitor{Table: vswitch.BridgeTable})
			Expect(err).NotTo(HaveOccurred())
			Expect(c.MonitorCancel(ctx, "m1")).To(Succeed())
			Expect(c.MonitorCancel(ctx, "m1")).NotTo(Succeed())

			addBridge(c, "br-test")
			Consistently(rec.events, 200*time.Millisecond).ShouldNot(Receive())
		})

		It("rejects a duplicate monitor id", func() {
			_, err := c.Monitor(ctx, vswitch.DatabaseName, "m1", TableMonitor{Table: vswitch.BridgeTable})
			Expect(err).NotTo(HaveOccurred())
			_, err = c.Monitor(ctx, vswitch.DatabaseName, "m1", TableMonitor{Table: vswitch.PortTable})
			Expect(err).To(HaveOccurred())
		})

		It("isolates handlers from each other's failures", func() {
			c.AddEventHandler(EventHandlerFunc(func(Event) error { panic("handler bug") }))
			c.AddEventHandler(EventHandlerFunc(func(Event) error { return errors.New("handler error") }))
			rec := newRecorder()
			c.AddEventHandler(rec)
			_, err := c.Monitor(ctx, vswitch.DatabaseName, "m1", TableMonitor{Table: vswitch.BridgeTable})
			Expect(err).NotTo(HaveOccurred())

			addBridge(c, "br-1")
			Expect(rec.next().Type).To(Equal(EventUpdate))
			addBridge(c, "br-2")
			Expect(rec.next().Type).To(Equal(EventUpdate))
		})

		It("gives every handler its own copy of the rows", func() {
			c.AddEventHandler(EventHandlerFunc(func(e Event) error {
				for _, tu := range e.Update.Updates {
					for _, ru := range tu {
						if ru.New != nil {
							(*ru.New)["name"] = "scribbled"
						}
					}
				}
				return nil
			}))
			rec := newRecorder()
			c.AddEventHandler(rec)
			_, err := c.Monitor(ctx, vswitch.DatabaseName, "m1", TableMonitor{Table: vswitch.BridgeTable, Columns: []string{"name"}})
			Expect(err).NotTo(HaveOccurred())

			addBridge(c, "br-test")
			ev := rec.next()
			for _, ru := range ev.Update.Updates[vswitch.BridgeTable] {
				Expect(*ru.New).To(HaveKeyWithValue("name", "br-test"))
			}
		})
	})

	Context("locks", func() {
		It("grants, queues and steals locks", func() {
			rec := newRecorder()
			other := newClient(WithEventHandler(rec))
			defer other.Close()

			locked, err := c.Lock(ctx, "leader")
			Expect(err).NotTo(HaveOccurred())
			Expect(locked).To(BeTrue())
			Expect(c.HeldLocks()).To(Equal([]string{"leader"}))

			locked, err = other.Lock(ctx, "leader")
			Expect(err).NotTo(HaveOccurred())
			Expect(locked).To(BeFalse())
			Expect(other.HeldLocks()).To(BeEmpty())

			Expect(c.Unlock(ctx, "leader")).To(Succeed())
			Expect(c.HeldLocks()).To(BeEmpty())
			ev := rec.next()
			Expect(ev.Type).To(Equal(EventLocked))
			Expect(ev.LockIDs).To(Equal([]string{"leader"}))
			Expect(other.HeldLocks()).To(Equal([]string{"leader"}))

			Expect(c.Steal(ctx, "leader")).To(Succeed())
			ev = rec.next()
			Expect(ev.Type).To(Equal(EventStolen))
			Expect(ev.LockIDs).To(Equal([]string{"leader"}))
			Expect(other.HeldLocks()).To(BeEmpty())
			Expect(c.HeldLocks()).To(Equal([]string{"leader"}))
		})

		It("asserts lock ownership inside a transaction", func() {
			other := newClient()
			defer other.Close()
			_, err := c.Lock(ctx, "leader")
			Expect(err).NotTo(HaveOccurred())

			_, err = execute(c, operations.Assert("leader"), operations.Comment("owner"))
			Expect(err).NotTo(HaveOccurred())

			_, err = execute(other, operations.Assert("leader"), operations.Comment("not owner"))
			var txErr *TransactionError
			Expect(errors.As(err, &txErr)).To(BeTrue())
			Expect(txErr.Name).To(Equal(ovsdb.NotOwner))
		})

		It("drops held locks on close", func() {
			_, err := c.Lock(ctx, "leader")
			Expect(err).NotTo(HaveOccurred())
			c.Close()
			Expect(c.HeldLocks()).To(BeEmpty())
		})

		It("delivers lock notifications through a NotificationHandler", func() {
			n := &notificationRecorder{}
			other := newClient(WithEventHandler(NotificationAdapter(n)))
			defer other.Close()

			_, err := c.Lock(ctx, "leader")
			Expect(err).NotTo(HaveOccurred())
			_, err = other.Lock(ctx, "leader")
			Expect(err).NotTo(HaveOccurred())
			Expect(c.Unlock(ctx, "leader")).To(Succeed())
			Eventually(func() []string {
				n.Lock()
				defer n.Unlock()
				return append([]string{}, n.locked...)
			}).Should(Equal([]string{"leader"}))

			Expect(c.Steal(ctx, "leader")).To(Succeed())
			Eventually(func() []string {
				n.Lock()
				defer n.Unlock()
				return append([]string{}, n.stolen...)
			}).Should(Equal([]string{"leader"}))
		})
	})

	Context("session", func() {
		It("closes the session when the inactivity probe fails", func() {
			server.DoEcho(false)
			probed := newClient(WithInactivityProbe(50 * time.Millisecond))
			Eventually(probed.Connected, 5*time.Second).Should(BeFalse())
			Eventually(probed.DisconnectNotify()).Should(BeClosed())
		})

		It("delivers queued notifications before Wait returns", func() {
			rec := newRecorder()
			c.AddEventHandler(rec)
			_, err := c.Monitor(ctx, vswitch.DatabaseName, "m1", TableMonitor{Table: vswitch.BridgeTable})
			Expect(err).NotTo(HaveOccurred())
			addBridge(c, "br-test")
			Eventually(rec.events).Should(HaveLen(1))

			c.Close()
			c.Wait()
			Expect(c.Connected()).To(BeFalse())
			_, err = c.ListDatabases(ctx)
			Expect(errors.Is(err, ErrNotConnected)).To(BeTrue())
		})
	})
})
