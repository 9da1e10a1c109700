package operations

import (
	"encoding/json"
	"errors"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/CNlukai/ovsdb/pkg/ovsdb"
	"github.com/CNlukai/ovsdb/pkg/schema"
	"github.com/CNlukai/ovsdb/pkg/schema/vswitch"
)

var _ = Describe("Operation builders", func() {
	var (
		db     *schema.DatabaseSchema
		tables *vswitch.Tables
	)

	BeforeEach(func() {
		var err error
		db, err = vswitch.Schema()
		Expect(err).NotTo(HaveOccurred())
		tables, err = vswitch.NewTables(db)
		Expect(err).NotTo(HaveOccurred())
	})

	encode := func(op Operation) string {
		wire, err := op.Encode()
		Expect(err).NotTo(HaveOccurred())
		b, err := json.Marshal(wire)
		Expect(err).NotTo(HaveOccurred())
		return string(b)
	}

	Context("Insert", func() {
		It("encodes a named row", func() {
			op := Insert(tables.Bridge).
				WithID("br_test").
				Value(tables.Bridge.Name.Value("br-test")).
				Value(tables.Bridge.Protocols.Value([]string{"OpenFlow13"}))
			Expect(op.Kind()).To(Equal(ovsdb.OperationInsert))
			Expect(op.TableName()).To(Equal(vswitch.BridgeTable))
			Expect(op.NamedUUID()).To(Equal(ovsdb.NamedUUID("br_test")))
			Expect(encode(op)).To(MatchJSON(`{"op":"insert","table":"Bridge","uuid-name":"br_test",
				"row":{"name":"br-test","protocols":["set",["OpenFlow13"]]}}`))
		})

		It("rejects an invalid uuid-name", func() {
			_, err := Insert(tables.Bridge).WithID("br-test").Encode()
			Expect(err).To(HaveOccurred())
		})

		It("generates uuid-names", func() {
			op := Insert(tables.Bridge).WithGeneratedID()
			Expect(op.UUIDName()).To(MatchRegexp(`^u[0-9]{10}$`))
			Expect(ovsdb.ValidNamedUUID(op.UUIDName())).To(BeTrue())
			Expect(BuildNamedUUID()).NotTo(Equal(BuildNamedUUID()))
		})

		It("rejects a column of another table", func() {
			_, err := Insert(tables.Bridge).Value(tables.Port.Name.Value("p0")).Encode()
			Expect(errors.Is(err, schema.ErrSchemaMismatch)).To(BeTrue())
		})

		It("rejects setting _uuid", func() {
			u := ovsdb.UUID{GoUUID: "2f77b348-9768-4866-b761-89d5177ecda0"}
			_, err := Insert(tables.Bridge).Value(tables.Bridge.UUID.Value(u)).Encode()
			Expect(errors.Is(err, schema.ErrSchemaMismatch)).To(BeTrue())
		})

		It("keeps the first error", func() {
			op := Insert(tables.Bridge).
				Value(tables.Bridge.FailMode.Value(pointerTo("sometimes"))).
				Value(tables.Port.Name.Value("p0"))
			_, err := op.Encode()
			Expect(err).To(MatchError(ContainSubstring("sometimes")))
		})

		It("fails on an unbound table", func() {
			_, err := Insert(&vswitch.Bridge{}).Encode()
			Expect(errors.Is(err, schema.ErrSchemaMismatch)).To(BeTrue())
		})
	})

	Context("Update", func() {
		It("ANDs its conditions", func() {
			op := Update(tables.Bridge).
				Set(tables.Bridge.STPEnable.Value(true)).
				Where(tables.Bridge.Name.Equal("br-test")).
				And(tables.Bridge.DatapathType.NotEqual("netdev")).
				Build()
			Expect(encode(op)).To(MatchJSON(`{"op":"update","table":"Bridge","row":{"stp_enable":true},
				"where":[["name","==","br-test"],["datapath_type","!=","netdev"]]}`))
		})

		It("updates every row without where", func() {
			op := Update(tables.Bridge).Set(tables.Bridge.STPEnable.Value(false)).Build()
			Expect(encode(op)).To(MatchJSON(`{"op":"update","table":"Bridge","row":{"stp_enable":false},"where":[]}`))
		})

		It("refuses immutable columns", func() {
			_, err := Update(tables.Bridge).Set(tables.Bridge.Name.Value("br-other")).Build().Encode()
			Expect(errors.Is(err, schema.ErrSchemaMismatch)).To(BeTrue())
		})

		It("needs a column to set", func() {
			_, err := Update(tables.Bridge).Build().Encode()
			Expect(err).To(HaveOccurred())
		})

		It("freezes on Build", func() {
			b := Update(tables.Bridge).Set(tables.Bridge.STPEnable.Value(true))
			op := b.Build()
			b.Set(tables.Bridge.DatapathType.Value("netdev"))
			Expect(encode(op)).To(MatchJSON(`{"op":"update","table":"Bridge","row":{"stp_enable":true},"where":[]}`))
		})
	})

	Context("Mutate", func() {
		It("inserts a named uuid into a set", func() {
			op := Mutate(tables.OpenVSwitch).
				AddMutation(tables.OpenVSwitch.Bridges.Mutation(ovsdb.MutateOperationInsert,
					[]ovsdb.UUID{ovsdb.NamedUUID("br_test")})).
				AddMutation(tables.OpenVSwitch.NextCfg.Mutation(ovsdb.MutateOperationAdd, 1)).
				Build()
			Expect(encode(op)).To(MatchJSON(`{"op":"mutate","table":"Open_vSwitch","where":[],
				"mutations":[["bridges","insert",["set",[["named-uuid","br_test"]]]],["next_cfg","+=",1]]}`))
		})

		It("fails at build time for arithmetic on a set", func() {
			op := Mutate(tables.OpenVSwitch).
				AddMutation(tables.OpenVSwitch.Bridges.Mutation(ovsdb.MutateOperationAdd, nil)).
				Build()
			Expect(errors.Is(op.Err(), schema.ErrIllegalMutation)).To(BeTrue())
			_, err := op.Encode()
			Expect(errors.Is(err, schema.ErrIllegalMutation)).To(BeTrue())
		})

		It("reports build errors from the builder and the built operation", func() {
			b := Mutate(tables.OpenVSwitch).
				AddMutation(tables.OpenVSwitch.NextCfg.Mutation(ovsdb.MutateOperationAdd, 1))
			Expect(b.Err()).NotTo(HaveOccurred())
			Expect(b.Build().Err()).NotTo(HaveOccurred())

			b.AddMutation(tables.OpenVSwitch.Bridges.Mutation(ovsdb.MutateOperationMultiply, nil))
			Expect(b.Err()).To(MatchError(ContainSubstring("mutate on Open_vSwitch")))
			Expect(errors.Is(b.Build().Err(), schema.ErrIllegalMutation)).To(BeTrue())
		})

		It("needs a mutation", func() {
			_, err := Mutate(tables.OpenVSwitch).Build().Encode()
			Expect(err).To(HaveOccurred())
		})
	})

	Context("Delete, Select and Wait", func() {
		It("encodes a delete", func() {
			op := Delete(tables.Bridge).Where(tables.Bridge.Name.Equal("br-test")).Build()
			Expect(op.Kind()).To(Equal(ovsdb.OperationDelete))
			Expect(encode(op)).To(MatchJSON(`{"op":"delete","table":"Bridge","where":[["name","==","br-test"]]}`))
		})

		It("projects a select", func() {
			op := Select(tables.Bridge, "name", "ports").Build()
			Expect(encode(op)).To(MatchJSON(`{"op":"select","table":"Bridge","where":[],"columns":["name","ports"]}`))

			_, err := Select(tables.Bridge, "nope").Encode()
			Expect(errors.Is(err, schema.ErrColumnMismatch)).To(BeTrue())
		})

		It("encodes a wait", func() {
			op := Wait(tables.Bridge).
				Where(tables.Bridge.Name.Equal("br-test")).
				Columns("stp_enable").
				Until(UntilNotEqual).
				Row(tables.Bridge.STPEnable.Value(true)).
				Timeout(100).
				Build()
			Expect(encode(op)).To(MatchJSON(`{"op":"wait","table":"Bridge","where":[["name","==","br-test"]],
				"columns":["stp_enable"],"until":"!=","rows":[{"stp_enable":true}],"timeout":100}`))
		})

		It("rejects wait rows outside the compared columns", func() {
			_, err := Wait(tables.Bridge).Row(tables.Bridge.STPEnable.Value(true)).Encode()
			Expect(err).To(HaveOccurred())
			_, err = Wait(tables.Bridge).Until("<").Encode()
			Expect(err).To(HaveOccurred())
		})
	})

	Context("Session operations", func() {
		It("encodes comment, commit, abort and assert", func() {
			Expect(encode(Comment("hello"))).To(MatchJSON(`{"op":"comment","comment":"hello"}`))
			Expect(encode(Commit(true))).To(MatchJSON(`{"op":"commit","durable":true}`))
			Expect(encode(Abort())).To(MatchJSON(`{"op":"abort"}`))
			Expect(encode(Assert("leader"))).To(MatchJSON(`{"op":"assert","lock":"leader"}`))
			_, err := Assert("").Encode()
			Expect(err).To(HaveOccurred())
		})

		It("validates raw operations", func() {
			op := Raw(db, ovsdb.Operation{Op: ovsdb.OperationSelect, Table: "Bridge", Columns: []string{"name"}})
			Expect(encode(op)).To(MatchJSON(`{"op":"select","table":"Bridge","where":[],"columns":["name"]}`))

			_, err := Raw(db, ovsdb.Operation{Op: ovsdb.OperationSelect, Table: "Nope"}).Encode()
			Expect(errors.Is(err, schema.ErrSchemaMismatch)).To(BeTrue())
			_, err = Raw(db, ovsdb.Operation{Op: ovsdb.OperationUpdate, Table: "Bridge", Row: ovsdb.Row{"nope": 1}}).Encode()
			Expect(errors.Is(err, schema.ErrColumnMismatch)).To(BeTrue())
			_, err = Raw(db, ovsdb.Operation{Op: "upsert"}).Encode()
			Expect(err).To(HaveOccurred())
		})
	})
})

func pointerTo(s string) *string {
	return &s
}
