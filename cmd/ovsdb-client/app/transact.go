package app

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"

	"github.com/CNlukai/ovsdb/pkg/client"
	"github.com/CNlukai/ovsdb/pkg/operations"
	"github.com/CNlukai/ovsdb/pkg/ovsdb"
)

var TransactCommand = cli.Command{
	Name:      "transact",
	Usage:     "run a transaction given as a JSON array of operations",
	ArgsUsage: "OPERATIONS|-",
	Flags: []cli.Flag{
		databaseFlag,
		&cli.StringFlag{
			Name:  "comment",
			Usage: "comment to add to the transaction and the server log",
		},
	},
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return fmt.Errorf("transact needs exactly one argument, got %d", ctx.NArg())
		}
		data := []byte(ctx.Args().First())
		if ctx.Args().First() == "-" {
			var err error
			if data, err = io.ReadAll(ctx.App.Reader); err != nil {
				return err
			}
		}
		var wire []ovsdb.Operation
		if err := json.Unmarshal(data, &wire); err != nil {
			return fmt.Errorf("failed to parse operations: %w", err)
		}
		if len(wire) == 0 {
			return fmt.Errorf("no operation to run")
		}

		c, err := dial(ctx.Context)
		if err != nil {
			return err
		}
		defer c.Close()

		db := database(ctx)
		s, err := getSchema(ctx.Context, c, db)
		if err != nil {
			return err
		}
		txn := c.Transact(db)
		for _, op := range wire {
			txn.Add(operations.Raw(s, op))
		}
		if comment := ctx.String("comment"); comment != "" {
			txn.Add(operations.Comment(comment))
		}
		f, err := txn.Execute(ctx.Context)
		if err != nil {
			return err
		}
		results, err := f.Wait(ctx.Context)
		if results != nil {
			if perr := printJSON(ctx.App.Writer, transactOutput(results)); perr != nil {
				klog.Errorf("Failed to print results: %v", perr)
			}
		}
		return err
	},
}

type resultOutput struct {
	Op       string            `json:"op"`
	Table    string            `json:"table,omitempty"`
	Executed bool              `json:"executed"`
	UUID     *ovsdb.UUID       `json:"uuid,omitempty"`
	Count    *int              `json:"count,omitempty"`
	Rows     []ovsdb.Row       `json:"rows,omitempty"`
	Error    string            `json:"error,omitempty"`
	Details  string            `json:"details,omitempty"`
	Names    map[string]string `json:"uuid-names,omitempty"`
}

func transactOutput(results []client.OperationResult) []resultOutput {
	out := make([]resultOutput, 0, len(results))
	for i := range results {
		r := &results[i]
		o := resultOutput{
			Op:       r.Op,
			Table:    r.Table,
			Executed: r.Executed,
			Rows:     r.Rows,
			Error:    r.Error,
			Details:  r.Details,
		}
		if !r.UUID.IsZero() {
			o.UUID = &r.UUID
		}
		switch r.Op {
		case ovsdb.OperationUpdate, ovsdb.OperationMutate, ovsdb.OperationDelete:
			if r.Executed && r.Error == "" {
				o.Count = &r.Count
			}
		}
		for name, uuid := range r.References {
			if o.Names == nil {
				o.Names = map[string]string{}
			}
			o.Names[name] = uuid.GoUUID
		}
		out = append(out, o)
	}
	return out
}
