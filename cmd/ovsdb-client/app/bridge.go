package app

import (
	"context"
	"fmt"
	"sort"

	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"

	"github.com/CNlukai/ovsdb/pkg/client"
	"github.com/CNlukai/ovsdb/pkg/operations"
	"github.com/CNlukai/ovsdb/pkg/ovsdb"
	"github.com/CNlukai/ovsdb/pkg/schema/vswitch"
	"github.com/CNlukai/ovsdb/pkg/types"
)

var AddBridgeCommand = cli.Command{
	Name:      "add-br",
	Usage:     "create a bridge with its internal port",
	ArgsUsage: "BRIDGE",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "may-exist",
			Usage: "do not fail when the bridge already exists",
		},
	},
	Action: func(ctx *cli.Context) error {
		name, err := bridgeArg(ctx)
		if err != nil {
			return err
		}
		return withVSwitch(ctx.Context, func(c *client.Client, tables *vswitch.Tables) error {
			existing, err := findBridge(ctx.Context, c, tables, name)
			if err != nil {
				return err
			}
			if existing != nil {
				if ctx.Bool("may-exist") {
					return nil
				}
				return fmt.Errorf("bridge %s already exists", name)
			}
			uuid, err := addBridge(ctx.Context, c, tables, name)
			if err != nil {
				return err
			}
			klog.Infof("Created bridge %s with uuid %s", name, uuid)
			fmt.Fprintln(ctx.App.Writer, uuid)
			return nil
		})
	},
}

var DelBridgeCommand = cli.Command{
	Name:      "del-br",
	Usage:     "delete a bridge created by this client and its ports",
	ArgsUsage: "BRIDGE",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "if-exists",
			Usage: "do not fail when the bridge does not exist",
		},
		&cli.BoolFlag{
			Name:  "force",
			Usage: "delete the bridge even if another client created it",
		},
	},
	Action: func(ctx *cli.Context) error {
		name, err := bridgeArg(ctx)
		if err != nil {
			return err
		}
		return withVSwitch(ctx.Context, func(c *client.Client, tables *vswitch.Tables) error {
			br, err := findBridge(ctx.Context, c, tables, name)
			if err != nil {
				return err
			}
			if br == nil {
				if ctx.Bool("if-exists") {
					return nil
				}
				return fmt.Errorf("no bridge named %s", name)
			}
			if !ctx.Bool("force") && br.externalIDs[types.ExternalIDOwner] != types.ExternalIDOwnerValue {
				return fmt.Errorf("bridge %s is not owned by %s, use --force to delete it", name, types.ExternalIDOwnerValue)
			}
			return delBridge(ctx.Context, c, tables, br)
		})
	},
}

var ListBridgesCommand = cli.Command{
	Name:  "list-br",
	Usage: "list the bridges",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "owned",
			Usage: "only list the bridges created by this client",
		},
	},
	Action: func(ctx *cli.Context) error {
		return withVSwitch(ctx.Context, func(c *client.Client, tables *vswitch.Tables) error {
			results, err := execute(ctx.Context, c,
				operations.Select(tables.Bridge, tables.Bridge.Name.Name(), tables.Bridge.ExternalIDs.Name()))
			if err != nil {
				return err
			}
			var names []string
			for _, row := range results[0].Rows {
				br, err := readBridge(tables, row)
				if err != nil {
					return err
				}
				if ctx.Bool("owned") && br.externalIDs[types.ExternalIDOwner] != types.ExternalIDOwnerValue {
					continue
				}
				names = append(names, br.name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintln(ctx.App.Writer, name)
			}
			return nil
		})
	},
}

func bridgeArg(ctx *cli.Context) (string, error) {
	if ctx.NArg() != 1 || ctx.Args().First() == "" {
		return "", fmt.Errorf("%s needs exactly one bridge name", ctx.Command.Name)
	}
	return ctx.Args().First(), nil
}

// withVSwitch runs f with a session to the Open_vSwitch database and its
// table views
func withVSwitch(ctx context.Context, f func(*client.Client, *vswitch.Tables) error) error {
	c, err := dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	s, err := getSchema(ctx, c, vswitch.DatabaseName)
	if err != nil {
		return err
	}
	tables, err := vswitch.NewTables(s)
	if err != nil {
		return err
	}
	return f(c, tables)
}

func execute(ctx context.Context, c *client.Client, ops ...operations.Operation) ([]client.OperationResult, error) {
	f, err := c.Transact(vswitch.DatabaseName).Add(ops...).Execute(ctx)
	if err != nil {
		return nil, err
	}
	return f.Wait(ctx)
}

type bridge struct {
	uuid        ovsdb.UUID
	name        string
	ports       []ovsdb.UUID
	externalIDs map[string]string
}

func readBridge(tables *vswitch.Tables, row ovsdb.Row) (*bridge, error) {
	br := &bridge{}
	var err error
	if _, ok := row[tables.Bridge.UUID.Name()]; ok {
		if br.uuid, err = tables.Bridge.UUID.Get(row); err != nil {
			return nil, err
		}
	}
	if br.name, err = tables.Bridge.Name.Get(row); err != nil {
		return nil, err
	}
	if _, ok := row[tables.Bridge.Ports.Name()]; ok {
		if br.ports, err = tables.Bridge.Ports.Get(row); err != nil {
			return nil, err
		}
	}
	if br.externalIDs, err = tables.Bridge.ExternalIDs.Get(row); err != nil {
		return nil, err
	}
	return br, nil
}

func findBridge(ctx context.Context, c *client.Client, tables *vswitch.Tables, name string) (*bridge, error) {
	results, err := execute(ctx, c, operations.Select(tables.Bridge).Where(tables.Bridge.Name.Equal(name)))
	if err != nil {
		return nil, err
	}
	if len(results[0].Rows) == 0 {
		return nil, nil
	}
	return readBridge(tables, results[0].Rows[0])
}

// addBridge creates the bridge, its internal port and interface, and links
// the bridge to the root row
func addBridge(ctx context.Context, c *client.Client, tables *vswitch.Tables, name string) (string, error) {
	owner := map[string]string{types.ExternalIDOwner: types.ExternalIDOwnerValue}
	iface := operations.Insert(tables.Interface).WithGeneratedID().
		Value(tables.Interface.Name.Value(name)).
		Value(tables.Interface.Type.Value("internal")).
		Value(tables.Interface.ExternalIDs.Value(owner))
	port := operations.Insert(tables.Port).WithGeneratedID().
		Value(tables.Port.Name.Value(name)).
		Value(tables.Port.Interfaces.Value([]ovsdb.UUID{iface.NamedUUID()})).
		Value(tables.Port.ExternalIDs.Value(owner))
	br := operations.Insert(tables.Bridge).WithGeneratedID().
		Value(tables.Bridge.Name.Value(name)).
		Value(tables.Bridge.Ports.Value([]ovsdb.UUID{port.NamedUUID()})).
		Value(tables.Bridge.ExternalIDs.Value(owner))
	link := operations.Mutate(tables.OpenVSwitch).
		AddMutation(tables.OpenVSwitch.Bridges.Mutation(ovsdb.MutateOperationInsert, []ovsdb.UUID{br.NamedUUID()}))

	results, err := execute(ctx, c, iface, port, br, link,
		operations.Comment(fmt.Sprintf("%s: add-br %s", types.ExternalIDOwnerValue, name)))
	if err != nil {
		return "", err
	}
	if results[3].Count != 1 {
		return "", fmt.Errorf("expected one %s row, found %d", vswitch.OpenVSwitchTable, results[3].Count)
	}
	return results[2].UUID.GoUUID, nil
}

// delBridge unlinks the bridge from the root row and deletes it with its
// ports and their interfaces
func delBridge(ctx context.Context, c *client.Client, tables *vswitch.Tables, br *bridge) error {
	var interfaces []ovsdb.UUID
	if len(br.ports) > 0 {
		selects := make([]operations.Operation, 0, len(br.ports))
		for _, port := range br.ports {
			selects = append(selects, operations.Select(tables.Port, tables.Port.Interfaces.Name()).
				Where(tables.Port.UUID.Equal(port)))
		}
		results, err := execute(ctx, c, selects...)
		if err != nil {
			return err
		}
		for _, r := range results {
			for _, row := range r.Rows {
				ifaces, err := tables.Port.Interfaces.Get(row)
				if err != nil {
					return err
				}
				interfaces = append(interfaces, ifaces...)
			}
		}
	}

	ops := []operations.Operation{
		operations.Mutate(tables.OpenVSwitch).
			AddMutation(tables.OpenVSwitch.Bridges.Mutation(ovsdb.MutateOperationDelete, []ovsdb.UUID{br.uuid})),
		operations.Delete(tables.Bridge).Where(tables.Bridge.UUID.Equal(br.uuid)),
	}
	for _, port := range br.ports {
		ops = append(ops, operations.Delete(tables.Port).Where(tables.Port.UUID.Equal(port)))
	}
	for _, iface := range interfaces {
		ops = append(ops, operations.Delete(tables.Interface).Where(tables.Interface.UUID.Equal(iface)))
	}
	ops = append(ops, operations.Comment(fmt.Sprintf("%s: del-br %s", types.ExternalIDOwnerValue, br.name)))
	_, err := execute(ctx, c, ops...)
	return err
}
