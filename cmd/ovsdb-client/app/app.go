package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"

	"github.com/CNlukai/ovsdb/pkg/client"
	"github.com/CNlukai/ovsdb/pkg/config"
	"github.com/CNlukai/ovsdb/pkg/schema"
)

// NewApp returns the ovsdb-client command line application
func NewApp() *cli.App {
	c := cli.NewApp()
	c.Name = "ovsdb-client"
	c.Usage = "talk to an OVSDB server"
	c.Version = config.Version
	c.Flags = config.GetFlags(nil)
	c.Commands = []*cli.Command{
		&ListDatabasesCommand,
		&GetSchemaCommand,
		&TransactCommand,
		&MonitorCommand,
		&LockCommand,
		&AddBridgeCommand,
		&DelBridgeCommand,
		&ListBridgesCommand,
	}
	c.Before = func(ctx *cli.Context) error {
		configFile, err := config.InitConfig(ctx, afero.NewOsFs())
		if err != nil {
			return err
		}
		if configFile != "" {
			klog.V(5).Infof("Using config file %s", configFile)
		}
		return nil
	}
	return c
}

// dial connects to the configured endpoints
func dial(ctx context.Context, extra ...client.Option) (*client.Client, error) {
	opts, err := config.ClientOptions()
	if err != nil {
		return nil, err
	}
	return client.Dial(ctx, config.OVSDB.Endpoints, append(opts, extra...)...)
}

// database returns the database named on the command line, or the configured
// one
func database(ctx *cli.Context) string {
	if db := ctx.String("database"); db != "" {
		return db
	}
	return config.OVSDB.Database
}

func getSchema(ctx context.Context, c *client.Client, db string) (*schema.DatabaseSchema, error) {
	return c.Schema(ctx, db, !config.Client.DisableSchemaCache)
}

func printJSON(w io.Writer, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

var databaseFlag = &cli.StringFlag{
	Name:  "database",
	Usage: "database to use instead of the configured one",
}
