package app

import (
	"fmt"

	"github.com/urfave/cli/v2"
)

var ListDatabasesCommand = cli.Command{
	Name:  "list-dbs",
	Usage: "list the databases the server holds",
	Action: func(ctx *cli.Context) error {
		c, err := dial(ctx.Context)
		if err != nil {
			return err
		}
		defer c.Close()

		dbs, err := c.ListDatabases(ctx.Context)
		if err != nil {
			return err
		}
		for _, db := range dbs {
			fmt.Fprintln(ctx.App.Writer, db)
		}
		return nil
	},
}

var GetSchemaCommand = cli.Command{
	Name:  "get-schema",
	Usage: "print the schema of a database",
	Flags: []cli.Flag{databaseFlag},
	Action: func(ctx *cli.Context) error {
		c, err := dial(ctx.Context)
		if err != nil {
			return err
		}
		defer c.Close()

		s, err := getSchema(ctx.Context, c, database(ctx))
		if err != nil {
			return err
		}
		return printJSON(ctx.App.Writer, s)
	},
}
