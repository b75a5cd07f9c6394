package cli

import (
	"context"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/peter-fm/snapbase-sub001/snapshot/db"
)

type queryCommand struct{}

func (c *queryCommand) register() *cobra.Command {
	return &cobra.Command{
		Use:   "query <dataset> <reference> <sql>",
		Short: "run a read-only SQL statement over a snapshot, mounted as a table named after the dataset",
	}
}

func (c *queryCommand) run(d *db.DB, env Defaults, _ *cobra.Command, args []string) error {
	if len(args) != 3 {
		return errors.New("query needs a dataset, a reference and a SQL statement")
	}
	res, err := d.Query(context.Background(), env.Workspace, args[0], args[1], args[2])
	if err != nil {
		return errors.Wrapf(err, "querying %s at %s", args[0], args[1])
	}
	printJSON(res)
	return nil
}
