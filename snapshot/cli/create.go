package cli

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/peter-fm/snapbase-sub001/snapshot"
	"github.com/peter-fm/snapbase-sub001/snapshot/db"
	"github.com/peter-fm/snapbase-sub001/snapshot/source"
)

type createCommand struct {
	tag   string
	from  string
	query string
	key   []string
}

func (c *createCommand) register() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <dataset> [file.csv]",
		Short: "create a snapshot of a dataset from a CSV file or a query",
	}
	cmd.Flags().StringVar(&c.tag, "tag", "", "tag to record on the snapshot")
	cmd.Flags().StringVar(&c.from, "from", "", "dataset or dataset/reference to derive from, e.g. users or users/~1")
	cmd.Flags().StringVar(&c.query, "query", "", "SQL run over the --from snapshot; its result becomes the new snapshot")
	cmd.Flags().StringSliceVar(&c.key, "key", nil, "primary key columns the snapshot must carry")
	return cmd
}

func (c *createCommand) run(d *db.DB, env Defaults, _ *cobra.Command, args []string) error {
	if len(args) < 1 {
		return errors.New("create needs a dataset name")
	}
	dataset := args[0]
	opts := db.CreateOptions{
		Tag:         c.tag,
		HashWorkers: env.HashWorkers,
		ChunkRows:   env.ChunkRows,
	}
	ctx := context.Background()

	var snap *snapshot.Snapshot
	var err error
	switch {
	case c.query != "":
		if c.from == "" {
			return errors.New("--query needs --from naming the snapshot to query")
		}
		fromDataset, fromRef := splitFrom(c.from)
		snap, err = d.CreateFromQuery(ctx, env.Workspace, dataset, fromDataset, fromRef, c.query, opts)
	case len(args) == 2:
		snap, err = d.Create(ctx, env.Workspace, dataset, source.MakeCSVSource(args[1]), opts)
	default:
		return errors.New("create needs a csv file argument or --from/--query")
	}
	if err != nil {
		return errors.Wrapf(err, "creating snapshot of %s", dataset)
	}

	// The snapshot is committed at this point; a missing key column
	// still fails the command so pipelines that diff by key stop here
	// instead of at the next diff.
	for _, k := range c.key {
		if _, ok := snap.Column(k); !ok {
			return errors.Errorf("snapshot %s created, but key column %q is not in its schema", snap.Meta.ID, k)
		}
	}

	printJSON(snap.Meta)
	return nil
}

// splitFrom splits "dataset/reference"; a bare dataset means latest.
func splitFrom(s string) (dataset, reference string) {
	if i := strings.IndexByte(s, '/'); i >= 0 {
		return s[:i], s[i+1:]
	}
	return s, "latest"
}
