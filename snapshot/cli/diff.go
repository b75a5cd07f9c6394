package cli

import (
	"context"

	"github.com/luci/go-render/render"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/peter-fm/snapbase-sub001/snapshot/db"
	"github.com/peter-fm/snapbase-sub001/snapshot/diff"
)

type diffCommand struct {
	key           []string
	detectRenames bool
	values        bool
}

func (c *diffCommand) register() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diff <dataset> <base-ref> <target-ref>",
		Short: "compare two snapshots of a dataset",
	}
	cmd.Flags().StringSliceVar(&c.key, "key", nil, "primary key columns for modified-row matching")
	cmd.Flags().BoolVar(&c.detectRenames, "detect-renames", false, "pair same-type same-position column removals with additions as renames")
	cmd.Flags().BoolVar(&c.values, "values", false, "fetch full row values for added and removed rows")
	return cmd
}

func (c *diffCommand) run(d *db.DB, env Defaults, _ *cobra.Command, args []string) error {
	if len(args) != 3 {
		return errors.New("diff needs a dataset and two references")
	}
	res, err := d.Diff(context.Background(), env.Workspace, args[0], args[1], args[2], diff.Options{
		Key:           c.key,
		DetectRenames: c.detectRenames,
		FetchValues:   c.values,
	})
	if err != nil {
		return errors.Wrapf(err, "diffing %s between %s and %s", args[0], args[1], args[2])
	}
	log.Debugf("Diff result: %s", render.Render(res))
	printJSON(res)
	return nil
}
