package cli

import (
	"context"

	"github.com/luci/go-render/render"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/peter-fm/snapbase-sub001/snapshot/db"
)

type listCommand struct{}

func (c *listCommand) register() *cobra.Command {
	return &cobra.Command{
		Use:   "list <dataset>",
		Short: "list a dataset's snapshots, oldest first",
	}
}

func (c *listCommand) run(d *db.DB, env Defaults, _ *cobra.Command, args []string) error {
	if len(args) != 1 {
		return errors.New("list needs a dataset name")
	}
	metas, err := d.List(context.Background(), env.Workspace, args[0])
	if err != nil {
		return errors.Wrapf(err, "listing %s", args[0])
	}
	printJSON(metas)
	return nil
}

type datasetsCommand struct{}

func (c *datasetsCommand) register() *cobra.Command {
	return &cobra.Command{
		Use:   "datasets",
		Short: "list the workspace's datasets with their latest snapshots",
	}
}

func (c *datasetsCommand) run(d *db.DB, env Defaults, _ *cobra.Command, args []string) error {
	infos, err := d.Datasets(context.Background(), env.Workspace)
	if err != nil {
		return errors.Wrapf(err, "listing datasets of %s", env.Workspace)
	}
	printJSON(infos)
	return nil
}

type resolveCommand struct{}

func (c *resolveCommand) register() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <dataset> <reference>",
		Short: "resolve a reference (id, tag, latest, ~N, timestamp) to snapshot metadata",
	}
}

func (c *resolveCommand) run(d *db.DB, env Defaults, _ *cobra.Command, args []string) error {
	if len(args) != 2 {
		return errors.New("resolve needs a dataset and a reference")
	}
	meta, err := d.ResolveMeta(context.Background(), env.Workspace, args[0], args[1])
	if err != nil {
		return errors.Wrapf(err, "resolving %s in %s", args[1], args[0])
	}
	log.Debugf("Resolved %s: %s", args[1], render.Render(meta))
	printJSON(meta)
	return nil
}
