package cli

// package cli implements the snapbase command tree over the snapshot DB
// facade. It works with flags that main wants to set, the same way for
// every binary that embeds it:
//
// main.go defines its own impl of DBInjector and constructs it.
//
// main.go calls MakeDBCLI with that injector. MakeDBCLI calls
// RegisterFlags so main can hang its own flags (config path, workspace
// override, log level) off the root command, then builds one cobra
// command per dbCommand. Each command's RunE wrapper calls
// DBInjector.Inject(), which constructs the DB from wherever main
// decided configuration comes from, and then dbCommand.run() with the
// db, the injector's defaults, the cobra command holding the registered
// flags, and the positional args.
//
// Keeping construction behind the injector means main decides where the
// DB comes from and the commands only decide what to do with it.

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/peter-fm/snapbase-sub001/snapshot/db"
)

// Defaults carries the config-derived settings commands fold into their
// operations.
type Defaults struct {
	// Workspace every command operates in.
	Workspace string

	// HashWorkers and ChunkRows seed CreateOptions; zero means the
	// library defaults.
	HashWorkers int
	ChunkRows   int
}

type DBInjector interface {
	RegisterFlags(cmd *cobra.Command)
	Inject() (*db.DB, Defaults, error)
}

// MakeDBCLI creates the root cobra command with all subcommands wired
// to the injector.
func MakeDBCLI(injector DBInjector) *cobra.Command {
	rootCobraCmd := &cobra.Command{
		Use:   "snapbase",
		Short: "track, diff and query dataset snapshots",
	}

	injector.RegisterFlags(rootCobraCmd)

	add := func(subCmd dbCommand, parentCobraCmd *cobra.Command) {
		cmd := subCmd.register()
		cmd.RunE = func(innerCmd *cobra.Command, args []string) error {
			db, env, err := injector.Inject()
			if err != nil {
				return err
			}
			return subCmd.run(db, env, innerCmd, args)
		}
		parentCobraCmd.AddCommand(cmd)
	}

	add(&createCommand{}, rootCobraCmd)
	add(&listCommand{}, rootCobraCmd)
	add(&datasetsCommand{}, rootCobraCmd)
	add(&resolveCommand{}, rootCobraCmd)
	add(&diffCommand{}, rootCobraCmd)
	add(&queryCommand{}, rootCobraCmd)

	return rootCobraCmd
}

type dbCommand interface {
	register() *cobra.Command
	run(db *db.DB, env Defaults, cmd *cobra.Command, args []string) error
}

func printJSON(v interface{}) {
	asJson, _ := json.MarshalIndent(v, "", "  ")
	fmt.Printf("%s\n", asJson)
}
