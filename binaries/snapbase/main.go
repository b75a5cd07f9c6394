package main

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/peter-fm/snapbase-sub001/common/log/hooks"
	"github.com/peter-fm/snapbase-sub001/common/stats"
	"github.com/peter-fm/snapbase-sub001/config"
	"github.com/peter-fm/snapbase-sub001/snapshot/cli"
	"github.com/peter-fm/snapbase-sub001/snapshot/db"
	"github.com/peter-fm/snapbase-sub001/snapshot/engine"
	"github.com/peter-fm/snapbase-sub001/snapshot/engine/sqlengine"
	"github.com/peter-fm/snapbase-sub001/snapshot/store"
)

func main() {
	log.AddHook(hooks.NewContextHook())

	inj := &injector{}
	cmd := cli.MakeDBCLI(inj)
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

// injector builds the DB from the config file, with flags overriding
// the settings commands most often need to vary per run.
type injector struct {
	configFile string
	workspace  string
	storeURL   string
	logLevel   string
}

func (i *injector) RegisterFlags(rootCmd *cobra.Command) {
	rootCmd.PersistentFlags().StringVar(&i.configFile, "config", config.DefaultFile, "config file")
	rootCmd.PersistentFlags().StringVar(&i.workspace, "workspace", "", "workspace to operate in (overrides config)")
	rootCmd.PersistentFlags().StringVar(&i.storeURL, "store_url", "", "artifact server URL (overrides config)")
	rootCmd.PersistentFlags().StringVar(&i.logLevel, "log_level", "info", "Log everything at this level and above (error|info|debug)")
}

func (i *injector) Inject() (*db.DB, cli.Defaults, error) {
	var none cli.Defaults

	level, err := log.ParseLevel(i.logLevel)
	if err != nil {
		return nil, none, err
	}
	log.SetLevel(level)

	cfg, err := config.Load(i.configFile)
	if err != nil {
		return nil, none, err
	}
	if i.workspace != "" {
		cfg.Workspace = i.workspace
	}
	if i.storeURL != "" {
		cfg.Store.URL = i.storeURL
	}

	backend, err := makeBackend(cfg)
	if err != nil {
		return nil, none, err
	}
	engines := func() (engine.Engine, error) { return sqlengine.New() }
	d := db.MakeDB(backend, engines, stats.NilStatsReceiver())
	return d, cli.Defaults{
		Workspace:   cfg.Workspace,
		HashWorkers: cfg.Hashing.Workers,
		ChunkRows:   cfg.Hashing.ChunkRows,
	}, nil
}

func makeBackend(cfg config.Config) (store.Backend, error) {
	if cfg.Store.URL != "" {
		return store.MakeHTTPBackend(cfg.Store.URL), nil
	}
	return store.MakeCustomFileBackend(cfg.Store.Root, cfg.Store.LockWait, stats.NilStatsReceiver())
}
