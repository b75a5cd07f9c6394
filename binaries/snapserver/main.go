package main

import (
	"flag"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/peter-fm/snapbase-sub001/common/endpoints"
	"github.com/peter-fm/snapbase-sub001/common/log/hooks"
	"github.com/peter-fm/snapbase-sub001/config"
	"github.com/peter-fm/snapbase-sub001/snapshot/store"
	"github.com/peter-fm/snapbase-sub001/snapshot/store/server"
)

// cacheEndpoint is where groupcache peer traffic is mounted when the
// artifact cache is enabled.
const cacheEndpoint = "/_groupcache/"

func main() {
	log.AddHook(hooks.NewContextHook())

	configFlag := flag.String("config", config.DefaultFile, "config file")
	addrFlag := flag.String("addr", "", "addr to serve the artifact API on (overrides config)")
	rootFlag := flag.String("root", "", "store root directory (overrides config)")
	logLevelFlag := flag.String("log_level", "info", "Log everything at this level and above (error|info|debug)")
	flag.Parse()

	level, err := log.ParseLevel(*logLevelFlag)
	if err != nil {
		log.Fatal(err)
	}
	log.SetLevel(level)

	cfg, err := config.Load(*configFlag)
	if err != nil {
		log.Fatal(err)
	}
	if *addrFlag != "" {
		cfg.Server.Addr = *addrFlag
	}
	if *rootFlag != "" {
		cfg.Store.Root = *rootFlag
	}

	stat := endpoints.MakeStatsReceiver("snapserver")

	var backend store.Backend
	backend, err = store.MakeCustomFileBackend(cfg.Store.Root, cfg.Store.LockWait, stat)
	if err != nil {
		log.Fatal(err)
	}

	var cacheHandler http.Handler
	if cfg.Server.CacheBytes > 0 {
		cached, pool, err := store.MakeCachedBackend(backend, &store.GroupcacheConfig{
			Name:        "snapbase",
			MemoryBytes: cfg.Server.CacheBytes,
			AddrSelf:    cfg.Server.Addr,
			Endpoint:    cacheEndpoint,
			Peers:       []string{cfg.Server.Addr},
		}, stat)
		if err != nil {
			log.Fatal(err)
		}
		backend = cached
		cacheHandler = pool
	}

	httpCfg := server.HTTPConfig{
		Addr:             cfg.Server.Addr,
		ListenerMaxConns: cfg.Server.ListenerMaxConns,
		RateLimitPerSec:  cfg.Server.RateLimitPerSec,
		BurstLimitPerSec: cfg.Server.BurstLimitPerSec,
	}
	srv := server.MakeServer(backend, httpCfg, stat)

	handler := srv.Handler()
	if cacheHandler != nil {
		mux := http.NewServeMux()
		mux.Handle(cacheEndpoint, cacheHandler)
		mux.Handle("/", handler)
		handler = mux
	}

	listener, err := httpCfg.NewListener()
	if err != nil {
		log.Fatal(err)
	}
	log.Infof("Serving snapshots on %s, store root %s", httpCfg.Addr, backend.Root())
	log.Fatal((&http.Server{Handler: handler}).Serve(listener))
}
