// Package server exposes a store.Backend over HTTP. Snapshot uploads
// and downloads travel as tar archives, listings as JSON. The snapbase
// HTTPBackend is the matching client.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"
	"golang.org/x/time/rate"

	"github.com/peter-fm/snapbase-sub001/common/endpoints"
	"github.com/peter-fm/snapbase-sub001/common/stats"
	"github.com/peter-fm/snapbase-sub001/snapshot"
	"github.com/peter-fm/snapbase-sub001/snapshot/store"
)

// HTTPConfig holds fields used for configuring startup of the server.
// Zero value integer fields are interpretted as unlimited.
type HTTPConfig struct {
	Addr             string // Required: ip:port the Listener will bind to
	ListenerMaxConns int    // Maximum simultaneous connections the listener will accept
	RateLimitPerSec  int    // Maximum incoming requests per second
	BurstLimitPerSec int    // Maximum per-burst incoming requests per second (within RateLimitPerSec)
}

// Creates a new net.Listener with the configured address and limits.
func (c *HTTPConfig) NewListener() (net.Listener, error) {
	listener, err := net.Listen("tcp", c.Addr)
	if err != nil {
		return nil, err
	}
	if c.ListenerMaxConns > 0 {
		log.Infof("Creating LimitListener with max: %d", c.ListenerMaxConns)
		return netutil.LimitListener(listener, c.ListenerMaxConns), nil
	}
	return listener, nil
}

type Server struct {
	backend store.Backend
	cfg     HTTPConfig
	stat    stats.StatsReceiver
}

func MakeServer(backend store.Backend, cfg HTTPConfig, stat stats.StatsReceiver) *Server {
	return &Server{backend: backend, cfg: cfg, stat: stat.Scope("server")}
}

// Handler builds the full route tree, including the operational
// endpoints.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	// 0 is a valid Limiter that rejects all requests, but that's not useful, so we interpret 0 as unlimited
	if s.cfg.RateLimitPerSec > 0 && s.cfg.BurstLimitPerSec > 0 {
		log.Infof("Creating Limiter with rate/burst: %d/%d", s.cfg.RateLimitPerSec, s.cfg.BurstLimitPerSec)
		r.Use(newTap(s.cfg.RateLimitPerSec, s.cfg.BurstLimitPerSec).middleware)
	}

	r.Route("/api/v1/workspaces/{workspace}", func(r chi.Router) {
		r.Get("/datasets", s.handleListDatasets)
		r.Route("/datasets/{dataset}/snapshots", func(r chi.Router) {
			r.Post("/", s.handleUpload)
			r.Get("/", s.handleListSnapshots)
			r.Get("/{id}", s.handleDownload)
			r.Head("/{id}", s.handleExists)
			r.Get("/{id}/rows", s.handleRows)
		})
	})
	endpoints.MakeHandler(s.stat).RegisterHTTP(r)
	return r
}

// Serve blocks running the server until it fails.
func (s *Server) Serve() error {
	listener, err := s.cfg.NewListener()
	if err != nil {
		return err
	}
	log.Infof("Serving snapshots on %s, store root %s", s.cfg.Addr, s.backend.Root())
	server := &http.Server{Handler: s.Handler()}
	return server.Serve(listener)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	s.stat.Counter("uploads").Inc(1)
	defer s.stat.Latency("upload_ms").Time().Stop()
	workspace := chi.URLParam(r, "workspace")
	dataset := chi.URLParam(r, "dataset")
	log.Infof("Uploading snapshot for %s/%s", workspace, dataset)

	a, err := store.ReadArchive(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if a.Rows == nil {
		http.Error(w, "upload is missing the row payload", http.StatusBadRequest)
		return
	}
	meta, err := s.backend.PutSnapshot(r.Context(), workspace, dataset, &store.Put{
		Meta:    a.Manifest.Meta,
		Columns: a.Manifest.Columns,
		Index:   a.Index,
		Rows:    a.Rows,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, meta)
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	metas, err := s.backend.ListSnapshots(r.Context(), chi.URLParam(r, "workspace"), chi.URLParam(r, "dataset"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if metas == nil {
		metas = []snapshot.Meta{}
	}
	writeJSON(w, metas)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	s.stat.Counter("downloads").Inc(1)
	defer s.stat.Latency("download_ms").Time().Stop()
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	snap, err := s.backend.GetSnapshot(r.Context(), chi.URLParam(r, "workspace"), chi.URLParam(r, "dataset"), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-tar")
	manifest := store.Manifest{Meta: snap.Meta, Columns: snap.Columns}
	if err := store.WriteArchive(w, manifest, snap.Index, nil, 0); err != nil {
		log.Errorf("Writing archive of %v: %v", id, err)
	}
}

func (s *Server) handleExists(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	exists, err := s.backend.Exists(r.Context(), chi.URLParam(r, "workspace"), chi.URLParam(r, "dataset"), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !exists {
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) handleRows(w http.ResponseWriter, r *http.Request) {
	s.stat.Counter("rowReads").Inc(1)
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rc, err := s.backend.OpenRows(r.Context(), chi.URLParam(r, "workspace"), chi.URLParam(r, "dataset"), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/x-ndjson")
	if _, err := io.Copy(w, rc); err != nil {
		log.Errorf("Streaming rows of %v: %v", id, err)
	}
}

func (s *Server) handleListDatasets(w http.ResponseWriter, r *http.Request) {
	infos, err := s.backend.ListDatasets(r.Context(), chi.URLParam(r, "workspace"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, infos)
}

func pathID(w http.ResponseWriter, r *http.Request) (snapshot.ID, bool) {
	id := snapshot.ID(chi.URLParam(r, "id"))
	if !id.Valid() {
		http.Error(w, "malformed snapshot id", http.StatusBadRequest)
		return "", false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("Encoding response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var schemaErr snapshot.SchemaError
	switch {
	case snapshot.IsNotFound(err):
		http.Error(w, err.Error(), http.StatusNotFound)
	case snapshot.IsConflict(err):
		http.Error(w, err.Error(), http.StatusConflict)
	case snapshot.IsInvalidReference(err), errors.As(err, &schemaErr):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		s.stat.Counter("serverErrors").Inc(1)
		log.Errorf("Internal error: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// tapLimiter throttles incoming requests, checked per request before
// routing.
type tapLimiter struct {
	limiter *rate.Limiter
}

func newTap(maxRequests, maxBurst int) *tapLimiter {
	return &tapLimiter{limiter: rate.NewLimiter(rate.Limit(maxRequests), maxBurst)}
}

// Wait until the Limiter allows the request or its context expires.
func (t *tapLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := t.limiter.Wait(r.Context()); err != nil {
			log.Warnf("Tap limiter dropped request due to rate limit: %s %s", err, r.URL.Path)
			http.Error(w, "resource exhausted due to rate limit", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
