// Package endpoints carries the operational HTTP surface every snapbase
// server mounts alongside its API: a health check and the stats registry
// rendered as JSON.
package endpoints

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/peter-fm/snapbase-sub001/common/stats"
)

type Handler struct {
	stat stats.StatsReceiver
}

func MakeHandler(stat stats.StatsReceiver) *Handler {
	return &Handler{stat: stat}
}

// RegisterHTTP mounts the operational routes on r.
func (h *Handler) RegisterHTTP(r chi.Router) {
	r.Get("/health", healthHandler)
	r.Get("/admin/metrics.json", h.statsHandler)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "ok")
}

func (h *Handler) statsHandler(w http.ResponseWriter, r *http.Request) {
	const contentTypeHdr = "Content-Type"
	const contentTypeVal = "application/json; charset=utf-8"
	w.Header().Set(contentTypeHdr, contentTypeVal)

	pretty := r.URL.Query().Get("pretty") == "true"
	str := h.stat.Render(pretty)
	if _, err := io.Copy(w, bytes.NewBuffer(str)); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
}

type StatScope string

func MakeStatsReceiver(scope StatScope) stats.StatsReceiver {
	return stats.DefaultStatsReceiver().Precision(time.Millisecond).Scope(string(scope))
}
