package endpoints_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/peter-fm/snapbase-sub001/common/endpoints"
	"github.com/peter-fm/snapbase-sub001/common/stats"
)

func TestOperationalRoutes(t *testing.T) {
	stat := stats.NewCustomStatsReceiver(stats.NewJSONStatsRegistry()).Scope("svc")
	stat.Counter("requests").Inc(3)

	r := chi.NewRouter()
	endpoints.MakeHandler(stat).RegisterHTTP(r)
	ts := httptest.NewServer(r)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != 200 || string(body) != "ok" {
		t.Fatalf("unexpected health response: %d %q", resp.StatusCode, body)
	}

	resp, err = http.Get(ts.URL + "/admin/metrics.json")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("unexpected metrics status: %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), `"svc/requests":3`) {
		t.Fatalf("metrics missing counter: %s", body)
	}
}
