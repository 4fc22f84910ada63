package web

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gks2022004/leafsync/internal/observability"
	"github.com/gks2022004/leafsync/internal/status"
)

func testServer() *httptest.Server {
	log := observability.NewLogger("leafsync-test", "dev", io.Discard)
	return httptest.NewServer(NewServer(log, "dev").Handler())
}

func TestStatusEndpoint(t *testing.T) {
	ts := testServer()
	defer ts.Close()

	status.StartFile("web.bin", 1234)

	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatalf("GET /api/status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code: %d", resp.StatusCode)
	}
	var s status.SyncStatus
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if s.CurrentFile != "web.bin" || s.CurrentTotal != 1234 {
		t.Fatalf("unexpected snapshot: %+v", s)
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts := testServer()
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	var h healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if h.Status != "ok" || h.Version != "dev" {
		t.Fatalf("unexpected health: %+v", h)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := testServer()
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "go_goroutines") {
		t.Fatal("expected Prometheus exposition output")
	}
}

func TestConnectRejectsBadJSON(t *testing.T) {
	ts := testServer()
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/connect", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatalf("POST /api/connect: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", resp.StatusCode)
	}
}

func TestWatchStopWithoutStart(t *testing.T) {
	ts := testServer()
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/watch/stop", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /api/watch/stop: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop without start should be a no-op, got %d", resp.StatusCode)
	}
}
