// Package web serves the local dashboard: a JSON API over the status
// observer plus endpoints that start sessions, all bound to loopback. It
// contains no synchronization logic of its own.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gks2022004/leafsync/internal/observability"
	"github.com/gks2022004/leafsync/internal/session"
	"github.com/gks2022004/leafsync/internal/state"
	"github.com/gks2022004/leafsync/internal/status"
	"github.com/gks2022004/leafsync/internal/watch"
)

// Server is the dashboard HTTP server.
type Server struct {
	log       *observability.Logger
	version   string
	startTime time.Time

	mu    sync.Mutex
	watch *watch.Handle
}

// NewServer creates a dashboard server.
func NewServer(log *observability.Logger, version string) *Server {
	return &Server{log: log, version: version, startTime: time.Now()}
}

// Handler builds the dashboard routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /", s.handleIndex)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/trust", s.handleTrust)
	mux.HandleFunc("POST /api/connect", s.handleConnect)
	mux.HandleFunc("POST /api/serve", s.handleServe)
	mux.HandleFunc("POST /api/watch/start", s.handleWatchStart)
	mux.HandleFunc("POST /api/watch/stop", s.handleWatchStop)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// Run serves the dashboard on 127.0.0.1:port until ctx is canceled.
func (s *Server) Run(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", port),
		Handler: s.Handler(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.log.Info("dashboard listening on " + srv.Addr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

type apiResp struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, status.Snapshot())
}

func (s *Server) handleTrust(w http.ResponseWriter, _ *http.Request) {
	dir, err := state.Dir()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, apiResp{Error: err.Error()})
		return
	}
	entries, err := state.NewTrustStore(dir).List()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, apiResp{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// connectRequest mirrors the connect CLI flags.
type connectRequest struct {
	Addr        string  `json:"addr"`
	Folder      string  `json:"folder"`
	AcceptFirst bool    `json:"accept_first"`
	Fingerprint string  `json:"fingerprint"`
	RelFile     string  `json:"rel_file"`
	Mirror      bool    `json:"mirror"`
	Streams     int     `json:"streams"`
	RateMbps    float64 `json:"rate_mbps"`
}

func (r *connectRequest) clientConfig() session.ClientConfig {
	streams := r.Streams
	if streams == 0 {
		streams = 4
	}
	return session.ClientConfig{
		Addr:            r.Addr,
		Folder:          r.Folder,
		AcceptFirst:     r.AcceptFirst,
		Fingerprint:     r.Fingerprint,
		OnlyFile:        r.RelFile,
		Mirror:          r.Mirror,
		Streams:         streams,
		RateBytesPerSec: r.RateMbps * 1024 * 1024 / 8,
	}
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiResp{Error: err.Error()})
		return
	}
	client, err := session.NewClient(req.clientConfig(), s.log)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, apiResp{Error: err.Error()})
		return
	}
	go func() {
		if err := client.Run(context.Background()); err != nil {
			s.log.Error(err, "dashboard-triggered sync failed")
		}
	}()
	writeJSON(w, http.StatusOK, apiResp{OK: true})
}

type serveRequest struct {
	Folder  string `json:"folder"`
	Port    int    `json:"port"`
	RelFile string `json:"rel_file"`
}

func (s *Server) handleServe(w http.ResponseWriter, r *http.Request) {
	var req serveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiResp{Error: err.Error()})
		return
	}
	if req.Port == 0 {
		req.Port = 4455
	}
	srv := session.NewServer(session.ServerConfig{Folder: req.Folder, OnlyFile: req.RelFile}, s.log)
	go func() {
		if err := srv.Run(context.Background(), fmt.Sprintf("0.0.0.0:%d", req.Port)); err != nil {
			s.log.Error(err, "dashboard-triggered server failed")
		}
	}()
	writeJSON(w, http.StatusOK, apiResp{OK: true})
}

type watchRequest struct {
	connectRequest
}

func (s *Server) handleWatchStart(w http.ResponseWriter, r *http.Request) {
	var req watchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiResp{Error: err.Error()})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watch != nil {
		writeJSON(w, http.StatusConflict, apiResp{Error: "watch already running"})
		return
	}
	cfg := req.clientConfig()
	handle, err := watch.Start(cfg.Folder, s.log, func(ctx context.Context) error {
		client, err := session.NewClient(cfg, s.log)
		if err != nil {
			return err
		}
		return client.Run(ctx)
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, apiResp{Error: err.Error()})
		return
	}
	s.watch = handle
	writeJSON(w, http.StatusOK, apiResp{OK: true})
}

func (s *Server) handleWatchStop(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	handle := s.watch
	s.watch = nil
	s.mu.Unlock()
	if handle == nil {
		writeJSON(w, http.StatusOK, apiResp{OK: true, Error: "watch was not running"})
		return
	}
	handle.Stop()
	writeJSON(w, http.StatusOK, apiResp{OK: true})
}

type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Timestamp     string `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Timestamp:     time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

const indexHTML = `<!doctype html>
<html>
<head><title>LeafSync</title>
<style>
body{font-family:sans-serif;max-width:640px;margin:2rem auto;color:#223}
h1{font-size:1.4rem} pre{background:#f4f6f4;padding:1rem;border-radius:6px}
.bar{height:8px;background:#dde;border-radius:4px;overflow:hidden}
.bar>div{height:100%;background:#4a8;transition:width .3s}
</style></head>
<body>
<h1>LeafSync</h1>
<div class="bar"><div id="prog" style="width:0"></div></div>
<pre id="out">loading…</pre>
<script>
async function tick(){
  try{
    const r=await fetch('/api/status');
    const s=await r.json();
    document.getElementById('out').textContent=JSON.stringify(s,null,2);
    const pct=s.current_total?100*s.current_received/s.current_total:0;
    document.getElementById('prog').style.width=pct+'%';
  }catch(e){}
  setTimeout(tick,1000);
}
tick();
</script>
</body></html>
`
