//go:build linux

// Package exposition serves the published snapshot over HTTP: Prometheus
// text on /metrics (optionally gzipped), a binary msgpack scrape on
// /metrics.binary, static system facts on /hardware_info, and a readiness
// probe on /healthz. Handlers read only published state and never block a
// sampler tick.
package exposition

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/ja7ad/pulse/pkg/metrics"
	"github.com/ja7ad/pulse/pkg/snapshot"
	"github.com/ja7ad/pulse/pkg/system/host"
)

// Options is the exposition slice of the agent configuration.
type Options struct {
	Listen           string
	Compression      bool
	Histograms       bool
	GroupingPower    uint
	SnapshotInterval time.Duration
}

// Server renders the registry over HTTP.
type Server struct {
	reg  *metrics.Registry
	snap *snapshot.Snapshotter
	hw   host.Info
	opts Options
}

// New wires a server; nothing is bound until Run.
func New(reg *metrics.Registry, snap *snapshot.Snapshotter, hw host.Info, opts Options) *Server {
	return &Server{reg: reg, snap: snap, hw: hw, opts: opts}
}

// Handler builds the route table. Every handler has a deadline of ten
// snapshot intervals.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/metrics.binary", s.handleBinary)
	mux.HandleFunc("/hardware_info", s.handleHardwareInfo)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return http.TimeoutHandler(mux, 10*s.opts.SnapshotInterval, "deadline exceeded")
}

// Run binds the listener and serves until ctx is cancelled, then shuts
// down gracefully. A bind failure is returned to the control plane as a
// fatal runtime error.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.opts.Listen,
		Handler: s.Handler(),
	}

	errC := make(chan error, 1)
	go func() {
		errC <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errC:
		return err
	}
}

func readOnly(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return true
	}
	w.Header().Set("Allow", http.MethodGet+", "+http.MethodHead)
	http.Error(w, "read-only resource", http.StatusMethodNotAllowed)
	return false
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !readOnly(w, r) {
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=UTF-8")

	if s.opts.Compression && strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		s.writeText(gz)
		gz.Close()
		return
	}
	s.writeText(w)
}

func (s *Server) handleBinary(w http.ResponseWriter, r *http.Request) {
	if !readOnly(w, r) {
		return
	}
	w.Header().Set("Content-Type", "application/msgpack")
	_ = s.writeBinary(w)
}

func (s *Server) handleHardwareInfo(w http.ResponseWriter, r *http.Request) {
	if !readOnly(w, r) {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.hw)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !readOnly(w, r) {
		return
	}
	if s.snap.Published() == 0 {
		http.Error(w, "no window published yet", http.StatusServiceUnavailable)
		return
	}
	w.Write([]byte("ok"))
}
