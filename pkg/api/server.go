package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/quarrydb/quarry/pkg/admission"
	"github.com/quarrydb/quarry/pkg/log"
	"github.com/quarrydb/quarry/pkg/metrics"
)

// Server exposes the coordinator's debug and metrics endpoints:
//
//	GET /admission/pools          all pool snapshots
//	GET /admission/pools/{name}   one pool snapshot
//	GET /admission/hosts          per-host reserved/admitted memory
//	POST /admission/pools/{name}/reset   clear informational stats
//	GET /metrics                  prometheus registry
//	GET /healthz, /readyz         component health
type Server struct {
	controller *admission.Controller
	http       *http.Server
}

// NewServer creates a debug server over the admission controller.
func NewServer(controller *admission.Controller) *Server {
	s := &Server{controller: controller}

	mux := http.NewServeMux()
	mux.HandleFunc("/admission/pools", s.handlePools)
	mux.HandleFunc("/admission/pools/", s.handlePool)
	mux.HandleFunc("/admission/hosts", s.handleHosts)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", metrics.HealthHandler())
	mux.HandleFunc("/readyz", metrics.ReadinessHandler())

	s.http = &http.Server{Handler: mux}
	return s
}

// Start serves on addr until Stop is called.
func (s *Server) Start(addr string) error {
	s.http.Addr = addr
	apiLogger := log.WithComponent("api")
	apiLogger.Info().Str("addr", addr).Msg("debug server listening")

	err := s.http.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("debug server failed: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.http.Shutdown(ctx)
}

// Handler returns the server's mux. Used by tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) handlePools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"resource_pools": s.controller.AllPoolsToJSON(),
	})
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/admission/pools/")

	if name, ok := strings.CutSuffix(rest, "/reset"); ok {
		if r.Method != http.MethodPost {
			http.Error(w, "reset requires POST", http.StatusMethodNotAllowed)
			return
		}
		s.controller.ResetPoolInformationalStats(name)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	snapshot, ok := s.controller.PoolToJSON(rest)
	if !ok {
		http.Error(w, fmt.Sprintf("unknown pool: %s", rest), http.StatusNotFound)
		return
	}
	writeJSON(w, snapshot)
}

func (s *Server) handleHosts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"hosts": s.controller.PerHostMemReservedAndAdmitted(),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		apiLogger := log.WithComponent("api")
		apiLogger.Error().Err(err).Msg("failed to encode response")
	}
}
