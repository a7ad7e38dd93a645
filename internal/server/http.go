package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Management exposes the operator-facing HTTP surface: liveness,
// current server status and Prometheus metrics.
type Management struct {
	srv *http.Server
}

// NewManagement builds the management server around s.
func NewManagement(s *Server, addr string) *Management {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"state":        s.GetState().String(),
			"port":         s.Port(),
			"data_port":    s.DataPort(),
			"connected":    s.Connected(),
			"data_session": s.DataSessionActive(),
		})
	})

	mux.Handle("/metrics", promhttp.Handler())

	return &Management{
		srv: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Start serves in the background until Shutdown.
func (m *Management) Start() {
	go func() {
		log.Printf("[Management] listening on %s", m.srv.Addr)
		if err := m.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[Management] server error: %v", err)
		}
	}()
}

// Shutdown drains the management server.
func (m *Management) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
