package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/ledgerdesk/internal/entitlement"
)

var statusShutdownTimeout = 5 * time.Second

func newStatusHandler(machine *entitlement.Machine) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/state", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(machine.State()); err != nil {
			log.Warn().Err(err).Msg("Failed to write state response")
		}
	})
	return mux
}

// startStatusServer serves Prometheus metrics and the current entitlement
// state on addr until ctx ends.
func startStatusServer(ctx context.Context, addr string, machine *entitlement.Machine) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           newStatusHandler(machine),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), statusShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Msg("Failed to shut down status server cleanly")
		}
	}()

	go func() {
		log.Info().Str("addr", addr).Msg("Status endpoint listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Msg("Status server stopped unexpectedly")
		}
	}()
}
