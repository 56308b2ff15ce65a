// Copyright (c) 2025 HYPR. PTE. LTD.
//
// Business Source License 1.1
// See LICENSE file in the project root for details.

// Package opsapi serves operator endpoints on a separate listener: Prometheus
// metrics, broadcaster stats and pprof.
package opsapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ccheshirecat/streamlog/internal/server/stream"
)

// Source is satisfied by *stream.Broadcaster.
type Source interface {
	Stats() stream.Stats
	Sessions() []stream.SessionInfo
}

// Handler wires the ops endpoints.
type Handler struct {
	src    Source
	logger *slog.Logger
}

// New constructs a router exposing metrics gathered from reg.
func New(logger *slog.Logger, src Source, reg prometheus.Gatherer) http.Handler {
	h := &Handler{src: src, logger: logger}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Get("/stats", h.handleStats)
	r.Get("/sessions", h.handleSessions)
	r.Mount("/debug", middleware.Profiler())

	return r
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug("ops request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"latency", time.Since(start).String(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type statsResponse struct {
	Lines    uint64         `json:"lines"`
	Resets   uint64         `json:"resets"`
	Dropped  uint64         `json:"dropped"`
	Sessions map[string]int `json:"sessions"`
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	st := h.src.Stats()
	resp := statsResponse{
		Lines:    st.Lines,
		Resets:   st.Resets,
		Dropped:  st.Dropped,
		Sessions: make(map[string]int, len(st.Sessions)),
	}
	for state, n := range st.Sessions {
		resp.Sessions[state.String()] = n
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.src.Sessions())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
