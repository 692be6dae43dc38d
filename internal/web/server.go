// Package web exposes the host-facing service surface over HTTP: refresh,
// backfill, history reads, diagnostics, and Prometheus metrics.
package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/balticgrid/estfeed/internal/api"
	"github.com/balticgrid/estfeed/internal/backfill"
	"github.com/balticgrid/estfeed/internal/coordinator"
	"github.com/balticgrid/estfeed/internal/models"
	"github.com/balticgrid/estfeed/internal/storage"
)

// Server routes host service calls to the coordinator.
type Server struct {
	coord  *coordinator.Coordinator
	logger *logrus.Logger
}

// NewServer builds the HTTP handler and registers the Prometheus
// collectors for the whole service on reg. Pass
// prometheus.DefaultRegisterer in production; tests use a fresh registry.
func NewServer(coord *coordinator.Coordinator, reg prometheus.Registerer, logger *logrus.Logger) (*Server, http.Handler) {
	reg.MustRegister(
		Requests,
		Latency,
		api.APIRequests,
		api.BlockedRequests,
		backfill.Chunks,
	)

	s := &Server{coord: coord, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/refresh", s.handleRefresh)
	mux.HandleFunc("/api/v1/backfill", s.handleBackfill)
	mux.HandleFunc("/api/v1/history", s.handleHistory)
	mux.HandleFunc("/api/v1/metering-points", s.handleMeteringPoints)
	mux.HandleFunc("/api/v1/diagnostics", s.handleDiagnostics)
	mux.Handle("/metrics", promhttp.Handler())

	return s, chain(logger, mux)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps the error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	var auth *api.AuthError
	var fatal *api.FatalAPIError
	var storageErr *storage.StorageError

	status := http.StatusBadGateway
	switch {
	case errors.As(err, &auth):
		status = http.StatusUnauthorized
	case errors.As(err, &fatal):
		status = http.StatusBadRequest
	case errors.As(err, &storageErr):
		status = http.StatusInternalServerError
	case api.IsRetryable(err):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "POST required"})
		return
	}
	eic := r.URL.Query().Get("eic")
	if eic == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "eic query parameter required"})
		return
	}

	fields, err := s.coord.RefreshCurrent(r.Context(), eic)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fields)
}

type backfillBody struct {
	EIC  string `json:"eic"`
	Days int    `json:"days"`
}

func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "POST required"})
		return
	}

	var body backfillBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	if body.EIC == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "eic is required"})
		return
	}

	result, err := s.coord.TriggerBackfill(r.Context(), body.EIC, body.Days)
	if err != nil {
		if result.Status == models.BackfillAborted && result.RunID == "" {
			// Rejected before the run started.
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "GET required"})
		return
	}
	q := r.URL.Query()
	eic := q.Get("eic")
	if eic == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "eic query parameter required"})
		return
	}

	end := time.Now().UTC()
	start := end.AddDate(0, 0, -7)
	var err error
	if raw := q.Get("start"); raw != "" {
		if start, err = time.Parse(time.RFC3339, raw); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid start: " + err.Error()})
			return
		}
	}
	if raw := q.Get("end"); raw != "" {
		if end, err = time.Parse(time.RFC3339, raw); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid end: " + err.Error()})
			return
		}
	}

	points, err := s.coord.History(r.Context(), eic, start, end)
	if err != nil {
		writeError(w, err)
		return
	}
	if points == nil {
		points = []models.DataPoint{}
	}
	writeJSON(w, http.StatusOK, points)
}

func (s *Server) handleMeteringPoints(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "GET required"})
		return
	}
	writeJSON(w, http.StatusOK, s.coord.MeteringPoints())
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "GET required"})
		return
	}
	diag, err := s.coord.Diagnostics(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, diag)
}
