package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sushant-115/collagecommit/core/coordinator"
	"github.com/sushant-115/collagecommit/core/transaction"
)

const maxSubmitBytes = 64 << 20

// SubmitRequest is the body of POST /collages.
type SubmitRequest struct {
	Name     string   `json:"name"`
	Artifact []byte   `json:"artifact"` // base64 in JSON
	Sources  []string `json:"sources"`  // participant:resource
}

// APIResponse is returned by every endpoint except GET /collages.
type APIResponse struct {
	Status  string `json:"status"` // OK, ERROR
	Message string `json:"message,omitempty"`
}

type registry interface {
	Submit(ctx context.Context, name string, artifact []byte, sources []string) error
	Active() []transaction.Snapshot
}

type apiServer struct {
	reg     registry
	limiter *rate.Limiter
	logger  *zap.Logger
}

func newAPIServer(reg registry, limiter *rate.Limiter, metrics http.Handler, logger *zap.Logger) http.Handler {
	s := &apiServer{reg: reg, limiter: limiter, logger: logger.Named("api")}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /collages", s.handleSubmit)
	mux.HandleFunc("GET /collages", s.handleActive)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, APIResponse{Status: "OK"})
	})
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}
	return mux
}

func (s *apiServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		writeJSON(w, http.StatusTooManyRequests, APIResponse{Status: "ERROR", Message: "submit rate exceeded"})
		return
	}
	var req SubmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIResponse{Status: "ERROR", Message: "invalid request body: " + err.Error()})
		return
	}

	err := s.reg.Submit(r.Context(), req.Name, req.Artifact, req.Sources)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, coordinator.ErrInvalidName), errors.Is(err, coordinator.ErrInvalidSource):
			status = http.StatusBadRequest
		case errors.Is(err, coordinator.ErrDuplicateTransaction):
			status = http.StatusConflict
		case errors.Is(err, coordinator.ErrNotRecovered), errors.Is(err, coordinator.ErrClosed):
			status = http.StatusServiceUnavailable
		}
		s.logger.Info("submit rejected", zap.String("name", req.Name), zap.Int("status", status), zap.Error(err))
		writeJSON(w, status, APIResponse{Status: "ERROR", Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, APIResponse{Status: "OK", Message: req.Name})
}

func (s *apiServer) handleActive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.Active())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
