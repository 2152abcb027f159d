package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"poolpulse/internal/ingest"
	"poolpulse/internal/service"
	"poolpulse/internal/storage"
)

// Server bundles the HTTP control surface.
type Server struct {
	router  *chi.Mux
	svc     *service.Service
	logger  *zap.Logger
	started time.Time
}

// NewServer constructs a Server with registered routes.
func NewServer(svc *service.Service, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		router:  chi.NewRouter(),
		svc:     svc,
		logger:  logger,
		started: time.Now(),
	}

	s.router.Get("/healthz", s.healthzHandler)
	s.router.Get("/pools", s.listPoolsHandler)
	s.router.Post("/pools/register", s.registerPoolHandler)
	s.router.Post("/pools/timerange", s.timeRangeHandler)
	s.router.Get("/pools/{pool}/transfers/latest", s.latestTransferHandler)
	s.router.Get("/pools/{pool}/swaps/{hash}/price", s.swapPriceHandler)
	s.router.Post("/tasks/{pool}/start", s.startTaskHandler)
	s.router.Post("/tasks/{pool}/stop", s.stopTaskHandler)
	s.router.Get("/transfers/{hash}/fee", s.feeByHashHandler)

	return s
}

// Handler exposes the underlying router.
func (s *Server) Handler() http.Handler {
	return s.router
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Millisecond).String(),
	})
}

func (s *Server) listPoolsHandler(w http.ResponseWriter, r *http.Request) {
	pools, err := s.svc.ListPools(r.Context())
	if err != nil {
		s.internalError(w, "list pools", err)
		return
	}
	writeJSON(w, http.StatusOK, pools)
}

type registerPoolRequest struct {
	PoolName    string `json:"pool_name"`
	PoolAddress string `json:"pool_address"`
}

func (s *Server) registerPoolHandler(w http.ResponseWriter, r *http.Request) {
	var req registerPoolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.PoolName == "" || req.PoolAddress == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "pool_name and pool_address are required"})
		return
	}
	if strings.Contains(req.PoolName, "/") {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "pool name should not contain '/'"})
		return
	}

	pool, err := s.svc.RegisterPool(r.Context(), req.PoolName, req.PoolAddress)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			writeJSON(w, http.StatusConflict, errorResponse{Error: "pool name or address already registered"})
			return
		}
		s.internalError(w, "register pool", err)
		return
	}
	writeJSON(w, http.StatusCreated, pool)
}

func (s *Server) startTaskHandler(w http.ResponseWriter, r *http.Request) {
	pool := chi.URLParam(r, "pool")
	err := s.svc.StartIngestion(r.Context(), pool)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, messageResponse{Message: "started ingestion for " + pool})
	case errors.Is(err, ingest.ErrAlreadyRunning):
		writeJSON(w, http.StatusOK, messageResponse{Message: "ingestion for " + pool + " is already running"})
	case errors.Is(err, ingest.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "pool not found"})
	default:
		s.internalError(w, "start ingestion", err)
	}
}

func (s *Server) stopTaskHandler(w http.ResponseWriter, r *http.Request) {
	pool := chi.URLParam(r, "pool")
	if err := s.svc.StopIngestion(pool); err != nil {
		if errors.Is(err, ingest.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "no running task for this pool"})
			return
		}
		s.internalError(w, "stop ingestion", err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "stopped ingestion for " + pool})
}

type timeRangeRequest struct {
	PoolName  string    `json:"pool_name"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

func (s *Server) timeRangeHandler(w http.ResponseWriter, r *http.Request) {
	var req timeRangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	pools, err := s.svc.FindPoolByName(r.Context(), req.PoolName)
	if err != nil {
		s.internalError(w, "find pool", err)
		return
	}
	if len(pools) == 0 {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "pool not found"})
		return
	}

	transfers, err := s.svc.TransfersInTimeRange(
		r.Context(),
		pools[0].ContractAddress,
		req.StartTime.Unix(),
		req.EndTime.Unix(),
	)
	if err != nil {
		s.internalError(w, "transfers in time range", err)
		return
	}
	writeJSON(w, http.StatusOK, transfers)
}

func (s *Server) latestTransferHandler(w http.ResponseWriter, r *http.Request) {
	poolName := chi.URLParam(r, "pool")
	pools, err := s.svc.FindPoolByName(r.Context(), poolName)
	if err != nil {
		s.internalError(w, "find pool", err)
		return
	}
	if len(pools) == 0 {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "pool not found"})
		return
	}

	transfer, err := s.svc.LatestTransfer(r.Context(), pools[0].ContractAddress, pools[0].PoolID)
	if err != nil {
		s.internalError(w, "latest transfer", err)
		return
	}
	if transfer == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no transfer ingested yet"})
		return
	}
	writeJSON(w, http.StatusOK, transfer)
}

type feeResponse struct {
	Fee      string `json:"fee"`
	PoolName string `json:"pool_name"`
}

func (s *Server) feeByHashHandler(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	fee, poolName, err := s.svc.FeeByHash(r.Context(), hash)
	if err != nil {
		s.internalError(w, "fee by hash", err)
		return
	}
	writeJSON(w, http.StatusOK, feeResponse{Fee: fee, PoolName: poolName})
}

func (s *Server) swapPriceHandler(w http.ResponseWriter, r *http.Request) {
	poolName := chi.URLParam(r, "pool")
	hash := chi.URLParam(r, "hash")

	executions, err := s.svc.SwapExecutionPrice(r.Context(), hash, poolName)
	if err != nil {
		if errors.Is(err, ingest.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "pool not found"})
			return
		}
		s.internalError(w, "swap execution price", err)
		return
	}
	writeJSON(w, http.StatusOK, executions)
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error(op+" failed", zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
