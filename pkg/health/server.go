package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/speedrun-hq/bridge-relayer/pkg/circuitbreaker"
	"github.com/speedrun-hq/bridge-relayer/pkg/config"
	"github.com/speedrun-hq/bridge-relayer/pkg/dedup"
	"github.com/speedrun-hq/bridge-relayer/pkg/logger"
	"github.com/speedrun-hq/bridge-relayer/pkg/models"
	"github.com/speedrun-hq/bridge-relayer/pkg/queue"
	"github.com/speedrun-hq/bridge-relayer/pkg/relayer"
)

// heightReporter is implemented by a running relayer graph
type heightReporter interface {
	Heights(ctx context.Context) map[config.Role]uint64
	Waiting() map[models.JobKind]int64
}

// Options configures the health and control server
type Options struct {
	Port          string
	MetricsAPIKey string
	ControlAPIKey string
	Chains        map[config.Role]config.ChainEndpoint
	Breakers      map[int]*circuitbreaker.CircuitBreaker
	Queues        []*queue.Queue
	Store         dedup.Store
	Controller    *relayer.Controller
	Logger        logger.Logger
}

// Server represents the health, metrics and control HTTP server
type Server struct {
	opts   Options
	queues map[string]*queue.Queue
	srv    *http.Server
}

// NewServer creates a new health check server
func NewServer(opts Options) *Server {
	s := &Server{
		opts:   opts,
		queues: make(map[string]*queue.Queue, len(opts.Queues)),
	}
	for _, q := range opts.Queues {
		s.queues[q.Name()] = q
	}
	s.srv = &http.Server{
		Addr:              ":" + opts.Port,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router builds the route table
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.Handle("/metrics", bearerAuth(s.opts.MetricsAPIKey, promhttp.Handler())).Methods(http.MethodGet)

	control := r.NewRoute().Subrouter()
	control.Use(func(next http.Handler) http.Handler { return bearerAuth(s.opts.ControlAPIKey, next) })
	control.HandleFunc("/circuit/reset", s.handleCircuitReset).Methods(http.MethodPost)
	control.HandleFunc("/relayer/start", s.handleStart).Methods(http.MethodPost)
	control.HandleFunc("/relayer/stop", s.handleStop).Methods(http.MethodPost)
	control.HandleFunc("/relayer/status", s.handleRelayerStatus).Methods(http.MethodGet)
	control.HandleFunc("/deadletters/{queue}", s.handleListDead).Methods(http.MethodGet)
	control.HandleFunc("/deadletters/{queue}/{id}/requeue", s.handleRequeueDead).Methods(http.MethodPost)
	control.HandleFunc("/records/{key}", s.handleRecord).Methods(http.MethodGet)
	return r
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.opts.Logger.Info("Starting health and control server on port %s", s.opts.Port)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for active ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// bearerAuth checks for a valid API key; an empty key disables the check
func bearerAuth(apiKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
			return
		}

		if parts[1] != apiKey {
			http.Error(w, "Invalid API key", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady reports ready once the dedup store answers; job processing
// fails closed without it
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Store.Ping(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(fmt.Sprintf("Dedup store unavailable: %v", err)))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Ready"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var heights map[config.Role]uint64
	var waiting map[models.JobKind]int64
	if hr, ok := s.opts.Controller.Runtime().(heightReporter); ok {
		heights = hr.Heights(r.Context())
		waiting = hr.Waiting()
	}

	chains := make(map[string]interface{}, len(s.opts.Chains))
	for role, endpoint := range s.opts.Chains {
		circuitStatus := "closed"
		if cb, ok := s.opts.Breakers[endpoint.ChainID]; ok && cb.IsOpen() {
			circuitStatus = "open"
		}
		chainStatus := map[string]interface{}{
			"chain_id":         endpoint.ChainID,
			"contract_address": endpoint.ContractAddress.Hex(),
			"confirmations":    endpoint.Confirmations,
			"circuit":          circuitStatus,
		}
		if h, ok := heights[role]; ok {
			chainStatus["latest_block"] = h
		}
		chains[string(role)] = chainStatus
	}

	queues := make(map[string]interface{}, len(s.queues))
	for name, q := range s.queues {
		stats, err := q.Stats(r.Context())
		if err != nil {
			queues[name] = map[string]string{"error": err.Error()}
			continue
		}
		queues[name] = stats
	}

	st := s.opts.Controller.Status()
	writeJSON(w, s.opts.Logger, http.StatusOK, map[string]interface{}{
		"relayer": map[string]interface{}{
			"status":  st.State.String(),
			"uptime":  int64(st.Uptime.Seconds()),
			"waiting": waiting,
		},
		"chains": chains,
		"queues": queues,
	})
}

func (s *Server) handleCircuitReset(w http.ResponseWriter, r *http.Request) {
	chainIDStr := r.URL.Query().Get("chain")
	if chainIDStr == "" {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("Missing chain parameter"))
		return
	}

	chainID, err := strconv.Atoi(chainIDStr)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("Invalid chain ID"))
		return
	}

	cb, ok := s.opts.Breakers[chainID]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(fmt.Sprintf("No circuit breaker for chain %d", chainID)))
		return
	}

	cb.Reset()
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(fmt.Sprintf("Circuit breaker for chain %d reset", chainID)))
}

func writeJSON(w http.ResponseWriter, log logger.Logger, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error("Error encoding response JSON: %v", err)
	}
}
