package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/openalpha/market-sim/api/handlers"
	"github.com/openalpha/market-sim/api/middleware"
	"github.com/openalpha/market-sim/api/websocket"
	"github.com/openalpha/market-sim/engine"
	"github.com/openalpha/market-sim/logging"
	"github.com/openalpha/market-sim/metrics"
	"github.com/openalpha/market-sim/pool"
	"github.com/openalpha/market-sim/queue"
	"github.com/openalpha/market-sim/types"
)

// Server is the HTTP face of the simulator: control API, websocket event
// channel and the observability surfaces.
type Server struct {
	httpServer *http.Server
	config     *Config

	manager *engine.Manager
	hub     *websocket.Hub
	txq     *queue.TransactionQueue
	monitor *pool.Monitor

	simHandler  *handlers.SimulationHandler
	rateLimiter *middleware.RateLimiter

	log *logging.Logger
}

// Config contains server configuration.
type Config struct {
	Host             string
	Port             int
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	DisableRateLimit bool
}

// DefaultConfig returns default configuration.
func DefaultConfig() *Config {
	return &Config{
		Host:         "0.0.0.0",
		Port:         8080,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// NewServer wires the API layer to the running subsystems.
func NewServer(config *Config, manager *engine.Manager, hub *websocket.Hub, txq *queue.TransactionQueue, monitor *pool.Monitor) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	return &Server{
		config:      config,
		manager:     manager,
		hub:         hub,
		txq:         txq,
		monitor:     monitor,
		simHandler:  handlers.NewSimulationHandler(manager),
		rateLimiter: middleware.NewRateLimiter(middleware.DefaultRateLimitConfig()),
		log:         logging.NewComponentLogger("server"),
	}
}

// Start blocks serving HTTP until the listener fails or Stop is called.
func (s *Server) Start() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.Handle("/api/metrics", metrics.Handler())
	mux.HandleFunc("/api/object-pools/status", s.handlePoolStatus)
	mux.HandleFunc("/api/queue/status", s.handleQueueStatus)
	mux.HandleFunc("/api/ws/stats", s.handleWSStats)

	mux.HandleFunc("/api/simulation", s.simHandler.HandleCreate)
	mux.HandleFunc("/api/simulations", s.simHandler.HandleList)
	mux.HandleFunc("/api/simulation/", s.simHandler.HandleSimulation)

	mux.HandleFunc("/ws", s.hub.ServeWS)

	var handler http.Handler = mux
	if !s.config.DisableRateLimit {
		handler = middleware.RateLimitMiddleware(s.rateLimiter)(handler)
	}
	handler = corsMiddleware(s.observeMiddleware(handler))

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.log.WithField("addr", addr).Info("api server starting")
	return s.httpServer.ListenAndServe()
}

// Stop gracefully shuts down the listener.
func (s *Server) Stop(ctx context.Context) error {
	s.rateLimiter.Stop()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	hubStats := s.hub.HealthCheck()
	queueStats := s.txq.GetQueueStats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "healthy",
		"timestamp":   time.Now().UnixMilli(),
		"simulations": len(s.manager.List()),
		"hub":         hubStats,
		"queue":       queueStats,
	})
}

func (s *Server) handlePoolStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.Snapshot())
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.txq.GetQueueStats())
}

func (s *Server) handleWSStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.HealthCheck())
}

// statusRecorder captures the response code for the metrics middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) observeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			// Upgraded connections must keep the raw ResponseWriter.
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.GetCollector().ObserveAPIRequest(
			r.URL.Path, r.Method, strconv.Itoa(rec.status), time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ControlAdapter bridges the websocket command channel onto the manager.
type ControlAdapter struct {
	Manager *engine.Manager
}

func (a *ControlAdapter) Status(simulationID string) (any, error) {
	eng, err := a.Manager.Get(simulationID)
	if err != nil {
		return nil, err
	}
	return eng.State().Snapshot(), nil
}

func (a *ControlAdapter) SetPaused(simulationID string, paused bool) error {
	if paused {
		return a.Manager.Pause(simulationID)
	}
	return a.Manager.Start(simulationID)
}

func (a *ControlAdapter) SetTPSMode(simulationID string, mode types.TPSMode) error {
	eng, err := a.Manager.Get(simulationID)
	if err != nil {
		return err
	}
	return eng.SetTPSMode(mode)
}

func (a *ControlAdapter) TPSStatus(simulationID string) (any, error) {
	eng, err := a.Manager.Get(simulationID)
	if err != nil {
		return nil, err
	}
	mode := eng.TPSMode()
	return map[string]any{
		"mode":      mode,
		"targetTPS": mode.TargetTPS(),
		"metrics":   eng.ExternalMetrics(),
	}, nil
}

func (a *ControlAdapter) TriggerCascade(simulationID string) (types.CascadeResult, error) {
	eng, err := a.Manager.Get(simulationID)
	if err != nil {
		return types.CascadeResult{}, err
	}
	return eng.TriggerLiquidationCascade()
}

func (a *ControlAdapter) StressCapabilities() any {
	return map[string]any{
		"modes": []types.TPSMode{
			types.TPSModeNormal, types.TPSModeBurst, types.TPSModeStress, types.TPSModeHFT,
		},
		"cascadeModes": []types.TPSMode{types.TPSModeStress, types.TPSModeHFT},
	}
}
