// Package server exposes the orchestration pipeline over HTTP: a
// query endpoint with optional SSE streaming, plus health, stats, and
// Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/maestroflow/maestro/ai"
	"github.com/maestroflow/maestro/core"
	"github.com/maestroflow/maestro/orchestration"
	"github.com/maestroflow/maestro/reasoning"
	"github.com/maestroflow/maestro/resilience"
	"github.com/maestroflow/maestro/security"
	"github.com/maestroflow/maestro/telemetry"
)

// Config tunes the HTTP listener.
type Config struct {
	Host        string
	Port        int
	AuthToken   string
	RequireAuth bool
	// MaxBodyBytes caps request bodies; zero means 1 MiB.
	MaxBodyBytes int64
}

// Dependencies wires the pipeline components into the server. Gateway,
// Gate, and Metrics are optional; their endpoints degrade gracefully.
type Dependencies struct {
	Controller *orchestration.Controller
	Registry   *core.Registry
	Breakers   *resilience.BreakerManager
	Reasoner   *reasoning.HybridReasoner
	Gateway    *ai.GatewayClient
	Gate       *security.Gate
	Metrics    *telemetry.Metrics
	Logger     core.Logger
}

// Server is the HTTP front end of the engine.
type Server struct {
	config    Config
	deps      Dependencies
	formatter *orchestration.Formatter
	http      *http.Server
}

// New builds the server. Call Start to begin serving.
func New(config Config, deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = &core.NoOpLogger{}
	}
	if config.MaxBodyBytes == 0 {
		config.MaxBodyBytes = 1 << 20
	}
	s := &Server{
		config:    config,
		deps:      deps,
		formatter: orchestration.NewFormatter(),
	}
	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler builds the routing tree. Exposed for tests.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Correlation-ID", "X-User-ID"},
		ExposedHeaders: []string{"X-Correlation-ID", "X-Request-ID"},
		MaxAge:         300,
	}))
	r.Use(correlationMiddleware)
	r.Use(requestLogger(s.deps.Logger))
	if s.config.RequireAuth {
		r.Use(bearerAuth(s.config.AuthToken))
	}

	r.Post("/v1/query", s.handleQuery)
	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)
	if s.deps.Metrics != nil {
		r.Get("/metrics", promhttp.HandlerFor(
			s.deps.Metrics.Registry(),
			promhttp.HandlerOpts{},
		).ServeHTTP)
	}

	return otelhttp.NewHandler(r, "maestro.http")
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.deps.Logger.Info("HTTP server starting", map[string]interface{}{
		"addr":         s.http.Addr,
		"auth_enabled": s.config.RequireAuth,
	})
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.deps.Logger.Info("HTTP server shutting down", nil)
	return s.http.Shutdown(ctx)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)

	var body map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest,
			s.formatter.FormatError(fmt.Sprintf("invalid request body: %v", err), requestIDFrom(r), nil))
		return
	}

	req := core.Request(body)
	if req.Query() == "" {
		writeJSON(w, http.StatusBadRequest,
			s.formatter.FormatError("query is required", requestIDFrom(r), nil))
		return
	}
	if req.GetString("request_id") == "" {
		req["request_id"] = requestIDFrom(r)
	}

	stream, _ := req["stream"].(bool)
	delete(req, "stream")

	opts := orchestration.ProcessOptions{
		Identifier: clientIdentifier(r),
		UserID:     userIDFrom(r, req),
	}

	if stream {
		s.streamQuery(w, r, req, opts)
		return
	}

	out := s.deps.Controller.Process(r.Context(), req, opts)
	writeJSON(w, http.StatusOK, out)
}

// streamQuery runs the pipeline while emitting stage events as SSE.
// The final event carries the full response envelope.
func (s *Server) streamQuery(w http.ResponseWriter, r *http.Request, req core.Request, opts orchestration.ProcessOptions) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusOK, s.deps.Controller.Process(r.Context(), req, opts))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	requestID := req.GetString("request_id")
	send := func(event string, data map[string]interface{}) {
		payload, err := json.Marshal(map[string]interface{}{
			"event":      event,
			"data":       data,
			"request_id": requestID,
			"timestamp":  time.Now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
		flusher.Flush()
	}

	send("started", map[string]interface{}{"query": req.Query()})

	// The controller's own completion event is replaced by a final
	// event carrying the whole envelope.
	opts.Progress = func(event string, data map[string]interface{}) {
		if event == "completed" {
			return
		}
		send(event, data)
	}

	out := s.deps.Controller.Process(r.Context(), req, opts)

	if r.Context().Err() != nil {
		send("cancelled", map[string]interface{}{"reason": r.Context().Err().Error()})
		return
	}
	if success, _ := out["success"].(bool); !success {
		send("error", out)
		return
	}
	send("completed", out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	agents := s.deps.Registry.HealthCheckAll(ctx)
	status := "healthy"
	for _, healthy := range agents {
		if !healthy {
			status = "degraded"
			break
		}
	}

	capabilities := make(map[string][]string, s.deps.Registry.Len())
	for _, agent := range s.deps.Registry.Agents() {
		capabilities[agent.Name()] = agent.Capabilities()
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status":       status,
		"agents":       agents,
		"capabilities": capabilities,
		"agent_count":  s.deps.Registry.Len(),
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"controller":  s.deps.Controller.Stats(),
		"agent_count": s.deps.Registry.Len(),
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	}
	if s.deps.Reasoner != nil {
		stats["reasoning"] = s.deps.Reasoner.Stats()
	}
	if s.deps.Breakers != nil {
		stats["circuit_breakers"] = s.deps.Breakers.Stats()
	}
	if s.deps.Gateway != nil {
		stats["ai_gateway"] = s.deps.Gateway.Stats()
	}
	if s.deps.Gate != nil {
		stats["security"] = s.deps.Gate.Stats()
	}
	writeJSON(w, http.StatusOK, stats)
}

// userIDFrom prefers the request body's user_id over the header.
func userIDFrom(r *http.Request, req core.Request) string {
	if id := req.GetString("user_id"); id != "" {
		return id
	}
	return r.Header.Get("X-User-ID")
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
