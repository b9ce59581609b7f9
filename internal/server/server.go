// Package server implements the HTTP surface of the converse service.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/szaher/converse/internal/cache"
	"github.com/szaher/converse/internal/llm"
	"github.com/szaher/converse/internal/quota"
	"github.com/szaher/converse/internal/rag"
	"github.com/szaher/converse/internal/telemetry"
)

// ModelSettings carries the prompt geometry of the active model.
type ModelSettings struct {
	Model          string
	System         string
	ContextWindow  int
	ResponseTokens int
}

// Server brokers questions to the LLM with history, retrieval context, and
// quota enforcement.
type Server struct {
	mux        *http.ServeMux
	server     *http.Server
	logger     *slog.Logger
	metrics    *telemetry.Metrics
	cache      cache.Cache
	limiters   []*quota.Limiter
	usage      *quota.UsageHistory
	llmClient  llm.Client
	retriever  rag.Retriever
	counter    llm.TokenCounter
	model      ModelSettings
	storageTTL time.Duration
	startTime  time.Time
	apiKey     string
	provider   string
}

// Option configures the Server.
type Option func(*Server)

// WithAPIKey sets the API key for authentication.
func WithAPIKey(key string) Option {
	return func(s *Server) { s.apiKey = key }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLimiters sets the quota limiters checked on every query.
func WithLimiters(limiters ...*quota.Limiter) Option {
	return func(s *Server) { s.limiters = limiters }
}

// WithUsageHistory enables token usage bookkeeping.
func WithUsageHistory(h *quota.UsageHistory) Option {
	return func(s *Server) { s.usage = h }
}

// WithRetriever sets the RAG collaborator.
func WithRetriever(r rag.Retriever) Option {
	return func(s *Server) { s.retriever = r }
}

// WithTokenCounter sets the per-model token counting function.
func WithTokenCounter(c llm.TokenCounter) Option {
	return func(s *Server) { s.counter = c }
}

// WithStorageTimeout bounds every cache and quota storage call.
func WithStorageTimeout(d time.Duration) Option {
	return func(s *Server) { s.storageTTL = d }
}

// WithProviderName labels usage records with the provider.
func WithProviderName(name string) Option {
	return func(s *Server) { s.provider = name }
}

// New creates the service HTTP server.
func New(conversations cache.Cache, llmClient llm.Client, model ModelSettings, opts ...Option) *Server {
	s := &Server{
		cache:      conversations,
		llmClient:  llmClient,
		model:      model,
		logger:     slog.Default(),
		metrics:    telemetry.NewMetrics(),
		retriever:  rag.NewStatic(),
		counter:    llm.EstimateTokens,
		storageTTL: 2 * time.Second,
		startTime:  time.Now(),
		provider:   "unknown",
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.HandleFunc("POST /v1/query", s.handleQuery)
	mux.HandleFunc("GET /v1/conversations", s.handleListConversations)
	mux.HandleFunc("DELETE /v1/conversations/{id}", s.handleDeleteConversation)
	mux.HandleFunc("GET /v1/quota", s.handleQuota)
	mux.Handle("GET /metrics", s.metrics.Handler())

	s.mux = mux
	return s
}

// Handler returns the HTTP handler for use with httptest or custom servers.
func (s *Server) Handler() http.Handler {
	return s.authMiddleware(s.mux)
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.authMiddleware(s.mux),
	}
	s.logger.Info("server starting", "addr", addr, "model", s.model.Model)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/readyz" {
			next.ServeHTTP(w, r)
			return
		}

		if s.apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get("X-API-Key")
		if key == "" {
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				key = auth[7:]
			}
		}

		if key != s.apiKey {
			writeError(w, http.StatusUnauthorized, "unauthorized", "Missing or invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// subjectID identifies the requesting user. Authentication proper is an
// external concern; the gateway in front of this service sets the header.
func subjectID(r *http.Request) string {
	if id := r.Header.Get("X-User-ID"); id != "" {
		return id
	}
	return "anonymous"
}

// storageCtx bounds a cache or quota storage call.
func (s *Server) storageCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.storageTTL)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"uptime": time.Since(s.startTime).String(),
		"model":  s.model.Model,
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.storageCtx(r.Context())
	defer cancel()

	if !s.cache.Ready(ctx) {
		writeError(w, http.StatusServiceUnavailable, "not_ready", "Conversation storage is not reachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ready"})
}
