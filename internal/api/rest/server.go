// Package rest exposes the evaluator over HTTP: verify, simulate, revoke,
// receipts, lint, JWKS, usage and operational endpoints.
package rest

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/agentoauth/go-core/internal/audit"
	"github.com/agentoauth/go-core/internal/errcode"
	"github.com/agentoauth/go-core/internal/metrics"
	"github.com/agentoauth/go-core/internal/ratelimit"
	"github.com/agentoauth/go-core/internal/receipt"
	"github.com/agentoauth/go-core/internal/tenant"
	"github.com/agentoauth/go-core/internal/token"
	"github.com/agentoauth/go-core/internal/verifier"
)

// Config configures the REST server.
type Config struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// RequestTimeout is the per-request deadline propagated to all I/O.
	RequestTimeout time.Duration
	Version        string
	TermsURL       string
	// PublishedIssuerKeys are issuer JWKs the deployment chooses to publish
	// alongside the receipt key.
	PublishedIssuerKeys []token.JWK
	Clock               func() time.Time
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		Port:           8080,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		RequestTimeout: 5 * time.Second,
		Version:        "dev",
	}
}

// Server is the evaluator's HTTP surface.
type Server struct {
	cfg        Config
	router     *mux.Router
	httpServer *http.Server

	verifier *verifier.Verifier
	codec    *token.Codec
	tenants  *tenant.Authenticator
	limiter  *ratelimit.Limiter
	receipts *receipt.Signer
	auditor  *audit.Logger
	metrics  *metrics.Metrics
	logger   *zap.Logger

	startTime time.Time
}

// New wires the HTTP surface. auditor and collectors may be nil.
func New(cfg Config, v *verifier.Verifier, codec *token.Codec, tenants *tenant.Authenticator,
	limiter *ratelimit.Limiter, receipts *receipt.Signer, auditor *audit.Logger,
	collectors *metrics.Metrics, logger *zap.Logger) (*Server, error) {

	if v == nil {
		return nil, fmt.Errorf("verifier is required")
	}
	if codec == nil {
		return nil, fmt.Errorf("token codec is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}

	s := &Server{
		cfg:       cfg,
		router:    mux.NewRouter(),
		verifier:  v,
		codec:     codec,
		tenants:   tenants,
		limiter:   limiter,
		receipts:  receipts,
		auditor:   auditor,
		metrics:   collectors,
		logger:    logger,
		startTime: time.Now(),
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s, nil
}

// Router exposes the handler for tests and embedding.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) registerRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.recoveryMiddleware)
	s.router.Use(s.deadlineMiddleware)

	// Operational endpoints skip rate limiting.
	s.router.HandleFunc("/health", s.healthHandler).Methods("GET")
	s.router.HandleFunc("/terms", s.termsHandler).Methods("GET")
	s.router.HandleFunc("/.well-known/jwks.json", s.jwksHandler).Methods("GET")
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.HTTPHandler()).Methods("GET")
	}

	api := s.router.NewRoute().Subrouter()
	api.Use(s.ipRateLimitMiddleware)
	api.HandleFunc("/verify", s.verifyHandler).Methods("POST")
	api.HandleFunc("/simulate", s.simulateHandler).Methods("POST")
	api.HandleFunc("/revoke", s.revokeHandler).Methods("POST")
	api.HandleFunc("/receipts/{id}", s.receiptHandler).Methods("GET")
	api.HandleFunc("/lint/policy", s.lintPolicyHandler).Methods("POST")
	api.HandleFunc("/lint/token", s.lintTokenHandler).Methods("POST")
	api.HandleFunc("/usage", s.usageHandler).Methods("GET")
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("REST server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// responseWriter captures the status code for logging and audit.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

type contextKey string

const requestIDKey contextKey = "request_id"

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func requestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		if s.metrics != nil {
			s.metrics.RequestStarted()
			defer s.metrics.RequestFinished()
		}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		if s.metrics != nil {
			s.metrics.ObserveRequest(r.URL.Path, duration)
		}
		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Duration("duration", duration),
			zap.String("request_id", requestID(r.Context())),
		)
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					zap.Any("error", rec),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
				)
				// Unexpected failures deny, never allow.
				writeError(w, errcode.New(errcode.VerifierUnavailable, "internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) deadlineMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) ipRateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		status, err := s.limiter.CheckIP(r.Context(), clientIP(r))
		setRateHeaders(w, status)
		if err != nil {
			if s.metrics != nil {
				s.metrics.RecordRateLimited("ip")
			}
			writeRateLimited(w, err, status)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP resolves the peer address, honoring the first X-Forwarded-For hop.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
