// Package main provides the entry point for the delegation evaluator server.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/agentoauth/go-core/internal/api/rest"
	"github.com/agentoauth/go-core/internal/audit"
	"github.com/agentoauth/go-core/internal/config"
	"github.com/agentoauth/go-core/internal/intent"
	"github.com/agentoauth/go-core/internal/metrics"
	"github.com/agentoauth/go-core/internal/policy"
	"github.com/agentoauth/go-core/internal/ratelimit"
	"github.com/agentoauth/go-core/internal/receipt"
	"github.com/agentoauth/go-core/internal/state"
	"github.com/agentoauth/go-core/internal/tenant"
	"github.com/agentoauth/go-core/internal/token"
	"github.com/agentoauth/go-core/internal/verifier"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	var (
		configPath      = flag.String("config", "", "Path to YAML config file")
		logLevel        = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		logFormat       = flag.String("log-format", "json", "Log format (json, console)")
		showVersion     = flag.Bool("version", false, "Show version information")
		gracefulTimeout = flag.Duration("shutdown-timeout", 30*time.Second, "Graceful shutdown timeout")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("verifier-server %s\n", Version)
		fmt.Printf("  Build Time: %s\n", BuildTime)
		fmt.Printf("  Git Commit: %s\n", GitCommit)
		os.Exit(0)
	}

	logger, err := initLogger(*logLevel, *logFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger.Info("Starting delegation evaluator",
		zap.String("version", Version),
		zap.Int("port", cfg.Port),
		zap.String("rp_id", cfg.RPID),
	)

	// State back-end: Redis when configured, in-process otherwise. The
	// breaker stops a dead back-end from stalling every request.
	var backend state.Backend
	if cfg.StateBackendURL != "" {
		redisBackend, err := state.NewRedisBackendFromURL(context.Background(), cfg.StateBackendURL)
		if err != nil {
			logger.Fatal("Failed to connect state back-end", zap.Error(err))
		}
		defer redisBackend.Close()
		backend = state.NewBreakerBackend(redisBackend, logger)
		logger.Info("State back-end connected", zap.String("url", cfg.StateBackendURL))
	} else {
		backend = state.NewMemoryBackend()
		logger.Warn("No state back-end configured, using in-process store; replay and budget state will not survive restarts")
	}

	if len(cfg.JWKSURLs) == 0 {
		logger.Fatal("At least one JWKS URL is required to verify issuer signatures")
	}
	resolver, err := token.NewJWKSResolver(token.JWKSConfig{URLs: cfg.JWKSURLs}, logger)
	if err != nil {
		logger.Fatal("Failed to create JWKS resolver", zap.Error(err))
	}
	codec := token.NewCodec(resolver, logger)

	registry, err := intent.NewRegistry(cfg.CredentialRegistry, logger)
	if err != nil {
		logger.Fatal("Failed to load credential registry", zap.Error(err))
	}
	defer registry.Close()
	strict := make(map[string]bool, len(cfg.IntentStrictTenants))
	for _, tn := range cfg.IntentStrictTenants {
		strict[tn] = true
	}
	intents := intent.NewValidator(intent.Config{RPID: cfg.RPID, StrictTenants: strict}, registry, logger)

	var signer *receipt.Signer
	if cfg.SigningKey != "" {
		key, err := cfg.SigningPrivateKey()
		if err != nil {
			logger.Fatal("Failed to decode signing key", zap.Error(err))
		}
		signer = receipt.NewSigner(key, cfg.SigningKID, backend, logger)
		logger.Info("Receipt signing enabled", zap.String("kid", cfg.SigningKID))
	} else {
		logger.Warn("No signing key configured, receipts disabled")
	}

	states := state.NewManager(backend, logger)
	eval := verifier.New(verifier.Config{
		Audience:         cfg.Audience,
		SimulateFailOpen: cfg.SimulateFailOpen,
	}, codec, intents, policy.NewEngine(logger), states, signer, logger)

	var tenants *tenant.Authenticator
	if cfg.APIKeyPublicKey != "" {
		pub, err := cfg.APIKeyPublic()
		if err != nil {
			logger.Fatal("Failed to decode API key public key", zap.Error(err))
		}
		tenants = tenant.NewAuthenticator(pub, cfg.FreeTierDaily, cfg.FreeTierMonthly, logger)
	} else {
		tenants = tenant.NewAuthenticator(nil, cfg.FreeTierDaily, cfg.FreeTierMonthly, logger)
		logger.Warn("No API key public key configured, all requests are attributed keyless")
	}

	limiter := ratelimit.NewLimiter(backend, ratelimit.Config{
		IPPerMinute: cfg.IPPerMinute,
		IPPerHour:   cfg.IPPerHour,
	}, logger)

	auditor, err := buildAuditor(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize audit pipeline", zap.Error(err))
	}

	collectors := metrics.New("act")

	restCfg := rest.DefaultConfig()
	restCfg.Port = cfg.Port
	restCfg.RequestTimeout = cfg.RequestTimeout
	restCfg.Version = Version
	restCfg.TermsURL = cfg.TermsURL

	srv, err := rest.New(restCfg, eval, codec, tenants, limiter, signer, auditor, collectors, logger)
	if err != nil {
		logger.Fatal("Failed to create REST server", zap.Error(err))
	}

	errChan := make(chan error, 1)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		errChan <- srv.Start()
	}()

	select {
	case err := <-errChan:
		if err != nil {
			logger.Fatal("Server error", zap.Error(err))
		}
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), *gracefulTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("HTTP shutdown failed", zap.Error(err))
		}
		if err := auditor.Close(); err != nil {
			logger.Error("Audit pipeline close failed", zap.Error(err))
		}
	}

	logger.Info("Server stopped successfully")
}

// buildAuditor assembles the audit pipeline: stdout always, plus the
// configured rotating file and Postgres writers.
func buildAuditor(cfg *config.Config, logger *zap.Logger) (*audit.Logger, error) {
	writers := []audit.Writer{audit.NewStdoutWriter()}

	if cfg.AuditLogFile != "" {
		fw, err := audit.NewFileWriter(cfg.AuditLogFile, 100, 90, 10)
		if err != nil {
			return nil, err
		}
		writers = append(writers, fw)
	}
	if cfg.AuditPostgresDSN != "" {
		pw, err := audit.NewPostgresWriter(context.Background(), cfg.AuditPostgresDSN)
		if err != nil {
			return nil, err
		}
		writers = append(writers, pw)
	}

	salt := cfg.AuditSalt
	if salt == "" {
		buf := make([]byte, 16)
		if _, err := rand.Read(buf); err != nil {
			return nil, err
		}
		salt = hex.EncodeToString(buf)
		logger.Warn("No audit salt configured, fingerprints will not be stable across restarts")
	}

	return audit.NewLogger(salt, audit.Config{}, logger, writers...), nil
}

// initLogger initializes the zap logger.
func initLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	var config zap.Config
	if format == "console" {
		config = zap.NewDevelopmentConfig()
	} else {
		config = zap.NewProductionConfig()
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)

	return config.Build()
}
