// Package server assembles the HTTP surface: the auth endpoints, the
// admin API, capability-gated image delivery and the middleware stack in
// front of all of them.
package server

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/asierdev/annovault/internal/alerts"
	"github.com/asierdev/annovault/internal/auth/audit"
	"github.com/asierdev/annovault/internal/auth/capability"
	"github.com/asierdev/annovault/internal/auth/handlers"
	authmw "github.com/asierdev/annovault/internal/auth/middleware"
	authsvc "github.com/asierdev/annovault/internal/auth/service"
	"github.com/asierdev/annovault/internal/auth/store"
	"github.com/asierdev/annovault/internal/auth/validation"
	"github.com/asierdev/annovault/internal/config"
	"github.com/asierdev/annovault/internal/images"
	"github.com/asierdev/annovault/internal/logger"
	"github.com/asierdev/annovault/internal/middleware"
	"github.com/asierdev/annovault/internal/shutdown"
	"github.com/asierdev/annovault/pkg/trace"
)

const (
	readTimeout  = 15 * time.Second
	writeTimeout = 30 * time.Second
	idleTimeout  = 60 * time.Second
)

type Server struct {
	cfg        *config.Annovault
	httpServer *http.Server
	store      *store.SQLiteStore
	recorder   *audit.Recorder
	auth       *authsvc.Service
	images     *images.Handler
	gate       *authmw.Gate
	shutdown   *shutdown.Manager
	logManager *logger.Manager
	logger     *zap.Logger
	errorChan  chan<- error
	wg         sync.WaitGroup
}

func New(ctx context.Context, cfg *config.Annovault, logManager *logger.Manager, errorChan chan<- error) (*Server, error) {
	appLogger := logManager.Get("annovault")

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening account store: %w", err)
	}

	recorder := audit.NewRecorder(st, logManager.Get("audit"))

	alerter, err := alerts.New(cfg.Alerting, appLogger)
	if err != nil {
		return nil, fmt.Errorf("configuring alerter: %w", err)
	}

	policy := validation.DefaultPolicy()
	if cfg.Auth.PasswordMin > 0 {
		policy.MinLength = cfg.Auth.PasswordMin
	}

	auth := authsvc.NewService(st, recorder, alerter, authsvc.Config{
		JWTSecret:        []byte(cfg.Auth.JWTSecret),
		SessionTTL:       cfg.Auth.SessionTTL,
		LockoutThreshold: cfg.Auth.LockoutThreshold,
		RateWindow:       cfg.Auth.RateWindow,
		RateLimit:        cfg.Auth.RateLimit,
		ActivityKeep:     cfg.Auth.ActivityHistory,
		PasswordPolicy:   policy,
	}, appLogger)

	caps, err := capabilityService(cfg, appLogger)
	if err != nil {
		return nil, err
	}

	objects, err := objectStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("configuring object storage: %w", err)
	}

	s := &Server{
		cfg:        cfg,
		store:      st,
		recorder:   recorder,
		auth:       auth,
		images:     images.NewHandler(caps, objects, appLogger),
		gate:       authmw.NewGate(auth, authmw.NewIPRateLimiter(cfg.Gate.RequestsPerSecond, cfg.Gate.Burst), appLogger),
		shutdown:   shutdown.NewManager(appLogger),
		logManager: logManager,
		logger:     appLogger,
		errorChan:  errorChan,
	}

	if err := s.bootstrap(ctx); err != nil {
		return nil, err
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.buildHandler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
		ErrorLog:     log.New(logger.NewZapWriter(appLogger, zapcore.ErrorLevel), "", 0),
	}

	s.registerShutdownHandlers()
	return s, nil
}

func capabilityService(cfg *config.Annovault, appLogger *zap.Logger) (*capability.Service, error) {
	secret := []byte(cfg.Auth.CapabilitySecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generating capability secret: %w", err)
		}
		appLogger.Warn("auth.capability_secret not set, generated a random one; image tokens will not survive a restart")
	}
	return capability.NewService(secret), nil
}

func objectStore(ctx context.Context, cfg *config.Annovault) (images.ObjectStore, error) {
	if cfg.Storage.Backend == "s3" {
		return images.NewS3Store(ctx, images.S3Config{
			Bucket:    cfg.Storage.S3.Bucket,
			Region:    cfg.Storage.S3.Region,
			Endpoint:  cfg.Storage.S3.Endpoint,
			AccessKey: cfg.Storage.S3.AccessKey,
			SecretKey: cfg.Storage.S3.SecretKey,
		})
	}
	return images.NewDirStore(cfg.Storage.Dir), nil
}

// bootstrap provisions the initial administrator when the store is empty,
// so a fresh deployment is reachable without poking the database by hand.
func (s *Server) bootstrap(ctx context.Context) error {
	count, err := s.store.CountAccounts(ctx)
	if err != nil {
		return fmt.Errorf("counting accounts: %w", err)
	}
	if count > 0 {
		return nil
	}

	if s.cfg.Bootstrap.AdminUsername == "" || s.cfg.Bootstrap.AdminPassword == "" {
		s.logger.Warn("account store is empty and bootstrap admin is not configured")
		return nil
	}

	if _, err := s.auth.CreateAdmin(ctx, s.cfg.Bootstrap.AdminUsername, s.cfg.Bootstrap.AdminPassword, true); err != nil {
		return fmt.Errorf("provisioning bootstrap admin: %w", err)
	}
	s.logger.Info("bootstrap admin provisioned", zap.String("username", s.cfg.Bootstrap.AdminUsername))
	return nil
}

func (s *Server) buildHandler() http.Handler {
	authHandler := handlers.NewAuthHandler(s.auth, s.recorder, s.logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/login", authHandler.Login)
	mux.HandleFunc("/auth/verify", authHandler.Verify)
	mux.HandleFunc("/auth/refresh", authHandler.Refresh)
	mux.HandleFunc("/auth/logout", authHandler.Logout)

	admin := func(h http.HandlerFunc) http.Handler {
		return s.gate.Authenticate(s.gate.RequireAdmin(h))
	}
	mux.Handle("/admin/unlock", admin(authHandler.Unlock))
	mux.Handle("/admin/audit", admin(authHandler.AuditQuery))
	mux.Handle("/admin/accounts", admin(authHandler.CreateAccount))

	mux.Handle("/images/grant", s.gate.Authenticate(http.HandlerFunc(s.images.Grant)))

	var serve http.Handler = http.HandlerFunc(s.images.Serve)
	if s.cfg.Storage.GatedImages {
		serve = s.gate.Authenticate(serve)
	}
	mux.Handle("/images/", serve)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	chain := middleware.NewChain(
		trace.WithRequestID(),
		middleware.NewLoggingMiddleware(s.logger, middleware.WithExcludePaths([]string{"/images/"})),
		middleware.NewSecurityHeaders(),
	)
	if len(s.cfg.CORS) > 0 {
		chain.Use(middleware.NewCORSMiddleware(s.cfg.CORS))
	}

	return chain.Then(mux)
}

// Start begins serving in a background goroutine. Fatal listener errors go
// to the error channel.
func (s *Server) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		s.logger.Info("server started", zap.String("listen_on", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("server stopped unexpectedly", zap.Error(err))
			s.errorChan <- err
			return
		}
		s.logger.Info("server stopped gracefully")
	}()
}

func (s *Server) registerShutdownHandlers() {
	s.shutdown.Register("http", func(ctx context.Context) error {
		return s.httpServer.Shutdown(ctx)
	})
	s.shutdown.Register("audit", func(context.Context) error {
		s.recorder.Flush()
		return nil
	})
	s.shutdown.Register("store", func(context.Context) error {
		return s.store.Close()
	})
}

// Shutdown drains in-flight requests, flushes the audit recorder, closes
// the store and syncs the loggers.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.shutdown.Shutdown(ctx)
	s.wg.Wait()
	s.logManager.Sync()
	return err
}
