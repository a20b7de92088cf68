package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	grpcapi "github.com/kubilitics/kubilitics-explain/internal/api/grpc"
	"github.com/kubilitics/kubilitics-explain/internal/api/rest"
	"github.com/kubilitics/kubilitics-explain/internal/api/ws"
	"github.com/kubilitics/kubilitics-explain/internal/attribution"
	"github.com/kubilitics/kubilitics-explain/internal/audit"
	"github.com/kubilitics/kubilitics-explain/internal/cache"
	"github.com/kubilitics/kubilitics-explain/internal/config"
	"github.com/kubilitics/kubilitics-explain/internal/db"
	"github.com/kubilitics/kubilitics-explain/internal/ingest"
	"github.com/kubilitics/kubilitics-explain/internal/metrics"
	"github.com/kubilitics/kubilitics-explain/internal/middleware"
	"github.com/kubilitics/kubilitics-explain/internal/pipeline"
	"github.com/kubilitics/kubilitics-explain/internal/render"
	"github.com/kubilitics/kubilitics-explain/internal/resolver"
	"github.com/kubilitics/kubilitics-explain/internal/synthesis"
	"github.com/kubilitics/kubilitics-explain/internal/tracing"
)

// Server represents the explanation server
type Server struct {
	config *config.Config
	logger *zap.Logger

	// Core components
	audit       audit.Logger
	store       db.Store
	source      resolver.FactorSource
	closeSource func()
	stopTracing func()
	engine      *pipeline.Engine
	pool        *pipeline.Pool
	renderer    *render.Renderer

	// Surfaces
	hub        *ws.Hub
	limiter    *middleware.RateLimiter
	handler    http.Handler
	httpServer *http.Server
	listener   net.Listener
	grpcServer *grpcapi.Server
	tailer     *ingest.Tailer

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// State
	mu      sync.RWMutex
	running bool
}

// NewServer creates a server with every component built from cfg.
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	srv := &Server{
		config:      cfg,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		closeSource: func() {},
		stopTracing: func() {},
	}

	if err := srv.initializeComponents(); err != nil {
		srv.release()
		cancel()
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}

	return srv, nil
}

// initializeComponents builds the pipeline and its surfaces.
func (s *Server) initializeComponents() error {
	cfg := s.config

	// 1. Tracing
	stop, err := tracing.Init(cfg.Tracing.ServiceName, cfg.Tracing.Endpoint, cfg.Tracing.SamplingRate)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	s.stopTracing = stop

	// 2. Audit trail
	if cfg.Audit.Enabled {
		al, err := audit.NewLogger(&audit.Config{
			LogPath:    cfg.Audit.LogPath,
			MaxSize:    cfg.Audit.MaxSizeMB,
			MaxBackups: cfg.Audit.MaxBackups,
			MaxAge:     cfg.Audit.MaxAgeDays,
			Compress:   cfg.Audit.Compress,
		}, s.logger)
		if err != nil {
			return fmt.Errorf("audit: %w", err)
		}
		s.audit = al
	} else {
		s.audit = audit.NewNopLogger()
	}

	// 3. Database
	if cfg.Database.SQLitePath != "" {
		store, err := db.NewSQLiteStore(cfg.Database.SQLitePath)
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		s.store = store
	}

	// 4. Context sources
	var factors resolver.FactorStore
	if s.store != nil {
		factors = s.store
	}
	src, closer, err := resolver.BuildSource(cfg, factors)
	if err != nil {
		return fmt.Errorf("context sources: %w", err)
	}
	s.source, s.closeSource = src, closer
	if src == nil {
		s.logger.Warn("no context source configured; every explanation will fail context resolution")
	}

	// 5. Pipeline
	var pstore pipeline.Store
	if s.store != nil {
		pstore = s.store
	}
	engine, err := pipeline.New(pipeline.Deps{
		Resolver: resolver.New(src, resolver.Options{
			FetchTimeout:  cfg.FetchTimeout(),
			MaxConcurrent: cfg.Context.MaxConcurrentFetches,
			RateLimit:     cfg.Context.RateLimitPerSec,
			Logger:        s.logger.Named("resolver"),
		}),
		Attributor: attribution.NewEngine(
			attribution.NewLinearModel(cfg.Engine.Weights, cfg.Engine.DefaultWeight),
			s.logger.Named("attribution"),
		),
		Synthesizer: synthesis.New(synthesis.Options{
			TopK:   cfg.Engine.TopK,
			Logger: s.logger.Named("synthesis"),
		}),
		Cache:  cache.New(cfg.Engine.CacheCapacity, s.logger.Named("cache")),
		Store:  pstore,
		Audit:  s.audit,
		Logger: s.logger.Named("pipeline"),
	})
	if err != nil {
		return err
	}
	s.engine = engine
	s.pool = pipeline.NewPool(engine, pipeline.PoolConfig{
		Workers:   cfg.Engine.Workers,
		QueueSize: cfg.Engine.QueueSize,
	}, s.logger.Named("pool"))
	s.renderer = render.New(render.Options{UseCaseContext: cfg.Narrative.UseCaseContext})

	// 6. Streaming
	s.hub = ws.NewHub(s.ctx, s.renderer, s.logger.Named("ws"))
	engine.Subscribe(s.hub.Publish)

	// 7. REST router
	if cfg.Server.RateLimitPerMin > 0 {
		s.limiter = middleware.NewRateLimiter(cfg.Server.RateLimitPerMin)
	}
	s.handler = s.buildRouter()

	// 8. gRPC
	if cfg.GRPC.Enabled {
		s.grpcServer = grpcapi.NewServer(cfg.GRPC.Port, grpcapi.Deps{
			Explainer: engine,
			Runner:    s.pool,
			Renderer:  s.renderer,
			Logger:    s.logger.Named("grpc"),
		})
	}

	// 9. Adaptation log
	if cfg.Ingest.LogPath != "" && cfg.Ingest.Follow {
		tailer, err := ingest.NewTailer(cfg.Ingest.LogPath, s.pool, ingest.TailerOptions{
			Logger: s.logger.Named("ingest"),
		})
		if err != nil {
			return err
		}
		s.tailer = tailer
	}

	return nil
}

func (s *Server) buildRouter() http.Handler {
	var history db.ExplanationStore
	var events db.EventStore
	if s.store != nil {
		history, events = s.store, s.store
	}

	router := mux.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.Tracing,
		middleware.Logging(s.logger.Named("http")),
		middleware.SecureHeaders,
		middleware.MaxBodySize(middleware.DefaultMaxBodyBytes),
	)
	if s.limiter != nil {
		router.Use(s.limiter.Middleware)
	}

	rest.RegisterRoutes(router, rest.NewHandler(rest.Deps{
		Explainer: s.engine,
		Runner:    s.pool,
		Events:    events,
		History:   history,
		Renderer:  s.renderer,
		Ready:     s.readiness,
		Logger:    s.logger.Named("rest"),
	}))
	router.Handle("/ws/explanations", ws.NewHandler(s.hub, s.config.Server.AllowedOrigins))
	router.Handle("/metrics", promhttp.Handler())

	c := cors.New(cors.Options{
		AllowedOrigins: s.config.Server.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", middleware.RequestIDHeader},
		ExposedHeaders: []string{middleware.RequestIDHeader, middleware.TraceIDHeader, "ETag", "Retry-After"},
	})
	return c.Handler(router)
}

// readiness reports the state of each dependency and mirrors it into the
// health gauge.
func (s *Server) readiness(ctx context.Context) map[string]error {
	checks := make(map[string]error)

	if s.store != nil {
		checks["database"] = s.store.Ping(ctx)
	}
	switch src := s.source.(type) {
	case nil:
		checks["context"] = errors.New("no context source configured")
	case resolver.Pinger:
		checks["context"] = src.Ping(ctx)
	default:
		checks["context"] = nil
	}
	if !s.IsRunning() {
		checks["pool"] = pipeline.ErrPoolStopped
	} else {
		checks["pool"] = nil
	}

	for component, err := range checks {
		v := 1.0
		if err != nil {
			v = 0
		}
		metrics.HealthStatus.WithLabelValues(component).Set(v)
	}
	return checks
}

// Start starts the server
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true
	s.mu.Unlock()

	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = lis

	s.pool.Start()
	go s.hub.Run()

	s.httpServer = &http.Server{
		Handler:      s.handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("starting HTTP server", zap.String("addr", lis.Addr().String()))
		if err := s.httpServer.Serve(lis); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	if s.grpcServer != nil {
		if err := s.grpcServer.Start(s.ctx); err != nil {
			_ = s.Stop()
			return err
		}
	}

	if err := s.startIngest(); err != nil {
		_ = s.Stop()
		return err
	}

	_ = s.audit.LogServerStarted(s.ctx, lis.Addr().String())
	s.logger.Info("explanation server started",
		zap.Bool("grpc", s.grpcServer != nil),
		zap.String("adaptation_log", s.config.Ingest.LogPath),
		zap.Int("workers", s.config.Engine.Workers),
		zap.Int("cache_capacity", s.config.Engine.CacheCapacity),
	)
	return nil
}

// startIngest follows the adaptation log, or reads it once when following is
// disabled.
func (s *Server) startIngest() error {
	if s.tailer != nil {
		return s.tailer.Start(s.ctx)
	}
	path := s.config.Ingest.LogPath
	if path == "" {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open adaptation log: %w", err)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer f.Close()
		logger := s.logger.Named("ingest").With(zap.String("log_path", path))
		stats, err := ingest.ReadLog(s.ctx, f, logger, func(rec ingest.Record) error {
			if _, err := s.pool.SubmitAndWait(s.ctx, pipeline.Job{Raw: rec.Raw, Source: "log"}); err != nil {
				if errors.Is(err, pipeline.ErrPoolStopped) || s.ctx.Err() != nil {
					return err
				}
				logger.Warn("explanation failed", zap.Int("line", rec.Line), zap.Error(err))
			}
			return nil
		})
		if err != nil && s.ctx.Err() == nil {
			logger.Error("adaptation log read stopped", zap.Error(err))
		}
		logger.Info("adaptation log read", zap.Int("accepted", stats.Accepted), zap.Int("rejected", stats.Rejected))
	}()
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is not running")
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("stopping explanation server")

	if s.tailer != nil {
		s.tailer.Stop()
	}

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("error shutting down HTTP server", zap.Error(err))
		}
		cancel()
	}

	if s.grpcServer != nil {
		s.grpcServer.Stop()
	}

	poolCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := s.pool.Stop(poolCtx); err != nil {
		s.logger.Warn("explanation pool did not drain", zap.Error(err))
	}
	cancel()

	s.hub.Stop()
	s.cancel()
	s.wg.Wait()

	_ = s.audit.LogServerShutdown(context.Background())
	s.release()

	s.logger.Info("explanation server stopped")
	return nil
}

// release closes resources acquired by initializeComponents.
func (s *Server) release() {
	if s.limiter != nil {
		s.limiter.Stop()
	}
	s.closeSource()
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn("error closing database", zap.Error(err))
		}
	}
	if s.audit != nil {
		_ = s.audit.Close()
	}
	s.stopTracing()
}

// Wait blocks until the server is stopped
func (s *Server) Wait() {
	<-s.ctx.Done()
}

// IsRunning returns whether the server is running
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Addr returns the HTTP listen address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Handler returns the HTTP handler serving the REST API, the explanation
// stream and metrics.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Engine returns the explanation pipeline.
func (s *Server) Engine() *pipeline.Engine {
	return s.engine
}
