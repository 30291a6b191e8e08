package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/contentstor/contentstor/internal/cache"
	"github.com/contentstor/contentstor/internal/config"
	"github.com/contentstor/contentstor/internal/content"
	"github.com/contentstor/contentstor/internal/guard"
	"github.com/contentstor/contentstor/internal/logger"
	"github.com/contentstor/contentstor/internal/metrics"
	"github.com/contentstor/contentstor/internal/models"
	"github.com/contentstor/contentstor/internal/repository"
	"github.com/contentstor/contentstor/internal/storage"
)

// Server hosts the two HTTP listeners of a gateway process: the content
// engine on BindAddress and the ops endpoints on OpsAddress.
type Server struct {
	cfg     *config.Config
	log     *logger.Logger
	db      *sql.DB
	redis   *cache.RedisClient
	engine  *gin.Engine
	metrics *metrics.Registry
	status  *repository.StatusRepository

	backends struct {
		sync.Mutex
		byKind map[string]storage.Backend
	}
}

func NewServer(cfg *config.Config, db *sql.DB) (*Server, error) {
	if cfg.IsDevelopment() {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:     cfg,
		log:     logger.NewWithLevel("content", cfg.LogLevel),
		db:      db,
		metrics: metrics.New(),
		status:  repository.NewStatusRepository(db),
	}
	s.backends.byKind = make(map[string]storage.Backend)

	var responseCache *cache.ResponseCache
	if cfg.CacheEnabled {
		redis, err := cache.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		s.redis = redis
		responseCache = cache.NewResponseCache(redis, cfg.CacheTTL)
	}

	stores := content.Stores{
		Distributions: repository.NewDistributionRepository(db),
		Publications:  repository.NewPublicationRepository(db),
		Contents:      repository.NewContentRepository(db),
		Artifacts:     repository.NewArtifactRepository(db),
	}

	handler := content.NewHandler(cfg, s.log, guard.NewGate(), responseCache, s.metrics, stores, s.backendFor)

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.HandleMethodNotAllowed = true
	if len(cfg.CORSAllowedOrigins) > 0 {
		corsCfg := cors.DefaultConfig()
		corsCfg.AllowOrigins = cfg.CORSAllowedOrigins
		corsCfg.AllowMethods = []string{http.MethodGet, http.MethodHead}
		engine.Use(cors.New(corsCfg))
	}
	handler.Register(engine)
	s.engine = engine

	return s, nil
}

// backendFor resolves the storage backend serving a domain. Domains may name
// their own backend kind; everything else uses the process default. Backends
// are built once per kind.
func (s *Server) backendFor(ctx context.Context, domain *models.Domain) (storage.Backend, error) {
	kind := s.cfg.StorageBackend
	if domain != nil && domain.StorageBackend != "" {
		kind = domain.StorageBackend
	}

	s.backends.Lock()
	defer s.backends.Unlock()
	if b, ok := s.backends.byKind[kind]; ok {
		return b, nil
	}

	cfg := *s.cfg
	cfg.StorageBackend = kind
	b, err := storage.New(ctx, &cfg)
	if err != nil {
		return nil, fmt.Errorf("building %s storage backend: %w", kind, err)
	}
	s.backends.byKind[kind] = b
	return b, nil
}

// Run serves until ctx is canceled, then drains both listeners.
func (s *Server) Run(ctx context.Context) error {
	main := &http.Server{Addr: s.cfg.BindAddress, Handler: s.engine}
	ops := &http.Server{Addr: s.cfg.OpsAddress, Handler: s.opsHandler()}

	errCh := make(chan error, 2)
	go func() {
		s.log.Info("content listener starting on " + s.cfg.BindAddress)
		if err := main.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		s.log.Info("ops listener starting on " + s.cfg.OpsAddress)
		if err := ops.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go s.heartbeat(heartbeatCtx)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := main.Shutdown(shutdownCtx)
	if oerr := ops.Shutdown(shutdownCtx); err == nil {
		err = oerr
	}
	if s.redis != nil {
		s.redis.Close()
	}
	return err
}

// heartbeat upserts this process's liveness row until the context ends.
func (s *Server) heartbeat(ctx context.Context) {
	host, _ := os.Hostname()
	name := fmt.Sprintf("content@%s:%d", host, os.Getpid())

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		if err := s.status.UpsertHeartbeat(ctx, name, time.Now()); err != nil && ctx.Err() == nil {
			s.log.Warn("heartbeat failed", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
