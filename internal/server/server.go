package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"appforge/internal/config"
	"appforge/internal/metrics"
	"appforge/internal/provider"
	"appforge/internal/version"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Server represents the HTTP server
type Server struct {
	cfg      *config.Config
	router   *gin.Engine
	mongo    *mongo.Client
	registry *provider.Registry
	services *Services
	metrics  *metrics.Manager

	healthCancel context.CancelFunc
}

// New creates a new server instance
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	var metricsManager *metrics.Manager
	if cfg.Metrics.Enabled {
		metricsManager = metrics.NewManager()
	}

	mongoClient, err := Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	db := mongoClient.Database(cfg.Mongo.Database)

	registry, err := provider.NewRegistry(ctx, providerFactories(), providerConfigs(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize providers: %w", err)
	}

	repos, err := InitRepositories(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize repositories: %w", err)
	}
	services := InitServices(cfg, registry, repos, metricsManager)
	handlers := InitHandlers(services)

	router := setupRouter(cfg, handlers, services, registry)

	return &Server{
		cfg:      cfg,
		router:   router,
		mongo:    mongoClient,
		registry: registry,
		services: services,
		metrics:  metricsManager,
	}, nil
}

func Connect(cfg *config.Config) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	return client, nil
}

// Close stops the health sweep and keepalive sessions and disconnects
// MongoDB.
func (s *Server) Close() error {
	if s.healthCancel != nil {
		s.healthCancel()
	}
	s.services.Orchestrator.Shutdown()
	s.registry.Shutdown()
	if s.mongo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.mongo.Disconnect(ctx)
	}
	return nil
}

// Run starts the server
func (s *Server) Run() error {
	s.startHealthMonitor()
	ver := version.Get()
	versionLine := ver.Version
	if ver.Commit != "" {
		versionLine = fmt.Sprintf("%s (%s)", ver.Version, ver.Commit)
	}
	fmt.Printf("appforge %s listening on %s\n", versionLine, s.cfg.Server.Address())
	return s.router.Run(s.cfg.Server.Address())
}

func (s *Server) startHealthMonitor() {
	if !s.cfg.Health.Enabled {
		return
	}
	intervalSec := s.cfg.Health.IntervalSec
	if intervalSec <= 0 {
		intervalSec = 30
	}
	interval := time.Duration(intervalSec) * time.Second
	ctx, cancel := context.WithCancel(context.Background())
	s.healthCancel = cancel
	go healthLoop(ctx, interval, func() {
		if err := s.services.Sandbox.RefreshStatuses(context.Background()); err != nil {
			fmt.Printf("[health] refresh failed: %v\n", err)
		}
	})
}

// healthLoop runs sweep on every tick until ctx is cancelled.
func healthLoop(ctx context.Context, interval time.Duration, sweep func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}

func setupRouter(cfg *config.Config, h *Handlers, s *Services, registry *provider.Registry) *gin.Engine {
	r := gin.Default()
	r.SetTrustedProxies(nil)
	if cfg.CORS.Enabled {
		corsCfg := cors.Config{
			AllowOrigins:     cfg.CORS.AllowOrigins,
			AllowMethods:     cfg.CORS.AllowMethods,
			AllowHeaders:     cfg.CORS.AllowHeaders,
			ExposeHeaders:    cfg.CORS.ExposeHeaders,
			AllowCredentials: cfg.CORS.AllowCredentials,
			MaxAge:           time.Duration(cfg.CORS.MaxAgeSec) * time.Second,
		}
		if cfg.CORS.AllowCredentials && len(cfg.CORS.AllowOrigins) == 1 && cfg.CORS.AllowOrigins[0] == "*" {
			corsCfg.AllowOrigins = nil
			corsCfg.AllowOriginFunc = func(string) bool { return true }
		}
		r.Use(cors.New(corsCfg))
	}
	if cfg.Metrics.Enabled && s.Metrics != nil {
		r.Use(s.Metrics.Middleware())
		r.GET(cfg.Metrics.Path, gin.WrapH(s.Metrics.Handler()))
	}

	r.GET("/healthz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		avail := registry.Available(ctx)
		status := http.StatusOK
		for _, ok := range avail {
			if !ok {
				status = http.StatusServiceUnavailable
			}
		}
		c.JSON(status, gin.H{"providers": avail})
	})

	api := r.Group("/api")

	api.GET("/version", h.Version.Get)
	api.GET("/providers", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"providers": registry.Names()})
	})

	// Deployment routes
	projects := api.Group("/projects")
	{
		projects.POST("/:projectId/deploy", h.Deploy.Deploy)
		projects.GET("/:projectId/deployment", h.Deploy.Status)
		projects.POST("/:projectId/rollback", h.Deploy.Rollback)
	}

	// Sandbox routes
	sandboxes := api.Group("/sandboxes")
	{
		sandboxes.GET("", h.Sandbox.List)
		sandboxes.GET("/:id", h.Sandbox.Get)
		sandboxes.DELETE("/:id", h.Sandbox.Terminate)
		sandboxes.POST("/:id/exec", h.Sandbox.Exec)
		sandboxes.POST("/:id/keepalive", h.Sandbox.KeepAlive)
		sandboxes.GET("/:id/preview", h.Sandbox.Preview)

		sandboxes.GET("/:id/files", h.Sandbox.ReadFile)
		sandboxes.GET("/:id/files/list", h.Sandbox.ListFiles)
		sandboxes.PUT("/:id/files", h.Sandbox.WriteFiles)
		sandboxes.DELETE("/:id/files", h.Sandbox.DeleteFile)

		sandboxes.PUT("/:id/env", h.Sandbox.SetEnv)
	}

	return r
}
