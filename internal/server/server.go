package server

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/poemonsense/cloudcode-relay/internal/account"
	"github.com/poemonsense/cloudcode-relay/internal/cloudcode"
	"github.com/poemonsense/cloudcode-relay/internal/config"
	"github.com/poemonsense/cloudcode-relay/internal/modules"
	"github.com/poemonsense/cloudcode-relay/internal/server/handlers"
	"github.com/poemonsense/cloudcode-relay/internal/utils"
	"github.com/poemonsense/cloudcode-relay/pkg/anthropic"
)

// Server wires the HTTP surface over the account pool and dispatcher.
type Server struct {
	engine          *gin.Engine
	accountManager  *account.Manager
	client          *cloudcode.Client
	cfg             *config.Config
	usageStats      *modules.UsageStats
	fallbackEnabled bool
	strategyName    string

	initOnce    sync.Once
	initError   error
	initialized bool
}

// Options configures a server instance.
type Options struct {
	FallbackEnabled  bool
	StrategyOverride string
	Debug            bool
}

// New creates a server.
func New(cfg *config.Config, mgr *account.Manager, stats *modules.UsageStats, opts Options) *Server {
	if opts.Debug || cfg.IsDevMode() {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	_ = engine.SetTrustedProxies(nil)
	engine.Use(gin.Recovery())

	return &Server{
		engine:          engine,
		accountManager:  mgr,
		cfg:             cfg,
		usageStats:      stats,
		fallbackEnabled: opts.FallbackEnabled,
		strategyName:    opts.StrategyOverride,
	}
}

// Initialize brings up the pool and client exactly once; concurrent first
// requests wait on the same initialization.
func (s *Server) Initialize() error {
	s.initOnce.Do(func() {
		if err := s.accountManager.Initialize(s.strategyName); err != nil {
			s.initError = err
			utils.Error("[Server] Failed to initialize account pool: %v", err)
			return
		}
		s.client = cloudcode.NewClient(s.accountManager, s.cfg)
		utils.Success("[Server] Account pool initialized: %s", s.accountManager.GetStatus().Summary)
		s.initialized = true
	})
	return s.initError
}

func (s *Server) ensureInitialized(c *gin.Context) bool {
	if s.initialized {
		return true
	}
	if err := s.Initialize(); err != nil {
		c.JSON(http.StatusServiceUnavailable, anthropic.NewErrorResponse("api_error",
			"Server not initialized: "+err.Error()))
		return false
	}
	return true
}

// SetupRoutes mounts every endpoint.
func (s *Server) SetupRoutes() {
	s.engine.Use(CORSMiddleware())
	s.engine.Use(SilentHandlerMiddleware())
	s.engine.Use(RequestLoggingMiddleware())
	s.engine.Use(s.usageStats.Middleware())
	s.engine.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, config.RequestBodyLimit)
		c.Next()
	})

	healthHandler := handlers.NewHealthHandler(s.accountManager, s.client)
	modelsHandler := handlers.NewModelsHandler(s.accountManager, s.client)
	accountsHandler := handlers.NewAccountsHandler(s.accountManager, s.client, s.cfg, s.usageStats)
	messagesHandler := handlers.NewMessagesHandler(s.accountManager, s.client, s.cfg, s.fallbackEnabled)
	refreshHandler := handlers.NewRefreshTokenHandler(s.accountManager)

	s.engine.GET("/health", func(c *gin.Context) {
		if s.ensureInitialized(c) {
			healthHandler.Health(c)
		}
	})
	s.engine.GET("/account-limits", func(c *gin.Context) {
		if s.ensureInitialized(c) {
			accountsHandler.AccountLimits(c)
		}
	})
	s.engine.POST("/refresh-token", func(c *gin.Context) {
		if s.ensureInitialized(c) {
			refreshHandler.RefreshToken(c)
		}
	})

	api := s.engine.Group("/api")
	s.usageStats.SetupRoutes(api)

	v1 := s.engine.Group("/v1")
	v1.Use(APIKeyAuthMiddleware(s.cfg))
	{
		v1.GET("/models", func(c *gin.Context) {
			if s.ensureInitialized(c) {
				modelsHandler.ListModels(c)
			}
		})
		v1.POST("/messages/count_tokens", messagesHandler.CountTokens)
		v1.POST("/messages", func(c *gin.Context) {
			if s.ensureInitialized(c) {
				messagesHandler.Messages(c)
			}
		})
	}

	s.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, anthropic.NewErrorResponse("not_found_error",
			fmt.Sprintf("Endpoint %s %s not found", c.Request.Method, c.Request.URL.Path)))
	})
}

// HTTPServer builds the net/http server with streaming-friendly timeouts.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}
}

// Engine exposes the gin engine (tests, extra routes).
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// AccountManager exposes the pool.
func (s *Server) AccountManager() *account.Manager {
	return s.accountManager
}
