package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"flow2api/config"
	"flow2api/internal/api"
	"flow2api/internal/cache"
	"flow2api/internal/flow"
	"flow2api/internal/generation"
	"flow2api/internal/proxypool"
	"flow2api/internal/token"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// Determine config path
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		execPath, _ := os.Executable()
		configPath = filepath.Join(filepath.Dir(execPath), "config.yaml")
	}

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Printf("Warning: Could not load config: %v, using defaults", err)
		cfg = config.DefaultConfig()
	}

	// Initialize storage
	dbPath := cfg.Storage.DBPath
	if !filepath.IsAbs(dbPath) {
		execPath, _ := os.Executable()
		dbPath = filepath.Join(filepath.Dir(execPath), dbPath)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	storage, err := token.NewStorage(dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer storage.Close()

	settings, err := storage.GetSettings()
	if err != nil {
		log.Printf("Warning: Could not load runtime settings: %v, using defaults", err)
		settings = token.DefaultSettings()
	}

	// Initialize components
	rotator := proxypool.NewRotator(storage.DB())
	flowClient := flow.NewClient(cfg.Flow.LabsBaseURL, cfg.Flow.APIBaseURL, cfg.Flow.Timeout, rotator)

	// The solver re-reads settings per call, an admin update takes
	// effect without a restart.
	solver := flow.NewCaptchaSolver(func() flow.CaptchaConfig {
		captchaCfg := flow.DefaultCaptchaConfig()
		s, err := storage.GetSettings()
		if err != nil {
			return captchaCfg
		}
		if s.CaptchaAPIKey != "" {
			captchaCfg.APIKey = s.CaptchaAPIKey
		}
		if s.CaptchaBaseURL != "" {
			captchaCfg.BaseURL = s.CaptchaBaseURL
		}
		return captchaCfg
	})
	flowClient.SetProofTokenProvider(solver)

	banThreshold := cfg.Generation.ErrorBanThreshold
	if settings.ErrorBanThreshold > 0 {
		banThreshold = settings.ErrorBanThreshold
	}
	manager := token.NewManager(storage, flowClient, banThreshold)
	admission := token.NewAdmissionController()
	selector := token.NewSelector(manager, admission)

	cacheTimeout := cfg.Cache.Timeout
	if settings.CacheTimeout > 0 {
		cacheTimeout = settings.CacheTimeout
	}
	fileCache, err := cache.New(cfg.Cache.Dir, cacheTimeout)
	if err != nil {
		log.Fatalf("Failed to initialize file cache: %v", err)
	}
	fileCache.StartSweeper()
	defer fileCache.Stop()

	baseURL := cfg.Server.BaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	}
	if settings.BaseURL != "" {
		baseURL = settings.BaseURL
	}

	orchestrator := generation.NewOrchestrator(flowClient, manager, selector, admission, fileCache, generation.Options{
		PollInterval:      time.Duration(cfg.Generation.PollInterval) * time.Second,
		MaxPollAttempts:   cfg.Generation.MaxPollAttempts,
		ProgressInterval:  cfg.Generation.ProgressInterval,
		MarkTimeoutFailed: cfg.Generation.MarkTimeoutFailed || settings.MarkTimeoutFailed,
		CacheEnabled:      cfg.Cache.Enabled && settings.CacheEnabled,
		BaseURL:           baseURL,
	})

	apiHandler := api.NewHandler(storage, manager, rotator, orchestrator, fileCache, cfg)

	// Setup Gin
	if cfg.Server.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	// Add CORS middleware
	r.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	// OpenAI compatible endpoints
	r.POST("/v1/chat/completions", apiHandler.AuthRequired(), apiHandler.ChatCompletions)
	r.GET("/v1/models", apiHandler.AuthRequired(), apiHandler.Models)

	// Cached media
	r.GET("/tmp/:file", apiHandler.ServeCached)

	// Health check and metrics
	r.GET("/health", apiHandler.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Management API
	apiGroup := r.Group("/api", apiHandler.AuthRequired())
	{
		// Tokens
		apiGroup.GET("/tokens", apiHandler.ListTokens)
		apiGroup.POST("/tokens", apiHandler.CreateToken)
		apiGroup.GET("/tokens/:id", apiHandler.GetToken)
		apiGroup.PUT("/tokens/:id", apiHandler.UpdateToken)
		apiGroup.DELETE("/tokens/:id", apiHandler.DeleteToken)
		apiGroup.POST("/tokens/:id/enable", apiHandler.EnableToken)
		apiGroup.POST("/tokens/:id/disable", apiHandler.DisableToken)
		apiGroup.POST("/tokens/:id/refresh-credits", apiHandler.RefreshCredits)
		apiGroup.POST("/tokens/:id/refresh-at", apiHandler.RefreshAccessToken)
		apiGroup.GET("/tokens/:id/stats", apiHandler.GetTokenStats)

		// Proxy pool
		apiGroup.GET("/proxies", apiHandler.ListProxies)
		apiGroup.POST("/proxies", apiHandler.AddProxy)
		apiGroup.PUT("/proxies/:id", apiHandler.SetProxyEnabled)
		apiGroup.DELETE("/proxies/:id", apiHandler.DeleteProxy)
		apiGroup.GET("/proxy-settings", apiHandler.GetProxySettings)
		apiGroup.PUT("/proxy-settings", apiHandler.UpdateProxySettings)

		// Runtime settings
		apiGroup.GET("/settings", apiHandler.GetSettings)
		apiGroup.PUT("/settings", apiHandler.UpdateSettings)

		// Logs
		apiGroup.GET("/logs", apiHandler.GetRecentLogs)
		apiGroup.DELETE("/logs", apiHandler.ClearLogs)
	}

	// Start server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	log.Printf("Flow2API starting on http://%s", addr)
	log.Printf("OpenAI API: http://%s/v1/chat/completions", addr)

	if err := r.Run(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
