// Command relay runs the Anthropic-compatible proxy server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/poemonsense/cloudcode-relay/internal/account"
	"github.com/poemonsense/cloudcode-relay/internal/account/strategies"
	"github.com/poemonsense/cloudcode-relay/internal/cloudcode"
	"github.com/poemonsense/cloudcode-relay/internal/config"
	"github.com/poemonsense/cloudcode-relay/internal/format"
	"github.com/poemonsense/cloudcode-relay/internal/modules"
	"github.com/poemonsense/cloudcode-relay/internal/server"
	"github.com/poemonsense/cloudcode-relay/internal/store"
	"github.com/poemonsense/cloudcode-relay/internal/utils"
	"github.com/poemonsense/cloudcode-relay/pkg/redis"
)

func main() {
	var (
		debugMode    bool
		devMode      bool
		fallback     bool
		strategyName string
		port         int
		host         string
	)

	flag.BoolVar(&debugMode, "debug", false, "Enable debug mode (alias for dev-mode)")
	flag.BoolVar(&devMode, "dev-mode", false, "Enable developer mode")
	flag.BoolVar(&fallback, "fallback", false, "Enable cross-model fallback on quota exhaustion")
	var presetName string
	flag.StringVar(&strategyName, "strategy", "", "Account selection strategy (sticky/round-robin/hybrid)")
	flag.StringVar(&presetName, "preset", "", "Apply a named server preset from server-presets.json")
	flag.IntVar(&port, "port", 0, "Server port")
	flag.StringVar(&host, "host", "", "Bind address")
	flag.Parse()

	cfg := config.GetConfig()

	if presetName != "" {
		if err := applyPreset(cfg, presetName); err != nil {
			utils.Error("[Startup] %v", err)
			os.Exit(1)
		}
		utils.Info("[Startup] Applied server preset %q", presetName)
	}

	if debugMode || devMode {
		cfg.DevMode = true
	}
	if fallback {
		cfg.FallbackEnabled = true
	}
	if port != 0 {
		cfg.Port = port
	}
	if host != "" {
		cfg.Host = host
	}

	if strategyName != "" {
		normalized := strings.ToLower(strategyName)
		if !strategies.IsValidStrategy(normalized) {
			utils.Warn("[Startup] Invalid strategy %q. Valid options: %s. Using default.",
				strategyName, strings.Join(config.SelectionStrategies, ", "))
			normalized = ""
		}
		strategyName = normalized
	}

	utils.SetDebug(cfg.DevMode)
	if cfg.DevMode {
		utils.Debug("Developer mode enabled")
	}
	if cfg.FallbackEnabled {
		utils.Info("Cross-model fallback enabled")
	}

	// Optional Redis backend for the shared signature cache.
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		var err error
		redisClient, err = redis.NewClient(redis.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			utils.Warn("[Startup] Redis unavailable (%v), using in-memory signature cache", err)
			redisClient = nil
		}
	}

	format.Initialize(redisClient)
	cloudcode.StartRateLimitStateCleanup()

	accountStore := store.NewStore(config.AccountConfigPath, cfg.MaxAccounts)
	accountManager := account.NewManager(accountStore, cfg)

	usageStats := modules.NewUsageStats()
	usageStats.Initialize()

	srv := server.New(cfg, accountManager, usageStats, server.Options{
		FallbackEnabled:  cfg.FallbackEnabled,
		StrategyOverride: strategyName,
		Debug:            cfg.DevMode,
	})

	if err := srv.Initialize(); err != nil {
		utils.Error("[Startup] Failed to initialize: %v", err)
		os.Exit(1)
	}
	srv.SetupRoutes()

	printBanner(cfg, accountManager)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	httpServer := srv.HTTPServer(addr)

	go func() {
		utils.Info("[Server] Starting on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			utils.Error("[Server] Failed to start: %v", err)
			os.Exit(1)
		}
	}()

	utils.Success("Server started on port %d", cfg.Port)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	utils.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	usageStats.Shutdown()
	cloudcode.StopRateLimitStateCleanup()
	format.Shutdown()

	if err := httpServer.Shutdown(ctx); err != nil {
		utils.Error("Forced shutdown: %v", err)
		os.Exit(1)
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}

	utils.Success("Server stopped")
}

// applyPreset overlays a named tuning bundle onto the runtime config.
func applyPreset(cfg *config.Config, name string) error {
	presets, err := config.GetServerPresetsManager().ReadServerPresets()
	if err != nil {
		return fmt.Errorf("failed to read server presets: %w", err)
	}
	for _, preset := range presets {
		if preset.Name != name {
			continue
		}
		p := preset.Config
		cfg.MaxRetries = p.MaxRetries
		cfg.RetryBaseMs = p.RetryBaseMs
		cfg.RetryMaxMs = p.RetryMaxMs
		cfg.DefaultCooldownMs = p.DefaultCooldownMs
		cfg.MaxWaitBeforeErrorMs = p.MaxWaitBeforeErrorMs
		cfg.MaxAccounts = p.MaxAccounts
		cfg.GlobalQuotaThreshold = p.GlobalQuotaThreshold
		cfg.RateLimitDedupWindowMs = p.RateLimitDedupWindowMs
		cfg.MaxConsecutiveFailures = p.MaxConsecutiveFailures
		cfg.ExtendedCooldownMs = p.ExtendedCooldownMs
		cfg.MaxCapacityRetries = p.MaxCapacityRetries
		cfg.SwitchAccountDelayMs = p.SwitchAccountDelayMs
		cfg.AccountSelection = p.AccountSelection
		return nil
	}
	return fmt.Errorf("server preset %q not found", name)
}

func printBanner(cfg *config.Config, mgr *account.Manager) {
	status := mgr.GetStatus()
	displayHost := cfg.Host
	if displayHost == "0.0.0.0" {
		displayHost = "localhost"
	}

	utils.GetLogger().Header("Cloud Code Relay v" + config.Version)
	fmt.Printf("    Endpoint:  http://%s:%d/v1/messages\n", displayHost, cfg.Port)
	fmt.Printf("    Strategy:  %s\n", mgr.GetStrategyLabel())
	fmt.Printf("    Accounts:  %s\n", status.Summary)
	if cfg.FallbackEnabled {
		fmt.Println("    Fallback:  enabled")
	}
	if cfg.IsDevMode() {
		fmt.Println("    Dev mode:  verbose logs enabled")
	}
	fmt.Println()
	fmt.Println("    --strategy=<s>   sticky / round-robin / hybrid")
	fmt.Println("    --fallback       cross-model fallback on quota exhaustion")
	fmt.Println("    Ctrl+C           stop server")
	fmt.Println()
}
