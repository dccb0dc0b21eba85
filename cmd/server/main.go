// Command server runs the multi-provider LLM gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mirrorwell/polygate/internal/account"
	"github.com/mirrorwell/polygate/internal/config"
	"github.com/mirrorwell/polygate/internal/dispatch"
	"github.com/mirrorwell/polygate/internal/httpclient"
	"github.com/mirrorwell/polygate/internal/reqlog"
	"github.com/mirrorwell/polygate/internal/server"
	"github.com/mirrorwell/polygate/internal/session"
	"github.com/mirrorwell/polygate/internal/stats"
	"github.com/mirrorwell/polygate/internal/upstream"
	"github.com/mirrorwell/polygate/internal/usage"
	"github.com/mirrorwell/polygate/internal/utils"
	"github.com/mirrorwell/polygate/pkg/redis"
)

func main() {
	var (
		devMode      bool
		port         int
		host         string
		accountsPath string
	)

	flag.BoolVar(&devMode, "dev-mode", false, "Enable developer mode (verbose logs)")
	flag.IntVar(&port, "port", 0, "Server port (default: 8080)")
	flag.StringVar(&host, "host", "", "Bind address (default: 0.0.0.0)")
	flag.StringVar(&accountsPath, "accounts", "", "Path to the accounts JSON file")
	flag.Parse()

	if os.Getenv("DEBUG") == "true" || os.Getenv("DEV_MODE") == "true" {
		devMode = true
	}
	utils.SetDebug(devMode)

	cfg := config.DefaultConfig()
	if err := cfg.Load(); err != nil {
		utils.Warn("[Startup] Failed to load config: %v", err)
	}
	cfg.DevMode = devMode

	if port == 0 {
		if envPort := os.Getenv("PORT"); envPort != "" {
			fmt.Sscanf(envPort, "%d", &port)
		}
	}
	if port == 0 {
		port = cfg.Port
	}
	if host == "" {
		host = os.Getenv("HOST")
	}
	if host == "" {
		host = cfg.Host
	}

	// Account pool
	pool := account.NewPool()
	if accountsPath == "" {
		accountsPath = defaultAccountsPath()
	}
	if accountsPath != "" {
		accounts, err := account.LoadFile(accountsPath)
		if err != nil {
			utils.Warn("[Startup] Failed to load accounts from %s: %v", accountsPath, err)
		} else {
			for _, acc := range accounts {
				pool.Add(acc)
			}
			utils.Info("[Startup] Loaded %d account(s) from %s", len(accounts), accountsPath)
		}
	}
	if pool.Len() == 0 {
		utils.Warn("[Startup] No accounts configured; all dispatches will fail until accounts are added")
	}

	// Redis usage-stats store (optional)
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		var err error
		redisClient, err = redis.NewClient(redis.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			utils.Warn("[Startup] Redis unavailable, continuing in-memory: %v", err)
			redisClient = nil
		}
	}
	usageStats := stats.New(redisClient)

	// Request log sink (optional sqlite persistence)
	var logStore *reqlog.Store
	if cfg.RequestLogPath != "" {
		var err error
		logStore, err = reqlog.OpenStore(cfg.RequestLogPath)
		if err != nil {
			utils.Warn("[Startup] Request log store unavailable: %v", err)
			logStore = nil
		}
	}
	logSink := reqlog.NewSink(logStore)

	// Credential validation. OAuth acquisition is owned by an external
	// collaborator; without one, expired grants disable their accounts.
	validator := account.NewValidator(pool, nil)

	// Gemini Business widget client
	minter := upstream.NewJWTMinter(httpclient.Business(), "")
	business := upstream.NewBusinessClient(httpclient.Business(), minter, "", cfg.BusinessUserAgent())

	engine := dispatch.NewEngine(
		pool,
		session.NewCache(),
		validator,
		usage.NewEstimator(nil),
		logSink,
		usageStats,
		cfg,
		business,
	)

	srv := server.New(cfg, engine, usageStats, server.Options{Debug: devMode})
	srv.SetupRoutes()

	addr := fmt.Sprintf("%s:%d", host, port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Engine(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Minute, // streaming responses can run long
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		utils.Info("[Server] Starting on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			utils.Error("[Server] Failed to start: %v", err)
			os.Exit(1)
		}
	}()

	printBanner(host, port, pool, devMode)
	utils.Success("Server started successfully on port %d", port)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	utils.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	usageStats.Shutdown()
	if err := httpServer.Shutdown(ctx); err != nil {
		utils.Error("Server forced to shutdown: %v", err)
	}
	if logStore != nil {
		logStore.Close()
	}
	if redisClient != nil {
		redisClient.Close()
	}
	utils.Success("Server stopped")
}

// defaultAccountsPath returns ~/.polygate/accounts.json when present.
func defaultAccountsPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	path := filepath.Join(homeDir, ".polygate", "accounts.json")
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// printBanner prints the startup banner.
func printBanner(host string, port int, pool *account.Pool, devMode bool) {
	displayHost := host
	if host == "0.0.0.0" {
		displayHost = "localhost"
	}

	fmt.Println()
	fmt.Println("╔══════════════════════════════════════════════════════════════╗")
	fmt.Printf("║            polygate gateway v%-7s                          ║\n", config.Version)
	fmt.Println("╠══════════════════════════════════════════════════════════════╣")
	fmt.Printf("║  Listening:  http://%s:%-6d                           ║\n", displayHost, port)
	fmt.Printf("║  Accounts:   %-4d                                            ║\n", pool.Len())
	if devMode {
		fmt.Println("║  Mode:       developer (verbose logs)                        ║")
	}
	fmt.Println("║                                                              ║")
	fmt.Println("║  Endpoints:                                                  ║")
	fmt.Println("║    POST /v1/messages               Anthropic Messages API    ║")
	fmt.Println("║    POST /v1/chat/completions       OpenAI Chat API           ║")
	fmt.Println("║    POST /v1/responses              OpenAI Responses API      ║")
	fmt.Println("║    POST /kiro/v1/messages          Kiro channel              ║")
	fmt.Println("║    POST /gemini-business/...       Gemini channel            ║")
	fmt.Println("║    GET  /v1/models                 Model catalogue           ║")
	fmt.Println("║    GET  /health                    Health check              ║")
	fmt.Println("╚══════════════════════════════════════════════════════════════╝")
}
