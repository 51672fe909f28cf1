// Package main is the termd daemon entry point.
// One process hosts the session engine, the websocket gateway for the
// display surface, and the HTTP management API.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/termd/internal/common/config"
	"github.com/kandev/termd/internal/common/httpmw"
	"github.com/kandev/termd/internal/common/logger"
	"github.com/kandev/termd/internal/db"
	"github.com/kandev/termd/internal/events"
	"github.com/kandev/termd/internal/events/bus"
	gateway "github.com/kandev/termd/internal/gateway/websocket"
	"github.com/kandev/termd/internal/scrollback"
	"github.com/kandev/termd/internal/terminal"
	"github.com/kandev/termd/internal/terminal/handlers"
	"github.com/kandev/termd/internal/tracing"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting termd...")

	// 3. Process-lifetime context for background loops
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Initialize event bus (in-memory by default, NATS if configured)
	eventBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()

	// 5. Open durable storage and the scrollback store
	pool, dbCleanup, err := db.Provide(&cfg.Storage, log)
	if err != nil {
		log.Fatal("Failed to initialize storage", zap.Error(err))
	}
	defer dbCleanup()

	store, err := scrollback.NewStore(pool)
	if err != nil {
		log.Fatal("Failed to initialize scrollback store", zap.Error(err))
	}

	// 6. Build the session engine and arm the handshake clock
	engine := terminal.NewEngine(cfg, store, eventBus, log)
	engine.Start()

	// An exited session changes the layout; persist early instead of
	// waiting for the next interval tick.
	_, err = eventBus.Subscribe(events.SessionExited, func(ctx context.Context, event *bus.Event) error {
		return engine.Persist(ctx)
	})
	if err != nil {
		log.Error("Failed to subscribe to session exit events", zap.Error(err))
	}

	go persistLoop(ctx, engine, cfg.Scrollback.PersistIntervalDuration(), log)

	// ============================================
	// HTTP SERVER (websocket gateway + session API)
	// ============================================
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "termd"))
	router.Use(httpmw.OtelTracing("termd"))

	// WebSocket endpoint - the display surface transport
	gateway.NewHandler(engine, log).Routes(router)

	// Session management API + health
	handlers.RegisterRoutes(router, engine, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("Server listening",
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("websocket", "/ws"),
		zap.String("health", "/health"),
		zap.String("http", "/api/v1"),
	)

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down termd...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Persists the layout first, then tears the sessions down.
	engine.Shutdown(shutdownCtx)

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("termd stopped")
}

// persistLoop writes the session layout to storage on a fixed interval so
// a crash loses at most one interval of scrollback.
func persistLoop(ctx context.Context, engine *terminal.Engine, interval time.Duration, log *logger.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := engine.Persist(ctx); err != nil {
				log.Error("Interval persist failed", zap.Error(err))
			}
		}
	}
}
