package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/xiaot623/gogo/internal/adapter/llm"
	"github.com/xiaot623/gogo/internal/audit"
	"github.com/xiaot623/gogo/internal/config"
	"github.com/xiaot623/gogo/internal/hub"
	"github.com/xiaot623/gogo/internal/logger"
	"github.com/xiaot623/gogo/internal/policy"
	"github.com/xiaot623/gogo/internal/repository"
	"github.com/xiaot623/gogo/internal/service"
	internalhttp "github.com/xiaot623/gogo/internal/transport/http"
	"github.com/xiaot623/gogo/internal/transport/ws"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Init(cfg.LogFormat, cfg.LogLevel)

	slog.Info("starting run coordinator",
		"ws_port", cfg.WSPort,
		"http_port", cfg.HTTPPort,
		"database_driver", cfg.DatabaseDriver,
		"llm_provider", cfg.LLMProvider)

	// Initialize store
	db, err := store.NewSQLStore(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("initialize store: %w", err)
	}
	defer db.Close()

	// Initialize generator
	generator, err := llm.NewGenerator(cfg.LLMProvider, cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel, cfg.RunTimeout)
	if err != nil {
		return fmt.Errorf("initialize generator: %w", err)
	}

	// Initialize policy engine
	ctx := context.Background()
	policySource := policy.DefaultPolicy
	if cfg.PolicyFile != "" {
		data, err := os.ReadFile(cfg.PolicyFile)
		if err != nil {
			return fmt.Errorf("read policy file: %w", err)
		}
		policySource = string(data)
	}
	policyEngine, err := policy.NewEngine(ctx, policySource)
	if err != nil {
		return fmt.Errorf("initialize policy engine: %w", err)
	}

	registry := hub.NewRegistry(db)
	svc := service.New(db, registry, generator, policyEngine, audit.NewSink(db), cfg)

	// Runs left open by a previous process must be settled before any
	// client can resume them.
	if _, err := svc.Recover(ctx); err != nil {
		return err
	}

	retention := service.NewRetention(db, cfg.EventRetention)
	if err := retention.Start(cfg.RetentionSchedule); err != nil {
		return err
	}
	defer retention.Stop()

	// Create WebSocket Echo server
	wsEcho := echo.New()
	wsEcho.HideBanner = true
	wsEcho.HidePort = true
	wsEcho.Use(middleware.Recover())
	ws.NewServer(cfg, registry, svc).Register(wsEcho)

	// Create internal HTTP server
	httpServer := internalhttp.NewInternalServer(svc, registry)

	errCh := make(chan error, 2)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.WSPort)
		if err := wsEcho.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("websocket server: %w", err)
		}
	}()
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := httpServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	slog.Info("servers started", "ws_port", cfg.WSPort, "http_port", cfg.HTTPPort)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return err
	}

	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := wsEcho.Shutdown(shutdownCtx); err != nil {
		slog.Warn("failed to shutdown websocket server gracefully", "error", err)
	}
	// Cancelled runs finish as run_aborted; any left open are interrupted by
	// the next Recover.
	svc.Shutdown()
	drainRuns(shutdownCtx, svc)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("failed to shutdown http server gracefully", "error", err)
	}

	slog.Info("run coordinator stopped")
	return nil
}

// drainRuns waits for cancelled runs to write their terminal state before the
// store is closed.
func drainRuns(ctx context.Context, svc *service.Service) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for svc.LiveRunCount() > 0 {
		select {
		case <-ctx.Done():
			slog.Warn("live runs still open at shutdown", "count", svc.LiveRunCount())
			return
		case <-ticker.C:
		}
	}
}
