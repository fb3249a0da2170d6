package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"crisisrag/internal/api"
	"crisisrag/internal/app/bootstrap"
	"crisisrag/internal/platform/config"
	applog "crisisrag/internal/platform/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Config load failed: %v\n", err)
		os.Exit(1)
	}

	applog.Init(applog.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	defer applog.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	container, err := bootstrap.New(ctx, cfg)
	if err != nil {
		applog.Fatalf("❌ Bootstrap failed: %v", err)
	}
	defer func() {
		if err := container.Close(); err != nil {
			applog.Errorf("❌ Resource cleanup error: %v", err)
		}
	}()

	if err := container.Start(ctx); err != nil {
		applog.Fatalf("❌ Failed to start background components: %v", err)
	}

	serverConfig := api.DefaultServerConfig()
	serverConfig.Host = cfg.Server.Host
	serverConfig.Port = cfg.Server.Port
	serverConfig.ReadTimeout = time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second
	serverConfig.WriteTimeout = time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second
	serverConfig.QueryTimeout = time.Duration(cfg.Runtime.QueryTimeoutSeconds) * time.Second
	serverConfig.JWTSecret = cfg.Auth.JWTSecret
	serverConfig.JWTIssuer = cfg.Auth.JWTIssuer
	server := api.NewServer(serverConfig, services(container))

	go func() {
		<-ctx.Done()

		applog.Info("🔄 Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Runtime.ShutdownTimeoutSeconds)*time.Second)
		defer cancel()

		if err := server.Stop(shutdownCtx); err != nil {
			applog.Errorf("❌ Server shutdown error: %v", err)
		}
	}()

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		applog.Fatalf("❌ Server error: %v", err)
	}

	applog.Info("👋 Server stopped")
}

// services 把容器组件映射到 API 依赖，未配置的可选组件保持 nil 接口
func services(c *bootstrap.Container) api.Services {
	svc := api.Services{
		RAG:    c.RAG,
		Search: c.Search,
		Ingest: c.Ingest,
		Tasks:  c.Store,
	}
	if c.Embedder != nil {
		svc.Embedder = c.Embedder
	}
	if c.GenAI != nil {
		svc.Analyzer = c.GenAI
	}
	return svc
}
