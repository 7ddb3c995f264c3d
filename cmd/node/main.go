package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"atlas/internal/config"
	"atlas/internal/node"
)

func main() {
	configPath := flag.String("config", "", "Path to the YAML config file")
	flag.Parse()

	// 1. 配置和日志
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. 初始化节点 (存储, 后端, 网络)
	agent, err := node.NewAgent(ctx, cfg, node.Deps{}, logger)
	if err != nil {
		logger.Fatal("Failed to init node", zap.Error(err))
	}

	// 3. 指标
	var srv *http.Server
	if cfg.Node.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv = &http.Server{Addr: cfg.Node.MetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		logger.Info("metrics listening", zap.String("addr", cfg.Node.MetricsAddr))
	}

	// 4. 运行直到收到退出信号
	runErr := agent.Run(ctx)
	if runErr != nil {
		logger.Error("node exited", zap.Error(runErr))
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	logger.Info("Shutting down node...")
	if runErr != nil {
		_ = logger.Sync()
		os.Exit(1)
	}
}
