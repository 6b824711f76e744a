package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/koopa0/system-design/mw-server/internal/config"
	"github.com/koopa0/system-design/mw-server/internal/server"
	"github.com/koopa0/system-design/mw-server/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "配置檔路徑（YAML，可省略）")
	flag.Parse()

	os.Exit(run(*configPath))
}

func run(configPath string) int {
	// 載入配置
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	// 設定日誌
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format, cfg.Log.Output, cfg.Log.AddSource)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open log output: %v\n", err)
		return 1
	}
	slog.SetDefault(log)

	srv, err := server.New(cfg, log)
	if err != nil {
		log.Error("服務器啟動失敗", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		log.Error("服務器錯誤", "error", err)
		return 1
	}
	return 0
}
