// 通知サービスのエントリポイント。
// 認証済みクライアントへライブでイベントを配信し、利用者ごとの通知レコードを保存する。
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/kitciruelas/soteros-backend-sub000/internal/config"
	"github.com/kitciruelas/soteros-backend-sub000/internal/notification"
	"github.com/kitciruelas/soteros-backend-sub000/pkg/database"
	"github.com/kitciruelas/soteros-backend-sub000/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "通知サービスの起動に失敗: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, database.Options{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	server, err := notification.NewServer(ctx, cfg, db, log, reg)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("通知サービスを起動します",
			zap.String("port", cfg.Port),
			zap.String("env", cfg.Environment),
			zap.String("db_driver", cfg.Database.Driver),
		)
		errCh <- server.Run()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("シャットダウンを開始します", zap.Duration("timeout", cfg.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("シャットダウンに失敗: %w", err)
	}
	log.Info("通知サービスを停止しました")
	return nil
}
