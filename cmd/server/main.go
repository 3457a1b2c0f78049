package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/koopa0/system-design/14-match-pairing/internal"
	"github.com/koopa0/system-design/14-match-pairing/internal/migrations"
	"github.com/redis/go-redis/v9"
)

func main() {
	// 解析命令行參數
	var (
		configPath = flag.String("config", "", "配置檔路徑（YAML）")
		port       = flag.Int("port", 0, "服務器端口（覆蓋配置檔）")
		logLevel   = flag.String("log-level", "", "日誌級別 (debug, info, warn, error)")
		logFormat  = flag.String("log-format", "", "日誌格式 (text, json)")
		migrate    = flag.String("migrate", "", "只執行 schema 操作後結束 (status, up, down)")
	)
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "載入配置失敗: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}

	// 設置日誌
	logger := setupLogger(cfg.Log.Level, cfg.Log.Format)

	if *migrate != "" {
		if err := runMigration(cfg, logger, *migrate); err != nil {
			logger.Error("schema 操作失敗", "action", *migrate, "error", err)
			os.Exit(1)
		}
		return
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("服務器異常結束", "error", err)
		os.Exit(1)
	}
}

func run(cfg *internal.Config, logger *slog.Logger) error {
	ctx := context.Background()

	// 戰績儲存
	backend, cleanup, err := setupStats(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	// 結果事件（可選）
	var publisher internal.OutcomePublisher
	if cfg.NATS.Enabled {
		natsPublisher, err := internal.NewNATSPublisher(cfg.NATS)
		if err != nil {
			return err
		}
		defer natsPublisher.Close()
		publisher = natsPublisher
		logger.Info("結果事件發佈已啟用", "url", cfg.NATS.URL, "subject", cfg.NATS.Subject)
	}

	// 結算器
	recorder := internal.NewOutcomeRecorder(backend, publisher, cfg.Recorder, logger)

	// WebSocket Hub → Registry → Dispatcher
	wsHub := internal.NewWebSocketHub(cfg.WebSocket, logger)
	registry := internal.NewRegistry(wsHub, recorder, logger, cfg.RegistryOptions())
	wsHub.SetHandler(internal.NewDispatcher(registry, wsHub, logger))

	handler := internal.NewHandler(registry, backend, wsHub, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// 啟動服務器
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("對局配對服務器啟動",
			"port", cfg.Server.Port,
			"stats_backend", cfg.Stats.Backend,
			"stats_cache", cfg.Stats.Cache,
			"log_level", cfg.Log.Level)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// 等待中斷信號
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("收到關閉信號，開始優雅關閉...")
	case err := <-serverErr:
		return fmt.Errorf("服務器啟動失敗: %w", err)
	}

	// 優雅關閉
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// 停止接受新連接
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("服務器關閉失敗", "error", err)
	}

	// 關閉所有 WebSocket（不判負）
	wsHub.Stop()

	// 等待戰績寫完
	recorder.Stop()

	logger.Info("服務器已關閉")
	return nil
}

// runMigration 執行單一 schema 操作（部署腳本與回滾用）
func runMigration(cfg *internal.Config, logger *slog.Logger, action string) error {
	migrator, err := migrations.New(cfg.PostgresDSN(), logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := migrator.Close(); err != nil {
			logger.Warn("關閉遷移器失敗", "error", err)
		}
	}()

	var status migrations.Status
	switch action {
	case "status":
		status, err = migrator.Status()
	case "up":
		status, err = migrator.Up()
	case "down":
		status, err = migrator.Rollback()
	default:
		return fmt.Errorf("未知的 schema 操作: %s", action)
	}
	if err != nil {
		return err
	}

	fmt.Printf("schema version=%d dirty=%t\n", status.Version, status.Dirty)
	return nil
}

// setupStats 依配置建立戰績儲存，回傳的 cleanup 負責關閉連線
func setupStats(ctx context.Context, cfg *internal.Config, logger *slog.Logger) (internal.StatsBackend, func(), error) {
	if cfg.Stats.Backend == internal.StatsBackendMemory {
		logger.Warn("使用記憶體戰績儲存，重啟後資料會遺失")
		return internal.NewMemoryStatsStore(), func() {}, nil
	}

	dsn := cfg.PostgresDSN()

	migrator, err := migrations.New(dsn, logger)
	if err != nil {
		return nil, nil, err
	}
	if _, err := migrator.Up(); err != nil {
		_ = migrator.Close()
		return nil, nil, err
	}
	if err := migrator.Close(); err != nil {
		logger.Warn("關閉遷移管理器失敗", "error", err)
	}

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("解析 PostgreSQL 配置失敗: %w", err)
	}
	poolConfig.MaxConns = cfg.Postgres.MaxConns
	poolConfig.MinConns = cfg.Postgres.MinConns

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("連接 PostgreSQL 失敗: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("PostgreSQL 無法連線: %w", err)
	}

	var backend internal.StatsBackend = internal.NewPostgresStatsStore(pool, logger)
	if !cfg.Stats.Cache {
		return backend, pool.Close, nil
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		MaxRetries:   cfg.Redis.MaxRetries,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		// 快取不可用不影響啟動，查詢會自動降級到 PostgreSQL
		logger.Warn("Redis 無法連線，戰績查詢將直接走 PostgreSQL", "error", err)
	}

	cleanup := func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("關閉 Redis 失敗", "error", err)
		}
		pool.Close()
	}
	return internal.NewCachedStatsStore(backend, redisClient, cfg.Stats.CacheTTL, logger), cleanup, nil
}

// loadConfig 沒有配置檔時使用預設值
func loadConfig(path string) (*internal.Config, error) {
	if path == "" {
		return internal.DefaultConfig(), nil
	}
	return internal.LoadConfig(path)
}

// setupLogger 設置日誌
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: level == "debug", // debug 模式顯示源碼位置
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
