package internal

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 整個應用的配置
type Config struct {
	Server struct {
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		IdleTimeout     time.Duration `yaml:"idle_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	WebSocket WebSocketConfig `yaml:"websocket"`

	Rooms struct {
		MaxRooms                int  `yaml:"max_rooms"`
		RejectMovesAfterOutcome bool `yaml:"reject_moves_after_outcome"`
	} `yaml:"rooms"`

	Recorder RecorderConfig `yaml:"recorder"`

	Stats struct {
		Backend  string        `yaml:"backend"` // "memory" 或 "postgres"
		Cache    bool          `yaml:"cache"`   // 在 postgres 前面加 Redis 快取
		CacheTTL time.Duration `yaml:"cache_ttl"`
	} `yaml:"stats"`

	Postgres struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		DBName   string `yaml:"dbname"`
		MaxConns int32  `yaml:"max_conns"`
		MinConns int32  `yaml:"min_conns"`
	} `yaml:"postgres"`

	Redis struct {
		Addr         string        `yaml:"addr"`
		Password     string        `yaml:"password"`
		DB           int           `yaml:"db"`
		PoolSize     int           `yaml:"pool_size"`
		MinIdleConns int           `yaml:"min_idle_conns"`
		MaxRetries   int           `yaml:"max_retries"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"redis"`

	NATS NATSConfig `yaml:"nats"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

const (
	StatsBackendMemory   = "memory"
	StatsBackendPostgres = "postgres"
)

// DefaultConfig 預設配置（單機、記憶體戰績）
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Port = 8080
	cfg.Server.ReadTimeout = 15 * time.Second
	cfg.Server.WriteTimeout = 15 * time.Second
	cfg.Server.IdleTimeout = 60 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.WebSocket = WebSocketConfig{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBuffer:      256,
		MaxMessageSize:  64 * 1024,
		PongWait:        60 * time.Second,
		PingPeriod:      54 * time.Second,
		WriteWait:       10 * time.Second,
		MessageRate:     20,
		MessageBurst:    40,
	}

	cfg.Recorder = RecorderConfig{
		Workers:   4,
		QueueSize: 1024,
		Timeout:   5 * time.Second,
	}

	cfg.Stats.Backend = StatsBackendMemory
	cfg.Stats.CacheTTL = 5 * time.Minute

	cfg.Postgres.Host = "localhost"
	cfg.Postgres.Port = 5432
	cfg.Postgres.User = "postgres"
	cfg.Postgres.Password = "postgres"
	cfg.Postgres.DBName = "match_pairing"
	cfg.Postgres.MaxConns = 20
	cfg.Postgres.MinConns = 2

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.PoolSize = 20
	cfg.Redis.MinIdleConns = 2
	cfg.Redis.MaxRetries = 3
	cfg.Redis.ReadTimeout = 3 * time.Second
	cfg.Redis.WriteTimeout = 3 * time.Second

	cfg.NATS = NATSConfig{
		URL:     "nats://localhost:4222",
		Stream:  "MATCHES",
		Subject: "match.concluded",
		MaxAge:  7 * 24 * time.Hour,
	}

	cfg.Log.Level = "info"
	cfg.Log.Format = "text"

	return cfg
}

// LoadConfig 從 YAML 檔案載入配置（未設定的欄位保留預設值）
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("讀取配置檔失敗: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置檔失敗: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 檢查配置
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port 無效: %d", c.Server.Port))
	}
	if c.WebSocket.PingPeriod > 0 && c.WebSocket.PongWait > 0 && c.WebSocket.PingPeriod >= c.WebSocket.PongWait {
		errs = append(errs, errors.New("websocket.ping_period 必須小於 pong_wait"))
	}
	if c.WebSocket.MessageRate < 0 {
		errs = append(errs, errors.New("websocket.message_rate 不能為負數"))
	}
	if c.Rooms.MaxRooms < 0 {
		errs = append(errs, errors.New("rooms.max_rooms 不能為負數"))
	}

	switch c.Stats.Backend {
	case StatsBackendMemory:
		if c.Stats.Cache {
			errs = append(errs, errors.New("stats.cache 只能搭配 postgres 後端"))
		}
	case StatsBackendPostgres:
	default:
		errs = append(errs, fmt.Errorf("stats.backend 無效: %q", c.Stats.Backend))
	}

	if c.NATS.Enabled && (c.NATS.URL == "" || c.NATS.Stream == "" || c.NATS.Subject == "") {
		errs = append(errs, errors.New("nats 啟用時 url、stream、subject 都必須設定"))
	}

	return errors.Join(errs...)
}

// RegistryOptions 房間策略
func (c *Config) RegistryOptions() RegistryOptions {
	return RegistryOptions{
		MaxRooms:                c.Rooms.MaxRooms,
		RejectMovesAfterOutcome: c.Rooms.RejectMovesAfterOutcome,
	}
}

// PostgresDSN 生成 PostgreSQL 連線字串
func (c *Config) PostgresDSN() string {
	// 支援環境變數覆蓋（生產環境常用）
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}

	// URL 格式：pgxpool 與 golang-migrate 都能直接使用
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.Postgres.User, c.Postgres.Password),
		Host:     fmt.Sprintf("%s:%d", c.Postgres.Host, c.Postgres.Port),
		Path:     c.Postgres.DBName,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}
