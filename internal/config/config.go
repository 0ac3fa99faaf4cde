// Package config は通知サービスの設定を読み込む。
// 優先順位は 環境変数 > config.yaml > 既定値。.envファイルがあれば環境変数として読み込む。
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// DevJWTSecret は開発環境でJWT_SECRET未設定時に使用するシークレット。
const DevJWTSecret = "dev-secret-key"

// Config はサービス全体の設定。
type Config struct {
	// Environment は実行環境（development / production）。
	Environment string
	// Port はHTTPサーバーのリッスンポート。
	Port string
	// JWTSecret はトークン検証に使う共有シークレット。
	JWTSecret string
	// AllowedOrigins はCORSで許可するオリジン。"*"で全許可。
	AllowedOrigins []string
	// ShutdownTimeout はグレースフルシャットダウンの待機上限。
	ShutdownTimeout time.Duration

	Database     DatabaseConfig
	Log          LogConfig
	Realtime     RealtimeConfig
	Notification NotificationConfig
}

// DatabaseConfig は通知ストアの接続設定。
type DatabaseConfig struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// LogConfig はロガーの設定。
type LogConfig struct {
	Level  string
	Format string
}

// RealtimeConfig はライブチャネルの設定。
type RealtimeConfig struct {
	// PingInterval はサーバーからpingフレームを送る間隔。
	PingInterval time.Duration
	// PongWait はpongを待つ上限。超過した接続は切断される。
	PongWait time.Duration
	// WriteTimeout は1回の書き込みの上限。
	WriteTimeout time.Duration
	// MaxMessageSize はクライアントから受け付けるメッセージの最大バイト数。
	MaxMessageSize int64
	// SendQueueSize は接続ごとの送信キューの長さ。満杯になった接続は切断される。
	SendQueueSize int
}

// NotificationConfig は通知レコード永続化の設定。
type NotificationConfig struct {
	// PersistTimeout はバックグラウンド永続化1件あたりの上限。
	PersistTimeout time.Duration
}

// IsProduction は本番環境かどうかを返す。
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Load は.env、config.yaml、環境変数から設定を読み込む。
// envFilesを省略した場合はカレントディレクトリの.envを試す。
func Load(envFiles ...string) (*Config, error) {
	loadEnvFiles(envFiles)

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
	}

	cfg := fromViper(v)
	if cfg.JWTSecret == "" && !cfg.IsProduction() {
		cfg.JWTSecret = DevJWTSecret
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定が不正です: %w", err)
	}
	return cfg, nil
}

// loadEnvFiles は存在する.envファイルを読み込む。既に設定済みの環境変数は上書きしない。
func loadEnvFiles(paths []string) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
		}
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_env", "development")
	v.SetDefault("port", "8086")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("allowed_origins", "http://localhost:3000")
	v.SetDefault("shutdown_timeout", "15s")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "file:notification.db?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("realtime.ping_interval", "30s")
	v.SetDefault("realtime.pong_wait", "60s")
	v.SetDefault("realtime.write_timeout", "10s")
	v.SetDefault("realtime.max_message_size", 4096)
	v.SetDefault("realtime.send_queue_size", 32)

	v.SetDefault("notification.persist_timeout", "5s")
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		Environment:     v.GetString("app_env"),
		Port:            v.GetString("port"),
		JWTSecret:       v.GetString("jwt_secret"),
		AllowedOrigins:  originList(v.Get("allowed_origins")),
		ShutdownTimeout: v.GetDuration("shutdown_timeout"),
		Database: DatabaseConfig{
			Driver:          v.GetString("database.driver"),
			DSN:             v.GetString("database.dsn"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetDuration("database.conn_max_lifetime"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Realtime: RealtimeConfig{
			PingInterval:   v.GetDuration("realtime.ping_interval"),
			PongWait:       v.GetDuration("realtime.pong_wait"),
			WriteTimeout:   v.GetDuration("realtime.write_timeout"),
			MaxMessageSize: v.GetInt64("realtime.max_message_size"),
			SendQueueSize:  v.GetInt("realtime.send_queue_size"),
		},
		Notification: NotificationConfig{
			PersistTimeout: v.GetDuration("notification.persist_timeout"),
		},
	}
}

// originList は環境変数のカンマ区切り文字列とYAMLのリストの両方を受け付ける。
func originList(raw any) []string {
	var items []string
	switch val := raw.(type) {
	case string:
		items = strings.Split(val, ",")
	case []string:
		items = val
	case []any:
		for _, item := range val {
			items = append(items, fmt.Sprint(item))
		}
	}

	origins := make([]string, 0, len(items))
	for _, o := range items {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// Validate は設定値の整合性を検証する。
func (c *Config) Validate() error {
	var errs []error

	if c.Port == "" {
		errs = append(errs, errors.New("PORTが空です"))
	}
	if c.IsProduction() && (c.JWTSecret == "" || c.JWTSecret == DevJWTSecret) {
		errs = append(errs, errors.New("本番環境ではJWT_SECRETの設定が必須です"))
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("DATABASE_DRIVERが不正です: %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("DATABASE_DSNが空です"))
	}
	if c.Realtime.PingInterval <= 0 {
		errs = append(errs, errors.New("REALTIME_PING_INTERVALは正の値である必要があります"))
	}
	if c.Realtime.PongWait <= c.Realtime.PingInterval {
		errs = append(errs, errors.New("REALTIME_PONG_WAITはREALTIME_PING_INTERVALより長い必要があります"))
	}
	if c.Realtime.WriteTimeout <= 0 {
		errs = append(errs, errors.New("REALTIME_WRITE_TIMEOUTは正の値である必要があります"))
	}
	if c.Realtime.SendQueueSize <= 0 {
		errs = append(errs, errors.New("REALTIME_SEND_QUEUE_SIZEは正の値である必要があります"))
	}
	if c.Notification.PersistTimeout <= 0 {
		errs = append(errs, errors.New("NOTIFICATION_PERSIST_TIMEOUTは正の値である必要があります"))
	}

	return errors.Join(errs...)
}
