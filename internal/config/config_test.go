package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 環境変数を変更するためt.Parallelは使用しない。

// clearEnv は実行環境の変数がテストに影響しないよう空にする。空の値はviperが未設定として扱う。
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"APP_ENV", "PORT", "JWT_SECRET", "ALLOWED_ORIGINS", "SHUTDOWN_TIMEOUT",
		"DATABASE_DRIVER", "DATABASE_DSN", "LOG_LEVEL", "LOG_FORMAT",
		"REALTIME_PING_INTERVAL", "REALTIME_PONG_WAIT", "REALTIME_WRITE_TIMEOUT", "REALTIME_SEND_QUEUE_SIZE",
		"NOTIFICATION_PERSIST_TIMEOUT",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad(t *testing.T) {
	t.Run("既定値で読み込めること", func(t *testing.T) {
		clearEnv(t)
		t.Chdir(t.TempDir())

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "8086", cfg.Port)
		assert.Equal(t, DevJWTSecret, cfg.JWTSecret)
		assert.Equal(t, "sqlite", cfg.Database.Driver)
		assert.Equal(t, 30*time.Second, cfg.Realtime.PingInterval)
		assert.Equal(t, 60*time.Second, cfg.Realtime.PongWait)
		assert.Equal(t, 32, cfg.Realtime.SendQueueSize)
		assert.Equal(t, 5*time.Second, cfg.Notification.PersistTimeout)
		assert.Equal(t, []string{"http://localhost:3000"}, cfg.AllowedOrigins)
	})

	t.Run("環境変数で上書きできること", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("PORT", "9090")
		t.Setenv("JWT_SECRET", "s3cret")
		t.Setenv("DATABASE_DRIVER", "postgres")
		t.Setenv("DATABASE_DSN", "postgres://localhost/soteros?sslmode=disable")
		t.Setenv("ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")
		t.Setenv("REALTIME_PING_INTERVAL", "10s")
		t.Setenv("REALTIME_PONG_WAIT", "25s")
		t.Chdir(t.TempDir())

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "9090", cfg.Port)
		assert.Equal(t, "s3cret", cfg.JWTSecret)
		assert.Equal(t, "postgres", cfg.Database.Driver)
		assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.AllowedOrigins)
		assert.Equal(t, 10*time.Second, cfg.Realtime.PingInterval)
		assert.Equal(t, 25*time.Second, cfg.Realtime.PongWait)
	})

	t.Run(".envファイルから読み込めること", func(t *testing.T) {
		clearEnv(t)
		dir := t.TempDir()
		t.Chdir(dir)
		// godotenvは既存の環境変数を上書きしないため未設定にする
		require.NoError(t, os.Unsetenv("LOG_LEVEL"))
		require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("LOG_LEVEL=debug\n"), 0o600))

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, "debug", cfg.Log.Level)
	})

	t.Run("config.yamlから読み込めること", func(t *testing.T) {
		clearEnv(t)
		dir := t.TempDir()
		t.Chdir(dir)
		yaml := "port: \"7000\"\nallowed_origins:\n  - https://yaml.example.com\n"
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, "7000", cfg.Port)
		assert.Equal(t, []string{"https://yaml.example.com"}, cfg.AllowedOrigins)
	})

	t.Run("本番環境でJWT_SECRET未設定の場合エラーになること", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("APP_ENV", "production")
		t.Setenv("JWT_SECRET", "")
		t.Chdir(t.TempDir())

		_, err := Load()
		assert.ErrorContains(t, err, "JWT_SECRET")
	})

	t.Run("PONG_WAITがPING_INTERVAL以下の場合エラーになること", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("REALTIME_PING_INTERVAL", "30s")
		t.Setenv("REALTIME_PONG_WAIT", "30s")
		t.Chdir(t.TempDir())

		_, err := Load()
		assert.ErrorContains(t, err, "REALTIME_PONG_WAIT")
	})

	t.Run("送信キューの長さが0の場合エラーになること", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("REALTIME_SEND_QUEUE_SIZE", "0")
		t.Chdir(t.TempDir())

		_, err := Load()
		assert.ErrorContains(t, err, "REALTIME_SEND_QUEUE_SIZE")
	})

	t.Run("不正なドライバーでエラーになること", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("DATABASE_DRIVER", "mysql")
		t.Chdir(t.TempDir())

		_, err := Load()
		assert.ErrorContains(t, err, "DATABASE_DRIVER")
	})
}
