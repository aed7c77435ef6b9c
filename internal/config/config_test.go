package config

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestFromEnv_Defaults(t *testing.T) {
	t.Setenv("STORE_BACKEND", "")
	t.Setenv("LOCK_BACKEND", "")
	t.Setenv("RABBITMQ_URL", "")

	cfg, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, StorePostgres, cfg.StoreBackend)
	require.Equal(t, LockMemory, cfg.LockBackend)
	require.Equal(t, ":8080", cfg.HTTPAddr)
	require.Equal(t, 5*time.Second, cfg.LockTimeout)
	require.Equal(t, 2, cfg.QueueWorkers)
	require.Empty(t, cfg.RabbitMQURL)
	require.True(t, cfg.RunMigrations)
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("STORE_BACKEND", "MEMORY")
	t.Setenv("LOCK_BACKEND", "redis")
	t.Setenv("REDIS_ADDRESS", "redis:6379")
	t.Setenv("LOCK_TIMEOUT", "750ms")
	t.Setenv("QUEUE_WORKERS", "4")
	t.Setenv("RUN_MIGRATIONS", "no")
	t.Setenv("REAPER_INTERVAL", "not-a-duration")

	cfg, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, StoreMemory, cfg.StoreBackend)
	require.Equal(t, LockRedis, cfg.LockBackend)
	require.Equal(t, "redis:6379", cfg.RedisAddr)
	require.Equal(t, 750*time.Millisecond, cfg.LockTimeout)
	require.Equal(t, 4, cfg.QueueWorkers)
	require.False(t, cfg.RunMigrations)
	require.Equal(t, time.Minute, cfg.ReaperInterval)
}

func TestFromEnv_Invalid(t *testing.T) {
	tests := map[string]map[string]string{
		"unknown store":   {"STORE_BACKEND": "mongo"},
		"unknown lock":    {"LOCK_BACKEND": "etcd"},
		"no workers":      {"QUEUE_WORKERS": "0"},
		"backoff too big": {"QUEUE_BASE_BACKOFF": "1h", "QUEUE_MAX_BACKOFF": "1m"},
	}
	for name, vars := range tests {
		t.Run(name, func(t *testing.T) {
			for k, v := range vars {
				t.Setenv(k, v)
			}
			_, err := FromEnv()
			require.Error(t, err)
		})
	}
}

func TestNewLogger(t *testing.T) {
	require.Equal(t, logrus.DebugLevel, NewLogger("debug").GetLevel())
	require.Equal(t, logrus.InfoLevel, NewLogger("chatty").GetLevel())
	_, ok := NewLogger("warn").Formatter.(*logrus.JSONFormatter)
	require.True(t, ok)
}
