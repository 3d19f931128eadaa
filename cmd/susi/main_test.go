package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lborres/susi/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpenDatabase_SQLite(t *testing.T) {
	cfg := &config.Config{DBDriver: config.DriverSQLite, DatabaseURL: filepath.Join(t.TempDir(), "susi.db")}

	db, closeDB, err := openDatabase(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(closeDB)

	_, err = db.GetAccountByEmail(context.Background(), "nobody@example.com")
	assert.Error(t, err)
}

func TestOpenDatabase_UnknownDriver(t *testing.T) {
	_, _, err := openDatabase(context.Background(), &config.Config{DBDriver: "mysql"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mysql")
}

func TestConnectRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := &config.Config{RedisAddr: mr.Addr(), RedisPrefix: "test"}

	store, err := connectRedis(context.Background(), cfg, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.Ping(context.Background()))
}

func TestConnectRedis_GivesUpWhenCancelled(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	_, err := connectRedis(ctx, &config.Config{RedisAddr: addr}, discardLogger())
	require.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		format string
		want   slog.Handler
	}{
		{name: "json", format: "json", want: &slog.JSONHandler{}},
		{name: "text", format: "text", want: &slog.TextHandler{}},
	}
	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			log := newLogger(&config.Config{LogFormat: test.format, LogLevel: "warn"})
			assert.IsType(t, test.want, log.Handler())
			assert.False(t, log.Enabled(context.Background(), slog.LevelInfo))
		})
	}
}
