package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string `mapstructure:"name"`
	Redis struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"redis"`
	Interval time.Duration `mapstructure:"interval"`
}

func TestLoadFile_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "feed-test.yaml")
	require.NoError(t, os.WriteFile(file, []byte("name: feed\nredis:\n  addr: 127.0.0.1:6379\ninterval: 15s\n"), 0o644))

	t.Setenv("FEED_TEST_REDIS_ADDR", "redis:6380")

	var cfg sample
	_, err := LoadFile("feed-test", file, &cfg)
	require.NoError(t, err)

	assert.Equal(t, "feed", cfg.Name)
	assert.Equal(t, "redis:6380", cfg.Redis.Addr)
	assert.Equal(t, 15*time.Second, cfg.Interval)
}

func TestLoadFile_Missing(t *testing.T) {
	var cfg sample
	_, err := LoadFile("feed-test", filepath.Join(t.TempDir(), "nope.yaml"), &cfg)
	assert.Error(t, err)
}
