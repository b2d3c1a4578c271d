package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONFIG_ENV", "missing")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "release", cfg.Mode)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "./web", cfg.StaticPath)
	assert.Equal(t, "wss://gateway.discord.gg/?v=9&encoding=json", cfg.GatewayURL)
	assert.Equal(t, 20*time.Second, cfg.JoinTimeout)
	assert.Empty(t, cfg.DiscordToken)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "config"), 0o755))

	raw := []byte(`mode: debug
port: 9000
static_path: ./assets
secret: s3cret
discord_token: tok
join_timeout: 5s
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "config.test.yaml"), raw, 0o644))
	t.Setenv("CONFIG_ENV", "test")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Mode)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "./assets", cfg.StaticPath)
	assert.Equal(t, "s3cret", cfg.Secret)
	assert.Equal(t, "tok", cfg.DiscordToken)
	assert.Equal(t, 5*time.Second, cfg.JoinTimeout)
	// File values override defaults; untouched keys keep theirs.
	assert.Equal(t, "wss://gateway.discord.gg/?v=9&encoding=json", cfg.GatewayURL)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONFIG_ENV", "missing")
	t.Setenv("VOXIUM_DISCORD_TOKEN", "env-token")
	t.Setenv("VOXIUM_PORT", "7000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "env-token", cfg.DiscordToken)
	assert.Equal(t, 7000, cfg.Port)
}
