package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	req := require.New(t)

	cfg, err := Load()
	req.NoError(err)
	req.Equal("8080", cfg.ServerPort)
	req.Equal("default", cfg.DefaultTenant)
	req.Equal(64, cfg.WSSendBuffer)
	req.Equal(time.Minute, cfg.RateLimitWindow)
	req.False(cfg.NATSEnabled)
}

func TestLoad_FromEnvironment(t *testing.T) {
	req := require.New(t)
	t.Setenv("PORT", "9090")
	t.Setenv("STORE_IN_MEMORY", "true")
	t.Setenv("RATE_LIMIT_WINDOW", "30s")

	cfg, err := Load()
	req.NoError(err)
	req.Equal("9090", cfg.ServerPort)
	req.True(cfg.StoreInMemory)
	req.Equal(30*time.Second, cfg.RateLimitWindow)
}

func TestLoad_DotenvFile(t *testing.T) {
	req := require.New(t)
	path := filepath.Join(t.TempDir(), ".env")
	req.NoError(os.WriteFile(path, []byte("DEFAULT_TENANT=acme\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("DEFAULT_TENANT") })

	cfg, err := Load(path)
	req.NoError(err)
	req.Equal("acme", cfg.DefaultTenant)
}

func TestLoad_MissingDotenvIsIgnored(t *testing.T) {
	req := require.New(t)

	_, err := Load(filepath.Join(t.TempDir(), "absent.env"))
	req.NoError(err)
}

func TestLoad_RejectsEmptySendBuffer(t *testing.T) {
	req := require.New(t)
	t.Setenv("WS_SEND_BUFFER", "0")

	_, err := Load()
	req.Error(err)
}
