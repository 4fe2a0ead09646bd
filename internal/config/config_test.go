package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// chdir changes the working directory for the duration of the test.
// testing.T.Chdir requires Go 1.24; this toolchain is older.
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoad_Defaults(t *testing.T) {
	req := require.New(t)
	chdir(t, t.TempDir())

	cfg, err := Load()
	req.NoError(err)
	req.Equal("release", cfg.Mode)
	req.Equal(8080, cfg.Port)
	req.Equal(int64(65536), cfg.ReadLimit)
	req.Equal(32, cfg.SendQueue)
	req.Equal(90*time.Second, cfg.GraceWindow)
	req.Equal(120*time.Second, cfg.NoShowTimeout)
	req.Equal(30*time.Second, cfg.TerminalRetention)
	req.Equal(2, cfg.DefaultCapacity)
	req.Len(cfg.ICEServers, 1)
}

func TestLoad_FromFile(t *testing.T) {
	req := require.New(t)
	dir := t.TempDir()
	chdir(t, dir)
	t.Setenv("CONFIG_ENV", "test")

	req.NoError(os.MkdirAll(filepath.Join(dir, "config"), 0o755))
	yaml := []byte(`
mode: debug
port: 9000
grace_window: 45s
ice_servers:
  - urls: ["turn:turn.example.org:3478"]
    username: visitor
    credential: hunter2
`)
	req.NoError(os.WriteFile(filepath.Join(dir, "config", "config.test.yaml"), yaml, 0o644))

	cfg, err := Load()
	req.NoError(err)
	req.Equal("debug", cfg.Mode)
	req.Equal(9000, cfg.Port)
	req.Equal(45*time.Second, cfg.GraceWindow)
	req.Equal(120*time.Second, cfg.NoShowTimeout)
	req.Equal([]string{"turn:turn.example.org:3478"}, cfg.ICEServers[0].URLs)
	req.Equal("visitor", cfg.ICEServers[0].Username)
}
