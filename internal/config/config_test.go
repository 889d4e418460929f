package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 30*time.Second, cfg.Room.GracePeriod)
	assert.Equal(t, 5*time.Second, cfg.Room.JoinTimeout)
	assert.Equal(t, 512, cfg.WebSocket.SendBuffer)
	assert.Equal(t, "", cfg.Redis.Addr)
	assert.True(t, cfg.Compaction.Enabled)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("OMNIFORGE_SERVER_ADDR", ":9999")
	t.Setenv("OMNIFORGE_ROOM_GRACE_PERIOD", "2m")
	t.Setenv("OMNIFORGE_REDIS_ADDR", "localhost:6379")

	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, 2*time.Minute, cfg.Room.GracePeriod)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collab.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
db:
  path: /tmp/other.db
room:
  join_timeout: 1s
log:
  level: debug
  json: true
`), 0o600))

	cfg, err := Load(New(), path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/other.db", cfg.DB.Path)
	assert.Equal(t, time.Second, cfg.Room.JoinTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.JSON)
}

func TestValidate(t *testing.T) {
	t.Setenv("OMNIFORGE_ROOM_JOIN_TIMEOUT", "0s")
	t.Setenv("OMNIFORGE_WEBSOCKET_SEND_BUFFER", "0")

	_, err := Load(New(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "room.join_timeout")
	assert.Contains(t, err.Error(), "websocket.send_buffer")
}

func TestMissingFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
