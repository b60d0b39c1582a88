package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	unsetEnv(t, "TM_SERVER_URL", "TM_ROOM_ID", "TM_STORE")

	c, err := Load()
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	require.Equal(t, "http://localhost:8080", c.ServerURL)
	require.Equal(t, "ws://localhost:8080/ws", c.WSURL)
	require.Equal(t, int64(1), c.RoomID)
	require.Equal(t, 50, c.HistorySize)
	require.Equal(t, 2*time.Second, c.ReconnectDelay)
	require.False(t, c.SubscribeReceipt)
	require.Equal(t, StoreFile, c.Store)
	require.Equal(t, filepath.Join("/tmp/xdg", "turtle"), c.ConfigDir)
}

// unsetEnv clears keys for the test and restores them afterwards, so values
// loaded from a .env file do not leak into other tests.
func unsetEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
}

func TestLoad_EnvFileAndFlagsOverride(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	unsetEnv(t, "TM_SERVER_URL", "TM_ROOM_ID", "TM_STORE")
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("TM_SERVER_URL=https://chat.example.org/\nTM_ROOM_ID=7\nTM_STORE=memory\n"), 0o600))

	c, err := Load()
	require.NoError(t, err)

	fs := flag.NewFlagSet("tm", flag.ContinueOnError)
	c.BindFlags(fs)
	require.NoError(t, fs.Parse([]string{"-room", "9", "-reconnect-delay", "500ms"}))
	require.NoError(t, c.Validate())

	require.Equal(t, "https://chat.example.org", c.ServerURL)
	require.Equal(t, "wss://chat.example.org/ws", c.WSURL)
	require.Equal(t, int64(9), c.RoomID)
	require.Equal(t, 500*time.Millisecond, c.ReconnectDelay)
	require.Equal(t, StoreMemory, c.Store)
}

func TestValidate_Rejects(t *testing.T) {
	t.Chdir(t.TempDir())

	base, err := Load()
	require.NoError(t, err)

	bad := base
	bad.Store = "redis"
	require.Error(t, bad.Validate())

	bad = base
	bad.HistorySize = 0
	require.Error(t, bad.Validate())

	bad = base
	bad.ServerURL = "ftp://x"
	require.Error(t, bad.Validate())
}
