package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.Notifications.MaxItems)
	assert.Equal(t, 15*time.Second, cfg.Chat.SendTimeout)
	assert.Equal(t, 400*time.Millisecond, cfg.Chat.ReadDebounce)
	assert.Equal(t, 25*time.Second, cfg.Realtime.HeartbeatInterval)
	assert.Equal(t, -1, cfg.Realtime.Reconnect.MaxRetries)
	assert.Equal(t, time.Second, cfg.Realtime.Reconnect.BaseDelay)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr)
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	path := filepath.Join(dir, "custom.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[supabase]
url = "https://file.supabase.co"
anon_key = "file-anon"

[notifications]
max_items = 20

[chat]
send_timeout = "3s"
`), 0600))

	t.Setenv("SUPABASE_ANON_KEY", "legacy-anon")
	t.Setenv("SCUFFEDCHAT_SERVER__API_TOKEN", "secret")
	t.Setenv("SCUFFEDCHAT_NOTIFICATIONS__MAX_ITEMS", "30")
	t.Setenv("PORT", "9090")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "https://file.supabase.co", cfg.Supabase.URL)
	assert.Equal(t, "legacy-anon", cfg.Supabase.AnonKey)
	assert.Equal(t, "secret", cfg.Server.APIToken)
	assert.Equal(t, 30, cfg.Notifications.MaxItems)
	assert.Equal(t, 3*time.Second, cfg.Chat.SendTimeout)
	assert.Equal(t, ":9090", cfg.Server.Addr)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := &Config{}
	assert.Error(t, Validate(cfg))

	cfg.Supabase.URL = "https://x.supabase.co"
	cfg.Supabase.AnonKey = "anon"
	cfg.Supabase.AccessToken = "token"
	cfg.Database.URL = "test.db"
	cfg.Server.APIToken = "api"
	cfg.Notifications.MaxItems = 50
	cfg.Chat.SendTimeout = time.Second
	assert.NoError(t, Validate(cfg))

	cfg.Supabase.URL, cfg.Supabase.AnonKey = "", ""
	assert.NoError(t, Validate(cfg), "local mode needs no project url")

	cfg.Supabase.URL = "https://x.supabase.co"
	assert.Error(t, Validate(cfg))

	cfg.Supabase.AnonKey = "anon"
	cfg.Notifications.MaxItems = 0
	assert.Error(t, Validate(cfg))
}

func TestInitConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scuffedchat.toml")
	require.NoError(t, InitConfig(path))
	assert.Error(t, InitConfig(path))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "https://your-project.supabase.co", cfg.Supabase.URL)
	assert.True(t, cfg.Log.Pretty)
}

// chdir changes the working directory for the duration of the test
// (equivalent to testing.T.Chdir, which requires Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
