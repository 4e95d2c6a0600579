package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, "None", cfg.MeshConnType)
	assert.Equal(t, 1883, cfg.Port)
	assert.True(t, cfg.SoundsEnabled)
	assert.Empty(t, cfg.ScreenName)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	want := &Config{
		ScreenName:       "alice",
		MeshConnType:     "Serial",
		MeshDetails:      "/dev/ttyUSB0",
		MeshChannelIndex: 2,
		Server:           "broker.example.net",
		Port:             1883,
		Username:         "alice",
		AutoSaveChats:    true,
		SoundsEnabled:    false,
		AutoLogin:        true,
	}

	require.NoError(t, Save(path, want))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLoadMalformedFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := Load(path)
	assert.Error(t, err, "a corrupt config must not silently reset to defaults")
}

func TestLoadUsesOriginalKeyNames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	raw := `{
		"screen_name": "bob",
		"mesh_conn_type": "Network (IP)",
		"mesh_details": "192.168.1.5",
		"meshtastic_channel_index": 1,
		"server": "mqtt.example.net",
		"port": 8883,
		"username": "bob",
		"auto_save_chats": true,
		"sounds_enabled": false,
		"auto_login": false
	}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "bob", cfg.ScreenName)
	assert.Equal(t, "Network (IP)", cfg.MeshConnType)
	assert.Equal(t, "192.168.1.5", cfg.MeshDetails)
	assert.Equal(t, 1, cfg.MeshChannelIndex)
	assert.Equal(t, 8883, cfg.Port)
	assert.False(t, cfg.SoundsEnabled)
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, Save(path, Default()))

	changed := make(chan *Config, 4)
	w, err := Watch(path, func(cfg *Config) { changed <- cfg })
	require.NoError(t, err)
	defer w.Close()

	cfg := Default()
	cfg.ScreenName = "updated"
	require.NoError(t, Save(path, cfg))

	select {
	case got := <-changed:
		assert.Equal(t, "updated", got.ScreenName)
	case <-time.After(3 * time.Second):
		t.Fatal("watcher never reported the change")
	}
}
