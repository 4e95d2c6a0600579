// Package config reads and writes the messenger's JSON configuration file.
//
// The key names are fixed; they are shared with the settings UI and with
// older installations, so renaming any of them breaks existing configs.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// Config is the persisted application configuration. The password is never
// stored; it is supplied at sign-on time.
type Config struct {
	ScreenName string `json:"screen_name"`

	// Mesh radio connection: "None", "Serial" or "Network (IP)", plus the
	// kind-specific detail (port path or host).
	MeshConnType string `json:"mesh_conn_type"`
	MeshDetails  string `json:"mesh_details"`

	// MeshChannelIndex is the default radio channel for direct sends.
	MeshChannelIndex int `json:"meshtastic_channel_index"`

	// MQTT user-session broker. Empty server disables MQTT.
	Server   string `json:"server"`
	Port     int    `json:"port"`
	Username string `json:"username"`

	AutoSaveChats bool `json:"auto_save_chats"`
	SoundsEnabled bool `json:"sounds_enabled"`
	AutoLogin     bool `json:"auto_login"`

	// Update-notification client TLS material. All three must be set for
	// the update client to start.
	UpdateCertFile string `json:"update_cert_file,omitempty"`
	UpdateKeyFile  string `json:"update_key_file,omitempty"`
	UpdateCAFile   string `json:"update_ca_file,omitempty"`
}

// DefaultPath returns the platform configuration file location, falling
// back to the working directory when the user config dir is unknown.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "config.json"
	}
	return filepath.Join(dir, "meshim", "config.json")
}

// Default returns the configuration used when no file exists yet.
func Default() *Config {
	return &Config{
		MeshConnType:  "None",
		Port:          1883,
		SoundsEnabled: true,
	}
}

// Load reads the configuration from path. A missing file yields defaults;
// a malformed file is an error rather than a silent reset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logrus.WithFields(logrus.Fields{
				"function": "Load",
				"path":     path,
			}).Info("No config file, using defaults")
			return Default(), nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration atomically: temp file in the same
// directory, then rename over the target.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace config %s: %w", path, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Save",
		"path":     path,
	}).Debug("Config saved")
	return nil
}
