/******************************************************************************
 *
 *  Description :
 *
 *    Desktop shell settings: server URL and bearer token, persisted as a
 *    JSON blob in the OS config directory.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const appDirName = "onionchat"

// Settings is the persisted client state.
type Settings struct {
	ServerURL string `json:"server_url"`
	Token     string `json:"token,omitempty"`
}

// settingsPath returns the config file location, creating its directory.
func settingsPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config dir: %w", err)
	}
	dir := filepath.Join(base, appDirName)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	return filepath.Join(dir, "config.json"), nil
}

// loadSettings reads the persisted settings; a missing file yields zero
// settings.
func loadSettings() (*Settings, error) {
	path, err := settingsPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Settings{}, nil
	}
	if err != nil {
		return nil, err
	}
	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &s, nil
}

// save writes the settings back to disk.
func (s *Settings) save() error {
	path, err := settingsPath()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// bridgeDataDir returns the overlay client's state directory; circuit
// caches live in its cache/ subdirectory.
func bridgeDataDir() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("cache dir: %w", err)
	}
	return filepath.Join(base, appDirName, "tor"), nil
}
