package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettingsRoundTrip(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	s, err := loadSettings()
	require.NoError(t, err)
	assert.Empty(t, s.ServerURL)
	assert.Empty(t, s.Token)

	s.ServerURL = "http://abcdefghij1234567890.onion"
	s.Token = "bearer-token"
	require.NoError(t, s.save())

	loaded, err := loadSettings()
	require.NoError(t, err)
	assert.Equal(t, s.ServerURL, loaded.ServerURL)
	assert.Equal(t, s.Token, loaded.Token)
}

func TestSettingsFilePermissions(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	s := &Settings{ServerURL: "http://example.com", Token: "secret"}
	require.NoError(t, s.save())

	path, err := settingsPath()
	require.NoError(t, err)
	info, err := os.Stat(path)
	require.NoError(t, err)
	// The token is a credential; the blob must not be world readable.
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestSettingsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, appDirName), 0o700))
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, appDirName, "config.json"), []byte("{not json"), 0o600))

	_, err := loadSettings()
	assert.Error(t, err)
}

func TestBridgeDataDir(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", t.TempDir())

	dir, err := bridgeDataDir()
	require.NoError(t, err)
	assert.Contains(t, dir, appDirName)
	assert.Equal(t, "tor", filepath.Base(dir))
}
