package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 15, cfg.HealthIntervalSeconds)
	assert.Equal(t, 30, cfg.ConnectTimeoutSeconds)
	assert.Equal(t, 4, cfg.MaxRetryAttempts)
	assert.Equal(t, 10, cfg.AuthFailureCeiling)
	assert.Equal(t, 3600, cfg.CredentialDurationSeconds)
	assert.False(t, cfg.KillSwitch)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := DefaultConfig()
	cfg.KillSwitch = true
	cfg.ExtraBypass = []string{"*.corp.example.com"}
	cfg.AutoConnectServerID = "srv-us-east-1"

	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeFile(t, path, `{"kill_switch": true}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.KillSwitch)
	assert.Equal(t, 15, cfg.HealthIntervalSeconds)
}

func TestLoad_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeFile(t, path, `{not json`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr bool
	}{
		{"valid defaults", func(cfg *Config) {}, false},
		{"empty directory URL", func(cfg *Config) { cfg.DirectoryURL = "" }, true},
		{"empty token URL", func(cfg *Config) { cfg.OAuthTokenURL = "" }, true},
		{"empty client ID", func(cfg *Config) { cfg.OAuthClientID = "" }, true},
		{"zero health interval", func(cfg *Config) { cfg.HealthIntervalSeconds = 0 }, true},
		{"zero probe timeout", func(cfg *Config) { cfg.ProbeTimeoutSeconds = 0 }, true},
		{"zero connect timeout", func(cfg *Config) { cfg.ConnectTimeoutSeconds = 0 }, true},
		{"negative retries", func(cfg *Config) { cfg.MaxRetryAttempts = -1 }, true},
		{"zero retries allowed", func(cfg *Config) { cfg.MaxRetryAttempts = 0 }, false},
		{"zero auth ceiling", func(cfg *Config) { cfg.AuthFailureCeiling = 0 }, true},
		{"short credential lifetime", func(cfg *Config) { cfg.CredentialDurationSeconds = 30 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestGetPaths_XDGConfigHome(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	paths, err := GetPaths()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, AppName), paths.ConfigDir)
	assert.Equal(t, filepath.Join(dir, AppName, ConfigFileName), paths.ConfigFile)
}

func TestManager_UpdateField(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	m, err := NewManager()
	require.NoError(t, err)

	err = m.UpdateField(func(cfg *Config) { cfg.KillSwitch = true })
	require.NoError(t, err)
	assert.True(t, m.GetConfig().KillSwitch)

	// Failed validation must not change the stored config
	err = m.UpdateField(func(cfg *Config) { cfg.DirectoryURL = "" })
	require.Error(t, err)
	assert.NotEmpty(t, m.GetConfig().DirectoryURL)
}

func TestManager_GetConfigReturnsCopy(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	m, err := NewManager()
	require.NoError(t, err)

	cfg := m.GetConfig()
	cfg.KillSwitch = true

	assert.False(t, m.GetConfig().KillSwitch)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
}
