// Package config manages application-level configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/luminavpn/proxybridge/internal/fileutil"
)

const (
	// AppName is the application identifier used for XDG paths.
	AppName = "proxybridge"
	// ConfigFileName is the name of the main configuration file.
	ConfigFileName = "config.json"
)

// Config represents the application configuration.
type Config struct {
	// DirectoryURL is the base URL of the VPN provider's server directory API.
	DirectoryURL string `json:"directory_url"`
	// OAuthTokenURL is the identity provider's token endpoint.
	OAuthTokenURL string `json:"oauth_token_url"`
	// OAuthClientID is the public OAuth client identifier.
	OAuthClientID string `json:"oauth_client_id"`
	// LocalProxyAdminURL is the admin endpoint of the local forwarding proxy.
	LocalProxyAdminURL string `json:"local_proxy_admin_url"`
	// ControlSocketPath is where the daemon exposes its control socket.
	ControlSocketPath string `json:"control_socket_path"`

	HealthIntervalSeconds     int `json:"health_interval_seconds"`
	ProbeTimeoutSeconds       int `json:"probe_timeout_seconds"`
	ConnectTimeoutSeconds     int `json:"connect_timeout_seconds"`
	MaxRetryAttempts          int `json:"max_retry_attempts"`
	AuthFailureCeiling        int `json:"auth_failure_ceiling"`
	CredentialDurationSeconds int `json:"credential_duration_seconds"`

	// KillSwitch restricts the proxy bypass list to loopback only, so a proxy
	// failure blocks traffic instead of falling back to the direct route.
	KillSwitch bool `json:"kill_switch"`
	// ExtraBypass holds caller-supplied bypass entries merged with the
	// mandatory loopback and private ranges.
	ExtraBypass []string `json:"extra_bypass,omitempty"`

	// AutoConnectServerID, when set, makes the daemon connect on startup.
	AutoConnectServerID string `json:"auto_connect_server_id,omitempty"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DirectoryURL:              "https://api.luminavpn.com",
		OAuthTokenURL:             "https://auth.luminavpn.com/oauth/token",
		OAuthClientID:             "proxybridge-desktop",
		LocalProxyAdminURL:        "http://127.0.0.1:18080",
		ControlSocketPath:         defaultSocketPath(),
		HealthIntervalSeconds:     15,
		ProbeTimeoutSeconds:       8,
		ConnectTimeoutSeconds:     30,
		MaxRetryAttempts:          4,
		AuthFailureCeiling:        10,
		CredentialDurationSeconds: 3600,
	}
}

func defaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, AppName, "control.sock")
	}
	return filepath.Join(os.TempDir(), AppName+"-control.sock")
}

// HealthInterval returns the health check interval as a duration.
func (c *Config) HealthInterval() time.Duration {
	return time.Duration(c.HealthIntervalSeconds) * time.Second
}

// ProbeTimeout returns the per-probe timeout as a duration.
func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutSeconds) * time.Second
}

// ConnectTimeout returns the connection-establishment timeout as a duration.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// Paths holds the resolved configuration locations.
type Paths struct {
	ConfigDir  string
	ConfigFile string
}

// GetPaths returns the configuration paths following the XDG Base Directory spec.
func GetPaths() (*Paths, error) {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configHome = filepath.Join(homeDir, ".config")
	}

	configDir := filepath.Join(configHome, AppName)
	return &Paths{
		ConfigDir:  configDir,
		ConfigFile: filepath.Join(configDir, ConfigFileName),
	}, nil
}

// EnsurePaths creates all necessary configuration directories.
func (p *Paths) EnsurePaths() error {
	if err := os.MkdirAll(p.ConfigDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return nil
}

// Load reads the configuration from disk. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := fileutil.ReadJSON(path, cfg); err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to disk atomically.
func Save(path string, cfg *Config) error {
	if err := fileutil.WriteJSON(path, cfg, 0600); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.DirectoryURL == "" {
		return fmt.Errorf("directory URL must not be empty")
	}
	if c.OAuthTokenURL == "" {
		return fmt.Errorf("oauth token URL must not be empty")
	}
	if c.OAuthClientID == "" {
		return fmt.Errorf("oauth client ID must not be empty")
	}
	if c.HealthIntervalSeconds <= 0 {
		return fmt.Errorf("health interval must be positive")
	}
	if c.ProbeTimeoutSeconds <= 0 {
		return fmt.Errorf("probe timeout must be positive")
	}
	if c.ConnectTimeoutSeconds <= 0 {
		return fmt.Errorf("connect timeout must be positive")
	}
	if c.MaxRetryAttempts < 0 {
		return fmt.Errorf("max retry attempts must be non-negative")
	}
	if c.AuthFailureCeiling <= 0 {
		return fmt.Errorf("auth failure ceiling must be positive")
	}
	if c.CredentialDurationSeconds < 60 {
		return fmt.Errorf("credential duration must be at least 60 seconds")
	}
	return nil
}

// Manager provides high-level configuration management.
// It is safe for concurrent use from multiple goroutines.
type Manager struct {
	paths  *Paths       // Immutable after construction
	config *Config      // Protected by mu
	mu     sync.RWMutex // Protects config only
}

// NewManager creates a new configuration manager.
// It ensures all necessary directories exist and loads the configuration.
func NewManager() (*Manager, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, fmt.Errorf("failed to get config paths: %w", err)
	}

	if err := paths.EnsurePaths(); err != nil {
		return nil, fmt.Errorf("failed to create config directories: %w", err)
	}

	cfg, err := Load(paths.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return &Manager{
		paths:  paths,
		config: cfg,
	}, nil
}

// GetConfig returns a copy of the current configuration.
// The returned copy is safe to read without holding locks.
func (m *Manager) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg := *m.config
	return &cfg
}

// GetConfigDir returns the path to the configuration directory.
func (m *Manager) GetConfigDir() string {
	return m.paths.ConfigDir
}

// UpdateConfig validates and replaces the configuration, then saves it.
func (m *Manager) UpdateConfig(cfg *Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.config = cfg
	return Save(m.paths.ConfigFile, m.config)
}

// UpdateField atomically updates the config using a mutator function.
// If validation fails, the original config is preserved.
func (m *Manager) UpdateField(mutator func(cfg *Config)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	configCopy := *m.config
	mutator(&configCopy)
	if err := configCopy.Validate(); err != nil {
		return err
	}

	*m.config = configCopy
	return Save(m.paths.ConfigFile, m.config)
}
