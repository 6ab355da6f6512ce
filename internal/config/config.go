package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v2"
)

// Config holds every tunable of a gcsf process. Zero values mean "use the
// default"; accessors apply them.
type Config struct {
	// Debug enables verbose logging.
	Debug bool `yaml:"debug"`

	// MountCheck refuses to mount over a mount point that is already busy.
	MountCheck *bool `yaml:"mount_check"`

	// CacheMaxSeconds is how long a downloaded file body stays valid.
	CacheMaxSeconds uint `yaml:"cache_max_seconds"`

	// CacheMaxItems caps the number of cached file bodies.
	CacheMaxItems uint `yaml:"cache_max_items"`

	// CacheStatfsSeconds is how long quota/usage figures stay valid.
	CacheStatfsSeconds uint `yaml:"cache_statfs_seconds"`

	// SyncInterval is the delta synchroniser period in seconds.
	SyncInterval uint `yaml:"sync_interval"`

	// MountOptions are forwarded verbatim to the kernel mount.
	MountOptions []string `yaml:"mount_options"`

	// ConfigDir is where sessions are persisted. Defaults to
	// $XDG_CONFIG_HOME/gcsf.
	ConfigDir string `yaml:"config_dir"`

	// SessionName selects the persisted OAuth session.
	SessionName string `yaml:"session_name"`

	// AuthorizeUsingCode selects the copy-paste OAuth flow instead of the
	// local redirect listener. Useful on headless machines.
	AuthorizeUsingCode *bool `yaml:"authorize_using_code"`

	// AuthPort is the local port for the OAuth redirect listener.
	AuthPort uint16 `yaml:"auth_port"`

	// RenameIdenticalFiles exposes duplicate sibling names with numeric
	// suffixes instead of hiding all but the first.
	RenameIdenticalFiles bool `yaml:"rename_identical_files"`

	// AddExtensionsToSpecialFiles appends an export-format extension to
	// the displayed names of Drive-native documents.
	AddExtensionsToSpecialFiles bool `yaml:"add_extensions_to_special_files"`

	// SkipTrash deletes permanently instead of moving to the Drive trash.
	SkipTrash bool `yaml:"skip_trash"`

	// ClientSecret is the Google OAuth client secret JSON.
	ClientSecret string `yaml:"client_secret"`
}

// Default returns a configuration with every field at its default.
func Default() *Config {
	return &Config{}
}

// Load reads a YAML configuration file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations that cannot produce a working mount.
func (c *Config) Validate() error {
	if c.CacheMaxItemsOrDefault() == 0 {
		return fmt.Errorf("cache_max_items must be positive")
	}
	if c.SyncIntervalOrDefault() <= 0 {
		return fmt.Errorf("sync_interval must be positive")
	}
	if c.CacheTTL() <= 0 {
		return fmt.Errorf("cache_max_seconds must be positive")
	}
	return nil
}

// MountCheckEnabled defaults to true.
func (c *Config) MountCheckEnabled() bool {
	if c.MountCheck == nil {
		return true
	}
	return *c.MountCheck
}

// CacheTTL defaults to 10 seconds.
func (c *Config) CacheTTL() time.Duration {
	if c.CacheMaxSeconds == 0 {
		return 10 * time.Second
	}
	return time.Duration(c.CacheMaxSeconds) * time.Second
}

// CacheMaxItemsOrDefault defaults to 10.
func (c *Config) CacheMaxItemsOrDefault() int {
	if c.CacheMaxItems == 0 {
		return 10
	}
	return int(c.CacheMaxItems)
}

// StatfsTTL defaults to 100 seconds.
func (c *Config) StatfsTTL() time.Duration {
	if c.CacheStatfsSeconds == 0 {
		return 100 * time.Second
	}
	return time.Duration(c.CacheStatfsSeconds) * time.Second
}

// SyncIntervalOrDefault defaults to 10 seconds.
func (c *Config) SyncIntervalOrDefault() time.Duration {
	if c.SyncInterval == 0 {
		return 10 * time.Second
	}
	return time.Duration(c.SyncInterval) * time.Second
}

// AuthorizeUsingCodeEnabled defaults to true.
func (c *Config) AuthorizeUsingCodeEnabled() bool {
	if c.AuthorizeUsingCode == nil {
		return true
	}
	return *c.AuthorizeUsingCode
}

// AuthPortOrDefault defaults to 8081.
func (c *Config) AuthPortOrDefault() uint16 {
	if c.AuthPort == 0 {
		return 8081
	}
	return c.AuthPort
}

// ConfigDirOrDefault resolves the session directory, preferring the
// configured path, then $XDG_CONFIG_HOME/gcsf, then ~/.config/gcsf.
func (c *Config) ConfigDirOrDefault() string {
	if c.ConfigDir != "" {
		return c.ConfigDir
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "gcsf")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".gcsf")
	}
	return filepath.Join(home, ".config", "gcsf")
}

// TokenFile is the path where the named session's OAuth token lives.
func (c *Config) TokenFile(session string) string {
	return filepath.Join(c.ConfigDirOrDefault(), session)
}
