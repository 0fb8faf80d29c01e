// Package config provides configuration loading and defaults for the
// bumpmate daemon.
//
// Configuration is loaded from a TOML file in the user's data directory.
// The package covers the worker connection, the signed-in account, task
// settings and their named presets, page classification, and daemon
// behavior, with sensible defaults.
package config

//go:generate go run ../../cmd/genconfig

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/bmatcuk/doublestar/v4"
	"tools.zach/dev/bumpmate/internal/atomicfile"
	"tools.zach/dev/bumpmate/internal/migrate"
	"tools.zach/dev/bumpmate/internal/page"
	"tools.zach/dev/bumpmate/internal/paths"
	"tools.zach/dev/bumpmate/internal/precheck"
)

// ErrNoPreset is returned when a named preset does not exist.
var ErrNoPreset = errors.New("no such preset")

// ErrPresetName is returned for preset names [ValidPresetName] rejects.
var ErrPresetName = errors.New("invalid preset name")

// presetNameRegex validates preset names: letters, digits, spaces, hyphens
// and underscores, starting with a letter or digit.
var presetNameRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9 _-]*$`)

// ValidPresetName reports whether name can be used as a preset key.
func ValidPresetName(name string) bool {
	return len(name) <= 48 && presetNameRegex.MatchString(name)
}

// ///////////////////////////////////////////////
// Configuration Types
// ///////////////////////////////////////////////

// Config represents the top-level application configuration.
type Config struct {
	// Version is the config schema version used for migrations.
	Version int `toml:"version"`
	// Server holds worker connection settings.
	Server ServerConfig `toml:"server"`
	// Account identifies the signed-in user.
	Account AccountConfig `toml:"account"`
	// Task holds the settings sent with every launched task.
	Task TaskConfig `toml:"task"`
	// Page holds store page classification settings.
	Page PageConfig `toml:"page"`
	// Browser holds Chrome DevTools integration settings.
	Browser BrowserConfig `toml:"browser"`
	// Quota holds token balance source settings.
	Quota QuotaConfig `toml:"quota"`
	// Control holds the local control API settings.
	Control ControlConfig `toml:"control"`
	// Log holds logging settings.
	Log LogConfig `toml:"log"`
	// Presets holds named task settings keyed by preset name.
	Presets map[string]TaskConfig `toml:"presets,omitempty"`
}

// ServerConfig holds worker connection settings.
type ServerConfig struct {
	// URL is the worker base URL. Empty falls back to BUMPMATE_SERVER_URL
	// and then the build-time default.
	URL string `toml:"url,omitempty"`
	// TimeoutSeconds bounds each HTTP request and the websocket dial.
	TimeoutSeconds int `toml:"timeout_seconds"`
	// StopRetryMax is the number of retries for the stop notification.
	StopRetryMax int `toml:"stop_retry_max"`
	// PingIntervalSeconds is the websocket keepalive interval (0 = off).
	PingIntervalSeconds int `toml:"ping_interval_seconds"`
	// CheckUpdates enables the release manifest check on start.
	CheckUpdates bool `toml:"check_updates"`
}

// AccountConfig identifies the signed-in user.
type AccountConfig struct {
	// UserID is the worker-side user id used for stop and balance routes.
	UserID string `toml:"user_id"`
	// Username is the store handle used when the page does not reveal one.
	Username string `toml:"username"`
	// Membership is the subscription tier: basic, plus, or premium.
	Membership string `toml:"membership"`
}

// TaskConfig holds the settings sent with every launched task.
type TaskConfig struct {
	// Delay is the pause between steps in seconds.
	Delay int `toml:"delay"`
	// DiscountPercentage is applied by discount-capable tasks.
	DiscountPercentage int `toml:"discount_percentage"`
	// TaskLimit caps completed steps per run (0 = unlimited).
	TaskLimit int `toml:"task_limit"`
	// BumpFromBottom walks listings oldest first.
	BumpFromBottom bool `toml:"bump_from_bottom"`
	// FollowExceptionList holds handles never followed.
	FollowExceptionList []string `toml:"follow_exception_list"`
	// UnfollowExceptionList holds handles never unfollowed.
	UnfollowExceptionList []string `toml:"unfollow_exception_list"`
}

// PageConfig holds store page classification settings.
type PageConfig struct {
	// Host is the marketplace host store pages live on.
	Host string `toml:"host"`
	// StorePatterns are glob patterns matched against store URL paths.
	StorePatterns []string `toml:"store_patterns"`
}

// BrowserConfig holds Chrome DevTools integration settings.
type BrowserConfig struct {
	// ControlURL is the DevTools websocket URL of a running Chrome. Empty
	// disables browser integration; page reports then arrive over the
	// control API.
	ControlURL string `toml:"control_url,omitempty"`
}

// QuotaConfig holds token balance source settings.
type QuotaConfig struct {
	// Source selects the durable balance store: "remote" or "file".
	Source string `toml:"source"`
	// PollIntervalSeconds is how often the balance is re-read when the
	// balance file cannot be watched.
	PollIntervalSeconds int `toml:"poll_interval_seconds"`
}

// ControlConfig holds the local control API settings.
type ControlConfig struct {
	// Listen is the address the control API binds (empty = disabled).
	Listen string `toml:"listen"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the minimum log level (trace, debug, info, warn, error).
	Level string `toml:"level"`
	// MaxSizeMB is the maximum log file size in megabytes before rotation.
	MaxSizeMB int `toml:"max_size_mb"`
}

// ///////////////////////////////////////////////
// Default Configuration
// ///////////////////////////////////////////////

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Version: migrate.Config.CurrentVersion,
		Server: ServerConfig{
			TimeoutSeconds:      15,
			StopRetryMax:        3,
			PingIntervalSeconds: 30,
			CheckUpdates:        true,
		},
		Account: AccountConfig{
			Membership: string(precheck.Basic),
		},
		Task: TaskConfig{
			Delay:                 9,
			DiscountPercentage:    0,
			TaskLimit:             0,
			BumpFromBottom:        false,
			FollowExceptionList:   []string{},
			UnfollowExceptionList: []string{},
		},
		Page: PageConfig{
			Host:          page.DefaultHost,
			StorePatterns: append([]string(nil), page.DefaultStorePatterns...),
		},
		Quota: QuotaConfig{
			Source:              "remote",
			PollIntervalSeconds: 60,
		},
		Control: ControlConfig{
			Listen: "127.0.0.1:7465",
		},
		Log: LogConfig{
			Level:     "info",
			MaxSizeMB: 10,
		},
	}
}

// ///////////////////////////////////////////////
// Example Configuration
// ///////////////////////////////////////////////

// ExampleConfig returns a Config suitable for generating config.default.toml.
func ExampleConfig() *Config {
	cfg := DefaultConfig()
	cfg.Presets = map[string]TaskConfig{
		"gentle": {
			Delay:                 20,
			TaskLimit:             50,
			FollowExceptionList:   []string{},
			UnfollowExceptionList: []string{},
		},
	}
	return cfg
}

// ///////////////////////////////////////////////
// PeekVersion
// ///////////////////////////////////////////////

// PeekVersion reads just the version field from raw TOML bytes.
// Returns 1 if the version field is missing or zero.
func PeekVersion(data []byte) int {
	var v struct {
		Version int `toml:"version"`
	}
	if err := toml.Unmarshal(data, &v); err != nil {
		return 1
	}
	if v.Version == 0 {
		return 1
	}
	return v.Version
}

// ///////////////////////////////////////////////
// Loading and Saving
// ///////////////////////////////////////////////

// Load reads and parses the configuration file from dataDir/config.toml.
// If the file doesn't exist, returns DefaultConfig.
func Load(dataDir string) (*Config, error) {
	path := filepath.Join(dataDir, paths.ConfigFile)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	version := PeekVersion(data)

	shouldMigrate := migrate.Config.Stale(version)
	if shouldMigrate {
		// Write backup before migration
		if backupErr := os.WriteFile(path+".bak", data, 0o600); backupErr != nil {
			slog.Warn("failed to write config backup", "error", backupErr)
		}
		var migrateErr error
		data, _, migrateErr = migrate.Config.Run(data, version)
		if migrateErr != nil {
			return nil, fmt.Errorf("migrate config: %w", migrateErr)
		}
	}

	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Version = migrate.Config.CurrentVersion

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	if shouldMigrate {
		if err := cfg.Save(path); err != nil {
			slog.Warn("failed to save migrated config", "error", err)
		}
	}

	return cfg, nil
}

// Save writes the config to disk as TOML using atomic file write.
func (c *Config) Save(path string) error {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return atomicfile.Write(path, buf.Bytes(), 0o600)
}

// ///////////////////////////////////////////////
// Validation
// ///////////////////////////////////////////////

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"trace": true, "debug": true, "info": true, "warn": true, "error": true,
}

// Validate checks that all configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("invalid log.level %q: must be trace, debug, info, warn, or error", c.Log.Level)
	}
	if c.Log.MaxSizeMB <= 0 {
		return fmt.Errorf("log.max_size_mb must be > 0, got %d", c.Log.MaxSizeMB)
	}

	if c.Server.TimeoutSeconds <= 0 {
		return fmt.Errorf("server.timeout_seconds must be > 0, got %d", c.Server.TimeoutSeconds)
	}
	if c.Server.StopRetryMax < 0 || c.Server.StopRetryMax > 10 {
		return fmt.Errorf("server.stop_retry_max must be between 0 and 10, got %d", c.Server.StopRetryMax)
	}
	if c.Server.PingIntervalSeconds < 0 {
		return fmt.Errorf("server.ping_interval_seconds must be >= 0, got %d", c.Server.PingIntervalSeconds)
	}

	if _, err := precheck.ParseTier(c.Account.Membership); err != nil {
		return fmt.Errorf("invalid account.membership: %w", err)
	}

	if err := c.Task.Validate(); err != nil {
		return fmt.Errorf("task: %w", err)
	}
	for _, name := range c.PresetNames() {
		if !ValidPresetName(name) {
			return fmt.Errorf("invalid preset name %q", name)
		}
		if err := c.Presets[name].Validate(); err != nil {
			return fmt.Errorf("presets.%s: %w", name, err)
		}
	}

	if strings.TrimSpace(c.Page.Host) == "" {
		return errors.New("page.host must not be empty")
	}
	if len(c.Page.StorePatterns) == 0 {
		return errors.New("page.store_patterns must not be empty")
	}
	for _, p := range c.Page.StorePatterns {
		if !strings.HasPrefix(p, "/") || !doublestar.ValidatePattern(p) {
			return fmt.Errorf("invalid page.store_patterns entry %q: must be an absolute glob pattern", p)
		}
	}

	switch c.Quota.Source {
	case "remote", "file":
	default:
		return fmt.Errorf("invalid quota.source %q: must be remote or file", c.Quota.Source)
	}
	if c.Quota.PollIntervalSeconds <= 0 {
		return fmt.Errorf("quota.poll_interval_seconds must be > 0, got %d", c.Quota.PollIntervalSeconds)
	}

	return nil
}

// Validate checks task settings ranges.
func (t TaskConfig) Validate() error {
	if t.Delay < 0 || t.Delay > 3600 {
		return fmt.Errorf("delay must be between 0 and 3600 seconds, got %d", t.Delay)
	}
	if t.DiscountPercentage < 0 || t.DiscountPercentage > 100 {
		return fmt.Errorf("discount_percentage must be between 0 and 100, got %d", t.DiscountPercentage)
	}
	if t.TaskLimit < 0 {
		return fmt.Errorf("task_limit must be >= 0, got %d", t.TaskLimit)
	}
	return nil
}

// ///////////////////////////////////////////////
// Accessors
// ///////////////////////////////////////////////

// Tier returns the parsed membership tier. Validate has already rejected
// unknown values, so a parse failure falls back to basic.
func (c *Config) Tier() precheck.Tier {
	t, err := precheck.ParseTier(c.Account.Membership)
	if err != nil {
		return precheck.Basic
	}
	return t
}

// Timeout returns the HTTP timeout as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Server.TimeoutSeconds) * time.Second
}

// PingInterval returns the websocket keepalive interval.
func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.Server.PingIntervalSeconds) * time.Second
}

// PollInterval returns the balance polling interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Quota.PollIntervalSeconds) * time.Second
}

// ///////////////////////////////////////////////
// Presets
// ///////////////////////////////////////////////

// PresetNames returns preset names in sorted order.
func (c *Config) PresetNames() []string {
	names := make([]string, 0, len(c.Presets))
	for name := range c.Presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SavePreset stores the current task settings under name, replacing any
// existing preset of that name.
func (c *Config) SavePreset(name string) error {
	if !ValidPresetName(name) {
		return fmt.Errorf("%w %q", ErrPresetName, name)
	}
	if c.Presets == nil {
		c.Presets = make(map[string]TaskConfig)
	}
	c.Presets[name] = c.Task.clone()
	return nil
}

// ApplyPreset replaces the current task settings with the named preset.
func (c *Config) ApplyPreset(name string) error {
	p, ok := c.Presets[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoPreset, name)
	}
	c.Task = p.clone()
	return nil
}

// DeletePreset removes the named preset.
func (c *Config) DeletePreset(name string) error {
	if _, ok := c.Presets[name]; !ok {
		return fmt.Errorf("%w: %q", ErrNoPreset, name)
	}
	delete(c.Presets, name)
	return nil
}

// clone copies t so exception lists are not shared between presets.
func (t TaskConfig) clone() TaskConfig {
	out := t
	out.FollowExceptionList = append([]string{}, t.FollowExceptionList...)
	out.UnfollowExceptionList = append([]string{}, t.UnfollowExceptionList...)
	return out
}
