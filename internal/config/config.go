package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	DataDir        string          `mapstructure:"data_dir" validate:"required"`
	AssetDir       string          `mapstructure:"asset_dir"`
	AccountsFile   string          `mapstructure:"accounts_file" validate:"required"`
	State          StateConfig     `mapstructure:"state" validate:"required"`
	Sync           SyncConfig      `mapstructure:"sync"`
	RateLimit      RateLimitConfig `mapstructure:"rate_limit"`
	Poller         PollerConfig    `mapstructure:"poller"`
	Webhook        WebhookConfig   `mapstructure:"webhook"`
	BuildHook      BuildHookConfig `mapstructure:"build_hook"`
	Providers      ProvidersConfig `mapstructure:"providers"`
	IgnorePatterns []string        `mapstructure:"ignore_patterns"`
}

// StateConfig selects the durable state backend
type StateConfig struct {
	// DSN is one of postgres://..., sqlite://path or file://path
	DSN    string `mapstructure:"dsn" validate:"required,dsn"`
	Schema string `mapstructure:"schema"`
}

// SyncConfig holds sync pass behavior settings
type SyncConfig struct {
	Parallelism      int `mapstructure:"parallelism" validate:"min=1,max=64"`
	RetryAttempts    int `mapstructure:"retry_attempts" validate:"min=0"`
	RetryDelayMs     int `mapstructure:"retry_delay_ms" validate:"min=0"`
	LockMaxHoldSec   int `mapstructure:"lock_max_hold_sec" validate:"min=1"`
	LeaseTTLSec      int `mapstructure:"lease_ttl_sec" validate:"min=1"`
	ResourceCooldown int `mapstructure:"resource_cooldown_ms" validate:"min=0"`
	DebounceMs       int `mapstructure:"debounce_ms" validate:"min=0"`
	RequestTimeoutMs int `mapstructure:"request_timeout_ms" validate:"min=1"`
	IntervalSec      int `mapstructure:"interval_sec" validate:"min=0"`
}

// RateLimitConfig holds provider quota settings
type RateLimitConfig struct {
	PerScopePerSecond float64 `mapstructure:"per_scope_per_second" validate:"gt=0"`
	PerScopeBurst     int     `mapstructure:"per_scope_burst" validate:"min=1"`
	GlobalPerSecond   float64 `mapstructure:"global_per_second" validate:"gt=0"`
	GlobalConcurrency int     `mapstructure:"global_concurrency" validate:"min=1"`
	CooldownMs        int     `mapstructure:"cooldown_ms" validate:"min=0"`
	CooldownJitterMs  int     `mapstructure:"cooldown_jitter_ms" validate:"min=0"`
}

// PollerConfig holds the hot-resource poller settings
type PollerConfig struct {
	Enabled          bool `mapstructure:"enabled"`
	TickMs           int  `mapstructure:"tick_ms" validate:"min=1"`
	MaxItems         int  `mapstructure:"max_items" validate:"min=1"`
	MaxItemsPerScope int  `mapstructure:"max_items_per_scope" validate:"min=1"`
	EvictAfterSec    int  `mapstructure:"evict_after_sec" validate:"min=1"`
}

// WebhookConfig holds the inbound trigger server settings
type WebhookConfig struct {
	Listen           string `mapstructure:"listen"`
	DropboxAppSecret string `mapstructure:"dropbox_app_secret"`
	// Token guards the drive and manual sync endpoints
	Token string `mapstructure:"token"`
}

// BuildHookConfig holds the outbound build trigger settings
type BuildHookConfig struct {
	URL string `mapstructure:"url" validate:"omitempty,url"`
}

// ProvidersConfig holds per-provider endpoints
type ProvidersConfig struct {
	Dropbox ProviderEndpoint `mapstructure:"dropbox"`
	GDrive  ProviderEndpoint `mapstructure:"gdrive"`
	Agent   ProviderEndpoint `mapstructure:"agent"`
}

// ProviderEndpoint describes how to reach one provider API
type ProviderEndpoint struct {
	BaseURL    string `mapstructure:"base_url" validate:"omitempty,url"`
	ContentURL string `mapstructure:"content_url" validate:"omitempty,url"`
	Token      string `mapstructure:"token"`
}

// RetryDelay returns the base retry delay
func (s SyncConfig) RetryDelay() time.Duration {
	return time.Duration(s.RetryDelayMs) * time.Millisecond
}

// RequestTimeout returns the per-request network timeout
func (s SyncConfig) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutMs) * time.Millisecond
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		State: StateConfig{
			Schema: "remotesync",
		},
		Sync: SyncConfig{
			Parallelism:      4,
			RetryAttempts:    3,
			RetryDelayMs:     1000,
			LockMaxHoldSec:   1800,
			LeaseTTLSec:      60,
			ResourceCooldown: 10000,
			DebounceMs:       2000,
			RequestTimeoutMs: 60000,
			IntervalSec:      300,
		},
		RateLimit: RateLimitConfig{
			PerScopePerSecond: 4,
			PerScopeBurst:     4,
			GlobalPerSecond:   10,
			GlobalConcurrency: 2,
			CooldownMs:        30000,
			CooldownJitterMs:  5000,
		},
		Poller: PollerConfig{
			Enabled:          true,
			TickMs:           1000,
			MaxItems:         500,
			MaxItemsPerScope: 150,
			EvictAfterSec:    600,
		},
		Webhook: WebhookConfig{
			Listen: ":8080",
		},
		Providers: ProvidersConfig{
			Dropbox: ProviderEndpoint{
				BaseURL:    "https://api.dropboxapi.com/2",
				ContentURL: "https://content.dropboxapi.com/2",
			},
			GDrive: ProviderEndpoint{
				BaseURL:    "https://www.googleapis.com/drive/v3",
				ContentURL: "https://docs.googleapis.com/v1",
			},
		},
		IgnorePatterns: []string{
			"**/.DS_Store",
			"**/Thumbs.db",
			"**/.git/**",
			"**/*.tmp-*",
		},
	}
}

// Load reads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("state.schema", defaults.State.Schema)
	v.SetDefault("sync.parallelism", defaults.Sync.Parallelism)
	v.SetDefault("sync.retry_attempts", defaults.Sync.RetryAttempts)
	v.SetDefault("sync.retry_delay_ms", defaults.Sync.RetryDelayMs)
	v.SetDefault("sync.lock_max_hold_sec", defaults.Sync.LockMaxHoldSec)
	v.SetDefault("sync.lease_ttl_sec", defaults.Sync.LeaseTTLSec)
	v.SetDefault("sync.resource_cooldown_ms", defaults.Sync.ResourceCooldown)
	v.SetDefault("sync.debounce_ms", defaults.Sync.DebounceMs)
	v.SetDefault("sync.request_timeout_ms", defaults.Sync.RequestTimeoutMs)
	v.SetDefault("sync.interval_sec", defaults.Sync.IntervalSec)
	v.SetDefault("rate_limit.per_scope_per_second", defaults.RateLimit.PerScopePerSecond)
	v.SetDefault("rate_limit.per_scope_burst", defaults.RateLimit.PerScopeBurst)
	v.SetDefault("rate_limit.global_per_second", defaults.RateLimit.GlobalPerSecond)
	v.SetDefault("rate_limit.global_concurrency", defaults.RateLimit.GlobalConcurrency)
	v.SetDefault("rate_limit.cooldown_ms", defaults.RateLimit.CooldownMs)
	v.SetDefault("rate_limit.cooldown_jitter_ms", defaults.RateLimit.CooldownJitterMs)
	v.SetDefault("poller.enabled", defaults.Poller.Enabled)
	v.SetDefault("poller.tick_ms", defaults.Poller.TickMs)
	v.SetDefault("poller.max_items", defaults.Poller.MaxItems)
	v.SetDefault("poller.max_items_per_scope", defaults.Poller.MaxItemsPerScope)
	v.SetDefault("poller.evict_after_sec", defaults.Poller.EvictAfterSec)
	v.SetDefault("webhook.listen", defaults.Webhook.Listen)
	v.SetDefault("providers.dropbox.base_url", defaults.Providers.Dropbox.BaseURL)
	v.SetDefault("providers.dropbox.content_url", defaults.Providers.Dropbox.ContentURL)
	v.SetDefault("providers.gdrive.base_url", defaults.Providers.GDrive.BaseURL)
	v.SetDefault("providers.gdrive.content_url", defaults.Providers.GDrive.ContentURL)
	v.SetDefault("ignore_patterns", defaults.IgnorePatterns)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(getConfigDir())
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("REMOTESYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// finalize expands paths and secrets and fills derived fields
func (c *Config) finalize() error {
	c.DataDir = expandPath(c.DataDir)
	c.AccountsFile = expandPath(c.AccountsFile)
	if c.AssetDir == "" && c.DataDir != "" {
		c.AssetDir = c.DataDir
	}
	c.AssetDir = expandPath(c.AssetDir)

	c.State.DSN = os.ExpandEnv(c.State.DSN)
	c.State.Schema = SanitizeIdentifier(c.State.Schema)
	c.Webhook.DropboxAppSecret = os.ExpandEnv(c.Webhook.DropboxAppSecret)
	c.Webhook.Token = os.ExpandEnv(c.Webhook.Token)
	c.Providers.Dropbox.Token = os.ExpandEnv(c.Providers.Dropbox.Token)
	c.Providers.GDrive.Token = os.ExpandEnv(c.Providers.GDrive.Token)
	c.Providers.Agent.Token = os.ExpandEnv(c.Providers.Agent.Token)

	if c.DataDir != "" {
		if err := os.MkdirAll(c.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	return nil
}

// Validate checks a loaded configuration
func Validate(cfg *Config) error {
	validate := validator.New()

	validate.RegisterValidation("dir", func(fl validator.FieldLevel) bool {
		path := fl.Field().String()
		if path == "" {
			return false
		}
		info, err := os.Stat(path)
		if err != nil {
			return false
		}
		return info.IsDir()
	})

	validate.RegisterValidation("dsn", func(fl validator.FieldLevel) bool {
		u, err := url.Parse(fl.Field().String())
		if err != nil {
			return false
		}
		switch u.Scheme {
		case "postgres", "postgresql", "sqlite", "file", "memory":
			return true
		default:
			return false
		}
	})

	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// getConfigDir returns the appropriate config directory for the OS
func getConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "remotesync")
		}
		return filepath.Join(os.Getenv("USERPROFILE"), ".config", "remotesync")
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			return filepath.Join(xdgConfig, "remotesync")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "remotesync")
	}
}

// GetStateDir returns the directory for storing state files
func GetStateDir() (string, error) {
	dir := getConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create state directory: %w", err)
	}
	return dir, nil
}

// expandPath expands ~ and environment variables in a path
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, path[1:])
	}
	return os.ExpandEnv(path)
}

var (
	invalidIdentChars  = regexp.MustCompile(`[^a-z0-9_]`)
	repeatedUnderscore = regexp.MustCompile(`_+`)
)

// SanitizeIdentifier converts a name into a valid PostgreSQL identifier.
// The result is lowercase, starts with a letter, holds only letters, digits
// and underscores, and is at most 63 characters long.
func SanitizeIdentifier(name string) string {
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, " ", "_")
	name = strings.ReplaceAll(name, "-", "_")
	name = invalidIdentChars.ReplaceAllString(name, "")
	name = repeatedUnderscore.ReplaceAllString(name, "_")
	name = strings.Trim(name, "_")

	if len(name) == 0 {
		name = "remotesync"
	} else if unicode.IsDigit(rune(name[0])) {
		name = "rs_" + name
	}

	if len(name) > 63 {
		name = strings.TrimRight(name[:63], "_")
	}
	return name
}
