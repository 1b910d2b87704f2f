package internal

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/alaya/internal/chunk"
	"github.com/starford/alaya/internal/embed"
	"github.com/starford/alaya/internal/index"
	"github.com/starford/alaya/internal/vectorstore"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Startup reindex modes.
const (
	StartupIncremental = "incremental"
	StartupFull        = "full"
	StartupNone        = "none"
)

// Config represents the application configuration.
type Config struct {
	App       ApplicationConfig `yaml:"app"`
	Vault     VaultConfig       `yaml:"vault"`
	Embedding EmbeddingConfig   `yaml:"embedding"`
	Chunking  chunk.Config      `yaml:"chunking"`
	Watcher   WatcherConfig     `yaml:"watcher"`
	Reindex   ReindexConfig     `yaml:"reindex"`
	Auth      AuthConfig        `yaml:"auth"`
	MCP       MCPConfig         `yaml:"mcp"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Vault.Validate(); err != nil {
		return err
	}
	if err := c.Embedding.Validate(); err != nil {
		return fmt.Errorf("embedding: %w", err)
	}
	if err := c.Chunking.Validate(); err != nil {
		return fmt.Errorf("chunking: %w", err)
	}
	if err := c.Watcher.Validate(); err != nil {
		return fmt.Errorf("watcher: %w", err)
	}
	if err := c.Reindex.Validate(); err != nil {
		return fmt.Errorf("reindex: %w", err)
	}
	return c.Auth.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// VaultConfig locates the vault and its well-known directories. StateDir
// and the others are relative to Path.
type VaultConfig struct {
	Path     string `yaml:"path"`
	StateDir string `yaml:"state_dir"`
	DailyDir string `yaml:"daily_dir"`
	DropDir  string `yaml:"drop_dir"`
}

// Validate validates the vault configuration.
func (c *VaultConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
		validation.Field(&c.StateDir, validation.Required),
		validation.Field(&c.DropDir, validation.Required),
	)
}

// StatePath returns the absolute-or-relative path of the state directory.
func (c *VaultConfig) StatePath() string {
	return filepath.Join(c.Path, c.StateDir)
}

// EmbeddingConfig selects the active model and its backend endpoint.
type EmbeddingConfig struct {
	Model     string              `yaml:"model"`
	BaseURL   string              `yaml:"base_url"`
	APIKey    string              `yaml:"api_key"`
	Timeout   time.Duration       `yaml:"timeout"`
	Models    []embed.ModelConfig `yaml:"models"`
	CacheSize int                 `yaml:"cache_size"`
}

// Validate validates the embedding configuration.
func (c *EmbeddingConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Model, validation.Required),
		validation.Field(&c.CacheSize, validation.Min(0)),
	); err != nil {
		return err
	}
	for _, m := range c.Models {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("model %q: %w", m.Key, err)
		}
	}
	return nil
}

// WatcherConfig tunes the filesystem watcher.
type WatcherConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Debounce      time.Duration `yaml:"debounce"`
	RecencyWindow time.Duration `yaml:"recency_window"`
	IngestWorkers int           `yaml:"ingest_workers"`
	StopTimeout   time.Duration `yaml:"stop_timeout"`
}

// Validate validates the watcher configuration.
func (c *WatcherConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Debounce, validation.Min(time.Duration(0))),
		validation.Field(&c.RecencyWindow, validation.Min(time.Duration(0))),
		validation.Field(&c.IngestWorkers, validation.Required, validation.Min(1)),
		validation.Field(&c.StopTimeout, validation.Required),
	)
}

// ReindexConfig controls startup, scheduled and migration reindexing.
type ReindexConfig struct {
	OnStartup  string        `yaml:"on_startup"`
	Schedule   string        `yaml:"schedule"`
	BatchSize  int           `yaml:"batch_size"`
	BatchPause time.Duration `yaml:"batch_pause"`
}

// Validate validates the reindex configuration. The cron spec itself is
// checked when the scheduler is built.
func (c *ReindexConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.OnStartup, validation.Required, validation.In(StartupIncremental, StartupFull, StartupNone)),
		validation.Field(&c.BatchSize, validation.Min(0)),
	)
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	// Normalise empty mode to "disabled" for backward compatibility.
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// MCPConfig toggles the stdio MCP server.
type MCPConfig struct {
	Stdio bool `yaml:"stdio"`
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Vault: VaultConfig{
			Path:     "./vault",
			StateDir: vectorstore.DefaultStateDir,
			DailyDir: "daily",
			DropDir:  index.DefaultDropDir,
		},
		Embedding: EmbeddingConfig{
			Model:     embed.DefaultModel,
			BaseURL:   "http://localhost:11434/v1",
			Timeout:   60 * time.Second,
			CacheSize: 256,
		},
		Chunking: chunk.DefaultConfig(),
		Watcher: WatcherConfig{
			Enabled:       true,
			Debounce:      index.DefaultDebounce,
			RecencyWindow: index.DefaultRecencyWindow,
			IngestWorkers: 2,
			StopTimeout:   10 * time.Second,
		},
		Reindex: ReindexConfig{
			OnStartup:  StartupIncremental,
			BatchSize:  32,
			BatchPause: 100 * time.Millisecond,
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
	}
}
