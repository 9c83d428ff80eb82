// Package config defines herald's configuration tree and its loading
// pipeline: YAML with env expansion, mapstructure decoding, defaults,
// validation, and optional file watching.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kadirpekel/herald/pkg/observability"
)

// Config is the root of herald's configuration.
type Config struct {
	LLM           LLMConfig           `yaml:"llm"`
	Stream        StreamConfig        `yaml:"stream"`
	Engine        EngineConfig        `yaml:"engine"`
	Templates     TemplatesConfig     `yaml:"templates"`
	Fleet         FleetConfig         `yaml:"fleet"`
	Approval      ApprovalConfig      `yaml:"approval"`
	Credentials   CredentialsConfig   `yaml:"credentials"`
	Server        ServerConfig        `yaml:"server"`
	Observability observability.Config `yaml:"observability"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// LLMConfig configures the managed local model runtime.
type LLMConfig struct {
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`

	// Binary overrides discovery with an explicit runtime binary path.
	Binary string `yaml:"binary"`

	// BinaryCandidates is the ordered probe list used when Binary is unset.
	// Empty entries fall back to the built-in per-OS defaults.
	BinaryCandidates []string `yaml:"binary_candidates"`

	StartTimeout   time.Duration `yaml:"start_timeout"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	HealthInterval time.Duration `yaml:"health_interval"`
	StopGrace      time.Duration `yaml:"stop_grace"`
	PullTimeout    time.Duration `yaml:"pull_timeout"`
}

// SetDefaults applies default values to LLMConfig.
func (c *LLMConfig) SetDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost:11434"
	}
	if c.Model == "" {
		c.Model = "qwen2.5:14b"
	}
	if c.StartTimeout == 0 {
		c.StartTimeout = 60 * time.Second
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.HealthInterval == 0 {
		c.HealthInterval = 10 * time.Second
	}
	if c.StopGrace == 0 {
		c.StopGrace = 10 * time.Second
	}
	if c.PullTimeout == 0 {
		c.PullTimeout = 300 * time.Second
	}
}

// Validate checks LLMConfig for errors.
func (c *LLMConfig) Validate() error {
	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		return fmt.Errorf("llm.base_url must be an http(s) URL, got %q", c.BaseURL)
	}
	if c.Model == "" {
		return fmt.Errorf("llm.model is required")
	}
	return nil
}

// StreamConfig tunes the stream processor queues and UI cadence.
type StreamConfig struct {
	QueueSize      int           `yaml:"queue_size"`
	UIQueueSize    int           `yaml:"ui_queue_size"`
	UIBatchSize    int           `yaml:"ui_batch_size"`
	UpdateInterval time.Duration `yaml:"update_interval"`
}

// SetDefaults applies default values to StreamConfig.
func (c *StreamConfig) SetDefaults() {
	if c.QueueSize == 0 {
		c.QueueSize = 256
	}
	if c.UIQueueSize == 0 {
		c.UIQueueSize = 128
	}
	if c.UIBatchSize == 0 {
		c.UIBatchSize = 10
	}
	if c.UpdateInterval == 0 {
		c.UpdateInterval = 50 * time.Millisecond
	}
}

// Validate checks StreamConfig for errors.
func (c *StreamConfig) Validate() error {
	if c.QueueSize < 1 {
		return fmt.Errorf("stream.queue_size must be positive, got %d", c.QueueSize)
	}
	if c.UIBatchSize < 1 {
		return fmt.Errorf("stream.ui_batch_size must be positive, got %d", c.UIBatchSize)
	}
	if c.UpdateInterval < time.Millisecond {
		return fmt.Errorf("stream.update_interval too small: %s", c.UpdateInterval)
	}
	return nil
}

// EngineConfig tunes the reasoning engine.
type EngineConfig struct {
	Temperature     float64       `yaml:"temperature"`
	MaxTokens       int           `yaml:"max_tokens"`
	Streaming       *bool         `yaml:"streaming"`
	StreamTimeout   time.Duration `yaml:"stream_timeout"`
	BlockingTimeout time.Duration `yaml:"blocking_timeout"`
	HistoryCapacity int           `yaml:"history_capacity"`
	Workers         int           `yaml:"workers"`
}

// SetDefaults applies default values to EngineConfig.
func (c *EngineConfig) SetDefaults() {
	if c.Temperature == 0 {
		c.Temperature = 0.1
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 2048
	}
	if c.Streaming == nil {
		streaming := true
		c.Streaming = &streaming
	}
	if c.StreamTimeout == 0 {
		c.StreamTimeout = 120 * time.Second
	}
	if c.BlockingTimeout == 0 {
		c.BlockingTimeout = 30 * time.Second
	}
	if c.HistoryCapacity == 0 {
		c.HistoryCapacity = 1000
	}
	if c.Workers == 0 {
		c.Workers = 2
	}
}

// Validate checks EngineConfig for errors.
func (c *EngineConfig) Validate() error {
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("engine.temperature must be in [0,2], got %g", c.Temperature)
	}
	if c.MaxTokens < 1 {
		return fmt.Errorf("engine.max_tokens must be positive, got %d", c.MaxTokens)
	}
	if c.Workers < 1 {
		return fmt.Errorf("engine.workers must be positive, got %d", c.Workers)
	}
	return nil
}

// SelectionConfig tunes the AI template selector's LLM calls.
type SelectionConfig struct {
	Temperature     float64 `yaml:"temperature"`
	MaxTokens       int     `yaml:"max_tokens"`
	HistoryCapacity int     `yaml:"history_capacity"`
}

// SetDefaults applies default values to SelectionConfig.
func (c *SelectionConfig) SetDefaults() {
	if c.Temperature == 0 {
		c.Temperature = 0.3
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 1000
	}
	if c.HistoryCapacity == 0 {
		c.HistoryCapacity = 1000
	}
}

// TemplatesConfig configures the template store.
type TemplatesConfig struct {
	Dir       string          `yaml:"dir"`
	Watch     *bool           `yaml:"watch"`
	Selection SelectionConfig `yaml:"selection"`
}

// SetDefaults applies default values to TemplatesConfig.
func (c *TemplatesConfig) SetDefaults() {
	if c.Dir == "" {
		c.Dir = "templates"
	}
	if c.Watch == nil {
		watch := true
		c.Watch = &watch
	}
	c.Selection.SetDefaults()
}

// Validate checks TemplatesConfig for errors.
func (c *TemplatesConfig) Validate() error {
	if c.Dir == "" {
		return fmt.Errorf("templates.dir is required")
	}
	return nil
}

// AuthMode selects how the fleet client authenticates.
type AuthMode string

const (
	AuthNone   AuthMode = "none"
	AuthCookie AuthMode = "cookie"
	AuthBearer AuthMode = "bearer"
	AuthOAuth  AuthMode = "oauth"
	AuthAPIKey AuthMode = "api_key"
)

// FleetAuthConfig configures fleet API authentication. Secrets are given
// as ${VAR} references in YAML or pulled from the credential store by name.
type FleetAuthConfig struct {
	Mode AuthMode `yaml:"mode"`

	// Bearer / api_key
	Token     string `yaml:"token"`
	APIKey    string `yaml:"api_key"`
	KeyHeader string `yaml:"key_header"`

	// Cookie
	LoginPath string `yaml:"login_path"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`

	// OAuth client-credentials
	TokenURL     string `yaml:"token_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Scope        string `yaml:"scope"`
}

// SetDefaults applies default values to FleetAuthConfig.
func (c *FleetAuthConfig) SetDefaults() {
	if c.Mode == "" {
		c.Mode = AuthNone
	}
	if c.KeyHeader == "" {
		c.KeyHeader = "X-API-Key"
	}
	if c.LoginPath == "" {
		c.LoginPath = "/auth/login"
	}
}

// Validate checks FleetAuthConfig for errors.
func (c *FleetAuthConfig) Validate() error {
	switch c.Mode {
	case AuthNone, AuthCookie, AuthBearer, AuthOAuth, AuthAPIKey:
	default:
		return fmt.Errorf("fleet.auth.mode must be one of none|cookie|bearer|oauth|api_key, got %q", c.Mode)
	}
	if c.Mode == AuthOAuth && c.TokenURL == "" {
		return fmt.Errorf("fleet.auth.token_url is required for oauth mode")
	}
	return nil
}

// FleetConfig configures the external fleet API client.
type FleetConfig struct {
	BaseURL      string          `yaml:"base_url"`
	Auth         FleetAuthConfig `yaml:"auth"`
	VerifySSL    *bool           `yaml:"verify_ssl"`
	MaxRetries   int             `yaml:"max_retries"`
	RetryBackoff time.Duration   `yaml:"retry_backoff"`
	Timeout      time.Duration   `yaml:"timeout"`
}

// SetDefaults applies default values to FleetConfig.
func (c *FleetConfig) SetDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost:8000"
	}
	if c.VerifySSL == nil {
		verify := true
		c.VerifySSL = &verify
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 2 * time.Second
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	c.Auth.SetDefaults()
}

// Validate checks FleetConfig for errors.
func (c *FleetConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("fleet.base_url is required")
	}
	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		return fmt.Errorf("fleet.base_url must be an http(s) URL, got %q", c.BaseURL)
	}
	return c.Auth.Validate()
}

// ApprovalConfig configures the approval state machine.
type ApprovalConfig struct {
	UserID        string `yaml:"user_id"`
	AuditCapacity int    `yaml:"audit_capacity"`
}

// SetDefaults applies default values to ApprovalConfig.
func (c *ApprovalConfig) SetDefaults() {
	if c.UserID == "" {
		c.UserID = "operator"
	}
	if c.AuditCapacity == 0 {
		c.AuditCapacity = 100
	}
}

// CredentialsConfig configures the encrypted credential store.
type CredentialsConfig struct {
	Dir           string `yaml:"dir"`
	PassphraseEnv string `yaml:"passphrase_env"`
}

// SetDefaults applies default values to CredentialsConfig.
func (c *CredentialsConfig) SetDefaults() {
	if c.PassphraseEnv == "" {
		c.PassphraseEnv = "HERALD_PASSPHRASE"
	}
}

// ServerConfig configures the UI event bridge server.
type ServerConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// SetDefaults applies default values to ServerConfig.
func (c *ServerConfig) SetDefaults() {
	if c.Enabled == nil {
		enabled := true
		c.Enabled = &enabled
	}
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
}

// Validate checks ServerConfig for errors.
func (c *ServerConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("server.port must be in [0,65535], got %d", c.Port)
	}
	return nil
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// SetDefaults applies default values to LoggingConfig.
func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "simple"
	}
}

// Validate checks LoggingConfig for errors.
func (c *LoggingConfig) Validate() error {
	switch strings.ToLower(c.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level must be debug|info|warn|error, got %q", c.Level)
	}
	switch c.Format {
	case "simple", "text", "json":
	default:
		return fmt.Errorf("logging.format must be simple|text|json, got %q", c.Format)
	}
	return nil
}

// SetDefaults applies default values to the whole tree.
func (c *Config) SetDefaults() {
	c.LLM.SetDefaults()
	c.Stream.SetDefaults()
	c.Engine.SetDefaults()
	c.Templates.SetDefaults()
	c.Fleet.SetDefaults()
	c.Approval.SetDefaults()
	c.Credentials.SetDefaults()
	c.Server.SetDefaults()
	c.Observability.SetDefaults()
	c.Logging.SetDefaults()
}

// Validate checks the whole tree for errors.
func (c *Config) Validate() error {
	if err := c.LLM.Validate(); err != nil {
		return err
	}
	if err := c.Stream.Validate(); err != nil {
		return err
	}
	if err := c.Engine.Validate(); err != nil {
		return err
	}
	if err := c.Templates.Validate(); err != nil {
		return err
	}
	if err := c.Fleet.Validate(); err != nil {
		return err
	}
	if err := c.Server.Validate(); err != nil {
		return err
	}
	if err := c.Observability.Validate(); err != nil {
		return err
	}
	return c.Logging.Validate()
}
