// Package config provides configuration management for devrelay.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the runtime.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	NATS         NATSConfig         `mapstructure:"nats"`
	LLM          LLMConfig          `mapstructure:"llm"`
	Approval     ApprovalConfig     `mapstructure:"approval"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Gateway      GatewayConfig      `mapstructure:"gateway"`
	Agents       AgentsConfig       `mapstructure:"agents"`
	Tools        ToolsConfig        `mapstructure:"tools"`
	Plan         PlanConfig         `mapstructure:"plan"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// URL accepts both embedded engines (a plain file path or sqlite://path) and
// network engines (postgres://... DSN).
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds optional NATS mirroring configuration.
// An empty URL disables the mirror; bus events stay in-process only.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subjectPrefix"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LLMConfig holds LLM provider configuration.
type LLMConfig struct {
	BaseURL            string  `mapstructure:"baseUrl"`
	APIKey             string  `mapstructure:"apiKey"`
	Model              string  `mapstructure:"model"`
	Temperature        float64 `mapstructure:"temperature"`
	RequestTimeout     int     `mapstructure:"requestTimeout"` // in seconds
	MaxRetries         int     `mapstructure:"maxRetries"`
	BreakerThreshold   int     `mapstructure:"breakerThreshold"`
	BreakerCooldown    int     `mapstructure:"breakerCooldown"` // in seconds
	MaxConcurrentTurns int     `mapstructure:"maxConcurrentTurns"`
}

// ApprovalConfig holds HITL approval configuration.
type ApprovalConfig struct {
	DefaultTimeoutSeconds int    `mapstructure:"defaultTimeoutSeconds"`
	SweepInterval         int    `mapstructure:"sweepInterval"` // in seconds
	PolicyPath            string `mapstructure:"policyPath"`
}

// OrchestratorConfig holds turn-loop configuration.
type OrchestratorConfig struct {
	MaxIterations       int  `mapstructure:"maxIterations"`
	TurnTimeout         int  `mapstructure:"turnTimeout"` // in seconds
	TokenBudget         int  `mapstructure:"tokenBudget"`
	DebouncePersistence bool `mapstructure:"debouncePersistence"`
}

// GatewayConfig holds WebSocket edge configuration.
type GatewayConfig struct {
	HeartbeatInterval int `mapstructure:"heartbeatInterval"` // in seconds
	MaxMessageSize    int `mapstructure:"maxMessageSize"`    // in bytes
}

// AgentsConfig holds agent persona configuration.
type AgentsConfig struct {
	ConfigPath string `mapstructure:"configPath"` // optional YAML persona overrides
}

// ToolsConfig holds local tool execution configuration.
type ToolsConfig struct {
	WorkspaceRoot string `mapstructure:"workspaceRoot"` // sandbox for file and command tools
}

// PlanConfig holds plan/subtask execution configuration.
type PlanConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// AuthConfig holds authentication configuration for the admin API.
type AuthConfig struct {
	InternalAPIKey string `mapstructure:"internalApiKey"`
	JWTSecret      string `mapstructure:"jwtSecret"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// RequestTimeoutDuration returns the per-call LLM timeout as a time.Duration.
func (l *LLMConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(l.RequestTimeout) * time.Second
}

// BreakerCooldownDuration returns the circuit breaker cooldown as a time.Duration.
func (l *LLMConfig) BreakerCooldownDuration() time.Duration {
	return time.Duration(l.BreakerCooldown) * time.Second
}

// DefaultTimeout returns the approval expiry as a time.Duration.
func (a *ApprovalConfig) DefaultTimeout() time.Duration {
	return time.Duration(a.DefaultTimeoutSeconds) * time.Second
}

// SweepIntervalDuration returns the sweep period as a time.Duration.
func (a *ApprovalConfig) SweepIntervalDuration() time.Duration {
	return time.Duration(a.SweepInterval) * time.Second
}

// TurnTimeoutDuration returns the overall turn deadline as a time.Duration.
func (o *OrchestratorConfig) TurnTimeoutDuration() time.Duration {
	return time.Duration(o.TurnTimeout) * time.Second
}

// HeartbeatIntervalDuration returns the WS ping period as a time.Duration.
func (g *GatewayConfig) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(g.HeartbeatInterval) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("DEVRELAY_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - embedded sqlite unless a DSN is given
	v.SetDefault("database.url", "./devrelay.db")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means in-process events only
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subjectPrefix", "events")
	v.SetDefault("nats.maxReconnects", 10)

	// LLM defaults
	v.SetDefault("llm.baseUrl", "")
	v.SetDefault("llm.apiKey", "")
	v.SetDefault("llm.model", "gpt-4o")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.requestTimeout", 120)
	v.SetDefault("llm.maxRetries", 3)
	v.SetDefault("llm.breakerThreshold", 5)
	v.SetDefault("llm.breakerCooldown", 30)
	v.SetDefault("llm.maxConcurrentTurns", 64)

	// Approval defaults
	v.SetDefault("approval.defaultTimeoutSeconds", 300)
	v.SetDefault("approval.sweepInterval", 15)
	v.SetDefault("approval.policyPath", "")

	// Orchestrator defaults
	v.SetDefault("orchestrator.maxIterations", 10)
	v.SetDefault("orchestrator.turnTimeout", 600)
	v.SetDefault("orchestrator.tokenBudget", 96000)
	v.SetDefault("orchestrator.debouncePersistence", false)

	// Gateway defaults
	v.SetDefault("gateway.heartbeatInterval", 30)
	v.SetDefault("gateway.maxMessageSize", 512*1024)

	// Agents defaults
	v.SetDefault("agents.configPath", "")

	// Tools defaults
	v.SetDefault("tools.workspaceRoot", ".")

	// Plan defaults
	v.SetDefault("plan.enabled", false)

	// Auth defaults
	v.SetDefault("auth.internalApiKey", "")
	v.SetDefault("auth.jwtSecret", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix DEVRELAY_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/devrelay/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("DEVRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the well-known unprefixed knobs.
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion, so we
	// bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("database.url", "DB_URL", "DEVRELAY_DATABASE_URL")
	_ = v.BindEnv("llm.model", "LLM_MODEL", "DEVRELAY_LLM_MODEL")
	_ = v.BindEnv("llm.apiKey", "LLM_API_KEY", "DEVRELAY_LLM_API_KEY")
	_ = v.BindEnv("llm.baseUrl", "LLM_BASE_URL", "DEVRELAY_LLM_BASE_URL")
	_ = v.BindEnv("llm.requestTimeout", "REQUEST_TIMEOUT", "DEVRELAY_LLM_REQUEST_TIMEOUT")
	_ = v.BindEnv("llm.maxConcurrentTurns", "MAX_CONCURRENT_REQUESTS", "DEVRELAY_LLM_MAX_CONCURRENT_TURNS")
	_ = v.BindEnv("orchestrator.maxIterations", "ORCHESTRATOR_MAX_ITERATIONS", "DEVRELAY_ORCHESTRATOR_MAX_ITERATIONS")
	_ = v.BindEnv("orchestrator.debouncePersistence", "USE_EVENT_DRIVEN_PERSISTENCE", "DEVRELAY_ORCHESTRATOR_DEBOUNCE_PERSISTENCE")
	_ = v.BindEnv("approval.defaultTimeoutSeconds", "APPROVAL_DEFAULT_TIMEOUT_SECONDS", "DEVRELAY_APPROVAL_DEFAULT_TIMEOUT_SECONDS")
	_ = v.BindEnv("gateway.heartbeatInterval", "WS_HEARTBEAT_INTERVAL", "DEVRELAY_GATEWAY_HEARTBEAT_INTERVAL")
	_ = v.BindEnv("auth.internalApiKey", "INTERNAL_API_KEY", "DEVRELAY_AUTH_INTERNAL_API_KEY")
	_ = v.BindEnv("tools.workspaceRoot", "WORKSPACE_ROOT", "DEVRELAY_TOOLS_WORKSPACE_ROOT")
	_ = v.BindEnv("logging.level", "LOG_LEVEL", "DEVRELAY_LOGGING_LEVEL")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/devrelay/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.URL == "" {
		errs = append(errs, "database.url is required")
	}

	if cfg.LLM.Model == "" {
		errs = append(errs, "llm.model is required")
	}
	if cfg.LLM.MaxRetries < 0 {
		errs = append(errs, "llm.maxRetries must not be negative")
	}

	if cfg.Approval.DefaultTimeoutSeconds <= 0 {
		errs = append(errs, "approval.defaultTimeoutSeconds must be positive")
	}

	if cfg.Orchestrator.MaxIterations <= 0 {
		errs = append(errs, "orchestrator.maxIterations must be positive")
	}

	if cfg.Gateway.HeartbeatInterval <= 0 {
		errs = append(errs, "gateway.heartbeatInterval must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
