// Copyright 2026 Cordon Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config is the single entry point for gateway configuration: one
// YAML document covering the gate, sandbox, stores, LLM providers, and the
// admin server, with environment-variable expansion and hot reload.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cordonlabs/cordon/gate"
	"github.com/cordonlabs/cordon/llm"
	"github.com/cordonlabs/cordon/observability"
	"github.com/cordonlabs/cordon/sandbox"
	"github.com/cordonlabs/cordon/schema"
)

// Config is the complete gateway configuration.
type Config struct {
	Version string `yaml:"version,omitempty"`
	Name    string `yaml:"name,omitempty"`

	Logging       LoggingConfig         `yaml:"logging,omitempty"`
	Database      DatabaseConfig        `yaml:"database,omitempty"`
	Audit         AuditConfig           `yaml:"audit,omitempty"`
	Gate          gate.Config           `yaml:"gate,omitempty"`
	Sandbox       SandboxConfig         `yaml:"sandbox,omitempty"`
	Approval      ApprovalConfig        `yaml:"approval,omitempty"`
	LLMs          map[string]llm.Config `yaml:"llms,omitempty"`
	Server        ServerConfig          `yaml:"server,omitempty"`
	Observability observability.Config  `yaml:"observability,omitempty"`
}

// LoggingConfig controls the process-wide logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
	Output string `yaml:"output"` // file path, or empty for stderr
}

func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "text"
	}
}

func (c *LoggingConfig) Validate() error {
	switch c.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid logging format: %s", c.Format)
	}
	return nil
}

// DatabaseConfig selects the SQL back-end shared by the audit and approval
// stores.
type DatabaseConfig struct {
	Dialect string `yaml:"dialect"`
	DSN     string `yaml:"dsn"`
}

func (c *DatabaseConfig) SetDefaults() {
	if c.Dialect == "" {
		c.Dialect = "sqlite"
	}
	if c.DSN == "" && c.Dialect == "sqlite" {
		c.DSN = "cordon.db"
	}
}

func (c *DatabaseConfig) Validate() error {
	switch c.Dialect {
	case "postgres", "mysql", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("unsupported database dialect: %s", c.Dialect)
	}
	if c.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}
	return nil
}

// AuditConfig tunes the audit store.
type AuditConfig struct {
	// Synchronous awaits persistence on every append instead of the default
	// fire-and-forget writer.
	Synchronous bool `yaml:"synchronous"`
}

// SandboxConfig is the YAML-facing form of the sandbox factory settings.
type SandboxConfig struct {
	Environment         string `yaml:"environment"`
	Enabled             *bool  `yaml:"enabled"`
	FailClosed          bool   `yaml:"fail_closed"`
	AllowDirectFallback bool   `yaml:"allow_direct_fallback"`
	Image               string `yaml:"image"`
	ArtifactsRoot       string `yaml:"artifacts_root"`
	TimeoutSeconds      int    `yaml:"timeout_seconds"`
}

func (c *SandboxConfig) SetDefaults() {
	if c.Environment == "" {
		c.Environment = "production"
	}
	if c.ArtifactsRoot == "" {
		c.ArtifactsRoot = "artifacts"
	}
}

func (c *SandboxConfig) Validate() error {
	switch c.Environment {
	case "test", "development", "production":
	default:
		return fmt.Errorf("invalid sandbox environment: %s", c.Environment)
	}
	if c.TimeoutSeconds < 0 {
		return fmt.Errorf("sandbox timeout_seconds cannot be negative")
	}
	return nil
}

// FactoryConfig converts to the executor factory's form.
func (c *SandboxConfig) FactoryConfig() sandbox.FactoryConfig {
	enabled := true
	if c.Enabled != nil {
		enabled = *c.Enabled
	}
	return sandbox.FactoryConfig{
		Environment:         c.Environment,
		SandboxEnabled:      enabled,
		FailClosed:          c.FailClosed,
		AllowDirectFallback: c.AllowDirectFallback,
		Docker: sandbox.DockerConfig{
			Image:         c.Image,
			ArtifactsRoot: c.ArtifactsRoot,
			Timeout:       time.Duration(c.TimeoutSeconds) * time.Second,
		},
	}
}

// ApprovalConfig tunes the approval store.
type ApprovalConfig struct {
	TTLSeconds       int      `yaml:"ttl_seconds"`
	TTLL4Seconds     int      `yaml:"ttl_l4_seconds"`
	AutoApproveAllow []string `yaml:"auto_approve_allow"`
	AutoApproveDeny  []string `yaml:"auto_approve_deny"`
}

func (c *ApprovalConfig) SetDefaults() {
	if c.TTLSeconds == 0 {
		c.TTLSeconds = 3600
	}
	if c.TTLL4Seconds == 0 {
		c.TTLL4Seconds = 86400
	}
}

func (c *ApprovalConfig) Validate() error {
	if c.TTLSeconds < 0 || c.TTLL4Seconds < 0 {
		return fmt.Errorf("approval ttl cannot be negative")
	}
	return nil
}

// ServerConfig controls the admin HTTP surface.
type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
}

func (c *ServerConfig) Validate() error {
	if c.Enabled && (c.Port <= 0 || c.Port > 65535) {
		return fmt.Errorf("invalid server port: %d", c.Port)
	}
	return nil
}

// SetDefaults fills unset fields throughout the tree.
func (c *Config) SetDefaults() {
	c.Logging.SetDefaults()
	c.Database.SetDefaults()
	c.Sandbox.SetDefaults()
	c.Approval.SetDefaults()
	c.Server.SetDefaults()
	c.Observability.SetDefaults()
	if c.Gate.ApprovalThreshold == "" {
		c.Gate.ApprovalThreshold = schema.L2
	}
	if c.LLMs == nil {
		c.LLMs = map[string]llm.Config{}
	}
	for name := range c.LLMs {
		cfg := c.LLMs[name]
		cfg.SetDefaults()
		c.LLMs[name] = cfg
	}
}

// Validate checks the whole tree.
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := c.Sandbox.Validate(); err != nil {
		return fmt.Errorf("sandbox: %w", err)
	}
	if err := c.Approval.Validate(); err != nil {
		return fmt.Errorf("approval: %w", err)
	}
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	if !c.Gate.ApprovalThreshold.Valid() {
		return fmt.Errorf("gate: invalid approval_threshold %q", string(c.Gate.ApprovalThreshold))
	}
	for name, level := range c.Gate.TrustOverrides {
		if !level.Valid() {
			return fmt.Errorf("gate: invalid trust override %s for %s", string(level), name)
		}
	}
	for name := range c.LLMs {
		cfg := c.LLMs[name]
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("llm %q: %w", name, err)
		}
	}
	return nil
}

// Load reads, expands, defaults, and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from YAML content.
func LoadFromBytes(data []byte) (*Config, error) {
	// Expand ${VAR} references against the raw document before decoding so
	// expansion reaches every string, including map keys.
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	expanded, err := yaml.Marshal(ExpandEnvInData(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
