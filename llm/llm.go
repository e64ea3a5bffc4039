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

// Package llm abstracts the language-model back-ends driving workflow agents.
// Providers return complete turns; the orchestrator owns the tool loop.
package llm

import (
	"context"
	"fmt"

	"github.com/cordonlabs/cordon/registry"
	"github.com/cordonlabs/cordon/schema"
)

// Message is one turn of an agent conversation. Role is one of "system",
// "user", "assistant", or "tool".
type Message struct {
	Role       string
	Content    string
	ToolCallID string
	ToolCalls  []ToolCall
}

// ToolCall is a model request to invoke a tool.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// Turn is one complete model response.
type Turn struct {
	Text         string
	ToolCalls    []ToolCall
	InputTokens  int
	OutputTokens int
	TokensUsed   int
}

// Provider generates agent turns.
type Provider interface {
	// Generate produces the next turn for the conversation, given the tools
	// the calling agent may use.
	Generate(ctx context.Context, messages []Message, tools []*schema.ToolDefinition) (*Turn, error)

	// ModelName identifies the underlying model.
	ModelName() string

	// Close releases provider resources.
	Close() error
}

// Config configures a provider instance.
type Config struct {
	Type        string  `yaml:"type"`
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	Host        string  `yaml:"host"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	TimeoutSecs int     `yaml:"timeout"`
	MaxRetries  int     `yaml:"max_retries"`
	RetryDelay  int     `yaml:"retry_delay"`
}

// SetDefaults fills unset provider settings.
func (c *Config) SetDefaults() {
	if c.Temperature == 0 {
		c.Temperature = 1.0
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}
	if c.TimeoutSecs == 0 {
		c.TimeoutSecs = 120
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 2
	}
}

// Validate rejects unusable provider settings.
func (c *Config) Validate() error {
	if c.Type == "" {
		return fmt.Errorf("llm type is required")
	}
	if c.Model == "" {
		return fmt.Errorf("llm model is required")
	}
	return nil
}

// Registry manages named provider instances.
type Registry struct {
	providers *registry.BaseRegistry[Provider]
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: registry.NewBaseRegistry[Provider]()}
}

// Register stores a provider under a name.
func (r *Registry) Register(name string, p Provider) error {
	if p == nil {
		return fmt.Errorf("llm provider cannot be nil")
	}
	return r.providers.Register(name, p)
}

// CreateFromConfig builds a provider from configuration and registers it.
func (r *Registry) CreateFromConfig(name string, cfg *Config) (Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("llm config cannot be nil")
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid llm config: %w", err)
	}

	var (
		p   Provider
		err error
	)
	switch cfg.Type {
	case "anthropic":
		p, err = NewAnthropicProvider(cfg)
	default:
		return nil, fmt.Errorf("unsupported llm type: %s", cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	if err := r.Register(name, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Get retrieves a provider by name.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers.Get(name)
	if !ok {
		return nil, fmt.Errorf("llm provider %q not found", name)
	}
	return p, nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	return r.providers.Names()
}

// Close closes every registered provider, keeping the first error.
func (r *Registry) Close() error {
	var first error
	for _, p := range r.providers.List() {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
