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

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cordonlabs/cordon/schema"
)

const sampleYAML = `
version: "1"
name: cordon-gateway
logging:
  level: debug
  format: json
database:
  dialect: postgres
  dsn: ${CORDON_TEST_DSN}
gate:
  approval_threshold: L2
  sandbox_writes: true
  trust_overrides:
    asi.get_bookings: L1
sandbox:
  environment: development
  enabled: false
  timeout_seconds: 30
approval:
  ttl_seconds: 1800
llms:
  main:
    type: anthropic
    model: claude-sonnet-4-5
    api_key: ${CORDON_TEST_API_KEY:-fallback-key}
server:
  enabled: true
  port: 9090
`

func TestLoadFromBytes(t *testing.T) {
	t.Setenv("CORDON_TEST_DSN", "postgres://cordon:secret@db/cordon")

	cfg, err := LoadFromBytes([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "cordon-gateway", cfg.Name)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "postgres://cordon:secret@db/cordon", cfg.Database.DSN)
	assert.Equal(t, schema.L2, cfg.Gate.ApprovalThreshold)
	assert.True(t, cfg.Gate.SandboxWrites)
	assert.Equal(t, schema.L1, cfg.Gate.TrustOverrides["asi.get_bookings"])
	assert.Equal(t, "development", cfg.Sandbox.Environment)
	require.NotNil(t, cfg.Sandbox.Enabled)
	assert.False(t, *cfg.Sandbox.Enabled)
	assert.Equal(t, 1800, cfg.Approval.TTLSeconds)
	assert.Equal(t, 86400, cfg.Approval.TTLL4Seconds, "unset TTL defaults")
	assert.Equal(t, 9090, cfg.Server.Port)

	// ${VAR:-default} falls back when the variable is unset.
	assert.Equal(t, "fallback-key", cfg.LLMs["main"].APIKey)
	assert.Equal(t, 4096, cfg.LLMs["main"].MaxTokens, "llm defaults applied")
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFromBytes([]byte("name: minimal\n"))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "sqlite", cfg.Database.Dialect)
	assert.Equal(t, "cordon.db", cfg.Database.DSN)
	assert.Equal(t, schema.L2, cfg.Gate.ApprovalThreshold)
	assert.Equal(t, "production", cfg.Sandbox.Environment)
	assert.Equal(t, 3600, cfg.Approval.TTLSeconds)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
}

func TestValidationFailures(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad dialect", "database:\n  dialect: oracle\n  dsn: x\n", "unsupported database dialect"},
		{"bad log format", "logging:\n  format: xml\n", "invalid logging format"},
		{"bad environment", "sandbox:\n  environment: staging\n", "invalid sandbox environment"},
		{"bad trust override", "gate:\n  trust_overrides:\n    t: L9\n", "invalid trust override"},
		{"bad llm", "llms:\n  x:\n    type: anthropic\n", "llm \"x\""},
		{"bad port", "server:\n  enabled: true\n  port: 99999\n", "invalid server port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromBytes([]byte(tt.yaml))
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestFactoryConfig(t *testing.T) {
	enabled := false
	c := SandboxConfig{
		Environment:    "test",
		Enabled:        &enabled,
		FailClosed:     true,
		Image:          "cordonlabs/toolrunner:2",
		ArtifactsRoot:  "/tmp/artifacts",
		TimeoutSeconds: 45,
	}
	fc := c.FactoryConfig()
	assert.Equal(t, "test", fc.Environment)
	assert.False(t, fc.SandboxEnabled)
	assert.True(t, fc.FailClosed)
	assert.Equal(t, "cordonlabs/toolrunner:2", fc.Docker.Image)
	assert.Equal(t, 45*time.Second, fc.Docker.Timeout)
}

func TestExpandEnvInData(t *testing.T) {
	t.Setenv("CORDON_TEST_PORT", "9191")
	t.Setenv("CORDON_TEST_FLAG", "true")

	out := ExpandEnvInData(map[string]any{
		"port":   "${CORDON_TEST_PORT}",
		"flag":   "$CORDON_TEST_FLAG",
		"keep":   "plain",
		"nested": []any{"${CORDON_TEST_MISSING:-fallback}"},
	}).(map[string]any)

	assert.Equal(t, 9191, out["port"], "numeric strings regain their type")
	assert.Equal(t, true, out["flag"])
	assert.Equal(t, "plain", out["keep"])
	assert.Equal(t, "fallback", out["nested"].([]any)[0])
}

func TestWatcher(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cordon.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: first\n"), 0o644))

	reloaded := make(chan *Config, 4)
	w, err := NewWatcher(path, func(c *Config) { reloaded <- c })
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("name: second\n"), 0o644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, "second", cfg.Name)
	case <-time.After(3 * time.Second):
		t.Fatal("reload never arrived")
	}

	// An invalid rewrite is rejected and produces no callback.
	require.NoError(t, os.WriteFile(path, []byte("database:\n  dialect: oracle\n  dsn: x\n"), 0o644))
	select {
	case cfg := <-reloaded:
		t.Fatalf("invalid config was accepted: %+v", cfg)
	case <-time.After(time.Second):
	}
}
