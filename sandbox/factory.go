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

package sandbox

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// FactoryConfig selects the isolation strategy. It is read from the process
// environment exactly once, at construction; call sites never re-read it.
type FactoryConfig struct {
	// Environment is the deployment environment: "test", "development", or
	// "production".
	Environment string

	// SandboxEnabled toggles isolation in development. Ignored in production.
	SandboxEnabled bool

	// FailClosed forces full isolation with deny-on-unavailable regardless of
	// environment.
	FailClosed bool

	// AllowDirectFallback permits direct execution when isolation is
	// unavailable. Off by default and forbidden in production.
	AllowDirectFallback bool

	Docker DockerConfig
}

// FactoryConfigFromEnv reads the factory configuration from the process
// environment.
func FactoryConfigFromEnv() FactoryConfig {
	cfg := FactoryConfig{
		Environment:         os.Getenv("NODE_ENV"),
		SandboxEnabled:      envBool("SANDBOX_ENABLED", true),
		FailClosed:          envBool("SANDBOX_FAIL_CLOSED", false),
		AllowDirectFallback: envBool("SANDBOX_ALLOW_DIRECT_FALLBACK", false),
		Docker: DockerConfig{
			Image:         os.Getenv("SANDBOX_IMAGE"),
			ArtifactsRoot: os.Getenv("SANDBOX_ARTIFACTS_ROOT"),
		},
	}
	if cfg.Environment == "" {
		cfg.Environment = "production"
	}
	if secs := os.Getenv("SANDBOX_TIMEOUT_SECONDS"); secs != "" {
		if n, err := strconv.Atoi(secs); err == nil && n > 0 {
			cfg.Docker.Timeout = time.Duration(n) * time.Second
		}
	}
	return cfg
}

func envBool(name string, fallback bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// NewExecutorFromConfig builds the isolation strategy the configuration
// selects:
//
//   - test → passthrough;
//   - development with sandboxing disabled → passthrough, with a warning;
//   - production, or fail-closed set → Docker isolation, denying when the
//     daemon is unavailable.
func NewExecutorFromConfig(cfg FactoryConfig) (Executor, error) {
	production := cfg.Environment == "production"

	if cfg.AllowDirectFallback && (production || cfg.FailClosed) {
		return nil, fmt.Errorf("direct execution fallback is forbidden in fail-closed environments")
	}

	if !cfg.FailClosed {
		switch {
		case cfg.Environment == "test":
			return NewPassthroughExecutor(cfg.Docker.Timeout), nil
		case cfg.Environment == "development" && !cfg.SandboxEnabled:
			slog.Warn("sandbox isolation disabled, tool handlers run without containment",
				"environment", cfg.Environment)
			return NewPassthroughExecutor(cfg.Docker.Timeout), nil
		}
	}

	docker, err := NewDockerExecutor(cfg.Docker)
	if err != nil {
		return nil, err
	}
	if cfg.AllowDirectFallback {
		slog.Warn("direct execution fallback enabled, isolation failures will not deny")
		docker.fallback = NewPassthroughExecutor(cfg.Docker.Timeout)
	}
	return docker, nil
}
