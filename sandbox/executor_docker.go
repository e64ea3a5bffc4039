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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	defaultImage       = "cordonlabs/toolrunner:latest"
	defaultMemoryBytes = 512 * 1024 * 1024
	defaultNanoCPUs    = 1_000_000_000
	defaultPidsLimit   = 128
	defaultTimeout     = 60 * time.Second
	logSampleLimit     = 4096
)

// DockerConfig holds the Docker isolation parameters. Values are read once at
// construction; executors never consult the environment at call sites.
type DockerConfig struct {
	Image         string
	ArtifactsRoot string
	WorkRoot      string
	MemoryBytes   int64
	NanoCPUs      int64
	PidsLimit     int64
	Timeout       time.Duration
	User          string

	// Env is passed into every container. A blocked name here is a
	// startup-time failure.
	Env map[string]string
}

func (c *DockerConfig) setDefaults() {
	if c.Image == "" {
		c.Image = defaultImage
	}
	if c.ArtifactsRoot == "" {
		c.ArtifactsRoot = filepath.Join(os.TempDir(), "cordon-artifacts")
	}
	if c.WorkRoot == "" {
		c.WorkRoot = filepath.Join(os.TempDir(), "cordon-sandboxes")
	}
	if c.MemoryBytes == 0 {
		c.MemoryBytes = defaultMemoryBytes
	}
	if c.NanoCPUs == 0 {
		c.NanoCPUs = defaultNanoCPUs
	}
	if c.PidsLimit == 0 {
		c.PidsLimit = defaultPidsLimit
	}
	if c.Timeout == 0 {
		c.Timeout = defaultTimeout
	}
	if c.User == "" {
		c.User = "65534:65534"
	}
}

// DockerExecutor runs tool invocations in throwaway containers with a
// read-only root filesystem, no network, dropped capabilities, a non-root
// user, and explicit memory, CPU, and PID ceilings.
type DockerExecutor struct {
	cfg       DockerConfig
	cli       *client.Client
	clientErr error

	// fallback, when set, handles availability denials instead. Off by
	// default and forbidden in production; see the factory.
	fallback Executor
}

// NewDockerExecutor creates the Docker isolation strategy. A blocked
// environment variable in the config is a startup failure; an unreachable
// Docker daemon is not — it surfaces as a per-call denial.
func NewDockerExecutor(cfg DockerConfig) (*DockerExecutor, error) {
	if err := ValidateEnvNames(cfg.Env); err != nil {
		return nil, err
	}
	cfg.setDefaults()

	e := &DockerExecutor{cfg: cfg}
	e.cli, e.clientErr = client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	return e, nil
}

// Strategy implements Executor.
func (e *DockerExecutor) Strategy() string { return "docker" }

// Execute implements Executor. Every denial carries a failure reason from the
// closed enumeration; the container is never started on denial.
func (e *DockerExecutor) Execute(ctx context.Context, input *ExecuteInput) *Result {
	start := time.Now()
	sandboxID := newSandboxID()

	finish := func(r *Result) *Result {
		r.Duration = time.Since(start)
		return r
	}

	if err := input.Validate(); err != nil {
		return finish(deny(sandboxID, ReasonInvalidInput, err.Error()))
	}
	if err := ValidateEnvNames(input.Env); err != nil {
		return finish(deny(sandboxID, ReasonBlockedEnvVarRequested, err.Error()))
	}
	for _, host := range input.NetworkAllowlist {
		if strings.TrimSpace(host) == "" || strings.ContainsAny(host, " \t/") {
			return finish(deny(sandboxID, ReasonNetworkAllowlistInvalid,
				fmt.Sprintf("invalid allowlist entry: %q", host)))
		}
	}

	if e.clientErr != nil {
		return finish(e.denyOrFallback(ctx, input, sandboxID,
			ReasonDockerNotAvailable, e.clientErr.Error()))
	}
	if _, err := e.cli.Ping(ctx); err != nil {
		return finish(e.denyOrFallback(ctx, input, sandboxID,
			ReasonDockerNotRunning, err.Error()))
	}

	artifactsDir := filepath.Join(e.cfg.ArtifactsRoot, sandboxID)
	workDir := filepath.Join(e.cfg.WorkRoot, sandboxID)
	for _, dir := range []string{artifactsDir, workDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return finish(deny(sandboxID, ReasonArtifactsDirCreateFailed, err.Error()))
		}
	}

	if err := e.ensureImage(ctx); err != nil {
		return finish(deny(sandboxID, ReasonImagePullFailed, err.Error()))
	}

	payload, err := json.Marshal(map[string]any{
		"sandbox_id": sandboxID,
		"tool_name":  input.ToolName,
		"args":       input.Args,
	})
	if err != nil {
		return finish(deny(sandboxID, ReasonInvalidInput, err.Error()))
	}
	if err := os.WriteFile(filepath.Join(workDir, "input.json"), payload, 0o644); err != nil {
		return finish(deny(sandboxID, ReasonArtifactsDirCreateFailed, err.Error()))
	}

	timeout := e.cfg.Timeout
	if input.Timeout > 0 {
		timeout = input.Timeout
	}

	result := e.runContainer(ctx, sandboxID, input, workDir, artifactsDir, timeout)
	result.ArtifactPaths = collectArtifacts(artifactsDir)
	return finish(result)
}

func (e *DockerExecutor) denyOrFallback(ctx context.Context, input *ExecuteInput, sandboxID string, reason FailureReason, detail string) *Result {
	if e.fallback == nil {
		return deny(sandboxID, reason, detail)
	}
	slog.Warn("sandbox isolation unavailable, falling back to direct execution",
		"sandbox_id", sandboxID, "reason", string(reason), "tool", input.ToolName)
	return e.fallback.Execute(ctx, input)
}

// ensureImage pulls the runner image, tolerating pull failures when the image
// is already present locally.
func (e *DockerExecutor) ensureImage(ctx context.Context) error {
	rc, err := e.cli.ImagePull(ctx, e.cfg.Image, image.PullOptions{})
	if err == nil {
		defer rc.Close()
		_, err = io.Copy(io.Discard, rc)
		return err
	}
	if _, inspectErr := e.cli.ImageInspect(ctx, e.cfg.Image); inspectErr == nil {
		return nil
	}
	return fmt.Errorf("failed to pull image %s: %w", e.cfg.Image, err)
}

func (e *DockerExecutor) runContainer(ctx context.Context, sandboxID string, input *ExecuteInput, workDir, artifactsDir string, timeout time.Duration) *Result {
	cmd := input.Command
	if len(cmd) == 0 {
		cmd = []string{"/usr/local/bin/toolrunner", "/work/input.json"}
	}

	env := make([]string, 0, len(e.cfg.Env)+len(input.Env)+1)
	for k, v := range e.cfg.Env {
		env = append(env, k+"="+v)
	}
	for k, v := range input.Env {
		env = append(env, k+"="+v)
	}

	networkMode := container.NetworkMode("none")
	if len(input.NetworkAllowlist) > 0 {
		// Egress filtering to the listed hosts is enforced by the runner
		// image; the daemon side only distinguishes none vs bridge.
		networkMode = container.NetworkMode("bridge")
		env = append(env, "CORDON_NETWORK_ALLOWLIST="+strings.Join(input.NetworkAllowlist, ","))
	}

	pidsLimit := e.cfg.PidsLimit
	hostConfig := &container.HostConfig{
		NetworkMode:    networkMode,
		ReadonlyRootfs: true,
		SecurityOpt:    []string{"no-new-privileges:true"},
		CapDrop:        []string{"ALL"},
		Tmpfs: map[string]string{
			"/tmp": "rw,noexec,nosuid,size=64m",
		},
		Binds: []string{
			workDir + ":/work:ro",
			artifactsDir + ":/artifacts:rw",
		},
		Resources: container.Resources{
			Memory:    e.cfg.MemoryBytes,
			NanoCPUs:  e.cfg.NanoCPUs,
			PidsLimit: &pidsLimit,
		},
	}

	created, err := e.cli.ContainerCreate(ctx, &container.Config{
		Image: e.cfg.Image,
		Cmd:   cmd,
		Env:   env,
		User:  e.cfg.User,
		Tty:   false,
	}, hostConfig, nil, nil, sandboxID)
	if err != nil {
		return deny(sandboxID, ReasonContainerStartupFailed, err.Error())
	}
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.cli.ContainerRemove(rmCtx, created.ID, container.RemoveOptions{Force: true}); err != nil {
			slog.Warn("failed to remove sandbox container", "sandbox_id", sandboxID, "error", err)
		}
	}()

	if err := e.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return deny(sandboxID, ReasonContainerStartupFailed, err.Error())
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := &Result{SandboxID: sandboxID}
	waitCh, errCh := e.cli.ContainerWait(waitCtx, created.ID, container.WaitConditionNotRunning)
	select {
	case status := <-waitCh:
		result.ExitCode = int(status.StatusCode)
		result.Success = status.StatusCode == 0
		if status.Error != nil {
			result.Error = status.Error.Message
		}
	case err := <-errCh:
		killCtx, killCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if killErr := e.cli.ContainerKill(killCtx, created.ID, "KILL"); killErr != nil {
			slog.Warn("failed to kill sandbox container", "sandbox_id", sandboxID, "error", killErr)
		}
		killCancel()

		if waitCtx.Err() != nil && ctx.Err() == nil {
			result.TimedOut = true
			result.ExitCode = TimeoutExitCode
			result.FailureReason = ReasonExecutionTimeout
			result.Error = fmt.Sprintf("execution exceeded %s", timeout)
		} else {
			result.FailureReason = ReasonUnknownError
			result.Error = err.Error()
		}
		e.attachLogs(created.ID, result)
		return result
	}

	e.attachLogs(created.ID, result)
	if result.Success {
		result.Value = parseRunnerOutput(result.Stdout)
	} else if result.Error == "" {
		result.Error = fmt.Sprintf("handler exited with code %d", result.ExitCode)
	}
	return result
}

func (e *DockerExecutor) attachLogs(containerID string, result *Result) {
	logCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rc, err := e.cli.ContainerLogs(logCtx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		slog.Warn("failed to read sandbox logs", "container_id", containerID, "error", err)
		return
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		slog.Warn("failed to demux sandbox logs", "container_id", containerID, "error", err)
	}
	result.Stdout = truncate(stdout.String(), logSampleLimit)
	result.Stderr = truncate(stderr.String(), logSampleLimit)
}

// parseRunnerOutput interprets the last stdout line as the handler's JSON
// result; non-JSON output is wrapped verbatim.
func parseRunnerOutput(stdout string) map[string]any {
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])

	var value map[string]any
	if err := json.Unmarshal([]byte(last), &value); err == nil {
		return value
	}
	if stdout == "" {
		return map[string]any{}
	}
	return map[string]any{"raw_output": stdout}
}

func collectArtifacts(dir string) []string {
	var paths []string
	filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	return paths
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
