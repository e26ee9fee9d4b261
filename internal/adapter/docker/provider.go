// Package docker runs wrapper sandboxes as Docker containers through the
// docker CLI.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"github.com/Strob0t/SessionForge/internal/config"
	"github.com/Strob0t/SessionForge/internal/domain"
	"github.com/Strob0t/SessionForge/internal/port/compute"
)

// Provider implements compute.Provider on top of the local docker CLI.
// One container per execution; the container id doubles as the sandbox id.
type Provider struct {
	cfg config.Compute
}

// NewProvider creates a docker-backed compute provider.
func NewProvider(cfg config.Compute) *Provider {
	return &Provider{cfg: cfg}
}

// Start launches the wrapper container detached and returns its id.
func (p *Provider) Start(ctx context.Context, spec compute.Spec) (string, error) {
	out, err := runDocker(ctx, startArgs(p.cfg, spec)...)
	if err != nil {
		return "", fmt.Errorf("sandbox start: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// Stop gracefully stops and removes the container. A sandbox that is
// already gone is not an error.
func (p *Provider) Stop(ctx context.Context, sandboxID string) error {
	if sandboxID == "" {
		return nil
	}

	stopSecs := int(p.cfg.StopTimeout.Seconds())
	if stopSecs <= 0 {
		stopSecs = 10
	}
	if _, err := runDocker(ctx, "stop", "-t", strconv.Itoa(stopSecs), sandboxID); err != nil && !isGone(err) {
		return fmt.Errorf("sandbox stop: %w", err)
	}
	if _, err := runDocker(ctx, "rm", "-f", sandboxID); err != nil && !isGone(err) {
		return fmt.Errorf("sandbox remove: %w", err)
	}
	return nil
}

// Get inspects the container and returns its state.
func (p *Provider) Get(ctx context.Context, sandboxID string) (*compute.Info, error) {
	out, err := runDocker(ctx, "inspect", "--format", "{{.State.Status}}", sandboxID)
	if err != nil {
		if isGone(err) {
			return nil, fmt.Errorf("get sandbox %s: %w", sandboxID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("sandbox inspect: %w", err)
	}
	return &compute.Info{SandboxID: sandboxID, Status: strings.TrimSpace(out)}, nil
}

// startArgs builds the docker run arguments for one execution. Env vars
// are sorted so the argument list is deterministic.
func startArgs(cfg config.Compute, spec compute.Spec) []string {
	args := []string{
		"run", "-d",
		"--name", fmt.Sprintf("sessionforge-%s", shortID(spec.ExecutionID)),
		"--label", "sessionforge.session=" + spec.SessionID,
		"--label", "sessionforge.execution=" + spec.ExecutionID,
		fmt.Sprintf("--memory=%dm", cfg.MemoryMB),
		fmt.Sprintf("--cpus=%d", cfg.CPUs),
		fmt.Sprintf("--pids-limit=%d", cfg.PidsLimit),
		"--security-opt=no-new-privileges",
	}

	if cfg.NetworkMode != "" {
		args = append(args, "--network="+cfg.NetworkMode)
	}

	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+spec.Env[k])
	}

	return append(args, cfg.Image)
}

// isGone reports whether a docker error means the container no longer
// exists.
func isGone(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "No such container") || strings.Contains(msg, "No such object")
}

// shortID returns the first 12 characters of an ID (or the full string if shorter).
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// runDocker executes a docker command and returns stdout.
func runDocker(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "docker", args...) //nolint:gosec // G204: docker args are constructed internally, not from user input

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s: %w", strings.TrimSpace(stderr.String()), err)
	}
	return stdout.String(), nil
}
