package docker

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Strob0t/SessionForge/internal/config"
	"github.com/Strob0t/SessionForge/internal/port/compute"
)

func TestStartArgs(t *testing.T) {
	cfg := config.Compute{
		Image:       "sessionforge/wrapper:latest",
		NetworkMode: "bridge",
		MemoryMB:    2048,
		CPUs:        2,
		PidsLimit:   256,
		StopTimeout: 10 * time.Second,
	}
	spec := compute.Spec{
		SessionID:   "sess-1",
		ExecutionID: "0123456789abcdef",
		Env: map[string]string{
			"B_VAR": "2",
			"A_VAR": "1",
		},
	}

	args := startArgs(cfg, spec)
	joined := strings.Join(args, " ")

	if args[0] != "run" || args[1] != "-d" {
		t.Fatalf("expected detached run, got %v", args[:2])
	}
	if !strings.Contains(joined, "--name sessionforge-0123456789ab") {
		t.Errorf("expected truncated execution id in name: %s", joined)
	}
	if !strings.Contains(joined, "--label sessionforge.session=sess-1") {
		t.Errorf("missing session label: %s", joined)
	}
	if !strings.Contains(joined, "--memory=2048m") || !strings.Contains(joined, "--cpus=2") {
		t.Errorf("missing resource limits: %s", joined)
	}
	if !strings.Contains(joined, "--network=bridge") {
		t.Errorf("missing network mode: %s", joined)
	}
	// Env must be sorted for a stable argument list.
	if !strings.Contains(joined, "-e A_VAR=1 -e B_VAR=2") {
		t.Errorf("env vars not sorted: %s", joined)
	}
	if args[len(args)-1] != "sessionforge/wrapper:latest" {
		t.Errorf("expected image last, got %s", args[len(args)-1])
	}
}

func TestStartArgsNoNetworkMode(t *testing.T) {
	args := startArgs(config.Compute{Image: "img"}, compute.Spec{ExecutionID: "e1"})
	for _, a := range args {
		if strings.HasPrefix(a, "--network=") {
			t.Fatalf("expected no network flag, got %s", a)
		}
	}
}

func TestIsGone(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("Error response from daemon: No such container: abc"), true},
		{errors.New("Error: No such object: abc"), true},
		{errors.New("Cannot connect to the Docker daemon"), false},
	}
	for _, tc := range cases {
		if got := isGone(tc.err); got != tc.want {
			t.Errorf("isGone(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestShortID(t *testing.T) {
	if got := shortID("0123456789abcdef"); got != "0123456789ab" {
		t.Errorf("expected 12-char prefix, got %q", got)
	}
	if got := shortID("abc"); got != "abc" {
		t.Errorf("expected short id unchanged, got %q", got)
	}
}
