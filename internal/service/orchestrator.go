package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/semaphore"

	"github.com/Strob0t/SessionForge/internal/config"
	"github.com/Strob0t/SessionForge/internal/domain/execution"
	"github.com/Strob0t/SessionForge/internal/domain/session"
	"github.com/Strob0t/SessionForge/internal/port/compute"
	"github.com/Strob0t/SessionForge/internal/port/tokenservice"
	"github.com/Strob0t/SessionForge/internal/resilience"
)

// maxConcurrentProvisions caps simultaneous sandbox starts so a burst of
// new executions cannot saturate the compute daemon.
const maxConcurrentProvisions = 4

// Classification sentinels for start failures. Both mark retryable
// infrastructure trouble; callers map them to result codes.
var (
	errComputeUnavailable = errors.New("compute unavailable")
	errTokenUnavailable   = errors.New("token service unavailable")
)

// Orchestrator owns everything compute-facing: sandbox lifecycle through
// the provider, repo token refresh through the token service, both behind
// circuit breakers.
type Orchestrator struct {
	compute compute.Provider
	tokens  tokenservice.Service // nil when refresh is disabled

	computeBreaker *resilience.Breaker
	tokenBreaker   *resilience.Breaker
	provisionSem   *semaphore.Weighted

	computeCfg config.Compute
	secretKey  []byte
}

// NewOrchestrator wires the compute provider and token service. tokens may
// be nil; executions then run with whatever token the session carries.
func NewOrchestrator(provider compute.Provider, tokens tokenservice.Service, computeCfg config.Compute, breakerCfg config.Breaker, secretKey []byte) *Orchestrator {
	return &Orchestrator{
		compute:        provider,
		tokens:         tokens,
		computeBreaker: resilience.NewBreaker(breakerCfg.MaxFailures, breakerCfg.Timeout),
		tokenBreaker:   resilience.NewBreaker(breakerCfg.MaxFailures, breakerCfg.Timeout),
		provisionSem:   semaphore.NewWeighted(maxConcurrentProvisions),
		computeCfg:     computeCfg,
		secretKey:      secretKey,
	}
}

// RefreshEnabled reports whether a token service is configured.
func (o *Orchestrator) RefreshEnabled() bool { return o.tokens != nil }

// BreakerStates reports both breaker states for the health surface.
func (o *Orchestrator) BreakerStates() (computeState, tokenState string) {
	return o.computeBreaker.State(), o.tokenBreaker.State()
}

// StartCompute launches a fresh sandbox for one execution. A sandbox hosts
// exactly one wrapper run, so any leftover from the previous execution is
// replaced first. All provider failures classify as retryable.
func (o *Orchestrator) StartCompute(ctx context.Context, sess *session.Session, exec *execution.Execution, message, ingestToken string) (string, error) {
	env, err := o.wrapperEnv(sess, exec, message, ingestToken)
	if err != nil {
		return "", err
	}

	if err := o.provisionSem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("%w: %v", errComputeUnavailable, err)
	}
	defer o.provisionSem.Release(1)

	if sess.SandboxID != "" {
		if _, err := o.compute.Get(ctx, sess.SandboxID); err == nil {
			if err := o.compute.Stop(ctx, sess.SandboxID); err != nil {
				slog.Warn("stop leftover sandbox", "session_id", sess.SessionID, "sandbox_id", sess.SandboxID, "error", err)
			}
		}
	}

	var sandboxID string
	err = o.computeBreaker.Execute(func() error {
		id, err := o.compute.Start(ctx, compute.Spec{
			SessionID:   sess.SessionID,
			ExecutionID: exec.ExecutionID,
			Env:         env,
		})
		if err != nil {
			return err
		}
		sandboxID = id
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", errComputeUnavailable, err)
	}
	return sandboxID, nil
}

// StopCompute tears a sandbox down. Stopping an already-gone sandbox is
// not an error at the provider, so this is safe to retry.
func (o *Orchestrator) StopCompute(ctx context.Context, sandboxID string) error {
	err := o.computeBreaker.Execute(func() error {
		return o.compute.Stop(ctx, sandboxID)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", errComputeUnavailable, err)
	}
	return nil
}

// FreshRepoToken exchanges the repo's installation for a new access token.
func (o *Orchestrator) FreshRepoToken(ctx context.Context, repo *session.RepoRef) (*tokenservice.Token, error) {
	if o.tokens == nil {
		return nil, fmt.Errorf("%w: token service not configured", errTokenUnavailable)
	}
	var tok *tokenservice.Token
	err := o.tokenBreaker.Execute(func() error {
		t, err := o.tokens.Exchange(ctx, repo.InstallationID, repo.AppType)
		if err != nil {
			return err
		}
		tok = t
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errTokenUnavailable, err)
	}
	return tok, nil
}

// wrapperEnv builds the full environment for one wrapper run: session env,
// decrypted secrets, repo access, and the ingest dial-back credentials.
func (o *Orchestrator) wrapperEnv(sess *session.Session, exec *execution.Execution, message, ingestToken string) (map[string]string, error) {
	cfg := sess.Config
	env := make(map[string]string, len(cfg.Env)+16)
	for k, v := range cfg.Env {
		env[k] = v
	}
	if len(cfg.Secrets) > 0 {
		dec, err := session.DecryptSecrets(cfg.Secrets, o.secretKey)
		if err != nil {
			return nil, fmt.Errorf("decrypt session secrets: %w", err)
		}
		for k, v := range dec {
			env[k] = v
		}
	}

	env["SESSIONFORGE_SESSION_ID"] = sess.SessionID
	env["SESSIONFORGE_EXECUTION_ID"] = exec.ExecutionID
	env["SESSIONFORGE_INGEST_URL"] = o.computeCfg.IngestURL
	env["SESSIONFORGE_INGEST_TOKEN"] = ingestToken

	prompt := cfg.Prompt
	if message != "" {
		prompt = message
	}
	env["SESSIONFORGE_PROMPT"] = prompt
	if cfg.Mode != "" {
		env["SESSIONFORGE_MODE"] = cfg.Mode
	}
	if cfg.Model != "" {
		env["SESSIONFORGE_MODEL"] = cfg.Model
	}
	if exec.StreamingMode != "" {
		env["SESSIONFORGE_STREAMING_MODE"] = exec.StreamingMode
	}

	if repo := cfg.Repo; repo != nil {
		env["SESSIONFORGE_REPO_URL"] = repo.URL
		if repo.Branch != "" {
			env["SESSIONFORGE_REPO_BRANCH"] = repo.Branch
		}
		if repo.UpstreamBranch != "" {
			env["SESSIONFORGE_REPO_UPSTREAM_BRANCH"] = repo.UpstreamBranch
		}
		if repo.AccessToken != "" {
			env["SESSIONFORGE_REPO_TOKEN"] = repo.AccessToken
		}
	}
	if len(cfg.SetupCommands) > 0 {
		data, err := json.Marshal(cfg.SetupCommands)
		if err != nil {
			return nil, fmt.Errorf("marshal setup commands: %w", err)
		}
		env["SESSIONFORGE_SETUP_COMMANDS"] = string(data)
	}
	if len(cfg.MCPServers) > 0 {
		data, err := json.Marshal(cfg.MCPServers)
		if err != nil {
			return nil, fmt.Errorf("marshal mcp servers: %w", err)
		}
		env["SESSIONFORGE_MCP_SERVERS"] = string(data)
	}
	return env, nil
}
