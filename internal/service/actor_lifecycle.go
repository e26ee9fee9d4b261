package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Strob0t/SessionForge/internal/domain"
	"github.com/Strob0t/SessionForge/internal/domain/execution"
	"github.com/Strob0t/SessionForge/internal/domain/session"

	otelx "github.com/Strob0t/SessionForge/internal/adapter/otel"
)

// reaperPassTimeout bounds one maintenance pass so a stuck store call
// cannot wedge the loop.
const reaperPassTimeout = 30 * time.Second

// startReaper launches the maintenance loop if it is not already running.
// next is the persisted fire time; a past time fires immediately, which is
// how a revived actor catches up on missed passes.
func (a *Actor) startReaper(next time.Time) {
	a.reaperMu.Lock()
	defer a.reaperMu.Unlock()
	if a.reaperCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.reaperCancel = cancel
	go a.reaperLoop(ctx, next)
}

// stopReaper cancels the loop. It does not wait: an in-flight pass is
// idempotent against the store and exits on its own.
func (a *Actor) stopReaper() {
	a.reaperMu.Lock()
	cancel := a.reaperCancel
	a.reaperCancel = nil
	a.reaperMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (a *Actor) reaperLoop(ctx context.Context, next time.Time) {
	interval := a.deps.reaperCfg.Interval
	for {
		wait := time.Until(next)
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if deleted := a.RunReaperPass(ctx); deleted || ctx.Err() != nil {
			return
		}

		next = time.Now().Add(interval)
		if err := a.deps.store.SetNextReapAt(ctx, a.sessionID, next); err != nil {
			slog.Warn("persist next reap time", "session_id", a.sessionID, "error", err)
		}
	}
}

// RunReaperPass runs the five maintenance steps for this session. Each step
// is isolated: a failing step is logged and the rest still run. Returns
// true when the session was deleted and the loop should stop.
func (a *Actor) RunReaperPass(ctx context.Context) (deleted bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}

	rctx, cancel := context.WithTimeout(ctx, reaperPassTimeout)
	defer cancel()
	rctx, span := otelx.StartReaperSpan(rctx, a.sessionID)
	defer span.End()

	sess, err := a.deps.store.GetSession(rctx, a.sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// deleted elsewhere; nothing left to maintain
			a.detach()
			return true
		}
		slog.Error("reaper: load session", "session_id", a.sessionID, "error", err)
		return false
	}

	now := time.Now()
	if a.reapSessionTTL(rctx, sess, now) {
		return true
	}
	a.reapStaleExecution(rctx, sess, now)
	a.reapEvents(rctx, now)
	a.reapLeases(rctx, now)
	a.reapIdleCompute(rctx, sess, now)

	a.deps.metrics.ReaperPass(rctx)
	return false
}

// reapSessionTTL deletes the whole session once it has been inactive past
// the session TTL.
func (a *Actor) reapSessionTTL(ctx context.Context, sess *session.Session, now time.Time) bool {
	if now.Sub(sess.LastActivityAt) < a.deps.reaperCfg.SessionTTL {
		return false
	}
	slog.Info("session ttl expired",
		"session_id", a.sessionID, "last_activity_at", sess.LastActivityAt)
	if sess.SandboxID != "" {
		if err := a.deps.orch.StopCompute(ctx, sess.SandboxID); err != nil {
			slog.Warn("reaper: stop compute", "session_id", a.sessionID, "sandbox_id", sess.SandboxID, "error", err)
		}
	}
	if err := a.deps.store.DeleteSession(ctx, a.sessionID); err != nil {
		slog.Error("reaper: delete session", "session_id", a.sessionID, "error", err)
		return false
	}
	a.invalidate(ctx)
	a.detach()
	return true
}

// reapStaleExecution times out the active execution: running past the
// stale-heartbeat window, pending past the start window, or a dangling
// pointer at a missing or already-terminal execution.
func (a *Actor) reapStaleExecution(ctx context.Context, sess *session.Session, now time.Time) {
	id := sess.ActiveExecutionID
	if id == "" {
		return
	}
	exec, err := a.deps.store.GetExecution(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			slog.Warn("reaper: clearing dangling active pointer", "session_id", a.sessionID, "execution_id", id)
			if err := a.deps.store.ClearActiveExecution(ctx, a.sessionID, id); err != nil {
				slog.Error("reaper: clear active pointer", "session_id", a.sessionID, "error", err)
			}
			return
		}
		slog.Error("reaper: load active execution", "execution_id", id, "error", err)
		return
	}
	if exec.Status.Terminal() {
		if err := a.deps.store.ClearActiveExecution(ctx, a.sessionID, id); err != nil {
			slog.Error("reaper: clear active pointer", "session_id", a.sessionID, "error", err)
		}
		return
	}

	var reason string
	switch {
	case exec.Status == execution.StatusRunning && exec.LastHeartbeatAt != nil &&
		now.Sub(*exec.LastHeartbeatAt) > a.deps.reaperCfg.StaleHeartbeat:
		reason = "heartbeat stale"
	case exec.Status == execution.StatusRunning && exec.LastHeartbeatAt == nil &&
		now.Sub(exec.StartedAt) > a.deps.reaperCfg.StaleHeartbeat:
		reason = "no heartbeat since start"
	case exec.Status == execution.StatusPending &&
		now.Sub(exec.StartedAt) > a.deps.reaperCfg.PendingStart:
		reason = "pending start timeout"
	default:
		return
	}
	slog.Info("reaper: timing out stale execution",
		"session_id", a.sessionID, "execution_id", id, "status", exec.Status, "reason", reason)
	a.finalizeLocked(ctx, exec, execution.StatusFailed, "timed out: "+reason)
}

// reapEvents prunes the event log past the retention window.
func (a *Actor) reapEvents(ctx context.Context, now time.Time) {
	cutoff := now.Add(-a.deps.reaperCfg.EventRetention)
	n, err := a.deps.events.DeleteBefore(ctx, a.sessionID, cutoff)
	if err != nil {
		slog.Error("reaper: prune events", "session_id", a.sessionID, "error", err)
		return
	}
	if n > 0 {
		slog.Debug("reaper: pruned events", "session_id", a.sessionID, "count", n)
	}
}

// reapLeases deletes expired lease rows for this session's executions.
func (a *Actor) reapLeases(ctx context.Context, now time.Time) {
	n, err := a.deps.store.DeleteExpiredLeases(ctx, a.sessionID, now)
	if err != nil {
		slog.Error("reaper: sweep leases", "session_id", a.sessionID, "error", err)
		return
	}
	if n > 0 {
		slog.Debug("reaper: swept expired leases", "session_id", a.sessionID, "count", n)
	}
}

// reapIdleCompute stops the sandbox once nothing is active and compute has
// been idle past the shutdown window.
func (a *Actor) reapIdleCompute(ctx context.Context, sess *session.Session, now time.Time) {
	if sess.SandboxID == "" {
		return
	}
	active, err := a.deps.store.GetActiveExecutionID(ctx, a.sessionID)
	if err != nil {
		slog.Error("reaper: read active pointer", "session_id", a.sessionID, "error", err)
		return
	}
	if active != "" {
		return
	}
	if sess.ComputeActiveAt != nil && now.Sub(*sess.ComputeActiveAt) < a.deps.reaperCfg.IdleShutdown {
		return
	}
	slog.Info("reaper: stopping idle sandbox", "session_id", a.sessionID, "sandbox_id", sess.SandboxID)
	if err := a.deps.orch.StopCompute(ctx, sess.SandboxID); err != nil {
		slog.Warn("reaper: stop idle sandbox", "session_id", a.sessionID, "sandbox_id", sess.SandboxID, "error", err)
		return
	}
	if err := a.deps.store.SetSandbox(ctx, a.sessionID, ""); err != nil {
		slog.Error("reaper: clear sandbox id", "session_id", a.sessionID, "error", err)
	}
	a.invalidate(ctx)
}
