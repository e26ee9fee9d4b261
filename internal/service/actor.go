// Package service implements the session orchestration core on top of the
// ports: per-session actors, their registry, the reaper, the compute
// orchestrator, and the callback dispatcher.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Strob0t/SessionForge/internal/config"
	"github.com/Strob0t/SessionForge/internal/domain"
	"github.com/Strob0t/SessionForge/internal/domain/event"
	"github.com/Strob0t/SessionForge/internal/domain/session"
	"github.com/Strob0t/SessionForge/internal/port/cache"
	"github.com/Strob0t/SessionForge/internal/port/callbackqueue"
	"github.com/Strob0t/SessionForge/internal/port/database"
	"github.com/Strob0t/SessionForge/internal/port/eventstore"
	"github.com/Strob0t/SessionForge/internal/port/stream"
	"github.com/Strob0t/SessionForge/internal/port/wrapper"

	otelx "github.com/Strob0t/SessionForge/internal/adapter/otel"
)

// actorDeps bundles the collaborators shared by every session actor. One
// instance is owned by the registry and handed to each actor it creates.
type actorDeps struct {
	store     database.Store
	events    eventstore.Store
	snapshots cache.Cache
	callbacks callbackqueue.Queue
	stream    stream.Broadcaster
	sender    wrapper.CommandSender
	orch      *Orchestrator
	tickets   *TicketService
	metrics   *otelx.Metrics

	reaperCfg config.Reaper
	leaseCfg  config.Lease
	cacheTTL  time.Duration
	secretKey []byte

	// dropActor detaches an actor from the registry. Set by the registry.
	dropActor func(sessionID string)
}

// Actor serializes every operation for one session id. Durable state lives
// in the store, so an evicted actor loses nothing; the registry re-creates
// it on the next use.
type Actor struct {
	sessionID string
	deps      *actorDeps

	// mu serializes all public operations and the reaper pass.
	mu sync.Mutex

	// lastUsed is read by the registry's idle-eviction sweep.
	lastUsed atomic.Int64

	reaperMu     sync.Mutex
	reaperCancel context.CancelFunc
}

func newActor(sessionID string, deps *actorDeps) *Actor {
	a := &Actor{sessionID: sessionID, deps: deps}
	a.touch()
	return a
}

// SessionID returns the id this actor serves.
func (a *Actor) SessionID() string { return a.sessionID }

func (a *Actor) touch() { a.lastUsed.Store(time.Now().UnixNano()) }

func (a *Actor) idleSince() time.Time { return time.Unix(0, a.lastUsed.Load()) }

// Callbacks returns the dispatch set for this session's ingest frames.
// Every func locks the actor, so wrapper reports never interleave with
// HTTP-driven operations on the same session.
func (a *Actor) Callbacks() *wrapper.Callbacks {
	return &wrapper.Callbacks{
		RecordEvent:          a.RecordEvent,
		UpdateAgentSessionID: a.UpdateAgentSessionID,
		LinkBackendRecord:    a.LinkBackendRecord,
		UpdateUpstreamBranch: a.UpdateUpstreamBranch,
		ClearActiveExecution: a.ClearActiveExecution,
		GetExecution:         a.GetExecution,
		TransitionExecution:  a.UpdateExecutionStatus,
		Heartbeat:            a.Heartbeat,
		FinalizeExecution:    a.OnExecutionComplete,
	}
}

// Prepare validates and stores the initial session configuration. A session
// that already exists is reported as a conflict.
func (a *Actor) Prepare(ctx context.Context, req *session.PrepareRequest) (*session.Session, error) {
	a.touch()
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.prepareLocked(ctx, req)
}

func (a *Actor) prepareLocked(ctx context.Context, req *session.PrepareRequest) (*session.Session, error) {
	if err := session.ValidateID(a.sessionID); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	_, err := a.deps.store.GetSession(ctx, a.sessionID)
	switch {
	case err == nil:
		return nil, fmt.Errorf("%w: session %s already prepared", domain.ErrConflict, a.sessionID)
	case !errors.Is(err, domain.ErrNotFound):
		return nil, err
	}

	cfg := req.Config
	if len(cfg.Secrets) > 0 {
		enc, err := session.EncryptSecrets(cfg.Secrets, a.deps.secretKey)
		if err != nil {
			return nil, err
		}
		cfg.Secrets = enc
	}

	now := time.Now()
	next := now.Add(a.deps.reaperCfg.Interval)
	created, err := a.deps.store.CreateSession(ctx, &session.Session{
		SessionID:  a.sessionID,
		UserID:     req.UserID,
		OrgID:      req.OrgID,
		Config:     cfg,
		PreparedAt: &now,
		NextReapAt: &next,
	})
	if err != nil {
		return nil, err
	}

	a.appendEvent(ctx, "", event.TypeSessionPrepared, nil)
	a.invalidate(ctx)
	a.startReaper(next)
	slog.Info("session prepared", "session_id", a.sessionID, "user_id", req.UserID)
	return created, nil
}

// Update applies a partial config patch. The merge is validated as a whole
// before anything is stored.
func (a *Actor) Update(ctx context.Context, patch *session.ConfigPatch) (*session.Session, error) {
	a.touch()
	a.mu.Lock()
	defer a.mu.Unlock()

	sess, err := a.deps.store.GetSession(ctx, a.sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.Prepared() {
		return nil, fmt.Errorf("%w: session %s not prepared", domain.ErrConflict, a.sessionID)
	}
	if sess.Initiated() {
		return nil, fmt.Errorf("%w: session %s already initiated", domain.ErrConflict, a.sessionID)
	}
	if patch.Empty() {
		return sess, nil
	}

	merged := sess.Config
	patch.Apply(&merged)
	if patch.Secrets != nil && len(merged.Secrets) > 0 {
		enc, err := session.EncryptSecrets(merged.Secrets, a.deps.secretKey)
		if err != nil {
			return nil, err
		}
		merged.Secrets = enc
	}
	if err := merged.Validate(); err != nil {
		return nil, err
	}

	if err := a.deps.store.SaveSessionConfig(ctx, a.sessionID, merged); err != nil {
		return nil, err
	}
	a.invalidate(ctx)
	slog.Info("session config updated", "session_id", a.sessionID)
	return a.deps.store.GetSession(ctx, a.sessionID)
}

// Initiate marks the session initiated exactly once and returns the stored
// session for execution planning.
func (a *Actor) Initiate(ctx context.Context) (*session.Session, error) {
	a.touch()
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.initiateLocked(ctx)
}

func (a *Actor) initiateLocked(ctx context.Context) (*session.Session, error) {
	sess, err := a.deps.store.GetSession(ctx, a.sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.Prepared() {
		return nil, fmt.Errorf("%w: session %s not prepared", domain.ErrConflict, a.sessionID)
	}
	if sess.Initiated() {
		return nil, fmt.Errorf("%w: session %s already initiated", domain.ErrConflict, a.sessionID)
	}

	if err := a.deps.store.MarkInitiated(ctx, a.sessionID); err != nil {
		return nil, err
	}
	a.appendEvent(ctx, "", event.TypeSessionInitiated, nil)
	a.invalidate(ctx)
	slog.Info("session initiated", "session_id", a.sessionID)
	return a.deps.store.GetSession(ctx, a.sessionID)
}

// Get returns the session with secrets redacted, served through the
// snapshot cache.
func (a *Actor) Get(ctx context.Context) (*session.Session, error) {
	a.touch()
	a.mu.Lock()
	defer a.mu.Unlock()

	key := a.cacheKey()
	if data, ok, err := a.deps.snapshots.Get(ctx, key); err == nil && ok {
		var sess session.Session
		if err := json.Unmarshal(data, &sess); err == nil {
			return &sess, nil
		}
		// unreadable entry: fall through to the store and overwrite
	}

	sess, err := a.deps.store.GetSession(ctx, a.sessionID)
	if err != nil {
		return nil, err
	}
	redacted := *sess
	redacted.Config = sess.Config.Redacted()

	if data, err := json.Marshal(&redacted); err == nil {
		if err := a.deps.snapshots.Set(ctx, key, data, a.deps.cacheTTL); err != nil {
			slog.Warn("cache session snapshot", "session_id", a.sessionID, "error", err)
		}
	}
	return &redacted, nil
}

// Delete stops compute best-effort, removes the session row (executions,
// events, and leases cascade), and drops the actor.
func (a *Actor) Delete(ctx context.Context) error {
	a.touch()
	a.mu.Lock()
	defer a.mu.Unlock()

	sess, err := a.deps.store.GetSession(ctx, a.sessionID)
	if err != nil {
		return err
	}
	if sess.SandboxID != "" {
		if err := a.deps.orch.StopCompute(ctx, sess.SandboxID); err != nil {
			slog.Warn("stop compute on delete", "session_id", a.sessionID, "sandbox_id", sess.SandboxID, "error", err)
		}
	}
	if err := a.deps.store.DeleteSession(ctx, a.sessionID); err != nil {
		return err
	}
	a.invalidate(ctx)
	a.detach()
	slog.Info("session deleted", "session_id", a.sessionID)
	return nil
}

// --- Internal helpers ---

// The dot-separated key stays inside the NATS KV charset; the id charset
// itself is enforced at prepare.
func (a *Actor) cacheKey() string { return "session." + a.sessionID }

// invalidate drops the cached snapshot. Best-effort.
func (a *Actor) invalidate(ctx context.Context) {
	if err := a.deps.snapshots.Delete(ctx, a.cacheKey()); err != nil {
		slog.Warn("invalidate session snapshot", "session_id", a.sessionID, "error", err)
	}
}

// appendEvent writes a lifecycle event to the log and fans it out to stream
// subscribers. Best-effort: failures are logged, never propagated.
func (a *Actor) appendEvent(ctx context.Context, executionID string, typ event.Type, payload any) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			slog.Error("marshal event payload", "session_id", a.sessionID, "type", typ, "error", err)
			return
		}
		raw = data
	}
	stored, err := a.deps.events.Append(ctx, event.Event{
		SessionID:   a.sessionID,
		ExecutionID: executionID,
		Type:        typ,
		Payload:     raw,
	})
	if err != nil {
		slog.Error("append event", "session_id", a.sessionID, "type", typ, "error", err)
		return
	}
	a.deps.metrics.EventAppended(ctx)
	a.deps.stream.Publish(ctx, *stored)
}

// detach removes the actor from the registry and stops its reaper loop.
func (a *Actor) detach() {
	if a.deps.dropActor != nil {
		a.deps.dropActor(a.sessionID)
	}
	a.stopReaper()
}
