package service

import (
	"context"
	"crypto/hmac"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Strob0t/SessionForge/internal/config"
	"github.com/Strob0t/SessionForge/internal/domain"
	"github.com/Strob0t/SessionForge/internal/domain/execution"
	"github.com/Strob0t/SessionForge/internal/port/cache"
	"github.com/Strob0t/SessionForge/internal/port/callbackqueue"
	"github.com/Strob0t/SessionForge/internal/port/database"
	"github.com/Strob0t/SessionForge/internal/port/eventstore"
	"github.com/Strob0t/SessionForge/internal/port/stream"
	"github.com/Strob0t/SessionForge/internal/port/wrapper"

	otelx "github.com/Strob0t/SessionForge/internal/adapter/otel"
)

// Residency tunables. The sweep evicts actors idle past the TTL and
// revives evicted sessions whose persisted reap time has come due.
const (
	actorIdleTTL       = 15 * time.Minute
	registrySweepEvery = time.Minute
	dueSweepBatch      = 100
)

// ErrUnauthorized rejects an ingest connection whose token does not match
// the execution's stored hash.
var ErrUnauthorized = errors.New("unauthorized: ingest token mismatch")

// nopSender satisfies wrapper.CommandSender until the ingest hub is
// installed with SetCommandSender.
type nopSender struct{}

func (nopSender) Send(context.Context, string, string, wrapper.Command) int { return 0 }

// Registry owns the resident session actors. At most one actor exists per
// session id, so every operation on a session serializes on that actor's
// lock no matter which surface it arrived through.
type Registry struct {
	deps  *actorDeps
	group singleflight.Group

	mu     sync.RWMutex
	actors map[string]*Actor

	cancel context.CancelFunc
}

// NewRegistry builds the registry and the dependency set shared by all
// actors. The command sender starts as a no-op; interrupts report zero
// deliveries until SetCommandSender installs the ingest hub.
func NewRegistry(store database.Store, events eventstore.Store, snapshots cache.Cache, callbacks callbackqueue.Queue, broadcaster stream.Broadcaster, orch *Orchestrator, tickets *TicketService, metrics *otelx.Metrics, cfg *config.Config, secretKey []byte) *Registry {
	r := &Registry{
		actors: make(map[string]*Actor),
	}
	r.deps = &actorDeps{
		store:     store,
		events:    events,
		snapshots: snapshots,
		callbacks: callbacks,
		stream:    broadcaster,
		sender:    nopSender{},
		orch:      orch,
		tickets:   tickets,
		metrics:   metrics,
		reaperCfg: cfg.Reaper,
		leaseCfg:  cfg.Lease,
		cacheTTL:  cfg.Cache.SessionTTL,
		secretKey: secretKey,
		dropActor: r.remove,
	}
	return r
}

// SetCommandSender installs the live command sender. The ingest hub is
// constructed after the registry, so it is wired in here rather than in
// NewRegistry. Must be called before the registry starts serving.
func (r *Registry) SetCommandSender(s wrapper.CommandSender) {
	r.deps.sender = s
}

// ActorFor returns the resident actor for sessionID, creating one if
// needed. Concurrent calls for the same id share a single creation; an
// existing session resumes its reaper schedule from the persisted next
// reap time.
func (r *Registry) ActorFor(ctx context.Context, sessionID string) (*Actor, error) {
	r.mu.RLock()
	a, ok := r.actors[sessionID]
	r.mu.RUnlock()
	if ok {
		a.touch()
		return a, nil
	}

	v, err, _ := r.group.Do(sessionID, func() (any, error) {
		r.mu.RLock()
		existing, ok := r.actors[sessionID]
		r.mu.RUnlock()
		if ok {
			return existing, nil
		}

		a := newActor(sessionID, r.deps)
		sess, err := r.deps.store.GetSession(ctx, sessionID)
		switch {
		case err == nil:
			next := time.Now().Add(r.deps.reaperCfg.Interval)
			if sess.NextReapAt != nil {
				next = *sess.NextReapAt
			}
			a.startReaper(next)
		case errors.Is(err, domain.ErrNotFound):
			// No row yet. Prepare or StartExecution schedules the
			// reaper once the session exists.
		default:
			return nil, fmt.Errorf("load session %s: %w", sessionID, err)
		}

		r.mu.Lock()
		r.actors[sessionID] = a
		r.mu.Unlock()
		return a, nil
	})
	if err != nil {
		return nil, err
	}
	a = v.(*Actor)
	a.touch()
	return a, nil
}

// CallbacksFor implements wrapper.CallbackProvider.
func (r *Registry) CallbacksFor(ctx context.Context, sessionID string) (*wrapper.Callbacks, error) {
	a, err := r.ActorFor(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return a.Callbacks(), nil
}

// Authorize implements wrapper.IngestAuth. The execution must belong to
// the session, must not be terminal, and the presented token must hash to
// the stored ingest token hash.
func (r *Registry) Authorize(ctx context.Context, sessionID, executionID, token string) (*execution.Execution, error) {
	a, err := r.ActorFor(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	exec, err := a.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status.Terminal() {
		return nil, fmt.Errorf("%w: execution %s is %s", domain.ErrConflict, executionID, exec.Status)
	}
	if !hmac.Equal([]byte(hashSHA256(token)), []byte(exec.IngestTokenHash)) {
		return nil, ErrUnauthorized
	}
	return exec, nil
}

// Start launches the background residency sweep.
func (r *Registry) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go r.run(ctx)
}

// Close stops the sweep and every resident reaper loop.
func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Lock()
	actors := make([]*Actor, 0, len(r.actors))
	for id, a := range r.actors {
		delete(r.actors, id)
		actors = append(actors, a)
	}
	r.mu.Unlock()
	for _, a := range actors {
		a.stopReaper()
	}
	slog.Info("session registry closed", "actors", len(actors))
}

// ResidentActors reports how many actors are currently resident.
func (r *Registry) ResidentActors() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actors)
}

// --- Sweep loop ---

func (r *Registry) run(ctx context.Context) {
	ticker := time.NewTicker(registrySweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.evictIdle(now)
			r.reviveDue(ctx, now)
		}
	}
}

// evictIdle drops actors idle past actorIdleTTL and stops their reaper
// loops. Their sessions keep their persisted reap schedule and come back
// through reviveDue or the next ActorFor.
func (r *Registry) evictIdle(now time.Time) {
	cutoff := now.Add(-actorIdleTTL)
	var evicted []*Actor
	r.mu.Lock()
	for id, a := range r.actors {
		if a.idleSince().Before(cutoff) {
			delete(r.actors, id)
			evicted = append(evicted, a)
		}
	}
	r.mu.Unlock()
	for _, a := range evicted {
		a.stopReaper()
	}
	if len(evicted) > 0 {
		slog.Debug("evicted idle session actors", "count", len(evicted))
	}
}

// reviveDue wakes sessions whose next reap time has passed while they had
// no resident actor. ActorFor schedules their reaper from the persisted
// time, which is already due, so the pass runs immediately.
func (r *Registry) reviveDue(ctx context.Context, now time.Time) {
	ids, err := r.deps.store.ListDueSessions(ctx, now, dueSweepBatch)
	if err != nil {
		slog.Error("list due sessions", "error", err)
		return
	}
	for _, id := range ids {
		if r.resident(id) {
			continue
		}
		if _, err := r.ActorFor(ctx, id); err != nil {
			slog.Error("revive session actor", "session_id", id, "error", err)
		}
	}
}

func (r *Registry) resident(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.actors[sessionID]
	return ok
}

// remove drops one actor from the map. Installed as actorDeps.dropActor;
// the actor calls it after deleting its own session.
func (r *Registry) remove(sessionID string) {
	r.mu.Lock()
	delete(r.actors, sessionID)
	r.mu.Unlock()
}
