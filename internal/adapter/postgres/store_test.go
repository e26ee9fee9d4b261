package postgres_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/SessionForge/internal/adapter/postgres"
	"github.com/Strob0t/SessionForge/internal/domain"
	"github.com/Strob0t/SessionForge/internal/domain/event"
	"github.com/Strob0t/SessionForge/internal/domain/execution"
	"github.com/Strob0t/SessionForge/internal/domain/lease"
	"github.com/Strob0t/SessionForge/internal/domain/session"
)

// setupPool creates a pgxpool connection, runs all migrations, and returns
// the pool. The pool is closed via t.Cleanup.
func setupPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("requires DATABASE_URL")
	}

	ctx := context.Background()

	if err := postgres.RunMigrations(ctx, dsn); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	t.Cleanup(pool.Close)

	return pool
}

func setupStore(t *testing.T) *postgres.Store {
	t.Helper()
	return postgres.NewStore(setupPool(t))
}

// createTestSession inserts a prepared session and returns it. The row is
// removed via t.Cleanup.
func createTestSession(t *testing.T, store *postgres.Store) *session.Session {
	t.Helper()
	now := time.Now().UTC()
	created, err := store.CreateSession(context.Background(), &session.Session{
		SessionID:  uuid.New().String(),
		UserID:     "user-" + uuid.New().String()[:8],
		Config:     session.Config{Prompt: "fix the flaky test", Model: "fast-1"},
		PreparedAt: &now,
	})
	if err != nil {
		t.Fatalf("create test session: %v", err)
	}
	t.Cleanup(func() {
		_ = store.DeleteSession(context.Background(), created.SessionID)
	})
	return created
}

func addTestExecution(t *testing.T, store *postgres.Store, sessionID string) *execution.Execution {
	t.Helper()
	created, err := store.AddExecution(context.Background(), &execution.Execution{
		ExecutionID:     uuid.New().String(),
		SessionID:       sessionID,
		Kind:            execution.KindFollowup,
		Status:          execution.StatusPending,
		IngestTokenHash: "deadbeef",
	})
	if err != nil {
		t.Fatalf("add test execution: %v", err)
	}
	return created
}

func TestStore_SessionLifecycle(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	created := createTestSession(t, store)
	if created.Version != 1 {
		t.Fatalf("expected version 1, got %d", created.Version)
	}
	if !created.Prepared() {
		t.Fatal("expected session prepared")
	}
	if created.Initiated() {
		t.Fatal("expected session not initiated")
	}

	t.Run("Get", func(t *testing.T) {
		got, err := store.GetSession(ctx, created.SessionID)
		if err != nil {
			t.Fatalf("GetSession: %v", err)
		}
		if got.Config.Prompt != "fix the flaky test" {
			t.Fatalf("unexpected prompt %q", got.Config.Prompt)
		}
	})

	t.Run("SaveConfigBumpsVersion", func(t *testing.T) {
		cfg := created.Config
		cfg.Model = "smart-2"
		if err := store.SaveSessionConfig(ctx, created.SessionID, cfg); err != nil {
			t.Fatalf("SaveSessionConfig: %v", err)
		}
		got, err := store.GetSession(ctx, created.SessionID)
		if err != nil {
			t.Fatalf("GetSession: %v", err)
		}
		if got.Config.Model != "smart-2" {
			t.Fatalf("unexpected model %q", got.Config.Model)
		}
		if got.Version != created.Version+1 {
			t.Fatalf("expected version %d, got %d", created.Version+1, got.Version)
		}
	})

	t.Run("MarkInitiated", func(t *testing.T) {
		if err := store.MarkInitiated(ctx, created.SessionID); err != nil {
			t.Fatalf("MarkInitiated: %v", err)
		}
		got, err := store.GetSession(ctx, created.SessionID)
		if err != nil {
			t.Fatalf("GetSession: %v", err)
		}
		if !got.Initiated() {
			t.Fatal("expected session initiated")
		}
	})

	t.Run("AgentSessionAndRecord", func(t *testing.T) {
		if err := store.UpdateAgentSessionID(ctx, created.SessionID, "agent-77"); err != nil {
			t.Fatalf("UpdateAgentSessionID: %v", err)
		}
		if err := store.LinkBackendRecord(ctx, created.SessionID, "rec-12"); err != nil {
			t.Fatalf("LinkBackendRecord: %v", err)
		}
		got, err := store.GetSession(ctx, created.SessionID)
		if err != nil {
			t.Fatalf("GetSession: %v", err)
		}
		if got.AgentSessionID != "agent-77" || got.LinkedRecordID != "rec-12" {
			t.Fatalf("unexpected links %q %q", got.AgentSessionID, got.LinkedRecordID)
		}
	})

	t.Run("Sandbox", func(t *testing.T) {
		if err := store.SetSandbox(ctx, created.SessionID, "sbx-1"); err != nil {
			t.Fatalf("SetSandbox: %v", err)
		}
		got, err := store.GetSession(ctx, created.SessionID)
		if err != nil {
			t.Fatalf("GetSession: %v", err)
		}
		if got.SandboxID != "sbx-1" {
			t.Fatalf("unexpected sandbox %q", got.SandboxID)
		}
		if got.ComputeActiveAt == nil {
			t.Fatal("expected compute_active_at set")
		}

		if err := store.SetSandbox(ctx, created.SessionID, ""); err != nil {
			t.Fatalf("clear sandbox: %v", err)
		}
		got, err = store.GetSession(ctx, created.SessionID)
		if err != nil {
			t.Fatalf("GetSession: %v", err)
		}
		if got.SandboxID != "" || got.ComputeActiveAt != nil {
			t.Fatal("expected sandbox cleared")
		}
	})

	t.Run("NextReap", func(t *testing.T) {
		due := time.Now().UTC().Add(-time.Minute)
		if err := store.SetNextReapAt(ctx, created.SessionID, due); err != nil {
			t.Fatalf("SetNextReapAt: %v", err)
		}
		ids, err := store.ListDueSessions(ctx, time.Now().UTC(), 50)
		if err != nil {
			t.Fatalf("ListDueSessions: %v", err)
		}
		found := false
		for _, id := range ids {
			if id == created.SessionID {
				found = true
			}
		}
		if !found {
			t.Fatal("expected session listed as due")
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := store.DeleteSession(ctx, created.SessionID); err != nil {
			t.Fatalf("DeleteSession: %v", err)
		}
		if _, err := store.GetSession(ctx, created.SessionID); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if err := store.DeleteSession(ctx, created.SessionID); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound on double delete, got %v", err)
		}
	})
}

func TestStore_ActiveExecutionPointer(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	sess := createTestSession(t, store)
	e1 := addTestExecution(t, store, sess.SessionID)
	e2 := addTestExecution(t, store, sess.SessionID)

	res, err := store.SetActiveExecution(ctx, sess.SessionID, e1.ExecutionID)
	if err != nil {
		t.Fatalf("SetActiveExecution: %v", err)
	}
	if !res.Set || res.ActiveExecutionID != e1.ExecutionID {
		t.Fatalf("expected set, got %+v", res)
	}

	// Same id again is idempotent.
	res, err = store.SetActiveExecution(ctx, sess.SessionID, e1.ExecutionID)
	if err != nil {
		t.Fatalf("SetActiveExecution repeat: %v", err)
	}
	if !res.Set {
		t.Fatalf("expected idempotent set, got %+v", res)
	}

	// A different execution is refused and the holder is reported.
	res, err = store.SetActiveExecution(ctx, sess.SessionID, e2.ExecutionID)
	if err != nil {
		t.Fatalf("SetActiveExecution conflict: %v", err)
	}
	if res.Set || res.ActiveExecutionID != e1.ExecutionID {
		t.Fatalf("expected holder %s, got %+v", e1.ExecutionID, res)
	}

	// Mismatched conditional clear is a no-op.
	if err := store.ClearActiveExecution(ctx, sess.SessionID, e2.ExecutionID); err != nil {
		t.Fatalf("ClearActiveExecution mismatch: %v", err)
	}
	active, err := store.GetActiveExecutionID(ctx, sess.SessionID)
	if err != nil {
		t.Fatalf("GetActiveExecutionID: %v", err)
	}
	if active != e1.ExecutionID {
		t.Fatalf("expected pointer unchanged, got %q", active)
	}

	// Matching clear clears.
	if err := store.ClearActiveExecution(ctx, sess.SessionID, e1.ExecutionID); err != nil {
		t.Fatalf("ClearActiveExecution: %v", err)
	}
	active, err = store.GetActiveExecutionID(ctx, sess.SessionID)
	if err != nil {
		t.Fatalf("GetActiveExecutionID: %v", err)
	}
	if active != "" {
		t.Fatalf("expected pointer cleared, got %q", active)
	}
}

func TestStore_ExecutionTransitions(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	sess := createTestSession(t, store)
	e := addTestExecution(t, store, sess.SessionID)
	if _, err := store.SetActiveExecution(ctx, sess.SessionID, e.ExecutionID); err != nil {
		t.Fatalf("SetActiveExecution: %v", err)
	}

	changed, err := store.UpdateExecutionStatus(ctx, e.ExecutionID, execution.StatusRunning, "")
	if err != nil {
		t.Fatalf("to running: %v", err)
	}
	if !changed {
		t.Fatal("expected transition applied")
	}

	t.Run("HeartbeatWhileRunning", func(t *testing.T) {
		applied, err := store.UpdateExecutionHeartbeat(ctx, e.ExecutionID)
		if err != nil {
			t.Fatalf("heartbeat: %v", err)
		}
		if !applied {
			t.Fatal("expected heartbeat applied")
		}
	})

	t.Run("TerminalClearsPointerAndFlag", func(t *testing.T) {
		if err := store.SetInterruptRequested(ctx, e.ExecutionID, true); err != nil {
			t.Fatalf("SetInterruptRequested: %v", err)
		}

		changed, err := store.UpdateExecutionStatus(ctx, e.ExecutionID, execution.StatusCompleted, "")
		if err != nil {
			t.Fatalf("to completed: %v", err)
		}
		if !changed {
			t.Fatal("expected transition applied")
		}

		got, err := store.GetExecution(ctx, e.ExecutionID)
		if err != nil {
			t.Fatalf("GetExecution: %v", err)
		}
		if got.Status != execution.StatusCompleted || got.CompletedAt == nil {
			t.Fatalf("unexpected terminal state %+v", got)
		}
		if got.InterruptRequested {
			t.Fatal("expected interrupt flag cleared")
		}

		active, err := store.GetActiveExecutionID(ctx, sess.SessionID)
		if err != nil {
			t.Fatalf("GetActiveExecutionID: %v", err)
		}
		if active != "" {
			t.Fatalf("expected pointer cleared, got %q", active)
		}
	})

	t.Run("TerminalIsIdempotent", func(t *testing.T) {
		changed, err := store.UpdateExecutionStatus(ctx, e.ExecutionID, execution.StatusFailed, "late")
		if err != nil {
			t.Fatalf("late transition: %v", err)
		}
		if changed {
			t.Fatal("expected terminal no-op")
		}
	})

	t.Run("HeartbeatDroppedOnTerminal", func(t *testing.T) {
		applied, err := store.UpdateExecutionHeartbeat(ctx, e.ExecutionID)
		if err != nil {
			t.Fatalf("heartbeat: %v", err)
		}
		if applied {
			t.Fatal("expected heartbeat dropped")
		}
	})

	t.Run("IllegalTransitionConflicts", func(t *testing.T) {
		e2 := addTestExecution(t, store, sess.SessionID)
		if _, err := store.UpdateExecutionStatus(ctx, e2.ExecutionID, execution.StatusPending, ""); !errors.Is(err, domain.ErrConflict) && !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("expected conflict or validation, got %v", err)
		}
	})

	t.Run("UnknownExecution", func(t *testing.T) {
		if _, err := store.UpdateExecutionStatus(ctx, uuid.New().String(), execution.StatusRunning, ""); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestStore_Leases(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	sess := createTestSession(t, store)
	e := addTestExecution(t, store, sess.SessionID)

	l1 := lease.Lease{
		ExecutionID: e.ExecutionID,
		LeaseID:     uuid.New().String(),
		MessageID:   "msg-1",
		ExpiresAt:   time.Now().UTC().Add(time.Minute),
	}
	res, err := store.AcquireLease(ctx, l1)
	if err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}
	if !res.Acquired {
		t.Fatalf("expected acquire, got %+v", res)
	}

	t.Run("HeldReportsHolder", func(t *testing.T) {
		l2 := lease.Lease{
			ExecutionID: e.ExecutionID,
			LeaseID:     uuid.New().String(),
			MessageID:   "msg-2",
			ExpiresAt:   time.Now().UTC().Add(time.Minute),
		}
		res, err := store.AcquireLease(ctx, l2)
		if err != nil {
			t.Fatalf("AcquireLease: %v", err)
		}
		if res.Acquired {
			t.Fatal("expected lease held")
		}
		if res.HolderLeaseID != l1.LeaseID || res.HolderMessageID != "msg-1" {
			t.Fatalf("unexpected holder %+v", res)
		}
	})

	t.Run("ExtendMatching", func(t *testing.T) {
		ok, err := store.ExtendLease(ctx, e.ExecutionID, l1.LeaseID, time.Now().UTC().Add(2*time.Minute))
		if err != nil {
			t.Fatalf("ExtendLease: %v", err)
		}
		if !ok {
			t.Fatal("expected extend applied")
		}
	})

	t.Run("ExtendMismatchRefused", func(t *testing.T) {
		ok, err := store.ExtendLease(ctx, e.ExecutionID, uuid.New().String(), time.Now().UTC().Add(2*time.Minute))
		if err != nil {
			t.Fatalf("ExtendLease: %v", err)
		}
		if ok {
			t.Fatal("expected extend refused")
		}
	})

	t.Run("ReleaseMismatchNoop", func(t *testing.T) {
		ok, err := store.ReleaseLease(ctx, e.ExecutionID, uuid.New().String())
		if err != nil {
			t.Fatalf("ReleaseLease: %v", err)
		}
		if ok {
			t.Fatal("expected release no-op")
		}
	})

	t.Run("ReleaseMatching", func(t *testing.T) {
		ok, err := store.ReleaseLease(ctx, e.ExecutionID, l1.LeaseID)
		if err != nil {
			t.Fatalf("ReleaseLease: %v", err)
		}
		if !ok {
			t.Fatal("expected release applied")
		}
	})

	t.Run("AcquireReplacesExpired", func(t *testing.T) {
		expired := lease.Lease{
			ExecutionID: e.ExecutionID,
			LeaseID:     uuid.New().String(),
			MessageID:   "msg-old",
			ExpiresAt:   time.Now().UTC().Add(-time.Minute),
		}
		if res, err := store.AcquireLease(ctx, expired); err != nil || !res.Acquired {
			t.Fatalf("seed expired lease: %v %+v", err, res)
		}

		fresh := lease.Lease{
			ExecutionID: e.ExecutionID,
			LeaseID:     uuid.New().String(),
			MessageID:   "msg-new",
			ExpiresAt:   time.Now().UTC().Add(time.Minute),
		}
		res, err := store.AcquireLease(ctx, fresh)
		if err != nil {
			t.Fatalf("AcquireLease: %v", err)
		}
		if !res.Acquired {
			t.Fatalf("expected expired lease replaced, got %+v", res)
		}
	})

	t.Run("SweepExpired", func(t *testing.T) {
		expired := lease.Lease{
			ExecutionID: e.ExecutionID,
			LeaseID:     uuid.New().String(),
			MessageID:   "msg-stale",
			ExpiresAt:   time.Now().UTC().Add(-time.Minute),
		}
		if res, err := store.AcquireLease(ctx, expired); err != nil || !res.Acquired {
			t.Fatalf("seed expired lease: %v %+v", err, res)
		}

		n, err := store.DeleteExpiredLeases(ctx, sess.SessionID, time.Now().UTC())
		if err != nil {
			t.Fatalf("DeleteExpiredLeases: %v", err)
		}
		if n != 1 {
			t.Fatalf("expected 1 swept, got %d", n)
		}
	})
}

func TestEventStore_AppendAndReplay(t *testing.T) {
	pool := setupPool(t)
	store := postgres.NewStore(pool)
	events := postgres.NewEventStore(pool)
	ctx := context.Background()

	sess := createTestSession(t, store)

	for i, typ := range []event.Type{event.TypeSessionPrepared, event.TypeExecutionStarted, event.TypeExecutionCompleted} {
		ev, err := events.Append(ctx, event.Event{SessionID: sess.SessionID, Type: typ})
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
		if ev.Seq != int64(i+1) {
			t.Fatalf("expected seq %d, got %d", i+1, ev.Seq)
		}
	}

	t.Run("LatestSeq", func(t *testing.T) {
		seq, err := events.LatestSeq(ctx, sess.SessionID)
		if err != nil {
			t.Fatalf("LatestSeq: %v", err)
		}
		if seq != 3 {
			t.Fatalf("expected 3, got %d", seq)
		}
	})

	t.Run("ReplayFrom", func(t *testing.T) {
		got, err := events.LoadFrom(ctx, sess.SessionID, 1, 0)
		if err != nil {
			t.Fatalf("LoadFrom: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("expected 2 events, got %d", len(got))
		}
		if got[0].Seq != 2 || got[1].Seq != 3 {
			t.Fatalf("unexpected order %d %d", got[0].Seq, got[1].Seq)
		}
	})

	t.Run("ReplayLimit", func(t *testing.T) {
		got, err := events.LoadFrom(ctx, sess.SessionID, 0, 2)
		if err != nil {
			t.Fatalf("LoadFrom: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("expected 2 events, got %d", len(got))
		}
	})

	t.Run("RetentionDelete", func(t *testing.T) {
		n, err := events.DeleteBefore(ctx, sess.SessionID, time.Now().UTC().Add(time.Hour))
		if err != nil {
			t.Fatalf("DeleteBefore: %v", err)
		}
		if n != 3 {
			t.Fatalf("expected 3 deleted, got %d", n)
		}
		seq, err := events.LatestSeq(ctx, sess.SessionID)
		if err != nil {
			t.Fatalf("LatestSeq: %v", err)
		}
		if seq != 0 {
			t.Fatalf("expected empty log, got seq %d", seq)
		}
	})
}
