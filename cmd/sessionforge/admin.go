package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/Strob0t/SessionForge/internal/adapter/postgres"
	"github.com/Strob0t/SessionForge/internal/config"
	"github.com/Strob0t/SessionForge/internal/service"
)

// runAdmin dispatches admin subcommands (session inspection, log cleanup,
// migration control).
func runAdmin(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp()
		return nil
	}

	switch args[0] {
	case "list-sessions":
		return runAdminListSessions(args[1:])
	case "show-session":
		return runAdminShowSession(args[1:])
	case "delete-session":
		return runAdminDeleteSession(args[1:])
	case "mint-ticket":
		return runAdminMintTicket(args[1:])
	case "reap":
		return runAdminReap(args[1:])
	case "migrate":
		return runAdminMigrate(args[1:])
	case "migrate-rollback":
		return runAdminMigrateRollback(args[1:])
	case "migrate-version":
		return runAdminMigrateVersion(args[1:])
	default:
		printAdminHelp()
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp() {
	fmt.Fprintf(os.Stderr, `Usage: sessionforge admin <command> [options]

Commands:
  list-sessions      List sessions, most recently active first
  show-session       Print one session as JSON (secrets redacted)
  delete-session     Delete a session and everything attached to it
  mint-ticket        Mint a stream ticket for a session
  reap               Delete expired leases and old events across sessions
  migrate            Apply pending database migrations
  migrate-rollback   Roll back database migrations
  migrate-version    Print the current migration version
  help               Show this help message

Examples:
  sessionforge admin list-sessions --limit 20
  sessionforge admin show-session --id sess-42
  sessionforge admin mint-ticket --id sess-42
  sessionforge admin reap --retention 720h
  sessionforge admin migrate-rollback --steps 1
`)
}

type adminDeps struct {
	cfg     *config.Config
	store   *postgres.Store
	events  *postgres.EventStore
	tickets *service.TicketService
}

func loadAdminDeps() (*adminDeps, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}

	deps := &adminDeps{
		cfg:     cfg,
		store:   postgres.NewStore(pool),
		events:  postgres.NewEventStore(pool),
		tickets: service.NewTicketService(cfg.Tickets),
	}
	cleanup := func() {
		pool.Close()
	}
	return deps, cleanup, nil
}

func runAdminListSessions(args []string) error {
	fs := flag.NewFlagSet("list-sessions", flag.ContinueOnError)
	limit := fs.Int("limit", 50, "maximum number of sessions to list")
	if err := fs.Parse(args); err != nil {
		return err
	}

	deps, cleanup, err := loadAdminDeps()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := context.Background()
	sessions, err := deps.store.ListSessions(ctx, *limit)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	if len(sessions) == 0 {
		fmt.Println("No sessions found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SESSION_ID\tUSER_ID\tMODEL\tPREPARED\tINITIATED\tACTIVE_EXECUTION\tLAST_ACTIVITY")
	for i := range sessions {
		s := &sessions[i]
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%t\t%s\t%s\n",
			s.SessionID, s.UserID, s.Config.Model, s.Prepared(), s.Initiated(),
			s.ActiveExecutionID, s.LastActivityAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runAdminShowSession(args []string) error {
	fs := flag.NewFlagSet("show-session", flag.ContinueOnError)
	id := fs.String("id", "", "session id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("--id is required")
	}

	deps, cleanup, err := loadAdminDeps()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := context.Background()
	s, err := deps.store.GetSession(ctx, *id)
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}

	s.Config = s.Config.Redacted()
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func runAdminDeleteSession(args []string) error {
	fs := flag.NewFlagSet("delete-session", flag.ContinueOnError)
	id := fs.String("id", "", "session id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("--id is required")
	}

	deps, cleanup, err := loadAdminDeps()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := context.Background()
	if err := deps.store.DeleteSession(ctx, *id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Session deleted: %s\n", *id)
	return nil
}

func runAdminMintTicket(args []string) error {
	fs := flag.NewFlagSet("mint-ticket", flag.ContinueOnError)
	id := fs.String("id", "", "session id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("--id is required")
	}

	deps, cleanup, err := loadAdminDeps()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := context.Background()
	if _, err := deps.store.GetSession(ctx, *id); err != nil {
		return fmt.Errorf("get session: %w", err)
	}

	ticket, expires, err := deps.tickets.MintStreamTicket(*id)
	if err != nil {
		return fmt.Errorf("mint ticket: %w", err)
	}

	// Ticket on stdout so it can be captured; details on stderr.
	fmt.Println(ticket)
	fmt.Fprintf(os.Stderr, "Expires: %s\n", expires.Format(time.RFC3339))
	return nil
}

func runAdminReap(args []string) error {
	fs := flag.NewFlagSet("reap", flag.ContinueOnError)
	limit := fs.Int("limit", 1000, "maximum number of sessions to sweep")
	retention := fs.Duration("retention", 0, "event retention window (defaults to the configured value)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	deps, cleanup, err := loadAdminDeps()
	if err != nil {
		return err
	}
	defer cleanup()

	window := *retention
	if window <= 0 {
		window = deps.cfg.Reaper.EventRetention
	}

	ctx := context.Background()
	sessions, err := deps.store.ListSessions(ctx, *limit)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	now := time.Now()
	cutoff := now.Add(-window)
	var leases, events int64
	for i := range sessions {
		id := sessions[i].SessionID
		n, err := deps.store.DeleteExpiredLeases(ctx, id, now)
		if err != nil {
			return fmt.Errorf("delete expired leases for %s: %w", id, err)
		}
		leases += n
		m, err := deps.events.DeleteBefore(ctx, id, cutoff)
		if err != nil {
			return fmt.Errorf("delete events for %s: %w", id, err)
		}
		events += m
	}

	fmt.Fprintf(os.Stderr, "Swept %d sessions: %d expired leases, %d events older than %s removed\n",
		len(sessions), leases, events, window)
	return nil
}

func runAdminMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx := context.Background()
	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	fmt.Fprintln(os.Stderr, "Migrations applied.")
	return nil
}

func runAdminMigrateRollback(args []string) error {
	fs := flag.NewFlagSet("migrate-rollback", flag.ContinueOnError)
	steps := fs.Int("steps", 1, "number of migrations to roll back")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *steps < 1 {
		return fmt.Errorf("--steps must be at least 1")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx := context.Background()
	if err := postgres.RollbackMigrations(ctx, cfg.Postgres.DSN, *steps); err != nil {
		return fmt.Errorf("rollback migrations: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Rolled back %d migration(s).\n", *steps)
	return nil
}

func runAdminMigrateVersion(args []string) error {
	fs := flag.NewFlagSet("migrate-version", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx := context.Background()
	version, err := postgres.MigrationVersion(ctx, cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("migration version: %w", err)
	}
	fmt.Println(version)
	return nil
}
