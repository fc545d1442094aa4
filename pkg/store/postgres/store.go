// Package postgres stores call events, leads and handoff tickets in
// PostgreSQL.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/vango-go/vai-call/pkg/core/call"
	"github.com/vango-go/vai-call/pkg/core/tools"
)

//go:embed migrations/*.sql
var migrations embed.FS

// execer is the subset of *pgxpool.Pool the store writes through.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type Store struct {
	db     execer
	pool   *pgxpool.Pool
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

var (
	_ call.EventSink        = (*Store)(nil)
	_ tools.LeadStore       = (*Store)(nil)
	_ tools.HandoffTicketer = (*Store)(nil)
)

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("database url is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	s := newStore(pool, logger)
	s.pool = pool
	return s, nil
}

func newStore(db execer, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger, now: time.Now, newID: uuid.NewString}
}

// Migrate applies pending schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	if s.pool == nil {
		return errors.New("store is not connected")
	}
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, sub)
	if err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	for _, r := range results {
		s.logger.Info("migration applied", "version", r.Source.Version, "duration_ms", r.Duration.Milliseconds())
	}
	return nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s.pool == nil {
		return errors.New("store is not connected")
	}
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) LogEvent(ctx context.Context, rec call.LogRecord) error {
	if rec.CallID == "" {
		return errors.New("call id is required")
	}
	payload := []byte("{}")
	if rec.Payload != nil {
		b, err := json.Marshal(rec.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		payload = b
	}
	at := rec.At
	if at.IsZero() {
		at = s.now()
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO call_events (id, call_id, event_type, payload, occurred_at) VALUES ($1, $2, $3, $4, $5)`,
		s.newID(), rec.CallID, rec.EventType, payload, at.UTC())
	if err != nil {
		return fmt.Errorf("insert call event: %w", err)
	}
	return nil
}

func (s *Store) PersistLead(ctx context.Context, lead tools.Lead) (string, error) {
	transcript := lead.Transcript
	if transcript == nil {
		transcript = []tools.Utterance{}
	}
	b, err := json.Marshal(transcript)
	if err != nil {
		return "", fmt.Errorf("marshal transcript: %w", err)
	}
	id := s.newID()
	_, err = s.db.Exec(ctx,
		`INSERT INTO leads (id, call_id, name, email, phone, company, notes, transcript, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		id, lead.CallID, lead.Name, lead.Email, lead.Phone, lead.Company, lead.Notes, b, s.now().UTC())
	if err != nil {
		return "", fmt.Errorf("insert lead: %w", err)
	}
	return id, nil
}

func (s *Store) RequestHandoff(ctx context.Context, req tools.HandoffRequest) (string, error) {
	id := s.newID()
	_, err := s.db.Exec(ctx,
		`INSERT INTO handoff_tickets (id, call_id, reason, created_at) VALUES ($1, $2, $3, $4)`,
		id, req.CallID, req.Reason, s.now().UTC())
	if err != nil {
		return "", fmt.Errorf("insert handoff ticket: %w", err)
	}
	s.logger.Info("handoff ticket opened", "call_id", req.CallID, "ticket_id", id)
	return id, nil
}
