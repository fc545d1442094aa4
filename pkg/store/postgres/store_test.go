package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vango-go/vai-call/pkg/core/call"
	"github.com/vango-go/vai-call/pkg/core/tools"
)

type execCall struct {
	sql  string
	args []any
}

type fakeExec struct {
	calls []execCall
	err   error
}

func (f *fakeExec) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.calls = append(f.calls, execCall{sql: sql, args: args})
	return pgconn.NewCommandTag("INSERT 0 1"), f.err
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(db *fakeExec) *Store {
	s := newStore(db, slog.Default())
	s.now = func() time.Time { return fixedNow }
	s.newID = func() string { return "00000000-0000-0000-0000-000000000001" }
	return s
}

func TestLogEvent(t *testing.T) {
	db := &fakeExec{}
	s := newTestStore(db)
	err := s.LogEvent(context.Background(), call.LogRecord{
		CallID:    "sess_1",
		EventType: "call.connected",
		Payload:   map[string]any{"ringMs": 5000},
		At:        fixedNow.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("LogEvent: %v", err)
	}
	c := db.calls[0]
	if !strings.Contains(c.sql, "INSERT INTO call_events") || c.args[1] != "sess_1" || c.args[2] != "call.connected" {
		t.Fatalf("call=%+v", c)
	}
	if string(c.args[3].([]byte)) != `{"ringMs":5000}` {
		t.Fatalf("payload=%s", c.args[3])
	}
	if !c.args[4].(time.Time).Equal(fixedNow.Add(time.Second)) {
		t.Fatalf("occurred_at=%v", c.args[4])
	}
}

func TestLogEvent_DefaultsAndErrors(t *testing.T) {
	db := &fakeExec{}
	s := newTestStore(db)
	if err := s.LogEvent(context.Background(), call.LogRecord{EventType: "x"}); err == nil {
		t.Fatal("expected error without call id")
	}
	if err := s.LogEvent(context.Background(), call.LogRecord{CallID: "c", EventType: "barge_in"}); err != nil {
		t.Fatalf("LogEvent: %v", err)
	}
	if string(db.calls[0].args[3].([]byte)) != "{}" || !db.calls[0].args[4].(time.Time).Equal(fixedNow) {
		t.Fatalf("args=%v", db.calls[0].args)
	}

	db.err = errors.New("connection reset")
	if err := s.LogEvent(context.Background(), call.LogRecord{CallID: "c"}); err == nil || !strings.Contains(err.Error(), "connection reset") {
		t.Fatalf("err=%v", err)
	}
}

func TestPersistLead(t *testing.T) {
	db := &fakeExec{}
	s := newTestStore(db)
	id, err := s.PersistLead(context.Background(), tools.Lead{
		CallID:     "sess_1",
		Name:       "Ana",
		Email:      "ana@example.com",
		Transcript: []tools.Utterance{{Speaker: "caller", Text: "hello", At: fixedNow}},
	})
	if err != nil || id != "00000000-0000-0000-0000-000000000001" {
		t.Fatalf("id=%q err=%v", id, err)
	}
	args := db.calls[0].args
	if args[1] != "sess_1" || args[2] != "Ana" || args[3] != "ana@example.com" {
		t.Fatalf("args=%v", args)
	}
	var transcript []tools.Utterance
	if err := json.Unmarshal(args[7].([]byte), &transcript); err != nil || len(transcript) != 1 {
		t.Fatalf("transcript=%s err=%v", args[7], err)
	}

	db.calls = nil
	if _, err := s.PersistLead(context.Background(), tools.Lead{CallID: "c", Phone: "555"}); err != nil {
		t.Fatalf("PersistLead: %v", err)
	}
	if string(db.calls[0].args[7].([]byte)) != "[]" {
		t.Fatalf("empty transcript=%s", db.calls[0].args[7])
	}
}

func TestRequestHandoff(t *testing.T) {
	db := &fakeExec{}
	s := newTestStore(db)
	id, err := s.RequestHandoff(context.Background(), tools.HandoffRequest{CallID: "sess_1", Reason: "wants a human"})
	if err != nil || id == "" {
		t.Fatalf("id=%q err=%v", id, err)
	}
	if !strings.Contains(db.calls[0].sql, "handoff_tickets") || db.calls[0].args[2] != "wants a human" {
		t.Fatalf("call=%+v", db.calls[0])
	}

	db.err = errors.New("unique violation")
	if _, err := s.RequestHandoff(context.Background(), tools.HandoffRequest{CallID: "c", Reason: "r"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	b, err := fs.ReadFile(migrations, "migrations/00001_init.sql")
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	for _, want := range []string{"-- +goose Up", "-- +goose Down", "call_events", "leads", "handoff_tickets"} {
		if !strings.Contains(string(b), want) {
			t.Fatalf("migration missing %q", want)
		}
	}
}

func TestMigrateRequiresConnection(t *testing.T) {
	if err := newTestStore(&fakeExec{}).Migrate(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

// TestStore_Postgres runs against a real database when
// VAI_CALL_TEST_DATABASE_URL is set.
func TestStore_Postgres(t *testing.T) {
	dsn := os.Getenv("VAI_CALL_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("VAI_CALL_TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := Open(ctx, dsn, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	if err := s.LogEvent(ctx, call.LogRecord{CallID: "it_call", EventType: "call.connected", At: time.Now()}); err != nil {
		t.Fatalf("LogEvent: %v", err)
	}
	if _, err := s.PersistLead(ctx, tools.Lead{CallID: "it_call", Email: "it@example.com"}); err != nil {
		t.Fatalf("PersistLead: %v", err)
	}
	if _, err := s.RequestHandoff(ctx, tools.HandoffRequest{CallID: "it_call", Reason: "integration"}); err != nil {
		t.Fatalf("RequestHandoff: %v", err)
	}
}
