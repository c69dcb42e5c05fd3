package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/degrasse-python/kubiya-teammate-tools/pkg/events"
)

type fakeAuditDB struct {
	execErr   error
	rowErr    error
	rowValues []any
	execSQL   []string
	execArgs  []any
	queryArgs []any
}

func (f *fakeAuditDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	_ = ctx
	f.execSQL = append(f.execSQL, sql)
	f.execArgs = append([]any(nil), args...)
	return pgconn.NewCommandTag("INSERT 0 1"), f.execErr
}

func (f *fakeAuditDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	_ = ctx
	_ = sql
	f.queryArgs = append([]any(nil), args...)
	return &fakeAuditRow{values: f.rowValues, err: f.rowErr}
}

type fakeAuditRow struct {
	values []any
	err    error
}

func (r *fakeAuditRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return fmt.Errorf("scan arity mismatch: got=%d want=%d", len(dest), len(r.values))
	}
	for i := range dest {
		if err := assignAuditScan(dest[i], r.values[i]); err != nil {
			return err
		}
	}
	return nil
}

func assignAuditScan(dest any, val any) error {
	switch d := dest.(type) {
	case *string:
		v, ok := val.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", val)
		}
		*d = v
		return nil
	case *json.RawMessage:
		if val == nil {
			*d = nil
			return nil
		}
		switch v := val.(type) {
		case json.RawMessage:
			*d = append((*d)[:0], v...)
		case []byte:
			*d = append((*d)[:0], v...)
		case string:
			*d = json.RawMessage(v)
		default:
			return fmt.Errorf("expected json raw, got %T", val)
		}
		return nil
	case *time.Time:
		v, ok := val.(time.Time)
		if !ok {
			return fmt.Errorf("expected time.Time, got %T", val)
		}
		*d = v
		return nil
	default:
		return fmt.Errorf("unsupported scan dest %T", dest)
	}
}

func rawArgString(v any) string {
	switch t := v.(type) {
	case json.RawMessage:
		return string(t)
	case []byte:
		return string(t)
	case string:
		return t
	default:
		return fmt.Sprint(v)
	}
}

func TestWriterAppendAndGet(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	attrs := json.RawMessage(`{"ttl_minutes":"60"}`)
	db := &fakeAuditDB{
		rowValues: []any{"ev-1", "jit-1", "request.approved", "lead@example.com", "dev@example.com", "arn:aws:iam::1:policy/jit/x", attrs, now},
	}
	w := &Writer{DB: db}

	rec := Record{
		EventID:   "ev-1",
		RequestID: "jit-1",
		EventType: "request.approved",
		Actor:     "lead@example.com",
		Requester: "dev@example.com",
		PolicyARN: "arn:aws:iam::1:policy/jit/x",
		Attrs:     attrs,
		CreatedAt: now,
	}
	if err := w.Append(context.Background(), rec); err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(db.execArgs) != 8 {
		t.Fatalf("expected 8 exec args, got %d", len(db.execArgs))
	}
	if got := rawArgString(db.execArgs[6]); got != string(attrs) {
		t.Fatalf("unexpected attrs arg: %s", got)
	}
	if !strings.Contains(db.execSQL[0], "ON CONFLICT (event_id) DO NOTHING") {
		t.Fatalf("append must be idempotent per event id: %s", db.execSQL[0])
	}

	got, err := w.Get(context.Background(), "ev-1", "jit-1")
	if err != nil {
		t.Fatalf("get scoped: %v", err)
	}
	if got.EventID != "ev-1" || got.RequestID != "jit-1" || got.EventType != "request.approved" {
		t.Fatalf("unexpected get record: %+v", got)
	}
	if len(db.queryArgs) != 2 {
		t.Fatalf("expected request-scoped query args, got %d", len(db.queryArgs))
	}

	if _, err := w.Get(context.Background(), "ev-1", ""); err != nil {
		t.Fatalf("get global: %v", err)
	}
	if len(db.queryArgs) != 1 {
		t.Fatalf("expected global query args, got %d", len(db.queryArgs))
	}
}

func TestWriterPublishEvent(t *testing.T) {
	db := &fakeAuditDB{}
	w := &Writer{DB: db, HashSalt: []byte("salt-1"), Redact: true}

	ev := events.New(events.TypeSubmitted, "jit-2", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	ev.Requester = "dev@example.com"
	ev.Attrs = map[string]string{"purpose": "read prod db for ticket 991"}
	if err := w.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if db.execArgs[0] != ev.ID || db.execArgs[2] != "request.submitted" {
		t.Fatalf("unexpected args %#v", db.execArgs)
	}
	if requester, _ := db.execArgs[4].(string); strings.Contains(requester, "@") {
		t.Fatalf("requester leaked into audit record: %s", requester)
	}
	if stored := rawArgString(db.execArgs[6]); strings.Contains(stored, "991") {
		t.Fatalf("purpose leaked into audit record: %s", stored)
	}

	db.execErr = errors.New("exec failed")
	if err := w.Publish(context.Background(), ev); err == nil {
		t.Fatal("expected publish error")
	}
}

func TestWriterSchemaAndErrors(t *testing.T) {
	db := &fakeAuditDB{}
	w := &Writer{DB: db}
	if err := w.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	if !strings.Contains(db.execSQL[0], "CREATE TABLE IF NOT EXISTS jit_audit_events") {
		t.Fatalf("unexpected schema sql: %s", db.execSQL[0])
	}

	db.execErr = errors.New("exec failed")
	if err := w.EnsureSchema(context.Background()); err == nil {
		t.Fatal("expected schema error")
	}
	if err := w.Append(context.Background(), Record{EventID: "ev-3"}); err == nil {
		t.Fatal("expected append error")
	}

	db.rowErr = errors.New("not found")
	if _, err := w.Get(context.Background(), "ev-3", "jit-3"); err == nil {
		t.Fatal("expected get error")
	}
}
