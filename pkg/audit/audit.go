package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/degrasse-python/kubiya-teammate-tools/pkg/events"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS jit_audit_events (
	event_id       TEXT PRIMARY KEY,
	request_id     TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	actor          TEXT NOT NULL DEFAULT '',
	requester      TEXT NOT NULL DEFAULT '',
	policy_arn     TEXT NOT NULL DEFAULT '',
	attrs          JSONB,
	created_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS jit_audit_events_request_idx ON jit_audit_events (request_id, created_at);
`

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Writer appends lifecycle events to Postgres. With Redact set, identities
// and free-text attributes are stored as salted hashes.
type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

type Record struct {
	EventID   string
	RequestID string
	EventType string
	Actor     string
	Requester string
	PolicyARN string
	Attrs     json.RawMessage
	CreatedAt time.Time
}

func (w *Writer) EnsureSchema(ctx context.Context) error {
	if _, err := w.DB.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create audit schema: %w", err)
	}
	return nil
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if w.Redact {
		rec = redactRecord(rec, w.HashSalt)
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO jit_audit_events
		(event_id, request_id, event_type, actor, requester, policy_arn, attrs, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (event_id) DO NOTHING
	`, rec.EventID, rec.RequestID, rec.EventType, rec.Actor, rec.Requester, rec.PolicyARN, rec.Attrs, rec.CreatedAt)
	return err
}

// Publish lets the writer sit behind events.Sink.
func (w *Writer) Publish(ctx context.Context, ev events.Event) error {
	rec := Record{
		EventID:   ev.ID,
		RequestID: ev.RequestID,
		EventType: string(ev.Type),
		Actor:     ev.Actor,
		Requester: ev.Requester,
		PolicyARN: ev.PolicyARN,
		CreatedAt: ev.At,
	}
	if len(ev.Attrs) > 0 {
		raw, err := json.Marshal(ev.Attrs)
		if err != nil {
			return fmt.Errorf("encode audit attrs: %w", err)
		}
		rec.Attrs = raw
	}
	if err := w.Append(ctx, rec); err != nil {
		return fmt.Errorf("append audit event %s: %w", ev.ID, err)
	}
	return nil
}

// Get returns one event. When requestID is set the lookup is scoped to it.
func (w *Writer) Get(ctx context.Context, eventID, requestID string) (Record, error) {
	var row pgx.Row
	if requestID != "" {
		row = w.DB.QueryRow(ctx, `
			SELECT event_id, request_id, event_type, actor, requester, policy_arn, attrs, created_at
			FROM jit_audit_events WHERE request_id=$1 AND event_id=$2
		`, requestID, eventID)
	} else {
		row = w.DB.QueryRow(ctx, `
			SELECT event_id, request_id, event_type, actor, requester, policy_arn, attrs, created_at
			FROM jit_audit_events WHERE event_id=$1
		`, eventID)
	}
	var rec Record
	var attrs json.RawMessage
	if err := row.Scan(&rec.EventID, &rec.RequestID, &rec.EventType, &rec.Actor, &rec.Requester, &rec.PolicyARN, &attrs, &rec.CreatedAt); err != nil {
		return rec, err
	}
	rec.Attrs = attrs
	return rec, nil
}
