package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrPublish = errors.New("event publish failed")

type Type string

const (
	TypeSubmitted      Type = "request.submitted"
	TypeApproved       Type = "request.approved"
	TypeRejected       Type = "request.rejected"
	TypeExpired        Type = "request.expired"
	TypeRevoked        Type = "grant.revoked"
	TypeScheduleFailed Type = "revocation.schedule_failed"
	TypeOrphanedGrant  Type = "grant.orphaned"
)

// Event is one lifecycle fact about an access request.
type Event struct {
	ID        string            `json:"id"`
	Type      Type              `json:"type"`
	RequestID string            `json:"request_id"`
	Actor     string            `json:"actor,omitempty"`
	Requester string            `json:"requester,omitempty"`
	PolicyARN string            `json:"policy_arn,omitempty"`
	Attrs     map[string]string `json:"attrs,omitempty"`
	At        time.Time         `json:"at"`
}

// New stamps an event with a fresh id.
func New(typ Type, requestID string, at time.Time) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      typ,
		RequestID: requestID,
		At:        at.UTC(),
	}
}

// Sink receives lifecycle events. Publishing is best effort for every caller.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps published events in memory. It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types lists the recorded event types in order.
func (r *Recorder) Types() []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Type, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}
