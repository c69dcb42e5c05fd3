package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/degrasse-python/kubiya-teammate-tools/pkg/models"
)

var (
	ErrNotFound    = errors.New("request not found")
	ErrCorruption  = errors.New("request record corrupted")
	ErrConflict    = errors.New("request changed concurrently")
	ErrUnavailable = errors.New("request store unavailable")
)

const (
	defaultGrace = 24 * time.Hour
	scanCount    = 100
)

// Requests keeps one Redis set per request id holding the JSON record.
// Well-formed keys hold exactly one member; more than one is corruption.
type Requests struct {
	client *redis.Client
	prefix string
	grace  time.Duration
	now    func() time.Time
	log    zerolog.Logger
}

type RequestsOption func(*Requests)

// WithClock overrides the clock used for expiry arithmetic.
func WithClock(now func() time.Time) RequestsOption {
	return func(r *Requests) { r.now = now }
}

// WithLogger attaches a logger for retries and scan diagnostics.
func WithLogger(log zerolog.Logger) RequestsOption {
	return func(r *Requests) { r.log = log }
}

// NewRequests wraps client. prefix limits Scan to request keys and grace is
// added on top of each record's logical lifetime before Redis evicts it.
func NewRequests(client *redis.Client, prefix string, grace time.Duration, opts ...RequestsOption) *Requests {
	if grace < 0 {
		grace = defaultGrace
	}
	r := &Requests{
		client: client,
		prefix: prefix,
		grace:  grace,
		now:    time.Now,
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Put adds the record to the set keyed by its request id and sets the key
// expiry to the record lifetime plus grace. Re-putting an identical record
// coalesces into the same member.
func (r *Requests) Put(ctx context.Context, req models.AccessRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	member, err := encode(req)
	if err != nil {
		return err
	}
	key := req.RequestID
	ttl := r.recordTTL(req)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, key, member)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: put %s: %v", ErrUnavailable, key, err)
	}
	r.log.Debug().Str("request_id", key).Dur("ttl", ttl).Msg("request stored")
	return nil
}

// Get loads the single record stored under id. Transport errors are retried
// once.
func (r *Requests) Get(ctx context.Context, id string) (models.AccessRequest, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return models.AccessRequest{}, fmt.Errorf("%w: empty request id", ErrNotFound)
	}
	members, err := r.client.SMembers(ctx, id).Result()
	if err != nil && retryable(ctx, err) {
		r.log.Warn().Err(err).Str("request_id", id).Msg("store read failed, retrying once")
		members, err = r.client.SMembers(ctx, id).Result()
	}
	if err != nil {
		return models.AccessRequest{}, readError(id, err)
	}
	return decode(id, members)
}

// Transition applies mutate to the stored record only if its status is
// still from. The read and the rewrite run under WATCH so a concurrent
// writer makes this call fail with ErrConflict instead of overwriting.
func (r *Requests) Transition(ctx context.Context, id string, from models.Status, mutate func(*models.AccessRequest) error) (models.AccessRequest, error) {
	var out models.AccessRequest
	txf := func(tx *redis.Tx) error {
		members, err := tx.SMembers(ctx, id).Result()
		if err != nil {
			return readError(id, err)
		}
		current, err := decode(id, members)
		if err != nil {
			return err
		}
		if current.Status != from {
			return fmt.Errorf("%w: %s is %s, expected %s", ErrConflict, id, current.Status, from)
		}
		next := current
		if current.Decision != nil {
			d := *current.Decision
			next.Decision = &d
		}
		if err := mutate(&next); err != nil {
			return err
		}
		if err := immutableFieldsKept(current, next); err != nil {
			return err
		}
		if err := next.Validate(); err != nil {
			return err
		}
		member, err := encode(next)
		if err != nil {
			return err
		}
		ttl := r.recordTTL(next)
		if pttl, err := tx.PTTL(ctx, id).Result(); err == nil && pttl > ttl {
			ttl = pttl
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, id)
			pipe.SAdd(ctx, id, member)
			pipe.PExpire(ctx, id, ttl)
			return nil
		})
		if err != nil {
			return err
		}
		out = next
		return nil
	}
	err := r.client.Watch(ctx, txf, id)
	switch {
	case err == nil:
		r.log.Debug().Str("request_id", id).Str("from", string(from)).Str("to", string(out.Status)).Msg("request transitioned")
		return out, nil
	case errors.Is(err, redis.TxFailedErr):
		return models.AccessRequest{}, fmt.Errorf("%w: %s was modified during update", ErrConflict, id)
	case errors.Is(err, ErrConflict), errors.Is(err, ErrNotFound), errors.Is(err, ErrCorruption),
		errors.Is(err, ErrUnavailable), errors.Is(err, models.ErrValidation):
		return models.AccessRequest{}, err
	default:
		return models.AccessRequest{}, fmt.Errorf("transition %s: %w", id, err)
	}
}

// Delete removes the record. Deleting a missing record is not an error.
func (r *Requests) Delete(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, id).Err(); err != nil {
		return fmt.Errorf("%w: delete %s: %v", ErrUnavailable, id, err)
	}
	return nil
}

// Scan walks every key under the request prefix and hands each record to fn.
// Unreadable records are passed with a non-nil error so callers can report
// them; fn returning an error stops the walk.
func (r *Requests) Scan(ctx context.Context, fn func(id string, req models.AccessRequest, err error) error) error {
	iter := r.client.Scan(ctx, 0, r.prefix+"*", scanCount).Iterator()
	seen := map[string]struct{}{}
	for iter.Next(ctx) {
		id := iter.Val()
		if _, ok := seen[id]; ok || strings.HasPrefix(id, orphanPrefix) || strings.HasPrefix(id, idempotencyPrefix) {
			continue
		}
		seen[id] = struct{}{}
		req, err := r.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err := fn(id, req, err); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("%w: scan: %v", ErrUnavailable, err)
	}
	return nil
}

// recordTTL covers the pending window and, once approved, the grant window.
func (r *Requests) recordTTL(req models.AccessRequest) time.Duration {
	end := req.ExpiresAt
	if req.Decision != nil && req.Decision.RevokeAt.After(end) {
		end = req.Decision.RevokeAt
	}
	ttl := end.Sub(r.now()) + r.grace
	if ttl < r.grace {
		ttl = r.grace
	}
	if ttl < time.Minute {
		ttl = time.Minute
	}
	return ttl
}

func encode(req models.AccessRequest) (string, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode request %s: %w", req.RequestID, err)
	}
	return string(raw), nil
}

func decode(id string, members []string) (models.AccessRequest, error) {
	switch len(members) {
	case 0:
		return models.AccessRequest{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	case 1:
	default:
		return models.AccessRequest{}, fmt.Errorf("%w: %s holds %d records", ErrCorruption, id, len(members))
	}
	var req models.AccessRequest
	if err := json.Unmarshal([]byte(members[0]), &req); err != nil {
		return models.AccessRequest{}, fmt.Errorf("%w: %s: %v", ErrCorruption, id, err)
	}
	if req.SchemaVersion > models.SchemaVersion {
		return models.AccessRequest{}, fmt.Errorf("%w: %s has schema_version %d, this build reads up to %d", ErrCorruption, id, req.SchemaVersion, models.SchemaVersion)
	}
	if req.RequestID != id {
		return models.AccessRequest{}, fmt.Errorf("%w: key %s holds record for %q", ErrCorruption, id, req.RequestID)
	}
	if err := req.Validate(); err != nil {
		return models.AccessRequest{}, fmt.Errorf("%w: %s: %v", ErrCorruption, id, err)
	}
	return req, nil
}

func immutableFieldsKept(before, after models.AccessRequest) error {
	b, a := before, after
	b.Status, a.Status = "", ""
	b.Decision, a.Decision = nil, nil
	rb, err := json.Marshal(b)
	if err != nil {
		return err
	}
	ra, err := json.Marshal(a)
	if err != nil {
		return err
	}
	if string(rb) != string(ra) {
		return fmt.Errorf("%w: only status and decision may change", models.ErrValidation)
	}
	return nil
}

func readError(id string, err error) error {
	var wrongType redis.Error
	if errors.As(err, &wrongType) && strings.HasPrefix(wrongType.Error(), "WRONGTYPE") {
		return fmt.Errorf("%w: %s is not a request set", ErrCorruption, id)
	}
	return fmt.Errorf("%w: get %s: %v", ErrUnavailable, id, err)
}

// retryable reports transport failures; server replies and caller
// cancellation are not retried.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var replyErr redis.Error
	return !errors.As(err, &replyErr)
}
