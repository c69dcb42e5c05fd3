package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const idempotencyPrefix = "idem:"

// Idempotency remembers which request id a client-supplied idempotency key
// produced, so a retried submission returns the original request.
type Idempotency struct {
	client *redis.Client
	ttl    time.Duration
}

func NewIdempotency(client *redis.Client, ttl time.Duration) *Idempotency {
	if ttl <= 0 {
		ttl = defaultGrace
	}
	return &Idempotency{client: client, ttl: ttl}
}

// Claim reserves key for value. When the key is already held it returns the
// stored value and false.
func (i *Idempotency) Claim(ctx context.Context, key, value string) (string, bool, error) {
	k := idempotencyPrefix + key
	ok, err := i.client.SetNX(ctx, k, value, i.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("%w: claim %s: %v", ErrUnavailable, key, err)
	}
	if ok {
		return value, true, nil
	}
	existing, err := i.client.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		// expired between SETNX and GET
		return i.Claim(ctx, key, value)
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: read claim %s: %v", ErrUnavailable, key, err)
	}
	return existing, false, nil
}

// Release drops a claim whose submission failed so the client may retry.
func (i *Idempotency) Release(ctx context.Context, key string) error {
	if err := i.client.Del(ctx, idempotencyPrefix+key).Err(); err != nil {
		return fmt.Errorf("%w: release %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

// Complete replaces a claim's placeholder with the value it resolved to,
// keeping the claim's remaining lifetime.
func (i *Idempotency) Complete(ctx context.Context, key, value string) error {
	if err := i.client.SetArgs(ctx, idempotencyPrefix+key, value, redis.SetArgs{KeepTTL: true, Mode: "XX"}).Err(); err != nil {
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: claim %s expired", ErrConflict, key)
		}
		return fmt.Errorf("%w: complete %s: %v", ErrUnavailable, key, err)
	}
	return nil
}
