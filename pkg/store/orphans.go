package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/degrasse-python/kubiya-teammate-tools/pkg/models"
)

const orphanPrefix = "orphan:"

func orphanKey(id string) string { return orphanPrefix + id }

// PutOrphan records a grant that outlived its request's status update. The
// key does not expire: it is removed by DeleteOrphan once the grant is gone.
func (r *Requests) PutOrphan(ctx context.Context, g models.OrphanedGrant) error {
	if err := g.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("encode orphaned grant %s: %w", g.RequestID, err)
	}
	if err := r.client.Set(ctx, orphanKey(g.RequestID), raw, 0).Err(); err != nil {
		return fmt.Errorf("%w: put orphan %s: %v", ErrUnavailable, g.RequestID, err)
	}
	r.log.Debug().Str("request_id", g.RequestID).Str("policy_arn", g.PolicyARN).Msg("orphaned grant stored")
	return nil
}

func (r *Requests) GetOrphan(ctx context.Context, id string) (models.OrphanedGrant, error) {
	id = strings.TrimSpace(id)
	raw, err := r.client.Get(ctx, orphanKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return models.OrphanedGrant{}, fmt.Errorf("%w: no orphaned grant for %s", ErrNotFound, id)
	}
	if err != nil {
		return models.OrphanedGrant{}, readError(orphanKey(id), err)
	}
	return decodeOrphan(id, raw)
}

func (r *Requests) DeleteOrphan(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, orphanKey(id)).Err(); err != nil {
		return fmt.Errorf("%w: delete orphan %s: %v", ErrUnavailable, id, err)
	}
	return nil
}

// ScanOrphans hands every recorded orphaned grant to fn, with the same error
// contract as Scan.
func (r *Requests) ScanOrphans(ctx context.Context, fn func(id string, g models.OrphanedGrant, err error) error) error {
	iter := r.client.Scan(ctx, 0, orphanPrefix+"*", scanCount).Iterator()
	seen := map[string]struct{}{}
	for iter.Next(ctx) {
		id := strings.TrimPrefix(iter.Val(), orphanPrefix)
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		g, err := r.GetOrphan(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err := fn(id, g, err); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("%w: scan orphans: %v", ErrUnavailable, err)
	}
	return nil
}

func decodeOrphan(id, raw string) (models.OrphanedGrant, error) {
	var g models.OrphanedGrant
	if err := json.Unmarshal([]byte(raw), &g); err != nil {
		return models.OrphanedGrant{}, fmt.Errorf("%w: orphan %s: %v", ErrCorruption, id, err)
	}
	if g.RequestID != id {
		return models.OrphanedGrant{}, fmt.Errorf("%w: orphan key %s holds grant for %q", ErrCorruption, id, g.RequestID)
	}
	if err := g.Validate(); err != nil {
		return models.OrphanedGrant{}, fmt.Errorf("%w: orphan %s: %v", ErrCorruption, id, err)
	}
	return g, nil
}
