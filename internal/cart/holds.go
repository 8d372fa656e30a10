package cart

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"boxoffice/internal/models"
)

// Holds tracks short-lived cart reservations in Redis. Each hold consumes one
// unit of a quota until it expires or is released; the quota evaluator counts
// active holds as committed capacity.
type Holds struct {
	Client *redis.Client
	TTL    time.Duration
}

func NewHolds(client *redis.Client, ttl time.Duration) *Holds {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Holds{Client: client, TTL: ttl}
}

func holdKey(quotaID, cartID string) string {
	return fmt.Sprintf("cart:hold:%s:%s", quotaID, cartID)
}

// Reserve places one hold per quota for the cart. Either every quota is held
// or, on the first refusal, all holds placed so far are rolled back.
func (h *Holds) Reserve(ctx context.Context, cartID string, quotaIDs []string) (bool, error) {
	held := []string{}
	for _, quotaID := range quotaIDs {
		ok, err := h.Client.SetNX(ctx, holdKey(quotaID, cartID), cartID, h.TTL).Result()
		if err != nil {
			_ = h.Release(ctx, cartID, held)
			return false, err
		}
		if !ok {
			_ = h.Release(ctx, cartID, held)
			return false, nil
		}
		held = append(held, quotaID)
	}
	return true, nil
}

// Release drops the cart's holds on the given quotas. Expired holds are
// treated as already released.
func (h *Holds) Release(ctx context.Context, cartID string, quotaIDs []string) error {
	var firstErr error
	for _, quotaID := range quotaIDs {
		key := holdKey(quotaID, cartID)
		val, err := h.Client.Get(ctx, key).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if val == cartID {
			if _, err := h.Client.Del(ctx, key).Result(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// HoldCounts counts the active holds per quota for the evaluator.
func (h *Holds) HoldCounts(ctx context.Context, quotas []*models.Quota) (map[string]int, error) {
	counts := make(map[string]int, len(quotas))
	for _, q := range quotas {
		var cursor uint64
		for {
			keys, next, err := h.Client.Scan(ctx, cursor, fmt.Sprintf("cart:hold:%s:*", q.ID), 100).Result()
			if err != nil {
				return nil, err
			}
			counts[q.ID] += len(keys)
			cursor = next
			if cursor == 0 {
				break
			}
		}
	}
	return counts, nil
}
