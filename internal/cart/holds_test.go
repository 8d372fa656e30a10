package cart

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boxoffice/internal/models"
)

func setupHolds(t *testing.T, ttl time.Duration) (*Holds, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	require.NoError(t, client.Ping(context.Background()).Err())
	t.Cleanup(func() { client.Close() })

	return NewHolds(client, ttl), mr
}

func TestReserveAndRelease(t *testing.T) {
	h, _ := setupHolds(t, time.Minute)
	ctx := context.Background()
	quotas := []string{"q1", "q2"}

	ok, err := h.Reserve(ctx, "cart-a", quotas)
	require.NoError(t, err)
	assert.True(t, ok)

	// A second cart holding its own keys does not collide.
	ok, err = h.Reserve(ctx, "cart-b", quotas)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, h.Release(ctx, "cart-a", quotas))

	counts, err := h.HoldCounts(ctx, []*models.Quota{{ID: "q1"}, {ID: "q2"}})
	require.NoError(t, err)
	assert.Equal(t, 1, counts["q1"])
	assert.Equal(t, 1, counts["q2"])
}

func TestReserveIsAllOrNothing(t *testing.T) {
	h, _ := setupHolds(t, time.Minute)
	ctx := context.Background()

	ok, err := h.Reserve(ctx, "cart-a", []string{"q2"})
	require.NoError(t, err)
	require.True(t, ok)

	// Same cart re-reserving an already held quota is refused, and the
	// hold it placed on q1 along the way must be rolled back.
	ok, err = h.Reserve(ctx, "cart-a", []string{"q1", "q2"})
	require.NoError(t, err)
	assert.False(t, ok)

	counts, err := h.HoldCounts(ctx, []*models.Quota{{ID: "q1"}})
	require.NoError(t, err)
	assert.Zero(t, counts["q1"])
}

func TestReleaseOnlyDropsOwnHolds(t *testing.T) {
	h, _ := setupHolds(t, time.Minute)
	ctx := context.Background()

	ok, err := h.Reserve(ctx, "cart-a", []string{"q1"})
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, h.Release(ctx, "cart-b", []string{"q1"}))

	counts, err := h.HoldCounts(ctx, []*models.Quota{{ID: "q1"}})
	require.NoError(t, err)
	assert.Equal(t, 1, counts["q1"])
}

func TestHoldsExpire(t *testing.T) {
	h, mr := setupHolds(t, time.Second)
	ctx := context.Background()

	ok, err := h.Reserve(ctx, "cart-a", []string{"q1"})
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	counts, err := h.HoldCounts(ctx, []*models.Quota{{ID: "q1"}})
	require.NoError(t, err)
	assert.Zero(t, counts["q1"])

	ok, err = h.Reserve(ctx, "cart-b", []string{"q1"})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHoldCountsAcrossCarts(t *testing.T) {
	h, _ := setupHolds(t, time.Minute)
	ctx := context.Background()

	for _, cartID := range []string{"c1", "c2", "c3"} {
		ok, err := h.Reserve(ctx, cartID, []string{"q1"})
		require.NoError(t, err)
		require.True(t, ok)
	}

	counts, err := h.HoldCounts(ctx, []*models.Quota{{ID: "q1"}, {ID: "q2"}})
	require.NoError(t, err)
	assert.Equal(t, 3, counts["q1"])
	assert.Zero(t, counts["q2"])
}
