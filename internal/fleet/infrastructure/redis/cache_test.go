package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fleet "edgefleet/internal/fleet/domain"
)

func TestSummaryCacheRoundTripAndExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	cache, err := NewSummaryCache(client)
	require.NoError(t, err)

	ctx := context.Background()
	got, err := cache.Get(ctx, "fleet:summary:store-1:86400")
	require.NoError(t, err)
	assert.Nil(t, got)

	summary := fleet.Summary{StoreID: "store-1", Devices: fleet.DeviceCounts{Total: 3, Healthy: 2, Unknown: 1}}
	require.NoError(t, cache.Set(ctx, "fleet:summary:store-1:86400", summary, 30*time.Second))

	got, err = cache.Get(ctx, "fleet:summary:store-1:86400")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 2, got.Devices.Healthy)

	mr.FastForward(31 * time.Second)
	got, err = cache.Get(ctx, "fleet:summary:store-1:86400")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSummaryCacheCorruptValue(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	require.NoError(t, mr.Set("k", "not-json"))

	cache, err := NewSummaryCache(client)
	require.NoError(t, err)
	_, err = cache.Get(context.Background(), "k")
	assert.Error(t, err)
}
