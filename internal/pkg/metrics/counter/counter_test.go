package counter

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/InvoiceFox/internal/pkg/env"
	"github.com/ManuelReschke/InvoiceFox/internal/pkg/events"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%s", env.GetEnv("CACHE_HOST", "localhost"), env.GetEnv("CACHE_PORT", "6379")),
		DB:   13,
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("Skipping Redis-dependent test: %v", err)
	}
	require.NoError(t, client.FlushDB(context.Background()).Err())
	t.Cleanup(func() {
		_ = client.FlushDB(context.Background()).Err()
		_ = client.Close()
	})
	return client
}

func TestDayKeyUsesLocation(t *testing.T) {
	c := New(nil, time.FixedZone("ART", -3*3600))
	at := time.Date(2026, 10, 20, 1, 0, 0, 0, time.UTC)
	assert.Equal(t, "invoicefox:counters:2026-10-19", c.dayKey(at))
}

func TestPublishAndSnapshot(t *testing.T) {
	rdb := newTestRedis(t)
	c := New(rdb, time.UTC)
	ctx := context.Background()
	day := time.Date(2026, 10, 19, 15, 0, 0, 0, time.UTC)

	for _, e := range []events.Event{
		{Type: events.TypeCompleted, Provider: "mercadopago", OccurredAt: day},
		{Type: events.TypeCompleted, Provider: "mercadopago", OccurredAt: day},
		{Type: events.TypeFiscalRejected, Provider: "payway", OccurredAt: day},
		{Type: events.TypeCompleted, Provider: "payway", OccurredAt: day.AddDate(0, 0, -1)},
	} {
		require.NoError(t, c.Publish(ctx, e))
	}

	snap, err := c.Snapshot(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, "2026-10-19", snap.Date)
	assert.Equal(t, int64(2), snap.Counts["mercadopago"][events.TypeCompleted])
	assert.Equal(t, int64(1), snap.Counts["payway"][events.TypeFiscalRejected])
	assert.Equal(t, int64(3), snap.Total)

	days, err := c.Range(ctx, day, 2)
	require.NoError(t, err)
	require.Len(t, days, 2)
	assert.Equal(t, "2026-10-18", days[1].Date)
	assert.Equal(t, int64(1), days[1].Total)

	ttl, err := rdb.TTL(ctx, c.dayKey(day)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 30*24*time.Hour)
}
