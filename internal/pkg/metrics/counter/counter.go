package counter

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/InvoiceFox/internal/pkg/events"
)

const (
	keyPrefix = "invoicefox:counters:"
	retention = 35 * 24 * time.Hour
)

// Counter keeps per-day outcome counts of the pipeline in Redis hashes.
// Fields are "<provider>:<event type>".
type Counter struct {
	rdb *redis.Client
	loc *time.Location
}

func New(rdb *redis.Client, loc *time.Location) *Counter {
	if loc == nil {
		loc = time.UTC
	}
	return &Counter{rdb: rdb, loc: loc}
}

func (c *Counter) dayKey(t time.Time) string {
	return keyPrefix + t.In(c.loc).Format("2006-01-02")
}

// Publish counts e on the day it occurred.
func (c *Counter) Publish(ctx context.Context, e events.Event) error {
	at := e.OccurredAt
	if at.IsZero() {
		at = time.Now()
	}
	key := c.dayKey(at)
	pipe := c.rdb.TxPipeline()
	pipe.HIncrBy(ctx, key, e.Provider+":"+e.Type, 1)
	pipe.Expire(ctx, key, retention)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *Counter) Close() error { return nil }

// Day is the outcome count of one day per provider and event type.
type Day struct {
	Date   string                      `json:"date"`
	Counts map[string]map[string]int64 `json:"counts"`
	Total  int64                       `json:"total"`
}

// Snapshot returns the counts of the given day.
func (c *Counter) Snapshot(ctx context.Context, day time.Time) (*Day, error) {
	data, err := c.rdb.HGetAll(ctx, c.dayKey(day)).Result()
	if err != nil {
		return nil, err
	}
	out := &Day{Date: day.In(c.loc).Format("2006-01-02"), Counts: map[string]map[string]int64{}}
	for field, raw := range data {
		n, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil {
			continue
		}
		provider, eventType, ok := strings.Cut(field, ":")
		if !ok {
			continue
		}
		if out.Counts[provider] == nil {
			out.Counts[provider] = map[string]int64{}
		}
		out.Counts[provider][eventType] += n
		out.Total += n
	}
	return out, nil
}

// Range returns the last n days, newest first.
func (c *Counter) Range(ctx context.Context, now time.Time, n int) ([]*Day, error) {
	days := make([]*Day, 0, n)
	for i := 0; i < n; i++ {
		d, err := c.Snapshot(ctx, now.AddDate(0, 0, -i))
		if err != nil {
			return nil, err
		}
		days = append(days, d)
	}
	sort.SliceStable(days, func(i, j int) bool { return days[i].Date > days[j].Date })
	return days, nil
}
