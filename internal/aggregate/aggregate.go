// Package aggregate maintains the rolling per-user totals and the
// hourly/daily usage buckets for one batch, merging in-memory state with
// persisted records read through the store.
package aggregate

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/manaops/creditflow/pkg/ledger"
)

// Store supplies persisted aggregate state for the read-through maps.
// A nil record (with nil error) means nothing persisted yet.
type Store interface {
	GetUserStats(ctx context.Context, address string) (*ledger.UserStats, error)
	GetBucket(ctx context.Context, g ledger.Granularity, key string) (*ledger.UsageBucket, error)
}

// DayKey formats t as a UTC, zero-padded YYYY-MM-DD bucket key.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// HourKey formats t as a UTC, zero-padded YYYY-MM-DD-HH bucket key.
func HourKey(t time.Time) string {
	return t.UTC().Format("2006-01-02-15")
}

// Batch holds the mutable aggregate state for one block range. All maps
// are read-through caches over the store: a record is loaded (or zero
// initialized) on first touch and mutated in place afterwards, so the
// final accumulated value is saved exactly once.
type Batch struct {
	store  Store
	users  map[string]*ledger.UserStats
	hourly map[string]*ledger.UsageBucket
	daily  map[string]*ledger.UsageBucket
}

// NewBatch creates empty aggregate state backed by store.
func NewBatch(store Store) *Batch {
	return &Batch{
		store:  store,
		users:  make(map[string]*ledger.UserStats),
		hourly: make(map[string]*ledger.UsageBucket),
		daily:  make(map[string]*ledger.UsageBucket),
	}
}

// ApplyUser adds amount to the user's rolling total and stamps the usage
// time. The returned record is the shared batch instance; callers holding
// it observe later accumulation.
func (b *Batch) ApplyUser(ctx context.Context, address string, amount *big.Int, ts time.Time) (*ledger.UserStats, error) {
	stats, ok := b.users[address]
	if !ok {
		persisted, err := b.store.GetUserStats(ctx, address)
		if err != nil {
			return nil, fmt.Errorf("load user stats %s: %w", address, err)
		}
		if persisted != nil {
			stats = persisted
		} else {
			stats = &ledger.UserStats{
				Address:       address,
				TotalConsumed: new(big.Int),
			}
		}
		b.users[address] = stats
	}

	stats.TotalConsumed = new(big.Int).Add(stats.TotalConsumed, amount)
	stats.LastUsage = ts
	return stats, nil
}

// ApplyBucket adds one usage of amount to the bucket ts truncates into.
func (b *Batch) ApplyBucket(ctx context.Context, g ledger.Granularity, ts time.Time, amount *big.Int) (*ledger.UsageBucket, error) {
	var key string
	var buckets map[string]*ledger.UsageBucket
	switch g {
	case ledger.Hourly:
		key = HourKey(ts)
		buckets = b.hourly
	case ledger.Daily:
		key = DayKey(ts)
		buckets = b.daily
	default:
		return nil, fmt.Errorf("unknown granularity %q", g)
	}

	bucket, ok := buckets[key]
	if !ok {
		persisted, err := b.store.GetBucket(ctx, g, key)
		if err != nil {
			return nil, fmt.Errorf("load %s bucket %s: %w", g, key, err)
		}
		if persisted != nil {
			bucket = persisted
		} else {
			bucket = &ledger.UsageBucket{
				Key:         key,
				Granularity: g,
				TotalAmount: new(big.Int),
				Timestamp:   ts,
			}
		}
		buckets[key] = bucket
	}

	bucket.TotalAmount = new(big.Int).Add(bucket.TotalAmount, amount)
	bucket.UsageCount++
	return bucket, nil
}

// RecomputeUniqueUsers sets UniqueUsers on every daily bucket touched this
// batch to the distinct beneficiary count of the batch's consumptions for
// that day. Deliberately batch-local: it does not reflect consumptions
// persisted by earlier batches for the same day.
func (b *Batch) RecomputeUniqueUsers(consumptions []*ledger.Consumption) {
	for key, bucket := range b.daily {
		users := make(map[string]struct{})
		for _, c := range consumptions {
			if DayKey(c.Timestamp) == key {
				users[c.Beneficiary] = struct{}{}
			}
		}
		bucket.UniqueUsers = len(users)
	}
}

// Users returns the touched user records in deterministic address order.
func (b *Batch) Users() []*ledger.UserStats {
	out := make([]*ledger.UserStats, 0, len(b.users))
	for _, s := range b.users {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Buckets returns the touched buckets of one granularity in key order.
func (b *Batch) Buckets(g ledger.Granularity) []*ledger.UsageBucket {
	src := b.hourly
	if g == ledger.Daily {
		src = b.daily
	}
	out := make([]*ledger.UsageBucket, 0, len(src))
	for _, bucket := range src {
		out = append(out, bucket)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
