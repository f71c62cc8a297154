// Package ratelimit implements per-client sliding-window admission control.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/anandtrivedi/koop-provider-databricks/internal/core/observability"
)

const numShards = 64

// Limiter admits at most Max requests per client within any trailing
// Window. Check-then-append is atomic per shard.
type Limiter struct {
	Max    int
	Window time.Duration

	now func() time.Time

	shards [numShards]shard
}

type shard struct {
	mu sync.Mutex
	m  map[string][]time.Time
}

func New(maxRequests int, window time.Duration) *Limiter {
	if maxRequests <= 0 {
		maxRequests = 100
	}
	if window <= 0 {
		window = time.Minute
	}
	l := &Limiter{Max: maxRequests, Window: window, now: time.Now}
	for i := range l.shards {
		l.shards[i].m = make(map[string][]time.Time)
	}
	return l
}

// Allow records a request for client if admitted. When rejected it returns
// how long until the oldest request in the window expires.
func (l *Limiter) Allow(client string) (bool, time.Duration) {
	s := l.pick(client)
	n := l.now()
	cutoff := n.Add(-l.Window)

	s.mu.Lock()
	defer s.mu.Unlock()

	ts := prune(s.m[client], cutoff)
	if len(ts) >= l.Max {
		s.m[client] = ts
		observability.IncRateLimited()
		return false, ts[0].Sub(cutoff)
	}
	s.m[client] = append(ts, n)
	return true, 0
}

// prune drops timestamps at or before cutoff. ts is ascending.
func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}

// Sweep removes clients whose windows have fully expired and returns the
// number of clients still tracked.
func (l *Limiter) Sweep() int {
	cutoff := l.now().Add(-l.Window)
	remaining := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		for client, ts := range s.m {
			ts = prune(ts, cutoff)
			if len(ts) == 0 {
				delete(s.m, client)
				continue
			}
			s.m[client] = ts
		}
		remaining += len(s.m)
		s.mu.Unlock()
	}
	observability.SetRateLimitClients(remaining)
	return remaining
}

// Run sweeps every interval until ctx is done.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = l.Window
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.Sweep()
		}
	}
}

func (l *Limiter) pick(client string) *shard {
	h := xxhash.Sum64String(client)
	idx := h & (uint64(len(l.shards)) - 1)
	return &l.shards[idx]
}

func (l *Limiter) Size() int {
	total := 0
	for i := range l.shards {
		l.shards[i].mu.Lock()
		total += len(l.shards[i].m)
		l.shards[i].mu.Unlock()
	}
	return total
}
