package kafkaconsumer

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// replayGuard remembers the newest event time applied per table so that
// redelivered events after a rebalance do not evict freshly cached metadata.
type replayGuard struct {
	mu   sync.Mutex
	seen *lru.Cache[string, time.Time]
}

func newReplayGuard(size int) *replayGuard {
	if size <= 0 {
		size = 4096
	}
	c, _ := lru.New[string, time.Time](size)
	return &replayGuard{seen: c}
}

// stale reports whether an event at ts for table is not newer than one
// already applied.
func (g *replayGuard) stale(table string, ts time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	last, ok := g.seen.Get(table)
	return ok && !ts.After(last)
}

// applied records ts for table unless a newer time is already held.
func (g *replayGuard) applied(table string, ts time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if last, ok := g.seen.Get(table); ok && !ts.After(last) {
		return
	}
	g.seen.Add(table, ts)
}
