// Package metadata caches per-table field metadata produced by schema
// introspection.
package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/anandtrivedi/koop-provider-databricks/internal/cache/keys"
	"github.com/anandtrivedi/koop-provider-databricks/internal/core/model"
	"github.com/anandtrivedi/koop-provider-databricks/internal/core/observability"
	"github.com/anandtrivedi/koop-provider-databricks/internal/sqlbuilder"
)

// Querier is satisfied by *sql.Conn and *sql.DB.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// SharedStore is an optional second tier shared between replicas.
type SharedStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

type Options struct {
	TTL            time.Duration
	Capacity       int
	GeometryColumn string
	Dialect        sqlbuilder.Dialect
	Shared         SharedStore
	Log            *slog.Logger
	Now            func() time.Time
}

type entry struct {
	fields []model.Field
	at     time.Time
}

// Cache is safe for concurrent use. Entries are only read with Peek, so
// the LRU order is insertion order and capacity eviction drops the entry
// with the oldest timestamp.
type Cache struct {
	opts    Options
	entries *lru.Cache[string, entry]
}

func New(opts Options) (*Cache, error) {
	if opts.Capacity <= 0 {
		return nil, fmt.Errorf("metadata cache capacity must be positive, got %d", opts.Capacity)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log == nil {
		opts.Log = slog.New(slog.DiscardHandler)
	}
	if opts.Dialect == "" {
		opts.Dialect = sqlbuilder.Databricks
	}
	entries, err := lru.New[string, entry](opts.Capacity)
	if err != nil {
		return nil, fmt.Errorf("metadata lru: %w", err)
	}
	return &Cache{opts: opts, entries: entries}, nil
}

// FieldMetadata returns the fields of table. Introspection failures yield an
// empty list which is not cached, so the next call retries.
func (c *Cache) FieldMetadata(ctx context.Context, table string, q Querier) []model.Field {
	key := cacheKey(table)
	now := c.opts.Now()

	if e, ok := c.entries.Peek(key); ok && now.Sub(e.at) < c.opts.TTL {
		observability.IncMetadata("hit")
		return e.fields
	}

	if fields, ok := c.sharedGet(ctx, table); ok {
		c.entries.Add(key, entry{fields: fields, at: now})
		observability.IncMetadata("shared_hit")
		return fields
	}

	fields, err := c.introspect(ctx, table, q)
	if err != nil {
		observability.IncMetadata("error")
		c.opts.Log.WarnContext(ctx, "field metadata introspection failed", "table", table, "err", err)
		return []model.Field{}
	}
	observability.IncMetadata("miss")
	c.entries.Add(key, entry{fields: fields, at: now})
	c.sharedSet(ctx, table, fields)
	return fields
}

// Invalidate drops table from both tiers. The local entry is always
// removed; the error reports a failed shared delete.
func (c *Cache) Invalidate(ctx context.Context, table string) error {
	c.entries.Remove(cacheKey(table))
	if c.opts.Shared == nil {
		return nil
	}
	if err := c.opts.Shared.Del(ctx, keys.Metadata(table)); err != nil {
		return fmt.Errorf("shared metadata delete %s: %w", table, err)
	}
	return nil
}

func (c *Cache) Len() int { return c.entries.Len() }

// Contains reports whether table has an entry, fresh or not.
func (c *Cache) Contains(table string) bool { return c.entries.Contains(cacheKey(table)) }

func (c *Cache) sharedGet(ctx context.Context, table string) ([]model.Field, bool) {
	if c.opts.Shared == nil {
		return nil, false
	}
	raw, ok, err := c.opts.Shared.Get(ctx, keys.Metadata(table))
	if err != nil {
		c.opts.Log.WarnContext(ctx, "shared metadata read failed", "table", table, "err", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var fields []model.Field
	if err := json.Unmarshal(raw, &fields); err != nil {
		c.opts.Log.WarnContext(ctx, "shared metadata entry unreadable", "table", table, "err", err)
		return nil, false
	}
	return fields, true
}

func (c *Cache) sharedSet(ctx context.Context, table string, fields []model.Field) {
	if c.opts.Shared == nil {
		return
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return
	}
	if err := c.opts.Shared.Set(ctx, keys.Metadata(table), raw, c.opts.TTL); err != nil {
		c.opts.Log.WarnContext(ctx, "shared metadata write failed", "table", table, "err", err)
	}
}

func cacheKey(table string) string {
	return strings.ToLower(strings.TrimSpace(table))
}
