package metadata

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	_ "github.com/mattn/go-sqlite3"

	"github.com/anandtrivedi/koop-provider-databricks/internal/cache/redisstore"
	"github.com/anandtrivedi/koop-provider-databricks/internal/core/model"
	"github.com/anandtrivedi/koop-provider-databricks/internal/sqlbuilder"
)

// describeQuerier answers DESCRIBE TABLE from a fixture table and counts calls.
type describeQuerier struct {
	db    *sql.DB
	mu    sync.Mutex
	calls int
	err   error
}

func (q *describeQuerier) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	q.mu.Lock()
	q.calls++
	err := q.err
	q.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(query, "DESCRIBE TABLE ") {
		query = "SELECT col_name, data_type, comment FROM describe_fixture ORDER BY rowid"
	}
	return q.db.QueryContext(ctx, query, args...)
}

func (q *describeQuerier) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.calls
}

func openFixture(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	stmts := []string{
		`CREATE TABLE describe_fixture (col_name TEXT, data_type TEXT, comment TEXT)`,
		`INSERT INTO describe_fixture VALUES
			('objectid', 'bigint', ''),
			('name', 'string', ''),
			('population', 'int', ''),
			('geometry_wkt', 'string', ''),
			('price', 'decimal(10,2)', ''),
			('created', 'timestamp', ''),
			('flag', 'tinyint', ''),
			('state', 'string', ''),
			('', '', ''),
			('# Partition Information', '', ''),
			('# col_name', 'data_type', 'comment'),
			('state', 'string', '')`,
		`CREATE TABLE cities (objectid INTEGER, name TEXT, population BIGINT, geometry_wkt TEXT, updated TIMESTAMP)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			t.Fatalf("fixture %q: %v", s, err)
		}
	}
	return db
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newCache(t *testing.T, capacity int, clk *clock, shared SharedStore) *Cache {
	t.Helper()
	c, err := New(Options{
		TTL:            time.Minute,
		Capacity:       capacity,
		GeometryColumn: "geometry_wkt",
		Dialect:        sqlbuilder.Databricks,
		Shared:         shared,
		Now:            clk.Now,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestFieldMetadata_FiltersAndMapsTypes(t *testing.T) {
	q := &describeQuerier{db: openFixture(t)}
	c := newCache(t, 10, &clock{now: time.Unix(0, 0)}, nil)

	fields := c.FieldMetadata(context.Background(), "main.default.cities", q)

	want := []struct{ name, typ string }{
		{"objectid", model.FieldTypeBigInteger},
		{"name", model.FieldTypeString},
		{"population", model.FieldTypeInteger},
		{"price", model.FieldTypeDouble},
		{"created", model.FieldTypeDate},
		{"flag", model.FieldTypeSmallInteger},
		{"state", model.FieldTypeString},
	}
	if len(fields) != len(want) {
		t.Fatalf("fields=%+v", fields)
	}
	for i, w := range want {
		if fields[i].Name != w.name || fields[i].Type != w.typ || fields[i].Alias != w.name {
			t.Fatalf("field %d = %+v, want %s/%s", i, fields[i], w.name, w.typ)
		}
	}
}

func TestFieldMetadata_TTLExpiryReintrospects(t *testing.T) {
	q := &describeQuerier{db: openFixture(t)}
	clk := &clock{now: time.Unix(1000, 0)}
	c := newCache(t, 10, clk, nil)
	ctx := context.Background()

	c.FieldMetadata(ctx, "main.default.cities", q)
	clk.Advance(30 * time.Second)
	c.FieldMetadata(ctx, "main.default.cities", q)
	if q.count() != 1 {
		t.Fatalf("fresh entry should be served from cache, calls=%d", q.count())
	}

	clk.Advance(31 * time.Second)
	c.FieldMetadata(ctx, "main.default.cities", q)
	if q.count() != 2 {
		t.Fatalf("expired entry should trigger introspection, calls=%d", q.count())
	}
}

func TestFieldMetadata_CapacityEvictsOldest(t *testing.T) {
	q := &describeQuerier{db: openFixture(t)}
	clk := &clock{now: time.Unix(1000, 0)}
	c := newCache(t, 2, clk, nil)
	ctx := context.Background()

	c.FieldMetadata(ctx, "a.t1", q)
	clk.Advance(time.Second)
	c.FieldMetadata(ctx, "a.t2", q)
	clk.Advance(time.Second)
	// a hit must not refresh t1's position
	c.FieldMetadata(ctx, "a.t1", q)
	c.FieldMetadata(ctx, "a.t3", q)

	if c.Len() != 2 {
		t.Fatalf("len=%d want 2", c.Len())
	}
	if c.Contains("a.t1") {
		t.Fatalf("oldest entry a.t1 should have been evicted")
	}
	if !c.Contains("a.t2") || !c.Contains("a.t3") {
		t.Fatalf("expected a.t2 and a.t3 to remain")
	}
}

func TestFieldMetadata_FailureReturnsEmptyAndIsNotCached(t *testing.T) {
	q := &describeQuerier{db: openFixture(t), err: errors.New("warehouse unavailable")}
	c := newCache(t, 10, &clock{now: time.Unix(0, 0)}, nil)
	ctx := context.Background()

	fields := c.FieldMetadata(ctx, "main.default.cities", q)
	if fields == nil || len(fields) != 0 {
		t.Fatalf("expected empty non-nil list, got %#v", fields)
	}
	if c.Len() != 0 {
		t.Fatalf("failure must not be cached")
	}

	q.mu.Lock()
	q.err = nil
	q.mu.Unlock()
	if fields := c.FieldMetadata(ctx, "main.default.cities", q); len(fields) == 0 {
		t.Fatalf("expected retry to succeed")
	}
	if q.count() != 2 {
		t.Fatalf("calls=%d want 2", q.count())
	}
}

func TestFieldMetadata_ColumnTypesDialect(t *testing.T) {
	db := openFixture(t)
	c, err := New(Options{
		TTL:            time.Minute,
		Capacity:       4,
		GeometryColumn: "geometry_wkt",
		Dialect:        sqlbuilder.SQLite,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	fields := c.FieldMetadata(context.Background(), "main.cities", db)

	got := map[string]string{}
	for _, f := range fields {
		got[f.Name] = f.Type
	}
	want := map[string]string{
		"objectid":   model.FieldTypeInteger,
		"name":       model.FieldTypeString,
		"population": model.FieldTypeBigInteger,
		"updated":    model.FieldTypeDate,
	}
	if len(got) != len(want) {
		t.Fatalf("fields=%+v", fields)
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("%s: got %s want %s", k, got[k], v)
		}
	}
}

func TestFieldMetadata_SharedTier(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	ctx := context.Background()
	rc, err := redisstore.New(ctx, mr.Addr())
	if err != nil {
		t.Fatalf("redis: %v", err)
	}
	t.Cleanup(func() { _ = rc.Close() })

	q := &describeQuerier{db: openFixture(t)}
	clk := &clock{now: time.Unix(0, 0)}
	first := newCache(t, 4, clk, rc)
	second := newCache(t, 4, clk, rc)

	want := first.FieldMetadata(ctx, "main.default.cities", q)
	if q.count() != 1 {
		t.Fatalf("calls=%d", q.count())
	}
	got := second.FieldMetadata(ctx, "main.default.cities", q)
	if q.count() != 1 {
		t.Fatalf("second replica should be served by the shared tier, calls=%d", q.count())
	}
	if len(got) != len(want) || got[0].Name != want[0].Name {
		t.Fatalf("shared fields differ: %+v vs %+v", got, want)
	}

	if err := second.Invalidate(ctx, "main.default.cities"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if second.Contains("main.default.cities") {
		t.Fatalf("local entry not invalidated")
	}
	if len(mr.Keys()) != 0 {
		t.Fatalf("shared entry not invalidated: %v", mr.Keys())
	}
	second.FieldMetadata(ctx, "main.default.cities", q)
	if q.count() != 2 {
		t.Fatalf("expected re-introspection after invalidation, calls=%d", q.count())
	}
}

func TestFieldType(t *testing.T) {
	for in, want := range map[string]string{
		"SMALLINT":            model.FieldTypeSmallInteger,
		"int":                 model.FieldTypeInteger,
		"BIGINT":              model.FieldTypeBigInteger,
		"decimal(38,6)":       model.FieldTypeDouble,
		"double":              model.FieldTypeDouble,
		"DATE":                model.FieldTypeDate,
		"timestamp":           model.FieldTypeDate,
		"array<string>":       model.FieldTypeString,
		"struct<a:int>":       model.FieldTypeString,
		"":                    model.FieldTypeString,
		"geometry(4326)":      model.FieldTypeString,
		"map<string,string>":  model.FieldTypeString,
	} {
		if got := FieldType(in); got != want {
			t.Fatalf("%q: got %s want %s", in, got, want)
		}
	}
}
