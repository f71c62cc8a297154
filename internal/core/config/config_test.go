package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/anandtrivedi/koop-provider-databricks/internal/core/apperrors"
)

func TestLoad_EnvDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Driver != DriverDatabricks {
		t.Fatalf("driver=%q", cfg.Driver)
	}
	if cfg.IDField != "objectid" || cfg.Geometry.Column != "geometry_wkt" || cfg.Geometry.SRID != 4326 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Query.MaxRecordCount != 2000 || cfg.Query.StatementTimeout != 60*time.Second {
		t.Fatalf("query defaults: %+v", cfg.Query)
	}
	if cfg.Metadata.TTL != 5*time.Minute || cfg.Metadata.Capacity != 100 {
		t.Fatalf("metadata defaults: %+v", cfg.Metadata)
	}
	if cfg.RateLimit.Max != 100 || cfg.RateLimit.Window != time.Minute {
		t.Fatalf("rate limit defaults: %+v", cfg.RateLimit)
	}
	if cfg.H3.CellMode != H3CellModeEngine {
		t.Fatalf("cell mode=%q", cfg.H3.CellMode)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DATABRICKS_SERVER_HOSTNAME", "dbc-1.cloud.databricks.com")
	t.Setenv("DATABRICKS_TOKEN", "dapi-secret")
	t.Setenv("MAX_RECORD_COUNT", "500")
	t.Setenv("DEFAULT_RECORD_COUNT", "900")
	t.Setenv("RATE_LIMIT_WINDOW", "30s")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Databricks.Host != "dbc-1.cloud.databricks.com" || cfg.Databricks.Token != "dapi-secret" {
		t.Fatalf("databricks=%+v", cfg.Databricks)
	}
	if cfg.Query.MaxRecordCount != 500 {
		t.Fatalf("max=%d", cfg.Query.MaxRecordCount)
	}
	// default page never exceeds the cap
	if cfg.Query.DefaultRecordCount != 500 {
		t.Fatalf("default=%d", cfg.Query.DefaultRecordCount)
	}
	if cfg.RateLimit.Window != 30*time.Second || cfg.RateLimit.SweepInterval != time.Minute {
		t.Fatalf("rate limit=%+v", cfg.RateLimit)
	}
}

func TestLoad_FileThenOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "featureserver.yaml")
	body := []byte(`
driver: sqlite
id_field: gid
geometry:
  column: geom
  encoding: geojson
query:
  max_record_count: 50
`)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path, func(c *Config) { c.Query.MaxRecordCount = 25 })
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Driver != DriverSQLite || cfg.IDField != "gid" || cfg.Geometry.Column != "geom" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Encoding() != "geojson" {
		t.Fatalf("encoding=%q", cfg.Encoding())
	}
	if cfg.Query.MaxRecordCount != 25 {
		t.Fatalf("option did not win: %d", cfg.Query.MaxRecordCount)
	}
	if cfg.H3.CellMode != H3CellModeLocal {
		t.Fatalf("sqlite must force local cells, got %q", cfg.H3.CellMode)
	}
	g := cfg.GeometryExpr()
	if g.Column != "geom" || g.SRID != 4326 {
		t.Fatalf("expr=%+v", g)
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]Option{
		"driver":    func(c *Config) { c.Driver = "postgres" },
		"id field":  func(c *Config) { c.IDField = "id; drop" },
		"geometry":  func(c *Config) { c.Geometry.Column = "" },
		"encoding":  func(c *Config) { c.Geometry.Encoding = "kml" },
		"cell mode": func(c *Config) { c.H3.CellMode = "remote" },
		"proxies":   func(c *Config) { c.TrustedProxies = "10.0.0.0/8, lb.internal" },
	}
	for name, opt := range cases {
		if _, err := Load("", opt); !errors.Is(err, apperrors.ErrConfig) {
			t.Fatalf("%s: want ErrConfig, got %v", name, err)
		}
	}
}

func TestTrustedProxyPrefixes(t *testing.T) {
	cfg := Config{TrustedProxies: "10.0.0.0/8, 192.0.2.7 ,::ffff:198.51.100.1"}
	got, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := []string{"10.0.0.0/8", "192.0.2.7/32", "198.51.100.1/32"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i].String() != want[i] {
			t.Fatalf("prefix %d = %s want %s", i, got[i], want[i])
		}
	}
	if p, _ := (Config{}).TrustedProxyPrefixes(); p != nil {
		t.Fatalf("empty list should trust nobody, got %v", p)
	}
}

func TestSplitCSV(t *testing.T) {
	got := SplitCSV(" a:9092, ,b:9092,")
	if len(got) != 2 || got[0] != "a:9092" || got[1] != "b:9092" {
		t.Fatalf("got %v", got)
	}
	if SplitCSV("") != nil {
		t.Fatalf("empty input should give nil")
	}
}
