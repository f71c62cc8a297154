package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/anandtrivedi/koop-provider-databricks/internal/core/apperrors"
	"github.com/anandtrivedi/koop-provider-databricks/internal/geometry"
	"github.com/anandtrivedi/koop-provider-databricks/internal/validate"
)

const (
	DriverDatabricks = "databricks"
	DriverSQLite     = "sqlite"

	H3CellModeEngine = "engine"
	H3CellModeLocal  = "local"
)

// Config is resolved once at startup. Precedence: file < environment < options.
// Secrets only come from the environment.
type Config struct {
	Addr       string `yaml:"addr" env:"ADDR" env-default:":8080"`
	LogLevel   string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	LogConsole bool   `yaml:"log_console" env:"LOG_CONSOLE" env-default:"false"`
	LogSampleN int    `yaml:"log_sample_n" env:"LOG_SAMPLE_N" env-default:"0"`

	// TrustedProxies lists the peers (IPs or CIDRs) whose X-Forwarded-For
	// header names the client. Empty means the header is ignored.
	TrustedProxies string `yaml:"trusted_proxies" env:"TRUSTED_PROXIES"`

	Driver     string           `yaml:"driver" env:"SQL_DRIVER" env-default:"databricks"`
	SQLitePath string           `yaml:"sqlite_path" env:"SQLITE_PATH" env-default:"file::memory:?cache=shared"`
	Databricks DatabricksConfig `yaml:"databricks"`

	IDField  string         `yaml:"id_field" env:"ID_FIELD" env-default:"objectid"`
	Geometry GeometryConfig `yaml:"geometry"`
	Query    QueryConfig    `yaml:"query"`

	Metadata  MetadataConfig  `yaml:"metadata"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Redis     RedisConfig     `yaml:"redis"`
	H3        H3Config        `yaml:"h3"`

	Invalidation InvalidationConfig `yaml:"invalidation"`
	QueryEvents  QueryEventsConfig  `yaml:"query_events"`

	Metrics MetricsConfig `yaml:"metrics"`
}

type DatabricksConfig struct {
	Host         string `yaml:"host" env:"DATABRICKS_SERVER_HOSTNAME"`
	Port         int    `yaml:"port" env:"DATABRICKS_PORT" env-default:"443"`
	HTTPPath     string `yaml:"http_path" env:"DATABRICKS_HTTP_PATH"`
	Catalog      string `yaml:"catalog" env:"DATABRICKS_CATALOG"`
	Schema       string `yaml:"schema" env:"DATABRICKS_SCHEMA"`
	ClientID     string `yaml:"client_id" env:"DATABRICKS_CLIENT_ID"`
	ClientSecret string `yaml:"-" env:"DATABRICKS_CLIENT_SECRET"`
	Token        string `yaml:"-" env:"DATABRICKS_TOKEN"`
	MaxOpenConns int    `yaml:"max_open_conns" env:"DATABRICKS_MAX_OPEN_CONNS" env-default:"10"`
	MaxIdleConns int    `yaml:"max_idle_conns" env:"DATABRICKS_MAX_IDLE_CONNS" env-default:"4"`
}

type GeometryConfig struct {
	Column   string `yaml:"column" env:"GEOMETRY_COLUMN" env-default:"geometry_wkt"`
	Encoding string `yaml:"encoding" env:"GEOMETRY_FORMAT" env-default:"wkt"`
	SRID     int    `yaml:"srid" env:"SRID" env-default:"4326"`
}

type QueryConfig struct {
	MaxRecordCount     int           `yaml:"max_record_count" env:"MAX_RECORD_COUNT" env-default:"2000"`
	DefaultRecordCount int           `yaml:"default_record_count" env:"DEFAULT_RECORD_COUNT" env-default:"2000"`
	StatementTimeout   time.Duration `yaml:"statement_timeout" env:"QUERY_TIMEOUT" env-default:"60s"`
}

type MetadataConfig struct {
	TTL      time.Duration `yaml:"ttl" env:"METADATA_CACHE_TTL" env-default:"5m"`
	Capacity int           `yaml:"capacity" env:"METADATA_CACHE_MAX_ENTRIES" env-default:"100"`
}

type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled" env:"RATE_LIMIT_ENABLED" env-default:"true"`
	Max           int           `yaml:"max" env:"RATE_LIMIT_MAX" env-default:"100"`
	Window        time.Duration `yaml:"window" env:"RATE_LIMIT_WINDOW" env-default:"1m"`
	SweepInterval time.Duration `yaml:"sweep_interval" env:"RATE_LIMIT_SWEEP_INTERVAL" env-default:"1m"`
}

type RedisConfig struct {
	Addr      string        `yaml:"addr" env:"REDIS_ADDR"`
	OpTimeout time.Duration `yaml:"op_timeout" env:"REDIS_OP_TIMEOUT" env-default:"250ms"`
}

type H3Config struct {
	CellMode      string `yaml:"cell_mode" env:"H3_CELL_MODE" env-default:"engine"`
	BigIntCells   bool   `yaml:"bigint_cells" env:"H3_BIGINT_CELLS" env-default:"false"`
	MaxLocalCells int    `yaml:"max_local_cells" env:"H3_MAX_LOCAL_CELLS" env-default:"5000"`
}

type InvalidationConfig struct {
	Enabled bool   `yaml:"enabled" env:"INVALIDATION_ENABLED" env-default:"false"`
	Brokers string `yaml:"brokers" env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	Topic   string `yaml:"topic" env:"KAFKA_SCHEMA_TOPIC" env-default:"schema-changes"`
	GroupID string `yaml:"group_id" env:"KAFKA_GROUP_ID" env-default:"featureserver-metadata"`
}

type QueryEventsConfig struct {
	Enabled   bool   `yaml:"enabled" env:"QUERY_EVENTS_ENABLED" env-default:"false"`
	Brokers   string `yaml:"brokers" env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	Topic     string `yaml:"topic" env:"KAFKA_QUERY_TOPIC" env-default:"featureserver-queries"`
	QueueSize int    `yaml:"queue_size" env:"QUERY_EVENTS_QUEUE" env-default:"1024"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"METRICS_ENABLED" env-default:"false"`
	Addr    string `yaml:"addr" env:"METRICS_ADDR" env-default:":9090"`
	Path    string `yaml:"path" env:"METRICS_PATH" env-default:"/metrics"`
}

// Option is an explicit override applied after file and environment.
type Option func(*Config)

// Load reads path (if it exists) with environment overrides, applies opts and
// validates the result. An empty path reads the environment only.
func Load(path string, opts ...Option) (Config, error) {
	var cfg Config
	if path != "" && fileExists(path) {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return Config{}, fmt.Errorf("read env config: %w", err)
		}
	}
	for _, o := range opts {
		o(&cfg)
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() error {
	if _, err := c.TrustedProxyPrefixes(); err != nil {
		return apperrors.Config("trusted proxies: %v", err)
	}

	c.Driver = strings.ToLower(strings.TrimSpace(c.Driver))
	switch c.Driver {
	case DriverDatabricks, DriverSQLite:
	default:
		return apperrors.Config("unknown driver %q (want databricks|sqlite)", c.Driver)
	}

	if err := validate.ColumnName(c.IDField); err != nil {
		return apperrors.Config("id field: %v", err)
	}
	if err := validate.ColumnName(c.Geometry.Column); err != nil {
		return apperrors.Config("geometry column: %v", err)
	}
	if _, err := geometry.ParseEncoding(c.Geometry.Encoding); err != nil {
		return apperrors.Config("geometry format: %v", err)
	}
	if c.Geometry.SRID <= 0 {
		c.Geometry.SRID = 4326
	}

	if c.Query.MaxRecordCount <= 0 {
		c.Query.MaxRecordCount = 2000
	}
	if c.Query.DefaultRecordCount <= 0 || c.Query.DefaultRecordCount > c.Query.MaxRecordCount {
		c.Query.DefaultRecordCount = c.Query.MaxRecordCount
	}
	if c.Query.StatementTimeout <= 0 {
		c.Query.StatementTimeout = 60 * time.Second
	}

	if c.Metadata.Capacity <= 0 {
		c.Metadata.Capacity = 100
	}
	if c.Metadata.TTL <= 0 {
		c.Metadata.TTL = 5 * time.Minute
	}

	if c.RateLimit.Max <= 0 {
		c.RateLimit.Max = 100
	}
	if c.RateLimit.Window <= 0 {
		c.RateLimit.Window = time.Minute
	}
	if c.RateLimit.SweepInterval <= 0 {
		c.RateLimit.SweepInterval = c.RateLimit.Window
	}

	c.H3.CellMode = strings.ToLower(strings.TrimSpace(c.H3.CellMode))
	switch c.H3.CellMode {
	case H3CellModeEngine, H3CellModeLocal:
	case "":
		c.H3.CellMode = H3CellModeEngine
	default:
		return apperrors.Config("unknown h3 cell mode %q (want engine|local)", c.H3.CellMode)
	}
	// sqlite has no cell-covering function
	if c.Driver == DriverSQLite {
		c.H3.CellMode = H3CellModeLocal
	}
	if c.H3.MaxLocalCells <= 0 {
		c.H3.MaxLocalCells = 5000
	}
	return nil
}

// Encoding returns the validated geometry storage encoding.
func (c Config) Encoding() geometry.Encoding {
	enc, _ := geometry.ParseEncoding(c.Geometry.Encoding)
	return enc
}

// GeometryExpr returns the expression builder for the configured geometry column.
func (c Config) GeometryExpr() geometry.Expr {
	return geometry.Expr{Column: c.Geometry.Column, Encoding: c.Encoding(), SRID: c.Geometry.SRID}
}

// TrustedProxyPrefixes parses TrustedProxies. A bare address becomes a
// single-host prefix.
func (c Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, p := range SplitCSV(c.TrustedProxies) {
		if pfx, err := netip.ParsePrefix(p); err == nil {
			out = append(out, pfx.Masked())
			continue
		}
		addr, err := netip.ParseAddr(p)
		if err != nil {
			return nil, fmt.Errorf("%q is neither an address nor a CIDR", p)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

func SplitCSV(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, os.ErrNotExist)
}
