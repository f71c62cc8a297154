// Package dbconn owns the process-wide database handle and hands out one
// session per request.
package dbconn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	dbsql "github.com/databricks/databricks-sql-go"
	"github.com/databricks/databricks-sql-go/auth/oauth/m2m"
	"golang.org/x/sync/singleflight"

	"github.com/anandtrivedi/koop-provider-databricks/internal/core/apperrors"
	"github.com/anandtrivedi/koop-provider-databricks/internal/core/config"
)

const (
	SchemeOAuthM2M = "oauth-m2m"
	SchemeToken    = "token"
)

// ErrClosed is returned by DB and Session once Close has run.
var ErrClosed = errors.New("database manager closed")

type Options struct {
	Driver     string
	SQLitePath string
	Databricks config.DatabricksConfig

	// ShutdownHook closes the handle on SIGINT/SIGTERM.
	ShutdownHook bool
}

// OptionsFromConfig picks the connection settings out of cfg.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Driver:       cfg.Driver,
		SQLitePath:   cfg.SQLitePath,
		Databricks:   cfg.Databricks,
		ShutdownHook: true,
	}
}

type Manager struct {
	opts Options
	log  *slog.Logger

	group singleflight.Group
	mu    sync.Mutex
	db    *sql.DB
	// closed is terminal; a closed manager never reconnects.
	closed bool

	hookOnce sync.Once
	open     func(ctx context.Context) (*sql.DB, error)
}

func New(opts Options, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	m := &Manager{opts: opts, log: log}
	m.open = m.openDB
	return m
}

// Scheme reports which credential scheme cfg selects: OAuth machine
// credentials when both client id and secret are set, else a token.
func Scheme(cfg config.DatabricksConfig) (string, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return "", apperrors.Config("databricks server hostname is not set")
	}
	if strings.TrimSpace(cfg.HTTPPath) == "" {
		return "", apperrors.Config("databricks http path is not set")
	}
	switch {
	case cfg.ClientID != "" && cfg.ClientSecret != "":
		return SchemeOAuthM2M, nil
	case cfg.Token != "":
		return SchemeToken, nil
	default:
		return "", apperrors.Config("no databricks credentials: set client id and secret, or an access token")
	}
}

// DB connects on first use. Concurrent first callers share one attempt; a
// failed attempt is forgotten so the next call retries.
func (m *Manager) DB(ctx context.Context) (*sql.DB, error) {
	m.mu.Lock()
	db, closed := m.db, m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if db != nil {
		return db, nil
	}

	v, err, _ := m.group.Do("connect", func() (any, error) {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		if m.db != nil {
			db := m.db
			m.mu.Unlock()
			return db, nil
		}
		m.mu.Unlock()

		db, err := m.open(ctx)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			_ = db.Close()
			return nil, ErrClosed
		}
		m.db = db
		m.mu.Unlock()
		m.log.InfoContext(ctx, "database connected", "driver", m.opts.Driver)
		m.registerShutdownHook()
		return db, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*sql.DB), nil
}

// Session opens a dedicated connection for one request. The caller must
// Close it; the shared handle stays open.
func (m *Manager) Session(ctx context.Context) (*sql.Conn, error) {
	db, err := m.DB(ctx)
	if err != nil {
		return nil, err
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: open session: %w", apperrors.ErrExecution, err)
	}
	return conn, nil
}

// Ping reports readiness without forcing a connection attempt.
func (m *Manager) Ping(ctx context.Context) error {
	m.mu.Lock()
	db := m.db
	m.mu.Unlock()
	if db == nil {
		return errors.New("not connected")
	}
	return db.PingContext(ctx)
}

// Close releases the handle for good. Later DB and Session calls fail
// with ErrClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	db := m.db
	m.db = nil
	m.closed = true
	m.mu.Unlock()
	if db == nil {
		return nil
	}
	if err := db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func (m *Manager) registerShutdownHook() {
	if !m.opts.ShutdownHook {
		return
	}
	m.hookOnce.Do(func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-ch
			signal.Stop(ch)
			m.log.Info("closing database on signal", "signal", sig.String())
			if err := m.Close(); err != nil {
				m.log.Error("database close failed", "err", err)
			}
		}()
	})
}

func (m *Manager) openDB(ctx context.Context) (*sql.DB, error) {
	var (
		db  *sql.DB
		err error
	)
	switch m.opts.Driver {
	case config.DriverSQLite:
		db, err = m.openSQLite()
	case config.DriverDatabricks, "":
		db, err = m.openDatabricks()
	default:
		return nil, apperrors.Config("unknown driver %q", m.opts.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: connect: %w", apperrors.ErrExecution, err)
	}
	return db, nil
}

func (m *Manager) openDatabricks() (*sql.DB, error) {
	c := m.opts.Databricks
	scheme, err := Scheme(c)
	if err != nil {
		return nil, err
	}
	opts := []dbsql.ConnOption{
		dbsql.WithServerHostname(c.Host),
		dbsql.WithHTTPPath(c.HTTPPath),
	}
	if c.Port > 0 {
		opts = append(opts, dbsql.WithPort(c.Port))
	}
	if c.Catalog != "" || c.Schema != "" {
		opts = append(opts, dbsql.WithInitialNamespace(c.Catalog, c.Schema))
	}
	switch scheme {
	case SchemeOAuthM2M:
		opts = append(opts, dbsql.WithAuthenticator(m2m.NewAuthenticator(c.ClientID, c.ClientSecret, c.Host)))
	default:
		opts = append(opts, dbsql.WithAccessToken(c.Token))
	}

	connector, err := dbsql.NewConnector(opts...)
	if err != nil {
		return nil, apperrors.Config("databricks connector: %v", err)
	}
	db := sql.OpenDB(connector)
	if c.MaxOpenConns > 0 {
		db.SetMaxOpenConns(c.MaxOpenConns)
	}
	if c.MaxIdleConns > 0 {
		db.SetMaxIdleConns(c.MaxIdleConns)
	}
	return db, nil
}

func (m *Manager) openSQLite() (*sql.DB, error) {
	if m.opts.SQLitePath == "" {
		return nil, apperrors.Config("%v", errNoSQLitePath)
	}
	registerSQLite()
	db, err := sql.Open(SQLiteDriver, m.opts.SQLitePath)
	if err != nil {
		return nil, apperrors.Config("sqlite open: %v", err)
	}
	return db, nil
}
