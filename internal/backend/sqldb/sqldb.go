// Package sqldb opens pooled connections through database/sql drivers.
//
// Each Conn wraps a *sql.DB capped at one physical connection, so the pool
// in internal/pool remains the only place that decides how many backend
// connections exist for a bucket.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	_ "github.com/microsoft/go-mssqldb"

	"github.com/joao-brasil/connpool/internal/pool"
	"github.com/joao-brasil/connpool/pkg/bucket"
)

const defaultConnectTimeout = 10 * time.Second

// Conn is one backend connection.
type Conn struct {
	db     *sql.DB
	driver string
}

// DB returns the underlying handle. Callers must not change its pool limits.
func (c *Conn) DB() *sql.DB {
	return c.db
}

// Driver returns the database/sql driver name.
func (c *Conn) Driver() string {
	return c.driver
}

// Ping checks that the backend still answers.
func (c *Conn) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Reset clears session state before the connection is reused.
func (c *Conn) Reset(ctx context.Context) error {
	var stmt string
	switch c.driver {
	case bucket.DriverSQLServer:
		stmt = "EXEC sp_reset_connection"
	case bucket.DriverPostgres:
		stmt = "DISCARD ALL"
	default:
		return nil
	}
	if _, err := c.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("resetting %s session: %w", c.driver, err)
	}
	return nil
}

// Close closes the physical connection.
func (c *Conn) Close() error {
	return c.db.Close()
}

// Factory returns a pool.Factory opening connections for b.
func Factory(b *bucket.Bucket) pool.Factory[*Conn] {
	return func(ctx context.Context) (*Conn, error) {
		return Open(ctx, b)
	}
}

// Open opens and pings a single connection to b's backend.
func Open(ctx context.Context, b *bucket.Bucket) (*Conn, error) {
	driver := b.DriverName()
	db, err := sql.Open(driver, b.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening %s connection to %s: %w", driver, b.Addr(), err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	timeout := b.ConnectionTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging %s at %s: %w", driver, b.Addr(), err)
	}

	return &Conn{db: db, driver: driver}, nil
}
