// Package bucket defines the bucket model and configuration structures.
// A bucket is a named pool of interchangeable connections to one backend database.
package bucket

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"
)

// Supported drivers. The names match the database/sql driver registrations.
const (
	DriverSQLServer = "sqlserver"
	DriverPostgres  = "pgx"
	DriverMySQL     = "mysql"
	DriverSQLite    = "sqlite3"
)

// ErrInvalid is returned (joined with the detail) by Validate.
var ErrInvalid = errors.New("bucket: invalid configuration")

// Retry configures how the executor retries pool exhaustion for this bucket.
type Retry struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	// MaxDelay caps a single backoff sleep. Zero leaves growth uncapped.
	MaxDelay time.Duration `yaml:"max_delay"`
}

// Bucket represents a logical bucket mapped to a single backend database.
type Bucket struct {
	ID       string            `yaml:"id"`
	Driver   string            `yaml:"driver"`
	Host     string            `yaml:"host"`
	Port     int               `yaml:"port"`
	Database string            `yaml:"database"`
	Username string            `yaml:"username"`
	Password string            `yaml:"password"`
	Params   map[string]string `yaml:"params"`

	MinSize int `yaml:"min_size"`
	MaxSize int `yaml:"max_size"`

	// AcquireTimeout bounds how long a caller waits for a pooled connection.
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	// ConnectionTimeout bounds opening a new backend connection.
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	// QueryTimeout bounds a single unit of work. Zero means no limit.
	QueryTimeout time.Duration `yaml:"query_timeout"`

	MaxIdleTime         time.Duration `yaml:"max_idle_time"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
	ResetOnRelease      bool          `yaml:"reset_on_release"`

	Retry Retry `yaml:"retry"`
}

// Validate checks the size invariant and the fields every pool relies on.
func (b *Bucket) Validate() error {
	switch {
	case b.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalid)
	case b.MinSize <= 0:
		return fmt.Errorf("%w: bucket %s: min_size must be > 0, got %d", ErrInvalid, b.ID, b.MinSize)
	case b.MaxSize < b.MinSize:
		return fmt.Errorf("%w: bucket %s: max_size (%d) must be >= min_size (%d)",
			ErrInvalid, b.ID, b.MaxSize, b.MinSize)
	case b.Retry.MaxRetries < 0:
		return fmt.Errorf("%w: bucket %s: retry.max_retries must be >= 0", ErrInvalid, b.ID)
	case b.Retry.BaseDelay < 0 || b.Retry.MaxDelay < 0:
		return fmt.Errorf("%w: bucket %s: retry delays must be >= 0", ErrInvalid, b.ID)
	case b.AcquireTimeout < 0 || b.QueryTimeout < 0 || b.MaxIdleTime < 0:
		return fmt.Errorf("%w: bucket %s: timeouts must be >= 0", ErrInvalid, b.ID)
	}

	switch b.Driver {
	case "", DriverSQLServer, DriverPostgres, DriverMySQL, DriverSQLite:
	default:
		return fmt.Errorf("%w: bucket %s: unknown driver %q", ErrInvalid, b.ID, b.Driver)
	}
	return nil
}

// DSN returns the driver specific connection string for this bucket.
func (b *Bucket) DSN() string {
	switch b.Driver {
	case DriverPostgres:
		u := url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(b.Username, b.Password),
			Host:   b.Addr(),
			Path:   "/" + b.Database,
		}
		q := b.query()
		if b.ConnectionTimeout > 0 {
			q.Set("connect_timeout", strconv.Itoa(int(b.ConnectionTimeout.Seconds())))
		}
		u.RawQuery = q.Encode()
		return u.String()

	case DriverMySQL:
		dsn := b.Username + ":" + b.Password + "@tcp(" + b.Addr() + ")/" + b.Database
		q := b.query()
		if b.ConnectionTimeout > 0 {
			q.Set("timeout", b.ConnectionTimeout.String())
		}
		if len(q) > 0 {
			dsn += "?" + q.Encode()
		}
		return dsn

	case DriverSQLite:
		q := b.query()
		if len(q) == 0 {
			return b.Database
		}
		return "file:" + b.Database + "?" + q.Encode()

	default:
		u := url.URL{
			Scheme: "sqlserver",
			User:   url.UserPassword(b.Username, b.Password),
			Host:   b.Addr(),
		}
		q := b.query()
		q.Set("database", b.Database)
		if b.ConnectionTimeout > 0 {
			q.Set("connection timeout", strconv.Itoa(int(b.ConnectionTimeout.Seconds())))
		}
		u.RawQuery = q.Encode()
		return u.String()
	}
}

// DriverName returns the database/sql driver name, defaulting to SQL Server.
func (b *Bucket) DriverName() string {
	if b.Driver == "" {
		return DriverSQLServer
	}
	return b.Driver
}

// Addr returns the host:port address of the backend instance.
func (b *Bucket) Addr() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}

func (b *Bucket) query() url.Values {
	q := url.Values{}
	for k, v := range b.Params {
		q.Set(k, v)
	}
	return q
}
