// Package store opens the relational store and owns the plumbing the domain
// packages share: schema creation, the liveness probe, the raw audit trail
// and the cross-process run lock.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"cryptoetl/internal/model"
)

const (
	// DialectPostgres is the gorm dialector name for PostgreSQL.
	DialectPostgres = "postgres"
	// DialectSQLite is the gorm dialector name for SQLite.
	DialectSQLite = "sqlite"
)

// Option defines how to open the store.
type Option struct {
	// URL is a postgres:// or postgresql:// DSN, or sqlite://<path> / file:<path>.
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Config          *gorm.Config
}

// Client wraps the connection pool. Every operation takes a context and
// borrows a connection only for its own duration.
type Client struct {
	db *gorm.DB
}

// Open connects to the store described by opt and verifies it is reachable.
func Open(ctx context.Context, opt Option) (*Client, error) {
	dialector, err := dialectorFor(opt.URL)
	if err != nil {
		return nil, err
	}

	config := opt.Config
	if config == nil {
		config = &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}
	}

	db, err := gorm.Open(dialector, config)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if opt.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opt.MaxOpenConns)
	}
	if opt.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(opt.MaxIdleConns)
	}
	if opt.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(opt.ConnMaxLifetime)
	}

	client := &Client{db: db}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("store unreachable: %w", err)
	}
	return client, nil
}

// Wrap adopts an already opened gorm handle.
func Wrap(db *gorm.DB) *Client {
	return &Client{db: db}
}

func dialectorFor(url string) (gorm.Dialector, error) {
	url = strings.TrimSpace(url)
	switch {
	case url == "":
		return nil, errors.New("store url is empty")
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return postgres.Open(url), nil
	case strings.HasPrefix(url, "sqlite://"):
		return sqlite.Open(strings.TrimPrefix(url, "sqlite://")), nil
	case strings.HasPrefix(url, "file:"):
		return sqlite.Open(url), nil
	default:
		return nil, fmt.Errorf("unsupported store url scheme: %q", url)
	}
}

// DB returns the underlying gorm.DB instance.
func (c *Client) DB() *gorm.DB {
	if c == nil {
		return nil
	}
	return c.db
}

// Dialect returns the dialector name, e.g. "postgres" or "sqlite".
func (c *Client) Dialect() string {
	return c.db.Dialector.Name()
}

// Migrate creates or updates the raw, unified and job tables.
func (c *Client) Migrate(ctx context.Context) error {
	return c.db.WithContext(ctx).AutoMigrate(&model.RawRecord{}, &model.UnifiedEntity{}, &model.ETLJob{})
}

// Ping issues a real round trip to the store.
func (c *Client) Ping(ctx context.Context) error {
	var one int
	return c.db.WithContext(ctx).Raw("SELECT 1").Scan(&one).Error
}

// SaveRaw appends one fetched payload to the audit trail.
func (c *Client) SaveRaw(ctx context.Context, source string, payload json.RawMessage, ingestedAt time.Time) error {
	rec := model.RawRecord{
		Source:     source,
		Payload:    datatypes.JSON(payload),
		IngestedAt: ingestedAt.UTC(),
	}
	if err := c.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("save raw %s record: %w", source, err)
	}
	return nil
}

// CountRaw returns the number of raw records stored for source, or for all
// sources when source is empty.
func (c *Client) CountRaw(ctx context.Context, source string) (int64, error) {
	q := c.db.WithContext(ctx).Model(&model.RawRecord{})
	if source != "" {
		q = q.Where("source = ?", source)
	}
	var n int64
	err := q.Count(&n).Error
	return n, err
}

// Close closes the underlying connection pool.
func (c *Client) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SQLDB exposes the pool for callers that need a dedicated connection.
func (c *Client) SQLDB() (*sql.DB, error) {
	return c.db.DB()
}
