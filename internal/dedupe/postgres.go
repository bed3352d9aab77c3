package dedupe

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresMarkerTableName  = "listmirror_markers"
	postgresOperationTimeout = 5 * time.Second
	// DefaultPurgeInterval is the minimum gap between opportunistic purges of expired rows.
	DefaultPurgeInterval = time.Hour
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresCache stores markers with an explicit expiry column. Expired rows read as
// absent, are replaced on the next Set, and are deleted by a purge that Set runs at
// most once per purge interval.
type PostgresCache struct {
	dsn           string
	tableName     string
	openDB        sqlOpenFunc
	now           func() time.Time
	purgeInterval time.Duration

	mu        sync.Mutex
	db        *sql.DB
	lastPurge time.Time
}

func NewPostgresCache(dsn string) (*PostgresCache, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresCache{
		dsn:           dsn,
		tableName:     postgresMarkerTableName,
		openDB:        sql.Open,
		now:           time.Now,
		purgeInterval: DefaultPurgeInterval,
	}, nil
}

func (c *PostgresCache) Exists(ctx context.Context, key string) (bool, error) {
	if strings.TrimSpace(key) == "" {
		return false, ErrInvalidInput
	}
	db, err := c.ensureReady()
	if err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT 1 FROM %s WHERE marker_key = $1 AND expires_at > $2", postgresQuoteIdentifier(c.tableName))
	var one int
	err = db.QueryRowContext(ctx, query, key, c.now().UTC()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *PostgresCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	if ttl <= 0 {
		ttl = MarkerTTL
	}
	db, err := c.ensureReady()
	if err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (marker_key, marker_value, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (marker_key)
		DO UPDATE SET marker_value = EXCLUDED.marker_value, expires_at = EXCLUDED.expires_at`, postgresQuoteIdentifier(c.tableName))
	if _, err := db.ExecContext(opCtx, query, key, value, c.now().UTC().Add(ttl)); err != nil {
		return err
	}
	if c.purgeDue() {
		// The marker is already stored; a failed purge is retried on the next interval.
		_, _ = c.Purge(ctx)
	}
	return nil
}

func (c *PostgresCache) Delete(ctx context.Context, key string) error {
	db, err := c.ensureReady()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE marker_key = $1", postgresQuoteIdentifier(c.tableName))
	_, err = db.ExecContext(ctx, query, key)
	return err
}

// Purge drops expired markers and reports how many were removed.
func (c *PostgresCache) Purge(ctx context.Context) (int64, error) {
	db, err := c.ensureReady()
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE expires_at <= $1", postgresQuoteIdentifier(c.tableName))
	result, err := db.ExecContext(ctx, query, c.now().UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (c *PostgresCache) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}

// purgeDue reports whether a purge interval has elapsed and, if so, starts a new one.
func (c *PostgresCache) purgeDue() bool {
	if c.purgeInterval <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if !c.lastPurge.IsZero() && now.Sub(c.lastPurge) < c.purgeInterval {
		return false
	}
	c.lastPurge = now
	return true
}

// ensureReady opens the pool and creates the table on first use. A failed attempt
// leaves the cache unopened so the next call tries again.
func (c *PostgresCache) ensureReady() (*sql.DB, error) {
	if c == nil {
		return nil, ErrInvalidInput
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db != nil {
		return c.db, nil
	}
	db, err := c.openDB("postgres", c.dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	createTableQuery := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			marker_key TEXT PRIMARY KEY,
			marker_value TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		)`, postgresQuoteIdentifier(c.tableName))
	if _, err := db.ExecContext(ctx, createTableQuery); err != nil {
		_ = db.Close()
		return nil, err
	}
	indexName := c.tableName + "_expires_at_idx"
	createIndexQuery := fmt.Sprintf(
		"CREATE INDEX IF NOT EXISTS %s ON %s (expires_at)",
		postgresQuoteIdentifier(indexName),
		postgresQuoteIdentifier(c.tableName),
	)
	if _, err := db.ExecContext(ctx, createIndexQuery); err != nil {
		_ = db.Close()
		return nil, err
	}
	c.db = db
	return db, nil
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
