package entitlements

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/wabaconsole/console/pkg/entitlements"
)

// CacheConfig holds configuration for the snapshot cache.
type CacheConfig struct {
	DBPath            string
	Retention         time.Duration // Snapshots older than this are pruned
	PruneInterval     time.Duration
	DisableBackground bool
}

// DefaultCacheConfig returns defaults rooted at dataDir.
func DefaultCacheConfig(dataDir string) CacheConfig {
	return CacheConfig{
		DBPath:        filepath.Join(dataDir, "entitlements.db"),
		Retention:     30 * 24 * time.Hour,
		PruneInterval: time.Hour,
	}
}

// SQLiteCache keeps the last successful snapshot per business.
type SQLiteCache struct {
	db     *sql.DB
	config CacheConfig

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewSQLiteCache opens (or creates) the cache database.
func NewSQLiteCache(config CacheConfig) (*SQLiteCache, error) {
	if config.DBPath == "" {
		return nil, errors.New("cache database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(config.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	db, err := sql.Open("sqlite", config.DBPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	// Single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	c := &SQLiteCache{
		db:     db,
		config: config,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	if err := c.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if config.DisableBackground || config.Retention <= 0 || config.PruneInterval <= 0 {
		close(c.doneCh)
	} else {
		go c.backgroundWorker()
	}

	log.Info().
		Str("path", config.DBPath).
		Dur("retention", config.Retention).
		Msg("Entitlement cache initialized")

	return c, nil
}

func (c *SQLiteCache) initSchema() error {
	_, err := c.db.Exec(`
		CREATE TABLE IF NOT EXISTS snapshots (
			business_id TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			fetched_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_snapshots_fetched_at
		ON snapshots(fetched_at);
	`)
	return err
}

// Load returns the cached snapshot for businessID, or nil when there is none.
func (c *SQLiteCache) Load(ctx context.Context, businessID string) (*entitlements.Snapshot, time.Time, error) {
	var (
		payload string
		ts      int64
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT payload, fetched_at FROM snapshots WHERE business_id = ?`, businessID).
		Scan(&payload, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("query cached snapshot: %w", err)
	}

	var snap entitlements.Snapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return nil, time.Time{}, fmt.Errorf("decode cached snapshot: %w", err)
	}
	return &snap, time.Unix(ts, 0), nil
}

// Save stores snap as the latest snapshot for its business.
func (c *SQLiteCache) Save(ctx context.Context, snap *entitlements.Snapshot, fetchedAt time.Time) error {
	if snap == nil || snap.BusinessID == "" {
		return errors.New("snapshot has no business id")
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO snapshots (business_id, payload, fetched_at) VALUES (?, ?, ?)
		ON CONFLICT(business_id) DO UPDATE SET payload = excluded.payload, fetched_at = excluded.fetched_at`,
		snap.BusinessID, string(payload), fetchedAt.Unix())
	if err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}
	return nil
}

// Prune deletes snapshots fetched before cutoff and returns how many were removed.
func (c *SQLiteCache) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := c.db.ExecContext(ctx, `DELETE FROM snapshots WHERE fetched_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (c *SQLiteCache) backgroundWorker() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.config.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			deleted, err := c.Prune(context.Background(), time.Now().Add(-c.config.Retention))
			if err != nil {
				log.Warn().Err(err).Msg("Failed to prune entitlement cache")
				continue
			}
			if deleted > 0 {
				log.Info().Int64("deleted", deleted).Msg("Entitlement cache retention cleanup completed")
			}
		}
	}
}

// Close stops the background worker and closes the database.
func (c *SQLiteCache) Close() error {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})

	select {
	case <-c.doneCh:
	case <-time.After(5 * time.Second):
		log.Warn().Msg("Entitlement cache shutdown timed out")
	}

	return c.db.Close()
}
