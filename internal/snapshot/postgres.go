package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/Naammmdz/naver-hackathon-2025-sub004/internal/merge"
)

const (
	postgresSnapshotTableName = "collab_room_snapshots"
	postgresInitTimeout       = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore keeps snapshots in a shared Postgres table so every
// server process hosting the engine recovers from the same state.
// The connection and schema are set up lazily on first use.
type PostgresStore struct {
	dsn         string
	tableName   string
	compression Compression
	logger      *slog.Logger
	openDB      sqlOpenFunc

	// mu guards db. A failed setup leaves db nil so the next call
	// retries it.
	mu sync.Mutex
	db *sql.DB
}

func NewPostgresStore(dsn string, opts Options) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{
		dsn:         dsn,
		tableName:   postgresSnapshotTableName,
		compression: opts.Compression,
		logger:      logger,
		openDB:      sql.Open,
	}, nil
}

func (s *PostgresStore) LoadLatestSnapshot(ctx context.Context, roomKey string) (*Record, error) {
	db, err := s.ensureReady()
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(
		"SELECT snapshot_data, vector, update_count, updated_at FROM %s WHERE room_key = $1",
		quoteIdentifier(s.tableName))

	var data, vector []byte
	rec := Record{RoomKey: roomKey}
	err = db.QueryRowContext(ctx, query, roomKey).Scan(&data, &vector, &rec.UpdateCount, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if rec.Snapshot, err = decodeSnapshot(data, vector); err != nil {
		return nil, fmt.Errorf("room %s: %w", roomKey, err)
	}
	return &rec, nil
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, roomKey string, snap merge.Snapshot, updateCount int64) error {
	if roomKey == "" {
		return ErrInvalidInput
	}
	db, err := s.ensureReady()
	if err != nil {
		return err
	}
	data, vector, err := encodeSnapshot(snap, s.compression)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (room_key, snapshot_data, vector, update_count, size_bytes, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (room_key)
		DO UPDATE SET
			snapshot_data = EXCLUDED.snapshot_data,
			vector = EXCLUDED.vector,
			update_count = EXCLUDED.update_count,
			size_bytes = EXCLUDED.size_bytes,
			updated_at = NOW()`, quoteIdentifier(s.tableName))
	_, err = db.ExecContext(ctx, query, roomKey, data, vector, updateCount, snap.Size())
	return err
}

func (s *PostgresStore) DeleteSnapshots(ctx context.Context, roomKey string) error {
	db, err := s.ensureReady()
	if err != nil {
		return err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE room_key = $1", quoteIdentifier(s.tableName))
	_, err = db.ExecContext(ctx, query, roomKey)
	return err
}

func (s *PostgresStore) Stats(ctx context.Context, roomKey string) (Stats, error) {
	db, err := s.ensureReady()
	if err != nil {
		return Stats{}, err
	}
	query := fmt.Sprintf("SELECT update_count, size_bytes FROM %s WHERE room_key = $1", quoteIdentifier(s.tableName))
	var stats Stats
	err = db.QueryRowContext(ctx, query, roomKey).Scan(&stats.UpdateCount, &stats.TotalSizeBytes)
	if errors.Is(err, sql.ErrNoRows) {
		return Stats{}, nil
	}
	return stats, err
}

func (s *PostgresStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ensureReady opens the pool and creates the table on first use. A
// failure is returned to the caller and the next call tries again.
func (s *PostgresStore) ensureReady() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), postgresInitTimeout)
	defer cancel()

	db, err := s.openDB("postgres", s.dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			room_key TEXT PRIMARY KEY,
			snapshot_data BYTEA NOT NULL,
			vector BYTEA NOT NULL,
			update_count BIGINT NOT NULL DEFAULT 0,
			size_bytes BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`, quoteIdentifier(s.tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create snapshot table: %w", err)
	}
	s.db = db
	s.logger.Info("snapshot store opened", "backend", "postgres", "table", s.tableName, "compression", s.compression.String())
	return db, nil
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
