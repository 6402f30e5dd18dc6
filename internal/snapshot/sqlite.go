package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/Naammmdz/naver-hackathon-2025-sub004/internal/merge"
)

// Options tune how a durable store writes blobs.
type Options struct {
	Compression Compression
	Logger      *slog.Logger
}

// SQLiteStore keeps snapshots in a local SQLite database.
type SQLiteStore struct {
	db          *sql.DB
	compression Compression
}

func OpenSQLite(path string, opts Options) (*SQLiteStore, error) {
	if path == "" {
		return nil, ErrInvalidInput
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create snapshot dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot database: %w", err)
	}
	// One writer keeps modernc from returning SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if err := createSnapshotTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create snapshot tables: %w", err)
	}

	logger.Info("snapshot store opened", "backend", "sqlite", "path", path, "compression", opts.Compression.String())
	return &SQLiteStore{db: db, compression: opts.Compression}, nil
}

func createSnapshotTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS room_snapshots (
		room_key TEXT PRIMARY KEY,
		snapshot_data BLOB NOT NULL,
		vector BLOB NOT NULL,
		update_count INTEGER NOT NULL DEFAULT 0,
		size_bytes INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := db.Exec(schema)
	return err
}

func (s *SQLiteStore) LoadLatestSnapshot(ctx context.Context, roomKey string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT snapshot_data, vector, update_count, updated_at FROM room_snapshots WHERE room_key = ?",
		roomKey,
	)

	var data, vector []byte
	rec := Record{RoomKey: roomKey}
	err := row.Scan(&data, &vector, &rec.UpdateCount, &rec.UpdatedAt)
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

func (s *SQLiteStore) SaveSnapshot(ctx context.Context, roomKey string, snap merge.Snapshot, updateCount int64) error {
	if roomKey == "" {
		return ErrInvalidInput
	}
	data, vector, err := encodeSnapshot(snap, s.compression)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO room_snapshots (room_key, snapshot_data, vector, update_count, size_bytes, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(room_key) DO UPDATE SET
			snapshot_data = excluded.snapshot_data,
			vector = excluded.vector,
			update_count = excluded.update_count,
			size_bytes = excluded.size_bytes,
			updated_at = CURRENT_TIMESTAMP
	`, roomKey, data, vector, updateCount, snap.Size())
	return err
}

func (s *SQLiteStore) DeleteSnapshots(ctx context.Context, roomKey string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM room_snapshots WHERE room_key = ?", roomKey)
	return err
}

func (s *SQLiteStore) Stats(ctx context.Context, roomKey string) (Stats, error) {
	var stats Stats
	err := s.db.QueryRowContext(ctx,
		"SELECT update_count, size_bytes FROM room_snapshots WHERE room_key = ?",
		roomKey,
	).Scan(&stats.UpdateCount, &stats.TotalSizeBytes)
	if errors.Is(err, sql.ErrNoRows) {
		return Stats{}, nil
	}
	return stats, err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func encodeSnapshot(snap merge.Snapshot, c Compression) ([]byte, []byte, error) {
	data, err := encodeBlob(snap.Data, c)
	if err != nil {
		return nil, nil, err
	}
	// Vectors are digests or clocks and rarely compress.
	vector, err := encodeBlob(snap.Vector, CompressionNone)
	if err != nil {
		return nil, nil, err
	}
	return data, vector, nil
}

func decodeSnapshot(data, vector []byte) (merge.Snapshot, error) {
	d, err := decodeBlob(data)
	if err != nil {
		return merge.Snapshot{}, err
	}
	v, err := decodeBlob(vector)
	if err != nil {
		return merge.Snapshot{}, err
	}
	return merge.Snapshot{Data: d, Vector: v}, nil
}
