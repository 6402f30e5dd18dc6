// Package snapshot persists the latest merged snapshot of each room.
//
// A room has at most one stored record. Saves are upserts and the last
// write wins, which is safe because every snapshot a process produces
// is a superset of the one it was merged from: two processes racing to
// compact the same room each write an individually correct state.
package snapshot

import (
	"context"
	"errors"
	"time"

	"github.com/Naammmdz/naver-hackathon-2025-sub004/internal/merge"
)

var (
	ErrInvalidInput      = errors.New("snapshot: invalid input")
	ErrUnsupportedScheme = errors.New("snapshot: unsupported store scheme")
)

// Record is the durable form of a room's latest snapshot.
type Record struct {
	RoomKey  string
	Snapshot merge.Snapshot
	// UpdateCount is the cumulative number of fragments folded into
	// Snapshot across all compactions.
	UpdateCount int64
	UpdatedAt   time.Time
}

// Stats summarizes what is stored for a room.
type Stats struct {
	UpdateCount    int64 `json:"update_count"`
	TotalSizeBytes int64 `json:"total_size_bytes"`
}

// Store is a durable keyed blob store for room snapshots.
type Store interface {
	// LoadLatestSnapshot returns nil, nil when the room has no snapshot.
	LoadLatestSnapshot(ctx context.Context, roomKey string) (*Record, error)
	SaveSnapshot(ctx context.Context, roomKey string, snap merge.Snapshot, updateCount int64) error
	DeleteSnapshots(ctx context.Context, roomKey string) error
	Stats(ctx context.Context, roomKey string) (Stats, error)
	Close() error
}
