package snapshot

import (
	"context"
	"sync"
	"time"

	"github.com/Naammmdz/naver-hackathon-2025-sub004/internal/merge"
)

// MemoryStore keeps snapshots in process memory. It is durable only for
// the lifetime of the process and exists for tests and single-node dev.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) LoadLatestSnapshot(ctx context.Context, roomKey string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[roomKey]
	if !ok {
		return nil, nil
	}
	rec.Snapshot = cloneSnapshot(rec.Snapshot)
	return &rec, nil
}

func (s *MemoryStore) SaveSnapshot(ctx context.Context, roomKey string, snap merge.Snapshot, updateCount int64) error {
	if roomKey == "" {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[roomKey] = Record{
		RoomKey:     roomKey,
		Snapshot:    cloneSnapshot(snap),
		UpdateCount: updateCount,
		UpdatedAt:   time.Now().UTC(),
	}
	return nil
}

func (s *MemoryStore) DeleteSnapshots(ctx context.Context, roomKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, roomKey)
	return nil
}

func (s *MemoryStore) Stats(ctx context.Context, roomKey string) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[roomKey]
	if !ok {
		return Stats{}, nil
	}
	return Stats{UpdateCount: rec.UpdateCount, TotalSizeBytes: int64(rec.Snapshot.Size())}, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func cloneSnapshot(s merge.Snapshot) merge.Snapshot {
	return merge.Snapshot{
		Data:   append([]byte(nil), s.Data...),
		Vector: append([]byte(nil), s.Vector...),
	}
}
