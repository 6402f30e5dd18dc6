package room

import (
	"sync"
	"time"

	"github.com/Naammmdz/naver-hackathon-2025-sub004/internal/merge"
)

// State is the in-memory update log cache of one room: the best-known
// snapshot plus the fragments applied since it was produced.
type State struct {
	Key string

	// compactMu serializes compaction, flush and purge for the room so
	// a purge can never race a save and resurrect deleted state.
	compactMu sync.Mutex

	mu             sync.Mutex
	snapshot       merge.Snapshot
	pending        [][]byte
	pendingBytes   int
	updateCount    int64
	appliedTotal   int64
	firstPendingAt time.Time
	lastActivity   time.Time
	version        uint64
	savedVersion   uint64
	scheduled      bool
	purged         bool
	// retired is set once the State leaves the registry. Nothing may
	// be appended to or attached to it afterwards.
	retired  bool
	sessions int
}

// Stats is a point-in-time view of a room's counters.
type Stats struct {
	RoomKey      string    `json:"room_key"`
	PendingCount int       `json:"pending_count"`
	PendingBytes int       `json:"pending_bytes"`
	SnapshotSize int       `json:"snapshot_size"`
	UpdateCount  int64     `json:"update_count"`
	AppliedTotal int64     `json:"applied_total"`
	Sessions     int       `json:"sessions"`
	Dirty        bool      `json:"dirty"`
	LastActivity time.Time `json:"last_activity"`
}

func newState(key string, now time.Time) *State {
	return &State{
		Key:          key,
		pending:      make([][]byte, 0),
		lastActivity: now,
	}
}

// append stores a fragment and returns the pending totals after it.
// It reports false, storing nothing, if the State is retired.
func (s *State) append(fragment []byte, now time.Time) (int, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retired {
		return 0, 0, false
	}
	if len(s.pending) == 0 {
		s.firstPendingAt = now
	}
	s.pending = append(s.pending, fragment)
	s.pendingBytes += len(fragment)
	s.appliedTotal++
	s.lastActivity = now
	return len(s.pending), s.pendingBytes, true
}

// attach counts a session unless the State is retired.
func (s *State) attach(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retired {
		return false
	}
	s.sessions++
	s.lastActivity = now
	return true
}

// Snapshot returns a copy of the current snapshot.
func (s *State) Snapshot() merge.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return merge.Snapshot{
		Data:   append([]byte(nil), s.snapshot.Data...),
		Vector: append([]byte(nil), s.snapshot.Vector...),
	}
}

// Pending returns the fragments applied since the last snapshot, in
// arrival order. Fragments are immutable so the slice is shallow-copied.
func (s *State) Pending() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.pending))
	copy(out, s.pending)
	return out
}

func (s *State) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		RoomKey:      s.Key,
		PendingCount: len(s.pending),
		PendingBytes: s.pendingBytes,
		SnapshotSize: s.snapshot.Size(),
		UpdateCount:  s.updateCount,
		AppliedTotal: s.appliedTotal,
		Sessions:     s.sessions,
		Dirty:        len(s.pending) > 0 || s.version != s.savedVersion,
		LastActivity: s.lastActivity,
	}
}

func (s *State) view() (merge.Snapshot, [][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := make([][]byte, len(s.pending))
	copy(pending, s.pending)
	return s.snapshot, pending
}
