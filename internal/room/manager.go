// Package room owns the per-room replicated state of the engine.
//
// A Manager is the single process-wide registry mapping room keys to
// their in-memory State. Rooms are created on first access, hydrated
// from the snapshot store, compacted when their pending log grows past
// a threshold, and evicted when idle. The store is only written on
// compaction, never per fragment.
package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Naammmdz/naver-hackathon-2025-sub004/internal/merge"
	"github.com/Naammmdz/naver-hackathon-2025-sub004/internal/metrics"
	"github.com/Naammmdz/naver-hackathon-2025-sub004/internal/snapshot"
)

type Config struct {
	// CompactMaxUpdates triggers compaction once this many fragments
	// are pending. Zero disables the count trigger.
	CompactMaxUpdates int
	// CompactMaxBytes triggers compaction once pending fragments reach
	// this many bytes. Zero disables the size trigger.
	CompactMaxBytes int
	// PersistTimeout bounds every snapshot store call.
	PersistTimeout time.Duration
	// PersistWorkers is the number of background compaction workers.
	PersistWorkers int
	// QueueSize bounds scheduled compactions waiting for a worker.
	QueueSize int

	Logger *slog.Logger
	Now    func() time.Time
}

func DefaultConfig() Config {
	return Config{
		CompactMaxUpdates: 100,
		CompactMaxBytes:   1 << 20,
		PersistTimeout:    5 * time.Second,
		PersistWorkers:    4,
		QueueSize:         1024,
	}
}

type entry struct {
	ready chan struct{}
	state *State
	// tombstone marks a purge in flight. Callers wait for it to clear
	// and then look the key up again.
	tombstone bool
}

type Manager struct {
	store  snapshot.Store
	merger merge.Merger
	config Config
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	rooms map[string]*entry

	jobs chan *State
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func NewManager(store snapshot.Store, merger merge.Merger, config Config) *Manager {
	defaults := DefaultConfig()
	if config.PersistTimeout <= 0 {
		config.PersistTimeout = defaults.PersistTimeout
	}
	if config.PersistWorkers <= 0 {
		config.PersistWorkers = defaults.PersistWorkers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}

	m := &Manager{
		store:  store,
		merger: merger,
		config: config,
		logger: logger.With("component", "room"),
		now:    now,
		rooms:  make(map[string]*entry),
		jobs:   make(chan *State, config.QueueSize),
		done:   make(chan struct{}),
	}
	for i := 0; i < config.PersistWorkers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	return m
}

// GetOrCreate returns the live State for key, hydrating it from the
// snapshot store on first access. Concurrent first callers share one
// hydration. A store failure degrades to an empty room rather than an
// error: collaboration stays available when recovery is not.
func (m *Manager) GetOrCreate(ctx context.Context, key string) (*State, error) {
	if _, err := ParseKey(key); err != nil {
		return nil, err
	}

	for {
		m.mu.Lock()
		e, ok := m.rooms[key]
		if !ok {
			break
		}
		m.mu.Unlock()
		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if e.state != nil {
			return e.state, nil
		}
	}
	e := &entry{ready: make(chan struct{})}
	m.rooms[key] = e
	m.mu.Unlock()

	// Waiters depend on this hydration, so it must not die with the
	// first caller's context.
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.config.PersistTimeout)
	defer cancel()
	e.state = m.hydrate(hctx, key)
	close(e.ready)
	metrics.RoomsLive.Inc()
	return e.state, nil
}

func (m *Manager) hydrate(ctx context.Context, key string) *State {
	st := newState(key, m.now())
	rec, err := m.store.LoadLatestSnapshot(ctx, key)
	if err != nil {
		metrics.PersistenceFailures.WithLabelValues("load").Inc()
		m.logger.Error("snapshot load failed, starting room empty", "room", key, "error", err)
		return st
	}
	if rec == nil {
		m.logger.Debug("room created", "room", key)
		return st
	}
	st.snapshot = rec.Snapshot
	st.updateCount = rec.UpdateCount
	m.logger.Info("room hydrated from snapshot", "room", key,
		"snapshot_bytes", rec.Snapshot.Size(), "update_count", rec.UpdateCount)
	return st
}

// lookup returns the live, hydrated State for key without creating it.
func (m *Manager) lookup(key string) *State {
	m.mu.Lock()
	e, ok := m.rooms[key]
	m.mu.Unlock()
	if !ok || e.tombstone {
		return nil
	}
	<-e.ready
	return e.state
}

// ApplyUpdate appends a fragment to the room's pending log. Empty
// fragments are ignored. Persistence is scheduled, never awaited.
func (m *Manager) ApplyUpdate(ctx context.Context, key string, fragment []byte, principalID string) error {
	if len(fragment) == 0 {
		m.logger.Warn("ignoring empty fragment", "room", key, "principal", principalID)
		return nil
	}
	st, err := m.GetOrCreate(ctx, key)
	if err != nil {
		return err
	}

	owned := make([]byte, len(fragment))
	copy(owned, fragment)
	count, size, ok := st.append(owned, m.now())
	for !ok {
		// st was evicted or purged after the lookup.
		if st, err = m.GetOrCreate(ctx, key); err != nil {
			return err
		}
		count, size, ok = st.append(owned, m.now())
	}

	metrics.FragmentsApplied.Inc()
	metrics.FragmentBytes.Add(float64(len(owned)))

	if m.overThreshold(count, size) {
		m.schedule(st)
	}
	return nil
}

func (m *Manager) overThreshold(count, size int) bool {
	if m.config.CompactMaxUpdates > 0 && count >= m.config.CompactMaxUpdates {
		return true
	}
	return m.config.CompactMaxBytes > 0 && size >= m.config.CompactMaxBytes
}

// schedule queues a compaction for st unless one is already queued.
// A full queue drops the request; the next append or the periodic
// compaction pass will ask again.
func (m *Manager) schedule(st *State) {
	st.mu.Lock()
	if st.scheduled || st.purged {
		st.mu.Unlock()
		return
	}
	st.scheduled = true
	st.mu.Unlock()

	select {
	case <-m.done:
	case m.jobs <- st:
		return
	default:
		m.logger.Warn("compaction queue full", "room", st.Key)
	}
	st.mu.Lock()
	st.scheduled = false
	st.mu.Unlock()
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case st := <-m.jobs:
			st.mu.Lock()
			st.scheduled = false
			st.mu.Unlock()

			ctx, cancel := context.WithTimeout(context.Background(), m.config.PersistTimeout)
			if err := m.compact(ctx, st); err != nil {
				m.logger.Error("compaction failed", "room", st.Key, "error", err)
			}
			cancel()
		}
	}
}

// compact merges the pending log into a new snapshot, installs it and
// saves it. Fragments appended while the merge runs stay pending. A
// failed save leaves the room dirty so the next cycle retries; the
// in-memory result is kept either way.
func (m *Manager) compact(ctx context.Context, st *State) error {
	st.compactMu.Lock()
	defer st.compactMu.Unlock()

	st.mu.Lock()
	if st.purged {
		st.mu.Unlock()
		return nil
	}
	prev := st.snapshot
	batch := make([][]byte, len(st.pending))
	copy(batch, st.pending)
	dirty := st.version != st.savedVersion
	st.mu.Unlock()

	if len(batch) == 0 && !dirty {
		return nil
	}

	if len(batch) > 0 {
		next, err := m.merger.Merge(prev, batch)
		if err != nil {
			metrics.Compactions.WithLabelValues("merge_error").Inc()
			return fmt.Errorf("merge %d fragments: %w", len(batch), err)
		}

		st.mu.Lock()
		batchBytes := 0
		for _, f := range batch {
			batchBytes += len(f)
		}
		remaining := make([][]byte, len(st.pending)-len(batch))
		copy(remaining, st.pending[len(batch):])
		st.pending = remaining
		st.pendingBytes -= batchBytes
		if len(remaining) > 0 {
			st.firstPendingAt = m.now()
		}
		st.snapshot = next
		st.updateCount += int64(len(batch))
		st.version++
		st.mu.Unlock()
	}

	st.mu.Lock()
	snap, count, version := st.snapshot, st.updateCount, st.version
	st.mu.Unlock()

	if err := m.store.SaveSnapshot(ctx, st.Key, snap, count); err != nil {
		metrics.PersistenceFailures.WithLabelValues("save").Inc()
		metrics.Compactions.WithLabelValues("save_error").Inc()
		return fmt.Errorf("save snapshot: %w", err)
	}

	st.mu.Lock()
	if version > st.savedVersion {
		st.savedVersion = version
	}
	st.mu.Unlock()

	metrics.Compactions.WithLabelValues("ok").Inc()
	m.logger.Debug("room compacted", "room", st.Key, "fragments", len(batch), "update_count", count, "snapshot_bytes", snap.Size())
	return nil
}

// Flush compacts and saves the room now, regardless of thresholds.
// Rooms that are not live are left alone.
func (m *Manager) Flush(ctx context.Context, key string) error {
	st := m.lookup(key)
	if st == nil {
		return nil
	}
	return m.compact(ctx, st)
}

// ListUpdatesSince returns what a replica at vector needs to catch up:
// the snapshot diff followed by the pending fragments in arrival order.
// An empty vector yields the full room state.
func (m *Manager) ListUpdatesSince(ctx context.Context, key string, vector []byte) ([][]byte, error) {
	st, err := m.GetOrCreate(ctx, key)
	if err != nil {
		return nil, err
	}
	snap, pending := st.view()

	var out [][]byte
	if !snap.IsZero() {
		diff, err := m.merger.Diff(snap, vector)
		if err != nil {
			return nil, err
		}
		out = append(out, diff...)
	}
	return append(out, pending...), nil
}

// Attach records a live session on the room, creating it if needed.
// Attached rooms are never evicted for idleness.
func (m *Manager) Attach(ctx context.Context, key string) (*State, error) {
	for {
		st, err := m.GetOrCreate(ctx, key)
		if err != nil {
			return nil, err
		}
		if st.attach(m.now()) {
			return st, nil
		}
	}
}

// Detach releases a session recorded by Attach on st.
func (m *Manager) Detach(st *State) {
	st.mu.Lock()
	if st.sessions > 0 {
		st.sessions--
	}
	st.lastActivity = m.now()
	st.mu.Unlock()
}

// Evict drops the room from memory after flushing it. Durable state is
// untouched. A room with attached sessions, or whose flush fails, is
// kept so no accepted fragment is lost.
func (m *Manager) Evict(ctx context.Context, key string) bool {
	st := m.lookup(key)
	if st == nil {
		return false
	}
	if err := m.Flush(ctx, key); err != nil {
		m.logger.Warn("not evicting room, flush failed", "room", key, "error", err)
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.rooms[key]
	if !ok || e.state != st {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.sessions > 0 || len(st.pending) > 0 || st.version != st.savedVersion {
		return false
	}
	st.retired = true
	delete(m.rooms, key)
	metrics.RoomsLive.Dec()
	m.logger.Info("room evicted", "room", key)
	return true
}

// Purge removes the room from memory and deletes its durable state.
// Unlike every other persistence failure, a delete failure is returned
// because the caller expects an authoritative deletion. Until the
// delete finishes the key is held by a tombstone, so a fragment
// arriving meanwhile waits and then starts from an empty room instead
// of hydrating the snapshot being deleted.
func (m *Manager) Purge(ctx context.Context, key string) error {
	if _, err := ParseKey(key); err != nil {
		return err
	}

	tomb := &entry{ready: make(chan struct{}), tombstone: true}
	m.mu.Lock()
	e, ok := m.rooms[key]
	for ok && e.tombstone {
		// Another purge of this key is running; wait for it.
		m.mu.Unlock()
		select {
		case <-e.ready:
		case <-ctx.Done():
			return ctx.Err()
		}
		m.mu.Lock()
		e, ok = m.rooms[key]
	}
	m.rooms[key] = tomb
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if m.rooms[key] == tomb {
			delete(m.rooms, key)
		}
		m.mu.Unlock()
		close(tomb.ready)
	}()

	if ok {
		<-e.ready
		metrics.RoomsLive.Dec()
		st := e.state
		// Holding compactMu through the delete orders any save of the
		// old state before it.
		st.compactMu.Lock()
		defer st.compactMu.Unlock()
		st.mu.Lock()
		st.purged = true
		st.retired = true
		st.pending = nil
		st.pendingBytes = 0
		st.snapshot = merge.Snapshot{}
		st.mu.Unlock()
	}

	pctx, cancel := context.WithTimeout(ctx, m.config.PersistTimeout)
	defer cancel()
	if err := m.store.DeleteSnapshots(pctx, key); err != nil {
		metrics.PersistenceFailures.WithLabelValues("delete").Inc()
		return fmt.Errorf("purge room %s: %w", key, err)
	}
	m.logger.Info("room purged", "room", key)
	return nil
}

// Stats returns the in-memory counters of a live room.
func (m *Manager) Stats(key string) (Stats, bool) {
	st := m.lookup(key)
	if st == nil {
		return Stats{}, false
	}
	return st.Stats(), true
}

// StoreStats returns what the snapshot store holds for the room.
func (m *Manager) StoreStats(ctx context.Context, key string) (snapshot.Stats, error) {
	ctx, cancel := context.WithTimeout(ctx, m.config.PersistTimeout)
	defer cancel()
	return m.store.Stats(ctx, key)
}

// Rooms lists the keys of all live rooms.
func (m *Manager) Rooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.rooms))
	for key, e := range m.rooms {
		if !e.tombstone {
			keys = append(keys, key)
		}
	}
	return keys
}

// CompactDue schedules compaction for rooms whose oldest pending
// fragment is older than maxAge, and for rooms holding a snapshot that
// has not been saved yet. It returns the number of rooms scheduled.
func (m *Manager) CompactDue(maxAge time.Duration) int {
	now := m.now()
	scheduled := 0
	for _, key := range m.Rooms() {
		st := m.lookup(key)
		if st == nil {
			continue
		}
		st.mu.Lock()
		due := st.version != st.savedVersion ||
			(len(st.pending) > 0 && now.Sub(st.firstPendingAt) >= maxAge)
		st.mu.Unlock()
		if due {
			m.schedule(st)
			scheduled++
		}
	}
	return scheduled
}

// EvictIdle evicts rooms with no sessions and no activity for idle.
func (m *Manager) EvictIdle(ctx context.Context, idle time.Duration) int {
	now := m.now()
	evicted := 0
	for _, key := range m.Rooms() {
		st := m.lookup(key)
		if st == nil {
			continue
		}
		st.mu.Lock()
		idleFor := now.Sub(st.lastActivity)
		sessions := st.sessions
		st.mu.Unlock()
		if sessions > 0 || idleFor < idle {
			continue
		}
		if m.Evict(ctx, key) {
			evicted++
		}
	}
	return evicted
}

// Close stops the background workers and flushes every live room.
func (m *Manager) Close(ctx context.Context) error {
	m.once.Do(func() { close(m.done) })
	m.wg.Wait()

	var errs []error
	for _, key := range m.Rooms() {
		if err := m.Flush(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}
