// Package merge defines the capability the engine uses to fold opaque
// update fragments into a snapshot. The engine never looks inside a
// fragment; convergence is entirely the merger's responsibility.
package merge

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/zeebo/blake3"

	"github.com/Naammmdz/naver-hackathon-2025-sub004/internal/codec"
)

// DigestSize is the length of one entry in a SetMerger vector.
const DigestSize = 32

var ErrInvalidVector = errors.New("merge: invalid replication vector")

// Snapshot is a fully merged document state plus the replication
// vector a client can use to request the minimal diff.
type Snapshot struct {
	Data   []byte
	Vector []byte
}

// IsZero reports whether no snapshot has been produced yet.
func (s Snapshot) IsZero() bool {
	return len(s.Data) == 0 && len(s.Vector) == 0
}

// Size is the number of bytes the snapshot occupies.
func (s Snapshot) Size() int {
	return len(s.Data) + len(s.Vector)
}

// Merger combines fragments into snapshots. Implementations must be
// commutative and idempotent over fragments: merging the same set in
// any order, with duplicates, yields the same snapshot.
type Merger interface {
	// Merge folds fragments into prev and returns the new snapshot.
	Merge(prev Snapshot, fragments [][]byte) (Snapshot, error)

	// Diff returns the fragments a replica at vector is missing
	// relative to s. An empty vector means the replica has nothing.
	Diff(s Snapshot, vector []byte) ([][]byte, error)
}

// SetMerger treats a document as the set of distinct fragments applied
// to it. Fragments are keyed by their blake3 digest and kept sorted by
// digest, so arrival order and duplicates do not affect the result.
// The vector is the sorted concatenation of digests.
type SetMerger struct{}

func NewSetMerger() *SetMerger {
	return &SetMerger{}
}

type entry struct {
	digest [DigestSize]byte
	data   []byte
}

func (m *SetMerger) Merge(prev Snapshot, fragments [][]byte) (Snapshot, error) {
	entries, err := decodeEntries(prev.Data)
	if err != nil {
		return Snapshot{}, err
	}

	seen := mapset.NewThreadUnsafeSet[[DigestSize]byte]()
	for _, e := range entries {
		seen.Add(e.digest)
	}
	for _, fragment := range fragments {
		if len(fragment) == 0 {
			continue
		}
		digest := blake3.Sum256(fragment)
		if seen.Contains(digest) {
			continue
		}
		seen.Add(digest)
		data := make([]byte, len(fragment))
		copy(data, fragment)
		entries = append(entries, entry{digest: digest, data: data})
	}

	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].digest[:], entries[j].digest[:]) < 0
	})

	raw := make([][]byte, len(entries))
	vector := make([]byte, 0, len(entries)*DigestSize)
	for i, e := range entries {
		raw[i] = e.data
		vector = append(vector, e.digest[:]...)
	}

	data, err := codec.Marshal(raw)
	if err != nil {
		return Snapshot{}, fmt.Errorf("merge: encode snapshot: %w", err)
	}
	return Snapshot{Data: data, Vector: vector}, nil
}

func (m *SetMerger) Diff(s Snapshot, vector []byte) ([][]byte, error) {
	if len(vector)%DigestSize != 0 {
		return nil, ErrInvalidVector
	}
	known := mapset.NewThreadUnsafeSet[[DigestSize]byte]()
	for off := 0; off < len(vector); off += DigestSize {
		var digest [DigestSize]byte
		copy(digest[:], vector[off:off+DigestSize])
		known.Add(digest)
	}

	entries, err := decodeEntries(s.Data)
	if err != nil {
		return nil, err
	}
	var missing [][]byte
	for _, e := range entries {
		if !known.Contains(e.digest) {
			missing = append(missing, e.data)
		}
	}
	return missing, nil
}

// Fragments returns the distinct fragments contained in a snapshot
// produced by SetMerger, in digest order.
func (m *SetMerger) Fragments(s Snapshot) ([][]byte, error) {
	entries, err := decodeEntries(s.Data)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(entries))
	for i, e := range entries {
		out[i] = e.data
	}
	return out, nil
}

func decodeEntries(data []byte) ([]entry, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var raw [][]byte
	if err := codec.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("merge: decode snapshot: %w", err)
	}
	entries := make([]entry, len(raw))
	for i, fragment := range raw {
		entries[i] = entry{digest: blake3.Sum256(fragment), data: fragment}
	}
	return entries, nil
}
