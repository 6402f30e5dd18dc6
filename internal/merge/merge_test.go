package merge

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fragments() [][]byte {
	return [][]byte{
		[]byte("alpha"),
		[]byte("bravo"),
		[]byte("charlie"),
		[]byte("delta"),
	}
}

func TestSetMerger_OrderAndDuplicatesConverge(t *testing.T) {
	m := NewSetMerger()
	base, err := m.Merge(Snapshot{}, fragments())
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 20; i++ {
		shuffled := append([][]byte{}, fragments()...)
		shuffled = append(shuffled, fragments()[rng.Intn(4)])
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		got, err := m.Merge(Snapshot{}, shuffled)
		require.NoError(t, err)
		assert.Equal(t, base, got, "permutation %d diverged", i)
	}
}

func TestSetMerger_IncrementalEqualsBatch(t *testing.T) {
	m := NewSetMerger()
	batch, err := m.Merge(Snapshot{}, fragments())
	require.NoError(t, err)

	var incremental Snapshot
	for _, f := range fragments() {
		incremental, err = m.Merge(incremental, [][]byte{f})
		require.NoError(t, err)
	}
	// Reapplying the whole set is a no-op.
	incremental, err = m.Merge(incremental, fragments())
	require.NoError(t, err)

	assert.Equal(t, batch, incremental)
	assert.Len(t, incremental.Vector, 4*DigestSize)
}

func TestSetMerger_SkipsEmptyFragments(t *testing.T) {
	m := NewSetMerger()
	s, err := m.Merge(Snapshot{}, [][]byte{{}, []byte("x")})
	require.NoError(t, err)
	assert.Len(t, s.Vector, DigestSize)
}

func TestSetMerger_Diff(t *testing.T) {
	m := NewSetMerger()
	partial, err := m.Merge(Snapshot{}, fragments()[:2])
	require.NoError(t, err)
	full, err := m.Merge(partial, fragments()[2:])
	require.NoError(t, err)

	missing, err := m.Diff(full, partial.Vector)
	require.NoError(t, err)
	assert.ElementsMatch(t, fragments()[2:], missing)

	all, err := m.Diff(full, nil)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	none, err := m.Diff(full, full.Vector)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSetMerger_DiffRejectsMalformedVector(t *testing.T) {
	m := NewSetMerger()
	_, err := m.Diff(Snapshot{}, []byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrInvalidVector)
}

func TestSetMerger_Fragments(t *testing.T) {
	m := NewSetMerger()
	s, err := m.Merge(Snapshot{}, fragments())
	require.NoError(t, err)

	got, err := m.Fragments(s)
	require.NoError(t, err)
	assert.ElementsMatch(t, fragments(), got)
}
