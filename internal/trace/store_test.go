package trace

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreWriteRead(t *testing.T) {
	store := NewStore()
	_, ok := store.Read("net")
	assert.False(t, ok)

	store.Write("net", 42, nil)
	entry, ok := store.Read("net")
	require.True(t, ok)
	assert.Equal(t, 42, entry.Value)
	assert.False(t, entry.Absent())
}

func TestStoreRejectsSecondWrite(t *testing.T) {
	store := NewStore()
	store.Write("net", 1, nil)
	assert.Panics(t, func() { store.Write("net", 2, nil) })
}

func TestStoreConcurrentWrites(t *testing.T) {
	store := NewStore()
	ids := []string{"a", "b", "c", "d", "e", "f"}
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			store.Write(id, id, nil)
		}()
	}
	wg.Wait()

	snap := store.Snapshot()
	assert.Len(t, snap, len(ids))
	for _, id := range ids {
		assert.True(t, snap.Has(id))
	}
}

func TestSnapshotIsDetached(t *testing.T) {
	store := NewStore()
	store.Write("a", 1, nil)
	snap := store.Snapshot()
	store.Write("b", 2, nil)
	assert.False(t, snap.Has("b"))
}

func TestMergeIsOrderIndependent(t *testing.T) {
	a := Bundle{"a": {Value: 1}}
	b := Bundle{"b": {Err: errors.New("boom")}}
	c := Bundle{"c": {Value: "x"}}

	assert.Equal(t, Merge(a, b, c), Merge(c, a, b))
	assert.Equal(t, Merge(Merge(a, b), c), Merge(a, Merge(b, c)))
	assert.Len(t, Merge(a, b, c), 3)
}

func TestMergeRejectsDuplicateIDs(t *testing.T) {
	assert.Panics(t, func() {
		Merge(Bundle{"a": {Value: 1}}, Bundle{"a": {Value: 2}})
	})
}

func TestLookup(t *testing.T) {
	failure := errors.New("navigation timeout")
	bundle := Bundle{
		"ok":     {Value: 7},
		"absent": {},
		"failed": {Err: failure},
	}

	v, err := Lookup[int](bundle, "ok")
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	_, err = Lookup[int](bundle, "absent")
	assert.ErrorIs(t, err, ErrAbsent)

	_, err = Lookup[int](bundle, "failed")
	assert.ErrorIs(t, err, failure)

	_, err = Lookup[string](bundle, "ok")
	assert.Error(t, err)

	_, err = Lookup[int](bundle, "missing")
	assert.Error(t, err)

	_, ok := Optional[int](bundle, "absent")
	assert.False(t, ok)
}

type robotsRules struct{ Allowed bool }

func TestTypedNilIsAbsent(t *testing.T) {
	store := NewStore()
	store.Write("robots", (*robotsRules)(nil), nil)
	entry, ok := store.Read("robots")
	require.True(t, ok)
	assert.Nil(t, entry.Value)
	assert.True(t, entry.Absent())

	bundle := Bundle{"robots": {Value: (*robotsRules)(nil)}, "hosts": {Value: []string(nil)}}
	_, err := Lookup[*robotsRules](bundle, "robots")
	assert.ErrorIs(t, err, ErrAbsent)

	hosts, err := Lookup[[]string](bundle, "hosts")
	require.NoError(t, err)
	assert.Empty(t, hosts)

	assert.True(t, IsNil(map[string]int(nil)))
	assert.False(t, IsNil(0))
}
