package memory

import (
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adwski/sharefeed/backend/model"
)

func TestFeedStore_AppendAssignsIncreasingIDs(t *testing.T) {
	fs := NewFeedStore(DefaultCapacity)

	first, err := fs.Append(model.KindText, "one")
	require.NoError(t, err)
	second, err := fs.Append(model.KindFile, "two.txt")
	require.NoError(t, err)

	assert.Equal(t, int32(1), first.ID)
	assert.Equal(t, int32(2), second.ID)
	assert.Equal(t, model.KindFile, second.Kind)
	assert.False(t, second.CreatedAt.IsZero())
	assert.Equal(t, []model.FeedEntry{first, second}, fs.Snapshot())
}

func TestFeedStore_CapacityDoesNotConsumeIDs(t *testing.T) {
	fs := NewFeedStore(DefaultCapacity)
	for i := 0; i < DefaultCapacity; i++ {
		_, err := fs.Append(model.KindText, fmt.Sprint(i))
		require.NoError(t, err)
	}

	_, err := fs.Append(model.KindText, "overflow")
	require.ErrorIs(t, err, ErrFeedIsFull)
	assert.True(t, fs.Full())
	assert.Equal(t, DefaultCapacity, fs.Len())

	_, ok := fs.Remove(5)
	require.True(t, ok)
	entry, err := fs.Append(model.KindText, "after")
	require.NoError(t, err)
	assert.Equal(t, int32(DefaultCapacity+1), entry.ID)
}

func TestFeedStore_ConcurrentAppend(t *testing.T) {
	const workers = 50
	fs := NewFeedStore(DefaultCapacity)

	var (
		wg  sync.WaitGroup
		mx  sync.Mutex
		ids []int32
	)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			entry, err := fs.Append(model.KindText, "msg")
			if err != nil {
				return
			}
			mx.Lock()
			ids = append(ids, entry.ID)
			mx.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, ids, DefaultCapacity)
	assert.Equal(t, DefaultCapacity, fs.Len())

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for i, id := range ids {
		assert.Equal(t, int32(i+1), id)
	}

	snapshot := fs.Snapshot()
	for i := 1; i < len(snapshot); i++ {
		assert.Less(t, snapshot[i-1].ID, snapshot[i].ID)
	}
}

func TestFeedStore_NextIDIsUnique(t *testing.T) {
	const workers = 100
	fs := NewFeedStore(DefaultCapacity)

	var (
		wg   sync.WaitGroup
		seen sync.Map
	)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			_, loaded := seen.LoadOrStore(fs.NextID(), struct{}{})
			assert.False(t, loaded)
		}()
	}
	wg.Wait()
}

func TestFeedStore_Reservation(t *testing.T) {
	fs := NewFeedStore(2)

	res, err := fs.Reserve()
	require.NoError(t, err)
	_, err = fs.Append(model.KindText, "text")
	require.NoError(t, err)

	_, err = fs.Append(model.KindText, "no room")
	require.ErrorIs(t, err, ErrFeedIsFull)
	_, err = fs.Reserve()
	require.ErrorIs(t, err, ErrFeedIsFull)

	entry := res.Commit(model.KindFile, "upload.bin")
	assert.Equal(t, int32(2), entry.ID)
	assert.Equal(t, 2, fs.Len())

	res.Release()
	assert.True(t, fs.Full())
	assert.Panics(t, func() { res.Commit(model.KindFile, "again") })
}

func TestFeedStore_ReleaseFreesSlot(t *testing.T) {
	fs := NewFeedStore(1)

	res, err := fs.Reserve()
	require.NoError(t, err)
	assert.True(t, fs.Full())

	res.Release()
	res.Release()
	assert.False(t, fs.Full())

	entry, err := fs.Append(model.KindText, "fits")
	require.NoError(t, err)
	assert.Equal(t, int32(1), entry.ID)
}

func TestFeedStore_FindAndRemove(t *testing.T) {
	fs := NewFeedStore(DefaultCapacity)
	a, _ := fs.Append(model.KindText, "a")
	b, _ := fs.Append(model.KindText, "b")

	got, ok := fs.FindByID(b.ID)
	require.True(t, ok)
	assert.Equal(t, b, got)

	removed, ok := fs.Remove(a.ID)
	require.True(t, ok)
	assert.Equal(t, a, removed)

	_, ok = fs.FindByID(a.ID)
	assert.False(t, ok)
	_, ok = fs.Remove(a.ID)
	assert.False(t, ok)
	assert.Equal(t, []model.FeedEntry{b}, fs.Snapshot())
}

func TestFeedStore_Seed(t *testing.T) {
	fs := NewFeedStore(2)

	skipped := fs.Seed([]string{"a.txt", "b.txt", "c.txt"})
	assert.Equal(t, []string{"c.txt"}, skipped)

	snapshot := fs.Snapshot()
	require.Len(t, snapshot, 2)
	assert.Equal(t, int32(1), snapshot[0].ID)
	assert.Equal(t, "a.txt", snapshot[0].Payload)
	assert.Equal(t, model.KindFile, snapshot[0].Kind)
	assert.Equal(t, int32(2), snapshot[1].ID)
	assert.Equal(t, "b.txt", snapshot[1].Payload)
}

func TestFeedStore_SnapshotIsACopy(t *testing.T) {
	fs := NewFeedStore(DefaultCapacity)
	_, _ = fs.Append(model.KindText, "a")

	snapshot := fs.Snapshot()
	snapshot[0].Payload = "changed"

	got, _ := fs.FindByID(1)
	assert.Equal(t, "a", got.Payload)
}
