package memory

import (
	"errors"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/adwski/sharefeed/backend/model"
)

const (
	DefaultCapacity = 20
)

var (
	ErrFeedIsFull = errors.New("feed is full")
)

// FeedStore is the shared bounded feed. Every method holds the mutex only
// for the structural read or mutation.
type FeedStore struct {
	mx       *sync.Mutex
	entries  []model.FeedEntry
	nextID   int32
	pending  int
	capacity int
	now      func() time.Time
}

func NewFeedStore(capacity int) *FeedStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &FeedStore{
		mx:       &sync.Mutex{},
		entries:  make([]model.FeedEntry, 0, capacity),
		nextID:   1,
		capacity: capacity,
		now:      time.Now,
	}
}

// Seed appends one file entry per name in the given order. Names beyond
// capacity are not added and are returned to the caller.
func (fs *FeedStore) Seed(names []string) (skipped []string) {
	for i, name := range names {
		if _, err := fs.Append(model.KindFile, name); err != nil {
			return names[i:]
		}
	}
	return nil
}

func (fs *FeedStore) NextID() int32 {
	fs.mx.Lock()
	defer fs.mx.Unlock()

	return fs.allocID()
}

func (fs *FeedStore) allocID() int32 {
	id := fs.nextID
	fs.nextID++
	return id
}

func (fs *FeedStore) full() bool {
	return len(fs.entries)+fs.pending >= fs.capacity
}

// Append adds a new entry. At capacity it returns ErrFeedIsFull without
// consuming an id.
func (fs *FeedStore) Append(kind model.Kind, payload string) (model.FeedEntry, error) {
	fs.mx.Lock()
	defer fs.mx.Unlock()

	if fs.full() {
		return model.FeedEntry{}, ErrFeedIsFull
	}
	return fs.appendLocked(kind, payload), nil
}

func (fs *FeedStore) appendLocked(kind model.Kind, payload string) model.FeedEntry {
	entry := model.FeedEntry{
		ID:        fs.allocID(),
		Kind:      kind,
		Payload:   payload,
		CreatedAt: fs.now(),
	}
	fs.entries = append(fs.entries, entry)
	return entry
}

// Reserve holds one capacity slot until the reservation is committed
// or released.
func (fs *FeedStore) Reserve() (*Reservation, error) {
	fs.mx.Lock()
	defer fs.mx.Unlock()

	if fs.full() {
		return nil, ErrFeedIsFull
	}
	fs.pending++
	return &Reservation{fs: fs}, nil
}

func (fs *FeedStore) FindByID(id int32) (model.FeedEntry, bool) {
	fs.mx.Lock()
	defer fs.mx.Unlock()

	return lo.Find(fs.entries, func(e model.FeedEntry) bool {
		return e.ID == id
	})
}

func (fs *FeedStore) Snapshot() []model.FeedEntry {
	fs.mx.Lock()
	defer fs.mx.Unlock()

	snapshot := make([]model.FeedEntry, len(fs.entries))
	copy(snapshot, fs.entries)
	return snapshot
}

func (fs *FeedStore) Remove(id int32) (model.FeedEntry, bool) {
	fs.mx.Lock()
	defer fs.mx.Unlock()

	entry, idx, ok := lo.FindIndexOf(fs.entries, func(e model.FeedEntry) bool {
		return e.ID == id
	})
	if !ok {
		return model.FeedEntry{}, false
	}
	fs.entries = append(fs.entries[:idx], fs.entries[idx+1:]...)
	return entry, true
}

func (fs *FeedStore) Len() int {
	fs.mx.Lock()
	defer fs.mx.Unlock()

	return len(fs.entries)
}

// Full reports whether a create attempt would be rejected right now.
func (fs *FeedStore) Full() bool {
	fs.mx.Lock()
	defer fs.mx.Unlock()

	return fs.full()
}

func (fs *FeedStore) Capacity() int {
	return fs.capacity
}

// Reservation is a capacity slot held for an upload in progress.
type Reservation struct {
	fs   *FeedStore
	done bool
}

// Commit turns the reservation into a feed entry. It panics if the
// reservation was already used.
func (r *Reservation) Commit(kind model.Kind, payload string) model.FeedEntry {
	r.fs.mx.Lock()
	defer r.fs.mx.Unlock()

	if r.done {
		panic("feed reservation reused")
	}
	r.done = true
	r.fs.pending--
	return r.fs.appendLocked(kind, payload)
}

// Release gives the slot back. It is a no-op after Commit or Release.
func (r *Reservation) Release() {
	r.fs.mx.Lock()
	defer r.fs.mx.Unlock()

	if r.done {
		return
	}
	r.done = true
	r.fs.pending--
}
