package service

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/adwski/sharefeed/backend/model"
	"github.com/adwski/sharefeed/backend/storage/disk"
	"github.com/adwski/sharefeed/backend/storage/memory"
	"github.com/rs/zerolog"
)

var (
	ErrFeedIsFull     = memory.ErrFeedIsFull
	ErrUploadTooLarge = disk.ErrUploadTooLarge
	ErrFileExists     = disk.ErrExists

	ErrNotFound = errors.New("entry not found")
	ErrUpload   = errors.New("unable to store upload")
	ErrDelete   = errors.New("unable to delete entry")
)

type (
	FeedStore interface {
		Append(kind model.Kind, payload string) (model.FeedEntry, error)
		Reserve() (*memory.Reservation, error)
		FindByID(id int32) (model.FeedEntry, bool)
		Snapshot() []model.FeedEntry
		Remove(id int32) (model.FeedEntry, bool)
	}

	ShareDir interface {
		Save(ctx context.Context, name string, size int64, r io.Reader) error
		Remove(name string) error
	}

	Switch interface {
		Subscribe() model.Subscription
		Publish(evt model.Event)
	}

	// Service applies feed operations and announces them.
	//
	// Mutations hold the read side of mx across the store change and its
	// publish; SubscribeWithSnapshot holds the write side, so a new
	// subscriber never sees an entry in its snapshot whose event is still
	// to come.
	Service struct {
		store  FeedStore
		share  ShareDir
		sw     Switch
		logger zerolog.Logger
		mx     sync.RWMutex
	}

	Config struct {
		FeedStore FeedStore
		ShareDir  ShareDir
		Switch    Switch
		Logger    *zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		store:  cfg.FeedStore,
		share:  cfg.ShareDir,
		sw:     cfg.Switch,
		logger: cfg.Logger.With().Str("component", "feed").Logger(),
	}
}

func (svc *Service) Snapshot() []model.FeedEntry {
	return svc.store.Snapshot()
}

func (svc *Service) Lookup(id int32) (model.FeedEntry, bool) {
	return svc.store.FindByID(id)
}

func (svc *Service) Subscribe() model.Subscription {
	return svc.sw.Subscribe()
}

// SubscribeWithSnapshot returns a subscription and the feed as of the
// moment it started. Every later create or delete arrives as an event,
// nothing in the snapshot is announced again unless re-requested.
func (svc *Service) SubscribeWithSnapshot() (model.Subscription, []model.FeedEntry) {
	svc.mx.Lock()
	defer svc.mx.Unlock()

	return svc.sw.Subscribe(), svc.store.Snapshot()
}

// PostText appends a text entry and announces it.
func (svc *Service) PostText(text string) (model.FeedEntry, error) {
	svc.mx.RLock()
	entry, err := svc.store.Append(model.KindText, text)
	if err != nil {
		svc.mx.RUnlock()
		return entry, err
	}
	svc.sw.Publish(model.CreateEvent(entry.ID))
	svc.mx.RUnlock()

	svc.logger.Debug().
		Int32("id", entry.ID).
		Int("len", len(text)).
		Msg("text posted")
	return entry, nil
}

// PostFile stores size bytes from r as name and announces the new entry.
// Feed capacity is reserved before anything is written, so a failed or
// rejected upload leaves neither a file nor an entry behind.
func (svc *Service) PostFile(ctx context.Context, name string, size int64, r io.Reader) (model.FeedEntry, error) {
	res, err := svc.store.Reserve()
	if err != nil {
		return model.FeedEntry{}, err
	}
	defer res.Release()

	if err = svc.share.Save(ctx, name, size, r); err != nil {
		return model.FeedEntry{}, errors.Join(ErrUpload, err)
	}
	svc.mx.RLock()
	entry := res.Commit(model.KindFile, name)
	svc.sw.Publish(model.CreateEvent(entry.ID))
	svc.mx.RUnlock()

	svc.logger.Debug().
		Int32("id", entry.ID).
		Str("name", name).
		Int64("size", size).
		Msg("file posted")
	return entry, nil
}

// Announce re-publishes a create event for an existing id so that every
// connected client receives the entry again.
func (svc *Service) Announce(id int32) {
	svc.sw.Publish(model.CreateEvent(id))
}

// Delete removes an entry and its file, then announces the removal.
func (svc *Service) Delete(id int32) error {
	svc.mx.RLock()
	entry, ok := svc.store.Remove(id)
	if ok {
		svc.sw.Publish(model.DeleteEvent(id))
	}
	svc.mx.RUnlock()
	if !ok {
		return ErrNotFound
	}

	if entry.Kind == model.KindFile {
		if err := svc.share.Remove(entry.Payload); err != nil {
			return errors.Join(ErrDelete, err)
		}
	}
	svc.logger.Debug().
		Int32("id", id).
		Stringer("kind", entry.Kind).
		Msg("entry deleted")
	return nil
}
