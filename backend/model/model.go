package model

import "time"

// Kind values are sent on the wire as i32.
type Kind int32

const (
	KindText Kind = 1
	KindFile Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindFile:
		return "file"
	default:
		return "unknown"
	}
}

type FeedEntry struct {
	ID        int32     `json:"id"`
	Kind      Kind      `json:"kind"`
	Payload   string    `json:"payload"` // message text or stored file name
	CreatedAt time.Time `json:"created_at"`
}

// Event types published by the switch.
const (
	EventCreate EventType = iota + 1
	EventDelete
)

type EventType int

func (t EventType) String() string {
	switch t {
	case EventCreate:
		return "create"
	case EventDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Event references a feed entry by id, it never carries the payload.
type Event struct {
	Type EventType
	ID   int32
}

func CreateEvent(id int32) Event {
	return Event{Type: EventCreate, ID: id}
}

func DeleteEvent(id int32) Event {
	return Event{Type: EventDelete, ID: id}
}

// Subscription is a handle to the broadcast switch. Events channel is closed
// when the subscription is closed either by its owner or by switch shutdown.
type Subscription interface {
	Events() <-chan Event
	// Dropped reports how many events were discarded because the
	// subscriber fell behind.
	Dropped() uint64
	Close()
}
