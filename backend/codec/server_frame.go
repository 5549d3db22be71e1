package codec

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	"github.com/adwski/sharefeed/backend/model"
)

// ServerFrame is a decoded server notification.
type ServerFrame struct {
	Op Opcode
	// Entries holds the feed for AllFeed, and zero or one entry for Created.
	Entries []model.FeedEntry
	// ID is set for Deleted.
	ID int32
}

// DecodeServerFrame parses a complete server frame. Every declared length
// is checked against the remaining bytes.
func DecodeServerFrame(b []byte) (ServerFrame, error) {
	if len(b) == 0 {
		return ServerFrame{}, fmt.Errorf("opcode: %w", ErrTruncated)
	}
	var (
		f   = ServerFrame{Op: Opcode(b[0])}
		c   = cursor{b: b[1:]}
		err error
	)
	switch f.Op {
	case OpAllFeed:
		for c.len() > 0 {
			var e model.FeedEntry
			if e, err = c.entry(); err != nil {
				return ServerFrame{}, err
			}
			f.Entries = append(f.Entries, e)
		}
	case OpCreated:
		if c.len() > 0 {
			var e model.FeedEntry
			if e, err = c.entry(); err != nil {
				return ServerFrame{}, err
			}
			f.Entries = []model.FeedEntry{e}
		}
	case OpDeleted:
		if f.ID, err = c.numeric("id"); err != nil {
			return ServerFrame{}, err
		}
	default:
		return ServerFrame{}, fmt.Errorf("%w: unexpected %s", ErrMalformed, f.Op)
	}
	if c.len() != 0 {
		return ServerFrame{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, c.len())
	}
	return f, nil
}

type cursor struct {
	b []byte
}

func (c *cursor) len() int {
	return len(c.b)
}

func (c *cursor) i32(field string) (int32, error) {
	if len(c.b) < int32Size {
		return 0, fmt.Errorf("%s: %w", field, ErrTruncated)
	}
	v := int32(binary.LittleEndian.Uint32(c.b))
	c.b = c.b[int32Size:]
	return v, nil
}

// numeric reads a tagged i32: the tag must be 4.
func (c *cursor) numeric(field string) (int32, error) {
	tag, err := c.i32(field + " tag")
	if err != nil {
		return 0, err
	}
	if tag != numericTag {
		return 0, fmt.Errorf("%s: %w: tag %d", field, ErrMalformed, tag)
	}
	return c.i32(field)
}

func (c *cursor) text(field string) (string, error) {
	n, err := c.i32(field + " length")
	if err != nil {
		return "", err
	}
	if n < 0 {
		return "", fmt.Errorf("%s: %w", field, ErrNegativeLength)
	}
	if int(n) > len(c.b) {
		return "", fmt.Errorf("%s: %w: need %d, have %d", field, ErrTruncated, n, len(c.b))
	}
	raw := c.b[:n]
	c.b = c.b[n:]
	if !utf8.Valid(raw) {
		return "", fmt.Errorf("%s: %w", field, ErrInvalidText)
	}
	return string(raw), nil
}

func (c *cursor) entry() (model.FeedEntry, error) {
	var (
		e   model.FeedEntry
		err error
	)
	if e.ID, err = c.numeric("id"); err != nil {
		return e, err
	}
	kind, err := c.numeric("kind")
	if err != nil {
		return e, err
	}
	e.Kind = model.Kind(kind)
	e.Payload, err = c.text("text")
	return e, err
}
