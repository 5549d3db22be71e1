// Package codec implements the binary frame format exchanged over the feed
// websocket. All integers are little-endian i32, every frame starts with a
// one byte opcode.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/adwski/sharefeed/backend/model"
)

type Opcode uint8

// Client to server.
const (
	OpQueryAll    Opcode = 1
	OpQuerySingle Opcode = 2
	OpSendText    Opcode = 3
	OpSendFile    Opcode = 4
)

// Server to client.
const (
	OpAllFeed Opcode = 61
	OpCreated Opcode = 62
	OpDeleted Opcode = 63
)

const (
	int32Size  = 4
	numericTag = int32Size

	// DefaultFieldLimit matches the default websocket message limit.
	DefaultFieldLimit = 64 * 1024 * 1024
)

var (
	ErrTruncated      = errors.New("frame truncated")
	ErrNegativeLength = errors.New("negative field length")
	ErrFieldTooLarge  = errors.New("field exceeds frame limit")
	ErrInvalidText    = errors.New("text is not valid utf-8")
	ErrMalformed      = errors.New("malformed frame")
)

func (op Opcode) String() string {
	switch op {
	case OpQueryAll:
		return "query-all"
	case OpQuerySingle:
		return "query-single"
	case OpSendText:
		return "send-text"
	case OpSendFile:
		return "send-file"
	case OpAllFeed:
		return "all-feed"
	case OpCreated:
		return "created"
	case OpDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("opcode(%d)", uint8(op))
	}
}

// ClientFrame is one decoded client request. Only the fields relevant
// for Op are set.
type ClientFrame struct {
	Op      Opcode
	ID      int32
	Text    string
	Name    string
	DataLen int64
	// Data streams exactly DataLen bytes of a SendFile payload.
	// It returns ErrTruncated if the frame ends early.
	Data io.Reader
}

// Decoder reads client frames from a stream. Each frame must come from its
// own reader, e.g. one websocket message.
type Decoder struct {
	r     io.Reader
	limit int64
	buf   [int32Size]byte
}

// NewDecoder returns decoder whose text fields may not declare more bytes
// than limit, normally the size limit of the message r reads from.
func NewDecoder(r io.Reader, limit int64) *Decoder {
	if limit <= 0 {
		limit = DefaultFieldLimit
	}
	return &Decoder{r: r, limit: limit}
}

// Next decodes the frame header and all fixed fields. Unknown opcodes are
// returned as is with no fields set.
func (d *Decoder) Next() (ClientFrame, error) {
	var (
		f   ClientFrame
		err error
	)
	if _, err = io.ReadFull(d.r, d.buf[:1]); err != nil {
		return f, truncated("opcode", err)
	}
	f.Op = Opcode(d.buf[0])

	switch f.Op {
	case OpQuerySingle:
		f.ID, err = d.readInt32("id")
	case OpSendText:
		f.Text, err = d.readText("text")
	case OpSendFile:
		if f.Name, err = d.readText("name"); err != nil {
			break
		}
		var n int32
		if n, err = d.readLength("data"); err != nil {
			break
		}
		f.DataLen = int64(n)
		f.Data = &exactReader{r: d.r, n: f.DataLen}
	}
	if err != nil {
		return ClientFrame{}, err
	}
	return f, nil
}

func (d *Decoder) readInt32(field string) (int32, error) {
	if _, err := io.ReadFull(d.r, d.buf[:]); err != nil {
		return 0, truncated(field, err)
	}
	return int32(binary.LittleEndian.Uint32(d.buf[:])), nil
}

func (d *Decoder) readLength(field string) (int32, error) {
	n, err := d.readInt32(field + " length")
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("%s: %w", field, ErrNegativeLength)
	}
	return n, nil
}

func (d *Decoder) readText(field string) (string, error) {
	n, err := d.readLength(field)
	if err != nil {
		return "", err
	}
	if int64(n) > d.limit {
		return "", fmt.Errorf("%s: %w: %d > %d", field, ErrFieldTooLarge, n, d.limit)
	}
	// Grows with the bytes actually present, not the declared length.
	b, err := io.ReadAll(io.LimitReader(d.r, int64(n)))
	if err != nil {
		return "", truncated(field, err)
	}
	if len(b) < int(n) {
		return "", fmt.Errorf("%s: %w", field, ErrTruncated)
	}
	if !utf8.Valid(b) {
		return "", fmt.Errorf("%s: %w", field, ErrInvalidText)
	}
	return string(b), nil
}

func truncated(field string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%s: %w", field, ErrTruncated)
	}
	return fmt.Errorf("%s: %w", field, err)
}

type exactReader struct {
	r io.Reader
	n int64
}

func (e *exactReader) Read(p []byte) (int, error) {
	if e.n <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > e.n {
		p = p[:e.n]
	}
	n, err := e.r.Read(p)
	e.n -= int64(n)
	if errors.Is(err, io.EOF) && e.n > 0 {
		return n, fmt.Errorf("data: %w", ErrTruncated)
	}
	return n, err
}

func appendInt32(b []byte, v int32) []byte {
	return binary.LittleEndian.AppendUint32(b, uint32(v))
}

func appendText(b []byte, s string) []byte {
	b = appendInt32(b, int32(len(s)))
	return append(b, s...)
}

func appendEntry(b []byte, e model.FeedEntry) []byte {
	b = appendInt32(b, numericTag)
	b = appendInt32(b, e.ID)
	b = appendInt32(b, numericTag)
	b = appendInt32(b, int32(e.Kind))
	return appendText(b, e.Payload)
}

func AppendAllFeed(b []byte, entries []model.FeedEntry) []byte {
	b = append(b, byte(OpAllFeed))
	for _, e := range entries {
		b = appendEntry(b, e)
	}
	return b
}

// AppendCreated encodes a Created frame. Nil entry produces the bare opcode,
// which tells clients that the referenced entry no longer exists.
func AppendCreated(b []byte, e *model.FeedEntry) []byte {
	b = append(b, byte(OpCreated))
	if e != nil {
		b = appendEntry(b, *e)
	}
	return b
}

func AppendDeleted(b []byte, id int32) []byte {
	b = append(b, byte(OpDeleted))
	b = appendInt32(b, numericTag)
	return appendInt32(b, id)
}

func AppendQueryAll(b []byte) []byte {
	return append(b, byte(OpQueryAll))
}

func AppendQuerySingle(b []byte, id int32) []byte {
	b = append(b, byte(OpQuerySingle))
	return appendInt32(b, id)
}

func AppendSendText(b []byte, text string) []byte {
	b = append(b, byte(OpSendText))
	return appendText(b, text)
}

// AppendSendFileHeader encodes everything up to the payload bytes.
// Callers write exactly dataLen bytes after it.
func AppendSendFileHeader(b []byte, name string, dataLen int32) []byte {
	b = append(b, byte(OpSendFile))
	b = appendText(b, name)
	return appendInt32(b, dataLen)
}

func AppendSendFile(b []byte, name string, data []byte) []byte {
	b = AppendSendFileHeader(b, name, int32(len(data)))
	return append(b, data...)
}
