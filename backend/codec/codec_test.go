package codec

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adwski/sharefeed/backend/model"
)

func decodeOne(t *testing.T, b []byte) (ClientFrame, error) {
	t.Helper()
	return NewDecoder(bytes.NewReader(b), 0).Next()
}

func TestDecoder_ClientFrames(t *testing.T) {
	f, err := decodeOne(t, AppendQueryAll(nil))
	require.NoError(t, err)
	assert.Equal(t, OpQueryAll, f.Op)

	f, err = decodeOne(t, AppendQuerySingle(nil, 42))
	require.NoError(t, err)
	assert.Equal(t, OpQuerySingle, f.Op)
	assert.Equal(t, int32(42), f.ID)

	f, err = decodeOne(t, AppendSendText(nil, "hello, мир"))
	require.NoError(t, err)
	assert.Equal(t, OpSendText, f.Op)
	assert.Equal(t, "hello, мир", f.Text)

	f, err = decodeOne(t, AppendSendFile(nil, "a.txt", []byte("payload")))
	require.NoError(t, err)
	assert.Equal(t, OpSendFile, f.Op)
	assert.Equal(t, "a.txt", f.Name)
	assert.Equal(t, int64(7), f.DataLen)
	data, err := io.ReadAll(f.Data)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestDecoder_UnknownOpcodeIsNotAnError(t *testing.T) {
	f, err := decodeOne(t, []byte{99, 1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, Opcode(99), f.Op)
}

func TestDecoder_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
		want  error
	}{
		{
			name:  "empty frame",
			frame: []byte{},
			want:  ErrTruncated,
		},
		{
			name:  "short id",
			frame: []byte{byte(OpQuerySingle), 1, 0},
			want:  ErrTruncated,
		},
		{
			name:  "text longer than frame",
			frame: append(appendInt32([]byte{byte(OpSendText)}, 10), "abc"...),
			want:  ErrTruncated,
		},
		{
			name:  "negative text length",
			frame: appendInt32([]byte{byte(OpSendText)}, -1),
			want:  ErrNegativeLength,
		},
		{
			name:  "text over frame limit",
			frame: appendInt32([]byte{byte(OpSendText)}, DefaultFieldLimit+1),
			want:  ErrFieldTooLarge,
		},
		{
			name:  "invalid utf-8",
			frame: append(appendInt32([]byte{byte(OpSendText)}, 2), 0xc3, 0x28),
			want:  ErrInvalidText,
		},
		{
			name:  "file name truncated",
			frame: append(appendInt32([]byte{byte(OpSendFile)}, 8), "a.t"...),
			want:  ErrTruncated,
		},
		{
			name:  "missing data length",
			frame: appendText([]byte{byte(OpSendFile)}, "a.txt"),
			want:  ErrTruncated,
		},
		{
			name:  "negative data length",
			frame: AppendSendFileHeader(nil, "a.txt", -5),
			want:  ErrNegativeLength,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeOne(t, tt.frame)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDecoder_LongText(t *testing.T) {
	text := strings.Repeat("x", 70*1024)
	f, err := decodeOne(t, AppendSendText(nil, text))
	require.NoError(t, err)
	assert.Equal(t, OpSendText, f.Op)
	assert.Equal(t, text, f.Text)

	frame := AppendSendText(nil, "12345")
	_, err = NewDecoder(bytes.NewReader(frame), 4).Next()
	require.ErrorIs(t, err, ErrFieldTooLarge)

	f, err = NewDecoder(bytes.NewReader(frame), int64(len(frame))).Next()
	require.NoError(t, err)
	assert.Equal(t, "12345", f.Text)
}

func TestDecoder_TruncatedFileData(t *testing.T) {
	frame := append(AppendSendFileHeader(nil, "a.txt", 100), "only a few bytes"...)
	f, err := decodeOne(t, frame)
	require.NoError(t, err)

	_, err = io.Copy(io.Discard, f.Data)
	require.ErrorIs(t, err, ErrTruncated)
}

func TestDecoder_FileDataStopsAtDeclaredLength(t *testing.T) {
	frame := append(AppendSendFileHeader(nil, "a.txt", 3), "abcdef"...)
	f, err := decodeOne(t, frame)
	require.NoError(t, err)

	data, err := io.ReadAll(f.Data)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))
}

func TestServerFrames(t *testing.T) {
	entries := []model.FeedEntry{
		{ID: 1, Kind: model.KindFile, Payload: "a.txt"},
		{ID: 2, Kind: model.KindText, Payload: "hello"},
		{ID: 3, Kind: model.KindText, Payload: ""},
	}

	f, err := DecodeServerFrame(AppendAllFeed(nil, entries))
	require.NoError(t, err)
	assert.Equal(t, OpAllFeed, f.Op)
	assert.Equal(t, entries, f.Entries)

	f, err = DecodeServerFrame(AppendAllFeed(nil, nil))
	require.NoError(t, err)
	assert.Equal(t, OpAllFeed, f.Op)
	assert.Empty(t, f.Entries)

	f, err = DecodeServerFrame(AppendCreated(nil, &entries[1]))
	require.NoError(t, err)
	assert.Equal(t, OpCreated, f.Op)
	assert.Equal(t, entries[1:2], f.Entries)

	missing := AppendCreated(nil, nil)
	assert.Equal(t, []byte{byte(OpCreated)}, missing)
	f, err = DecodeServerFrame(missing)
	require.NoError(t, err)
	assert.Empty(t, f.Entries)

	f, err = DecodeServerFrame(AppendDeleted(nil, 7))
	require.NoError(t, err)
	assert.Equal(t, OpDeleted, f.Op)
	assert.Equal(t, int32(7), f.ID)
}

func TestCreatedFrameLayout(t *testing.T) {
	b := AppendCreated(nil, &model.FeedEntry{ID: 1, Kind: model.KindText, Payload: "hi"})
	want := []byte{
		62,
		4, 0, 0, 0, 1, 0, 0, 0,
		4, 0, 0, 0, 1, 0, 0, 0,
		2, 0, 0, 0, 'h', 'i',
	}
	assert.Equal(t, want, b)
}

func TestDecodeServerFrame_Rejects(t *testing.T) {
	good := AppendCreated(nil, &model.FeedEntry{ID: 1, Kind: model.KindText, Payload: "hello"})

	_, err := DecodeServerFrame(nil)
	require.ErrorIs(t, err, ErrTruncated)

	_, err = DecodeServerFrame(good[:len(good)-2])
	require.ErrorIs(t, err, ErrTruncated)

	_, err = DecodeServerFrame(append(AppendDeleted(nil, 1), 0))
	require.ErrorIs(t, err, ErrMalformed)

	badTag := append([]byte(nil), good...)
	badTag[1] = 5
	_, err = DecodeServerFrame(badTag)
	require.ErrorIs(t, err, ErrMalformed)

	_, err = DecodeServerFrame([]byte{byte(OpSendText)})
	require.ErrorIs(t, err, ErrMalformed)
}
