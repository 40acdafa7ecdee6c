package protocol

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDecodeWireFrames decodes frames in exactly the shape a peer puts on
// the channel.
func TestDecodeWireFrames(t *testing.T) {
	testCases := []struct {
		name  string
		frame string
		want  Envelope
	}{
		{
			name:  "video",
			frame: `{"type":"video","payload":"abc123"}`,
			want:  Video("abc123"),
		},
		{
			name:  "chat with nickname",
			frame: `{"type":"chat","payload":{"id":"1","content":"hi","timestamp":"10:00","nickname":"A"}}`,
			want:  Chat{ID: "1", Content: "hi", Timestamp: "10:00", Nickname: "A"},
		},
		{
			name:  "chat without nickname",
			frame: `{"type":"chat","payload":{"id":"2","content":"yo","timestamp":"10:01"}}`,
			want:  Chat{ID: "2", Content: "yo", Timestamp: "10:01"},
		},
		{
			name:  "system",
			frame: `{"type":"system","payload":"Connected"}`,
			want:  System("Connected"),
		},
		{
			name:  "nickname",
			frame: `{"type":"nickname","payload":"Bob"}`,
			want:  Nickname("Bob"),
		},
		{
			name:  "reaction",
			frame: `{"type":"reaction","payload":{"messageId":"1","reaction":{"emoji":"👍","by":"Bob"}}}`,
			want:  Reaction{MessageID: "1", Reaction: ReactionMark{Emoji: "👍", By: "Bob"}},
		},
		{
			name:  "player state",
			frame: `{"type":"player_state","payload":{"event":"pause","currentTime":12.5}}`,
			want:  PlayerState{Event: EventPause, CurrentTime: 12.5},
		},
		{
			name:  "playlist share",
			frame: `{"type":"playlist_share","payload":{"playlist":{"id":"p1","name":"Mix","videos":["a","b"]},"sharedBy":"Bob","timestamp":"10:02"}}`,
			want: PlaylistShare{
				Playlist:  Playlist{ID: "p1", Name: "Mix", Videos: []string{"a", "b"}},
				SharedBy:  "Bob",
				Timestamp: "10:02",
			},
		},
		{
			name:  "edit",
			frame: `{"type":"edit","payload":{"messageId":"1","content":"hello"}}`,
			want:  Edit{MessageID: "1", Content: "hello"},
		},
		{
			name:  "delete",
			frame: `{"type":"delete","payload":{"messageId":"1"}}`,
			want:  Delete{MessageID: "1"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Decode([]byte(tc.frame))
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEncodeProducesTaggedFrame(t *testing.T) {
	data, err := Encode(PlayerState{Event: EventPlay, CurrentTime: 3})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"player_state","payload":{"event":"play","currentTime":3}}`, string(data))

	data, err = Encode(Video("abc123"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"video","payload":"abc123"}`, string(data))

	data, err = Encode(Chat{ID: "1", Content: "hi", Timestamp: "10:00"})
	require.NoError(t, err)
	var frame struct {
		Payload map[string]any `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &frame))
	_, hasNickname := frame.Payload["nickname"]
	assert.False(t, hasNickname, "empty nickname is omitted")
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"teleport","payload":{}}`))
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	frames := map[string]string{
		"not json":          `hello`,
		"missing payload":   `{"type":"chat"}`,
		"null payload":      `{"type":"video","payload":null}`,
		"wrong shape":       `{"type":"chat","payload":"hi"}`,
		"chat without id":   `{"type":"chat","payload":{"content":"hi"}}`,
		"bad player event":  `{"type":"player_state","payload":{"event":"rewind","currentTime":1}}`,
		"reaction no emoji": `{"type":"reaction","payload":{"messageId":"1","reaction":{"by":"A"}}}`,
		"edit no target":    `{"type":"edit","payload":{"content":"x"}}`,
		"delete no target":  `{"type":"delete","payload":{}}`,
		"video not string":  `{"type":"video","payload":42}`,
	}
	for name, frame := range frames {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(frame))
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestEncodeNil(t *testing.T) {
	_, err := Encode(nil)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestNewFile(t *testing.T) {
	data := []byte("hello world")
	f, err := NewFile("f1", "hello.txt", "text/plain", data, "10:00", "A")
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), f.FileSize)
	assert.Equal(t, "data:text/plain;base64,aGVsbG8gd29ybGQ=", f.FileData)

	decoded, err := f.Bytes()
	require.NoError(t, err)
	assert.Equal(t, data, decoded)
}

func TestNewFileSniffsType(t *testing.T) {
	f, err := NewFile("f1", "page", "", []byte("<html><body>x</body></html>"), "10:00", "")
	require.NoError(t, err)
	assert.Contains(t, f.FileType, "text/html")
}

func TestNewFileSizeCap(t *testing.T) {
	_, err := NewFile("f1", "exact.bin", "application/octet-stream", make([]byte, MaxFileSize), "", "")
	assert.NoError(t, err)

	_, err = NewFile("f2", "big.bin", "application/octet-stream", bytes.Repeat([]byte{1}, MaxFileSize+1), "", "")
	assert.ErrorIs(t, err, ErrFileTooLarge)
}

func TestFileBytesRejectsGarbage(t *testing.T) {
	_, err := File{FileData: "data:text/plain;base64,@@@"}.Bytes()
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = File{FileData: "data:text/plain;base64"}.Bytes()
	assert.ErrorIs(t, err, ErrMalformed)
}
