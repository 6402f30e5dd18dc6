package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplit(t *testing.T) {
	frameType, payload, err := Split([]byte{byte(FrameUpdate), 0xde, 0xad})
	require.NoError(t, err)
	assert.Equal(t, FrameUpdate, frameType)
	assert.Equal(t, []byte{0xde, 0xad}, payload)

	frameType, payload, err = Split([]byte{byte(FrameUpdate)})
	require.NoError(t, err)
	assert.Equal(t, FrameUpdate, frameType)
	assert.Empty(t, payload, "an update frame may carry an empty fragment")
}

func TestSplitRejects(t *testing.T) {
	_, _, err := Split(nil)
	assert.ErrorIs(t, err, ErrEmptyFrame)

	_, _, err = Split([]byte{9, 1, 2})
	assert.ErrorIs(t, err, ErrUnknownFrame)
}

func TestFrameCopiesPayload(t *testing.T) {
	payload := []byte("fragment")
	frame := Frame(FrameUpdate, payload)
	payload[0] = 'X'
	assert.Equal(t, append([]byte{byte(FrameUpdate)}, "fragment"...), frame)
}

func TestSyncFrame(t *testing.T) {
	frame, err := EncodeSync(SyncPayload{
		Vector:  []byte{1, 2, 3},
		Updates: [][]byte{[]byte("a"), []byte("bc")},
	})
	require.NoError(t, err)
	require.Equal(t, byte(FrameSync), frame[0])

	frameType, payload, err := Split(frame)
	require.NoError(t, err)
	require.Equal(t, FrameSync, frameType)

	decoded, err := DecodeSync(payload)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, decoded.Vector)
	assert.Equal(t, [][]byte{[]byte("a"), []byte("bc")}, decoded.Updates)
}

func TestSyncFrameIsDeterministic(t *testing.T) {
	p := SyncPayload{Vector: []byte{7}, Updates: [][]byte{[]byte("x")}}
	first, err := EncodeSync(p)
	require.NoError(t, err)
	second, err := EncodeSync(p)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestNotificationFrame(t *testing.T) {
	frame, err := EncodeNotification(Notification{
		RoomKey:   "document-42",
		EventType: "document.renamed",
		Payload:   map[string]any{"title": "Roadmap"},
	})
	require.NoError(t, err)

	frameType, payload, err := Split(frame)
	require.NoError(t, err)
	require.Equal(t, FrameNotification, frameType)

	n, err := DecodeNotification(payload)
	require.NoError(t, err)
	assert.Equal(t, "document-42", n.RoomKey)
	assert.Equal(t, "document.renamed", n.EventType)
	assert.Equal(t, map[string]any{"title": "Roadmap"}, n.Payload)
}

func TestSyncRequest(t *testing.T) {
	r, err := DecodeSyncRequest(nil)
	require.NoError(t, err)
	assert.Empty(t, r.Vector, "empty payload asks for the full state")

	frame, err := EncodeSyncRequest(SyncRequest{Vector: []byte{4, 5}})
	require.NoError(t, err)
	_, payload, err := Split(frame)
	require.NoError(t, err)
	r, err = DecodeSyncRequest(payload)
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 5}, r.Vector)

	_, err = DecodeSyncRequest([]byte{0xff, 0x00})
	assert.Error(t, err)
}

func TestFrameTypeString(t *testing.T) {
	assert.Equal(t, "update", FrameUpdate.String())
	assert.Equal(t, "frame(42)", FrameType(42).String())
}
