// Package protocol defines the binary frames exchanged over a session.
//
// Every message starts with a one-byte frame type. Update frames carry a
// raw fragment and are relayed verbatim; the other frames carry a CBOR
// payload.
package protocol

import (
	"errors"
	"fmt"

	"github.com/Naammmdz/naver-hackathon-2025-sub004/internal/codec"
)

type FrameType byte

const (
	// Server to client: full or incremental room state.
	FrameSync FrameType = 0

	// Both directions: one opaque update fragment.
	FrameUpdate FrameType = 1

	// Server to client: out-of-band metadata event, never replicated.
	FrameNotification FrameType = 2

	// Client to server: ask for what a replica at a vector is missing.
	FrameSyncRequest FrameType = 3
)

var (
	ErrEmptyFrame   = errors.New("protocol: empty frame")
	ErrUnknownFrame = errors.New("protocol: unknown frame type")
)

func (t FrameType) String() string {
	switch t {
	case FrameSync:
		return "sync"
	case FrameUpdate:
		return "update"
	case FrameNotification:
		return "notification"
	case FrameSyncRequest:
		return "sync_request"
	default:
		return fmt.Sprintf("frame(%d)", byte(t))
	}
}

// Split separates a frame into its type and payload. The payload
// aliases data.
func Split(data []byte) (FrameType, []byte, error) {
	if len(data) == 0 {
		return 0, nil, ErrEmptyFrame
	}
	t := FrameType(data[0])
	if t > FrameSyncRequest {
		return t, nil, fmt.Errorf("%w: %d", ErrUnknownFrame, data[0])
	}
	return t, data[1:], nil
}

// Frame prefixes payload with its type byte.
func Frame(t FrameType, payload []byte) []byte {
	out := make([]byte, 1+len(payload))
	out[0] = byte(t)
	copy(out[1:], payload)
	return out
}

// SyncPayload is what a replica needs to catch up: the vector of the
// server snapshot it is being brought to, and the updates to apply.
type SyncPayload struct {
	Vector  []byte   `cbor:"1,keyasint"`
	Updates [][]byte `cbor:"2,keyasint"`
}

// Notification relays a metadata bus event to the sessions of a room.
type Notification struct {
	RoomKey   string `cbor:"roomKey"`
	EventType string `cbor:"eventType"`
	Payload   any    `cbor:"payload,omitempty"`
}

// SyncRequest carries the requesting replica's vector. An empty vector
// asks for the full state.
type SyncRequest struct {
	Vector []byte `cbor:"1,keyasint,omitempty"`
}

func EncodeSync(p SyncPayload) ([]byte, error) {
	return encode(FrameSync, p)
}

func EncodeNotification(n Notification) ([]byte, error) {
	return encode(FrameNotification, n)
}

func EncodeSyncRequest(r SyncRequest) ([]byte, error) {
	return encode(FrameSyncRequest, r)
}

func DecodeSync(payload []byte) (SyncPayload, error) {
	var p SyncPayload
	if err := codec.Unmarshal(payload, &p); err != nil {
		return SyncPayload{}, fmt.Errorf("protocol: decode sync: %w", err)
	}
	return p, nil
}

func DecodeNotification(payload []byte) (Notification, error) {
	var n Notification
	if err := codec.Unmarshal(payload, &n); err != nil {
		return Notification{}, fmt.Errorf("protocol: decode notification: %w", err)
	}
	return n, nil
}

func DecodeSyncRequest(payload []byte) (SyncRequest, error) {
	var r SyncRequest
	if len(payload) == 0 {
		return r, nil
	}
	if err := codec.Unmarshal(payload, &r); err != nil {
		return SyncRequest{}, fmt.Errorf("protocol: decode sync request: %w", err)
	}
	return r, nil
}

func encode(t FrameType, v any) ([]byte, error) {
	body, err := codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", t, err)
	}
	return Frame(t, body), nil
}
