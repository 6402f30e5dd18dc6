package bridge

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Naammmdz/naver-hackathon-2025-sub004/internal/protocol"
)

type recordingNotifier struct {
	mu     sync.Mutex
	frames map[string][][]byte
}

func (r *recordingNotifier) Notify(roomKey string, frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frames == nil {
		r.frames = make(map[string][][]byte)
	}
	r.frames[roomKey] = append(r.frames[roomKey], frame)
}

func (r *recordingNotifier) get(roomKey string) [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.frames[roomKey]...)
}

func TestParseEvent(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"roomKey":"document-42","eventType":"task.renamed","payload":{"title":"New"}}`))
	require.NoError(t, err)
	assert.Equal(t, "document-42", ev.RoomKey)
	assert.Equal(t, "task.renamed", ev.EventType)
	assert.JSONEq(t, `{"title":"New"}`, string(ev.Payload))

	ev, err = ParseEvent([]byte(`{"roomKey":"workspace-W1","eventType":"workspace.archived"}`))
	require.NoError(t, err)
	assert.Empty(t, ev.Payload)
}

func TestParseEventRejects(t *testing.T) {
	for _, raw := range []string{
		`not json`,
		`[]`,
		`{"eventType":"x"}`,
		`{"roomKey":"document-1"}`,
		`{"roomKey":"board-1","eventType":"x"}`,
		`{"roomKey":"document-1","eventType":""}`,
		`{"roomKey":42,"eventType":"x"}`,
	} {
		_, err := ParseEvent([]byte(raw))
		assert.ErrorIs(t, err, ErrInvalidEvent, raw)
	}
}

func TestBridgeRelaysToRoom(t *testing.T) {
	bus := NewMemoryBus()
	notifier := &recordingNotifier{}
	b := New(bus, notifier, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	waitSubscribed(t, bus, DefaultChannel)

	require.NoError(t, b.Publish(ctx, Event{
		RoomKey:   "document-42",
		EventType: "task.status_changed",
		Payload:   json.RawMessage(`{"status":"done"}`),
	}))
	require.NoError(t, bus.Publish(ctx, DefaultChannel, []byte(`{"roomKey":"nope","eventType":"x"}`)))
	require.NoError(t, bus.Publish(ctx, DefaultChannel, []byte(`{"roomKey":"document-7","eventType":"document.renamed"}`)))

	require.Eventually(t, func() bool { return len(notifier.get("document-7")) == 1 }, time.Second, 5*time.Millisecond)
	frames := notifier.get("document-42")
	require.Len(t, frames, 1)

	frameType, payload, err := protocol.Split(frames[0])
	require.NoError(t, err)
	require.Equal(t, protocol.FrameNotification, frameType)
	n, err := protocol.DecodeNotification(payload)
	require.NoError(t, err)
	assert.Equal(t, "document-42", n.RoomKey)
	assert.Equal(t, "task.status_changed", n.EventType)
	assert.Equal(t, map[string]any{"status": "done"}, n.Payload)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("bridge did not stop")
	}
}

func TestBridgePublishValidates(t *testing.T) {
	b := New(NewMemoryBus(), &recordingNotifier{}, Config{Channel: "custom"})
	err := b.Publish(context.Background(), Event{RoomKey: "board-1", EventType: "x"})
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestMemoryBusIsolatesChannels(t *testing.T) {
	bus := NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := bus.Subscribe(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, "b", []byte("for b")))
	require.NoError(t, bus.Publish(ctx, "a", []byte("for a")))

	select {
	case msg := <-a:
		assert.Equal(t, "for a", string(msg))
	case <-time.After(time.Second):
		t.Fatal("no message")
	}

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, open := <-a:
			return !open
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func waitSubscribed(t *testing.T, bus *MemoryBus, channel string) {
	t.Helper()
	require.Eventually(t, func() bool {
		bus.mu.Lock()
		defer bus.mu.Unlock()
		return len(bus.subs[channel]) > 0
	}, time.Second, time.Millisecond)
}

func TestPostgresBus(t *testing.T) {
	dsn := os.Getenv("COLLAB_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("COLLAB_TEST_POSTGRES_DSN not set")
	}
	bus, err := NewPostgresBus(dsn, nil)
	require.NoError(t, err)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	messages, err := bus.Subscribe(ctx, "collab:test")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "collab:test", []byte(`{"roomKey":"document-1","eventType":"x"}`)))
	select {
	case msg := <-messages:
		assert.JSONEq(t, `{"roomKey":"document-1","eventType":"x"}`, string(msg))
	case <-time.After(5 * time.Second):
		t.Fatal("no notification")
	}

	err = bus.Publish(ctx, "collab:test", make([]byte, maxNotifyPayload+1))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}
