package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Naammmdz/naver-hackathon-2025-sub004/internal/access"
	"github.com/Naammmdz/naver-hackathon-2025-sub004/internal/merge"
	"github.com/Naammmdz/naver-hackathon-2025-sub004/internal/protocol"
	"github.com/Naammmdz/naver-hackathon-2025-sub004/internal/ratelimit"
	"github.com/Naammmdz/naver-hackathon-2025-sub004/internal/room"
	"github.com/Naammmdz/naver-hackathon-2025-sub004/internal/snapshot"
)

// fakeChecker grants fixed permissions per principal and denies others.
type fakeChecker map[string]access.Permission

func (c fakeChecker) CheckPermission(ctx context.Context, principalID, roomKey string) (access.Permission, error) {
	return c[principalID], nil
}

type testEnv struct {
	hub   *Hub
	rooms *room.Manager
	srv   *httptest.Server
}

func newTestEnv(t *testing.T, config Config) *testEnv {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	hub := NewHub(nil)
	go hub.Run(ctx)

	rooms := room.NewManager(snapshot.NewMemoryStore(), merge.NewSetMerger(), room.Config{})
	limits := ratelimit.NewRegistry(1000, 1000, time.Minute)

	verifier := access.StaticVerifier{"tok-u1": "u1", "tok-u2": "u2", "tok-u3": "u3", "tok-viewer": "viewer", "tok-stranger": "stranger"}
	checker := fakeChecker{
		"u1":     {Allow: true},
		"u2":     {Allow: true},
		"u3":     {Allow: true},
		"viewer": {Allow: true, ReadOnly: true},
	}
	srv := httptest.NewServer(NewHandler(hub, rooms, verifier, checker, limits, config))

	t.Cleanup(func() {
		srv.Close()
		cancel()
		limits.Stop()
		rooms.Close(context.Background())
	})
	return &testEnv{hub: hub, rooms: rooms, srv: srv}
}

func (e *testEnv) url(roomKey, token string) string {
	u := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws?room=" + roomKey
	if token != "" {
		u += "&token=" + token
	}
	return u
}

// join connects and consumes the initial sync frame.
func (e *testEnv) join(t *testing.T, roomKey, principal string) (*websocket.Conn, protocol.SyncPayload) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(e.url(roomKey, "tok-"+principal), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	frameType, payload := readFrame(t, conn)
	require.Equal(t, protocol.FrameSync, frameType, "first frame must be the sync payload")
	sync, err := protocol.DecodeSync(payload)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return e.hub.Sessions(roomKey) > 0 }, time.Second, 5*time.Millisecond)
	return conn, sync
}

func readFrame(t *testing.T, conn *websocket.Conn) (protocol.FrameType, []byte) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, msgType)
	frameType, payload, err := protocol.Split(data)
	require.NoError(t, err)
	return frameType, payload
}

// expectSilence asserts nothing arrives on conn for a short while.
func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	_, data, err := conn.ReadMessage()
	require.Error(t, err, "unexpected frame %v", data)
	var netErr net.Error
	require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "expected a read timeout, got %v", err)
}

func sendUpdate(t *testing.T, conn *websocket.Conn, fragment []byte) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, protocol.Frame(protocol.FrameUpdate, fragment)))
}

func TestUpdateRelayedToSiblingsOnce(t *testing.T) {
	env := newTestEnv(t, Config{})
	c1, _ := env.join(t, "document-42", "u1")
	c2, _ := env.join(t, "document-42", "u2")
	c3, _ := env.join(t, "document-42", "u3")
	require.Eventually(t, func() bool { return env.hub.Sessions("document-42") == 3 }, time.Second, 5*time.Millisecond)

	sendUpdate(t, c1, []byte("F1"))

	for _, c := range []*websocket.Conn{c2, c3} {
		frameType, payload := readFrame(t, c)
		assert.Equal(t, protocol.FrameUpdate, frameType)
		assert.Equal(t, []byte("F1"), payload)
		expectSilence(t, c)
	}
	expectSilence(t, c1)

	updates, err := env.rooms.ListUpdatesSince(context.Background(), "document-42", nil)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("F1")}, updates)
}

func TestUpdatesKeepSenderOrder(t *testing.T) {
	env := newTestEnv(t, Config{})
	c1, _ := env.join(t, "document-7", "u1")
	c2, _ := env.join(t, "document-7", "u2")
	require.Eventually(t, func() bool { return env.hub.Sessions("document-7") == 2 }, time.Second, 5*time.Millisecond)

	for _, f := range []string{"a", "b", "c", "d"} {
		sendUpdate(t, c1, []byte(f))
	}
	for _, want := range []string{"a", "b", "c", "d"} {
		_, payload := readFrame(t, c2)
		assert.Equal(t, want, string(payload))
	}
}

func TestReadOnlyWritesAreDropped(t *testing.T) {
	env := newTestEnv(t, Config{})
	writer, _ := env.join(t, "workspace-W2", "u1")
	viewer, _ := env.join(t, "workspace-W2", "viewer")
	require.Eventually(t, func() bool { return env.hub.Sessions("workspace-W2") == 2 }, time.Second, 5*time.Millisecond)

	sendUpdate(t, viewer, []byte("vandalism"))
	expectSilence(t, writer)

	stats, ok := env.rooms.Stats("workspace-W2")
	require.True(t, ok)
	assert.Zero(t, stats.PendingCount, "read-only write must not reach the room")

	sendUpdate(t, writer, []byte("legit"))
	frameType, payload := readFrame(t, viewer)
	assert.Equal(t, protocol.FrameUpdate, frameType, "viewer stays connected and keeps receiving")
	assert.Equal(t, []byte("legit"), payload)
}

func TestInitialSyncCarriesRoomState(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	require.NoError(t, env.rooms.ApplyUpdate(ctx, "document-1", []byte("old"), "u1"))
	require.NoError(t, env.rooms.Flush(ctx, "document-1"))
	require.NoError(t, env.rooms.ApplyUpdate(ctx, "document-1", []byte("new"), "u1"))

	_, sync := env.join(t, "document-1", "u2")
	assert.Equal(t, [][]byte{[]byte("old"), []byte("new")}, sync.Updates)
	assert.Len(t, sync.Vector, merge.DigestSize)
}

func TestSyncRequestReturnsMissingUpdates(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	require.NoError(t, env.rooms.ApplyUpdate(ctx, "document-1", []byte("seen"), "u1"))
	require.NoError(t, env.rooms.Flush(ctx, "document-1"))

	conn, sync := env.join(t, "document-1", "u1")
	require.NoError(t, env.rooms.ApplyUpdate(ctx, "document-1", []byte("missed"), "u2"))

	req, err := protocol.EncodeSyncRequest(protocol.SyncRequest{Vector: sync.Vector})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, req))

	frameType, payload := readFrame(t, conn)
	require.Equal(t, protocol.FrameSync, frameType)
	resp, err := protocol.DecodeSync(payload)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("missed")}, resp.Updates)
}

func TestNotificationReachesEverySession(t *testing.T) {
	env := newTestEnv(t, Config{})
	c1, _ := env.join(t, "document-9", "u1")
	c2, _ := env.join(t, "document-9", "u2")
	other, _ := env.join(t, "document-10", "u3")
	require.Eventually(t, func() bool { return env.hub.Sessions("document-9") == 2 }, time.Second, 5*time.Millisecond)

	frame, err := protocol.EncodeNotification(protocol.Notification{RoomKey: "document-9", EventType: "document.renamed"})
	require.NoError(t, err)
	env.hub.Notify("document-9", frame)

	for _, c := range []*websocket.Conn{c1, c2} {
		frameType, payload := readFrame(t, c)
		require.Equal(t, protocol.FrameNotification, frameType)
		n, err := protocol.DecodeNotification(payload)
		require.NoError(t, err)
		assert.Equal(t, "document.renamed", n.EventType)
	}
	expectSilence(t, other)
}

func TestHandshakeRejections(t *testing.T) {
	env := newTestEnv(t, Config{})

	tests := []struct {
		name   string
		url    string
		header http.Header
		status int
	}{
		{"bad room key", env.url("board-1", "tok-u1"), nil, http.StatusBadRequest},
		{"missing token", env.url("document-1", ""), nil, http.StatusUnauthorized},
		{"unknown token", env.url("document-1", "forged"), nil, http.StatusUnauthorized},
		{"not allowed", env.url("document-1", "tok-stranger"), nil, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(tt.url, tt.header)
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.NotNil(t, resp)
			resp.Body.Close()
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
	assert.Empty(t, env.rooms.Rooms(), "rejected handshakes never touch room state")
}

func TestHandshakeAcceptsHeaderAndSubprotocolTokens(t *testing.T) {
	env := newTestEnv(t, Config{})

	conn, _, err := websocket.DefaultDialer.Dial(env.url("document-1", ""), http.Header{"Authorization": {"Bearer tok-u1"}})
	require.NoError(t, err)
	conn.Close()

	dialer := websocket.Dialer{Subprotocols: []string{access.BearerProtocol, "tok-u2"}}
	conn, resp, err := dialer.Dial(env.url("document-1", ""), nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, access.BearerProtocol, resp.Header.Get("Sec-Websocket-Protocol"))
}

func TestOversizedInboundClosesConnection(t *testing.T) {
	env := newTestEnv(t, Config{MaxMessageSize: 1024})
	conn, _ := env.join(t, "document-1", "u1")

	sendUpdate(t, conn, make([]byte, 4096))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseMessageTooBig), "got %v", err)

	stats, _ := env.rooms.Stats("document-1")
	assert.Zero(t, stats.PendingCount)
}

func TestOversizedSyncIsRejectedNotTruncated(t *testing.T) {
	env := newTestEnv(t, Config{MaxMessageSize: 256})
	require.NoError(t, env.rooms.ApplyUpdate(context.Background(), "document-1", make([]byte, 1024), "u1"))

	conn, _, err := websocket.DefaultDialer.Dial(env.url("document-1", "tok-u2"), nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseMessageTooBig), "got %v", err)
	require.Eventually(t, func() bool { return env.hub.Sessions("document-1") == 0 }, time.Second, 5*time.Millisecond)
}

func TestDisconnectReleasesSessionButKeepsRoom(t *testing.T) {
	env := newTestEnv(t, Config{})
	conn, _ := env.join(t, "document-5", "u1")
	sendUpdate(t, conn, []byte("keep me"))
	require.Eventually(t, func() bool {
		stats, ok := env.rooms.Stats("document-5")
		return ok && stats.PendingCount == 1
	}, time.Second, 5*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return env.hub.Sessions("document-5") == 0 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		stats, _ := env.rooms.Stats("document-5")
		return stats.Sessions == 0
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"document-5"}, env.rooms.Rooms(), "room state outlives its sessions")
}

func TestHubDropsSlowSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub(nil)
	go hub.Run(ctx)

	slow := &Session{ID: "slow", RoomKey: "document-1", send: make(chan []byte, 1)}
	require.True(t, hub.Register(slow))

	hub.Notify("document-1", []byte{2, 'a'})
	hub.Notify("document-1", []byte{2, 'b'})

	require.Eventually(t, func() bool { return hub.Sessions("document-1") == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []byte{2, 'a'}, <-slow.send)
	_, open := <-slow.send
	assert.False(t, open, "dropped session's send channel is closed")
}

func TestHubShutdownClosesSessions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(nil)
	stopped := make(chan struct{})
	go func() { hub.Run(ctx); close(stopped) }()

	s := &Session{ID: "s", RoomKey: "document-1", send: make(chan []byte, 1)}
	require.True(t, hub.Register(s))
	cancel()
	<-stopped

	_, open := <-s.send
	assert.False(t, open)
	assert.False(t, hub.Register(&Session{RoomKey: "document-1"}), "stopped hub refuses sessions")
	rooms, sessions := hub.Totals()
	assert.Zero(t, rooms)
	assert.Zero(t, sessions)
}
