// Package ws terminates client websocket connections: it runs the
// authentication handshake, sends the initial sync payload and relays
// frames between sessions of the same room.
package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Naammmdz/naver-hackathon-2025-sub004/internal/access"
	"github.com/Naammmdz/naver-hackathon-2025-sub004/internal/metrics"
	"github.com/Naammmdz/naver-hackathon-2025-sub004/internal/protocol"
	"github.com/Naammmdz/naver-hackathon-2025-sub004/internal/ratelimit"
	"github.com/Naammmdz/naver-hackathon-2025-sub004/internal/room"
)

type Config struct {
	// MaxMessageSize bounds inbound frames and outbound sync payloads.
	MaxMessageSize int64
	// SendBuffer is the number of frames queued per session before the
	// session is considered too slow and dropped.
	SendBuffer int
	WriteWait  time.Duration
	PongWait   time.Duration
	// HandshakeTimeout bounds token verification plus the permission
	// check.
	HandshakeTimeout time.Duration
	// SyncTimeout bounds hydration and building the sync payload.
	SyncTimeout time.Duration
	// MaxRateLimitWarnings disconnects a session that keeps exceeding
	// its rate limit.
	MaxRateLimitWarnings int
	// AllowedOrigins restricts browser origins. Empty allows all.
	AllowedOrigins []string

	Logger *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		MaxMessageSize:       16 << 20,
		SendBuffer:           512,
		WriteWait:            10 * time.Second,
		PongWait:             60 * time.Second,
		HandshakeTimeout:     5 * time.Second,
		SyncTimeout:          10 * time.Second,
		MaxRateLimitWarnings: 1000,
	}
}

func (c Config) PingPeriod() time.Duration {
	return (c.PongWait * 9) / 10
}

var errSyncTooBig = errors.New("ws: sync payload exceeds max message size")

// Rooms is the part of the room manager sessions use.
type Rooms interface {
	Attach(ctx context.Context, key string) (*room.State, error)
	Detach(st *room.State)
	ApplyUpdate(ctx context.Context, key string, fragment []byte, principalID string) error
	ListUpdatesSince(ctx context.Context, key string, vector []byte) ([][]byte, error)
}

// Handler upgrades authenticated requests to sessions.
type Handler struct {
	hub      *Hub
	rooms    Rooms
	verifier access.TokenVerifier
	checker  access.Checker
	limits   *ratelimit.Registry
	config   Config
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewHandler(hub *Hub, rooms Rooms, verifier access.TokenVerifier, checker access.Checker, limits *ratelimit.Registry, config Config) *Handler {
	defaults := DefaultConfig()
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = defaults.MaxMessageSize
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = defaults.SendBuffer
	}
	if config.WriteWait <= 0 {
		config.WriteWait = defaults.WriteWait
	}
	if config.PongWait <= 0 {
		config.PongWait = defaults.PongWait
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if config.SyncTimeout <= 0 {
		config.SyncTimeout = defaults.SyncTimeout
	}
	if config.MaxRateLimitWarnings <= 0 {
		config.MaxRateLimitWarnings = defaults.MaxRateLimitWarnings
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		hub:      hub,
		rooms:    rooms,
		verifier: verifier,
		checker:  checker,
		limits:   limits,
		config:   config,
		logger:   logger.With("component", "ws"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  64 << 10,
		WriteBufferSize: 64 << 10,
		Subprotocols:    []string{access.BearerProtocol},
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.config.AllowedOrigins {
		if allowed == origin {
			return true
		}
	}
	return false
}

// ServeHTTP runs the handshake: Connecting, then Authenticating, then
// either a plain HTTP rejection or an upgraded, Synced session.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s := &Session{ID: uuid.NewString(), hub: h.hub, handler: h}
	s.setState(StateConnecting)

	s.RoomKey = r.URL.Query().Get("room")
	if _, err := room.ParseKey(s.RoomKey); err != nil {
		s.setState(StateClosed)
		http.Error(w, "invalid room key", http.StatusBadRequest)
		return
	}
	token := access.BearerToken(r)
	logger := h.logger.With("room", s.RoomKey, "session", s.ID)

	s.setState(StateAuthenticating)
	ctx, cancel := context.WithTimeout(r.Context(), h.config.HandshakeTimeout)
	principal, err := h.verifier.Verify(ctx, token)
	if err != nil {
		cancel()
		s.setState(StateClosed)
		logger.Info("handshake rejected: unauthenticated", "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	perm, err := h.checker.CheckPermission(ctx, principal, s.RoomKey)
	cancel()
	if err != nil || !perm.Allow {
		s.setState(StateClosed)
		logger.Info("handshake rejected: access denied", "principal", principal, "error", err)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	s.PrincipalID = principal
	s.ReadOnly = perm.ReadOnly
	s.logger = logger.With("principal", principal, "read_only", perm.ReadOnly)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.setState(StateClosed)
		s.logger.Warn("upgrade failed", "error", err)
		return
	}
	s.conn = conn
	if !h.start(r.Context(), s) {
		s.setState(StateClosed)
		conn.Close()
	}
}

// start attaches the session to its room, sends the initial sync frame
// and launches the pumps. It reports false if the session could not be
// started; the connection is then the caller's to close.
func (h *Handler) start(ctx context.Context, s *Session) bool {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.config.SyncTimeout)
	defer cancel()

	st, err := h.rooms.Attach(ctx, s.RoomKey)
	if err != nil {
		s.logger.Error("attach failed", "error", err)
		return false
	}
	s.room = st
	s.send = make(chan []byte, h.config.SendBuffer)
	s.reply = make(chan []byte, 4)
	s.closed = make(chan struct{})
	s.writerDone = make(chan struct{})
	s.limiter = h.limits.Get(s.PrincipalID)

	// Registering first means any fragment applied after the sync
	// payload is built still reaches this session. Fragments applied in
	// between arrive twice, which merging tolerates.
	if !h.hub.Register(s) {
		h.rooms.Detach(st)
		return false
	}

	frame, err := h.syncFrame(s.RoomKey, st, nil)
	if err != nil {
		code := websocket.CloseInternalServerErr
		if errors.Is(err, errSyncTooBig) {
			code = websocket.CloseMessageTooBig
			metrics.ProtocolViolations.WithLabelValues("sync_too_big").Inc()
		}
		s.logger.Error("initial sync failed", "error", err, "bytes", len(frame))
		s.conn.SetWriteDeadline(time.Now().Add(h.config.WriteWait))
		s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""))
		h.hub.Unregister(s)
		h.rooms.Detach(st)
		return false
	}
	s.conn.SetWriteDeadline(time.Now().Add(h.config.WriteWait))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		s.logger.Warn("initial sync write failed", "error", err)
		h.hub.Unregister(s)
		h.rooms.Detach(st)
		return false
	}

	s.setState(StateSynced)
	metrics.SessionsLive.Inc()
	s.logger.Info("session synced", "sync_bytes", len(frame))

	go s.writePump()
	go s.readPump()
	return true
}

// syncFrame builds a FrameSync bringing a replica at vector up to date.
// A frame over the size limit is returned with errSyncTooBig rather
// than truncated.
func (h *Handler) syncFrame(key string, st *room.State, vector []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), h.config.SyncTimeout)
	defer cancel()

	snap := st.Snapshot()
	updates, err := h.rooms.ListUpdatesSince(ctx, key, vector)
	if err != nil {
		return nil, err
	}
	frame, err := protocol.EncodeSync(protocol.SyncPayload{Vector: snap.Vector, Updates: updates})
	if err != nil {
		return nil, err
	}
	if int64(len(frame)) > h.config.MaxMessageSize {
		return frame, errSyncTooBig
	}
	return frame, nil
}
