package ws

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Naammmdz/naver-hackathon-2025-sub004/internal/metrics"
	"github.com/Naammmdz/naver-hackathon-2025-sub004/internal/protocol"
	"github.com/Naammmdz/naver-hackathon-2025-sub004/internal/ratelimit"
	"github.com/Naammmdz/naver-hackathon-2025-sub004/internal/room"
)

// State is where a session is in its lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateSynced
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateSynced:
		return "synced"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one client connection to one room.
type Session struct {
	ID          string
	PrincipalID string
	RoomKey     string
	ReadOnly    bool

	hub     *Hub
	handler *Handler
	conn    *websocket.Conn
	room    *room.State
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	state   atomic.Int32

	// send is owned by the hub, which closes it on removal.
	send chan []byte
	// reply carries frames produced by this session's own reader.
	reply chan []byte
	// closeCode, when set, is sent instead of a normal close.
	closeCode  atomic.Int32
	closed     chan struct{}
	closeOnce  sync.Once
	writerDone chan struct{}
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

func (s *Session) readPump() {
	cfg := s.handler.config
	defer func() {
		s.hub.Unregister(s)
		s.close()
		// Let the writer flush its close frame first.
		select {
		case <-s.writerDone:
		case <-time.After(cfg.WriteWait):
		}
		s.conn.Close()
		s.handler.rooms.Detach(s.room)
		s.setState(StateClosed)
		metrics.SessionsLive.Dec()
	}()

	s.conn.SetReadLimit(cfg.MaxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
		return nil
	})

	rateLimitWarnings := 0

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				metrics.ProtocolViolations.WithLabelValues("too_big").Inc()
				s.logger.Warn("inbound message over size limit, closing", "limit", cfg.MaxMessageSize)
			case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure):
				s.logger.Warn("websocket read error", "error", err)
			}
			return
		}

		if !s.limiter.Allow() {
			rateLimitWarnings++
			if rateLimitWarnings%100 == 1 {
				s.logger.Warn("rate limit exceeded", "warnings", rateLimitWarnings)
			}
			if rateLimitWarnings > cfg.MaxRateLimitWarnings {
				s.logger.Warn("disconnecting session for excessive rate limit violations")
				return
			}
			metrics.ProtocolViolations.WithLabelValues("rate_limited").Inc()
			continue
		}

		if !s.handle(message) {
			return
		}
	}
}

// handle processes one inbound frame. It returns false when the session
// must end.
func (s *Session) handle(message []byte) bool {
	frameType, payload, err := protocol.Split(message)
	if err != nil {
		metrics.ProtocolViolations.WithLabelValues("malformed").Inc()
		s.logger.Warn("dropping malformed frame", "error", err)
		return true
	}

	switch frameType {
	case protocol.FrameUpdate:
		if s.ReadOnly {
			metrics.ProtocolViolations.WithLabelValues("read_only").Inc()
			s.logger.Warn("read-only session attempted a write, dropped")
			return true
		}
		if len(payload) == 0 {
			metrics.ProtocolViolations.WithLabelValues("empty_fragment").Inc()
			return true
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.handler.config.WriteWait)
		err := s.handler.rooms.ApplyUpdate(ctx, s.RoomKey, payload, s.PrincipalID)
		cancel()
		if err != nil {
			s.logger.Error("apply update failed", "error", err)
			return true
		}
		s.hub.Broadcast(s, message)

	case protocol.FrameSyncRequest:
		req, err := protocol.DecodeSyncRequest(payload)
		if err != nil {
			metrics.ProtocolViolations.WithLabelValues("malformed").Inc()
			s.logger.Warn("dropping malformed sync request", "error", err)
			return true
		}
		frame, err := s.handler.syncFrame(s.RoomKey, s.room, req.Vector)
		if errors.Is(err, errSyncTooBig) {
			s.logger.Warn("sync payload over size limit, closing", "bytes", len(frame), "limit", s.handler.config.MaxMessageSize)
			s.closeWith(websocket.CloseMessageTooBig)
			return false
		}
		if err != nil {
			s.logger.Warn("sync request failed", "error", err)
			return true
		}
		select {
		case s.reply <- frame:
		case <-s.closed:
			return false
		}

	default:
		metrics.ProtocolViolations.WithLabelValues("unexpected_frame").Inc()
		s.logger.Warn("dropping unexpected frame from client", "frame", frameType.String())
	}
	return true
}

func (s *Session) writePump() {
	cfg := s.handler.config
	ticker := time.NewTicker(cfg.PingPeriod())
	defer func() {
		ticker.Stop()
		s.conn.Close()
		close(s.writerDone)
	}()

	for {
		select {
		case message, ok := <-s.send:
			if !ok {
				s.writeClose(websocket.CloseNormalClosure)
				return
			}
			if !s.write(message) {
				return
			}

		case message := <-s.reply:
			if !s.write(message) {
				return
			}

		case <-s.closed:
			s.writeClose(int(s.closeCode.Load()))
			return

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Session) write(message []byte) bool {
	s.conn.SetWriteDeadline(time.Now().Add(s.handler.config.WriteWait))
	w, err := s.conn.NextWriter(websocket.BinaryMessage)
	if err != nil {
		return false
	}
	w.Write(message)
	return w.Close() == nil
}

func (s *Session) writeClose(code int) {
	if code == 0 {
		code = websocket.CloseNormalClosure
	}
	s.conn.SetWriteDeadline(time.Now().Add(s.handler.config.WriteWait))
	s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""))
}

// closeWith asks the writer to send a close frame with code and stop.
func (s *Session) closeWith(code int) {
	s.closeCode.CompareAndSwap(0, int32(code))
	s.close()
}

func (s *Session) close() {
	s.closeOnce.Do(func() { close(s.closed) })
}
