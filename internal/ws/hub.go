package ws

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Naammmdz/naver-hackathon-2025-sub004/internal/metrics"
)

// Hub tracks the synced sessions of every room and fans frames out to
// them. All membership changes and deliveries go through one loop, so
// frames from a single sender reach siblings in the order sent.
type Hub struct {
	// Synced sessions by room key
	rooms map[string]map[*Session]struct{}

	// Update frames relayed from a session to its siblings
	broadcast chan *Message

	// Notifications pushed to every session of a room
	notify chan *Message

	register   chan *Session
	unregister chan *Session
	done       chan struct{}

	mu     sync.RWMutex
	logger *slog.Logger
}

// Message is a frame addressed to a room. A nil Sender reaches every
// session in the room.
type Message struct {
	RoomKey string
	Data    []byte
	Sender  *Session
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		rooms:      make(map[string]map[*Session]struct{}),
		broadcast:  make(chan *Message, 256),
		notify:     make(chan *Message, 256),
		register:   make(chan *Session),
		unregister: make(chan *Session),
		done:       make(chan struct{}),
		logger:     logger.With("component", "hub"),
	}
}

// Run processes hub traffic until ctx ends, then closes every session's
// send channel so their writers shut the connections down.
func (h *Hub) Run(ctx context.Context) {
	defer h.shutdown()
	for {
		select {
		case <-ctx.Done():
			return

		case s := <-h.register:
			h.mu.Lock()
			if _, ok := h.rooms[s.RoomKey]; !ok {
				h.rooms[s.RoomKey] = make(map[*Session]struct{})
			}
			h.rooms[s.RoomKey][s] = struct{}{}
			count := len(h.rooms[s.RoomKey])
			h.mu.Unlock()

			h.logger.Info("session joined room", "room", s.RoomKey, "session", s.ID, "principal", s.PrincipalID, "sessions", count)

		case s := <-h.unregister:
			h.mu.Lock()
			if sessions, ok := h.rooms[s.RoomKey]; ok {
				if _, ok := sessions[s]; ok {
					h.remove(sessions, s)
					h.logger.Info("session left room", "room", s.RoomKey, "session", s.ID, "remaining", len(sessions))
				}
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.deliver(msg)

		case msg := <-h.notify:
			delivered := h.deliver(msg)
			metrics.NotificationsDelivered.Add(float64(delivered))
		}
	}
}

// deliver queues msg on every recipient without blocking. A session
// whose buffer is full is dropped so it cannot stall the room.
func (h *Hub) deliver(msg *Message) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	sessions, ok := h.rooms[msg.RoomKey]
	if !ok {
		return 0
	}
	delivered := 0
	for s := range sessions {
		if s == msg.Sender {
			continue
		}
		select {
		case s.send <- msg.Data:
			delivered++
		default:
			h.logger.Warn("dropping slow session", "room", s.RoomKey, "session", s.ID)
			h.remove(sessions, s)
		}
	}
	return delivered
}

// remove must be called with h.mu held.
func (h *Hub) remove(sessions map[*Session]struct{}, s *Session) {
	delete(sessions, s)
	close(s.send)
	if len(sessions) == 0 {
		delete(h.rooms, s.RoomKey)
	}
}

func (h *Hub) shutdown() {
	close(h.done)
	h.mu.Lock()
	defer h.mu.Unlock()
	for key, sessions := range h.rooms {
		for s := range sessions {
			close(s.send)
		}
		delete(h.rooms, key)
	}
}

// Register adds s to its room. Once it returns, every frame the hub
// handles afterwards includes s. It reports false if the hub stopped.
func (h *Hub) Register(s *Session) bool {
	select {
	case h.register <- s:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(s *Session) {
	select {
	case h.unregister <- s:
	case <-h.done:
	}
}

// Broadcast relays an update frame from sender to its siblings.
func (h *Hub) Broadcast(sender *Session, frame []byte) {
	h.enqueue(h.broadcast, &Message{RoomKey: sender.RoomKey, Data: frame, Sender: sender})
}

// Notify pushes a frame to every session of a room.
func (h *Hub) Notify(roomKey string, frame []byte) {
	h.enqueue(h.notify, &Message{RoomKey: roomKey, Data: frame})
}

func (h *Hub) enqueue(ch chan *Message, msg *Message) {
	select {
	case ch <- msg:
	case <-h.done:
	}
}

// Sessions returns the number of synced sessions in a room.
func (h *Hub) Sessions(roomKey string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomKey])
}

// Totals returns the number of rooms with sessions and of sessions.
func (h *Hub) Totals() (rooms, sessions int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.rooms {
		sessions += len(s)
	}
	return len(h.rooms), sessions
}
