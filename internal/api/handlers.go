package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Naammmdz/naver-hackathon-2025-sub004/internal/access"
	"github.com/Naammmdz/naver-hackathon-2025-sub004/internal/bridge"
	"github.com/Naammmdz/naver-hackathon-2025-sub004/internal/room"
	"github.com/Naammmdz/naver-hackathon-2025-sub004/internal/snapshot"
)

const maxEventBody = 64 << 10

// Rooms is the room manager surface the API exposes.
type Rooms interface {
	Rooms() []string
	Stats(key string) (room.Stats, bool)
	StoreStats(ctx context.Context, key string) (snapshot.Stats, error)
	Flush(ctx context.Context, key string) error
	Purge(ctx context.Context, key string) error
}

// Sessions reports live transport sessions.
type Sessions interface {
	Sessions(roomKey string) int
	Totals() (rooms, sessions int)
}

// Publisher puts metadata events on the bus.
type Publisher interface {
	Publish(ctx context.Context, ev bridge.Event) error
}

type API struct {
	rooms    Rooms
	sessions Sessions
	events   Publisher
	auth     *access.InternalAuth
	logger   *slog.Logger
}

func New(rooms Rooms, sessions Sessions, events Publisher, auth *access.InternalAuth, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		rooms:    rooms,
		sessions: sessions,
		events:   events,
		auth:     auth,
		logger:   logger.With("component", "api"),
	}
}

// Register mounts the API routes on mux. checkPermission serves the
// internal permission endpoint when this process answers for others.
func (a *API) Register(mux *http.ServeMux, checkPermission http.Handler) {
	mux.HandleFunc("/health", a.HealthHandler)
	mux.HandleFunc("/api/stats", a.StatsHandler)
	mux.HandleFunc("/api/rooms", a.RoomsRouter)
	mux.HandleFunc("/api/rooms/", a.RoomsRouter)
	mux.HandleFunc("/internal/events", a.EventsHandler)
	mux.Handle("/metrics", promhttp.Handler())
	if checkPermission != nil {
		mux.Handle("/internal/check-permission", checkPermission)
	}
}

func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func errorResponse(w http.ResponseWriter, status int, code, message string) {
	jsonResponse(w, status, map[string]string{"code": code, "message": message})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		errorResponse(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	rooms, sessions := a.sessions.Totals()
	jsonResponse(w, http.StatusOK, map[string]any{
		"live_rooms":      len(a.rooms.Rooms()),
		"connected_rooms": rooms,
		"sessions":        sessions,
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	})
}

type RoomResponse struct {
	RoomKey  string      `json:"room_key"`
	Live     bool        `json:"live"`
	Sessions int         `json:"sessions"`
	Memory   *room.Stats `json:"memory,omitempty"`
	// Stored is what the snapshot store holds. Omitted when the store
	// could not be reached.
	Stored *snapshot.Stats `json:"stored,omitempty"`
}

// RoomsRouter dispatches:
//
//	GET    /api/rooms               live room keys
//	GET    /api/rooms/{key}         memory and store stats
//	DELETE /api/rooms/{key}         purge memory and durable state
//	POST   /api/rooms/{key}/compact flush pending fragments now
func (a *API) RoomsRouter(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/rooms"), "/")

	if path == "" {
		if r.Method != http.MethodGet {
			errorResponse(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
			return
		}
		keys := a.rooms.Rooms()
		sort.Strings(keys)
		jsonResponse(w, http.StatusOK, map[string]any{"rooms": keys})
		return
	}

	key, action, _ := strings.Cut(path, "/")
	if _, err := room.ParseKey(key); err != nil {
		errorResponse(w, http.StatusBadRequest, "bad_request", "invalid room key")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		a.getRoom(w, r, key)
	case action == "" && r.Method == http.MethodDelete:
		a.purgeRoom(w, r, key)
	case action == "compact" && r.Method == http.MethodPost:
		a.compactRoom(w, r, key)
	case action != "" && action != "compact":
		errorResponse(w, http.StatusNotFound, "not_found", "route not found")
	default:
		errorResponse(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func (a *API) getRoom(w http.ResponseWriter, r *http.Request, key string) {
	resp := RoomResponse{RoomKey: key, Sessions: a.sessions.Sessions(key)}
	if stats, ok := a.rooms.Stats(key); ok {
		resp.Live = true
		resp.Memory = &stats
	}
	stored, err := a.rooms.StoreStats(r.Context(), key)
	if err != nil {
		a.logger.Warn("store stats unavailable", "room", key, "error", err)
	} else {
		resp.Stored = &stored
	}
	jsonResponse(w, http.StatusOK, resp)
}

func (a *API) purgeRoom(w http.ResponseWriter, r *http.Request, key string) {
	if !a.authorize(w, r, requestLine(r)) {
		return
	}
	if err := a.rooms.Purge(r.Context(), key); err != nil {
		a.logger.Error("purge failed", "room", key, "error", err)
		errorResponse(w, http.StatusInternalServerError, "purge_failed", "failed to purge room")
		return
	}
	a.logger.Info("room purged via api", "room", key)
	jsonResponse(w, http.StatusOK, map[string]string{"message": "room purged", "room_key": key})
}

func (a *API) compactRoom(w http.ResponseWriter, r *http.Request, key string) {
	if !a.authorize(w, r, requestLine(r)) {
		return
	}
	if err := a.rooms.Flush(r.Context(), key); err != nil {
		a.logger.Error("compaction failed", "room", key, "error", err)
		errorResponse(w, http.StatusBadGateway, "compaction_failed", "snapshot could not be saved")
		return
	}
	jsonResponse(w, http.StatusOK, map[string]string{"message": "room compacted", "room_key": key})
}

// EventsHandler accepts signed metadata events from CRUD services and
// publishes them on the bus.
func (a *API) EventsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		errorResponse(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody+1))
	if err != nil || len(body) > maxEventBody {
		errorResponse(w, http.StatusRequestEntityTooLarge, "too_large", "event body too large")
		return
	}
	if !a.authorize(w, r, body) {
		return
	}
	ev, err := bridge.ParseEvent(body)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid_event", err.Error())
		return
	}
	if err := a.events.Publish(r.Context(), ev); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, bridge.ErrInvalidEvent) || errors.Is(err, bridge.ErrPayloadTooLarge) {
			status = http.StatusBadRequest
		}
		a.logger.Warn("publish failed", "room", ev.RoomKey, "event_type", ev.EventType, "error", err)
		errorResponse(w, status, "publish_failed", err.Error())
		return
	}
	jsonResponse(w, http.StatusAccepted, map[string]string{"status": "published"})
}

// requestLine is what bodiless admin routes sign in place of a body.
func requestLine(r *http.Request) []byte {
	return []byte(r.Method + " " + r.URL.Path)
}

// authorize verifies the internal signature over body.
func (a *API) authorize(w http.ResponseWriter, r *http.Request, body []byte) bool {
	if a.auth == nil {
		errorResponse(w, http.StatusForbidden, "forbidden", "internal auth not configured")
		return false
	}
	if authErr := a.auth.Verify(r, body); authErr != nil {
		errorResponse(w, authErr.Status, authErr.Code, authErr.Message)
		return false
	}
	return true
}

// CORS allows browser clients on other origins to reach the API.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+access.HeaderTimestamp+", "+access.HeaderSignature)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
