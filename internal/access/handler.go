package access

import (
	"encoding/json"
	"io"
	"net/http"
)

const maxCheckBody = 64 << 10

// Handler serves POST /internal/check-permission for other services,
// answering from a local Checker. Requests must be HMAC-signed.
type Handler struct {
	Checker Checker
	Auth    *InternalAuth
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCheckBody+1))
	if err != nil || len(body) > maxCheckBody {
		writeError(w, http.StatusBadRequest, "bad_request", "unreadable body")
		return
	}
	if authErr := h.Auth.Verify(r, body); authErr != nil {
		writeError(w, authErr.Status, authErr.Code, authErr.Message)
		return
	}

	var req CheckRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	perm, err := h.Checker.CheckPermission(r.Context(), req.PrincipalID, req.RoomKey)
	if err != nil {
		// The decision is already a denial; report it as one.
		perm = denied
	}
	writeJSON(w, http.StatusOK, perm)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}
