package access

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Headers carried by service-to-service requests.
const (
	HeaderTimestamp = "X-Collab-Timestamp"
	HeaderSignature = "X-Collab-Signature"
)

const DefaultMaxSkew = 5 * time.Minute

// AuthError is an authentication failure with the HTTP status and
// machine-readable code to report it with.
type AuthError struct {
	Status  int
	Code    string
	Message string
}

func (e *AuthError) Error() string {
	return e.Message
}

func unauthorized(message string) *AuthError {
	return &AuthError{Status: http.StatusUnauthorized, Code: "unauthorized", Message: message}
}

// Sign returns the hex HMAC-SHA256 of timestamp and body.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignRequest sets the timestamp and signature headers on req for body.
func SignRequest(req *http.Request, secret string, body []byte, now time.Time) {
	ts := now.UTC().Format(time.RFC3339)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, Sign(secret, ts, body))
}

// VerifyInternal checks a signed internal request. The timestamp must be
// within maxSkew of now.
func VerifyInternal(secret, timestamp, signature string, body []byte, now time.Time, maxSkew time.Duration) *AuthError {
	if secret == "" {
		return unauthorized("internal auth not configured")
	}
	if timestamp == "" || signature == "" {
		return unauthorized("missing internal auth headers")
	}
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return unauthorized("invalid internal timestamp")
	}
	delta := now.Sub(ts)
	if delta < 0 {
		delta = -delta
	}
	if delta > maxSkew {
		return unauthorized("internal request outside replay window")
	}
	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(Sign(secret, timestamp, body))) {
		return unauthorized("internal signature mismatch")
	}
	return nil
}

// ReplayGuard remembers accepted (timestamp, signature) pairs for one
// skew window so a captured request cannot be replayed.
type ReplayGuard struct {
	window time.Duration
	mu     sync.Mutex
	seen   map[string]time.Time
}

func NewReplayGuard(window time.Duration) *ReplayGuard {
	if window <= 0 {
		window = DefaultMaxSkew
	}
	return &ReplayGuard{window: window, seen: make(map[string]time.Time)}
}

// Mark records the pair and reports whether it was new.
func (g *ReplayGuard) Mark(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
	if key == "|" {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for k, expiresAt := range g.seen {
		if !now.Before(expiresAt) {
			delete(g.seen, k)
		}
	}
	if expiresAt, ok := g.seen[key]; ok && now.Before(expiresAt) {
		return false
	}
	g.seen[key] = now.Add(g.window)
	return true
}

// InternalAuth verifies signed requests and rejects replays.
type InternalAuth struct {
	Secret  string
	MaxSkew time.Duration
	guard   *ReplayGuard
	now     func() time.Time
}

func NewInternalAuth(secret string, maxSkew time.Duration) *InternalAuth {
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}
	return &InternalAuth{
		Secret:  secret,
		MaxSkew: maxSkew,
		guard:   NewReplayGuard(maxSkew),
		now:     time.Now,
	}
}

// Verify authenticates r whose body has already been read into body.
func (a *InternalAuth) Verify(r *http.Request, body []byte) *AuthError {
	now := a.now().UTC()
	ts, sig := r.Header.Get(HeaderTimestamp), r.Header.Get(HeaderSignature)
	if authErr := VerifyInternal(a.Secret, ts, sig, body, now, a.MaxSkew); authErr != nil {
		return authErr
	}
	if !a.guard.Mark(ts, sig, now) {
		return unauthorized("internal request replay detected")
	}
	return nil
}
