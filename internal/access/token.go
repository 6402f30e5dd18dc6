package access

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// TokenVerifier resolves an opaque bearer token to a principal id.
// Unknown or inactive tokens yield ErrUnauthenticated.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// StaticVerifier maps fixed tokens to principals.
type StaticVerifier map[string]string

func (v StaticVerifier) Verify(ctx context.Context, token string) (string, error) {
	principal, ok := v[token]
	if !ok || token == "" {
		return "", ErrUnauthenticated
	}
	return principal, nil
}

// RemoteVerifier introspects tokens at the identity provider:
// POST {"token": ...} answered by {"active": bool, "sub": principal}.
type RemoteVerifier struct {
	URL     string
	Timeout time.Duration
	Client  *http.Client
}

type introspection struct {
	Active  bool   `json:"active"`
	Subject string `json:"sub"`
}

func (v *RemoteVerifier) Verify(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrUnauthenticated
	}
	timeout := v.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	client := v.Client
	if client == nil {
		client = http.DefaultClient
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.URL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("introspect token: %w", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", ErrUnauthenticated
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("introspect token: %s", resp.Status)
	}

	var out introspection
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&out); err != nil {
		return "", fmt.Errorf("decode introspection: %w", err)
	}
	if !out.Active || out.Subject == "" {
		return "", ErrUnauthenticated
	}
	return out.Subject, nil
}

// BearerProtocol is the websocket subprotocol marker that may precede a
// token in Sec-WebSocket-Protocol, for browsers that cannot set headers.
const BearerProtocol = "bearer"

// BearerToken extracts the credential from the Authorization header,
// the token query parameter or the Sec-WebSocket-Protocol header, in
// that order.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(h, "Bearer ") {
			return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
		}
		return ""
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	var protocols []string
	for _, h := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(h, ",") {
			protocols = append(protocols, strings.TrimSpace(p))
		}
	}
	for i := 0; i+1 < len(protocols); i++ {
		if protocols[i] == BearerProtocol {
			return protocols[i+1]
		}
	}
	return ""
}
