package access

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// CheckRequest is the body of POST /internal/check-permission.
type CheckRequest struct {
	PrincipalID string `json:"principalId"`
	RoomKey     string `json:"roomKey"`
}

type RemoteConfig struct {
	// URL is the full check-permission endpoint.
	URL string
	// Secret signs requests. Empty sends them unsigned.
	Secret  string
	Timeout time.Duration
	Client  *http.Client
	Logger  *slog.Logger
}

// RemoteChecker asks another service for the decision. Every failure,
// including a timeout or a non-200 answer, is a denial.
type RemoteChecker struct {
	url     string
	secret  string
	timeout time.Duration
	client  *http.Client
	logger  *slog.Logger
	now     func() time.Time
}

func NewRemoteChecker(config RemoteConfig) *RemoteChecker {
	if config.Timeout <= 0 {
		config.Timeout = 3 * time.Second
	}
	client := config.Client
	if client == nil {
		client = &http.Client{}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RemoteChecker{
		url:     config.URL,
		secret:  config.Secret,
		timeout: config.Timeout,
		client:  client,
		logger:  logger.With("component", "access"),
		now:     time.Now,
	}
}

func (c *RemoteChecker) CheckPermission(ctx context.Context, principalID, roomKey string) (Permission, error) {
	perm, err := c.check(ctx, principalID, roomKey)
	if err != nil {
		c.logger.Warn("remote permission check failed, denying", "room", roomKey, "principal", principalID, "error", err)
		record(denied, err)
		return denied, err
	}
	record(perm, nil)
	return perm, nil
}

func (c *RemoteChecker) check(ctx context.Context, principalID, roomKey string) (Permission, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(CheckRequest{PrincipalID: principalID, RoomKey: roomKey})
	if err != nil {
		return denied, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return denied, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		SignRequest(req, c.secret, body, c.now())
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return denied, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return denied, fmt.Errorf("check-permission returned %s", resp.Status)
	}

	var perm Permission
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&perm); err != nil {
		return denied, fmt.Errorf("decode check-permission response: %w", err)
	}
	if !perm.Allow {
		return denied, nil
	}
	return perm, nil
}
