// Package access decides whether a principal may join a room and
// whether the session is read-only.
//
// The decision is keyed by the room key namespace:
//
//	workspace-{id}: members read-write, everyone read-only if public
//	document-{id}:  owner or direct collaborator read-write
//
// Anything else is denied. Checks run once per session at handshake.
package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Naammmdz/naver-hackathon-2025-sub004/internal/metrics"
	"github.com/Naammmdz/naver-hackathon-2025-sub004/internal/room"
)

var (
	ErrDenied          = errors.New("access: denied")
	ErrUnauthenticated = errors.New("access: unauthenticated")
)

// Permission is the outcome of a check. The zero value denies.
type Permission struct {
	Allow    bool `json:"allow"`
	ReadOnly bool `json:"readOnly"`
}

var (
	denied    = Permission{}
	readWrite = Permission{Allow: true}
	readOnly  = Permission{Allow: true, ReadOnly: true}
)

// Checker resolves a principal's permission on a room. An error must be
// treated as a denial by callers.
type Checker interface {
	CheckPermission(ctx context.Context, principalID, roomKey string) (Permission, error)
}

// Workspace is the part of a workspace record the gate needs.
type Workspace struct {
	ID     string
	Public bool
}

// Directory answers membership questions about workspaces and documents.
type Directory interface {
	// LookupWorkspace returns nil when the workspace does not exist.
	LookupWorkspace(ctx context.Context, workspaceID string) (*Workspace, error)
	IsWorkspaceMember(ctx context.Context, workspaceID, principalID string) (bool, error)
	// IsDocumentCollaborator reports a direct association: owner or
	// explicitly shared user.
	IsDocumentCollaborator(ctx context.Context, documentID, principalID string) (bool, error)
}

type GateConfig struct {
	// Timeout bounds one check. Running out of time denies.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Gate is the in-process Checker backed by a Directory.
type Gate struct {
	dir     Directory
	timeout time.Duration
	logger  *slog.Logger
}

func NewGate(dir Directory, config GateConfig) *Gate {
	if config.Timeout <= 0 {
		config.Timeout = 3 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{dir: dir, timeout: config.Timeout, logger: logger.With("component", "access")}
}

func (g *Gate) CheckPermission(ctx context.Context, principalID, roomKey string) (Permission, error) {
	key, err := room.ParseKey(roomKey)
	if err != nil || principalID == "" {
		record(denied, nil)
		return denied, nil
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var perm Permission
	switch key.Namespace {
	case room.NamespaceWorkspace:
		perm, err = g.checkWorkspace(ctx, key.ID, principalID)
	case room.NamespaceDocument:
		perm, err = g.checkDocument(ctx, key.ID, principalID)
	}
	if err != nil {
		g.logger.Warn("permission check failed, denying", "room", roomKey, "principal", principalID, "error", err)
		record(denied, err)
		return denied, err
	}
	record(perm, nil)
	return perm, nil
}

func (g *Gate) checkWorkspace(ctx context.Context, id, principalID string) (Permission, error) {
	ws, err := g.dir.LookupWorkspace(ctx, id)
	if err != nil {
		return denied, fmt.Errorf("lookup workspace %s: %w", id, err)
	}
	if ws == nil {
		return denied, nil
	}
	member, err := g.dir.IsWorkspaceMember(ctx, id, principalID)
	if err != nil {
		return denied, fmt.Errorf("workspace %s membership: %w", id, err)
	}
	switch {
	case member:
		return readWrite, nil
	case ws.Public:
		return readOnly, nil
	default:
		return denied, nil
	}
}

func (g *Gate) checkDocument(ctx context.Context, id, principalID string) (Permission, error) {
	ok, err := g.dir.IsDocumentCollaborator(ctx, id, principalID)
	if err != nil {
		return denied, fmt.Errorf("document %s association: %w", id, err)
	}
	if ok {
		return readWrite, nil
	}
	return denied, nil
}

func record(p Permission, err error) {
	outcome := "deny"
	switch {
	case err != nil:
		outcome = "error"
	case p.Allow && p.ReadOnly:
		outcome = "read_only"
	case p.Allow:
		outcome = "read_write"
	}
	metrics.AccessDecisions.WithLabelValues(outcome).Inc()
}
