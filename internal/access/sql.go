package access

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// SQLDirectory reads workspace and document membership from the tables
// owned by the CRUD services:
//
//	workspaces(id, is_public)
//	workspace_members(workspace_id, user_id)
//	documents(id, workspace_id, owner_id)
//	document_members(document_id, user_id)
type SQLDirectory struct {
	db       *sql.DB
	postgres bool
}

// NewSQLDirectory wraps an open database. Set postgres for $n
// placeholders.
func NewSQLDirectory(db *sql.DB, postgres bool) *SQLDirectory {
	return &SQLDirectory{db: db, postgres: postgres}
}

// OpenDirectory opens a directory from a DSN: postgres://... or
// sqlite:///path/to.db (a bare path means sqlite).
func OpenDirectory(dsn string) (*SQLDirectory, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("access: empty directory dsn")
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse directory dsn: %w", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("open directory: %w", err)
		}
		return NewSQLDirectory(db, true), nil
	case "", "file", "sqlite", "sqlite3":
		path := dsn
		if parsed.Scheme != "" {
			path = parsed.Host + parsed.Path
		}
		db, err := sql.Open("sqlite", path)
		if err != nil {
			return nil, fmt.Errorf("open directory: %w", err)
		}
		return NewSQLDirectory(db, false), nil
	default:
		return nil, fmt.Errorf("access: unsupported directory scheme %q", parsed.Scheme)
	}
}

var directorySchema = []string{
	`CREATE TABLE IF NOT EXISTS workspaces (
		id TEXT PRIMARY KEY,
		is_public BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS workspace_members (
		workspace_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		PRIMARY KEY (workspace_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		workspace_id TEXT,
		owner_id TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS document_members (
		document_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		PRIMARY KEY (document_id, user_id)
	)`,
}

// EnsureSchema creates the directory tables if they are missing. It is
// meant for development databases; production tables belong to the
// services that write them.
func (d *SQLDirectory) EnsureSchema(ctx context.Context) error {
	for _, stmt := range directorySchema {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create directory schema: %w", err)
		}
	}
	return nil
}

func (d *SQLDirectory) LookupWorkspace(ctx context.Context, workspaceID string) (*Workspace, error) {
	ws := Workspace{ID: workspaceID}
	err := d.db.QueryRowContext(ctx,
		d.rebind("SELECT is_public FROM workspaces WHERE id = ?"), workspaceID).Scan(&ws.Public)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ws, nil
}

func (d *SQLDirectory) IsWorkspaceMember(ctx context.Context, workspaceID, principalID string) (bool, error) {
	return d.exists(ctx,
		"SELECT 1 FROM workspace_members WHERE workspace_id = ? AND user_id = ?",
		workspaceID, principalID)
}

func (d *SQLDirectory) IsDocumentCollaborator(ctx context.Context, documentID, principalID string) (bool, error) {
	owner, err := d.exists(ctx,
		"SELECT 1 FROM documents WHERE id = ? AND owner_id = ?",
		documentID, principalID)
	if err != nil || owner {
		return owner, err
	}
	return d.exists(ctx,
		"SELECT 1 FROM document_members WHERE document_id = ? AND user_id = ?",
		documentID, principalID)
}

func (d *SQLDirectory) Close() error {
	return d.db.Close()
}

func (d *SQLDirectory) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var one int
	err := d.db.QueryRowContext(ctx, d.rebind(query), args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// rebind turns ? placeholders into $1, $2, ... for postgres.
func (d *SQLDirectory) rebind(query string) string {
	if !d.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
