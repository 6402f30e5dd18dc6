package room

import (
	"errors"
	"strings"
)

// Namespace is the kind of entity a room replicates.
type Namespace string

const (
	NamespaceWorkspace Namespace = "workspace"
	NamespaceDocument  Namespace = "document"
)

var ErrInvalidKey = errors.New("room: invalid room key")

// Key identifies a room: "workspace-{id}" or "document-{id}".
type Key struct {
	Namespace Namespace
	ID        string
}

// ParseKey splits a room key into namespace and entity id. Anything
// other than a known prefix followed by a non-empty id is rejected.
func ParseKey(raw string) (Key, error) {
	for _, ns := range []Namespace{NamespaceWorkspace, NamespaceDocument} {
		prefix := string(ns) + "-"
		if !strings.HasPrefix(raw, prefix) {
			continue
		}
		id := strings.TrimPrefix(raw, prefix)
		if id == "" || strings.TrimSpace(id) != id || strings.ContainsAny(id, "/?#") {
			return Key{}, ErrInvalidKey
		}
		return Key{Namespace: ns, ID: id}, nil
	}
	return Key{}, ErrInvalidKey
}

func (k Key) String() string {
	return string(k.Namespace) + "-" + k.ID
}
