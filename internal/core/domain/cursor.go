package domain

import "time"

// Cursor is the resumption checkpoint of one indexer: the last committed height.
type Cursor struct {
	Namespace  string
	Identifier string
	Height     uint64
	State      CursorState
	Reason     string
	UpdatedAt  time.Time
}

// UID returns the "namespace.identifier" form used in logs and keys.
func (c *Cursor) UID() string {
	return UID(c.Namespace, c.Identifier)
}

type CursorState string

const (
	CursorStateRunning CursorState = "running"
	CursorStatePaused  CursorState = "paused"
	CursorStateStopped CursorState = "stopped"
)

// UID joins a namespace and identifier.
func UID(namespace, identifier string) string {
	return namespace + "." + identifier
}
