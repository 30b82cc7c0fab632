package model

import (
	"encoding/json"
	"time"
)

// AuditAction names a mutation recorded in the audit log.
type AuditAction string

const (
	AuditCreate  AuditAction = "create"
	AuditUpdate  AuditAction = "update"
	AuditDelete  AuditAction = "delete"
	AuditRestore AuditAction = "restore"
	AuditCorrect AuditAction = "correct"
	AuditMerge   AuditAction = "merge"
)

// Undoable reports whether an entry with this action can be reverted.
func (a AuditAction) Undoable() bool {
	return a == AuditUpdate || a == AuditDelete || a == AuditCorrect
}

// AuditEntry is one append-only audit log row. Old and New hold JSON
// snapshots; for deletes Old is a full Snapshot.
type AuditEntry struct {
	ID         int64           `json:"id"`
	EntityID   string          `json:"entityId"`
	EntityType EntityType      `json:"entityType"`
	Action     AuditAction     `json:"action"`
	Old        json.RawMessage `json:"old,omitempty"`
	New        json.RawMessage `json:"new,omitempty"`
	Actor      Actor           `json:"actor"`
	Reason     string          `json:"reason,omitempty"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// Snapshot is the full state captured before a delete so it can be
// restored: the record itself, where it lived, its owned documents and the
// records whose relationships or links point at it.
type Snapshot struct {
	Record   *Record   `json:"record"`
	Location string    `json:"location,omitempty"`
	Checksum string    `json:"checksum,omitempty"`
	Children []*Record `json:"children,omitempty"`
	Inbound  []string  `json:"inbound,omitempty"`
}
