package domain

import "time"

// AuditLog is a persisted audit record.
type AuditLog struct {
	ID        uint64         `json:"id"`
	Action    string         `json:"action"`
	ActorID   string         `json:"actor_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	VMID      string         `json:"vm_id,omitempty"`
	ServerID  string         `json:"server_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
