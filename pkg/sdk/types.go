package sdk

import "time"

type Health struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type AuditEntry struct {
	ID        uint64         `json:"id"`
	Action    string         `json:"action"`
	ActorID   string         `json:"actor_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	VMID      string         `json:"vm_id,omitempty"`
	ServerID  string         `json:"server_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// JobReport is the decoded body of a job trigger. Its keys depend on the
// job: billing reports checked/billed/failed/amount, sweep reports
// users_affected/vms_stopped, health reports checked/online/failed.
type JobReport map[string]any
