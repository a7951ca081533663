package domain

import "time"

type ServerStatus string

const (
	ServerOnline      ServerStatus = "online"
	ServerOffline     ServerStatus = "offline"
	ServerError       ServerStatus = "error"
	ServerMaintenance ServerStatus = "maintenance"
)

func ParseServerStatus(v string) (ServerStatus, error) {
	switch s := ServerStatus(v); s {
	case ServerOnline, ServerOffline, ServerError, ServerMaintenance:
		return s, nil
	}
	return "", validationf("unknown server status %q", v)
}

// Capacity counters are informational; placement does not read them.
type Capacity struct {
	TotalCPUCores int `json:"total_cpu_cores"`
	UsedCPUCores  int `json:"used_cpu_cores"`
	TotalRAMMB    int `json:"total_ram_mb"`
	UsedRAMMB     int `json:"used_ram_mb"`
	TotalDiskGB   int `json:"total_disk_gb"`
	UsedDiskGB    int `json:"used_disk_gb"`
}

type Server struct {
	ID                string       `json:"id"`
	Name              string       `json:"name"`
	Description       string       `json:"description,omitempty"`
	APIURL            string       `json:"api_url"`
	APITokenEncrypted string       `json:"-"`
	VerifySSL         bool         `json:"verify_ssl"`
	Status            ServerStatus `json:"status"`
	LastSeenAt        *time.Time   `json:"last_seen_at,omitempty"`
	LastError         string       `json:"last_error,omitempty"`
	Capacity          Capacity     `json:"capacity"`
	IsActive          bool         `json:"is_active"`
	AllowVMCreation   bool         `json:"allow_vm_creation"`
	Priority          int          `json:"priority"`
	Datacenter        string       `json:"datacenter,omitempty"`
	Location          string       `json:"location,omitempty"`
	Version           int64        `json:"version"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// IsEligible reports whether new VMs may be placed on s.
func (s Server) IsEligible() bool {
	return s.IsActive && s.AllowVMCreation && s.Status == ServerOnline
}

func (c Capacity) CPUUsagePercent() float64  { return percent(c.UsedCPUCores, c.TotalCPUCores) }
func (c Capacity) RAMUsagePercent() float64  { return percent(c.UsedRAMMB, c.TotalRAMMB) }
func (c Capacity) DiskUsagePercent() float64 { return percent(c.UsedDiskGB, c.TotalDiskGB) }

func percent(used, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(used) / float64(total) * 100
}
