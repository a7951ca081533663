// Package hypervisor is the control-plane contract the engine drives VMs
// through, with a Proxmox VE driver and an in-process simulator.
package hypervisor

import (
	"context"
	"time"

	"unimanager/internal/domain"
)

type Node struct {
	Name         string  `json:"node"`
	Status       string  `json:"status"`
	MaxCPU       int     `json:"maxcpu"`
	CPU          float64 `json:"cpu"`
	MaxMemBytes  int64   `json:"maxmem"`
	MemBytes     int64   `json:"mem"`
	MaxDiskBytes int64   `json:"maxdisk"`
	DiskBytes    int64   `json:"disk"`
}

func (n Node) Online() bool { return n.Status == "online" }

type VMSpec struct {
	VMID       int
	Name       string
	Resources  domain.Resources
	TemplateID int
}

type Status struct {
	State    string  `json:"status"`
	Uptime   int64   `json:"uptime"`
	CPU      float64 `json:"cpu"`
	MemBytes int64   `json:"mem"`
}

type Version struct {
	Version string `json:"version"`
	Release string `json:"release"`
}

type Client interface {
	TestConnection(ctx context.Context) (Version, error)
	ListNodes(ctx context.Context) ([]Node, error)
	NextID(ctx context.Context) (int, error)
	CreateVM(ctx context.Context, node string, spec VMSpec) error
	StartVM(ctx context.Context, node string, vmid int) error
	StopVM(ctx context.Context, node string, vmid int) error
	RebootVM(ctx context.Context, node string, vmid int) error
	SuspendVM(ctx context.Context, node string, vmid int) error
	ResumeVM(ctx context.Context, node string, vmid int) error
	DeleteVM(ctx context.Context, node string, vmid int) error
	ResizeVM(ctx context.Context, node string, vmid int, r domain.Resources) error
	GetStatus(ctx context.Context, node string, vmid int) (Status, error)
}

// Capacity sums node counters into server capacity figures.
func Capacity(nodes []Node) domain.Capacity {
	const mb = 1 << 20
	const gb = 1 << 30
	var c domain.Capacity
	for _, n := range nodes {
		c.TotalCPUCores += n.MaxCPU
		c.UsedCPUCores += int(n.CPU*float64(n.MaxCPU) + 0.5)
		c.TotalRAMMB += int(n.MaxMemBytes / mb)
		c.UsedRAMMB += int(n.MemBytes / mb)
		c.TotalDiskGB += int(n.MaxDiskBytes / gb)
		c.UsedDiskGB += int(n.DiskBytes / gb)
	}
	return c
}

type Timeouts struct {
	Call time.Duration
	Test time.Duration
}
