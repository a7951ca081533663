package hypervisor

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"unimanager/internal/domain"
)

type simVM struct {
	node      string
	name      string
	state     string
	resources domain.Resources
	started   time.Time
}

// Simulator is an in-memory hypervisor. Every operation can be made to
// fail or stall, which is how lifecycle failure paths are exercised.
type Simulator struct {
	mu       sync.Mutex
	nodes    []Node
	vms      map[int]*simVM
	nextID   int
	failures map[string]error
	delay    time.Duration
	calls    []string
}

func NewSimulator(nodes ...Node) *Simulator {
	if len(nodes) == 0 {
		nodes = []Node{{Name: "pve1", Status: "online", MaxCPU: 16, MaxMemBytes: 64 << 30, MaxDiskBytes: 1 << 40}}
	}
	return &Simulator{
		nodes:    nodes,
		vms:      make(map[int]*simVM),
		nextID:   100,
		failures: make(map[string]error),
	}
}

// NewHostSimulator sizes a single node after the machine it runs on.
func NewHostSimulator(ctx context.Context) (*Simulator, error) {
	cores, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("reading cpu count: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading memory: %w", err)
	}
	usage, err := disk.UsageWithContext(ctx, os.TempDir())
	if err != nil {
		return nil, fmt.Errorf("reading disk usage: %w", err)
	}
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	load := 0.0
	if err == nil && len(percents) > 0 {
		load = percents[0] / 100
	}

	host, _ := os.Hostname()
	if host == "" {
		host = "local"
	}
	return NewSimulator(Node{
		Name:         host,
		Status:       "online",
		MaxCPU:       cores,
		CPU:          load,
		MaxMemBytes:  int64(vm.Total),
		MemBytes:     int64(vm.Used),
		MaxDiskBytes: int64(usage.Total),
		DiskBytes:    int64(usage.Used),
	}), nil
}

func (s *Simulator) Fail(op string, err error) {
	s.mu.Lock()
	s.failures[op] = err
	s.mu.Unlock()
}

func (s *Simulator) Recover(op string) {
	s.mu.Lock()
	delete(s.failures, op)
	s.mu.Unlock()
}

func (s *Simulator) SetDelay(d time.Duration) {
	s.mu.Lock()
	s.delay = d
	s.mu.Unlock()
}

func (s *Simulator) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// VMState reports the simulated power state of vmid.
func (s *Simulator) VMState(vmid int) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vm, ok := s.vms[vmid]
	if !ok {
		return "", false
	}
	return vm.state, true
}

func (s *Simulator) enter(ctx context.Context, op string) error {
	s.mu.Lock()
	s.calls = append(s.calls, op)
	delay := s.delay
	failure := s.failures[op]
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return failure
}

func (s *Simulator) TestConnection(ctx context.Context) (Version, error) {
	if err := s.enter(ctx, "test"); err != nil {
		return Version{}, err
	}
	return Version{Version: "sim-1.0", Release: "sim"}, nil
}

func (s *Simulator) ListNodes(ctx context.Context) ([]Node, error) {
	if err := s.enter(ctx, "nodes"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Node(nil), s.nodes...), nil
}

func (s *Simulator) NextID(ctx context.Context) (int, error) {
	if err := s.enter(ctx, "nextid"); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if _, taken := s.vms[s.nextID]; !taken {
			return s.nextID, nil
		}
		s.nextID++
	}
}

func (s *Simulator) CreateVM(ctx context.Context, node string, spec VMSpec) error {
	if err := s.enter(ctx, "create"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.vms[spec.VMID]; taken {
		return fmt.Errorf("vmid %d already exists", spec.VMID)
	}
	if !s.hasNode(node) {
		return fmt.Errorf("no such node %q", node)
	}
	s.vms[spec.VMID] = &simVM{node: node, name: spec.Name, state: "stopped", resources: spec.Resources}
	return nil
}

func (s *Simulator) hasNode(name string) bool {
	for _, n := range s.nodes {
		if n.Name == name {
			return true
		}
	}
	return false
}

// transition moves vmid from one of the allowed power states to next.
func (s *Simulator) transition(ctx context.Context, op string, vmid int, next string, from ...string) error {
	if err := s.enter(ctx, op); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	vm, ok := s.vms[vmid]
	if !ok {
		return fmt.Errorf("vm %d does not exist", vmid)
	}
	if len(from) > 0 {
		allowed := false
		for _, f := range from {
			if vm.state == f {
				allowed = true
			}
		}
		if !allowed {
			return fmt.Errorf("vm %d is %s, cannot %s", vmid, vm.state, op)
		}
	}
	if next == "running" && vm.state != "paused" {
		vm.started = time.Now()
	}
	vm.state = next
	return nil
}

func (s *Simulator) StartVM(ctx context.Context, _ string, vmid int) error {
	return s.transition(ctx, "start", vmid, "running", "stopped", "running")
}

func (s *Simulator) StopVM(ctx context.Context, _ string, vmid int) error {
	return s.transition(ctx, "stop", vmid, "stopped")
}

func (s *Simulator) RebootVM(ctx context.Context, _ string, vmid int) error {
	return s.transition(ctx, "reboot", vmid, "running", "running")
}

func (s *Simulator) SuspendVM(ctx context.Context, _ string, vmid int) error {
	return s.transition(ctx, "suspend", vmid, "paused", "running")
}

func (s *Simulator) ResumeVM(ctx context.Context, _ string, vmid int) error {
	return s.transition(ctx, "resume", vmid, "running", "paused")
}

func (s *Simulator) DeleteVM(ctx context.Context, _ string, vmid int) error {
	if err := s.enter(ctx, "delete"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	vm, ok := s.vms[vmid]
	if !ok {
		return fmt.Errorf("vm %d does not exist", vmid)
	}
	if vm.state != "stopped" {
		return fmt.Errorf("vm %d is %s, stop it first", vmid, vm.state)
	}
	delete(s.vms, vmid)
	return nil
}

func (s *Simulator) ResizeVM(ctx context.Context, _ string, vmid int, r domain.Resources) error {
	if err := s.enter(ctx, "resize"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	vm, ok := s.vms[vmid]
	if !ok {
		return fmt.Errorf("vm %d does not exist", vmid)
	}
	if r.DiskGB > 0 && r.DiskGB < vm.resources.DiskGB {
		return fmt.Errorf("disk cannot shrink from %dG to %dG", vm.resources.DiskGB, r.DiskGB)
	}
	vm.resources = r
	return nil
}

func (s *Simulator) GetStatus(ctx context.Context, _ string, vmid int) (Status, error) {
	if err := s.enter(ctx, "status"); err != nil {
		return Status{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	vm, ok := s.vms[vmid]
	if !ok {
		return Status{}, fmt.Errorf("vm %d does not exist", vmid)
	}
	st := Status{State: vm.state, MemBytes: int64(vm.resources.RAMMB) << 20}
	if vm.state == "running" {
		st.Uptime = int64(time.Since(vm.started).Seconds())
	}
	return st, nil
}
