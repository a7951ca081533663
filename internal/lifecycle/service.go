// Package lifecycle drives VMs through their state machine, pairing every
// hypervisor call with the committed state change it implies.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"unimanager/internal/audit"
	"unimanager/internal/clock"
	"unimanager/internal/domain"
	"unimanager/internal/hypervisor"
	"unimanager/internal/keylock"
)

var vmNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9.-]{0,62}$`)

type Connector interface {
	Connect(ctx context.Context, srv domain.Server) (hypervisor.Client, error)
}

type ServerSelector interface {
	SelectServer(ctx context.Context) (domain.Server, error)
}

type Service struct {
	store     domain.LedgerStore
	placement ServerSelector
	hv        Connector
	clock     clock.Clock
	audit     audit.Recorder
	ops       *keylock.Locks
	logger    *zap.Logger
}

func NewService(store domain.LedgerStore, placement ServerSelector, hv Connector, clk clock.Clock, rec audit.Recorder, logger *zap.Logger) *Service {
	return &Service{
		store:     store,
		placement: placement,
		hv:        hv,
		clock:     clk,
		audit:     rec,
		ops:       keylock.New(),
		logger:    logger.Named("lifecycle"),
	}
}

// acquire takes the per-VM operation lock. Only one hypervisor operation
// may be in flight for a VM; a second caller is refused, not queued.
func (s *Service) acquire(vmID string) (func(), error) {
	unlock, ok := s.ops.TryLock(vmID)
	if !ok {
		return nil, fmt.Errorf("%w: vm %s has an operation in progress", domain.ErrConcurrencyConflict, vmID)
	}
	return unlock, nil
}

// load returns the VM and enforces that actorID may act on it. An empty
// actor is the system itself. VMs of other users are reported as missing.
func (s *Service) load(ctx context.Context, actorID, vmID string) (domain.VM, error) {
	vm, err := s.store.GetVM(ctx, vmID)
	if err != nil {
		return domain.VM{}, err
	}
	if actorID == "" || actorID == vm.UserID {
		return vm, nil
	}
	actor, err := s.store.GetUser(ctx, actorID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.VM{}, fmt.Errorf("%w: unknown actor %s", domain.ErrAuthorization, actorID)
		}
		return domain.VM{}, err
	}
	if actor.Role == domain.RoleUser {
		return domain.VM{}, fmt.Errorf("%w: vm %s", domain.ErrNotFound, vmID)
	}
	return vm, nil
}

func (s *Service) client(ctx context.Context, serverID string) (hypervisor.Client, error) {
	srv, err := s.store.GetServer(ctx, serverID)
	if err != nil {
		return nil, fmt.Errorf("loading server %s: %w", serverID, err)
	}
	return s.hv.Connect(ctx, srv)
}

type CreateRequest struct {
	UserID     string
	TemplateID string
	Name       string
	Hostname   string
	Resources  domain.Resources
	Notes      string
}

// Create records a new VM in CREATING on the server chosen by placement.
// Guards run in order: account, template, resources, funds, capacity. A
// failed guard writes nothing.
func (s *Service) Create(ctx context.Context, req CreateRequest) (domain.VM, error) {
	name := strings.TrimSpace(req.Name)
	if !vmNamePattern.MatchString(name) {
		return domain.VM{}, fmt.Errorf("%w: invalid vm name %q", domain.ErrValidation, req.Name)
	}
	hostname := strings.TrimSpace(req.Hostname)
	if hostname == "" {
		hostname = name
	}

	now := s.clock.Now()
	user, err := s.store.GetUser(ctx, req.UserID)
	if err != nil {
		return domain.VM{}, err
	}
	if !user.CanOperate(now) {
		return domain.VM{}, fmt.Errorf("%w: account %s is %s", domain.ErrAuthorization, user.ID, user.Status)
	}

	tmpl, err := s.store.GetTemplate(ctx, req.TemplateID)
	if err != nil {
		return domain.VM{}, err
	}
	if !tmpl.IsActive {
		return domain.VM{}, fmt.Errorf("%w: template %s is not active", domain.ErrValidation, tmpl.ID)
	}
	resources := tmpl.Resolve(req.Resources)
	if err := tmpl.CheckResources(resources); err != nil {
		return domain.VM{}, err
	}
	if err := coversOneHour(user, tmpl); err != nil {
		return domain.VM{}, err
	}

	srv, err := s.placement.SelectServer(ctx)
	if err != nil {
		return domain.VM{}, err
	}

	var created domain.VM
	err = s.store.Atomic(ctx, []string{domain.UserKey(user.ID)}, func(tx domain.Tx) error {
		cur, err := tx.GetUser(user.ID)
		if err != nil {
			return err
		}
		if !cur.CanOperate(now) {
			return fmt.Errorf("%w: account %s is %s", domain.ErrAuthorization, cur.ID, cur.Status)
		}
		if err := coversOneHour(cur, tmpl); err != nil {
			return err
		}
		created, err = tx.InsertVM(domain.VM{
			ID:         uuid.NewString(),
			UserID:     cur.ID,
			TemplateID: tmpl.ID,
			ServerID:   srv.ID,
			Name:       name,
			Hostname:   hostname,
			Resources:  resources,
			State:      domain.StateCreating,
			Notes:      req.Notes,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
		return err
	})
	if err != nil {
		return domain.VM{}, err
	}

	s.logger.Info("vm created", zap.String("vm_id", created.ID), zap.String("user_id", user.ID), zap.String("server_id", srv.ID))
	s.audit.Record(audit.Event{
		Action:   audit.ActionVMCreated,
		ActorID:  user.ID,
		UserID:   user.ID,
		VMID:     created.ID,
		ServerID: srv.ID,
		Details:  map[string]any{"template_id": tmpl.ID, "name": created.Name},
		At:       now,
	})
	return created, nil
}

// coversOneHour requires a positive balance of at least one hour of the
// template, so a free template still needs credit.
func coversOneHour(user domain.User, tmpl domain.VMTemplate) error {
	if !user.HasFunds() || user.Balance.LessThan(tmpl.CostPerHour) {
		return fmt.Errorf("%w: required %s, available %s", domain.ErrInsufficientBalance, tmpl.CostPerHour.StringFixed(2), user.Balance.StringFixed(2))
	}
	return nil
}

// Provision builds a CREATING VM on its server and boots it. Success moves
// it to RUNNING and starts billing; any failure moves it to ERROR with the
// cause recorded.
func (s *Service) Provision(ctx context.Context, vmID string) (domain.VM, error) {
	unlock, err := s.acquire(vmID)
	if err != nil {
		return domain.VM{}, err
	}
	defer unlock()

	vm, err := s.store.GetVM(ctx, vmID)
	if err != nil {
		return domain.VM{}, err
	}
	if vm.State != domain.StateCreating {
		return domain.VM{}, fmt.Errorf("%w: vm %s is %s, not creating", domain.ErrIllegalTransition, vm.ID, vm.State)
	}
	tmpl, err := s.store.GetTemplate(ctx, vm.TemplateID)
	if err != nil {
		return domain.VM{}, err
	}

	vmid, node, buildErr := s.build(ctx, vm, tmpl)
	now := s.clock.Now()

	var out domain.VM
	commitErr := s.store.Atomic(ctx, []string{domain.VMKey(vm.ID)}, func(tx domain.Tx) error {
		cur, err := tx.GetVM(vm.ID)
		if err != nil {
			return err
		}
		if vmid != 0 {
			cur.HypervisorID = vmid
			cur.NodeName = node
		}
		to := domain.StateRunning
		if buildErr != nil {
			to = domain.StateError
		}
		next, err := domain.Transition(cur, to, now)
		if err != nil {
			return err
		}
		if buildErr != nil {
			next.LastError = buildErr.Error()
		}
		out, err = tx.SaveVM(next)
		return err
	})
	if commitErr != nil {
		return domain.VM{}, errors.Join(buildErr, fmt.Errorf("recording provisioning outcome: %w", commitErr))
	}

	if buildErr != nil {
		s.logger.Error("provisioning failed", zap.String("vm_id", vm.ID), zap.String("server_id", vm.ServerID), zap.Error(buildErr))
		s.audit.Record(audit.Event{
			Action:   audit.ActionVMProvisionFailed,
			UserID:   vm.UserID,
			VMID:     vm.ID,
			ServerID: vm.ServerID,
			Details:  map[string]any{"error": buildErr.Error()},
			At:       now,
		})
		return out, buildErr
	}

	s.logger.Info("vm provisioned", zap.String("vm_id", vm.ID), zap.Int("hypervisor_id", vmid), zap.String("node", node))
	s.audit.Record(audit.Event{
		Action:   audit.ActionVMProvisioned,
		UserID:   vm.UserID,
		VMID:     vm.ID,
		ServerID: vm.ServerID,
		Details:  map[string]any{"hypervisor_id": vmid, "node": node},
		At:       now,
	})
	return out, nil
}

// build returns the allocated hypervisor id even when a later step fails,
// so the half-built machine can still be found and deleted.
func (s *Service) build(ctx context.Context, vm domain.VM, tmpl domain.VMTemplate) (int, string, error) {
	client, err := s.client(ctx, vm.ServerID)
	if err != nil {
		return 0, "", err
	}
	nodes, err := client.ListNodes(ctx)
	if err != nil {
		return 0, "", err
	}
	node, ok := pickNode(nodes)
	if !ok {
		return 0, "", fmt.Errorf("%w: server %s has no online node", domain.ErrResourceUnavailable, vm.ServerID)
	}
	vmid, err := client.NextID(ctx)
	if err != nil {
		return 0, "", err
	}
	spec := hypervisor.VMSpec{
		VMID:       vmid,
		Name:       vm.Hostname,
		Resources:  vm.Resources,
		TemplateID: tmpl.HypervisorTemplateID,
	}
	if err := client.CreateVM(ctx, node, spec); err != nil {
		return 0, node, err
	}
	if err := client.StartVM(ctx, node, vmid); err != nil {
		return vmid, node, err
	}
	return vmid, node, nil
}

// pickNode prefers the online node with the most free memory.
func pickNode(nodes []hypervisor.Node) (string, bool) {
	best := -1
	var bestFree int64
	for i, n := range nodes {
		if !n.Online() {
			continue
		}
		free := n.MaxMemBytes - n.MemBytes
		if best < 0 || free > bestFree {
			best, bestFree = i, free
		}
	}
	if best < 0 {
		return "", false
	}
	return nodes[best].Name, true
}
