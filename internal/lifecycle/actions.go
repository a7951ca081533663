package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"unimanager/internal/audit"
	"unimanager/internal/billing"
	"unimanager/internal/domain"
	"unimanager/internal/hypervisor"
)

type Action string

const (
	ActionStart   Action = "start"
	ActionStop    Action = "stop"
	ActionSuspend Action = "suspend"
	ActionResume  Action = "resume"
	ActionReboot  Action = "reboot"
)

func ParseAction(v string) (Action, error) {
	switch a := Action(v); a {
	case ActionStart, ActionStop, ActionSuspend, ActionResume, ActionReboot:
		return a, nil
	}
	return "", fmt.Errorf("%w: unknown action %q", domain.ErrValidation, v)
}

type actionSpec struct {
	from  domain.VMState
	to    domain.VMState
	funds bool
	call  func(c hypervisor.Client, ctx context.Context, node string, vmid int) error
	// undo reverses call when the owner can no longer pay by commit time.
	undo func(c hypervisor.Client, ctx context.Context, node string, vmid int) error
}

var actions = map[Action]actionSpec{
	ActionStart:   {from: domain.StateStopped, to: domain.StateRunning, funds: true, call: hypervisor.Client.StartVM, undo: hypervisor.Client.StopVM},
	ActionStop:    {from: domain.StateRunning, to: domain.StateStopped, call: hypervisor.Client.StopVM},
	ActionSuspend: {from: domain.StateRunning, to: domain.StateSuspended, call: hypervisor.Client.SuspendVM},
	ActionResume:  {from: domain.StateSuspended, to: domain.StateRunning, funds: true, call: hypervisor.Client.ResumeVM, undo: hypervisor.Client.SuspendVM},
	ActionReboot:  {from: domain.StateRunning, to: domain.StateRunning, call: hypervisor.Client.RebootVM},
}

func (s *Service) Start(ctx context.Context, actorID, vmID string) (domain.VM, error) {
	return s.Act(ctx, actorID, vmID, ActionStart)
}

func (s *Service) Stop(ctx context.Context, actorID, vmID string) (domain.VM, error) {
	return s.Act(ctx, actorID, vmID, ActionStop)
}

func (s *Service) Suspend(ctx context.Context, actorID, vmID string) (domain.VM, error) {
	return s.Act(ctx, actorID, vmID, ActionSuspend)
}

func (s *Service) Resume(ctx context.Context, actorID, vmID string) (domain.VM, error) {
	return s.Act(ctx, actorID, vmID, ActionResume)
}

func (s *Service) Reboot(ctx context.Context, actorID, vmID string) (domain.VM, error) {
	return s.Act(ctx, actorID, vmID, ActionReboot)
}

// Act runs a power action. The hypervisor is asked first; the state change
// is committed only once it succeeded. A hypervisor failure leaves the state
// as it was and records the cause in last_error: the transition table has no
// edge into ERROR from RUNNING, STOPPED or SUSPENDED, and the machine is
// still in its previous power state, so the action can simply be retried.
//
// Start and resume check the owner before the call and again inside the
// commit, with the owner locked. If a ban or debit landed while the
// hypervisor was working, the machine is powered back down and the VM keeps
// its state.
func (s *Service) Act(ctx context.Context, actorID, vmID string, action Action) (domain.VM, error) {
	spec, ok := actions[action]
	if !ok {
		return domain.VM{}, fmt.Errorf("%w: unknown action %q", domain.ErrValidation, action)
	}

	unlock, err := s.acquire(vmID)
	if err != nil {
		return domain.VM{}, err
	}
	defer unlock()

	vm, err := s.load(ctx, actorID, vmID)
	if err != nil {
		return domain.VM{}, err
	}
	if vm.State != spec.from {
		return domain.VM{}, fmt.Errorf("%w: cannot %s a vm that is %s", domain.ErrIllegalTransition, action, vm.State)
	}
	if !vm.Provisioned() {
		return domain.VM{}, fmt.Errorf("%w: vm %s has no hypervisor machine", domain.ErrValidation, vm.ID)
	}

	now := s.clock.Now()
	if spec.funds {
		user, err := s.store.GetUser(ctx, vm.UserID)
		if err != nil {
			return domain.VM{}, err
		}
		if err := operable(user, now); err != nil {
			return domain.VM{}, err
		}
	}

	client, err := s.client(ctx, vm.ServerID)
	if err != nil {
		return domain.VM{}, err
	}
	if callErr := spec.call(client, ctx, vm.NodeName, vm.HypervisorID); callErr != nil {
		s.recordFailure(ctx, vm.ID, callErr)
		return domain.VM{}, callErr
	}

	out, txn, err := s.commit(ctx, vm, spec.to, action == ActionStop, spec.funds)
	if err != nil {
		if spec.undo != nil && (errors.Is(err, domain.ErrAuthorization) || errors.Is(err, domain.ErrInsufficientBalance)) {
			s.revert(ctx, client, vm, spec, err)
		}
		return domain.VM{}, fmt.Errorf("committing %s of vm %s: %w", action, vm.ID, err)
	}

	details := map[string]any{"action": string(action)}
	if txn != nil {
		details["settled"] = txn.Amount.Neg().String()
	}
	s.audit.Record(audit.Event{
		Action:   audit.VMAction(string(action)),
		ActorID:  actorID,
		UserID:   vm.UserID,
		VMID:     vm.ID,
		ServerID: vm.ServerID,
		Details:  details,
		At:       now,
	})
	return out, nil
}

// commit applies the transition under the VM and owner locks. When settle
// is set the outstanding interval is billed in the same unit, before the VM
// leaves its billable state. When funds is set the owner must still be
// allowed to run machines.
func (s *Service) commit(ctx context.Context, vm domain.VM, to domain.VMState, settle, funds bool) (domain.VM, *domain.Transaction, error) {
	var (
		out domain.VM
		txn *domain.Transaction
	)
	now := s.clock.Now()
	err := s.store.Atomic(ctx, []string{domain.VMKey(vm.ID), domain.UserKey(vm.UserID)}, func(tx domain.Tx) error {
		txn = nil
		cur, err := tx.GetVM(vm.ID)
		if err != nil {
			return err
		}
		if cur.State != vm.State {
			return fmt.Errorf("%w: vm %s moved to %s", domain.ErrConcurrencyConflict, cur.ID, cur.State)
		}
		if funds {
			user, err := tx.GetUser(cur.UserID)
			if err != nil {
				return err
			}
			if err := operable(user, now); err != nil {
				return err
			}
		}

		if settle && domain.IsBillable(cur) {
			user, err := tx.GetUser(cur.UserID)
			if err != nil {
				return err
			}
			tmpl, err := tx.GetTemplate(cur.TemplateID)
			if err != nil {
				return err
			}
			settled, err := billing.Settle(tx, cur, user, tmpl, now)
			if err != nil {
				return err
			}
			cur, txn = settled.VM, settled.Transaction
		}

		next := cur
		if to != cur.State {
			if next, err = domain.Transition(cur, to, now); err != nil {
				return err
			}
		} else {
			next.LastError = ""
			next.UpdatedAt = now
		}
		out, err = tx.SaveVM(next)
		return err
	})
	return out, txn, err
}

func operable(user domain.User, now time.Time) error {
	if !user.CanOperate(now) {
		return fmt.Errorf("%w: account %s is %s", domain.ErrAuthorization, user.ID, user.Status)
	}
	if !user.HasFunds() {
		return fmt.Errorf("%w: balance %s", domain.ErrInsufficientBalance, user.Balance.StringFixed(2))
	}
	return nil
}

// revert powers the machine back to where it was after a commit was refused.
// The VM row was never changed, so only last_error needs writing.
func (s *Service) revert(ctx context.Context, client hypervisor.Client, vm domain.VM, spec actionSpec, cause error) {
	if undoErr := spec.undo(client, ctx, vm.NodeName, vm.HypervisorID); undoErr != nil {
		s.logger.Error("hypervisor rollback failed", zap.String("vm_id", vm.ID), zap.String("server_id", vm.ServerID), zap.Error(undoErr))
		cause = errors.Join(cause, undoErr)
	}
	s.recordFailure(ctx, vm.ID, cause)
}

// recordFailure stores the cause of a failed hypervisor call without
// changing the state.
func (s *Service) recordFailure(ctx context.Context, vmID string, cause error) {
	now := s.clock.Now()
	_, err := s.store.UpdateVM(ctx, vmID, func(vm domain.VM) (domain.VM, error) {
		vm.LastError = cause.Error()
		vm.UpdatedAt = now
		return vm, nil
	})
	if err != nil {
		s.logger.Error("recording hypervisor failure", zap.String("vm_id", vmID), zap.Error(err))
	}
}

// Resize changes the allocation of a STOPPED or RUNNING VM. Zero fields
// keep their current value. Disks only grow.
func (s *Service) Resize(ctx context.Context, actorID, vmID string, requested domain.Resources) (domain.VM, error) {
	unlock, err := s.acquire(vmID)
	if err != nil {
		return domain.VM{}, err
	}
	defer unlock()

	vm, err := s.load(ctx, actorID, vmID)
	if err != nil {
		return domain.VM{}, err
	}
	if vm.State != domain.StateStopped && vm.State != domain.StateRunning {
		return domain.VM{}, fmt.Errorf("%w: cannot resize a vm that is %s", domain.ErrIllegalTransition, vm.State)
	}

	target := vm.Resources
	if requested.CPUCores != 0 {
		target.CPUCores = requested.CPUCores
	}
	if requested.RAMMB != 0 {
		target.RAMMB = requested.RAMMB
	}
	if requested.DiskGB != 0 {
		target.DiskGB = requested.DiskGB
	}
	if target == vm.Resources {
		return vm, nil
	}
	if target.DiskGB < vm.Resources.DiskGB {
		return domain.VM{}, fmt.Errorf("%w: disk cannot shrink from %dG to %dG", domain.ErrValidation, vm.Resources.DiskGB, target.DiskGB)
	}
	tmpl, err := s.store.GetTemplate(ctx, vm.TemplateID)
	if err != nil {
		return domain.VM{}, err
	}
	if err := tmpl.CheckResources(target); err != nil {
		return domain.VM{}, err
	}

	if vm.Provisioned() {
		client, err := s.client(ctx, vm.ServerID)
		if err != nil {
			return domain.VM{}, err
		}
		if err := client.ResizeVM(ctx, vm.NodeName, vm.HypervisorID, target); err != nil {
			s.recordFailure(ctx, vm.ID, err)
			return domain.VM{}, err
		}
	}

	now := s.clock.Now()
	out, err := s.store.UpdateVM(ctx, vm.ID, func(cur domain.VM) (domain.VM, error) {
		if cur.State != vm.State {
			return cur, fmt.Errorf("%w: vm %s moved to %s", domain.ErrConcurrencyConflict, cur.ID, cur.State)
		}
		cur.Resources = target
		cur.LastError = ""
		cur.UpdatedAt = now
		return cur, nil
	})
	if err != nil {
		return domain.VM{}, err
	}

	s.audit.Record(audit.Event{
		Action:   audit.VMAction("resize"),
		ActorID:  actorID,
		UserID:   vm.UserID,
		VMID:     vm.ID,
		ServerID: vm.ServerID,
		Details: map[string]any{
			"cpu_cores": target.CPUCores,
			"ram_mb":    target.RAMMB,
			"disk_gb":   target.DiskGB,
		},
		At: now,
	})
	return out, nil
}

// Delete tombstones a VM. The outstanding interval is billed as the VM
// enters DELETING, then the machine is stopped and removed on the
// hypervisor. A hypervisor failure parks the VM in ERROR; deleting it
// again retries the removal.
func (s *Service) Delete(ctx context.Context, actorID, vmID string) (domain.VM, error) {
	unlock, err := s.acquire(vmID)
	if err != nil {
		return domain.VM{}, err
	}
	defer unlock()

	vm, err := s.load(ctx, actorID, vmID)
	if err != nil {
		return domain.VM{}, err
	}
	if vm.State != domain.StateDeleting {
		if !vm.State.CanTransition(domain.StateDeleting) {
			return domain.VM{}, fmt.Errorf("%w: cannot delete a vm that is %s", domain.ErrIllegalTransition, vm.State)
		}
		if vm, _, err = s.commit(ctx, vm, domain.StateDeleting, true, false); err != nil {
			return domain.VM{}, fmt.Errorf("marking vm %s for deletion: %w", vmID, err)
		}
	}

	if destroyErr := s.destroy(ctx, vm); destroyErr != nil {
		s.logger.Error("hypervisor delete failed", zap.String("vm_id", vm.ID), zap.String("server_id", vm.ServerID), zap.Error(destroyErr))
		now := s.clock.Now()
		_, err := s.store.UpdateVM(ctx, vm.ID, func(cur domain.VM) (domain.VM, error) {
			next, err := domain.Transition(cur, domain.StateError, now)
			if err != nil {
				return cur, err
			}
			next.LastError = destroyErr.Error()
			return next, nil
		})
		return domain.VM{}, errors.Join(destroyErr, err)
	}

	out, _, err := s.commit(ctx, vm, domain.StateDeleted, false, false)
	if err != nil {
		return domain.VM{}, fmt.Errorf("tombstoning vm %s: %w", vm.ID, err)
	}

	s.logger.Info("vm deleted", zap.String("vm_id", vm.ID), zap.Int64("total_cost", out.TotalCost))
	s.audit.Record(audit.Event{
		Action:   audit.ActionVMDeleted,
		ActorID:  actorID,
		UserID:   vm.UserID,
		VMID:     vm.ID,
		ServerID: vm.ServerID,
		Details:  map[string]any{"total_cost": out.TotalCost},
		At:       s.clock.Now(),
	})
	return out, nil
}

func (s *Service) destroy(ctx context.Context, vm domain.VM) error {
	if !vm.Provisioned() {
		return nil
	}
	client, err := s.client(ctx, vm.ServerID)
	if err != nil {
		return err
	}
	st, err := client.GetStatus(ctx, vm.NodeName, vm.HypervisorID)
	if err != nil {
		return err
	}
	if st.State != "stopped" {
		if err := client.StopVM(ctx, vm.NodeName, vm.HypervisorID); err != nil {
			return err
		}
	}
	return client.DeleteVM(ctx, vm.NodeName, vm.HypervisorID)
}

// PowerOff halts the machine behind a VM whose STOPPED state was already
// committed by the balance sweep.
func (s *Service) PowerOff(ctx context.Context, vm domain.VM) error {
	if !vm.Provisioned() {
		return nil
	}
	client, err := s.client(ctx, vm.ServerID)
	if err != nil {
		return err
	}
	return client.StopVM(ctx, vm.NodeName, vm.HypervisorID)
}
