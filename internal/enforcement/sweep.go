// Package enforcement reclaims running machines from users who can no
// longer pay for them.
package enforcement

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"unimanager/internal/audit"
	"unimanager/internal/domain"
)

// PowerController halts a VM on its hypervisor. The sweep calls it after
// the STOPPED state is committed; failures do not undo the transition.
type PowerController interface {
	PowerOff(ctx context.Context, vm domain.VM) error
}

type Config struct {
	LowBalanceThreshold decimal.Decimal
}

type Result struct {
	UsersAffected   int      `json:"users_affected"`
	VMsStopped      int      `json:"vms_stopped"`
	LowBalanceUsers []string `json:"low_balance_users,omitempty"`
	Failures        int      `json:"failures"`
}

type Sweeper struct {
	store  domain.LedgerStore
	power  PowerController
	audit  audit.Recorder
	cfg    Config
	logger *zap.Logger
}

func NewSweeper(store domain.LedgerStore, power PowerController, rec audit.Recorder, cfg Config, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		store:  store,
		power:  power,
		audit:  rec,
		cfg:    cfg,
		logger: logger.Named("enforcement"),
	}
}

// Sweep stops every RUNNING VM of every ACTIVE user whose balance is at or
// below zero. Stopping is a pure state transition: no ledger entry is
// written. Users with a small positive balance are only reported.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (Result, error) {
	var res Result

	users, err := s.store.ListUsers(ctx, domain.UserActive)
	if err != nil {
		return res, fmt.Errorf("listing active users: %w", err)
	}

	for _, user := range users {
		if !user.Exhausted() {
			if user.Balance.LessThan(s.cfg.LowBalanceThreshold) {
				res.LowBalanceUsers = append(res.LowBalanceUsers, user.ID)
				s.audit.Record(audit.Event{
					Action:  audit.ActionBalanceLow,
					UserID:  user.ID,
					Details: map[string]any{"balance": user.Balance.String(), "threshold": s.cfg.LowBalanceThreshold.String()},
					At:      now,
				})
			}
			continue
		}

		stopped, failures := s.sweepUser(ctx, user, now)
		res.VMsStopped += stopped
		res.Failures += failures
		if stopped > 0 {
			res.UsersAffected++
		}
	}

	if res.VMsStopped > 0 || res.Failures > 0 {
		s.logger.Info("balance sweep finished",
			zap.Int("users_affected", res.UsersAffected),
			zap.Int("vms_stopped", res.VMsStopped),
			zap.Int("failures", res.Failures),
		)
	}
	return res, nil
}

func (s *Sweeper) sweepUser(ctx context.Context, user domain.User, now time.Time) (stopped, failures int) {
	vms, err := s.store.ListVMs(ctx, domain.VMFilter{UserID: user.ID, States: []domain.VMState{domain.StateRunning}})
	if err != nil {
		s.logger.Error("listing running vms", zap.String("user_id", user.ID), zap.Error(err))
		return 0, 1
	}

	for _, candidate := range vms {
		vm, ok, err := s.forceStop(ctx, candidate.ID, user.ID, now)
		if err != nil {
			s.logger.Error("force stop failed", zap.String("user_id", user.ID), zap.String("vm_id", candidate.ID), zap.Error(err))
			failures++
			continue
		}
		if !ok {
			continue
		}
		stopped++

		if err := s.power.PowerOff(ctx, vm); err != nil {
			s.logger.Warn("hypervisor stop after forced stop failed", zap.String("vm_id", vm.ID), zap.Error(err))
		}
		s.audit.Record(audit.Event{
			Action:  audit.ActionVMForceStopped,
			UserID:  user.ID,
			VMID:    vm.ID,
			Details: map[string]any{"reason": "insufficient_balance"},
			At:      now,
		})
	}
	return stopped, failures
}

// forceStop re-reads the VM and its owner under both locks so it acts on
// the latest committed balance, never on the listing snapshot.
func (s *Sweeper) forceStop(ctx context.Context, vmID, userID string, now time.Time) (domain.VM, bool, error) {
	var (
		out     domain.VM
		stopped bool
	)
	err := s.store.Atomic(ctx, []string{domain.VMKey(vmID), domain.UserKey(userID)}, func(tx domain.Tx) error {
		stopped = false
		vm, err := tx.GetVM(vmID)
		if err != nil {
			return err
		}
		if vm.State != domain.StateRunning {
			return nil
		}
		user, err := tx.GetUser(vm.UserID)
		if err != nil {
			return err
		}
		if !user.Exhausted() {
			return nil
		}

		next, err := domain.Transition(vm, domain.StateStopped, now)
		if err != nil {
			return err
		}
		out, err = tx.SaveVM(next)
		if err != nil {
			return err
		}
		stopped = true
		return nil
	})
	return out, stopped, err
}
