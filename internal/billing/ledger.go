// Package billing turns elapsed billable uptime into ledger debits and
// applies credits, one atomic unit per entry.
package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"unimanager/internal/audit"
	"unimanager/internal/clock"
	"unimanager/internal/domain"
)

// Charge is the cost of one unbilled interval. Amount keeps full precision;
// Cents is what accumulates into the VM's total_cost.
type Charge struct {
	Elapsed time.Duration
	Hours   decimal.Decimal
	Rate    decimal.Decimal
	Amount  decimal.Decimal
	Cents   int64
}

// Assess prices the interval since the VM's billing anchor. It reports
// false when nothing is owed: the VM is not billable, no time has elapsed,
// or the cost is not positive.
func Assess(vm domain.VM, tmpl domain.VMTemplate, now time.Time) (Charge, bool) {
	if !domain.IsBillable(vm) {
		return Charge{}, false
	}
	elapsed := domain.Elapsed(vm, now)
	if elapsed <= 0 {
		return Charge{}, false
	}
	hours := domain.UptimeHours(vm, now)
	amount := tmpl.CostPerHour.Mul(hours)
	if amount.Sign() <= 0 {
		return Charge{}, false
	}
	return Charge{
		Elapsed: elapsed,
		Hours:   hours,
		Rate:    tmpl.CostPerHour,
		Amount:  amount,
		Cents:   amount.Shift(2).Truncate(0).IntPart(),
	}, true
}

// Settlement is the outcome of Settle. VM is not yet saved.
type Settlement struct {
	VM          domain.VM
	User        domain.User
	Transaction *domain.Transaction
}

// Settle bills the VM's outstanding interval inside tx: it debits and saves
// the user and appends the DEBIT entry, then returns the VM with
// last_billed_at advanced and total_cost increased. The caller saves the VM
// in the same unit, possibly after further changes.
func Settle(tx domain.Tx, vm domain.VM, user domain.User, tmpl domain.VMTemplate, now time.Time) (Settlement, error) {
	charge, ok := Assess(vm, tmpl, now)
	if !ok {
		return Settlement{VM: vm, User: user}, nil
	}

	user.Balance = user.Balance.Sub(charge.Amount)
	user.UpdatedAt = now
	txn, err := tx.AppendTransaction(domain.Transaction{
		UserID:      user.ID,
		VMID:        vm.ID,
		Amount:      charge.Amount.Neg(),
		Type:        domain.TxDebit,
		Description: fmt.Sprintf("VM usage: %s (%s hours)", vm.Name, charge.Hours.StringFixed(2)),
		Metadata: map[string]any{
			"hours": charge.Hours.String(),
			"rate":  charge.Rate.String(),
			"vm_id": vm.ID,
		},
		BalanceAfter: user.Balance,
		CreatedAt:    now,
	})
	if err != nil {
		return Settlement{}, err
	}
	user, err = tx.SaveUser(user)
	if err != nil {
		return Settlement{}, err
	}

	billedAt := now
	vm.LastBilledAt = &billedAt
	vm.TotalCost += charge.Cents
	vm.UpdatedAt = now
	return Settlement{VM: vm, User: user, Transaction: &txn}, nil
}

type Ledger struct {
	store  domain.LedgerStore
	clock  clock.Clock
	audit  audit.Recorder
	logger *zap.Logger
}

func NewLedger(store domain.LedgerStore, clk clock.Clock, rec audit.Recorder, logger *zap.Logger) *Ledger {
	return &Ledger{
		store:  store,
		clock:  clk,
		audit:  rec,
		logger: logger.Named("billing"),
	}
}

// Bill charges one VM for the time since it was last billed. It returns
// nil when nothing was owed. Once last_billed_at advances the interval can
// not be billed again, so retries and concurrent calls are harmless.
func (l *Ledger) Bill(ctx context.Context, vmID string, now time.Time) (*domain.Transaction, error) {
	snapshot, err := l.store.GetVM(ctx, vmID)
	if err != nil {
		return nil, err
	}

	var billed *domain.Transaction
	keys := []string{domain.VMKey(vmID), domain.UserKey(snapshot.UserID)}
	err = l.store.Atomic(ctx, keys, func(tx domain.Tx) error {
		billed = nil
		vm, err := tx.GetVM(vmID)
		if err != nil {
			return err
		}
		if !domain.IsBillable(vm) {
			return nil
		}
		if elapsed := domain.Elapsed(vm, now); elapsed < 0 {
			l.logger.Warn("negative billing interval, clock skew suspected",
				zap.String("vm_id", vm.ID),
				zap.Time("anchor", domain.BillingAnchor(vm)),
				zap.Time("now", now),
			)
			return nil
		}

		user, err := tx.GetUser(vm.UserID)
		if err != nil {
			return err
		}
		tmpl, err := tx.GetTemplate(vm.TemplateID)
		if err != nil {
			return err
		}

		settled, err := Settle(tx, vm, user, tmpl, now)
		if err != nil {
			return err
		}
		if settled.Transaction == nil {
			return nil
		}
		if _, err := tx.SaveVM(settled.VM); err != nil {
			return err
		}
		billed = settled.Transaction
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("billing vm %s: %w", vmID, err)
	}

	if billed != nil {
		l.logger.Debug("vm billed",
			zap.String("vm_id", vmID),
			zap.String("user_id", billed.UserID),
			zap.String("amount", billed.Amount.String()),
			zap.String("balance_after", billed.BalanceAfter.String()),
		)
	}
	return billed, nil
}

type CreditRequest struct {
	UserID  string
	Amount  decimal.Decimal
	Type    domain.TransactionType
	ActorID string
	Reason  string
}

func (r CreditRequest) validate() error {
	if r.UserID == "" {
		return fmt.Errorf("%w: user id required", domain.ErrValidation)
	}
	if !r.Amount.Equal(r.Amount.Truncate(2)) {
		return fmt.Errorf("%w: amount %s has more than 2 fractional digits", domain.ErrValidation, r.Amount)
	}
	switch r.Type {
	case domain.TxCredit, domain.TxPayment, domain.TxRefund:
		if r.Amount.Sign() <= 0 {
			return fmt.Errorf("%w: %s amount must be positive", domain.ErrValidation, r.Type)
		}
	case domain.TxAdminAdjust:
		if r.Amount.IsZero() {
			return fmt.Errorf("%w: adjustment amount must not be zero", domain.ErrValidation)
		}
		if r.ActorID == "" {
			return fmt.Errorf("%w: adjustment requires an acting admin", domain.ErrValidation)
		}
	default:
		return fmt.Errorf("%w: %q cannot be applied as a credit", domain.ErrValidation, r.Type)
	}
	return nil
}

// Credit appends a non-usage ledger entry and moves the balance by its
// amount.
func (l *Ledger) Credit(ctx context.Context, req CreditRequest) (domain.Transaction, error) {
	if err := req.validate(); err != nil {
		return domain.Transaction{}, err
	}
	now := l.clock.Now()

	var txn domain.Transaction
	err := l.store.Atomic(ctx, []string{domain.UserKey(req.UserID)}, func(tx domain.Tx) error {
		user, err := tx.GetUser(req.UserID)
		if err != nil {
			return err
		}
		user.Balance = user.Balance.Add(req.Amount)
		user.UpdatedAt = now

		metadata := map[string]any{}
		if req.Reason != "" {
			metadata["reason"] = req.Reason
		}
		if req.ActorID != "" {
			metadata["admin_id"] = req.ActorID
		}
		txn, err = tx.AppendTransaction(domain.Transaction{
			UserID:       user.ID,
			AdminID:      req.ActorID,
			Amount:       req.Amount,
			Type:         req.Type,
			Description:  req.Reason,
			Metadata:     metadata,
			BalanceAfter: user.Balance,
			CreatedAt:    now,
		})
		if err != nil {
			return err
		}
		_, err = tx.SaveUser(user)
		return err
	})
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("crediting user %s: %w", req.UserID, err)
	}

	l.audit.Record(audit.Event{
		Action:  audit.ActionCreditAdded,
		ActorID: req.ActorID,
		UserID:  req.UserID,
		Details: map[string]any{
			"amount":        req.Amount.String(),
			"type":          string(req.Type),
			"balance_after": txn.BalanceAfter.String(),
			"reason":        req.Reason,
		},
		At: now,
	})
	return txn, nil
}

// Verify replays the user's ledger against the current balance under the
// user's lock. A nil discrepancy means the ledger is consistent.
func (l *Ledger) Verify(ctx context.Context, userID string) (*domain.Discrepancy, error) {
	var disc *domain.Discrepancy
	err := l.store.Atomic(ctx, []string{domain.UserKey(userID)}, func(tx domain.Tx) error {
		user, err := tx.GetUser(userID)
		if err != nil {
			return err
		}
		txns, err := tx.ListTransactions(userID)
		if err != nil {
			return err
		}
		disc = domain.Replay(user.Balance, txns)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if disc != nil {
		l.logger.Error("ledger replay mismatch",
			zap.String("user_id", userID),
			zap.Int("index", disc.Index),
			zap.Uint64("transaction_id", disc.TransactionID),
			zap.String("expected", disc.Expected.String()),
			zap.String("actual", disc.Actual.String()),
		)
	}
	return disc, nil
}
