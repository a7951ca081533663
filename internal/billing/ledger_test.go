package billing_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"unimanager/internal/audit"
	"unimanager/internal/billing"
	"unimanager/internal/clock"
	"unimanager/internal/domain"
	"unimanager/internal/storage"
	"unimanager/internal/storage/storagetest"
)

var t0 = time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newLedger(t *testing.T) (*billing.Ledger, *storage.GormStore, *clock.Fake) {
	t.Helper()
	store := storagetest.Open(t)
	clk := clock.NewFake(t0)
	return billing.NewLedger(store, clk, audit.Discard, zap.NewNop()), store, clk
}

func TestBillingMath(t *testing.T) {
	ledger, store, _ := newLedger(t)
	ctx := context.Background()
	user := storagetest.SeedUser(t, store, "50.00", t0)
	tmpl := storagetest.SeedTemplate(t, store, "0.10")
	lastBilled := t0
	vm := storagetest.SeedVM(t, store, user, tmpl, "s1", domain.StateRunning, t0.Add(-time.Hour), &lastBilled)

	now := t0.Add(150 * time.Minute)
	txn, err := ledger.Bill(ctx, vm.ID, now)
	require.NoError(t, err)
	require.NotNil(t, txn)
	assert.True(t, txn.Amount.Equal(dec("-0.25")), txn.Amount.String())
	assert.True(t, txn.BalanceAfter.Equal(dec("49.75")))
	assert.Equal(t, domain.TxDebit, txn.Type)
	assert.Equal(t, vm.ID, txn.VMID)
	assert.Equal(t, "2.5", txn.Metadata["hours"])
	assert.Equal(t, "0.1", txn.Metadata["rate"])

	got, err := store.GetVM(ctx, vm.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(25), got.TotalCost)
	require.NotNil(t, got.LastBilledAt)
	assert.True(t, now.Equal(*got.LastBilledAt))

	u, err := store.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, u.Balance.Equal(dec("49.75")))
}

func TestBillIsIdempotentForAnInterval(t *testing.T) {
	ledger, store, _ := newLedger(t)
	ctx := context.Background()
	user := storagetest.SeedUser(t, store, "10", t0)
	tmpl := storagetest.SeedTemplate(t, store, "1.00")
	vm := storagetest.SeedVM(t, store, user, tmpl, "s1", domain.StateRunning, t0, &t0)

	now := t0.Add(time.Hour)
	first, err := ledger.Bill(ctx, vm.ID, now)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := ledger.Bill(ctx, vm.ID, now)
	require.NoError(t, err)
	assert.Nil(t, second)

	txns, err := store.ListTransactions(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, txns, 2, "opening credit plus one debit")
}

func TestConcurrentBillsDebitOnce(t *testing.T) {
	ledger, store, _ := newLedger(t)
	ctx := context.Background()
	user := storagetest.SeedUser(t, store, "10", t0)
	tmpl := storagetest.SeedTemplate(t, store, "1.00")
	vm := storagetest.SeedVM(t, store, user, tmpl, "s1", domain.StateRunning, t0, &t0)

	now := t0.Add(2 * time.Hour)
	var wg sync.WaitGroup
	var mu sync.Mutex
	billed := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			txn, err := ledger.Bill(ctx, vm.ID, now)
			assert.NoError(t, err)
			if txn != nil {
				mu.Lock()
				billed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, billed)

	u, err := store.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, u.Balance.Equal(dec("8")))

	disc, err := ledger.Verify(ctx, user.ID)
	require.NoError(t, err)
	assert.Nil(t, disc)
}

func TestBillSkipsNonBillableStates(t *testing.T) {
	ledger, store, _ := newLedger(t)
	ctx := context.Background()
	user := storagetest.SeedUser(t, store, "10", t0)
	tmpl := storagetest.SeedTemplate(t, store, "1.00")

	for _, state := range []domain.VMState{domain.StateCreating, domain.StateStopped, domain.StateError, domain.StateDeleting, domain.StateDeleted} {
		vm := storagetest.SeedVM(t, store, user, tmpl, "s1", state, t0, &t0)
		txn, err := ledger.Bill(ctx, vm.ID, t0.Add(5*time.Hour))
		require.NoError(t, err, state.String())
		assert.Nil(t, txn, state.String())

		got, err := store.GetVM(ctx, vm.ID)
		require.NoError(t, err)
		assert.Zero(t, got.TotalCost)
	}

	txns, err := store.ListTransactions(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, txns, 1)
}

func TestBillSuspendedVMFromCreation(t *testing.T) {
	ledger, store, _ := newLedger(t)
	ctx := context.Background()
	user := storagetest.SeedUser(t, store, "10", t0)
	tmpl := storagetest.SeedTemplate(t, store, "0.50")
	vm := storagetest.SeedVM(t, store, user, tmpl, "s1", domain.StateSuspended, t0, nil)

	txn, err := ledger.Bill(ctx, vm.ID, t0.Add(3*time.Hour))
	require.NoError(t, err)
	require.NotNil(t, txn)
	assert.True(t, txn.Amount.Equal(dec("-1.5")))
}

func TestBillClockSkewIsAnAnomaly(t *testing.T) {
	ledger, store, _ := newLedger(t)
	ctx := context.Background()
	user := storagetest.SeedUser(t, store, "10", t0)
	tmpl := storagetest.SeedTemplate(t, store, "1.00")
	future := t0.Add(time.Hour)
	vm := storagetest.SeedVM(t, store, user, tmpl, "s1", domain.StateRunning, t0, &future)

	txn, err := ledger.Bill(ctx, vm.ID, t0)
	require.NoError(t, err)
	assert.Nil(t, txn)

	got, err := store.GetVM(ctx, vm.ID)
	require.NoError(t, err)
	assert.True(t, future.Equal(*got.LastBilledAt))
}

func TestBillFreeTemplateWritesNothing(t *testing.T) {
	ledger, store, _ := newLedger(t)
	ctx := context.Background()
	user := storagetest.SeedUser(t, store, "10", t0)
	tmpl := storagetest.SeedTemplate(t, store, "0")
	vm := storagetest.SeedVM(t, store, user, tmpl, "s1", domain.StateRunning, t0, &t0)

	txn, err := ledger.Bill(ctx, vm.ID, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Nil(t, txn)

	got, err := store.GetVM(ctx, vm.ID)
	require.NoError(t, err)
	assert.True(t, t0.Equal(*got.LastBilledAt), "last_billed_at stays put when nothing is owed")
}

func TestSubCentChargesKeepFullPrecision(t *testing.T) {
	ledger, store, _ := newLedger(t)
	ctx := context.Background()
	user := storagetest.SeedUser(t, store, "1", t0)
	tmpl := storagetest.SeedTemplate(t, store, "0.0125")
	vm := storagetest.SeedVM(t, store, user, tmpl, "s1", domain.StateRunning, t0, &t0)

	txn, err := ledger.Bill(ctx, vm.ID, t0.Add(30*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, txn)
	assert.True(t, txn.Amount.Equal(dec("-0.00625")))
	assert.True(t, txn.BalanceAfter.Equal(dec("0.99375")))

	got, err := store.GetVM(ctx, vm.ID)
	require.NoError(t, err)
	assert.Zero(t, got.TotalCost, "sub-cent remainders are truncated from total_cost")

	disc, err := ledger.Verify(ctx, user.ID)
	require.NoError(t, err)
	assert.Nil(t, disc)
}

func TestAssess(t *testing.T) {
	tmpl := domain.VMTemplate{CostPerHour: dec("0.0125")}
	vm := domain.VM{State: domain.StateRunning, CreatedAt: t0}

	c, ok := billing.Assess(vm, tmpl, t0.Add(4*time.Hour))
	require.True(t, ok)
	assert.True(t, c.Amount.Equal(dec("0.05")))
	assert.Equal(t, int64(5), c.Cents)
	assert.Equal(t, 4*time.Hour, c.Elapsed)

	_, ok = billing.Assess(vm, tmpl, t0)
	assert.False(t, ok)

	vm.State = domain.StateStopped
	_, ok = billing.Assess(vm, tmpl, t0.Add(time.Hour))
	assert.False(t, ok)
}

func TestCredit(t *testing.T) {
	ledger, store, _ := newLedger(t)
	ctx := context.Background()
	user := storagetest.SeedUser(t, store, "0", t0)

	txn, err := ledger.Credit(ctx, billing.CreditRequest{UserID: user.ID, Amount: dec("25.50"), Type: domain.TxPayment, Reason: "card top-up"})
	require.NoError(t, err)
	assert.True(t, txn.BalanceAfter.Equal(dec("25.50")))

	txn, err = ledger.Credit(ctx, billing.CreditRequest{UserID: user.ID, Amount: dec("-5"), Type: domain.TxAdminAdjust, ActorID: "admin-1", Reason: "correction"})
	require.NoError(t, err)
	assert.True(t, txn.BalanceAfter.Equal(dec("20.50")))
	assert.Equal(t, "admin-1", txn.AdminID)

	u, err := store.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, u.Balance.Equal(dec("20.50")))

	disc, err := ledger.Verify(ctx, user.ID)
	require.NoError(t, err)
	assert.Nil(t, disc)
}

func TestCreditValidation(t *testing.T) {
	ledger, store, _ := newLedger(t)
	ctx := context.Background()
	user := storagetest.SeedUser(t, store, "0", t0)

	cases := map[string]billing.CreditRequest{
		"negative credit":      {UserID: user.ID, Amount: dec("-1"), Type: domain.TxCredit},
		"zero refund":          {UserID: user.ID, Amount: dec("0"), Type: domain.TxRefund},
		"sub-cent payment":     {UserID: user.ID, Amount: dec("1.005"), Type: domain.TxPayment},
		"adjust without actor": {UserID: user.ID, Amount: dec("3"), Type: domain.TxAdminAdjust},
		"debit via credit":     {UserID: user.ID, Amount: dec("3"), Type: domain.TxDebit},
		"missing user id":      {Amount: dec("3"), Type: domain.TxCredit},
	}
	for name, req := range cases {
		_, err := ledger.Credit(ctx, req)
		assert.ErrorIs(t, err, domain.ErrValidation, name)
	}

	_, err := ledger.Credit(ctx, billing.CreditRequest{UserID: "nobody", Amount: dec("1"), Type: domain.TxCredit})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
