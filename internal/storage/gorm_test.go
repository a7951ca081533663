package storage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unimanager/internal/domain"
	"unimanager/internal/storage"
	"unimanager/internal/storage/storagetest"
)

var t0 = time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)

func TestCreateUserRejectsBalance(t *testing.T) {
	store := storagetest.Open(t)
	_, err := store.CreateUser(context.Background(), domain.User{Email: "a@b.c", Balance: decimal.NewFromInt(5)})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestSeedUserWritesOpeningEntry(t *testing.T) {
	store := storagetest.Open(t)
	u := storagetest.SeedUser(t, store, "50.00", t0)

	got, err := store.GetUser(context.Background(), u.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(decimal.RequireFromString("50")))
	assert.Equal(t, int64(2), got.Version)

	txns, err := store.ListTransactions(context.Background(), u.ID)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Nil(t, domain.Replay(got.Balance, txns))
}

func TestDecimalPrecisionSurvivesRoundTrip(t *testing.T) {
	store := storagetest.Open(t)
	u := storagetest.SeedUser(t, store, "0.0000000001", t0)

	got, err := store.GetUser(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, "0.0000000001", got.Balance.String())
}

func TestSaveIsCompareAndSwap(t *testing.T) {
	store := storagetest.Open(t)
	ctx := context.Background()
	u := storagetest.SeedUser(t, store, "0", t0)

	stale := u
	_, err := store.UpdateUser(ctx, u.ID, func(cur domain.User) (domain.User, error) {
		cur.Email = "first@example.test"
		return cur, nil
	})
	require.NoError(t, err)

	calls := 0
	err = store.Atomic(ctx, []string{domain.UserKey(u.ID)}, func(tx domain.Tx) error {
		calls++
		_, err := tx.SaveUser(stale)
		return err
	})
	assert.ErrorIs(t, err, domain.ErrConcurrencyConflict)
	assert.Equal(t, 2, calls, "a conflict is retried exactly once")
}

func TestUpdateUserRefusesBalanceWrites(t *testing.T) {
	store := storagetest.Open(t)
	u := storagetest.SeedUser(t, store, "10", t0)

	_, err := store.UpdateUser(context.Background(), u.ID, func(cur domain.User) (domain.User, error) {
		cur.Balance = cur.Balance.Add(decimal.NewFromInt(1))
		return cur, nil
	})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestAtomicRollsBackOnError(t *testing.T) {
	store := storagetest.Open(t)
	ctx := context.Background()
	u := storagetest.SeedUser(t, store, "10", t0)
	boom := errors.New("boom")

	err := store.Atomic(ctx, []string{domain.UserKey(u.ID)}, func(tx domain.Tx) error {
		cur, err := tx.GetUser(u.ID)
		require.NoError(t, err)
		cur.Balance = cur.Balance.Sub(decimal.NewFromInt(3))
		if _, err := tx.AppendTransaction(domain.Transaction{UserID: u.ID, Amount: decimal.NewFromInt(-3), Type: domain.TxDebit, BalanceAfter: cur.Balance}); err != nil {
			return err
		}
		if _, err := tx.SaveUser(cur); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := store.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(decimal.NewFromInt(10)))
	txns, err := store.ListTransactions(ctx, u.ID)
	require.NoError(t, err)
	assert.Len(t, txns, 1)
}

func TestTransactionsAreAppendOnly(t *testing.T) {
	store := storagetest.Open(t)
	u := storagetest.SeedUser(t, store, "10", t0)

	db := storage.DB(store)
	err := db.Model(&storage.Transaction{}).Where("user_id = ?", u.ID).Update("amount", "99").Error
	assert.Error(t, err)
	err = db.Where("user_id = ?", u.ID).Delete(&storage.Transaction{}).Error
	assert.Error(t, err)
}

func TestTombstonedVMsAreExcluded(t *testing.T) {
	store := storagetest.Open(t)
	ctx := context.Background()
	u := storagetest.SeedUser(t, store, "10", t0)
	tmpl := storagetest.SeedTemplate(t, store, "0.10")
	vm := storagetest.SeedVM(t, store, u, tmpl, "s1", domain.StateDeleting, t0, nil)
	live := storagetest.SeedVM(t, store, u, tmpl, "s1", domain.StateRunning, t0, &t0)

	_, err := store.UpdateVM(ctx, vm.ID, func(cur domain.VM) (domain.VM, error) {
		return domain.Transition(cur, domain.StateDeleted, t0.Add(time.Hour))
	})
	require.NoError(t, err)

	_, err = store.GetVM(ctx, vm.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	active, err := store.ListVMs(ctx, domain.VMFilter{UserID: u.ID})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, live.ID, active[0].ID)

	all, err := store.ListVMs(ctx, domain.VMFilter{UserID: u.ID, IncludeDeleted: true})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	billable, err := store.ListBillableVMs(ctx)
	require.NoError(t, err)
	require.Len(t, billable, 1)
	assert.Equal(t, domain.StateRunning, billable[0].State)
}

func TestTemplatePricingUpdate(t *testing.T) {
	store := storagetest.Open(t)
	ctx := context.Background()
	tmpl := storagetest.SeedTemplate(t, store, "0.10")

	price := decimal.RequireFromString("0.2500")
	inactive := false
	require.NoError(t, store.UpdateTemplatePricing(ctx, tmpl.ID, &price, &inactive, nil))

	got, err := store.GetTemplate(ctx, tmpl.ID)
	require.NoError(t, err)
	assert.True(t, got.CostPerHour.Equal(price))
	assert.False(t, got.IsActive)

	bad := decimal.RequireFromString("0.00001")
	assert.ErrorIs(t, store.UpdateTemplatePricing(ctx, tmpl.ID, &bad, nil, nil), domain.ErrValidation)
	assert.ErrorIs(t, store.UpdateTemplatePricing(ctx, "missing", &price, nil, nil), domain.ErrNotFound)
}

func TestAuditLogRoundTrip(t *testing.T) {
	store := storagetest.Open(t)
	ctx := context.Background()
	require.NoError(t, store.AppendAuditLog(ctx, domain.AuditLog{Action: "vm_created", VMID: "v1", Details: map[string]any{"name": "web"}, CreatedAt: t0}))
	require.NoError(t, store.AppendAuditLog(ctx, domain.AuditLog{Action: "vm_deleted", VMID: "v1", CreatedAt: t0}))

	logs, err := store.ListAuditLogs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "vm_deleted", logs[0].Action)
	assert.Equal(t, "web", logs[1].Details["name"])
}
