// Package storagetest opens throwaway ledger stores and seeds them for
// tests in other packages.
package storagetest

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"unimanager/internal/domain"
	"unimanager/internal/storage"
)

func Open(t testing.TB) *storage.GormStore {
	t.Helper()
	store, err := storage.NewGormStore(filepath.Join(t.TempDir(), "ledger.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// SeedUser creates an active user and, for a non-zero balance, writes the
// opening ledger entry so replay stays consistent.
func SeedUser(t testing.TB, store domain.LedgerStore, balance string, at time.Time) domain.User {
	t.Helper()
	ctx := context.Background()
	u, err := store.CreateUser(ctx, domain.User{
		Email:     fmt.Sprintf("%s@example.test", uuid.NewString()[:8]),
		CreatedAt: at,
	})
	require.NoError(t, err)

	amount := decimal.RequireFromString(balance)
	if amount.IsZero() {
		return u
	}
	txType := domain.TxCredit
	if amount.Sign() < 0 {
		txType = domain.TxAdminAdjust
	}
	err = store.Atomic(ctx, []string{domain.UserKey(u.ID)}, func(tx domain.Tx) error {
		cur, err := tx.GetUser(u.ID)
		if err != nil {
			return err
		}
		cur.Balance = cur.Balance.Add(amount)
		cur.UpdatedAt = at
		if _, err := tx.AppendTransaction(domain.Transaction{
			UserID:       u.ID,
			Amount:       amount,
			Type:         txType,
			Description:  "opening balance",
			BalanceAfter: cur.Balance,
			CreatedAt:    at,
		}); err != nil {
			return err
		}
		u, err = tx.SaveUser(cur)
		return err
	})
	require.NoError(t, err)
	return u
}

func SeedTemplate(t testing.TB, store domain.LedgerStore, costPerHour string) domain.VMTemplate {
	t.Helper()
	tmpl, err := store.CreateTemplate(context.Background(), domain.VMTemplate{
		Name:        "tmpl-" + uuid.NewString()[:8],
		OSType:      "linux",
		OSName:      "debian-12",
		CostPerHour: decimal.RequireFromString(costPerHour),
		IsActive:    true,
		IsPublic:    true,
		Defaults:    domain.Resources{CPUCores: 1, RAMMB: 1024, DiskGB: 20},
		Min:         domain.Resources{CPUCores: 1, RAMMB: 512, DiskGB: 10},
		Max:         domain.Resources{CPUCores: 8, RAMMB: 16384, DiskGB: 200},
	})
	require.NoError(t, err)
	return tmpl
}

type ServerOption func(*domain.Server)

func WithStatus(s domain.ServerStatus) ServerOption {
	return func(srv *domain.Server) { srv.Status = s }
}

func WithURL(url string) ServerOption {
	return func(srv *domain.Server) { srv.APIURL = url }
}

func WithToken(encrypted string) ServerOption {
	return func(srv *domain.Server) { srv.APITokenEncrypted = encrypted }
}

func SeedServer(t testing.TB, store domain.LedgerStore, id string, priority int, opts ...ServerOption) domain.Server {
	t.Helper()
	srv := domain.Server{
		ID:              id,
		Name:            "pve-" + id,
		APIURL:          "sim://" + id,
		Status:          domain.ServerOnline,
		IsActive:        true,
		AllowVMCreation: true,
		Priority:        priority,
	}
	for _, opt := range opts {
		opt(&srv)
	}
	created, err := store.CreateServer(context.Background(), srv)
	require.NoError(t, err)
	return created
}

// SeedVM inserts a VM directly in the given state, bypassing lifecycle
// guards. lastBilled may be nil.
func SeedVM(t testing.TB, store domain.LedgerStore, user domain.User, tmpl domain.VMTemplate, serverID string, state domain.VMState, createdAt time.Time, lastBilled *time.Time) domain.VM {
	t.Helper()
	var vm domain.VM
	err := store.Atomic(context.Background(), nil, func(tx domain.Tx) error {
		var err error
		vm, err = tx.InsertVM(domain.VM{
			ID:           uuid.NewString(),
			UserID:       user.ID,
			TemplateID:   tmpl.ID,
			ServerID:     serverID,
			Name:         "vm-" + uuid.NewString()[:6],
			Hostname:     "vm.local",
			HypervisorID: 100,
			NodeName:     "pve1",
			Resources:    tmpl.Defaults,
			State:        state,
			LastBilledAt: lastBilled,
			CreatedAt:    createdAt,
			UpdatedAt:    createdAt,
		})
		return err
	})
	require.NoError(t, err)
	return vm
}
