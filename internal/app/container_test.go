package app

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"unimanager/internal/billing"
	"unimanager/internal/clock"
	"unimanager/internal/config"
	"unimanager/internal/domain"
	"unimanager/internal/hypervisor"
	"unimanager/internal/lifecycle"
	"unimanager/internal/scheduler"
	"unimanager/internal/storage"
)

func TestContainerRunsTheBillingPath(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default(t.TempDir())
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	c, err := New(cfg, zap.NewNop(), Options{Clock: clk})
	require.NoError(t, err)
	c.Sims.Register("pve-a", hypervisor.NewSimulator())

	srv, err := c.Store.CreateServer(ctx, domain.Server{
		Name: "pve-a", APIURL: "sim://pve-a", IsActive: true, AllowVMCreation: true,
	})
	require.NoError(t, err)

	health, err := c.Scheduler.Trigger(ctx, scheduler.JobHealth)
	require.NoError(t, err)
	assert.Equal(t, 1, health.(scheduler.HealthReport).Online)

	srv, err = c.Store.GetServer(ctx, srv.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ServerOnline, srv.Status)
	assert.Equal(t, 16, srv.Capacity.TotalCPUCores)

	user, err := c.Accounts.Create(ctx, "ops@example.com", domain.RoleUser)
	require.NoError(t, err)
	_, err = c.Ledger.Credit(ctx, billing.CreditRequest{UserID: user.ID, Amount: decimal.NewFromInt(50), Type: domain.TxCredit})
	require.NoError(t, err)

	tmpl, err := c.Store.CreateTemplate(ctx, domain.VMTemplate{
		Name:        "small",
		Defaults:    domain.Resources{CPUCores: 1, RAMMB: 1024, DiskGB: 20},
		Min:         domain.Resources{CPUCores: 1, RAMMB: 512, DiskGB: 10},
		Max:         domain.Resources{CPUCores: 4, RAMMB: 8192, DiskGB: 100},
		CostPerHour: decimal.RequireFromString("0.10"),
		IsActive:    true,
	})
	require.NoError(t, err)

	vm, err := c.Lifecycle.Create(ctx, lifecycle.CreateRequest{UserID: user.ID, TemplateID: tmpl.ID, Name: "web-1"})
	require.NoError(t, err)
	assert.Equal(t, srv.ID, vm.ServerID)
	vm, err = c.Lifecycle.Provision(ctx, vm.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRunning, vm.State)

	clk.Advance(2 * time.Hour)
	report, err := c.Scheduler.Trigger(ctx, scheduler.JobBilling)
	require.NoError(t, err)
	assert.Equal(t, "0.20", report.(scheduler.BillingReport).Amount)

	families, err := c.Registry.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "unimanager_billed_vms_total")
	assert.Contains(t, names, "go_goroutines")

	require.NoError(t, c.Close())

	// Close drained the audit queue into the database.
	store, err := storage.NewGormStore(cfg.DatabasePath, zap.NewNop())
	require.NoError(t, err)
	defer store.Close()

	logs, err := store.ListAuditLogs(ctx, 0)
	require.NoError(t, err)
	actions := make([]string, 0, len(logs))
	for _, l := range logs {
		actions = append(actions, l.Action)
	}
	assert.Contains(t, actions, "credit_added")
	assert.Contains(t, actions, "vm_created")
	assert.Contains(t, actions, "vm_provisioned")
	assert.Contains(t, actions, "server_status_changed")

	u, err := store.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, u.Balance.Equal(decimal.RequireFromString("49.80")), u.Balance.String())
}
