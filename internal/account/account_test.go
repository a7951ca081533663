package account_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"unimanager/internal/account"
	"unimanager/internal/audit"
	"unimanager/internal/clock"
	"unimanager/internal/domain"
	"unimanager/internal/storage/storagetest"
)

var t0 = time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)

type recorder struct {
	mu      sync.Mutex
	actions []string
}

func (r *recorder) Record(e audit.Event) {
	r.mu.Lock()
	r.actions = append(r.actions, e.Action)
	r.mu.Unlock()
}

func TestBanLifecycle(t *testing.T) {
	ctx := context.Background()
	store := storagetest.Open(t)
	clk := clock.NewFake(t0)
	rec := &recorder{}
	svc := account.NewService(store, clk, rec, zap.NewNop())

	u, err := svc.Create(ctx, " Alice@Example.test ", domain.RoleUser)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.test", u.Email)
	assert.True(t, u.CanOperate(clk.Now()))

	past := t0.Add(-time.Hour)
	_, err = svc.Ban(ctx, "admin", u.ID, &past, "spam")
	assert.ErrorIs(t, err, domain.ErrValidation)

	until := t0.Add(24 * time.Hour)
	u, err = svc.Ban(ctx, "admin", u.ID, &until, "spam")
	require.NoError(t, err)
	assert.False(t, u.CanOperate(clk.Now()))

	// Expiry alone does not reactivate the account.
	clk.Advance(48 * time.Hour)
	u, err = store.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.False(t, u.IsBanned(clk.Now()))
	assert.False(t, u.CanOperate(clk.Now()))

	u, err = svc.Unban(ctx, "admin", u.ID)
	require.NoError(t, err)
	assert.True(t, u.CanOperate(clk.Now()))
	assert.Nil(t, u.BanUntil)

	_, err = svc.Unban(ctx, "admin", u.ID)
	assert.ErrorIs(t, err, domain.ErrValidation)

	u, err = svc.Suspend(ctx, "admin", u.ID, "chargeback")
	require.NoError(t, err)
	assert.Equal(t, domain.UserSuspended, u.Status)

	assert.Equal(t, []string{audit.ActionUserBanned, audit.ActionUserUnbanned, audit.ActionUserSuspended}, rec.actions)
}

func TestCreateRejectsBadEmail(t *testing.T) {
	store := storagetest.Open(t)
	svc := account.NewService(store, clock.NewFake(t0), audit.Discard, zap.NewNop())
	_, err := svc.Create(context.Background(), "nobody", domain.RoleUser)
	assert.ErrorIs(t, err, domain.ErrValidation)
}
