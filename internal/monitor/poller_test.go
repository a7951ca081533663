package monitor_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"unimanager/internal/audit"
	"unimanager/internal/domain"
	"unimanager/internal/hypervisor"
	"unimanager/internal/monitor"
	"unimanager/internal/storage/storagetest"
)

var t0 = time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recorder) Record(e audit.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

type noSecrets struct{}

func (noSecrets) Decrypt(string) (string, error) { return "", errors.New("no credentials") }

func TestPoll(t *testing.T) {
	ctx := context.Background()
	store := storagetest.Open(t)

	healthy := hypervisor.NewSimulator()
	broken := hypervisor.NewSimulator()
	broken.Fail("test", errors.New("401 unauthorized"))
	sims := hypervisor.NewSimRegistry()
	sims.Register("s1", healthy)
	sims.Register("s2", broken)
	sims.Register("s3", hypervisor.NewSimulator())
	sims.Register("s4", hypervisor.NewSimulator())

	storagetest.SeedServer(t, store, "s1", 1, storagetest.WithStatus(domain.ServerOffline))
	storagetest.SeedServer(t, store, "s2", 1)
	storagetest.SeedServer(t, store, "s3", 1, storagetest.WithStatus(domain.ServerMaintenance))
	storagetest.SeedServer(t, store, "s4", 1)
	_, err := store.UpdateServer(ctx, "s4", func(s domain.Server) (domain.Server, error) {
		s.IsActive = false
		return s, nil
	})
	require.NoError(t, err)

	rec := &recorder{}
	conn := hypervisor.NewConnector(noSecrets{}, hypervisor.Timeouts{Call: time.Second, Test: time.Second}, sims, zap.NewNop())
	poller := monitor.NewPoller(store, conn, rec, zap.NewNop())

	rep, err := poller.Poll(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, monitor.Report{Checked: 2, Online: 1, Failed: 1}, rep)

	s1, err := store.GetServer(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.ServerOnline, s1.Status)
	require.NotNil(t, s1.LastSeenAt)
	assert.True(t, t0.Equal(*s1.LastSeenAt))
	assert.Equal(t, 16, s1.Capacity.TotalCPUCores)
	assert.Equal(t, 65536, s1.Capacity.TotalRAMMB)

	s2, err := store.GetServer(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, domain.ServerError, s2.Status)
	assert.Contains(t, s2.LastError, "401 unauthorized")

	s3, err := store.GetServer(ctx, "s3")
	require.NoError(t, err)
	assert.Equal(t, domain.ServerMaintenance, s3.Status)

	require.Len(t, rec.events, 2)
	for _, e := range rec.events {
		assert.Equal(t, audit.ActionServerStatusChanged, e.Action)
	}

	// Unchanged servers emit nothing on the next pass.
	broken.Recover("test")
	_, err = poller.Poll(ctx, t0.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Len(t, rec.events, 3, "only s2 recovering is a change")
}
