package hypervisor_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"unimanager/internal/domain"
	"unimanager/internal/hypervisor"
)

type request struct {
	method string
	path   string
	form   url.Values
	auth   string
}

type fakeProxmox struct {
	mu       sync.Mutex
	requests []request
}

func (f *fakeProxmox) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	form, _ := url.ParseQuery(string(body))
	f.mu.Lock()
	f.requests = append(f.requests, request{method: r.Method, path: r.URL.Path, form: form, auth: r.Header.Get("Authorization")})
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.URL.Path == "/api2/json/version":
		fmt.Fprint(w, `{"data":{"version":"8.1.4","release":"8.1"}}`)
	case r.URL.Path == "/api2/json/nodes":
		fmt.Fprint(w, `{"data":[{"node":"pve1","status":"online","maxcpu":8,"cpu":0.25,"maxmem":17179869184,"mem":4294967296,"maxdisk":107374182400,"disk":10737418240},{"node":"pve2","status":"offline"}]}`)
	case r.URL.Path == "/api2/json/cluster/nextid":
		fmt.Fprint(w, `{"data":"104"}`)
	case strings.HasSuffix(r.URL.Path, "/status/current"):
		fmt.Fprint(w, `{"data":{"status":"running","uptime":42,"cpu":0.01,"mem":1024}}`)
	case strings.Contains(r.URL.Path, "/qemu/999/"):
		http.Error(w, "vm locked", http.StatusInternalServerError)
	default:
		fmt.Fprint(w, `{"data":"UPID:pve1:task"}`)
	}
}

func (f *fakeProxmox) last() request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func TestProxmoxClient(t *testing.T) {
	fake := &fakeProxmox{}
	srv := httptest.NewServer(http.HandlerFunc(fake.handler))
	defer srv.Close()

	ctx := context.Background()
	c := hypervisor.NewProxmoxClient(srv.URL+"/", "root@pam!engine=secret", true)

	v, err := c.TestConnection(ctx)
	require.NoError(t, err)
	assert.Equal(t, "8.1.4", v.Version)
	assert.Equal(t, "PVEAPIToken=root@pam!engine=secret", fake.last().auth)

	nodes, err := c.ListNodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.True(t, nodes[0].Online())
	assert.False(t, nodes[1].Online())

	capacity := hypervisor.Capacity(nodes)
	assert.Equal(t, 8, capacity.TotalCPUCores)
	assert.Equal(t, 2, capacity.UsedCPUCores)
	assert.Equal(t, 16384, capacity.TotalRAMMB)
	assert.Equal(t, 100, capacity.TotalDiskGB)

	id, err := c.NextID(ctx)
	require.NoError(t, err)
	assert.Equal(t, 104, id)

	require.NoError(t, c.CreateVM(ctx, "pve1", hypervisor.VMSpec{VMID: 104, Name: "web", Resources: domain.Resources{CPUCores: 2, RAMMB: 2048, DiskGB: 40}}))
	req := fake.last()
	assert.Equal(t, http.MethodPost, req.method)
	assert.Equal(t, "/api2/json/nodes/pve1/qemu", req.path)
	assert.Equal(t, "local-lvm:40", req.form.Get("scsi0"))
	assert.Equal(t, "2048", req.form.Get("memory"))

	require.NoError(t, c.CreateVM(ctx, "pve1", hypervisor.VMSpec{VMID: 105, Name: "db", TemplateID: 9000, Resources: domain.Resources{CPUCores: 4}}))
	fake.mu.Lock()
	clone := fake.requests[len(fake.requests)-2]
	fake.mu.Unlock()
	assert.Equal(t, "/api2/json/nodes/pve1/qemu/9000/clone", clone.path)
	assert.Equal(t, "105", clone.form.Get("newid"))
	assert.Equal(t, "/api2/json/nodes/pve1/qemu/105/config", fake.last().path)

	require.NoError(t, c.StartVM(ctx, "pve1", 104))
	assert.Equal(t, "/api2/json/nodes/pve1/qemu/104/status/start", fake.last().path)

	require.NoError(t, c.DeleteVM(ctx, "pve1", 104))
	assert.Equal(t, http.MethodDelete, fake.last().method)

	require.NoError(t, c.ResizeVM(ctx, "pve1", 104, domain.Resources{DiskGB: 80}))
	assert.Equal(t, "/api2/json/nodes/pve1/qemu/104/resize", fake.last().path)
	assert.Equal(t, "80G", fake.last().form.Get("size"))

	st, err := c.GetStatus(ctx, "pve1", 104)
	require.NoError(t, err)
	assert.Equal(t, "running", st.State)

	err = c.StopVM(ctx, "pve1", 999)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vm locked")
}

type plainSecrets struct{ calls int }

func (p *plainSecrets) Decrypt(c string) (string, error) {
	p.calls++
	if c == "" {
		return "", errors.New("no credentials")
	}
	return strings.TrimPrefix(c, "enc:"), nil
}

func TestConnectorDecryptsBeforeUse(t *testing.T) {
	fake := &fakeProxmox{}
	srv := httptest.NewServer(http.HandlerFunc(fake.handler))
	defer srv.Close()

	secrets := &plainSecrets{}
	conn := hypervisor.NewConnector(secrets, hypervisor.Timeouts{Call: time.Second, Test: time.Second}, nil, zap.NewNop())

	client, err := conn.Connect(context.Background(), domain.Server{ID: "s1", APIURL: srv.URL, APITokenEncrypted: "enc:tok", VerifySSL: true})
	require.NoError(t, err)
	_, err = client.TestConnection(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, secrets.calls)
	assert.Equal(t, "PVEAPIToken=tok", fake.last().auth)

	err = client.StopVM(context.Background(), "pve1", 999)
	assert.ErrorIs(t, err, domain.ErrExternalProvider)

	_, err = conn.Connect(context.Background(), domain.Server{ID: "s2", APIURL: "ftp://x"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestConnectorUndecryptableToken(t *testing.T) {
	secrets := &plainSecrets{}
	conn := hypervisor.NewConnector(secrets, hypervisor.Timeouts{Call: time.Second, Test: time.Second}, nil, zap.NewNop())

	_, err := conn.Connect(context.Background(), domain.Server{ID: "s1", APIURL: "https://pve.example:8006"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Equal(t, "validation", domain.KindOf(err))
	assert.Contains(t, err.Error(), "no credentials")
	assert.Equal(t, 1, secrets.calls)
}

func TestConnectorBoundsCalls(t *testing.T) {
	sim := hypervisor.NewSimulator()
	sims := hypervisor.NewSimRegistry()
	sims.Register("slow", sim)
	conn := hypervisor.NewConnector(&plainSecrets{}, hypervisor.Timeouts{Call: 20 * time.Millisecond, Test: 20 * time.Millisecond}, sims, zap.NewNop())

	client, err := conn.Connect(context.Background(), domain.Server{ID: "s1", APIURL: "sim://slow"})
	require.NoError(t, err)

	sim.SetDelay(time.Second)
	start := time.Now()
	_, err = client.TestConnection(context.Background())
	assert.ErrorIs(t, err, domain.ErrExternalProvider)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestSimulatorPowerStates(t *testing.T) {
	ctx := context.Background()
	sim := hypervisor.NewSimulator()

	id, err := sim.NextID(ctx)
	require.NoError(t, err)
	require.NoError(t, sim.CreateVM(ctx, "pve1", hypervisor.VMSpec{VMID: id, Name: "a", Resources: domain.Resources{CPUCores: 1, RAMMB: 512, DiskGB: 10}}))

	next, err := sim.NextID(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, id, next)

	assert.Error(t, sim.ResumeVM(ctx, "pve1", id))
	require.NoError(t, sim.StartVM(ctx, "pve1", id))
	require.NoError(t, sim.SuspendVM(ctx, "pve1", id))
	state, _ := sim.VMState(id)
	assert.Equal(t, "paused", state)
	require.NoError(t, sim.ResumeVM(ctx, "pve1", id))
	assert.Error(t, sim.DeleteVM(ctx, "pve1", id), "running vms cannot be deleted")
	assert.Error(t, sim.ResizeVM(ctx, "pve1", id, domain.Resources{DiskGB: 5}))
	require.NoError(t, sim.StopVM(ctx, "pve1", id))
	require.NoError(t, sim.DeleteVM(ctx, "pve1", id))
	_, ok := sim.VMState(id)
	assert.False(t, ok)

	sim.Fail("start", errors.New("no quorum"))
	require.NoError(t, sim.CreateVM(ctx, "pve1", hypervisor.VMSpec{VMID: 300, Name: "b"}))
	assert.EqualError(t, sim.StartVM(ctx, "pve1", 300), "no quorum")
	sim.Recover("start")
	assert.NoError(t, sim.StartVM(ctx, "pve1", 300))
	assert.Contains(t, sim.Calls(), "start")
}
