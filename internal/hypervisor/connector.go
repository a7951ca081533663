package hypervisor

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"unimanager/internal/domain"
)

// Decrypter recovers a server's API token from its stored ciphertext.
type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

// SimRegistry resolves sim://<host> server URLs to simulators. Unknown
// hosts get a simulator sized after the local machine.
type SimRegistry struct {
	mu   sync.Mutex
	sims map[string]*Simulator
}

func NewSimRegistry() *SimRegistry {
	return &SimRegistry{sims: make(map[string]*Simulator)}
}

func (r *SimRegistry) Register(host string, sim *Simulator) {
	r.mu.Lock()
	r.sims[host] = sim
	r.mu.Unlock()
}

func (r *SimRegistry) lookup(ctx context.Context, host string) (*Simulator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sim, ok := r.sims[host]; ok {
		return sim, nil
	}
	sim, err := NewHostSimulator(ctx)
	if err != nil {
		return nil, err
	}
	r.sims[host] = sim
	return sim, nil
}

type Connector struct {
	secrets  Decrypter
	timeouts Timeouts
	sims     *SimRegistry
	logger   *zap.Logger
}

func NewConnector(secrets Decrypter, timeouts Timeouts, sims *SimRegistry, logger *zap.Logger) *Connector {
	if sims == nil {
		sims = NewSimRegistry()
	}
	return &Connector{
		secrets:  secrets,
		timeouts: timeouts,
		sims:     sims,
		logger:   logger.Named("hypervisor"),
	}
}

// Connect returns a client for srv. The token is decrypted here, right
// before use, and lives only inside the returned client.
func (c *Connector) Connect(ctx context.Context, srv domain.Server) (Client, error) {
	u, err := url.Parse(srv.APIURL)
	if err != nil {
		return nil, fmt.Errorf("%w: server %s has an invalid api url: %v", domain.ErrValidation, srv.ID, err)
	}

	var inner Client
	switch u.Scheme {
	case "sim":
		sim, err := c.sims.lookup(ctx, u.Host)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", domain.ErrExternalProvider, srv.ID, err)
		}
		inner = sim
	case "http", "https":
		token, err := c.secrets.Decrypt(srv.APITokenEncrypted)
		if err != nil {
			return nil, fmt.Errorf("%w: decrypting credentials for server %s: %w", domain.ErrValidation, srv.ID, err)
		}
		inner = NewProxmoxClient(srv.APIURL, token, srv.VerifySSL)
	default:
		return nil, fmt.Errorf("%w: server %s uses unsupported scheme %q", domain.ErrValidation, srv.ID, u.Scheme)
	}

	return &guarded{inner: inner, server: srv.ID, timeouts: c.timeouts, logger: c.logger}, nil
}

// guarded bounds every call with a timeout and classifies failures as
// ErrExternalProvider.
type guarded struct {
	inner    Client
	server   string
	timeouts Timeouts
	logger   *zap.Logger
}

func guard[T any](ctx context.Context, g *guarded, op string, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	out, err := fn(ctx)
	if err != nil {
		g.logger.Warn("hypervisor call failed", zap.String("server_id", g.server), zap.String("op", op), zap.Error(err))
		var zero T
		return zero, fmt.Errorf("%w: server %s %s: %w", domain.ErrExternalProvider, g.server, op, err)
	}
	return out, nil
}

func (g *guarded) exec(ctx context.Context, op string, fn func(context.Context) error) error {
	_, err := guard(ctx, g, op, g.timeouts.Call, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func (g *guarded) TestConnection(ctx context.Context) (Version, error) {
	return guard(ctx, g, "test", g.timeouts.Test, g.inner.TestConnection)
}

func (g *guarded) ListNodes(ctx context.Context) ([]Node, error) {
	return guard(ctx, g, "nodes", g.timeouts.Test, g.inner.ListNodes)
}

func (g *guarded) NextID(ctx context.Context) (int, error) {
	return guard(ctx, g, "nextid", g.timeouts.Test, g.inner.NextID)
}

func (g *guarded) CreateVM(ctx context.Context, node string, spec VMSpec) error {
	return g.exec(ctx, "create", func(ctx context.Context) error { return g.inner.CreateVM(ctx, node, spec) })
}

func (g *guarded) StartVM(ctx context.Context, node string, vmid int) error {
	return g.exec(ctx, "start", func(ctx context.Context) error { return g.inner.StartVM(ctx, node, vmid) })
}

func (g *guarded) StopVM(ctx context.Context, node string, vmid int) error {
	return g.exec(ctx, "stop", func(ctx context.Context) error { return g.inner.StopVM(ctx, node, vmid) })
}

func (g *guarded) RebootVM(ctx context.Context, node string, vmid int) error {
	return g.exec(ctx, "reboot", func(ctx context.Context) error { return g.inner.RebootVM(ctx, node, vmid) })
}

func (g *guarded) SuspendVM(ctx context.Context, node string, vmid int) error {
	return g.exec(ctx, "suspend", func(ctx context.Context) error { return g.inner.SuspendVM(ctx, node, vmid) })
}

func (g *guarded) ResumeVM(ctx context.Context, node string, vmid int) error {
	return g.exec(ctx, "resume", func(ctx context.Context) error { return g.inner.ResumeVM(ctx, node, vmid) })
}

func (g *guarded) DeleteVM(ctx context.Context, node string, vmid int) error {
	return g.exec(ctx, "delete", func(ctx context.Context) error { return g.inner.DeleteVM(ctx, node, vmid) })
}

func (g *guarded) ResizeVM(ctx context.Context, node string, vmid int, r domain.Resources) error {
	return g.exec(ctx, "resize", func(ctx context.Context) error { return g.inner.ResizeVM(ctx, node, vmid, r) })
}

func (g *guarded) GetStatus(ctx context.Context, node string, vmid int) (Status, error) {
	return guard(ctx, g, "status", g.timeouts.Test, func(ctx context.Context) (Status, error) {
		return g.inner.GetStatus(ctx, node, vmid)
	})
}
