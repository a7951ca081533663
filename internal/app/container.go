// Package app wires the engine together from a loaded configuration. The
// daemon and the admin CLI build the same container; only the daemon runs
// the websocket hub.
package app

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"unimanager/internal/account"
	"unimanager/internal/audit"
	"unimanager/internal/billing"
	"unimanager/internal/clock"
	"unimanager/internal/config"
	"unimanager/internal/enforcement"
	"unimanager/internal/hypervisor"
	"unimanager/internal/lifecycle"
	"unimanager/internal/monitor"
	"unimanager/internal/placement"
	"unimanager/internal/scheduler"
	"unimanager/internal/secret"
	"unimanager/internal/storage"
	"unimanager/internal/ws"
)

type Container struct {
	Config    config.Config
	Logger    *zap.Logger
	Store     *storage.GormStore
	Secrets   *secret.AgeService
	Hub       *ws.Hub
	Audit     *audit.Dispatcher
	Sims      *hypervisor.SimRegistry
	Ledger    *billing.Ledger
	Lifecycle *lifecycle.Service
	Accounts  *account.Service
	Sweeper   *enforcement.Sweeper
	Poller    *monitor.Poller
	Scheduler *scheduler.Scheduler
	Registry  *prometheus.Registry

	nats *audit.NATSSink
}

type Options struct {
	// WithHub adds the websocket hub as an audit sink. The caller runs it.
	WithHub bool
	Clock   clock.Clock
}

func New(cfg config.Config, logger *zap.Logger, opts Options) (*Container, error) {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}

	threshold, err := cfg.LowBalance()
	if err != nil {
		return nil, err
	}

	identity, err := config.LoadOrGenerateIdentity(cfg.IdentityPath)
	if err != nil {
		return nil, fmt.Errorf("loading secret identity: %w", err)
	}
	secrets, err := secret.NewAgeService(identity)
	if err != nil {
		return nil, err
	}

	store, err := storage.NewGormStore(cfg.DatabasePath, logger)
	if err != nil {
		return nil, fmt.Errorf("could not connect to db: %w", err)
	}

	c := &Container{
		Config:   cfg,
		Logger:   logger,
		Store:    store,
		Secrets:  secrets,
		Sims:     hypervisor.NewSimRegistry(),
		Registry: prometheus.NewRegistry(),
	}

	sinks := []audit.Sink{audit.NewStoreSink(store), audit.NewLogSink(logger)}
	if opts.WithHub {
		c.Hub = ws.NewHub(100, logger)
		sinks = append(sinks, audit.NewBroadcastSink(c.Hub))
	}
	if cfg.NATSURL != "" {
		nc, err := audit.NewNATSSink(cfg.NATSURL, cfg.NATSSubject, logger)
		if err != nil {
			logger.Warn("audit events will not be published to nats", zap.Error(err))
		} else {
			c.nats = nc
			sinks = append(sinks, nc)
		}
	}
	c.Audit = audit.NewDispatcher(logger, cfg.AuditBuffer, sinks...)
	c.Audit.Start()

	connector := hypervisor.NewConnector(secrets, hypervisor.Timeouts{
		Call: cfg.HypervisorTimeout(),
		Test: cfg.TestTimeout(),
	}, c.Sims, logger)

	c.Ledger = billing.NewLedger(store, clk, c.Audit, logger)
	c.Lifecycle = lifecycle.NewService(store, placement.NewSelector(store), connector, clk, c.Audit, logger)
	c.Accounts = account.NewService(store, clk, c.Audit, logger)
	c.Sweeper = enforcement.NewSweeper(store, c.Lifecycle, c.Audit, enforcement.Config{LowBalanceThreshold: threshold}, logger)
	c.Poller = monitor.NewPoller(store, connector, c.Audit, logger)

	c.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	c.Scheduler = scheduler.New(store, c.Ledger, c.Sweeper, c.Poller, clk, scheduler.Config{
		BillingInterval: cfg.BillingInterval(),
		SweepInterval:   cfg.SweepInterval(),
		HealthInterval:  cfg.HealthInterval(),
		AutoBilling:     cfg.EnableAutoBilling,
		AutoShutdown:    cfg.EnableAutoShutdown,
	}, c.Registry, logger)

	return c, nil
}

// Close drains pending audit events before the store goes away.
func (c *Container) Close() error {
	c.Audit.Close()
	if c.nats != nil {
		c.nats.Close()
	}
	return c.Store.Close()
}
