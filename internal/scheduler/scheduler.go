// Package scheduler fires the billing cycle, the balance sweep and the
// server health poll on independent fixed intervals.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"unimanager/internal/clock"
	"unimanager/internal/domain"
	"unimanager/internal/enforcement"
	"unimanager/internal/monitor"
)

const (
	JobBilling = "billing"
	JobSweep   = "sweep"
	JobHealth  = "health"
)

var (
	ErrJobRunning = errors.New("job already running")
	ErrUnknownJob = errors.New("unknown job")
)

type Biller interface {
	Bill(ctx context.Context, vmID string, now time.Time) (*domain.Transaction, error)
}

type BillableLister interface {
	ListBillableVMs(ctx context.Context) ([]domain.VM, error)
}

type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (enforcement.Result, error)
}

type Poller interface {
	Poll(ctx context.Context, now time.Time) (monitor.Report, error)
}

type Config struct {
	BillingInterval time.Duration
	SweepInterval   time.Duration
	HealthInterval  time.Duration
	AutoBilling     bool
	AutoShutdown    bool
}

type BillingReport struct {
	Skipped bool   `json:"skipped,omitempty"`
	Checked int    `json:"checked"`
	Billed  int    `json:"billed"`
	Failed  int    `json:"failed"`
	Amount  string `json:"amount"`
}

type SweepReport struct {
	Skipped bool `json:"skipped,omitempty"`
	enforcement.Result
}

type HealthReport struct {
	monitor.Report
}

type Scheduler struct {
	vms     BillableLister
	ledger  Biller
	sweeper Sweeper
	poller  Poller
	clock   clock.Clock
	cfg     Config
	metrics *metrics
	logger  *zap.Logger

	running map[string]*atomic.Bool
	wg      sync.WaitGroup
}

func New(vms BillableLister, ledger Biller, sweeper Sweeper, poller Poller, clk clock.Clock, cfg Config, reg prometheus.Registerer, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		vms:     vms,
		ledger:  ledger,
		sweeper: sweeper,
		poller:  poller,
		clock:   clk,
		cfg:     cfg,
		metrics: newMetrics(reg),
		logger:  logger.Named("scheduler"),
		running: map[string]*atomic.Bool{
			JobBilling: {},
			JobSweep:   {},
			JobHealth:  {},
		},
	}
}

// run executes fn unless the same job is already in progress. The job is
// detached from ctx cancellation: once started it runs to completion.
func (s *Scheduler) run(ctx context.Context, job string, fn func(ctx context.Context) (skipped bool, err error)) error {
	flag := s.running[job]
	if !flag.CompareAndSwap(false, true) {
		s.metrics.runs.WithLabelValues(job, "overlap").Inc()
		s.logger.Warn("previous run still in progress, skipping", zap.String("job", job))
		return fmt.Errorf("%s: %w", job, ErrJobRunning)
	}
	defer flag.Store(false)

	start := time.Now()
	skipped, err := fn(context.WithoutCancel(ctx))
	switch {
	case err != nil:
		s.metrics.runs.WithLabelValues(job, "error").Inc()
		s.logger.Error("job failed", zap.String("job", job), zap.Error(err))
	case skipped:
		s.metrics.runs.WithLabelValues(job, "skipped").Inc()
	default:
		s.metrics.runs.WithLabelValues(job, "ok").Inc()
		s.metrics.lastSuccess.WithLabelValues(job).SetToCurrentTime()
	}
	s.metrics.duration.WithLabelValues(job).Observe(time.Since(start).Seconds())
	return err
}

// RunBillingCycle bills every VM in a billable state. A VM that fails,
// even after the store's conflict retry, is logged and left for the next
// cycle.
func (s *Scheduler) RunBillingCycle(ctx context.Context) (BillingReport, error) {
	rep := BillingReport{Amount: "0.00"}
	err := s.run(ctx, JobBilling, func(ctx context.Context) (bool, error) {
		if !s.cfg.AutoBilling {
			rep.Skipped = true
			return true, nil
		}
		now := s.clock.Now()
		vms, err := s.vms.ListBillableVMs(ctx)
		if err != nil {
			return false, fmt.Errorf("listing billable vms: %w", err)
		}

		total := decimal.Zero
		for _, vm := range vms {
			rep.Checked++
			txn, err := s.ledger.Bill(ctx, vm.ID, now)
			if err != nil {
				rep.Failed++
				s.metrics.entityFailures.WithLabelValues(JobBilling).Inc()
				s.logger.Error("billing vm failed",
					zap.String("vm_id", vm.ID),
					zap.String("user_id", vm.UserID),
					zap.String("kind", domain.KindOf(err)),
					zap.Error(err),
				)
				continue
			}
			if txn == nil {
				continue
			}
			rep.Billed++
			charged := txn.Amount.Neg()
			total = total.Add(charged)
			s.metrics.billedVMs.Inc()
			s.metrics.billedAmount.Add(charged.InexactFloat64())
		}
		rep.Amount = total.StringFixed(2)

		s.logger.Info("billing cycle finished",
			zap.Int("checked", rep.Checked),
			zap.Int("billed", rep.Billed),
			zap.Int("failed", rep.Failed),
			zap.String("amount", rep.Amount),
		)
		return false, nil
	})
	return rep, err
}

func (s *Scheduler) RunBalanceSweep(ctx context.Context) (SweepReport, error) {
	var rep SweepReport
	err := s.run(ctx, JobSweep, func(ctx context.Context) (bool, error) {
		if !s.cfg.AutoShutdown {
			rep.Skipped = true
			return true, nil
		}
		res, err := s.sweeper.Sweep(ctx, s.clock.Now())
		rep.Result = res
		if res.Failures > 0 {
			s.metrics.entityFailures.WithLabelValues(JobSweep).Add(float64(res.Failures))
		}
		s.metrics.forcedStops.Add(float64(res.VMsStopped))
		return false, err
	})
	return rep, err
}

func (s *Scheduler) RunServerHealthPoll(ctx context.Context) (HealthReport, error) {
	var rep HealthReport
	err := s.run(ctx, JobHealth, func(ctx context.Context) (bool, error) {
		res, err := s.poller.Poll(ctx, s.clock.Now())
		rep.Report = res
		if err != nil {
			return false, err
		}
		if res.Failed > 0 {
			s.metrics.entityFailures.WithLabelValues(JobHealth).Add(float64(res.Failed))
		}
		s.metrics.serversOnline.Set(float64(res.Online))
		s.logger.Info("health poll finished", zap.Int("checked", res.Checked), zap.Int("online", res.Online))
		return false, nil
	})
	return rep, err
}

// Trigger runs a job by name and returns its report.
func (s *Scheduler) Trigger(ctx context.Context, job string) (any, error) {
	switch job {
	case JobBilling:
		return s.RunBillingCycle(ctx)
	case JobSweep:
		return s.RunBalanceSweep(ctx)
	case JobHealth:
		return s.RunServerHealthPoll(ctx)
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownJob, job)
}

// Start fires each job on its own ticker until ctx is done. A tick that
// lands while the previous run is still going is skipped. Wait blocks until
// the tickers have exited and in-flight runs finished.
func (s *Scheduler) Start(ctx context.Context) {
	s.every(ctx, JobBilling, s.cfg.BillingInterval)
	s.every(ctx, JobSweep, s.cfg.SweepInterval)
	s.every(ctx, JobHealth, s.cfg.HealthInterval)
	s.logger.Info("scheduler started",
		zap.Duration("billing", s.cfg.BillingInterval),
		zap.Duration("sweep", s.cfg.SweepInterval),
		zap.Duration("health", s.cfg.HealthInterval),
	)
}

func (s *Scheduler) every(ctx context.Context, job string, interval time.Duration) {
	if interval <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = s.Trigger(ctx, job)
			}
		}
	}()
}

func (s *Scheduler) Wait() {
	s.wg.Wait()
}
