// Package audit fans audit events out to their sinks without ever blocking
// the operation that produced them.
package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"unimanager/internal/domain"
)

const (
	ActionVMCreated           = "vm_created"
	ActionVMProvisioned       = "vm_provisioned"
	ActionVMProvisionFailed   = "vm_provision_failed"
	ActionVMForceStopped      = "vm_force_stopped"
	ActionVMDeleted           = "vm_deleted"
	ActionCreditAdded         = "credit_added"
	ActionBalanceLow          = "balance_low"
	ActionServerStatusChanged = "server_status_changed"
	ActionUserBanned          = "user_banned"
	ActionUserUnbanned        = "user_unbanned"
	ActionUserSuspended       = "user_suspended"
)

// VMAction names the audit action for a user VM action such as "stop".
func VMAction(action string) string { return "vm_" + action }

type Event struct {
	Action   string         `json:"action"`
	ActorID  string         `json:"actor_id,omitempty"`
	UserID   string         `json:"user_id,omitempty"`
	VMID     string         `json:"vm_id,omitempty"`
	ServerID string         `json:"server_id,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	At       time.Time      `json:"timestamp"`
}

func (e Event) toLog() domain.AuditLog {
	return domain.AuditLog{
		Action:    e.Action,
		ActorID:   e.ActorID,
		UserID:    e.UserID,
		VMID:      e.VMID,
		ServerID:  e.ServerID,
		Details:   e.Details,
		CreatedAt: e.At,
	}
}

// Recorder is what the engine sees. Record must return immediately.
type Recorder interface {
	Record(e Event)
}

type discard struct{}

func (discard) Record(Event) {}

var Discard Recorder = discard{}

type Sink interface {
	Name() string
	Write(ctx context.Context, e Event) error
}

// Dispatcher queues events on a bounded channel and delivers them to every
// sink from a single goroutine. A full queue drops the event.
type Dispatcher struct {
	logger *zap.Logger
	sinks  []Sink
	events chan Event

	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	dropped atomic.Uint64
}

func NewDispatcher(logger *zap.Logger, buffer int, sinks ...Sink) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	return &Dispatcher{
		logger: logger.Named("audit"),
		sinks:  sinks,
		events: make(chan Event, buffer),
	}
}

func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.run()
}

func (d *Dispatcher) Record(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.events <- e:
	default:
		d.dropped.Add(1)
		d.logger.Warn("audit queue full, dropping event", zap.String("action", e.Action))
	}
}

func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for e := range d.events {
		for _, s := range d.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.Write(ctx, e); err != nil {
				d.logger.Warn("audit sink failed", zap.String("sink", s.Name()), zap.String("action", e.Action), zap.Error(err))
			}
			cancel()
		}
	}
}

// Close stops accepting events and drains what is already queued.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.events)
	d.mu.Unlock()
	d.wg.Wait()
}
