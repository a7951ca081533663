package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// VMState is the closed set of lifecycle states. The zero value is not a
// valid state.
type VMState int

const (
	StateCreating VMState = iota + 1
	StateRunning
	StateStopped
	StateSuspended
	StateError
	StateDeleting
	StateDeleted
)

var vmStateNames = map[VMState]string{
	StateCreating:  "creating",
	StateRunning:   "running",
	StateStopped:   "stopped",
	StateSuspended: "suspended",
	StateError:     "error",
	StateDeleting:  "deleting",
	StateDeleted:   "deleted",
}

// transitions is the complete transition table. A state missing from a
// row cannot be reached from that row's state.
var transitions = map[VMState][]VMState{
	StateCreating:  {StateRunning, StateError, StateDeleting},
	StateRunning:   {StateStopped, StateSuspended, StateDeleting},
	StateStopped:   {StateRunning, StateDeleting},
	StateSuspended: {StateRunning, StateDeleting},
	StateError:     {StateDeleting},
	StateDeleting:  {StateDeleted, StateError},
	StateDeleted:   {},
}

func AllVMStates() []VMState {
	return []VMState{StateCreating, StateRunning, StateStopped, StateSuspended, StateError, StateDeleting, StateDeleted}
}

func (s VMState) String() string {
	if name, ok := vmStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("VMState(%d)", int(s))
}

func (s VMState) Valid() bool {
	_, ok := vmStateNames[s]
	return ok
}

func ParseVMState(v string) (VMState, error) {
	for state, name := range vmStateNames {
		if name == v {
			return state, nil
		}
	}
	return 0, validationf("unknown vm state %q", v)
}

func (s VMState) Terminal() bool { return s == StateDeleted }

// Billable reports whether elapsed time in this state accrues cost.
func (s VMState) Billable() bool { return s == StateRunning || s == StateSuspended }

func (s VMState) CanTransition(to VMState) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

type Resources struct {
	CPUCores int `json:"cpu_cores"`
	RAMMB    int `json:"ram_mb"`
	DiskGB   int `json:"disk_gb"`
}

type VM struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	TemplateID   string     `json:"template_id"`
	ServerID     string     `json:"server_id"`
	Name         string     `json:"name"`
	Hostname     string     `json:"hostname"`
	HypervisorID int        `json:"hypervisor_id"`
	NodeName     string     `json:"node_name"`
	Resources    Resources  `json:"resources"`
	IPAddress    string     `json:"ip_address,omitempty"`
	State        VMState    `json:"-"`
	LastError    string     `json:"last_error,omitempty"`
	LastBilledAt *time.Time `json:"last_billed_at,omitempty"`
	TotalCost    int64      `json:"total_cost"`
	Notes        string     `json:"notes,omitempty"`
	Version      int64      `json:"version"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
}

func (vm VM) Provisioned() bool { return vm.HypervisorID != 0 }

func IsBillable(vm VM) bool { return vm.State.Billable() }

// BillingAnchor is the instant billing resumes from: the last bill, or
// creation when the VM was never billed.
func BillingAnchor(vm VM) time.Time {
	if vm.LastBilledAt != nil {
		return *vm.LastBilledAt
	}
	return vm.CreatedAt
}

// Elapsed is the unbilled duration at now. It is negative when now lies
// before the anchor.
func Elapsed(vm VM, now time.Time) time.Duration {
	return now.Sub(BillingAnchor(vm))
}

// UptimeHours is the unbilled time at now as fractional hours, clamped to
// zero.
func UptimeHours(vm VM, now time.Time) decimal.Decimal {
	elapsed := Elapsed(vm, now)
	if elapsed <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(elapsed)).Div(decimal.NewFromInt(int64(time.Hour)))
}

// Transition returns the snapshot that results from moving vm to the given
// state at now, with the side effects attached to the edge.
func Transition(vm VM, to VMState, now time.Time) (VM, error) {
	if !vm.State.CanTransition(to) {
		return vm, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, vm.State, to)
	}
	from := vm.State
	vm.State = to
	switch to {
	case StateRunning:
		// Resuming from SUSPENDED keeps the anchor: suspended time is billable.
		if !from.Billable() {
			billedAt := now
			vm.LastBilledAt = &billedAt
		}
		vm.LastError = ""
	case StateDeleted:
		deletedAt := now
		vm.DeletedAt = &deletedAt
	}
	vm.UpdatedAt = now
	return vm, nil
}
