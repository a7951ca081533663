package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

func UserKey(id string) string   { return "user:" + id }
func VMKey(id string) string     { return "vm:" + id }
func ServerKey(id string) string { return "server:" + id }

// Tx is the view of the store inside one atomic unit. Save methods are
// compare-and-swap on Version and fail with ErrConcurrencyConflict when the
// row changed since it was read.
type Tx interface {
	GetUser(id string) (User, error)
	SaveUser(u User) (User, error)
	GetVM(id string) (VM, error)
	SaveVM(vm VM) (VM, error)
	InsertVM(vm VM) (VM, error)
	GetServer(id string) (Server, error)
	SaveServer(s Server) (Server, error)
	GetTemplate(id string) (VMTemplate, error)
	AppendTransaction(t Transaction) (Transaction, error)
	ListTransactions(userID string) ([]Transaction, error)
}

type VMFilter struct {
	UserID         string
	ServerID       string
	States         []VMState
	IncludeDeleted bool
}

type UserRepository interface {
	CreateUser(ctx context.Context, u User) (User, error)
	GetUser(ctx context.Context, id string) (User, error)
	ListUsers(ctx context.Context, status UserStatus) ([]User, error)
	UpdateUser(ctx context.Context, id string, fn func(User) (User, error)) (User, error)
}

type VMRepository interface {
	GetVM(ctx context.Context, id string) (VM, error)
	ListVMs(ctx context.Context, filter VMFilter) ([]VM, error)
	ListBillableVMs(ctx context.Context) ([]VM, error)
	UpdateVM(ctx context.Context, id string, fn func(VM) (VM, error)) (VM, error)
}

type ServerRepository interface {
	CreateServer(ctx context.Context, s Server) (Server, error)
	GetServer(ctx context.Context, id string) (Server, error)
	ListServers(ctx context.Context) ([]Server, error)
	UpdateServer(ctx context.Context, id string, fn func(Server) (Server, error)) (Server, error)
}

type TemplateRepository interface {
	CreateTemplate(ctx context.Context, t VMTemplate) (VMTemplate, error)
	GetTemplate(ctx context.Context, id string) (VMTemplate, error)
	ListTemplates(ctx context.Context) ([]VMTemplate, error)
	UpdateTemplatePricing(ctx context.Context, id string, costPerHour *decimal.Decimal, isActive *bool, isPublic *bool) error
}

type TransactionRepository interface {
	ListTransactions(ctx context.Context, userID string) ([]Transaction, error)
}

type AuditRepository interface {
	AppendAuditLog(ctx context.Context, entry AuditLog) error
	ListAuditLogs(ctx context.Context, limit int) ([]AuditLog, error)
}

// LedgerStore is the persistence contract of the engine. Atomic runs fn as
// one indivisible unit while holding exclusive access to every key, and
// retries it once on ErrConcurrencyConflict.
type LedgerStore interface {
	Atomic(ctx context.Context, keys []string, fn func(tx Tx) error) error

	UserRepository
	VMRepository
	ServerRepository
	TemplateRepository
	TransactionRepository
}

type Repository interface {
	LedgerStore
	AuditRepository
	Close() error
}
