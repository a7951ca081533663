package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type UserStatus string

const (
	UserActive    UserStatus = "active"
	UserSuspended UserStatus = "suspended"
	UserBanned    UserStatus = "banned"
)

func ParseUserStatus(v string) (UserStatus, error) {
	switch s := UserStatus(v); s {
	case UserActive, UserSuspended, UserBanned:
		return s, nil
	}
	return "", validationf("unknown user status %q", v)
}

type Role string

const (
	RoleUser     Role = "user"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

func ParseRole(v string) (Role, error) {
	switch r := Role(v); r {
	case RoleUser, RoleOperator, RoleAdmin:
		return r, nil
	}
	return "", validationf("unknown role %q", v)
}

// User is a tenant. Balance changes only through ledger transactions.
type User struct {
	ID        string          `json:"id"`
	Email     string          `json:"email"`
	Role      Role            `json:"role"`
	Balance   decimal.Decimal `json:"balance"`
	Status    UserStatus      `json:"status"`
	BanReason string          `json:"ban_reason,omitempty"`
	BanUntil  *time.Time      `json:"ban_until,omitempty"`
	Version   int64           `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// IsBanned reports whether a ban is in force at now. A nil BanUntil is a
// permanent ban.
func (u User) IsBanned(now time.Time) bool {
	if u.Status != UserBanned {
		return false
	}
	if u.BanUntil == nil {
		return true
	}
	return now.Before(*u.BanUntil)
}

// CanOperate reports whether the account may create, start or resume VMs.
// An expired ban still leaves the account BANNED until an admin lifts it.
func (u User) CanOperate(now time.Time) bool {
	return u.Status == UserActive && !u.IsBanned(now)
}

func (u User) HasFunds() bool { return u.Balance.Sign() > 0 }

// Exhausted matches the enforcement selection: active and not in credit.
func (u User) Exhausted() bool {
	return u.Status == UserActive && u.Balance.Sign() <= 0
}
