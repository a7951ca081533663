// Package account manages tenant status. Balances are never touched here;
// they move only through the billing ledger.
package account

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"unimanager/internal/audit"
	"unimanager/internal/clock"
	"unimanager/internal/domain"
)

type Service struct {
	users  domain.UserRepository
	clock  clock.Clock
	audit  audit.Recorder
	logger *zap.Logger
}

func NewService(users domain.UserRepository, clk clock.Clock, rec audit.Recorder, logger *zap.Logger) *Service {
	return &Service{
		users:  users,
		clock:  clk,
		audit:  rec,
		logger: logger.Named("account"),
	}
}

func (s *Service) Create(ctx context.Context, email string, role domain.Role) (domain.User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if !strings.Contains(email, "@") {
		return domain.User{}, fmt.Errorf("%w: invalid email %q", domain.ErrValidation, email)
	}
	now := s.clock.Now()
	return s.users.CreateUser(ctx, domain.User{
		Email:     email,
		Role:      role,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

// Ban blocks the account. A nil until is permanent. Running VMs are left
// alone; the ban only refuses new creates, starts and resumes.
func (s *Service) Ban(ctx context.Context, actorID, userID string, until *time.Time, reason string) (domain.User, error) {
	now := s.clock.Now()
	if until != nil && !until.After(now) {
		return domain.User{}, fmt.Errorf("%w: ban expiry %s is in the past", domain.ErrValidation, until.Format(time.RFC3339))
	}
	u, err := s.users.UpdateUser(ctx, userID, func(u domain.User) (domain.User, error) {
		u.Status = domain.UserBanned
		u.BanReason = reason
		u.BanUntil = until
		u.UpdatedAt = now
		return u, nil
	})
	if err != nil {
		return domain.User{}, err
	}

	details := map[string]any{"reason": reason}
	if until != nil {
		details["until"] = until.Format(time.RFC3339)
	}
	s.audit.Record(audit.Event{Action: audit.ActionUserBanned, ActorID: actorID, UserID: userID, Details: details, At: now})
	s.logger.Info("user banned", zap.String("user_id", userID), zap.String("actor_id", actorID))
	return u, nil
}

// Unban restores a banned or suspended account to ACTIVE. Expired bans are
// lifted only this way.
func (s *Service) Unban(ctx context.Context, actorID, userID string) (domain.User, error) {
	now := s.clock.Now()
	u, err := s.users.UpdateUser(ctx, userID, func(u domain.User) (domain.User, error) {
		if u.Status == domain.UserActive {
			return u, fmt.Errorf("%w: user %s is already active", domain.ErrValidation, u.ID)
		}
		u.Status = domain.UserActive
		u.BanReason = ""
		u.BanUntil = nil
		u.UpdatedAt = now
		return u, nil
	})
	if err != nil {
		return domain.User{}, err
	}
	s.audit.Record(audit.Event{Action: audit.ActionUserUnbanned, ActorID: actorID, UserID: userID, At: now})
	return u, nil
}

func (s *Service) Suspend(ctx context.Context, actorID, userID, reason string) (domain.User, error) {
	now := s.clock.Now()
	u, err := s.users.UpdateUser(ctx, userID, func(u domain.User) (domain.User, error) {
		u.Status = domain.UserSuspended
		u.BanReason = reason
		u.UpdatedAt = now
		return u, nil
	})
	if err != nil {
		return domain.User{}, err
	}
	s.audit.Record(audit.Event{
		Action:  audit.ActionUserSuspended,
		ActorID: actorID,
		UserID:  userID,
		Details: map[string]any{"reason": reason},
		At:      now,
	})
	return u, nil
}
