package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"unimanager/internal/domain"
	"unimanager/internal/keylock"
)

type GormStore struct {
	db     *gorm.DB
	locks  *keylock.Locks
	logger *zap.Logger
}

var _ domain.Repository = (*GormStore)(nil)

// NewGormStore opens (or creates) the sqlite database at path and migrates
// the schema. Transactions begin IMMEDIATE so a second process sharing the
// file waits on busy_timeout instead of failing a read-to-write upgrade.
func NewGormStore(path string, logger *zap.Logger) (*GormStore, error) {
	newLogger := gormlogger.New(
		zap.NewStdLog(logger.Named("gorm")),
		gormlogger.Config{
			IgnoreRecordNotFoundError: true,
			LogLevel:                  gormlogger.Error,
		},
	)

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: newLogger})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(&User{}, &VMTemplate{}, &Server{}, &VM{}, &Transaction{}, &AuditLog{})
	if err != nil {
		return nil, fmt.Errorf("error migrating database: %w", err)
	}

	return &GormStore{db: db, locks: keylock.New(), logger: logger.Named("storage")}, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *GormStore) Atomic(ctx context.Context, keys []string, fn func(tx domain.Tx) error) error {
	unlock := s.locks.Lock(keys...)
	defer unlock()

	err := s.runTx(ctx, fn)
	if errors.Is(err, domain.ErrConcurrencyConflict) {
		s.logger.Debug("retrying atomic unit after conflict", zap.Strings("keys", keys), zap.Error(err))
		err = s.runTx(ctx, fn)
	}
	return err
}

func (s *GormStore) runTx(ctx context.Context, fn func(tx domain.Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormTx{db: tx})
	})
}

func (s *GormStore) CreateUser(ctx context.Context, u domain.User) (domain.User, error) {
	if !u.Balance.IsZero() {
		return domain.User{}, fmt.Errorf("%w: new users start at zero balance; credit them through the ledger", domain.ErrValidation)
	}
	if strings.TrimSpace(u.Email) == "" {
		return domain.User{}, fmt.Errorf("%w: email required", domain.ErrValidation)
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Role == "" {
		u.Role = domain.RoleUser
	}
	if u.Status == "" {
		u.Status = domain.UserActive
	}
	u.Version = 1
	stampCreate(&u.CreatedAt, &u.UpdatedAt)

	row := userToRow(u)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return domain.User{}, fmt.Errorf("error creating user: %w", err)
	}
	return userFromRow(row), nil
}

func (s *GormStore) GetUser(ctx context.Context, id string) (domain.User, error) {
	return (&gormTx{db: s.db.WithContext(ctx)}).GetUser(id)
}

func (s *GormStore) ListUsers(ctx context.Context, status domain.UserStatus) ([]domain.User, error) {
	var rows []User
	q := s.db.WithContext(ctx).Order("id")
	if status != "" {
		q = q.Where("status = ?", string(status))
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}

	users := make([]domain.User, 0, len(rows))
	for _, r := range rows {
		users = append(users, userFromRow(r))
	}
	return users, nil
}

func (s *GormStore) UpdateUser(ctx context.Context, id string, fn func(domain.User) (domain.User, error)) (domain.User, error) {
	var out domain.User
	err := s.Atomic(ctx, []string{domain.UserKey(id)}, func(tx domain.Tx) error {
		cur, err := tx.GetUser(id)
		if err != nil {
			return err
		}
		next, err := fn(cur)
		if err != nil {
			return err
		}
		if !next.Balance.Equal(cur.Balance) {
			return fmt.Errorf("%w: balance changes only through ledger transactions", domain.ErrValidation)
		}
		out, err = tx.SaveUser(next)
		return err
	})
	return out, err
}

func (s *GormStore) GetVM(ctx context.Context, id string) (domain.VM, error) {
	return (&gormTx{db: s.db.WithContext(ctx)}).GetVM(id)
}

func (s *GormStore) ListVMs(ctx context.Context, filter domain.VMFilter) ([]domain.VM, error) {
	q := s.db.WithContext(ctx).Order("id")
	if filter.IncludeDeleted {
		q = q.Unscoped()
	}
	if filter.UserID != "" {
		q = q.Where("user_id = ?", filter.UserID)
	}
	if filter.ServerID != "" {
		q = q.Where("server_id = ?", filter.ServerID)
	}
	if len(filter.States) > 0 {
		names := make([]string, 0, len(filter.States))
		for _, st := range filter.States {
			names = append(names, st.String())
		}
		q = q.Where("state IN ?", names)
	}

	var rows []VM
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}

	vms := make([]domain.VM, 0, len(rows))
	for _, r := range rows {
		vm, err := vmFromRow(r)
		if err != nil {
			return nil, err
		}
		vms = append(vms, vm)
	}
	return vms, nil
}

func (s *GormStore) ListBillableVMs(ctx context.Context) ([]domain.VM, error) {
	return s.ListVMs(ctx, domain.VMFilter{States: []domain.VMState{domain.StateRunning, domain.StateSuspended}})
}

func (s *GormStore) UpdateVM(ctx context.Context, id string, fn func(domain.VM) (domain.VM, error)) (domain.VM, error) {
	var out domain.VM
	err := s.Atomic(ctx, []string{domain.VMKey(id)}, func(tx domain.Tx) error {
		cur, err := tx.GetVM(id)
		if err != nil {
			return err
		}
		next, err := fn(cur)
		if err != nil {
			return err
		}
		out, err = tx.SaveVM(next)
		return err
	})
	return out, err
}

func (s *GormStore) CreateServer(ctx context.Context, srv domain.Server) (domain.Server, error) {
	if strings.TrimSpace(srv.Name) == "" || strings.TrimSpace(srv.APIURL) == "" {
		return domain.Server{}, fmt.Errorf("%w: server name and api url required", domain.ErrValidation)
	}
	if srv.ID == "" {
		srv.ID = uuid.NewString()
	}
	if srv.Status == "" {
		srv.Status = domain.ServerOffline
	}
	srv.Version = 1
	stampCreate(&srv.CreatedAt, &srv.UpdatedAt)

	row := serverToRow(srv)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return domain.Server{}, fmt.Errorf("error creating server: %w", err)
	}
	return serverFromRow(row), nil
}

func (s *GormStore) GetServer(ctx context.Context, id string) (domain.Server, error) {
	return (&gormTx{db: s.db.WithContext(ctx)}).GetServer(id)
}

func (s *GormStore) ListServers(ctx context.Context) ([]domain.Server, error) {
	var rows []Server
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}

	servers := make([]domain.Server, 0, len(rows))
	for _, r := range rows {
		servers = append(servers, serverFromRow(r))
	}
	return servers, nil
}

func (s *GormStore) UpdateServer(ctx context.Context, id string, fn func(domain.Server) (domain.Server, error)) (domain.Server, error) {
	var out domain.Server
	err := s.Atomic(ctx, []string{domain.ServerKey(id)}, func(tx domain.Tx) error {
		cur, err := tx.GetServer(id)
		if err != nil {
			return err
		}
		next, err := fn(cur)
		if err != nil {
			return err
		}
		out, err = tx.SaveServer(next)
		return err
	})
	return out, err
}

func (s *GormStore) CreateTemplate(ctx context.Context, t domain.VMTemplate) (domain.VMTemplate, error) {
	if err := t.Validate(); err != nil {
		return domain.VMTemplate{}, err
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	stampCreate(&t.CreatedAt, &t.UpdatedAt)

	row := templateToRow(t)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return domain.VMTemplate{}, fmt.Errorf("error creating template: %w", err)
	}
	return templateFromRow(row), nil
}

func (s *GormStore) GetTemplate(ctx context.Context, id string) (domain.VMTemplate, error) {
	return (&gormTx{db: s.db.WithContext(ctx)}).GetTemplate(id)
}

func (s *GormStore) ListTemplates(ctx context.Context) ([]domain.VMTemplate, error) {
	var rows []VMTemplate
	if err := s.db.WithContext(ctx).Order("name").Find(&rows).Error; err != nil {
		return nil, err
	}

	templates := make([]domain.VMTemplate, 0, len(rows))
	for _, r := range rows {
		templates = append(templates, templateFromRow(r))
	}
	return templates, nil
}

// UpdateTemplatePricing changes the only template fields an administrator
// may touch once VMs reference it.
func (s *GormStore) UpdateTemplatePricing(ctx context.Context, id string, costPerHour *decimal.Decimal, isActive *bool, isPublic *bool) error {
	if costPerHour == nil && isActive == nil && isPublic == nil {
		return fmt.Errorf("%w: no fields to update", domain.ErrValidation)
	}

	updates := make(map[string]interface{})
	if costPerHour != nil {
		if costPerHour.Sign() < 0 || !costPerHour.Equal(costPerHour.Truncate(4)) {
			return fmt.Errorf("%w: invalid cost_per_hour %s", domain.ErrValidation, costPerHour)
		}
		updates["cost_per_hour"] = *costPerHour
	}
	if isActive != nil {
		updates["is_active"] = *isActive
	}
	if isPublic != nil {
		updates["is_public"] = *isPublic
	}

	res := s.db.WithContext(ctx).Model(&VMTemplate{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("template %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// ListTransactions returns the user's ledger in commit order. IDs are
// assigned under the store's write lock, so they follow creation order.
func (s *GormStore) ListTransactions(ctx context.Context, userID string) ([]domain.Transaction, error) {
	return (&gormTx{db: s.db.WithContext(ctx)}).ListTransactions(userID)
}

func (s *GormStore) AppendAuditLog(ctx context.Context, entry domain.AuditLog) error {
	row := AuditLog{
		Action:    entry.Action,
		ActorID:   entry.ActorID,
		UserID:    entry.UserID,
		VMID:      entry.VMID,
		ServerID:  entry.ServerID,
		Details:   entry.Details,
		CreatedAt: entry.CreatedAt,
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *GormStore) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	var rows []AuditLog
	q := s.db.WithContext(ctx).Order("id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}

	logs := make([]domain.AuditLog, 0, len(rows))
	for _, r := range rows {
		logs = append(logs, auditFromRow(r))
	}
	return logs, nil
}

func stampCreate(createdAt, updatedAt *time.Time) {
	if createdAt.IsZero() {
		*createdAt = time.Now().UTC()
	}
	if updatedAt.IsZero() {
		*updatedAt = *createdAt
	}
}
