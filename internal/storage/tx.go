package storage

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"unimanager/internal/domain"
)

type gormTx struct {
	db *gorm.DB
}

func notFound(kind, id string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %s: %w", kind, id, domain.ErrNotFound)
	}
	return fmt.Errorf("error querying %s: %w", kind, err)
}

// casUpdate applies updates only if the row still carries version, and
// bumps it.
func (t *gormTx) casUpdate(model any, kind, id string, version int64, updates map[string]interface{}) error {
	updates["version"] = version + 1
	res := t.db.Model(model).Where("id = ? AND version = ?", id, version).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("error updating %s %s: %w", kind, id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%s %s at version %d: %w", kind, id, version, domain.ErrConcurrencyConflict)
	}
	return nil
}

func (t *gormTx) GetUser(id string) (domain.User, error) {
	var row User
	if err := t.db.First(&row, "id = ?", id).Error; err != nil {
		return domain.User{}, notFound("user", id, err)
	}
	return userFromRow(row), nil
}

func (t *gormTx) SaveUser(u domain.User) (domain.User, error) {
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = time.Now().UTC()
	}
	err := t.casUpdate(&User{}, "user", u.ID, u.Version, map[string]interface{}{
		"email":      u.Email,
		"role":       string(u.Role),
		"balance":    u.Balance,
		"status":     string(u.Status),
		"ban_reason": u.BanReason,
		"ban_until":  u.BanUntil,
		"updated_at": u.UpdatedAt,
	})
	if err != nil {
		return domain.User{}, err
	}
	u.Version++
	return u, nil
}

func (t *gormTx) GetVM(id string) (domain.VM, error) {
	var row VM
	if err := t.db.First(&row, "id = ?", id).Error; err != nil {
		return domain.VM{}, notFound("vm", id, err)
	}
	return vmFromRow(row)
}

func (t *gormTx) SaveVM(vm domain.VM) (domain.VM, error) {
	if !vm.State.Valid() {
		return domain.VM{}, fmt.Errorf("%w: vm %s has no valid state", domain.ErrValidation, vm.ID)
	}
	if vm.UpdatedAt.IsZero() {
		vm.UpdatedAt = time.Now().UTC()
	}
	row := vmToRow(vm)
	err := t.casUpdate(&VM{}, "vm", vm.ID, vm.Version, map[string]interface{}{
		"server_id":      row.ServerID,
		"name":           row.Name,
		"hostname":       row.Hostname,
		"hypervisor_id":  row.HypervisorID,
		"node_name":      row.NodeName,
		"cpu_cores":      row.CPUCores,
		"ram_mb":         row.RAMMB,
		"disk_gb":        row.DiskGB,
		"ip_address":     row.IPAddress,
		"state":          row.State,
		"last_error":     row.LastError,
		"last_billed_at": row.LastBilledAt,
		"total_cost":     row.TotalCost,
		"notes":          row.Notes,
		"updated_at":     row.UpdatedAt,
		"deleted_at":     row.DeletedAt,
	})
	if err != nil {
		return domain.VM{}, err
	}
	vm.Version++
	return vm, nil
}

func (t *gormTx) InsertVM(vm domain.VM) (domain.VM, error) {
	if !vm.State.Valid() {
		return domain.VM{}, fmt.Errorf("%w: vm has no valid state", domain.ErrValidation)
	}
	vm.Version = 1
	stampCreate(&vm.CreatedAt, &vm.UpdatedAt)
	row := vmToRow(vm)
	if err := t.db.Create(&row).Error; err != nil {
		return domain.VM{}, fmt.Errorf("error creating vm: %w", err)
	}
	return vm, nil
}

func (t *gormTx) GetServer(id string) (domain.Server, error) {
	var row Server
	if err := t.db.First(&row, "id = ?", id).Error; err != nil {
		return domain.Server{}, notFound("server", id, err)
	}
	return serverFromRow(row), nil
}

func (t *gormTx) SaveServer(s domain.Server) (domain.Server, error) {
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now().UTC()
	}
	row := serverToRow(s)
	err := t.casUpdate(&Server{}, "server", s.ID, s.Version, map[string]interface{}{
		"name":                row.Name,
		"description":         row.Description,
		"api_url":             row.APIURL,
		"api_token_encrypted": row.APITokenEncrypted,
		"verify_ssl":          row.VerifySSL,
		"status":              row.Status,
		"last_seen_at":        row.LastSeenAt,
		"last_error":          row.LastError,
		"total_cpu_cores":     row.TotalCPUCores,
		"used_cpu_cores":      row.UsedCPUCores,
		"total_ram_mb":        row.TotalRAMMB,
		"used_ram_mb":         row.UsedRAMMB,
		"total_disk_gb":       row.TotalDiskGB,
		"used_disk_gb":        row.UsedDiskGB,
		"is_active":           row.IsActive,
		"allow_vm_creation":   row.AllowVMCreation,
		"priority":            row.Priority,
		"datacenter":          row.Datacenter,
		"location":            row.Location,
		"updated_at":          row.UpdatedAt,
	})
	if err != nil {
		return domain.Server{}, err
	}
	s.Version++
	return s, nil
}

func (t *gormTx) GetTemplate(id string) (domain.VMTemplate, error) {
	var row VMTemplate
	if err := t.db.First(&row, "id = ?", id).Error; err != nil {
		return domain.VMTemplate{}, notFound("template", id, err)
	}
	return templateFromRow(row), nil
}

func (t *gormTx) AppendTransaction(txn domain.Transaction) (domain.Transaction, error) {
	if txn.UserID == "" {
		return domain.Transaction{}, fmt.Errorf("%w: transaction without user", domain.ErrValidation)
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now().UTC()
	}
	row := transactionToRow(txn)
	if err := t.db.Create(&row).Error; err != nil {
		return domain.Transaction{}, fmt.Errorf("error appending transaction: %w", err)
	}
	return transactionFromRow(row), nil
}

func (t *gormTx) ListTransactions(userID string) ([]domain.Transaction, error) {
	var rows []Transaction
	if err := t.db.Where("user_id = ?", userID).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}

	txns := make([]domain.Transaction, 0, len(rows))
	for _, r := range rows {
		txns = append(txns, transactionFromRow(r))
	}
	return txns, nil
}
