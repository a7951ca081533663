package storage

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"unimanager/internal/domain"
)

func userToRow(u domain.User) User {
	return User{
		ID:        u.ID,
		Email:     u.Email,
		Role:      string(u.Role),
		Balance:   u.Balance,
		Status:    string(u.Status),
		BanReason: u.BanReason,
		BanUntil:  u.BanUntil,
		Version:   u.Version,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
}

func userFromRow(r User) domain.User {
	return domain.User{
		ID:        r.ID,
		Email:     r.Email,
		Role:      domain.Role(r.Role),
		Balance:   r.Balance,
		Status:    domain.UserStatus(r.Status),
		BanReason: r.BanReason,
		BanUntil:  utcPtr(r.BanUntil),
		Version:   r.Version,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
}

func templateToRow(t domain.VMTemplate) VMTemplate {
	return VMTemplate{
		ID:                   t.ID,
		Name:                 t.Name,
		Description:          t.Description,
		CPUCores:             t.Defaults.CPUCores,
		RAMMB:                t.Defaults.RAMMB,
		DiskGB:               t.Defaults.DiskGB,
		OSType:               t.OSType,
		OSName:               t.OSName,
		HypervisorTemplateID: t.HypervisorTemplateID,
		CostPerHour:          t.CostPerHour,
		IsActive:             t.IsActive,
		IsPublic:             t.IsPublic,
		MinCPUCores:          t.Min.CPUCores,
		MaxCPUCores:          t.Max.CPUCores,
		MinRAMMB:             t.Min.RAMMB,
		MaxRAMMB:             t.Max.RAMMB,
		MinDiskGB:            t.Min.DiskGB,
		MaxDiskGB:            t.Max.DiskGB,
		CreatedAt:            t.CreatedAt,
		UpdatedAt:            t.UpdatedAt,
	}
}

func templateFromRow(r VMTemplate) domain.VMTemplate {
	return domain.VMTemplate{
		ID:                   r.ID,
		Name:                 r.Name,
		Description:          r.Description,
		Defaults:             domain.Resources{CPUCores: r.CPUCores, RAMMB: r.RAMMB, DiskGB: r.DiskGB},
		OSType:               r.OSType,
		OSName:               r.OSName,
		HypervisorTemplateID: r.HypervisorTemplateID,
		CostPerHour:          r.CostPerHour,
		IsActive:             r.IsActive,
		IsPublic:             r.IsPublic,
		Min:                  domain.Resources{CPUCores: r.MinCPUCores, RAMMB: r.MinRAMMB, DiskGB: r.MinDiskGB},
		Max:                  domain.Resources{CPUCores: r.MaxCPUCores, RAMMB: r.MaxRAMMB, DiskGB: r.MaxDiskGB},
		CreatedAt:            r.CreatedAt.UTC(),
		UpdatedAt:            r.UpdatedAt.UTC(),
	}
}

func serverToRow(s domain.Server) Server {
	return Server{
		ID:                s.ID,
		Name:              s.Name,
		Description:       s.Description,
		APIURL:            s.APIURL,
		APITokenEncrypted: s.APITokenEncrypted,
		VerifySSL:         s.VerifySSL,
		Status:            string(s.Status),
		LastSeenAt:        s.LastSeenAt,
		LastError:         s.LastError,
		TotalCPUCores:     s.Capacity.TotalCPUCores,
		UsedCPUCores:      s.Capacity.UsedCPUCores,
		TotalRAMMB:        s.Capacity.TotalRAMMB,
		UsedRAMMB:         s.Capacity.UsedRAMMB,
		TotalDiskGB:       s.Capacity.TotalDiskGB,
		UsedDiskGB:        s.Capacity.UsedDiskGB,
		IsActive:          s.IsActive,
		AllowVMCreation:   s.AllowVMCreation,
		Priority:          s.Priority,
		Datacenter:        s.Datacenter,
		Location:          s.Location,
		Version:           s.Version,
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.UpdatedAt,
	}
}

func serverFromRow(r Server) domain.Server {
	return domain.Server{
		ID:                r.ID,
		Name:              r.Name,
		Description:       r.Description,
		APIURL:            r.APIURL,
		APITokenEncrypted: r.APITokenEncrypted,
		VerifySSL:         r.VerifySSL,
		Status:            domain.ServerStatus(r.Status),
		LastSeenAt:        utcPtr(r.LastSeenAt),
		LastError:         r.LastError,
		Capacity: domain.Capacity{
			TotalCPUCores: r.TotalCPUCores,
			UsedCPUCores:  r.UsedCPUCores,
			TotalRAMMB:    r.TotalRAMMB,
			UsedRAMMB:     r.UsedRAMMB,
			TotalDiskGB:   r.TotalDiskGB,
			UsedDiskGB:    r.UsedDiskGB,
		},
		IsActive:        r.IsActive,
		AllowVMCreation: r.AllowVMCreation,
		Priority:        r.Priority,
		Datacenter:      r.Datacenter,
		Location:        r.Location,
		Version:         r.Version,
		CreatedAt:       r.CreatedAt.UTC(),
		UpdatedAt:       r.UpdatedAt.UTC(),
	}
}

func vmToRow(vm domain.VM) VM {
	row := VM{
		ID:           vm.ID,
		UserID:       vm.UserID,
		TemplateID:   vm.TemplateID,
		ServerID:     vm.ServerID,
		Name:         vm.Name,
		Hostname:     vm.Hostname,
		HypervisorID: vm.HypervisorID,
		NodeName:     vm.NodeName,
		CPUCores:     vm.Resources.CPUCores,
		RAMMB:        vm.Resources.RAMMB,
		DiskGB:       vm.Resources.DiskGB,
		IPAddress:    vm.IPAddress,
		State:        vm.State.String(),
		LastError:    vm.LastError,
		LastBilledAt: vm.LastBilledAt,
		TotalCost:    vm.TotalCost,
		Notes:        vm.Notes,
		Version:      vm.Version,
		CreatedAt:    vm.CreatedAt,
		UpdatedAt:    vm.UpdatedAt,
	}
	if vm.DeletedAt != nil {
		row.DeletedAt = gorm.DeletedAt{Time: *vm.DeletedAt, Valid: true}
	}
	return row
}

func vmFromRow(r VM) (domain.VM, error) {
	state, err := domain.ParseVMState(r.State)
	if err != nil {
		return domain.VM{}, fmt.Errorf("vm %s: %w", r.ID, err)
	}
	vm := domain.VM{
		ID:           r.ID,
		UserID:       r.UserID,
		TemplateID:   r.TemplateID,
		ServerID:     r.ServerID,
		Name:         r.Name,
		Hostname:     r.Hostname,
		HypervisorID: r.HypervisorID,
		NodeName:     r.NodeName,
		Resources:    domain.Resources{CPUCores: r.CPUCores, RAMMB: r.RAMMB, DiskGB: r.DiskGB},
		IPAddress:    r.IPAddress,
		State:        state,
		LastError:    r.LastError,
		LastBilledAt: utcPtr(r.LastBilledAt),
		TotalCost:    r.TotalCost,
		Notes:        r.Notes,
		Version:      r.Version,
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
	}
	if r.DeletedAt.Valid {
		t := r.DeletedAt.Time.UTC()
		vm.DeletedAt = &t
	}
	return vm, nil
}

func transactionToRow(t domain.Transaction) Transaction {
	return Transaction{
		UserID:       t.UserID,
		VMID:         t.VMID,
		AdminID:      t.AdminID,
		Amount:       t.Amount,
		Type:         string(t.Type),
		Description:  t.Description,
		Metadata:     t.Metadata,
		BalanceAfter: t.BalanceAfter,
		CreatedAt:    t.CreatedAt,
	}
}

func transactionFromRow(r Transaction) domain.Transaction {
	return domain.Transaction{
		ID:           r.ID,
		UserID:       r.UserID,
		VMID:         r.VMID,
		AdminID:      r.AdminID,
		Amount:       r.Amount,
		Type:         domain.TransactionType(r.Type),
		Description:  r.Description,
		Metadata:     r.Metadata,
		BalanceAfter: r.BalanceAfter,
		CreatedAt:    r.CreatedAt.UTC(),
	}
}

func auditFromRow(r AuditLog) domain.AuditLog {
	return domain.AuditLog{
		ID:        r.ID,
		Action:    r.Action,
		ActorID:   r.ActorID,
		UserID:    r.UserID,
		VMID:      r.VMID,
		ServerID:  r.ServerID,
		Details:   r.Details,
		CreatedAt: r.CreatedAt.UTC(),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
