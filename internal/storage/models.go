package storage

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var errAppendOnly = errors.New("ledger transactions are append-only")

// Decimal columns are stored as text so sqlite never coerces them to
// floating point.

type User struct {
	ID        string          `gorm:"primaryKey"`
	Email     string          `gorm:"uniqueIndex;not null"`
	Role      string          `gorm:"not null"`
	Balance   decimal.Decimal `gorm:"type:text;not null"`
	Status    string          `gorm:"index;not null"`
	BanReason string
	BanUntil  *time.Time
	Version   int64 `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

type VMTemplate struct {
	ID                   string `gorm:"primaryKey"`
	Name                 string `gorm:"uniqueIndex;not null"`
	Description          string
	CPUCores             int
	RAMMB                int `gorm:"column:ram_mb"`
	DiskGB               int
	OSType               string
	OSName               string
	HypervisorTemplateID int
	CostPerHour          decimal.Decimal `gorm:"type:text;not null"`
	IsActive             bool
	IsPublic             bool
	MinCPUCores          int
	MaxCPUCores          int
	MinRAMMB             int `gorm:"column:min_ram_mb"`
	MaxRAMMB             int `gorm:"column:max_ram_mb"`
	MinDiskGB            int
	MaxDiskGB            int
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

func (VMTemplate) TableName() string { return "vm_templates" }

type Server struct {
	ID                string `gorm:"primaryKey"`
	Name              string `gorm:"uniqueIndex;not null"`
	Description       string
	APIURL            string `gorm:"column:api_url;not null"`
	APITokenEncrypted string
	VerifySSL         bool
	Status            string `gorm:"index;not null"`
	LastSeenAt        *time.Time
	LastError         string
	TotalCPUCores     int
	UsedCPUCores      int
	TotalRAMMB        int `gorm:"column:total_ram_mb"`
	UsedRAMMB         int `gorm:"column:used_ram_mb"`
	TotalDiskGB       int
	UsedDiskGB        int
	IsActive          bool
	AllowVMCreation   bool
	Priority          int `gorm:"index"`
	Datacenter        string
	Location          string
	Version           int64 `gorm:"not null"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// VM rows carry a gorm soft-delete column: every default-scoped query
// excludes tombstoned machines.
type VM struct {
	ID           string `gorm:"primaryKey"`
	UserID       string `gorm:"index;not null"`
	TemplateID   string `gorm:"not null"`
	ServerID     string `gorm:"index"`
	Name         string `gorm:"not null"`
	Hostname     string
	HypervisorID int
	NodeName     string
	CPUCores     int
	RAMMB        int `gorm:"column:ram_mb"`
	DiskGB       int
	IPAddress    string
	State        string `gorm:"index;not null"`
	LastError    string
	LastBilledAt *time.Time
	TotalCost    int64 `gorm:"not null"`
	Notes        string
	Version      int64 `gorm:"not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
	DeletedAt    gorm.DeletedAt `gorm:"index"`
}

func (VM) TableName() string { return "vms" }

type Transaction struct {
	ID           uint64          `gorm:"primaryKey;autoIncrement"`
	UserID       string          `gorm:"index;not null"`
	VMID         string          `gorm:"column:vm_id;index"`
	AdminID      string
	Amount       decimal.Decimal `gorm:"type:text;not null"`
	Type         string          `gorm:"not null"`
	Description  string
	Metadata     datatypes.JSONMap
	BalanceAfter decimal.Decimal `gorm:"type:text;not null"`
	CreatedAt    time.Time       `gorm:"index"`
}

func (*Transaction) BeforeUpdate(*gorm.DB) error { return errAppendOnly }
func (*Transaction) BeforeDelete(*gorm.DB) error { return errAppendOnly }

type AuditLog struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	Action    string `gorm:"index;not null"`
	ActorID   string
	UserID    string `gorm:"index"`
	VMID      string `gorm:"column:vm_id"`
	ServerID  string
	Details   datatypes.JSONMap
	CreatedAt time.Time `gorm:"index"`
}

func (AuditLog) TableName() string { return "logs" }
