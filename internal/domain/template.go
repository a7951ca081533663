package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type VMTemplate struct {
	ID                   string          `json:"id"`
	Name                 string          `json:"name"`
	Description          string          `json:"description,omitempty"`
	Defaults             Resources       `json:"defaults"`
	OSType               string          `json:"os_type"`
	OSName               string          `json:"os_name"`
	HypervisorTemplateID int             `json:"hypervisor_template_id,omitempty"`
	CostPerHour          decimal.Decimal `json:"cost_per_hour"`
	IsActive             bool            `json:"is_active"`
	IsPublic             bool            `json:"is_public"`
	Min                  Resources       `json:"min"`
	Max                  Resources       `json:"max"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// Resolve fills zero fields of requested from the template defaults.
func (t VMTemplate) Resolve(requested Resources) Resources {
	out := requested
	if out.CPUCores == 0 {
		out.CPUCores = t.Defaults.CPUCores
	}
	if out.RAMMB == 0 {
		out.RAMMB = t.Defaults.RAMMB
	}
	if out.DiskGB == 0 {
		out.DiskGB = t.Defaults.DiskGB
	}
	return out
}

func (t VMTemplate) CheckResources(r Resources) error {
	if r.CPUCores < t.Min.CPUCores || r.CPUCores > t.Max.CPUCores {
		return validationf("cpu_cores %d outside [%d, %d]", r.CPUCores, t.Min.CPUCores, t.Max.CPUCores)
	}
	if r.RAMMB < t.Min.RAMMB || r.RAMMB > t.Max.RAMMB {
		return validationf("ram_mb %d outside [%d, %d]", r.RAMMB, t.Min.RAMMB, t.Max.RAMMB)
	}
	if r.DiskGB < t.Min.DiskGB || r.DiskGB > t.Max.DiskGB {
		return validationf("disk_gb %d outside [%d, %d]", r.DiskGB, t.Min.DiskGB, t.Max.DiskGB)
	}
	return nil
}

// Validate checks the template's own consistency before it is stored.
func (t VMTemplate) Validate() error {
	if t.Name == "" {
		return validationf("template name required")
	}
	if t.CostPerHour.Sign() < 0 {
		return validationf("cost_per_hour must not be negative")
	}
	if !t.CostPerHour.Equal(t.CostPerHour.Truncate(4)) {
		return validationf("cost_per_hour has more than 4 fractional digits")
	}
	if t.Min.CPUCores > t.Max.CPUCores || t.Min.RAMMB > t.Max.RAMMB || t.Min.DiskGB > t.Max.DiskGB {
		return validationf("template minimum exceeds maximum")
	}
	return t.CheckResources(t.Defaults)
}

func (t VMTemplate) CostPerDay() decimal.Decimal { return t.CostPerHour.Mul(decimal.NewFromInt(24)) }

func (t VMTemplate) CostPerMonth() decimal.Decimal {
	return t.CostPerHour.Mul(decimal.NewFromInt(24 * 30))
}
