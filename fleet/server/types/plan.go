package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Plan is a sellable account offering
type Plan struct {
	ID    uint            `gorm:"primaryKey"`
	Price decimal.Decimal `gorm:"type:decimal(20,8)"`
	// DurationDays is the validity added on creation and on each renewal
	DurationDays int
	// Limit is the number of concurrent sessions allowed per account
	Limit  int
	Status Toggle `gorm:"type:varchar(16)"`
}

// Duration returns the plan validity as a time.Duration
func (p *Plan) Duration() time.Duration {
	return time.Duration(p.DurationDays) * 24 * time.Hour
}
