package types

import "time"

// DefaultDomainCap is the number of non-deleted accounts a domain holds before a new one is registered
const DefaultDomainCap = 5

// Domain is a DNS name routing to one server
type Domain struct {
	ID   uint   `gorm:"primaryKey"`
	Name string `gorm:"uniqueIndex;type:varchar(255)"`
	// Identifier is the record id at the DNS registrar
	Identifier string
	ServerIP   string `gorm:"index;type:varchar(64)"`
	Status     Toggle `gorm:"type:varchar(16)"`
	CreatedAt  time.Time
}
