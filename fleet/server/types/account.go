package types

import (
	"fmt"
	"time"
)

// AccountStatus is the lifecycle state of an SSH account
type AccountStatus string

const (
	AccountEnabled  AccountStatus = "enable"
	AccountDisabled AccountStatus = "disable"
	AccountExpired  AccountStatus = "expired"
	AccountDeleted  AccountStatus = "deleted"
)

// AllAccountStatuses lists every status; switches over AccountStatus must cover all of them
var AllAccountStatuses = []AccountStatus{AccountEnabled, AccountDisabled, AccountExpired, AccountDeleted}

// Valid reports whether s is one of the known statuses
func (s AccountStatus) Valid() bool {
	switch s {
	case AccountEnabled, AccountDisabled, AccountExpired, AccountDeleted:
		return true
	default:
		return false
	}
}

// Live reports whether the account counts towards its server's active account counter
func (s AccountStatus) Live() bool {
	switch s {
	case AccountEnabled, AccountDisabled, AccountExpired:
		return true
	case AccountDeleted:
		return false
	default:
		panic(fmt.Sprintf("unknown account status %q", string(s)))
	}
}

// CanTransitionTo reports whether moving from s to next is allowed.
// Statuses only advance enable -> {disable, expired} -> deleted, with unblock
// (disable/expired -> enable) as the single way back. Deleted is terminal.
func (s AccountStatus) CanTransitionTo(next AccountStatus) bool {
	if !next.Valid() {
		return false
	}
	switch s {
	case AccountEnabled:
		return next == AccountDisabled || next == AccountExpired || next == AccountDeleted
	case AccountDisabled:
		return next == AccountExpired || next == AccountDeleted || next == AccountEnabled
	case AccountExpired:
		return next == AccountDeleted || next == AccountEnabled
	case AccountDeleted:
		return false
	default:
		panic(fmt.Sprintf("unknown account status %q", string(s)))
	}
}

// AccountType distinguishes paid accounts from free trials
type AccountType string

const (
	AccountTypeMain AccountType = "main"
	AccountTypeTest AccountType = "test"
)

// Account is a provisioned SSH credential tied to a domain, plan and owning agent
type Account struct {
	ID       uint          `gorm:"primaryKey"`
	Type     AccountType   `gorm:"type:varchar(16)"`
	DomainID uint          `gorm:"index"`
	PlanID   uint          `gorm:"index"`
	AgentID  uint          `gorm:"index"`
	Username string        `gorm:"uniqueIndex;type:varchar(64)"`
	Password string
	Status   AccountStatus `gorm:"index;type:varchar(16)"`
	Created  time.Time
	Expire   time.Time `gorm:"index"`
}

// Credentials returns the username and password pair the remote agent expects
func (a *Account) Credentials() UserCredentials {
	return UserCredentials{Username: a.Username, Password: a.Password}
}

// UserCredentials is the pair sent to a server when creating an account
type UserCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}
