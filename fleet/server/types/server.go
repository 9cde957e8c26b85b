package types

import "time"

// Toggle is the enable/disable switch used by servers and domains
type Toggle string

const (
	ToggleEnable  Toggle = "enable"
	ToggleDisable Toggle = "disable"
)

// Enabled reports whether the toggle is on
func (t Toggle) Enabled() bool {
	return t == ToggleEnable
}

// Server is a fleet node hosting SSH accounts
type Server struct {
	// IP is the primary identifier
	IP       string `gorm:"primaryKey"`
	Location string
	// ProviderID is the identifier at the infrastructure provider, empty for hand-registered servers
	ProviderID string
	SSHPort    int
	MaxUsers   int
	// ActiveAccountCount counts the non-deleted accounts behind the server's domains.
	// Only changed through atomic increments in the store.
	ActiveAccountCount int
	Status             Toggle `gorm:"index;type:varchar(16)"`
	// GenerateStatus controls whether new accounts may be placed on the server
	GenerateStatus     Toggle `gorm:"type:varchar(16)"`
	UpdateExpireStatus Toggle `gorm:"type:varchar(16)"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// HasCapacity reports whether the server can take one more account
func (s *Server) HasCapacity() bool {
	return s.ActiveAccountCount < s.MaxUsers
}

// Placeable reports whether the selector may place new accounts on the server
func (s *Server) Placeable() bool {
	return s.Status.Enabled() && s.GenerateStatus.Enabled() && s.HasCapacity()
}

// Copy copies Server to a new object
func (s *Server) Copy() *Server {
	c := *s
	return &c
}
