package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Phase is a step of the server replacement state machine
type Phase string

const (
	PhaseDetectedUnhealthy Phase = "detected_unhealthy"
	PhaseProvisioning      Phase = "provisioning"
	PhaseHealthVerify      Phase = "health_verify"
	PhaseMigrating         Phase = "migrating"
	PhaseOldDisabled       Phase = "old_disabled"
)

// Terminal reports whether the phase ends the replacement
func (p Phase) Terminal() bool {
	return p == PhaseOldDisabled
}

// Next returns the phase that follows p given the outcome of p.
// A failed health verification sends the job back to provisioning; every
// other failure keeps the job in its current phase for a retry.
func (p Phase) Next(ok bool) Phase {
	switch p {
	case PhaseDetectedUnhealthy:
		return PhaseProvisioning
	case PhaseProvisioning:
		if ok {
			return PhaseHealthVerify
		}
		return PhaseProvisioning
	case PhaseHealthVerify:
		if ok {
			return PhaseMigrating
		}
		return PhaseProvisioning
	case PhaseMigrating:
		if ok {
			return PhaseOldDisabled
		}
		return PhaseMigrating
	case PhaseOldDisabled:
		return PhaseOldDisabled
	default:
		panic(fmt.Sprintf("unknown replacement phase %q", string(p)))
	}
}

// ReplacementJob tracks the replacement of one unhealthy server
type ReplacementJob struct {
	// ID is the primary identifier
	ID string `gorm:"primaryKey"`

	// OldHost is the IP of the server judged unhealthy
	OldHost string `gorm:"index;type:varchar(64)"`

	Phase Phase `gorm:"index;type:varchar(32)"`

	// CandidateIP and CandidateID describe the most recently provisioned server
	CandidateIP       string
	CandidateID       string
	CandidateLocation string

	// Attempts counts provisioning rounds
	Attempts int

	// FailedReason holds the last error seen, cleared on success
	FailedReason string

	CreatedAt   time.Time `gorm:"autoCreateTime"`
	CompletedAt *time.Time
}

// NewReplacementJob creates a job for host in the DetectedUnhealthy phase
func NewReplacementJob(host string) *ReplacementJob {
	return &ReplacementJob{
		ID:      uuid.NewString(),
		OldHost: host,
		Phase:   PhaseDetectedUnhealthy,
	}
}

// Advance moves the job to the phase that follows the outcome
func (j *ReplacementJob) Advance(ok bool, now time.Time) {
	j.Phase = j.Phase.Next(ok)
	if j.Phase.Terminal() && j.CompletedAt == nil {
		j.CompletedAt = &now
	}
}
