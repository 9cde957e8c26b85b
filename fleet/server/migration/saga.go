package migration

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
)

const compensationTimeout = 2 * time.Minute

type appliedStep struct {
	name  string
	users []string
	undo  func(ctx context.Context) error
}

// saga keeps the remote steps applied so far in order, with the action that reverts each one
type saga struct {
	steps []appliedStep
}

func (s *saga) record(name string, users []string, undo func(ctx context.Context) error) {
	s.steps = append(s.steps, appliedStep{name: name, users: users, undo: undo})
}

func (s *saga) empty() bool {
	return len(s.steps) == 0
}

// rollback reverts applied steps newest first. Every step is attempted even when an earlier one fails.
func (s *saga) rollback(ctx context.Context) error {
	// the caller may have been cancelled, the undo still has to reach the servers
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	var result *multierror.Error
	for i := len(s.steps) - 1; i >= 0; i-- {
		step := s.steps[i]
		if step.undo == nil {
			continue
		}
		log.WithContext(ctx).Infof("[transfer domain] (compensate) reverting %s for %d users", step.name, len(step.users))
		if err := step.undo(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("revert %s: %w", step.name, err))
		}
	}
	return result.ErrorOrNil()
}

func (s *saga) detail() map[string]any {
	names := make([]string, 0, len(s.steps))
	users := make(map[string][]string, len(s.steps))
	for _, step := range s.steps {
		names = append(names, step.name)
		users[step.name] = step.users
	}
	return map[string]any{
		"applied_steps": names,
		"users":         users,
	}
}
