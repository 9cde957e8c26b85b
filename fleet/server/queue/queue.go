package queue

import (
	"context"
	"encoding/json"
	"fmt"
)

const (
	ReplacementSubject  = "replacement"
	NotificationSubject = "notification"

	// WorkerGroup is the queue group shared by every daemon so a message is handled once
	WorkerGroup = "sshfleet-workers"
)

// Handler processes one message. Returned errors are logged, the message is not redelivered.
type Handler func(ctx context.Context, data []byte) error

// Queue decouples producers such as the failover monitor from long running workers
type Queue interface {
	Publish(ctx context.Context, subject string, payload any) error
	Subscribe(subject string, handler Handler) error
	Close() error
}

// Decode unmarshals a message published with Publish
func Decode[T any](data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("decode queue message: %w", err)
	}
	return v, nil
}
