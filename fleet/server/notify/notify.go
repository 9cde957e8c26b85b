package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/sshfleet/sshfleet/fleet/server/queue"
)

// Kind identifies what a notification is about
type Kind string

const (
	KindNearExpiry        Kind = "near_expiry"
	KindExpired           Kind = "expired"
	KindDeleted           Kind = "deleted"
	KindServerUnhealthy   Kind = "server_unhealthy"
	KindServerReplaced    Kind = "server_replaced"
	KindReplacementFailed Kind = "replacement_failed"
	KindSyncFailed        Kind = "sync_failed"
)

const (
	// AdminChat routes the notification to the operators log chat
	AdminChat = "admin_log"
	// AgentChat routes the notification to the owning agent
	AgentChat = "agent"
)

// Notification is published for an external delivery service to render and send
type Notification struct {
	ID           string    `json:"id"`
	Kind         Kind      `json:"kind"`
	ChatSelector string    `json:"bot_selector"`
	AgentID      uint      `json:"agent_id,omitempty"`
	Username     string    `json:"username,omitempty"`
	Message      string    `json:"message"`
	CreatedAt    time.Time `json:"created_at"`
}

// Notifier emits operator and agent notifications
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Agent builds a notification for the agent owning username
func Agent(kind Kind, agentID uint, username, format string, a ...any) Notification {
	return Notification{
		Kind:         kind,
		ChatSelector: AgentChat,
		AgentID:      agentID,
		Username:     username,
		Message:      fmt.Sprintf(format, a...),
	}
}

// Admin builds a notification for the operators
func Admin(kind Kind, format string, a ...any) Notification {
	return Notification{
		Kind:         kind,
		ChatSelector: AdminChat,
		Message:      fmt.Sprintf(format, a...),
	}
}

// QueueNotifier publishes notifications to the async queue
type QueueNotifier struct {
	queue queue.Queue
}

// NewQueueNotifier creates a notifier publishing to q
func NewQueueNotifier(q queue.Queue) *QueueNotifier {
	return &QueueNotifier{queue: q}
}

func (n *QueueNotifier) Notify(ctx context.Context, notification Notification) error {
	if notification.ID == "" {
		notification.ID = uuid.NewString()
	}
	if notification.CreatedAt.IsZero() {
		notification.CreatedAt = time.Now().UTC()
	}
	return n.queue.Publish(ctx, queue.NotificationSubject, notification)
}

// LogSink consumes notifications by logging them, for deployments without a delivery service
func LogSink(ctx context.Context, data []byte) error {
	n, err := queue.Decode[Notification](data)
	if err != nil {
		return err
	}
	log.WithContext(ctx).Infof("notification %s to %s (agent %d, user %s): %s", n.Kind, n.ChatSelector, n.AgentID, n.Username, n.Message)
	return nil
}

// Recorder keeps notifications in memory
type Recorder struct {
	mu   sync.Mutex
	sent []Notification
}

func (r *Recorder) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

// Sent returns a copy of the recorded notifications
func (r *Recorder) Sent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.sent...)
}

// Count returns how many notifications of kind were recorded
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sent {
		if s.Kind == kind {
			n++
		}
	}
	return n
}
