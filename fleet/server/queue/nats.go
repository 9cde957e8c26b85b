package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
)

const (
	defaultSubjectPrefix = "sshfleet"
	defaultReconnectWait = 500 * time.Millisecond
	defaultTimeout       = 3 * time.Second
)

// NatsConfig configures the NATS connection
type NatsConfig struct {
	Servers       []string
	Name          string
	SubjectPrefix string
	User          string
	Password      string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// NatsQueue delivers messages over core NATS using a queue group per subject
type NatsQueue struct {
	nc     *nats.Conn
	prefix string

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewNatsQueue connects to the configured NATS servers
func NewNatsQueue(ctx context.Context, cfg NatsConfig) (*NatsQueue, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("nats servers missing")
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = defaultReconnectWait
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = defaultSubjectPrefix
	}
	if cfg.Name == "" {
		cfg.Name = "sshfleet"
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithContext(ctx).Warnf("disconnected from nats: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithContext(ctx).Infof("reconnected to nats at %s", nc.ConnectedUrl())
		}),
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	qctx, cancel := context.WithCancel(ctx)
	return &NatsQueue{
		nc:     nc,
		prefix: cfg.SubjectPrefix,
		ctx:    qctx,
		cancel: cancel,
	}, nil
}

func (q *NatsQueue) subject(name string) string {
	return q.prefix + "." + name
}

// Publish sends payload as JSON to subject
func (q *NatsQueue) Publish(ctx context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", subject, err)
	}
	if err := q.nc.Publish(q.subject(subject), data); err != nil {
		return fmt.Errorf("publish %s message: %w", subject, err)
	}
	log.WithContext(ctx).Tracef("published message to %s", q.subject(subject))
	return nil
}

// Subscribe handles subject messages in the shared worker group, one at a time
func (q *NatsQueue) Subscribe(subject string, handler Handler) error {
	full := q.subject(subject)
	sub, err := q.nc.QueueSubscribe(full, WorkerGroup, func(m *nats.Msg) {
		if err := handler(q.ctx, m.Data); err != nil {
			log.WithContext(q.ctx).Errorf("failed to handle message on %s: %v", full, err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", full, err)
	}

	q.mu.Lock()
	q.subs = append(q.subs, sub)
	q.mu.Unlock()
	return nil
}

// Close drains subscriptions and the connection
func (q *NatsQueue) Close() error {
	q.cancel()

	q.mu.Lock()
	for _, sub := range q.subs {
		_ = sub.Drain()
	}
	q.subs = nil
	q.mu.Unlock()

	return q.nc.Drain()
}
