package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

const memoryBuffer = 256

var errQueueClosed = errors.New("queue closed")

// MemoryQueue is an in-process queue with one sequential worker per subject
type MemoryQueue struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	channels map[string]chan []byte
}

// NewMemoryQueue creates a queue whose workers stop when ctx is done or Close is called
func NewMemoryQueue(ctx context.Context) *MemoryQueue {
	qctx, cancel := context.WithCancel(ctx)
	return &MemoryQueue{
		ctx:      qctx,
		cancel:   cancel,
		channels: make(map[string]chan []byte),
	}
}

func (q *MemoryQueue) channel(subject string) chan []byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.channels[subject]
	if !ok {
		ch = make(chan []byte, memoryBuffer)
		q.channels[subject] = ch
	}
	return ch
}

// Publish enqueues payload as JSON. It blocks while the subject buffer is full.
func (q *MemoryQueue) Publish(ctx context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", subject, err)
	}
	if q.ctx.Err() != nil {
		return errQueueClosed
	}
	select {
	case q.channel(subject) <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.ctx.Done():
		return errQueueClosed
	}
}

// Subscribe starts the worker of subject
func (q *MemoryQueue) Subscribe(subject string, handler Handler) error {
	ch := q.channel(subject)
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			select {
			case <-q.ctx.Done():
				return
			case data := <-ch:
				if err := handler(q.ctx, data); err != nil {
					log.WithContext(q.ctx).Errorf("failed to handle message on %s: %v", subject, err)
				}
			}
		}
	}()
	return nil
}

// Close stops the workers and waits for the running handlers to return
func (q *MemoryQueue) Close() error {
	q.cancel()
	q.wg.Wait()
	return nil
}
