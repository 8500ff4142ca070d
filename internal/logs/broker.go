// Package logs provides real-time streaming of logfile output.
package logs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/narvanalabs/buildmaster/internal/history"
)

// Chunk is one piece of output appended to a logfile.
type Chunk struct {
	Filename string    `json:"filename"`
	Data     []byte    `json:"data"`
	Time     time.Time `json:"time"`
}

// Subscriber receives the chunks appended to one logfile. Ch is closed when
// the subscriber is removed or the logfile is deleted.
type Subscriber struct {
	ID        string
	Filename  string
	Ch        chan *Chunk
	CreatedAt time.Time
}

// Broker fans logfile appends out to live subscribers.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber // subscriber ID -> subscriber
	bufferSize  int
	logger      *slog.Logger
}

// NewBroker creates a new log broker.
func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		subscribers: make(map[string]*Subscriber),
		bufferSize:  100,
		logger:      logger,
	}
}

// Subscribe creates a subscription to the chunks appended to filename.
func (b *Broker) Subscribe(filename string) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscriber{
		ID:        uuid.NewString(),
		Filename:  filename,
		Ch:        make(chan *Chunk, b.bufferSize),
		CreatedAt: time.Now(),
	}

	b.subscribers[sub.ID] = sub
	b.logger.Debug("log subscriber added", "subscriber_id", sub.ID, "filename", filename)
	return sub
}

// Unsubscribe removes a subscription. It is safe to call more than once.
func (b *Broker) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[sub.ID]; exists {
		close(sub.Ch)
		delete(b.subscribers, sub.ID)
		b.logger.Debug("log subscriber removed", "subscriber_id", sub.ID)
	}
}

// Publish sends a chunk to every subscriber of its logfile. Subscribers that
// fall behind lose chunks rather than blocking the writer.
func (b *Broker) Publish(chunk *Chunk) {
	if chunk == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if sub.Filename != chunk.Filename {
			continue
		}
		select {
		case sub.Ch <- chunk:
		default:
			b.logger.Warn("log subscriber channel full, dropping chunk",
				"subscriber_id", sub.ID,
				"filename", chunk.Filename,
			)
		}
	}
}

// closeFile ends every subscription to filename.
func (b *Broker) closeFile(filename string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subscribers {
		if sub.Filename == filename {
			close(sub.Ch)
			delete(b.subscribers, id)
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Tee is a history.LogStore that publishes every successful append to a
// Broker. Appends and Follow are serialized so a follower sees each byte
// exactly once.
type Tee struct {
	history.LogStore
	broker *Broker
	mu     sync.Mutex
}

// NewTee wraps store so that appends reach broker.
func NewTee(store history.LogStore, broker *Broker) *Tee {
	return &Tee{LogStore: store, broker: broker}
}

// Broker returns the broker appends are published to.
func (t *Tee) Broker() *Broker { return t.broker }

// Append implements history.LogStore.
func (t *Tee) Append(ctx context.Context, filename string, p []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.LogStore.Append(ctx, filename, p); err != nil {
		return err
	}
	data := make([]byte, len(p))
	copy(data, p)
	t.broker.Publish(&Chunk{Filename: filename, Data: data, Time: time.Now().UTC()})
	return nil
}

// Remove implements history.LogStore. Followers of the logfile are
// disconnected.
func (t *Tee) Remove(ctx context.Context, filename string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.LogStore.Remove(ctx, filename); err != nil {
		return err
	}
	t.broker.closeFile(filename)
	return nil
}

// Follow returns the current content of filename and a subscription that
// receives everything appended after it. The caller must Unsubscribe.
func (t *Tee) Follow(ctx context.Context, filename string) ([]byte, *Subscriber, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rc, err := t.LogStore.Open(ctx, filename)
	if err != nil {
		return nil, nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, nil, fmt.Errorf("reading logfile %s: %w", filename, err)
	}
	return data, t.broker.Subscribe(filename), nil
}

// Usage reports the size of the wrapped store when it can measure itself.
func (t *Tee) Usage(ctx context.Context) (int64, error) {
	if u, ok := t.LogStore.(interface {
		Usage(context.Context) (int64, error)
	}); ok {
		return u.Usage(ctx)
	}
	return 0, nil
}
