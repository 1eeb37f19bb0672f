package notification

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/frahmantamala/tramite-payments/internal/core/events"
)

// channelEvent carries a broadcast payload across the in-process event bus; the
// event type is the channel name.
type channelEvent struct {
	id         string
	channel    string
	payload    []byte
	occurredAt time.Time
}

func (e channelEvent) EventType() string     { return e.channel }
func (e channelEvent) EventID() string       { return e.id }
func (e channelEvent) OccurredAt() time.Time { return e.occurredAt }
func (e channelEvent) Payload() interface{}  { return e.payload }

// LocalBroadcaster fans out on the in-process event bus. It only reaches
// subscribers of the same process.
type LocalBroadcaster struct {
	bus    *events.EventBus
	buffer int
	logger *slog.Logger
}

func NewLocalBroadcaster(bus *events.EventBus, logger *slog.Logger) *LocalBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalBroadcaster{bus: bus, buffer: subscriberBuffer, logger: logger}
}

var _ Broadcaster = (*LocalBroadcaster)(nil)

func (b *LocalBroadcaster) Broadcast(ctx context.Context, channel string, payload []byte) error {
	return b.bus.PublishSync(ctx, channelEvent{
		id:         uuid.NewString(),
		channel:    channel,
		payload:    payload,
		occurredAt: time.Now(),
	})
}

func (b *LocalBroadcaster) Subscribe(ctx context.Context, channels ...string) (<-chan Message, func(), error) {
	out := make(chan Message, b.buffer)

	var (
		mu     sync.Mutex
		closed bool
	)
	deliver := func(_ context.Context, e events.Event) error {
		payload, _ := e.Payload().([]byte)

		mu.Lock()
		defer mu.Unlock()
		if closed {
			return nil
		}
		select {
		case out <- Message{Channel: e.EventType(), Payload: payload}:
		default:
			// a slow subscriber loses live pushes, never the stored row
			b.logger.Warn("notification subscriber is full, dropping message", "channel", e.EventType())
		}
		return nil
	}

	unsubscribers := make([]func(), 0, len(channels))
	for _, channel := range channels {
		unsubscribers = append(unsubscribers, b.bus.Subscribe(channel, deliver))
	}

	var once sync.Once
	done := make(chan struct{})
	cancel := func() {
		once.Do(func() {
			for _, unsubscribe := range unsubscribers {
				unsubscribe()
			}
			mu.Lock()
			closed = true
			close(out)
			mu.Unlock()
			close(done)
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()

	return out, cancel, nil
}

func (b *LocalBroadcaster) Close() error {
	return nil
}
