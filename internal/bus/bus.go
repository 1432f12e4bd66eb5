package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"fetchqd/internal/common"
	"fetchqd/internal/entity"
)

const (
	channelPrefix = "service:"
	backlogPrefix = "queue:"

	// backlogLimit caps each durable backlog; past it the oldest messages
	// fall off. Replay after an outage longer than this loses history, not
	// correctness: handlers are idempotent and jobs live in the store.
	backlogLimit = 10000
)

// Handler consumes one message. Returned errors are logged and never reach
// the publisher; handlers must be idempotent because delivery is
// at-least-once.
type Handler func(ctx context.Context, msg *entity.ServiceMessage) error

// Bus broadcasts messages live over Redis pub/sub and appends every publish
// to a durable per-type backlog, so a restarted consumer can replay what it
// missed via Pending.
type Bus struct {
	cl  *redis.Client
	log *slog.Logger

	mu       sync.Mutex
	handlers map[entity.MessageType][]Handler

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cl *redis.Client, log *slog.Logger) *Bus {
	return &Bus{
		cl:       cl,
		log:      log.With(slog.String("item", "Bus")),
		handlers: make(map[entity.MessageType][]Handler),
	}
}

// Publish appends the message to the durable backlog and broadcasts it to
// live subscribers. Subscriber processing never blocks the publisher.
func (b *Bus) Publish(ctx context.Context, msg *entity.ServiceMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("cannot marshal message %s: %w", msg.ID, err)
	}

	key := backlogPrefix + string(msg.Type)
	if err := b.cl.LPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("cannot append message %s to backlog: %w", msg.ID, err)
	}
	if err := b.cl.LTrim(ctx, key, 0, backlogLimit-1).Err(); err != nil {
		return fmt.Errorf("cannot trim backlog %s: %w", key, err)
	}

	if err := b.cl.Publish(ctx, channelPrefix+string(msg.Type), data).Err(); err != nil {
		return fmt.Errorf("cannot publish message %s: %w", msg.ID, err)
	}

	return nil
}

// Subscribe registers a handler for a message type. Handlers for the same
// type run in registration order. Must be called before StartConsuming.
func (b *Bus) Subscribe(t entity.MessageType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[t] = append(b.handlers[t], h)
}

// StartConsuming launches one live broadcast loop per subscribed type and
// returns. Interrupting it loses no messages: unconsumed backlog items stay
// behind for Pending.
func (b *Bus) StartConsuming(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return common.ErrBusAlreadyConsuming
	}

	ctx, b.cancel = context.WithCancel(ctx)

	b.mu.Lock()
	types := make([]entity.MessageType, 0, len(b.handlers))
	for t := range b.handlers {
		types = append(types, t)
	}
	b.mu.Unlock()

	for _, t := range types {
		b.wg.Add(1)
		go b.consume(ctx, t)
	}

	return nil
}

// Stop terminates the consume loops and waits for them to drain.
func (b *Bus) Stop() {
	if !b.running.CompareAndSwap(true, false) {
		return
	}

	b.cancel()
	b.wg.Wait()
}

func (b *Bus) consume(ctx context.Context, t entity.MessageType) {
	defer b.wg.Done()

	log := b.log.With(slog.String("message_type", string(t)))

	pubsub := b.cl.Subscribe(ctx, channelPrefix+string(t))
	defer pubsub.Close()

	log.Info("Consume loop started")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-ch:
			if !ok {
				return
			}

			var msg entity.ServiceMessage
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				log.Error("Cannot decode message", slog.Any("error", err))

				continue
			}

			b.Dispatch(ctx, &msg)
		}
	}
}

// Dispatch runs every registered handler for the message's type in order.
// A failing handler does not stop the rest.
func (b *Bus) Dispatch(ctx context.Context, msg *entity.ServiceMessage) {
	b.mu.Lock()
	handlers := b.handlers[msg.Type]
	b.mu.Unlock()

	for _, h := range handlers {
		if err := h(ctx, msg); err != nil {
			b.log.Error("Handler failed",
				slog.String("message_type", string(msg.Type)),
				slog.String("message_id", msg.ID),
				slog.Any("error", err))
		}
	}
}

// Pending drains up to limit messages from the durable backlog for the
// given type, oldest first.
func (b *Bus) Pending(ctx context.Context, t entity.MessageType, limit int) ([]*entity.ServiceMessage, error) {
	key := backlogPrefix + string(t)

	messages := make([]*entity.ServiceMessage, 0, limit)
	for i := 0; i < limit; i++ {
		data, err := b.cl.RPop(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				break
			}

			return nil, fmt.Errorf("cannot pop backlog %s: %w", key, err)
		}

		var msg entity.ServiceMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			b.log.Error("Cannot decode backlog message", slog.Any("error", err))

			continue
		}

		messages = append(messages, &msg)
	}

	return messages, nil
}

// QueueLen reports the durable backlog depth for a message type.
func (b *Bus) QueueLen(ctx context.Context, t entity.MessageType) (int64, error) {
	n, err := b.cl.LLen(ctx, backlogPrefix+string(t)).Result()
	if err != nil {
		return 0, fmt.Errorf("cannot get backlog length: %w", err)
	}

	return n, nil
}
