package subscription

import (
	"context"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"tasks-api/domain"
)

// Hub fans change events out to all live local subscribers. Delivery is
// best-effort: sends never block, a saturated subscriber misses events, and
// a subscriber attached after an event was published never sees it.
type Hub struct {
	mu   sync.Mutex
	subs map[chan domain.ChangeEvent]struct{}
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan domain.ChangeEvent]struct{})}
}

// Subscribe registers a new subscriber and returns its event channel.
func (h *Hub) Subscribe() chan domain.ChangeEvent {
	ch := make(chan domain.ChangeEvent, 8)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber registered via Subscribe.
func (h *Hub) Unsubscribe(ch chan domain.ChangeEvent) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

// Broadcast re-emits an event to every current subscriber without
// filtering or ordering guarantees beyond receipt order on this hub.
func (h *Hub) Broadcast(ev domain.ChangeEvent) {
	h.mu.Lock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	h.mu.Unlock()
}

// Listen consumes task change events from the Redis broadcast channel and
// re-emits them through the hub. The client must be dedicated to
// subscribing: a subscribed connection cannot issue further commands, so it
// is kept separate from the connection used for reads and writes. Malformed
// events are logged and dropped. Listen returns when ctx is done.
func Listen(ctx context.Context, logger *log.Logger, rc *redis.Client, channel string, hub *Hub) {
	for {
		sub := rc.Subscribe(ctx, channel)
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				var ev domain.ChangeEvent
				if err := sonic.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					logger.Errorf("unable to parse task event: %v", err)
					continue
				}
				hub.Broadcast(ev)
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		logger.Error("pubsub channel closed, reconnecting")
		time.Sleep(time.Second)
	}
}
