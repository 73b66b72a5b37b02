// Package progress pushes job-state events to connected clients. Channels
// are per user, created lazily, and fan out to every concurrent subscriber
// of the same user. Delivery is best-effort at-most-once: a disconnected
// client reconciles through the job listing API instead of a replay log.
package progress

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"outreach-orchestrator/internal/models"
	"outreach-orchestrator/internal/telemetry"
)

const channelPrefix = "progress:user:"

// Hub publishes and subscribes per-user progress events over Redis pub/sub,
// so API and worker processes share one event plane.
type Hub struct {
	client *redis.Client
	log    *zap.Logger

	mu          sync.Mutex
	subscribers map[string]int
	lastActive  map[string]time.Time
}

// NewHub wires the hub onto an existing redis client.
func NewHub(client *redis.Client, log *zap.Logger) *Hub {
	return &Hub{
		client:      client,
		log:         log,
		subscribers: make(map[string]int),
		lastActive:  make(map[string]time.Time),
	}
}

// Publish pushes one event to the user's channel. Errors are logged, not
// returned: losing a progress tick must never fail the job that emitted it.
func (h *Hub) Publish(ctx context.Context, userID string, ev models.ProgressEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("marshal progress event", zap.Error(err))
		return
	}
	if err := h.client.Publish(ctx, channelPrefix+userID, payload).Err(); err != nil {
		h.log.Warn("publish progress event", zap.String("user_id", userID), zap.Error(err))
	}
}

// Subscription is one client's live event feed.
type Subscription struct {
	C      <-chan models.ProgressEvent
	hub    *Hub
	userID string
	pubsub *redis.PubSub
	once   sync.Once
}

// Close tears the subscription down. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		_ = s.pubsub.Close()
		s.hub.release(s.userID)
	})
}

// Subscribe opens a feed of the user's events. Events arriving while the
// subscriber's buffer is full are dropped rather than blocking publishers.
func (h *Hub) Subscribe(ctx context.Context, userID string) (*Subscription, error) {
	pubsub := h.client.Subscribe(ctx, channelPrefix+userID)
	// Confirm the subscription before events can be missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	out := make(chan models.ProgressEvent, 64)
	sub := &Subscription{C: out, hub: h, userID: userID, pubsub: pubsub}

	h.mu.Lock()
	h.subscribers[userID]++
	h.lastActive[userID] = time.Now()
	h.mu.Unlock()
	telemetry.StreamSubscribers.Inc()

	go func() {
		defer close(out)
		ch := pubsub.Channel()
		for msg := range ch {
			var ev models.ProgressEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				h.log.Warn("decode progress event", zap.Error(err))
				continue
			}
			select {
			case out <- ev:
			default:
				// Slow consumer; drop.
			}
		}
	}()

	return sub, nil
}

func (h *Hub) release(userID string) {
	h.mu.Lock()
	if h.subscribers[userID] > 0 {
		h.subscribers[userID]--
	}
	if h.subscribers[userID] == 0 {
		h.lastActive[userID] = time.Now()
	}
	h.mu.Unlock()
	telemetry.StreamSubscribers.Dec()
}

// SubscriberCount reports connected subscribers for a user.
func (h *Hub) SubscriberCount(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.subscribers[userID]
}

// SweepIdle drops bookkeeping for users with no subscribers past the idle
// TTL. Redis holds no per-channel state for them, so this only trims maps.
func (h *Hub) SweepIdle(idleTTL time.Duration) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	removed := 0
	cutoff := time.Now().Add(-idleTTL)
	for userID, n := range h.subscribers {
		if n == 0 && h.lastActive[userID].Before(cutoff) {
			delete(h.subscribers, userID)
			delete(h.lastActive, userID)
			removed++
		}
	}
	return removed
}
