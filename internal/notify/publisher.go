package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	channelPrefix  = "events:"
	publishTimeout = 5 * time.Second
)

// Event names published on an event's channel.
const (
	RegistrationConfirmed = "registration.confirmed"
	RegistrationCancelled = "registration.cancelled"
	WaitlistJoined        = "waitlist.joined"
	WaitlistLeft          = "waitlist.left"
	WaitlistPromoted      = "waitlist.promoted"
	GroupActivated        = "group.activated"
	GroupConfirmed        = "group.confirmed"
	GroupCancelled        = "group.cancelled"
	CapacityNearFull      = "capacity.near_full"
)

// Publisher hands state changes to the notification collaborator.
type Publisher interface {
	Publish(ctx context.Context, eventID uuid.UUID, event string, data interface{}) error
}

// Message is the JSON body sent on the channel.
type Message struct {
	Event   string          `json:"event"`
	EventID uuid.UUID       `json:"event_id"`
	Data    json.RawMessage `json:"data"`
	At      int64           `json:"at"`
}

// Channel returns the pub/sub channel for an event.
func Channel(eventID uuid.UUID) string {
	return channelPrefix + eventID.String()
}

// Emit publishes and only logs failures. Notifications never fail the
// operation that produced them.
func Emit(ctx context.Context, p Publisher, logger *zap.Logger, eventID uuid.UUID, event string, data interface{}) {
	if err := p.Publish(ctx, eventID, event, data); err != nil {
		logger.Warn("publish notification failed",
			zap.String("event", event),
			zap.String("event_id", eventID.String()),
			zap.Error(err),
		)
	}
}

// NopPublisher drops every message.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, uuid.UUID, string, interface{}) error { return nil }

// RedisPublisher publishes to Redis pub/sub.
type RedisPublisher struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisPublisher creates a Redis pub/sub publisher.
func NewRedisPublisher(client *redis.Client, logger *zap.Logger) *RedisPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPublisher{client: client, logger: logger}
}

// Publish implements Publisher.
func (r *RedisPublisher) Publish(ctx context.Context, eventID uuid.UUID, event string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}
	body, err := json.Marshal(Message{Event: event, EventID: eventID, Data: payload, At: time.Now().Unix()})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	return r.client.Publish(ctx, Channel(eventID), body).Err()
}

// Subscribe delivers every message on an event's channel to handler until
// the returned cancel function is called.
func (r *RedisPublisher) Subscribe(eventID uuid.UUID, handler func(Message)) (cancel func(), err error) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(ctx, Channel(eventID))
	if _, err := pubsub.Receive(ctx); err != nil {
		cancelCtx()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var m Message
				if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
					r.logger.Debug("dropping malformed message", zap.String("channel", msg.Channel))
					continue
				}
				handler(m)
			}
		}
	}()
	return cancelCtx, nil
}
