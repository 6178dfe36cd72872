// Package notify carries fire-and-forget events to the external
// notification dispatcher. Delivery failures are logged and dropped;
// they must never roll back the write that produced the event.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"chatd/pkg/logger"
)

// EventType names the transitions that fan out to recipients.
type EventType string

const (
	EventMessage   EventType = "message"
	EventDelivered EventType = "delivered"
	EventAccepted  EventType = "request_accepted"
)

type Event struct {
	Type         EventType `json:"type"`
	RecipientID  string    `json:"recipient"`
	Conversation string    `json:"conversation"`
	MessageID    string    `json:"message,omitempty"`
	Preview      string    `json:"preview,omitempty"`
	TS           int64     `json:"ts"`
}

// Dispatcher accepts events without blocking the caller's write path.
type Dispatcher interface {
	Dispatch(ev Event)
}

// LogDispatcher just records events; the default for single-node runs
// and tests.
type LogDispatcher struct{}

func (LogDispatcher) Dispatch(ev Event) {
	logger.Debug("notify_event",
		"type", string(ev.Type), "recipient", ev.RecipientID,
		"conversation", ev.Conversation, "message", ev.MessageID)
}

// RedisDispatcher publishes events on a pub/sub channel so push
// workers on other instances can pick them up.
type RedisDispatcher struct {
	client  *redis.Client
	channel string
}

func NewRedisDispatcher(addr, channel string) *RedisDispatcher {
	return &RedisDispatcher{
		client:  redis.NewClient(&redis.Options{Addr: addr}),
		channel: channel,
	}
}

func (d *RedisDispatcher) Dispatch(ev Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := d.client.Publish(ctx, d.channel, b).Err(); err != nil {
			logger.Warn("notify_publish_failed", "channel", d.channel, "error", err)
		}
	}()
}

// Close releases the underlying redis connection.
func (d *RedisDispatcher) Close() error { return d.client.Close() }
