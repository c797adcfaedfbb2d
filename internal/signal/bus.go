// Package signal delivers call lifecycle events to clients. Events go out
// over Redis pub/sub to the websocket hub, to mobile devices as push
// notifications and into the Cassandra journal.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"callsession-backend/internal/database"
	"callsession-backend/internal/service/call"
)

// Envelope is the wire form of an event on a pub/sub topic
type Envelope struct {
	Event   string          `json:"event"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
	SentAt  time.Time       `json:"sent_at"`
}

// RedisBus publishes events on the Redis topic of their audience
type RedisBus struct {
	redis *database.RedisClient
}

// NewRedisBus creates a new RedisBus
func NewRedisBus(redis *database.RedisClient) *RedisBus {
	return &RedisBus{redis: redis}
}

// Publish implements call.SignalBus
func (b *RedisBus) Publish(ctx context.Context, to call.Audience, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	msg, err := json.Marshal(&Envelope{
		Event:   event,
		Topic:   to.Topic(),
		Payload: data,
		SentAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := b.redis.SafePublish(ctx, to.Topic(), msg); err != nil {
		return fmt.Errorf("failed to publish %s: %w", event, err)
	}
	return nil
}

// MultiBus hands every event to each of its buses in turn. A failing bus does
// not stop the others; their errors are joined.
type MultiBus []call.SignalBus

// Publish implements call.SignalBus
func (m MultiBus) Publish(ctx context.Context, to call.Audience, event string, payload any) error {
	var errs []error
	for _, bus := range m {
		if bus == nil {
			continue
		}
		if err := bus.Publish(ctx, to, event, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
