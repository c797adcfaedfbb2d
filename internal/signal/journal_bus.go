package signal

import (
	"context"
	"encoding/json"
	"fmt"

	"callsession-backend/internal/domain"
	"callsession-backend/internal/service/call"
)

// EventAppender stores journaled events
type EventAppender interface {
	Append(ctx context.Context, event *domain.CallEvent) error
}

// JournalBus records every call event it sees
type JournalBus struct {
	store EventAppender
}

// NewJournalBus creates a new JournalBus
func NewJournalBus(store EventAppender) *JournalBus {
	return &JournalBus{store: store}
}

// Publish implements call.SignalBus
func (b *JournalBus) Publish(ctx context.Context, to call.Audience, event string, payload any) error {
	snap, ok := payload.(*domain.CallSnapshot)
	if !ok || snap.Call == nil {
		return nil
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	return b.store.Append(ctx, &domain.CallEvent{
		CallID:    snap.Call.CallID,
		Name:      event,
		Recipient: to.Topic(),
		Status:    string(snap.Call.Status),
		Payload:   string(data),
	})
}
