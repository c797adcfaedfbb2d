package signal

import (
	"context"

	"github.com/google/uuid"

	"callsession-backend/internal/domain"
	"callsession-backend/internal/service/call"
	"callsession-backend/pkg/push"
)

// Notifier sends call notifications to the devices of users
type Notifier interface {
	SendIncomingCall(ctx context.Context, data *push.CallNotificationData, calleeIDs []int64) error
	SendCallEnded(ctx context.Context, callID uuid.UUID, status string, duration int64, participantIDs []int64) error
	SendMissedCall(ctx context.Context, callID uuid.UUID, callerID int64, calleeIDs []int64) error
}

// PushBus turns offers and call endings addressed to a user into push
// notifications. Channel events and other event types are ignored.
type PushBus struct {
	notifier Notifier
}

// NewPushBus creates a new PushBus
func NewPushBus(notifier Notifier) *PushBus {
	return &PushBus{notifier: notifier}
}

// Publish implements call.SignalBus
func (b *PushBus) Publish(ctx context.Context, to call.Audience, event string, payload any) error {
	if to.Channel != "" {
		return nil
	}
	snap, ok := payload.(*domain.CallSnapshot)
	if !ok || snap.Call == nil {
		return nil
	}
	c := snap.Call
	recipients := []int64{to.UserID}

	switch event {
	case domain.EventCallOffered:
		return b.notifier.SendIncomingCall(ctx, &push.CallNotificationData{
			CallID:      c.CallID,
			ChannelName: c.ChannelName,
			CallerID:    c.InitiatedBy,
			CallType:    string(c.Kind),
			IsVideo:     c.IsVideo,
			Timestamp:   c.CreatedAt.Unix(),
		}, recipients)

	case domain.EventCallEnded:
		if c.Status == domain.CallStatusMissed {
			// The caller gave up; only callees are told they missed it.
			if to.UserID == c.InitiatedBy {
				return nil
			}
			return b.notifier.SendMissedCall(ctx, c.CallID, c.InitiatedBy, recipients)
		}
		return b.notifier.SendCallEnded(ctx, c.CallID, string(c.Status), int64(c.Duration), recipients)
	}
	return nil
}
