package domain

import (
	"time"

	"github.com/google/uuid"
)

// Call lifecycle events published to participants
const (
	EventCallOffered        = "call.offered"
	EventCallAccepted       = "call.accepted"
	EventCallEnded          = "call.ended"
	EventParticipantUpdated = "call.participant_updated"
)

// CallSnapshot is the payload carried by every call event: the call and all of its
// participants at the moment the transition committed.
type CallSnapshot struct {
	Call         *Call              `json:"call"`
	Participants []*CallParticipant `json:"participants"`
}

// ParticipantIDs returns the user ids of every participant in the snapshot.
func (s *CallSnapshot) ParticipantIDs() []int64 {
	ids := make([]int64, 0, len(s.Participants))
	for _, p := range s.Participants {
		ids = append(ids, p.UserID)
	}
	return ids
}

// CallEvent is one journaled lifecycle event
type CallEvent struct {
	CallID    uuid.UUID `json:"call_id"`
	EventID   uuid.UUID `json:"event_id"`
	Name      string    `json:"name"`
	Recipient string    `json:"recipient"`
	Status    string    `json:"status"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}
