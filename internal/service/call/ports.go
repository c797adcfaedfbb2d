package call

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"

	"callsession-backend/internal/domain"
	"callsession-backend/pkg/mediatoken"
)

// CallRepository persists calls and their participants.
//
// Lookups of a call that does not exist return errors.CallNotFoundError.
type CallRepository interface {
	// CreateCallWithParticipants stores a call and its initial participant set
	// in one transaction; either all rows are written or none are.
	CreateCallWithParticipants(ctx context.Context, call *domain.Call, participants []*domain.CallParticipant) error
	GetCall(ctx context.Context, callID uuid.UUID) (*domain.Call, error)
	ListParticipants(ctx context.Context, callID uuid.UUID) ([]*domain.CallParticipant, error)
	// ListUserCalls returns the calls userID takes part in, newest first.
	ListUserCalls(ctx context.Context, userID int64, limit, offset int) ([]*domain.Call, error)
	// ListRingingBefore returns ids of calls still ringing that were created before cutoff.
	ListRingingBefore(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error)
	// WithinCall locks the call and runs fn against it. Every write made through
	// tx is committed when fn returns nil and discarded otherwise.
	WithinCall(ctx context.Context, callID uuid.UUID, fn func(ctx context.Context, tx CallTx) error) error
}

// CallTx is a locked view of one call.
type CallTx interface {
	// Call returns the locked call, including writes made through UpdateCall.
	Call() *domain.Call
	// GetParticipant returns nil and no error when userID is not in the call.
	GetParticipant(ctx context.Context, userID int64) (*domain.CallParticipant, error)
	ListParticipants(ctx context.Context) ([]*domain.CallParticipant, error)
	UpdateParticipant(ctx context.Context, p *domain.CallParticipant) error
	UpdateCall(ctx context.Context, c *domain.Call) error
	CountParticipantsByStatus(ctx context.Context, statuses ...domain.ParticipantStatus) (int, error)
	// BulkTransitionParticipants moves every participant whose status is in from
	// to the status to, stamping left_at with at and the time spent in the call.
	BulkTransitionParticipants(ctx context.Context, from []domain.ParticipantStatus, to domain.ParticipantStatus, at time.Time) (int, error)
}

// Directory answers the user, group and conversation questions a call needs.
type Directory interface {
	UserExists(ctx context.Context, userID int64) (bool, error)
	// GroupMemberIDs returns errors.NotFoundError when the group does not exist.
	GroupMemberIDs(ctx context.Context, groupID int64) ([]int64, error)
	// GetOrCreateConversation returns the id of the direct conversation of the pair.
	GetOrCreateConversation(ctx context.Context, key domain.ChannelKey) (int64, error)
}

// Audience is who a signal is addressed to: one user or everyone on a channel.
type Audience struct {
	UserID  int64
	Channel string
}

// ToUser addresses a single user.
func ToUser(userID int64) Audience {
	return Audience{UserID: userID}
}

// ToChannel addresses every subscriber of a named channel.
func ToChannel(name string) Audience {
	return Audience{Channel: name}
}

// Topic is the pub/sub topic for the audience.
func (a Audience) Topic() string {
	if a.Channel != "" {
		return "channel:" + a.Channel
	}
	return "user:" + strconv.FormatInt(a.UserID, 10)
}

// SignalBus delivers call events. Delivery is best effort.
type SignalBus interface {
	Publish(ctx context.Context, to Audience, event string, payload any) error
}

// EventJournal reads back the events published for a call.
type EventJournal interface {
	ListByCall(ctx context.Context, callID uuid.UUID, limit int) ([]*domain.CallEvent, error)
}

// TokenIssuer signs media access tokens.
type TokenIssuer interface {
	AppID() string
	Configured() bool
	Build(channel string, uid uint32, role mediatoken.Role, ttl time.Duration) (*mediatoken.Token, error)
}

// Recorder receives call metrics.
type Recorder interface {
	RecordCall(callType, status string)
	RecordCallDuration(callType string, duration time.Duration)
	RecordCallFailure(callType, reason string)
	RecordSignalFailure(event string)
	RecordTokenIssued(role string)
}

type nopRecorder struct{}

func (nopRecorder) RecordCall(string, string)                {}
func (nopRecorder) RecordCallDuration(string, time.Duration) {}
func (nopRecorder) RecordCallFailure(string, string)         {}
func (nopRecorder) RecordSignalFailure(string)               {}
func (nopRecorder) RecordTokenIssued(string)                 {}
