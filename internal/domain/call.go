package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CallKind distinguishes a direct call from a group call. It never changes after creation.
type CallKind string

const (
	CallKindOneToOne CallKind = "one_to_one"
	CallKindGroup    CallKind = "group"
)

// CallStatus is the lifecycle state of a call
type CallStatus string

const (
	CallStatusRinging   CallStatus = "ringing"
	CallStatusOngoing   CallStatus = "ongoing"
	CallStatusEnded     CallStatus = "ended"
	CallStatusMissed    CallStatus = "missed"
	CallStatusRejected  CallStatus = "rejected"
	CallStatusCancelled CallStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallStatusEnded, CallStatusMissed, CallStatusRejected, CallStatusCancelled:
		return true
	}
	return false
}

// ParticipantStatus is a user's membership state within a call
type ParticipantStatus string

const (
	ParticipantInvited  ParticipantStatus = "invited"
	ParticipantRinging  ParticipantStatus = "ringing"
	ParticipantJoined   ParticipantStatus = "joined"
	ParticipantLeft     ParticipantStatus = "left"
	ParticipantRejected ParticipantStatus = "rejected"
)

// ActiveParticipantStatuses are the statuses that keep a call alive: a participant
// who is either in the call or still being rung.
var ActiveParticipantStatuses = []ParticipantStatus{
	ParticipantJoined,
	ParticipantRinging,
	ParticipantInvited,
}

// IsActive reports whether s is one of ActiveParticipantStatuses.
func (s ParticipantStatus) IsActive() bool {
	for _, a := range ActiveParticipantStatuses {
		if s == a {
			return true
		}
	}
	return false
}

// Call represents a video/audio call entity
type Call struct {
	CallID         uuid.UUID  `json:"call_id"`
	Kind           CallKind   `json:"call_type"`
	ConversationID *int64     `json:"conversation_id,omitempty"`
	GroupID        *int64     `json:"group_id,omitempty"`
	InitiatedBy    int64      `json:"initiated_by"`
	ChannelName    string     `json:"channel_name"`
	Status         CallStatus `json:"status"`
	IsVideo        bool       `json:"is_video"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	Duration       int        `json:"duration"` // in seconds
	CreatedAt      time.Time  `json:"created_at"`
}

// Clone returns a deep copy of c.
func (c *Call) Clone() *Call {
	cp := *c
	cp.ConversationID = cloneInt64(c.ConversationID)
	cp.GroupID = cloneInt64(c.GroupID)
	cp.StartedAt = cloneTime(c.StartedAt)
	cp.EndedAt = cloneTime(c.EndedAt)
	return &cp
}

// Start moves a ringing call to ongoing and stamps started_at.
func (c *Call) Start(now time.Time) {
	c.Status = CallStatusOngoing
	c.StartedAt = &now
}

// Finish moves the call to the terminal status and stamps ended_at and duration.
// Duration is measured from started_at and is 0 for a call that never went ongoing.
func (c *Call) Finish(status CallStatus, now time.Time) {
	c.Status = status
	c.EndedAt = &now
	c.Duration = 0
	if c.StartedAt != nil {
		c.Duration = secondsBetween(*c.StartedAt, now)
	}
}

// CallParticipant represents a participant in a call
type CallParticipant struct {
	CallID       uuid.UUID         `json:"call_id"`
	UserID       int64             `json:"user_id"`
	Status       ParticipantStatus `json:"status"`
	JoinedAt     *time.Time        `json:"joined_at,omitempty"`
	LeftAt       *time.Time        `json:"left_at,omitempty"`
	Duration     int               `json:"duration"`
	IsMicMuted   bool              `json:"is_mic_muted"`
	IsVideoOff   bool              `json:"is_video_off"`
	IsHandRaised bool              `json:"is_hand_raised"`
}

// Clone returns a deep copy of p.
func (p *CallParticipant) Clone() *CallParticipant {
	cp := *p
	cp.JoinedAt = cloneTime(p.JoinedAt)
	cp.LeftAt = cloneTime(p.LeftAt)
	return &cp
}

// Join marks the participant as in the call from now on.
func (p *CallParticipant) Join(now time.Time) {
	p.Status = ParticipantJoined
	p.JoinedAt = &now
	p.LeftAt = nil
}

// Leave marks the participant as gone and derives the time spent in the call.
func (p *CallParticipant) Leave(now time.Time) {
	p.Status = ParticipantLeft
	p.LeftAt = &now
	p.Duration = 0
	if p.JoinedAt != nil {
		p.Duration = secondsBetween(*p.JoinedAt, now)
	}
}

// CallTarget is who a call is placed to: exactly one of a user or a group.
type CallTarget struct {
	kind CallKind
	id   int64
}

// UserTarget addresses a direct call to a single user.
func UserTarget(userID int64) CallTarget {
	return CallTarget{kind: CallKindOneToOne, id: userID}
}

// GroupTarget addresses a call to every member of a group.
func GroupTarget(groupID int64) CallTarget {
	return CallTarget{kind: CallKindGroup, id: groupID}
}

// NewCallTarget resolves the optional receiver/group pair of a request into a target.
// Exactly one of them must be set.
func NewCallTarget(receiverID, groupID *int64) (CallTarget, error) {
	switch {
	case receiverID != nil && groupID != nil:
		return CallTarget{}, fmt.Errorf("only one of receiver_id or group_id may be given")
	case receiverID != nil:
		return UserTarget(*receiverID), nil
	case groupID != nil:
		return GroupTarget(*groupID), nil
	default:
		return CallTarget{}, fmt.Errorf("one of receiver_id or group_id is required")
	}
}

// Kind returns the call kind this target produces.
func (t CallTarget) Kind() CallKind { return t.kind }

// ID returns the user or group id.
func (t CallTarget) ID() int64 { return t.id }

// IsZero reports whether t was never set.
func (t CallTarget) IsZero() bool { return t.kind == "" }

// ChannelKey is the canonical, order-independent name of a pair of users.
type ChannelKey struct {
	Low  int64
	High int64
}

// NewChannelKey orders a and b so that NewChannelKey(a, b) == NewChannelKey(b, a).
func NewChannelKey(a, b int64) ChannelKey {
	if a > b {
		a, b = b, a
	}
	return ChannelKey{Low: a, High: b}
}

func (k ChannelKey) String() string {
	return fmt.Sprintf("%d_%d", k.Low, k.High)
}

// NewChannelName returns a fresh media channel name for a call created at now.
func NewChannelName(now time.Time) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("call_%s_%d", id[:13], now.Unix())
}

func secondsBetween(from, to time.Time) int {
	d := int(to.Sub(from) / time.Second)
	if d < 0 {
		return 0
	}
	return d
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}
