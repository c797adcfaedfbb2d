package call

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callsession-backend/internal/domain"
	apperrors "callsession-backend/pkg/errors"
	"callsession-backend/pkg/logger"
	"callsession-backend/pkg/mediatoken"
)

const (
	// DefaultHistoryLimit is the page size of History when none is requested
	DefaultHistoryLimit = 20
	// MaxHistoryLimit caps the page size of History
	MaxHistoryLimit = 100

	sweepBatchSize = 100
)

// Config holds the tunables of the call service
type Config struct {
	TokenTTL    time.Duration
	RingTimeout time.Duration
}

// Service runs the call session state machine
type Service struct {
	calls   CallRepository
	dir     Directory
	bus     SignalBus
	tokens  TokenIssuer
	metrics Recorder
	journal EventJournal
	cfg     Config
	now     func() time.Time
}

// Option customizes a Service
type Option func(*Service)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithRecorder reports call metrics to r
func WithRecorder(r Recorder) Option {
	return func(s *Service) {
		if r != nil {
			s.metrics = r
		}
	}
}

// WithJournal exposes the journaled events of a call through Events
func WithJournal(j EventJournal) Option {
	return func(s *Service) { s.journal = j }
}

// NewService creates a new call service
func NewService(calls CallRepository, dir Directory, bus SignalBus, tokens TokenIssuer, cfg Config, opts ...Option) *Service {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = mediatoken.DefaultTTL
	}
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = time.Minute
	}

	s := &Service{
		calls:   calls,
		dir:     dir,
		bus:     bus,
		tokens:  tokens,
		metrics: nopRecorder{},
		cfg:     cfg,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Credentials is everything a client presents to the media relay
type Credentials struct {
	Token     string    `json:"token"`
	AppID     string    `json:"app_id"`
	Channel   string    `json:"channel"`
	UID       uint32    `json:"uid"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Session is a call with its participants and, for operations that admit the
// actor to the media channel, the actor's credentials
type Session struct {
	Call         *domain.Call              `json:"call"`
	Participants []*domain.CallParticipant `json:"participants"`
	Credentials  *Credentials              `json:"credentials,omitempty"`
}

func (s *Session) snapshot() *domain.CallSnapshot {
	return &domain.CallSnapshot{Call: s.Call, Participants: s.Participants}
}

// InitiateInput contains call initiation data
type InitiateInput struct {
	Actor   domain.Actor
	Target  domain.CallTarget
	IsVideo bool
}

// Initiate creates a ringing call and offers it to every other participant
func (s *Service) Initiate(ctx context.Context, input *InitiateInput) (*Session, error) {
	if input.Target.IsZero() {
		return nil, apperrors.ValidationError("one of receiver_id or group_id is required")
	}
	if err := s.checkTokenConfig(); err != nil {
		return nil, err
	}
	uid, err := mediaUID(input.Actor.UserID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	c := &domain.Call{
		CallID:      uuid.New(),
		Kind:        input.Target.Kind(),
		InitiatedBy: input.Actor.UserID,
		ChannelName: domain.NewChannelName(now),
		Status:      domain.CallStatusRinging,
		IsVideo:     input.IsVideo,
		CreatedAt:   now,
	}

	initiator := &domain.CallParticipant{CallID: c.CallID, UserID: input.Actor.UserID}
	initiator.Join(now)
	participants := []*domain.CallParticipant{initiator}

	switch input.Target.Kind() {
	case domain.CallKindOneToOne:
		receiverID := input.Target.ID()
		if receiverID == input.Actor.UserID {
			return nil, apperrors.ValidationError("cannot call yourself")
		}
		if _, err := mediaUID(receiverID); err != nil {
			return nil, err
		}
		exists, err := s.dir.UserExists(ctx, receiverID)
		if err != nil {
			return nil, fmt.Errorf("failed to look up receiver: %w", err)
		}
		if !exists {
			return nil, apperrors.ValidationError("receiver does not exist")
		}
		convID, err := s.dir.GetOrCreateConversation(ctx, domain.NewChannelKey(input.Actor.UserID, receiverID))
		if err != nil {
			return nil, fmt.Errorf("failed to resolve conversation: %w", err)
		}
		c.ConversationID = &convID
		participants = append(participants, &domain.CallParticipant{
			CallID: c.CallID,
			UserID: receiverID,
			Status: domain.ParticipantRinging,
		})

	case domain.CallKindGroup:
		groupID := input.Target.ID()
		members, err := s.dir.GroupMemberIDs(ctx, groupID)
		if err != nil {
			if apperrors.HasCode(err, apperrors.ErrCodeNotFound) {
				return nil, apperrors.ValidationError("group does not exist")
			}
			return nil, fmt.Errorf("failed to look up group members: %w", err)
		}
		if !containsID(members, input.Actor.UserID) {
			return nil, apperrors.ForbiddenError("You are not a member of this group")
		}
		c.GroupID = &groupID

		seen := map[int64]bool{input.Actor.UserID: true}
		for _, id := range members {
			if seen[id] {
				continue
			}
			seen[id] = true
			if _, err := mediaUID(id); err != nil {
				return nil, err
			}
			participants = append(participants, &domain.CallParticipant{
				CallID: c.CallID,
				UserID: id,
				Status: domain.ParticipantInvited,
			})
		}
		if len(participants) == 1 {
			return nil, apperrors.ValidationError("group has no other members to call")
		}
	}

	creds, err := s.issue(c.ChannelName, uid)
	if err != nil {
		return nil, err
	}

	if err := s.calls.CreateCallWithParticipants(ctx, c, participants); err != nil {
		s.metrics.RecordCallFailure(string(c.Kind), "create")
		return nil, fmt.Errorf("failed to create call: %w", err)
	}
	s.metrics.RecordCall(string(c.Kind), "initiated")

	session := &Session{Call: c, Participants: participants, Credentials: creds}
	for _, p := range participants {
		if p.UserID != input.Actor.UserID {
			s.publish(ctx, ToUser(p.UserID), domain.EventCallOffered, session.snapshot())
		}
	}

	logger.FromContext(ctx).Info("Call initiated",
		zap.String("call_id", c.CallID.String()),
		zap.String("call_type", string(c.Kind)),
		zap.Int64("initiated_by", c.InitiatedBy),
		zap.Int("participants", len(participants)))

	return session, nil
}

// Join admits the actor to the call and returns fresh media credentials. The
// first join of a ringing call starts it.
//
// A participant who already left may join again while the call is live.
func (s *Service) Join(ctx context.Context, actor domain.Actor, callID uuid.UUID) (*Session, error) {
	if err := s.checkTokenConfig(); err != nil {
		return nil, err
	}
	uid, err := mediaUID(actor.UserID)
	if err != nil {
		return nil, err
	}

	var (
		session  *Session
		accepted bool
	)
	err = s.calls.WithinCall(ctx, callID, func(ctx context.Context, tx CallTx) error {
		// A retried transaction starts over.
		accepted = false

		p, err := participantOf(ctx, tx, actor)
		if err != nil {
			return err
		}
		c := tx.Call()
		if c.Status.IsTerminal() {
			return apperrors.CallEndedError()
		}

		now := s.now()
		if p.Status != domain.ParticipantJoined {
			p.Join(now)
			if err := tx.UpdateParticipant(ctx, p); err != nil {
				return fmt.Errorf("failed to update participant: %w", err)
			}
		}
		if c.Status == domain.CallStatusRinging {
			c.Start(now)
			if err := tx.UpdateCall(ctx, c); err != nil {
				return fmt.Errorf("failed to start call: %w", err)
			}
			accepted = true
		}

		creds, err := s.issue(c.ChannelName, uid)
		if err != nil {
			return err
		}

		session, err = loadSession(ctx, tx)
		if err != nil {
			return err
		}
		session.Credentials = creds
		return nil
	})
	if err != nil {
		return nil, err
	}

	if accepted {
		s.metrics.RecordCall(string(session.Call.Kind), string(domain.CallStatusOngoing))
		s.broadcast(ctx, session, domain.EventCallAccepted)
	}
	return session, nil
}

// Leave takes the actor out of the call. The call ends when nobody is left
// joined or pending.
func (s *Service) Leave(ctx context.Context, actor domain.Actor, callID uuid.UUID) (*Session, error) {
	var (
		session *Session
		ended   bool
	)
	err := s.calls.WithinCall(ctx, callID, func(ctx context.Context, tx CallTx) error {
		ended = false

		p, err := participantOf(ctx, tx, actor)
		if err != nil {
			return err
		}
		if tx.Call().Status.IsTerminal() {
			return apperrors.CallEndedError()
		}

		if p.Status.IsActive() {
			p.Leave(s.now())
			if err := tx.UpdateParticipant(ctx, p); err != nil {
				return fmt.Errorf("failed to update participant: %w", err)
			}
		}

		remaining, err := tx.CountParticipantsByStatus(ctx, domain.ActiveParticipantStatuses...)
		if err != nil {
			return fmt.Errorf("failed to count participants: %w", err)
		}
		if remaining == 0 {
			if err := s.finish(ctx, tx, domain.CallStatusEnded); err != nil {
				return err
			}
			ended = true
		}

		session, err = loadSession(ctx, tx)
		return err
	})
	if err != nil {
		return nil, err
	}

	if ended {
		s.afterFinish(ctx, session)
	}
	return session, nil
}

// End terminates the call for everyone. Only the initiator or an admin may end a call.
func (s *Service) End(ctx context.Context, actor domain.Actor, callID uuid.UUID) (*Session, error) {
	var session *Session
	err := s.calls.WithinCall(ctx, callID, func(ctx context.Context, tx CallTx) error {
		c := tx.Call()
		if c.InitiatedBy != actor.UserID && !actor.IsAdmin {
			return apperrors.ForbiddenError("Only the initiator or an admin can end this call")
		}
		if c.Status.IsTerminal() {
			return apperrors.CallEndedError()
		}
		if err := s.finish(ctx, tx, domain.CallStatusEnded); err != nil {
			return err
		}

		var err error
		session, err = loadSession(ctx, tx)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.afterFinish(ctx, session)
	return session, nil
}

// Reject declines the call. Rejecting a direct call ends it. Rejecting a
// group call removes the actor and ends the call once nobody is left joined
// or pending.
func (s *Service) Reject(ctx context.Context, actor domain.Actor, callID uuid.UUID) (*Session, error) {
	var (
		session *Session
		ended   bool
	)
	err := s.calls.WithinCall(ctx, callID, func(ctx context.Context, tx CallTx) error {
		ended = false

		p, err := participantOf(ctx, tx, actor)
		if err != nil {
			return err
		}
		c := tx.Call()
		if c.Status.IsTerminal() {
			return apperrors.CallEndedError()
		}
		if p.Status != domain.ParticipantRinging && p.Status != domain.ParticipantInvited {
			return apperrors.ValidationError("Only a pending participant can reject a call")
		}

		p.Status = domain.ParticipantRejected
		if err := tx.UpdateParticipant(ctx, p); err != nil {
			return fmt.Errorf("failed to update participant: %w", err)
		}

		if c.Kind == domain.CallKindOneToOne {
			if err := s.finish(ctx, tx, domain.CallStatusRejected); err != nil {
				return err
			}
			ended = true
		} else {
			remaining, err := tx.CountParticipantsByStatus(ctx, domain.ActiveParticipantStatuses...)
			if err != nil {
				return fmt.Errorf("failed to count participants: %w", err)
			}
			if remaining == 0 {
				if err := s.finish(ctx, tx, domain.CallStatusEnded); err != nil {
					return err
				}
				ended = true
			}
		}

		session, err = loadSession(ctx, tx)
		return err
	})
	if err != nil {
		return nil, err
	}

	if ended {
		s.afterFinish(ctx, session)
	} else {
		s.publish(ctx, ToChannel(session.Call.ChannelName), domain.EventParticipantUpdated, session.snapshot())
	}
	return session, nil
}

// Cancel withdraws a call that nobody has answered yet
func (s *Service) Cancel(ctx context.Context, actor domain.Actor, callID uuid.UUID) (*Session, error) {
	var session *Session
	err := s.calls.WithinCall(ctx, callID, func(ctx context.Context, tx CallTx) error {
		c := tx.Call()
		if c.InitiatedBy != actor.UserID {
			return apperrors.ForbiddenError("Only the initiator can cancel this call")
		}
		if c.Status.IsTerminal() {
			return apperrors.CallEndedError()
		}
		if c.Status != domain.CallStatusRinging {
			return apperrors.ValidationError("Only a ringing call can be cancelled")
		}
		if err := s.finish(ctx, tx, domain.CallStatusCancelled); err != nil {
			return err
		}

		var err error
		session, err = loadSession(ctx, tx)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.afterFinish(ctx, session)
	return session, nil
}

// MediaFlag names a participant media flag
type MediaFlag string

const (
	FlagMic   MediaFlag = "mic"
	FlagVideo MediaFlag = "video"
	FlagHand  MediaFlag = "hand"
)

// ToggleMic flips the actor's mute state, or sets it when desired is given
func (s *Service) ToggleMic(ctx context.Context, actor domain.Actor, callID uuid.UUID, desired *bool) (*domain.CallParticipant, error) {
	return s.setFlag(ctx, actor, callID, FlagMic, desired)
}

// ToggleVideo flips the actor's camera state, or sets it when desired is given
func (s *Service) ToggleVideo(ctx context.Context, actor domain.Actor, callID uuid.UUID, desired *bool) (*domain.CallParticipant, error) {
	return s.setFlag(ctx, actor, callID, FlagVideo, desired)
}

// RaiseHand flips the actor's raised hand, or sets it when desired is given
func (s *Service) RaiseHand(ctx context.Context, actor domain.Actor, callID uuid.UUID, desired *bool) (*domain.CallParticipant, error) {
	return s.setFlag(ctx, actor, callID, FlagHand, desired)
}

func (s *Service) setFlag(ctx context.Context, actor domain.Actor, callID uuid.UUID, flag MediaFlag, desired *bool) (*domain.CallParticipant, error) {
	var (
		updated *domain.CallParticipant
		session *Session
	)
	err := s.calls.WithinCall(ctx, callID, func(ctx context.Context, tx CallTx) error {
		p, err := participantOf(ctx, tx, actor)
		if err != nil {
			return err
		}
		if p.Status != domain.ParticipantJoined {
			return apperrors.ValidationError("Join the call before changing media state")
		}

		var field *bool
		switch flag {
		case FlagMic:
			field = &p.IsMicMuted
		case FlagVideo:
			field = &p.IsVideoOff
		case FlagHand:
			field = &p.IsHandRaised
		default:
			return fmt.Errorf("unknown media flag %q", flag)
		}
		if desired != nil {
			*field = *desired
		} else {
			*field = !*field
		}

		if err := tx.UpdateParticipant(ctx, p); err != nil {
			return fmt.Errorf("failed to update participant: %w", err)
		}
		updated = p

		session, err = loadSession(ctx, tx)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, ToChannel(session.Call.ChannelName), domain.EventParticipantUpdated, session.snapshot())
	return updated, nil
}

// IssueToken returns fresh credentials for a participant already in the call
func (s *Service) IssueToken(ctx context.Context, actor domain.Actor, callID uuid.UUID) (*Credentials, error) {
	if err := s.checkTokenConfig(); err != nil {
		return nil, err
	}
	uid, err := mediaUID(actor.UserID)
	if err != nil {
		return nil, err
	}

	c, err := s.calls.GetCall(ctx, callID)
	if err != nil {
		return nil, err
	}
	participants, err := s.calls.ListParticipants(ctx, callID)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}

	p := findParticipant(participants, actor.UserID)
	if p == nil {
		return nil, apperrors.NotParticipantError()
	}
	if c.Status.IsTerminal() {
		return nil, apperrors.CallEndedError()
	}
	if p.Status != domain.ParticipantJoined {
		return nil, apperrors.ValidationError("Join the call before requesting a token")
	}

	return s.issue(c.ChannelName, uid)
}

// GetCall returns a call and its participants to a participant or an admin
func (s *Service) GetCall(ctx context.Context, actor domain.Actor, callID uuid.UUID) (*Session, error) {
	c, err := s.calls.GetCall(ctx, callID)
	if err != nil {
		return nil, err
	}
	participants, err := s.calls.ListParticipants(ctx, callID)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	if !actor.IsAdmin && findParticipant(participants, actor.UserID) == nil {
		return nil, apperrors.NotParticipantError()
	}
	return &Session{Call: c, Participants: participants}, nil
}

// History returns the calls the actor took part in, newest first
func (s *Service) History(ctx context.Context, actor domain.Actor, limit, offset int) ([]*domain.Call, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}

	calls, err := s.calls.ListUserCalls(ctx, actor.UserID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list calls: %w", err)
	}
	return calls, nil
}

// Events returns the journaled lifecycle events of a call, oldest first
func (s *Service) Events(ctx context.Context, actor domain.Actor, callID uuid.UUID, limit int) ([]*domain.CallEvent, error) {
	if s.journal == nil {
		return nil, apperrors.ServiceUnavailableError("Call event journal is not enabled")
	}
	if _, err := s.GetCall(ctx, actor, callID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	events, err := s.journal.ListByCall(ctx, callID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list call events: %w", err)
	}
	return events, nil
}

// ExpireRinging marks calls that have rung longer than the ring timeout as
// missed. It returns how many calls it closed.
func (s *Service) ExpireRinging(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.RingTimeout)

	ids, err := s.calls.ListRingingBefore(ctx, cutoff, sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list ringing calls: %w", err)
	}

	expired := 0
	for _, id := range ids {
		var session *Session
		err := s.calls.WithinCall(ctx, id, func(ctx context.Context, tx CallTx) error {
			session = nil

			c := tx.Call()
			// Answered or closed since it was listed.
			if c.Status != domain.CallStatusRinging || !c.CreatedAt.Before(cutoff) {
				return nil
			}
			if err := s.finish(ctx, tx, domain.CallStatusMissed); err != nil {
				return err
			}
			var err error
			session, err = loadSession(ctx, tx)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return expired, ctx.Err()
			}
			logger.FromContext(ctx).Warn("Failed to expire ringing call",
				zap.String("call_id", id.String()),
				zap.Error(err))
			continue
		}
		if session != nil {
			expired++
			s.afterFinish(ctx, session)
		}
	}
	return expired, nil
}

// finish is the single end routine: the call moves to status and every
// participant still joined or pending is moved to left.
func (s *Service) finish(ctx context.Context, tx CallTx, status domain.CallStatus) error {
	now := s.now()

	c := tx.Call()
	c.Finish(status, now)
	if err := tx.UpdateCall(ctx, c); err != nil {
		return fmt.Errorf("failed to end call: %w", err)
	}
	if _, err := tx.BulkTransitionParticipants(ctx, domain.ActiveParticipantStatuses, domain.ParticipantLeft, now); err != nil {
		return fmt.Errorf("failed to close participants: %w", err)
	}
	return nil
}

func (s *Service) afterFinish(ctx context.Context, session *Session) {
	c := session.Call
	s.metrics.RecordCall(string(c.Kind), string(c.Status))
	s.metrics.RecordCallDuration(string(c.Kind), time.Duration(c.Duration)*time.Second)
	s.broadcast(ctx, session, domain.EventCallEnded)

	logger.FromContext(ctx).Info("Call finished",
		zap.String("call_id", c.CallID.String()),
		zap.String("status", string(c.Status)),
		zap.Int("duration", c.Duration))
}

// broadcast addresses event to every participant individually.
func (s *Service) broadcast(ctx context.Context, session *Session, event string) {
	snap := session.snapshot()
	for _, p := range session.Participants {
		s.publish(ctx, ToUser(p.UserID), event, snap)
	}
}

func (s *Service) publish(ctx context.Context, to Audience, event string, payload any) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, to, event, payload); err != nil {
		s.metrics.RecordSignalFailure(event)
		logger.FromContext(ctx).Warn("Failed to publish call event",
			zap.String("event", event),
			zap.String("topic", to.Topic()),
			zap.Error(err))
	}
}

func (s *Service) checkTokenConfig() error {
	if s.tokens == nil || !s.tokens.Configured() {
		return apperrors.ConfigurationError("Media token signing is not configured")
	}
	return nil
}

func (s *Service) issue(channel string, uid uint32) (*Credentials, error) {
	tok, err := s.tokens.Build(channel, uid, mediatoken.RolePublisher, s.cfg.TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to build media token: %w", err)
	}
	s.metrics.RecordTokenIssued(tok.Role.String())

	return &Credentials{
		Token:     tok.Value,
		AppID:     s.tokens.AppID(),
		Channel:   channel,
		UID:       uid,
		Role:      tok.Role.String(),
		ExpiresAt: tok.ExpiresAt,
	}, nil
}

// mediaUID maps a user id onto the 32-bit uid the relay understands.
func mediaUID(userID int64) (uint32, error) {
	if userID <= 0 || userID > math.MaxUint32 {
		return 0, apperrors.ValidationError("User id cannot be used as a media uid")
	}
	return uint32(userID), nil
}

func participantOf(ctx context.Context, tx CallTx, actor domain.Actor) (*domain.CallParticipant, error) {
	p, err := tx.GetParticipant(ctx, actor.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to get participant: %w", err)
	}
	if p == nil {
		return nil, apperrors.NotParticipantError()
	}
	return p, nil
}

func loadSession(ctx context.Context, tx CallTx) (*Session, error) {
	participants, err := tx.ListParticipants(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	return &Session{Call: tx.Call(), Participants: participants}, nil
}

func findParticipant(participants []*domain.CallParticipant, userID int64) *domain.CallParticipant {
	for _, p := range participants {
		if p.UserID == userID {
			return p
		}
	}
	return nil
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
