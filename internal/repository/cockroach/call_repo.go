package cockroach

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"callsession-backend/internal/domain"
	"callsession-backend/internal/service/call"
	apperrors "callsession-backend/pkg/errors"
	"callsession-backend/pkg/logger"
)

const (
	callColumns = `call_id, call_type, conversation_id, group_id, initiated_by, channel_name,
		status, is_video, started_at, ended_at, duration, created_at`

	participantColumns = `call_id, user_id, status, joined_at, left_at, duration,
		is_mic_muted, is_video_off, is_hand_raised`

	// CockroachDB asks clients to retry transactions that lost a conflict
	sqlStateSerializationFailure = "40001"
	sqlStateUniqueViolation      = "23505"
	maxTxAttempts                = 3
)

// querier is the part of pgxpool.Pool and pgx.Tx the repository reads through
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// CallRepository handles call data operations
type CallRepository struct {
	pool *pgxpool.Pool
}

// NewCallRepository creates a new call repository
func NewCallRepository(pool *pgxpool.Pool) *CallRepository {
	return &CallRepository{pool: pool}
}

var _ call.CallRepository = (*CallRepository)(nil)

// CreateCallWithParticipants inserts a call and its initial participants in one transaction
func (r *CallRepository) CreateCallWithParticipants(ctx context.Context, c *domain.Call, participants []*domain.CallParticipant) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO calls (`+callColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		c.CallID,
		c.Kind,
		c.ConversationID,
		c.GroupID,
		c.InitiatedBy,
		c.ChannelName,
		c.Status,
		c.IsVideo,
		c.StartedAt,
		c.EndedAt,
		c.Duration,
		c.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.ConflictError("Call already exists")
		}
		return fmt.Errorf("failed to create call: %w", err)
	}

	batch := &pgx.Batch{}
	for i, p := range participants {
		if p.CallID != c.CallID {
			return fmt.Errorf("participant %d belongs to call %s", p.UserID, p.CallID)
		}
		batch.Queue(`
			INSERT INTO call_participants (`+participantColumns+`, ordinal)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`,
			p.CallID,
			p.UserID,
			p.Status,
			p.JoinedAt,
			p.LeftAt,
			p.Duration,
			p.IsMicMuted,
			p.IsVideoOff,
			p.IsHandRaised,
			i,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to add participants: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit call: %w", err)
	}
	return nil
}

// GetCall retrieves a call by ID
func (r *CallRepository) GetCall(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	return getCall(ctx, r.pool, callID, false)
}

// ListParticipants retrieves all participants in a call
func (r *CallRepository) ListParticipants(ctx context.Context, callID uuid.UUID) ([]*domain.CallParticipant, error) {
	return listParticipants(ctx, r.pool, callID)
}

// ListUserCalls retrieves the calls a user took part in, newest first
func (r *CallRepository) ListUserCalls(ctx context.Context, userID int64, limit, offset int) ([]*domain.Call, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT c.call_id, c.call_type, c.conversation_id, c.group_id, c.initiated_by, c.channel_name,
		       c.status, c.is_video, c.started_at, c.ended_at, c.duration, c.created_at
		FROM calls c
		JOIN call_participants cp ON cp.call_id = c.call_id
		WHERE cp.user_id = $1
		ORDER BY c.created_at DESC, c.call_id DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get user calls: %w", err)
	}
	defer rows.Close()

	calls := make([]*domain.Call, 0, limit)
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call: %w", err)
		}
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

// ListRingingBefore returns ids of calls still ringing that were created before cutoff, oldest first
func (r *CallRepository) ListRingingBefore(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT call_id
		FROM calls
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at ASC
		LIMIT $3
	`, domain.CallStatusRinging, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list ringing calls: %w", err)
	}

	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("failed to scan call id: %w", err)
	}
	return ids, nil
}

// WithinCall locks the call row with SELECT ... FOR UPDATE and runs fn in the
// same transaction. Serialization failures are retried.
func (r *CallRepository) WithinCall(ctx context.Context, callID uuid.UUID, fn func(ctx context.Context, tx call.CallTx) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = r.withinCallOnce(ctx, callID, fn)
		if !isSerializationFailure(err) {
			return err
		}
		logger.FromContext(ctx).Debug("Retrying call transaction",
			zap.String("call_id", callID.String()),
			zap.Int("attempt", attempt))
	}
	return err
}

func (r *CallRepository) withinCallOnce(ctx context.Context, callID uuid.UUID, fn func(ctx context.Context, tx call.CallTx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := getCall(ctx, tx, callID, true)
	if err != nil {
		return err
	}

	if err := fn(ctx, &callTx{tx: tx, call: c}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// callTx is a call locked inside a pgx transaction
type callTx struct {
	tx   pgx.Tx
	call *domain.Call
}

func (t *callTx) Call() *domain.Call {
	return t.call
}

func (t *callTx) GetParticipant(ctx context.Context, userID int64) (*domain.CallParticipant, error) {
	p, err := scanParticipant(t.tx.QueryRow(ctx, `
		SELECT `+participantColumns+`
		FROM call_participants
		WHERE call_id = $1 AND user_id = $2
	`, t.call.CallID, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get participant: %w", err)
	}
	return p, nil
}

func (t *callTx) ListParticipants(ctx context.Context) ([]*domain.CallParticipant, error) {
	return listParticipants(ctx, t.tx, t.call.CallID)
}

func (t *callTx) UpdateParticipant(ctx context.Context, p *domain.CallParticipant) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE call_participants
		SET status = $3, joined_at = $4, left_at = $5, duration = $6,
		    is_mic_muted = $7, is_video_off = $8, is_hand_raised = $9
		WHERE call_id = $1 AND user_id = $2
	`,
		t.call.CallID,
		p.UserID,
		p.Status,
		p.JoinedAt,
		p.LeftAt,
		p.Duration,
		p.IsMicMuted,
		p.IsVideoOff,
		p.IsHandRaised,
	)
	if err != nil {
		return fmt.Errorf("failed to update participant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFoundError("Participant")
	}
	return nil
}

func (t *callTx) UpdateCall(ctx context.Context, c *domain.Call) error {
	if c.CallID != t.call.CallID {
		return fmt.Errorf("call %s is not locked by this transaction", c.CallID)
	}
	_, err := t.tx.Exec(ctx, `
		UPDATE calls
		SET status = $2, started_at = $3, ended_at = $4, duration = $5
		WHERE call_id = $1
	`, c.CallID, c.Status, c.StartedAt, c.EndedAt, c.Duration)
	if err != nil {
		return fmt.Errorf("failed to update call: %w", err)
	}
	t.call = c
	return nil
}

func (t *callTx) CountParticipantsByStatus(ctx context.Context, statuses ...domain.ParticipantStatus) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `
		SELECT count(*)
		FROM call_participants
		WHERE call_id = $1 AND status = ANY($2)
	`, t.call.CallID, statusStrings(statuses)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count participants: %w", err)
	}
	return n, nil
}

func (t *callTx) BulkTransitionParticipants(ctx context.Context, from []domain.ParticipantStatus, to domain.ParticipantStatus, at time.Time) (int, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE call_participants
		SET status = $3,
		    left_at = $4,
		    duration = CASE
		        WHEN joined_at IS NULL THEN 0
		        ELSE GREATEST(0, FLOOR(EXTRACT(EPOCH FROM ($4::TIMESTAMPTZ - joined_at)))::INT4)
		    END
		WHERE call_id = $1 AND status = ANY($2)
	`, t.call.CallID, statusStrings(from), to, at)
	if err != nil {
		return 0, fmt.Errorf("failed to transition participants: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func getCall(ctx context.Context, q querier, callID uuid.UUID, forUpdate bool) (*domain.Call, error) {
	query := `SELECT ` + callColumns + ` FROM calls WHERE call_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	c, err := scanCall(q.QueryRow(ctx, query, callID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.CallNotFoundError()
		}
		return nil, fmt.Errorf("failed to get call: %w", err)
	}
	return c, nil
}

func listParticipants(ctx context.Context, q querier, callID uuid.UUID) ([]*domain.CallParticipant, error) {
	rows, err := q.Query(ctx, `
		SELECT `+participantColumns+`
		FROM call_participants
		WHERE call_id = $1
		ORDER BY ordinal ASC
	`, callID)
	if err != nil {
		return nil, fmt.Errorf("failed to get participants: %w", err)
	}
	defer rows.Close()

	var participants []*domain.CallParticipant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

func scanCall(row pgx.Row) (*domain.Call, error) {
	c := &domain.Call{}
	err := row.Scan(
		&c.CallID,
		&c.Kind,
		&c.ConversationID,
		&c.GroupID,
		&c.InitiatedBy,
		&c.ChannelName,
		&c.Status,
		&c.IsVideo,
		&c.StartedAt,
		&c.EndedAt,
		&c.Duration,
		&c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func scanParticipant(row pgx.Row) (*domain.CallParticipant, error) {
	p := &domain.CallParticipant{}
	err := row.Scan(
		&p.CallID,
		&p.UserID,
		&p.Status,
		&p.JoinedAt,
		&p.LeftAt,
		&p.Duration,
		&p.IsMicMuted,
		&p.IsVideoOff,
		&p.IsHandRaised,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func statusStrings(statuses []domain.ParticipantStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == sqlStateSerializationFailure
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == sqlStateUniqueViolation
}
