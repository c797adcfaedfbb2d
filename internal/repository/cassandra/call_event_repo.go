package cassandra

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"callsession-backend/internal/domain"
	"callsession-backend/pkg/database"
)

const callEventsTable = "call_events"

// eventTTL is how long a journaled event is kept, in seconds
const eventTTL = 90 * 24 * 60 * 60

const createCallEventsTable = `
	CREATE TABLE IF NOT EXISTS call_events (
		call_id    uuid,
		event_id   timeuuid,
		name       text,
		recipient  text,
		status     text,
		payload    text,
		created_at timestamp,
		PRIMARY KEY ((call_id), event_id)
	) WITH CLUSTERING ORDER BY (event_id ASC)
`

// QueryRecorder receives the outcome of every query
type QueryRecorder interface {
	RecordCassandraQuery(operation, table string, duration time.Duration, err error)
}

// CallEventRepository journals call lifecycle events in Cassandra.
// Events are partitioned by call and clustered by a time based id, so a
// partition reads back in publish order.
type CallEventRepository struct {
	session *gocql.Session
	metrics QueryRecorder
}

// NewCallEventRepository creates a new CallEventRepository. metrics may be nil.
func NewCallEventRepository(session *gocql.Session, metrics QueryRecorder) *CallEventRepository {
	return &CallEventRepository{session: session, metrics: metrics}
}

// EnsureSchema creates the call_events table in the session keyspace
func (r *CallEventRepository) EnsureSchema(ctx context.Context) error {
	if err := r.session.Query(createCallEventsTable).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("failed to create %s table: %w", callEventsTable, err)
	}
	return nil
}

// Append stores one event. EventID and CreatedAt are filled in when unset.
func (r *CallEventRepository) Append(ctx context.Context, event *domain.CallEvent) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	if event.EventID == uuid.Nil {
		event.EventID = uuid.UUID(gocql.UUIDFromTime(event.CreatedAt))
	}

	ctx, cancel := context.WithTimeout(ctx, database.DefaultCassandraQueryTimeout)
	defer cancel()

	start := time.Now()
	err := r.session.Query(`
		INSERT INTO call_events (call_id, event_id, name, recipient, status, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		USING TTL ?`,
		gocql.UUID(event.CallID),
		gocql.UUID(event.EventID),
		event.Name,
		event.Recipient,
		event.Status,
		event.Payload,
		event.CreatedAt,
		eventTTL,
	).WithContext(ctx).Exec()
	r.record("insert", start, err)

	if err != nil {
		return fmt.Errorf("failed to save call event: %w", err)
	}
	return nil
}

// ListByCall returns up to limit events of a call, oldest first
func (r *CallEventRepository) ListByCall(ctx context.Context, callID uuid.UUID, limit int) ([]*domain.CallEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, database.DefaultCassandraQueryTimeout)
	defer cancel()

	start := time.Now()
	iter := r.session.Query(`
		SELECT call_id, event_id, name, recipient, status, payload, created_at
		FROM call_events
		WHERE call_id = ?
		LIMIT ?`,
		gocql.UUID(callID), limit,
	).WithContext(ctx).Iter()

	var (
		events    []*domain.CallEvent
		cid, eid  gocql.UUID
		name      string
		recipient string
		status    string
		payload   string
		createdAt time.Time
	)
	for iter.Scan(&cid, &eid, &name, &recipient, &status, &payload, &createdAt) {
		events = append(events, &domain.CallEvent{
			CallID:    uuid.UUID(cid),
			EventID:   uuid.UUID(eid),
			Name:      name,
			Recipient: recipient,
			Status:    status,
			Payload:   payload,
			CreatedAt: createdAt,
		})
	}
	err := iter.Close()
	r.record("select", start, err)

	if err != nil {
		return nil, fmt.Errorf("failed to list call events: %w", err)
	}
	return events, nil
}

func (r *CallEventRepository) record(operation string, start time.Time, err error) {
	if r.metrics != nil {
		r.metrics.RecordCassandraQuery(operation, callEventsTable, time.Since(start), err)
	}
}
